// Package service exposes the resilience layer to UI collaborators: offline
// writes, authenticated fetches, rate checks and asset caching behind one
// constructible object with injected dependencies.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vitalog/client/internal/cache"
	"github.com/vitalog/client/internal/config"
	"github.com/vitalog/client/internal/errs"
	"github.com/vitalog/client/internal/limiter"
	"github.com/vitalog/client/internal/model"
	"github.com/vitalog/client/internal/netstatus"
	"github.com/vitalog/client/internal/outbox"
	"github.com/vitalog/client/internal/session"
	"github.com/vitalog/client/internal/storage"
)

// Deps are the injected collaborators. Store and Observer are required;
// HTTP defaults to http.DefaultClient, Now to time.Now.
type Deps struct {
	Store    storage.Store
	HTTP     *http.Client
	Observer netstatus.Observer
	Now      func() time.Time
	Logger   *zap.Logger
}

// Offline is the resilience layer facade.
type Offline struct {
	base  string
	lim   limiter.Limiter
	sess  *session.Manager
	cache *cache.Cache
	queue *outbox.Engine
	obs   netstatus.Observer
	log   *zap.Logger
}

// New wires the four components from configuration and injected deps.
func New(cfg *config.Config, d Deps) *Offline {
	if d.HTTP == nil {
		d.HTTP = http.DefaultClient
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}

	sess := session.New(session.Config{
		Store:             d.Store,
		HTTP:              d.HTTP,
		BaseURL:           cfg.BaseURL,
		Timeout:           cfg.Timeout.Std(),
		RetainOnTransient: cfg.Session.RetainOnTransient,
		Now:               d.Now,
		Logger:            d.Logger.Named("session"),
	})

	return &Offline{
		base: cfg.BaseURL,
		lim:  limiter.NewMemory(cfg.Policies(), d.Logger.Named("limiter")),
		sess: sess,
		cache: cache.New(cache.Config{
			Store:         d.Store,
			HTTP:          d.HTTP,
			RefreshTTL:    cfg.Cache.RefreshTTL.Std(),
			EvictTTL:      cfg.Cache.EvictTTL.Std(),
			StaleFallback: cfg.Cache.StaleFallback,
			Now:           d.Now,
			Logger:        d.Logger.Named("cache"),
		}),
		queue: outbox.New(outbox.Config{
			Store:         d.Store,
			Session:       sess,
			BaseURL:       cfg.BaseURL,
			Observer:      d.Observer,
			DrainInterval: cfg.DrainInterval.Std(),
			Now:           d.Now,
			Logger:        d.Logger.Named("outbox"),
		}),
		obs: d.Observer,
		log: d.Logger,
	}
}

// Run starts the sync engine until ctx is done.
func (o *Offline) Run(ctx context.Context) { o.queue.Run(ctx) }

// StoreOfflineData queues a write for later replay. The enqueue itself is the
// success from the caller's perspective; replay failures never surface here.
func (o *Offline) StoreOfflineData(endpoint, method string, payload json.RawMessage) error {
	return o.queue.Enqueue(endpoint, method, payload)
}

// PersistChange sends a write directly when online, otherwise queues it.
func (o *Offline) PersistChange(ctx context.Context, endpoint, method string, payload json.RawMessage) error {
	if !o.obs.Online() {
		return o.StoreOfflineData(endpoint, method, payload)
	}
	resp, err := o.sess.Do(ctx, method, o.base+"/api"+endpoint, payload)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("%s %s: status %d", method, endpoint, resp.StatusCode)
	}
	return nil
}

// AuthenticatedFetch is the single entry point for authenticated domain
// calls. A url beginning with "/" is resolved against the API base.
func (o *Offline) AuthenticatedFetch(ctx context.Context, method, url string, body []byte) (*session.Response, error) {
	if strings.HasPrefix(url, "/") {
		url = o.base + url
	}
	return o.sess.Do(ctx, method, url, body)
}

// CheckRateLimit is the advisory gate before expensive UI actions.
func (o *Offline) CheckRateLimit(key, category string) limiter.Decision {
	return o.lim.Admit(key, category)
}

// CacheAsset fetches (or reuses) an asset through the read-through cache.
func (o *Offline) CacheAsset(ctx context.Context, url string) (*model.CachedAsset, error) {
	return o.cache.GetOrFetch(ctx, url)
}

// GetCachedAsset reads the cache without fetching; errs.ErrNotFound on miss.
func (o *Offline) GetCachedAsset(url string) (*model.CachedAsset, error) {
	return o.cache.Get(url)
}

// EvictAsset and ClearAssets expose explicit cache removal.
func (o *Offline) EvictAsset(url string) error { return o.cache.Evict(url) }
func (o *Offline) ClearAssets() error          { return o.cache.Clear() }

// Login authenticates and stores the issued token pair. Attempts are gated
// by the auth rate category.
func (o *Offline) Login(ctx context.Context, username, password string) error {
	if d := o.lim.Admit(username, limiter.CategoryAuth); !d.Allowed {
		return fmt.Errorf("login (retry after %s): %w", d.RetryAfter, errs.ErrRateLimited)
	}
	return o.sess.Login(ctx, username, password)
}

// Register creates an account; gated like Login.
func (o *Offline) Register(ctx context.Context, username, password string) error {
	if d := o.lim.Admit(username, limiter.CategoryAuth); !d.Allowed {
		return fmt.Errorf("register (retry after %s): %w", d.RetryAfter, errs.ErrRateLimited)
	}
	return o.sess.Register(ctx, username, password)
}

// Logout destroys both stored credentials.
func (o *Offline) Logout() error { return o.sess.Clear() }

// Subject returns the user ID from the stored access token, or "".
func (o *Offline) Subject() string { return o.sess.CurrentSubject() }

// Drain forces one replay pass.
func (o *Offline) Drain(ctx context.Context) (outbox.Result, error) {
	return o.queue.Drain(ctx)
}

// QueueStatus reports unsynced and total queue sizes.
func (o *Offline) QueueStatus() (pending, total int) { return o.queue.Status() }

// PruneQueue removes synced tombstones.
func (o *Offline) PruneQueue() error { return o.queue.Prune() }
