// Package cache implements the time-bounded asset cache: a read-through
// store for fetched resources with separate refresh and eviction thresholds.
// Eviction is purely read-triggered; there is no background sweep.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vitalog/client/internal/errs"
	"github.com/vitalog/client/internal/model"
	"github.com/vitalog/client/internal/storage"
)

// Default thresholds. Below RefreshTTL an entry is fresh enough to skip the
// network; past EvictTTL a read deletes the entry and reports a miss.
const (
	DefaultRefreshTTL = time.Hour
	DefaultEvictTTL   = 24 * time.Hour
)

// Fetcher issues plain GET requests; satisfied by *http.Client.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config collects Cache dependencies. Store and HTTP are required.
type Config struct {
	Store storage.Store
	HTTP  Fetcher

	RefreshTTL time.Duration // zero selects DefaultRefreshTTL
	EvictTTL   time.Duration // zero selects DefaultEvictTTL

	// StaleFallback serves a stale-but-present entry when the network fetch
	// fails instead of failing outright.
	StaleFallback bool

	Now    func() time.Time
	Logger *zap.Logger
}

// Cache holds assets keyed by URL, persisted wholesale.
type Cache struct {
	store      storage.Store
	http       Fetcher
	refreshTTL time.Duration
	evictTTL   time.Duration
	stale      bool
	now        func() time.Time
	log        *zap.Logger

	mu sync.Mutex // serializes read-modify-write of the persisted list
}

// New constructs a Cache.
func New(cfg Config) *Cache {
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	if cfg.EvictTTL <= 0 {
		cfg.EvictTTL = DefaultEvictTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Cache{
		store:      cfg.Store,
		http:       cfg.HTTP,
		refreshTTL: cfg.RefreshTTL,
		evictTTL:   cfg.EvictTTL,
		stale:      cfg.StaleFallback,
		now:        cfg.Now,
		log:        cfg.Logger,
	}
}

// GetOrFetch returns the cached asset when it is younger than the refresh
// threshold, otherwise fetches, overwrites the stored entry and returns it.
func (c *Cache) GetOrFetch(ctx context.Context, url string) (*model.CachedAsset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	assets := c.load()
	now := c.now()
	idx := index(assets, url)
	if idx >= 0 && now.Sub(assets[idx].CachedAt) < c.refreshTTL {
		a := assets[idx]
		return &a, nil
	}

	fetched, err := c.fetch(ctx, url)
	if err != nil {
		if c.stale && idx >= 0 {
			a := assets[idx]
			c.log.Warn("fetch failed, serving stale asset",
				zap.String("url", url),
				zap.Duration("age", now.Sub(a.CachedAt)),
				zap.Error(err),
			)
			return &a, nil
		}
		c.log.Warn("asset fetch failed", zap.String("url", url), zap.Error(err))
		return nil, err
	}

	if idx >= 0 {
		assets[idx] = *fetched
	} else {
		assets = append(assets, *fetched)
	}
	if err := c.persist(assets); err != nil {
		return nil, err
	}
	return fetched, nil
}

// Get returns the stored entry, or ErrNotFound when absent. An entry older
// than the eviction threshold is deleted and reported as a miss.
func (c *Cache) Get(url string) (*model.CachedAsset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	assets := c.load()
	idx := index(assets, url)
	if idx < 0 {
		return nil, errs.ErrNotFound
	}
	a := assets[idx]
	if c.now().Sub(a.CachedAt) > c.evictTTL {
		assets = append(assets[:idx], assets[idx+1:]...)
		if err := c.persist(assets); err != nil {
			return nil, err
		}
		return nil, errs.ErrNotFound
	}
	return &a, nil
}

// Evict removes one entry.
func (c *Cache) Evict(url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	assets := c.load()
	idx := index(assets, url)
	if idx < 0 {
		return nil
	}
	return c.persist(append(assets[:idx], assets[idx+1:]...))
}

// Clear removes all entries.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Delete(storage.KeyAssets)
}

func (c *Cache) fetch(ctx context.Context, url string) (*model.CachedAsset, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("fetch %s: %w", url, errs.ErrTimeout)
		}
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: read body: %w", url, err)
	}
	return &model.CachedAsset{
		Key:         url,
		Payload:     data,
		ContentType: resp.Header.Get("Content-Type"),
		CachedAt:    c.now(),
	}, nil
}

// load reads the persisted asset list; corrupt or missing data is an empty
// list, never fatal.
func (c *Cache) load() []model.CachedAsset {
	b, err := c.store.Get(storage.KeyAssets)
	if err != nil {
		c.log.Warn("read asset list", zap.Error(err))
		return nil
	}
	if b == nil {
		return nil
	}
	var assets []model.CachedAsset
	if err := json.Unmarshal(b, &assets); err != nil {
		c.log.Warn("corrupt asset list, treating as empty", zap.Error(err))
		return nil
	}
	return assets
}

func (c *Cache) persist(assets []model.CachedAsset) error {
	b, err := json.Marshal(assets)
	if err != nil {
		return err
	}
	if err := c.store.Put(storage.KeyAssets, b); err != nil {
		return fmt.Errorf("persist asset list: %w", err)
	}
	return nil
}

func index(assets []model.CachedAsset, url string) int {
	for i := range assets {
		if assets[i].Key == url {
			return i
		}
	}
	return -1
}
