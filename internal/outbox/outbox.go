// Package outbox implements the durable mutation queue and the sync engine
// that replays queued writes through the authenticated path. Replay is
// at-least-once: the server must deduplicate by mutation ID.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/vitalog/client/internal/errs"
	"github.com/vitalog/client/internal/model"
	"github.com/vitalog/client/internal/netstatus"
	"github.com/vitalog/client/internal/session"
	"github.com/vitalog/client/internal/storage"
)

// DefaultDrainInterval is the fixed timer between drain passes while online.
const DefaultDrainInterval = 30 * time.Second

// Caller issues authenticated requests; satisfied by *session.Manager.
type Caller interface {
	Do(ctx context.Context, method, url string, body []byte) (*session.Response, error)
}

// Config collects Engine dependencies. Store, Session, BaseURL and Observer
// are required.
type Config struct {
	Store    storage.Store
	Session  Caller
	BaseURL  string
	Observer netstatus.Observer

	DrainInterval time.Duration // zero selects DefaultDrainInterval
	Now           func() time.Time
	Logger        *zap.Logger
}

// Engine owns the persisted mutation list and drains it on a timer and on
// reconnect. State machine: Idle -> Draining -> Idle.
type Engine struct {
	store    storage.Store
	session  Caller
	base     string
	obs      netstatus.Observer
	interval time.Duration
	now      func() time.Time
	log      *zap.Logger

	mu sync.Mutex // serializes read-modify-write of the persisted list
	sf singleflight.Group
}

// New constructs an Engine.
func New(cfg Config) *Engine {
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = DefaultDrainInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Engine{
		store:    cfg.Store,
		session:  cfg.Session,
		base:     cfg.BaseURL,
		obs:      cfg.Observer,
		interval: cfg.DrainInterval,
		now:      cfg.Now,
		log:      cfg.Logger,
	}
}

// Enqueue appends a mutation to the persisted queue. Called when the caller
// has already determined the device is offline; replay failures never
// propagate back to this caller.
func (e *Engine) Enqueue(endpoint, method string, payload json.RawMessage) error {
	switch method {
	case "POST", "PUT", "DELETE":
	default:
		return fmt.Errorf("enqueue: unsupported method %q", method)
	}
	if endpoint == "" {
		return fmt.Errorf("enqueue: empty endpoint")
	}
	id, err := uuid.NewV4()
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	muts := e.load()
	muts = append(muts, model.QueuedMutation{
		ID:         id,
		EnqueuedAt: e.now(),
		Endpoint:   endpoint,
		Method:     method,
		Payload:    payload,
	})
	if err := e.persist(muts); err != nil {
		return err
	}
	e.log.Info("mutation queued",
		zap.String("id", id.String()),
		zap.String("method", method),
		zap.String("endpoint", endpoint),
	)
	return nil
}

// Result summarizes one drain pass.
type Result struct {
	Attempted int
	Synced    int
}

// Drain replays unsynced mutations in enqueue order. Concurrent callers
// share a single in-flight pass, so no item is dispatched twice at once.
// A failing item is skipped, not a reason to abort the pass.
func (e *Engine) Drain(ctx context.Context) (Result, error) {
	v, err, _ := e.sf.Do("drain", func() (any, error) {
		return e.drain(ctx), nil
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (e *Engine) drain(ctx context.Context) Result {
	e.mu.Lock()
	muts := e.load()
	e.mu.Unlock()

	var res Result
	for i := range muts {
		if muts[i].Synced {
			continue
		}
		res.Attempted++

		url := e.base + "/api" + muts[i].Endpoint
		resp, err := e.session.Do(ctx, muts[i].Method, url, muts[i].Payload)
		if err != nil || !resp.OK() {
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			if err == nil {
				err = fmt.Errorf("status %d: %w", status, errs.ErrSyncFailure)
			}
			e.log.Warn("replay failed, will retry next drain",
				zap.String("id", muts[i].ID.String()),
				zap.String("endpoint", muts[i].Endpoint),
				zap.Int("status", status),
				zap.Error(err),
			)
			continue
		}

		// Persist the synced flag immediately so partial progress survives
		// a crash mid-drain.
		if err := e.markSynced(muts[i].ID); err != nil {
			e.log.Warn("persist synced flag", zap.String("id", muts[i].ID.String()), zap.Error(err))
			continue
		}
		res.Synced++
	}

	if res.Attempted > 0 {
		e.log.Info("drain pass complete",
			zap.Int("attempted", res.Attempted),
			zap.Int("synced", res.Synced),
		)
	}
	return res
}

// markSynced flips one entry to synced against the freshest persisted list,
// so enqueues that landed mid-drain are not lost.
func (e *Engine) markSynced(id uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	muts := e.load()
	for i := range muts {
		if muts[i].ID == id {
			muts[i].Synced = true
			return e.persist(muts)
		}
	}
	return nil
}

// Status reports unsynced and total queue sizes.
func (e *Engine) Status() (pending, total int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	muts := e.load()
	for i := range muts {
		if !muts[i].Synced {
			pending++
		}
	}
	return pending, len(muts)
}

// Prune removes synced tombstones. Never called automatically; bounded
// growth is the caller's concern.
func (e *Engine) Prune() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	muts := e.load()
	kept := muts[:0]
	for i := range muts {
		if !muts[i].Synced {
			kept = append(kept, muts[i])
		}
	}
	return e.persist(kept)
}

// Run drains on a fixed interval while online and immediately on a
// connectivity-restored signal, until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	kick := make(chan struct{}, 1)
	cancel := e.obs.Subscribe(func(online bool) {
		if online {
			select {
			case kick <- struct{}{}:
			default:
			}
		}
	})
	defer cancel()

	t := time.NewTicker(e.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if e.obs.Online() {
				_, _ = e.Drain(ctx)
			}
		case <-kick:
			e.log.Info("connectivity restored, draining")
			_, _ = e.Drain(ctx)
		}
	}
}

// load reads the persisted mutation list; corrupt or missing data is an
// empty list, never fatal. Caller holds e.mu.
func (e *Engine) load() []model.QueuedMutation {
	b, err := e.store.Get(storage.KeyMutations)
	if err != nil {
		e.log.Warn("read mutation list", zap.Error(err))
		return nil
	}
	if b == nil {
		return nil
	}
	var muts []model.QueuedMutation
	if err := json.Unmarshal(b, &muts); err != nil {
		e.log.Warn("corrupt mutation list, treating as empty", zap.Error(err))
		return nil
	}
	return muts
}

func (e *Engine) persist(muts []model.QueuedMutation) error {
	b, err := json.Marshal(muts)
	if err != nil {
		return err
	}
	if err := e.store.Put(storage.KeyMutations, b); err != nil {
		return fmt.Errorf("persist mutation list: %w", err)
	}
	return nil
}
