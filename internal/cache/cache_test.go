package cache

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vitalog/client/internal/errs"
	"github.com/vitalog/client/internal/storage"
)

// newTest returns a cache over an in-memory store with a controllable clock
// and a counting origin server.
func newTest(t *testing.T, stale bool) (*Cache, *time.Time, *httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("payload-v" + r.URL.Query().Get("v")))
	}))
	t.Cleanup(srv.Close)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := New(Config{
		Store:         storage.NewMemory(),
		HTTP:          srv.Client(),
		StaleFallback: stale,
		Logger:        zap.NewNop(),
	})
	c.now = func() time.Time { return now }
	return c, &now, srv, &hits
}

func TestGetOrFetch_FreshSkipsNetwork(t *testing.T) {
	c, now, srv, hits := newTest(t, false)
	url := srv.URL + "/avatar.png"

	a, err := c.GetOrFetch(context.Background(), url)
	if err != nil {
		t.Fatalf("GetOrFetch: %v", err)
	}
	if a.ContentType != "image/png" || string(a.Payload) != "payload-v" {
		t.Fatalf("unexpected asset: %+v", a)
	}

	// 30 minutes later: still under the 1h refresh threshold, no network
	*now = now.Add(30 * time.Minute)
	a2, err := c.GetOrFetch(context.Background(), url)
	if err != nil {
		t.Fatalf("GetOrFetch: %v", err)
	}
	if string(a2.Payload) != "payload-v" {
		t.Fatalf("must serve the cached copy")
	}
	if got := atomic.LoadInt32(hits); got != 1 {
		t.Fatalf("fresh entry must not touch the network, hits=%d", got)
	}
}

func TestGetOrFetch_StaleRefetchesAndOverwrites(t *testing.T) {
	c, now, srv, hits := newTest(t, false)
	url := srv.URL + "/report.pdf"

	if _, err := c.GetOrFetch(context.Background(), url); err != nil {
		t.Fatalf("GetOrFetch: %v", err)
	}
	firstAt := *now

	*now = now.Add(2 * time.Hour)
	a, err := c.GetOrFetch(context.Background(), url)
	if err != nil {
		t.Fatalf("GetOrFetch: %v", err)
	}
	if got := atomic.LoadInt32(hits); got != 2 {
		t.Fatalf("stale entry must refetch, hits=%d", got)
	}
	if !a.CachedAt.After(firstAt) {
		t.Fatalf("overwrite must carry a new cachedAt: %v", a.CachedAt)
	}

	// still exactly one entry per url
	got, err := c.Get(url)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.CachedAt.Equal(a.CachedAt) {
		t.Fatalf("stored entry must be the overwritten one")
	}
}

func TestGet_EvictionAfterThreshold(t *testing.T) {
	c, now, srv, _ := newTest(t, false)
	url := srv.URL + "/chart.svg"

	if _, err := c.GetOrFetch(context.Background(), url); err != nil {
		t.Fatalf("GetOrFetch: %v", err)
	}

	// 25 hours later the read evicts and reports a miss
	*now = now.Add(25 * time.Hour)
	if _, err := c.Get(url); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("want ErrNotFound past eviction threshold, got %v", err)
	}

	// the entry is gone, not just hidden
	*now = now.Add(-25 * time.Hour)
	if _, err := c.Get(url); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("entry must have been removed, got %v", err)
	}
}

func TestGet_MissAndWithinEviction(t *testing.T) {
	c, now, srv, _ := newTest(t, false)
	url := srv.URL + "/x"

	if _, err := c.Get(url); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("want miss on absent key, got %v", err)
	}

	if _, err := c.GetOrFetch(context.Background(), url); err != nil {
		t.Fatalf("GetOrFetch: %v", err)
	}
	// 23h: no longer fresh, but not evictable either
	*now = now.Add(23 * time.Hour)
	a, err := c.Get(url)
	if err != nil {
		t.Fatalf("Get at 23h: %v", err)
	}
	if a == nil {
		t.Fatalf("entry inside eviction threshold must be returned")
	}
}

func TestGetOrFetch_FetchFailure(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// no fallback: the failure surfaces
	c := New(Config{Store: storage.NewMemory(), HTTP: srv.Client(), Logger: zap.NewNop()})
	c.now = func() time.Time { return now }
	if _, err := c.GetOrFetch(context.Background(), srv.URL); err != nil {
		t.Fatalf("seed fetch: %v", err)
	}
	fail.Store(true)
	now = now.Add(2 * time.Hour)
	if _, err := c.GetOrFetch(context.Background(), srv.URL); err == nil {
		t.Fatalf("without stale fallback a failed fetch must error")
	}

	// with fallback: the stale entry is served instead
	fail.Store(false)
	now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cs := New(Config{Store: storage.NewMemory(), HTTP: srv.Client(), StaleFallback: true, Logger: zap.NewNop()})
	cs.now = func() time.Time { return now }
	if _, err := cs.GetOrFetch(context.Background(), srv.URL); err != nil {
		t.Fatalf("seed fetch: %v", err)
	}
	fail.Store(true)
	now = now.Add(2 * time.Hour)
	a, err := cs.GetOrFetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("stale fallback must serve the old entry, got %v", err)
	}
	if string(a.Payload) != "ok" {
		t.Fatalf("unexpected stale payload: %q", a.Payload)
	}
}

func TestEvictAndClear(t *testing.T) {
	c, _, srv, _ := newTest(t, false)
	u1 := srv.URL + "/a"
	u2 := srv.URL + "/b"

	if _, err := c.GetOrFetch(context.Background(), u1); err != nil {
		t.Fatalf("GetOrFetch: %v", err)
	}
	if _, err := c.GetOrFetch(context.Background(), u2); err != nil {
		t.Fatalf("GetOrFetch: %v", err)
	}

	if err := c.Evict(u1); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if _, err := c.Get(u1); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("evicted entry must be a miss")
	}
	if _, err := c.Get(u2); err != nil {
		t.Fatalf("other entry must survive: %v", err)
	}

	if err := c.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := c.Get(u2); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("cleared cache must be empty")
	}
}

func TestLoad_CorruptListTreatedAsEmpty(t *testing.T) {
	st := storage.NewMemory()
	_ = st.Put(storage.KeyAssets, []byte("{corrupt"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("fresh"))
	}))
	defer srv.Close()

	c := New(Config{Store: st, HTTP: srv.Client(), Logger: zap.NewNop()})
	a, err := c.GetOrFetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("corrupt list must not be fatal: %v", err)
	}
	if string(a.Payload) != "fresh" {
		t.Fatalf("unexpected payload: %q", a.Payload)
	}
}
