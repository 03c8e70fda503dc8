// Package netstatus abstracts device connectivity signals so the sync
// engine's triggers can be driven without a real network environment.
package netstatus

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Observer reports the current connectivity state and notifies subscribers
// on transitions.
type Observer interface {
	Online() bool
	// Subscribe registers fn for state transitions and returns an
	// unsubscribe function. fn is invoked synchronously from the notifier.
	Subscribe(fn func(online bool)) (cancel func())
}

// Manual is an Observer whose state is set explicitly. It backs tests, the
// CLI and the Probe implementation.
type Manual struct {
	mu     sync.Mutex
	online bool
	subs   map[int]func(bool)
	next   int
}

var _ Observer = (*Manual)(nil)

// NewManual constructs a Manual observer with an initial state.
func NewManual(online bool) *Manual {
	return &Manual{online: online, subs: map[int]func(bool){}}
}

func (m *Manual) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set updates the state; subscribers are notified only on transitions.
func (m *Manual) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	fns := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
}

func (m *Manual) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.next
	m.next++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Probe derives connectivity by polling a reachability URL. Any HTTP
// response counts as online; only transport errors count as offline.
type Probe struct {
	*Manual
	http     *http.Client
	url      string
	interval time.Duration
	log      *zap.Logger
}

// NewProbe constructs a Probe. The initial state is offline until the first
// poll succeeds.
func NewProbe(client *http.Client, url string, interval time.Duration, log *zap.Logger) *Probe {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Probe{
		Manual:   NewManual(false),
		http:     client,
		url:      url,
		interval: interval,
		log:      log,
	}
}

// Run polls until ctx is done.
func (p *Probe) Run(ctx context.Context) {
	t := time.NewTicker(p.interval)
	defer t.Stop()

	p.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.poll(ctx)
		}
	}
}

func (p *Probe) poll(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		p.log.Warn("probe request", zap.Error(err))
		return
	}
	resp, err := p.http.Do(req)
	if err != nil {
		p.Set(false)
		return
	}
	resp.Body.Close()
	p.Set(true)
}
