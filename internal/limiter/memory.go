package limiter

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Chance per Admit call of sweeping expired windows. Bounds memory without a
// background timer.
const sweepProbability = 0.1

type window struct {
	count   int
	resetAt time.Time
}

// Memory is an in-memory fixed-window limiter. State is ephemeral and resets
// with the process, so it must not back security-critical limits, only UX
// throttling.
type Memory struct {
	mu       sync.Mutex
	policies map[string]Policy
	windows  map[string]*window
	now      func() time.Time
	sweepr   func() float64
	log      *zap.Logger
}

var _ Limiter = (*Memory)(nil)

// NewMemory constructs an in-memory limiter. A nil policies map selects
// DefaultPolicies.
func NewMemory(policies map[string]Policy, log *zap.Logger) *Memory {
	if policies == nil {
		policies = DefaultPolicies()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Memory{
		policies: policies,
		windows:  map[string]*window{},
		now:      time.Now,
		sweepr:   rand.Float64,
		log:      log,
	}
}

// Admit records one request for (key, category) and reports whether it is
// within quota. The counter is incremented before the check, so denied calls
// still consume quota.
func (l *Memory) Admit(key, category string) Decision {
	pol, ok := l.policies[category]
	if !ok {
		pol = l.policies[CategoryAPI]
		if pol.Max == 0 {
			pol = DefaultPolicies()[CategoryAPI]
		}
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sweepr() < sweepProbability {
		l.sweep(now)
	}

	k := category + "|" + key
	w, ok := l.windows[k]
	if !ok || !now.Before(w.resetAt) {
		l.windows[k] = &window{count: 1, resetAt: now.Add(pol.Window)}
		return Decision{Allowed: true, Remaining: pol.Max - 1}
	}

	w.count++
	if w.count > pol.Max {
		retry := w.resetAt.Sub(now)
		if rem := retry % time.Second; rem != 0 {
			retry += time.Second - rem
		}
		l.log.Debug("rate limit exceeded",
			zap.String("category", category),
			zap.String("key", key),
			zap.Duration("retryAfter", retry),
		)
		return Decision{Allowed: false, RetryAfter: retry}
	}
	return Decision{Allowed: true, Remaining: pol.Max - w.count}
}

// sweep drops windows whose reset time has passed. Caller holds l.mu.
func (l *Memory) sweep(now time.Time) {
	for k, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, k)
		}
	}
}
