package limiter

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

// newTest returns a limiter with a controllable clock and the sweep disabled.
func newTest(policies map[string]Policy) (*Memory, *time.Time) {
	l := NewMemory(policies, zap.NewNop())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	l.sweepr = func() float64 { return 1 } // never sweep
	return l, &now
}

func TestAdmit_WindowResetProperty(t *testing.T) {
	l, now := newTest(map[string]Policy{"export": {Max: 5, Window: time.Minute}})

	for i := 0; i < 5; i++ {
		d := l.Admit("user-1", "export")
		if !d.Allowed {
			t.Fatalf("admit %d: want allowed", i+1)
		}
		if d.Remaining != 5-(i+1) {
			t.Fatalf("admit %d: remaining=%d, want %d", i+1, d.Remaining, 5-(i+1))
		}
	}

	d := l.Admit("user-1", "export")
	if d.Allowed {
		t.Fatalf("6th admit within window must be denied")
	}
	if d.RetryAfter <= 0 {
		t.Fatalf("denied admit must carry RetryAfter > 0, got %v", d.RetryAfter)
	}

	// after the window elapses the key gets a fresh window
	*now = now.Add(time.Minute)
	d = l.Admit("user-1", "export")
	if !d.Allowed || d.Remaining != 4 {
		t.Fatalf("post-reset admit: %+v, want allowed with remaining=4", d)
	}
}

func TestAdmit_DenialConsumesQuota(t *testing.T) {
	l, _ := newTest(map[string]Policy{"auth": {Max: 2, Window: time.Minute}})

	l.Admit("k", "auth")
	l.Admit("k", "auth")
	if d := l.Admit("k", "auth"); d.Allowed {
		t.Fatalf("3rd admit must be denied")
	}

	// the denied call incremented the counter; state advanced, no rollback
	w := l.windows["auth|k"]
	if w.count != 3 {
		t.Fatalf("count=%d, want 3 (denial consumed quota)", w.count)
	}
}

func TestAdmit_RetryAfterRoundsUpToSeconds(t *testing.T) {
	l, now := newTest(map[string]Policy{"auth": {Max: 1, Window: 90*time.Second + 500*time.Millisecond}})

	l.Admit("k", "auth")
	*now = now.Add(100 * time.Millisecond)
	d := l.Admit("k", "auth")
	if d.Allowed {
		t.Fatalf("want denied")
	}
	if d.RetryAfter != 91*time.Second {
		t.Fatalf("RetryAfter=%v, want 91s (ceil of 90.4s)", d.RetryAfter)
	}
}

func TestAdmit_KeysAndCategoriesIsolated(t *testing.T) {
	l, _ := newTest(map[string]Policy{
		"auth":   {Max: 1, Window: time.Minute},
		"export": {Max: 1, Window: time.Minute},
	})

	if d := l.Admit("a", "auth"); !d.Allowed {
		t.Fatalf("first admit for (auth,a) must pass")
	}
	if d := l.Admit("b", "auth"); !d.Allowed {
		t.Fatalf("other key must have its own window")
	}
	if d := l.Admit("a", "export"); !d.Allowed {
		t.Fatalf("other category must have its own window")
	}
	if d := l.Admit("a", "auth"); d.Allowed {
		t.Fatalf("second admit for (auth,a) must be denied")
	}
}

func TestAdmit_UnknownCategoryFallsBack(t *testing.T) {
	l, _ := newTest(nil) // defaults

	d := l.Admit("k", "no-such-category")
	if !d.Allowed || d.Remaining != DefaultPolicies()[CategoryAPI].Max-1 {
		t.Fatalf("unknown category must use the api policy, got %+v", d)
	}
}

func TestSweep_DropsExpiredWindows(t *testing.T) {
	l, now := newTest(map[string]Policy{"api": {Max: 10, Window: time.Minute}})

	l.Admit("old", "api")
	*now = now.Add(2 * time.Minute)

	l.sweepr = func() float64 { return 0 } // always sweep
	l.Admit("fresh", "api")

	if _, ok := l.windows["api|old"]; ok {
		t.Fatalf("expired window must be swept")
	}
	if _, ok := l.windows["api|fresh"]; !ok {
		t.Fatalf("live window must survive the sweep")
	}
}
