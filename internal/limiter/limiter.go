// Package limiter implements the request-rate governor: per-key, per-category
// quotas used as an advisory gate before expensive client actions.
package limiter

import "time"

// Well-known categories. Policies are configurable; these are the defaults.
const (
	CategoryAPI    = "api"
	CategoryAuth   = "auth"
	CategoryExport = "export"
)

// Policy is a fixed-window quota: at most Max admits per Window.
type Policy struct {
	Max    int
	Window time.Duration
}

// DefaultPolicies returns the built-in per-category quotas.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		CategoryAPI:    {Max: 100, Window: time.Minute},
		CategoryAuth:   {Max: 10, Window: time.Minute},
		CategoryExport: {Max: 5, Window: 5 * time.Minute},
	}
}

// Decision is the outcome of an admission check. RetryAfter is rounded up to
// whole seconds and set only when the admit was denied.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter admits or denies an operation for a (key, category) pair.
type Limiter interface {
	Admit(key, category string) Decision
}
