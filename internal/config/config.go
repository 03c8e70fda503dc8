// Package config loads the client configuration from YAML with defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vitalog/client/internal/cache"
	"github.com/vitalog/client/internal/limiter"
	"github.com/vitalog/client/internal/outbox"
	"github.com/vitalog/client/internal/session"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
// yaml.v3 decodes bare time.Duration fields only from integer nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// RatePolicy mirrors limiter.Policy for YAML.
type RatePolicy struct {
	Max    int      `yaml:"max"`
	Window Duration `yaml:"window"`
}

type Config struct {
	BaseURL   string `yaml:"base_url"`   // e.g. "https://api.vitalog.app"
	StorePath string `yaml:"store_path"` // bolt file; empty means in-memory

	Timeout       Duration `yaml:"timeout"`        // per authenticated call
	DrainInterval Duration `yaml:"drain_interval"` // sync engine timer

	Cache struct {
		RefreshTTL    Duration `yaml:"refresh_ttl"`
		EvictTTL      Duration `yaml:"evict_ttl"`
		StaleFallback bool     `yaml:"stale_fallback"`
	} `yaml:"cache"`

	Session struct {
		RetainOnTransient bool `yaml:"retain_on_transient"`
	} `yaml:"session"`

	Probe struct {
		URL      string   `yaml:"url"` // reachability check target
		Interval Duration `yaml:"interval"`
	} `yaml:"probe"`

	RateLimits map[string]RatePolicy `yaml:"rate_limits"`
}

// Load reads YAML from path and applies defaults. An empty path yields pure
// defaults.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if c.BaseURL == "" {
		c.BaseURL = "https://api.vitalog.app"
	}
	if c.Timeout <= 0 {
		c.Timeout = Duration(session.DefaultTimeout)
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = Duration(outbox.DefaultDrainInterval)
	}
	if c.Cache.RefreshTTL <= 0 {
		c.Cache.RefreshTTL = Duration(cache.DefaultRefreshTTL)
	}
	if c.Cache.EvictTTL <= 0 {
		c.Cache.EvictTTL = Duration(cache.DefaultEvictTTL)
	}
	if c.Probe.URL == "" {
		c.Probe.URL = c.BaseURL + "/api/health"
	}
	if c.Probe.Interval <= 0 {
		c.Probe.Interval = Duration(10 * time.Second)
	}
	return &c, nil
}

// Policies converts configured rate limits to limiter policies, falling back
// to the built-in defaults for categories left unset.
func (c *Config) Policies() map[string]limiter.Policy {
	out := limiter.DefaultPolicies()
	for cat, p := range c.RateLimits {
		if p.Max > 0 && p.Window > 0 {
			out[cat] = limiter.Policy{Max: p.Max, Window: p.Window.Std()}
		}
	}
	return out
}
