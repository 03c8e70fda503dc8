// Package session manages the client credential lifecycle: expiry detection,
// the refresh exchange, and deadline-bounded authenticated requests. All
// authenticated domain calls go through Manager.Do.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/vitalog/client/internal/errs"
	"github.com/vitalog/client/internal/model"
	"github.com/vitalog/client/internal/storage"
)

// DefaultTimeout bounds a single authenticated request.
const DefaultTimeout = 15 * time.Second

// Doer issues HTTP requests; satisfied by *http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Response is a fully drained HTTP response. Draining inside Do lets the
// per-call deadline cover the body read as well.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports whether the status code is 2xx.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Config collects Manager dependencies. Store, HTTP and BaseURL are required.
type Config struct {
	Store   storage.Store
	HTTP    Doer
	BaseURL string // e.g. "https://api.vitalog.app"

	// Timeout bounds each outbound call; zero selects DefaultTimeout.
	Timeout time.Duration

	// RetainOnTransient keeps stored credentials when the refresh exchange
	// fails for transient reasons (network error, 5xx). When false a failed
	// refresh always destroys both tokens.
	RetainOnTransient bool

	Now    func() time.Time
	Logger *zap.Logger
}

// Manager tracks the stored token pair and wraps outbound calls.
type Manager struct {
	store   storage.Store
	http    Doer
	base    string
	timeout time.Duration
	retain  bool
	now     func() time.Time
	log     *zap.Logger

	mu     sync.Mutex
	creds  model.TokenPair
	loaded bool

	sf singleflight.Group
}

// New constructs a Manager.
func New(cfg Config) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Manager{
		store:   cfg.Store,
		http:    cfg.HTTP,
		base:    cfg.BaseURL,
		timeout: cfg.Timeout,
		retain:  cfg.RetainOnTransient,
		now:     cfg.Now,
		log:     cfg.Logger,
	}
}

// IsExpired reports whether the access token is unusable. Undecodable tokens
// and tokens without an exp claim count as expired (fail closed). The check
// is strict: a token expiring exactly now is still valid.
func (m *Manager) IsExpired(token string) bool {
	exp, ok := expiryOf(token)
	if !ok {
		return true
	}
	return exp.Before(m.now())
}

// Subject returns the token's subject claim, or "" if it cannot be decoded.
func (m *Manager) Subject(token string) string {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return ""
	}
	return claims.Subject
}

// CurrentSubject returns the subject of the stored access token, if any.
func (m *Manager) CurrentSubject() string {
	return m.Subject(m.Credentials().AccessToken)
}

// expiryOf decodes the exp claim without signature verification; the client
// holds no signing key and only needs the timestamps.
func expiryOf(token string) (time.Time, bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// Credentials returns the stored token pair, loading it lazily.
func (m *Manager) Credentials() model.TokenPair {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadLocked()
	return m.creds
}

func (m *Manager) loadLocked() {
	if m.loaded {
		return
	}
	m.loaded = true
	b, err := m.store.Get(storage.KeyCredentials)
	if err != nil {
		m.log.Warn("read credentials", zap.Error(err))
		return
	}
	if b == nil {
		return
	}
	if err := json.Unmarshal(b, &m.creds); err != nil {
		// Corrupt record: treat as logged out, never fatal.
		m.log.Warn("corrupt credential record", zap.Error(err))
		m.creds = model.TokenPair{}
	}
}

// SetCredentials replaces and persists the stored token pair.
func (m *Manager) SetCredentials(p model.TokenPair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = p
	m.loaded = true
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return m.store.Put(storage.KeyCredentials, b)
}

// Clear destroys both stored tokens. A subsequent Do starts from a clean
// logged-out state.
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = model.TokenPair{}
	m.loaded = true
	return m.store.Delete(storage.KeyCredentials)
}

// tokenResponse is the wire shape of the login/register/refresh endpoints.
type tokenResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
}

// Login exchanges username/password for a token pair and stores it.
func (m *Manager) Login(ctx context.Context, username, password string) error {
	return m.authExchange(ctx, "/api/auth/login", map[string]string{
		"username": username,
		"password": password,
	})
}

// Register creates an account and stores the issued token pair.
func (m *Manager) Register(ctx context.Context, username, password string) error {
	return m.authExchange(ctx, "/api/auth/register", map[string]string{
		"username": username,
		"password": password,
	})
}

func (m *Manager) authExchange(ctx context.Context, path string, req any) error {
	resp, err := m.postJSON(ctx, path, req)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("%s: status %d: %w", path, resp.StatusCode, errs.ErrAuthRequired)
	}
	var tr tokenResponse
	if err := json.Unmarshal(resp.Body, &tr); err != nil {
		return fmt.Errorf("%s: decode response: %w", path, err)
	}
	if tr.Token == "" {
		return fmt.Errorf("%s: response missing token", path)
	}
	return m.SetCredentials(model.TokenPair{AccessToken: tr.Token, RefreshToken: tr.RefreshToken})
}

// Refresh exchanges the stored refresh token for a new pair and returns the
// new access token. Concurrent callers share a single in-flight exchange, so
// a refresh token is never raced against itself.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	v, err, _ := m.sf.Do("refresh", func() (any, error) {
		return m.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) refresh(ctx context.Context) (string, error) {
	rt := m.Credentials().RefreshToken
	if rt == "" {
		return "", fmt.Errorf("no refresh credential: %w", errs.ErrAuthRequired)
	}

	resp, err := m.postJSON(ctx, "/api/auth/refresh", map[string]string{"refreshToken": rt})
	if err != nil {
		// Transient: the server never saw or never answered the exchange.
		if !m.retain {
			_ = m.Clear()
		}
		m.log.Warn("refresh exchange failed", zap.Error(err), zap.Bool("retained", m.retain))
		return "", fmt.Errorf("refresh: %w", err)
	}

	switch {
	case resp.OK():
		var tr tokenResponse
		if err := json.Unmarshal(resp.Body, &tr); err != nil || tr.Token == "" {
			_ = m.Clear()
			return "", fmt.Errorf("refresh: bad response: %w", errs.ErrAuthRequired)
		}
		next := model.TokenPair{AccessToken: tr.Token, RefreshToken: tr.RefreshToken}
		if next.RefreshToken == "" {
			// Server may rotate only the access token.
			next.RefreshToken = rt
		}
		if err := m.SetCredentials(next); err != nil {
			return "", fmt.Errorf("refresh: persist credentials: %w", err)
		}
		return next.AccessToken, nil

	case resp.StatusCode >= 500:
		if !m.retain {
			_ = m.Clear()
		}
		m.log.Warn("refresh exchange server error",
			zap.Int("status", resp.StatusCode), zap.Bool("retained", m.retain))
		return "", fmt.Errorf("refresh: status %d", resp.StatusCode)

	default:
		// The server rejected the refresh token. Destroy both credentials
		// so the next call starts logged out instead of retrying a broken token.
		_ = m.Clear()
		m.log.Info("refresh token rejected, session cleared", zap.Int("status", resp.StatusCode))
		return "", fmt.Errorf("refresh rejected (status %d): %w", resp.StatusCode, errs.ErrAuthRequired)
	}
}

// Do issues an authenticated request under the manager's deadline. When the
// stored access token is missing or expired it refreshes first; if that fails
// the call returns ErrAuthRequired without touching the network.
func (m *Manager) Do(ctx context.Context, method, url string, body []byte) (*Response, error) {
	tok := m.Credentials().AccessToken
	if tok == "" || m.IsExpired(tok) {
		var err error
		tok, err = m.Refresh(ctx)
		if err != nil {
			if errors.Is(err, errs.ErrAuthRequired) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %s", errs.ErrAuthRequired, err)
		}
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+tok)
	if body != nil {
		headers.Set("Content-Type", "application/json")
	}
	return m.roundTrip(ctx, method, url, headers, body)
}

// postJSON issues an unauthenticated JSON POST relative to the API base.
func (m *Manager) postJSON(ctx context.Context, path string, payload any) (*Response, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	return m.roundTrip(ctx, http.MethodPost, m.base+path, headers, b)
}

// roundTrip performs one HTTP exchange under the per-call deadline and drains
// the body. A deadline hit maps to ErrTimeout, distinct from other network
// failures.
func (m *Manager) roundTrip(ctx context.Context, method, url string, headers http.Header, body []byte) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, err
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	start := m.now()
	resp, err := m.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s %s after %s: %w", method, url, m.timeout, errs.ErrTimeout)
		}
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s %s after %s: %w", method, url, m.timeout, errs.ErrTimeout)
		}
		return nil, fmt.Errorf("%s %s: read body: %w", method, url, err)
	}

	m.log.Debug("http",
		zap.String("method", method),
		zap.String("url", url),
		zap.Int("status", resp.StatusCode),
		zap.Duration("dur", m.now().Sub(start)),
	)
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}
