// Package auth holds the signed-in user's token and tenant, and caches
// whether the backend still accepts the token.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/patrickmn/go-cache"

	"github.com/horizon-agent/internal/logger"
)

const validatePath = "/auth/validate"

var (
	ErrEmptyToken = errors.New("auth: empty token")
	ErrRejected   = errors.New("auth: token rejected")
	ErrExpired    = errors.New("auth: token expired")
)

type Config struct {
	BaseURL string
	// TTL is how long a successful validation is trusted.
	TTL time.Duration
}

type Manager struct {
	cfg   Config
	log   *logger.Logger
	http  *http.Client
	valid *cache.Cache

	mu        sync.RWMutex
	token     string
	user      map[string]any
	tenant    string
	expiresAt time.Time
}

type Option func(*Manager)

func WithLogger(l *logger.Logger) Option {
	return func(m *Manager) { m.log = logger.OrNop(l).With("component", "auth") }
}

func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.http = c }
}

func NewManager(cfg Config, opts ...Option) *Manager {
	if cfg.TTL == 0 {
		cfg.TTL = 5 * time.Minute
	}
	m := &Manager{
		cfg:   cfg,
		log:   logger.Nop(),
		http:  &http.Client{Timeout: 30 * time.Second},
		valid: cache.New(cfg.TTL, 2*cfg.TTL),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Authenticate checks token against the backend and, on success, makes it
// the current session.
func (m *Manager) Authenticate(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrEmptyToken
	}
	claims := parseClaims(token)
	if exp := claimExpiry(claims); !exp.IsZero() && !time.Now().Before(exp) {
		return ErrExpired
	}

	user, err := m.validate(ctx, http.MethodPost, token)
	if err != nil {
		return err
	}

	tenant, _ := user["tenant_name"].(string)
	if tenant == "" {
		tenant = claimString(claims, "tenant_name")
	}
	if tenant == "" {
		tenant = claimString(claims, "sub")
	}

	m.mu.Lock()
	m.token = token
	m.user = user
	m.tenant = tenant
	m.expiresAt = claimExpiry(claims)
	m.mu.Unlock()

	m.valid.SetDefault(token, true)
	m.log.Info("authenticated (tenant %q)", tenant)
	return nil
}

// Valid reports whether the current token is still accepted. Results are
// cached for the configured TTL.
func (m *Manager) Valid(ctx context.Context) bool {
	m.mu.RLock()
	token, exp := m.token, m.expiresAt
	m.mu.RUnlock()
	if token == "" {
		return false
	}
	if !exp.IsZero() && !time.Now().Before(exp) {
		m.valid.Delete(token)
		return false
	}
	if ok, found := m.valid.Get(token); found {
		return ok.(bool)
	}

	_, err := m.validate(ctx, http.MethodGet, token)
	ok := err == nil
	if !ok {
		m.log.Warn("token validation failed: %v", err)
	}
	m.valid.SetDefault(token, ok)
	return ok
}

func (m *Manager) IsAuthenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token != ""
}

// TenantName is "" until Authenticate succeeds.
func (m *Manager) TenantName() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tenant
}

func (m *Manager) UserInfo() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.user == nil {
		return nil
	}
	out := make(map[string]any, len(m.user))
	for k, v := range m.user {
		out[k] = v
	}
	return out
}

// Header returns the bearer header for backend calls, or nil when signed out.
func (m *Manager) Header() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.token == "" {
		return nil
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+m.token)
	return h
}

func (m *Manager) Logout() {
	m.mu.Lock()
	token := m.token
	m.token, m.user, m.tenant, m.expiresAt = "", nil, "", time.Time{}
	m.mu.Unlock()
	if token != "" {
		m.valid.Delete(token)
		m.log.Info("logged out")
	}
}

func (m *Manager) validate(ctx context.Context, method, token string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(m.cfg.BaseURL, "/")+validatePath, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("validate token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d", ErrRejected, resp.StatusCode)
	}

	user := map[string]any{}
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		m.log.Debug("validate response has no JSON body: %v", err)
	}
	return user, nil
}

// parseClaims reads claims without verifying the signature; the backend is
// the authority. Opaque tokens yield nil.
func parseClaims(token string) jwt.MapClaims {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}
	return claims
}

func claimExpiry(c jwt.MapClaims) time.Time {
	if c == nil {
		return time.Time{}
	}
	exp, err := c.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

func claimString(c jwt.MapClaims, key string) string {
	if c == nil {
		return ""
	}
	s, _ := c[key].(string)
	return s
}
