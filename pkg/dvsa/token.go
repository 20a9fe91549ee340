package dvsa

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
)

// ErrAuth is returned when the client-credentials exchange fails after
// retries. A scan cannot make progress without a token, so callers treat
// it as fatal for the run.
var ErrAuth = errors.New("dvsa: credential exchange failed")

const (
	// refreshFraction of a token's lifetime may elapse before it is refreshed.
	refreshFraction = 0.9
	// fallbackLifetime is assumed when the token endpoint omits expires_in.
	fallbackLifetime = 5 * time.Minute
)

// AuthToken is a cached bearer token.
type AuthToken struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	// RefreshAt is IssuedAt + 90% of the lifetime. The token is never handed
	// out at or after this instant.
	RefreshAt time.Time
}

func (t AuthToken) usable(now time.Time) bool {
	return t.Value != "" && now.Before(t.RefreshAt)
}

// TokenConfig configures the client-credentials exchange.
type TokenConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scope        string

	Retries    int           // extra attempts after the first; 0 means 3, NoRetries disables
	RetryDelay time.Duration // fixed delay between attempts, default 500ms
	Timeout    time.Duration // per-attempt HTTP timeout, default 10s

	Log       Logger
	OnRefresh func() // called after every successful exchange
}

// NoRetries disables retries of the credential exchange.
const NoRetries = -1

// TokenManager caches one process-wide bearer token and refreshes it
// proactively. Concurrent callers that find the token stale share a single
// in-flight exchange.
type TokenManager struct {
	cfg    TokenConfig
	client *retryablehttp.Client
	group  singleflight.Group
	now    func() time.Time

	mu    sync.Mutex
	token AuthToken
}

// NewTokenManager builds a TokenManager. Nothing is fetched until the first
// Token call.
func NewTokenManager(cfg TokenConfig) *TokenManager {
	if cfg.Retries < 0 {
		cfg.Retries = 0
	} else if cfg.Retries == 0 {
		cfg.Retries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Log == nil {
		cfg.Log = nopLogger{}
	}

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.Retries
	client.RetryWaitMin = cfg.RetryDelay
	client.RetryWaitMax = cfg.RetryDelay
	client.Backoff = func(min, _ time.Duration, _ int, _ *http.Response) time.Duration {
		return min
	}
	client.HTTPClient.Timeout = cfg.Timeout
	client.Logger = retryLogger{log: cfg.Log}

	return &TokenManager{cfg: cfg, client: client, now: time.Now}
}

// Token returns a bearer token that is not within the last 10% of its
// lifetime, exchanging credentials if needed.
func (m *TokenManager) Token(ctx context.Context) (AuthToken, error) {
	if t, ok := m.cached(); ok {
		return t, nil
	}

	v, err, _ := m.group.Do("token", func() (interface{}, error) {
		// A caller that lost the race to an earlier flight sees its result here.
		if t, ok := m.cached(); ok {
			return t, nil
		}
		t, err := m.exchange(ctx)
		if err != nil {
			return AuthToken{}, err
		}
		m.mu.Lock()
		m.token = t
		m.mu.Unlock()
		if m.cfg.OnRefresh != nil {
			m.cfg.OnRefresh()
		}
		m.cfg.Log.Debugf("Obtained new DVSA access token, refresh due at %s", t.RefreshAt.Format(time.RFC3339))
		return t, nil
	})
	if err != nil {
		return AuthToken{}, err
	}
	return v.(AuthToken), nil
}

// Invalidate drops the cached token so the next Token call exchanges again.
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	m.token = AuthToken{}
	m.mu.Unlock()
}

func (m *TokenManager) cached() (AuthToken, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token.usable(m.now()) {
		return m.token, true
	}
	return AuthToken{}, false
}

func (m *TokenManager) exchange(ctx context.Context) (AuthToken, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", m.cfg.ClientID)
	form.Set("client_secret", m.cfg.ClientSecret)
	form.Set("scope", m.cfg.Scope)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, m.cfg.TokenURL, []byte(form.Encode()))
	if err != nil {
		return AuthToken{}, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	issuedAt := m.now()
	resp, err := m.client.Do(req)
	if err != nil {
		return AuthToken{}, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	defer resp.Body.Close()

	body, err := readAll(resp)
	if err != nil {
		return AuthToken{}, fmt.Errorf("%w: reading token response: %v", ErrAuth, err)
	}
	if resp.StatusCode != http.StatusOK {
		desc := gjson.GetBytes(body, "error_description").String()
		if desc == "" {
			desc = gjson.GetBytes(body, "error").String()
		}
		return AuthToken{}, fmt.Errorf("%w: token endpoint returned status %d %s", ErrAuth, resp.StatusCode, desc)
	}

	value := gjson.GetBytes(body, "access_token").String()
	if value == "" {
		return AuthToken{}, fmt.Errorf("%w: token response has no access_token", ErrAuth)
	}

	lifetime := time.Duration(gjson.GetBytes(body, "expires_in").Int()) * time.Second
	if lifetime <= 0 {
		lifetime = fallbackLifetime
	}
	return AuthToken{
		Value:     value,
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(lifetime),
		RefreshAt: issuedAt.Add(time.Duration(float64(lifetime) * refreshFraction)),
	}, nil
}
