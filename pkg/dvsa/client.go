// Package dvsa talks to the DVSA MOT History API: OAuth client-credentials
// tokens and per-registration status lookups.
package dvsa

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/sw33tLie/motscan/pkg/whttp"
)

const (
	DefaultBaseURL  = "https://history.mot.api.gov.uk/v1/trade/vehicles"
	DefaultTokenURL = "https://login.microsoftonline.com/a455b827-244f-4c97-b5b4-ce5d13b4d00c/oauth2/v2.0/token"
	DefaultScope    = "https://tapi.dvsa.gov.uk/.default"

	acceptHeader = "application/json+v6"
)

// TokenSource hands out bearer tokens. *TokenManager implements it.
type TokenSource interface {
	Token(ctx context.Context) (AuthToken, error)
	Invalidate()
}

// LookupObserver receives one call per HTTP attempt.
type LookupObserver interface {
	ObserveLookup(outcome string, elapsed time.Duration)
}

// Config configures a Client.
type Config struct {
	BaseURL string
	APIKey  string

	MaxRetries     int           // retries after the first attempt
	BackoffBase    time.Duration // first retry delay, doubled per attempt
	MaxBackoff     time.Duration
	RequestTimeout time.Duration
	// RequestsPerSecond caps attempts across all workers. 0 disables it.
	RequestsPerSecond float64

	HTTPClient *http.Client
	Observer   LookupObserver
	Log        Logger
}

// Client performs status lookups against the MOT History API.
type Client struct {
	cfg     Config
	tokens  TokenSource
	limiter *rate.Limiter
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewClient builds a Client. tokens supplies the bearer token for each
// attempt.
func NewClient(cfg Config, tokens TokenSource) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Log == nil {
		cfg.Log = nopLogger{}
	}

	c := &Client{cfg: cfg, tokens: tokens, sleep: sleepContext}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c
}

// FetchStatus looks up one registration. RateLimited and TransientError
// outcomes are retried up to MaxRetries times with exponential backoff; the
// last outcome is returned once attempts run out. FetchStatus never writes
// anything.
func (c *Client) FetchStatus(ctx context.Context, registration string) Outcome {
	attempts := c.cfg.MaxRetries + 1

	var out Outcome
	for attempt := 1; attempt <= attempts; attempt++ {
		out = c.fetchOnce(ctx, registration)
		out.Attempts = attempt
		if !out.Retryable() || attempt == attempts {
			return out
		}

		delay := c.backoff(attempt, out.RetryAfter)
		c.cfg.Log.Debugf("%s: attempt %d/%d got %s, retrying in %s", registration, attempt, attempts, out.Detail(), delay)
		if err := c.sleep(ctx, delay); err != nil {
			out.Kind = OutcomeTransientError
			out.Err = err
			return out
		}
	}
	return out
}

// backoff returns BackoffBase * 2^(attempt-1), capped at MaxBackoff. A larger
// Retry-After from the server wins, under the same cap.
func (c *Client) backoff(attempt int, retryAfter time.Duration) time.Duration {
	d := c.cfg.BackoffBase
	for i := 1; i < attempt && d < c.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if retryAfter > d {
		d = retryAfter
	}
	if d > c.cfg.MaxBackoff {
		d = c.cfg.MaxBackoff
	}
	return d
}

func (c *Client) fetchOnce(ctx context.Context, registration string) Outcome {
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return Outcome{Kind: OutcomeFatalError, Err: err}
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Outcome{Kind: OutcomeTransientError, Err: err}
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	res, err := whttp.SendHTTPRequest(reqCtx, &whttp.WHTTPReq{
		Method: http.MethodGet,
		URL:    c.cfg.BaseURL + "/registration/" + url.PathEscape(registration),
		Headers: []whttp.WHTTPHeader{
			{Name: "x-api-key", Value: c.cfg.APIKey},
			{Name: "Authorization", Value: "Bearer " + tok.Value},
			{Name: "Accept", Value: acceptHeader},
		},
	}, c.cfg.HTTPClient)

	var out Outcome
	if err != nil {
		out = Outcome{Kind: OutcomeTransientError, Err: err}
	} else {
		out = c.interpret(res)
	}

	if c.cfg.Observer != nil {
		c.cfg.Observer.ObserveLookup(out.Kind.String(), time.Since(start))
	}
	return out
}

func (c *Client) interpret(res *whttp.WHTTPRes) Outcome {
	out := Outcome{StatusCode: res.StatusCode}

	switch {
	case res.StatusCode == http.StatusOK:
		result, found, err := ParseVehicle(res.Body)
		switch {
		case err != nil:
			out.Kind = OutcomeTransientError
			out.Err = fmt.Errorf("decoding vehicle payload: %w", err)
		case !found:
			out.Kind = OutcomeNotFound
		default:
			out.Kind = OutcomeSuccess
			out.Result = &result
		}
	case res.StatusCode == http.StatusNotFound:
		out.Kind = OutcomeNotFound
	case res.StatusCode == http.StatusBadRequest:
		out.Kind = OutcomeInvalidFormat
	case res.StatusCode == http.StatusTooManyRequests:
		out.Kind = OutcomeRateLimited
		out.RetryAfter = parseRetryAfter(res.Header.Get("Retry-After"))
	case res.StatusCode == http.StatusUnauthorized:
		// The token may have been revoked early; the retry fetches a new one.
		c.tokens.Invalidate()
		out.Kind = OutcomeTransientError
		out.Err = errors.New("unauthorized")
	default:
		out.Kind = OutcomeTransientError
		out.Err = fmt.Errorf("unexpected status %d", res.StatusCode)
	}
	return out
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func readAll(resp *http.Response) ([]byte, error) {
	return io.ReadAll(io.LimitReader(resp.Body, whttp.MaxBodyBytes))
}
