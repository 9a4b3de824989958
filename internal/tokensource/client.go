package tokensource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/daaily/daaily-go/internal/credential"
)

const (
	// DefaultMaxAttempts bounds the attempts of one exchange, including the first.
	DefaultMaxAttempts = 10

	// DefaultInitialBackoff is the first delay of the exponential 429 schedule.
	DefaultInitialBackoff = time.Second

	maxResponseBytes = 1 << 20
)

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Client exchanges Daaily identities and refresh tokens for bearer tokens.
type Client struct {
	profile        Profile
	baseURL        string
	client         *http.Client
	maxAttempts    int
	initialBackoff time.Duration
	sleep          SleepFunc
	now            func() time.Time
}

// Compile-time check that Client implements credential.Refresher
var _ credential.Refresher = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client used for token requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

// WithTransport sets the base transport for token requests, keeping the
// default timeout.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.client = &http.Client{Transport: rt, Timeout: c.client.Timeout}
	}
}

// WithBaseURL overrides the profile's base URL.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithMaxAttempts bounds attempts per exchange. Values below 1 are ignored.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n >= 1 {
			c.maxAttempts = n
		}
	}
}

// WithInitialBackoff sets the first delay of the 429 schedule.
func WithInitialBackoff(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.initialBackoff = d
		}
	}
}

// WithSleep replaces the function used to wait between rate-limited attempts.
func WithSleep(sleep SleepFunc) Option {
	return func(c *Client) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// WithClock replaces time.Now for Retry-After date arithmetic.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// NewClient creates a token exchange client for profile.
func NewClient(profile Profile, opts ...Option) *Client {
	c := &Client{
		profile: profile,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		maxAttempts:    DefaultMaxAttempts,
		initialBackoff: DefaultInitialBackoff,
		sleep:          sleepContext,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Profile returns the endpoint profile the client talks to.
func (c *Client) Profile() Profile {
	return c.profile
}

// GetToken exchanges the identity's email and UID, authenticated by its API
// key, for a new token.
func (c *Client) GetToken(ctx context.Context, id credential.Identity) (*credential.Outcome, error) {
	fields := []field{
		{"email", id.Email},
		{c.profile.UIDField, id.UID},
	}
	return c.exchange(ctx, c.profile.TokenPath, id.APIKey, fields)
}

// RefreshToken exchanges a refresh token for a renewed token.
func (c *Client) RefreshToken(ctx context.Context, id credential.Identity, refreshToken string) (*credential.Outcome, error) {
	if refreshToken == "" {
		return nil, credential.ErrMissingRefreshToken
	}
	fields := []field{
		{"email", id.Email},
		{"refresh_token", refreshToken},
	}
	return c.exchange(ctx, c.profile.RefreshPath, id.APIKey, fields)
}

// Refresh implements credential.Refresher: it renews with refreshToken when
// one is held and performs a full exchange otherwise.
//
// A refresh token the endpoint rejects (revoked or expired) is abandoned: the
// client re-authenticates with the identity once and marks the outcome
// Reauthenticated so the credential drops the dead token.
func (c *Client) Refresh(ctx context.Context, id credential.Identity, refreshToken string) (*credential.Outcome, error) {
	if refreshToken == "" {
		return c.GetToken(ctx, id)
	}

	outcome, err := c.RefreshToken(ctx, id, refreshToken)
	if err == nil || !refreshTokenRejected(err) {
		return outcome, err
	}

	slog.WarnContext(ctx, "refresh token rejected, re-authenticating", "error", err)
	outcome, err = c.GetToken(ctx, id)
	if err != nil {
		return nil, err
	}
	outcome.Reauthenticated = true
	return outcome, nil
}

// refreshTokenRejected reports whether err is a client error of the refresh
// endpoint. Rate limiting is not a rejection of the token.
func refreshTokenRejected(err error) bool {
	var exchangeErr *ExchangeError
	if !errors.As(err, &exchangeErr) || exchangeErr.Err != nil {
		return false
	}
	return exchangeErr.StatusCode >= 400 && exchangeErr.StatusCode < 500 &&
		exchangeErr.StatusCode != http.StatusTooManyRequests
}

// field is one ordered body field.
type field struct {
	name  string
	value string
}

// exchange posts fields to path, retrying rate-limited responses.
func (c *Client) exchange(ctx context.Context, path, apiKey string, fields []field) (*credential.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	endpoint := c.profile.endpoint(c.baseURL, path)
	backoff := retry.WithMaxRetries(uint64(c.maxAttempts-1), retry.NewExponential(c.initialBackoff))

	for attempt := 1; ; attempt++ {
		status, header, body, err := c.post(ctx, endpoint, apiKey, fields)
		if err != nil {
			return nil, err
		}

		switch {
		case status >= 200 && status < 300:
			outcome, err := decodeOutcome(body)
			if err != nil {
				return nil, &ExchangeError{StatusCode: status, Body: body, Attempts: attempt, Err: err}
			}
			return outcome, nil

		case status == http.StatusTooManyRequests:
			delay, stop := backoff.Next()
			if stop {
				return nil, &ExchangeError{StatusCode: status, Body: body, Attempts: attempt, Err: ErrAttemptsExhausted}
			}
			if d, ok := retryAfter(header, c.now()); ok {
				delay = d
			}

			slog.WarnContext(ctx, "token endpoint rate limited",
				"path", path,
				"attempt", attempt,
				"retry_in", delay,
			)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}

		default:
			return nil, &ExchangeError{StatusCode: status, Body: body, Attempts: attempt}
		}
	}
}

// post sends a single token request and returns the buffered response.
func (c *Client) post(ctx context.Context, endpoint, apiKey string, fields []field) (int, http.Header, []byte, error) {
	body, contentType, err := c.encode(fields)
	if err != nil {
		return 0, nil, nil, err
	}

	if c.profile.KeyPlacement == KeyInQuery {
		endpoint += "?" + url.Values{"key": {apiKey}}.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if c.profile.KeyPlacement == KeyInHeader {
		req.Header.Set("Authorization", "ApiKey "+apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("token request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("reading token response: %w", err)
	}

	return resp.StatusCode, resp.Header, respBody, nil
}

// encode renders fields in the profile's body encoding.
func (c *Client) encode(fields []field) ([]byte, string, error) {
	switch c.profile.Encoding {
	case EncodingForm:
		values := url.Values{}
		for _, f := range fields {
			values.Set(f.name, f.value)
		}
		return []byte(values.Encode()), "application/x-www-form-urlencoded", nil
	default:
		m := make(map[string]string, len(fields))
		for _, f := range fields {
			m[f.name] = f.value
		}
		body, err := json.Marshal(m)
		if err != nil {
			return nil, "", fmt.Errorf("marshaling token request: %w", err)
		}
		return body, "application/json", nil
	}
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(h http.Header, now time.Time) (time.Duration, bool) {
	v := h.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(t.Sub(now), 0), true
	}
	return 0, false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
