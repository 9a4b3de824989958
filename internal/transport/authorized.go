// Package transport attaches Daaily bearer tokens to outgoing HTTP requests.
//
// Authorized is an http.RoundTripper that makes sure the shared credential is
// usable before every request, and renews it and replays the request when the
// server still rejects the token:
//
//	rt := transport.New(cred, tokensource.NewClient(tokensource.ProfileV3))
//	client := &http.Client{Transport: rt}
//
// Concurrent requests that find the credential stale share a single token
// exchange instead of issuing one each.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/sync/singleflight"

	"github.com/daaily/daaily-go/internal/credential"
)

const (
	// DefaultMaxRefreshAttempts is how often a rejected request is renewed and replayed.
	DefaultMaxRefreshAttempts = 2

	refreshKey = "refresh"
)

// DefaultRefreshStatusCodes are the response codes that mark a token as rejected.
var DefaultRefreshStatusCodes = []int{http.StatusUnauthorized}

// RefreshHook observes every credential update, e.g. to persist a rotated
// refresh token.
type RefreshHook func(ctx context.Context, state credential.State)

// Authorized authorizes requests with a shared credential.
type Authorized struct {
	base               http.RoundTripper
	cred               *credential.Credential
	refresher          credential.Refresher
	refreshStatusCodes map[int]struct{}
	maxRefreshAttempts int
	now                func() time.Time
	onRefresh          RefreshHook

	group singleflight.Group
}

// Compile-time check that Authorized implements http.RoundTripper interface
var _ http.RoundTripper = (*Authorized)(nil)

// Option configures an Authorized transport.
type Option func(*Authorized)

// WithBase sets the transport requests are delegated to.
func WithBase(rt http.RoundTripper) Option {
	return func(a *Authorized) {
		if rt != nil {
			a.base = rt
		}
	}
}

// WithRefreshStatusCodes replaces the set of statuses that trigger a refresh.
func WithRefreshStatusCodes(codes ...int) Option {
	return func(a *Authorized) {
		a.refreshStatusCodes = make(map[int]struct{}, len(codes))
		for _, c := range codes {
			a.refreshStatusCodes[c] = struct{}{}
		}
	}
}

// WithMaxRefreshAttempts bounds refresh-and-replay cycles per request.
// Zero disables replaying.
func WithMaxRefreshAttempts(n int) Option {
	return func(a *Authorized) {
		if n >= 0 {
			a.maxRefreshAttempts = n
		}
	}
}

// WithClock replaces time.Now for validity checks.
func WithClock(now func() time.Time) Option {
	return func(a *Authorized) {
		if now != nil {
			a.now = now
		}
	}
}

// WithRefreshHook registers a hook called after each successful exchange.
func WithRefreshHook(hook RefreshHook) Option {
	return func(a *Authorized) {
		a.onRefresh = hook
	}
}

// New creates an Authorized transport for cred, renewing it with refresher.
func New(cred *credential.Credential, refresher credential.Refresher, opts ...Option) *Authorized {
	a := &Authorized{
		base:               http.DefaultTransport,
		cred:               cred,
		refresher:          refresher,
		maxRefreshAttempts: DefaultMaxRefreshAttempts,
		now:                time.Now,
	}
	WithRefreshStatusCodes(DefaultRefreshStatusCodes...)(a)
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Credential returns the shared credential.
func (a *Authorized) Credential() *credential.Credential {
	return a.cred
}

// Do issues one authorized request. header is copied, never modified.
func (a *Authorized) Do(ctx context.Context, method, url string, header http.Header, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if header != nil {
		req.Header = header.Clone()
	}
	return a.RoundTrip(req)
}

// RoundTrip implements http.RoundTripper.
//
// The request is sent with a freshly computed Authorization header. When the
// response status is one of the refresh status codes, the credential is renewed
// and the request replayed, at most maxRefreshAttempts times; the last
// response is returned whatever its status. Errors from the base transport are
// returned unchanged.
func (a *Authorized) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	getBody, err := replayableBody(req)
	if err != nil {
		return nil, err
	}

	token, err := a.Token(ctx)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		out := req.Clone(ctx)
		if getBody != nil {
			if out.Body, err = getBody(); err != nil {
				return nil, fmt.Errorf("rewinding request body: %w", err)
			}
		}
		if out.Header, err = a.cred.ApplyToHeaders(req.Header, token); err != nil {
			return nil, err
		}
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(out.Header))

		resp, err := a.base.RoundTrip(out)
		if err != nil {
			return nil, err
		}

		if !a.rejected(resp.StatusCode) || attempt >= a.maxRefreshAttempts {
			return resp, nil
		}

		slog.DebugContext(ctx, "token rejected, refreshing",
			"status", resp.StatusCode,
			"attempt", attempt+1,
			"max_attempts", a.maxRefreshAttempts,
		)
		drain(resp)

		if token, err = a.refresh(ctx, token); err != nil {
			return nil, err
		}
	}
}

// Token returns a usable bearer token, exchanging one first if the credential
// is empty or stale.
func (a *Authorized) Token(ctx context.Context) (string, error) {
	if token, ok := a.cred.ValidToken(a.now()); ok {
		return token, nil
	}
	return a.refresh(ctx, "")
}

// errFlightAbandoned marks an exchange that failed because the caller who
// started it went away. Callers that shared it start over on their own context.
var errFlightAbandoned = errors.New("token exchange abandoned by its initiator")

// flight is the result of one shared exchange.
type flight struct {
	token     string
	exchanged bool
}

// refresh runs one token exchange shared by all concurrent callers.
//
// rejected is the token the server just refused, or empty when the credential
// is merely stale. A caller that queued behind an exchange which already
// replaced the rejected (or stale) token reuses the result instead of
// exchanging again. A caller whose rejected token comes back from a flight
// that did not exchange runs its own.
//
// The exchange, including its 429 backoff, runs on the context of the caller
// that started it. Every caller waits on its own context and leaves as soon as
// that is done. The credential lock is held only while the outcome is
// ingested, never across the exchange or its backoff.
func (a *Authorized) refresh(ctx context.Context, rejected string) (string, error) {
	for {
		ch := a.group.DoChan(refreshKey, func() (any, error) {
			return a.exchange(ctx, rejected)
		})

		var res singleflight.Result
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case res = <-ch:
		}

		switch {
		case errors.Is(res.Err, errFlightAbandoned):
			if err := ctx.Err(); err != nil {
				return "", err
			}
			slog.DebugContext(ctx, "shared token exchange abandoned, retrying")
			continue
		case res.Err != nil:
			return "", res.Err
		}

		f := res.Val.(flight)
		if rejected != "" && !f.exchanged && f.token == rejected {
			continue
		}
		return f.token, nil
	}
}

func (a *Authorized) exchange(ctx context.Context, rejected string) (flight, error) {
	state := a.cred.Snapshot()
	if state.Token != rejected && state.Valid(a.now(), a.cred.RefreshSkew()) {
		return flight{token: state.Token}, nil
	}

	outcome, err := a.refresher.Refresh(ctx, a.cred.Identity(), state.RefreshToken)
	if err != nil {
		if ctx.Err() != nil {
			return flight{}, fmt.Errorf("%w: %w", errFlightAbandoned, err)
		}
		return flight{}, err
	}
	a.cred.Ingest(*outcome, a.now())

	slog.DebugContext(ctx, "credential refreshed",
		"expires_in", time.Duration(outcome.ExpiresIn)*time.Second,
		"rotated_refresh_token", outcome.RefreshToken != "",
		"reauthenticated", outcome.Reauthenticated,
	)
	if a.onRefresh != nil {
		a.onRefresh(ctx, a.cred.Snapshot())
	}
	return flight{token: outcome.Token, exchanged: true}, nil
}

func (a *Authorized) rejected(status int) bool {
	_, ok := a.refreshStatusCodes[status]
	return ok
}

// replayableBody returns a func yielding a fresh copy of the request body per
// attempt, buffering it when the request has no GetBody. It closes req.Body
// as RoundTrippers must.
func replayableBody(req *http.Request) (func() (io.ReadCloser, error), error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	if req.GetBody != nil {
		_ = req.Body.Close()
		return req.GetBody, nil
	}

	data, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("buffering request body: %w", err)
	}
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}, nil
}

// drain discards a rejected response so its connection can be reused.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	_ = resp.Body.Close()
}
