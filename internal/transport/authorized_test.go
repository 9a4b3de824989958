package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/daaily/daaily-go/internal/credential"
)

var testIdentity = credential.Identity{Email: "jane@example.com", UID: "uid-1", APIKey: "key-1"}

// fakeRefresher hands out tok-1, tok-2, ... and records which refresh token it saw.
type fakeRefresher struct {
	calls         atomic.Int32
	refreshTokens []string
	mu            sync.Mutex
	expiresIn     int64
	err           error
	release       chan struct{} // when set, Refresh blocks until closed
}

func (f *fakeRefresher) Refresh(ctx context.Context, _ credential.Identity, refreshToken string) (*credential.Outcome, error) {
	n := f.calls.Add(1)
	f.mu.Lock()
	f.refreshTokens = append(f.refreshTokens, refreshToken)
	f.mu.Unlock()

	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	expiresIn := f.expiresIn
	if expiresIn == 0 {
		expiresIn = 3600
	}
	return &credential.Outcome{
		Token:        fmt.Sprintf("tok-%d", n),
		RefreshToken: fmt.Sprintf("rt-%d", n),
		ExpiresIn:    expiresIn,
	}, nil
}

// scriptedTransport returns the scripted statuses in order, repeating the last.
type scriptedTransport struct {
	mu       sync.Mutex
	statuses []int
	auth     []string
	bodies   []string
	err      error
}

func (s *scriptedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.auth = append(s.auth, req.Header.Get("Authorization"))
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		s.bodies = append(s.bodies, string(b))
	}
	if s.err != nil {
		return nil, s.err
	}

	status := s.statuses[0]
	if len(s.statuses) > 1 {
		s.statuses = s.statuses[1:]
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(http.StatusText(status))),
		Header:     http.Header{},
		Request:    req,
	}, nil
}

func (s *scriptedTransport) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.auth...)
}

func newCredential(t *testing.T) *credential.Credential {
	t.Helper()
	cred, err := credential.New(testIdentity, credential.WithRefreshSkew(30*time.Second))
	require.NoError(t, err)
	return cred
}

func newValidCredential(t *testing.T) *credential.Credential {
	t.Helper()
	cred := newCredential(t)
	cred.Ingest(credential.Outcome{Token: "held", RefreshToken: "rt-held", ExpiresIn: 3600}, time.Now())
	return cred
}

func get(t *testing.T, rt http.RoundTripper) (*http.Response, error) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "https://lucy.example.com/api/v2/products", nil)
	return rt.RoundTrip(req)
}

func TestAcquiresTokenBeforeFirstSend(t *testing.T) {
	refresher := &fakeRefresher{}
	base := &scriptedTransport{statuses: []int{http.StatusOK}}
	a := New(newCredential(t), refresher, WithBase(base))

	resp, err := get(t, a)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.EqualValues(t, 1, refresher.calls.Load())
	assert.Equal(t, []string{""}, refresher.refreshTokens, "no refresh token held, so a full exchange is expected")
	assert.Equal(t, []string{"Bearer tok-1"}, base.sent())
}

func TestValidTokenSkipsExchange(t *testing.T) {
	refresher := &fakeRefresher{}
	base := &scriptedTransport{statuses: []int{http.StatusOK}}
	a := New(newValidCredential(t), refresher, WithBase(base))

	_, err := get(t, a)
	require.NoError(t, err)

	assert.Zero(t, refresher.calls.Load())
	assert.Equal(t, []string{"Bearer held"}, base.sent())
}

func TestStaleTokenRefreshesWithRefreshToken(t *testing.T) {
	cred := newCredential(t)
	cred.Ingest(credential.Outcome{Token: "stale", RefreshToken: "rt-old", ExpiresIn: 10}, time.Now())

	refresher := &fakeRefresher{}
	base := &scriptedTransport{statuses: []int{http.StatusOK}}
	a := New(cred, refresher, WithBase(base))

	_, err := get(t, a)
	require.NoError(t, err)

	assert.Equal(t, []string{"rt-old"}, refresher.refreshTokens)
	assert.Equal(t, []string{"Bearer tok-1"}, base.sent())
}

func TestUnauthorizedOnceThenOK(t *testing.T) {
	refresher := &fakeRefresher{}
	base := &scriptedTransport{statuses: []int{http.StatusUnauthorized, http.StatusOK}}
	a := New(newValidCredential(t), refresher, WithBase(base))

	resp, err := get(t, a)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.EqualValues(t, 1, refresher.calls.Load())
	assert.Equal(t, []string{"rt-held"}, refresher.refreshTokens)
	assert.Equal(t, []string{"Bearer held", "Bearer tok-1"}, base.sent())
}

func TestUnauthorizedAlwaysStopsAfterMaxAttempts(t *testing.T) {
	tests := []struct {
		name        string
		maxAttempts int
	}{
		{"default", DefaultMaxRefreshAttempts},
		{"disabled", 0},
		{"five", 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			refresher := &fakeRefresher{}
			base := &scriptedTransport{statuses: []int{http.StatusUnauthorized}}
			a := New(newValidCredential(t), refresher, WithBase(base), WithMaxRefreshAttempts(tt.maxAttempts))

			resp, err := get(t, a)
			require.NoError(t, err, "a final 401 is returned, not raised")
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

			assert.EqualValues(t, tt.maxAttempts, refresher.calls.Load())
			assert.Len(t, base.sent(), tt.maxAttempts+1)

			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, http.StatusText(http.StatusUnauthorized), string(body), "last response body stays readable")
		})
	}
}

func TestCustomRefreshStatusCodes(t *testing.T) {
	refresher := &fakeRefresher{}
	base := &scriptedTransport{statuses: []int{http.StatusForbidden, http.StatusUnauthorized, http.StatusOK}}
	a := New(newValidCredential(t), refresher, WithBase(base), WithRefreshStatusCodes(http.StatusForbidden))

	resp, err := get(t, a)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "401 is not in the custom set")
	assert.EqualValues(t, 1, refresher.calls.Load())
}

func TestOtherErrorStatusesAreReturned(t *testing.T) {
	refresher := &fakeRefresher{}
	base := &scriptedTransport{statuses: []int{http.StatusInternalServerError}}
	a := New(newValidCredential(t), refresher, WithBase(base))

	resp, err := get(t, a)
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Zero(t, refresher.calls.Load())
}

func TestCallerHeadersAreNotMutated(t *testing.T) {
	base := &scriptedTransport{statuses: []int{http.StatusUnauthorized, http.StatusOK}}
	a := New(newValidCredential(t), &fakeRefresher{}, WithBase(base))

	req := httptest.NewRequest(http.MethodGet, "https://lucy.example.com/", nil)
	req.Header = http.Header{"Accept": []string{"application/json"}}

	_, err := a.RoundTrip(req)
	require.NoError(t, err)
	assert.Equal(t, http.Header{"Accept": []string{"application/json"}}, req.Header)
}

func TestBodyIsReplayed(t *testing.T) {
	base := &scriptedTransport{statuses: []int{http.StatusUnauthorized, http.StatusCreated}}
	a := New(newValidCredential(t), &fakeRefresher{}, WithBase(base))

	// A reader without GetBody forces buffering.
	req := httptest.NewRequest(http.MethodPost, "https://lucy.example.com/", io.MultiReader(strings.NewReader(`{"name":"chair"}`)))
	req.GetBody = nil

	resp, err := a.RoundTrip(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, []string{`{"name":"chair"}`, `{"name":"chair"}`}, base.bodies)
}

func TestDo(t *testing.T) {
	base := &scriptedTransport{statuses: []int{http.StatusOK}}
	a := New(newValidCredential(t), &fakeRefresher{}, WithBase(base))

	header := http.Header{"X-Trace": []string{"1"}}
	resp, err := a.Do(context.Background(), http.MethodPut, "https://lucy.example.com/x", header, []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"payload"}, base.bodies)
	assert.Empty(t, header.Get("Authorization"))
}

func TestTransportErrorsPropagateUnchanged(t *testing.T) {
	errBoom := errors.New("connection reset")
	refresher := &fakeRefresher{}
	base := &scriptedTransport{err: errBoom}
	a := New(newValidCredential(t), refresher, WithBase(base))

	_, err := get(t, a)
	assert.Same(t, errBoom, err)
	assert.Len(t, base.sent(), 1, "transport failures are not retried")
	assert.Zero(t, refresher.calls.Load())
}

func TestExchangeFailurePreventsSend(t *testing.T) {
	errExchange := errors.New("exchange failed")
	base := &scriptedTransport{statuses: []int{http.StatusOK}}
	a := New(newCredential(t), &fakeRefresher{err: errExchange}, WithBase(base))

	_, err := get(t, a)
	assert.ErrorIs(t, err, errExchange)
	assert.Empty(t, base.sent())
}

func TestRefreshHook(t *testing.T) {
	var states []credential.State
	a := New(newCredential(t), &fakeRefresher{},
		WithBase(&scriptedTransport{statuses: []int{http.StatusOK}}),
		WithRefreshHook(func(_ context.Context, s credential.State) { states = append(states, s) }),
	)

	_, err := get(t, a)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "tok-1", states[0].Token)
	assert.Equal(t, "rt-1", states[0].RefreshToken)
}

func TestConcurrentStaleRequestsShareOneExchange(t *testing.T) {
	refresher := &fakeRefresher{release: make(chan struct{})}
	base := &scriptedTransport{statuses: []int{http.StatusOK}}
	a := New(newCredential(t), refresher, WithBase(base))

	const n = 20
	var g errgroup.Group
	for range n {
		g.Go(func() error {
			_, err := get(t, a)
			return err
		})
	}

	// Let every goroutine queue behind the first exchange.
	require.Eventually(t, func() bool { return refresher.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(refresher.release)

	require.NoError(t, g.Wait())
	assert.EqualValues(t, 1, refresher.calls.Load())
	for _, auth := range base.sent() {
		assert.Equal(t, "Bearer tok-1", auth)
	}
}

func TestConcurrentRejectionsConverge(t *testing.T) {
	refresher := &fakeRefresher{}
	base := &scriptedTransport{statuses: []int{http.StatusUnauthorized}}
	cred := newValidCredential(t)
	a := New(cred, refresher, WithBase(base), WithMaxRefreshAttempts(1))

	// Simulate a concurrent caller that already replaced the rejected token.
	_, err := a.refresh(context.Background(), "held")
	require.NoError(t, err)
	require.EqualValues(t, 1, refresher.calls.Load())

	token, err := a.refresh(context.Background(), "held")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token, "token already replaced, no second exchange")
	assert.EqualValues(t, 1, refresher.calls.Load())

	token, err = a.refresh(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-2", token)
}

func TestCancelledWaiterLeavesCredentialUntouched(t *testing.T) {
	refresher := &fakeRefresher{release: make(chan struct{})}
	cred := newCredential(t)
	a := New(cred, refresher, WithBase(&scriptedTransport{statuses: []int{http.StatusOK}}))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		req := httptest.NewRequest(http.MethodGet, "https://lucy.example.com/", nil).WithContext(ctx)
		_, err := a.RoundTrip(req)
		errCh <- err
	}()

	require.Eventually(t, func() bool { return refresher.calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, credential.State{}, cred.Snapshot())
}

func TestCancelledInitiatorDoesNotFailWaiters(t *testing.T) {
	refresher := &fakeRefresher{release: make(chan struct{})}
	cred := newCredential(t)
	a := New(cred, refresher)

	ctx, cancel := context.WithCancel(context.Background())
	initiator := make(chan error, 1)
	go func() {
		_, err := a.Token(ctx)
		initiator <- err
	}()
	require.Eventually(t, func() bool { return refresher.calls.Load() == 1 }, time.Second, time.Millisecond)

	type result struct {
		token string
		err   error
	}
	waiter := make(chan result, 1)
	go func() {
		token, err := a.Token(context.Background())
		waiter <- result{token, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-initiator, context.Canceled)

	// The waiter takes over with an exchange of its own.
	require.Eventually(t, func() bool { return refresher.calls.Load() == 2 }, time.Second, time.Millisecond)
	close(refresher.release)

	res := <-waiter
	require.NoError(t, res.err)
	assert.Equal(t, "tok-2", res.token)
	assert.Equal(t, "tok-2", cred.Snapshot().Token)
}

func TestWaiterLeavesDuringSlowExchange(t *testing.T) {
	refresher := &fakeRefresher{release: make(chan struct{})}
	a := New(newCredential(t), refresher)

	initiator := make(chan string, 1)
	go func() {
		token, err := a.Token(context.Background())
		assert.NoError(t, err)
		initiator <- token
	}()
	require.Eventually(t, func() bool { return refresher.calls.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := a.Token(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-initiator:
		t.Fatal("exchange finished before release")
	default:
	}

	close(refresher.release)
	assert.Equal(t, "tok-1", <-initiator)
	assert.EqualValues(t, 1, refresher.calls.Load())
}

func TestRejectedTokenIsNotHandedBackByStaleFlight(t *testing.T) {
	refresher := &fakeRefresher{}
	a := New(newValidCredential(t), refresher)

	// A stale-only flight that finds "held" still valid.
	hold := make(chan struct{})
	stale := a.group.DoChan(refreshKey, func() (any, error) {
		<-hold
		return flight{token: "held"}, nil
	})

	type result struct {
		token string
		err   error
	}
	rejected := make(chan result, 1)
	go func() {
		token, err := a.refresh(context.Background(), "held")
		rejected <- result{token, err}
	}()
	time.Sleep(20 * time.Millisecond)
	close(hold)
	<-stale

	res := <-rejected
	require.NoError(t, res.err)
	assert.Equal(t, "tok-1", res.token)
	assert.EqualValues(t, 1, refresher.calls.Load())
	assert.Equal(t, []string{"rt-held"}, refresher.refreshTokens)
}

func TestAgainstHTTPServer(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer tok-2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	refresher := &fakeRefresher{}
	client := &http.Client{Transport: New(newCredential(t), refresher, WithBase(srv.Client().Transport))}

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.EqualValues(t, 2, refresher.calls.Load())
	assert.EqualValues(t, 2, hits.Load())
}
