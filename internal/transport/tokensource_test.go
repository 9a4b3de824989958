package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestTokenSource(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	refresher := &fakeRefresher{}
	a := New(newCredential(t), refresher, WithClock(func() time.Time { return now }))

	ts := a.TokenSource(context.Background())
	tok, err := ts.Token()
	require.NoError(t, err)

	assert.Equal(t, "tok-1", tok.AccessToken)
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.Equal(t, "rt-1", tok.RefreshToken)
	assert.True(t, tok.Expiry.Before(now.Add(time.Hour)), "expiry is shifted by the refresh skew")

	_, err = ts.Token()
	require.NoError(t, err)
	assert.EqualValues(t, 1, refresher.calls.Load())
}

func TestTokenSourceWithOAuth2Client(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.Header.Get("Authorization"))
	}))
	defer srv.Close()

	a := New(newCredential(t), &fakeRefresher{})
	client := oauth2.NewClient(context.Background(), oauth2.ReuseTokenSource(nil, a.TokenSource(context.Background())))

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-1", string(body))
}
