package commands

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daaily/daaily-go/internal/credential"
)

// daailyAPI issues tokens and records the authorization of API calls.
type daailyAPI struct {
	mu        sync.Mutex
	exchanges []string
	calls     map[string]string
}

func (d *daailyAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch r.URL.Path {
	case "/tokens/get-token", "/tokens/get-token-with-refresh-token":
		d.exchanges = append(d.exchanges, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		n := len(d.exchanges)
		_, _ = fmt.Fprintf(w, `{"id_token":"tok-%d","refresh_token":"rt-%d","expires_in":3600}`, n, n)
	default:
		if d.calls == nil {
			d.calls = make(map[string]string)
		}
		d.calls[r.Method+" "+r.URL.Path] = r.Header.Get("Authorization")
		_, _ = fmt.Fprint(w, `{"data":[]}`)
	}
}

func (d *daailyAPI) snapshot() ([]string, map[string]string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	calls := make(map[string]string, len(d.calls))
	for k, v := range d.calls {
		calls[k] = v
	}
	return append([]string(nil), d.exchanges...), calls
}

// commandEnv points the CLI at srv with file storage under a temp dir and
// returns the token file path.
func commandEnv(t *testing.T, srv *httptest.Server, withIdentity bool) string {
	t.Helper()
	tokenFile := filepath.Join(t.TempDir(), "refresh-token")
	t.Setenv("DAAILY_BASE_URL", srv.URL)
	t.Setenv("DAAILY_AUTH__STORAGE", "file")
	t.Setenv("DAAILY_AUTH__FILE", tokenFile)
	t.Setenv("DAAILY_LOG__LEVEL", "error")
	if withIdentity {
		t.Setenv("DAAILY_USER_EMAIL", "jane@example.com")
		t.Setenv("DAAILY_USER_UID", "uid-1")
		t.Setenv("DAAILY_USER_API_KEY", "key-1")
	} else {
		for _, name := range []string{"DAAILY_USER_EMAIL", "DAAILY_USER_UID", "DAAILY_USER_API_KEY"} {
			t.Setenv(name, "")
		}
	}
	return tokenFile
}

func run(args ...string) error {
	return Execute(context.Background(), append([]string{"daaily"}, args...), "test", "none")
}

func TestRequestSharesOneExchange(t *testing.T) {
	api := &daailyAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()
	commandEnv(t, srv, true)

	err := run("request", "-X", "post", "-H", "Accept: application/json", "/products", "stores", "/products/42")
	require.NoError(t, err)

	exchanges, calls := api.snapshot()
	assert.Equal(t, []string{"/tokens/get-token"}, exchanges)
	assert.Equal(t, map[string]string{
		"POST /products":    "Bearer tok-1",
		"POST /stores":      "Bearer tok-1",
		"POST /products/42": "Bearer tok-1",
	}, calls)
}

func TestRequestValidatesInput(t *testing.T) {
	api := &daailyAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	commandEnv(t, srv, true)
	assert.ErrorContains(t, run("request"), "at least one PATH")
	assert.ErrorContains(t, run("request", "-H", "broken", "/products"), "invalid header")

	commandEnv(t, srv, false)
	err := run("request", "/products")
	var missing *credential.MissingInputError
	require.ErrorAs(t, err, &missing)
	assert.ElementsMatch(t, []string{"DAAILY_USER_EMAIL", "DAAILY_USER_UID", "DAAILY_USER_API_KEY"}, missing.Variables)

	exchanges, calls := api.snapshot()
	assert.Empty(t, exchanges)
	assert.Empty(t, calls)
}

func TestLoginThenLogout(t *testing.T) {
	api := &daailyAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()
	tokenFile := commandEnv(t, srv, true)

	require.NoError(t, os.WriteFile(tokenFile, []byte("rt-stale"), 0o600))

	require.NoError(t, run("auth", "login"))
	exchanges, _ := api.snapshot()
	assert.Equal(t, []string{"/tokens/get-token"}, exchanges, "login always performs a full exchange")

	saved, err := os.ReadFile(tokenFile)
	require.NoError(t, err)
	assert.Equal(t, "rt-1", string(saved))

	// A later request renews with the saved refresh token.
	require.NoError(t, run("request", "/products"))
	exchanges, calls := api.snapshot()
	assert.Equal(t, []string{"/tokens/get-token", "/tokens/get-token-with-refresh-token"}, exchanges)
	assert.Equal(t, "Bearer tok-2", calls["GET /products"])

	require.NoError(t, run("auth", "logout"))
	_, err = os.Stat(tokenFile)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoginRejectsReadOnlyStorage(t *testing.T) {
	srv := httptest.NewServer(&daailyAPI{})
	defer srv.Close()
	commandEnv(t, srv, true)

	assert.ErrorContains(t, run("auth", "login", "--storage", "env"), "cannot login with env storage")
	assert.ErrorContains(t, run("auth", "logout", "--storage", "none"), "cannot logout with none storage")
}

func TestParseHeaders(t *testing.T) {
	header, err := parseHeaders([]string{"Accept: application/json", "X-Trace:  abc "})
	require.NoError(t, err)
	assert.Equal(t, http.Header{
		"Accept":  []string{"application/json"},
		"X-Trace": []string{"abc"},
	}, header)

	_, err = parseHeaders([]string{"no-colon"})
	assert.Error(t, err)

	_, err = parseHeaders([]string{": value"})
	assert.Error(t, err)
}

func TestDecodeClaims(t *testing.T) {
	exp := time.Now().Add(time.Hour).Unix()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "uid-1",
		"email": "jane@example.com",
		"exp":   exp,
	}).SignedString([]byte("unknown-to-the-client"))
	require.NoError(t, err)

	claims, err := decodeClaims(signed)
	require.NoError(t, err)
	assert.Equal(t, "uid-1", claims["sub"])
	assert.Equal(t, "jane@example.com", claims["email"])
	assert.EqualValues(t, exp, claims["exp"])

	_, err = decodeClaims("opaque-token")
	assert.Error(t, err)
}
