package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/httplog/v3"
)

// Logging logs proxied requests with method, path, status, and duration.
//
// Headers are limited to a safe allowlist: inbound requests may carry caller
// credentials and outbound ones carry the Daaily bearer token.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return httplog.RequestLogger(logger, &httplog.Options{
		Schema: httplog.SchemaECS.Concise(true),

		LogRequestHeaders:  []string{"Content-Type", "Accept"},
		LogResponseHeaders: []string{"Content-Type"},

		RecoverPanics: false, // Recovery middleware owns panics
		Skip: func(r *http.Request, respStatus int) bool {
			return isProbe(r) && respStatus < http.StatusBadRequest
		},
	})
}

// SetLogAttrs sets attributes on the request log. It is a no-op outside the
// Logging middleware.
func SetLogAttrs(ctx context.Context, attrs ...slog.Attr) {
	httplog.SetAttrs(ctx, attrs...)
}

// isProbe reports whether r is a liveness or readiness probe.
func isProbe(r *http.Request) bool {
	return r.URL.Path == "/healthz" || r.URL.Path == "/readyz"
}
