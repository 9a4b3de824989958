package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/daaily/daaily-go/internal/credential"
	"github.com/daaily/daaily-go/internal/tokensource"
)

// Error types reported in proxy error bodies.
const (
	errTypeRequestTooLarge = "request_too_large"
	errTypeTokenExchange   = "token_exchange_error"
	errTypeCredential      = "credential_error"
	errTypeTimeout         = "upstream_timeout"
	errTypeUpstream        = "upstream_error"
)

// errorHandler reports failures of the forwarding path. Errors that carry
// credentials are never echoed; only their classification is.
func errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()

	// Client went away; nobody is listening for the response.
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		slog.DebugContext(ctx, "client disconnected before upstream responded")
		return
	}

	status, errType := classify(err)
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(ctx, "forwarding failed", "error", err, "type", errType)
	} else {
		slog.WarnContext(ctx, "request rejected", "error", err, "type", errType)
	}

	writeJSONError(ctx, w, status, errType, message(err, status))
}

func classify(err error) (int, string) {
	var maxBytesErr *http.MaxBytesError
	var exchangeErr *tokensource.ExchangeError

	switch {
	case errors.As(err, &maxBytesErr):
		return http.StatusRequestEntityTooLarge, errTypeRequestTooLarge
	case errors.As(err, &exchangeErr):
		return http.StatusBadGateway, errTypeTokenExchange
	case errors.Is(err, credential.ErrMissingToken), errors.Is(err, credential.ErrMissingRefreshToken):
		return http.StatusBadGateway, errTypeCredential
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, errTypeTimeout
	default:
		return http.StatusBadGateway, errTypeUpstream
	}
}

func message(err error, status int) string {
	var exchangeErr *tokensource.ExchangeError
	if errors.As(err, &exchangeErr) {
		switch {
		case errors.Is(err, tokensource.ErrAttemptsExhausted):
			return "token exchange rate limited, attempts exhausted"
		case errors.Is(err, tokensource.ErrMalformedResponse):
			return "token exchange returned a malformed response"
		case exchangeErr.StatusCode != 0:
			return "token exchange rejected with status " + http.StatusText(exchangeErr.StatusCode)
		}
	}
	return http.StatusText(status)
}
