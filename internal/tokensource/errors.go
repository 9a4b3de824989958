package tokensource

import (
	"errors"
	"fmt"
)

var (
	// ErrTokenExchangeFailed matches every *ExchangeError.
	ErrTokenExchangeFailed = errors.New("token exchange failed")

	// ErrAttemptsExhausted is the cause when every attempt was rate limited.
	ErrAttemptsExhausted = errors.New("token exchange attempts exhausted")

	// ErrMalformedResponse is the cause when a 2xx body lacks required fields.
	ErrMalformedResponse = errors.New("malformed token response")
)

// ExchangeError describes a failed token exchange.
type ExchangeError struct {
	StatusCode int
	Body       []byte
	Attempts   int
	Err        error // cause, may be nil for a plain non-2xx response
}

func (e *ExchangeError) Error() string {
	msg := fmt.Sprintf("token exchange failed with status %d after %d attempt(s)", e.StatusCode, e.Attempts)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if len(e.Body) > 0 {
		msg += fmt.Sprintf(" (body: %s)", truncate(e.Body, 512))
	}
	return msg
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrTokenExchangeFailed) match.
func (e *ExchangeError) Is(target error) bool {
	return target == ErrTokenExchangeFailed
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
