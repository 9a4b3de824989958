// Package tokenstore persists Daaily refresh tokens between sessions, so a
// restarted client renews its credential instead of repeating the full
// identity exchange.
package tokenstore

import (
	"context"
	"errors"
)

var (
	// ErrTokenNotFound is returned by Read when nothing is stored.
	ErrTokenNotFound = errors.New("token not found")

	// ErrReadOnly is returned by Write on backends that cannot be written.
	ErrReadOnly = errors.New("token store is read-only")
)

// TokenStore reads and writes tokens to persistent storage.
//
// Writing requires writable storage; writing an empty token clears it.
type TokenStore interface {
	// Read returns the stored token. Returns ErrTokenNotFound if token is missing or empty.
	Read(ctx context.Context) (string, error)

	// Write persists the token to storage. Returns ErrReadOnly if storage backend
	// is read-only (e.g., environment variables) or an error if write operation fails.
	Write(ctx context.Context, token string) error
}
