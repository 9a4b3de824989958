package credential

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingCredentialInput reports identity fields that could be resolved
	// neither from explicit arguments nor from the environment.
	ErrMissingCredentialInput = errors.New("missing credential input")

	// ErrMissingRefreshToken reports a refresh request without a held refresh
	// token. Callers must fall back to a full token exchange.
	ErrMissingRefreshToken = errors.New("missing refresh token")

	// ErrMissingToken reports an attempt to authorize a request before any
	// token was acquired.
	ErrMissingToken = errors.New("missing bearer token")
)

// MissingInputMessage is the user-facing hint attached to MissingInputError.
const MissingInputMessage = "You either have to pass the user credentials or set them via the environment."

// MissingInputError lists every identity variable that could not be resolved.
type MissingInputError struct {
	// Variables holds the environment variable names that were consulted and
	// found empty, in Email, UID, APIKey order.
	Variables []string
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("%s\nError: missing environment variables %s",
		MissingInputMessage, strings.Join(e.Variables, ", "))
}

// Is makes errors.Is(err, ErrMissingCredentialInput) match.
func (e *MissingInputError) Is(target error) bool {
	return target == ErrMissingCredentialInput
}
