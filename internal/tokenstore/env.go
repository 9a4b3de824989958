package tokenstore

import (
	"context"
	"os"
)

// DefaultEnvVar holds the refresh token for the env backend.
const DefaultEnvVar = "DAAILY_REFRESH_TOKEN"

// EnvStore reads a refresh token from an environment variable.
type EnvStore struct {
	name   string
	lookup func(string) (string, bool)
}

var _ TokenStore = (*EnvStore)(nil)

// NewEnvStore creates a read-only store backed by the variable name.
func NewEnvStore(name string) *EnvStore {
	if name == "" {
		name = DefaultEnvVar
	}
	return &EnvStore{name: name, lookup: os.LookupEnv}
}

func (s *EnvStore) Read(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if v, ok := s.lookup(s.name); ok && v != "" {
		return v, nil
	}
	return "", ErrTokenNotFound
}

func (s *EnvStore) Write(context.Context, string) error {
	return ErrReadOnly
}
