package tokenstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// DefaultKeyringService is the keyring service refresh tokens are filed under.
const DefaultKeyringService = "daaily"

// KeyringStore keeps a refresh token in the OS keyring, one entry per user.
type KeyringStore struct {
	service string
	user    string
}

var _ TokenStore = (*KeyringStore)(nil)

// NewKeyringStore creates a store for user under service.
func NewKeyringStore(service, user string) *KeyringStore {
	if service == "" {
		service = DefaultKeyringService
	}
	return &KeyringStore{service: service, user: user}
}

func (s *KeyringStore) Read(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	token, err := keyring.Get(s.service, s.user)
	if errors.Is(err, keyring.ErrNotFound) || (err == nil && token == "") {
		return "", ErrTokenNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading keyring: %w", err)
	}
	return token, nil
}

func (s *KeyringStore) Write(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if token == "" {
		if err := keyring.Delete(s.service, s.user); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("clearing keyring: %w", err)
		}
		return nil
	}
	if err := keyring.Set(s.service, s.user, token); err != nil {
		return fmt.Errorf("writing keyring: %w", err)
	}
	return nil
}
