package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/daaily/daaily-go/internal/credential"
	"github.com/daaily/daaily-go/internal/tokensource"
	"github.com/daaily/daaily-go/internal/tokenstore"
	"github.com/daaily/daaily-go/internal/transport"
)

// Session bundles the pieces every authenticated Daaily call shares: one
// credential, the exchange client that renews it, the transport that applies
// it, and the store that persists rotated refresh tokens.
type Session struct {
	profile   tokensource.Profile
	transport *transport.Authorized
	store     tokenstore.TokenStore

	mu        sync.Mutex
	persisted string
}

// SessionOption configures NewSession.
type SessionOption func(*sessionOptions)

type sessionOptions struct {
	lookup credential.LookupEnvFunc
	base   http.RoundTripper
	store  tokenstore.TokenStore
	sleep  tokensource.SleepFunc
}

// WithLookupEnv replaces os.LookupEnv for identity resolution.
func WithLookupEnv(lookup credential.LookupEnvFunc) SessionOption {
	return func(o *sessionOptions) { o.lookup = lookup }
}

// WithBaseTransport sets the transport both token exchanges and API requests
// are sent through.
func WithBaseTransport(rt http.RoundTripper) SessionOption {
	return func(o *sessionOptions) { o.base = rt }
}

// WithTokenStore replaces the configured refresh token store.
func WithTokenStore(store tokenstore.TokenStore) SessionOption {
	return func(o *sessionOptions) { o.store = store }
}

// WithExchangeSleep replaces the wait between rate-limited token exchanges.
func WithExchangeSleep(sleep tokensource.SleepFunc) SessionOption {
	return func(o *sessionOptions) { o.sleep = sleep }
}

// NewSession resolves the identity, seeds the credential from the token store
// and wires the authorized transport.
func NewSession(ctx context.Context, cfg *Config, opts ...SessionOption) (*Session, error) {
	o := sessionOptions{lookup: os.LookupEnv, base: http.DefaultTransport}
	for _, opt := range opts {
		opt(&o)
	}

	profile := cfg.EffectiveProfile()

	identity, err := credential.ResolveIdentity(credential.Identity{
		Email:  cfg.Auth.Email,
		UID:    cfg.Auth.UID,
		APIKey: cfg.Auth.APIKey,
	}, profile.Env, o.lookup)
	if err != nil {
		return nil, err
	}

	store := o.store
	if store == nil {
		if store, err = cfg.Auth.NewTokenStore(identity.Email); err != nil {
			return nil, fmt.Errorf("failed to create token store: %w", err)
		}
	}

	s := &Session{profile: profile, store: store}

	seed, err := s.readRefreshToken(ctx)
	if err != nil {
		return nil, err
	}
	s.persisted = seed

	cred, err := credential.New(identity,
		credential.WithRefreshSkew(cfg.Transport.RefreshSkew),
		credential.WithEnvNames(profile.Env),
		credential.WithLookupEnv(resolvedLookup),
		credential.WithRefreshToken(seed),
	)
	if err != nil {
		return nil, err
	}

	clientOpts := []tokensource.Option{
		tokensource.WithHTTPClient(&http.Client{Transport: o.base, Timeout: cfg.Exchange.Timeout}),
		tokensource.WithBaseURL(profile.BaseURL),
		tokensource.WithMaxAttempts(cfg.Exchange.MaxAttempts),
		tokensource.WithInitialBackoff(cfg.Exchange.InitialBackoff),
	}
	if o.sleep != nil {
		clientOpts = append(clientOpts, tokensource.WithSleep(o.sleep))
	}
	exchange := tokensource.NewClient(profile, clientOpts...)

	s.transport = transport.New(cred, exchange,
		transport.WithBase(o.base),
		transport.WithRefreshStatusCodes(cfg.Transport.RefreshStatusCodes...),
		transport.WithMaxRefreshAttempts(cfg.Transport.MaxRefreshAttempts),
		transport.WithRefreshHook(s.persist),
	)

	slog.DebugContext(ctx, "session ready",
		"profile", profile.Name,
		"base_url", profile.BaseURL,
		"storage", cfg.Auth.Storage,
		"seeded", seed != "",
	)
	return s, nil
}

// resolvedLookup backs a credential built from an already resolved identity.
func resolvedLookup(string) (string, bool) { return "", false }

// Profile returns the endpoint profile in use.
func (s *Session) Profile() tokensource.Profile {
	return s.profile
}

// Transport returns the shared authorized transport.
func (s *Session) Transport() *transport.Authorized {
	return s.transport
}

// HTTPClient returns a client whose requests are authorized.
func (s *Session) HTTPClient() *http.Client {
	return &http.Client{Transport: s.transport}
}

// Store returns the refresh token store, nil when persistence is disabled.
func (s *Session) Store() tokenstore.TokenStore {
	return s.store
}

// Close releases store resources.
func (s *Session) Close() error {
	if c, ok := s.store.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (s *Session) readRefreshToken(ctx context.Context) (string, error) {
	if s.store == nil {
		return "", nil
	}
	token, err := s.store.Read(ctx)
	switch {
	case errors.Is(err, tokenstore.ErrTokenNotFound):
		return "", nil
	case err != nil:
		return "", fmt.Errorf("failed to read refresh token: %w", err)
	}
	return token, nil
}

// persist writes a rotated refresh token, or clears the store once the
// credential dropped a rejected one. Failures are logged, not returned: the
// in-memory credential stays usable.
func (s *Session) persist(ctx context.Context, state credential.State) {
	if s.store == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if state.RefreshToken == s.persisted {
		return
	}

	err := s.store.Write(ctx, state.RefreshToken)
	switch {
	case errors.Is(err, tokenstore.ErrReadOnly):
		slog.DebugContext(ctx, "refresh token rotated, store is read-only")
	case err != nil:
		slog.WarnContext(ctx, "failed to persist refresh token", "error", err)
	case state.RefreshToken == "":
		s.persisted = ""
		slog.DebugContext(ctx, "rejected refresh token cleared")
	default:
		s.persisted = state.RefreshToken
		slog.DebugContext(ctx, "refresh token persisted")
	}
}
