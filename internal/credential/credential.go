package credential

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Outcome is the result of a successful token exchange.
type Outcome struct {
	Token        string
	RefreshToken string // empty when the endpoint did not rotate it
	ExpiresIn    int64  // seconds, >= 0

	// Reauthenticated marks an outcome of a full identity exchange that
	// replaced a rejected refresh token. The old refresh token is void even
	// when the outcome carries no new one.
	Reauthenticated bool
}

// Refresher exchanges an identity, or a refresh token when one is held, for a
// fresh bearer token. Each token endpoint generation is one implementation.
type Refresher interface {
	Refresh(ctx context.Context, id Identity, refreshToken string) (*Outcome, error)
}

// State is a point-in-time copy of a Credential's token fields.
type State struct {
	Token        string
	RefreshToken string
	Expiry       time.Time // zero means the token never expires
}

// Valid applies the validity rule to s for the given skew.
func (s State) Valid(now time.Time, skew time.Duration) bool {
	if s.Token == "" {
		return false
	}
	if s.Expiry.IsZero() {
		return true
	}
	return now.Before(s.Expiry.Add(-skew))
}

// Credential tracks the bearer token of one identity.
type Credential struct {
	identity Identity
	skew     time.Duration

	mu    sync.RWMutex
	state State
}

type options struct {
	skew         time.Duration
	envNames     EnvNames
	lookup       LookupEnvFunc
	refreshToken string
}

// Option configures a Credential.
type Option func(*options)

// WithRefreshSkew sets how long before expiry a token is treated as expired.
func WithRefreshSkew(skew time.Duration) Option {
	return func(o *options) {
		o.skew = skew
	}
}

// WithEnvNames selects the environment naming scheme used for fields not
// passed explicitly. Defaults to EnvNamesV3.
func WithEnvNames(names EnvNames) Option {
	return func(o *options) {
		o.envNames = names
	}
}

// WithLookupEnv replaces os.LookupEnv for identity resolution.
func WithLookupEnv(lookup LookupEnvFunc) Option {
	return func(o *options) {
		o.lookup = lookup
	}
}

// WithRefreshToken seeds a refresh token persisted by an earlier session, so
// the first exchange can skip the full identity exchange.
func WithRefreshToken(refreshToken string) Option {
	return func(o *options) {
		o.refreshToken = refreshToken
	}
}

// New creates an empty Credential for explicit, resolving empty fields from the
// environment. It fails with a *MissingInputError when fields stay unresolved.
func New(explicit Identity, opts ...Option) (*Credential, error) {
	o := options{envNames: EnvNamesV3}
	for _, opt := range opts {
		opt(&o)
	}

	id, err := ResolveIdentity(explicit, o.envNames, o.lookup)
	if err != nil {
		return nil, err
	}

	return &Credential{
		identity: id,
		skew:     o.skew,
		state:    State{RefreshToken: o.refreshToken},
	}, nil
}

// Identity returns the resolved identity.
func (c *Credential) Identity() Identity {
	return c.identity
}

// RefreshSkew returns the configured skew.
func (c *Credential) RefreshSkew() time.Duration {
	return c.skew
}

// Snapshot returns a consistent copy of the token fields.
func (c *Credential) Snapshot() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Valid reports whether the held token is usable at now.
func (c *Credential) Valid(now time.Time) bool {
	_, ok := c.ValidToken(now)
	return ok
}

// ValidToken returns the held token if it is usable at now. Token and
// validity are read under the same lock.
func (c *Credential) ValidToken(now time.Time) (string, bool) {
	s := c.Snapshot()
	if !s.Valid(now, c.skew) {
		return "", false
	}
	return s.Token, true
}

// ApplyToHeaders returns a copy of headers with Authorization set to the
// bearer token, or to override when it is not empty. headers is not modified.
func (c *Credential) ApplyToHeaders(headers http.Header, override string) (http.Header, error) {
	token := override
	if token == "" {
		token = c.Snapshot().Token
	}
	if token == "" {
		return nil, ErrMissingToken
	}

	out := headers.Clone()
	if out == nil {
		out = make(http.Header, 1)
	}
	out.Set("Authorization", "Bearer "+token)
	return out, nil
}

// Ingest applies an exchange outcome received at now. The refresh token is
// only replaced when the outcome carries one, or dropped when the outcome is
// Reauthenticated.
func (c *Credential) Ingest(o Outcome, now time.Time) {
	next := State{
		Token:  o.Token,
		Expiry: now.Add(time.Duration(o.ExpiresIn) * time.Second),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	next.RefreshToken = c.state.RefreshToken
	if o.RefreshToken != "" || o.Reauthenticated {
		next.RefreshToken = o.RefreshToken
	}
	c.state = next
}
