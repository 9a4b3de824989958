package transport

import (
	"context"

	"golang.org/x/oauth2"
)

// tokenSource exposes an Authorized transport's credential as an
// oauth2.TokenSource.
type tokenSource struct {
	ctx context.Context
	a   *Authorized
}

// TokenSource returns an oauth2.TokenSource backed by the shared credential,
// for callers that already build clients with oauth2.NewClient. Tokens are
// exchanged through the same single-flight path as RoundTrip.
func (a *Authorized) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, a: a}
}

// Token implements oauth2.TokenSource.
func (ts *tokenSource) Token() (*oauth2.Token, error) {
	token, err := ts.a.Token(ts.ctx)
	if err != nil {
		return nil, err
	}

	state := ts.a.cred.Snapshot()
	t := &oauth2.Token{
		AccessToken: token,
		TokenType:   "Bearer",
	}
	// Only report expiry and refresh token when they belong to the token returned.
	if state.Token == token {
		t.RefreshToken = state.RefreshToken
		if !state.Expiry.IsZero() {
			// oauth2 applies its own small skew; shift by ours so both agree.
			t.Expiry = state.Expiry.Add(-ts.a.cred.RefreshSkew())
		}
	}
	return t, nil
}
