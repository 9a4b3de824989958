// Package credential holds the bearer token state shared by every request a
// Daaily client issues.
//
// A Credential starts empty and is filled by a successful token exchange:
//
//	cred, err := credential.New(credential.Identity{}, // resolved from env
//		credential.WithEnvNames(credential.EnvNamesV3),
//		credential.WithRefreshSkew(30*time.Second),
//	)
//	outcome, err := refresher.Refresh(ctx, cred.Identity(), "")
//	cred.Ingest(*outcome, time.Now())
//
// # Validity
//
// A token is usable while now < expiry - skew. A credential without expiry never
// expires; a credential without token is never valid. The skew makes tokens that
// are about to expire count as expired, so they are renewed before a request can
// fail mid-flight.
//
// # Concurrency
//
// All methods are safe for concurrent use. Ingest is the only mutator and applies
// an exchange outcome atomically: readers observe either the old or the new
// token set, never a mix. Serialising the exchange itself is the caller's job
// (see package transport).
package credential
