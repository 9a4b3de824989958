// Package tokensource acquires and renews Daaily bearer tokens from the Sally
// token service.
//
// Two generations of the token endpoint are in use and both are supported as
// profiles rather than being folded into one:
//   - ProfileV3 sends the API key as an "Authorization: ApiKey <key>" header and a JSON body
//   - ProfileV2 sends the API key as a "?key=" query parameter and a form-encoded body
//
// # Token Exchange
//
// Use GetToken for the first exchange and RefreshToken once a refresh token is held:
//
//	client := tokensource.NewClient(tokensource.ProfileV3)
//	outcome, err := client.GetToken(ctx, identity)
//	// later
//	outcome, err = client.RefreshToken(ctx, identity, outcome.RefreshToken)
//
// Client also implements credential.Refresher, which picks the right call:
//
//	outcome, err := client.Refresh(ctx, identity, cred.Snapshot().RefreshToken)
//
// # Rate Limiting
//
// HTTP 429 responses are retried up to WithMaxAttempts attempts in total. The
// delay before each retry follows an exponential schedule starting at
// WithInitialBackoff, unless the response carries a Retry-After header, which wins
// for that retry. Every other non-2xx response fails immediately with an
// *ExchangeError.
//
// # Custom Base Transport
//
// Configure a custom base transport for token requests (e.g., for proxies or
// custom timeouts):
//
//	client := tokensource.NewClient(
//		tokensource.ProfileV2,
//		tokensource.WithTransport(customTransport),
//	)
package tokensource
