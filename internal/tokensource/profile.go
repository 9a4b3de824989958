package tokensource

import (
	"fmt"
	"strings"
	"time"

	"github.com/daaily/daaily-go/internal/credential"
)

// KeyPlacement selects where the API key travels in a token request.
type KeyPlacement int

const (
	// KeyInHeader sends "Authorization: ApiKey <key>".
	KeyInHeader KeyPlacement = iota
	// KeyInQuery appends "?key=<key>" to the endpoint URL.
	KeyInQuery
)

// Encoding selects the token request body format.
type Encoding int

const (
	EncodingJSON Encoding = iota
	EncodingForm
)

// Profile describes one generation of the token endpoint.
type Profile struct {
	Name        string
	BaseURL     string
	TokenPath   string
	RefreshPath string

	KeyPlacement KeyPlacement
	Encoding     Encoding

	// UIDField is the body field carrying the user UID on get-token requests.
	UIDField string

	// RefreshSkew is the expiry margin recommended for tokens of this endpoint.
	RefreshSkew time.Duration

	// Env names the variables identities are resolved from.
	Env credential.EnvNames
}

const (
	tokenPath   = "tokens/get-token"
	refreshPath = "tokens/get-token-with-refresh-token"
)

var (
	// ProfileV3 is the current token endpoint.
	ProfileV3 = Profile{
		Name:         "v3",
		BaseURL:      "https://sally.daaily.com/api/v3",
		TokenPath:    tokenPath,
		RefreshPath:  refreshPath,
		KeyPlacement: KeyInHeader,
		Encoding:     EncodingJSON,
		UIDField:     "uid",
		RefreshSkew:  30 * time.Second,
		Env:          credential.EnvNamesV3,
	}

	// ProfileV2 is the older token endpoint.
	ProfileV2 = Profile{
		Name:         "v2",
		BaseURL:      "https://sally.daaily.com/api/v2",
		TokenPath:    tokenPath,
		RefreshPath:  refreshPath,
		KeyPlacement: KeyInQuery,
		Encoding:     EncodingForm,
		UIDField:     "user_uid",
		RefreshSkew:  600 * time.Second,
		Env:          credential.EnvNamesV2,
	}
)

// ProfileByName returns the preset registered under name ("v2" or "v3").
func ProfileByName(name string) (Profile, error) {
	switch strings.ToLower(name) {
	case ProfileV3.Name:
		return ProfileV3, nil
	case ProfileV2.Name:
		return ProfileV2, nil
	default:
		return Profile{}, fmt.Errorf("unknown token profile %q (expected: v2, v3)", name)
	}
}

func (p Profile) endpoint(baseURL, path string) string {
	if baseURL == "" {
		baseURL = p.BaseURL
	}
	return strings.TrimRight(baseURL, "/") + "/" + path
}
