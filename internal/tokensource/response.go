package tokensource

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/daaily/daaily-go/internal/credential"
)

// tokenResponse is the body of a successful token exchange. Pointers tell
// absent fields apart from zero values.
type tokenResponse struct {
	IDToken      *string   `json:"id_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresIn    *lifetime `json:"expires_in"`
}

// lifetime is a token lifetime in seconds. Sally sends it either as a JSON
// number or as a numeric string.
type lifetime int64

func (l *lifetime) UnmarshalJSON(data []byte) error {
	raw := bytes.Trim(data, `"`)
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return fmt.Errorf("expires_in %s is not an integer", data)
	}
	*l = lifetime(n)
	return nil
}

// decodeOutcome parses a 2xx token response body.
func decodeOutcome(body []byte) (*credential.Outcome, error) {
	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}

	if resp.IDToken == nil || *resp.IDToken == "" {
		return nil, fmt.Errorf("%w: missing id_token", ErrMalformedResponse)
	}
	if resp.ExpiresIn == nil {
		return nil, fmt.Errorf("%w: missing expires_in", ErrMalformedResponse)
	}
	if *resp.ExpiresIn < 0 {
		return nil, fmt.Errorf("%w: negative expires_in %d", ErrMalformedResponse, *resp.ExpiresIn)
	}

	return &credential.Outcome{
		Token:        *resp.IDToken,
		RefreshToken: resp.RefreshToken,
		ExpiresIn:    int64(*resp.ExpiresIn),
	}, nil
}
