package credential

import "os"

// Identity is the user identity traded for a bearer token.
type Identity struct {
	Email  string
	UID    string
	APIKey string
}

// EnvNames names the environment variables an Identity is resolved from.
type EnvNames struct {
	Email  string
	UID    string
	APIKey string
}

// Environment naming schemes. The older token endpoint generation used an API
// key variable without the USER segment.
var (
	EnvNamesV3 = EnvNames{
		Email:  "DAAILY_USER_EMAIL",
		UID:    "DAAILY_USER_UID",
		APIKey: "DAAILY_USER_API_KEY",
	}
	EnvNamesV2 = EnvNames{
		Email:  "DAAILY_USER_EMAIL",
		UID:    "DAAILY_USER_UID",
		APIKey: "DAAILY_API_KEY",
	}
)

// LookupEnvFunc matches os.LookupEnv.
type LookupEnvFunc func(key string) (string, bool)

// ResolveIdentity fills every empty field of explicit from the environment.
// All fields are checked before failing, so the returned *MissingInputError
// names each variable that is missing rather than only the first one.
func ResolveIdentity(explicit Identity, names EnvNames, lookup LookupEnvFunc) (Identity, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	var missing []string
	resolve := func(value *string, name string) {
		if *value != "" {
			return
		}
		if v, ok := lookup(name); ok && v != "" {
			*value = v
			return
		}
		missing = append(missing, name)
	}

	id := explicit
	resolve(&id.Email, names.Email)
	resolve(&id.UID, names.UID)
	resolve(&id.APIKey, names.APIKey)

	if len(missing) > 0 {
		return Identity{}, &MissingInputError{Variables: missing}
	}
	return id, nil
}
