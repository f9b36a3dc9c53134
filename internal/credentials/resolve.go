package credentials

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

// Reference prefixes accepted in the config file's password fields.
const (
	prefixKeyring = "keyring:"
	prefixEnv     = "env:"
)

// ErrNotFound is returned when a referenced credential does not exist.
var ErrNotFound = errors.New("credential not found")

// Resolver turns a config password reference into a Secret.
//
//	aes-gcm:<base64>       sealed with the master key
//	keyring:<service>/<user>  OS keyring entry
//	env:<NAME>             environment variable
//	anything else          literal value
type Resolver struct {
	MasterKey string
	Getenv    func(string) string
}

// NewResolver creates a resolver using the process environment.
func NewResolver(masterKey string) *Resolver {
	return &Resolver{MasterKey: masterKey, Getenv: os.Getenv}
}

// Resolve returns the Secret a reference points to.
func (r *Resolver) Resolve(ref string) (*Secret, error) {
	switch {
	case ref == "":
		return &Secret{}, nil

	case IsSealed(ref):
		return Unseal(ref, r.MasterKey)

	case strings.HasPrefix(ref, prefixKeyring):
		service, user, ok := strings.Cut(strings.TrimPrefix(ref, prefixKeyring), "/")
		if !ok || service == "" || user == "" {
			return nil, fmt.Errorf("keyring reference must be keyring:<service>/<user>")
		}
		v, err := keyring.Get(service, user)
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, fmt.Errorf("keyring %s/%s: %w", service, user, ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("keyring %s/%s: %w", service, user, err)
		}
		return NewSecret(v), nil

	case strings.HasPrefix(ref, prefixEnv):
		name := strings.TrimPrefix(ref, prefixEnv)
		getenv := r.Getenv
		if getenv == nil {
			getenv = os.Getenv
		}
		v := getenv(name)
		if v == "" {
			return nil, fmt.Errorf("env %s: %w", name, ErrNotFound)
		}
		return NewSecret(v), nil

	default:
		return NewSecret(ref), nil
	}
}

// IsReference reports whether a config value points elsewhere rather than
// holding the credential literally. Used to decide what to redact in `config show`.
func IsReference(v string) bool {
	return IsSealed(v) || strings.HasPrefix(v, prefixKeyring) || strings.HasPrefix(v, prefixEnv)
}
