// Package credentials holds BMC credentials in process memory only.
//
// A Secret is a byte buffer that can be zeroed when the owning session tears
// down. It never renders its contents through fmt or slog.
package credentials

import (
	"crypto/subtle"
	"log/slog"
)

const redacted = "[redacted]"

// Secret is a zeroable credential value.
type Secret struct {
	b []byte
}

// NewSecret copies s into a fresh buffer.
func NewSecret(s string) *Secret {
	return &Secret{b: []byte(s)}
}

// Reveal returns the plaintext. Callers must not retain or log the result.
func (s *Secret) Reveal() string {
	if s == nil {
		return ""
	}
	return string(s.b)
}

// Empty reports whether the secret holds no bytes (never set, or wiped).
func (s *Secret) Empty() bool {
	return s == nil || len(s.b) == 0
}

// Equal compares in constant time.
func (s *Secret) Equal(other string) bool {
	if s == nil {
		return other == ""
	}
	return subtle.ConstantTimeCompare(s.b, []byte(other)) == 1
}

// Wipe overwrites the buffer with zeros and releases it.
func (s *Secret) Wipe() {
	if s == nil {
		return
	}
	for i := range s.b {
		s.b[i] = 0
	}
	s.b = nil
}

// String implements fmt.Stringer.
func (s *Secret) String() string { return redacted }

// GoString implements fmt.GoStringer so %#v cannot leak either.
func (s *Secret) GoString() string { return redacted }

// LogValue implements slog.LogValuer.
func (s *Secret) LogValue() slog.Value { return slog.StringValue(redacted) }

// MarshalJSON keeps secrets out of any JSON status payload.
func (s *Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}
