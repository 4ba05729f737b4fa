package auth

import (
	"crypto/sha256"
	"encoding/hex"
)

// Secret is a string that redacts itself in String, GoString and MarshalText
// so bearer tokens and client secrets never leak through fmt, zap or JSON.
// Call [Secret.Value] only at the point the raw value is required.
type Secret string

const secretRedacted = "[REDACTED]"

func (s Secret) String() string               { return secretRedacted }
func (s Secret) GoString() string             { return secretRedacted }
func (s Secret) MarshalText() ([]byte, error) { return []byte(secretRedacted), nil }

// Value returns the raw secret.
func (s Secret) Value() string { return string(s) }

// IsEmpty reports whether no secret was provided.
func (s Secret) IsEmpty() bool { return s == "" }

// HashToken returns the hex SHA-256 digest of a bearer token. Digests are
// used wherever a token needs to be identified without being retained.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}
