package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
)

// Default random-token sizes in bytes.
const (
	SessionIDBytes  = 32
	CsrfTokenBytes  = 32
	ResetTokenBytes = 32
)

// NewOpaqueToken returns byteLength bytes of cryptographic randomness,
// URL-safe encoded. The result is a pure capability: there is nothing to
// decode or derive from it.
func NewOpaqueToken(byteLength int) (string, error) {
	buf := make([]byte, byteLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken returns the deterministic one-way digest under which a reset
// token is stored. Only this hash is ever persisted.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// GenerateResetToken mints a raw reset token and its storage hash. The
// raw value is returned exactly once for out-of-band delivery.
func GenerateResetToken(byteLength int) (raw string, hash string, err error) {
	raw, err = NewOpaqueToken(byteLength)
	if err != nil {
		return "", "", err
	}
	return raw, HashToken(raw), nil
}
