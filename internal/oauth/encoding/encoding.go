// Package encoding provides the base64url and random-identifier primitives
// shared by every other OAuth core component.
package encoding

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// Base64URL encodes bytes per RFC 4648 §5, no padding.
func Base64URL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeBase64URL decodes a base64url string with no padding.
func DecodeBase64URL(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

// RandomString returns a CSPRNG-derived base64url string encoding n random
// bytes. Every identifier minted by the core goes through this helper so
// that entropy budgets stay in one place.
func RandomString(nBytes int) (string, error) {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("encoding: failed to read random bytes: %w", err)
	}
	return Base64URL(b), nil
}

// ConstantTimeEqual compares two strings without leaking timing information
// about where they first differ. Used for PKCE challenge comparison and
// DPoP 'ath' comparison.
func ConstantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		// Still run a comparison so callers relying on this for secrets
		// don't leak length via branch timing alone; subtle.ConstantTimeCompare
		// already handles unequal lengths safely by returning 0.
		subtle.ConstantTimeCompare([]byte(a), []byte(a))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
