// Package pkce implements RFC 7636 Proof Key for Code Exchange, S256 only,
// as required for every authorization code issued by this core.
//
// Generation follows the teacher's oauth/pkce.go shape (random verifier,
// SHA256 challenge); Verify adds the server-side checks a pure client never
// needed: verifier length, charset, and method enforcement.
package pkce

import (
	"crypto/sha256"
	"fmt"

	"github.com/covesocial/pds-oauth/internal/oauth/encoding"
)

// MethodS256 is the only code_challenge_method this core accepts.
const MethodS256 = "S256"

// isVerifierChar reports whether c is in RFC 7636 §4.1's unreserved
// character set.
func isVerifierChar(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '.' || c == '_' || c == '~':
		return true
	default:
		return false
	}
}

// Challenge is a generated verifier/challenge pair.
type Challenge struct {
	Verifier  string
	Challenge string
	Method    string
}

// Generate creates a new S256 PKCE pair using 48 random bytes (64 base64url
// characters), per spec.md §4.B.
func Generate() (*Challenge, error) {
	verifier, err := encoding.RandomString(48)
	if err != nil {
		return nil, fmt.Errorf("pkce: failed to generate verifier: %w", err)
	}

	return &Challenge{
		Verifier:  verifier,
		Challenge: GenerateCodeChallenge(verifier),
		Method:    MethodS256,
	}, nil
}

// GenerateCodeChallenge computes base64url(SHA256(verifier)).
func GenerateCodeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return encoding.Base64URL(sum[:])
}

// Verify checks a presented code_verifier against the code_challenge stored
// at PAR/authorize time, per spec.md §4.B and RFC 7636 §4.1/§4.6.
func Verify(verifier, challenge, method string) bool {
	if method != MethodS256 {
		return false
	}
	if len(verifier) < 43 || len(verifier) > 128 {
		return false
	}
	for i := 0; i < len(verifier); i++ {
		if !isVerifierChar(verifier[i]) {
			return false
		}
	}
	return encoding.ConstantTimeEqual(GenerateCodeChallenge(verifier), challenge)
}
