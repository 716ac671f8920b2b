package pkce

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RFC 7636 Appendix B test vector.
const (
	rfc7636Verifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	rfc7636Challenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

func TestGenerateCodeChallenge_RFC7636Vector(t *testing.T) {
	assert.Equal(t, rfc7636Challenge, GenerateCodeChallenge(rfc7636Verifier))
}

func TestVerify_RFC7636Vector(t *testing.T) {
	assert.True(t, Verify(rfc7636Verifier, rfc7636Challenge, MethodS256))
}

func TestVerify_RejectsNonS256Method(t *testing.T) {
	assert.False(t, Verify(rfc7636Verifier, rfc7636Challenge, "plain"))
	assert.False(t, Verify(rfc7636Verifier, rfc7636Challenge, ""))
}

func TestVerify_RejectsVerifierLengthOutOfRange(t *testing.T) {
	tooShort := make([]byte, 42)
	for i := range tooShort {
		tooShort[i] = 'a'
	}
	tooLong := make([]byte, 129)
	for i := range tooLong {
		tooLong[i] = 'a'
	}
	assert.False(t, Verify(string(tooShort), GenerateCodeChallenge(string(tooShort)), MethodS256))
	assert.False(t, Verify(string(tooLong), GenerateCodeChallenge(string(tooLong)), MethodS256))
}

func TestVerify_RejectsInvalidCharset(t *testing.T) {
	verifier := "dBjftJeZ4CVP mB92K27uhbUJU1p1r_wW1gFWFOEjXk+"
	assert.False(t, Verify(verifier, GenerateCodeChallenge(verifier), MethodS256))
}

func TestVerify_RejectsMismatchedChallenge(t *testing.T) {
	assert.False(t, Verify(rfc7636Verifier, "wrong-challenge-value-00000000000000000000", MethodS256))
}

func TestGenerate_RoundTrips(t *testing.T) {
	for i := 0; i < 20; i++ {
		c, err := Generate()
		require.NoError(t, err)
		assert.Equal(t, MethodS256, c.Method)
		assert.Len(t, c.Verifier, 64)
		assert.True(t, Verify(c.Verifier, c.Challenge, c.Method))
	}
}

func TestGenerate_ProducesUniqueVerifiers(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		c, err := Generate()
		require.NoError(t, err)
		assert.False(t, seen[c.Verifier])
		seen[c.Verifier] = true
	}
}
