package encoding

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base64URLPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func TestRandomStringCharset(t *testing.T) {
	for _, n := range []int{16, 32, 48, 96} {
		s, err := RandomString(n)
		require.NoError(t, err)
		assert.True(t, base64URLPattern.MatchString(s), "unexpected characters in %q", s)
	}
}

func TestRandomStringUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		s, err := RandomString(16)
		require.NoError(t, err)
		assert.False(t, seen[s], "collision detected, probability should be < 2^-64")
		seen[s] = true
	}
}

func TestConstantTimeEqual(t *testing.T) {
	assert.True(t, ConstantTimeEqual("abc", "abc"))
	assert.False(t, ConstantTimeEqual("abc", "abd"))
	assert.False(t, ConstantTimeEqual("abc", "abcd"))
	assert.True(t, ConstantTimeEqual("", ""))
}

func TestBase64URLRoundTrip(t *testing.T) {
	data := []byte{0x00, 0x01, 0xff, 0x7e, 0x80}
	encoded := Base64URL(data)
	assert.True(t, base64URLPattern.MatchString(encoded))

	decoded, err := DecodeBase64URL(encoded)
	require.NoError(t, err)
	assert.Equal(t, data, decoded)
}
