package signing

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGenerateEphemeral_MintAndVerifyRoundTrip(t *testing.T) {
	keys, err := GenerateEphemeral("key-1", "https://pds.example.com")
	require.NoError(t, err)

	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	token, jti, exp, err := keys.Mint("did:plc:abc123", "https://client.example.com/app", "atproto", "jkt-value", now)
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.Equal(t, now.Add(AccessTokenLifetime), exp)

	sub, clientID, scope, jkt, gotJTI, gotExp, err := keys.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "did:plc:abc123", sub)
	require.Equal(t, "https://client.example.com/app", clientID)
	require.Equal(t, "atproto", scope)
	require.Equal(t, "jkt-value", jkt)
	require.Equal(t, jti, gotJTI)
	require.Equal(t, exp.Unix(), gotExp.Unix())
}

func TestVerify_RejectsTamperedToken(t *testing.T) {
	keys, err := GenerateEphemeral("key-1", "https://pds.example.com")
	require.NoError(t, err)

	token, _, _, err := keys.Mint("did:plc:abc123", "https://client.example.com/app", "atproto", "jkt-value", time.Now())
	require.NoError(t, err)

	tampered := token[:len(token)-2] + "xx"
	_, _, _, _, _, _, err = keys.Verify(tampered)
	require.Error(t, err)
}

func TestPublicJWKS_ContainsOnlyPublicMaterial(t *testing.T) {
	keys, err := GenerateEphemeral("key-1", "https://pds.example.com")
	require.NoError(t, err)

	out, err := keys.PublicJWKS()
	require.NoError(t, err)
	require.Contains(t, string(out), "key-1")
	require.NotContains(t, string(out), `"d"`)
}

func TestDecodeEnvValue_Base64AndPlain(t *testing.T) {
	plain, err := decodeEnvValue("hello")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), plain)

	encoded := base64.StdEncoding.EncodeToString([]byte("hello"))
	decoded, err := decodeEnvValue("base64:" + encoded)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), decoded)
}
