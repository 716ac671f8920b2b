package clientauth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/stretchr/testify/require"

	clockpkg "github.com/covesocial/pds-oauth/internal/clock"
	"github.com/covesocial/pds-oauth/internal/oauth/storage"
)

const testTokenEndpoint = "https://pds.example.com/oauth/token"

func newAuthenticator(now time.Time) (*Authenticator, *clockpkg.Fixed, storage.Storage) {
	c := clockpkg.NewFixed(now)
	store := storage.NewMemory(c.Now)
	return NewAuthenticator(store, c, testTokenEndpoint), c, store
}

func signedAssertion(t *testing.T, priv jwk.Key, kid string, claims assertionClaims) string {
	t.Helper()
	require.NoError(t, priv.Set(jwk.KeyIDKey, kid))

	hdrs := jws.NewHeaders()
	require.NoError(t, hdrs.Set(jws.KeyIDKey, kid))

	payload, err := json.Marshal(claims)
	require.NoError(t, err)

	signed, err := jws.Sign(payload, jws.WithKey(jwa.ES256, priv, jws.WithProtectedHeaders(hdrs)))
	require.NoError(t, err)
	return string(signed)
}

func newClientKeyPair(t *testing.T, kid string) (jwk.Key, jwk.Set) {
	t.Helper()
	raw, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	priv, err := jwk.FromRaw(raw)
	require.NoError(t, err)
	require.NoError(t, priv.Set(jwk.KeyIDKey, kid))
	require.NoError(t, priv.Set(jwk.AlgorithmKey, jwa.ES256))

	pub, err := jwk.PublicKeyOf(priv)
	require.NoError(t, err)
	require.NoError(t, pub.Set(jwk.KeyIDKey, kid))
	require.NoError(t, pub.Set(jwk.AlgorithmKey, jwa.ES256))

	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))
	return priv, set
}

func TestAuthenticate_NoneMethodRejectsAssertion(t *testing.T) {
	a, _, _ := newAuthenticator(time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC))
	md := &storage.ClientMetadata{ClientID: "https://client.example.com/app", TokenEndpointAuthMethod: "none"}

	err := a.Authenticate(context.Background(), md, AssertionParams{ClientID: md.ClientID})
	require.NoError(t, err)

	err = a.Authenticate(context.Background(), md, AssertionParams{
		ClientID:        md.ClientID,
		ClientAssertion: "anything",
	})
	require.ErrorIs(t, err, ErrInvalidClient)
}

func TestAuthenticate_PrivateKeyJWTSuccess(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	a, _, _ := newAuthenticator(now)

	clientID := "https://client.example.com/app"
	priv, set := newClientKeyPair(t, "key-1")
	jwksBytes, err := json.Marshal(set)
	require.NoError(t, err)

	md := &storage.ClientMetadata{
		ClientID:                clientID,
		TokenEndpointAuthMethod: "private_key_jwt",
		JWKS:                    jwksBytes,
	}

	assertion := signedAssertion(t, priv, "key-1", assertionClaims{
		Iss: clientID,
		Sub: clientID,
		Aud: testTokenEndpoint,
		JTI: "assertion-1",
		IAT: now.Unix(),
		Exp: now.Add(time.Minute).Unix(),
	})

	err = a.Authenticate(context.Background(), md, AssertionParams{
		ClientID:            clientID,
		ClientAssertionType: clientAssertionType,
		ClientAssertion:     assertion,
	})
	require.NoError(t, err)
}

func TestAuthenticate_PrivateKeyJWTRejectsReplay(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	a, _, _ := newAuthenticator(now)

	clientID := "https://client.example.com/app"
	priv, set := newClientKeyPair(t, "key-1")
	jwksBytes, err := json.Marshal(set)
	require.NoError(t, err)

	md := &storage.ClientMetadata{
		ClientID:                clientID,
		TokenEndpointAuthMethod: "private_key_jwt",
		JWKS:                    jwksBytes,
	}

	assertion := signedAssertion(t, priv, "key-1", assertionClaims{
		Iss: clientID,
		Sub: clientID,
		Aud: testTokenEndpoint,
		JTI: "assertion-replay",
		IAT: now.Unix(),
		Exp: now.Add(time.Minute).Unix(),
	})
	params := AssertionParams{
		ClientID:            clientID,
		ClientAssertionType: clientAssertionType,
		ClientAssertion:     assertion,
	}

	require.NoError(t, a.Authenticate(context.Background(), md, params))
	err = a.Authenticate(context.Background(), md, params)
	require.ErrorIs(t, err, ErrInvalidClient)
}

func TestAuthenticate_PrivateKeyJWTRejectsWrongAudience(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	a, _, _ := newAuthenticator(now)

	clientID := "https://client.example.com/app"
	priv, set := newClientKeyPair(t, "key-1")
	jwksBytes, err := json.Marshal(set)
	require.NoError(t, err)

	md := &storage.ClientMetadata{
		ClientID:                clientID,
		TokenEndpointAuthMethod: "private_key_jwt",
		JWKS:                    jwksBytes,
	}

	assertion := signedAssertion(t, priv, "key-1", assertionClaims{
		Iss: clientID,
		Sub: clientID,
		Aud: "https://wrong-endpoint.example.com/token",
		JTI: "assertion-2",
		IAT: now.Unix(),
		Exp: now.Add(time.Minute).Unix(),
	})

	err = a.Authenticate(context.Background(), md, AssertionParams{
		ClientID:            clientID,
		ClientAssertionType: clientAssertionType,
		ClientAssertion:     assertion,
	})
	require.ErrorIs(t, err, ErrInvalidClient)
}

func TestAuthenticate_PrivateKeyJWTRejectsExpiredAssertion(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	a, _, _ := newAuthenticator(now)

	clientID := "https://client.example.com/app"
	priv, set := newClientKeyPair(t, "key-1")
	jwksBytes, err := json.Marshal(set)
	require.NoError(t, err)

	md := &storage.ClientMetadata{
		ClientID:                clientID,
		TokenEndpointAuthMethod: "private_key_jwt",
		JWKS:                    jwksBytes,
	}

	assertion := signedAssertion(t, priv, "key-1", assertionClaims{
		Iss: clientID,
		Sub: clientID,
		Aud: testTokenEndpoint,
		JTI: "assertion-3",
		IAT: now.Add(-10 * time.Minute).Unix(),
		Exp: now.Add(-5 * time.Minute).Unix(),
	})

	err = a.Authenticate(context.Background(), md, AssertionParams{
		ClientID:            clientID,
		ClientAssertionType: clientAssertionType,
		ClientAssertion:     assertion,
	})
	require.ErrorIs(t, err, ErrInvalidClient)
}

func TestAuthenticate_PrivateKeyJWTRejectsSubIssMismatch(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	a, _, _ := newAuthenticator(now)

	clientID := "https://client.example.com/app"
	priv, set := newClientKeyPair(t, "key-1")
	jwksBytes, err := json.Marshal(set)
	require.NoError(t, err)

	md := &storage.ClientMetadata{
		ClientID:                clientID,
		TokenEndpointAuthMethod: "private_key_jwt",
		JWKS:                    jwksBytes,
	}

	assertion := signedAssertion(t, priv, "key-1", assertionClaims{
		Iss: "https://someone-else.example.com/app",
		Sub: clientID,
		Aud: testTokenEndpoint,
		JTI: "assertion-4",
		IAT: now.Unix(),
		Exp: now.Add(time.Minute).Unix(),
	})

	err = a.Authenticate(context.Background(), md, AssertionParams{
		ClientID:            clientID,
		ClientAssertionType: clientAssertionType,
		ClientAssertion:     assertion,
	})
	require.ErrorIs(t, err, ErrInvalidClient)
}
