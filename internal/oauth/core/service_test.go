package core

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/stretchr/testify/require"

	clockpkg "github.com/covesocial/pds-oauth/internal/clock"
	"github.com/covesocial/pds-oauth/internal/oauth/pkce"
	"github.com/covesocial/pds-oauth/internal/oauth/signing"
	"github.com/covesocial/pds-oauth/internal/oauth/storage"
)

// testHarness wires a Service against an in-memory Storage and a
// metadata-serving httptest server standing in for a registered client.
type testHarness struct {
	svc      *Service
	clock    *clockpkg.Fixed
	store    storage.Storage
	clientID string
	metaSrv  *httptest.Server
}

func newHarness(t *testing.T, now time.Time) *testHarness {
	t.Helper()

	var clientID string
	metaSrv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"client_id": "` + clientID + `",
			"redirect_uris": ["` + clientID + `/callback"],
			"token_endpoint_auth_method": "none"
		}`))
	}))
	t.Cleanup(metaSrv.Close)
	clientID = metaSrv.URL + "/client.json"

	c := clockpkg.NewFixed(now)
	store := storage.NewMemory(c.Now)
	keys, err := signing.GenerateEphemeral("test-key", "https://pds.example.com")
	require.NoError(t, err)

	svc := NewService(store, c, keys, "https://pds.example.com")
	svc.Clients.Client = metaSrv.Client()

	return &testHarness{svc: svc, clock: c, store: store, clientID: clientID, metaSrv: metaSrv}
}

type dpopClaims struct {
	JTI   string `json:"jti"`
	HTM   string `json:"htm"`
	HTU   string `json:"htu"`
	IAT   int64  `json:"iat"`
	Nonce string `json:"nonce,omitempty"`
}

// signDPoPProofWithKey signs a fresh DPoP proof with a newly generated
// ECDSA key, returning the compact proof and the private key so a caller
// can reuse the same key for a follow-up proof (e.g. a refresh request
// that must present the same cnf.jkt). nonce is the DPoP-Nonce the server
// last issued to the client.
func signDPoPProofWithKey(t *testing.T, htm, htu string, iat time.Time, nonce string) (string, *ecdsa.PrivateKey) {
	t.Helper()
	raw, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return signDPoPProofUsingKey(t, raw, htm, htu, iat, nonce), raw
}

func signDPoPProofUsingKey(t *testing.T, raw *ecdsa.PrivateKey, htm, htu string, iat time.Time, nonce string) string {
	t.Helper()
	priv, err := jwk.FromRaw(raw)
	require.NoError(t, err)
	pub, err := jwk.PublicKeyOf(priv)
	require.NoError(t, err)

	hdrs := jws.NewHeaders()
	require.NoError(t, hdrs.Set(jws.TypeKey, "dpop+jwt"))
	require.NoError(t, hdrs.Set(jws.JWKKey, pub))

	payload, err := json.Marshal(dpopClaims{
		JTI:   uuid.NewString(),
		HTM:   htm,
		HTU:   htu,
		IAT:   iat.Unix(),
		Nonce: nonce,
	})
	require.NoError(t, err)

	signed, err := jws.Sign(payload, jws.WithKey(jwa.ES256, priv, jws.WithProtectedHeaders(hdrs)))
	require.NoError(t, err)
	return string(signed)
}

func extractQueryParam(t *testing.T, rawURL, key string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return u.Query().Get(key)
}

func TestFullAuthorizationCodeFlow(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, now)
	ctx := context.Background()

	pkceChallenge, err := pkce.Generate()
	require.NoError(t, err)

	par, oerr := h.svc.PushAuthorizationRequest(ctx, PARRequest{
		ClientID:            h.clientID,
		RedirectURI:         h.clientID + "/callback",
		ResponseType:        "code",
		CodeChallenge:       pkceChallenge.Challenge,
		CodeChallengeMethod: pkceChallenge.Method,
		State:               "xyz",
	})
	require.Nil(t, oerr)
	require.Regexp(t, `^urn:ietf:params:oauth:request_uri:`, par.RequestURI)
	require.Equal(t, 90, par.ExpiresIn)

	authResult, oerr := h.svc.Authorize(ctx, AuthorizeRequest{
		ClientID:   h.clientID,
		RequestURI: par.RequestURI,
		Approved:   true,
		Sub:        "did:plc:user123",
	})
	require.Nil(t, oerr)
	require.Contains(t, authResult.RedirectURL, "code=")
	require.Contains(t, authResult.RedirectURL, "state=xyz")

	code := extractQueryParam(t, authResult.RedirectURL, "code")

	dpopHeader, key := signDPoPProofWithKey(t, "POST", h.svc.TokenEndpointURL(), now, par.DPoPNonce)
	tokenResp, oerr := h.svc.Token(ctx, TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  h.clientID + "/callback",
		CodeVerifier: pkceChallenge.Verifier,
		ClientID:     h.clientID,
		DPoPHeader:   dpopHeader,
	})
	require.Nil(t, oerr)
	require.Equal(t, "DPoP", tokenResp.TokenType)
	require.NotEmpty(t, tokenResp.AccessToken)
	require.NotEmpty(t, tokenResp.RefreshToken)

	// Replaying the same code, under a fresh proof carrying the current
	// nonce, must fail and not issue a second pair.
	replayProof := signDPoPProofUsingKey(t, key, "POST", h.svc.TokenEndpointURL(), now, tokenResp.DPoPNonce)
	_, replayErr := h.svc.Token(ctx, TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  h.clientID + "/callback",
		CodeVerifier: pkceChallenge.Verifier,
		ClientID:     h.clientID,
		DPoPHeader:   replayProof,
	})
	require.NotNil(t, replayErr)
	require.Equal(t, "invalid_grant", replayErr.Code)
}

func TestRefreshRotationSucceedsWithSameKeyAndRejectsReplay(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, now)
	ctx := context.Background()

	pkceChallenge, err := pkce.Generate()
	require.NoError(t, err)

	par, oerr := h.svc.PushAuthorizationRequest(ctx, PARRequest{
		ClientID:            h.clientID,
		RedirectURI:         h.clientID + "/callback",
		ResponseType:        "code",
		CodeChallenge:       pkceChallenge.Challenge,
		CodeChallengeMethod: pkceChallenge.Method,
		State:               "xyz",
	})
	require.Nil(t, oerr)

	authResult, oerr := h.svc.Authorize(ctx, AuthorizeRequest{
		ClientID:   h.clientID,
		RequestURI: par.RequestURI,
		Approved:   true,
		Sub:        "did:plc:user123",
	})
	require.Nil(t, oerr)
	code := extractQueryParam(t, authResult.RedirectURL, "code")

	dpopHeader, key := signDPoPProofWithKey(t, "POST", h.svc.TokenEndpointURL(), now, par.DPoPNonce)
	tokenResp, oerr := h.svc.Token(ctx, TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  h.clientID + "/callback",
		CodeVerifier: pkceChallenge.Verifier,
		ClientID:     h.clientID,
		DPoPHeader:   dpopHeader,
	})
	require.Nil(t, oerr)

	h.clock.Advance(time.Minute)
	refreshProof1 := signDPoPProofUsingKey(t, key, "POST", h.svc.TokenEndpointURL(), h.clock.Now(), tokenResp.DPoPNonce)
	refreshed, oerr := h.svc.Token(ctx, TokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: tokenResp.RefreshToken,
		ClientID:     h.clientID,
		DPoPHeader:   refreshProof1,
	})
	require.Nil(t, oerr)
	require.NotEqual(t, tokenResp.RefreshToken, refreshed.RefreshToken)
	require.NotEqual(t, tokenResp.AccessToken, refreshed.AccessToken)

	// Replaying the original (now-rotated) refresh token must revoke the
	// whole family.
	h.clock.Advance(time.Minute)
	refreshProof2 := signDPoPProofUsingKey(t, key, "POST", h.svc.TokenEndpointURL(), h.clock.Now(), refreshed.DPoPNonce)
	_, replayErr := h.svc.Token(ctx, TokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: tokenResp.RefreshToken,
		ClientID:     h.clientID,
		DPoPHeader:   refreshProof2,
	})
	require.NotNil(t, replayErr)
	require.Equal(t, "invalid_grant", replayErr.Code)

	// The rotated-to token is now also revoked as part of the family.
	h.clock.Advance(time.Minute)
	refreshProof3 := signDPoPProofUsingKey(t, key, "POST", h.svc.TokenEndpointURL(), h.clock.Now(), refreshed.DPoPNonce)
	_, finalErr := h.svc.Token(ctx, TokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: refreshed.RefreshToken,
		ClientID:     h.clientID,
		DPoPHeader:   refreshProof3,
	})
	require.NotNil(t, finalErr)
	require.Equal(t, "invalid_grant", finalErr.Code)
}

func TestRevoke_BestEffortAlwaysSucceeds(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, now)
	ctx := context.Background()

	h.svc.Revoke(ctx, RevokeRequest{Token: "unknown-token"})
	h.svc.Revoke(ctx, RevokeRequest{Token: ""})
}

func TestMetadata_ReflectsConfiguredEndpoints(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, now)

	md := h.svc.Metadata()
	require.Equal(t, "https://pds.example.com", md.Issuer)
	require.Equal(t, "https://pds.example.com/oauth/token", md.TokenEndpoint)
	require.True(t, md.RequirePushedAuthorizationRequests)

	prm := h.svc.ProtectedResourceMetadata()
	require.Equal(t, "https://pds.example.com", prm.Resource)
}
