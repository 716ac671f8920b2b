package consent

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newCookieSecret() []byte {
	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = byte(i)
	}
	return secret
}

// carryCookie copies the Set-Cookie header on rec onto a fresh request, the
// way a browser would on the next hop of the consent redirect.
func carryCookie(t *testing.T, rec *httptest.ResponseRecorder, req *http.Request) {
	t.Helper()
	resp := rec.Result()
	for _, c := range resp.Cookies() {
		req.AddCookie(c)
	}
}

func TestSessionProviderResolveRedeemsADecisionOnce(t *testing.T) {
	p := NewSessionProvider(newCookieSecret())

	saveReq := httptest.NewRequest(http.MethodPost, "/login", nil)
	saveRec := httptest.NewRecorder()
	require.NoError(t, p.save(saveRec, saveReq, "client-1", "urn:req:1", true, "did:plc:alice", "jkt-abc"))

	resolveReq := httptest.NewRequest(http.MethodGet, "/oauth/authorize", nil)
	carryCookie(t, saveRec, resolveReq)
	resolveRec := httptest.NewRecorder()

	approved, sub, dpopJKT, ok, err := p.Resolve(resolveRec, resolveReq, "client-1", "urn:req:1")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, approved)
	require.Equal(t, "did:plc:alice", sub)
	require.Equal(t, "jkt-abc", dpopJKT)

	// A second resolution against the cookie Resolve just expired must not
	// replay the same decision.
	replayReq := httptest.NewRequest(http.MethodGet, "/oauth/authorize", nil)
	carryCookie(t, resolveRec, replayReq)
	replayRec := httptest.NewRecorder()

	_, _, _, ok, err = p.Resolve(replayRec, replayReq, "client-1", "urn:req:1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSessionProviderResolveMismatchedPairIsNotFound(t *testing.T) {
	p := NewSessionProvider(newCookieSecret())

	saveReq := httptest.NewRequest(http.MethodPost, "/login", nil)
	saveRec := httptest.NewRecorder()
	require.NoError(t, p.save(saveRec, saveReq, "client-1", "urn:req:1", true, "did:plc:alice", ""))

	resolveReq := httptest.NewRequest(http.MethodGet, "/oauth/authorize", nil)
	carryCookie(t, saveRec, resolveReq)
	resolveRec := httptest.NewRecorder()

	_, _, _, ok, err := p.Resolve(resolveRec, resolveReq, "client-1", "urn:req:2")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSessionProviderResolveWithNoCookieIsNotFound(t *testing.T) {
	p := NewSessionProvider(newCookieSecret())

	req := httptest.NewRequest(http.MethodGet, "/oauth/authorize", nil)
	rec := httptest.NewRecorder()

	_, _, _, ok, err := p.Resolve(rec, req, "client-1", "urn:req:1")
	require.NoError(t, err)
	require.False(t, ok)
}
