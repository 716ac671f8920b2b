package clientauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	clockpkg "github.com/covesocial/pds-oauth/internal/clock"
	"github.com/covesocial/pds-oauth/internal/oauth/storage"
)

func newTestResolver(t *testing.T, now time.Time, handler http.HandlerFunc) (*Resolver, *httptest.Server) {
	t.Helper()
	srv := httptest.NewTLSServer(handler)
	c := clockpkg.NewFixed(now)
	r := &Resolver{
		Storage: storage.NewMemory(c.Now),
		Clock:   c,
		TTL:     DefaultTTL,
		Client:  srv.Client(),
	}
	t.Cleanup(srv.Close)
	return r, srv
}

// TestResolve_URLClient fetches the metadata document published at an
// HTTPS-URL client_id and validates it, calling fetch and validateDoc
// directly rather than going through Resolve.
func TestResolve_URLClient(t *testing.T) {
	now := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)

	var clientID string
	r, srv := newTestResolver(t, now, func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"client_id": "` + clientID + `",
			"redirect_uris": ["` + clientID + `/callback"],
			"client_name": "Test Client",
			"token_endpoint_auth_method": "none"
		}`))
	})
	clientID = srv.URL + "/client.json"

	doc, err := r.fetch(context.Background(), clientID)
	require.NoError(t, err)
	require.Equal(t, clientID, doc.ClientID)
	require.NoError(t, validateDoc(doc))
}

func TestResolve_RejectsNonMatchingClientID(t *testing.T) {
	now := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)

	r, srv := newTestResolver(t, now, func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"client_id": "https://evil.example.com/client.json",
			"redirect_uris": ["https://client.example.com/callback"],
			"token_endpoint_auth_method": "none"
		}`))
	})
	_ = srv

	doc, err := r.fetch(context.Background(), srv.URL+"/client.json")
	require.NoError(t, err)
	require.NotEqual(t, srv.URL+"/client.json", doc.ClientID)

	_, err = r.Resolve(context.Background(), srv.URL+"/client.json")
	require.ErrorIs(t, err, ErrInvalidClient)
}

func TestResolve_RejectsInvalidClientIDForm(t *testing.T) {
	now := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	r, _ := newTestResolver(t, now, func(w http.ResponseWriter, req *http.Request) {})

	_, err := r.Resolve(context.Background(), "not-a-valid-client-id")
	require.ErrorIs(t, err, ErrInvalidClient)
}

func TestResolve_AcceptsValidDIDSyntax(t *testing.T) {
	now := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	r, _ := newTestResolver(t, now, func(w http.ResponseWriter, req *http.Request) {})

	// did:web resolution fails the network fetch (no real host reachable
	// in this test), but syntax validation must pass before that point.
	require.True(t, isValidClientID("did:web:client.example.com"))
	_, err := r.Resolve(context.Background(), "did:web:client.example.com")
	require.ErrorIs(t, err, ErrInvalidClient)
}

func TestValidateRedirectURI_FalseOnResolutionFailure(t *testing.T) {
	now := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	r, _ := newTestResolver(t, now, func(w http.ResponseWriter, req *http.Request) {})

	require.False(t, r.ValidateRedirectURI(context.Background(), "not-a-valid-client-id", "https://client.example.com/callback"))
}

func TestDidWebMetadataURL(t *testing.T) {
	url, err := didWebMetadataURL("did:web:client.example.com")
	require.NoError(t, err)
	require.Equal(t, "https://client.example.com/.well-known/oauth-client-metadata", url)

	url, err = didWebMetadataURL("did:web:client.example.com:path:to:app")
	require.NoError(t, err)
	require.Equal(t, "https://client.example.com/path/to/app/.well-known/oauth-client-metadata", url)
}

func TestValidateDoc_PrivateKeyJWTRequiresExactlyOneJWKSSource(t *testing.T) {
	doc := &clientMetadataDoc{
		RedirectURIs:            []string{"https://client.example.com/callback"},
		TokenEndpointAuthMethod: "private_key_jwt",
	}
	require.Error(t, validateDoc(doc))

	doc.JWKSURI = "https://client.example.com/jwks.json"
	require.NoError(t, validateDoc(doc))

	doc.JWKS = []byte(`{"keys":[]}`)
	require.Error(t, validateDoc(doc))
}

func TestValidateDoc_RejectsEmptyRedirectURIs(t *testing.T) {
	doc := &clientMetadataDoc{TokenEndpointAuthMethod: "none"}
	require.Error(t, validateDoc(doc))
}
