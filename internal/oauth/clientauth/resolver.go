// Package clientauth resolves AT Protocol OAuth client identities (HTTPS
// URLs or DIDs) to their published metadata, and authenticates clients at
// the token and PAR endpoints per their declared auth method.
//
// The SSRF-safe fetch is adapted from the teacher's
// internal/atproto/oauth/transport.go; DID syntax validation reuses
// indigo's atproto/syntax package the way the teacher's identity resolver
// does.
package clientauth

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"

	"github.com/covesocial/pds-oauth/internal/clock"
	"github.com/covesocial/pds-oauth/internal/oauth/storage"
)

// ErrInvalidClient is returned for every resolution failure per spec.md
// §4.D; handlers map it to the wire "invalid_client" error code.
var ErrInvalidClient = errors.New("clientauth: invalid client")

// DefaultTTL is the client metadata cache lifetime.
const DefaultTTL = time.Hour

const wellKnownClientMetadataPath = "/.well-known/oauth-client-metadata"

// Resolver fetches, validates, and caches AT Protocol client metadata.
type Resolver struct {
	Storage storage.Storage
	Clock   clock.Clock
	TTL     time.Duration
	Client  *http.Client
}

// NewResolver returns a Resolver with the SSRF-safe default HTTP client and
// the default cache TTL.
func NewResolver(store storage.Storage, c clock.Clock) *Resolver {
	return &Resolver{
		Storage: store,
		Clock:   c,
		TTL:     DefaultTTL,
		Client:  newSafeHTTPClient(),
	}
}

// newSafeHTTPClient builds an http.Client hardened against SSRF the way
// the teacher's transport.go does: a dialer that refuses private/loopback
// destinations, bounded dial/TLS/overall timeouts, and a capped redirect
// chain.
func newSafeHTTPClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: 10 * time.Second,
		// Control sees the resolved address, so a hostname that resolves
		// to a blocked range is refused as well as a literal IP.
		Control: func(network, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			if ip := net.ParseIP(host); ip != nil && isBlockedIP(ip) {
				return fmt.Errorf("clientauth: refusing to dial disallowed address %s", host)
			}
			return nil
		},
	}

	safeDial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		if ip := net.ParseIP(host); ip != nil && isBlockedIP(ip) {
			return nil, fmt.Errorf("clientauth: refusing to dial disallowed address %s", host)
		}
		return dialer.DialContext(ctx, network, addr)
	}

	transport := &http.Transport{
		DialContext:           safeDial,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		ForceAttemptHTTP2:     true,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}

	return &http.Client{
		Transport: transport,
		Timeout:   10 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("clientauth: too many redirects")
			}
			return nil
		},
	}
}

func isBlockedIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return true
	}
	for _, block := range privateBlocks {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

var privateBlocks = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"100.64.0.0/10", // CGNAT
	"169.254.0.0/16",
	"fc00::/7",
	"fe80::/10",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		out = append(out, n)
	}
	return out
}

// clientMetadataDoc mirrors the published AT Protocol OAuth client metadata
// JSON shape.
type clientMetadataDoc struct {
	ClientID                string          `json:"client_id"`
	RedirectURIs            []string        `json:"redirect_uris"`
	ClientName              string          `json:"client_name"`
	LogoURI                 string          `json:"logo_uri"`
	ClientURI               string          `json:"client_uri"`
	TokenEndpointAuthMethod string          `json:"token_endpoint_auth_method"`
	JWKS                    json.RawMessage `json:"jwks,omitempty"`
	JWKSURI                 string          `json:"jwks_uri,omitempty"`
}

// Resolve implements spec.md §4.D's resolve_client algorithm.
func (r *Resolver) Resolve(ctx context.Context, clientID string) (*storage.ClientMetadata, error) {
	if !isValidClientID(clientID) {
		return nil, ErrInvalidClient
	}

	now := r.Clock.Now()
	if cached, err := r.Storage.GetClient(ctx, clientID); err == nil {
		if !cached.Stale(now, r.TTL) {
			return cached, nil
		}
	}

	metadataURL, err := deriveMetadataURL(clientID)
	if err != nil {
		return nil, ErrInvalidClient
	}

	doc, err := r.fetch(ctx, metadataURL)
	if err != nil {
		// spec.md §7: a cache miss that falls through to a network fetch
		// gets one local retry before the resolution is surfaced as
		// invalid_client.
		doc, err = r.fetch(ctx, metadataURL)
		if err != nil {
			return nil, ErrInvalidClient
		}
	}

	if doc.ClientID != clientID {
		return nil, ErrInvalidClient
	}
	if err := validateDoc(doc); err != nil {
		return nil, ErrInvalidClient
	}

	md := &storage.ClientMetadata{
		ClientID:                doc.ClientID,
		RedirectURIs:            doc.RedirectURIs,
		ClientName:              doc.ClientName,
		LogoURI:                 doc.LogoURI,
		ClientURI:               doc.ClientURI,
		TokenEndpointAuthMethod: doc.TokenEndpointAuthMethod,
		JWKS:                    storage.JWKSet(doc.JWKS),
		JWKSURI:                 doc.JWKSURI,
		CachedAt:                now,
	}
	if err := r.Storage.SaveClient(ctx, clientID, md); err != nil {
		return nil, fmt.Errorf("clientauth: failed to cache client metadata: %w", err)
	}
	return md, nil
}

// ValidateRedirectURI implements spec.md §4.D's validate_redirect_uri.
func (r *Resolver) ValidateRedirectURI(ctx context.Context, clientID, uri string) bool {
	md, err := r.Resolve(ctx, clientID)
	if err != nil {
		return false
	}
	for _, candidate := range md.RedirectURIs {
		if candidate == uri {
			return true
		}
	}
	return false
}

func (r *Resolver) fetch(ctx context.Context, metadataURL string) (*clientMetadataDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("clientauth: metadata fetch returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var doc clientMetadataDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("clientauth: malformed metadata document: %w", err)
	}
	return &doc, nil
}

func validateDoc(doc *clientMetadataDoc) error {
	if len(doc.RedirectURIs) == 0 {
		return fmt.Errorf("clientauth: client metadata has no redirect_uris")
	}
	switch doc.TokenEndpointAuthMethod {
	case "none":
	case "private_key_jwt":
		hasJWKS := len(doc.JWKS) > 0
		hasJWKSURI := doc.JWKSURI != ""
		if hasJWKS == hasJWKSURI {
			return fmt.Errorf("clientauth: private_key_jwt requires exactly one of jwks or jwks_uri")
		}
	default:
		return fmt.Errorf("clientauth: unsupported token_endpoint_auth_method %q", doc.TokenEndpointAuthMethod)
	}
	return nil
}

// isValidClientID checks spec.md §4.D step 1: an HTTPS URL or a
// syntactically valid DID.
func isValidClientID(clientID string) bool {
	if strings.HasPrefix(clientID, "did:") {
		_, err := syntax.ParseDID(clientID)
		return err == nil
	}
	u, err := url.Parse(clientID)
	if err != nil {
		return false
	}
	return u.Scheme == "https" && u.Host != ""
}

// deriveMetadataURL implements spec.md §4.D step 3.
func deriveMetadataURL(clientID string) (string, error) {
	if strings.HasPrefix(clientID, "https://") {
		return clientID, nil
	}
	if strings.HasPrefix(clientID, "did:web:") {
		return didWebMetadataURL(clientID)
	}
	return "", fmt.Errorf("clientauth: unsupported client_id form")
}

// didWebMetadataURL implements did:web:<host>[:<segment>...] resolution per
// the did:web method spec: colon-separated path segments after the host are
// percent-decoded and joined with "/".
func didWebMetadataURL(did string) (string, error) {
	rest := strings.TrimPrefix(did, "did:web:")
	if rest == "" {
		return "", fmt.Errorf("clientauth: empty did:web identifier")
	}
	parts := strings.Split(rest, ":")
	host, err := url.QueryUnescape(parts[0])
	if err != nil {
		return "", err
	}
	segments := make([]string, 0, len(parts)-1)
	for _, seg := range parts[1:] {
		decoded, err := url.QueryUnescape(seg)
		if err != nil {
			return "", err
		}
		segments = append(segments, decoded)
	}

	path := wellKnownClientMetadataPath
	if len(segments) > 0 {
		path = "/" + strings.Join(segments, "/") + wellKnownClientMetadataPath
	}
	return "https://" + host + path, nil
}
