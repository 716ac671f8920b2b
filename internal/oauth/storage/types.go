// Package storage defines the durable state every OAuth core component reads
// and writes through, and the data model it persists. Two implementations
// are provided: an in-memory double for tests (memory.go) and a Postgres
// implementation grounded on the teacher's oauth store (postgres.go).
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by Storage implementations. Callers branch on
// these rather than parsing driver-specific error strings, the way the
// teacher's store.go exposes ErrSessionNotFound / ErrAuthRequestNotFound.
var (
	ErrNotFound = errors.New("storage: record not found")
	ErrReplay   = errors.New("storage: record already consumed")
	ErrExpired  = errors.New("storage: record expired")
	// ErrConflict is returned when a write collides with an existing row
	// it did not expect to find (e.g. a generated token value that
	// happens to already be in use). Callers that minted the values
	// themselves get exactly one retry with freshly generated values,
	// per spec.md §7's storage-atomicity-conflict row.
	ErrConflict = errors.New("storage: write conflicts with an existing record")
)

// JWKSet is an inline JSON Web Key Set, carried as raw JSON so that the
// storage package has no JOSE library dependency of its own; the signing
// and clientauth packages parse it with jwx.
type JWKSet = []byte

// ClientMetadata is the trust anchor for an OAuth client, fetched from an
// HTTPS URL or did:web document and cached with a TTL.
type ClientMetadata struct {
	ClientID                string
	RedirectURIs            []string
	ClientName              string
	LogoURI                 string
	ClientURI               string
	TokenEndpointAuthMethod string // "none" or "private_key_jwt"
	JWKS                    JWKSet // inline key set, mutually exclusive with JWKSURI
	JWKSURI                 string
	CachedAt                time.Time
}

// Stale reports whether this cache entry should be treated as a miss: a
// missing TokenEndpointAuthMethod means the entry predates a schema change
// or was cached from a partial fetch, per spec.md §3's cache-miss rule.
func (c *ClientMetadata) Stale(now time.Time, ttl time.Duration) bool {
	if c == nil {
		return true
	}
	if c.TokenEndpointAuthMethod == "" {
		return true
	}
	return now.Sub(c.CachedAt) > ttl
}

// PARRecord holds parameters pushed to the pushed-authorization-request
// endpoint before the user is redirected to the authorize endpoint.
type PARRecord struct {
	RequestURI          string
	ClientID            string
	RedirectURI         string
	ResponseType        string
	CodeChallenge       string
	CodeChallengeMethod string
	State               string
	Scope               string
	LoginHint           string
	ExpiresAt           time.Time
}

// AuthorizationCode is a short-lived handle binding a user's consent to a
// client, exchanged exactly once at the token endpoint.
type AuthorizationCode struct {
	Code          string
	ClientID      string
	RedirectURI   string
	CodeChallenge string
	Scope         string
	Sub           string // user DID
	DPoPJKT       string // optional DPoP key thumbprint committed at authorize time
	ExpiresAt     time.Time
	Used          bool
	IssuedFamily  string // family id of the TokenPair this code produced, set after issuance
}

// TokenPair is an issued access/refresh token pair, part of a rotation
// family.
type TokenPair struct {
	AccessToken  string
	AccessJTI    string
	RefreshToken string
	Sub          string
	ClientID     string
	Scope        string
	DPoPJKT      string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	FamilyID     string
	Generation   int
	Revoked      bool
}

// Storage is the durable-state interface every core operation depends on.
// Implementations must linearize CheckAndSaveNonce, RotateRefresh, and
// MarkCodeUsed per key: these are compare-and-swap primitives the replay
// guarantees in spec.md §5 depend on.
type Storage interface {
	GetClient(ctx context.Context, clientID string) (*ClientMetadata, error)
	SaveClient(ctx context.Context, clientID string, md *ClientMetadata) error

	SavePAR(ctx context.Context, requestURI string, rec *PARRecord, ttl time.Duration) error
	ConsumePAR(ctx context.Context, requestURI, clientID string) (*PARRecord, error)

	SaveAuthCode(ctx context.Context, code string, rec *AuthorizationCode) error
	// MarkCodeUsed atomically reads and marks a code used. On replay
	// (already used) it still returns the stored record alongside
	// ErrReplay so the caller can revoke the family the code produced.
	MarkCodeUsed(ctx context.Context, code string) (*AuthorizationCode, error)

	SaveTokens(ctx context.Context, pair *TokenPair) error
	GetTokenByAccess(ctx context.Context, jti string) (*TokenPair, error)
	GetTokenByRefresh(ctx context.Context, refreshToken string) (*TokenPair, error)
	RotateRefresh(ctx context.Context, oldRefreshToken string) (*TokenPair, error)

	RevokeToken(ctx context.Context, token string) error
	RevokeFamily(ctx context.Context, familyID string) error

	CheckAndSaveNonce(ctx context.Context, jti, jkt string, ttl time.Duration) (fresh bool, err error)
}
