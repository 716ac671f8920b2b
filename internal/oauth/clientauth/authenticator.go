package clientauth

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"

	"github.com/covesocial/pds-oauth/internal/clock"
	"github.com/covesocial/pds-oauth/internal/oauth/storage"
)

const clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// defaultIatWindow is the assertion freshness window from spec.md §4.E
// step 6.
const defaultIatWindow = 5 * time.Minute

var allowedAssertionAlgorithms = map[jwa.SignatureAlgorithm]bool{
	jwa.ES256: true, jwa.ES384: true, jwa.ES512: true,
	jwa.RS256: true, jwa.RS384: true, jwa.RS512: true,
	jwa.PS256: true, jwa.PS384: true, jwa.PS512: true,
}

// AssertionParams is the subset of token/PAR request parameters relevant to
// client authentication.
type AssertionParams struct {
	ClientID            string
	ClientAssertionType string
	ClientAssertion     string
}

type assertionClaims struct {
	Iss string `json:"iss"`
	Sub string `json:"sub"`
	Aud string `json:"aud"`
	JTI string `json:"jti"`
	IAT int64  `json:"iat"`
	Exp int64  `json:"exp"`
}

// Authenticator validates client credentials at the PAR and token
// endpoints per spec.md §4.E.
type Authenticator struct {
	Storage          storage.Storage
	Clock            clock.Clock
	TokenEndpointURL string
}

// NewAuthenticator returns an Authenticator bound to this server's token
// endpoint URL, used as the required "aud" of every client assertion.
func NewAuthenticator(store storage.Storage, c clock.Clock, tokenEndpointURL string) *Authenticator {
	return &Authenticator{Storage: store, Clock: c, TokenEndpointURL: tokenEndpointURL}
}

// Authenticate validates the request against the client's declared
// token_endpoint_auth_method. Every failure is ErrInvalidClient per
// spec.md §4.E.
func (a *Authenticator) Authenticate(ctx context.Context, md *storage.ClientMetadata, params AssertionParams) error {
	switch md.TokenEndpointAuthMethod {
	case "none":
		if params.ClientAssertion != "" || params.ClientAssertionType != "" {
			return ErrInvalidClient
		}
		return nil
	case "private_key_jwt":
		return a.authenticatePrivateKeyJWT(ctx, md, params)
	default:
		return ErrInvalidClient
	}
}

func (a *Authenticator) authenticatePrivateKeyJWT(ctx context.Context, md *storage.ClientMetadata, params AssertionParams) error {
	if params.ClientAssertionType != clientAssertionType || params.ClientAssertion == "" {
		return ErrInvalidClient
	}

	keySet, err := a.resolveJWKS(ctx, md)
	if err != nil {
		return ErrInvalidClient
	}

	msg, err := jws.Parse([]byte(params.ClientAssertion))
	if err != nil || len(msg.Signatures()) != 1 {
		return ErrInvalidClient
	}
	hdrs := msg.Signatures()[0].ProtectedHeaders()

	alg := hdrs.Algorithm()
	if !allowedAssertionAlgorithms[alg] {
		return ErrInvalidClient
	}

	key, err := selectKey(keySet, hdrs.KeyID(), alg)
	if err != nil {
		return ErrInvalidClient
	}

	payload, err := jws.Verify([]byte(params.ClientAssertion), jws.WithKey(alg, key))
	if err != nil {
		return ErrInvalidClient
	}

	var claims assertionClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return ErrInvalidClient
	}

	if claims.Iss != md.ClientID || claims.Sub != md.ClientID {
		return ErrInvalidClient
	}
	if claims.Aud != a.TokenEndpointURL {
		return ErrInvalidClient
	}

	now := a.Clock.Now()
	if claims.Exp == 0 || time.Unix(claims.Exp, 0).Before(now) {
		return ErrInvalidClient
	}
	iat := time.Unix(claims.IAT, 0)
	if iat.Before(now.Add(-defaultIatWindow)) || iat.After(now.Add(defaultIatWindow)) {
		return ErrInvalidClient
	}
	if claims.JTI == "" {
		return ErrInvalidClient
	}

	ttl := time.Unix(claims.Exp, 0).Sub(iat)
	if ttl <= 0 {
		ttl = defaultIatWindow
	}
	fresh, err := a.Storage.CheckAndSaveNonce(ctx, claims.JTI, "client_assertion:"+md.ClientID, ttl)
	if err != nil {
		return fmt.Errorf("clientauth: assertion replay check failed: %w", err)
	}
	if !fresh {
		return ErrInvalidClient
	}

	return nil
}

// resolveJWKS returns the client's key set, fetching jwks_uri if the
// metadata only carries a reference.
func (a *Authenticator) resolveJWKS(ctx context.Context, md *storage.ClientMetadata) (jwk.Set, error) {
	if len(md.JWKS) > 0 {
		return jwk.Parse(md.JWKS)
	}
	if md.JWKSURI != "" {
		return jwk.Fetch(ctx, md.JWKSURI)
	}
	return nil, fmt.Errorf("clientauth: client has no jwks or jwks_uri")
}

// selectKey implements spec.md §4.E step 1: select by kid when present,
// else by alg.
func selectKey(set jwk.Set, kid string, alg jwa.SignatureAlgorithm) (jwk.Key, error) {
	if kid != "" {
		if key, ok := set.LookupKeyID(kid); ok {
			return key, nil
		}
		return nil, fmt.Errorf("clientauth: no key with kid %q", kid)
	}
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		if key.Algorithm().String() == alg.String() {
			return key, nil
		}
	}
	return nil, fmt.Errorf("clientauth: no key for alg %q", alg)
}
