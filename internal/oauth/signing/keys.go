// Package signing owns the server's access-token signing key and the
// issuance/verification of the `at+jwt` access tokens spec.md §6 defines.
//
// Key loading follows the teacher's env.go convention
// (GetEnvBase64OrPlain: a value is either raw or "base64:"-prefixed) so an
// operator can hand this process a PEM key directly or base64-wrap it for
// a process-manager env file.
package signing

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"

	"github.com/covesocial/pds-oauth/internal/oauth/encoding"
)

const (
	accessTokenType = "at+jwt"
	// AccessTokenLifetime is the fixed access token lifetime from spec.md
	// §3's TokenPair field description.
	AccessTokenLifetime = time.Hour
)

// Keys holds the server's signing identity: its private key, the key ID
// published in JWKS, and the iss/aud strings every token carries.
type Keys struct {
	Private jwk.Key
	Public  jwk.Key
	KeyID   string
	Issuer  string // this PDS's base URL, used as iss and aud
}

// LoadFromEnvValue parses a server signing key from the env.go-style
// value convention: "base64:<b64>" or a raw PEM/JWK string.
func LoadFromEnvValue(value, keyID, issuer string) (*Keys, error) {
	raw, err := decodeEnvValue(value)
	if err != nil {
		return nil, fmt.Errorf("signing: failed to decode key material: %w", err)
	}
	return fromJWKOrPEM(raw, keyID, issuer)
}

// decodeEnvValue mirrors the teacher's GetEnvBase64OrPlain: a
// "base64:"-prefixed value is decoded, anything else is used as-is.
func decodeEnvValue(value string) ([]byte, error) {
	if rest, ok := strings.CutPrefix(value, "base64:"); ok {
		return base64.StdEncoding.DecodeString(rest)
	}
	return []byte(value), nil
}

func fromJWKOrPEM(raw []byte, keyID, issuer string) (*Keys, error) {
	privKey, err := jwk.ParseKey(raw, jwk.WithPEM(looksLikePEM(raw)))
	if err != nil {
		return nil, fmt.Errorf("signing: failed to parse signing key: %w", err)
	}
	if _, ok := privKey.(jwk.ECDSAPrivateKey); !ok {
		return nil, fmt.Errorf("signing: server key must be an ECDSA private key")
	}
	if err := privKey.Set(jwk.KeyIDKey, keyID); err != nil {
		return nil, err
	}
	if err := privKey.Set(jwk.AlgorithmKey, jwa.ES256); err != nil {
		return nil, err
	}

	pubKey, err := jwk.PublicKeyOf(privKey)
	if err != nil {
		return nil, fmt.Errorf("signing: failed to derive public key: %w", err)
	}
	if err := pubKey.Set(jwk.KeyIDKey, keyID); err != nil {
		return nil, err
	}
	if err := pubKey.Set(jwk.AlgorithmKey, jwa.ES256); err != nil {
		return nil, err
	}

	return &Keys{Private: privKey, Public: pubKey, KeyID: keyID, Issuer: issuer}, nil
}

func looksLikePEM(raw []byte) bool {
	return strings.Contains(string(raw), "-----BEGIN")
}

// GenerateEphemeral creates a fresh ES256 key pair, used by the demo
// server and tests when no persistent key is configured.
func GenerateEphemeral(keyID, issuer string) (*Keys, error) {
	raw, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("signing: failed to generate key: %w", err)
	}
	privKey, err := jwk.FromRaw(raw)
	if err != nil {
		return nil, err
	}
	return keysFromPrivate(privKey, keyID, issuer)
}

func keysFromPrivate(privKey jwk.Key, keyID, issuer string) (*Keys, error) {
	if err := privKey.Set(jwk.KeyIDKey, keyID); err != nil {
		return nil, err
	}
	if err := privKey.Set(jwk.AlgorithmKey, jwa.ES256); err != nil {
		return nil, err
	}
	pubKey, err := jwk.PublicKeyOf(privKey)
	if err != nil {
		return nil, err
	}
	if err := pubKey.Set(jwk.KeyIDKey, keyID); err != nil {
		return nil, err
	}
	if err := pubKey.Set(jwk.AlgorithmKey, jwa.ES256); err != nil {
		return nil, err
	}
	return &Keys{Private: privKey, Public: pubKey, KeyID: keyID, Issuer: issuer}, nil
}

// accessTokenClaims is the JWT payload shape from spec.md §6.
type accessTokenClaims struct {
	Iss      string `json:"iss"`
	Sub      string `json:"sub"`
	Aud      string `json:"aud"`
	ClientID string `json:"client_id"`
	Scope    string `json:"scope,omitempty"`
	CNF      cnf    `json:"cnf"`
	JTI      string `json:"jti"`
	IAT      int64  `json:"iat"`
	Exp      int64  `json:"exp"`
}

type cnf struct {
	JKT string `json:"jkt"`
}

// Mint issues a signed access token bound to the given DPoP key
// thumbprint, per spec.md §6's header/payload shape.
func (k *Keys) Mint(sub, clientID, scope, jkt string, now time.Time) (token, jti string, exp time.Time, err error) {
	jti, err = encoding.RandomString(16)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("signing: failed to mint jti: %w", err)
	}
	exp = now.Add(AccessTokenLifetime)

	claims := accessTokenClaims{
		Iss:      k.Issuer,
		Sub:      sub,
		Aud:      k.Issuer,
		ClientID: clientID,
		Scope:    scope,
		CNF:      cnf{JKT: jkt},
		JTI:      jti,
		IAT:      now.Unix(),
		Exp:      exp.Unix(),
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("signing: failed to marshal claims: %w", err)
	}

	hdrs := jws.NewHeaders()
	if err := hdrs.Set(jws.TypeKey, accessTokenType); err != nil {
		return "", "", time.Time{}, err
	}
	if err := hdrs.Set(jws.KeyIDKey, k.KeyID); err != nil {
		return "", "", time.Time{}, err
	}

	signed, err := jws.Sign(payload, jws.WithKey(jwa.ES256, k.Private, jws.WithProtectedHeaders(hdrs)))
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("signing: failed to sign access token: %w", err)
	}
	return string(signed), jti, exp, nil
}

// Verify checks an access token's signature and returns its claims. This
// is the resource-server side of Mint, used by Revoke in core/revoke.go to
// find an access token's jti.
func (k *Keys) Verify(token string) (sub, clientID, scope, jkt, jti string, exp time.Time, err error) {
	payload, verr := jws.Verify([]byte(token), jws.WithKey(jwa.ES256, k.Public))
	if verr != nil {
		return "", "", "", "", "", time.Time{}, fmt.Errorf("signing: invalid access token: %w", verr)
	}
	var claims accessTokenClaims
	if uerr := json.Unmarshal(payload, &claims); uerr != nil {
		return "", "", "", "", "", time.Time{}, fmt.Errorf("signing: malformed access token claims: %w", uerr)
	}
	return claims.Sub, claims.ClientID, claims.Scope, claims.CNF.JKT, claims.JTI, time.Unix(claims.Exp, 0), nil
}
