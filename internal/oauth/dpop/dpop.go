// Package dpop verifies RFC 9449 DPoP proofs: compact JWS objects a client
// signs with a key it holds, binding a single HTTP request (and optionally
// an access token) to that key.
//
// Proof construction lives in the teacher's atproto/oauth/dpop.go (a client
// building proofs to call someone else's PDS); this package is the other
// half that teacher code never needed — verifying proofs presented by a
// caller — built with the same jwx/v2 stack the teacher signs with.
package dpop

import (
	"context"
	"crypto"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"

	"github.com/covesocial/pds-oauth/internal/clock"
	"github.com/covesocial/pds-oauth/internal/oauth/encoding"
	"github.com/covesocial/pds-oauth/internal/oauth/storage"
)

const (
	// TypeHeader is the required JOSE "typ" value for a DPoP proof.
	TypeHeader = "dpop+jwt"

	// defaultMaxTokenAge bounds how old a proof's iat may be.
	defaultMaxTokenAge = 60 * time.Second

	// clockTolerance is the slack applied on both sides of the iat window.
	clockTolerance = 10 * time.Second
)

// Sentinel errors. Handlers map these to the wire error codes in spec.md
// §4.F's failure table ("invalid_dpop_proof" / "use_dpop_nonce").
var (
	ErrInvalidProof  = fmt.Errorf("dpop: invalid proof")
	ErrNonceRequired = fmt.Errorf("dpop: nonce mismatch or missing")
)

// DefaultAllowedAlgorithms is the allowed signature algorithm set when the
// caller does not override it.
var DefaultAllowedAlgorithms = []jwa.SignatureAlgorithm{jwa.ES256}

// allAllowedAlgorithms is the full set this verifier knows how to check,
// per spec.md §4.C: "ES256, ES384, ES512, RS256, RS384, RS512".
var allAllowedAlgorithms = map[jwa.SignatureAlgorithm]bool{
	jwa.ES256: true, jwa.ES384: true, jwa.ES512: true,
	jwa.RS256: true, jwa.RS384: true, jwa.RS512: true,
}

// Options configures a single proof verification per spec.md §4.C.
type Options struct {
	AllowedAlgorithms []jwa.SignatureAlgorithm
	AccessToken       string // when set, ath is required and checked
	ExpectedNonce     string // when set, nonce must match exactly
	MaxTokenAge       time.Duration
}

// Proof is the immutable result of a successful verification.
type Proof struct {
	HTM string
	HTU string
	JTI string
	ATH string
	JKT string
	JWK jwk.Key
}

type claims struct {
	JTI   string `json:"jti"`
	HTM   string `json:"htm"`
	HTU   string `json:"htu"`
	IAT   int64  `json:"iat"`
	Nonce string `json:"nonce,omitempty"`
	ATH   string `json:"ath,omitempty"`
}

// Verifier checks DPoP proofs against request context and replay state.
type Verifier struct {
	Storage storage.Storage
	Clock   clock.Clock
}

// New returns a Verifier backed by the given storage and clock.
func New(store storage.Storage, c clock.Clock) *Verifier {
	return &Verifier{Storage: store, Clock: c}
}

// Verify checks the compact-JWS DPoP header against method and uri for the
// current request, per the validation order in spec.md §4.C.
func (v *Verifier) Verify(ctx context.Context, method, uri, header string, opts Options) (*Proof, error) {
	if header == "" {
		return nil, ErrInvalidProof
	}
	allowed := opts.AllowedAlgorithms
	if len(allowed) == 0 {
		allowed = DefaultAllowedAlgorithms
	}
	maxAge := opts.MaxTokenAge
	if maxAge == 0 {
		maxAge = defaultMaxTokenAge
	}

	msg, err := jws.Parse([]byte(header))
	if err != nil {
		return nil, ErrInvalidProof
	}
	sigs := msg.Signatures()
	if len(sigs) != 1 {
		return nil, ErrInvalidProof
	}
	hdrs := sigs[0].ProtectedHeaders()

	if hdrs.Type() != TypeHeader {
		return nil, ErrInvalidProof
	}

	alg := hdrs.Algorithm()
	if !allAllowedAlgorithms[alg] || !algAllowed(alg, allowed) {
		return nil, ErrInvalidProof
	}

	key := hdrs.JWK()
	if key == nil {
		return nil, ErrInvalidProof
	}
	if isPrivateKey(key) {
		return nil, ErrInvalidProof
	}

	payload, err := jws.Verify([]byte(header), jws.WithKey(alg, key))
	if err != nil {
		return nil, ErrInvalidProof
	}

	var c claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, ErrInvalidProof
	}

	now := v.Clock.Now()
	iat := time.Unix(c.IAT, 0)
	earliest := now.Add(-maxAge - clockTolerance)
	latest := now.Add(clockTolerance)
	if iat.Before(earliest) || iat.After(latest) {
		return nil, ErrInvalidProof
	}

	if c.JTI == "" || c.HTM == "" || c.HTU == "" {
		return nil, ErrInvalidProof
	}
	if c.HTM != method {
		return nil, ErrInvalidProof
	}

	canonical, err := CanonicalizeHTU(c.HTU)
	if err != nil {
		return nil, ErrInvalidProof
	}
	wantCanonical, err := CanonicalizeHTU(uri)
	if err != nil {
		return nil, ErrInvalidProof
	}
	if canonical != wantCanonical {
		return nil, ErrInvalidProof
	}

	if opts.ExpectedNonce != "" && !encoding.ConstantTimeEqual(c.Nonce, opts.ExpectedNonce) {
		return nil, ErrNonceRequired
	}

	if opts.AccessToken != "" {
		want := ath(opts.AccessToken)
		if c.ATH == "" || !encoding.ConstantTimeEqual(c.ATH, want) {
			return nil, ErrInvalidProof
		}
	} else if c.ATH != "" {
		return nil, ErrInvalidProof
	}

	jkt, err := Thumbprint(key)
	if err != nil {
		return nil, ErrInvalidProof
	}

	fresh, err := v.Storage.CheckAndSaveNonce(ctx, c.JTI, jkt, maxAge+clockTolerance)
	if err != nil {
		return nil, fmt.Errorf("dpop: replay check failed: %w", err)
	}
	if !fresh {
		return nil, ErrInvalidProof
	}

	return &Proof{
		HTM: c.HTM,
		HTU: c.HTU,
		JTI: c.JTI,
		ATH: c.ATH,
		JKT: jkt,
		JWK: key,
	}, nil
}

// Thumbprint computes base64url(SHA256(canonical JWK)) per RFC 7638.
func Thumbprint(key jwk.Key) (string, error) {
	sum, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("dpop: thumbprint: %w", err)
	}
	return encoding.Base64URL(sum), nil
}

// ath computes the DPoP "ath" claim value for an access token.
func ath(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return encoding.Base64URL(sum[:])
}

func algAllowed(alg jwa.SignatureAlgorithm, allowed []jwa.SignatureAlgorithm) bool {
	for _, a := range allowed {
		if a == alg {
			return true
		}
	}
	return false
}

// isPrivateKey rejects an embedded JWK carrying private material; a DPoP
// proof's "jwk" header must be the verification (public) key only.
func isPrivateKey(key jwk.Key) bool {
	switch key.(type) {
	case jwk.ECDSAPrivateKey, jwk.RSAPrivateKey, jwk.OKPPrivateKey, jwk.SymmetricKey:
		return true
	default:
		return false
	}
}
