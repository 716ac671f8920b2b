package core

import (
	"context"
	"fmt"

	"github.com/covesocial/pds-oauth/internal/oauth/clientauth"
	"github.com/covesocial/pds-oauth/internal/oauth/dpop"
	"github.com/covesocial/pds-oauth/internal/oauth/encoding"
	"github.com/covesocial/pds-oauth/internal/oauth/pkce"
	"github.com/covesocial/pds-oauth/internal/oauth/storage"
)

const requestURIPrefix = "urn:ietf:params:oauth:request_uri:"

// PARRequest is the parsed body of a pushed authorization request, per
// spec.md §4.F.1.
type PARRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	CodeChallenge       string
	CodeChallengeMethod string
	State               string
	Scope               string
	LoginHint           string

	ClientAssertionType string
	ClientAssertion     string

	// DPoPHeader is optional at PAR time: spec.md §3's PARRecord carries
	// no dpop_jkt field, so a proof here only serves nonce bootstrapping,
	// never key binding.
	DPoPHeader string
}

// PARResult is returned to the caller on success.
type PARResult struct {
	RequestURI string
	ExpiresIn  int
	DPoPNonce  string
}

// PushAuthorizationRequest implements spec.md §4.F.1.
func (s *Service) PushAuthorizationRequest(ctx context.Context, req PARRequest) (*PARResult, *OAuthError) {
	md, err := s.Clients.Resolve(ctx, req.ClientID)
	if err != nil {
		return nil, errInvalidClient("client resolution failed")
	}

	if !containsString(md.RedirectURIs, req.RedirectURI) {
		return nil, errInvalidRequest("redirect_uri is not registered for this client")
	}

	if authErr := s.Auth.Authenticate(ctx, md, clientauth.AssertionParams{
		ClientID:            req.ClientID,
		ClientAssertionType: req.ClientAssertionType,
		ClientAssertion:     req.ClientAssertion,
	}); authErr != nil {
		return nil, errInvalidClient("client authentication failed")
	}

	if req.ResponseType != "code" {
		return nil, errUnsupportedResponseType("only response_type=code is supported")
	}
	if req.CodeChallengeMethod != pkce.MethodS256 {
		return nil, errInvalidRequest("code_challenge_method must be S256")
	}
	if req.CodeChallenge == "" {
		return nil, errInvalidRequest("code_challenge is required")
	}

	nonce := s.nonces.expected(req.ClientID)
	if req.DPoPHeader != "" {
		_, verr := s.DPoP.Verify(ctx, "POST", s.PAREndpointURL(), req.DPoPHeader, dpop.Options{
			ExpectedNonce: nonce,
		})
		if verr != nil {
			if verr == dpop.ErrNonceRequired {
				return nil, errUseDPoPNonceWithFreshNonce(s, req.ClientID)
			}
			return nil, errInvalidDPoPProof("DPoP proof verification failed")
		}
	}

	requestID, err := encoding.RandomString(12)
	if err != nil {
		return nil, errInvalidRequest(fmt.Sprintf("failed to mint request_uri: %v", err))
	}
	requestURI := requestURIPrefix + requestID

	now := s.Clock.Now()
	rec := &storage.PARRecord{
		RequestURI:          requestURI,
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		ResponseType:        req.ResponseType,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		State:               req.State,
		Scope:               req.Scope,
		LoginHint:           req.LoginHint,
		ExpiresAt:           now.Add(PARTTL),
	}
	if err := s.Storage.SavePAR(ctx, requestURI, rec, PARTTL); err != nil {
		return nil, errInvalidRequest("failed to persist pushed authorization request")
	}

	return &PARResult{
		RequestURI: requestURI,
		ExpiresIn:  int(PARTTL.Seconds()),
		DPoPNonce:  s.nonces.rotate(req.ClientID),
	}, nil
}

// errUseDPoPNonceWithFreshNonce rotates the nonce before returning
// use_dpop_nonce so the caller always has a nonce to retry with. Handlers
// read it back off s.nonces via PeekNonce.
func errUseDPoPNonceWithFreshNonce(s *Service, clientID string) *OAuthError {
	s.nonces.rotate(clientID)
	return errUseDPoPNonce("a fresh DPoP-Nonce is required; retry with the nonce in this response")
}

// PeekNonce returns the nonce currently expected from clientID, for
// handlers that need to set the DPoP-Nonce header after an error.
func (s *Service) PeekNonce(clientID string) string {
	return s.nonces.expected(clientID)
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
