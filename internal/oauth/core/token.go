package core

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/covesocial/pds-oauth/internal/metrics"
	"github.com/covesocial/pds-oauth/internal/oauth/clientauth"
	"github.com/covesocial/pds-oauth/internal/oauth/dpop"
	"github.com/covesocial/pds-oauth/internal/oauth/encoding"
	"github.com/covesocial/pds-oauth/internal/oauth/pkce"
	"github.com/covesocial/pds-oauth/internal/oauth/storage"
)

const (
	grantAuthorizationCode = "authorization_code"
	grantRefreshToken      = "refresh_token"

	refreshTokenBytes = 32
)

// TokenRequest is the union of both token-endpoint grants' form parameters
// plus the required DPoP header, per spec.md §4.F.3/§4.F.4.
type TokenRequest struct {
	GrantType string

	// authorization_code grant
	Code         string
	RedirectURI  string
	CodeVerifier string

	// refresh_token grant
	RefreshToken string

	ClientID string

	ClientAssertionType string
	ClientAssertion     string

	DPoPHeader string
}

// TokenResponse is the standard OAuth token response, with the DPoP
// extensions spec.md §6 requires.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope,omitempty"`

	DPoPNonce string `json:"-"`
}

// Token dispatches to the grant-specific handler, per spec.md §4.F.3/§4.F.4.
func (s *Service) Token(ctx context.Context, req TokenRequest) (*TokenResponse, *OAuthError) {
	switch req.GrantType {
	case grantAuthorizationCode:
		return s.tokenAuthorizationCode(ctx, req)
	case grantRefreshToken:
		return s.tokenRefresh(ctx, req)
	default:
		return nil, errUnsupportedGrantType(fmt.Sprintf("unsupported grant_type %q", req.GrantType))
	}
}

func (s *Service) verifyTokenEndpointDPoP(ctx context.Context, clientID, header string) (*dpop.Proof, *OAuthError) {
	proof, err := s.DPoP.Verify(ctx, "POST", s.TokenEndpointURL(), header, dpop.Options{
		ExpectedNonce: s.nonces.expected(clientID),
	})
	if err != nil {
		if err == dpop.ErrNonceRequired {
			return nil, errUseDPoPNonceWithFreshNonce(s, clientID)
		}
		return nil, errInvalidDPoPProof("DPoP proof verification failed")
	}
	return proof, nil
}

func (s *Service) tokenAuthorizationCode(ctx context.Context, req TokenRequest) (*TokenResponse, *OAuthError) {
	proof, derr := s.verifyTokenEndpointDPoP(ctx, req.ClientID, req.DPoPHeader)
	if derr != nil {
		return nil, derr
	}

	rec, err := s.Storage.MarkCodeUsed(ctx, req.Code)
	if err != nil {
		if err == storage.ErrReplay && rec != nil && rec.IssuedFamily != "" {
			metrics.ReplaysDetected.WithLabelValues("authorization_code").Inc()
			_ = s.Storage.RevokeFamily(ctx, rec.IssuedFamily)
			metrics.FamiliesRevoked.WithLabelValues("replay").Inc()
		}
		return nil, errInvalidGrant("authorization code is missing, expired, or already used")
	}

	if rec.RedirectURI != req.RedirectURI || rec.ClientID != req.ClientID {
		return nil, errInvalidGrant("redirect_uri or client_id does not match the authorization code")
	}

	md, err := s.Clients.Resolve(ctx, req.ClientID)
	if err != nil {
		return nil, errInvalidClient("client resolution failed")
	}
	if authErr := s.Auth.Authenticate(ctx, md, clientauth.AssertionParams{
		ClientID:            req.ClientID,
		ClientAssertionType: req.ClientAssertionType,
		ClientAssertion:     req.ClientAssertion,
	}); authErr != nil {
		return nil, errInvalidClient("client authentication failed")
	}

	if !pkce.Verify(req.CodeVerifier, rec.CodeChallenge, pkce.MethodS256) {
		return nil, errInvalidGrant("code_verifier does not match code_challenge")
	}

	if rec.DPoPJKT != "" && rec.DPoPJKT != proof.JKT {
		return nil, errInvalidGrant("DPoP key does not match the key committed at authorization time")
	}

	now := s.Clock.Now()
	familyID := uuid.NewString()
	resp, pair, mintErr := s.mintTokenPair(rec.Sub, rec.ClientID, rec.Scope, proof.JKT, familyID, 0, now)
	if mintErr != nil {
		return nil, errInvalidRequest(fmt.Sprintf("failed to mint tokens: %v", mintErr))
	}
	if err := s.Storage.SaveTokens(ctx, pair); err != nil {
		if err != storage.ErrConflict {
			return nil, errInvalidRequest("failed to persist issued tokens")
		}
		// Generated access/refresh values collided with an existing
		// record; mint once more with fresh randomness before giving up,
		// per spec.md §7's storage-atomicity-conflict row.
		resp, pair, mintErr = s.mintTokenPair(rec.Sub, rec.ClientID, rec.Scope, proof.JKT, familyID, 0, now)
		if mintErr != nil {
			return nil, errInvalidRequest(fmt.Sprintf("failed to mint tokens: %v", mintErr))
		}
		if err := s.Storage.SaveTokens(ctx, pair); err != nil {
			return nil, errInvalidRequest("failed to persist issued tokens")
		}
	}

	rec.IssuedFamily = familyID
	if err := s.Storage.SaveAuthCode(ctx, req.Code, rec); err != nil {
		return nil, errInvalidRequest("failed to record token family on the authorization code")
	}

	metrics.TokensIssued.WithLabelValues(grantAuthorizationCode).Inc()
	resp.DPoPNonce = s.nonces.rotate(req.ClientID)
	return resp, nil
}

func (s *Service) tokenRefresh(ctx context.Context, req TokenRequest) (*TokenResponse, *OAuthError) {
	proof, derr := s.verifyTokenEndpointDPoP(ctx, req.ClientID, req.DPoPHeader)
	if derr != nil {
		return nil, derr
	}

	existing, err := s.Storage.GetTokenByRefresh(ctx, req.RefreshToken)
	if err != nil {
		if err == storage.ErrReplay {
			metrics.ReplaysDetected.WithLabelValues("refresh_token").Inc()
		}
		return nil, errInvalidGrant("refresh token is unknown")
	}

	if existing.ClientID != req.ClientID {
		return nil, errInvalidGrant("client_id does not match the token family")
	}

	md, err := s.Clients.Resolve(ctx, req.ClientID)
	if err != nil {
		return nil, errInvalidClient("client resolution failed")
	}
	if authErr := s.Auth.Authenticate(ctx, md, clientauth.AssertionParams{
		ClientID:            req.ClientID,
		ClientAssertionType: req.ClientAssertionType,
		ClientAssertion:     req.ClientAssertion,
	}); authErr != nil {
		return nil, errInvalidClient("client authentication failed")
	}

	if proof.JKT != existing.DPoPJKT {
		return nil, errInvalidGrant("DPoP key does not match this token family")
	}

	old, err := s.Storage.RotateRefresh(ctx, req.RefreshToken)
	if err != nil {
		if err == storage.ErrReplay {
			metrics.ReplaysDetected.WithLabelValues("refresh_token").Inc()
		}
		return nil, errInvalidGrant("refresh token has already been used; its token family has been revoked")
	}

	now := s.Clock.Now()
	resp, pair, mintErr := s.mintTokenPair(old.Sub, old.ClientID, old.Scope, old.DPoPJKT, old.FamilyID, old.Generation+1, now)
	if mintErr != nil {
		return nil, errInvalidRequest(fmt.Sprintf("failed to mint tokens: %v", mintErr))
	}
	if err := s.Storage.SaveTokens(ctx, pair); err != nil {
		if err != storage.ErrConflict {
			return nil, errInvalidRequest("failed to persist rotated tokens")
		}
		// Same recovery as the authorization_code grant above: regenerate
		// and retry once on a colliding access/refresh value.
		resp, pair, mintErr = s.mintTokenPair(old.Sub, old.ClientID, old.Scope, old.DPoPJKT, old.FamilyID, old.Generation+1, now)
		if mintErr != nil {
			return nil, errInvalidRequest(fmt.Sprintf("failed to mint tokens: %v", mintErr))
		}
		if err := s.Storage.SaveTokens(ctx, pair); err != nil {
			return nil, errInvalidRequest("failed to persist rotated tokens")
		}
	}

	metrics.TokensIssued.WithLabelValues(grantRefreshToken).Inc()
	resp.DPoPNonce = s.nonces.rotate(req.ClientID)
	return resp, nil
}

// mintTokenPair signs a new access token and generates a fresh opaque
// refresh token, building the TokenPair record spec.md §3 describes.
func (s *Service) mintTokenPair(sub, clientID, scope, jkt, familyID string, generation int, now time.Time) (*TokenResponse, *storage.TokenPair, error) {
	accessToken, accessJTI, exp, err := s.Keys.Mint(sub, clientID, scope, jkt, now)
	if err != nil {
		return nil, nil, err
	}
	refreshToken, err := encoding.RandomString(refreshTokenBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to mint refresh token: %w", err)
	}

	pair := &storage.TokenPair{
		AccessToken:  accessToken,
		AccessJTI:    accessJTI,
		RefreshToken: refreshToken,
		Sub:          sub,
		ClientID:     clientID,
		Scope:        scope,
		DPoPJKT:      jkt,
		IssuedAt:     now,
		ExpiresAt:    exp,
		FamilyID:     familyID,
		Generation:   generation,
	}

	resp := &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "DPoP",
		ExpiresIn:    int(exp.Sub(now).Seconds()),
		RefreshToken: refreshToken,
		Scope:        scope,
	}
	return resp, pair, nil
}
