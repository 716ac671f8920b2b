package core

import (
	"context"
	"fmt"
	"net/url"

	"github.com/covesocial/pds-oauth/internal/oauth/encoding"
	"github.com/covesocial/pds-oauth/internal/oauth/storage"
)

// codeIDBytes is the entropy behind an authorization code: 32 random bytes
// (256 bits), per spec.md §3's "opaque 256-bit identifier".
const codeIDBytes = 32

// AuthorizeRequest is the authorize endpoint's input: the client_id and
// request_uri from the query string, plus the host's already-decided
// consent outcome (this core renders no UI of its own).
type AuthorizeRequest struct {
	ClientID   string
	RequestURI string
	Approved   bool
	Sub        string // user DID, supplied by the host on approval
	DPoPJKT    string // optional key the client committed to, supplied by the host
}

// AuthorizeResult carries the redirect the caller must issue.
type AuthorizeResult struct {
	RedirectURL string
}

// Authorize implements spec.md §4.F.2.
func (s *Service) Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizeResult, *OAuthError) {
	rec, err := s.Storage.ConsumePAR(ctx, req.RequestURI, req.ClientID)
	if err != nil {
		return nil, errInvalidRequest("request_uri is unknown, expired, or does not match client_id")
	}

	if !req.Approved {
		return &AuthorizeResult{RedirectURL: denyRedirect(rec.RedirectURI, rec.State)}, nil
	}

	code, err := encoding.RandomString(codeIDBytes)
	if err != nil {
		return nil, errInvalidRequest(fmt.Sprintf("failed to mint authorization code: %v", err))
	}

	now := s.Clock.Now()
	authCode := &storage.AuthorizationCode{
		Code:          code,
		ClientID:      rec.ClientID,
		RedirectURI:   rec.RedirectURI,
		CodeChallenge: rec.CodeChallenge,
		Scope:         rec.Scope,
		Sub:           req.Sub,
		DPoPJKT:       req.DPoPJKT,
		ExpiresAt:     now.Add(CodeTTL),
	}
	if err := s.Storage.SaveAuthCode(ctx, code, authCode); err != nil {
		return nil, errInvalidRequest("failed to persist authorization code")
	}

	return &AuthorizeResult{RedirectURL: approveRedirect(rec.RedirectURI, code, rec.State)}, nil
}

func approveRedirect(redirectURI, code, state string) string {
	v := url.Values{}
	v.Set("code", code)
	if state != "" {
		v.Set("state", state)
	}
	return redirectURI + "?" + v.Encode()
}

func denyRedirect(redirectURI, state string) string {
	v := url.Values{}
	v.Set("error", "access_denied")
	if state != "" {
		v.Set("state", state)
	}
	return redirectURI + "?" + v.Encode()
}
