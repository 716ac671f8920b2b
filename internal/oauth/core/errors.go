// Package core implements the OAuth 2.1 state machine: pushed authorization
// requests, the authorize redirect hand-off, the authorization_code and
// refresh_token token-endpoint grants, and revocation, wired together over
// the DPoP, PKCE, client resolver/authenticator, and signing components.
package core

// OAuthError is the single error shape every handler in this package
// returns, carrying the precise wire code spec.md §7 names. Handlers never
// let a raw internal error reach the wire; everything is mapped here.
type OAuthError struct {
	Code        string
	Description string
}

func (e *OAuthError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

// newErr builds an *OAuthError. Kept as a constructor rather than struct
// literals at every call site so the mapping stays centralized.
func newErr(code, description string) *OAuthError {
	return &OAuthError{Code: code, Description: description}
}

func errInvalidRequest(desc string) *OAuthError          { return newErr("invalid_request", desc) }
func errInvalidClient(desc string) *OAuthError           { return newErr("invalid_client", desc) }
func errInvalidGrant(desc string) *OAuthError            { return newErr("invalid_grant", desc) }
func errInvalidDPoPProof(desc string) *OAuthError        { return newErr("invalid_dpop_proof", desc) }
func errUseDPoPNonce(desc string) *OAuthError            { return newErr("use_dpop_nonce", desc) }
func errUnsupportedResponseType(desc string) *OAuthError { return newErr("unsupported_response_type", desc) }
func errUnsupportedGrantType(desc string) *OAuthError    { return newErr("unsupported_grant_type", desc) }
