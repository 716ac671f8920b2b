package core

// AuthorizationServerMetadata is the RFC 8414 discovery document served at
// /.well-known/oauth-authorization-server, shaped the way
// other_examples' toolhive discovery handler builds its document, adapted
// to the AT Protocol OAuth profile this core implements (PAR required,
// DPoP-bound tokens, S256-only PKCE).
type AuthorizationServerMetadata struct {
	Issuer                                     string   `json:"issuer"`
	AuthorizationEndpoint                      string   `json:"authorization_endpoint"`
	TokenEndpoint                              string   `json:"token_endpoint"`
	PushedAuthorizationRequestEndpoint         string   `json:"pushed_authorization_request_endpoint"`
	RevocationEndpoint                         string   `json:"revocation_endpoint"`
	JWKSURI                                    string   `json:"jwks_uri"`
	ResponseTypesSupported                     []string `json:"response_types_supported"`
	GrantTypesSupported                        []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported              []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported          []string `json:"token_endpoint_auth_methods_supported"`
	TokenEndpointAuthSigningAlgValuesSupported []string `json:"token_endpoint_auth_signing_alg_values_supported"`
	DPoPSigningAlgValuesSupported              []string `json:"dpop_signing_alg_values_supported"`
	RequirePushedAuthorizationRequests         bool     `json:"require_pushed_authorization_requests"`
	ScopesSupported                            []string `json:"scopes_supported"`
}

// Metadata builds the authorization server metadata document for this
// deployment.
func (s *Service) Metadata() *AuthorizationServerMetadata {
	return &AuthorizationServerMetadata{
		Issuer:                                     s.Issuer,
		AuthorizationEndpoint:                      s.Issuer + AuthorizeEndpointPath,
		TokenEndpoint:                              s.TokenEndpointURL(),
		PushedAuthorizationRequestEndpoint:         s.PAREndpointURL(),
		RevocationEndpoint:                         s.Issuer + RevokeEndpointPath,
		JWKSURI:                                    s.Issuer + JWKSPath,
		ResponseTypesSupported:                     []string{"code"},
		GrantTypesSupported:                        []string{grantAuthorizationCode, grantRefreshToken},
		CodeChallengeMethodsSupported:              []string{"S256"},
		TokenEndpointAuthMethodsSupported:          []string{"none", "private_key_jwt"},
		TokenEndpointAuthSigningAlgValuesSupported: []string{"ES256", "ES384", "ES512", "RS256", "RS384", "RS512"},
		DPoPSigningAlgValuesSupported:              []string{"ES256"},
		RequirePushedAuthorizationRequests:         true,
		ScopesSupported:                            []string{"atproto"},
	}
}

// JWKSPath is where this server publishes its signing key's public JWKS.
const JWKSPath = "/oauth/jwks.json"

// ProtectedResourceMetadata is the RFC 9728 document served at
// /.well-known/oauth-protected-resource, a supplemented feature: not named
// in spec.md's wire endpoint table but implied by DPoP resource-server
// practice and present in the teacher's own route table.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
}

// ProtectedResourceMetadata builds the protected-resource metadata
// document pointing back at this authorization server.
func (s *Service) ProtectedResourceMetadata() *ProtectedResourceMetadata {
	return &ProtectedResourceMetadata{
		Resource:               s.Issuer,
		AuthorizationServers:   []string{s.Issuer},
		BearerMethodsSupported: []string{"header"},
	}
}
