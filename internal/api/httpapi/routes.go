package httpapi

import (
	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/covesocial/pds-oauth/internal/api/middleware"
	"github.com/covesocial/pds-oauth/internal/oauth/core"
)

// RegisterRoutes wires every wire endpoint spec.md §6 names, plus the
// supplemented well-known protected-resource document and the JWKS
// endpoint, onto r. Mirrors the teacher's
// internal/api/routes/oauth.go: a single RegisterRoutes entry point, with
// per-route rate limiters constructed inline the way
// RegisterAggregatorRoutes does for its registration endpoint.
func RegisterRoutes(r chi.Router, svc *core.Service, consent ConsentProvider, loginPath string) {
	par := NewPARHandler(svc)
	authorize := NewAuthorizeHandler(svc, consent, loginPath)
	token := NewTokenHandler(svc)
	revoke := NewRevokeHandler(svc)
	meta := NewMetadataHandler(svc)

	// PAR and token are where replayed DPoP proofs and brute-forced
	// client assertions would show up; each gets its own per-IP token
	// bucket. No other rate limit applies to these routes.
	parLimiter := middleware.NewTokenBucketLimiter(rate.Limit(5), 10)
	tokenLimiter := middleware.NewTokenBucketLimiter(rate.Limit(10), 20)

	r.With(parLimiter.Middleware).Post(core.PAREndpointPath, par.HandlePush)
	r.Get(core.AuthorizeEndpointPath, authorize.HandleAuthorize)
	r.With(tokenLimiter.Middleware).Post(core.TokenEndpointPath, token.HandleToken)
	r.Post(core.RevokeEndpointPath, revoke.HandleRevoke)

	r.Get("/.well-known/oauth-authorization-server", meta.HandleAuthorizationServerMetadata)
	r.Get("/.well-known/oauth-protected-resource", meta.HandleProtectedResourceMetadata)
	r.Get(core.JWKSPath, meta.HandleJWKS)
}
