package core

import (
	"context"

	"github.com/covesocial/pds-oauth/internal/metrics"
)

// RevokeRequest is the revoke endpoint's form body.
type RevokeRequest struct {
	Token string
}

// Revoke implements spec.md §4.F.5: best-effort lookup by either access or
// refresh token, revoking the entire family. Always succeeds from the
// caller's point of view; handlers return HTTP 200 regardless.
func (s *Service) Revoke(ctx context.Context, req RevokeRequest) {
	if req.Token == "" {
		return
	}

	if pair, err := s.Storage.GetTokenByRefresh(ctx, req.Token); err == nil {
		_ = s.Storage.RevokeFamily(ctx, pair.FamilyID)
		metrics.FamiliesRevoked.WithLabelValues("refresh_token").Inc()
		return
	}
	if _, _, _, _, jti, _, err := s.Keys.Verify(req.Token); err == nil {
		if pair, gerr := s.Storage.GetTokenByAccess(ctx, jti); gerr == nil {
			_ = s.Storage.RevokeFamily(ctx, pair.FamilyID)
			metrics.FamiliesRevoked.WithLabelValues("access_token").Inc()
			return
		}
	}
	// Unknown token: nothing to revoke, still a no-op success per
	// spec.md §4.F.5's best-effort semantics.
}
