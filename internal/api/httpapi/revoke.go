package httpapi

import (
	"net/http"

	"github.com/covesocial/pds-oauth/internal/oauth/core"
)

// RevokeHandler serves POST /oauth/revoke, spec.md §4.F.5.
type RevokeHandler struct {
	svc *core.Service
}

// NewRevokeHandler creates a new revoke handler.
func NewRevokeHandler(svc *core.Service) *RevokeHandler {
	return &RevokeHandler{svc: svc}
}

// HandleRevoke implements POST /oauth/revoke. Always responds 200, per the
// best-effort semantics spec.md §4.F.5 specifies.
func (h *RevokeHandler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", ErrorDescription: "malformed form body"})
		return
	}

	h.svc.Revoke(r.Context(), core.RevokeRequest{Token: r.Form.Get("token")})
	writeJSON(w, http.StatusOK, struct{}{})
}
