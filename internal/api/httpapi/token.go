package httpapi

import (
	"net/http"

	"github.com/covesocial/pds-oauth/internal/oauth/core"
)

// TokenHandler serves POST /oauth/token, spec.md §4.F.3/§4.F.4.
type TokenHandler struct {
	svc *core.Service
}

// NewTokenHandler creates a new token-endpoint handler.
func NewTokenHandler(svc *core.Service) *TokenHandler {
	return &TokenHandler{svc: svc}
}

// HandleToken implements POST /oauth/token.
func (h *TokenHandler) HandleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", ErrorDescription: "malformed form body"})
		return
	}

	req := core.TokenRequest{
		GrantType:           r.Form.Get("grant_type"),
		Code:                r.Form.Get("code"),
		RedirectURI:         r.Form.Get("redirect_uri"),
		CodeVerifier:        r.Form.Get("code_verifier"),
		RefreshToken:        r.Form.Get("refresh_token"),
		ClientID:            r.Form.Get("client_id"),
		ClientAssertionType: r.Form.Get("client_assertion_type"),
		ClientAssertion:     r.Form.Get("client_assertion"),
		DPoPHeader:          r.Header.Get("DPoP"),
	}

	resp, oerr := h.svc.Token(r.Context(), req)
	if oerr != nil {
		writeOAuthError(w, r, h.svc, req.ClientID, oerr)
		return
	}

	if resp.DPoPNonce != "" {
		w.Header().Set("DPoP-Nonce", resp.DPoPNonce)
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, resp)
}
