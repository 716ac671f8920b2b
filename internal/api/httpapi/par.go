package httpapi

import (
	"net/http"

	"github.com/covesocial/pds-oauth/internal/oauth/core"
)

// PARHandler serves POST /oauth/par, spec.md §4.F.1.
type PARHandler struct {
	svc *core.Service
}

// NewPARHandler creates a new pushed-authorization-request handler.
func NewPARHandler(svc *core.Service) *PARHandler {
	return &PARHandler{svc: svc}
}

// HandlePush implements POST /oauth/par.
func (h *PARHandler) HandlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", ErrorDescription: "malformed form body"})
		return
	}

	req := core.PARRequest{
		ClientID:            r.Form.Get("client_id"),
		RedirectURI:         r.Form.Get("redirect_uri"),
		ResponseType:        r.Form.Get("response_type"),
		CodeChallenge:       r.Form.Get("code_challenge"),
		CodeChallengeMethod: r.Form.Get("code_challenge_method"),
		State:               r.Form.Get("state"),
		Scope:               r.Form.Get("scope"),
		LoginHint:           r.Form.Get("login_hint"),
		ClientAssertionType: r.Form.Get("client_assertion_type"),
		ClientAssertion:     r.Form.Get("client_assertion"),
		DPoPHeader:          r.Header.Get("DPoP"),
	}

	result, oerr := h.svc.PushAuthorizationRequest(r.Context(), req)
	if oerr != nil {
		writeOAuthError(w, r, h.svc, req.ClientID, oerr)
		return
	}

	if result.DPoPNonce != "" {
		w.Header().Set("DPoP-Nonce", result.DPoPNonce)
	}
	writeJSON(w, http.StatusCreated, struct {
		RequestURI string `json:"request_uri"`
		ExpiresIn  int    `json:"expires_in"`
	}{
		RequestURI: result.RequestURI,
		ExpiresIn:  result.ExpiresIn,
	})
}
