package httpapi

import (
	"net/http"
	"net/url"

	"github.com/covesocial/pds-oauth/internal/oauth/core"
)

// ConsentProvider supplies the host's user-consent outcome for a pending
// PAR, per spec.md §4.F.2 ("plus the host's user-consent outcome"). The
// core state machine only consumes a decision; obtaining one (login,
// rendering a consent screen, remembering a prior grant) is host policy —
// cmd/oauthd's implementation carries the pending request across a
// consent redirect using gorilla/sessions, the same cookie mechanics as
// the teacher's oauth cookie handling.
type ConsentProvider interface {
	// Resolve returns ok=false when no decision exists yet for this
	// request, in which case the handler redirects to LoginPath so the
	// host can collect one and send the user back. dpopJKT is the key
	// thumbprint the client asked to pre-commit to, carried through the
	// consent round trip since it originates on the initial
	// /oauth/authorize request rather than from the core itself. Resolve
	// also clears the decision it returns so a replayed GET can't reuse it.
	Resolve(w http.ResponseWriter, r *http.Request, clientID, requestURI string) (approved bool, sub, dpopJKT string, ok bool, err error)
}

// AuthorizeHandler serves GET /oauth/authorize, spec.md §4.F.2.
type AuthorizeHandler struct {
	svc       *core.Service
	consent   ConsentProvider
	loginPath string
}

// NewAuthorizeHandler creates a new authorize handler. loginPath is where
// the user is sent when no consent decision exists yet; it receives
// client_id and request_uri as query parameters.
func NewAuthorizeHandler(svc *core.Service, consent ConsentProvider, loginPath string) *AuthorizeHandler {
	return &AuthorizeHandler{svc: svc, consent: consent, loginPath: loginPath}
}

// HandleAuthorize implements GET /oauth/authorize.
func (h *AuthorizeHandler) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientID := r.URL.Query().Get("client_id")
	requestURI := r.URL.Query().Get("request_uri")
	dpopJKT := r.URL.Query().Get("dpop_jkt")
	if clientID == "" || requestURI == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:            "invalid_request",
			ErrorDescription: "client_id and request_uri are required",
		})
		return
	}

	approved, sub, resolvedJKT, ok, err := h.consent.Resolve(w, r, clientID, requestURI)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", ErrorDescription: "failed to resolve consent"})
		return
	}
	if !ok {
		redirectToLogin(w, r, h.loginPath, clientID, requestURI, dpopJKT)
		return
	}

	result, oerr := h.svc.Authorize(r.Context(), core.AuthorizeRequest{
		ClientID:   clientID,
		RequestURI: requestURI,
		Approved:   approved,
		Sub:        sub,
		DPoPJKT:    resolvedJKT,
	})
	if oerr != nil {
		writeOAuthError(w, r, h.svc, clientID, oerr)
		return
	}

	http.Redirect(w, r, result.RedirectURL, http.StatusFound)
}

func redirectToLogin(w http.ResponseWriter, r *http.Request, loginPath, clientID, requestURI, dpopJKT string) {
	target := loginPath + "?client_id=" + url.QueryEscape(clientID) + "&request_uri=" + url.QueryEscape(requestURI)
	if dpopJKT != "" {
		target += "&dpop_jkt=" + url.QueryEscape(dpopJKT)
	}
	http.Redirect(w, r, target, http.StatusFound)
}
