// Package httpapi wires internal/oauth/core's state machine to the wire
// endpoints spec.md §6 names, following the teacher's
// internal/api/handlers/<domain> + internal/api/routes/<domain>.go split:
// one handler struct per concern, errors mapped centrally, JSON written
// directly with encoding/json rather than a generic response framework.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/covesocial/pds-oauth/internal/metrics"
	"github.com/covesocial/pds-oauth/internal/oauth/core"
)

// errorResponse is the wire shape every OAuth error takes, per spec.md §7.
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// statusFor maps an OAuthError's wire code to the HTTP status spec.md §7's
// table requires.
func statusFor(code string) int {
	switch code {
	case "invalid_client", "invalid_dpop_proof", "use_dpop_nonce":
		return http.StatusUnauthorized
	default:
		return http.StatusBadRequest
	}
}

// writeOAuthError serializes an *core.OAuthError the way the table in
// spec.md §7 requires, setting DPoP-Nonce on use_dpop_nonce and
// invalid_dpop_proof responses whenever the service holds a current nonce
// for this client; other codes carry no DPoP-Nonce header.
func writeOAuthError(w http.ResponseWriter, r *http.Request, svc *core.Service, clientID string, oerr *core.OAuthError) {
	if oerr.Code == "use_dpop_nonce" || oerr.Code == "invalid_dpop_proof" {
		if nonce := svc.PeekNonce(clientID); nonce != "" {
			w.Header().Set("DPoP-Nonce", nonce)
		}
	}

	slog.Warn("oauth request failed",
		"path", r.URL.Path,
		"client_id", clientID,
		"error_code", oerr.Code,
	)
	metrics.RequestErrors.WithLabelValues(oerr.Code).Inc()

	writeJSON(w, statusFor(oerr.Code), errorResponse{
		Error:            oerr.Code,
		ErrorDescription: oerr.Description,
	})
}

// writeJSON is the one place every handler in this package serializes a
// response body, matching the teacher's handlers
// (internal/api/handlers/community/get.go: Content-Type set explicitly,
// then json.NewEncoder).
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response body", "error", err)
	}
}
