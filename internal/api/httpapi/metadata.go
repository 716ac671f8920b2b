package httpapi

import (
	"net/http"

	"github.com/covesocial/pds-oauth/internal/oauth/core"
)

// MetadataHandler serves the discovery documents: authorization server
// metadata (RFC 8414), protected resource metadata (RFC 9728, supplemented
// per SPEC_FULL §12), and the public signing JWKS, in the style of the
// teacher's handlers/oauth/jwks.go and metadata.go.
type MetadataHandler struct {
	svc *core.Service
}

// NewMetadataHandler creates a new metadata handler.
func NewMetadataHandler(svc *core.Service) *MetadataHandler {
	return &MetadataHandler{svc: svc}
}

// HandleAuthorizationServerMetadata implements
// GET /.well-known/oauth-authorization-server.
func (h *MetadataHandler) HandleAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Metadata())
}

// HandleProtectedResourceMetadata implements
// GET /.well-known/oauth-protected-resource.
func (h *MetadataHandler) HandleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.ProtectedResourceMetadata())
}

// HandleJWKS implements GET /oauth/jwks.json.
func (h *MetadataHandler) HandleJWKS(w http.ResponseWriter, r *http.Request) {
	jwks, err := h.svc.Keys.PublicJWKS()
	if err != nil {
		http.Error(w, "Failed to build JWKS", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(jwks)
}
