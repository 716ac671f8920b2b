package consent

import (
	"fmt"
	"html/template"
	"net/http"
	"net/url"
)

// Handler serves the placeholder login/consent screen: a form asking for
// the subject DID and an approve/deny choice, standing in for whatever
// real identity check and consent UI a production PDS would run.
type Handler struct {
	provider *SessionProvider
}

// NewHandler creates a new consent handler over provider.
func NewHandler(provider *SessionProvider) *Handler {
	return &Handler{provider: provider}
}

var loginPage = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head><title>Authorize</title></head>
<body>
<h1>Authorize access</h1>
<p>Client: {{.ClientID}}</p>
<form method="POST" action="/login">
  <input type="hidden" name="client_id" value="{{.ClientID}}">
  <input type="hidden" name="request_uri" value="{{.RequestURI}}">
  <input type="hidden" name="dpop_jkt" value="{{.DPoPJKT}}">
  <label>Your DID: <input type="text" name="sub" placeholder="did:plc:..." required></label><br>
  <button type="submit" name="decision" value="approve">Approve</button>
  <button type="submit" name="decision" value="deny">Deny</button>
</form>
</body>
</html>`))

// HandleLogin renders the placeholder consent form.
// GET /login?client_id=...&request_uri=...
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	requestURI := r.URL.Query().Get("request_uri")
	dpopJKT := r.URL.Query().Get("dpop_jkt")
	if clientID == "" || requestURI == "" {
		http.Error(w, "client_id and request_uri are required", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := loginPage.Execute(w, struct{ ClientID, RequestURI, DPoPJKT string }{clientID, requestURI, dpopJKT}); err != nil {
		http.Error(w, "failed to render login page", http.StatusInternalServerError)
	}
}

// HandleDecide records the submitted decision and sends the user back to
// /oauth/authorize to resume the flow.
// POST /login
func (h *Handler) HandleDecide(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return
	}

	clientID := r.Form.Get("client_id")
	requestURI := r.Form.Get("request_uri")
	dpopJKT := r.Form.Get("dpop_jkt")
	sub := r.Form.Get("sub")
	approved := r.Form.Get("decision") == "approve"

	if clientID == "" || requestURI == "" {
		http.Error(w, "client_id and request_uri are required", http.StatusBadRequest)
		return
	}
	if approved && sub == "" {
		http.Error(w, "sub is required to approve", http.StatusBadRequest)
		return
	}

	if err := h.provider.save(w, r, clientID, requestURI, approved, sub, dpopJKT); err != nil {
		http.Error(w, "failed to record consent decision", http.StatusInternalServerError)
		return
	}

	target := fmt.Sprintf("/oauth/authorize?client_id=%s&request_uri=%s",
		url.QueryEscape(clientID), url.QueryEscape(requestURI))
	http.Redirect(w, r, target, http.StatusFound)
}
