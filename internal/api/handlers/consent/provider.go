// Package consent implements the demo server's placeholder login/consent
// screen: a single minimal HTML form, not a design system, per SPEC_FULL
// §13's Non-goals. It carries the pending PAR reference across the
// consent redirect using gorilla/sessions, the same cookie mechanics as
// the teacher's internal/api/handlers/oauth/cookie.go.
package consent

import (
	"net/http"

	"github.com/gorilla/sessions"
)

const sessionName = "pds-oauth-consent"

// SessionProvider implements httpapi.ConsentProvider on top of a gorilla
// session cookie: HandleDecide stores the user's decision keyed by
// client_id+request_uri, and Resolve reads it back for the matching pair.
// A decision is single-use: Resolve expires the cookie immediately after a
// matching read, so refreshing /oauth/authorize after an error can't replay
// a stale consent.
type SessionProvider struct {
	store *sessions.CookieStore
}

// NewSessionProvider wraps a cookie store whose secret is at least 32
// bytes, the same minimum the teacher's InitCookieStore enforces.
func NewSessionProvider(secret []byte) *SessionProvider {
	return &SessionProvider{store: sessions.NewCookieStore(secret)}
}

func (p *SessionProvider) Resolve(w http.ResponseWriter, r *http.Request, clientID, requestURI string) (approved bool, sub, dpopJKT string, ok bool, err error) {
	sess, err := p.store.Get(r, sessionName)
	if err != nil {
		return false, "", "", false, err
	}

	storedClient, _ := sess.Values["client_id"].(string)
	storedRequestURI, _ := sess.Values["request_uri"].(string)
	if storedClient == "" || storedClient != clientID || storedRequestURI != requestURI {
		return false, "", "", false, nil
	}

	approved, _ = sess.Values["approved"].(bool)
	sub, _ = sess.Values["sub"].(string)
	dpopJKT, _ = sess.Values["dpop_jkt"].(string)

	// Expire the cookie and drop its values now that its decision has been
	// read, so a second GET /oauth/authorize with the cookie just written
	// finds nothing and falls through to the login redirect instead of
	// replaying this decision.
	for k := range sess.Values {
		delete(sess.Values, k)
	}
	sess.Options = &sessions.Options{Path: "/", MaxAge: -1}
	if saveErr := p.store.Save(r, w, sess); saveErr != nil {
		return false, "", "", false, saveErr
	}

	return approved, sub, dpopJKT, true, nil
}

// save records a consent decision against a response, to be redeemed by
// Resolve on the follow-up /oauth/authorize request.
func (p *SessionProvider) save(w http.ResponseWriter, r *http.Request, clientID, requestURI string, approved bool, sub, dpopJKT string) error {
	// gorilla/sessions returns a usable empty session even when decoding
	// the existing cookie fails (e.g. the secret rotated), so a decode
	// error here isn't fatal to starting a fresh consent decision.
	sess, _ := p.store.Get(r, sessionName)
	sess.Values["client_id"] = clientID
	sess.Values["request_uri"] = requestURI
	sess.Values["approved"] = approved
	sess.Values["sub"] = sub
	sess.Values["dpop_jkt"] = dpopJKT
	sess.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   300,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}
	return p.store.Save(r, w, sess)
}
