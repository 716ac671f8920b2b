package core

import (
	"sync"

	"github.com/covesocial/pds-oauth/internal/oauth/encoding"
)

// nonceIssuer tracks the DPoP nonce currently expected from each client and
// rotates it on every PAR/token response, per RFC 9449 §8's
// server-rotating-nonce recommendation (spec.md §9 Open Question i). This
// is in-process state outside Storage, the same way the teacher's
// middleware/ratelimit.go keeps its windowed counters in a guarded map
// rather than behind the durable-state interface.
type nonceIssuer struct {
	mu      sync.Mutex
	current map[string]string
}

func newNonceIssuer() *nonceIssuer {
	return &nonceIssuer{current: make(map[string]string)}
}

// expected returns the nonce presently required from clientID, or "" if
// none has been issued yet.
func (n *nonceIssuer) expected(clientID string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current[clientID]
}

// rotate mints a fresh nonce for clientID and returns it for the
// DPoP-Nonce response header.
func (n *nonceIssuer) rotate(clientID string) string {
	next, err := encoding.RandomString(24)
	if err != nil {
		// CSPRNG failure is a programmer/environment-level impossible
		// state, not a user-facing error path (spec.md §9).
		panic("core: failed to generate DPoP nonce: " + err.Error())
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.current[clientID] = next
	return next
}
