package storage

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Storage implementation used by unit tests and the
// demo server's --memory mode. It follows the same
// mutex-guarded-map-plus-expiry shape as the teacher's rate limiter
// (internal/api/middleware/ratelimit.go), scaled up to the full data model.
type Memory struct {
	mu sync.Mutex

	clients     map[string]*ClientMetadata
	par         map[string]*parEntry
	codes       map[string]*AuthorizationCode
	tokens      map[string]*TokenPair // keyed by refresh token
	byAccess    map[string]*TokenPair // keyed by access JTI
	rotatedAway map[string]string     // old refresh token -> family id, tombstone for replay detection
	nonces      map[string]time.Time  // keyed by jti+"|"+jkt

	now func() time.Time
}

type parEntry struct {
	rec       *PARRecord
	expiresAt time.Time
}

// NewMemory returns an empty in-memory store. nowFn defaults to time.Now
// when nil, letting tests inject a deterministic clock.
func NewMemory(nowFn func() time.Time) *Memory {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Memory{
		clients:     make(map[string]*ClientMetadata),
		par:         make(map[string]*parEntry),
		codes:       make(map[string]*AuthorizationCode),
		tokens:      make(map[string]*TokenPair),
		byAccess:    make(map[string]*TokenPair),
		rotatedAway: make(map[string]string),
		nonces:      make(map[string]time.Time),
		now:         nowFn,
	}
}

func nonceKey(jti, jkt string) string { return jti + "|" + jkt }

func (m *Memory) GetClient(_ context.Context, clientID string) (*ClientMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	md, ok := m.clients[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *md
	return &cp, nil
}

func (m *Memory) SaveClient(_ context.Context, clientID string, md *ClientMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *md
	m.clients[clientID] = &cp
	return nil
}

func (m *Memory) SavePAR(_ context.Context, requestURI string, rec *PARRecord, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.par[requestURI] = &parEntry{rec: &cp, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *Memory) ConsumePAR(_ context.Context, requestURI, clientID string) (*PARRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.par[requestURI]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.par, requestURI)
	if m.now().After(entry.expiresAt) {
		return nil, ErrExpired
	}
	if entry.rec.ClientID != clientID {
		return nil, ErrNotFound
	}
	return entry.rec, nil
}

func (m *Memory) SaveAuthCode(_ context.Context, code string, rec *AuthorizationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.codes[code] = &cp
	return nil
}

// MarkCodeUsed atomically reads and marks a code used. When the code was
// already used, the already-used record is still returned alongside
// ErrReplay so the caller can revoke the family it produced.
func (m *Memory) MarkCodeUsed(_ context.Context, code string) (*AuthorizationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.codes[code]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.Used {
		cp := *rec
		return &cp, ErrReplay
	}
	if m.now().After(rec.ExpiresAt) {
		return nil, ErrExpired
	}
	rec.Used = true
	cp := *rec
	return &cp, nil
}

// SaveTokens persists a freshly minted pair. A pre-existing entry under
// either key means the caller's random generator produced a value already
// in use; that's a conflict, not an overwrite, so the caller can mint
// fresh values and retry once rather than silently clobbering a live
// token.
func (m *Memory) SaveTokens(_ context.Context, pair *TokenPair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tokens[pair.RefreshToken]; exists {
		return ErrConflict
	}
	if _, exists := m.byAccess[pair.AccessJTI]; exists {
		return ErrConflict
	}
	cp := *pair
	m.tokens[pair.RefreshToken] = &cp
	m.byAccess[pair.AccessJTI] = &cp
	return nil
}

func (m *Memory) GetTokenByAccess(_ context.Context, jti string) (*TokenPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pair, ok := m.byAccess[jti]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *pair
	return &cp, nil
}

// GetTokenByRefresh looks up the live pair for a refresh token. A token
// that was already rotated away is a replay: its family is revoked and
// ErrReplay is returned, the same outcome RotateRefresh itself produces if
// the race is hit at the later atomic step instead.
func (m *Memory) GetTokenByRefresh(_ context.Context, refreshToken string) (*TokenPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pair, ok := m.tokens[refreshToken]
	if !ok {
		if familyID, tombstoned := m.rotatedAway[refreshToken]; tombstoned {
			m.revokeFamilyLocked(familyID)
			return nil, ErrReplay
		}
		return nil, ErrNotFound
	}
	cp := *pair
	return &cp, nil
}

// RotateRefresh atomically replaces oldRefreshToken with a freshly minted
// successor in the same family. If oldRefreshToken was already rotated away
// (no longer the live token for its family) the whole family is revoked and
// ErrReplay is returned, per spec.md §3's reuse-triggers-revocation
// invariant.
func (m *Memory) RotateRefresh(_ context.Context, oldRefreshToken string) (*TokenPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.tokens[oldRefreshToken]
	if !ok {
		// Not live: either never existed, or already rotated away. The
		// tombstone distinguishes the two and lets a replay revoke the
		// whole family, per spec.md §3's reuse-triggers-revocation
		// invariant.
		if familyID, tombstoned := m.rotatedAway[oldRefreshToken]; tombstoned {
			m.revokeFamilyLocked(familyID)
			return nil, ErrReplay
		}
		return nil, ErrNotFound
	}

	delete(m.tokens, oldRefreshToken)
	delete(m.byAccess, old.AccessJTI)
	m.rotatedAway[oldRefreshToken] = old.FamilyID

	next := *old
	return &next, nil
}

func (m *Memory) RevokeToken(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pair, ok := m.tokens[token]; ok {
		pair.Revoked = true
		delete(m.tokens, token)
		delete(m.byAccess, pair.AccessJTI)
		return nil
	}
	if pair, ok := m.byAccess[token]; ok {
		pair.Revoked = true
		delete(m.tokens, pair.RefreshToken)
		delete(m.byAccess, token)
		return nil
	}
	return ErrNotFound
}

func (m *Memory) RevokeFamily(_ context.Context, familyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revokeFamilyLocked(familyID)
	return nil
}

func (m *Memory) revokeFamilyLocked(familyID string) {
	for k, t := range m.tokens {
		if t.FamilyID == familyID {
			delete(m.tokens, k)
			delete(m.byAccess, t.AccessJTI)
		}
	}
}

func (m *Memory) CheckAndSaveNonce(_ context.Context, jti, jkt string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := nonceKey(jti, jkt)
	now := m.now()

	if seenAt, ok := m.nonces[key]; ok && now.Sub(seenAt) <= ttl {
		return false, nil
	}
	m.nonces[key] = now
	m.sweepNoncesLocked(now, ttl)
	return true, nil
}

// sweepNoncesLocked drops expired entries so the map doesn't grow without
// bound across a long-running process. Callers already hold m.mu.
func (m *Memory) sweepNoncesLocked(now time.Time, ttl time.Duration) {
	for k, seenAt := range m.nonces {
		if now.Sub(seenAt) > ttl {
			delete(m.nonces, k)
		}
	}
}
