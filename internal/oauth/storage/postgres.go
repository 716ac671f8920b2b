package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// Postgres is the durable Storage implementation, grounded on the
// teacher's PostgresOAuthStore (internal/atproto/oauth/store.go): a thin
// wrapper over *sql.DB, sentinel errors mapped from sql.ErrNoRows,
// fmt.Errorf wrapping for everything else, pq.StringArray/pq.Array for the
// one array-typed column this schema needs.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an already-opened, already-migrated *sql.DB.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// transientConflict reports whether err is a Postgres error class that a
// bare retry of the same statement can plausibly clear: a serialization
// failure or deadlock from concurrent writers, not a real data conflict.
func transientConflict(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code {
	case "40001", "40P01": // serialization_failure, deadlock_detected
		return true
	}
	return false
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation, i.e. a generated value collided with one already stored.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// execWithConflictRetry runs write once and, if it fails with a transient
// atomicity conflict (serialization failure or deadlock), retries it
// exactly once before giving up, per spec.md §7's storage-atomicity-
// conflict row.
func execWithConflictRetry(write func() error) error {
	err := write()
	if err != nil && transientConflict(err) {
		err = write()
	}
	return err
}

func (p *Postgres) GetClient(ctx context.Context, clientID string) (*ClientMetadata, error) {
	const query = `
		SELECT client_id, redirect_uris, client_name, logo_uri, client_uri,
		       token_endpoint_auth_method, jwks, jwks_uri, cached_at
		FROM oauth_clients
		WHERE client_id = $1
	`
	var md ClientMetadata
	var redirectURIs pq.StringArray
	var clientName, logoURI, clientURI, jwksURI sql.NullString
	var jwks []byte

	err := p.db.QueryRowContext(ctx, query, clientID).Scan(
		&md.ClientID, &redirectURIs, &clientName, &logoURI, &clientURI,
		&md.TokenEndpointAuthMethod, &jwks, &jwksURI, &md.CachedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get client: %w", err)
	}

	md.RedirectURIs = redirectURIs
	md.ClientName = clientName.String
	md.LogoURI = logoURI.String
	md.ClientURI = clientURI.String
	md.JWKSURI = jwksURI.String
	if len(jwks) > 0 {
		md.JWKS = jwks
	}
	return &md, nil
}

func (p *Postgres) SaveClient(ctx context.Context, clientID string, md *ClientMetadata) error {
	const query = `
		INSERT INTO oauth_clients (
			client_id, redirect_uris, client_name, logo_uri, client_uri,
			token_endpoint_auth_method, jwks, jwks_uri, cached_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (client_id) DO UPDATE SET
			redirect_uris = EXCLUDED.redirect_uris,
			client_name = EXCLUDED.client_name,
			logo_uri = EXCLUDED.logo_uri,
			client_uri = EXCLUDED.client_uri,
			token_endpoint_auth_method = EXCLUDED.token_endpoint_auth_method,
			jwks = EXCLUDED.jwks,
			jwks_uri = EXCLUDED.jwks_uri,
			cached_at = EXCLUDED.cached_at
	`
	var jwks []byte
	if len(md.JWKS) > 0 {
		jwks = md.JWKS
	}
	err := execWithConflictRetry(func() error {
		_, err := p.db.ExecContext(ctx, query, clientID, pq.Array(md.RedirectURIs),
			nullIfEmpty(md.ClientName), nullIfEmpty(md.LogoURI), nullIfEmpty(md.ClientURI),
			md.TokenEndpointAuthMethod, jwks, nullIfEmpty(md.JWKSURI), md.CachedAt,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: save client: %w", err)
	}
	return nil
}

func (p *Postgres) SavePAR(ctx context.Context, requestURI string, rec *PARRecord, ttl time.Duration) error {
	const query = `
		INSERT INTO oauth_par_requests (
			request_uri, client_id, redirect_uri, response_type,
			code_challenge, code_challenge_method, state, scope, login_hint, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := p.db.ExecContext(ctx, query, requestURI, rec.ClientID, rec.RedirectURI, rec.ResponseType,
		rec.CodeChallenge, rec.CodeChallengeMethod, rec.State, nullIfEmpty(rec.Scope), nullIfEmpty(rec.LoginHint),
		rec.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("storage: save PAR: %w", err)
	}
	return nil
}

// ConsumePAR deletes-on-read in a single statement so concurrent callers
// can never both observe the row, matching the atomic delete spec.md §4.F.2
// requires.
func (p *Postgres) ConsumePAR(ctx context.Context, requestURI, clientID string) (*PARRecord, error) {
	const query = `
		DELETE FROM oauth_par_requests
		WHERE request_uri = $1
		RETURNING client_id, redirect_uri, response_type, code_challenge,
		          code_challenge_method, state, scope, login_hint, expires_at
	`
	var rec PARRecord
	rec.RequestURI = requestURI
	var scope, loginHint sql.NullString

	err := p.db.QueryRowContext(ctx, query, requestURI).Scan(
		&rec.ClientID, &rec.RedirectURI, &rec.ResponseType, &rec.CodeChallenge,
		&rec.CodeChallengeMethod, &rec.State, &scope, &loginHint, &rec.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: consume PAR: %w", err)
	}
	rec.Scope = scope.String
	rec.LoginHint = loginHint.String

	if rec.ClientID != clientID {
		return nil, ErrNotFound
	}
	if time.Now().After(rec.ExpiresAt) {
		return nil, ErrExpired
	}
	return &rec, nil
}

func (p *Postgres) SaveAuthCode(ctx context.Context, code string, rec *AuthorizationCode) error {
	const query = `
		INSERT INTO oauth_codes (
			code, client_id, redirect_uri, code_challenge, scope, sub, dpop_jkt,
			expires_at, used, issued_family
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (code) DO UPDATE SET
			used = EXCLUDED.used,
			issued_family = EXCLUDED.issued_family
	`
	_, err := p.db.ExecContext(ctx, query, code, rec.ClientID, rec.RedirectURI, rec.CodeChallenge,
		nullIfEmpty(rec.Scope), rec.Sub, nullIfEmpty(rec.DPoPJKT), rec.ExpiresAt, rec.Used,
		nullIfEmpty(rec.IssuedFamily),
	)
	if err != nil {
		return fmt.Errorf("storage: save auth code: %w", err)
	}
	return nil
}

// MarkCodeUsed atomically flips used to true, so the caller can distinguish
// a first use from a replay in one round trip: a first use returns the row
// with Used set, and a replay (used was already true) returns the stored
// row together with ErrReplay.
func (p *Postgres) MarkCodeUsed(ctx context.Context, code string) (*AuthorizationCode, error) {
	// Detects replay by reading the pre-update `used` flag inside a
	// SELECT ... FOR UPDATE transaction, matching the teacher's
	// read-then-write transaction shape rather than a RETURNING trick.
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: mark code used: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const selectQuery = `
		SELECT client_id, redirect_uri, code_challenge, scope, sub, dpop_jkt,
		       expires_at, used, issued_family
		FROM oauth_codes WHERE code = $1 FOR UPDATE
	`
	var rec AuthorizationCode
	rec.Code = code
	var scope, dpopJKT, issuedFamily sql.NullString

	err = tx.QueryRowContext(ctx, selectQuery, code).Scan(
		&rec.ClientID, &rec.RedirectURI, &rec.CodeChallenge, &scope, &rec.Sub, &dpopJKT,
		&rec.ExpiresAt, &rec.Used, &issuedFamily,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: mark code used: select: %w", err)
	}
	rec.Scope = scope.String
	rec.DPoPJKT = dpopJKT.String
	rec.IssuedFamily = issuedFamily.String

	if rec.Used {
		_ = tx.Rollback()
		return &rec, ErrReplay
	}
	if time.Now().After(rec.ExpiresAt) {
		_ = tx.Rollback()
		return nil, ErrExpired
	}

	if _, err := tx.ExecContext(ctx, `UPDATE oauth_codes SET used = TRUE WHERE code = $1`, code); err != nil {
		return nil, fmt.Errorf("storage: mark code used: update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("storage: mark code used: commit: %w", err)
	}

	rec.Used = true
	return &rec, nil
}

// SaveTokens inserts a freshly minted pair. A unique-constraint violation
// means the caller's random generator produced an access_jti or
// refresh_token that's already stored; that's surfaced as ErrConflict so
// the caller can mint fresh values and retry once instead of treating it
// as an ordinary storage failure.
func (p *Postgres) SaveTokens(ctx context.Context, pair *TokenPair) error {
	const query = `
		INSERT INTO oauth_tokens (
			access_token, access_jti, refresh_token, sub, client_id, scope,
			dpop_jkt, issued_at, expires_at, family_id, generation, revoked
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	err := execWithConflictRetry(func() error {
		_, err := p.db.ExecContext(ctx, query, pair.AccessToken, pair.AccessJTI, pair.RefreshToken,
			pair.Sub, pair.ClientID, nullIfEmpty(pair.Scope), pair.DPoPJKT, pair.IssuedAt, pair.ExpiresAt,
			pair.FamilyID, pair.Generation, pair.Revoked,
		)
		return err
	})
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("storage: save tokens: %w", err)
	}
	return nil
}

func (p *Postgres) GetTokenByAccess(ctx context.Context, jti string) (*TokenPair, error) {
	const query = `
		SELECT access_token, access_jti, refresh_token, sub, client_id, scope,
		       dpop_jkt, issued_at, expires_at, family_id, generation, revoked
		FROM oauth_tokens WHERE access_jti = $1 AND revoked = FALSE
	`
	return p.scanTokenPair(ctx, query, jti)
}

func (p *Postgres) GetTokenByRefresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	const query = `
		SELECT access_token, access_jti, refresh_token, sub, client_id, scope,
		       dpop_jkt, issued_at, expires_at, family_id, generation, revoked
		FROM oauth_tokens WHERE refresh_token = $1 AND revoked = FALSE
	`
	pair, err := p.scanTokenPair(ctx, query, refreshToken)
	if err == nil {
		return pair, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	// Not live: check whether it's a tombstoned (already rotated) token,
	// which is a replay rather than an unknown token.
	var familyID string
	lookupErr := p.db.QueryRowContext(ctx,
		`SELECT family_id FROM oauth_rotated_tokens WHERE old_refresh_token = $1`,
		refreshToken,
	).Scan(&familyID)
	if errors.Is(lookupErr, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if lookupErr != nil {
		return nil, fmt.Errorf("storage: get token by refresh: tombstone lookup: %w", lookupErr)
	}
	if revokeErr := p.RevokeFamily(ctx, familyID); revokeErr != nil {
		return nil, fmt.Errorf("storage: get token by refresh: revoke on replay: %w", revokeErr)
	}
	return nil, ErrReplay
}

// RotateRefresh atomically replaces oldRefreshToken's row with a tombstone
// and returns the pre-rotation pair, or detects replay of an
// already-tombstoned token and revokes its family. Both branches run
// inside one transaction so a concurrent rotate and a concurrent replay
// attempt serialize against the same row lock.
func (p *Postgres) RotateRefresh(ctx context.Context, oldRefreshToken string) (*TokenPair, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: rotate refresh: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const selectQuery = `
		SELECT access_token, access_jti, refresh_token, sub, client_id, scope,
		       dpop_jkt, issued_at, expires_at, family_id, generation, revoked
		FROM oauth_tokens WHERE refresh_token = $1 FOR UPDATE
	`
	var pair TokenPair
	var scope sql.NullString
	err = tx.QueryRowContext(ctx, selectQuery, oldRefreshToken).Scan(
		&pair.AccessToken, &pair.AccessJTI, &pair.RefreshToken, &pair.Sub, &pair.ClientID, &scope,
		&pair.DPoPJKT, &pair.IssuedAt, &pair.ExpiresAt, &pair.FamilyID, &pair.Generation, &pair.Revoked,
	)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()

		var familyID string
		lookupErr := p.db.QueryRowContext(ctx,
			`SELECT family_id FROM oauth_rotated_tokens WHERE old_refresh_token = $1`,
			oldRefreshToken,
		).Scan(&familyID)
		if errors.Is(lookupErr, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if lookupErr != nil {
			return nil, fmt.Errorf("storage: rotate refresh: tombstone lookup: %w", lookupErr)
		}
		if revokeErr := p.RevokeFamily(ctx, familyID); revokeErr != nil {
			return nil, fmt.Errorf("storage: rotate refresh: revoke on replay: %w", revokeErr)
		}
		return nil, ErrReplay
	}
	if err != nil {
		return nil, fmt.Errorf("storage: rotate refresh: select: %w", err)
	}
	pair.Scope = scope.String

	if _, err := tx.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE refresh_token = $1`, oldRefreshToken); err != nil {
		return nil, fmt.Errorf("storage: rotate refresh: delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO oauth_rotated_tokens (old_refresh_token, family_id, rotated_at) VALUES ($1, $2, NOW())`,
		oldRefreshToken, pair.FamilyID,
	); err != nil {
		return nil, fmt.Errorf("storage: rotate refresh: tombstone insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("storage: rotate refresh: commit: %w", err)
	}

	return &pair, nil
}

func (p *Postgres) RevokeToken(ctx context.Context, token string) error {
	const query = `
		UPDATE oauth_tokens SET revoked = TRUE
		WHERE refresh_token = $1 OR access_jti = $1
	`
	result, err := p.db.ExecContext(ctx, query, token)
	if err != nil {
		return fmt.Errorf("storage: revoke token: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: revoke token: rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) RevokeFamily(ctx context.Context, familyID string) error {
	const query = `UPDATE oauth_tokens SET revoked = TRUE WHERE family_id = $1`
	if _, err := p.db.ExecContext(ctx, query, familyID); err != nil {
		return fmt.Errorf("storage: revoke family: %w", err)
	}
	slog.Info("oauth token family revoked", "family_id", familyID)
	return nil
}

// CheckAndSaveNonce relies on a unique constraint on (jti, jkt) to make the
// insert itself the compare-and-swap: a duplicate key violation means the
// nonce was already seen.
func (p *Postgres) CheckAndSaveNonce(ctx context.Context, jti, jkt string, ttl time.Duration) (bool, error) {
	const query = `
		INSERT INTO oauth_dpop_nonces (jti, jkt, seen_at, expires_at)
		VALUES ($1, $2, NOW(), NOW() + $3 * INTERVAL '1 second')
		ON CONFLICT (jti, jkt) DO NOTHING
	`
	result, err := p.db.ExecContext(ctx, query, jti, jkt, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("storage: check and save nonce: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: check and save nonce: rows affected: %w", err)
	}
	return rows == 1, nil
}

// CleanupExpired removes expired PAR requests, codes, tokens, and nonce
// records, mirroring the teacher's CleanupExpiredSessions /
// CleanupExpiredAuthRequests periodic jobs.
func (p *Postgres) CleanupExpired(ctx context.Context) error {
	statements := []string{
		`DELETE FROM oauth_par_requests WHERE expires_at < NOW()`,
		`DELETE FROM oauth_codes WHERE expires_at < NOW()`,
		`DELETE FROM oauth_tokens WHERE expires_at < NOW() AND revoked = TRUE`,
		`DELETE FROM oauth_dpop_nonces WHERE expires_at < NOW()`,
		`DELETE FROM oauth_rotated_tokens WHERE rotated_at < NOW() - INTERVAL '1 day'`,
	}
	for _, stmt := range statements {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: cleanup expired: %w", err)
		}
	}
	return nil
}

func (p *Postgres) scanTokenPair(ctx context.Context, query, arg string) (*TokenPair, error) {
	var pair TokenPair
	var scope sql.NullString
	err := p.db.QueryRowContext(ctx, query, arg).Scan(
		&pair.AccessToken, &pair.AccessJTI, &pair.RefreshToken, &pair.Sub, &pair.ClientID, &scope,
		&pair.DPoPJKT, &pair.IssuedAt, &pair.ExpiresAt, &pair.FamilyID, &pair.Generation, &pair.Revoked,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: scan token pair: %w", err)
	}
	pair.Scope = scope.String
	return &pair, nil
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
