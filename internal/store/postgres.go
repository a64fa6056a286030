// Package store handles all database and cache interactions.
//
// postgres.go -- pgxpool connection setup and account queries.
// Creates a connection pool at startup, shared across all handlers.
// All queries use parameterized statements (no string concatenation).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgUniqueViolation is the SQLSTATE Postgres reports for duplicate keys.
const pgUniqueViolation = "23505"

const accountColumns = `id, email, name, password_hash, roles, auth_providers, is_verified,
	password_reset_token, password_reset_token_expiry, created_at, updated_at`

// The store used by program to connect with Postgres db
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates and returns a verified connection pool
// to PostgreSQL wrapped in a store.
// Call once at startup from main.go...the returned store is safe for concurrent use.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	// Create a pool w/ database url, return if err
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	// Ping db to make sure connection works
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool}, nil
}

// Close shuts down the connection pool and releases all resources.
// Supposed to call via defer in main.go after creating the store.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// CheckHealth pings the pool.
func (s *PostgresStore) CheckHealth(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// InTx runs fn inside a single Postgres transaction.
// Commits if fn returns nil, rolls back on error or panic.
func (s *PostgresStore) InTx(ctx context.Context, fn TxFunc) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if cerr := tx.Commit(ctx); cerr != nil {
			err = fmt.Errorf("committing transaction: %w", cerr)
		}
	}()

	return fn(ctx, &pgTx{tx: tx})
}

// Cleanup deletes expired refresh tokens and pending verifications.
// Returns the total number of rows removed.
func (s *PostgresStore) Cleanup(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM refresh_tokens WHERE expiry <= $1", now)
	if err != nil {
		return 0, fmt.Errorf("deleting expired refresh tokens: %w", err)
	}
	removed := tag.RowsAffected()

	tag, err = s.pool.Exec(ctx, "DELETE FROM verify_user WHERE expiry <= $1", now)
	if err != nil {
		return removed, fmt.Errorf("deleting expired verifications: %w", err)
	}
	return removed + tag.RowsAffected(), nil
}

// pgTx implements Tx on top of a pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

// findOne loads a single account matching where and locks its row.
func (t *pgTx) findOne(ctx context.Context, where string, arg any) (*Account, error) {
	row := t.tx.QueryRow(ctx,
		"SELECT "+accountColumns+" FROM users WHERE "+where+" FOR UPDATE", arg)

	var (
		a         Account
		roles     []string
		providers []string
		resetTok  uuid.NullUUID
		resetExp  *time.Time
	)
	err := row.Scan(&a.ID, &a.Email, &a.Name, &a.PasswordHash, &roles, &providers,
		&a.IsVerified, &resetTok, &resetExp, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning account: %w", err)
	}

	if a.Roles, err = ParseSet(roles, ParseRole); err != nil {
		return nil, err
	}
	if a.AuthProviders, err = ParseSet(providers, ParseProvider); err != nil {
		return nil, err
	}
	if resetTok.Valid {
		tok := resetTok.UUID
		a.PasswordResetToken = &tok
		a.PasswordResetExpiry = resetExp
	}

	if a.RefreshTokens, err = t.refreshTokens(ctx, a.ID); err != nil {
		return nil, err
	}
	return &a, nil
}

// refreshTokens reads the account's tokens with a fresh statement, after the row lock is held.
func (t *pgTx) refreshTokens(ctx context.Context, userID uuid.UUID) ([]RefreshToken, error) {
	rows, err := t.tx.Query(ctx,
		"SELECT id, token, expiry FROM refresh_tokens WHERE user_id = $1 ORDER BY expiry", userID)
	if err != nil {
		return nil, fmt.Errorf("querying refresh tokens: %w", err)
	}
	defer rows.Close()

	var out []RefreshToken
	for rows.Next() {
		var rt RefreshToken
		if err := rows.Scan(&rt.ID, &rt.Token, &rt.Expiry); err != nil {
			return nil, fmt.Errorf("scanning refresh token: %w", err)
		}
		out = append(out, rt)
	}
	return out, rows.Err()
}

func (t *pgTx) FindByEmail(ctx context.Context, email string) (*Account, error) {
	return t.findOne(ctx, "email = $1", email)
}

func (t *pgTx) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM users WHERE email = $1)", email).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking email: %w", err)
	}
	return exists, nil
}

// FindByRefreshToken resolves the owning account, locks it, then confirms the
// token is still attached. A token consumed by a transaction that committed
// while we waited on the lock reads as ErrNotFound.
func (t *pgTx) FindByRefreshToken(ctx context.Context, token uuid.UUID) (*Account, error) {
	var userID uuid.UUID
	err := t.tx.QueryRow(ctx, "SELECT user_id FROM refresh_tokens WHERE token = $1", token).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up refresh token: %w", err)
	}

	a, err := t.findOne(ctx, "id = $1", userID)
	if err != nil {
		return nil, err
	}
	if _, ok := a.RefreshToken(token); !ok {
		return nil, ErrNotFound
	}
	return a, nil
}

func (t *pgTx) FindByPasswordResetToken(ctx context.Context, token uuid.UUID) (*Account, error) {
	return t.findOne(ctx, "password_reset_token = $1", token)
}

func (t *pgTx) Save(ctx context.Context, a *Account) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO users (id, email, name, password_hash, roles, auth_providers, is_verified,
			password_reset_token, password_reset_token_expiry)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			name = EXCLUDED.name,
			password_hash = EXCLUDED.password_hash,
			roles = EXCLUDED.roles,
			auth_providers = EXCLUDED.auth_providers,
			is_verified = EXCLUDED.is_verified,
			password_reset_token = EXCLUDED.password_reset_token,
			password_reset_token_expiry = EXCLUDED.password_reset_token_expiry,
			updated_at = now()`,
		a.ID, a.Email, a.Name, a.PasswordHash, a.Roles.Strings(), a.AuthProviders.Strings(),
		a.IsVerified, a.PasswordResetToken, a.PasswordResetExpiry)
	if err != nil {
		return mapPgError("saving account", err)
	}

	return t.syncRefreshTokens(ctx, a)
}

// syncRefreshTokens makes the refresh_tokens rows of a match a.RefreshTokens.
func (t *pgTx) syncRefreshTokens(ctx context.Context, a *Account) error {
	stored, err := t.refreshTokens(ctx, a.ID)
	if err != nil {
		return err
	}

	for _, rt := range stored {
		if _, ok := a.RefreshToken(rt.Token); ok {
			continue
		}
		tag, err := t.tx.Exec(ctx, "DELETE FROM refresh_tokens WHERE token = $1", rt.Token)
		if err != nil {
			return fmt.Errorf("deleting refresh token: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrStaleWrite
		}
	}

	for _, rt := range a.RefreshTokens {
		if containsToken(stored, rt.Token) {
			continue
		}
		_, err := t.tx.Exec(ctx,
			"INSERT INTO refresh_tokens (id, token, expiry, user_id) VALUES ($1, $2, $3, $4)",
			rt.ID, rt.Token, rt.Expiry, a.ID)
		if err != nil {
			return mapPgError("inserting refresh token", err)
		}
	}
	return nil
}

func (t *pgTx) Delete(ctx context.Context, a *Account) error {
	// refresh_tokens rows go with it (ON DELETE CASCADE)
	tag, err := t.tx.Exec(ctx, "DELETE FROM users WHERE id = $1", a.ID)
	if err != nil {
		return fmt.Errorf("deleting account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) UpsertPendingVerification(ctx context.Context, email string, expiry time.Time) (*PendingVerification, error) {
	token, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("generating verification token: %w", err)
	}

	// On conflict the existing token survives, only expiry moves
	var p PendingVerification
	err = t.tx.QueryRow(ctx, `
		INSERT INTO verify_user (token, email, expiry) VALUES ($1, $2, $3)
		ON CONFLICT (email) DO UPDATE SET expiry = EXCLUDED.expiry
		RETURNING token, email, expiry`,
		token, email, expiry,
	).Scan(&p.Token, &p.Email, &p.Expiry)
	if err != nil {
		return nil, mapPgError("upserting verification", err)
	}
	return &p, nil
}

func (t *pgTx) FindPendingVerification(ctx context.Context, token uuid.UUID) (*PendingVerification, error) {
	var p PendingVerification
	err := t.tx.QueryRow(ctx,
		"SELECT token, email, expiry FROM verify_user WHERE token = $1", token,
	).Scan(&p.Token, &p.Email, &p.Expiry)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up verification: %w", err)
	}
	return &p, nil
}

func (t *pgTx) DeletePendingVerification(ctx context.Context, email string) error {
	tag, err := t.tx.Exec(ctx, "DELETE FROM verify_user WHERE email = $1", email)
	if err != nil {
		return fmt.Errorf("deleting verification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// mapPgError turns unique violations into ErrConflict, wraps everything else.
func mapPgError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%s: %w", op, ErrConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func containsToken(tokens []RefreshToken, token uuid.UUID) bool {
	for _, rt := range tokens {
		if rt.Token == token {
			return true
		}
	}
	return false
}
