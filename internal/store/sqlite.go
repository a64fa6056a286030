// sqlite.go -- gorm-backed account store on an embedded SQLite file.
// Used for local development and single-node deployments; same Tx contract
// as the Postgres store.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/gofrs/uuid/v5"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type userRow struct {
	ID                       string    `gorm:"primaryKey"`
	Email                    string    `gorm:"uniqueIndex;not null"`
	Name                     string    `gorm:"not null"`
	PasswordHash             string    `gorm:"not null"`
	Roles                    []string  `gorm:"serializer:json;not null"`
	AuthProviders            []string  `gorm:"serializer:json;not null"`
	IsVerified               bool      `gorm:"not null"`
	PasswordResetToken       *string   `gorm:"uniqueIndex"`
	PasswordResetTokenExpiry *time.Time
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

func (userRow) TableName() string { return "users" }

type refreshTokenRow struct {
	ID     string    `gorm:"primaryKey"`
	Token  string    `gorm:"uniqueIndex;not null"`
	Expiry time.Time `gorm:"index;not null"`
	UserID string    `gorm:"index;not null"`
}

func (refreshTokenRow) TableName() string { return "refresh_tokens" }

type pendingVerificationRow struct {
	Token  string    `gorm:"primaryKey"`
	Email  string    `gorm:"uniqueIndex;not null"`
	Expiry time.Time `gorm:"not null"`
}

func (pendingVerificationRow) TableName() string { return "verify_user" }

// SQLiteStore keeps accounts in a SQLite database through gorm.
type SQLiteStore struct {
	db *gorm.DB
}

// NewSQLiteStore opens (or creates) the database at path and migrates the schema.
// Pass ":memory:" for a throwaway database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	// One connection: SQLite allows a single writer, and an in-memory
	// database only lives as long as its connection.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&userRow{}, &refreshTokenRow{}, &pendingVerificationRow{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrating sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying connection.
func (s *SQLiteStore) Close() {
	if sqlDB, err := s.db.DB(); err == nil {
		sqlDB.Close()
	}
}

func (s *SQLiteStore) CheckHealth(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// InTx runs fn inside a gorm transaction. Transactions are serialized by the
// single connection, which gives the same per-account ordering as row locks.
func (s *SQLiteStore) InTx(ctx context.Context, fn TxFunc) error {
	return s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		return fn(ctx, &sqliteTx{db: gtx})
	})
}

// Cleanup deletes expired refresh tokens and pending verifications.
func (s *SQLiteStore) Cleanup(ctx context.Context, now time.Time) (int64, error) {
	db := s.db.WithContext(ctx)
	now = now.UTC()
	res := db.Where("expiry <= ?", now).Delete(&refreshTokenRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("deleting expired refresh tokens: %w", res.Error)
	}
	removed := res.RowsAffected

	res = db.Where("expiry <= ?", now).Delete(&pendingVerificationRow{})
	if res.Error != nil {
		return removed, fmt.Errorf("deleting expired verifications: %w", res.Error)
	}
	return removed + res.RowsAffected, nil
}

type sqliteTx struct {
	db *gorm.DB
}

func (t *sqliteTx) findOne(query string, arg any) (*Account, error) {
	var row userRow
	err := t.db.Where(query, arg).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading account: %w", err)
	}

	var tokens []refreshTokenRow
	if err := t.db.Where("user_id = ?", row.ID).Order("expiry").Find(&tokens).Error; err != nil {
		return nil, fmt.Errorf("loading refresh tokens: %w", err)
	}
	return row.toAccount(tokens)
}

func (t *sqliteTx) FindByEmail(_ context.Context, email string) (*Account, error) {
	return t.findOne("email = ?", email)
}

func (t *sqliteTx) ExistsByEmail(_ context.Context, email string) (bool, error) {
	var n int64
	if err := t.db.Model(&userRow{}).Where("email = ?", email).Count(&n).Error; err != nil {
		return false, fmt.Errorf("checking email: %w", err)
	}
	return n > 0, nil
}

func (t *sqliteTx) FindByRefreshToken(_ context.Context, token uuid.UUID) (*Account, error) {
	var rt refreshTokenRow
	err := t.db.Where("token = ?", token.String()).First(&rt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up refresh token: %w", err)
	}
	return t.findOne("id = ?", rt.UserID)
}

func (t *sqliteTx) FindByPasswordResetToken(_ context.Context, token uuid.UUID) (*Account, error) {
	return t.findOne("password_reset_token = ?", token.String())
}

func (t *sqliteTx) Save(_ context.Context, a *Account) error {
	row := accountToRow(a)
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	row.UpdatedAt = time.Now()

	err := t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return mapSQLiteError("saving account", err)
	}
	a.CreatedAt, a.UpdatedAt = row.CreatedAt, row.UpdatedAt

	var stored []refreshTokenRow
	if err := t.db.Where("user_id = ?", row.ID).Find(&stored).Error; err != nil {
		return fmt.Errorf("loading refresh tokens: %w", err)
	}

	have := make(map[string]bool, len(stored))
	for _, s := range stored {
		have[s.Token] = true
		tok, err := uuid.FromString(s.Token)
		if err != nil {
			return fmt.Errorf("parsing stored refresh token: %w", err)
		}
		if _, ok := a.RefreshToken(tok); ok {
			continue
		}
		res := t.db.Where("token = ?", s.Token).Delete(&refreshTokenRow{})
		if res.Error != nil {
			return fmt.Errorf("deleting refresh token: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrStaleWrite
		}
	}

	for _, rt := range a.RefreshTokens {
		if have[rt.Token.String()] {
			continue
		}
		err := t.db.Create(&refreshTokenRow{
			ID:     rt.ID.String(),
			Token:  rt.Token.String(),
			Expiry: rt.Expiry.UTC(),
			UserID: row.ID,
		}).Error
		if err != nil {
			return mapSQLiteError("inserting refresh token", err)
		}
	}
	return nil
}

func (t *sqliteTx) Delete(_ context.Context, a *Account) error {
	if err := t.db.Where("user_id = ?", a.ID.String()).Delete(&refreshTokenRow{}).Error; err != nil {
		return fmt.Errorf("deleting refresh tokens: %w", err)
	}
	res := t.db.Where("id = ?", a.ID.String()).Delete(&userRow{})
	if res.Error != nil {
		return fmt.Errorf("deleting account: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *sqliteTx) UpsertPendingVerification(_ context.Context, email string, expiry time.Time) (*PendingVerification, error) {
	var row pendingVerificationRow
	err := t.db.Where("email = ?", email).First(&row).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		token, err := uuid.NewV4()
		if err != nil {
			return nil, fmt.Errorf("generating verification token: %w", err)
		}
		row = pendingVerificationRow{Token: token.String(), Email: email, Expiry: expiry.UTC()}
		if err := t.db.Create(&row).Error; err != nil {
			return nil, mapSQLiteError("inserting verification", err)
		}
	case err != nil:
		return nil, fmt.Errorf("looking up verification: %w", err)
	default:
		row.Expiry = expiry.UTC()
		if err := t.db.Model(&row).Update("expiry", row.Expiry).Error; err != nil {
			return nil, fmt.Errorf("extending verification: %w", err)
		}
	}
	return row.toPending()
}

func (t *sqliteTx) FindPendingVerification(_ context.Context, token uuid.UUID) (*PendingVerification, error) {
	var row pendingVerificationRow
	err := t.db.Where("token = ?", token.String()).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up verification: %w", err)
	}
	return row.toPending()
}

func (t *sqliteTx) DeletePendingVerification(_ context.Context, email string) error {
	res := t.db.Where("email = ?", email).Delete(&pendingVerificationRow{})
	if res.Error != nil {
		return fmt.Errorf("deleting verification: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func accountToRow(a *Account) userRow {
	row := userRow{
		ID:                       a.ID.String(),
		Email:                    a.Email,
		Name:                     a.Name,
		PasswordHash:             a.PasswordHash,
		Roles:                    a.Roles.Strings(),
		AuthProviders:            a.AuthProviders.Strings(),
		IsVerified:               a.IsVerified,
		CreatedAt:                a.CreatedAt,
		UpdatedAt:                a.UpdatedAt,
	}
	if a.PasswordResetToken != nil {
		tok := a.PasswordResetToken.String()
		row.PasswordResetToken = &tok
	}
	if a.PasswordResetExpiry != nil {
		exp := a.PasswordResetExpiry.UTC()
		row.PasswordResetTokenExpiry = &exp
	}
	return row
}

func (r userRow) toAccount(tokens []refreshTokenRow) (*Account, error) {
	id, err := uuid.FromString(r.ID)
	if err != nil {
		return nil, fmt.Errorf("parsing account id: %w", err)
	}
	a := &Account{
		ID:                  id,
		Email:               r.Email,
		Name:                r.Name,
		PasswordHash:        r.PasswordHash,
		IsVerified:          r.IsVerified,
		PasswordResetExpiry: r.PasswordResetTokenExpiry,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
	if a.Roles, err = ParseSet(r.Roles, ParseRole); err != nil {
		return nil, err
	}
	if a.AuthProviders, err = ParseSet(r.AuthProviders, ParseProvider); err != nil {
		return nil, err
	}
	if r.PasswordResetToken != nil {
		tok, err := uuid.FromString(*r.PasswordResetToken)
		if err != nil {
			return nil, fmt.Errorf("parsing reset token: %w", err)
		}
		a.PasswordResetToken = &tok
	}
	for _, t := range tokens {
		rtID, err := uuid.FromString(t.ID)
		if err != nil {
			return nil, fmt.Errorf("parsing refresh token id: %w", err)
		}
		tok, err := uuid.FromString(t.Token)
		if err != nil {
			return nil, fmt.Errorf("parsing refresh token: %w", err)
		}
		a.RefreshTokens = append(a.RefreshTokens, RefreshToken{ID: rtID, Token: tok, Expiry: t.Expiry})
	}
	return a, nil
}

func (r pendingVerificationRow) toPending() (*PendingVerification, error) {
	tok, err := uuid.FromString(r.Token)
	if err != nil {
		return nil, fmt.Errorf("parsing verification token: %w", err)
	}
	return &PendingVerification{Token: tok, Email: r.Email, Expiry: r.Expiry}, nil
}

// mapSQLiteError turns unique violations into ErrConflict, wraps everything else.
func mapSQLiteError(op string, err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%s: %w", op, ErrConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}
