// models.go -- Shared domain types for the store package.
// Used by the Postgres and SQLite account stores and the Redis rate limiter.
package store

import (
	"errors"
	"slices"
	"time"

	"github.com/gofrs/uuid/v5"
)

// ErrNotFound is returned by lookups that match no row.
// Callers use errors.Is to tell a miss apart from an infrastructure failure.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned by Save when a unique column (email, reset token) is already taken.
var ErrConflict = errors.New("conflict")

// ErrStaleWrite is returned by Save when a refresh token it expected to remove is already gone,
// i.e. a concurrent transaction consumed it first.
var ErrStaleWrite = errors.New("stale write")

// ErrRateLimitExceeded is returned by Allow when the caller is locked out.
// Callers use errors.Is to distinguish rate limit rejections from Redis failures.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// ErrCacheDisabled is returned by NoopRateLimiter.CheckHealth when Redis is not configured.
var ErrCacheDisabled = errors.New("cache disabled")

// Role mutation errors, returned by Account.AddRole / Account.RemoveRole.
var (
	ErrRolePresent = errors.New("role already present")
	ErrRoleAbsent  = errors.New("role not present")
	ErrLastRole    = errors.New("account must keep at least one role")
)

// Account represents a row in the users table plus its refresh tokens.
// PasswordResetToken and PasswordResetExpiry are nil together when no reset is pending.
type Account struct {
	ID                  uuid.UUID
	Email               string
	Name                string
	PasswordHash        string // empty for accounts that only sign in through an external provider
	Roles               Roles
	AuthProviders       Providers
	IsVerified          bool
	PasswordResetToken  *uuid.UUID
	PasswordResetExpiry *time.Time
	RefreshTokens       []RefreshToken
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// RefreshToken represents a row in the refresh_tokens table.
// Token is the opaque value handed to the client in the refreshToken cookie.
type RefreshToken struct {
	ID     uuid.UUID
	Token  uuid.UUID
	Expiry time.Time
}

// PendingVerification represents a row in the verify_user table.
// At most one per email; Token is what the verification link carries.
type PendingVerification struct {
	Token  uuid.UUID
	Email  string
	Expiry time.Time
}

// RateLimit defines the policy for a rate-limited action.
// All three fields required, zero values disable the respective behaviour.
type RateLimit struct {
	MaxAttempts int           // attempts allowed within Window before lockout
	Window      time.Duration // rolling window for attempt counting
	LockoutTTL  time.Duration // how long to block after MaxAttempts is hit
}

// NewAccount builds an unverified account holding only the USER role.
// Caller sets providers and password hash before saving.
func NewAccount(email, name string) (*Account, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	return &Account{
		ID:            id,
		Email:         email,
		Name:          name,
		Roles:         NewSet(RoleUser),
		AuthProviders: NewSet[AuthProvider](),
	}, nil
}

// Expired reports whether the token is past its expiry at now.
func (rt RefreshToken) Expired(now time.Time) bool {
	return !now.Before(rt.Expiry)
}

// Expired reports whether the verification link is past its expiry at now.
func (p PendingVerification) Expired(now time.Time) bool {
	return !now.Before(p.Expiry)
}

func (a *Account) HasRole(r Role) bool { return a.Roles.Has(r) }

func (a *Account) HasProvider(p AuthProvider) bool { return a.AuthProviders.Has(p) }

// LinkProvider adds p to the account's providers. No-op if already linked.
func (a *Account) LinkProvider(p AuthProvider) {
	a.AuthProviders = a.AuthProviders.With(p)
}

// AddRole grants r, failing with ErrRolePresent if the account already holds it.
func (a *Account) AddRole(r Role) error {
	if a.Roles.Has(r) {
		return ErrRolePresent
	}
	a.Roles = a.Roles.With(r)
	return nil
}

// RemoveRole revokes r. The role set never drops to empty.
func (a *Account) RemoveRole(r Role) error {
	if !a.Roles.Has(r) {
		return ErrRoleAbsent
	}
	if len(a.Roles) == 1 {
		return ErrLastRole
	}
	a.Roles = a.Roles.Without(r)
	return nil
}

// AddRefreshToken attaches rt to the account.
func (a *Account) AddRefreshToken(rt RefreshToken) {
	a.RefreshTokens = append(a.RefreshTokens, rt)
}

// RefreshToken returns the attached refresh token with the given value.
func (a *Account) RefreshToken(token uuid.UUID) (RefreshToken, bool) {
	for _, rt := range a.RefreshTokens {
		if rt.Token == token {
			return rt, true
		}
	}
	return RefreshToken{}, false
}

// RemoveRefreshToken detaches the token and returns it, false if it wasn't attached.
func (a *Account) RemoveRefreshToken(token uuid.UUID) (RefreshToken, bool) {
	for i, rt := range a.RefreshTokens {
		if rt.Token == token {
			a.RefreshTokens = slices.Delete(a.RefreshTokens, i, i+1)
			return rt, true
		}
	}
	return RefreshToken{}, false
}

// ClearRefreshTokens detaches every refresh token (logout everywhere).
func (a *Account) ClearRefreshTokens() {
	a.RefreshTokens = nil
}

// HasActiveSession reports whether any refresh token is attached.
func (a *Account) HasActiveSession() bool {
	return len(a.RefreshTokens) > 0
}

// SetPasswordReset records a pending reset token and its expiry.
func (a *Account) SetPasswordReset(token uuid.UUID, expiry time.Time) {
	a.PasswordResetToken = &token
	a.PasswordResetExpiry = &expiry
}

// ClearPasswordReset drops any pending reset token.
func (a *Account) ClearPasswordReset() {
	a.PasswordResetToken = nil
	a.PasswordResetExpiry = nil
}

// PasswordResetExpired reports whether the pending reset token (if any) is past its expiry.
// An account with a token but no expiry is treated as expired.
func (a *Account) PasswordResetExpired(now time.Time) bool {
	if a.PasswordResetExpiry == nil {
		return true
	}
	return !now.Before(*a.PasswordResetExpiry)
}

// Clone returns a deep copy, so callers can mutate without aliasing the original.
func (a *Account) Clone() *Account {
	c := *a
	c.Roles = slices.Clone(a.Roles)
	c.AuthProviders = slices.Clone(a.AuthProviders)
	c.RefreshTokens = slices.Clone(a.RefreshTokens)
	if a.PasswordResetToken != nil {
		tok := *a.PasswordResetToken
		c.PasswordResetToken = &tok
	}
	if a.PasswordResetExpiry != nil {
		exp := *a.PasswordResetExpiry
		c.PasswordResetExpiry = &exp
	}
	return &c
}
