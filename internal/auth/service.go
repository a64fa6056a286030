// service.go -- Account lifecycle orchestration.
//
// Each operation is one Store.InTx unit of work on a single account. Refusals
// that must still persist a side effect (expired token cleanup) commit first
// and return the business error afterwards. Critical emails go out as the last
// step inside the unit of work so a failed delivery can roll it back; reminders
// and confirmations go out only after the commit.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/ticketera/auth/internal/mail"
	"github.com/ticketera/auth/internal/store"
	"github.com/ticketera/auth/internal/token"
)

// Store runs units of work against the account store.
// Satisfied by *store.PostgresStore and *store.SQLiteStore -- defined here (at consumer) per Go convention.
type Store interface {
	InTx(ctx context.Context, fn store.TxFunc) error
}

// Notifier sends account notifications, writing pending verifications through the caller's tx.
// Satisfied by *mail.Notifier.
type Notifier interface {
	SendVerification(ctx context.Context, ps mail.PendingStore, email string, reason mail.Reason) error
	PrepareVerification(ctx context.Context, ps mail.PendingStore, email string, reason mail.Reason) (mail.Outgoing, error)
	Dispatch(ctx context.Context, out mail.Outgoing) error
	SendPasswordReset(ctx context.Context, email string, token uuid.UUID) error
	SendPasswordChanged(ctx context.Context, email string) error
	FindFromToken(ctx context.Context, ps mail.PendingStore, token string) (*store.PendingVerification, error)
}

// TokenIssuer signs access tokens. Satisfied by *token.Codec.
type TokenIssuer interface {
	Issue(s token.Subject) (string, error)
}

// NotifyPolicy decides what a failed verification-critical email does to the operation.
type NotifyPolicy string

const (
	// NotifyFail rolls the operation back and returns ErrNotificationServiceFailed.
	NotifyFail NotifyPolicy = "fail"
	// NotifyLog logs the failure and lets the operation succeed.
	NotifyLog NotifyPolicy = "log"
)

// ServiceConfig holds lifetimes and policies for Service.
type ServiceConfig struct {
	RefreshTTL   time.Duration
	ResetTTL     time.Duration
	NotifyPolicy NotifyPolicy
}

// Service implements sign-up, login, token rotation, verification, password
// reset, and role administration.
type Service struct {
	store    Store
	notifier Notifier
	tokens   TokenIssuer
	cfg      ServiceConfig
	log      *slog.Logger
	now      func() time.Time
}

// NewService wires a Service. A nil logger falls back to slog.Default().
func NewService(st Store, n Notifier, tokens TokenIssuer, cfg ServiceConfig, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if cfg.NotifyPolicy == "" {
		cfg.NotifyPolicy = NotifyFail
	}
	return &Service{store: st, notifier: n, tokens: tokens, cfg: cfg, log: log, now: time.Now}
}

// Session is what a successful login or refresh hands back.
type Session struct {
	AccessToken   string
	RefreshToken  uuid.UUID
	RefreshExpiry time.Time
	Account       *store.Account
}

// OAuthResult is the outcome of LoginOrCreateOAuth.
// Created is true when the call registered a new (unverified) account.
type OAuthResult struct {
	Account       *store.Account
	RefreshToken  uuid.UUID
	RefreshExpiry time.Time
	Created       bool
}

// SignUp registers a local account, or links LOCAL credentials to a verified
// account that so far only signed in through an external provider.
func (s *Service) SignUp(ctx context.Context, email, name, password string) error {
	email = normalizeEmail(email)
	hash, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("sign up: %w", err)
	}

	var refusal error
	err = s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		acct, err := tx.FindByEmail(ctx, email)
		if errors.Is(err, store.ErrNotFound) {
			acct, err = store.NewAccount(email, name)
			if err != nil {
				return err
			}
			acct.PasswordHash = hash
			acct.LinkProvider(store.ProviderLocal)
			if err := tx.Save(ctx, acct); err != nil {
				return conflictAsEmailInUse(err)
			}
			return s.notifyCritical(ctx, tx, email, mail.ReasonVerifyEmail)
		}
		if err != nil {
			return err
		}

		switch {
		case !acct.IsVerified:
			refusal = ErrUserNotVerified
			return nil
		case acct.HasProvider(store.ProviderLocal):
			return ErrEmailInUse
		}

		// verified, provider-only account: add LOCAL and require re-verification
		acct.Name = name
		acct.PasswordHash = hash
		acct.IsVerified = false
		acct.LinkProvider(store.ProviderLocal)
		if err := tx.Save(ctx, acct); err != nil {
			return err
		}
		return s.notifyCritical(ctx, tx, email, mail.ReasonVerifyEmail)
	})
	if err != nil {
		return fmt.Errorf("sign up: %w", err)
	}
	if refusal != nil {
		s.remind(ctx, email, mail.ReasonNotVerifiedSignUp)
	}
	return refusal
}

// Login checks credentials and opens a new session.
// An unverified account is refused before the password is looked at.
func (s *Service) Login(ctx context.Context, email, password string) (*Session, error) {
	email = normalizeEmail(email)

	var (
		sess    *Session
		refusal error
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		acct, err := tx.FindByEmail(ctx, email)
		if errors.Is(err, store.ErrNotFound) {
			return ErrEmailNotFound
		}
		if err != nil {
			return err
		}

		if !acct.IsVerified {
			refusal = ErrUserNotVerified
			return nil
		}
		if !CheckPassword(password, acct.PasswordHash) {
			return ErrInvalidPassword
		}

		rt, err := s.newRefreshToken()
		if err != nil {
			return err
		}
		acct.AddRefreshToken(rt)
		if err := tx.Save(ctx, acct); err != nil {
			return err
		}
		sess, err = s.session(acct, rt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	if refusal != nil {
		s.remind(ctx, email, mail.ReasonNotVerifiedLogin)
		return nil, refusal
	}
	return sess, nil
}

// Refresh rotates a refresh token: the presented one is consumed and a new one issued.
// An expired token is deleted and refused.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	tok, err := uuid.FromString(refreshToken)
	if err != nil {
		return nil, ErrInvalidToken
	}

	var (
		sess    *Session
		refusal error
	)
	err = s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		acct, err := tx.FindByRefreshToken(ctx, tok)
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidToken
		}
		if err != nil {
			return err
		}

		old, _ := acct.RemoveRefreshToken(tok)
		if old.Expired(s.now()) {
			if err := tx.Save(ctx, acct); err != nil {
				return staleAsInvalidToken(err)
			}
			refusal = ErrInvalidToken
			return nil
		}

		rt, err := s.newRefreshToken()
		if err != nil {
			return err
		}
		acct.AddRefreshToken(rt)
		if err := tx.Save(ctx, acct); err != nil {
			return staleAsInvalidToken(err)
		}
		sess, err = s.session(acct, rt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("refresh: %w", err)
	}
	if refusal != nil {
		return nil, refusal
	}
	return sess, nil
}

// Logout removes the presented refresh token only.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	return s.withRefreshOwner(ctx, "logout", refreshToken, func(acct *store.Account, tok uuid.UUID) {
		acct.RemoveRefreshToken(tok)
	})
}

// LogoutAll removes every refresh token of the presented token's owner.
func (s *Service) LogoutAll(ctx context.Context, refreshToken string) error {
	return s.withRefreshOwner(ctx, "logout all", refreshToken, func(acct *store.Account, _ uuid.UUID) {
		acct.ClearRefreshTokens()
	})
}

func (s *Service) withRefreshOwner(ctx context.Context, op, refreshToken string, mutate func(*store.Account, uuid.UUID)) error {
	tok, err := uuid.FromString(refreshToken)
	if err != nil {
		return ErrInvalidToken
	}
	err = s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		acct, err := tx.FindByRefreshToken(ctx, tok)
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidToken
		}
		if err != nil {
			return err
		}
		mutate(acct, tok)
		return staleAsInvalidToken(tx.Save(ctx, acct))
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// LoginOrCreateOAuth signs in an externally authenticated identity, linking the
// provider to an existing verified account or registering a new unverified one.
func (s *Service) LoginOrCreateOAuth(ctx context.Context, email, name string, provider store.AuthProvider) (*OAuthResult, error) {
	email = normalizeEmail(email)

	var (
		res     *OAuthResult
		refusal error
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		acct, err := tx.FindByEmail(ctx, email)
		created := false
		switch {
		case errors.Is(err, store.ErrNotFound):
			acct, err = store.NewAccount(email, name)
			if err != nil {
				return err
			}
			acct.LinkProvider(provider)
			created = true
		case err != nil:
			return err
		case !acct.IsVerified:
			refusal = ErrUserNotVerified
			return nil
		default:
			acct.LinkProvider(provider)
		}

		rt, err := s.newRefreshToken()
		if err != nil {
			return err
		}
		acct.AddRefreshToken(rt)
		if err := tx.Save(ctx, acct); err != nil {
			return conflictAsEmailInUse(err)
		}
		if created {
			if err := s.notifyCritical(ctx, tx, email, mail.ReasonVerifyEmail); err != nil {
				return err
			}
		}
		res = &OAuthResult{Account: acct, RefreshToken: rt.Token, RefreshExpiry: rt.Expiry, Created: created}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("oauth login: %w", err)
	}
	if refusal != nil {
		s.remind(ctx, email, mail.ReasonNotVerifiedLogin)
		return nil, refusal
	}
	return res, nil
}

// VerifyUser consumes a verification token and marks its account verified.
// The confirmation email is sent once the change has committed.
func (s *Service) VerifyUser(ctx context.Context, verificationToken string) error {
	var confirm mail.Outgoing
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		pending, err := s.notifier.FindFromToken(ctx, tx, verificationToken)
		if errors.Is(err, mail.ErrNotFound) {
			return ErrInvalidToken
		}
		if err != nil {
			return err
		}

		acct, err := tx.FindByEmail(ctx, pending.Email)
		if errors.Is(err, store.ErrNotFound) {
			return ErrRequestFailed
		}
		if err != nil {
			return err
		}

		acct.IsVerified = true
		if err := tx.Save(ctx, acct); err != nil {
			return err
		}

		confirm, err = s.notifier.PrepareVerification(ctx, tx, acct.Email, mail.ReasonSuccessfullyVerified)
		if errors.Is(err, mail.ErrNotFound) {
			return ErrNotificationServiceFailed
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("verify user: %w", err)
	}

	if err := s.notifier.Dispatch(ctx, confirm); err != nil {
		s.log.WarnContext(ctx, "verification confirmation email failed", "error", err)
	}
	return nil
}

// SetPasswordResetToken issues a fresh reset token, replacing any earlier one, and emails it.
func (s *Service) SetPasswordResetToken(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		acct, err := tx.FindByEmail(ctx, email)
		if errors.Is(err, store.ErrNotFound) {
			return ErrEmailNotFound
		}
		if err != nil {
			return err
		}

		tok, err := uuid.NewV4()
		if err != nil {
			return err
		}
		acct.SetPasswordReset(tok, s.now().Add(s.cfg.ResetTTL))
		if err := tx.Save(ctx, acct); err != nil {
			return err
		}
		return s.applyNotifyPolicy(ctx, mail.ReasonPasswordReset,
			s.notifier.SendPasswordReset(ctx, email, tok))
	})
	if err != nil {
		return fmt.Errorf("password reset token: %w", err)
	}
	return nil
}

// SetNewPassword redeems a reset token. All sessions are revoked.
// An expired token is cleared and refused.
func (s *Service) SetNewPassword(ctx context.Context, resetToken, password string) error {
	tok, err := uuid.FromString(resetToken)
	if err != nil {
		return ErrInvalidToken
	}
	hash, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("set new password: %w", err)
	}

	var (
		refusal error
		email   string
	)
	err = s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		acct, err := tx.FindByPasswordResetToken(ctx, tok)
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidToken
		}
		if err != nil {
			return err
		}

		expired := acct.PasswordResetExpired(s.now())
		acct.ClearPasswordReset()
		if !expired {
			acct.PasswordHash = hash
			acct.ClearRefreshTokens()
		}
		if err := tx.Save(ctx, acct); err != nil {
			return err
		}
		if expired {
			refusal = ErrInvalidToken
		}
		email = acct.Email
		return nil
	})
	if err != nil {
		return fmt.Errorf("set new password: %w", err)
	}
	if refusal != nil {
		return refusal
	}

	if err := s.notifier.SendPasswordChanged(ctx, email); err != nil {
		s.log.WarnContext(ctx, "password changed email failed", "error", err)
	}
	return nil
}

// CanRefresh reports whether the account behind email holds any refresh token.
// Lookup failures read as false.
func (s *Service) CanRefresh(ctx context.Context, email string) bool {
	var ok bool
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		acct, err := tx.FindByEmail(ctx, normalizeEmail(email))
		if err != nil {
			return err
		}
		ok = acct.HasActiveSession()
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.log.ErrorContext(ctx, "can refresh lookup failed", "error", err)
	}
	return err == nil && ok
}

// AccessToken issues an access token from the account's current state.
func (s *Service) AccessToken(acct *store.Account) (string, error) {
	return s.tokens.Issue(SubjectOf(acct))
}

// SubjectOf snapshots the identity fields carried in an access token.
func SubjectOf(acct *store.Account) token.Subject {
	return token.Subject{
		Version:       token.SubjectVersion,
		Email:         acct.Email,
		Name:          acct.Name,
		Roles:         acct.Roles.Strings(),
		AuthProviders: acct.AuthProviders.Strings(),
		Verified:      acct.IsVerified,
	}
}

func (s *Service) session(acct *store.Account, rt store.RefreshToken) (*Session, error) {
	access, err := s.AccessToken(acct)
	if err != nil {
		return nil, err
	}
	return &Session{AccessToken: access, RefreshToken: rt.Token, RefreshExpiry: rt.Expiry, Account: acct}, nil
}

func (s *Service) newRefreshToken() (store.RefreshToken, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return store.RefreshToken{}, err
	}
	tok, err := uuid.NewV4()
	if err != nil {
		return store.RefreshToken{}, err
	}
	return store.RefreshToken{ID: id, Token: tok, Expiry: s.now().Add(s.cfg.RefreshTTL)}, nil
}

// notifyCritical sends a verification email whose loss would strand the user.
func (s *Service) notifyCritical(ctx context.Context, tx store.Tx, email string, reason mail.Reason) error {
	return s.applyNotifyPolicy(ctx, reason, s.notifier.SendVerification(ctx, tx, email, reason))
}

// applyNotifyPolicy turns a dispatch failure into ErrNotificationServiceFailed
// under NotifyFail, or a log line under NotifyLog. Storage errors pass through.
func (s *Service) applyNotifyPolicy(ctx context.Context, reason mail.Reason, err error) error {
	if err == nil {
		return nil
	}
	if !errors.Is(err, mail.ErrDispatchFailed) {
		return err
	}
	if s.cfg.NotifyPolicy == NotifyLog {
		s.log.WarnContext(ctx, "notification failed, continuing", "reason", reason, "error", err)
		return nil
	}
	s.log.ErrorContext(ctx, "notification failed", "reason", reason, "error", err)
	return ErrNotificationServiceFailed
}

// remind sends a not-verified reminder after a refusal has been decided.
// The pending record is touched in a unit of work of its own and the email
// leaves after that commits. Its failure never changes the outcome.
func (s *Service) remind(ctx context.Context, email string, reason mail.Reason) {
	var out mail.Outgoing
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = s.notifier.PrepareVerification(ctx, tx, email, reason)
		return err
	})
	if err == nil {
		err = s.notifier.Dispatch(ctx, out)
	}
	if err != nil {
		s.log.WarnContext(ctx, "reminder notification failed", "reason", reason, "error", err)
	}
}

func conflictAsEmailInUse(err error) error {
	if errors.Is(err, store.ErrConflict) {
		return ErrEmailInUse
	}
	return err
}

func staleAsInvalidToken(err error) error {
	if errors.Is(err, store.ErrStaleWrite) {
		return ErrInvalidToken
	}
	return err
}
