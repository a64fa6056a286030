// notifier.go -- Account notification emails and pending-verification bookkeeping.
package mail

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/ticketera/auth/internal/store"
)

// ErrNotFound is returned when no pending verification matches.
var ErrNotFound = errors.New("pending verification not found")

// PendingStore is the slice of a store transaction the notifier needs.
// store.Tx satisfies it.
type PendingStore interface {
	UpsertPendingVerification(ctx context.Context, email string, expiry time.Time) (*store.PendingVerification, error)
	FindPendingVerification(ctx context.Context, token uuid.UUID) (*store.PendingVerification, error)
	DeletePendingVerification(ctx context.Context, email string) error
}

// NotifierConfig configures link targets and lifetimes.
type NotifierConfig struct {
	VerifyURL       string        // the verification token is appended as ?token=
	ResetURL        string        // the reset token is appended as ?token=
	VerificationTTL time.Duration // lifetime of a pending verification
	ResetTTL        time.Duration // shown in the reset email
	Templates       map[Reason]Template
	Vars            map[string]string // extra placeholders for every template, e.g. appName

	// Background, when set, carries the non-critical reasons (see Reason.Critical).
	// Critical reasons always go through the synchronous sender so a failed
	// delivery reaches the caller.
	Background Sender
}

// Notifier renders and sends account notifications.
// The pending-verification writes happen in whatever transaction the caller passes in.
type Notifier struct {
	sender Sender
	cfg    NotifierConfig
	now    func() time.Time
}

func NewNotifier(sender Sender, cfg NotifierConfig) *Notifier {
	if cfg.Templates == nil {
		cfg.Templates = DefaultTemplates()
	}
	return &Notifier{sender: sender, cfg: cfg, now: time.Now}
}

// Outgoing is a rendered notification waiting for Dispatch.
type Outgoing struct {
	Reason  Reason
	Message Message
}

// SendVerification is PrepareVerification followed by Dispatch.
func (n *Notifier) SendVerification(ctx context.Context, ps PendingStore, email string, reason Reason) error {
	out, err := n.PrepareVerification(ctx, ps, email, reason)
	if err != nil {
		return err
	}
	return n.Dispatch(ctx, out)
}

// PrepareVerification does the pending-record bookkeeping for the
// verification-flavoured reasons and renders the email without sending it:
//
//   - VERIFY_EMAIL, NOT_VERIFIED_SIGN_UP, NOT_VERIFIED_LOGIN create the pending
//     record (or extend the existing one, keeping its token) and link to it.
//   - SUCCESSFULLY_VERIFIED deletes the pending record and renders a confirmation.
func (n *Notifier) PrepareVerification(ctx context.Context, ps PendingStore, email string, reason Reason) (Outgoing, error) {
	switch reason {
	case ReasonVerifyEmail, ReasonNotVerifiedSignUp, ReasonNotVerifiedLogin:
		p, err := ps.UpsertPendingVerification(ctx, email, n.now().Add(n.cfg.VerificationTTL))
		if err != nil {
			return Outgoing{}, fmt.Errorf("recording pending verification: %w", err)
		}
		return n.render(reason, email, map[string]string{
			"url":       linkWithToken(n.cfg.VerifyURL, p.Token.String()),
			"expiresIn": formatDuration(n.cfg.VerificationTTL),
		})

	case ReasonSuccessfullyVerified:
		err := ps.DeletePendingVerification(ctx, email)
		if errors.Is(err, store.ErrNotFound) {
			return Outgoing{}, ErrNotFound
		}
		if err != nil {
			return Outgoing{}, fmt.Errorf("deleting pending verification: %w", err)
		}
		return n.render(reason, email, nil)
	}
	return Outgoing{}, fmt.Errorf("reason %s is not a verification notification", reason)
}

// Dispatch hands a prepared notification to its sender.
// Transport failures are wrapped in ErrDispatchFailed.
func (n *Notifier) Dispatch(ctx context.Context, out Outgoing) error {
	sender := n.sender
	if n.cfg.Background != nil && !out.Reason.Critical() {
		sender = n.cfg.Background
	}
	if err := sender.Send(ctx, out.Message); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDispatchFailed, out.Reason, err)
	}
	return nil
}

// SendPasswordReset emails the reset link for token.
func (n *Notifier) SendPasswordReset(ctx context.Context, email string, token uuid.UUID) error {
	return n.send(ctx, ReasonPasswordReset, email, map[string]string{
		"url":       linkWithToken(n.cfg.ResetURL, token.String()),
		"expiresIn": formatDuration(n.cfg.ResetTTL),
	})
}

// SendPasswordChanged tells the owner their password was replaced.
func (n *Notifier) SendPasswordChanged(ctx context.Context, email string) error {
	return n.send(ctx, ReasonPasswordChanged, email, nil)
}

// FindFromToken resolves an unexpired pending verification by its token string.
// Unknown, malformed, and expired tokens are all ErrNotFound.
func (n *Notifier) FindFromToken(ctx context.Context, ps PendingStore, token string) (*store.PendingVerification, error) {
	tok, err := uuid.FromString(token)
	if err != nil {
		return nil, ErrNotFound
	}
	p, err := ps.FindPendingVerification(ctx, tok)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up pending verification: %w", err)
	}
	if p.Expired(n.now()) {
		return nil, ErrNotFound
	}
	return p, nil
}

func (n *Notifier) send(ctx context.Context, reason Reason, to string, owned map[string]string) error {
	out, err := n.render(reason, to, owned)
	if err != nil {
		return err
	}
	return n.Dispatch(ctx, out)
}

func (n *Notifier) render(reason Reason, to string, owned map[string]string) (Outgoing, error) {
	tmpl, ok := n.cfg.Templates[reason]
	if !ok {
		return Outgoing{}, fmt.Errorf("no template for %s", reason)
	}
	return Outgoing{Reason: reason, Message: tmpl.render(to, owned, n.cfg.Vars)}, nil
}

func linkWithToken(base, token string) string {
	return base + "?token=" + url.QueryEscape(token)
}
