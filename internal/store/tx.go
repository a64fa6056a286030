// tx.go -- Transaction contract shared by the account stores.
package store

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Tx is the set of reads and writes available inside one unit of work.
// Finders lock the account row they return until the transaction ends, so two
// units of work on the same account run one after the other.
type Tx interface {
	FindByEmail(ctx context.Context, email string) (*Account, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	FindByRefreshToken(ctx context.Context, token uuid.UUID) (*Account, error)
	FindByPasswordResetToken(ctx context.Context, token uuid.UUID) (*Account, error)

	// Save upserts the account row and reconciles its refresh tokens:
	// tokens no longer attached are deleted, new ones inserted.
	// Returns ErrConflict on a unique violation and ErrStaleWrite if a
	// token being removed was already gone.
	Save(ctx context.Context, a *Account) error
	Delete(ctx context.Context, a *Account) error

	// UpsertPendingVerification creates the email's pending record with a fresh
	// token, or extends the expiry of the existing one keeping its token.
	UpsertPendingVerification(ctx context.Context, email string, expiry time.Time) (*PendingVerification, error)
	FindPendingVerification(ctx context.Context, token uuid.UUID) (*PendingVerification, error)
	DeletePendingVerification(ctx context.Context, email string) error
}

// TxFunc is a unit of work. Returning an error rolls the transaction back.
type TxFunc func(ctx context.Context, tx Tx) error
