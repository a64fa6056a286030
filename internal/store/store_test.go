package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// accountStore is what both backends expose to the service layer.
type accountStore interface {
	InTx(ctx context.Context, fn TxFunc) error
	Cleanup(ctx context.Context, now time.Time) (int64, error)
}

// backends returns every store the contract tests run against.
// SQLite always runs; Postgres only when TEST_DATABASE_URL is set.
func backends(t *testing.T) map[string]func(t *testing.T) accountStore {
	t.Helper()
	return map[string]func(t *testing.T) accountStore{
		"sqlite": func(t *testing.T) accountStore {
			s, err := NewSQLiteStore(":memory:")
			require.NoError(t, err)
			t.Cleanup(s.Close)
			return s
		},
		"postgres": func(t *testing.T) accountStore {
			return requirePostgres(t)
		},
	}
}

// --- Helpers ---

func uniqueEmail(t *testing.T) string {
	t.Helper()
	return uuid.Must(uuid.NewV4()).String() + "@example.com"
}

func newTestAccount(t *testing.T, email string) *Account {
	t.Helper()
	a, err := NewAccount(email, "Test User")
	require.NoError(t, err)
	a.PasswordHash = "$argon2id$v=19$m=65536,t=1,p=4$c2FsdA$aGFzaA"
	a.LinkProvider(ProviderLocal)
	return a
}

func newRefreshToken(expiry time.Time) RefreshToken {
	return RefreshToken{ID: uuid.Must(uuid.NewV7()), Token: uuid.Must(uuid.NewV4()), Expiry: expiry}
}

func mustSave(t *testing.T, s accountStore, a *Account) {
	t.Helper()
	err := s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.Save(ctx, a)
	})
	require.NoError(t, err)
}

func mustFind(t *testing.T, s accountStore, email string) *Account {
	t.Helper()
	var got *Account
	err := s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		var err error
		got, err = tx.FindByEmail(ctx, email)
		return err
	})
	require.NoError(t, err)
	return got
}

func TestStoreContract(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("save then find by email round-trips", func(t *testing.T) {
				s := open(t)
				a := newTestAccount(t, uniqueEmail(t))
				require.NoError(t, a.AddRole(RoleAdmin))
				a.LinkProvider(ProviderGoogle)
				mustSave(t, s, a)

				got := mustFind(t, s, a.Email)
				assert.Equal(t, a.ID, got.ID)
				assert.Equal(t, a.Name, got.Name)
				assert.Equal(t, a.PasswordHash, got.PasswordHash)
				assert.Equal(t, []string{"ADMIN", "USER"}, got.Roles.Strings())
				assert.Equal(t, []string{"GOOGLE", "LOCAL"}, got.AuthProviders.Strings())
				assert.False(t, got.IsVerified)
				assert.Nil(t, got.PasswordResetToken)
			})

			t.Run("missing email is ErrNotFound", func(t *testing.T) {
				s := open(t)
				err := s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
					_, err := tx.FindByEmail(ctx, uniqueEmail(t))
					return err
				})
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("ExistsByEmail", func(t *testing.T) {
				s := open(t)
				a := newTestAccount(t, uniqueEmail(t))
				mustSave(t, s, a)
				err := s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
					ok, err := tx.ExistsByEmail(ctx, a.Email)
					require.NoError(t, err)
					assert.True(t, ok)
					ok, err = tx.ExistsByEmail(ctx, uniqueEmail(t))
					require.NoError(t, err)
					assert.False(t, ok)
					return nil
				})
				require.NoError(t, err)
			})

			t.Run("duplicate email is ErrConflict", func(t *testing.T) {
				s := open(t)
				email := uniqueEmail(t)
				mustSave(t, s, newTestAccount(t, email))
				err := s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
					return tx.Save(ctx, newTestAccount(t, email))
				})
				assert.ErrorIs(t, err, ErrConflict)
			})

			t.Run("save reconciles refresh tokens", func(t *testing.T) {
				s := open(t)
				a := newTestAccount(t, uniqueEmail(t))
				keep := newRefreshToken(time.Now().Add(time.Hour))
				drop := newRefreshToken(time.Now().Add(time.Hour))
				a.AddRefreshToken(keep)
				a.AddRefreshToken(drop)
				mustSave(t, s, a)

				a.RemoveRefreshToken(drop.Token)
				added := newRefreshToken(time.Now().Add(2 * time.Hour))
				a.AddRefreshToken(added)
				mustSave(t, s, a)

				got := mustFind(t, s, a.Email)
				require.Len(t, got.RefreshTokens, 2)
				_, ok := got.RefreshToken(keep.Token)
				assert.True(t, ok)
				_, ok = got.RefreshToken(added.Token)
				assert.True(t, ok)
				_, ok = got.RefreshToken(drop.Token)
				assert.False(t, ok)
			})

			t.Run("find by refresh token", func(t *testing.T) {
				s := open(t)
				a := newTestAccount(t, uniqueEmail(t))
				rt := newRefreshToken(time.Now().Add(time.Hour))
				a.AddRefreshToken(rt)
				mustSave(t, s, a)

				err := s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
					got, err := tx.FindByRefreshToken(ctx, rt.Token)
					require.NoError(t, err)
					assert.Equal(t, a.ID, got.ID)

					_, err = tx.FindByRefreshToken(ctx, uuid.Must(uuid.NewV4()))
					assert.ErrorIs(t, err, ErrNotFound)
					return nil
				})
				require.NoError(t, err)
			})

			t.Run("find by password reset token", func(t *testing.T) {
				s := open(t)
				a := newTestAccount(t, uniqueEmail(t))
				tok := uuid.Must(uuid.NewV4())
				a.SetPasswordReset(tok, time.Now().Add(time.Hour))
				mustSave(t, s, a)

				err := s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
					got, err := tx.FindByPasswordResetToken(ctx, tok)
					require.NoError(t, err)
					assert.Equal(t, a.ID, got.ID)
					require.NotNil(t, got.PasswordResetExpiry)
					return nil
				})
				require.NoError(t, err)
			})

			t.Run("concurrent rotation of one refresh token has one winner", func(t *testing.T) {
				s := open(t)
				a := newTestAccount(t, uniqueEmail(t))
				rt := newRefreshToken(time.Now().Add(time.Hour))
				a.AddRefreshToken(rt)
				mustSave(t, s, a)

				const n = 16
				var (
					wg     sync.WaitGroup
					mu     sync.Mutex
					wins   int
					losses []error
				)
				for range n {
					wg.Add(1)
					go func() {
						defer wg.Done()
						err := s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
							acct, err := tx.FindByRefreshToken(ctx, rt.Token)
							if err != nil {
								return err
							}
							acct.RemoveRefreshToken(rt.Token)
							acct.AddRefreshToken(newRefreshToken(time.Now().Add(time.Hour)))
							return tx.Save(ctx, acct)
						})
						mu.Lock()
						defer mu.Unlock()
						if err == nil {
							wins++
							return
						}
						losses = append(losses, err)
					}()
				}
				wg.Wait()

				assert.Equal(t, 1, wins)
				for _, err := range losses {
					assert.True(t, errors.Is(err, ErrNotFound) || errors.Is(err, ErrStaleWrite),
						"loser must see the token gone, got %v", err)
				}
				got := mustFind(t, s, a.Email)
				assert.Len(t, got.RefreshTokens, 1)
				_, ok := got.RefreshToken(rt.Token)
				assert.False(t, ok, "rotated token must be consumed")
			})

			t.Run("error in fn rolls back", func(t *testing.T) {
				s := open(t)
				a := newTestAccount(t, uniqueEmail(t))
				boom := errors.New("boom")
				err := s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
					require.NoError(t, tx.Save(ctx, a))
					return boom
				})
				assert.ErrorIs(t, err, boom)

				err = s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
					_, err := tx.FindByEmail(ctx, a.Email)
					return err
				})
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("delete removes account and tokens", func(t *testing.T) {
				s := open(t)
				a := newTestAccount(t, uniqueEmail(t))
				rt := newRefreshToken(time.Now().Add(time.Hour))
				a.AddRefreshToken(rt)
				mustSave(t, s, a)

				err := s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
					return tx.Delete(ctx, a)
				})
				require.NoError(t, err)

				err = s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
					_, err := tx.FindByRefreshToken(ctx, rt.Token)
					return err
				})
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("pending verification upsert keeps token and extends expiry", func(t *testing.T) {
				s := open(t)
				email := uniqueEmail(t)
				first := time.Now().Add(time.Hour).Truncate(time.Second)
				second := first.Add(24 * time.Hour)

				var p1, p2 *PendingVerification
				err := s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
					var err error
					p1, err = tx.UpsertPendingVerification(ctx, email, first)
					return err
				})
				require.NoError(t, err)
				err = s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
					var err error
					p2, err = tx.UpsertPendingVerification(ctx, email, second)
					return err
				})
				require.NoError(t, err)

				assert.Equal(t, p1.Token, p2.Token)
				assert.True(t, p2.Expiry.Equal(second), "expiry %v, want %v", p2.Expiry, second)

				err = s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
					got, err := tx.FindPendingVerification(ctx, p1.Token)
					require.NoError(t, err)
					assert.Equal(t, email, got.Email)

					require.NoError(t, tx.DeletePendingVerification(ctx, email))
					assert.ErrorIs(t, tx.DeletePendingVerification(ctx, email), ErrNotFound)

					_, err = tx.FindPendingVerification(ctx, p1.Token)
					assert.ErrorIs(t, err, ErrNotFound)
					return nil
				})
				require.NoError(t, err)
			})

			t.Run("cleanup removes expired tokens only", func(t *testing.T) {
				s := open(t)
				a := newTestAccount(t, uniqueEmail(t))
				live := newRefreshToken(time.Now().Add(time.Hour))
				dead := newRefreshToken(time.Now().Add(-time.Hour))
				a.AddRefreshToken(live)
				a.AddRefreshToken(dead)
				mustSave(t, s, a)

				removed, err := s.Cleanup(context.Background(), time.Now())
				require.NoError(t, err)
				assert.GreaterOrEqual(t, removed, int64(1))

				got := mustFind(t, s, a.Email)
				require.Len(t, got.RefreshTokens, 1)
				assert.Equal(t, live.Token, got.RefreshTokens[0].Token)
			})
		})
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	ps := requirePostgres(t)
	// TestMain already applied everything; a second pass must be a no-op
	require.NoError(t, ps.Migrate(context.Background(), os.DirFS("../../migrations")))
}
