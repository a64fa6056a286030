// users.go -- Role administration and self-service account management.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/ticketera/auth/internal/store"
)

// RoleChange is the direction of a SetUserRole call.
type RoleChange string

const (
	RoleAdd    RoleChange = "ADD"
	RoleRemove RoleChange = "REMOVE"
)

// ParseRoleChange accepts ADD or REMOVE.
func ParseRoleChange(s string) (RoleChange, error) {
	switch c := RoleChange(s); c {
	case RoleAdd, RoleRemove:
		return c, nil
	}
	return "", fmt.Errorf("unknown role change %q", s)
}

// SetUserRole adds or removes role on target. The caller must hold ADMIN in the store
// at the time of the call; the caller's token is not trusted for that.
func (s *Service) SetUserRole(ctx context.Context, callerEmail, targetEmail string, role store.Role, change RoleChange) error {
	callerEmail, targetEmail = normalizeEmail(callerEmail), normalizeEmail(targetEmail)

	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		caller, err := tx.FindByEmail(ctx, callerEmail)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotAdminUser
		}
		if err != nil {
			return err
		}
		if !caller.HasRole(store.RoleAdmin) {
			return ErrNotAdminUser
		}

		target := caller
		if targetEmail != callerEmail {
			target, err = tx.FindByEmail(ctx, targetEmail)
			if errors.Is(err, store.ErrNotFound) {
				return ErrEmailNotFound
			}
			if err != nil {
				return err
			}
		}

		switch change {
		case RoleAdd:
			err = target.AddRole(role)
		case RoleRemove:
			err = target.RemoveRole(role)
		default:
			return fmt.Errorf("unknown role change %q", change)
		}
		if err != nil {
			return roleError(err)
		}
		return tx.Save(ctx, target)
	})
	if err != nil {
		return fmt.Errorf("set user role: %w", err)
	}
	return nil
}

// DeleteUser removes the caller's own account, its sessions, and any pending verification.
func (s *Service) DeleteUser(ctx context.Context, callerEmail string) error {
	email := normalizeEmail(callerEmail)
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		acct, err := tx.FindByEmail(ctx, email)
		if errors.Is(err, store.ErrNotFound) {
			return ErrEmailNotFound
		}
		if err != nil {
			return err
		}
		if err := tx.Delete(ctx, acct); err != nil {
			return err
		}
		if err := tx.DeletePendingVerification(ctx, email); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

// UpdateUserDetails changes the caller's name and/or password. Nil fields are left alone.
// A new password also links LOCAL, so a provider-only account gains password login.
func (s *Service) UpdateUserDetails(ctx context.Context, callerEmail string, name, password *string) error {
	email := normalizeEmail(callerEmail)

	var hash string
	if password != nil {
		h, err := HashPassword(*password)
		if err != nil {
			return fmt.Errorf("update user details: %w", err)
		}
		hash = h
	}

	passwordChanged := false
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		acct, err := tx.FindByEmail(ctx, email)
		if errors.Is(err, store.ErrNotFound) {
			return ErrEmailNotFound
		}
		if err != nil {
			return err
		}
		if name != nil {
			acct.Name = *name
		}
		if hash != "" {
			acct.PasswordHash = hash
			acct.LinkProvider(store.ProviderLocal)
			passwordChanged = true
		}
		return tx.Save(ctx, acct)
	})
	if err != nil {
		return fmt.Errorf("update user details: %w", err)
	}

	if passwordChanged {
		if err := s.notifier.SendPasswordChanged(ctx, email); err != nil {
			s.log.WarnContext(ctx, "password changed email failed", "error", err)
		}
	}
	return nil
}

func roleError(err error) error {
	switch {
	case errors.Is(err, store.ErrRolePresent):
		return ErrRoleAlreadyHeld
	case errors.Is(err, store.ErrRoleAbsent):
		return ErrRoleNotHeld
	case errors.Is(err, store.ErrLastRole):
		return ErrLastRole
	}
	return err
}
