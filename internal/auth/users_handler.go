// users_handler.go -- HTTP handlers for the bearer-protected /user/* endpoints.
package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/ticketera/auth/internal/store"
)

// callerEmail pulls the authenticated email out of context, writing 500 if RequireAuth didn't run.
func callerEmail(w http.ResponseWriter, r *http.Request) (string, bool) {
	email, ok := EmailFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("missing auth context"))
	}
	return email, ok
}

// SetUserRole handles PUT /user/roles. Caller must be an ADMIN.
func (h *AuthHandler) SetUserRole(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Email          string `json:"email"`
		Role           string `json:"role"`
		UserRoleChange string `json:"userRoleChange"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		logWarn(r, "failed to decode role input", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}

	role, err := store.ParseRole(strings.ToUpper(input.Role))
	if err != nil {
		BadRequest(w, r, "unknown role")
		return
	}
	change, err := ParseRoleChange(strings.ToUpper(input.UserRoleChange))
	if err != nil {
		BadRequest(w, r, "userRoleChange must be ADD or REMOVE")
		return
	}

	caller, ok := callerEmail(w, r)
	if !ok {
		return
	}
	if err := h.Svc.SetUserRole(r.Context(), caller, input.Email, role, change); err != nil {
		writeError(w, r, err)
		return
	}
	logInfo(r, "user role updated", "caller", caller, "target", normalizeEmail(input.Email), "role", role, "change", change)
	OK(w, "User role updated")
}

// UpdateUserDetails handles PUT /user/details. Both fields are optional.
func (h *AuthHandler) UpdateUserDetails(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Name     *string `json:"name"`
		Password *string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		logWarn(r, "failed to decode details input", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}
	if input.Name == nil && input.Password == nil {
		BadRequest(w, r, "nothing to update")
		return
	}
	if input.Name != nil {
		trimmed := strings.TrimSpace(*input.Name)
		if trimmed == "" {
			BadRequest(w, r, "name must not be empty")
			return
		}
		input.Name = &trimmed
	}
	if input.Password != nil {
		if problems := DefaultPasswordPolicy.Validate(*input.Password); len(problems) > 0 {
			BadRequest(w, r, strings.Join(problems, "; "))
			return
		}
	}

	caller, ok := callerEmail(w, r)
	if !ok {
		return
	}
	if err := h.Svc.UpdateUserDetails(r.Context(), caller, input.Name, input.Password); err != nil {
		writeError(w, r, err)
		return
	}
	OK(w, "User details updated")
}

// DeleteUser handles DELETE /user/delete. Deletes the caller's own account.
func (h *AuthHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerEmail(w, r)
	if !ok {
		return
	}
	if err := h.Svc.DeleteUser(r.Context(), caller); err != nil {
		writeError(w, r, err)
		return
	}
	ClearRefreshCookie(w, h.Cookie)
	logInfo(r, "user deleted account")
	OK(w, "User deleted")
}
