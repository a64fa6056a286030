// errors.go -- Business errors surfaced to clients.
//
// Every refusal the service can produce is one of the values below. The HTTP
// layer maps Kind+Message to a status and a {"message": ...} body; anything
// else becomes a generic 500 "Request Failed".
package auth

import (
	"errors"
	"net/http"
)

// Kind groups business errors by what went wrong.
type Kind int

const (
	KindInvalidUser Kind = iota + 1
	KindAuth
	KindIllegalArgument
	KindInvalidRoleUpdate
)

// Error is a client-facing business error.
type Error struct {
	Kind    Kind
	Message string
	Status  int
}

func (e *Error) Error() string { return e.Message }

var (
	ErrEmailNotFound   = &Error{KindInvalidUser, "User Email not found", http.StatusBadRequest}
	ErrInvalidPassword = &Error{KindInvalidUser, "Invalid User password", http.StatusBadRequest}
	ErrInvalidToken    = &Error{KindInvalidUser, "Invalid Token", http.StatusBadRequest}

	ErrUserNotVerified           = &Error{KindAuth, "User Not Verified", http.StatusBadRequest}
	ErrNotAdminUser              = &Error{KindAuth, "Not Admin User", http.StatusBadRequest}
	ErrRequestFailed             = &Error{KindAuth, "Request Failed", http.StatusInternalServerError}
	ErrNotificationServiceFailed = &Error{KindAuth, "Notifications Service Failed", http.StatusInternalServerError}

	ErrEmailInUse = &Error{KindIllegalArgument, "Email already in use", http.StatusBadRequest}

	ErrRoleAlreadyHeld = &Error{KindInvalidRoleUpdate, "The User Already has the role", http.StatusBadRequest}
	ErrRoleNotHeld     = &Error{KindInvalidRoleUpdate, "The User Does not have the role", http.StatusBadRequest}
	ErrLastRole        = &Error{KindInvalidRoleUpdate, "The User must keep at least one role", http.StatusBadRequest}
)

// statusOf maps err to the HTTP status and message clients see.
// Unclassified errors read as a generic failure and report ok=false.
func statusOf(err error) (status int, message string, ok bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Status, e.Message, true
	}
	return http.StatusInternalServerError, ErrRequestFailed.Message, false
}
