// responses.go -- Package-wide HTTP response helpers.
//
// Shared by handlers and middleware. Messages are fixed ASCII strings, never
// user input, so string concat is safe here.
package auth

import (
	"net/http"
)

// writeMessage writes {"message": message} with the given status.
func writeMessage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"message":"` + message + `"}`))
}

// InternalServerError logs the error and returns a generic 500 JSON response.
// Never exposes internal error details.
func InternalServerError(w http.ResponseWriter, r *http.Request, err error) {
	logError(r, "internal server error", "error", err)
	writeMessage(w, http.StatusInternalServerError, ErrRequestFailed.Message)
}

// BadRequest returns a 400 JSON response with the given message.
func BadRequest(w http.ResponseWriter, r *http.Request, message string) {
	writeMessage(w, http.StatusBadRequest, message)
}

// Unauthorized returns a 401 JSON response. Keep message generic.
func Unauthorized(w http.ResponseWriter, r *http.Request, message string) {
	writeMessage(w, http.StatusUnauthorized, message)
}

// NotFound returns a 404 JSON response.
func NotFound(w http.ResponseWriter) {
	writeMessage(w, http.StatusNotFound, "not found")
}

// TooManyRequests returns a 429 JSON response.
func TooManyRequests(w http.ResponseWriter) {
	writeMessage(w, http.StatusTooManyRequests, "too many requests")
}

// OK returns a 200 JSON response with the given message.
func OK(w http.ResponseWriter, message string) {
	writeMessage(w, http.StatusOK, message)
}

// Created returns a 201 JSON response with the given message.
func Created(w http.ResponseWriter, message string) {
	writeMessage(w, http.StatusCreated, message)
}

// accessTokenResponse writes {"accessToken": token}. JWTs are base64url and dot, no escaping needed.
func accessTokenResponse(w http.ResponseWriter, status int, token string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"accessToken":"` + token + `"}`))
}

// writeError maps a service error to its status and message.
// Business errors surface as-is; everything else is a logged 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, message, ok := statusOf(err)
	if !ok {
		InternalServerError(w, r, err)
		return
	}
	if status >= http.StatusInternalServerError {
		logError(r, "request failed", "error", err)
	} else {
		logInfo(r, "request refused", "reason", message)
	}
	writeMessage(w, status, message)
}
