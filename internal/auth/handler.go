// handler.go -- HTTP handlers for the /auth/* endpoints.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ticketera/auth/internal/oauth"
	"github.com/ticketera/auth/internal/store"
)

// RateLimiter checks and records rate limit state for a given key and policy.
// Satisfied by *store.RedisRateLimiter and store.NoopRateLimiter -- defined here per Go convention.
type RateLimiter interface {
	// Allow records the attempt. Returns store.ErrRateLimitExceeded when locked out.
	Allow(ctx context.Context, key string, policy store.RateLimit) error

	// Reset clears counters and lockout for key.
	Reset(ctx context.Context, key string) error
}

// CaptchaVerifier checks a client CAPTCHA token. Satisfied by *captcha.TurnstileVerifier.
type CaptchaVerifier interface {
	Verify(ctx context.Context, token, remoteIP string) error
}

// Policies groups the per-email rate limit policies.
type Policies struct {
	Login         store.RateLimit
	PasswordReset store.RateLimit
}

// DefaultPolicies: 10 logins per 10m (15m lockout), 3 reset requests per hour.
var DefaultPolicies = Policies{
	Login:         store.RateLimit{MaxAttempts: 10, Window: 10 * time.Minute, LockoutTTL: 15 * time.Minute},
	PasswordReset: store.RateLimit{MaxAttempts: 3, Window: time.Hour, LockoutTTL: time.Hour},
}

// AuthHandler holds dependencies for all HTTP handlers and middleware.
type AuthHandler struct {
	Svc      *Service
	Tokens   TokenVerifier
	RL       RateLimiter
	Captcha  CaptchaVerifier // nil disables CAPTCHA checks
	Policies Policies
	Cookie   CookieConfig

	OAuthProviders map[string]oauth.Provider

	DB    HealthChecker
	Cache HealthChecker // nil reads as disabled
}

// SignUp handles POST /auth/signup.
// Returns 201 once the account exists and the verification email is out.
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Email        string `json:"email"`
		Name         string `json:"name"`
		Pass         string `json:"pass"`
		CaptchaToken string `json:"captcha_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		logWarn(r, "failed to decode signup input", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}

	email := normalizeEmail(input.Email)
	if msg := ValidateEmail(email); msg != "" {
		BadRequest(w, r, msg)
		return
	}
	if strings.TrimSpace(input.Name) == "" {
		BadRequest(w, r, "name is required")
		return
	}
	if problems := DefaultPasswordPolicy.Validate(input.Pass); len(problems) > 0 {
		BadRequest(w, r, strings.Join(problems, "; "))
		return
	}
	if !h.checkCaptcha(w, r, input.CaptchaToken) {
		return
	}

	if err := h.Svc.SignUp(r.Context(), email, strings.TrimSpace(input.Name), input.Pass); err != nil {
		writeError(w, r, err)
		return
	}
	logInfo(r, "user signed up", "email", email)
	Created(w, "User created, verification email sent")
}

// Login handles POST /auth/login. Issues an access token and the refresh cookie.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Email string `json:"email"`
		Pass  string `json:"pass"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		logWarn(r, "failed to decode login input", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}

	email := normalizeEmail(input.Email)
	if msg := ValidateEmail(email); msg != "" {
		BadRequest(w, r, msg)
		return
	}
	if input.Pass == "" {
		BadRequest(w, r, "password is required")
		return
	}

	key := "login:" + email
	if !h.allow(w, r, key, h.Policies.Login) {
		return
	}

	sess, err := h.Svc.Login(r.Context(), email, input.Pass)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.RL.Reset(r.Context(), key); err != nil {
		logWarn(r, "failed to reset login rate limit", "error", err)
	}

	SetRefreshCookie(w, h.Cookie, sess.RefreshToken.String())
	logInfo(r, "user logged in", "user_id", sess.Account.ID)
	accessTokenResponse(w, http.StatusOK, sess.AccessToken)
}

// Refresh handles POST /auth/refresh. Rotates the refresh cookie and returns a new access token.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	tok := refreshCookie(r)
	if tok == "" {
		BadRequest(w, r, ErrInvalidToken.Message)
		return
	}

	sess, err := h.Svc.Refresh(r.Context(), tok)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			ClearRefreshCookie(w, h.Cookie)
		}
		writeError(w, r, err)
		return
	}

	SetRefreshCookie(w, h.Cookie, sess.RefreshToken.String())
	accessTokenResponse(w, http.StatusOK, sess.AccessToken)
}

// Logout handles POST /auth/logout. Ends the session behind the refresh cookie.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.endSessions(w, r, h.Svc.Logout, "logged out")
}

// LogoutAll handles POST /auth/logout-all. Ends every session of the cookie's owner.
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	h.endSessions(w, r, h.Svc.LogoutAll, "logged out of all devices")
}

func (h *AuthHandler) endSessions(w http.ResponseWriter, r *http.Request, end func(context.Context, string) error, msg string) {
	tok := refreshCookie(r)
	if tok == "" {
		BadRequest(w, r, ErrInvalidToken.Message)
		return
	}
	if err := end(r.Context(), tok); err != nil {
		writeError(w, r, err)
		return
	}
	ClearRefreshCookie(w, h.Cookie)
	logInfo(r, msg)
	OK(w, msg)
}

// VerifyUser handles GET /auth/verify?token=.
func (h *AuthHandler) VerifyUser(w http.ResponseWriter, r *http.Request) {
	tok := r.URL.Query().Get("token")
	if tok == "" {
		BadRequest(w, r, ErrInvalidToken.Message)
		return
	}
	if err := h.Svc.VerifyUser(r.Context(), tok); err != nil {
		writeError(w, r, err)
		return
	}
	logInfo(r, "user verified")
	OK(w, "User verified")
}

// RequestPasswordReset handles PUT /auth/password/token. Emails a reset link.
func (h *AuthHandler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Email        string `json:"email"`
		CaptchaToken string `json:"captcha_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		logWarn(r, "failed to decode password reset input", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}

	email := normalizeEmail(input.Email)
	if msg := ValidateEmail(email); msg != "" {
		BadRequest(w, r, msg)
		return
	}
	if !h.checkCaptcha(w, r, input.CaptchaToken) {
		return
	}
	// keyed before lookup so a locked-out caller learns nothing about the email
	if !h.allow(w, r, "reset:"+email, h.Policies.PasswordReset) {
		return
	}

	if err := h.Svc.SetPasswordResetToken(r.Context(), email); err != nil {
		writeError(w, r, err)
		return
	}
	OK(w, "Password reset email sent")
}

// SetNewPassword handles PUT /auth/password. Redeems a reset token.
func (h *AuthHandler) SetNewPassword(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Token string `json:"token"`
		Pass  string `json:"pass"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		logWarn(r, "failed to decode new password input", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}
	if input.Token == "" {
		BadRequest(w, r, ErrInvalidToken.Message)
		return
	}
	if problems := DefaultPasswordPolicy.Validate(input.Pass); len(problems) > 0 {
		BadRequest(w, r, strings.Join(problems, "; "))
		return
	}

	if err := h.Svc.SetNewPassword(r.Context(), input.Token, input.Pass); err != nil {
		writeError(w, r, err)
		return
	}
	logInfo(r, "password reset completed")
	OK(w, "Password updated")
}

// allow applies policy to key. Writes 429 or 500 and returns false when the request must stop.
func (h *AuthHandler) allow(w http.ResponseWriter, r *http.Request, key string, policy store.RateLimit) bool {
	err := h.RL.Allow(r.Context(), key, policy)
	if err == nil {
		return true
	}
	if errors.Is(err, store.ErrRateLimitExceeded) {
		logInfo(r, "rate limited", "key", key)
		TooManyRequests(w)
		return false
	}
	InternalServerError(w, r, err)
	return false
}

// checkCaptcha verifies token when a CaptchaVerifier is configured.
// Writes 400 and returns false on rejection.
func (h *AuthHandler) checkCaptcha(w http.ResponseWriter, r *http.Request, token string) bool {
	if h.Captcha == nil {
		return true
	}
	if token == "" {
		BadRequest(w, r, "captcha_token is required")
		return false
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	if err := h.Captcha.Verify(r.Context(), token, ip); err != nil {
		logWarn(r, "captcha rejected", "error", err)
		BadRequest(w, r, "captcha verification failed")
		return false
	}
	return true
}
