// session.go

// Refresh token cookie management.
package auth

import (
	"net/http"
	"time"
)

// RefreshCookieName is the cookie carrying the opaque refresh token.
const RefreshCookieName = "refreshToken"

// CookieConfig controls the refresh cookie. Domain is optional.
type CookieConfig struct {
	Domain string
	MaxAge time.Duration
}

// SetRefreshCookie writes refreshToken with HttpOnly, Secure, Path=/.
func SetRefreshCookie(w http.ResponseWriter, cfg CookieConfig, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    value,
		Path:     "/",
		Domain:   cfg.Domain,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(cfg.MaxAge.Seconds()),
	})
}

// ClearRefreshCookie overwrites refreshToken with MaxAge=-1 so the browser drops it.
func ClearRefreshCookie(w http.ResponseWriter, cfg CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    "",
		Path:     "/",
		Domain:   cfg.Domain,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// refreshCookie returns the refresh token value, or "" if the cookie is absent.
func refreshCookie(r *http.Request) string {
	c, err := r.Cookie(RefreshCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}
