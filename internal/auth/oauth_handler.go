// oauth_handler.go -- Generic OAuth2 redirect and callback handlers.
// Provider-specific logic lives in internal/oauth/*.go.
// Adding a provider: implement oauth.Provider, register it in OAuthProviders in main.go,
// and add its name to store.AuthProvider.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ticketera/auth/internal/oauth"
	"github.com/ticketera/auth/internal/store"
)

const oauthStateCookieName = "__Host-oauth-state"

// oauthStateCookie is the payload stored in __Host-oauth-state during the OAuth round-trip.
type oauthStateCookie struct {
	State    string `json:"state"`
	Verifier string `json:"verifier"`
}

// OAuthRedirect handles GET /oauth/{provider}. Generates PKCE + state, stores them in a
// short-lived HttpOnly cookie, and redirects to the provider's consent page.
func (h *AuthHandler) OAuthRedirect(w http.ResponseWriter, r *http.Request) {
	provider, _, ok := h.oauthProvider(w, r)
	if !ok {
		return
	}

	var stateBytes, verifierBytes [32]byte
	if _, err := rand.Read(stateBytes[:]); err != nil {
		InternalServerError(w, r, err)
		return
	}
	if _, err := rand.Read(verifierBytes[:]); err != nil {
		InternalServerError(w, r, err)
		return
	}

	state := base64.RawURLEncoding.EncodeToString(stateBytes[:])
	codeVerifier := base64.RawURLEncoding.EncodeToString(verifierBytes[:])
	challenge := sha256.Sum256([]byte(codeVerifier))

	setOAuthStateCookie(w, state, codeVerifier)
	http.Redirect(w, r, provider.AuthCodeURL(state, base64.RawURLEncoding.EncodeToString(challenge[:])), http.StatusFound)
}

// OAuthCallback handles GET /oauth/{provider}/callback. Verifies state, exchanges the code
// for claims, then logs in or registers through the service.
//
// 200 {accessToken} + refresh cookie for an existing verified account;
// 201 with no tokens when a new account was created and awaits email verification.
func (h *AuthHandler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider, kind, ok := h.oauthProvider(w, r)
	if !ok {
		return
	}

	// Read and immediately clear the state cookie to prevent replay.
	stateCookie, err := r.Cookie(oauthStateCookieName)
	if err != nil {
		logWarn(r, "oauth callback: missing state cookie")
		BadRequest(w, r, "missing oauth state")
		return
	}
	clearOAuthStateCookie(w)

	rawJSON, err := base64.RawURLEncoding.DecodeString(stateCookie.Value)
	if err != nil {
		logWarn(r, "oauth callback: bad state cookie encoding", "error", err)
		BadRequest(w, r, "invalid oauth state")
		return
	}
	var sc oauthStateCookie
	if err := json.Unmarshal(rawJSON, &sc); err != nil {
		logWarn(r, "oauth callback: bad state cookie json", "error", err)
		BadRequest(w, r, "invalid oauth state")
		return
	}
	if subtle.ConstantTimeCompare([]byte(sc.State), []byte(r.URL.Query().Get("state"))) != 1 {
		logWarn(r, "oauth callback: state mismatch")
		Unauthorized(w, r, "invalid oauth state")
		return
	}

	claims, err := provider.Exchange(r.Context(), r.URL.Query().Get("code"), sc.Verifier)
	if err != nil {
		logWarn(r, "oauth callback: exchange failed", "error", err, "provider", provider.Name())
		Unauthorized(w, r, "oauth authentication failed")
		return
	}
	if claims.Email == "" || !claims.EmailVerified {
		Unauthorized(w, r, "oauth account email is not verified")
		return
	}

	name := claims.Name
	if name == "" {
		name, _, _ = strings.Cut(claims.Email, "@")
	}

	res, err := h.Svc.LoginOrCreateOAuth(r.Context(), claims.Email, name, kind)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if res.Created && !res.Account.IsVerified {
		logInfo(r, "oauth user created, awaiting verification", "user_id", res.Account.ID, "provider", provider.Name())
		Created(w, "User created, verification email sent")
		return
	}

	access, err := h.Svc.AccessToken(res.Account)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	SetRefreshCookie(w, h.Cookie, res.RefreshToken.String())
	logInfo(r, "oauth user logged in", "user_id", res.Account.ID, "provider", provider.Name())
	accessTokenResponse(w, http.StatusOK, access)
}

// oauthProvider reads the {provider} URL param and looks it up in OAuthProviders.
// Writes 404 and returns ok=false when the provider is not configured.
func (h *AuthHandler) oauthProvider(w http.ResponseWriter, r *http.Request) (oauth.Provider, store.AuthProvider, bool) {
	name := chi.URLParam(r, "provider")
	p, ok := h.OAuthProviders[name]
	if !ok {
		NotFound(w)
		return nil, "", false
	}
	kind, err := store.ParseProvider(strings.ToUpper(p.Name()))
	if err != nil {
		InternalServerError(w, r, err)
		return nil, "", false
	}
	return p, kind, true
}

// setOAuthStateCookie stores state + PKCE verifier in a short-lived HttpOnly cookie.
func setOAuthStateCookie(w http.ResponseWriter, state, verifier string) {
	payload, _ := json.Marshal(oauthStateCookie{State: state, Verifier: verifier})
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookieName,
		Value:    base64.RawURLEncoding.EncodeToString(payload),
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   600, // 10 minutes
	})
}

// clearOAuthStateCookie expires the OAuth state cookie immediately.
func clearOAuthStateCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}
