package auth

// wiring_test.go
//
// Catches bugs where handlers, middleware and the service hand data to each other incorrectly.
//
// Shares one in-memory store and one recording sender across every call to verify
// the encoding contracts between them:
//
//   - Cookie:    Login (set refresh cookie) -> Refresh / Logout (read it back)
//   - Bearer:    Login (access token) -> RequireAuth (email into context) -> /user handlers
//   - Links:     Notifier (token in mail) -> VerifyUser / SetNewPassword
//   - Isolation: session-ending calls only touch the cookie owner's sessions

import (
	"net/http"
	"testing"

	"github.com/ticketera/auth/internal/testutil"
)

// TestWiring_LoginAccessTokenWorksWithRequireAuth verifies the bearer contract end to end.
func TestWiring_LoginAccessTokenWorksWithRequireAuth(t *testing.T) {
	hf := newHandlerFixture(t)
	access, _ := hf.loginAs(t, "seam@example.com")

	rec := hf.do(http.MethodPut, "/user/details", `{"name":"Seam"}`, withBearer(access))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (token/context mismatch?)", rec.Code)
	}
	if hf.st.Account("seam@example.com").Name != "Seam" {
		t.Error("update applied to the wrong account")
	}
}

// TestWiring_RefreshedAccessTokenWorksWithRequireAuth verifies tokens from Refresh
// carry the same subject encoding as tokens from Login.
func TestWiring_RefreshedAccessTokenWorksWithRequireAuth(t *testing.T) {
	hf := newHandlerFixture(t)
	_, refresh := hf.loginAs(t, "seam@example.com")

	rec := hf.do(http.MethodPost, "/auth/refresh", "", withCookie(RefreshCookieName, refresh))
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d", rec.Code)
	}
	rec = hf.do(http.MethodPut, "/user/details", `{"name":"Seam"}`, withBearer(accessToken(t, rec)))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with refreshed token, got %d", rec.Code)
	}
}

// TestWiring_VerificationLinkRoundTrip verifies the token the notifier mails is the one
// VerifyUser accepts, and that a verified user can then log in.
func TestWiring_VerificationLinkRoundTrip(t *testing.T) {
	hf := newHandlerFixture(t)
	rec := hf.do(http.MethodPost, "/auth/signup", `{"email":"seam@example.com","name":"S","pass":"`+testPassword+`"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("signup: %d", rec.Code)
	}
	msg, _ := hf.sender.Last("seam@example.com")

	if rec := hf.do(http.MethodGet, "/auth/verify?token="+testutil.TokenFrom(msg), ""); rec.Code != http.StatusOK {
		t.Fatalf("verify: expected 200, got %d (link encoding mismatch?)", rec.Code)
	}
	rec = hf.do(http.MethodPost, "/auth/login", `{"email":"seam@example.com","pass":"`+testPassword+`"}`)
	if rec.Code != http.StatusOK {
		t.Errorf("login after verify: expected 200, got %d", rec.Code)
	}
}

// TestWiring_PasswordReset_ClearsSessions verifies the reset link round trip and that
// every refresh token of the account dies with it.
func TestWiring_PasswordReset_ClearsSessions(t *testing.T) {
	hf := newHandlerFixture(t)
	access, refresh := hf.loginAs(t, "seam@example.com")

	if rec := hf.do(http.MethodPut, "/auth/password/token", `{"email":"seam@example.com"}`); rec.Code != http.StatusOK {
		t.Fatalf("reset request: %d", rec.Code)
	}
	msg, _ := hf.sender.Last("seam@example.com")
	rec := hf.do(http.MethodPut, "/auth/password", `{"token":"`+testutil.TokenFrom(msg)+`","pass":"fresh-password!"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("set password: expected 200, got %d (token encoding mismatch?)", rec.Code)
	}

	if rec := hf.do(http.MethodPost, "/auth/refresh", "", withCookie(RefreshCookieName, refresh)); rec.Code != http.StatusBadRequest {
		t.Errorf("old refresh cookie: expected 400, got %d", rec.Code)
	}
	if rec := hf.do(http.MethodPut, "/user/details", `{"name":"X"}`, withBearer(access)); rec.Code != http.StatusUnauthorized {
		t.Errorf("old bearer: expected 401, got %d", rec.Code)
	}
}

// --- Cross-user isolation tests ---

// TestWiring_LogoutAll_DoesNotAffectOtherUser verifies User A's logout-all
// leaves User B's sessions intact.
func TestWiring_LogoutAll_DoesNotAffectOtherUser(t *testing.T) {
	hf := newHandlerFixture(t)
	_, refreshB := hf.loginAs(t, "b@example.com")
	_, refreshA := hf.loginAs(t, "a@example.com")

	if rec := hf.do(http.MethodPost, "/auth/logout-all", "", withCookie(RefreshCookieName, refreshA)); rec.Code != http.StatusOK {
		t.Fatalf("logout-all: %d", rec.Code)
	}
	if hf.st.Account("a@example.com").HasActiveSession() {
		t.Error("user A still has sessions")
	}
	if rec := hf.do(http.MethodPost, "/auth/refresh", "", withCookie(RefreshCookieName, refreshB)); rec.Code != http.StatusOK {
		t.Errorf("user B refresh: expected 200, got %d", rec.Code)
	}
}

// TestWiring_Logout_DoesNotAffectOtherSession verifies logout ends only the cookie's session.
func TestWiring_Logout_DoesNotAffectOtherSession(t *testing.T) {
	hf := newHandlerFixture(t)
	_, first := hf.loginAs(t, "a@example.com")
	rec := hf.do(http.MethodPost, "/auth/login", `{"email":"a@example.com","pass":"`+testPassword+`"}`)
	second := responseCookie(rec, RefreshCookieName).Value

	if rec := hf.do(http.MethodPost, "/auth/logout", "", withCookie(RefreshCookieName, first)); rec.Code != http.StatusOK {
		t.Fatalf("logout: %d", rec.Code)
	}
	if rec := hf.do(http.MethodPost, "/auth/refresh", "", withCookie(RefreshCookieName, second)); rec.Code != http.StatusOK {
		t.Errorf("second session refresh: expected 200, got %d", rec.Code)
	}
}

// TestWiring_DeleteUser_DoesNotAffectOtherUser verifies deletion is scoped to the bearer's owner.
func TestWiring_DeleteUser_DoesNotAffectOtherUser(t *testing.T) {
	hf := newHandlerFixture(t)
	hf.loginAs(t, "b@example.com")
	accessA, _ := hf.loginAs(t, "a@example.com")

	if rec := hf.do(http.MethodDelete, "/user/delete", "", withBearer(accessA)); rec.Code != http.StatusOK {
		t.Fatalf("delete: %d", rec.Code)
	}
	if hf.st.Account("a@example.com") != nil {
		t.Error("user A still exists")
	}
	if b := hf.st.Account("b@example.com"); b == nil || !b.HasActiveSession() {
		t.Error("user B was affected")
	}
}
