// e2e_test.go
//
// Level 3 integration tests: exercises run() end-to-end over a throwaway SQLite
// database. Mail is captured by a recording sender so tests can follow the
// verification and reset links. Redis is left unset (rate limiting disabled).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ticketera/auth/internal/auth"
	"github.com/ticketera/auth/internal/config"
	"github.com/ticketera/auth/internal/testutil"
	"github.com/ticketera/auth/internal/token"
)

// e2eServerURL is the base URL of the running test server.
// Empty if run() failed to start; e2e tests skip in that case.
var e2eServerURL string

// e2eMail captures outbound email so e2e tests can extract tokens.
var e2eMail = &testutil.RecordingSender{}

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "auth-e2e-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "e2e: creating temp dir: %v\n", err)
		os.Exit(1)
	}

	cfg := &config.Config{
		Port:                "0", // OS picks a free port
		LogLevel:            slog.LevelWarn,
		StoreDriver:         "sqlite",
		SQLitePath:          filepath.Join(dir, "auth.db"),
		JWTKey:              []byte(strings.Repeat("e", token.MinKeyLen)),
		AccessTokenTTL:      15 * time.Minute,
		RefreshTokenTTL:     24 * time.Hour,
		VerificationTTL:     time.Hour,
		PasswordResetTTL:    time.Hour,
		CleanupInterval:     time.Hour,
		VerifyURL:           "https://app.example.com/verify",
		ResetURL:            "https://app.example.com/reset",
		MailAppName:         "Ticketera",
		NotifyFailurePolicy: "fail",
		RateLoginMax:        10,
		RateLoginWindow:     10 * time.Minute,
		RateLoginLockout:    15 * time.Minute,
		RateResetMax:        3,
		RateResetWindow:     time.Hour,
		RateResetLockout:    time.Hour,
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	runErr := make(chan error, 1)

	go func() {
		runErr <- run(ctx, cfg, ready, e2eMail)
	}()

	select {
	case addr := <-ready:
		e2eServerURL = addr
	case err := <-runErr:
		fmt.Fprintf(os.Stderr, "e2e: server failed to start (%v); e2e tests will be skipped\n", err)
	}

	code := m.Run()

	cancel()
	if e2eServerURL != "" {
		// Wait for run() to finish so the store closes before the files go.
		<-runErr
	}
	os.RemoveAll(dir)

	os.Exit(code)
}

// skipIfNoE2E skips the test if the e2e server did not start.
func skipIfNoE2E(t *testing.T) {
	t.Helper()
	if e2eServerURL == "" {
		t.Skip("e2e: server not running")
	}
}

// --- E2E helpers ---

// e2eDo sends a request with an optional JSON body, refresh cookie and bearer token.
// Caller must close resp.Body.
func e2eDo(t *testing.T, method, path, body, cookie, bearer string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e2eServerURL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("building %s %s: %v", method, path, err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if cookie != "" {
		req.Header.Set("Cookie", auth.RefreshCookieName+"="+cookie)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

// e2eExpect sends a request and fatals unless the status matches.
func e2eExpect(t *testing.T, want int, method, path, body, cookie, bearer string) *http.Response {
	t.Helper()
	resp := e2eDo(t, method, path, body, cookie, bearer)
	if resp.StatusCode != want {
		var msg struct {
			Message string `json:"message"`
		}
		json.NewDecoder(resp.Body).Decode(&msg)
		resp.Body.Close()
		t.Fatalf("%s %s: expected %d, got %d (%q)", method, path, want, resp.StatusCode, msg.Message)
	}
	return resp
}

// e2eSignUpAndVerify registers email and follows the emailed verification link.
func e2eSignUpAndVerify(t *testing.T, email, password string) {
	t.Helper()
	e2eExpect(t, http.StatusCreated, http.MethodPost, "/auth/signup",
		fmt.Sprintf(`{"email":%q,"name":"E2E","pass":%q}`, email, password), "", "").Body.Close()

	msg, ok := e2eMail.Last(email)
	if !ok {
		t.Fatal("no verification email sent")
	}
	tok := testutil.TokenFrom(msg)
	if tok == "" {
		t.Fatalf("no token in verification email: %q", msg.Body)
	}
	e2eExpect(t, http.StatusOK, http.MethodGet, "/auth/verify?token="+tok, "", "", "").Body.Close()
}

// e2eLogin logs in and returns the access token and refresh cookie value.
func e2eLogin(t *testing.T, email, password string) (access, refresh string) {
	t.Helper()
	resp := e2eExpect(t, http.StatusOK, http.MethodPost, "/auth/login",
		fmt.Sprintf(`{"email":%q,"pass":%q}`, email, password), "", "")
	defer resp.Body.Close()
	return e2eSession(t, resp)
}

// e2eSession reads {accessToken} and the refresh cookie from a 200 response.
func e2eSession(t *testing.T, resp *http.Response) (access, refresh string) {
	t.Helper()
	var body struct {
		AccessToken string `json:"accessToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding session response: %v", err)
	}
	for _, c := range resp.Cookies() {
		if c.Name == auth.RefreshCookieName {
			refresh = c.Value
		}
	}
	if body.AccessToken == "" || refresh == "" {
		t.Fatal("missing access token or refresh cookie")
	}
	return body.AccessToken, refresh
}

// --- E2E tests ---

func TestE2E_SignUpVerifyLogin(t *testing.T) {
	skipIfNoE2E(t)
	const email, pass = "e2e-flow@example.com", "e2e-password!"

	// Unverified login is refused and re-sends the link.
	e2eExpect(t, http.StatusCreated, http.MethodPost, "/auth/signup",
		fmt.Sprintf(`{"email":%q,"name":"E2E","pass":%q}`, email, pass), "", "").Body.Close()
	before := len(e2eMail.Sent())
	e2eExpect(t, http.StatusBadRequest, http.MethodPost, "/auth/login",
		fmt.Sprintf(`{"email":%q,"pass":%q}`, email, pass), "", "").Body.Close()
	if len(e2eMail.Sent()) != before+1 {
		t.Error("unverified login should re-send the verification email")
	}

	msg, _ := e2eMail.Last(email)
	e2eExpect(t, http.StatusOK, http.MethodGet, "/auth/verify?token="+testutil.TokenFrom(msg), "", "", "").Body.Close()

	access, _ := e2eLogin(t, email, pass)
	email2, err := tokenEmail(access)
	if err != nil || email2 != email {
		t.Errorf("access token subject: %q, %v", email2, err)
	}
}

func TestE2E_RefreshRotationAndReplay(t *testing.T) {
	skipIfNoE2E(t)
	const email, pass = "e2e-refresh@example.com", "e2e-password!"
	e2eSignUpAndVerify(t, email, pass)
	_, first := e2eLogin(t, email, pass)

	resp := e2eExpect(t, http.StatusOK, http.MethodPost, "/auth/refresh", "", first, "")
	_, second := e2eSession(t, resp)
	resp.Body.Close()
	if second == first {
		t.Fatal("refresh token not rotated")
	}

	// The consumed token is dead.
	e2eExpect(t, http.StatusBadRequest, http.MethodPost, "/auth/refresh", "", first, "").Body.Close()
	// The rotated one still works.
	e2eExpect(t, http.StatusOK, http.MethodPost, "/auth/refresh", "", second, "").Body.Close()
}

func TestE2E_LogoutAllRevokesBearer(t *testing.T) {
	skipIfNoE2E(t)
	const email, pass = "e2e-logoutall@example.com", "e2e-password!"
	e2eSignUpAndVerify(t, email, pass)
	access, refresh := e2eLogin(t, email, pass)
	e2eLogin(t, email, pass)

	e2eExpect(t, http.StatusOK, http.MethodPut, "/user/details", `{"name":"Before"}`, "", access).Body.Close()
	e2eExpect(t, http.StatusOK, http.MethodPost, "/auth/logout-all", "", refresh, "").Body.Close()
	// Access token is still signed and unexpired but no session backs it.
	e2eExpect(t, http.StatusUnauthorized, http.MethodPut, "/user/details", `{"name":"After"}`, "", access).Body.Close()
}

func TestE2E_PasswordReset(t *testing.T) {
	skipIfNoE2E(t)
	const email, oldPass, newPass = "e2e-reset@example.com", "e2e-password!", "e2e-new-password!"
	e2eSignUpAndVerify(t, email, oldPass)
	_, refresh := e2eLogin(t, email, oldPass)

	e2eExpect(t, http.StatusOK, http.MethodPut, "/auth/password/token", fmt.Sprintf(`{"email":%q}`, email), "", "").Body.Close()
	msg, ok := e2eMail.Last(email)
	if !ok {
		t.Fatal("no reset email")
	}
	tok := testutil.TokenFrom(msg)

	e2eExpect(t, http.StatusOK, http.MethodPut, "/auth/password", fmt.Sprintf(`{"token":%q,"pass":%q}`, tok, newPass), "", "").Body.Close()
	// One-shot token.
	e2eExpect(t, http.StatusBadRequest, http.MethodPut, "/auth/password", fmt.Sprintf(`{"token":%q,"pass":%q}`, tok, newPass), "", "").Body.Close()

	// Old sessions are gone, old password no longer works.
	e2eExpect(t, http.StatusBadRequest, http.MethodPost, "/auth/refresh", "", refresh, "").Body.Close()
	e2eExpect(t, http.StatusBadRequest, http.MethodPost, "/auth/login", fmt.Sprintf(`{"email":%q,"pass":%q}`, email, oldPass), "", "").Body.Close()
	e2eLogin(t, email, newPass)
}

func TestE2E_DeleteAccount(t *testing.T) {
	skipIfNoE2E(t)
	const email, pass = "e2e-delete@example.com", "e2e-password!"
	e2eSignUpAndVerify(t, email, pass)
	access, refresh := e2eLogin(t, email, pass)

	// Non-admins cannot change roles.
	e2eExpect(t, http.StatusBadRequest, http.MethodPut, "/user/roles",
		fmt.Sprintf(`{"email":%q,"role":"ADMIN","userRoleChange":"ADD"}`, email), "", access).Body.Close()

	e2eExpect(t, http.StatusOK, http.MethodDelete, "/user/delete", "", "", access).Body.Close()
	e2eExpect(t, http.StatusBadRequest, http.MethodPost, "/auth/refresh", "", refresh, "").Body.Close()
	e2eExpect(t, http.StatusBadRequest, http.MethodPost, "/auth/login", fmt.Sprintf(`{"email":%q,"pass":%q}`, email, pass), "", "").Body.Close()

	// The email is free again.
	e2eExpect(t, http.StatusCreated, http.MethodPost, "/auth/signup",
		fmt.Sprintf(`{"email":%q,"name":"Again","pass":%q}`, email, pass), "", "").Body.Close()
}

func TestE2E_Health(t *testing.T) {
	skipIfNoE2E(t)
	resp := e2eExpect(t, http.StatusOK, http.MethodGet, "/health", "", "", "")
	defer resp.Body.Close()
	var body struct {
		Database string `json:"database"`
		Cache    string `json:"cache"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Database != "ok" || body.Cache != "disabled" {
		t.Errorf("unexpected health: %+v", body)
	}
}

// tokenEmail reads the subject email with the same key the e2e server uses.
func tokenEmail(access string) (string, error) {
	codec, err := token.NewCodec([]byte(strings.Repeat("e", token.MinKeyLen)), time.Minute)
	if err != nil {
		return "", err
	}
	return codec.EmailFromToken(access)
}
