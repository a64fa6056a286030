package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ticketera/auth/internal/store"
	"github.com/ticketera/auth/internal/token"
)

// expiredToken signs s with the fixture key, already past its expiry.
func expiredToken(t *testing.T, s token.Subject) string {
	t.Helper()
	sub, err := token.EncodeSubject(s)
	if err != nil {
		t.Fatalf("encoding subject: %v", err)
	}
	past := time.Now().Add(-time.Hour)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{
		Subject:   sub,
		IssuedAt:  jwt.NewNumericDate(past.Add(-15 * time.Minute)),
		ExpiresAt: jwt.NewNumericDate(past),
	}).SignedString([]byte(strings.Repeat("k", token.MinKeyLen)))
	if err != nil {
		t.Fatalf("signing: %v", err)
	}
	return signed
}

func TestRequireAuth(t *testing.T) {
	newProtected := func(hf *handlerFixture) (http.Handler, *string) {
		var seen string
		next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen, _ = EmailFromContext(r.Context())
			w.WriteHeader(http.StatusNoContent)
		})
		return hf.h.RequireAuth(next), &seen
	}
	serve := func(h http.Handler, header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/user/anything", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	t.Run("valid token with live session passes", func(t *testing.T) {
		hf := newHandlerFixture(t)
		access, _ := hf.loginAs(t, "a@example.com")
		h, seen := newProtected(hf)

		rec := serve(h, "Bearer "+access)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", rec.Code)
		}
		if *seen != "a@example.com" {
			t.Errorf("context email: got %q", *seen)
		}
	})

	rejected := []struct{ name, header string }{
		{"no header", ""},
		{"wrong scheme", "Basic abc"},
		{"empty bearer", "Bearer "},
		{"garbage token", "Bearer not.a.jwt"},
	}
	for _, tc := range rejected {
		t.Run("401 on "+tc.name, func(t *testing.T) {
			hf := newHandlerFixture(t)
			h, _ := newProtected(hf)
			rec := serve(h, tc.header)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
		})
	}

	t.Run("401 after logout-all", func(t *testing.T) {
		hf := newHandlerFixture(t)
		access, refresh := hf.loginAs(t, "a@example.com")
		if rec := hf.do(http.MethodPost, "/auth/logout-all", "", withCookie(RefreshCookieName, refresh)); rec.Code != http.StatusOK {
			t.Fatalf("logout-all: %d", rec.Code)
		}
		h, _ := newProtected(hf)
		if rec := serve(h, "Bearer "+access); rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
	})

	t.Run("401 when access token expired", func(t *testing.T) {
		hf := newHandlerFixture(t)
		acct := hf.seed(t, "old@example.com", true)
		acct.AddRefreshToken(store.RefreshToken{ID: uuid.Must(uuid.NewV7()), Token: uuid.Must(uuid.NewV4()), Expiry: time.Now().Add(time.Hour)})
		hf.st.Seed(acct)

		expired := expiredToken(t, SubjectOf(acct))
		h, _ := newProtected(hf)
		if rec := serve(h, "Bearer "+expired); rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
	})
}

func TestEmailFromContextMissing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if email, ok := EmailFromContext(req.Context()); ok || email != "" {
		t.Errorf("expected nothing, got %q %v", email, ok)
	}
}
