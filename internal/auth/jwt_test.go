package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"billing-core/internal/config"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(config.AuthConfig{
		JWTSecret:      "secret",
		JWTIssuer:      "issuer",
		JWTAudience:    "aud",
		AccessTokenTTL: 15 * time.Minute,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	return m
}

func TestIssueAndVerifyAccessToken(t *testing.T) {
	m := testManager(t)

	now := time.Unix(1700000000, 0).UTC()
	tok, err := m.Issue(now, "user-1", "user")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := m.Verify(tok, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != "user-1" || claims.Role != "user" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVerifyRejectsExpiredAndForeignTokens(t *testing.T) {
	m := testManager(t)
	now := time.Unix(1700000000, 0).UTC()

	tok, err := m.Issue(now, "user-1", "user")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.Verify(tok, now.Add(time.Hour)); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}

	other, _ := NewManager(config.AuthConfig{JWTSecret: "other", JWTIssuer: "issuer", JWTAudience: "aud", AccessTokenTTL: time.Minute})
	foreign, _ := other.Issue(now, "user-1", "user")
	if _, err := m.Verify(foreign, now); err == nil {
		t.Fatalf("expected signature mismatch")
	}
}

func TestRequireAccessToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := testManager(t)

	r := gin.New()
	r.GET("/me", RequireAccessToken(m), func(c *gin.Context) {
		uid, err := UserID(c.Request.Context())
		if err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, uid)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	tok, _ := m.Issue(time.Now(), "user-9", "user")
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "user-9" {
		t.Fatalf("expected 200 user-9, got %d %q", w.Code, w.Body.String())
	}
}
