package client

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": exp.Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestJWTTokenSource_ProactiveRefreshOnExpiry(t *testing.T) {
	refreshed := 0
	src := &JWTTokenSource{
		RefreshFunc: func(_ context.Context) (string, string, error) {
			refreshed++
			return signedToken(t, time.Now().Add(time.Hour)), "user-1", nil
		},
	}
	src.SetSession(signedToken(t, time.Now().Add(-time.Minute)), "user-1")

	token, err := src.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error: %v", err)
	}
	if refreshed != 1 {
		t.Errorf("refresh count = %d, want 1", refreshed)
	}
	if token == "" {
		t.Error("Token() returned empty token after refresh")
	}

	// A fresh token must not trigger another refresh.
	if _, err := src.Token(context.Background()); err != nil {
		t.Fatalf("second Token() error: %v", err)
	}
	if refreshed != 1 {
		t.Errorf("refresh count = %d after fresh token, want 1", refreshed)
	}
}

func TestJWTTokenSource_OpaqueTokenPassedThrough(t *testing.T) {
	src := &JWTTokenSource{
		RefreshFunc: func(_ context.Context) (string, string, error) {
			t.Fatal("opaque token must not trigger refresh")
			return "", "", nil
		},
	}
	src.SetSession("opaque-session-token", "user-1")

	token, err := src.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error: %v", err)
	}
	if token != "opaque-session-token" {
		t.Errorf("Token() = %q, want the opaque token unchanged", token)
	}
}

func TestJWTTokenSource_NoSession(t *testing.T) {
	src := &JWTTokenSource{}
	token, err := src.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error: %v", err)
	}
	if token != "" {
		t.Errorf("Token() = %q, want empty for no session", token)
	}
	if uid := src.UserID(context.Background()); uid != "" {
		t.Errorf("UserID() = %q, want empty", uid)
	}
}

func TestStaticTokenSource(t *testing.T) {
	src := &StaticTokenSource{AccessToken: "tok", Subject: "u1"}
	token, _ := src.Token(context.Background())
	if token != "tok" {
		t.Errorf("Token() = %q, want tok", token)
	}
	if src.UserID(context.Background()) != "u1" {
		t.Errorf("UserID() = %q, want u1", src.UserID(context.Background()))
	}
	refreshed, _ := src.Refresh(context.Background())
	if refreshed != "tok" {
		t.Errorf("Refresh() = %q, want tok", refreshed)
	}
}
