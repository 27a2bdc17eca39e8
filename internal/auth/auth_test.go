package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGenerateAndValidateToken(t *testing.T) {
	svc := NewService("test-secret-1234567890", time.Hour)

	token, err := svc.GenerateToken(42, "alice", true)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.UserID != 42 {
		t.Fatalf("claims.UserID = %d, want 42", claims.UserID)
	}
	if claims.Username != "alice" {
		t.Fatalf("claims.Username = %q, want %q", claims.Username, "alice")
	}
	if !claims.IsAdmin {
		t.Fatal("claims.IsAdmin = false, want true")
	}
}

func TestValidateTokenExpired(t *testing.T) {
	svc := &Service{secret: []byte("test-secret-1234567890"), duration: -time.Minute}

	token, err := svc.GenerateToken(7, "expired", false)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	_, err = svc.ValidateToken(token)
	if err != ErrTokenExpired {
		t.Fatalf("ValidateToken error = %v, want %v", err, ErrTokenExpired)
	}
}

func TestValidateTokenInvalid(t *testing.T) {
	svc := NewService("test-secret-1234567890", time.Hour)
	other := NewService("different-secret-123", time.Hour)

	fromOtherSecret, err := other.GenerateToken(1, "alice", false)
	if err != nil {
		t.Fatalf("GenerateToken(other): %v", err)
	}

	tests := []struct {
		name     string
		tokenStr string
	}{
		{name: "malformed token", tokenStr: "not-a-jwt"},
		{name: "wrong signing secret", tokenStr: fromOtherSecret},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.ValidateToken(tc.tokenStr); err != ErrInvalidToken {
				t.Fatalf("ValidateToken() error = %v, want %v", err, ErrInvalidToken)
			}
		})
	}
}

func TestHashAndCheckPassword(t *testing.T) {
	svc := NewService("test-secret-1234567890", time.Hour)

	hash, err := svc.HashPassword("correct-horse-battery-staple")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}

	if err := svc.CheckPassword(hash, "correct-horse-battery-staple"); err != nil {
		t.Fatalf("CheckPassword(valid): %v", err)
	}

	if err := svc.CheckPassword(hash, "wrong-password"); err != ErrInvalidCredentials {
		t.Fatalf("CheckPassword(invalid) error = %v, want %v", err, ErrInvalidCredentials)
	}
}

func TestMiddleware(t *testing.T) {
	svc := NewService("test-secret-1234567890", time.Hour)
	token, err := svc.GenerateToken(9, "carol", false)
	if err != nil {
		t.Fatal(err)
	}

	var seen *Claims
	handler := Middleware(svc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetClaims(r.Context())
	}))

	// Valid bearer token populates claims.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seen == nil || seen.Username != "carol" {
		t.Fatalf("claims = %+v, want carol", seen)
	}

	// Missing header passes through unauthenticated.
	seen = nil
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if seen != nil {
		t.Fatalf("claims = %+v, want nil", seen)
	}

	// Garbage token is rejected outright.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}
