package possync

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestJWTAuth_GenerateToken(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	duration := time.Hour

	token, err := jwtAuth.GenerateToken("cashier-1", "branch-9", "device-456", duration)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	if token == "" {
		t.Error("Generated token should not be empty")
	}

	claims, err := jwtAuth.ValidateToken(token)
	if err != nil {
		t.Fatalf("Failed to validate generated token: %v", err)
	}
	if claims.BranchID != "branch-9" {
		t.Errorf("Expected branch branch-9, got %s", claims.BranchID)
	}
	if claims.DeviceID != "device-456" {
		t.Errorf("Expected device_id device-456, got %s", claims.DeviceID)
	}
	if claims.Subject != "cashier-1" {
		t.Errorf("Expected subject cashier-1, got %s", claims.Subject)
	}
	if claims.Issuer != "go-possync" {
		t.Errorf("Expected issuer 'go-possync', got %s", claims.Issuer)
	}

	expectedExpiry := time.Now().Add(duration)
	if diff := claims.ExpiresAt.Time.Sub(expectedExpiry).Abs(); diff > time.Second {
		t.Errorf("Token expiry differs by %v", diff)
	}
}

func TestJWTAuth_ValidateToken_WrongSecret(t *testing.T) {
	token, err := NewJWTAuth("secret-a").GenerateToken("cashier", "b1", "", time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	if _, err := NewJWTAuth("secret-b").ValidateToken(token); err == nil {
		t.Error("Expected validation to fail with a different secret")
	}
}

func TestJWTAuth_ValidateToken_MissingBranch(t *testing.T) {
	claims := &JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "cashier",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("k"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := NewJWTAuth("k").ValidateToken(token); err == nil {
		t.Error("Expected token without bid to be rejected")
	}
}

func TestJWTAuth_ValidateToken_Expired(t *testing.T) {
	token, err := NewJWTAuth("k").GenerateToken("cashier", "b1", "", -time.Minute)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	if _, err := NewJWTAuth("k").ValidateToken(token); err == nil {
		t.Error("Expected expired token to be rejected")
	}
}

func TestJWTAuth_TokenSourceAndValidateRequest(t *testing.T) {
	auth := NewJWTAuth("k")
	source := auth.TokenSource("cashier", time.Hour)
	tok, err := source(context.Background(), "b1")
	if err != nil {
		t.Fatalf("token source: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, "http://example", nil)
	if _, err := auth.ValidateRequest(req); err == nil {
		t.Error("Expected missing header to fail")
	}
	req.Header.Set("Authorization", tok)
	if _, err := auth.ValidateRequest(req); err == nil {
		t.Error("Expected non-bearer header to fail")
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	claims, err := auth.ValidateRequest(req)
	if err != nil {
		t.Fatalf("validate request: %v", err)
	}
	if claims.BranchID != "b1" {
		t.Errorf("Expected branch b1, got %s", claims.BranchID)
	}

	other, err := source(context.Background(), "b2")
	if err != nil {
		t.Fatalf("token source: %v", err)
	}
	claims, err = auth.ValidateToken(other)
	if err != nil {
		t.Fatalf("validate token: %v", err)
	}
	if claims.BranchID != "b2" {
		t.Errorf("Expected branch b2, got %s", claims.BranchID)
	}
}
