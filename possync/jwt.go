// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTAuth issues and validates session bearer tokens for terminals
type JWTAuth struct {
	secret []byte
}

// NewJWTAuth creates a new JWT authenticator
func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{
		secret: []byte(secret),
	}
}

// JWTClaims identifies the branch and device a session token was issued for
type JWTClaims struct {
	BranchID string `json:"bid"`
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

// GenerateToken generates a session token; subject is the signed-in operator
func (j *JWTAuth) GenerateToken(subject, branchID, deviceID string, expiration time.Duration) (string, error) {
	now := time.Now()
	claims := &JWTClaims{
		BranchID: branchID,
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "go-possync",
			Subject:   subject,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// ValidateToken validates a JWT token and returns the claims
func (j *JWTAuth) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		if claims.Subject == "" {
			return nil, fmt.Errorf("missing sub in token")
		}
		if claims.BranchID == "" {
			return nil, fmt.Errorf("missing bid (branch ID) in token")
		}
		return claims, nil
	}

	return nil, fmt.Errorf("invalid token")
}

// ValidateRequest validates the bearer token on an incoming request
func (j *JWTAuth) ValidateRequest(r *http.Request) (*JWTClaims, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, fmt.Errorf("authorization header required")
	}
	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if tokenString == authHeader {
		return nil, fmt.Errorf("bearer token required")
	}
	return j.ValidateToken(tokenString)
}

// TokenSource returns a token func for clients that mints a fresh token per call
// for the given operator, scoped to the branch the call is made for.
func (j *JWTAuth) TokenSource(subject string, expiration time.Duration) func(ctx context.Context, branchID string) (string, error) {
	return func(_ context.Context, branchID string) (string, error) {
		return j.GenerateToken(subject, branchID, "", expiration)
	}
}
