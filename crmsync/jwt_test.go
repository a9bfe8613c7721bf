// Copyright 2025 Peak 1031
// SPDX-License-Identifier: Apache-2.0

package crmsync

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/peak1031/go-crmsync/internal/auth"
)

func TestJWTAuth_GenerateAndValidate(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")

	token, err := jwtAuth.GenerateToken("user-123", time.Hour)
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}

	claims, err := jwtAuth.ValidateToken(token)
	if err != nil {
		t.Fatalf("failed to validate token: %v", err)
	}
	if claims.Subject != "user-123" {
		t.Fatalf("expected subject user-123, got %q", claims.Subject)
	}
	if claims.Issuer != "go-crmsync" {
		t.Fatalf("expected issuer go-crmsync, got %q", claims.Issuer)
	}
}

func TestJWTAuth_RejectsExpiredToken(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")

	token, err := jwtAuth.GenerateToken("user-123", -time.Minute)
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}
	if _, err := jwtAuth.ValidateToken(token); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestJWTAuth_RejectsWrongSecret(t *testing.T) {
	token, err := NewJWTAuth("secret-a").GenerateToken("user-123", time.Hour)
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}
	if _, err := NewJWTAuth("secret-b").ValidateToken(token); err == nil {
		t.Fatalf("expected token signed with other secret to be rejected")
	}
}

func TestJWTAuth_GetUserID(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	token, err := jwtAuth.GenerateToken("user-123", time.Hour)
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}

	req := httptest.NewRequest("POST", "/sync/trigger", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	userID, err := jwtAuth.GetUserID(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if userID != "user-123" {
		t.Fatalf("expected user-123, got %q", userID)
	}
}

func TestJWTAuth_GetUserID_MissingHeader(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	req := httptest.NewRequest("POST", "/sync/trigger", nil)

	if _, err := jwtAuth.GetUserID(req); err == nil {
		t.Fatalf("expected error for missing authorization header")
	}
}

func TestJWTAuth_GetUserID_NotBearer(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	req := httptest.NewRequest("POST", "/sync/trigger", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")

	_, err := jwtAuth.GetUserID(req)
	if err == nil || !strings.Contains(err.Error(), "bearer") {
		t.Fatalf("expected bearer token error, got %v", err)
	}
}

func TestJWTAuth_GetUserID_GarbageToken(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	req := httptest.NewRequest("POST", "/sync/trigger", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")

	if _, err := jwtAuth.GetUserID(req); err == nil {
		t.Fatalf("expected error for malformed token")
	}
}

func TestJWTAuth_Middleware_SetsContextUser(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	token, err := jwtAuth.GenerateToken("user-123", time.Hour)
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}

	var gotUser string
	var gotOK bool
	handler := jwtAuth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotOK = auth.GetUserID(r.Context())
	}))

	req := httptest.NewRequest("POST", "/sync/trigger", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !gotOK || gotUser != "user-123" {
		t.Fatalf("expected user-123 in context, got %q (ok=%v)", gotUser, gotOK)
	}
}

func TestJWTAuth_Middleware_RejectsInvalidToken(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	called := false
	handler := jwtAuth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest("POST", "/sync/trigger", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if called {
		t.Fatalf("next handler must not run for an invalid token")
	}
}
