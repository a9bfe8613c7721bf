// Copyright 2025 Peak 1031
// SPDX-License-Identifier: Apache-2.0

package crmsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// TokenManagerConfig holds configuration for the token manager.
type TokenManagerConfig struct {
	Provider      string        // Credential provider key (default "crm")
	TokenURL      string        // CRM OAuth token endpoint
	ClientID      string        // OAuth client id
	ClientSecret  string        // OAuth client secret
	RefreshMargin time.Duration // Refresh this long before expiry (default 60s)
	HTTP          *http.Client  // Optional; default 30s timeout
}

// TokenManager guarantees callers a bearer token valid for at least the
// configured safety margin, refreshing proactively against the CRM token
// endpoint. The active credential is a shared mutable resource: a single
// mutex serializes refresh exchanges so concurrent entity-type runs never
// trigger overlapping refreshes — a refresh in progress is awaited, not
// duplicated.
type TokenManager struct {
	store  TokenStore
	config *TokenManagerConfig
	logger *slog.Logger

	mu     sync.Mutex
	cached *OAuthCredential
}

// NewTokenManager creates a token manager backed by the given store.
func NewTokenManager(store TokenStore, config *TokenManagerConfig, logger *slog.Logger) *TokenManager {
	if config.Provider == "" {
		config.Provider = DefaultProvider
	}
	if config.RefreshMargin <= 0 {
		config.RefreshMargin = 60 * time.Second
	}
	if config.HTTP == nil {
		config.HTTP = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenManager{
		store:  store,
		config: config,
		logger: logger,
	}
}

// GetValidToken returns a bearer token valid for at least the safety margin,
// refreshing first if needed. Returns ErrAuthenticationRequired when no
// active credential exists or the refresh token has been revoked.
func (m *TokenManager) GetValidToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cred, err := m.currentLocked(ctx)
	if err != nil {
		return "", err
	}
	if !cred.ExpiresWithin(m.config.RefreshMargin) {
		return cred.AccessToken, nil
	}

	cred, err = m.refreshLocked(ctx, cred)
	if err != nil {
		return "", err
	}
	return cred.AccessToken, nil
}

// ForceRefresh exchanges the refresh token regardless of expiry. staleToken
// is the token the caller just saw rejected; if another run already rotated
// past it while this caller waited on the lock, the fresh token is returned
// without a second exchange.
func (m *TokenManager) ForceRefresh(ctx context.Context, staleToken string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cred, err := m.currentLocked(ctx)
	if err != nil {
		return "", err
	}
	if cred.AccessToken != staleToken {
		return cred.AccessToken, nil
	}

	cred, err = m.refreshLocked(ctx, cred)
	if err != nil {
		return "", err
	}
	return cred.AccessToken, nil
}

// currentLocked returns the active credential, preferring the in-process
// cache. Caller holds m.mu.
func (m *TokenManager) currentLocked(ctx context.Context) (*OAuthCredential, error) {
	if m.cached != nil && m.cached.IsActive {
		return m.cached, nil
	}
	cred, err := m.store.ActiveCredential(ctx, m.config.Provider)
	if err != nil {
		if err == ErrNoActiveCredential {
			return nil, fmt.Errorf("%w: no credential for provider %q", ErrAuthenticationRequired, m.config.Provider)
		}
		return nil, err
	}
	m.cached = cred
	return cred, nil
}

// refreshLocked performs the refresh-token exchange and persists the rotated
// credential. Caller holds m.mu.
func (m *TokenManager) refreshLocked(ctx context.Context, cred *OAuthCredential) (*OAuthCredential, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {cred.RefreshToken},
		"client_id":     {m.config.ClientID},
		"client_secret": {m.config.ClientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.config.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.config.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		// invalid_grant class: the refresh token is revoked or expired.
		// Deactivate so operators see the connection as broken; recovery is
		// a human-in-the-loop re-authorization, never an automatic retry.
		m.logger.Warn("Token refresh rejected, deactivating credential",
			"provider", m.config.Provider, "status", resp.StatusCode)
		if derr := m.store.DeactivateCredential(ctx, m.config.Provider); derr != nil {
			m.logger.Error("Failed to deactivate credential", "error", derr)
		}
		m.cached = nil
		return nil, fmt.Errorf("%w: refresh rejected with status %d", ErrAuthenticationRequired, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}

	next := &OAuthCredential{
		Provider:     m.config.Provider,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Scope:        tok.Scope,
		ExpiresAt:    time.Now().UTC().Add(time.Duration(tok.ExpiresIn) * time.Second),
	}
	if next.RefreshToken == "" {
		// Some providers omit the refresh token when it is unchanged.
		next.RefreshToken = cred.RefreshToken
	}
	if next.Scope == "" {
		next.Scope = cred.Scope
	}

	if err := m.store.RotateCredential(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to persist rotated credential: %w", err)
	}

	m.logger.Info("Refreshed CRM access token",
		"provider", m.config.Provider, "expires_at", next.ExpiresAt)
	m.cached = next
	return next, nil
}
