// Copyright 2025 Peak 1031
// SPDX-License-Identifier: Apache-2.0

package crmsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoActiveCredential means no active OAuth credential exists for the
// provider. The token manager surfaces this as ErrAuthenticationRequired.
var ErrNoActiveCredential = errors.New("no active oauth credential")

// TokenStore persists OAuth credentials for CRM connections.
type TokenStore interface {
	// ActiveCredential returns the single active credential for the provider,
	// or ErrNoActiveCredential.
	ActiveCredential(ctx context.Context, provider string) (*OAuthCredential, error)

	// RotateCredential deactivates the provider's prior credentials and
	// inserts cred as the new active one, atomically. cred.ID is populated
	// on return.
	RotateCredential(ctx context.Context, cred *OAuthCredential) error

	// DeactivateCredential deactivates all credentials for the provider.
	// Used when a refresh exchange reports invalid_grant.
	DeactivateCredential(ctx context.Context, provider string) error
}

// PgTokenStore stores credentials in crmsync.oauth_credentials.
type PgTokenStore struct {
	pool *pgxpool.Pool
}

// NewPgTokenStore creates a Postgres-backed token store.
func NewPgTokenStore(pool *pgxpool.Pool) *PgTokenStore {
	return &PgTokenStore{pool: pool}
}

func (s *PgTokenStore) ActiveCredential(ctx context.Context, provider string) (*OAuthCredential, error) {
	cred := &OAuthCredential{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, provider, access_token, refresh_token, token_type, scope, expires_at, is_active, created_at
		FROM crmsync.oauth_credentials
		WHERE provider = $1 AND is_active
		ORDER BY created_at DESC
		LIMIT 1
	`, provider).Scan(
		&cred.ID, &cred.Provider, &cred.AccessToken, &cred.RefreshToken,
		&cred.TokenType, &cred.Scope, &cred.ExpiresAt, &cred.IsActive, &cred.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoActiveCredential
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query active credential: %w", err)
	}
	return cred, nil
}

func (s *PgTokenStore) RotateCredential(ctx context.Context, cred *OAuthCredential) error {
	if cred.TokenType == "" {
		cred.TokenType = "bearer"
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE crmsync.oauth_credentials SET is_active = FALSE
			WHERE provider = $1 AND is_active
		`, cred.Provider); err != nil {
			return fmt.Errorf("failed to deactivate prior credentials: %w", err)
		}

		return tx.QueryRow(ctx, `
			INSERT INTO crmsync.oauth_credentials
				(provider, access_token, refresh_token, token_type, scope, expires_at, is_active, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7)
			RETURNING id, created_at
		`, cred.Provider, cred.AccessToken, cred.RefreshToken, cred.TokenType,
			cred.Scope, cred.ExpiresAt, time.Now().UTC(),
		).Scan(&cred.ID, &cred.CreatedAt)
	})
	if err != nil {
		return fmt.Errorf("failed to rotate credential: %w", err)
	}
	cred.IsActive = true
	return nil
}

func (s *PgTokenStore) DeactivateCredential(ctx context.Context, provider string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE crmsync.oauth_credentials SET is_active = FALSE
		WHERE provider = $1 AND is_active
	`, provider)
	if err != nil {
		return fmt.Errorf("failed to deactivate credential: %w", err)
	}
	return nil
}
