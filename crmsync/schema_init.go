// Copyright 2025 Peak 1031
// SPDX-License-Identifier: Apache-2.0

package crmsync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// InitializeSchema creates the engine's schemas and tables if they do not
// exist. Safe to run on every startup; executed in one transaction.
func InitializeSchema(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for _, stmt := range schemaStatements {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("schema statement failed: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("Database schema initialized")
	return nil
}

var schemaStatements = []string{
	`CREATE SCHEMA IF NOT EXISTS crmsync`,
	`CREATE SCHEMA IF NOT EXISTS crm`,

	`CREATE TABLE IF NOT EXISTS crmsync.oauth_credentials (
		id            BIGSERIAL PRIMARY KEY,
		provider      TEXT NOT NULL,
		access_token  TEXT NOT NULL,
		refresh_token TEXT NOT NULL,
		token_type    TEXT NOT NULL DEFAULT 'bearer',
		scope         TEXT NOT NULL DEFAULT '',
		expires_at    TIMESTAMPTZ NOT NULL,
		is_active     BOOLEAN NOT NULL DEFAULT TRUE,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	// Enforces the single-active-credential invariant at the database level.
	`CREATE UNIQUE INDEX IF NOT EXISTS oauth_credentials_one_active
		ON crmsync.oauth_credentials (provider) WHERE is_active`,

	`CREATE TABLE IF NOT EXISTS crmsync.sync_runs (
		id                UUID PRIMARY KEY,
		entity_type       TEXT NOT NULL,
		strategy          TEXT NOT NULL,
		status            TEXT NOT NULL,
		started_at        TIMESTAMPTZ NOT NULL,
		completed_at      TIMESTAMPTZ,
		records_processed INTEGER NOT NULL DEFAULT 0,
		records_created   INTEGER NOT NULL DEFAULT 0,
		records_updated   INTEGER NOT NULL DEFAULT 0,
		records_failed    INTEGER NOT NULL DEFAULT 0,
		errors            TEXT[] NOT NULL DEFAULT '{}'
	)`,

	`CREATE INDEX IF NOT EXISTS sync_runs_entity_completed
		ON crmsync.sync_runs (entity_type, completed_at DESC) WHERE status = 'completed'`,

	`CREATE TABLE IF NOT EXISTS crmsync.sync_run_details (
		id          BIGSERIAL PRIMARY KEY,
		run_id      UUID NOT NULL REFERENCES crmsync.sync_runs(id),
		external_id TEXT NOT NULL,
		outcome     TEXT NOT NULL,
		message     TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS crm.contacts (
		id              BIGSERIAL PRIMARY KEY,
		external_id     TEXT UNIQUE,
		display_name    TEXT,
		first_name      TEXT,
		last_name       TEXT,
		email           TEXT,
		phone           TEXT,
		contact_type    TEXT,
		company_name    TEXT,
		referral_source TEXT,
		fee_split       NUMERIC,
		spouse_name     TEXT,
		crm_created_at  TIMESTAMPTZ,
		crm_updated_at  TIMESTAMPTZ,
		raw_payload     JSONB,
		last_synced_at  TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS crm.matters (
		id                   BIGSERIAL PRIMARY KEY,
		external_id          TEXT UNIQUE,
		matter_number        TEXT,
		description          TEXT,
		status               TEXT,
		open_date            TEXT,
		close_date           TEXT,
		client_name          TEXT,
		coordinator_name     TEXT,
		exchange_type        TEXT,
		bank_name            TEXT,
		rel_property_address TEXT,
		rel_value            NUMERIC,
		rep_property_address TEXT,
		rep_value            NUMERIC,
		proceeds             NUMERIC,
		close_of_escrow_date TIMESTAMPTZ,
		day_45               TIMESTAMPTZ,
		day_180              TIMESTAMPTZ,
		client_vesting       TEXT,
		referral_source      TEXT,
		internal_credit_to   TEXT,
		assigned_to          TEXT,
		reminders_enabled    BOOLEAN,
		crm_created_at       TIMESTAMPTZ,
		crm_updated_at       TIMESTAMPTZ,
		raw_payload          JSONB,
		last_synced_at       TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS crm.tasks (
		id                BIGSERIAL PRIMARY KEY,
		external_id       TEXT UNIQUE,
		name              TEXT,
		description       TEXT,
		status            TEXT,
		priority          TEXT,
		due_at            TIMESTAMPTZ,
		completed_at      TIMESTAMPTZ,
		assignee_name     TEXT,
		matter_name       TEXT,
		deadline_category TEXT,
		crm_created_at    TIMESTAMPTZ,
		crm_updated_at    TIMESTAMPTZ,
		raw_payload       JSONB,
		last_synced_at    TIMESTAMPTZ
	)`,
}
