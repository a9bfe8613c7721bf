// Copyright 2025 Peak 1031
// SPDX-License-Identifier: Apache-2.0

package crmsync

import (
	"time"

	"github.com/google/uuid"
)

// Database entity models for PostgreSQL tables
// These models are used for database operations and have db struct tags

// OAuthCredential represents a row in crmsync.oauth_credentials.
// At most one row per provider is active; rotation inserts a new active row
// and deactivates the prior one in the same transaction. Rows are never
// hard-deleted, only deactivated.
type OAuthCredential struct {
	ID           int64     `db:"id"`            // BIGSERIAL PRIMARY KEY
	Provider     string    `db:"provider"`      // Credential provider key (e.g. "crm")
	AccessToken  string    `db:"access_token"`  // Bearer token
	RefreshToken string    `db:"refresh_token"` // Refresh token for rotation
	TokenType    string    `db:"token_type"`    // Usually "bearer"
	Scope        string    `db:"scope"`         // Granted scopes
	ExpiresAt    time.Time `db:"expires_at"`    // Access token expiry
	IsActive     bool      `db:"is_active"`     // Exactly one active per provider
	CreatedAt    time.Time `db:"created_at"`
}

// ExpiresWithin reports whether the access token expires inside the given
// safety margin (or already has).
func (c *OAuthCredential) ExpiresWithin(margin time.Duration) bool {
	return time.Until(c.ExpiresAt) <= margin
}

// SyncRun represents a row in crmsync.sync_runs. The orchestrator owns the
// run for the duration of one invocation: created at start, counters mutated
// as records are processed, finalized at completion or fatal failure.
type SyncRun struct {
	ID               uuid.UUID  `db:"id"`
	EntityType       string     `db:"entity_type"` // contacts, matters, tasks
	Strategy         string     `db:"strategy"`    // incremental, full (as resolved, not as hinted)
	Status           string     `db:"status"`      // running, completed, failed
	StartedAt        time.Time  `db:"started_at"`
	CompletedAt      *time.Time `db:"completed_at"`
	RecordsProcessed int        `db:"records_processed"`
	RecordsCreated   int        `db:"records_created"`
	RecordsUpdated   int        `db:"records_updated"`
	RecordsFailed    int        `db:"records_failed"`
	Errors           []string   `db:"errors"`
}

// SyncRunDetail represents a row in crmsync.sync_run_details, one per
// record-level event worth auditing (currently failures).
type SyncRunDetail struct {
	ID         int64     `db:"id"`
	RunID      uuid.UUID `db:"run_id"`
	ExternalID string    `db:"external_id"`
	Outcome    string    `db:"outcome"` // currently always "failed"
	Message    string    `db:"message"`
	CreatedAt  time.Time `db:"created_at"`
}
