// Copyright 2025 Peak 1031
// SPDX-License-Identifier: Apache-2.0

package crmsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditLog is the durable record of sync invocations, consumed by
// operational tooling and by the orchestrator's incremental strategy.
type AuditLog interface {
	// RecordSyncRun inserts or updates the run row. Called at run start and
	// again at finalization.
	RecordSyncRun(ctx context.Context, run *SyncRun) error

	// AppendSyncDetail records one record-level event for the run.
	AppendSyncDetail(ctx context.Context, runID uuid.UUID, detail *SyncRunDetail) error

	// LastSuccessfulRun returns the most recent completed run for the entity
	// type, or nil when none exists.
	LastSuccessfulRun(ctx context.Context, entityType string) (*SyncRun, error)

	// ListRuns returns recent runs, newest first. entityType may be empty.
	ListRuns(ctx context.Context, entityType string, limit int) ([]*SyncRun, error)
}

// PgAuditLog stores runs in crmsync.sync_runs / crmsync.sync_run_details.
type PgAuditLog struct {
	pool *pgxpool.Pool
}

// NewPgAuditLog creates a Postgres-backed audit log.
func NewPgAuditLog(pool *pgxpool.Pool) *PgAuditLog {
	return &PgAuditLog{pool: pool}
}

func (a *PgAuditLog) RecordSyncRun(ctx context.Context, run *SyncRun) error {
	_, err := a.pool.Exec(ctx, `
		INSERT INTO crmsync.sync_runs
			(id, entity_type, strategy, status, started_at, completed_at,
			 records_processed, records_created, records_updated, records_failed, errors)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			completed_at = EXCLUDED.completed_at,
			records_processed = EXCLUDED.records_processed,
			records_created = EXCLUDED.records_created,
			records_updated = EXCLUDED.records_updated,
			records_failed = EXCLUDED.records_failed,
			errors = EXCLUDED.errors
	`, run.ID, run.EntityType, run.Strategy, run.Status, run.StartedAt, run.CompletedAt,
		run.RecordsProcessed, run.RecordsCreated, run.RecordsUpdated, run.RecordsFailed,
		errorsArray(run.Errors))
	if err != nil {
		return fmt.Errorf("failed to record sync run: %w", err)
	}
	return nil
}

// errorsArray coalesces a nil error list to an empty one. pgx encodes a nil
// []string as SQL NULL, which the NOT NULL errors column rejects — and a
// freshly opened run has accumulated no errors yet.
func errorsArray(errs []string) []string {
	if errs == nil {
		return []string{}
	}
	return errs
}

func (a *PgAuditLog) AppendSyncDetail(ctx context.Context, runID uuid.UUID, detail *SyncRunDetail) error {
	_, err := a.pool.Exec(ctx, `
		INSERT INTO crmsync.sync_run_details (run_id, external_id, outcome, message, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, runID, detail.ExternalID, detail.Outcome, detail.Message, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to append sync detail: %w", err)
	}
	return nil
}

func (a *PgAuditLog) LastSuccessfulRun(ctx context.Context, entityType string) (*SyncRun, error) {
	row := a.pool.QueryRow(ctx, `
		SELECT id, entity_type, strategy, status, started_at, completed_at,
		       records_processed, records_created, records_updated, records_failed, errors
		FROM crmsync.sync_runs
		WHERE entity_type = $1 AND status = $2
		ORDER BY completed_at DESC
		LIMIT 1
	`, entityType, RunStatusCompleted)

	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query last successful run: %w", err)
	}
	return run, nil
}

func (a *PgAuditLog) ListRuns(ctx context.Context, entityType string, limit int) ([]*SyncRun, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `
		SELECT id, entity_type, strategy, status, started_at, completed_at,
		       records_processed, records_created, records_updated, records_failed, errors
		FROM crmsync.sync_runs
	`
	args := []any{}
	if entityType != "" {
		query += ` WHERE entity_type = $1 ORDER BY started_at DESC LIMIT $2`
		args = append(args, entityType, limit)
	} else {
		query += ` ORDER BY started_at DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := a.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync runs: %w", err)
	}
	defer rows.Close()

	var out []*SyncRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync runs: %w", err)
	}
	return out, nil
}

func scanRun(row pgx.Row) (*SyncRun, error) {
	run := &SyncRun{}
	err := row.Scan(
		&run.ID, &run.EntityType, &run.Strategy, &run.Status,
		&run.StartedAt, &run.CompletedAt,
		&run.RecordsProcessed, &run.RecordsCreated, &run.RecordsUpdated, &run.RecordsFailed,
		&run.Errors,
	)
	if err != nil {
		return nil, err
	}
	return run, nil
}
