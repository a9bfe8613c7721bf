// Copyright 2025 Peak 1031
// SPDX-License-Identifier: Apache-2.0

package crmsync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// UpsertResult reports whether an upsert inserted a new row.
type UpsertResult struct {
	Created bool
}

// LocalStore is the engine's boundary to the relational store. matchKey
// names the column used to locate an existing row; when no row matches, a
// new one is inserted.
type LocalStore interface {
	Upsert(ctx context.Context, table, matchKey string, record Record) (UpsertResult, error)
	Query(ctx context.Context, table string, filter Record) ([]Record, error)
}

// PgLocalStore implements LocalStore over pgx against the application's
// Postgres. Tables and columns are allowlisted: the engine only ever touches
// what it registered, the same discipline the rest of the app relies on.
type PgLocalStore struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	columns map[string]map[string]bool // table → allowed columns
}

// NewPgLocalStore creates a store over the CRM entity tables.
func NewPgLocalStore(pool *pgxpool.Pool, logger *slog.Logger) *PgLocalStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PgLocalStore{
		pool:    pool,
		logger:  logger,
		columns: registeredColumns(),
	}
}

func registeredColumns() map[string]map[string]bool {
	shared := []string{"external_id", "raw_payload", "last_synced_at", "crm_created_at", "crm_updated_at"}
	tables := map[string][]string{
		"crm.contacts": {
			"display_name", "first_name", "last_name", "email", "phone",
			"contact_type", "company_name", "referral_source", "fee_split",
			"spouse_name",
		},
		"crm.matters": {
			"matter_number", "description", "status", "open_date", "close_date",
			"client_name", "coordinator_name", "exchange_type", "bank_name",
			"rel_property_address", "rel_value", "rep_property_address",
			"rep_value", "proceeds", "close_of_escrow_date", "day_45", "day_180",
			"client_vesting", "referral_source", "internal_credit_to",
			"assigned_to", "reminders_enabled",
		},
		"crm.tasks": {
			"name", "description", "status", "priority", "due_at",
			"completed_at", "assignee_name", "matter_name", "deadline_category",
		},
	}

	out := make(map[string]map[string]bool, len(tables))
	for table, cols := range tables {
		set := make(map[string]bool, len(cols)+len(shared))
		for _, c := range cols {
			set[c] = true
		}
		for _, c := range shared {
			set[c] = true
		}
		out[table] = set
	}
	return out
}

// Upsert updates the row whose matchKey column equals record[matchKey], or
// inserts a new row when none matches. Runs in one transaction; a sync run
// is the only writer for its entity type, so update-then-insert is safe.
func (s *PgLocalStore) Upsert(ctx context.Context, table, matchKey string, record Record) (UpsertResult, error) {
	allowed, ok := s.columns[table]
	if !ok {
		return UpsertResult{}, fmt.Errorf("table %q is not registered for sync", table)
	}
	if !allowed[matchKey] {
		return UpsertResult{}, fmt.Errorf("match key %q is not a registered column of %s", matchKey, table)
	}
	matchVal, ok := record[matchKey]
	if !ok {
		return UpsertResult{}, fmt.Errorf("record has no value for match key %q", matchKey)
	}

	cols, vals := splitRecord(record, allowed)
	if len(cols) == 0 {
		return UpsertResult{}, fmt.Errorf("record has no registered columns for %s", table)
	}

	var created bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		updateSQL, updateArgs := buildUpdateSQL(table, matchKey, matchVal, cols, vals)
		tag, err := tx.Exec(ctx, updateSQL, updateArgs...)
		if err != nil {
			return err
		}
		if tag.RowsAffected() > 0 {
			created = false
			return nil
		}

		insertSQL, insertArgs := buildInsertSQL(table, cols, vals)
		if _, err := tx.Exec(ctx, insertSQL, insertArgs...); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		externalID, _ := record["external_id"].(string)
		if isConstraintViolation(err) {
			return UpsertResult{}, &UpsertConflictError{Table: table, ExternalID: externalID, Err: err}
		}
		return UpsertResult{}, fmt.Errorf("failed to upsert into %s: %w", table, err)
	}
	return UpsertResult{Created: created}, nil
}

// Query returns rows matching all filter columns by equality.
func (s *PgLocalStore) Query(ctx context.Context, table string, filter Record) ([]Record, error) {
	allowed, ok := s.columns[table]
	if !ok {
		return nil, fmt.Errorf("table %q is not registered for sync", table)
	}

	var sb strings.Builder
	sb.WriteString("SELECT * FROM ")
	sb.WriteString(table)
	args := make([]any, 0, len(filter))
	if len(filter) > 0 {
		sb.WriteString(" WHERE ")
		keys := sortedKeys(filter)
		for i, k := range keys {
			if !allowed[k] && k != "id" {
				return nil, fmt.Errorf("filter column %q is not registered on %s", k, table)
			}
			if i > 0 {
				sb.WriteString(" AND ")
			}
			args = append(args, filter[k])
			fmt.Fprintf(&sb, "%s = $%d", quoteIdent(k), len(args))
		}
	}

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []Record
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read row from %s: %w", table, err)
		}
		rec := make(Record, len(fields))
		for i, fd := range fields {
			rec[string(fd.Name)] = vals[i]
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows of %s: %w", table, err)
	}
	return out, nil
}

// splitRecord filters the record down to registered columns in deterministic
// order.
func splitRecord(record Record, allowed map[string]bool) ([]string, []any) {
	keys := sortedKeys(record)
	cols := make([]string, 0, len(keys))
	vals := make([]any, 0, len(keys))
	for _, k := range keys {
		if !allowed[k] {
			continue
		}
		cols = append(cols, k)
		vals = append(vals, record[k])
	}
	return cols, vals
}

func buildUpdateSQL(table, matchKey string, matchVal any, cols []string, vals []any) (string, []any) {
	var sb strings.Builder
	sb.WriteString("UPDATE ")
	sb.WriteString(table)
	sb.WriteString(" SET ")
	args := make([]any, 0, len(vals)+1)
	for i, c := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		args = append(args, vals[i])
		fmt.Fprintf(&sb, "%s = $%d", quoteIdent(c), len(args))
	}
	args = append(args, matchVal)
	fmt.Fprintf(&sb, " WHERE %s = $%d", quoteIdent(matchKey), len(args))
	return sb.String(), args
}

func buildInsertSQL(table string, cols []string, vals []any) (string, []any) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(table)
	sb.WriteString(" (")
	for i, c := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(quoteIdent(c))
	}
	sb.WriteString(") VALUES (")
	for i := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "$%d", i+1)
	}
	sb.WriteString(")")
	return sb.String(), vals
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func sortedKeys(rec Record) []string {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
