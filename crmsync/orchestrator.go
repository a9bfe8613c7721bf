// Copyright 2025 Peak 1031
// SPDX-License-Identifier: Apache-2.0

package crmsync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PageFetcher is the orchestrator's view of the CRM client.
type PageFetcher interface {
	FetchPage(ctx context.Context, entityType string, page int, opts FetchOptions) (*Page, error)
}

// OrchestratorConfig holds configuration for sync runs.
type OrchestratorConfig struct {
	PageSize       int  // Records per CRM page (clamped by the client)
	SecondaryMatch bool // Link contacts by normalized name before inserting
}

// DefaultOrchestratorConfig returns the standard run configuration.
func DefaultOrchestratorConfig() *OrchestratorConfig {
	return &OrchestratorConfig{
		PageSize:       maxPerPage,
		SecondaryMatch: true,
	}
}

// Orchestrator drives one sync run per entity type: strategy selection,
// sequential pagination, mapping, idempotent upsert, and audit. Runs for
// distinct entity types may execute concurrently; a second run for the same
// entity type is rejected while one is in flight.
type Orchestrator struct {
	fetcher PageFetcher
	mapper  *Mapper
	store   LocalStore
	audit   AuditLog
	config  *OrchestratorConfig
	logger  *slog.Logger

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewOrchestrator creates a sync orchestrator.
func NewOrchestrator(fetcher PageFetcher, mapper *Mapper, store LocalStore, audit AuditLog, config *OrchestratorConfig, logger *slog.Logger) *Orchestrator {
	if config == nil {
		config = DefaultOrchestratorConfig()
	}
	if config.PageSize <= 0 {
		config.PageSize = maxPerPage
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		fetcher:  fetcher,
		mapper:   mapper,
		store:    store,
		audit:    audit,
		config:   config,
		logger:   logger,
		inFlight: make(map[string]bool),
	}
}

// RunSync executes one sync run synchronously and returns the finalized
// SyncRun. The returned error is the run-level failure, if any; the SyncRun
// is returned in both cases so callers can inspect counts.
func (o *Orchestrator) RunSync(ctx context.Context, entityType, strategyHint string) (*SyncRun, error) {
	if err := o.acquire(entityType); err != nil {
		return nil, err
	}
	defer o.release(entityType)
	return o.execute(ctx, uuid.New(), entityType, strategyHint)
}

// TriggerSync starts a run asynchronously and returns its id immediately.
// The in-flight guard is taken before returning so overlapping triggers for
// the same entity type fail fast with ErrSyncInProgress.
func (o *Orchestrator) TriggerSync(ctx context.Context, entityType, strategyHint string) (uuid.UUID, error) {
	if !IsValidEntityType(entityType) {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrUnknownEntityType, entityType)
	}
	if err := o.acquire(entityType); err != nil {
		return uuid.Nil, err
	}

	runID := uuid.New()
	go func() {
		defer o.release(entityType)
		if _, err := o.execute(ctx, runID, entityType, strategyHint); err != nil {
			o.logger.Error("Triggered sync run failed",
				"run_id", runID, "entity_type", entityType, "error", err)
		}
	}()
	return runID, nil
}

func (o *Orchestrator) acquire(entityType string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlight[entityType] {
		return fmt.Errorf("%w: %s", ErrSyncInProgress, entityType)
	}
	o.inFlight[entityType] = true
	return nil
}

func (o *Orchestrator) release(entityType string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, entityType)
}

// execute is the Idle→Running→{Completed,Failed} state machine for one run.
func (o *Orchestrator) execute(ctx context.Context, runID uuid.UUID, entityType, strategyHint string) (*SyncRun, error) {
	table, ok := entityTables[entityType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntityType, entityType)
	}

	modifiedSince, strategy, err := o.selectStrategy(ctx, entityType, strategyHint)
	if err != nil {
		return nil, err
	}

	run := &SyncRun{
		ID:         runID,
		EntityType: entityType,
		Strategy:   strategy,
		Status:     RunStatusRunning,
		StartedAt:  time.Now().UTC(),
	}
	if err := o.audit.RecordSyncRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to open sync run: %w", err)
	}

	o.logger.Info("Sync run started",
		"run_id", run.ID, "entity_type", entityType, "strategy", strategy)

	runErr := o.paginate(ctx, run, entityType, table, modifiedSince)

	completed := time.Now().UTC()
	run.CompletedAt = &completed
	if runErr != nil {
		run.Status = RunStatusFailed
		run.Errors = append(run.Errors, runErr.Error())
	} else {
		run.Status = RunStatusCompleted
	}

	if err := o.audit.RecordSyncRun(ctx, run); err != nil {
		o.logger.Error("Failed to finalize sync run", "run_id", run.ID, "error", err)
	}

	o.logger.Info("Sync run finished",
		"run_id", run.ID, "entity_type", entityType, "status", run.Status,
		"processed", run.RecordsProcessed, "created", run.RecordsCreated,
		"updated", run.RecordsUpdated, "failed", run.RecordsFailed)

	return run, runErr
}

// selectStrategy resolves the hint: incremental needs a prior successful run
// to take its modified-since watermark from, otherwise the run degrades to
// full.
func (o *Orchestrator) selectStrategy(ctx context.Context, entityType, hint string) (*time.Time, string, error) {
	if hint != StrategyIncremental {
		return nil, StrategyFull, nil
	}
	last, err := o.audit.LastSuccessfulRun(ctx, entityType)
	if err != nil {
		return nil, "", fmt.Errorf("failed to look up prior run: %w", err)
	}
	if last == nil || last.CompletedAt == nil {
		return nil, StrategyFull, nil
	}
	since := last.CompletedAt.UTC()
	return &since, StrategyIncremental, nil
}

// paginate walks CRM pages in order until has_more is false. Cancellation is
// honored at page boundaries only: a page in flight completes its upserts.
func (o *Orchestrator) paginate(ctx context.Context, run *SyncRun, entityType, table string, modifiedSince *time.Time) error {
	page := 1
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("sync cancelled: %w", err)
		}

		p, err := o.fetcher.FetchPage(ctx, entityType, page, FetchOptions{
			PerPage:       o.config.PageSize,
			ModifiedSince: modifiedSince,
		})
		if err != nil {
			return err
		}

		for i := range p.Records {
			o.processRecord(ctx, run, entityType, table, p.Records[i])
		}

		if !p.HasMore {
			return nil
		}
		page++
	}
}

// processRecord maps and upserts one record. Record-level failures are
// counted and logged, never propagated: CRM data quality varies record by
// record and one bad record must not sink the run.
func (o *Orchestrator) processRecord(ctx context.Context, run *SyncRun, entityType, table string, raw RawEntity) {
	run.RecordsProcessed++

	existing, matchKey, err := o.findExisting(ctx, entityType, table, raw)
	if err != nil {
		o.recordFailure(ctx, run, raw.ExternalID, err)
		return
	}

	rec, err := o.mapper.MapEntity(entityType, raw, existing)
	if err != nil {
		o.recordFailure(ctx, run, raw.ExternalID, err)
		return
	}

	res, err := o.store.Upsert(ctx, table, matchKey, rec)
	if err != nil {
		o.recordFailure(ctx, run, raw.ExternalID, err)
		return
	}
	if res.Created {
		run.RecordsCreated++
	} else {
		run.RecordsUpdated++
	}
}

// findExisting locates the local row to reconcile against. Exact external_id
// match is the only strong guarantee; for contacts a best-effort secondary
// match by normalized name may adopt an unlinked local row (created manually
// before the CRM connection existed) instead of inserting a duplicate.
func (o *Orchestrator) findExisting(ctx context.Context, entityType, table string, raw RawEntity) (Record, string, error) {
	rows, err := o.store.Query(ctx, table, Record{"external_id": raw.ExternalID})
	if err != nil {
		return nil, "", err
	}
	if len(rows) > 0 {
		return rows[0], "external_id", nil
	}

	if o.config.SecondaryMatch && entityType == EntityContacts {
		if name := normalizedName(raw); name != "" {
			candidates, err := o.store.Query(ctx, table, Record{"display_name": name})
			if err != nil {
				return nil, "", err
			}
			// Only adopt an unambiguous, still-unlinked row. Name matching is
			// lossy; anything else falls through to a fresh insert.
			if len(candidates) == 1 && candidates[0]["external_id"] == nil {
				return candidates[0], "display_name", nil
			}
		}
	}

	return nil, "external_id", nil
}

// normalizedName extracts the CRM display name for secondary matching.
func normalizedName(raw RawEntity) string {
	name, _ := raw.Fields["name"].(string)
	return strings.Join(strings.Fields(name), " ")
}

func (o *Orchestrator) recordFailure(ctx context.Context, run *SyncRun, externalID string, err error) {
	run.RecordsFailed++
	run.Errors = append(run.Errors, fmt.Sprintf("%s: %v", externalID, err))

	o.logger.Warn("Record failed during sync",
		"run_id", run.ID, "entity_type", run.EntityType,
		"external_id", externalID, "error", err)

	detail := &SyncRunDetail{
		ExternalID: externalID,
		Outcome:    DetailOutcomeFailed,
		Message:    err.Error(),
	}
	if aerr := o.audit.AppendSyncDetail(ctx, run.ID, detail); aerr != nil {
		o.logger.Error("Failed to append sync detail", "run_id", run.ID, "error", aerr)
	}
}
