// Copyright 2025 Peak 1031
// SPDX-License-Identifier: Apache-2.0

package crmsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// memTokenStore is an in-memory TokenStore for tests.
type memTokenStore struct {
	mu          sync.Mutex
	active      *OAuthCredential
	rotations   int
	deactivated int
}

func (s *memTokenStore) ActiveCredential(ctx context.Context, provider string) (*OAuthCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || !s.active.IsActive {
		return nil, ErrNoActiveCredential
	}
	cred := *s.active
	return &cred, nil
}

func (s *memTokenStore) RotateCredential(ctx context.Context, cred *OAuthCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred.IsActive = true
	copied := *cred
	s.active = &copied
	s.rotations++
	return nil
}

func (s *memTokenStore) DeactivateCredential(ctx context.Context, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		s.active.IsActive = false
	}
	s.deactivated++
	return nil
}

// fakeFetcher serves scripted pages or errors, recording fetch options.
type fakeFetcher struct {
	mu      sync.Mutex
	pages   []*Page        // pages[i] served for page number i+1
	errOn   map[int]error  // page number -> error
	fetched []FetchOptions // options seen, in call order
	onFetch func(page int) // optional hook, called before serving
}

func (f *fakeFetcher) FetchPage(ctx context.Context, entityType string, page int, opts FetchOptions) (*Page, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, opts)
	hook := f.onFetch
	f.mu.Unlock()
	if hook != nil {
		hook(page)
	}
	if err, ok := f.errOn[page]; ok {
		return nil, err
	}
	if page < 1 || page > len(f.pages) {
		return &Page{Number: page, HasMore: false}, nil
	}
	return f.pages[page-1], nil
}

// fakeStore is an in-memory LocalStore with merge-on-update semantics
// matching the Postgres implementation.
type fakeStore struct {
	mu     sync.Mutex
	rows   map[string][]Record // table → rows
	failOn map[string]error    // external_id → forced upsert error
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string][]Record)}
}

func (s *fakeStore) Upsert(ctx context.Context, table, matchKey string, record Record) (UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if externalID, ok := record["external_id"].(string); ok {
		if err, forced := s.failOn[externalID]; forced {
			return UpsertResult{}, err
		}
	}

	matchVal, ok := record[matchKey]
	if !ok {
		return UpsertResult{}, fmt.Errorf("record has no value for match key %q", matchKey)
	}
	for _, row := range s.rows[table] {
		if row[matchKey] == matchVal {
			for k, v := range record {
				row[k] = v
			}
			return UpsertResult{Created: false}, nil
		}
	}

	row := make(Record, len(record))
	for k, v := range record {
		row[k] = v
	}
	s.rows[table] = append(s.rows[table], row)
	return UpsertResult{Created: true}, nil
}

func (s *fakeStore) Query(ctx context.Context, table string, filter Record) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Record
	for _, row := range s.rows[table] {
		match := true
		for k, v := range filter {
			if row[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *fakeStore) count(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows[table])
}

// fakeAudit is an in-memory AuditLog.
type fakeAudit struct {
	mu      sync.Mutex
	runs    map[uuid.UUID]*SyncRun
	details []*SyncRunDetail
	last    *SyncRun // canned LastSuccessfulRun result
}

func newFakeAudit() *fakeAudit {
	return &fakeAudit{runs: make(map[uuid.UUID]*SyncRun)}
}

func (a *fakeAudit) RecordSyncRun(ctx context.Context, run *SyncRun) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	copied := *run
	a.runs[run.ID] = &copied
	return nil
}

func (a *fakeAudit) AppendSyncDetail(ctx context.Context, runID uuid.UUID, detail *SyncRunDetail) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	d := *detail
	d.RunID = runID
	a.details = append(a.details, &d)
	return nil
}

func (a *fakeAudit) LastSuccessfulRun(ctx context.Context, entityType string) (*SyncRun, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.last != nil && a.last.EntityType == entityType {
		copied := *a.last
		return &copied, nil
	}
	return nil, nil
}

func (a *fakeAudit) ListRuns(ctx context.Context, entityType string, limit int) ([]*SyncRun, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*SyncRun
	for _, run := range a.runs {
		if entityType == "" || run.EntityType == entityType {
			copied := *run
			out = append(out, &copied)
		}
	}
	return out, nil
}

// contactEntity builds a RawEntity in the CRM's contact shape.
func contactEntity(id, name string, customFields ...CustomFieldValue) RawEntity {
	payload := map[string]any{
		"id":   json.Number(id),
		"name": name,
	}
	raw, _ := json.Marshal(payload)
	return RawEntity{
		ExternalID:        id,
		Fields:            map[string]any{"id": float64(0), "name": name},
		CustomFieldValues: customFields,
		Raw:               raw,
	}
}

func strPtr(s string) *string        { return &s }
func numPtr(f float64) *float64      { return &f }
func boolPtr(b bool) *bool           { return &b }
func timePtr(t time.Time) *time.Time { return &t }
