// Copyright 2025 Peak 1031
// SPDX-License-Identifier: Apache-2.0

package crmsync

import (
	"errors"
	"fmt"
)

// ErrAuthenticationRequired means no usable CRM credential exists. It is
// terminal for a sync run: recovery requires a human to redo the
// authorization-code exchange (see cmd/crmsync auth).
var ErrAuthenticationRequired = errors.New("crm authentication required")

// ErrSyncInProgress is returned when a run for the same entity type is
// already executing in this process.
var ErrSyncInProgress = errors.New("sync already in progress for entity type")

// ErrUnknownEntityType is returned for entity types outside contacts/matters/tasks.
var ErrUnknownEntityType = errors.New("unknown entity type")

// TransientFetchError is a retryable CRM fetch failure (429/5xx/network)
// whose retries have been exhausted. It aborts the run that observes it.
type TransientFetchError struct {
	StatusCode int
	Attempts   int
	Err        error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("transient fetch failure after %d retries (status %d): %v", e.Attempts, e.StatusCode, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// FetchError is a non-retryable CRM request failure (4xx other than 401/429).
type FetchError struct {
	StatusCode int
	Body       string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("crm request rejected with status %d: %s", e.StatusCode, e.Body)
}

// MappingError is a per-record mapping failure. The orchestrator counts it
// and continues with the next record.
type MappingError struct {
	EntityType string
	Label      string
	Err        error
}

func (e *MappingError) Error() string {
	if e.Label != "" {
		return fmt.Sprintf("mapping %s field %q: %v", e.EntityType, e.Label, e.Err)
	}
	return fmt.Sprintf("mapping %s record: %v", e.EntityType, e.Err)
}

func (e *MappingError) Unwrap() error { return e.Err }

// UpsertConflictError is a per-record local store failure (constraint
// violation). The orchestrator counts it and continues with the next record.
type UpsertConflictError struct {
	Table      string
	ExternalID string
	Err        error
}

func (e *UpsertConflictError) Error() string {
	return fmt.Sprintf("upsert conflict on %s (external_id=%s): %v", e.Table, e.ExternalID, e.Err)
}

func (e *UpsertConflictError) Unwrap() error { return e.Err }

// IsAuthenticationRequired reports whether err is (or wraps) the terminal
// re-authorization error.
func IsAuthenticationRequired(err error) bool {
	return errors.Is(err, ErrAuthenticationRequired)
}

// IsTransient reports whether err is a retry-exhausted transient fetch error.
func IsTransient(err error) bool {
	var te *TransientFetchError
	return errors.As(err, &te)
}
