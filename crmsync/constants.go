// Copyright 2025 Peak 1031
// SPDX-License-Identifier: Apache-2.0

package crmsync

import "time"

// timeFormat is the wire format for timestamps on both the CRM API and the
// ops surface.
const timeFormat = time.RFC3339

// Entity types synced from the CRM. Each syncs independently with its own
// run and failure domain.
const (
	EntityContacts = "contacts"
	EntityMatters  = "matters"
	EntityTasks    = "tasks"
)

// EntityTypes lists every entity type in scheduler order.
var EntityTypes = []string{EntityContacts, EntityMatters, EntityTasks}

// Sync strategies
const (
	StrategyIncremental = "incremental"
	StrategyFull        = "full"
)

// SyncRun statuses
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// DetailOutcomeFailed marks a record-level failure in sync run details.
// Successes are counted on the run row and get no detail rows.
const DetailOutcomeFailed = "failed"

// DefaultProvider is the credential provider key for the practice-management CRM.
const DefaultProvider = "crm"

// Local tables the engine writes to, keyed by entity type.
var entityTables = map[string]string{
	EntityContacts: "crm.contacts",
	EntityMatters:  "crm.matters",
	EntityTasks:    "crm.tasks",
}

// entityPaths maps entity types to CRM REST resource paths.
var entityPaths = map[string]string{
	EntityContacts: "contacts",
	EntityMatters:  "matters",
	EntityTasks:    "tasks",
}

// IsValidEntityType reports whether s names a syncable entity type.
func IsValidEntityType(s string) bool {
	_, ok := entityPaths[s]
	return ok
}
