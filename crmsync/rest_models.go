// Copyright 2025 Peak 1031
// SPDX-License-Identifier: Apache-2.0

package crmsync

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// REST/JSON models for the CRM API and for this service's own HTTP surface.

// pageEnvelope is the CRM's list response shape.
type pageEnvelope struct {
	Data       []json.RawMessage `json:"data"`
	TotalCount int               `json:"total_count"`
	HasMore    bool              `json:"has_more"`
}

// Reference is a nested CRM reference object. Only the display name is
// projected locally; references are not enforced foreign keys.
type Reference struct {
	ID          json.Number `json:"id"`
	DisplayName string      `json:"display_name"`
}

// CustomFieldRef identifies a CRM custom field by its human-readable label.
type CustomFieldRef struct {
	Label string `json:"label"`
}

// ValueKind tags the dynamic type of a custom field value.
type ValueKind int

const (
	KindEmpty ValueKind = iota
	KindString
	KindNumber
	KindDateTime
	KindBool
	KindReference
)

func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindDateTime:
		return "datetime"
	case KindBool:
		return "bool"
	case KindReference:
		return "reference"
	default:
		return "empty"
	}
}

// CustomFieldValue is one entry of a CRM entity's custom_field_values array.
// Exactly one of the value columns is expected to be set; Kind resolves
// which one, checked in declaration order.
type CustomFieldValue struct {
	CustomFieldRef CustomFieldRef `json:"custom_field_ref"`
	ValueString    *string        `json:"value_string,omitempty"`
	ValueNumber    *float64       `json:"value_number,omitempty"`
	ValueDateTime  *string        `json:"value_date_time,omitempty"`
	ValueBoolean   *bool          `json:"value_boolean,omitempty"`
	ContactRef     *Reference     `json:"contact_ref,omitempty"`
}

// Kind returns the tagged variant for this value.
func (v *CustomFieldValue) Kind() ValueKind {
	switch {
	case v.ValueString != nil:
		return KindString
	case v.ValueNumber != nil:
		return KindNumber
	case v.ValueDateTime != nil:
		return KindDateTime
	case v.ValueBoolean != nil:
		return KindBool
	case v.ContactRef != nil:
		return KindReference
	default:
		return KindEmpty
	}
}

// RawEntity is one CRM record as fetched: the decoded top-level fields, the
// typed custom field list, and the verbatim JSON it arrived as. The verbatim
// payload is retained end-to-end so unmapped fields are never lost.
type RawEntity struct {
	ExternalID        string
	Fields            map[string]any
	CustomFieldValues []CustomFieldValue
	Raw               json.RawMessage
}

// decodeEntity parses one element of a CRM page's data array.
func decodeEntity(raw json.RawMessage) (RawEntity, error) {
	var head struct {
		ID                json.Number        `json:"id"`
		CustomFieldValues []CustomFieldValue `json:"custom_field_values"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return RawEntity{}, fmt.Errorf("failed to decode entity: %w", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return RawEntity{}, fmt.Errorf("failed to decode entity fields: %w", err)
	}

	return RawEntity{
		ExternalID:        head.ID.String(),
		Fields:            fields,
		CustomFieldValues: head.CustomFieldValues,
		Raw:               append(json.RawMessage(nil), raw...),
	}, nil
}

// Page is one page of CRM records in fetch order.
type Page struct {
	Number     int
	Records    []RawEntity
	TotalCount int
	HasMore    bool
}

// tokenResponse is the OAuth token endpoint's response shape.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

// TriggerResponse is returned by POST /sync/trigger.
type TriggerResponse struct {
	SyncRunID  uuid.UUID `json:"sync_run_id"`
	EntityType string    `json:"entity_type"`
	Strategy   string    `json:"strategy"`
}

// RunResponse is the JSON projection of a SyncRun for the ops surface.
type RunResponse struct {
	ID               uuid.UUID `json:"id"`
	EntityType       string    `json:"entity_type"`
	Strategy         string    `json:"strategy"`
	Status           string    `json:"status"`
	StartedAt        string    `json:"started_at"`
	CompletedAt      string    `json:"completed_at,omitempty"`
	RecordsProcessed int       `json:"records_processed"`
	RecordsCreated   int       `json:"records_created"`
	RecordsUpdated   int       `json:"records_updated"`
	RecordsFailed    int       `json:"records_failed"`
	Errors           []string  `json:"errors,omitempty"`
}

// ToRunResponse converts a SyncRun for JSON output.
func (r *SyncRun) ToRunResponse() *RunResponse {
	resp := &RunResponse{
		ID:               r.ID,
		EntityType:       r.EntityType,
		Strategy:         r.Strategy,
		Status:           r.Status,
		StartedAt:        r.StartedAt.UTC().Format(timeFormat),
		RecordsProcessed: r.RecordsProcessed,
		RecordsCreated:   r.RecordsCreated,
		RecordsUpdated:   r.RecordsUpdated,
		RecordsFailed:    r.RecordsFailed,
		Errors:           r.Errors,
	}
	if r.CompletedAt != nil {
		resp.CompletedAt = r.CompletedAt.UTC().Format(timeFormat)
	}
	return resp
}

// StatusResponse represents service status response
type StatusResponse struct {
	Status      string   `json:"status"`
	AppName     string   `json:"app_name"`
	EntityTypes []string `json:"entity_types"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
