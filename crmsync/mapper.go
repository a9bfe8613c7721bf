// Copyright 2025 Peak 1031
// SPDX-License-Identifier: Apache-2.0

package crmsync

import (
	"fmt"
	"log/slog"
	"time"
)

// Record is a flat column→value map destined for (or read from) a local table.
type Record map[string]any

// Mapper transforms a CRM entity's fixed fields and custom-field list into a
// Record matching local column names. Mapping runs as two independent steps:
// projection of known fields into columns, and retention of the verbatim
// payload in raw_payload. Custom fields are first-write-wins: a column that
// already holds a non-null local value is never overwritten, so manual edits
// survive subsequent syncs.
type Mapper struct {
	logger *slog.Logger
}

// NewMapper creates a field mapper.
func NewMapper(logger *slog.Logger) *Mapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mapper{logger: logger}
}

// MapEntity maps one CRM record. existing is the current local row for the
// same external id (nil when none) and gates the first-write-wins rule for
// custom-field columns.
func (m *Mapper) MapEntity(entityType string, raw RawEntity, existing Record) (Record, error) {
	if _, ok := fixedFieldTables[entityType]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntityType, entityType)
	}
	if raw.ExternalID == "" {
		return nil, &MappingError{EntityType: entityType, Err: fmt.Errorf("record has no id")}
	}

	rec := Record{"external_id": raw.ExternalID}
	m.projectFixedFields(entityType, raw, rec)
	if err := m.applyCustomFields(entityType, raw, existing, rec); err != nil {
		return nil, err
	}

	// Retention step: the whole CRM response survives verbatim, so labels
	// with no configured mapping are never lost.
	rec["raw_payload"] = string(raw.Raw)
	rec["last_synced_at"] = time.Now().UTC()
	return rec, nil
}

// projectFixedFields copies known top-level CRM fields into local columns via
// the static per-entity table. A source field absent from this record simply
// leaves its column out of the update set.
func (m *Mapper) projectFixedFields(entityType string, raw RawEntity, rec Record) {
	for _, f := range fixedFieldTables[entityType] {
		v, ok := raw.Fields[f.source]
		if !ok || v == nil {
			continue
		}
		if f.ref {
			refObj, ok := v.(map[string]any)
			if !ok {
				continue
			}
			name, ok := refObj["display_name"].(string)
			if !ok || name == "" {
				continue
			}
			rec[f.column] = name
			continue
		}
		rec[f.column] = v
	}
}

// applyCustomFields iterates the CRM custom-field list, coercing each mapped
// label's value into its column. Unmapped labels are skipped here (they live
// on in raw_payload); mapped columns already populated locally are skipped
// per first-write-wins.
func (m *Mapper) applyCustomFields(entityType string, raw RawEntity, existing Record, rec Record) error {
	table := customFieldTables[entityType]
	for _, cfv := range raw.CustomFieldValues {
		label := cfv.CustomFieldRef.Label
		cfg, ok := table[label]
		if !ok {
			m.logger.Debug("Unmapped custom field retained in raw payload",
				"entity_type", entityType, "label", label)
			continue
		}
		if hasLocalValue(existing, cfg.column) {
			continue
		}

		val, err := coerceValue(&cfv, cfg.kind)
		if err != nil {
			return &MappingError{EntityType: entityType, Label: label, Err: err}
		}
		if val == nil {
			continue
		}
		rec[cfg.column] = val
	}
	return nil
}

// hasLocalValue reports whether the existing local row already carries a
// value for the column. Empty strings count as empty.
func hasLocalValue(existing Record, column string) bool {
	if existing == nil {
		return false
	}
	v, ok := existing[column]
	if !ok || v == nil {
		return false
	}
	if s, isStr := v.(string); isStr && s == "" {
		return false
	}
	return true
}

// coerceValue converts a tagged custom-field value to the column's target
// type. A value of a different kind than configured is a mapping error; an
// empty value yields nil with no error.
func coerceValue(cfv *CustomFieldValue, target ValueKind) (any, error) {
	kind := cfv.Kind()
	if kind == KindEmpty {
		return nil, nil
	}
	if kind != target {
		return nil, fmt.Errorf("value is %s, column expects %s", kind, target)
	}

	switch kind {
	case KindString:
		return *cfv.ValueString, nil
	case KindNumber:
		return *cfv.ValueNumber, nil
	case KindBool:
		return *cfv.ValueBoolean, nil
	case KindReference:
		if cfv.ContactRef.DisplayName == "" {
			return nil, nil
		}
		return cfv.ContactRef.DisplayName, nil
	case KindDateTime:
		return parseCRMTime(*cfv.ValueDateTime)
	default:
		return nil, fmt.Errorf("unsupported value kind %s", kind)
	}
}

// parseCRMTime accepts the CRM's datetime formats: RFC3339 or a bare date.
func parseCRMTime(s string) (any, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	return nil, fmt.Errorf("unparseable datetime %q", s)
}
