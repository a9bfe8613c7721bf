// Copyright 2025 Peak 1031
// SPDX-License-Identifier: Apache-2.0

package crmsync

// Declarative mapping tables. The custom-field tables are the versionable
// label→column lookup: changing a CRM field label or adding a local column
// means editing these tables, nothing else. Labels absent here are still
// retained verbatim in raw_payload and can be remapped later without a
// network refetch.

// fixedField projects one known top-level CRM field into a local column.
type fixedField struct {
	source string // top-level CRM key
	column string // local column name
	ref    bool   // source is a nested reference object; project display_name
}

// customField binds a CRM custom-field label to a local column with a
// coercion target.
type customField struct {
	column string
	kind   ValueKind
}

var fixedFieldTables = map[string][]fixedField{
	EntityContacts: {
		{source: "name", column: "display_name"},
		{source: "first_name", column: "first_name"},
		{source: "last_name", column: "last_name"},
		{source: "primary_email_address", column: "email"},
		{source: "primary_phone_number", column: "phone"},
		{source: "type", column: "contact_type"},
		{source: "account_ref", column: "company_name", ref: true},
		{source: "created_at", column: "crm_created_at"},
		{source: "updated_at", column: "crm_updated_at"},
	},
	EntityMatters: {
		{source: "display_number", column: "matter_number"},
		{source: "description", column: "description"},
		{source: "status", column: "status"},
		{source: "open_date", column: "open_date"},
		{source: "close_date", column: "close_date"},
		{source: "client_ref", column: "client_name", ref: true},
		{source: "responsible_staff_ref", column: "coordinator_name", ref: true},
		{source: "updated_at", column: "crm_updated_at"},
	},
	EntityTasks: {
		{source: "name", column: "name"},
		{source: "description", column: "description"},
		{source: "status", column: "status"},
		{source: "priority", column: "priority"},
		{source: "due_at", column: "due_at"},
		{source: "completed_at", column: "completed_at"},
		{source: "assignee_ref", column: "assignee_name", ref: true},
		{source: "matter_ref", column: "matter_name", ref: true},
		{source: "updated_at", column: "crm_updated_at"},
	},
}

var customFieldTables = map[string]map[string]customField{
	EntityContacts: {
		"Referral Source": {column: "referral_source", kind: KindString},
		"Fee Split %":     {column: "fee_split", kind: KindNumber},
		"Spouse":          {column: "spouse_name", kind: KindReference},
	},
	EntityMatters: {
		"Exchange Type":                   {column: "exchange_type", kind: KindString},
		"Bank Name":                       {column: "bank_name", kind: KindString},
		"Relinquished Property Address":   {column: "rel_property_address", kind: KindString},
		"Relinquished Property Value":     {column: "rel_value", kind: KindNumber},
		"Replacement Property Address":    {column: "rep_property_address", kind: KindString},
		"Replacement Property Value":      {column: "rep_value", kind: KindNumber},
		"Proceeds":                        {column: "proceeds", kind: KindNumber},
		"Close of Escrow Date":            {column: "close_of_escrow_date", kind: KindDateTime},
		"Day 45":                          {column: "day_45", kind: KindDateTime},
		"Day 180":                         {column: "day_180", kind: KindDateTime},
		"Client Vesting":                  {column: "client_vesting", kind: KindString},
		"Referral Source":                 {column: "referral_source", kind: KindString},
		"Internal Credit To":              {column: "internal_credit_to", kind: KindReference},
		"Assigned To":                     {column: "assigned_to", kind: KindReference},
		"Reminder Emails Enabled":         {column: "reminders_enabled", kind: KindBool},
	},
	EntityTasks: {
		"Deadline Category": {column: "deadline_category", kind: KindString},
	},
}
