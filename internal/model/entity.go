// Package model defines the master-data entities, their static descriptors,
// and the value conversion rules shared by upload, export, and the API.
package model

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// FieldType is the semantic type of an entity column. It drives how raw
// text values from CSV/XLSX cells are converted before storage.
type FieldType int

const (
	FieldString FieldType = iota
	FieldInt
	FieldFloat
	FieldBool
	FieldDate
	FieldDateTime
	FieldTime
	FieldDuration
)

func (t FieldType) String() string {
	switch t {
	case FieldString:
		return "string"
	case FieldInt:
		return "int"
	case FieldFloat:
		return "float"
	case FieldBool:
		return "bool"
	case FieldDate:
		return "date"
	case FieldDateTime:
		return "datetime"
	case FieldTime:
		return "time"
	case FieldDuration:
		return "duration"
	default:
		return "unknown"
	}
}

// Field describes one payload column of an entity.
type Field struct {
	Name     string
	Type     FieldType
	Required bool

	// CodeWidth, when non-zero, zero-pads and truncates string values to a
	// fixed width during ingestion (business code normalization).
	CodeWidth int
}

// Descriptor statically declares an entity: its table, payload fields, and
// identity key. Identity keys are declared here rather than discovered from
// storage metadata, and validated once at startup.
type Descriptor struct {
	// Name is the entity name used in CLI flags and API paths.
	Name  string
	Table string

	// Fields are the payload columns, excluding audit and validity columns.
	Fields []Field

	// IdentityKey names the unique-key fields excluding valid_from. Empty
	// means the entity has no natural key and upload rows always insert.
	IdentityKey []string

	// Temporal entities carry [valid_from, valid_to] and go through the
	// validity-period engine for every mutation.
	Temporal bool

	// SoftDelete entities carry deleted_flag and are never physically
	// removed through bulk actions.
	SoftDelete bool
}

// Audit and validity column names shared by every entity table.
const (
	ColID          = "id"
	ColValidFrom   = "valid_from"
	ColValidTo     = "valid_to"
	ColCreatedBy   = "created_by"
	ColCreatedAt   = "created_at"
	ColUpdatedBy   = "updated_by"
	ColUpdatedAt   = "updated_at"
	ColDeletedFlag = "deleted_flag"
)

// Field returns the payload field with the given name.
func (d *Descriptor) Field(name string) (Field, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// FieldNames returns the payload column names in declaration order.
func (d *Descriptor) FieldNames() []string {
	names := make([]string, len(d.Fields))
	for i, f := range d.Fields {
		names[i] = f.Name
	}
	return names
}

// UniqueKey returns the full natural-key columns: the identity key plus
// valid_from for temporal entities. Empty if no identity key is declared.
func (d *Descriptor) UniqueKey() []string {
	if len(d.IdentityKey) == 0 {
		return nil
	}
	if !d.Temporal {
		return d.IdentityKey
	}
	key := make([]string, 0, len(d.IdentityKey)+1)
	key = append(key, d.IdentityKey...)
	return append(key, ColValidFrom)
}

// Columns returns every column of the entity table in storage order:
// id, payload, validity, audit, deleted flag.
func (d *Descriptor) Columns() []string {
	cols := []string{ColID}
	cols = append(cols, d.FieldNames()...)
	if d.Temporal {
		cols = append(cols, ColValidFrom, ColValidTo)
	}
	cols = append(cols, ColCreatedBy, ColCreatedAt, ColUpdatedBy, ColUpdatedAt)
	if d.SoftDelete {
		cols = append(cols, ColDeletedFlag)
	}
	return cols
}

// ColumnType returns the semantic type of any column, including the audit
// and validity columns.
func (d *Descriptor) ColumnType(name string) (FieldType, bool) {
	if f, ok := d.Field(name); ok {
		return f.Type, true
	}
	switch name {
	case ColValidFrom, ColValidTo:
		return FieldDate, true
	case ColCreatedAt, ColUpdatedAt:
		return FieldDateTime, true
	case ColCreatedBy, ColUpdatedBy, ColID:
		return FieldString, true
	case ColDeletedFlag:
		return FieldBool, true
	}
	return FieldString, false
}

// Validate checks the descriptor's internal consistency.
func (d *Descriptor) Validate() error {
	if d.Name == "" || d.Table == "" {
		return eris.New("model: descriptor missing name or table")
	}
	if len(d.Fields) == 0 {
		return eris.Errorf("model: entity %s declares no fields", d.Name)
	}
	if d.Temporal && d.SoftDelete {
		return eris.Errorf("model: entity %s cannot be both temporal and soft-delete", d.Name)
	}
	if d.Temporal && len(d.IdentityKey) == 0 {
		return eris.Errorf("model: temporal entity %s requires an identity key", d.Name)
	}
	seen := make(map[string]bool, len(d.Fields))
	for _, f := range d.Fields {
		if seen[f.Name] {
			return eris.Errorf("model: entity %s declares field %s twice", d.Name, f.Name)
		}
		seen[f.Name] = true
	}
	for _, k := range d.IdentityKey {
		if !seen[k] {
			return eris.Errorf("model: entity %s identity key references unknown field %s", d.Name, k)
		}
	}
	return nil
}

// Entities is the static registry of master-data entities.
var Entities = []*Descriptor{
	{
		Name:  "municipality",
		Table: "municipalities",
		Fields: []Field{
			{Name: "municipality_code", Type: FieldString, Required: true, CodeWidth: 5},
			{Name: "name", Type: FieldString, Required: true},
			{Name: "prefecture", Type: FieldString},
			{Name: "district", Type: FieldString},
		},
		IdentityKey: []string{"municipality_code"},
		Temporal:    true,
	},
	{
		Name:  "person",
		Table: "persons",
		Fields: []Field{
			{Name: "person_code", Type: FieldString, Required: true},
			{Name: "family_name", Type: FieldString, Required: true},
			{Name: "given_name", Type: FieldString},
			{Name: "email", Type: FieldString},
			{Name: "municipality_code", Type: FieldString},
		},
		IdentityKey: []string{"person_code"},
		Temporal:    true,
	},
	{
		Name:  "postcode",
		Table: "postcodes",
		Fields: []Field{
			{Name: "postal_code", Type: FieldString, Required: true},
			{Name: "municipality_code", Type: FieldString},
			{Name: "town", Type: FieldString},
		},
		IdentityKey: []string{"postal_code"},
		SoftDelete:  true,
	},
	{
		Name:  "holiday",
		Table: "holidays",
		Fields: []Field{
			{Name: "holiday_date", Type: FieldDate, Required: true},
			{Name: "name", Type: FieldString, Required: true},
		},
		IdentityKey: []string{"holiday_date"},
		SoftDelete:  true,
	},
}

// ByName resolves an entity descriptor by its registry name.
func ByName(name string) (*Descriptor, error) {
	for _, d := range Entities {
		if d.Name == name {
			return d, nil
		}
	}
	return nil, eris.Errorf("model: unknown entity %q (valid: %s)", name, strings.Join(EntityNames(), ", "))
}

// EntityNames returns the registered entity names.
func EntityNames() []string {
	names := make([]string, len(Entities))
	for i, d := range Entities {
		names[i] = d.Name
	}
	return names
}

// ValidateRegistry checks every registered descriptor at startup.
func ValidateRegistry() error {
	for _, d := range Entities {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("validate entity registry: %w", err)
		}
	}
	return nil
}
