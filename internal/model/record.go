package model

import (
	"time"
)

// Record is one entity row keyed by column name. Values use the Go types
// produced by Convert: string, int64, float64, bool, time.Time,
// time.Duration.
type Record map[string]any

// Forever is the sentinel valid_to date meaning "no planned end".
var Forever = time.Date(2222, time.December, 31, 0, 0, 0, 0, time.UTC)

// DateOnly normalizes a timestamp to midnight UTC, the canonical form for
// valid_from/valid_to comparisons.
func DateOnly(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	u := t.UTC()
	y, m, d := u.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ID returns the surrogate primary key.
func (r Record) ID() string {
	s, _ := r[ColID].(string)
	return s
}

// ValidFrom returns the validity start date, zero if unset.
func (r Record) ValidFrom() time.Time {
	t, _ := r[ColValidFrom].(time.Time)
	return t
}

// ValidTo returns the validity end date, zero if unset.
func (r Record) ValidTo() time.Time {
	t, _ := r[ColValidTo].(time.Time)
	return t
}

// UpdatedAt returns the last-modified timestamp.
func (r Record) UpdatedAt() time.Time {
	t, _ := r[ColUpdatedAt].(time.Time)
	return t
}

// Deleted reports the soft-delete flag.
func (r Record) Deleted() bool {
	b, _ := r[ColDeletedFlag].(bool)
	return b
}

// IdentityValues extracts the identity-key values of the record.
func (r Record) IdentityValues(d *Descriptor) map[string]any {
	vals := make(map[string]any, len(d.IdentityKey))
	for _, k := range d.IdentityKey {
		vals[k] = r[k]
	}
	return vals
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Update pairs a record id with the column changes to apply to it.
type Update struct {
	ID      string
	Changes map[string]any
}

// Equal compares two column values after normalizing dates to day precision
// and nil/zero-string equivalence, the comparison used for upload diffs.
func Equal(t FieldType, a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	switch t {
	case FieldDate:
		at, aok := a.(time.Time)
		bt, bok := b.(time.Time)
		if aok && bok {
			return DateOnly(at).Equal(DateOnly(bt))
		}
	case FieldDateTime, FieldTime:
		at, aok := a.(time.Time)
		bt, bok := b.(time.Time)
		if aok && bok {
			return at.Equal(bt)
		}
	case FieldString:
		as, aok := a.(string)
		bs, bok := b.(string)
		if a == nil {
			as, aok = "", true
		}
		if b == nil {
			bs, bok = "", true
		}
		if aok && bok {
			return as == bs
		}
	}
	return a == b
}
