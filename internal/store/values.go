package store

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/masterdata-cli/internal/model"
)

// Storage formats for drivers without native date types (SQLite). Postgres
// binds time.Time directly; both drivers share the duration-as-seconds and
// clock-time-as-text representations.
const (
	dateLayout     = "2006-01-02"
	datetimeLayout = "2006-01-02T15:04:05.999999Z07:00"
	clockLayout    = "15:04:05"
)

// encodeValue converts a record value into its driver-level representation.
func encodeValue(t model.FieldType, v any, textual bool) any {
	if v == nil {
		return nil
	}
	switch t {
	case model.FieldDate:
		if tt, ok := v.(time.Time); ok {
			if textual {
				return model.DateOnly(tt).Format(dateLayout)
			}
			return model.DateOnly(tt)
		}
	case model.FieldDateTime:
		if tt, ok := v.(time.Time); ok {
			if textual {
				return tt.UTC().Format(datetimeLayout)
			}
			return tt.UTC()
		}
	case model.FieldTime:
		if tt, ok := v.(time.Time); ok {
			return tt.Format(clockLayout)
		}
	case model.FieldDuration:
		if d, ok := v.(time.Duration); ok {
			return int64(d / time.Second)
		}
	case model.FieldBool:
		if b, ok := v.(bool); ok {
			if textual {
				if b {
					return int64(1)
				}
				return int64(0)
			}
			return b
		}
	}
	return v
}

// decodeValue converts a scanned driver value back into the record type.
func decodeValue(t model.FieldType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	switch t {
	case model.FieldString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case model.FieldInt:
		switch n := v.(type) {
		case int64:
			return n, nil
		case int32:
			return int64(n), nil
		case int:
			return int64(n), nil
		}
	case model.FieldFloat:
		if f, ok := v.(float64); ok {
			return f, nil
		}
	case model.FieldBool:
		switch b := v.(type) {
		case bool:
			return b, nil
		case int64:
			return b != 0, nil
		}
	case model.FieldDate:
		switch d := v.(type) {
		case time.Time:
			return model.DateOnly(d), nil
		case string:
			tt, err := time.ParseInLocation(dateLayout, d, time.UTC)
			if err != nil {
				return nil, eris.Wrapf(err, "store: decode date %q", d)
			}
			return tt, nil
		}
	case model.FieldDateTime:
		switch d := v.(type) {
		case time.Time:
			return d.UTC(), nil
		case string:
			tt, err := time.Parse(datetimeLayout, d)
			if err != nil {
				return nil, eris.Wrapf(err, "store: decode datetime %q", d)
			}
			return tt.UTC(), nil
		}
	case model.FieldTime:
		if s, ok := v.(string); ok {
			tt, err := time.ParseInLocation(clockLayout, s, time.UTC)
			if err != nil {
				return nil, eris.Wrapf(err, "store: decode time %q", s)
			}
			return tt, nil
		}
	case model.FieldDuration:
		if n, ok := v.(int64); ok {
			return time.Duration(n) * time.Second, nil
		}
	}
	return nil, eris.Errorf("store: cannot decode %T as %s", v, t)
}

// encodeRecordArgs encodes a full record into driver arguments ordered by
// the descriptor's column list.
func encodeRecordArgs(d *model.Descriptor, rec model.Record, textual bool) []any {
	cols := d.Columns()
	args := make([]any, len(cols))
	for i, c := range cols {
		t, _ := d.ColumnType(c)
		args[i] = encodeValue(t, rec[c], textual)
	}
	return args
}

// decodeRecord converts scanned column values into a Record.
func decodeRecord(d *model.Descriptor, cols []string, vals []any) (model.Record, error) {
	rec := make(model.Record, len(cols))
	for i, c := range cols {
		t, _ := d.ColumnType(c)
		v, err := decodeValue(t, vals[i])
		if err != nil {
			return nil, eris.Wrapf(err, "store: column %s", c)
		}
		rec[c] = v
	}
	return rec, nil
}
