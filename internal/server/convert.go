package server

import (
	"fmt"

	"github.com/sells-group/masterdata-cli/internal/model"
)

// decodeRecord converts a JSON object into typed record values using the
// entity's column types. String values go through the same conversion rules
// as CSV cells; JSON numbers and booleans are coerced directly.
func decodeRecord(d *model.Descriptor, body map[string]any) (model.Record, error) {
	rec := make(model.Record, len(body))
	for k, v := range body {
		if k == model.ColID {
			continue
		}
		t, ok := d.ColumnType(k)
		if !ok {
			return nil, badRequest(fmt.Sprintf("unknown column %q for %s", k, d.Name))
		}
		converted, err := coerceValue(d, k, t, v)
		if err != nil {
			return nil, err
		}
		rec[k] = converted
	}
	return rec, nil
}

// coerceValue converts one JSON value to the column's Go type.
func coerceValue(d *model.Descriptor, col string, t model.FieldType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch val := v.(type) {
	case string:
		f, ok := d.Field(col)
		if !ok {
			f = model.Field{Name: col, Type: t}
		}
		return model.Convert(f, val)
	case float64:
		switch t {
		case model.FieldInt:
			return int64(val), nil
		case model.FieldFloat:
			return val, nil
		}
	case bool:
		if t == model.FieldBool {
			return val, nil
		}
	}
	return nil, badRequest(fmt.Sprintf("column %q expects a %s value", col, t))
}
