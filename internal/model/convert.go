package model

import (
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// ConvertError reports a cell whose raw text could not be converted to the
// destination column type. Any ConvertError aborts the whole upload.
type ConvertError struct {
	Column string
	Value  string
	Type   FieldType
	cause  error
}

func (e *ConvertError) Error() string {
	return "convert column " + e.Column + ": cannot parse " + strconv.Quote(e.Value) + " as " + e.Type.String()
}

func (e *ConvertError) Unwrap() error { return e.cause }

var dateFormats = []string{"2006-01-02", "2006-01"}

var datetimeFormats = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

var timeFormats = []string{"15:04:05", "15:04"}

// Convert parses a raw cell value into the Go value for the given field.
// Empty cells yield nil for every type except bool, where empty means false.
func Convert(f Field, raw string) (any, error) {
	s := strings.TrimSpace(raw)

	switch f.Type {
	case FieldString:
		if f.CodeWidth > 0 {
			return NormalizeCode(s, f.CodeWidth), nil
		}
		return s, nil

	case FieldInt:
		if s == "" {
			return nil, nil
		}
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, &ConvertError{Column: f.Name, Value: raw, Type: f.Type, cause: err}
		}
		return v, nil

	case FieldFloat:
		if s == "" {
			return nil, nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, &ConvertError{Column: f.Name, Value: raw, Type: f.Type, cause: err}
		}
		return v, nil

	case FieldBool:
		return parseBool(s), nil

	case FieldDate:
		if s == "" {
			return nil, nil
		}
		v, err := parseDate(s)
		if err != nil {
			return nil, &ConvertError{Column: f.Name, Value: raw, Type: f.Type, cause: err}
		}
		return v, nil

	case FieldDateTime:
		if s == "" {
			return nil, nil
		}
		norm := strings.ReplaceAll(s, "/", "-")
		for _, layout := range datetimeFormats {
			if v, err := time.ParseInLocation(layout, norm, time.UTC); err == nil {
				return v, nil
			}
		}
		return nil, &ConvertError{Column: f.Name, Value: raw, Type: f.Type}

	case FieldTime:
		if s == "" {
			return nil, nil
		}
		for _, layout := range timeFormats {
			if v, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				return v, nil
			}
		}
		return nil, &ConvertError{Column: f.Name, Value: raw, Type: f.Type}

	case FieldDuration:
		if s == "" {
			return nil, nil
		}
		if v, err := parseClockDuration(s); err == nil {
			return v, nil
		}
		if v, err := time.ParseDuration(s); err == nil {
			return v, nil
		}
		return nil, &ConvertError{Column: f.Name, Value: raw, Type: f.Type}
	}

	return nil, eris.Errorf("model: unhandled field type %d for column %s", f.Type, f.Name)
}

// parseDate accepts YYYY-MM-DD and YYYY-MM (normalizing / to - first).
// YYYY-MM resolves to the first day of the month.
func parseDate(s string) (time.Time, error) {
	norm := strings.ReplaceAll(s, "/", "-")
	for _, layout := range dateFormats {
		if v, err := time.ParseInLocation(layout, norm, time.UTC); err == nil {
			return v, nil
		}
	}
	return time.Time{}, eris.Errorf("unrecognized date %q", s)
}

// parseBool treats "", "false", "0" (case-insensitive) as false and any
// other value as true.
func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "", "false", "0":
		return false
	default:
		return true
	}
}

// parseClockDuration parses "HH:MM:SS" or "HH:MM" into a duration.
func parseClockDuration(s string) (time.Duration, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 && len(parts) != 3 {
		return 0, eris.Errorf("not a clock duration: %q", s)
	}
	var total time.Duration
	units := []time.Duration{time.Hour, time.Minute, time.Second}
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || v < 0 {
			return 0, eris.Errorf("not a clock duration: %q", s)
		}
		total += time.Duration(v) * units[i]
	}
	return total, nil
}

// NormalizeCode zero-pads a business code to width and truncates anything
// longer, matching the ingestion rule for fixed-width codes.
func NormalizeCode(s string, width int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	if len(s) > width {
		return s[:width]
	}
	return strings.Repeat("0", width-len(s)) + s
}
