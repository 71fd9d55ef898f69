package upload

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/masterdata-cli/internal/model"
	"github.com/sells-group/masterdata-cli/internal/store"
)

// Outcome is the classification of one data row.
type Outcome int

const (
	// OutcomeBlank marks an empty row, tolerated and not counted.
	OutcomeBlank Outcome = iota
	// OutcomeInsert queued the row as a new record.
	OutcomeInsert
	// OutcomeUpdate queued a field-diff update against an existing record.
	OutcomeUpdate
	// OutcomeSkip left storage untouched: duplicate in batch, unchanged
	// fields, or skip-existing mode.
	OutcomeSkip
)

// RowError is a fatal row-level failure. Any RowError aborts the remaining
// stream; already-flushed chunks stay committed.
type RowError struct {
	Source string
	Line   int64
	Cause  error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("%s line %d: %v", e.Source, e.Line, e.Cause)
}

func (e *RowError) Unwrap() error { return e.Cause }

// header maps column names to cell positions for one source.
type header struct {
	cols []string
	idx  map[string]int
}

// parseHeader validates the header row against the entity. Unknown columns
// are tolerated and ignored; the engine only reads declared columns.
func parseHeader(d *model.Descriptor, cells []string) (*header, error) {
	h := &header{idx: make(map[string]int, len(cells))}
	for i, c := range cells {
		name := strings.TrimSpace(strings.ToLower(c))
		if name == "" {
			continue
		}
		if _, dup := h.idx[name]; dup {
			return nil, eris.Errorf("upload: duplicate header column %q", name)
		}
		h.idx[name] = i
		h.cols = append(h.cols, name)
	}
	if len(h.idx) == 0 {
		return nil, eris.New("upload: empty header row")
	}
	return h, nil
}

// cell returns the raw value under a named column, or ("", false) when the
// column is absent from this source.
func (h *header) cell(row []string, col string) (string, bool) {
	i, ok := h.idx[col]
	if !ok || i >= len(row) {
		return "", ok
	}
	return row[i], true
}

// convertRow parses the raw cells of one row into typed column values.
// Only columns present in the header are produced. Validity columns of
// temporal entities convert as dates.
func convertRow(d *model.Descriptor, h *header, row []string) (map[string]any, error) {
	values := make(map[string]any)
	for _, f := range d.Fields {
		raw, present := h.cell(row, f.Name)
		if !present {
			continue
		}
		v, err := model.Convert(f, raw)
		if err != nil {
			return nil, err
		}
		values[f.Name] = v
	}
	if d.Temporal {
		for _, col := range []string{model.ColValidFrom, model.ColValidTo} {
			raw, present := h.cell(row, col)
			if !present {
				continue
			}
			v, err := model.Convert(model.Field{Name: col, Type: model.FieldDate}, raw)
			if err != nil {
				return nil, err
			}
			values[col] = v
		}
	}
	return values, nil
}

// classify runs the per-row reconciliation: dedup, existence lookup,
// skip-existing, field diff. It queues work on the session and reports the
// outcome. A non-nil error is fatal for the whole upload.
func classify(ctx context.Context, st store.Store, sess *Session, values map[string]any, audit auditStamp) (Outcome, error) {
	d := sess.Entity

	// Entities without a natural key always insert.
	uniqueKey := d.UniqueKey()
	if len(uniqueKey) == 0 {
		sess.QueueInsert(newRecord(d, values, audit))
		return OutcomeInsert, nil
	}

	key := make(map[string]any, len(uniqueKey))
	for _, c := range uniqueKey {
		v, ok := values[c]
		if !ok || v == nil || v == "" {
			return OutcomeSkip, eris.Errorf("upload: row missing required unique field %q", c)
		}
		key[c] = v
	}

	existing, err := st.FindByKey(ctx, d, key)
	switch {
	case err == nil:
		sess.Seen(key)
		if sess.SkipExisting {
			return OutcomeSkip, nil
		}
		changes := diffFields(d, existing, values)
		if len(changes) == 0 {
			return OutcomeSkip, nil
		}
		changes[model.ColUpdatedBy] = audit.editor
		changes[model.ColUpdatedAt] = audit.now
		sess.QueueUpdate(model.Update{ID: existing.ID(), Changes: changes})
		return OutcomeUpdate, nil

	case eris.Is(err, store.ErrNotFound):
		if sess.Seen(key) {
			// Duplicate key within this file: first occurrence wins.
			return OutcomeSkip, nil
		}
		sess.QueueInsert(newRecord(d, values, audit))
		return OutcomeInsert, nil

	default:
		return OutcomeSkip, err
	}
}

// auditStamp carries the principal and timestamp applied to queued rows.
type auditStamp struct {
	editor string
	now    time.Time
}

// diffFields returns the payload columns whose uploaded value differs from
// the stored one. Columns absent from the file are left untouched.
func diffFields(d *model.Descriptor, existing model.Record, values map[string]any) map[string]any {
	changes := make(map[string]any)
	for _, f := range d.Fields {
		v, present := values[f.Name]
		if !present {
			continue
		}
		if !model.Equal(f.Type, existing[f.Name], v) {
			changes[f.Name] = v
		}
	}
	if d.Temporal {
		if v, present := values[model.ColValidTo]; present && v != nil {
			if !model.Equal(model.FieldDate, existing[model.ColValidTo], v) {
				changes[model.ColValidTo] = v
			}
		}
	}
	return changes
}

// newRecord materializes an insert row: converted values, validity defaults,
// and the audit quad.
func newRecord(d *model.Descriptor, values map[string]any, audit auditStamp) model.Record {
	rec := make(model.Record, len(values)+6)
	for k, v := range values {
		rec[k] = v
	}
	if d.Temporal {
		if rec[model.ColValidTo] == nil {
			rec[model.ColValidTo] = model.Forever
		}
	}
	if d.SoftDelete {
		rec[model.ColDeletedFlag] = false
	}
	rec[model.ColCreatedBy] = audit.editor
	rec[model.ColCreatedAt] = audit.now
	rec[model.ColUpdatedBy] = audit.editor
	rec[model.ColUpdatedAt] = audit.now
	return rec
}
