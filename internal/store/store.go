// Package store persists master-data records, the process log, and
// application users. Two drivers exist: Postgres (pgx) and SQLite
// (modernc), selected by configuration.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/masterdata-cli/internal/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = eris.New("store: record not found")

// ErrDuplicateKey is returned when an insert violates an entity's natural
// unique key.
var ErrDuplicateKey = eris.New("store: duplicate natural key")

// ListParams specifies criteria for listing entity records.
type ListParams struct {
	Limit          int    `json:"limit,omitempty"`
	Offset         int    `json:"offset,omitempty"`
	Query          string `json:"q,omitempty"`
	IncludeDeleted bool   `json:"include_deleted,omitempty"`
}

// Store defines the persistence interface for the master-data service.
// All record values use the Go types produced by model.Convert.
type Store interface {
	// Records
	Get(ctx context.Context, d *model.Descriptor, id string) (model.Record, error)
	List(ctx context.Context, d *model.Descriptor, params ListParams) ([]model.Record, int64, error)
	FindByKey(ctx context.Context, d *model.Descriptor, key map[string]any) (model.Record, error)
	Insert(ctx context.Context, d *model.Descriptor, rec model.Record) (model.Record, error)
	Update(ctx context.Context, d *model.Descriptor, id string, changes map[string]any) error
	Delete(ctx context.Context, d *model.Descriptor, id string) error

	// Temporal navigation. Previous returns the record sharing the identity
	// key with the largest valid_from strictly before the given date; Next
	// the smallest strictly after. excludeID prevents self-matches.
	Previous(ctx context.Context, d *model.Descriptor, identity map[string]any, before time.Time, excludeID string) (model.Record, error)
	Next(ctx context.Context, d *model.Descriptor, identity map[string]any, after time.Time, excludeID string) (model.Record, error)

	// Bulk flush for the upload engine. Callers wrap each chunk in WithTx
	// so a flush commits or rolls back as a unit.
	BulkInsert(ctx context.Context, d *model.Descriptor, recs []model.Record) (int64, error)
	BulkUpdate(ctx context.Context, d *model.Descriptor, updates []model.Update) (int64, error)

	// WithTx runs fn against a transaction-scoped Store. The transaction
	// commits when fn returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(ctx context.Context, s Store) error) error

	// Process log
	StartProcess(ctx context.Context, e model.ProcessEntry) error
	FinishProcess(ctx context.Context, processID string, result model.ProcessResult, totalLines int64, comment string) error
	ListProcesses(ctx context.Context, limit int) ([]model.ProcessEntry, error)

	// Users
	EnsureUser(ctx context.Context, username, email, passwordHash string) (bool, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// placeholderStyle renders positional SQL placeholders per driver.
type placeholderStyle func(n int) string

func questionMark(int) string { return "?" }

func dollar(n int) string { return fmt.Sprintf("$%d", n) }

// selectColumns renders the SELECT column list for a descriptor.
func selectColumns(d *model.Descriptor) string {
	return strings.Join(d.Columns(), ", ")
}

// insertSQL builds an INSERT statement covering every column of the entity.
func insertSQL(d *model.Descriptor, ph placeholderStyle) string {
	cols := d.Columns()
	marks := make([]string, len(cols))
	for i := range cols {
		marks[i] = ph(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		d.Table, strings.Join(cols, ", "), strings.Join(marks, ", "))
}

// updateSQL builds an UPDATE statement for a set of changed columns,
// returning the SQL and the column order used for argument binding.
func updateSQL(d *model.Descriptor, changes map[string]any, ph placeholderStyle) (string, []string) {
	cols := orderedChangeColumns(d, changes)
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = %s", c, ph(i+1))
	}
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE id = %s",
		d.Table, strings.Join(sets, ", "), ph(len(cols)+1))
	return sql, cols
}

// orderedChangeColumns returns the changed columns in the table's storage
// order so generated SQL is deterministic.
func orderedChangeColumns(d *model.Descriptor, changes map[string]any) []string {
	var cols []string
	for _, c := range d.Columns() {
		if c == model.ColID {
			continue
		}
		if _, ok := changes[c]; ok {
			cols = append(cols, c)
		}
	}
	return cols
}

// keyWhere builds a WHERE clause over the given key columns.
func keyWhere(cols []string, ph placeholderStyle, startAt int) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprintf("%s = %s", c, ph(startAt+i))
	}
	return strings.Join(parts, " AND ")
}

// sortedKeyColumns returns the key's columns in descriptor order so the
// generated SQL and bound arguments always line up.
func sortedKeyColumns(d *model.Descriptor, key map[string]any) ([]string, []any) {
	var cols []string
	var vals []any
	for _, c := range d.Columns() {
		if v, ok := key[c]; ok {
			cols = append(cols, c)
			vals = append(vals, v)
		}
	}
	return cols, vals
}

// searchColumns returns the string payload fields used for the q filter.
func searchColumns(d *model.Descriptor) []string {
	var cols []string
	for _, f := range d.Fields {
		if f.Type == model.FieldString {
			cols = append(cols, f.Name)
		}
	}
	return cols
}

// normalizeListParams applies the defaults shared by both drivers.
func normalizeListParams(p ListParams) ListParams {
	if p.Limit <= 0 {
		p.Limit = 50
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	p.Query = strings.TrimSpace(p.Query)
	return p
}

// orderBy returns the deterministic list ordering: temporal entities by
// identity then valid_from, others by their unique key or id.
func orderBy(d *model.Descriptor) string {
	if d.Temporal {
		return strings.Join(append(append([]string{}, d.IdentityKey...), model.ColValidFrom), ", ")
	}
	if len(d.IdentityKey) > 0 {
		return strings.Join(d.IdentityKey, ", ")
	}
	return model.ColID
}
