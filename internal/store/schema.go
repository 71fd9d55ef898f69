package store

import (
	"fmt"
	"strings"

	"github.com/sells-group/masterdata-cli/internal/model"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

func columnSQLType(t model.FieldType, dl dialect) string {
	if dl == dialectSQLite {
		switch t {
		case model.FieldInt, model.FieldDuration:
			return "INTEGER"
		case model.FieldFloat:
			return "REAL"
		case model.FieldBool:
			return "INTEGER NOT NULL DEFAULT 0"
		default:
			return "TEXT"
		}
	}
	switch t {
	case model.FieldInt, model.FieldDuration:
		return "BIGINT"
	case model.FieldFloat:
		return "DOUBLE PRECISION"
	case model.FieldBool:
		return "BOOLEAN NOT NULL DEFAULT FALSE"
	case model.FieldDate:
		return "DATE"
	case model.FieldDateTime:
		return "TIMESTAMPTZ"
	default:
		return "TEXT"
	}
}

// createTableSQL generates the CREATE TABLE statement for an entity.
func createTableSQL(d *model.Descriptor, dl dialect) string {
	var cols []string
	cols = append(cols, fmt.Sprintf("%s TEXT PRIMARY KEY", model.ColID))
	for _, f := range d.Fields {
		c := fmt.Sprintf("%s %s", f.Name, columnSQLType(f.Type, dl))
		if f.Required && f.Type != model.FieldBool {
			c += " NOT NULL"
		}
		cols = append(cols, c)
	}
	if d.Temporal {
		cols = append(cols, fmt.Sprintf("%s %s NOT NULL", model.ColValidFrom, columnSQLType(model.FieldDate, dl)))
		cols = append(cols, fmt.Sprintf("%s %s NOT NULL", model.ColValidTo, columnSQLType(model.FieldDate, dl)))
	}
	cols = append(cols,
		fmt.Sprintf("%s TEXT", model.ColCreatedBy),
		fmt.Sprintf("%s %s NOT NULL", model.ColCreatedAt, columnSQLType(model.FieldDateTime, dl)),
		fmt.Sprintf("%s TEXT", model.ColUpdatedBy),
		fmt.Sprintf("%s %s NOT NULL", model.ColUpdatedAt, columnSQLType(model.FieldDateTime, dl)),
	)
	if d.SoftDelete {
		cols = append(cols, fmt.Sprintf("%s %s", model.ColDeletedFlag, columnSQLType(model.FieldBool, dl)))
	}
	if key := d.UniqueKey(); len(key) > 0 {
		cols = append(cols, fmt.Sprintf("UNIQUE (%s)", strings.Join(key, ", ")))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n);", d.Table, strings.Join(cols, ",\n\t"))
}

// migrationSQL generates the full DDL for all registered entities plus the
// process log and user tables.
func migrationSQL(dl dialect) string {
	var b strings.Builder
	for _, d := range model.Entities {
		b.WriteString(createTableSQL(d, dl))
		b.WriteString("\n\n")
		if len(d.IdentityKey) > 0 {
			b.WriteString(fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_identity ON %s (%s);\n\n",
				d.Table, d.Table, strings.Join(d.IdentityKey, ", ")))
		}
	}

	ts := columnSQLType(model.FieldDateTime, dl)
	b.WriteString(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS process_logs (
	process_id  TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	result      TEXT NOT NULL,
	app_name    TEXT NOT NULL,
	principal   TEXT NOT NULL,
	client_ip   TEXT,
	file_name   TEXT,
	total_lines %s NOT NULL DEFAULT 0,
	comment     TEXT,
	started_at  %s NOT NULL,
	completed_at %s
);

CREATE INDEX IF NOT EXISTS idx_process_logs_started_at ON process_logs (started_at);

CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	email         TEXT NOT NULL,
	password_hash TEXT NOT NULL,
	created_at    %s NOT NULL
);
`, columnSQLType(model.FieldInt, dl), ts, ts, ts))

	return b.String()
}
