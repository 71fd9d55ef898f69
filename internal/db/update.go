package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpdateRow is one row of a bulk update: the target primary key and the
// values for the columns being written.
type UpdateRow struct {
	ID     string
	Values []any
}

// BulkUpdate applies the same column list to many rows in a single pgx
// batch. Only the named columns are written; everything else is untouched.
func BulkUpdate(ctx context.Context, q Queryer, table string, idColumn string, columns []string, rows []UpdateRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(columns) == 0 {
		return 0, eris.New("db: update: no columns specified")
	}

	setClauses := make([]string, len(columns))
	for i, col := range columns {
		setClauses[i] = fmt.Sprintf("%s = $%d", pgx.Identifier{col}.Sanitize(), i+1)
	}
	sql := fmt.Sprintf(
		"UPDATE %s SET %s WHERE %s = $%d",
		sanitizeTable(table),
		strings.Join(setClauses, ", "),
		pgx.Identifier{idColumn}.Sanitize(),
		len(columns)+1,
	)

	batch := &pgx.Batch{}
	for _, row := range rows {
		if len(row.Values) != len(columns) {
			return 0, eris.Errorf("db: update: row %s has %d values for %d columns", row.ID, len(row.Values), len(columns))
		}
		args := make([]any, 0, len(columns)+1)
		args = append(args, row.Values...)
		args = append(args, row.ID)
		batch.Queue(sql, args...)
	}

	results := q.SendBatch(ctx, batch)
	defer results.Close() //nolint:errcheck

	var affected int64
	for range rows {
		tag, err := results.Exec()
		if err != nil {
			return affected, eris.Wrapf(err, "db: update: batch exec for %s", table)
		}
		affected += tag.RowsAffected()
	}

	return affected, nil
}
