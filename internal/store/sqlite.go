package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/masterdata-cli/internal/model"
)

// sqlQueryer is the query surface shared by *sql.DB and *sql.Tx.
type sqlQueryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB    // nil when transaction-scoped
	q  sqlQueryer // db outside a transaction, tx inside
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, q: db}, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.q.ExecContext(ctx, migrationSQL(dialectSQLite))
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(ctx context.Context, st Store) error) error {
	if s.db == nil {
		// Already transaction-scoped; run in the enclosing transaction.
		return fn(ctx, s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	txStore := &SQLiteStore{q: tx}
	if err := fn(ctx, txStore); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "sqlite: commit tx")
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, d *model.Descriptor, id string) (model.Record, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", selectColumns(d), d.Table)
	return s.scanOne(ctx, d, query, id)
}

func (s *SQLiteStore) FindByKey(ctx context.Context, d *model.Descriptor, key map[string]any) (model.Record, error) {
	cols, vals := sortedKeyColumns(d, key)
	if len(cols) == 0 {
		return nil, eris.Errorf("sqlite: find %s: empty key", d.Name)
	}
	args := make([]any, len(vals))
	for i, c := range cols {
		t, _ := d.ColumnType(c)
		args[i] = encodeValue(t, vals[i], true)
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		selectColumns(d), d.Table, keyWhere(cols, questionMark, 1))
	return s.scanOne(ctx, d, query, args...)
}

func (s *SQLiteStore) List(ctx context.Context, d *model.Descriptor, params ListParams) ([]model.Record, int64, error) {
	params = normalizeListParams(params)

	where := []string{"1=1"}
	var args []any
	if d.SoftDelete && !params.IncludeDeleted {
		where = append(where, fmt.Sprintf("%s = 0", model.ColDeletedFlag))
	}
	if params.Query != "" {
		var likes []string
		for _, c := range searchColumns(d) {
			likes = append(likes, fmt.Sprintf("%s LIKE ?", c))
			args = append(args, "%"+params.Query+"%")
		}
		if len(likes) > 0 {
			where = append(where, "("+strings.Join(likes, " OR ")+")")
		}
	}
	cond := strings.Join(where, " AND ")

	var total int64
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", d.Table, cond)
	if err := s.q.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, eris.Wrapf(err, "sqlite: count %s", d.Name)
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s LIMIT ? OFFSET ?",
		selectColumns(d), d.Table, cond, orderBy(d))
	rows, err := s.q.QueryContext(ctx, query, append(args, params.Limit, params.Offset)...)
	if err != nil {
		return nil, 0, eris.Wrapf(err, "sqlite: list %s", d.Name)
	}
	defer rows.Close() //nolint:errcheck

	records, err := scanRecords(d, rows)
	if err != nil {
		return nil, 0, err
	}
	return records, total, rows.Err()
}

func (s *SQLiteStore) Insert(ctx context.Context, d *model.Descriptor, rec model.Record) (model.Record, error) {
	rec = rec.Clone()
	if rec.ID() == "" {
		rec[model.ColID] = uuid.New().String()
	}
	_, err := s.q.ExecContext(ctx, insertSQL(d, questionMark), encodeRecordArgs(d, rec, true)...)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrDuplicateKey
		}
		return nil, eris.Wrapf(err, "sqlite: insert %s", d.Name)
	}
	return rec, nil
}

func (s *SQLiteStore) Update(ctx context.Context, d *model.Descriptor, id string, changes map[string]any) error {
	query, cols := updateSQL(d, changes, questionMark)
	if len(cols) == 0 {
		return nil
	}
	args := make([]any, 0, len(cols)+1)
	for _, c := range cols {
		t, _ := d.ColumnType(c)
		args = append(args, encodeValue(t, changes[c], true))
	}
	args = append(args, id)

	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateKey
		}
		return eris.Wrapf(err, "sqlite: update %s %s", d.Name, id)
	}
	return checkRowsAffected(res, d.Name, id)
}

func (s *SQLiteStore) Delete(ctx context.Context, d *model.Descriptor, id string) error {
	res, err := s.q.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", d.Table), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete %s %s", d.Name, id)
	}
	return checkRowsAffected(res, d.Name, id)
}

func (s *SQLiteStore) Previous(ctx context.Context, d *model.Descriptor, identity map[string]any, before time.Time, excludeID string) (model.Record, error) {
	return s.adjacent(ctx, d, identity, before, excludeID, "<", "DESC")
}

func (s *SQLiteStore) Next(ctx context.Context, d *model.Descriptor, identity map[string]any, after time.Time, excludeID string) (model.Record, error) {
	return s.adjacent(ctx, d, identity, after, excludeID, ">", "ASC")
}

func (s *SQLiteStore) adjacent(ctx context.Context, d *model.Descriptor, identity map[string]any, pivot time.Time, excludeID, op, dir string) (model.Record, error) {
	cols, vals := sortedKeyColumns(d, identity)
	if len(cols) == 0 {
		return nil, ErrNotFound
	}
	args := make([]any, 0, len(vals)+2)
	for i, c := range cols {
		t, _ := d.ColumnType(c)
		args = append(args, encodeValue(t, vals[i], true))
	}
	args = append(args, encodeValue(model.FieldDate, pivot, true), excludeID)

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s AND %s %s ? AND id != ? ORDER BY %s %s LIMIT 1",
		selectColumns(d), d.Table, keyWhere(cols, questionMark, 1),
		model.ColValidFrom, op, model.ColValidFrom, dir)
	return s.scanOne(ctx, d, query, args...)
}

func (s *SQLiteStore) BulkInsert(ctx context.Context, d *model.Descriptor, recs []model.Record) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	query := insertSQL(d, questionMark)
	var n int64
	for _, rec := range recs {
		rec = rec.Clone()
		if rec.ID() == "" {
			rec[model.ColID] = uuid.New().String()
		}
		if _, err := s.q.ExecContext(ctx, query, encodeRecordArgs(d, rec, true)...); err != nil {
			return n, eris.Wrapf(err, "sqlite: bulk insert %s", d.Name)
		}
		n++
	}
	return n, nil
}

func (s *SQLiteStore) BulkUpdate(ctx context.Context, d *model.Descriptor, updates []model.Update) (int64, error) {
	var n int64
	for _, u := range updates {
		if err := s.Update(ctx, d, u.ID, u.Changes); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *SQLiteStore) StartProcess(ctx context.Context, e model.ProcessEntry) error {
	result := e.Result
	if result == "" {
		result = model.ResultRunning
	}
	startedAt := e.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO process_logs (process_id, kind, result, app_name, principal, client_ip, file_name, total_lines, comment, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ProcessID, string(e.Kind), string(result), e.AppName, e.Principal, e.ClientIP, e.FileName,
		e.TotalLines, e.Comment, startedAt.Format(datetimeLayout),
	)
	return eris.Wrapf(err, "sqlite: start process %s", e.ProcessID)
}

func (s *SQLiteStore) FinishProcess(ctx context.Context, processID string, result model.ProcessResult, totalLines int64, comment string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE process_logs SET result = ?, total_lines = ?, comment = ?, completed_at = ? WHERE process_id = ?`,
		string(result), totalLines, comment, time.Now().UTC().Format(datetimeLayout), processID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish process %s", processID)
	}
	return checkRowsAffected(res, "process", processID)
}

func (s *SQLiteStore) ListProcesses(ctx context.Context, limit int) ([]model.ProcessEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT process_id, kind, result, app_name, principal, client_ip, file_name, total_lines, comment, started_at, completed_at
		 FROM process_logs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list processes")
	}
	defer rows.Close() //nolint:errcheck

	var entries []model.ProcessEntry
	for rows.Next() {
		var e model.ProcessEntry
		var clientIP, fileName, comment sql.NullString
		var startedAt string
		var completedAt sql.NullString
		if err := rows.Scan(&e.ProcessID, &e.Kind, &e.Result, &e.AppName, &e.Principal,
			&clientIP, &fileName, &e.TotalLines, &comment, &startedAt, &completedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan process entry")
		}
		e.ClientIP = clientIP.String
		e.FileName = fileName.String
		e.Comment = comment.String
		if t, err := time.Parse(datetimeLayout, startedAt); err == nil {
			e.StartedAt = t
		}
		if completedAt.Valid {
			if t, err := time.Parse(datetimeLayout, completedAt.String); err == nil {
				e.CompletedAt = &t
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) EnsureUser(ctx context.Context, username, email, passwordHash string) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO users (id, username, email, password_hash, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (username) DO NOTHING`,
		uuid.New().String(), username, email, passwordHash, time.Now().UTC().Format(datetimeLayout),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: ensure user %s", username)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: ensure user rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) scanOne(ctx context.Context, d *model.Descriptor, query string, args ...any) (model.Record, error) {
	cols := d.Columns()
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := s.q.QueryRowContext(ctx, query, args...).Scan(ptrs...); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "sqlite: query %s", d.Name)
	}
	return decodeRecord(d, cols, vals)
}

func scanRecords(d *model.Descriptor, rows *sql.Rows) ([]model.Record, error) {
	cols := d.Columns()
	var records []model.Record
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, eris.Wrapf(err, "sqlite: scan %s", d.Name)
		}
		rec, err := decodeRecord(d, cols, vals)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func checkRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "sqlite: rows affected for %s %s", kind, id)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
