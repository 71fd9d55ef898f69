package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/masterdata-cli/internal/db"
	"github.com/sells-group/masterdata-cli/internal/model"
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool db.Pool    // nil when transaction-scoped
	q    db.Queryer // pool outside a transaction, tx inside
}

// NewPostgres connects to Postgres and verifies the connection.
func NewPostgres(ctx context.Context, databaseURL string, maxConns int32) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse database URL")
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, q: pool}, nil
}

// NewPostgresFromPool wraps an existing pool, for tests.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, q: pool}
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.q.Exec(ctx, migrationSQL(dialectPostgres))
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, st Store) error) error {
	if s.pool == nil {
		// Already transaction-scoped; run in the enclosing transaction.
		return fn(ctx, s)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	txStore := &PostgresStore{q: tx}
	if err := fn(ctx, txStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: commit tx")
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, d *model.Descriptor, id string) (model.Record, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", selectColumns(d), d.Table)
	return s.scanOne(ctx, d, query, id)
}

func (s *PostgresStore) FindByKey(ctx context.Context, d *model.Descriptor, key map[string]any) (model.Record, error) {
	cols, vals := sortedKeyColumns(d, key)
	if len(cols) == 0 {
		return nil, eris.Errorf("postgres: find %s: empty key", d.Name)
	}
	args := make([]any, len(vals))
	for i, c := range cols {
		t, _ := d.ColumnType(c)
		args[i] = encodeValue(t, vals[i], false)
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		selectColumns(d), d.Table, keyWhere(cols, dollar, 1))
	return s.scanOne(ctx, d, query, args...)
}

func (s *PostgresStore) List(ctx context.Context, d *model.Descriptor, params ListParams) ([]model.Record, int64, error) {
	params = normalizeListParams(params)

	where := []string{"TRUE"}
	var args []any
	if d.SoftDelete && !params.IncludeDeleted {
		where = append(where, fmt.Sprintf("NOT %s", model.ColDeletedFlag))
	}
	if params.Query != "" {
		var likes []string
		for _, c := range searchColumns(d) {
			args = append(args, "%"+params.Query+"%")
			likes = append(likes, fmt.Sprintf("%s ILIKE $%d", c, len(args)))
		}
		if len(likes) > 0 {
			where = append(where, "("+strings.Join(likes, " OR ")+")")
		}
	}
	cond := strings.Join(where, " AND ")

	var total int64
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", d.Table, cond)
	if err := s.q.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, eris.Wrapf(err, "postgres: count %s", d.Name)
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s LIMIT $%d OFFSET $%d",
		selectColumns(d), d.Table, cond, orderBy(d), len(args)+1, len(args)+2)
	rows, err := s.q.Query(ctx, query, append(args, params.Limit, params.Offset)...)
	if err != nil {
		return nil, 0, eris.Wrapf(err, "postgres: list %s", d.Name)
	}
	defer rows.Close()

	records, err := scanPgRecords(d, rows)
	if err != nil {
		return nil, 0, err
	}
	return records, total, rows.Err()
}

func (s *PostgresStore) Insert(ctx context.Context, d *model.Descriptor, rec model.Record) (model.Record, error) {
	rec = rec.Clone()
	if rec.ID() == "" {
		rec[model.ColID] = uuid.New().String()
	}
	_, err := s.q.Exec(ctx, insertSQL(d, dollar), encodeRecordArgs(d, rec, false)...)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateKey
		}
		return nil, eris.Wrapf(err, "postgres: insert %s", d.Name)
	}
	return rec, nil
}

func (s *PostgresStore) Update(ctx context.Context, d *model.Descriptor, id string, changes map[string]any) error {
	query, cols := updateSQL(d, changes, dollar)
	if len(cols) == 0 {
		return nil
	}
	args := make([]any, 0, len(cols)+1)
	for _, c := range cols {
		t, _ := d.ColumnType(c)
		args = append(args, encodeValue(t, changes[c], false))
	}
	args = append(args, id)

	tag, err := s.q.Exec(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return eris.Wrapf(err, "postgres: update %s %s", d.Name, id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, d *model.Descriptor, id string) error {
	tag, err := s.q.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", d.Table), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete %s %s", d.Name, id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Previous(ctx context.Context, d *model.Descriptor, identity map[string]any, before time.Time, excludeID string) (model.Record, error) {
	return s.adjacent(ctx, d, identity, before, excludeID, "<", "DESC")
}

func (s *PostgresStore) Next(ctx context.Context, d *model.Descriptor, identity map[string]any, after time.Time, excludeID string) (model.Record, error) {
	return s.adjacent(ctx, d, identity, after, excludeID, ">", "ASC")
}

func (s *PostgresStore) adjacent(ctx context.Context, d *model.Descriptor, identity map[string]any, pivot time.Time, excludeID, op, dir string) (model.Record, error) {
	cols, vals := sortedKeyColumns(d, identity)
	if len(cols) == 0 {
		return nil, ErrNotFound
	}
	args := make([]any, 0, len(vals)+2)
	for i, c := range cols {
		t, _ := d.ColumnType(c)
		args = append(args, encodeValue(t, vals[i], false))
	}
	args = append(args, encodeValue(model.FieldDate, pivot, false), excludeID)

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s AND %s %s $%d AND id != $%d ORDER BY %s %s LIMIT 1",
		selectColumns(d), d.Table, keyWhere(cols, dollar, 1),
		model.ColValidFrom, op, len(cols)+1, len(cols)+2,
		model.ColValidFrom, dir)
	return s.scanOne(ctx, d, query, args...)
}

// BulkInsert flushes a chunk of new records. It goes through the temp-table
// upsert so a concurrent editor creating the same natural key mid-upload
// does not abort the whole chunk.
func (s *PostgresStore) BulkInsert(ctx context.Context, d *model.Descriptor, recs []model.Record) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	rows := make([][]any, len(recs))
	for i, rec := range recs {
		rec = rec.Clone()
		if rec.ID() == "" {
			rec[model.ColID] = uuid.New().String()
		}
		rows[i] = encodeRecordArgs(d, rec, false)
	}
	conflictKeys := d.UniqueKey()
	if len(conflictKeys) == 0 {
		return db.CopyFrom(ctx, s.q, d.Table, d.Columns(), rows)
	}
	return db.BulkUpsert(ctx, s.q, db.UpsertConfig{
		Table:        d.Table,
		Columns:      d.Columns(),
		ConflictKeys: conflictKeys,
	}, rows)
}

// BulkUpdate flushes a chunk of field updates. Updates touching the same
// column set share one batched statement.
func (s *PostgresStore) BulkUpdate(ctx context.Context, d *model.Descriptor, updates []model.Update) (int64, error) {
	groups := make(map[string][]model.Update)
	groupCols := make(map[string][]string)
	for _, u := range updates {
		cols := orderedChangeColumns(d, u.Changes)
		if len(cols) == 0 {
			continue
		}
		sig := strings.Join(cols, ",")
		groups[sig] = append(groups[sig], u)
		groupCols[sig] = cols
	}

	var total int64
	for sig, group := range groups {
		cols := groupCols[sig]
		rows := make([]db.UpdateRow, len(group))
		for i, u := range group {
			vals := make([]any, len(cols))
			for j, c := range cols {
				t, _ := d.ColumnType(c)
				vals[j] = encodeValue(t, u.Changes[c], false)
			}
			rows[i] = db.UpdateRow{ID: u.ID, Values: vals}
		}
		n, err := db.BulkUpdate(ctx, s.q, d.Table, model.ColID, cols, rows)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (s *PostgresStore) StartProcess(ctx context.Context, e model.ProcessEntry) error {
	result := e.Result
	if result == "" {
		result = model.ResultRunning
	}
	startedAt := e.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	_, err := s.q.Exec(ctx,
		`INSERT INTO process_logs (process_id, kind, result, app_name, principal, client_ip, file_name, total_lines, comment, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ProcessID, string(e.Kind), string(result), e.AppName, e.Principal, e.ClientIP, e.FileName,
		e.TotalLines, e.Comment, startedAt,
	)
	return eris.Wrapf(err, "postgres: start process %s", e.ProcessID)
}

func (s *PostgresStore) FinishProcess(ctx context.Context, processID string, result model.ProcessResult, totalLines int64, comment string) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE process_logs SET result = $1, total_lines = $2, comment = $3, completed_at = $4 WHERE process_id = $5`,
		string(result), totalLines, comment, time.Now().UTC(), processID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish process %s", processID)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListProcesses(ctx context.Context, limit int) ([]model.ProcessEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.q.Query(ctx,
		`SELECT process_id, kind, result, app_name, principal, client_ip, file_name, total_lines, comment, started_at, completed_at
		 FROM process_logs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list processes")
	}
	defer rows.Close()

	var entries []model.ProcessEntry
	for rows.Next() {
		var e model.ProcessEntry
		var clientIP, fileName, comment *string
		var completedAt *time.Time
		if err := rows.Scan(&e.ProcessID, &e.Kind, &e.Result, &e.AppName, &e.Principal,
			&clientIP, &fileName, &e.TotalLines, &comment, &e.StartedAt, &completedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan process entry")
		}
		if clientIP != nil {
			e.ClientIP = *clientIP
		}
		if fileName != nil {
			e.FileName = *fileName
		}
		if comment != nil {
			e.Comment = *comment
		}
		e.CompletedAt = completedAt
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) EnsureUser(ctx context.Context, username, email, passwordHash string) (bool, error) {
	tag, err := s.q.Exec(ctx,
		`INSERT INTO users (id, username, email, password_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (username) DO NOTHING`,
		uuid.New().String(), username, email, passwordHash, time.Now().UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: ensure user %s", username)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) scanOne(ctx context.Context, d *model.Descriptor, query string, args ...any) (model.Record, error) {
	cols := d.Columns()
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := s.q.QueryRow(ctx, query, args...).Scan(ptrs...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "postgres: query %s", d.Name)
	}
	return decodeRecord(d, cols, vals)
}

func scanPgRecords(d *model.Descriptor, rows pgx.Rows) ([]model.Record, error) {
	cols := d.Columns()
	var records []model.Record
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, eris.Wrapf(err, "postgres: scan %s", d.Name)
		}
		rec, err := decodeRecord(d, cols, vals)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
