package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/masterdata-cli/internal/model"
)

func TestInsertSQL(t *testing.T) {
	d, err := model.ByName("holiday")
	require.NoError(t, err)

	got := insertSQL(d, questionMark)
	assert.Equal(t,
		"INSERT INTO holidays (id, holiday_date, name, created_by, created_at, updated_by, updated_at, deleted_flag) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		got)

	got = insertSQL(d, dollar)
	assert.Contains(t, got, "VALUES ($1, $2, $3, $4, $5, $6, $7, $8)")
}

func TestUpdateSQL(t *testing.T) {
	d, err := model.ByName("person")
	require.NoError(t, err)

	sql, cols := updateSQL(d, map[string]any{
		"email":       "a@example.com",
		"family_name": "Sato",
	}, dollar)
	// Columns come back in storage order regardless of map iteration.
	assert.Equal(t, []string{"family_name", "email"}, cols)
	assert.Equal(t, "UPDATE persons SET family_name = $1, email = $2 WHERE id = $3", sql)
}

func TestUpdateSQL_IgnoresID(t *testing.T) {
	d, err := model.ByName("person")
	require.NoError(t, err)

	_, cols := updateSQL(d, map[string]any{"id": "x", "email": "a@b"}, questionMark)
	assert.Equal(t, []string{"email"}, cols)
}

func TestKeyWhere(t *testing.T) {
	assert.Equal(t, "a = $2 AND b = $3", keyWhere([]string{"a", "b"}, dollar, 2))
	assert.Equal(t, "a = ?", keyWhere([]string{"a"}, questionMark, 1))
}

func TestOrderBy(t *testing.T) {
	person, err := model.ByName("person")
	require.NoError(t, err)
	assert.Equal(t, "person_code, valid_from", orderBy(person))

	holiday, err := model.ByName("holiday")
	require.NoError(t, err)
	assert.Equal(t, "holiday_date", orderBy(holiday))
}

func TestNormalizeListParams(t *testing.T) {
	p := normalizeListParams(ListParams{Limit: -1, Offset: -5, Query: "  abc "})
	assert.Equal(t, 50, p.Limit)
	assert.Equal(t, 0, p.Offset)
	assert.Equal(t, "abc", p.Query)
}

func TestSearchColumns(t *testing.T) {
	holiday, err := model.ByName("holiday")
	require.NoError(t, err)
	// holiday_date is a date field and must not be LIKE-matched.
	assert.Equal(t, []string{"name"}, searchColumns(holiday))
}

func TestCreateTableSQL(t *testing.T) {
	person, err := model.ByName("person")
	require.NoError(t, err)

	sqlite := createTableSQL(person, dialectSQLite)
	assert.Contains(t, sqlite, "CREATE TABLE IF NOT EXISTS persons")
	assert.Contains(t, sqlite, "valid_from TEXT NOT NULL")
	assert.Contains(t, sqlite, "UNIQUE (person_code, valid_from)")

	pg := createTableSQL(person, dialectPostgres)
	assert.Contains(t, pg, "valid_from DATE NOT NULL")
	assert.Contains(t, pg, "updated_at TIMESTAMPTZ NOT NULL")
}

func TestMigrationSQL_CoversRegistry(t *testing.T) {
	ddl := migrationSQL(dialectSQLite)
	for _, d := range model.Entities {
		assert.Contains(t, ddl, "CREATE TABLE IF NOT EXISTS "+d.Table)
	}
	assert.Contains(t, ddl, "CREATE TABLE IF NOT EXISTS process_logs")
	assert.Contains(t, ddl, "CREATE TABLE IF NOT EXISTS users")
}
