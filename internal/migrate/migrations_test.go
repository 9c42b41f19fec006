package migrate

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db") + "?_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func columns(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()
	rows, err := db.Query(`SELECT name FROM pragma_table_info(?)`, table)
	require.NoError(t, err)
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		out = append(out, name)
	}
	require.NoError(t, rows.Err())
	return out
}

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)

	require.NoError(t, Migrate(ctx, db))
	latest, err := Latest()
	require.NoError(t, err)
	v, err := Version(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, latest, v)

	before := columns(t, db, "test_cases")
	require.NoError(t, Migrate(ctx, db))
	assert.Equal(t, before, columns(t, db, "test_cases"))
	assert.Contains(t, before, "test_case_definition_id")

	v, err = Version(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, latest, v)
}

func TestMigrateCreatesTablesAndIndexes(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	require.NoError(t, Migrate(ctx, db))

	for _, table := range []string{"projects", "epics", "features", "test_case_definitions", "test_runs", "test_cases", "test_steps", "events"} {
		var n int
		require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n))
		assert.Equal(t, 1, n, table)
	}
	var idx int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name='idx_test_steps_case_order'`).Scan(&idx))
	assert.Equal(t, 1, idx)
}

func TestAddColumnSkipsExistingColumn(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	_, err := db.Exec(`CREATE TABLE test_cases(id INTEGER PRIMARY KEY, test_case_definition_id INTEGER)`)
	require.NoError(t, err)

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, addColumn("test_cases", "test_case_definition_id", "INTEGER")(ctx, tx))
	require.NoError(t, tx.Commit())
	assert.Equal(t, []string{"id", "test_case_definition_id"}, columns(t, db, "test_cases"))
}

func TestVersionOfFreshDatabase(t *testing.T) {
	v, err := Version(context.Background(), openDB(t))
	require.NoError(t, err)
	assert.Equal(t, 0, v)
}
