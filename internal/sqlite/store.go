// Package sqlite is the relational Entity Store backend on modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"redstone/internal/domain"
	"redstone/internal/migrate"
	"redstone/internal/store"
)

// timeLayout is fixed width so that TEXT ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements store.Store. The pool holds a single connection, so
// transactions are serialized and an Update must never open a nested View.
type Store struct {
	DB *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return &Store{DB: conn}, nil
}

func (s *Store) Update(ctx context.Context, fn func(store.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(repo{ex: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) View(ctx context.Context, fn func(store.Reader) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return fn(repo{ex: tx})
}

func (s *Store) Close() error {
	return s.DB.Close()
}

type repo struct {
	ex executor
}

var _ store.Tx = repo{}

// parseID maps an external id to a row id. Anything that is not a positive
// integer cannot name a row.
func parseID(id string) (int64, bool) {
	n, err := strconv.ParseInt(id, 10, 64)
	return n, err == nil && n > 0
}

func formatID(n int64) string {
	return strconv.FormatInt(n, 10)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableID(v *string) any {
	if v == nil {
		return nil
	}
	if n, ok := parseID(*v); ok {
		return n
	}
	return nil
}

// refValue binds a reference that is stored without an existence check. Row
// ids keep integer storage; any other value is kept as text so it reads back
// unchanged.
func refValue(v string) any {
	if n, ok := parseID(v); ok {
		return n
	}
	return v
}

func nullableRef(v *string) any {
	if v == nil {
		return nil
	}
	return refValue(*v)
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// placeholders returns "?,?,..." and the parsed ids; ids that cannot name a
// row are dropped.
func placeholders(ids []string) (string, []any) {
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		if n, ok := parseID(id); ok {
			args = append(args, n)
		}
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(args)), ","), args
}

func checkAffected(res sql.Result, kind domain.Kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.NotFound(kind, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (r repo) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	err := r.ex.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}
