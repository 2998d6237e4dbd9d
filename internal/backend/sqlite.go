package backend

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/lattice/internal/paths"
	"github.com/roach88/lattice/internal/value"
)

//go:embed schema.sql
var schemaSQL string

// MemoryPath opens a private in-memory SQLite database.
const MemoryPath = ":memory:"

// Schema version tracking:
// 0 - Initial schema (objects table without schema_version)
// 1 - Added objects.schema_version
const currentSchemaVersion = 1

// SQLite stores envelopes in a single `objects` table.
//
// The pool is limited to one connection: SQLite has a single writer, and an
// in-memory database exists only on the connection that created it.
type SQLite struct {
	path string
	db   *sql.DB
	tx   *sqliteTx
}

type sqliteTx struct {
	id string
	tx *sql.Tx
}

func (t *sqliteTx) ID() string { return t.id }

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var _ Backend = (*SQLite)(nil)

// NewSQLite creates an unconnected backend for the database file at path.
// An empty path or MemoryPath selects an in-memory database.
func NewSQLite(path string) *SQLite {
	if path == "" {
		path = MemoryPath
	}
	return &SQLite{path: path}
}

// Path returns the database location.
func (s *SQLite) Path() string {
	return s.path
}

// Connect opens the database, applies pragmas and brings the schema up to
// date. Calling it on a connected backend is a no-op.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
func (s *SQLite) Connect(ctx context.Context) error {
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite3", s.path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := applyPragmas(ctx, db); err != nil {
		db.Close()
		return fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(ctx, db); err != nil {
		db.Close()
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	s.db = db
	return nil
}

// Close implements Backend. An open transaction is rolled back.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	if s.tx != nil {
		_ = s.tx.tx.Rollback()
		s.tx = nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Backend methods when available.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if err := runMigrations(ctx, db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(ctx, db); err != nil {
			return err
		}
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// migrateToV1 adds objects.schema_version to databases created before the
// column existed. New databases already get it from schema.sql.
func migrateToV1(ctx context.Context, db *sql.DB) error {
	has, err := hasColumn(ctx, db, "objects", "schema_version")
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	if has {
		return nil
	}
	_, err = db.ExecContext(ctx, `ALTER TABLE objects ADD COLUMN schema_version INTEGER NOT NULL DEFAULT 1`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

func hasColumn(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// conn routes statements through the open transaction, if any. With a
// single pooled connection a statement on s.db would block behind it.
func (s *SQLite) conn() (queryer, error) {
	if s.db == nil {
		return nil, ErrNotConnected
	}
	if s.tx != nil {
		return s.tx.tx, nil
	}
	return s.db, nil
}

// Get implements Backend.
func (s *SQLite) Get(ctx context.Context, path string) (*StoredObject, bool, error) {
	q, err := s.conn()
	if err != nil {
		return nil, false, err
	}

	var (
		obj       StoredObject
		data      string
		createdAt float64
		updatedAt float64
	)
	err = q.QueryRowContext(ctx, `
		SELECT path, type_name, data, version, created_at, updated_at, schema_version
		FROM objects WHERE path = ?
	`, path).Scan(&obj.Path, &obj.TypeName, &data, &obj.Version, &createdAt, &updatedAt, &obj.SchemaVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlite get %q: %w", path, err)
	}

	obj.Data, err = value.UnmarshalObject([]byte(data))
	if err != nil {
		return nil, false, fmt.Errorf("sqlite get %q: decode data: %w", path, err)
	}
	obj.CreatedAt = fromUnixSeconds(createdAt)
	obj.UpdatedAt = fromUnixSeconds(updatedAt)
	return &obj, true, nil
}

// Put implements Backend with INSERT OR REPLACE.
func (s *SQLite) Put(ctx context.Context, obj *StoredObject) error {
	if obj == nil {
		return fmt.Errorf("sqlite put: nil object")
	}
	q, err := s.conn()
	if err != nil {
		return err
	}

	cp := *obj
	cp.normalize()
	data, err := value.Marshal(cp.Data)
	if err != nil {
		return fmt.Errorf("sqlite put %q: encode data: %w", cp.Path, err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT OR REPLACE INTO objects
		(path, type_name, data, version, created_at, updated_at, schema_version)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		cp.Path,
		cp.TypeName,
		string(data),
		cp.Version,
		toUnixSeconds(cp.CreatedAt),
		toUnixSeconds(cp.UpdatedAt),
		cp.SchemaVersion,
	)
	if err != nil {
		return fmt.Errorf("sqlite put %q: %w", cp.Path, err)
	}
	return nil
}

// Delete implements Backend.
func (s *SQLite) Delete(ctx context.Context, path string) (bool, error) {
	q, err := s.conn()
	if err != nil {
		return false, err
	}
	res, err := q.ExecContext(ctx, `DELETE FROM objects WHERE path = ?`, path)
	if err != nil {
		return false, fmt.Errorf("sqlite delete %q: %w", path, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite delete %q: rows affected: %w", path, err)
	}
	return n > 0, nil
}

// Exists implements Backend.
func (s *SQLite) Exists(ctx context.Context, path string) (bool, error) {
	q, err := s.conn()
	if err != nil {
		return false, err
	}
	var one int
	err = q.QueryRowContext(ctx, `SELECT 1 FROM objects WHERE path = ?`, path).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlite exists %q: %w", path, err)
	}
	return true, nil
}

// List implements Backend. LIKE narrows the scan; the prefix and
// direct-child checks run in process because LIKE is case-insensitive.
func (s *SQLite) List(ctx context.Context, prefix string, recursive bool) ([]string, error) {
	q, err := s.conn()
	if err != nil {
		return nil, err
	}
	prefix = paths.NormalizePrefix(prefix)

	rows, err := q.QueryContext(ctx,
		`SELECT path FROM objects WHERE path LIKE ? ESCAPE '\' ORDER BY path`,
		escapeLike(prefix)+"%",
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite list %q: %w", prefix, err)
	}
	all, err := scanPaths(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite list %q: %w", prefix, err)
	}

	out := make([]string, 0, len(all))
	for _, p := range all {
		if paths.UnderPrefix(p, prefix, recursive) {
			out = append(out, p)
		}
	}
	return out, nil
}

// Query implements Backend. LIKE narrows the scan to the pattern's literal
// prefix and the glob itself runs in process, so the syntax matches the
// other backends.
func (s *SQLite) Query(ctx context.Context, pattern string) ([]string, error) {
	pat, err := paths.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("sqlite query: %w", err)
	}
	q, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx,
		`SELECT path FROM objects WHERE path LIKE ? ESCAPE '\' ORDER BY path`,
		escapeLike(pat.Prefix())+"%",
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite query %q: %w", pattern, err)
	}
	all, err := scanPaths(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite query %q: %w", pattern, err)
	}

	out := make([]string, 0, len(all))
	for _, p := range all {
		if pat.Match(p) {
			out = append(out, p)
		}
	}
	return out, nil
}

func scanPaths(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SupportsTransactions implements Backend.
func (s *SQLite) SupportsTransactions() bool { return true }

// Begin implements Backend with a native transaction.
func (s *SQLite) Begin(ctx context.Context) (Tx, error) {
	if s.db == nil {
		return nil, ErrNotConnected
	}
	if s.tx != nil {
		return nil, ErrTxActive
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite begin: %w", err)
	}
	s.tx = &sqliteTx{id: newTxID(), tx: tx}
	return s.tx, nil
}

// Commit implements Backend.
func (s *SQLite) Commit(ctx context.Context, tx Tx) error {
	st, err := s.activeTx(tx)
	if err != nil {
		return err
	}
	s.tx = nil
	if err := st.tx.Commit(); err != nil {
		return fmt.Errorf("sqlite commit: %w", err)
	}
	return nil
}

// Rollback implements Backend.
func (s *SQLite) Rollback(ctx context.Context, tx Tx) error {
	st, err := s.activeTx(tx)
	if err != nil {
		return err
	}
	s.tx = nil
	if err := st.tx.Rollback(); err != nil {
		return fmt.Errorf("sqlite rollback: %w", err)
	}
	return nil
}

func (s *SQLite) activeTx(tx Tx) (*sqliteTx, error) {
	st, ok := tx.(*sqliteTx)
	if !ok || st == nil || st != s.tx {
		return nil, ErrUnknownTx
	}
	return st, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func toUnixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(f float64) time.Time {
	if f == 0 {
		return time.Time{}
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}
