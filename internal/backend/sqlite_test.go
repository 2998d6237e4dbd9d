package backend

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lattice/internal/value"
)

func TestSQLite_PersistsAcrossReconnect(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "persist.db")

	s := NewSQLite(dbPath)
	require.NoError(t, s.Connect(ctx))
	require.NoError(t, s.Put(ctx, NewObject("/keep", "T", value.Object{"x": value.Float(1.5)})))
	require.NoError(t, s.Close())

	s2 := NewSQLite(dbPath)
	require.NoError(t, s2.Connect(ctx))
	defer s2.Close()

	got, ok, err := s2.Get(ctx, "/keep")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, value.Float(1.5), got.Data["x"])
}

func TestSQLite_PragmasApplied(t *testing.T) {
	ctx := context.Background()
	s := NewSQLite(filepath.Join(t.TempDir(), "pragmas.db"))
	require.NoError(t, s.Connect(ctx))
	defer s.Close()

	var journalMode string
	require.NoError(t, s.DB().QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var userVersion int
	require.NoError(t, s.DB().QueryRow("PRAGMA user_version").Scan(&userVersion))
	assert.Equal(t, currentSchemaVersion, userVersion)
}

func TestSQLite_MigratesTableWithoutSchemaVersion(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "old.db")

	raw, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	_, err = raw.Exec(`
		CREATE TABLE objects (
			path TEXT PRIMARY KEY,
			type_name TEXT NOT NULL,
			data TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			created_at REAL NOT NULL,
			updated_at REAL NOT NULL
		)`)
	require.NoError(t, err)
	_, err = raw.Exec(`INSERT INTO objects VALUES ('/legacy', 'Old', '{"a":1}', 4, 1700000000.5, 1700000100.25)`)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	s := NewSQLite(dbPath)
	require.NoError(t, s.Connect(ctx))
	defer s.Close()

	has, err := hasColumn(ctx, s.DB(), "objects", "schema_version")
	require.NoError(t, err)
	assert.True(t, has)

	got, ok, err := s.Get(ctx, "/legacy")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, got.SchemaVersion, "existing rows default to schema version 1")
	assert.Equal(t, int64(4), got.Version)
	assert.Equal(t, value.Object{"a": value.Int(1)}, got.Data)
	assert.Equal(t, int64(1700000000), got.CreatedAt.Unix())

	// Reconnecting runs the migration check again without error.
	require.NoError(t, s.Close())
	require.NoError(t, s.Connect(ctx))
}

func TestSQLite_EmptyPathIsMemory(t *testing.T) {
	s := NewSQLite("")
	assert.Equal(t, MemoryPath, s.Path())
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `/a\_b/\%\\`, escapeLike(`/a_b/%\`))
}

func TestUnixSeconds(t *testing.T) {
	assert.True(t, fromUnixSeconds(0).IsZero())
	assert.Equal(t, float64(0), toUnixSeconds(fromUnixSeconds(0)))

	ts := fromUnixSeconds(1700000000.25)
	assert.Equal(t, int64(1700000000), ts.Unix())
	assert.InDelta(t, 250_000_000, ts.Nanosecond(), 1000)
}

func TestBolt_PersistsAcrossReconnect(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "persist.bolt")

	b := NewBolt(dbPath)
	require.NoError(t, b.Connect(ctx))
	require.NoError(t, b.Put(ctx, NewObject("/keep", "T", value.Object{"n": value.Int(9)})))
	require.NoError(t, b.Close())

	b2 := NewBolt(dbPath)
	require.NoError(t, b2.Connect(ctx))
	defer b2.Close()
	assert.Equal(t, dbPath, b2.Path())

	got, ok, err := b2.Get(ctx, "/keep")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, value.Int(9), got.Data["n"])
}

func TestBolt_CloseRollsBackOpenTransaction(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "tx.bolt")

	b := NewBolt(dbPath)
	require.NoError(t, b.Connect(ctx))
	_, err := b.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, b.Put(ctx, NewObject("/uncommitted", "T", nil)))
	require.NoError(t, b.Close())

	require.NoError(t, b.Connect(ctx))
	defer b.Close()
	exists, err := b.Exists(ctx, "/uncommitted")
	require.NoError(t, err)
	assert.False(t, exists)
}
