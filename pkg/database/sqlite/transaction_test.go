package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/S1riyS/hugefs/internal/config"
	"github.com/S1riyS/hugefs/pkg/database/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	zsqlite "zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schema = `
CREATE TABLE parents (id INTEGER PRIMARY KEY);
CREATE TABLE children (
	id     INTEGER PRIMARY KEY,
	parent INTEGER NOT NULL REFERENCES parents(id) ON DELETE RESTRICT
);
CREATE TABLE tags (
	id     INTEGER PRIMARY KEY,
	parent INTEGER NOT NULL REFERENCES parents(id),
	name   TEXT NOT NULL UNIQUE
);
`

func newPool(t *testing.T) *sqlite.Pool {
	t.Helper()
	ctx := context.Background()
	pool, err := sqlite.Open(ctx, config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	conn, err := pool.Take(ctx)
	require.NoError(t, err)
	defer pool.Put(conn)
	require.NoError(t, sqlitex.ExecuteScript(conn, schema, nil))
	return pool
}

func exec(ctx context.Context, pool *sqlite.Pool, query string, args ...any) error {
	return sqlite.WithTransaction(ctx, pool, func(ctx context.Context) error {
		return sqlitex.Execute(sqlite.GetConn(ctx), query, &sqlitex.ExecOptions{Args: args})
	})
}

func TestIsForeignKeyViolation(t *testing.T) {
	pool := newPool(t)
	ctx := context.Background()

	require.NoError(t, exec(ctx, pool, "INSERT INTO parents (id) VALUES (1), (2)"))
	require.NoError(t, exec(ctx, pool, "INSERT INTO children (id, parent) VALUES (1, 1)"))
	require.NoError(t, exec(ctx, pool, "INSERT INTO tags (id, parent, name) VALUES (1, 2, 'a')"))

	t.Run("RestrictedDelete", func(t *testing.T) {
		err := exec(ctx, pool, "DELETE FROM parents WHERE id = 1")
		require.Error(t, err)
		assert.True(t, sqlite.IsForeignKeyViolation(err), err)
	})

	t.Run("MissingParent", func(t *testing.T) {
		err := exec(ctx, pool, "INSERT INTO tags (id, parent, name) VALUES (2, 42, 'b')")
		require.Error(t, err)
		assert.True(t, sqlite.IsForeignKeyViolation(err), err)
	})

	t.Run("UniqueIsNot", func(t *testing.T) {
		err := exec(ctx, pool, "INSERT INTO tags (id, parent, name) VALUES (3, 2, 'a')")
		require.Error(t, err)
		assert.False(t, sqlite.IsForeignKeyViolation(err), err)
	})

	t.Run("Other", func(t *testing.T) {
		assert.False(t, sqlite.IsForeignKeyViolation(nil))
		assert.False(t, sqlite.IsForeignKeyViolation(errors.New("FOREIGN KEY constraint failed")))
	})
}

func TestWithTransactionRollsBack(t *testing.T) {
	pool := newPool(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := sqlite.WithTransaction(ctx, pool, func(ctx context.Context) error {
		require.NoError(t, sqlitex.Execute(sqlite.GetConn(ctx), "INSERT INTO parents (id) VALUES (7)", nil))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var count int
	err = sqlite.WithReadTransaction(ctx, pool, func(ctx context.Context) error {
		return sqlitex.Execute(sqlite.GetConn(ctx), "SELECT count(*) FROM parents", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *zsqlite.Stmt) error {
				count = stmt.ColumnInt(0)
				return nil
			},
		})
	})
	require.NoError(t, err)
	assert.Zero(t, count)
}
