package sqlstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemory(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestDB_ExecAndQuery(t *testing.T) {
	db := openMemory(t)
	ctx := context.Background()

	_, err := db.Exec(ctx, `CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT, avatar BLOB)`)
	require.NoError(t, err)

	res, err := db.Exec(ctx, `INSERT INTO users (name, avatar) VALUES (?, ?)`, "alice", []byte("png"))
	require.NoError(t, err)
	assert.Equal(t, Result{Changes: 1, LastInsertID: 1}, res)

	res, err = db.Exec(ctx, `INSERT INTO users (name) VALUES (?), (?)`, "bob", "carol")
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Changes)
	assert.Equal(t, int64(3), res.LastInsertID)

	rows, err := db.Query(ctx, `SELECT id, name, avatar FROM users ORDER BY id`)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, int64(1), rows[0]["id"])
	assert.Equal(t, "alice", rows[0]["name"])
	assert.Equal(t, "png", rows[0]["avatar"])
	assert.Nil(t, rows[1]["avatar"])

	rows, err = db.Query(ctx, `SELECT * FROM users WHERE name = ?`, "nobody")
	require.NoError(t, err)
	assert.NotNil(t, rows)
	assert.Empty(t, rows)
}

func TestDB_RefusesAttach(t *testing.T) {
	db := openMemory(t)
	ctx := context.Background()

	_, err := db.Exec(ctx, "  attach database 'other.db' AS other")
	assert.ErrorIs(t, err, ErrStatementNotAllowed)
	_, err = db.Query(ctx, "DETACH other")
	assert.ErrorIs(t, err, ErrStatementNotAllowed)
}

func TestDB_Errors(t *testing.T) {
	db := openMemory(t)
	ctx := context.Background()

	_, err := db.Query(ctx, "SELECT * FROM missing")
	assert.Error(t, err)
	_, err = db.Exec(ctx, "NOT SQL")
	assert.Error(t, err)

	_, err = Open("", nil)
	assert.Error(t, err)
}

func TestDB_FilePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.sqlite3")
	ctx := context.Background()

	db, err := Open(path, nil)
	require.NoError(t, err)
	assert.Equal(t, path, db.Path())
	_, err = db.Exec(ctx, `CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(ctx, `INSERT INTO kv VALUES ('a', '1')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(path, nil)
	require.NoError(t, err)
	defer db.Close()
	rows, err := db.Query(ctx, `SELECT v FROM kv WHERE k = 'a'`)
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{{"v": "1"}}, rows)
}
