package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const kvTable = "CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT NOT NULL)"

func userVersion(t *testing.T, conn *sqlx.DB) int {
	t.Helper()
	var v int
	require.NoError(t, conn.Get(&v, "PRAGMA user_version"))
	return v
}

func TestOpen_Memory(t *testing.T) {
	conn, err := Open(context.Background(), Memory, Migrations(kvTable))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Exec("INSERT INTO kv (k, v) VALUES ('a', '1')")
	require.NoError(t, err)

	// a second pooled connection would not see the table
	var v string
	require.NoError(t, conn.Get(&v, "SELECT v FROM kv WHERE k = 'a'"))
	assert.Equal(t, "1", v)
	assert.Equal(t, 1, userVersion(t, conn))
}

func TestOpen_MigratesIncrementally(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "state.db")

	conn, err := Open(ctx, path, Migrations(kvTable))
	require.NoError(t, err)
	assert.FileExists(t, path)
	_, err = conn.Exec("INSERT INTO kv (k, v) VALUES ('a', '1')")
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	// reopening with an appended step only runs the new step
	conn, err = Open(ctx, path, Migrations(kvTable, "ALTER TABLE kv ADD COLUMN updated TEXT"))
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, 2, userVersion(t, conn))

	var n int
	require.NoError(t, conn.Get(&n, "SELECT COUNT(*) FROM kv WHERE updated IS NULL"))
	assert.Equal(t, 1, n)
}

func TestOpen_RejectsNewerSchema(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	conn, err := Open(ctx, path, Migrations(kvTable, "CREATE INDEX kv_v ON kv (v)"))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	_, err = Open(ctx, path, Migrations(kvTable))
	assert.ErrorIs(t, err, ErrNewerSchema)
}

func TestOpen_FailedMigrationRollsBack(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	_, err := Open(ctx, path, Migrations(kvTable, "ALTER TABLE missing ADD COLUMN x"))
	require.Error(t, err)

	// the first step stuck, the broken one did not
	conn, err := Open(ctx, path, Migrations(kvTable))
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, 1, userVersion(t, conn))
}

func TestInTx(t *testing.T) {
	ctx := context.Background()
	conn, err := Open(ctx, Memory, Migrations("CREATE TABLE n (v INTEGER)"))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, InTx(ctx, conn, func(tx *sqlx.Tx) error {
		_, err := tx.Exec("INSERT INTO n (v) VALUES (1)")
		return err
	}))

	boom := errors.New("boom")
	err = InTx(ctx, conn, func(tx *sqlx.Tx) error {
		if _, err := tx.Exec("INSERT INTO n (v) VALUES (2)"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, conn.Get(&count, "SELECT COUNT(*) FROM n"))
	assert.Equal(t, 1, count)
}
