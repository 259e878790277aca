package sqlstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenAndSchema(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, MustExecSchema(ctx, db, []string{
		`CREATE TABLE IF NOT EXISTS widgets (id INTEGER PRIMARY KEY, name TEXT NOT NULL UNIQUE)`,
	}))

	_, err = db.Exec(ctx, `INSERT INTO widgets (name) VALUES (?)`, "gear")
	require.NoError(t, err)

	var name string
	require.NoError(t, db.QueryRow(ctx, `SELECT name FROM widgets WHERE id = ?`, 1).Scan(&name))
	require.Equal(t, "gear", name)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, MustExecSchema(ctx, db, []string{
		`CREATE TABLE IF NOT EXISTS widgets (id INTEGER PRIMARY KEY, name TEXT NOT NULL UNIQUE)`,
	}))

	boom := require.Error
	err = db.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO widgets (name) VALUES (?)`, "gear"); err != nil {
			return err
		}
		return context.DeadlineExceeded
	})
	boom(t, err)

	var count int
	require.NoError(t, db.QueryRow(ctx, `SELECT COUNT(*) FROM widgets`).Scan(&count))
	require.Equal(t, 0, count)
}

func TestStatementCacheReused(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, MustExecSchema(ctx, db, []string{
		`CREATE TABLE IF NOT EXISTS widgets (id INTEGER PRIMARY KEY, name TEXT NOT NULL UNIQUE)`,
	}))

	_, err = db.Exec(ctx, `INSERT INTO widgets (name) VALUES (?)`, "a")
	require.NoError(t, err)
	_, err = db.Exec(ctx, `INSERT INTO widgets (name) VALUES (?)`, "b")
	require.NoError(t, err)

	require.Len(t, db.stmts, 1, "identical SQL text should share one cached statement")
}
