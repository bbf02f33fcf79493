package db

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func newMemoryDB(t *testing.T) *DB {
	t.Helper()
	d, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestRunInTransactionCommits(t *testing.T) {
	d := newMemoryDB(t)

	err := d.RunInTransaction(context.Background(), func(tx *Tx) error {
		_, err := tx.Exec(`INSERT INTO accounts (id, public_key, created_at, updated_at) VALUES ('a', 'pk', 0, 0)`)
		return err
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, d.QueryRowContext(context.Background(), `SELECT COUNT(1) FROM accounts`).Scan(&count))
	require.Equal(t, 1, count)
}

func TestRunInTransactionRollsBackOnError(t *testing.T) {
	d := newMemoryDB(t)
	boom := errors.New("boom")

	err := d.RunInTransaction(context.Background(), func(tx *Tx) error {
		_, execErr := tx.Exec(`INSERT INTO accounts (id, public_key, created_at, updated_at) VALUES ('a', 'pk', 0, 0)`)
		require.NoError(t, execErr)
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, d.QueryRowContext(context.Background(), `SELECT COUNT(1) FROM accounts`).Scan(&count))
	require.Equal(t, 0, count)
}

func TestDeferAfterCommitRunsAfterCommit(t *testing.T) {
	d := newMemoryDB(t)

	var order []string
	err := d.RunInTransaction(context.Background(), func(tx *Tx) error {
		DeferAfterCommit(tx, func() { order = append(order, "cb-1") })
		DeferAfterCommit(tx, func() { order = append(order, "cb-2") })
		order = append(order, "body")
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"body", "cb-1", "cb-2"}, order)
}

func TestDeferAfterCommitSkippedOnRollback(t *testing.T) {
	d := newMemoryDB(t)

	ran := false
	err := d.RunInTransaction(context.Background(), func(tx *Tx) error {
		DeferAfterCommit(tx, func() { ran = true })
		return errors.New("abort")
	})
	require.Error(t, err)
	require.False(t, ran)
}

func TestDeferAfterCommitPanicsOutsideTransaction(t *testing.T) {
	require.Panics(t, func() {
		DeferAfterCommit(&Tx{}, func() {})
	})
}

func TestDeferAfterCommitCallbackPanicIsContained(t *testing.T) {
	d := newMemoryDB(t)

	ran := false
	err := d.RunInTransaction(context.Background(), func(tx *Tx) error {
		DeferAfterCommit(tx, func() { panic("callback exploded") })
		DeferAfterCommit(tx, func() { ran = true })
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran)
}
