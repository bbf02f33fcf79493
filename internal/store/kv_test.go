package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func strptr(s string) *string { return &s }

func TestMutateKVCreateAndUpdate(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	accountID := mustCreateAccount(t, s, "pk-1")

	results, applied, err := s.MutateKV(ctx, accountID, []KVMutation{
		{Key: "a", Value: strptr("1"), ExpectedVersion: -1},
		{Key: "b", Value: strptr("2"), ExpectedVersion: -1},
	}, "")
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, int64(0), results[0].Version)
	require.Equal(t, int64(0), results[1].Version)

	results, applied, err = s.MutateKV(ctx, accountID, []KVMutation{
		{Key: "a", Value: strptr("1b"), ExpectedVersion: 0},
	}, "")
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, int64(1), results[0].Version)

	entry, found, err := s.GetKV(ctx, accountID, "a")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "1b", entry.Value)
	require.Equal(t, int64(1), entry.Version)
}

func TestMutateKVAllOrNothing(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	accountID := mustCreateAccount(t, s, "pk-1")

	_, applied, err := s.MutateKV(ctx, accountID, []KVMutation{
		{Key: "a", Value: strptr("1"), ExpectedVersion: -1},
	}, "")
	require.NoError(t, err)
	require.True(t, applied)

	// Second entry fails its check: the first must not be written.
	results, applied, err := s.MutateKV(ctx, accountID, []KVMutation{
		{Key: "b", Value: strptr("2"), ExpectedVersion: -1},
		{Key: "a", Value: strptr("clobber"), ExpectedVersion: 99},
	}, "")
	require.NoError(t, err)
	require.False(t, applied)
	require.Equal(t, StatusVersionMismatch, results[1].Status)
	require.Equal(t, int64(0), results[1].Version)
	require.Equal(t, "1", *results[1].Value)

	_, found, err := s.GetKV(ctx, accountID, "b")
	require.NoError(t, err)
	require.False(t, found)

	entry, _, err := s.GetKV(ctx, accountID, "a")
	require.NoError(t, err)
	require.Equal(t, "1", entry.Value)
}

func TestMutateKVDelete(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	accountID := mustCreateAccount(t, s, "pk-1")

	_, _, err := s.MutateKV(ctx, accountID, []KVMutation{
		{Key: "a", Value: strptr("1"), ExpectedVersion: -1},
	}, "")
	require.NoError(t, err)

	results, applied, err := s.MutateKV(ctx, accountID, []KVMutation{
		{Key: "a", Value: nil, ExpectedVersion: 0},
	}, "")
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, int64(-1), results[0].Version)

	_, found, err := s.GetKV(ctx, accountID, "a")
	require.NoError(t, err)
	require.False(t, found)

	// Recreating starts over at version 0.
	results, applied, err = s.MutateKV(ctx, accountID, []KVMutation{
		{Key: "a", Value: strptr("again"), ExpectedVersion: -1},
	}, "")
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, int64(0), results[0].Version)
}

func TestMutateKVRecordsSingleChangeWithKeys(t *testing.T) {
	s, transport := newTestStore(t)
	ctx := context.Background()
	accountID := mustCreateAccount(t, s, "pk-1")

	_, applied, err := s.MutateKV(ctx, accountID, []KVMutation{
		{Key: "a", Value: strptr("1"), ExpectedVersion: -1},
		{Key: "b", Value: strptr("2"), ExpectedVersion: -1},
	}, "")
	require.NoError(t, err)
	require.True(t, applied)

	rows, err := s.ListChanges(ctx, accountID, 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "kv", rows[0].Kind)
	require.JSONEq(t, `{"keys":["a","b"]}`, string(rows[0].Hint))

	require.Len(t, transport.updates(), 1)
}

func TestBulkGetKVOmitsMissing(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	accountID := mustCreateAccount(t, s, "pk-1")

	_, _, err := s.MutateKV(ctx, accountID, []KVMutation{
		{Key: "a", Value: strptr("1"), ExpectedVersion: -1},
	}, "")
	require.NoError(t, err)

	entries, err := s.BulkGetKV(ctx, accountID, []string{"a", "missing"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "a", entries[0].Key)
}

func TestListKVPrefix(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	accountID := mustCreateAccount(t, s, "pk-1")

	_, _, err := s.MutateKV(ctx, accountID, []KVMutation{
		{Key: "app.one", Value: strptr("1"), ExpectedVersion: -1},
		{Key: "app.two", Value: strptr("2"), ExpectedVersion: -1},
		{Key: "other", Value: strptr("3"), ExpectedVersion: -1},
	}, "")
	require.NoError(t, err)

	entries, err := s.ListKV(ctx, accountID, "app.")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "app.one", entries[0].Key)
	require.Equal(t, "app.two", entries[1].Key)
}
