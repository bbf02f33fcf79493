package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUpsertMachineIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	accountID := mustCreateAccount(t, s, "pk-1")

	first, created, err := s.UpsertMachine(ctx, accountID, "laptop", `{"host":"a"}`, nil, nil)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, int64(1), first.MetadataVersion)

	second, created, err := s.UpsertMachine(ctx, accountID, "laptop", `{"host":"ignored"}`, nil, nil)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, `{"host":"a"}`, second.Metadata)
}

func TestUpsertMachineRequiresID(t *testing.T) {
	s, _ := newTestStore(t)
	_, _, err := s.UpsertMachine(context.Background(), "acc", "", "", nil, nil)
	require.Error(t, err)
}

func TestMachineIDsScopedPerAccount(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	a := mustCreateAccount(t, s, "pk-1")
	b := mustCreateAccount(t, s, "pk-2")

	_, created, err := s.UpsertMachine(ctx, a, "laptop", "", nil, nil)
	require.NoError(t, err)
	require.True(t, created)

	// The same client id under another account is a separate machine.
	_, created, err = s.UpsertMachine(ctx, b, "laptop", "", nil, nil)
	require.NoError(t, err)
	require.True(t, created)

	_, found, err := s.GetMachine(ctx, b, "laptop")
	require.NoError(t, err)
	require.True(t, found)
}

func TestUpdateMachineMetadataCAS(t *testing.T) {
	s, transport := newTestStore(t)
	ctx := context.Background()
	accountID := mustCreateAccount(t, s, "pk-1")
	_, _, err := s.UpsertMachine(ctx, accountID, "laptop", "v1", nil, nil)
	require.NoError(t, err)

	result, err := s.UpdateMachineMetadata(ctx, accountID, "laptop", 1, "v2", "conn-1")
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, result.Status)
	require.Equal(t, int64(2), result.Version)

	updates := transport.updates()
	last := updates[len(updates)-1]
	require.Equal(t, "conn-1", last.Except)
	require.Contains(t, last.Rooms, "machine:laptop:"+accountID)
	require.Equal(t, changeCursor(t, s, accountID, "machine", "laptop"), last.Envelope.Seq)

	// Stale writes report the authoritative state.
	result, err = s.UpdateMachineMetadata(ctx, accountID, "laptop", 1, "v3", "")
	require.NoError(t, err)
	require.Equal(t, StatusVersionMismatch, result.Status)
	require.Equal(t, int64(2), result.Version)
	require.Equal(t, "v2", *result.Value)
}

func TestUpdateMachineDaemonStateUnknownMachine(t *testing.T) {
	s, _ := newTestStore(t)
	accountID := mustCreateAccount(t, s, "pk-1")

	state := "{}"
	result, err := s.UpdateMachineDaemonState(context.Background(), accountID, "ghost", 0, &state, "")
	require.NoError(t, err)
	require.Equal(t, StatusNotFound, result.Status)
}
