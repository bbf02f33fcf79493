package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"relaysync/internal/presence"
)

func (r *recordingTransport) ephemerals() []recordedEmit {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedEmit
	for _, e := range r.emits {
		if e.Event == "ephemeral" {
			out = append(out, e)
		}
	}
	return out
}

func TestFlushPresenceSetIfNewer(t *testing.T) {
	s, transport := newTestStore(t)
	ctx := context.Background()
	accountID := mustCreateAccount(t, s, "pk-1")
	session, _, err := s.GetOrCreateSession(ctx, accountID, "tag-1", "", nil, nil)
	require.NoError(t, err)

	err = s.FlushPresence(ctx, presence.Batch{Sessions: []presence.SessionAlive{
		{AccountID: accountID, SessionID: session.ID, Timestamp: 1000},
	}})
	require.NoError(t, err)

	got, _, err := s.GetSession(ctx, accountID, session.ID)
	require.NoError(t, err)
	require.True(t, got.Active)
	require.Equal(t, int64(1000), got.LastActiveAt)
	require.Len(t, transport.ephemerals(), 1)

	// A replayed or stale heartbeat changes nothing and emits nothing.
	err = s.FlushPresence(ctx, presence.Batch{Sessions: []presence.SessionAlive{
		{AccountID: accountID, SessionID: session.ID, Timestamp: 500},
	}})
	require.NoError(t, err)

	got, _, err = s.GetSession(ctx, accountID, session.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1000), got.LastActiveAt)
	require.Len(t, transport.ephemerals(), 1)
}

func TestFlushPresenceMachines(t *testing.T) {
	s, transport := newTestStore(t)
	ctx := context.Background()
	accountID := mustCreateAccount(t, s, "pk-1")
	_, _, err := s.UpsertMachine(ctx, accountID, "laptop", "", nil, nil)
	require.NoError(t, err)

	err = s.FlushPresence(ctx, presence.Batch{Machines: []presence.MachineAlive{
		{AccountID: accountID, MachineID: "laptop", Timestamp: 2000},
	}})
	require.NoError(t, err)

	machine, _, err := s.GetMachine(ctx, accountID, "laptop")
	require.NoError(t, err)
	require.True(t, machine.Active)
	require.Equal(t, int64(2000), machine.LastActiveAt)

	// Presence events go to the account's general room, not the durable feed.
	emits := transport.ephemerals()
	require.Len(t, emits, 1)
	require.Equal(t, []string{"user:" + accountID}, emits[0].Rooms)
}

func TestFlushPresenceUnknownEntityIsNoop(t *testing.T) {
	s, transport := newTestStore(t)
	accountID := mustCreateAccount(t, s, "pk-1")

	err := s.FlushPresence(context.Background(), presence.Batch{Sessions: []presence.SessionAlive{
		{AccountID: accountID, SessionID: "ghost", Timestamp: 1000},
	}})
	require.NoError(t, err)
	require.Empty(t, transport.ephemerals())
}
