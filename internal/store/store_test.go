package store

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"relaysync/internal/db"
	"relaysync/internal/push"
)

type recordedEmit struct {
	Rooms    []string
	Except   string
	Event    string
	Envelope push.UpdateEnvelope
}

type recordingTransport struct {
	mu    sync.Mutex
	emits []recordedEmit
}

func (r *recordingTransport) Emit(rooms []string, except string, event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	emit := recordedEmit{Rooms: rooms, Except: except, Event: event}
	if env, ok := payload.(push.UpdateEnvelope); ok {
		emit.Envelope = env
	}
	r.emits = append(r.emits, emit)
}

func (r *recordingTransport) updates() []recordedEmit {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedEmit
	for _, e := range r.emits {
		if e.Event == "update" {
			out = append(out, e)
		}
	}
	return out
}

func newTestStore(t *testing.T) (*Store, *recordingTransport) {
	t.Helper()
	d, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	transport := &recordingTransport{}
	router := push.NewRouter(false)
	router.SetTransport(transport)
	return New(d, router), transport
}

func mustCreateAccount(t *testing.T, s *Store, publicKey string) string {
	t.Helper()
	account, created, err := s.GetOrCreateAccount(context.Background(), publicKey)
	require.NoError(t, err)
	require.True(t, created)
	return account.ID
}

func changeCursor(t *testing.T, s *Store, accountID, kind, entityID string) int64 {
	t.Helper()
	var cursor int64
	err := s.db.QueryRowContext(context.Background(),
		`SELECT cursor FROM account_changes WHERE account_id = ? AND kind = ? AND entity_id = ?`,
		accountID, kind, entityID,
	).Scan(&cursor)
	require.NoError(t, err)
	return cursor
}

func TestGetOrCreateAccountIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first, created, err := s.GetOrCreateAccount(ctx, "pk-1")
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := s.GetOrCreateAccount(ctx, "pk-1")
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)
}

func TestUpdateAccountSettingsCAS(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	accountID := mustCreateAccount(t, s, "pk-1")

	result, err := s.UpdateAccountSettings(ctx, accountID, 0, `{"theme":"dark"}`)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, result.Status)
	require.Equal(t, int64(1), result.Version)

	// A stale expected version is rejected and reports the current state,
	// not the rejected attempt.
	result, err = s.UpdateAccountSettings(ctx, accountID, 0, `{"theme":"light"}`)
	require.NoError(t, err)
	require.Equal(t, StatusVersionMismatch, result.Status)
	require.Equal(t, int64(1), result.Version)
	require.NotNil(t, result.Value)
	require.Equal(t, `{"theme":"dark"}`, *result.Value)

	// The rejection left no trace.
	account, _, err := s.GetAccount(ctx, accountID)
	require.NoError(t, err)
	require.Equal(t, int64(1), account.SettingsVersion)
	require.Equal(t, `{"theme":"dark"}`, *account.Settings)
}

func TestUpdateAccountSettingsNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	result, err := s.UpdateAccountSettings(context.Background(), "ghost", 0, "{}")
	require.NoError(t, err)
	require.Equal(t, StatusNotFound, result.Status)
}

func TestRejectedWriteRecordsNoChange(t *testing.T) {
	s, transport := newTestStore(t)
	ctx := context.Background()
	accountID := mustCreateAccount(t, s, "pk-1")

	_, err := s.UpdateAccountSettings(ctx, accountID, 0, "{}")
	require.NoError(t, err)
	baseline := len(transport.updates())

	result, err := s.UpdateAccountSettings(ctx, accountID, 99, "{}")
	require.NoError(t, err)
	require.Equal(t, StatusVersionMismatch, result.Status)

	// No new change row, no cursor movement, no push.
	account, _, err := s.GetAccount(ctx, accountID)
	require.NoError(t, err)
	require.Equal(t, int64(1), account.Seq)
	require.Len(t, transport.updates(), baseline)
}

func TestPushSeqMatchesPullCursor(t *testing.T) {
	s, transport := newTestStore(t)
	ctx := context.Background()
	accountID := mustCreateAccount(t, s, "pk-1")

	_, err := s.UpdateAccountSettings(ctx, accountID, 0, "{}")
	require.NoError(t, err)

	updates := transport.updates()
	require.Len(t, updates, 1)
	pushed := updates[0].Envelope.Seq
	pulled := changeCursor(t, s, accountID, "account", accountID)
	require.Equal(t, pulled, pushed)

	// The pull API serves the same cursor.
	rows, err := s.ListChanges(ctx, accountID, 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, pushed, rows[0].Cursor)
}

func TestListChangesOrderingAndPaging(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	accountID := mustCreateAccount(t, s, "pk-1")

	for i := 0; i < 3; i++ {
		_, err := s.UpdateAccountSettings(ctx, accountID, int64(i), "{}")
		require.NoError(t, err)
	}
	_, _, err := s.GetOrCreateSession(ctx, accountID, "tag-1", "", nil, nil)
	require.NoError(t, err)

	// Settings changes coalesced to one row; the session row is separate.
	rows, err := s.ListChanges(ctx, accountID, 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Less(t, rows[0].Cursor, rows[1].Cursor)

	// Resuming from the first row's cursor yields only the second.
	rows, err = s.ListChanges(ctx, accountID, rows[0].Cursor, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestAuthRequestLifecycle(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	req, err := s.UpsertAuthRequest(ctx, "req-pk", false)
	require.NoError(t, err)
	require.Empty(t, req.Token)

	// Re-requesting with v2 support upgrades the flag and keeps the id.
	again, err := s.UpsertAuthRequest(ctx, "req-pk", true)
	require.NoError(t, err)
	require.Equal(t, req.ID, again.ID)
	require.True(t, again.SupportsV2)

	ok, err := s.AuthorizeAuthRequest(ctx, "req-pk", "resp", "acc-1", "token-1")
	require.NoError(t, err)
	require.True(t, ok)

	stored, found, err := s.GetAuthRequest(ctx, "req-pk")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "token-1", stored.Token)

	ok, err = s.AuthorizeAuthRequest(ctx, "unknown-pk", "resp", "acc-1", "token-2")
	require.NoError(t, err)
	require.False(t, ok)
}
