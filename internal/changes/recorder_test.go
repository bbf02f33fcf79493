package changes

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"relaysync/internal/db"
)

func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func createAccount(t *testing.T, d *db.DB, id string) {
	t.Helper()
	_, err := d.ExecContext(context.Background(),
		`INSERT INTO accounts (id, public_key, created_at, updated_at) VALUES (?, ?, 0, 0)`,
		id, "pk-"+id,
	)
	require.NoError(t, err)
}

func recordOne(t *testing.T, d *db.DB, change Change) int64 {
	t.Helper()
	var cursor int64
	err := d.RunInTransaction(context.Background(), func(tx *db.Tx) error {
		var err error
		cursor, err = Record(tx, change)
		return err
	})
	require.NoError(t, err)
	return cursor
}

func TestRecordAllocatesIncreasingCursors(t *testing.T) {
	d := newTestDB(t)
	createAccount(t, d, "acc-1")

	c1 := recordOne(t, d, Change{AccountID: "acc-1", Kind: KindSession, EntityID: "s1"})
	c2 := recordOne(t, d, Change{AccountID: "acc-1", Kind: KindSession, EntityID: "s2"})
	c3 := recordOne(t, d, Change{AccountID: "acc-1", Kind: KindMachine, EntityID: "m1"})

	require.Equal(t, int64(1), c1)
	require.Equal(t, int64(2), c2)
	require.Equal(t, int64(3), c3)
}

func TestRecordCoalescesPerEntity(t *testing.T) {
	d := newTestDB(t)
	createAccount(t, d, "acc-1")

	recordOne(t, d, Change{AccountID: "acc-1", Kind: KindSession, EntityID: "s1"})
	recordOne(t, d, Change{AccountID: "acc-1", Kind: KindSession, EntityID: "s2"})
	last := recordOne(t, d, Change{AccountID: "acc-1", Kind: KindSession, EntityID: "s1"})

	rows, err := d.QueryContext(context.Background(),
		`SELECT entity_id, cursor FROM account_changes WHERE account_id = ? ORDER BY entity_id`,
		"acc-1",
	)
	require.NoError(t, err)
	defer rows.Close()

	got := map[string]int64{}
	for rows.Next() {
		var entity string
		var cursor int64
		require.NoError(t, rows.Scan(&entity, &cursor))
		got[entity] = cursor
	}
	require.NoError(t, rows.Err())

	// One row per entity, with the most recent cursor winning.
	require.Len(t, got, 2)
	require.Equal(t, last, got["s1"])
	require.Equal(t, int64(3), last)
}

func TestRecordValidation(t *testing.T) {
	d := newTestDB(t)
	createAccount(t, d, "acc-1")

	err := d.RunInTransaction(context.Background(), func(tx *db.Tx) error {
		_, err := Record(tx, Change{AccountID: "", Kind: KindSession, EntityID: "s1"})
		return err
	})
	require.ErrorContains(t, err, "accountId is required")

	err = d.RunInTransaction(context.Background(), func(tx *db.Tx) error {
		_, err := Record(tx, Change{AccountID: "acc-1", Kind: "bogus", EntityID: "s1"})
		return err
	})
	require.ErrorContains(t, err, "kind is required")

	err = d.RunInTransaction(context.Background(), func(tx *db.Tx) error {
		_, err := Record(tx, Change{AccountID: "acc-1", Kind: KindSession, EntityID: ""})
		return err
	})
	require.ErrorContains(t, err, "entityId is required")
}

func TestRecordUnknownAccountFails(t *testing.T) {
	d := newTestDB(t)

	err := d.RunInTransaction(context.Background(), func(tx *db.Tx) error {
		_, err := Record(tx, Change{AccountID: "ghost", Kind: KindSession, EntityID: "s1"})
		return err
	})
	require.Error(t, err)
}

func TestRecordConcurrentCursorsAreUnique(t *testing.T) {
	d := newTestDB(t)
	createAccount(t, d, "acc-1")

	const writers = 8
	const perWriter = 5

	var mu sync.Mutex
	var wg sync.WaitGroup
	seen := make(map[int64]bool)

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				var cursor int64
				err := d.RunInTransaction(context.Background(), func(tx *db.Tx) error {
					var err error
					cursor, err = Record(tx, Change{
						AccountID: "acc-1",
						Kind:      KindKV,
						EntityID:  "kv",
					})
					return err
				})
				if err != nil {
					t.Errorf("record: %v", err)
					return
				}
				mu.Lock()
				if seen[cursor] {
					t.Errorf("duplicate cursor %d", cursor)
				}
				seen[cursor] = true
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	require.Len(t, seen, writers*perWriter)
}

func TestRecordStoresCompactedHint(t *testing.T) {
	d := newTestDB(t)
	createAccount(t, d, "acc-1")

	tooMany := make([]string, maxHintKeys+1)
	for i := range tooMany {
		tooMany[i] = "k"
	}
	recordOne(t, d, Change{AccountID: "acc-1", Kind: KindKV, EntityID: "kv", Hint: KeysHint(tooMany)})

	var hint string
	err := d.QueryRowContext(context.Background(),
		`SELECT hint FROM account_changes WHERE account_id = ? AND kind = ? AND entity_id = ?`,
		"acc-1", KindKV, "kv",
	).Scan(&hint)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(hint), &decoded))
	require.Equal(t, true, decoded["full"])
}
