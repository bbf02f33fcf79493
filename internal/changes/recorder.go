package changes

import (
	"encoding/json"
	"fmt"
	"time"

	"relaysync/internal/db"
)

// Change identifies one entity mutation to be recorded on the account's
// changelog.
type Change struct {
	AccountID string
	Kind      string
	EntityID  string
	Hint      Hint
}

// Record allocates the account's next cursor and upserts the coalesced
// changelog row for (account, kind, entity). It must be called inside the
// same transaction as the entity mutation it describes.
//
// The returned cursor is the value the pull API will serve for this entity;
// callers stamp the corresponding push payload with it so the same logical
// change is observable with an identical cursor on both paths.
func Record(tx *db.Tx, change Change) (int64, error) {
	if change.AccountID == "" {
		return 0, fmt.Errorf("changes: accountId is required")
	}
	if _, ok := validKinds[change.Kind]; !ok {
		return 0, fmt.Errorf("changes: kind is required")
	}
	if change.EntityID == "" {
		return 0, fmt.Errorf("changes: entityId is required")
	}

	now := time.Now().UnixMilli()

	// Atomic fetch-and-increment: the single serialization point that keeps
	// per-account cursors strictly increasing and gap-free.
	var cursor int64
	err := tx.QueryRow(
		`UPDATE accounts SET seq = seq + 1, updated_at = ? WHERE id = ? RETURNING seq`,
		now, change.AccountID,
	).Scan(&cursor)
	if err != nil {
		return 0, fmt.Errorf("changes: allocate cursor for account %s: %w", change.AccountID, err)
	}

	hint, err := json.Marshal(compactHint(change.Hint))
	if err != nil {
		return 0, fmt.Errorf("changes: marshal hint: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO account_changes (account_id, kind, entity_id, cursor, changed_at, hint)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (account_id, kind, entity_id)
		 DO UPDATE SET cursor = excluded.cursor, changed_at = excluded.changed_at, hint = excluded.hint`,
		change.AccountID, change.Kind, change.EntityID, cursor, now, string(hint),
	)
	if err != nil {
		return 0, fmt.Errorf("changes: upsert change row: %w", err)
	}
	return cursor, nil
}
