package store

import (
	"context"
	"database/sql"
	"errors"

	"relaysync/internal/changes"
	"relaysync/internal/db"
	"relaysync/internal/model"
	"relaysync/internal/push"
)

// KVMutation is one entry of a batch write. ExpectedVersion -1 asserts the
// key does not exist; a nil Value deletes the key.
type KVMutation struct {
	Key             string
	Value           *string
	ExpectedVersion int64
}

// KVMutationResult reports one entry's outcome. On version-mismatch, Version
// and Value carry the key's current state (-1 / nil when absent).
type KVMutationResult struct {
	Key     string
	Status  string
	Version int64
	Value   *string
}

func (s *Store) GetKV(ctx context.Context, accountID, key string) (model.KVEntry, bool, error) {
	var e model.KVEntry
	err := s.db.QueryRowContext(ctx,
		`SELECT account_id, key, value, version, created_at, updated_at FROM kv_entries WHERE account_id = ? AND key = ?`,
		accountID, key,
	).Scan(&e.AccountID, &e.Key, &e.Value, &e.Version, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return model.KVEntry{}, false, nil
	}
	if err != nil {
		return model.KVEntry{}, false, err
	}
	return e, true, nil
}

// BulkGetKV returns entries for the requested keys; absent keys are simply
// omitted.
func (s *Store) BulkGetKV(ctx context.Context, accountID string, keys []string) ([]model.KVEntry, error) {
	if len(keys) == 0 {
		return []model.KVEntry{}, nil
	}
	query := `SELECT account_id, key, value, version, created_at, updated_at FROM kv_entries WHERE account_id = ? AND key IN (`
	args := make([]any, 0, len(keys)+1)
	args = append(args, accountID)
	for i, k := range keys {
		if i > 0 {
			query += ", "
		}
		query += "?"
		args = append(args, k)
	}
	query += `)`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]model.KVEntry, 0, len(keys))
	for rows.Next() {
		var e model.KVEntry
		if err := rows.Scan(&e.AccountID, &e.Key, &e.Value, &e.Version, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *Store) ListKV(ctx context.Context, accountID, prefix string) ([]model.KVEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT account_id, key, value, version, created_at, updated_at FROM kv_entries
		 WHERE account_id = ? AND substr(key, 1, length(?)) = ? ORDER BY key ASC`,
		accountID, prefix, prefix,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]model.KVEntry, 0)
	for rows.Next() {
		var e model.KVEntry
		if err := rows.Scan(&e.AccountID, &e.Key, &e.Value, &e.Version, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

var errKVRejected = errors.New("kv batch rejected")

// MutateKV applies the batch atomically: if any entry fails its version
// check, nothing is written and every entry's result reports its current
// state. A successful batch records one kv change whose hint lists the
// mutated keys.
func (s *Store) MutateKV(ctx context.Context, accountID string, mutations []KVMutation, skipConnection string) ([]KVMutationResult, bool, error) {
	if len(mutations) == 0 {
		return []KVMutationResult{}, true, nil
	}

	results := make([]KVMutationResult, len(mutations))
	err := s.db.RunInTransaction(ctx, func(tx *db.Tx) error {
		now := nowMillis()
		rejected := false
		for i, m := range mutations {
			var value sql.NullString
			var version int64 = -1
			err := tx.QueryRow(
				`SELECT value, version FROM kv_entries WHERE account_id = ? AND key = ?`,
				accountID, m.Key,
			).Scan(&value, &version)
			if err != nil && err != sql.ErrNoRows {
				return err
			}

			if version != m.ExpectedVersion {
				r := KVMutationResult{Key: m.Key, Status: StatusVersionMismatch, Version: version}
				if value.Valid {
					v := value.String
					r.Value = &v
				}
				results[i] = r
				rejected = true
				continue
			}
			results[i] = KVMutationResult{Key: m.Key, Status: StatusSuccess, Version: version + 1, Value: m.Value}
		}
		if rejected {
			return errKVRejected
		}

		keys := make([]string, 0, len(mutations))
		for i, m := range mutations {
			keys = append(keys, m.Key)
			if m.Value == nil {
				if _, err := tx.Exec(`DELETE FROM kv_entries WHERE account_id = ? AND key = ?`, accountID, m.Key); err != nil {
					return err
				}
				results[i].Version = -1
				continue
			}
			_, err := tx.Exec(
				`INSERT INTO kv_entries (account_id, key, value, version, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?)
				 ON CONFLICT (account_id, key)
				 DO UPDATE SET value = excluded.value, version = excluded.version, updated_at = excluded.updated_at`,
				accountID, m.Key, *m.Value, results[i].Version, now, now,
			)
			if err != nil {
				return err
			}
		}

		cursor, err := changes.Record(tx, changes.Change{
			AccountID: accountID,
			Kind:      changes.KindKV,
			EntityID:  "kv",
			Hint:      changes.KeysHint(keys),
		})
		if err != nil {
			return err
		}
		s.deferUpdate(tx, accountID, cursor, map[string]any{
			"t":    "kv-batch-update",
			"keys": keys,
		}, push.UserScopedOnly(), skipConnection, now)
		return nil
	})
	if err == errKVRejected {
		// Rolled back; per-entry results explain the rejection.
		for i := range results {
			if results[i].Status == StatusSuccess {
				// Entry passed its check but the batch failed elsewhere.
				results[i] = KVMutationResult{Key: results[i].Key, Status: StatusError}
			}
		}
		return results, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return results, true, nil
}
