package store

import (
	"context"
	"database/sql"

	"relaysync/internal/changes"
	"relaysync/internal/db"
	"relaysync/internal/model"
	"relaysync/internal/push"
)

func (s *Store) GetAccessKey(ctx context.Context, accountID, sessionID, variant string) (model.AccessKey, bool, error) {
	var k model.AccessKey
	err := s.db.QueryRowContext(ctx,
		`SELECT account_id, session_id, variant, data, data_version, created_at, updated_at
		 FROM access_keys WHERE account_id = ? AND session_id = ? AND variant = ?`,
		accountID, sessionID, variant,
	).Scan(&k.AccountID, &k.SessionID, &k.Variant, &k.Data, &k.DataVersion, &k.CreatedAt, &k.UpdatedAt)
	if err == sql.ErrNoRows {
		return model.AccessKey{}, false, nil
	}
	if err != nil {
		return model.AccessKey{}, false, err
	}
	return k, true, nil
}

func (s *Store) ListAccessKeys(ctx context.Context, accountID, sessionID string) ([]model.AccessKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT account_id, session_id, variant, data, data_version, created_at, updated_at
		 FROM access_keys WHERE account_id = ? AND session_id = ? ORDER BY variant ASC`,
		accountID, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]model.AccessKey, 0)
	for rows.Next() {
		var k model.AccessKey
		if err := rows.Scan(&k.AccountID, &k.SessionID, &k.Variant, &k.Data, &k.DataVersion, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, k)
	}
	return result, rows.Err()
}

// PutAccessKey writes a session access key variant with a version gate.
// ExpectedVersion 0 creates the key (the first stored version is 1); any
// other value updates an existing key at exactly that version. The change is
// recorded under the share kind so the row is pruned with its session.
func (s *Store) PutAccessKey(ctx context.Context, accountID, sessionID, variant, data string, expectedVersion int64) (CASResult, error) {
	var result CASResult
	err := s.db.RunInTransaction(ctx, func(tx *db.Tx) error {
		now := nowMillis()

		var exists int
		err := tx.QueryRow(`SELECT COUNT(1) FROM sessions WHERE id = ? AND account_id = ?`, sessionID, accountID).Scan(&exists)
		if err != nil {
			return err
		}
		if exists == 0 {
			result = CASResult{Status: StatusNotFound}
			return nil
		}

		if expectedVersion == 0 {
			res, err := tx.Exec(
				`INSERT INTO access_keys (account_id, session_id, variant, data, data_version, created_at, updated_at)
				 VALUES (?, ?, ?, ?, 1, ?, ?)
				 ON CONFLICT (account_id, session_id, variant) DO NOTHING`,
				accountID, sessionID, variant, data, now, now,
			)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				current, version, _, err := casRead(tx, accessKeyTarget(accountID, sessionID, variant))
				if err != nil {
					return err
				}
				result = CASResult{Status: StatusVersionMismatch, Version: version, Value: current}
				return nil
			}
			result = CASResult{Status: StatusSuccess, Version: 1, Value: &data}
		} else {
			result, err = casUpdate(tx, accessKeyTarget(accountID, sessionID, variant), expectedVersion, &data, now)
			if err != nil || result.Status != StatusSuccess {
				return err
			}
		}

		cursor, err := changes.Record(tx, changes.Change{
			AccountID: accountID,
			Kind:      changes.KindShare,
			EntityID:  sessionID,
			Hint:      changes.KeysHint([]string{variant}),
		})
		if err != nil {
			return err
		}
		s.deferUpdate(tx, accountID, cursor, map[string]any{
			"t":       "update-access-key",
			"sid":     sessionID,
			"variant": variant,
			"version": result.Version,
		}, push.AllInterestedInSession(sessionID), "", now)
		return nil
	})
	if err != nil {
		return CASResult{}, err
	}
	return result, nil
}

func accessKeyTarget(accountID, sessionID, variant string) casTarget {
	return casTarget{
		table:         "access_keys",
		valueColumn:   "data",
		versionColumn: "data_version",
		where:         "account_id = ? AND session_id = ? AND variant = ?",
		args:          []any{accountID, sessionID, variant},
	}
}
