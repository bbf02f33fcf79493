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

const artifactColumns = `SELECT id, account_id, header, header_version, body, body_version,
	data_encryption_key, seq, created_at, updated_at FROM artifacts`

func scanArtifact(scan func(dest ...any) error) (model.Artifact, error) {
	var a model.Artifact
	err := scan(&a.ID, &a.AccountID, &a.Header, &a.HeaderVersion, &a.Body, &a.BodyVersion,
		&a.DataEncryptionKey, &a.Seq, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

// ArtifactUpdate carries the optional header and body halves of an artifact
// write. A nil half is left untouched; each present half is CAS-checked
// independently, and the write commits only if every present half passes.
type ArtifactUpdate struct {
	Header        *string
	HeaderVersion int64
	Body          *string
	BodyVersion   int64
}

// ArtifactUpdateResult reports the per-half outcomes of an artifact write.
type ArtifactUpdateResult struct {
	Header *CASResult
	Body   *CASResult
}

func (r ArtifactUpdateResult) ok() bool {
	if r.Header != nil && r.Header.Status != StatusSuccess {
		return false
	}
	if r.Body != nil && r.Body.Status != StatusSuccess {
		return false
	}
	return true
}

func (s *Store) CreateArtifact(ctx context.Context, accountID, artifactID, header, body, dataEncryptionKey string) (model.Artifact, bool, error) {
	if artifactID == "" {
		return model.Artifact{}, false, errors.New("missing artifactID")
	}

	var artifact model.Artifact
	var created bool
	err := s.db.RunInTransaction(ctx, func(tx *db.Tx) error {
		created = false
		existing, err := scanArtifact(tx.QueryRow(artifactColumns+` WHERE account_id = ? AND id = ?`, accountID, artifactID).Scan)
		if err == nil {
			artifact = existing
			return nil
		}
		if err != sql.ErrNoRows {
			return err
		}

		now := nowMillis()
		artifact = model.Artifact{
			ID:                artifactID,
			AccountID:         accountID,
			Header:            header,
			HeaderVersion:     1,
			Body:              body,
			BodyVersion:       1,
			DataEncryptionKey: dataEncryptionKey,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		_, err = tx.Exec(
			`INSERT INTO artifacts (account_id, id, header, header_version, body, body_version, data_encryption_key, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			accountID, artifactID, header, 1, body, 1, dataEncryptionKey, now, now,
		)
		if err != nil {
			return err
		}
		created = true

		cursor, err := changes.Record(tx, changes.Change{
			AccountID: accountID,
			Kind:      changes.KindArtifact,
			EntityID:  artifactID,
		})
		if err != nil {
			return err
		}
		s.deferUpdate(tx, accountID, cursor, map[string]any{
			"t":          "new-artifact",
			"artifactId": artifactID,
		}, push.UserScopedOnly(), "", now)
		return nil
	})
	if err != nil {
		return model.Artifact{}, false, err
	}
	return artifact, created, nil
}

func (s *Store) GetArtifact(ctx context.Context, accountID, artifactID string) (model.Artifact, bool, error) {
	artifact, err := scanArtifact(s.db.QueryRowContext(ctx, artifactColumns+` WHERE account_id = ? AND id = ?`, accountID, artifactID).Scan)
	if err == sql.ErrNoRows {
		return model.Artifact{}, false, nil
	}
	if err != nil {
		return model.Artifact{}, false, err
	}
	return artifact, true, nil
}

// ListArtifacts returns headers only; bodies are fetched per-artifact.
func (s *Store) ListArtifacts(ctx context.Context, accountID string) ([]model.Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, header, header_version, data_encryption_key, seq, created_at, updated_at
		 FROM artifacts WHERE account_id = ? ORDER BY updated_at DESC`,
		accountID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]model.Artifact, 0)
	for rows.Next() {
		var a model.Artifact
		if err := rows.Scan(&a.ID, &a.AccountID, &a.Header, &a.HeaderVersion, &a.DataEncryptionKey, &a.Seq, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// UpdateArtifact applies the present halves of the update atomically. If
// either half fails its version check the whole transaction rolls back and
// the result carries the authoritative state for the failed half.
func (s *Store) UpdateArtifact(ctx context.Context, accountID, artifactID string, update ArtifactUpdate, skipConnection string) (ArtifactUpdateResult, error) {
	var result ArtifactUpdateResult
	err := s.db.RunInTransaction(ctx, func(tx *db.Tx) error {
		result = ArtifactUpdateResult{}
		now := nowMillis()
		target := func(valueColumn, versionColumn string) casTarget {
			return casTarget{
				table:         "artifacts",
				valueColumn:   valueColumn,
				versionColumn: versionColumn,
				where:         "account_id = ? AND id = ?",
				args:          []any{accountID, artifactID},
			}
		}

		if update.Header != nil {
			r, err := casUpdate(tx, target("header", "header_version"), update.HeaderVersion, update.Header, now)
			if err != nil {
				return err
			}
			result.Header = &r
		}
		if update.Body != nil {
			r, err := casUpdate(tx, target("body", "body_version"), update.BodyVersion, update.Body, now)
			if err != nil {
				return err
			}
			result.Body = &r
		}
		if !result.ok() {
			return errArtifactRejected
		}
		if result.Header == nil && result.Body == nil {
			return nil
		}

		_, err := tx.Exec(`UPDATE artifacts SET seq = seq + 1 WHERE account_id = ? AND id = ?`, accountID, artifactID)
		if err != nil {
			return err
		}

		cursor, err := changes.Record(tx, changes.Change{
			AccountID: accountID,
			Kind:      changes.KindArtifact,
			EntityID:  artifactID,
		})
		if err != nil {
			return err
		}
		body := map[string]any{
			"t":          "update-artifact",
			"artifactId": artifactID,
		}
		if result.Header != nil {
			body["header"] = map[string]any{"version": result.Header.Version, "value": update.Header}
		}
		if result.Body != nil {
			body["body"] = map[string]any{"version": result.Body.Version, "value": update.Body}
		}
		s.deferUpdate(tx, accountID, cursor, body, push.UserScopedOnly(), skipConnection, now)
		return nil
	})
	if err == errArtifactRejected {
		// The rollback discarded partial writes; the per-half results still
		// describe what the caller should retry against.
		return result, nil
	}
	if err != nil {
		return ArtifactUpdateResult{}, err
	}
	return result, nil
}

var (
	errArtifactRejected = errors.New("artifact update rejected")
	errArtifactNotFound = errors.New("artifact not found")
)

func (s *Store) DeleteArtifact(ctx context.Context, accountID, artifactID string) (bool, error) {
	var deleted bool
	err := s.db.RunInTransaction(ctx, func(tx *db.Tx) error {
		deleted = false
		cursor, err := changes.Record(tx, changes.Change{
			AccountID: accountID,
			Kind:      changes.KindArtifact,
			EntityID:  artifactID,
		})
		if err != nil {
			return err
		}

		res, err := tx.Exec(`DELETE FROM artifacts WHERE account_id = ? AND id = ?`, accountID, artifactID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return errArtifactNotFound
		}
		deleted = true

		now := nowMillis()
		s.deferUpdate(tx, accountID, cursor, map[string]any{
			"t":          "delete-artifact",
			"artifactId": artifactID,
		}, push.UserScopedOnly(), "", now)
		return nil
	})
	if err == errArtifactNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return deleted, nil
}
