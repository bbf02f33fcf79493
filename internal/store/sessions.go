package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"relaysync/internal/changes"
	"relaysync/internal/db"
	"relaysync/internal/model"
	"relaysync/internal/push"
)

const sessionColumns = `SELECT id, account_id, tag, seq, metadata, metadata_version, agent_state, agent_state_version,
	data_encryption_key, active, last_active_at, created_at, updated_at FROM sessions`

func scanSession(scan func(dest ...any) error) (model.Session, error) {
	var s model.Session
	err := scan(&s.ID, &s.AccountID, &s.Tag, &s.Seq, &s.Metadata, &s.MetadataVersion,
		&s.AgentState, &s.AgentStateVersion, &s.DataEncryptionKey, &s.Active,
		&s.LastActiveAt, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

// GetOrCreateSession returns the account's session for the tag, creating it
// when absent. Creation records a session change and notifies the account's
// general connections.
func (s *Store) GetOrCreateSession(ctx context.Context, accountID, tag, metadata string, agentState, dataEncryptionKey *string) (model.Session, bool, error) {
	if accountID == "" {
		return model.Session{}, false, errors.New("missing accountID")
	}
	if tag == "" {
		return model.Session{}, false, errors.New("missing tag")
	}

	var session model.Session
	var created bool
	err := s.db.RunInTransaction(ctx, func(tx *db.Tx) error {
		created = false
		existing, err := scanSession(tx.QueryRow(sessionColumns+` WHERE account_id = ? AND tag = ?`, accountID, tag).Scan)
		if err == nil {
			session = existing
			return nil
		}
		if err != sql.ErrNoRows {
			return err
		}

		now := nowMillis()
		metadataVersion := int64(0)
		if metadata != "" {
			metadataVersion = 1
		}
		agentStateVersion := int64(0)
		if agentState != nil {
			agentStateVersion = 1
		}
		session = model.Session{
			ID:                uuid.NewString(),
			AccountID:         accountID,
			Tag:               tag,
			Metadata:          metadata,
			MetadataVersion:   metadataVersion,
			AgentState:        agentState,
			AgentStateVersion: agentStateVersion,
			DataEncryptionKey: dataEncryptionKey,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		_, err = tx.Exec(
			`INSERT INTO sessions (id, account_id, tag, metadata, metadata_version, agent_state, agent_state_version,
				data_encryption_key, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			session.ID, accountID, tag, metadata, metadataVersion, agentState, agentStateVersion,
			dataEncryptionKey, now, now,
		)
		if err != nil {
			return err
		}
		created = true

		cursor, err := changes.Record(tx, changes.Change{
			AccountID: accountID,
			Kind:      changes.KindSession,
			EntityID:  session.ID,
		})
		if err != nil {
			return err
		}
		s.deferUpdate(tx, accountID, cursor, map[string]any{
			"t":   "new-session",
			"sid": session.ID,
		}, push.UserScopedOnly(), "", now)
		return nil
	})
	if err != nil {
		return model.Session{}, false, err
	}
	return session, created, nil
}

func (s *Store) ListSessions(ctx context.Context, accountID string) ([]model.Session, error) {
	rows, err := s.db.QueryContext(ctx, sessionColumns+` WHERE account_id = ? ORDER BY updated_at DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]model.Session, 0)
	for rows.Next() {
		session, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, session)
	}
	return result, rows.Err()
}

func (s *Store) GetSession(ctx context.Context, accountID, sessionID string) (model.Session, bool, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, sessionColumns+` WHERE id = ? AND account_id = ?`, sessionID, accountID).Scan)
	if err == sql.ErrNoRows {
		return model.Session{}, false, nil
	}
	if err != nil {
		return model.Session{}, false, err
	}
	return session, true, nil
}

func (s *Store) UpdateSessionMetadata(ctx context.Context, accountID, sessionID string, expectedVersion int64, metadata string, skipConnection string) (CASResult, error) {
	return s.casSessionField(ctx, accountID, sessionID, "metadata", "metadata_version", expectedVersion, &metadata, skipConnection)
}

func (s *Store) UpdateSessionAgentState(ctx context.Context, accountID, sessionID string, expectedVersion int64, agentState *string, skipConnection string) (CASResult, error) {
	return s.casSessionField(ctx, accountID, sessionID, "agent_state", "agent_state_version", expectedVersion, agentState, skipConnection)
}

func (s *Store) casSessionField(ctx context.Context, accountID, sessionID, valueColumn, versionColumn string, expectedVersion int64, newValue *string, skipConnection string) (CASResult, error) {
	var result CASResult
	err := s.db.RunInTransaction(ctx, func(tx *db.Tx) error {
		now := nowMillis()
		var err error
		result, err = casUpdate(tx, casTarget{
			table:         "sessions",
			valueColumn:   valueColumn,
			versionColumn: versionColumn,
			where:         "id = ? AND account_id = ?",
			args:          []any{sessionID, accountID},
		}, expectedVersion, newValue, now)
		if err != nil || result.Status != StatusSuccess {
			return err
		}

		cursor, err := changes.Record(tx, changes.Change{
			AccountID: accountID,
			Kind:      changes.KindSession,
			EntityID:  sessionID,
		})
		if err != nil {
			return err
		}

		field := "metadata"
		if valueColumn == "agent_state" {
			field = "agentState"
		}
		s.deferUpdate(tx, accountID, cursor, map[string]any{
			"t":   "update-session",
			"sid": sessionID,
			field: map[string]any{
				"version": result.Version,
				"value":   newValue,
			},
		}, push.AllInterestedInSession(sessionID), skipConnection, now)
		return nil
	})
	if err != nil {
		return CASResult{}, err
	}
	return result, nil
}

// DeleteSession removes the session and its messages. The recorded change
// row immediately becomes an orphan, which is what eventually drives the
// janitor to raise the prune floor past it.
func (s *Store) DeleteSession(ctx context.Context, accountID, sessionID string) (bool, error) {
	var deleted bool
	err := s.db.RunInTransaction(ctx, func(tx *db.Tx) error {
		deleted = false

		// Record the change while the session row still exists so the
		// cursor allocation and the delete commit atomically.
		cursor, err := changes.Record(tx, changes.Change{
			AccountID: accountID,
			Kind:      changes.KindSession,
			EntityID:  sessionID,
		})
		if err != nil {
			return err
		}

		res, err := tx.Exec(`DELETE FROM sessions WHERE id = ? AND account_id = ?`, sessionID, accountID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return errSessionNotFound
		}
		deleted = true

		now := nowMillis()
		s.deferUpdate(tx, accountID, cursor, map[string]any{
			"t":   "delete-session",
			"sid": sessionID,
		}, push.UserScopedOnly(), "", now)
		return nil
	})
	if err == errSessionNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return deleted, nil
}

var errSessionNotFound = errors.New("session not found")

// AppendMessage allocates the session's next message seq and fans the
// message out to every connection interested in the session.
func (s *Store) AppendMessage(ctx context.Context, accountID, sessionID, content, skipConnection string) (model.SessionMessage, error) {
	var message model.SessionMessage
	err := s.db.RunInTransaction(ctx, func(tx *db.Tx) error {
		now := nowMillis()

		var seq int64
		err := tx.QueryRow(
			`UPDATE sessions SET seq = seq + 1, updated_at = ? WHERE id = ? AND account_id = ? RETURNING seq`,
			now, sessionID, accountID,
		).Scan(&seq)
		if err == sql.ErrNoRows {
			return errSessionNotFound
		}
		if err != nil {
			return err
		}

		message = model.SessionMessage{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Seq:       seq,
			Content:   content,
			CreatedAt: now,
			UpdatedAt: now,
		}
		_, err = tx.Exec(
			`INSERT INTO session_messages (id, session_id, seq, content, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
			message.ID, sessionID, seq, content, now, now,
		)
		if err != nil {
			return err
		}

		cursor, err := changes.Record(tx, changes.Change{
			AccountID: accountID,
			Kind:      changes.KindSession,
			EntityID:  sessionID,
		})
		if err != nil {
			return err
		}
		s.deferUpdate(tx, accountID, cursor, map[string]any{
			"t":   "new-message",
			"sid": sessionID,
			"message": map[string]any{
				"id":  message.ID,
				"seq": message.Seq,
				"content": map[string]any{
					"t": "encrypted",
					"c": message.Content,
				},
			},
		}, push.AllInterestedInSession(sessionID), skipConnection, now)
		return nil
	})
	if err != nil {
		return model.SessionMessage{}, err
	}
	return message, nil
}

func (s *Store) ListMessages(ctx context.Context, accountID, sessionID string, after int64, limit int) ([]model.SessionMessage, error) {
	if _, ok, err := s.GetSession(ctx, accountID, sessionID); err != nil {
		return nil, err
	} else if !ok {
		return nil, errSessionNotFound
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, seq, content, created_at, updated_at
		 FROM session_messages WHERE session_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`,
		sessionID, after, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]model.SessionMessage, 0)
	for rows.Next() {
		var m model.SessionMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Seq, &m.Content, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// SetSessionActive directly toggles the liveness flag; used by explicit
// session-end signals, not the presence path.
func (s *Store) SetSessionActive(ctx context.Context, accountID, sessionID string, active bool, activeAt int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET active = ?, last_active_at = CASE WHEN ? THEN ? ELSE last_active_at END, updated_at = ?
		 WHERE id = ? AND account_id = ?`,
		active, active, activeAt, nowMillis(), sessionID, accountID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// IsSessionNotFound reports whether an error from this package means the
// session does not exist (or belongs to another account).
func IsSessionNotFound(err error) bool {
	return errors.Is(err, errSessionNotFound)
}
