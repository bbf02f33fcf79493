package store

import (
	"context"

	"relaysync/internal/presence"
	"relaysync/internal/push"
)

// FlushPresence applies a presence batch with set-if-newer writes: a row is
// only touched when the heartbeat is strictly newer than its stored
// last_active_at, so replayed stream entries are harmless.
func (s *Store) FlushPresence(ctx context.Context, batch presence.Batch) error {
	for _, sa := range batch.Sessions {
		res, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET active = 1, last_active_at = ?, updated_at = ?
			 WHERE id = ? AND account_id = ? AND last_active_at < ?`,
			sa.Timestamp, nowMillis(), sa.SessionID, sa.AccountID, sa.Timestamp,
		)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			s.router.EmitEphemeral(sa.AccountID, map[string]any{
				"type":   "session-presence",
				"sid":    sa.SessionID,
				"active": true,
				"ts":     sa.Timestamp,
			}, push.AllUserAuthenticatedConnections())
		}
	}
	for _, ma := range batch.Machines {
		res, err := s.db.ExecContext(ctx,
			`UPDATE machines SET active = 1, last_active_at = ?, updated_at = ?
			 WHERE account_id = ? AND id = ? AND last_active_at < ?`,
			ma.Timestamp, nowMillis(), ma.AccountID, ma.MachineID, ma.Timestamp,
		)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			s.router.EmitEphemeral(ma.AccountID, map[string]any{
				"type":      "machine-presence",
				"machineId": ma.MachineID,
				"active":    true,
				"ts":        ma.Timestamp,
			}, push.AllUserAuthenticatedConnections())
		}
	}
	return nil
}
