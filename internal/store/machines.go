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

const machineColumns = `SELECT id, account_id, metadata, metadata_version, daemon_state, daemon_state_version,
	data_encryption_key, active, last_active_at, created_at, updated_at FROM machines`

func scanMachine(scan func(dest ...any) error) (model.Machine, error) {
	var m model.Machine
	err := scan(&m.ID, &m.AccountID, &m.Metadata, &m.MetadataVersion, &m.DaemonState,
		&m.DaemonStateVersion, &m.DataEncryptionKey, &m.Active, &m.LastActiveAt,
		&m.CreatedAt, &m.UpdatedAt)
	return m, err
}

// UpsertMachine registers a machine under the caller-chosen id, or returns
// the existing row. Machine ids are client-generated, so creation keys on
// (account, id) rather than a tag.
func (s *Store) UpsertMachine(ctx context.Context, accountID, machineID, metadata string, daemonState, dataEncryptionKey *string) (model.Machine, bool, error) {
	if machineID == "" {
		return model.Machine{}, false, errors.New("missing machineID")
	}

	var machine model.Machine
	var created bool
	err := s.db.RunInTransaction(ctx, func(tx *db.Tx) error {
		created = false
		existing, err := scanMachine(tx.QueryRow(machineColumns+` WHERE account_id = ? AND id = ?`, accountID, machineID).Scan)
		if err == nil {
			machine = existing
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
		daemonStateVersion := int64(0)
		if daemonState != nil {
			daemonStateVersion = 1
		}
		machine = model.Machine{
			ID:                 machineID,
			AccountID:          accountID,
			Metadata:           metadata,
			MetadataVersion:    metadataVersion,
			DaemonState:        daemonState,
			DaemonStateVersion: daemonStateVersion,
			DataEncryptionKey:  dataEncryptionKey,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		_, err = tx.Exec(
			`INSERT INTO machines (account_id, id, metadata, metadata_version, daemon_state, daemon_state_version,
				data_encryption_key, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			accountID, machineID, metadata, metadataVersion, daemonState, daemonStateVersion,
			dataEncryptionKey, now, now,
		)
		if err != nil {
			return err
		}
		created = true

		cursor, err := changes.Record(tx, changes.Change{
			AccountID: accountID,
			Kind:      changes.KindMachine,
			EntityID:  machineID,
		})
		if err != nil {
			return err
		}
		s.deferUpdate(tx, accountID, cursor, map[string]any{
			"t":         "new-machine",
			"machineId": machineID,
		}, push.UserScopedOnly(), "", now)
		return nil
	})
	if err != nil {
		return model.Machine{}, false, err
	}
	return machine, created, nil
}

func (s *Store) GetMachine(ctx context.Context, accountID, machineID string) (model.Machine, bool, error) {
	machine, err := scanMachine(s.db.QueryRowContext(ctx, machineColumns+` WHERE account_id = ? AND id = ?`, accountID, machineID).Scan)
	if err == sql.ErrNoRows {
		return model.Machine{}, false, nil
	}
	if err != nil {
		return model.Machine{}, false, err
	}
	return machine, true, nil
}

func (s *Store) ListMachines(ctx context.Context, accountID string) ([]model.Machine, error) {
	rows, err := s.db.QueryContext(ctx, machineColumns+` WHERE account_id = ? ORDER BY last_active_at DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]model.Machine, 0)
	for rows.Next() {
		machine, err := scanMachine(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, machine)
	}
	return result, rows.Err()
}

func (s *Store) UpdateMachineMetadata(ctx context.Context, accountID, machineID string, expectedVersion int64, metadata string, skipConnection string) (CASResult, error) {
	return s.casMachineField(ctx, accountID, machineID, "metadata", "metadata_version", expectedVersion, &metadata, skipConnection)
}

func (s *Store) UpdateMachineDaemonState(ctx context.Context, accountID, machineID string, expectedVersion int64, daemonState *string, skipConnection string) (CASResult, error) {
	return s.casMachineField(ctx, accountID, machineID, "daemon_state", "daemon_state_version", expectedVersion, daemonState, skipConnection)
}

func (s *Store) casMachineField(ctx context.Context, accountID, machineID, valueColumn, versionColumn string, expectedVersion int64, newValue *string, skipConnection string) (CASResult, error) {
	var result CASResult
	err := s.db.RunInTransaction(ctx, func(tx *db.Tx) error {
		now := nowMillis()
		var err error
		result, err = casUpdate(tx, casTarget{
			table:         "machines",
			valueColumn:   valueColumn,
			versionColumn: versionColumn,
			where:         "account_id = ? AND id = ?",
			args:          []any{accountID, machineID},
		}, expectedVersion, newValue, now)
		if err != nil || result.Status != StatusSuccess {
			return err
		}

		cursor, err := changes.Record(tx, changes.Change{
			AccountID: accountID,
			Kind:      changes.KindMachine,
			EntityID:  machineID,
		})
		if err != nil {
			return err
		}

		field := "metadata"
		if valueColumn == "daemon_state" {
			field = "daemonState"
		}
		s.deferUpdate(tx, accountID, cursor, map[string]any{
			"t":         "update-machine",
			"machineId": machineID,
			field: map[string]any{
				"version": result.Version,
				"value":   newValue,
			},
		}, push.MachineScopedOnly(machineID), skipConnection, now)
		return nil
	})
	if err != nil {
		return CASResult{}, err
	}
	return result, nil
}
