package store

import (
	"database/sql"

	"relaysync/internal/db"
)

// CAS outcome statuses. Version mismatch is a normal, expected outcome
// surfaced as data, never as an error.
const (
	StatusSuccess         = "success"
	StatusVersionMismatch = "version-mismatch"
	StatusNotFound        = "not-found"
	StatusError           = "error"
)

// CASResult reports a compare-and-swap outcome. On version-mismatch,
// Version and Value carry the authoritative current state (never the
// caller's rejected attempt) so the caller can merge and retry.
type CASResult struct {
	Status  string
	Version int64
	Value   *string
}

type casTarget struct {
	table         string
	valueColumn   string
	versionColumn string
	where         string
	args          []any
}

// casUpdate is the version-gated read-modify-write shared by every mutable
// field. It reads the current (value, version) pair, rejects on a version
// mismatch, and performs a conditional update filtered by the same expected
// version to defend against a concurrent writer that slipped in between the
// read and the write. Rejection has no side effects.
func casUpdate(tx *db.Tx, target casTarget, expectedVersion int64, newValue *string, now int64) (CASResult, error) {
	current, version, found, err := casRead(tx, target)
	if err != nil {
		return CASResult{}, err
	}
	if !found {
		return CASResult{Status: StatusNotFound}, nil
	}
	if version != expectedVersion {
		return CASResult{Status: StatusVersionMismatch, Version: version, Value: current}, nil
	}

	res, err := tx.Exec(
		`UPDATE `+target.table+
			` SET `+target.valueColumn+` = ?, `+target.versionColumn+` = `+target.versionColumn+` + 1, updated_at = ?`+
			` WHERE `+target.where+` AND `+target.versionColumn+` = ?`,
		append(append([]any{newValue, now}, target.args...), expectedVersion)...,
	)
	if err != nil {
		return CASResult{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return CASResult{}, err
	}
	if affected == 0 {
		// Raced: the version moved between our read and write. Re-read and
		// report the fresh state; if the row vanished entirely there is no
		// current state to report.
		current, version, found, err = casRead(tx, target)
		if err != nil {
			return CASResult{}, err
		}
		if !found {
			return CASResult{Status: StatusError}, nil
		}
		return CASResult{Status: StatusVersionMismatch, Version: version, Value: current}, nil
	}

	return CASResult{Status: StatusSuccess, Version: expectedVersion + 1, Value: newValue}, nil
}

func casRead(tx *db.Tx, target casTarget) (*string, int64, bool, error) {
	var value sql.NullString
	var version int64
	err := tx.QueryRow(
		`SELECT `+target.valueColumn+`, `+target.versionColumn+` FROM `+target.table+` WHERE `+target.where,
		target.args...,
	).Scan(&value, &version)
	if err == sql.ErrNoRows {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	if !value.Valid {
		return nil, version, true, nil
	}
	v := value.String
	return &v, version, true, nil
}
