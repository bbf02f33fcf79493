// Package store implements the entity operations behind the HTTP and socket
// surfaces. Every mutation runs inside a transaction, records an account
// change (allocating the cursor the pull API will serve), and defers its
// push notification to after commit.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"relaysync/internal/changes"
	"relaysync/internal/db"
	"relaysync/internal/model"
	"relaysync/internal/push"
)

type Store struct {
	db     *db.DB
	router *push.Router
}

func New(d *db.DB, router *push.Router) *Store {
	return &Store{db: d, router: router}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// deferUpdate schedules a durable update emission for after the enclosing
// transaction commits. The envelope seq is the cursor allocated by the
// change recorder inside the same transaction.
func (s *Store) deferUpdate(tx *db.Tx, accountID string, cursor int64, body map[string]any, filter push.RecipientFilter, skipConnection string, now int64) {
	envelope := push.UpdateEnvelope{
		ID:        uuid.NewString(),
		Seq:       cursor,
		Body:      body,
		CreatedAt: now,
	}
	db.DeferAfterCommit(tx, func() {
		s.router.EmitUpdate(accountID, envelope, filter, skipConnection)
	})
}

func (s *Store) GetOrCreateAccount(ctx context.Context, publicKey string) (model.Account, bool, error) {
	if publicKey == "" {
		return model.Account{}, false, errors.New("missing public key")
	}

	var account model.Account
	var created bool
	err := s.db.RunInTransaction(ctx, func(tx *db.Tx) error {
		created = false
		existing, ok, err := scanAccount(tx.QueryRow(accountColumns+` WHERE public_key = ?`, publicKey))
		if err != nil {
			return err
		}
		if ok {
			account = existing
			return nil
		}

		now := nowMillis()
		account = model.Account{
			ID:        uuid.NewString(),
			PublicKey: publicKey,
			CreatedAt: now,
			UpdatedAt: now,
		}
		_, err = tx.Exec(
			`INSERT INTO accounts (id, public_key, created_at, updated_at) VALUES (?, ?, ?, ?)`,
			account.ID, account.PublicKey, now, now,
		)
		if err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return model.Account{}, false, err
	}
	return account, created, nil
}

const accountColumns = `SELECT id, public_key, seq, changes_floor, settings, settings_version, created_at, updated_at FROM accounts`

func (s *Store) GetAccount(ctx context.Context, accountID string) (model.Account, bool, error) {
	return scanAccount(s.db.QueryRowContext(ctx, accountColumns+` WHERE id = ?`, accountID))
}

func scanAccount(row *sql.Row) (model.Account, bool, error) {
	var a model.Account
	err := row.Scan(&a.ID, &a.PublicKey, &a.Seq, &a.ChangesFloor, &a.Settings, &a.SettingsVersion, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return model.Account{}, false, nil
	}
	if err != nil {
		return model.Account{}, false, err
	}
	return a, true, nil
}

// UpdateAccountSettings is the CAS route for the account's settings blob.
func (s *Store) UpdateAccountSettings(ctx context.Context, accountID string, expectedVersion int64, settings string) (CASResult, error) {
	var result CASResult
	err := s.db.RunInTransaction(ctx, func(tx *db.Tx) error {
		now := nowMillis()
		var err error
		result, err = casUpdate(tx, casTarget{
			table:         "accounts",
			valueColumn:   "settings",
			versionColumn: "settings_version",
			where:         "id = ?",
			args:          []any{accountID},
		}, expectedVersion, &settings, now)
		if err != nil || result.Status != StatusSuccess {
			return err
		}

		cursor, err := changes.Record(tx, changes.Change{
			AccountID: accountID,
			Kind:      changes.KindAccount,
			EntityID:  accountID,
		})
		if err != nil {
			return err
		}
		s.deferUpdate(tx, accountID, cursor, map[string]any{
			"t": "update-account",
			"settings": map[string]any{
				"version": result.Version,
				"value":   settings,
			},
		}, push.UserScopedOnly(), "", now)
		return nil
	})
	if err != nil {
		return CASResult{}, err
	}
	return result, nil
}

// ListChanges serves the pull feed: rows after the given cursor, ordered by
// (cursor, kind, entityId).
func (s *Store) ListChanges(ctx context.Context, accountID string, after int64, limit int) ([]model.AccountChange, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT account_id, kind, entity_id, cursor, changed_at, hint
		 FROM account_changes
		 WHERE account_id = ? AND cursor > ?
		 ORDER BY cursor ASC, kind ASC, entity_id ASC
		 LIMIT ?`,
		accountID, after, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]model.AccountChange, 0)
	for rows.Next() {
		var c model.AccountChange
		var hint sql.NullString
		if err := rows.Scan(&c.AccountID, &c.Kind, &c.EntityID, &c.Cursor, &c.ChangedAt, &hint); err != nil {
			return nil, err
		}
		if hint.Valid {
			c.Hint = []byte(hint.String)
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (s *Store) GetAuthRequest(ctx context.Context, publicKey string) (model.AuthRequest, bool, error) {
	var r model.AuthRequest
	err := s.db.QueryRowContext(ctx,
		`SELECT id, public_key, supports_v2, response, response_account_id, token, created_at, updated_at
		 FROM auth_requests WHERE public_key = ?`,
		publicKey,
	).Scan(&r.ID, &r.PublicKey, &r.SupportsV2, &r.Response, &r.ResponseAccountID, &r.Token, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return model.AuthRequest{}, false, nil
	}
	if err != nil {
		return model.AuthRequest{}, false, err
	}
	return r, true, nil
}

func (s *Store) UpsertAuthRequest(ctx context.Context, publicKey string, supportsV2 bool) (model.AuthRequest, error) {
	var result model.AuthRequest
	err := s.db.RunInTransaction(ctx, func(tx *db.Tx) error {
		now := nowMillis()
		var existing model.AuthRequest
		ok := true
		err := tx.QueryRow(
			`SELECT id, public_key, supports_v2, response, response_account_id, token, created_at, updated_at
			 FROM auth_requests WHERE public_key = ?`,
			publicKey,
		).Scan(&existing.ID, &existing.PublicKey, &existing.SupportsV2, &existing.Response,
			&existing.ResponseAccountID, &existing.Token, &existing.CreatedAt, &existing.UpdatedAt)
		if err == sql.ErrNoRows {
			ok = false
		} else if err != nil {
			return err
		}
		if ok {
			existing.SupportsV2 = existing.SupportsV2 || supportsV2
			existing.UpdatedAt = now
			_, err = tx.Exec(
				`UPDATE auth_requests SET supports_v2 = ?, updated_at = ? WHERE public_key = ?`,
				existing.SupportsV2, now, publicKey,
			)
			result = existing
			return err
		}

		result = model.AuthRequest{
			ID:         uuid.NewString(),
			PublicKey:  publicKey,
			SupportsV2: supportsV2,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		_, err = tx.Exec(
			`INSERT INTO auth_requests (public_key, id, supports_v2, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			publicKey, result.ID, supportsV2, now, now,
		)
		return err
	})
	if err != nil {
		return model.AuthRequest{}, err
	}
	return result, nil
}

func (s *Store) AuthorizeAuthRequest(ctx context.Context, publicKey, response, responseAccountID, token string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE auth_requests SET response = ?, response_account_id = ?, token = ?, updated_at = ?
		 WHERE public_key = ?`,
		response, responseAccountID, token, nowMillis(), publicKey,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
