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

var (
	errAccountNotFound  = errors.New("account not found")
	errSelfRelationship = errors.New("cannot friend yourself")
)

func IsAccountNotFound(err error) bool {
	return errors.Is(err, errAccountNotFound)
}

func (s *Store) GetRelationship(ctx context.Context, accountID, otherID string) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM relationships WHERE account_id = ? AND other_id = ?`,
		accountID, otherID,
	).Scan(&status)
	if err == sql.ErrNoRows {
		return model.RelationshipNone, nil
	}
	if err != nil {
		return "", err
	}
	return status, nil
}

func (s *Store) ListRelationships(ctx context.Context, accountID string) ([]model.Relationship, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT account_id, other_id, status, created_at, updated_at
		 FROM relationships WHERE account_id = ? ORDER BY updated_at DESC`,
		accountID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]model.Relationship, 0)
	for rows.Next() {
		var r model.Relationship
		if err := rows.Scan(&r.AccountID, &r.OtherID, &r.Status, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// RequestFriend moves the pair toward friendship. A fresh request leaves the
// caller at "requested" and the target at "pending"; requesting someone who
// already requested the caller completes the handshake on both sides.
func (s *Store) RequestFriend(ctx context.Context, accountID, otherID string) (string, error) {
	if accountID == otherID {
		return "", errSelfRelationship
	}

	var status string
	err := s.db.RunInTransaction(ctx, func(tx *db.Tx) error {
		var exists int
		if err := tx.QueryRow(`SELECT COUNT(1) FROM accounts WHERE id = ?`, otherID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return errAccountNotFound
		}

		mine, err := relationshipStatus(tx, accountID, otherID)
		if err != nil {
			return err
		}
		switch mine {
		case model.RelationshipFriend, model.RelationshipRequested:
			// Idempotent: nothing to change.
			status = mine
			return nil
		case model.RelationshipPending:
			// The other side asked first; this request is an acceptance.
			return s.becomeFriends(tx, accountID, otherID, &status)
		}

		now := nowMillis()
		if err := setRelationship(tx, accountID, otherID, model.RelationshipRequested, now); err != nil {
			return err
		}
		if err := setRelationship(tx, otherID, accountID, model.RelationshipPending, now); err != nil {
			return err
		}
		status = model.RelationshipRequested

		// The requester sees a friends-list change; the target additionally
		// gets a friend_request marker so clients can surface the ask.
		if err := s.recordFriendChange(tx, accountID, otherID, changes.KindFriends, now); err != nil {
			return err
		}
		if err := s.recordFriendChange(tx, otherID, accountID, changes.KindFriends, now); err != nil {
			return err
		}
		return s.recordFriendChange(tx, otherID, accountID, changes.KindFriendRequest, now)
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

// AcceptFriend completes a pending request. Accepting with no pending
// request is a no-op reported through the returned status.
func (s *Store) AcceptFriend(ctx context.Context, accountID, otherID string) (string, error) {
	if accountID == otherID {
		return "", errSelfRelationship
	}

	var status string
	err := s.db.RunInTransaction(ctx, func(tx *db.Tx) error {
		mine, err := relationshipStatus(tx, accountID, otherID)
		if err != nil {
			return err
		}
		if mine != model.RelationshipPending {
			status = mine
			return nil
		}
		return s.becomeFriends(tx, accountID, otherID, &status)
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

// RemoveFriend severs the pair in either direction, whether the state was a
// full friendship or an unanswered request.
func (s *Store) RemoveFriend(ctx context.Context, accountID, otherID string) (string, error) {
	var status string
	err := s.db.RunInTransaction(ctx, func(tx *db.Tx) error {
		mine, err := relationshipStatus(tx, accountID, otherID)
		if err != nil {
			return err
		}
		status = model.RelationshipNone
		if mine == model.RelationshipNone {
			return nil
		}

		now := nowMillis()
		if _, err := tx.Exec(`DELETE FROM relationships WHERE account_id = ? AND other_id = ?`, accountID, otherID); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM relationships WHERE account_id = ? AND other_id = ?`, otherID, accountID); err != nil {
			return err
		}
		if err := s.recordFriendChange(tx, accountID, otherID, changes.KindFriends, now); err != nil {
			return err
		}
		return s.recordFriendChange(tx, otherID, accountID, changes.KindFriends, now)
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

func (s *Store) becomeFriends(tx *db.Tx, accountID, otherID string, status *string) error {
	now := nowMillis()
	if err := setRelationship(tx, accountID, otherID, model.RelationshipFriend, now); err != nil {
		return err
	}
	if err := setRelationship(tx, otherID, accountID, model.RelationshipFriend, now); err != nil {
		return err
	}
	*status = model.RelationshipFriend

	if err := s.recordFriendChange(tx, accountID, otherID, changes.KindFriends, now); err != nil {
		return err
	}
	if err := s.recordFriendChange(tx, otherID, accountID, changes.KindFriends, now); err != nil {
		return err
	}
	// The original requester learns their ask was granted.
	return s.recordFriendChange(tx, otherID, accountID, changes.KindFriendAccepted, now)
}

func relationshipStatus(tx *db.Tx, accountID, otherID string) (string, error) {
	var status string
	err := tx.QueryRow(
		`SELECT status FROM relationships WHERE account_id = ? AND other_id = ?`,
		accountID, otherID,
	).Scan(&status)
	if err == sql.ErrNoRows {
		return model.RelationshipNone, nil
	}
	if err != nil {
		return "", err
	}
	return status, nil
}

func setRelationship(tx *db.Tx, accountID, otherID, status string, now int64) error {
	_, err := tx.Exec(
		`INSERT INTO relationships (account_id, other_id, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (account_id, other_id)
		 DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		accountID, otherID, status, now, now,
	)
	return err
}

// recordFriendChange records a relationship change on forAccount's changelog
// (entity = the other account) and pushes it to that account's general
// connections after commit.
func (s *Store) recordFriendChange(tx *db.Tx, forAccount, aboutAccount, kind string, now int64) error {
	cursor, err := changes.Record(tx, changes.Change{
		AccountID: forAccount,
		Kind:      kind,
		EntityID:  aboutAccount,
	})
	if err != nil {
		return err
	}
	s.deferUpdate(tx, forAccount, cursor, map[string]any{
		"t":   "relationship-updated",
		"uid": aboutAccount,
	}, push.UserScopedOnly(), "", now)
	return nil
}

// PostFeedItem appends a feed item using the account's dedicated feed
// counter, which is independent of the change cursor.
func (s *Store) PostFeedItem(ctx context.Context, accountID, body string) (model.FeedItem, error) {
	var item model.FeedItem
	err := s.db.RunInTransaction(ctx, func(tx *db.Tx) error {
		now := nowMillis()

		var counter int64
		err := tx.QueryRow(
			`UPDATE accounts SET feed_seq = feed_seq + 1, updated_at = ? WHERE id = ? RETURNING feed_seq`,
			now, accountID,
		).Scan(&counter)
		if err == sql.ErrNoRows {
			return errAccountNotFound
		}
		if err != nil {
			return err
		}

		item = model.FeedItem{
			ID:        uuid.NewString(),
			AccountID: accountID,
			Body:      body,
			Counter:   counter,
			CreatedAt: now,
		}
		_, err = tx.Exec(
			`INSERT INTO feed_items (id, account_id, body, counter, created_at) VALUES (?, ?, ?, ?, ?)`,
			item.ID, accountID, body, counter, now,
		)
		if err != nil {
			return err
		}

		cursor, err := changes.Record(tx, changes.Change{
			AccountID: accountID,
			Kind:      changes.KindFeed,
			EntityID:  item.ID,
		})
		if err != nil {
			return err
		}
		s.deferUpdate(tx, accountID, cursor, map[string]any{
			"t":  "new-feed-item",
			"id": item.ID,
		}, push.UserScopedOnly(), "", now)
		return nil
	})
	if err != nil {
		return model.FeedItem{}, err
	}
	return item, nil
}

// ListFeed pages backwards: items with counter strictly below before,
// newest first. A before of 0 starts from the top.
func (s *Store) ListFeed(ctx context.Context, accountID string, before int64, limit int) ([]model.FeedItem, error) {
	if limit <= 0 {
		limit = 50
	}
	if before <= 0 {
		before = int64(1) << 62
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, body, counter, created_at FROM feed_items
		 WHERE account_id = ? AND counter < ? ORDER BY counter DESC LIMIT ?`,
		accountID, before, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]model.FeedItem, 0)
	for rows.Next() {
		var item model.FeedItem
		if err := rows.Scan(&item.ID, &item.AccountID, &item.Body, &item.Counter, &item.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, item)
	}
	return result, rows.Err()
}
