// Package stream implements a durable, length-capped, append-only stream
// with named consumer groups on top of the relational store. Entries are
// delivered at-least-once: a group tracks its last delivered id, delivered
// entries sit on a pending list until acknowledged, and entries abandoned
// by a dead consumer can be claimed by another one.
package stream

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"relaysync/internal/db"
)

const (
	defaultPollInterval = 100 * time.Millisecond
	trimCheckEvery      = 64
)

type Stream struct {
	db   *db.DB
	name string

	// maxLen caps the stream with approximate trimming; 0 disables it.
	maxLen int64

	pollInterval  time.Duration
	addsSinceTrim int64
}

type Entry struct {
	ID      int64
	Payload []byte
}

func New(d *db.DB, name string, maxLen int64) *Stream {
	return &Stream{db: d, name: name, maxLen: maxLen, pollInterval: defaultPollInterval}
}

// Add appends an entry and returns its id. Trimming is approximate: the cap
// is enforced only every few appends, so the stream may briefly exceed it.
func (s *Stream) Add(ctx context.Context, payload []byte) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO stream_entries (stream, payload, added_at) VALUES (?, ?, ?)`,
		s.name, string(payload), time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("stream %s: add: %w", s.name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if s.maxLen > 0 {
		s.addsSinceTrim++
		if s.addsSinceTrim >= trimCheckEvery {
			s.addsSinceTrim = 0
			if err := s.trim(ctx); err != nil {
				return id, err
			}
		}
	}
	return id, nil
}

func (s *Stream) trim(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM stream_entries
		 WHERE stream = ? AND id NOT IN (
			SELECT id FROM stream_entries WHERE stream = ? ORDER BY id DESC LIMIT ?
		 )`,
		s.name, s.name, s.maxLen,
	)
	if err != nil {
		return fmt.Errorf("stream %s: trim: %w", s.name, err)
	}
	return nil
}

// EnsureGroup creates the consumer group if it does not exist. A new group
// starts at the current end of the stream.
func (s *Stream) EnsureGroup(ctx context.Context, group string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stream_groups (stream, grp, last_delivered_id)
		 SELECT ?, ?, COALESCE(MAX(id), 0) FROM stream_entries WHERE stream = ?
		 ON CONFLICT (stream, grp) DO NOTHING`,
		s.name, group, s.name,
	)
	if err != nil {
		return fmt.Errorf("stream %s: ensure group %s: %w", s.name, group, err)
	}
	return nil
}

// ReadGroup delivers up to count new entries to the named consumer, marking
// them pending. When no entries are available it blocks up to the given
// timeout, polling, and returns an empty batch on expiry. The bounded block
// keeps shutdown responsive.
func (s *Stream) ReadGroup(ctx context.Context, group, consumer string, count int, block time.Duration) ([]Entry, error) {
	deadline := time.Now().Add(block)
	for {
		entries, err := s.readNew(ctx, group, consumer, count)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			return entries, nil
		}
		if block <= 0 || !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.pollInterval):
		}
	}
}

func (s *Stream) readNew(ctx context.Context, group, consumer string, count int) ([]Entry, error) {
	var entries []Entry
	err := s.db.RunInTransaction(ctx, func(tx *db.Tx) error {
		entries = entries[:0]

		var lastDelivered int64
		err := tx.QueryRow(
			`SELECT last_delivered_id FROM stream_groups WHERE stream = ? AND grp = ?`,
			s.name, group,
		).Scan(&lastDelivered)
		if err == sql.ErrNoRows {
			return fmt.Errorf("stream %s: no such consumer group %s", s.name, group)
		}
		if err != nil {
			return err
		}

		rows, err := tx.Query(
			`SELECT id, payload FROM stream_entries
			 WHERE stream = ? AND id > ? ORDER BY id LIMIT ?`,
			s.name, lastDelivered, count,
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var e Entry
			var payload string
			if err := rows.Scan(&e.ID, &payload); err != nil {
				return err
			}
			e.Payload = []byte(payload)
			entries = append(entries, e)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}

		now := time.Now().UnixMilli()
		for _, e := range entries {
			if _, err := tx.Exec(
				`INSERT INTO stream_pending (stream, grp, entry_id, consumer, delivered_at, delivery_count)
				 VALUES (?, ?, ?, ?, ?, 1)`,
				s.name, group, e.ID, consumer, now,
			); err != nil {
				return err
			}
		}
		_, err = tx.Exec(
			`UPDATE stream_groups SET last_delivered_id = ? WHERE stream = ? AND grp = ?`,
			entries[len(entries)-1].ID, s.name, group,
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Ack removes acknowledged entries from the group's pending list.
func (s *Stream) Ack(ctx context.Context, group string, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+2)
	args = append(args, s.name, group)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM stream_pending WHERE stream = ? AND grp = ? AND entry_id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("stream %s: ack: %w", s.name, err)
	}
	return nil
}

// AutoClaim transfers pending entries idle for at least minIdle to the
// given consumer and redelivers them. Pending entries whose payload was
// trimmed away are dropped from the pending list.
func (s *Stream) AutoClaim(ctx context.Context, group, consumer string, minIdle time.Duration, count int) ([]Entry, error) {
	var entries []Entry
	err := s.db.RunInTransaction(ctx, func(tx *db.Tx) error {
		entries = entries[:0]
		now := time.Now().UnixMilli()
		cutoff := now - minIdle.Milliseconds()

		rows, err := tx.Query(
			`SELECT p.entry_id, e.payload
			 FROM stream_pending p
			 LEFT JOIN stream_entries e ON e.stream = p.stream AND e.id = p.entry_id
			 WHERE p.stream = ? AND p.grp = ? AND p.delivered_at <= ?
			 ORDER BY p.entry_id LIMIT ?`,
			s.name, group, cutoff, count,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		var trimmed []int64
		for rows.Next() {
			var id int64
			var payload sql.NullString
			if err := rows.Scan(&id, &payload); err != nil {
				return err
			}
			if !payload.Valid {
				trimmed = append(trimmed, id)
				continue
			}
			entries = append(entries, Entry{ID: id, Payload: []byte(payload.String)})
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range trimmed {
			if _, err := tx.Exec(
				`DELETE FROM stream_pending WHERE stream = ? AND grp = ? AND entry_id = ?`,
				s.name, group, id,
			); err != nil {
				return err
			}
		}
		for _, e := range entries {
			if _, err := tx.Exec(
				`UPDATE stream_pending
				 SET consumer = ?, delivered_at = ?, delivery_count = delivery_count + 1
				 WHERE stream = ? AND grp = ? AND entry_id = ?`,
				consumer, now, s.name, group, e.ID,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("stream %s: auto-claim: %w", s.name, err)
	}
	return entries, nil
}

// PendingCount reports the number of unacknowledged entries for a group.
func (s *Stream) PendingCount(ctx context.Context, group string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM stream_pending WHERE stream = ? AND grp = ?`,
		s.name, group,
	).Scan(&n)
	return n, err
}

// Len reports the number of entries currently retained.
func (s *Stream) Len(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM stream_entries WHERE stream = ?`,
		s.name,
	).Scan(&n)
	return n, err
}
