package db

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"github.com/mattn/go-sqlite3"
)

const (
	txTimeout       = 10 * time.Second
	txMaxRetries    = 3
	txRetryBackoff  = 100 * time.Millisecond
	defaultTxLogTag = "db"
)

// Tx is a transaction handle created by RunInTransaction. Side effects with
// external visibility (push notifications) must not run inside the
// transaction; register them with DeferAfterCommit instead.
type Tx struct {
	*sql.Tx

	active      bool
	afterCommit []func()
}

// DeferAfterCommit registers a callback to run once, after the transaction
// commits, in registration order. Callback errors are logged and swallowed:
// a failed notification never invalidates a successful write.
//
// Calling this outside an active RunInTransaction scope is a programming
// error and panics.
func DeferAfterCommit(tx *Tx, callback func()) {
	if tx == nil || !tx.active {
		panic("db: DeferAfterCommit called outside RunInTransaction")
	}
	tx.afterCommit = append(tx.afterCommit, callback)
}

// RunInTransaction executes fn against a transaction handle and returns only
// after the transaction commits (or fails). On a serialization conflict the
// whole transaction, including deferred registrations, is retried up to 3
// times with linear backoff; all other errors roll back and propagate.
func (d *DB) RunInTransaction(ctx context.Context, fn func(tx *Tx) error) error {
	for attempt := 0; ; attempt++ {
		err := d.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if isSerializationConflict(err) && attempt < txMaxRetries {
			select {
			case <-time.After(time.Duration(attempt+1) * txRetryBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		return err
	}
}

func (d *DB) runOnce(ctx context.Context, fn func(tx *Tx) error) error {
	txCtx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()

	raw, err := d.sql.BeginTx(txCtx, nil)
	if err != nil {
		return err
	}

	tx := &Tx{Tx: raw, active: true}
	if err := fn(tx); err != nil {
		tx.active = false
		_ = raw.Rollback()
		return err
	}
	if err := raw.Commit(); err != nil {
		tx.active = false
		_ = raw.Rollback()
		return err
	}
	tx.active = false

	for _, callback := range tx.afterCommit {
		runCallback(callback)
	}
	return nil
}

func runCallback(callback func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("%s: after-commit callback panicked: %v", defaultTxLogTag, r)
		}
	}()
	callback()
}

func isSerializationConflict(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}
