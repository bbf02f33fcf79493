package changes

import (
	"context"
	"fmt"
	"log"
	"time"

	"relaysync/internal/db"
)

// pruneTargets maps change kinds to the table their entityId references.
// Share changes are keyed by sessionId, so they resolve against sessions.
var pruneTargets = []struct {
	kind      string
	notExists string
}{
	{KindSession, `SELECT 1 FROM sessions s WHERE s.id = ac.entity_id`},
	{KindShare, `SELECT 1 FROM sessions s WHERE s.id = ac.entity_id`},
	{KindMachine, `SELECT 1 FROM machines m WHERE m.account_id = ac.account_id AND m.id = ac.entity_id`},
	{KindArtifact, `SELECT 1 FROM artifacts a WHERE a.account_id = ac.account_id AND a.id = ac.entity_id`},
}

type PruneResult struct {
	DeletedRows      int64
	AffectedAccounts int
}

type orphanGroup struct {
	kind      string
	accountID string
	maxCursor int64
}

// PruneOrphans deletes changelog rows whose referenced entity no longer
// exists and raises each affected account's prune floor, forcing clients
// behind it to resynchronize from a snapshot. Safe to run concurrently with
// ordinary writes and safe to re-run.
//
// The ordering is mandatory: scan, then delete bounded by the max orphan
// cursor observed at scan time, then raise the floor. Bounding the delete
// means a row that becomes orphaned after the scan survives until its own
// prune pass instead of racing this one.
func PruneOrphans(ctx context.Context, d *db.DB) (PruneResult, error) {
	var groups []orphanGroup
	for _, target := range pruneTargets {
		scanned, err := scanOrphans(ctx, d, target.kind, target.notExists)
		if err != nil {
			return PruneResult{}, err
		}
		groups = append(groups, scanned...)
	}

	result := PruneResult{}
	floorByAccount := make(map[string]int64)
	for _, g := range groups {
		deleted, err := d.ExecContext(ctx,
			`DELETE FROM account_changes AS ac
			 WHERE account_id = ? AND kind = ? AND cursor <= ?
			 AND NOT EXISTS (`+notExistsFor(g.kind)+`)`,
			g.accountID, g.kind, g.maxCursor,
		)
		if err != nil {
			return result, fmt.Errorf("changes: prune %s rows for account %s: %w", g.kind, g.accountID, err)
		}
		n, _ := deleted.RowsAffected()
		result.DeletedRows += n

		if g.maxCursor > floorByAccount[g.accountID] {
			floorByAccount[g.accountID] = g.maxCursor
		}
	}

	for accountID, floor := range floorByAccount {
		_, err := d.ExecContext(ctx,
			`UPDATE accounts SET changes_floor = MAX(changes_floor, ?) WHERE id = ?`,
			floor, accountID,
		)
		if err != nil {
			return result, fmt.Errorf("changes: raise floor for account %s: %w", accountID, err)
		}
	}
	result.AffectedAccounts = len(floorByAccount)
	return result, nil
}

func scanOrphans(ctx context.Context, d *db.DB, kind, notExists string) ([]orphanGroup, error) {
	rows, err := d.QueryContext(ctx,
		`SELECT ac.account_id, MAX(ac.cursor)
		 FROM account_changes ac
		 WHERE ac.kind = ? AND NOT EXISTS (`+notExists+`)
		 GROUP BY ac.account_id`,
		kind,
	)
	if err != nil {
		return nil, fmt.Errorf("changes: scan %s orphans: %w", kind, err)
	}
	defer rows.Close()

	var groups []orphanGroup
	for rows.Next() {
		g := orphanGroup{kind: kind}
		if err := rows.Scan(&g.accountID, &g.maxCursor); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func notExistsFor(kind string) string {
	for _, target := range pruneTargets {
		if target.kind == kind {
			return target.notExists
		}
	}
	panic("changes: unknown prune kind " + kind)
}

// Janitor runs PruneOrphans once at startup and then on a fixed interval.
type Janitor struct {
	db       *db.DB
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

func StartJanitor(d *db.DB, interval time.Duration) *Janitor {
	j := &Janitor{db: d, interval: interval, stop: make(chan struct{}), done: make(chan struct{})}
	go j.run()
	return j
}

func (j *Janitor) run() {
	defer close(j.done)
	j.runOnce("startup")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			j.runOnce("interval")
		case <-j.stop:
			return
		}
	}
}

func (j *Janitor) runOnce(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	result, err := PruneOrphans(ctx, j.db)
	if err != nil {
		log.Printf("change-janitor: prune failed (%s): %v", reason, err)
		return
	}
	log.Printf("change-janitor: pruned %d rows across %d accounts (%s)", result.DeletedRows, result.AffectedAccounts, reason)
}

func (j *Janitor) Stop() {
	close(j.stop)
	<-j.done
}
