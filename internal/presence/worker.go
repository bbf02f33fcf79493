package presence

import (
	"context"
	"log"
	"time"

	"relaysync/internal/stream"
)

const (
	// Group is shared by every instance's worker; each consumer inside it
	// is named by a stable per-instance identifier so restarts resume the
	// correct pending-entries list.
	Group = "presence-worker"

	defaultReadCount    = 200
	defaultBlockTimeout = 5 * time.Second
	defaultReclaimIdle  = time.Minute
)

// Worker consumes heartbeats from the durable stream and flushes them into
// the relational store. Entries are acknowledged only after a successful
// flush: a crash between flush and ack leaves them pending, to be reclaimed
// and re-flushed by another consumer (the flush is idempotent, so replays
// are safe).
type Worker struct {
	Stream   *stream.Stream
	Flusher  Flusher
	Consumer string

	ReadCount    int
	BlockTimeout time.Duration
	ReclaimIdle  time.Duration

	batcher       *Batcher
	lastReclaimAt time.Time
}

func NewWorker(s *stream.Stream, flusher Flusher, consumer string) *Worker {
	return &Worker{
		Stream:       s,
		Flusher:      flusher,
		Consumer:     consumer,
		ReadCount:    defaultReadCount,
		BlockTimeout: defaultBlockTimeout,
		ReclaimIdle:  defaultReclaimIdle,
		batcher:      NewBatcher(),
	}
}

// Run loops until the context is cancelled. The blocking stream read is
// bounded, so shutdown signals are observed promptly.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Stream.EnsureGroup(ctx, Group); err != nil {
		return err
	}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := w.ProcessOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("presence-worker: %v", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
	}
}

// ProcessOnce performs a single reclaim/read/flush/ack pass.
func (w *Worker) ProcessOnce(ctx context.Context) error {
	var ackIDs []int64

	if time.Since(w.lastReclaimAt) >= w.ReclaimIdle {
		w.lastReclaimAt = time.Now()
		claimed, err := w.Stream.AutoClaim(ctx, Group, w.Consumer, w.ReclaimIdle, w.ReadCount)
		if err != nil {
			// Reclaim is best-effort; the read path below still makes
			// progress.
			log.Printf("presence-worker: reclaim failed: %v", err)
		} else {
			ackIDs = append(ackIDs, w.batchEntries(claimed)...)
		}
	}

	entries, err := w.Stream.ReadGroup(ctx, Group, w.Consumer, w.ReadCount, w.BlockTimeout)
	if err != nil {
		return err
	}
	ackIDs = append(ackIDs, w.batchEntries(entries)...)

	if len(ackIDs) == 0 {
		return nil
	}

	batch := w.batcher.Snapshot()
	if err := w.Flusher.FlushPresence(ctx, batch); err != nil {
		// Leave the entries pending; they will be re-flushed here or, if
		// this process dies, reclaimed by another consumer.
		return err
	}
	w.batcher.Commit(batch)

	return w.Stream.Ack(ctx, Group, ackIDs...)
}

func (w *Worker) batchEntries(entries []stream.Entry) []int64 {
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		// Malformed entries are acknowledged and dropped.
		ids = append(ids, e.ID)
		hb, ok := decodeHeartbeat(e.Payload)
		if !ok {
			continue
		}
		switch hb.Kind {
		case KindSession:
			w.batcher.RecordSessionAlive(hb.ID, hb.AccountID, hb.Timestamp)
		case KindMachine:
			w.batcher.RecordMachineAlive(hb.AccountID, hb.ID, hb.Timestamp)
		}
	}
	return ids
}
