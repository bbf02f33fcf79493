package presence

import (
	"context"
	"encoding/json"
	"log"
)

const (
	KindSession = "session"
	KindMachine = "machine"
)

// Heartbeat is the durable stream entry shape for cross-instance
// propagation.
type Heartbeat struct {
	Kind      string `json:"kind"`
	ID        string `json:"id"`
	Timestamp int64  `json:"ts"`
	AccountID string `json:"accountId"`
}

type Publisher interface {
	PublishAlive(ctx context.Context, hb Heartbeat) error
}

// Flusher applies presence updates to the relational store. Implementations
// must be idempotent set-if-newer writes so that replays are safe.
type Flusher interface {
	FlushPresence(ctx context.Context, batch Batch) error
}

// Recorder accepts raw heartbeat signals, debounces them through the
// activity cache, and forwards the survivors either onto the durable stream
// (multi-instance deployments) or straight into the store.
type Recorder struct {
	cache     *ActivityCache
	publisher Publisher
	flusher   Flusher
}

// NewRecorder builds a recorder. publisher may be nil, in which case
// heartbeats are flushed directly to the store.
func NewRecorder(cache *ActivityCache, publisher Publisher, flusher Flusher) *Recorder {
	return &Recorder{cache: cache, publisher: publisher, flusher: flusher}
}

func (r *Recorder) RecordSessionAlive(ctx context.Context, accountID, sessionID string, ts int64) {
	if !r.cache.QueueSessionUpdate(sessionID, accountID, ts) {
		return
	}
	hb := Heartbeat{Kind: KindSession, ID: sessionID, Timestamp: ts, AccountID: accountID}
	if err := r.deliver(ctx, hb); err != nil {
		// Do not advance the sent watermark: the entry stays eligible for
		// retry on the next heartbeat instead of being silently lost.
		log.Printf("presence-recorder: session alive publish failed: %v", err)
		return
	}
	r.cache.MarkSessionUpdateSent(sessionID, accountID, ts)
}

func (r *Recorder) RecordMachineAlive(ctx context.Context, accountID, machineID string, ts int64) {
	if !r.cache.QueueMachineUpdate(machineID, accountID, ts) {
		return
	}
	hb := Heartbeat{Kind: KindMachine, ID: machineID, Timestamp: ts, AccountID: accountID}
	if err := r.deliver(ctx, hb); err != nil {
		log.Printf("presence-recorder: machine alive publish failed: %v", err)
		return
	}
	r.cache.MarkMachineUpdateSent(machineID, accountID, ts)
}

func (r *Recorder) deliver(ctx context.Context, hb Heartbeat) error {
	if r.publisher != nil {
		return r.publisher.PublishAlive(ctx, hb)
	}
	batch := Batch{}
	switch hb.Kind {
	case KindSession:
		batch.Sessions = []SessionAlive{{SessionID: hb.ID, AccountID: hb.AccountID, Timestamp: hb.Timestamp}}
	case KindMachine:
		batch.Machines = []MachineAlive{{AccountID: hb.AccountID, MachineID: hb.ID, Timestamp: hb.Timestamp}}
	}
	return r.flusher.FlushPresence(ctx, batch)
}

func decodeHeartbeat(payload []byte) (Heartbeat, bool) {
	var hb Heartbeat
	if err := json.Unmarshal(payload, &hb); err != nil {
		return Heartbeat{}, false
	}
	if hb.ID == "" || hb.Timestamp <= 0 {
		return Heartbeat{}, false
	}
	if hb.Kind != KindSession && hb.Kind != KindMachine {
		return Heartbeat{}, false
	}
	if hb.Kind == KindMachine && hb.AccountID == "" {
		return Heartbeat{}, false
	}
	return hb, true
}
