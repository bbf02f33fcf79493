package presence

import "sync"

type SessionAlive struct {
	SessionID string
	AccountID string
	Timestamp int64
}

type MachineAlive struct {
	AccountID string
	MachineID string
	Timestamp int64
}

type Batch struct {
	Sessions []SessionAlive
	Machines []MachineAlive
}

// Batcher coalesces heartbeats between flushes, keeping only the newest
// timestamp per entity. Commit removes exactly the snapshotted values, so a
// heartbeat recorded while a flush was in flight survives into the next
// batch.
type Batcher struct {
	mu       sync.Mutex
	sessions map[string]SessionAlive
	machines map[string]MachineAlive
}

func NewBatcher() *Batcher {
	return &Batcher{
		sessions: make(map[string]SessionAlive),
		machines: make(map[string]MachineAlive),
	}
}

func (b *Batcher) RecordSessionAlive(sessionID, accountID string, ts int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := sessionKey(sessionID, accountID)
	if existing, ok := b.sessions[key]; ok && existing.Timestamp >= ts {
		return
	}
	b.sessions[key] = SessionAlive{SessionID: sessionID, AccountID: accountID, Timestamp: ts}
}

func (b *Batcher) RecordMachineAlive(accountID, machineID string, ts int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := sessionKey(machineID, accountID)
	if existing, ok := b.machines[key]; ok && existing.Timestamp >= ts {
		return
	}
	b.machines[key] = MachineAlive{AccountID: accountID, MachineID: machineID, Timestamp: ts}
}

func (b *Batcher) Snapshot() Batch {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch := Batch{
		Sessions: make([]SessionAlive, 0, len(b.sessions)),
		Machines: make([]MachineAlive, 0, len(b.machines)),
	}
	for _, s := range b.sessions {
		batch.Sessions = append(batch.Sessions, s)
	}
	for _, m := range b.machines {
		batch.Machines = append(batch.Machines, m)
	}
	return batch
}

// Commit drops entries that are still at their snapshotted timestamp.
func (b *Batcher) Commit(batch Batch) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range batch.Sessions {
		key := sessionKey(s.SessionID, s.AccountID)
		if current, ok := b.sessions[key]; ok && current.Timestamp == s.Timestamp {
			delete(b.sessions, key)
		}
	}
	for _, m := range batch.Machines {
		key := sessionKey(m.MachineID, m.AccountID)
		if current, ok := b.machines[key]; ok && current.Timestamp == m.Timestamp {
			delete(b.machines, key)
		}
	}
}
