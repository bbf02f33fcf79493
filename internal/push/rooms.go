package push

import "sync"

// Conn is one live client connection that can receive named events.
type Conn interface {
	ID() string
	Send(event string, payload any) error
	Close() error
}

// Registry tracks which connections are subscribed to which named rooms and
// delivers events to room members. A connection that fails to accept a
// write is closed and dropped from every room.
type Registry struct {
	mu      sync.RWMutex
	rooms   map[string]map[Conn]struct{}
	members map[Conn]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:   make(map[string]map[Conn]struct{}),
		members: make(map[Conn]map[string]struct{}),
	}
}

func (r *Registry) Join(room string, c Conn) {
	if room == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.rooms[room]
	if !ok {
		set = make(map[Conn]struct{})
		r.rooms[room] = set
	}
	set[c] = struct{}{}

	joined, ok := r.members[c]
	if !ok {
		joined = make(map[string]struct{})
		r.members[c] = joined
	}
	joined[room] = struct{}{}
}

func (r *Registry) Leave(room string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(room, c)
}

func (r *Registry) LeaveAll(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for room := range r.members[c] {
		r.leaveLocked(room, c)
	}
}

func (r *Registry) leaveLocked(room string, c Conn) {
	if set, ok := r.rooms[room]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(r.rooms, room)
		}
	}
	if joined, ok := r.members[c]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(r.members, c)
		}
	}
}

// Emit delivers one event to every connection in any of the given rooms,
// de-duplicated, excluding the connection whose id equals except.
func (r *Registry) Emit(rooms []string, except string, event string, payload any) {
	r.mu.RLock()
	recipients := make(map[Conn]struct{})
	for _, room := range rooms {
		for c := range r.rooms[room] {
			recipients[c] = struct{}{}
		}
	}
	conns := make([]Conn, 0, len(recipients))
	for c := range recipients {
		if except != "" && c.ID() == except {
			continue
		}
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	var failed []Conn
	for _, c := range conns {
		if err := c.Send(event, payload); err != nil {
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		_ = c.Close()
		r.LeaveAll(c)
	}
}
