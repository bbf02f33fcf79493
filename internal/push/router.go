package push

import (
	"log"
	"sync"
)

// Room naming. Durable per-account update envelopes only ever travel
// through rooms that embed the account id: a shared session or machine has
// one sub-room per participating account, so one account's churn can never
// leak or reorder another sharer's envelopes.
func RoomUser(accountID string) string { return "user:" + accountID }

func RoomUserScoped(accountID string) string { return "user-scoped:" + accountID }

func RoomSession(sessionID, accountID string) string {
	return "session:" + sessionID + ":" + accountID
}

func RoomMachine(machineID, accountID string) string {
	return "machine:" + machineID + ":" + accountID
}

type filterType int

const (
	filterUserScopedOnly filterType = iota
	filterAllUserAuthenticated
	filterAllInterestedInSession
	filterMachineScopedOnly
)

// RecipientFilter selects which of an account's connections receive an
// emission. The set is closed; construct values with the functions below.
type RecipientFilter struct {
	kind      filterType
	sessionID string
	machineID string
}

// UserScopedOnly targets the account's general (non-session, non-machine
// scoped) connections.
func UserScopedOnly() RecipientFilter {
	return RecipientFilter{kind: filterUserScopedOnly}
}

// AllUserAuthenticatedConnections targets every connection authenticated as
// the account, including scoped ones. Valid for ephemeral payloads only.
func AllUserAuthenticatedConnections() RecipientFilter {
	return RecipientFilter{kind: filterAllUserAuthenticated}
}

// AllInterestedInSession targets the account's sub-room for the session
// plus its general connections.
func AllInterestedInSession(sessionID string) RecipientFilter {
	return RecipientFilter{kind: filterAllInterestedInSession, sessionID: sessionID}
}

// MachineScopedOnly targets the account's sub-room for the machine plus its
// general connections.
func MachineScopedOnly(machineID string) RecipientFilter {
	return RecipientFilter{kind: filterMachineScopedOnly, machineID: machineID}
}

// UpdateEnvelope is the durable server-to-client update payload. Seq is the
// account cursor allocated by the change recorder for the same mutation, so
// a client can de-duplicate between this push and the pull changelog.
type UpdateEnvelope struct {
	ID        string `json:"id"`
	Seq       int64  `json:"seq"`
	Body      any    `json:"body"`
	CreatedAt int64  `json:"createdAt"`
}

// Transport delivers an event to a set of rooms, optionally excluding one
// connection.
type Transport interface {
	Emit(rooms []string, except string, event string, payload any)
}

// Router fans just-committed updates out to the correct set of live
// connections. Delivery is fire-and-forget: a slow or disconnected
// recipient never blocks the writer.
type Router struct {
	mu        sync.RWMutex
	transport Transport

	// roomsOnly makes emitting without an attached transport a
	// configuration error instead of a silent drop.
	roomsOnly bool
}

func NewRouter(roomsOnly bool) *Router {
	return &Router{roomsOnly: roomsOnly}
}

func (r *Router) SetTransport(t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transport = t
}

func (r *Router) ClearTransport() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transport = nil
}

// EmitUpdate routes a durable update envelope. The filter
// AllUserAuthenticatedConnections is rejected here: durable envelopes are
// only ever delivered through per-account rooms.
func (r *Router) EmitUpdate(accountID string, envelope UpdateEnvelope, filter RecipientFilter, skipConnection string) {
	if filter.kind == filterAllUserAuthenticated {
		panic("push: durable updates must not target all-user-authenticated-connections")
	}
	rooms := r.roomsFor(accountID, filter)
	r.emit(rooms, skipConnection, "update", envelope)
}

// EmitEphemeral routes a non-replayable, non-cursor-bearing payload
// (presence, status).
func (r *Router) EmitEphemeral(accountID string, payload any, filter RecipientFilter) {
	rooms := r.roomsFor(accountID, filter)
	r.emit(rooms, "", "ephemeral", payload)
}

func (r *Router) roomsFor(accountID string, filter RecipientFilter) []string {
	switch filter.kind {
	case filterUserScopedOnly:
		return []string{RoomUserScoped(accountID)}
	case filterAllUserAuthenticated:
		return []string{RoomUser(accountID)}
	case filterAllInterestedInSession:
		return []string{RoomSession(filter.sessionID, accountID), RoomUserScoped(accountID)}
	case filterMachineScopedOnly:
		return []string{RoomMachine(filter.machineID, accountID), RoomUserScoped(accountID)}
	default:
		panic("push: unknown recipient filter")
	}
}

func (r *Router) emit(rooms []string, except string, event string, payload any) {
	r.mu.RLock()
	transport := r.transport
	r.mu.RUnlock()

	if transport == nil {
		if r.roomsOnly {
			panic("push: SOCKET_ROOMS_ONLY is set but no transport is attached")
		}
		log.Printf("push: dropping %s emission, no transport attached", event)
		return
	}
	transport.Emit(rooms, except, event, payload)
}
