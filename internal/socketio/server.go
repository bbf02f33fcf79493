package socketio

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"relaysync/internal/auth"
	"relaysync/internal/presence"
	"relaysync/internal/push"
	"relaysync/internal/store"
)

const (
	maxPayload   int64         = 1000000
	writeTimeout time.Duration = 10 * time.Second
)

type Deps struct {
	Store       *store.Store
	Registry    *push.Registry
	Presence    *presence.Recorder
	TokenConfig auth.TokenConfig
}

// Server speaks the engine.io/socket.io wire protocol over raw websockets
// and bridges authenticated connections into the push registry's rooms.
type Server struct {
	store       *store.Store
	registry    *push.Registry
	presence    *presence.Recorder
	tokenConfig auth.TokenConfig

	upgrader websocket.Upgrader

	mu          sync.RWMutex
	rpcByMethod map[string]*conn
}

func NewServer(deps Deps) *Server {
	return &Server{
		store:       deps.Store,
		registry:    deps.Registry,
		presence:    deps.Presence,
		tokenConfig: deps.TokenConfig,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		rpcByMethod: make(map[string]*conn),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ws.SetReadLimit(maxPayload)

	c := newConn(ws)
	defer s.dropConn(c)

	open := map[string]any{
		"sid":          c.sid,
		"upgrades":     []string{},
		"pingInterval": 25000,
		"pingTimeout":  20000,
		"maxPayload":   maxPayload,
	}
	openBytes, _ := json.Marshal(open)
	_ = c.writeText(string(engineOpen) + string(openBytes))

	go c.pingLoop()
	c.readLoop(func(msg string) {
		s.handleMessage(c, msg)
	})
}

func (s *Server) dropConn(c *conn) {
	s.mu.Lock()
	for method, owner := range s.rpcByMethod {
		if owner == c {
			delete(s.rpcByMethod, method)
		}
	}
	s.mu.Unlock()

	s.registry.LeaveAll(c)
	c.close()
}

func (s *Server) handleMessage(c *conn, msg string) {
	if msg == "" {
		return
	}

	switch enginePacketType(msg[0]) {
	case enginePong:
		c.markPong()
		return
	case engineMessage:
		s.handleSocketPayload(c, msg[1:])
		return
	case engineClose:
		c.close()
		return
	default:
		return
	}
}

type connectAuth struct {
	Token      string `json:"token"`
	ClientType string `json:"clientType"`
	SessionID  string `json:"sessionId"`
	MachineID  string `json:"machineId"`
}

func (s *Server) handleSocketPayload(c *conn, payload string) {
	if payload == "" {
		return
	}

	switch socketPacketType(payload[0]) {
	case socketConnect:
		s.handleConnect(c, payload)
		return
	case socketEvent:
		s.handleEvent(c, payload)
		return
	case socketAck:
		ack, err := parseSocketAckPacket(payload)
		if err != nil {
			return
		}
		c.resolveAck(ack.ID, ack.Args)
		return
	default:
		return
	}
}

func (s *Server) handleConnect(c *conn, payload string) {
	if c.connected.Load() {
		return
	}
	ctx := context.Background()

	_, rest := parseOptionalNamespace(payload[1:])
	if rest == "" {
		_ = c.writeSocketError("Missing auth")
		c.close()
		return
	}

	var authObj connectAuth
	if err := json.Unmarshal([]byte(rest), &authObj); err != nil {
		_ = c.writeSocketError("Invalid auth")
		c.close()
		return
	}
	if authObj.Token == "" {
		_ = c.writeSocketError("Missing token")
		c.close()
		return
	}
	claims, err := auth.VerifyToken(authObj.Token, s.tokenConfig)
	if err != nil || claims == nil || claims.UserID == "" {
		_ = c.writeSocketError("Invalid authentication token")
		c.close()
		return
	}

	if authObj.ClientType != "user-scoped" && authObj.ClientType != "session-scoped" && authObj.ClientType != "machine-scoped" {
		_ = c.writeSocketError("Invalid client type")
		c.close()
		return
	}

	if authObj.ClientType == "session-scoped" {
		if authObj.SessionID == "" {
			_ = c.writeSocketError("Missing sessionId")
			c.close()
			return
		}
		if _, ok, err := s.store.GetSession(ctx, claims.UserID, authObj.SessionID); err != nil || !ok {
			_ = c.writeSocketError("Session not found")
			c.close()
			return
		}
	}
	if authObj.ClientType == "machine-scoped" {
		if authObj.MachineID == "" {
			_ = c.writeSocketError("Missing machineId")
			c.close()
			return
		}
		if _, ok, err := s.store.GetMachine(ctx, claims.UserID, authObj.MachineID); err != nil || !ok {
			_ = c.writeSocketError("Machine not found")
			c.close()
			return
		}
	}

	c.userID = claims.UserID
	c.clientType = authObj.ClientType
	c.sessionID = authObj.SessionID
	c.machineID = authObj.MachineID
	c.connected.Store(true)

	// Every connection hears account-wide ephemeral traffic; durable
	// updates flow through the scoped rooms only.
	s.registry.Join(push.RoomUser(c.userID), c)
	switch c.clientType {
	case "user-scoped":
		s.registry.Join(push.RoomUserScoped(c.userID), c)
	case "session-scoped":
		s.registry.Join(push.RoomSession(c.sessionID, c.userID), c)
	case "machine-scoped":
		s.registry.Join(push.RoomMachine(c.machineID, c.userID), c)
	}

	if connectPayload, err := buildSocketConnectPacket("/", c.sid); err == nil {
		_ = c.writeText(string(engineMessage) + connectPayload)
	}
}

func (s *Server) handleEvent(c *conn, pktPayload string) {
	if !c.connected.Load() {
		return
	}

	pkt, err := parseSocketEventPacket(pktPayload)
	if err != nil {
		return
	}
	ctx := context.Background()

	switch pkt.Event {
	case "ping":
		if pkt.ID != nil {
			ackPayload, err := buildSocketAckPacket(pkt.Namespace, *pkt.ID)
			if err == nil {
				_ = c.writeText(string(engineMessage) + ackPayload)
			}
		}
		return

	case "rpc-register":
		var body struct {
			Method string `json:"method"`
		}
		if len(pkt.Args) < 1 || json.Unmarshal(pkt.Args[0], &body) != nil || body.Method == "" {
			return
		}
		s.mu.Lock()
		s.rpcByMethod[rpcKey(c.userID, body.Method)] = c
		s.mu.Unlock()
		return

	case "rpc-unregister":
		var body struct {
			Method string `json:"method"`
		}
		if len(pkt.Args) < 1 || json.Unmarshal(pkt.Args[0], &body) != nil || body.Method == "" {
			return
		}
		s.mu.Lock()
		key := rpcKey(c.userID, body.Method)
		if owner, ok := s.rpcByMethod[key]; ok && owner == c {
			delete(s.rpcByMethod, key)
		}
		s.mu.Unlock()
		return

	case "rpc-call":
		if pkt.ID == nil {
			return
		}
		var body struct {
			Method string `json:"method"`
			Params string `json:"params"`
		}
		if len(pkt.Args) < 1 || json.Unmarshal(pkt.Args[0], &body) != nil || body.Method == "" {
			return
		}
		result, err := s.handleRPCCall(c.userID, body.Method, body.Params)
		resp := gin.H{"ok": err == nil}
		if err != nil {
			resp["error"] = err.Error()
		} else {
			resp["result"] = result
		}
		ackPayload, err2 := buildSocketAckPacket(pkt.Namespace, *pkt.ID, resp)
		if err2 == nil {
			_ = c.writeText(string(engineMessage) + ackPayload)
		}
		return

	case "message":
		s.handleSessionMessage(ctx, c, pkt)
		return

	case "update-metadata":
		s.handleSessionMetadataUpdate(ctx, c, pkt)
		return

	case "update-state":
		s.handleSessionStateUpdate(ctx, c, pkt)
		return

	case "machine-update-metadata":
		s.handleMachineMetadataUpdate(ctx, c, pkt)
		return

	case "machine-update-state":
		s.handleMachineStateUpdate(ctx, c, pkt)
		return

	case "session-alive":
		var body struct {
			SID  string `json:"sid"`
			Time int64  `json:"time"`
		}
		if len(pkt.Args) < 1 || json.Unmarshal(pkt.Args[0], &body) != nil || body.SID == "" {
			return
		}
		ts := body.Time
		if ts <= 0 {
			ts = time.Now().UnixMilli()
		}
		s.presence.RecordSessionAlive(ctx, c.userID, body.SID, ts)
		return

	case "machine-alive":
		var body struct {
			MachineID string `json:"machineId"`
			Time      int64  `json:"time"`
		}
		if len(pkt.Args) < 1 || json.Unmarshal(pkt.Args[0], &body) != nil || body.MachineID == "" {
			return
		}
		ts := body.Time
		if ts <= 0 {
			ts = time.Now().UnixMilli()
		}
		s.presence.RecordMachineAlive(ctx, c.userID, body.MachineID, ts)
		return

	case "session-end":
		var body struct {
			SID string `json:"sid"`
		}
		if len(pkt.Args) < 1 || json.Unmarshal(pkt.Args[0], &body) != nil || body.SID == "" {
			return
		}
		_, _ = s.store.SetSessionActive(ctx, c.userID, body.SID, false, 0)
		return

	default:
		return
	}
}

func rpcKey(userID, method string) string {
	return userID + "|" + method
}

func (s *Server) handleRPCCall(userID, method, params string) (string, error) {
	s.mu.RLock()
	h := s.rpcByMethod[rpcKey(userID, method)]
	s.mu.RUnlock()
	if h == nil {
		return "", errors.New("Method not found")
	}

	resp, err := h.emitWithAck("rpc-request", gin.H{"method": method, "params": params}, 10*time.Second)
	if err != nil {
		return "", err
	}
	if len(resp) < 1 {
		return "", errors.New("Empty response")
	}
	var result string
	if err := json.Unmarshal(resp[0], &result); err != nil {
		return "", errors.New("Invalid response")
	}
	return result, nil
}

func (s *Server) handleSessionMessage(ctx context.Context, c *conn, pkt socketEventPacket) {
	if c.clientType != "session-scoped" {
		return
	}
	var body struct {
		SID     string `json:"sid"`
		Message string `json:"message"`
	}
	if len(pkt.Args) < 1 || json.Unmarshal(pkt.Args[0], &body) != nil {
		return
	}
	if body.SID == "" || body.SID != c.sessionID {
		return
	}

	// Fan-out happens after commit through the push router; the sender is
	// excluded so it never hears its own message echoed back.
	_, _ = s.store.AppendMessage(ctx, c.userID, body.SID, body.Message, c.sid)
}

func (s *Server) handleSessionMetadataUpdate(ctx context.Context, c *conn, pkt socketEventPacket) {
	if pkt.ID == nil {
		return
	}
	var body struct {
		SID             string `json:"sid"`
		ExpectedVersion int64  `json:"expectedVersion"`
		Metadata        string `json:"metadata"`
	}
	if len(pkt.Args) < 1 || json.Unmarshal(pkt.Args[0], &body) != nil || body.SID == "" {
		return
	}

	result, err := s.store.UpdateSessionMetadata(ctx, c.userID, body.SID, body.ExpectedVersion, body.Metadata, c.sid)
	if err != nil {
		result = store.CASResult{Status: store.StatusError}
	}
	s.writeAck(c, pkt, gin.H{"result": result.Status, "version": result.Version, "metadata": result.Value})
}

func (s *Server) handleSessionStateUpdate(ctx context.Context, c *conn, pkt socketEventPacket) {
	if pkt.ID == nil {
		return
	}
	var body struct {
		SID             string  `json:"sid"`
		ExpectedVersion int64   `json:"expectedVersion"`
		AgentState      *string `json:"agentState"`
	}
	if len(pkt.Args) < 1 || json.Unmarshal(pkt.Args[0], &body) != nil || body.SID == "" {
		return
	}

	result, err := s.store.UpdateSessionAgentState(ctx, c.userID, body.SID, body.ExpectedVersion, body.AgentState, c.sid)
	if err != nil {
		result = store.CASResult{Status: store.StatusError}
	}
	s.writeAck(c, pkt, gin.H{"result": result.Status, "version": result.Version, "agentState": result.Value})
}

func (s *Server) handleMachineMetadataUpdate(ctx context.Context, c *conn, pkt socketEventPacket) {
	if pkt.ID == nil {
		return
	}
	var body struct {
		MachineID       string `json:"machineId"`
		ExpectedVersion int64  `json:"expectedVersion"`
		Metadata        string `json:"metadata"`
	}
	if len(pkt.Args) < 1 || json.Unmarshal(pkt.Args[0], &body) != nil || body.MachineID == "" {
		return
	}

	result, err := s.store.UpdateMachineMetadata(ctx, c.userID, body.MachineID, body.ExpectedVersion, body.Metadata, c.sid)
	if err != nil {
		result = store.CASResult{Status: store.StatusError}
	}
	s.writeAck(c, pkt, gin.H{"result": result.Status, "version": result.Version, "metadata": result.Value})
}

func (s *Server) handleMachineStateUpdate(ctx context.Context, c *conn, pkt socketEventPacket) {
	if pkt.ID == nil {
		return
	}
	var body struct {
		MachineID       string  `json:"machineId"`
		ExpectedVersion int64   `json:"expectedVersion"`
		DaemonState     *string `json:"daemonState"`
	}
	if len(pkt.Args) < 1 || json.Unmarshal(pkt.Args[0], &body) != nil || body.MachineID == "" {
		return
	}

	result, err := s.store.UpdateMachineDaemonState(ctx, c.userID, body.MachineID, body.ExpectedVersion, body.DaemonState, c.sid)
	if err != nil {
		result = store.CASResult{Status: store.StatusError}
	}
	s.writeAck(c, pkt, gin.H{"result": result.Status, "version": result.Version, "daemonState": result.Value})
}

func (s *Server) writeAck(c *conn, pkt socketEventPacket, resp gin.H) {
	ackPayload, err := buildSocketAckPacket(pkt.Namespace, *pkt.ID, resp)
	if err == nil {
		_ = c.writeText(string(engineMessage) + ackPayload)
	}
}

type conn struct {
	ws *websocket.Conn

	sid string

	connected atomic.Bool

	userID     string
	clientType string
	sessionID  string
	machineID  string

	sendMu sync.Mutex

	ackMu      sync.Mutex
	nextAckID  int
	pendingAck map[int]chan []json.RawMessage

	pingMu       sync.Mutex
	awaitingPong bool
	pingSentAt   time.Time
	nextPingAt   time.Time

	closed atomic.Bool
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		ws:         ws,
		sid:        uuid.NewString(),
		pendingAck: make(map[int]chan []json.RawMessage),
		nextPingAt: time.Now().Add(25 * time.Second),
	}
}

// ID, Send and Close make conn a push registry member.
func (c *conn) ID() string { return c.sid }

func (c *conn) Send(event string, payload any) error {
	packet, err := buildSocketEventPacket("/", nil, event, payload)
	if err != nil {
		return err
	}
	return c.writeText(string(engineMessage) + packet)
}

func (c *conn) Close() error {
	c.close()
	return nil
}

func (c *conn) close() {
	if c.closed.Swap(true) {
		return
	}
	_ = c.ws.Close()
}

func (c *conn) writeText(msg string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (c *conn) readLoop(onMessage func(string)) {
	defer c.close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		onMessage(string(data))
	}
}

func (c *conn) pingLoop() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if c.closed.Load() {
			return
		}
		now := time.Now()
		c.pingMu.Lock()
		awaiting := c.awaitingPong
		pingSentAt := c.pingSentAt
		nextPingAt := c.nextPingAt
		if awaiting && now.Sub(pingSentAt) > 20*time.Second {
			c.pingMu.Unlock()
			c.close()
			return
		}
		if !awaiting && !now.Before(nextPingAt) {
			c.awaitingPong = true
			c.pingSentAt = now
			c.nextPingAt = now.Add(25 * time.Second)
			c.pingMu.Unlock()
			_ = c.writeText(string(enginePing))
			continue
		}
		c.pingMu.Unlock()
	}
}

func (c *conn) markPong() {
	c.pingMu.Lock()
	c.awaitingPong = false
	c.pingMu.Unlock()
}

func (c *conn) writeSocketError(msg string) error {
	packet, err := buildSocketEventPacket("/", nil, "error", gin.H{"message": msg})
	if err != nil {
		return err
	}
	return c.writeText(string(engineMessage) + packet)
}

func (c *conn) emitWithAck(event string, arg any, timeout time.Duration) ([]json.RawMessage, error) {
	c.ackMu.Lock()
	c.nextAckID++
	id := c.nextAckID
	ch := make(chan []json.RawMessage, 1)
	c.pendingAck[id] = ch
	c.ackMu.Unlock()

	packet, err := buildSocketEventPacket("/", &id, event, arg)
	if err != nil {
		c.ackMu.Lock()
		delete(c.pendingAck, id)
		c.ackMu.Unlock()
		return nil, err
	}
	if err := c.writeText(string(engineMessage) + packet); err != nil {
		c.ackMu.Lock()
		delete(c.pendingAck, id)
		c.ackMu.Unlock()
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(timeout):
		c.ackMu.Lock()
		delete(c.pendingAck, id)
		c.ackMu.Unlock()
		return nil, errors.New("RPC timeout")
	}
}

func (c *conn) resolveAck(id int, args []json.RawMessage) {
	c.ackMu.Lock()
	ch := c.pendingAck[id]
	delete(c.pendingAck, id)
	c.ackMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- args:
	default:
	}
}
