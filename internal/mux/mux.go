// Package mux implements the core multiplexer of spec.md §4.3: it fans a
// single child language-server process out to N client connections,
// translating JSON-RPC request ids so the three id spaces (client-origin,
// mux-origin, server-origin-forwarded) never collide, electing a primary
// client to answer server-initiated requests, caching the first
// initialize's result for late joiners, and driving the pull-to-push
// diagnostics bridge (internal/bridge) for servers that need it.
//
// Grounded throughout in the teacher's Daemon/Instance split
// (internal/daemon/daemon.go, instance.go): one mutex-guarded struct per
// running thing, a background goroutine pumping the process's output, and
// per-connection goroutines pumping client input — generalized here from
// one daemon-wide table of named instances to one Mux per running server
// process with a dynamic client set.
package mux

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/ianremillard/lspmux/internal/bridge"
	"github.com/ianremillard/lspmux/internal/registry"
	"github.com/ianremillard/lspmux/internal/wire"
)

// DefaultIdleDelay is how long a Mux waits with zero connected clients
// before killing its server and reporting idle shutdown.
const DefaultIdleDelay = 500 * time.Millisecond

// Config wires a Mux to an already-spawned child process. Spawning and
// reaping the process is the caller's job (internal/lifecycle); the Mux
// only ever writes to ServerStdin, reads from ServerStdout, and calls
// KillServer/WaitServer.
type Config struct {
	Spec        *registry.Spec
	ProjectRoot string

	ServerStdin  io.Writer
	ServerStdout io.Reader
	KillServer   func() error
	WaitServer   func() (exitCode int, signal string)

	// OnExit is called once, from the server-read-loop's goroutine, after
	// the server stream ends and every client has been disconnected.
	OnExit func(exitCode int, signal string)
	// OnIdleShutdown is called when IdleDelay elapses with no clients
	// connected; KillServer has already been invoked by the time it fires.
	OnIdleShutdown func()
	IdleDelay      time.Duration

	Logger logr.Logger
}

// Mux is one running multiplexer: one child server process, a dynamic set
// of client connections, and (for specs with DiagnosticsMode Bridge) a
// pull-to-push diagnostics bridge. The zero value is not usable; use New.
type Mux struct {
	mu sync.Mutex

	spec        *registry.Spec
	projectRoot string
	logger      logr.Logger

	serverOut    *outboundWriter
	serverStdout io.Reader
	killServer   func() error
	waitServer   func() (int, string)

	onExit         func(int, string)
	onIdleShutdown func()
	idleDelay      time.Duration
	idleTimer      *time.Timer

	clients      map[ClientID]*clientConn
	order        []ClientID
	nextClientID ClientID
	primary      ClientID

	nextServerID  int64
	nextForwardID int64

	clientOrigin          map[int64]originEntry
	internalReq           map[int64]internalEntry
	forwardedServerOrigin map[int64]wire.ID

	initState      initPhase
	initPrimary    ClientID
	initServerID   int64
	initOriginalID wire.ID
	cachedInit     *wire.Message
	deferredInit   []deferredInit

	bridge *bridge.Bridge

	serverCongested  bool
	congestedClients map[ClientID]bool
	pauseCond        *sync.Cond

	closed bool
}

// New constructs a Mux and starts its server-read-loop goroutine. The
// caller must have already started the child process; New takes ownership
// of ServerStdout and ServerStdin from this point on.
func New(cfg Config) *Mux {
	idleDelay := cfg.IdleDelay
	if idleDelay <= 0 {
		idleDelay = DefaultIdleDelay
	}
	logger := cfg.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}

	m := &Mux{
		spec:                  cfg.Spec,
		projectRoot:           cfg.ProjectRoot,
		logger:                logger,
		serverStdout:          cfg.ServerStdout,
		killServer:            cfg.KillServer,
		waitServer:            cfg.WaitServer,
		onExit:                cfg.OnExit,
		onIdleShutdown:        cfg.OnIdleShutdown,
		idleDelay:             idleDelay,
		clients:               make(map[ClientID]*clientConn),
		clientOrigin:          make(map[int64]originEntry),
		internalReq:           make(map[int64]internalEntry),
		forwardedServerOrigin: make(map[int64]wire.ID),
		congestedClients:      make(map[ClientID]bool),
		nextServerID:          1,
		nextForwardID:         -1,
	}
	m.pauseCond = sync.NewCond(&m.mu)
	m.serverOut = newOutboundWriter(cfg.ServerStdin, defaultHighWatermark, defaultLowWatermark, m.onServerCongestion)

	if cfg.Spec != nil && cfg.Spec.Diagnostics == registry.Bridge {
		var builder bridge.RequestBuilder
		if cfg.Spec.RequestBuilder != nil {
			builder = bridge.RequestBuilder(cfg.Spec.RequestBuilder)
		}
		m.bridge = bridge.New(m, cfg.Spec.DebounceInterval, builder)
	}

	go m.serverReadLoop()
	m.startIdleTimer()
	return m
}

// AddClient registers a new client connection, identified by rwc, and
// starts its read loop. The caller retains no further responsibility for
// rwc; the Mux closes it when the client departs or the server exits.
func (m *Mux) AddClient(rwc io.ReadWriteCloser) ClientID {
	m.mu.Lock()
	m.nextClientID++
	id := m.nextClientID
	out := newOutboundWriter(rwc, defaultHighWatermark, defaultLowWatermark, m.makeClientCongestionCallback(id))
	m.clients[id] = &clientConn{id: id, out: out, closer: rwc}
	m.order = append(m.order, id)
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
	m.mu.Unlock()

	go m.clientReadLoop(id, rwc)
	return id
}

func (m *Mux) clientReadLoop(id ClientID, r io.Reader) {
	dec := wire.NewDecoder(r)
	for {
		m.waitWhileServerCongested()
		msg, err := dec.Decode()
		if err != nil {
			m.removeClient(id)
			return
		}
		m.handleClientMessage(id, msg)
	}
}

func (m *Mux) serverReadLoop() {
	dec := wire.NewDecoder(m.serverStdout)
	for {
		m.waitWhileClientsCongested()
		msg, err := dec.Decode()
		if err != nil {
			m.handleServerExit()
			return
		}
		m.handleServerMessage(msg)
	}
}

func (m *Mux) waitWhileServerCongested() {
	m.mu.Lock()
	for m.serverCongested && !m.closed {
		m.pauseCond.Wait()
	}
	m.mu.Unlock()
}

func (m *Mux) waitWhileClientsCongested() {
	m.mu.Lock()
	for len(m.congestedClients) > 0 && !m.closed {
		m.pauseCond.Wait()
	}
	m.mu.Unlock()
}

func (m *Mux) onServerCongestion(congested bool) {
	m.mu.Lock()
	m.serverCongested = congested
	m.mu.Unlock()
	m.pauseCond.Broadcast()
}

func (m *Mux) makeClientCongestionCallback(id ClientID) func(bool) {
	return func(congested bool) {
		m.mu.Lock()
		if congested {
			m.congestedClients[id] = true
		} else {
			delete(m.congestedClients, id)
		}
		m.mu.Unlock()
		m.pauseCond.Broadcast()
	}
}

// ---- client -> server / mux path ----

func (m *Mux) handleClientMessage(from ClientID, msg *wire.Message) {
	switch msg.Kind() {
	case wire.Notification:
		m.handleClientNotification(from, msg)
	case wire.Request:
		if msg.Method == "initialize" {
			m.handleInitialize(from, msg)
			return
		}
		m.handleClientRequest(from, msg)
	case wire.Response:
		m.handleClientResponse(msg)
	default:
		m.logger.V(1).Info("dropping unrecognized client message", "client", int64(from), "method", msg.Method)
	}
}

func (m *Mux) handleClientNotification(from ClientID, msg *wire.Message) {
	m.mu.Lock()
	if msg.Method == "initialized" && from != m.primary {
		// Only the primary's initialized notification is forwarded; a
		// second connection replaying its own client's handshake would
		// otherwise double-fire the server's post-init setup.
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.sendToServer(msg)

	if m.bridge == nil {
		return
	}
	switch msg.Method {
	case "textDocument/didOpen", "textDocument/didChange", "textDocument/didSave":
		if uri, ok := extractURI(msg.Params); ok {
			m.bridge.OnFileEvent(uri)
		}
	case "textDocument/didClose":
		if uri, ok := extractURI(msg.Params); ok {
			m.bridge.OnDidClose(uri)
		}
	}
}

func (m *Mux) handleClientRequest(from ClientID, msg *wire.Message) {
	m.mu.Lock()
	serverID := m.nextServerID
	m.nextServerID++
	m.clientOrigin[serverID] = originEntry{client: from, id: *msg.ID}
	m.mu.Unlock()

	out := msg.Clone()
	newID := wire.IntID(serverID)
	out.ID = &newID
	m.sendToServer(out)
}

// handleClientResponse handles a client's reply to a request the mux
// forwarded to it on the server's behalf (spec.md §4.3's negative,
// mux-minted ids). Anything else arriving here is a misbehaving client and
// is dropped.
func (m *Mux) handleClientResponse(msg *wire.Message) {
	n, ok := msg.ID.Int64()
	if !ok || n >= 0 {
		m.logger.V(1).Info("dropping stray client response", "requestID", msg.ID.Key())
		return
	}
	m.mu.Lock()
	origID, found := m.forwardedServerOrigin[n]
	if found {
		delete(m.forwardedServerOrigin, n)
	}
	m.mu.Unlock()
	if !found {
		m.logger.V(1).Info("dropping stray client response", "requestID", n)
		return
	}

	out := msg.Clone()
	out.ID = &origID
	m.sendToServer(out)
}

func (m *Mux) handleInitialize(from ClientID, msg *wire.Message) {
	supportsPull := clientAdvertisesPull(msg.Params)

	m.mu.Lock()
	if c, ok := m.clients[from]; ok {
		c.supportsPull = supportsPull
	}

	switch m.initState {
	case initDone:
		cached := m.cachedInit
		origID := *msg.ID
		m.mu.Unlock()
		m.deliverToClient(from, origID, cached)

	case initInProgress:
		m.deferredInit = append(m.deferredInit, deferredInit{client: from, id: *msg.ID})
		m.mu.Unlock()

	default: // initNotStarted
		m.initState = initInProgress
		m.initPrimary = from
		if m.primary == 0 {
			m.primary = from
		}
		serverID := m.nextServerID
		m.nextServerID++
		m.initServerID = serverID
		m.initOriginalID = *msg.ID
		m.mu.Unlock()

		out := msg.Clone()
		newID := wire.IntID(serverID)
		out.ID = &newID
		if m.spec != nil && m.spec.PrepareInitialize != nil {
			if transformed, err := m.spec.PrepareInitialize(out.Params); err == nil {
				out.Params = transformed
			} else {
				m.logger.Error(err, "PrepareInitialize failed, forwarding params unmodified")
			}
		}
		m.sendToServer(out)
	}
}

func clientAdvertisesPull(params json.RawMessage) bool {
	var p struct {
		Capabilities struct {
			TextDocument struct {
				Diagnostic json.RawMessage `json:"diagnostic"`
			} `json:"textDocument"`
		} `json:"capabilities"`
	}
	if len(params) == 0 || json.Unmarshal(params, &p) != nil {
		return false
	}
	return len(p.Capabilities.TextDocument.Diagnostic) > 0
}

func extractURI(params json.RawMessage) (string, bool) {
	var p struct {
		TextDocument struct {
			URI string `json:"uri"`
		} `json:"textDocument"`
	}
	if len(params) == 0 || json.Unmarshal(params, &p) != nil {
		return "", false
	}
	if p.TextDocument.URI == "" {
		return "", false
	}
	return p.TextDocument.URI, true
}

// ---- server -> client / mux path ----

func (m *Mux) handleServerMessage(msg *wire.Message) {
	switch msg.Kind() {
	case wire.Notification:
		m.broadcast(msg)
	case wire.Response:
		m.handleServerResponse(msg)
	case wire.Request:
		m.handleServerRequest(msg)
	default:
		m.logger.V(1).Info("dropping unrecognized server message", "method", msg.Method)
	}
}

func (m *Mux) handleServerResponse(msg *wire.Message) {
	n, isInt := msg.ID.Int64()
	if isInt {
		m.mu.Lock()
		if m.initState == initInProgress && n == m.initServerID {
			m.finishInitializeLocked(msg)
			return // unlocks internally
		}
		if entry, ok := m.internalReq[n]; ok {
			delete(m.internalReq, n)
			m.mu.Unlock()
			if m.bridge != nil {
				// msg.Error is a typed *wire.RPCError; passing it directly into
				// the error-interface parameter would yield a non-nil interface
				// even when the pointer itself is nil.
				var rpcErr error
				if msg.Error != nil {
					rpcErr = msg.Error
				}
				m.bridge.HandleResponse(entry.uri, msg.Result, rpcErr)
			}
			return
		}
		if entry, ok := m.clientOrigin[n]; ok {
			delete(m.clientOrigin, n)
			m.mu.Unlock()
			m.deliverToClient(entry.client, entry.id, msg)
			return
		}
		m.mu.Unlock()
	}

	// A response to an id the mux has no record of: either a non-integer
	// id from a nonconformant server, or a reply the mux already
	// consumed (e.g. a duplicate). Best-effort broadcast per spec.md's
	// stray-response handling rather than silently dropping it.
	m.broadcast(msg)
}

// finishInitializeLocked must be called with m.mu held; it unlocks before
// returning.
func (m *Mux) finishInitializeLocked(msg *wire.Message) {
	m.initState = initDone
	cached := &wire.Message{Result: msg.Result, Error: msg.Error}
	m.cachedInit = cached
	primaryClient := m.initPrimary
	primaryOrigID := m.initOriginalID
	deferred := m.deferredInit
	m.deferredInit = nil
	m.mu.Unlock()

	m.deliverToClient(primaryClient, primaryOrigID, cached)
	for _, d := range deferred {
		m.deliverToClient(d.client, d.id, cached)
	}
	if m.bridge != nil {
		m.bridge.NotifyInitDone()
	}
}

func (m *Mux) handleServerRequest(msg *wire.Message) {
	switch msg.Method {
	case "client/registerCapability", "client/unregisterCapability":
		m.sendToServer(&wire.Message{ID: msg.ID, Result: json.RawMessage("null")})
		return
	case "workspace/configuration":
		m.replyConfiguration(msg)
		return
	}

	m.mu.Lock()
	if m.primary == 0 {
		m.mu.Unlock()
		m.sendToServer(&wire.Message{
			ID:    msg.ID,
			Error: &wire.RPCError{Code: wire.ErrCodeMethodNotFound, Message: "no clients connected"},
		})
		return
	}
	negID := m.nextForwardID
	m.nextForwardID--
	m.forwardedServerOrigin[negID] = *msg.ID
	primary := m.clients[m.primary]
	m.mu.Unlock()

	if primary == nil {
		return
	}
	out := msg.Clone()
	newID := wire.IntID(negID)
	out.ID = &newID
	payload, err := wire.Encode(out)
	if err != nil {
		m.logger.Error(err, "encode forwarded server request")
		return
	}
	primary.out.enqueue(payload)
}

// replyConfiguration answers workspace/configuration with an array of null
// values, one per requested item, since the mux has no per-client settings
// store to consult — spec.md §4.3's documented short-circuit.
func (m *Mux) replyConfiguration(msg *wire.Message) {
	var p struct {
		Items []json.RawMessage `json:"items"`
	}
	n := 0
	if len(msg.Params) > 0 && json.Unmarshal(msg.Params, &p) == nil {
		n = len(p.Items)
	}
	arr := make([]json.RawMessage, n)
	for i := range arr {
		arr[i] = json.RawMessage("null")
	}
	result, err := json.Marshal(arr)
	if err != nil {
		return
	}
	m.sendToServer(&wire.Message{ID: msg.ID, Result: result})
}

// ---- shared delivery helpers ----

func (m *Mux) deliverToClient(client ClientID, id wire.ID, cached *wire.Message) {
	out := &wire.Message{ID: &id, Result: cached.Result, Error: cached.Error}
	payload, err := wire.Encode(out)
	if err != nil {
		m.logger.Error(err, "encode client delivery")
		return
	}
	m.mu.Lock()
	c, ok := m.clients[client]
	m.mu.Unlock()
	if !ok {
		return
	}
	c.out.enqueue(payload)
}

func (m *Mux) broadcast(msg *wire.Message) {
	payload, err := wire.Encode(msg)
	if err != nil {
		m.logger.Error(err, "encode broadcast")
		return
	}
	m.mu.Lock()
	targets := make([]*clientConn, 0, len(m.clients))
	for _, c := range m.clients {
		targets = append(targets, c)
	}
	m.mu.Unlock()
	for _, c := range targets {
		c.out.enqueue(payload)
	}
}

func (m *Mux) sendToServer(msg *wire.Message) {
	payload, err := wire.Encode(msg)
	if err != nil {
		m.logger.Error(err, "encode server-bound message")
		return
	}
	m.serverOut.enqueue(payload)
}

// ---- client departure / server exit / idle shutdown ----

func (m *Mux) removeClient(id ClientID) {
	m.mu.Lock()
	c, ok := m.clients[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.clients, id)
	delete(m.congestedClients, id)
	for i, o := range m.order {
		if o == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	if m.primary == id {
		if len(m.order) > 0 {
			m.primary = m.order[0]
		} else {
			m.primary = 0
		}
	}
	empty := len(m.clients) == 0
	m.mu.Unlock()

	c.out.close()
	c.closer.Close()
	m.pauseCond.Broadcast()

	if empty {
		m.startIdleTimer()
	}
}

func (m *Mux) startIdleTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.idleTimer != nil || m.closed {
		return
	}
	m.idleTimer = time.AfterFunc(m.idleDelay, m.onIdleExpire)
}

func (m *Mux) onIdleExpire() {
	m.mu.Lock()
	empty := len(m.clients) == 0
	m.idleTimer = nil
	m.mu.Unlock()
	if !empty {
		return
	}
	if m.killServer != nil {
		if err := m.killServer(); err != nil {
			m.logger.Error(err, "kill idle server")
		}
	}
	if m.onIdleShutdown != nil {
		m.onIdleShutdown()
	}
}

func (m *Mux) handleServerExit() {
	code, sig := 0, ""
	if m.waitServer != nil {
		code, sig = m.waitServer()
	}

	m.mu.Lock()
	targets := make([]*clientConn, 0, len(m.clients))
	for _, c := range m.clients {
		targets = append(targets, c)
	}
	m.clients = make(map[ClientID]*clientConn)
	m.order = nil
	m.primary = 0
	m.congestedClients = make(map[ClientID]bool)
	m.closed = true
	m.mu.Unlock()
	m.pauseCond.Broadcast()
	m.serverOut.close()

	for _, c := range targets {
		c.out.close()
		c.closer.Close()
	}
	if m.onExit != nil {
		m.onExit(code, sig)
	}
}

// ---- bridge.Host ----

func (m *Mux) HasNonPullClients() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.clients {
		if !c.supportsPull {
			return true
		}
	}
	return false
}

func (m *Mux) SendDiagnosticRequest(uri, method string, params any) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		m.logger.Error(err, "marshal bridge request params")
		return
	}

	m.mu.Lock()
	serverID := m.nextServerID
	m.nextServerID++
	m.internalReq[serverID] = internalEntry{uri: uri}
	m.mu.Unlock()

	m.sendToServer(wire.NewRequest(wire.IntID(serverID), method, paramsJSON))
}

type publishDiagnosticsParams struct {
	URI         string            `json:"uri"`
	Diagnostics []json.RawMessage `json:"diagnostics"`
}

func (m *Mux) Publish(uri string, items []json.RawMessage) {
	params, err := json.Marshal(publishDiagnosticsParams{URI: uri, Diagnostics: items})
	if err != nil {
		m.logger.Error(err, "marshal synthesized publishDiagnostics")
		return
	}
	notif := wire.NewNotification("textDocument/publishDiagnostics", params)
	payload, err := wire.Encode(notif)
	if err != nil {
		m.logger.Error(err, "encode synthesized publishDiagnostics")
		return
	}

	m.mu.Lock()
	var targets []*clientConn
	for _, c := range m.clients {
		if !c.supportsPull {
			targets = append(targets, c)
		}
	}
	m.mu.Unlock()
	for _, c := range targets {
		c.out.enqueue(payload)
	}
}

var _ bridge.Host = (*Mux)(nil)

// Stats is a point-in-time snapshot of a Mux's client count, primary client
// and initialization state. Nothing in this module calls Snapshot; the
// ps command reports status from internal/store records instead.
type Stats struct {
	ClientCount int
	PrimaryID   ClientID
	InitState   string
}

// Snapshot reports the Mux's current state for status commands.
func (m *Mux) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := "not-started"
	switch m.initState {
	case initInProgress:
		state = "in-progress"
	case initDone:
		state = "done"
	}
	return Stats{
		ClientCount: len(m.clients),
		PrimaryID:   m.primary,
		InitState:   state,
	}
}
