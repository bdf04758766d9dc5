// Package bridge implements the pull-to-push diagnostics emulation of
// spec.md §4.4: for clients that never asked for pull diagnostics, it
// queries the server on file events and republishes the results as
// synthesized publishDiagnostics notifications.
//
// Its state machine is grounded in the teacher's per-instance mutex-guarded
// bookkeeping (internal/daemon/instance.go: inst.mu protecting logBuf,
// state, timers) generalized from one record per agent instance to one
// record per document URI.
package bridge

import (
	"encoding/json"
	"sync"
	"time"
)

// DefaultDebounce is used when a spec does not set its own interval.
const DefaultDebounce = 150 * time.Millisecond

// Host is what the bridge needs from whatever owns it (the mux). All three
// methods must be safe to call from arbitrary goroutines and must not block
// on bridge state — the bridge never holds its own lock while calling into
// Host.
type Host interface {
	// HasNonPullClients reports whether at least one connected client
	// lacks pull-diagnostic capability.
	HasNonPullClients() bool
	// SendDiagnosticRequest asks the mux to mint a server-bound request id,
	// register it against this uri in the mux's internal-request table, and
	// forward method/params to the server.
	SendDiagnosticRequest(uri, method string, params any)
	// Publish delivers a synthesized textDocument/publishDiagnostics
	// notification, with the given raw `item` array, to every connected
	// client that lacks pull-diagnostic capability.
	Publish(uri string, items []json.RawMessage)
}

// RequestBuilder builds the pull request for a URI.
type RequestBuilder func(uri string) (method string, params any)

type uriState struct {
	lastItems []json.RawMessage
	hasCache  bool

	timer    *time.Timer
	inFlight bool
	// reschedule is set if a file event arrives for a URI while its pull
	// request is already in flight; the URI is rescheduled once the
	// response lands rather than firing a second concurrent request.
	reschedule bool
}

// Bridge is the stateful pull-to-push helper described in spec.md §4.4.
// It is safe for concurrent use.
type Bridge struct {
	mu sync.Mutex

	host     Host
	builder  RequestBuilder
	debounce time.Duration

	initDone       bool
	pendingPreInit map[string]struct{}
	states         map[string]*uriState
}

// New constructs a Bridge. debounce <= 0 uses DefaultDebounce. builder nil
// uses a request shape of {textDocument:{uri}, identifier:null,
// previousResultId:null} per spec.md §4.4.
func New(host Host, debounce time.Duration, builder RequestBuilder) *Bridge {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if builder == nil {
		builder = defaultRequestBuilder
	}
	return &Bridge{
		host:           host,
		builder:        builder,
		debounce:       debounce,
		pendingPreInit: make(map[string]struct{}),
		states:         make(map[string]*uriState),
	}
}

func defaultRequestBuilder(uri string) (string, any) {
	return "textDocument/diagnostic", map[string]any{
		"textDocument":     map[string]string{"uri": uri},
		"identifier":       nil,
		"previousResultId": nil,
	}
}

// OnFileEvent records a didOpen/didChange/didSave for uri. Before
// init-done, events accumulate into a pending set; afterward, each event
// (re)schedules a debounced pull request.
func (b *Bridge) OnFileEvent(uri string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initDone {
		b.pendingPreInit[uri] = struct{}{}
		return
	}
	b.scheduleLocked(uri)
}

// OnDidClose discards all state for uri: cancels any pending debounce
// timer, drops cached diagnostics, forgets pre-init pending state, and
// clears the in-flight flag.
func (b *Bridge) OnDidClose(uri string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.pendingPreInit, uri)
	if st, ok := b.states[uri]; ok {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(b.states, uri)
	}
}

// NotifyInitDone transitions the bridge to its post-init phase and
// schedules every URI that accumulated events before now.
func (b *Bridge) NotifyInitDone() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.initDone = true
	for uri := range b.pendingPreInit {
		b.scheduleLocked(uri)
	}
	b.pendingPreInit = make(map[string]struct{})
}

// scheduleLocked must be called with b.mu held. It coalesces bursts of
// events within the debounce window into a single pull request per URI, and
// defers to HandleResponse's reschedule flag if a request for uri is
// already in flight.
func (b *Bridge) scheduleLocked(uri string) {
	st := b.states[uri]
	if st == nil {
		st = &uriState{}
		b.states[uri] = st
	}
	if st.inFlight {
		st.reschedule = true
		return
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(b.debounce, func() { b.fire(uri) })
}

// fire runs on the debounce timer's own goroutine once the window elapses.
// It must not hold b.mu while calling into Host, per the Host interface's
// documented invariant.
func (b *Bridge) fire(uri string) {
	b.mu.Lock()
	st, ok := b.states[uri]
	if !ok {
		b.mu.Unlock()
		return
	}
	st.timer = nil
	b.mu.Unlock()

	if !b.host.HasNonPullClients() {
		// Nothing to serve; leave the URI idle until the next file event
		// re-schedules it (possibly after a pull client disconnects).
		return
	}

	b.mu.Lock()
	st, ok = b.states[uri]
	if !ok {
		// uri was closed (OnDidClose) while HasNonPullClients ran.
		b.mu.Unlock()
		return
	}
	st.inFlight = true
	b.mu.Unlock()

	method, params := b.builder(uri)
	b.host.SendDiagnosticRequest(uri, method, params)
}

// diagnosticResult mirrors the narrow fields the bridge inspects in a
// textDocument/diagnostic response: result.kind and result.items.
type diagnosticResult struct {
	Kind  string            `json:"kind"`
	Items []json.RawMessage `json:"items"`
}

// HandleResponse processes the server's reply to a bridge-initiated
// request for uri, per spec.md §4.4:
//
//   - kind == "full": publish and cache result.items
//   - kind == "unchanged": republish the last cached items (or empty)
//   - otherwise, if items is an array: publish it
//   - anything else: publish an empty array
//
// rpcErr non-nil (the server answered with a JSON-RPC error) is treated the
// same as "anything else": an empty array is published so stale diagnostics
// are not left on screen.
func (b *Bridge) HandleResponse(uri string, result json.RawMessage, rpcErr error) {
	b.mu.Lock()
	st, ok := b.states[uri]
	if !ok {
		b.mu.Unlock()
		return
	}
	st.inFlight = false
	reschedule := st.reschedule
	st.reschedule = false

	items := b.resolveItemsLocked(st, result, rpcErr)
	b.mu.Unlock()

	b.host.Publish(uri, items)

	if reschedule {
		b.mu.Lock()
		b.scheduleLocked(uri)
		b.mu.Unlock()
	}
}

func (b *Bridge) resolveItemsLocked(st *uriState, result json.RawMessage, rpcErr error) []json.RawMessage {
	if rpcErr != nil {
		return []json.RawMessage{}
	}

	var parsed diagnosticResult
	hasParsed := len(result) > 0 && json.Unmarshal(result, &parsed) == nil

	switch {
	case hasParsed && parsed.Kind == "full":
		st.lastItems = parsed.Items
		st.hasCache = true
		return nonNil(parsed.Items)
	case hasParsed && parsed.Kind == "unchanged":
		if st.hasCache {
			return nonNil(st.lastItems)
		}
		return []json.RawMessage{}
	case hasParsed && parsed.Items != nil:
		return nonNil(parsed.Items)
	default:
		return []json.RawMessage{}
	}
}

func nonNil(items []json.RawMessage) []json.RawMessage {
	if items == nil {
		return []json.RawMessage{}
	}
	return items
}
