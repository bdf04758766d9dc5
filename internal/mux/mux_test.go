package mux

import (
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ianremillard/lspmux/internal/registry"
	"github.com/ianremillard/lspmux/internal/wire"
)

// harness wires a Mux to an in-memory fake server stream (via io.Pipe) so
// tests can play the server's side of the protocol directly.
type harness struct {
	t *testing.T
	m *Mux

	serverWritesToMux *io.PipeWriter // test writes "server output" here
	muxWritesToServer *io.PipeReader // test reads "what mux sent the server" here

	serverDec *wire.Decoder
}

func newHarness(t *testing.T, spec *registry.Spec) *harness {
	t.Helper()
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	h := &harness{
		t:                 t,
		serverWritesToMux: stdoutW,
		muxWritesToServer: stdinR,
		serverDec:         wire.NewDecoder(stdinR),
	}
	h.m = New(Config{
		Spec:         spec,
		ServerStdin:  stdinW,
		ServerStdout: stdoutR,
		IdleDelay:    10 * time.Second,
	})
	t.Cleanup(func() {
		stdinW.Close()
		stdoutW.Close()
	})
	return h
}

// recvFromServer blocks until the mux has written one message to the
// server, decodes it, and returns it.
func (h *harness) recvFromServer() *wire.Message {
	h.t.Helper()
	msg, err := h.serverDec.Decode()
	require.NoError(h.t, err)
	return msg
}

// sendFromServer plays the server side: writes msg as if the child process
// emitted it.
func (h *harness) sendFromServer(msg *wire.Message) {
	h.t.Helper()
	payload, err := wire.Encode(msg)
	require.NoError(h.t, err)
	_, err = h.serverWritesToMux.Write(payload)
	require.NoError(h.t, err)
}

func (h *harness) addClient() (net.Conn, ClientID) {
	server, client := net.Pipe()
	id := h.m.AddClient(server)
	return client, id
}

func sendFromClient(t *testing.T, conn net.Conn, msg *wire.Message) {
	t.Helper()
	payload, err := wire.Encode(msg)
	require.NoError(t, err)
	_, err = conn.Write(payload)
	require.NoError(t, err)
}

func recvFromClient(t *testing.T, conn net.Conn) *wire.Message {
	t.Helper()
	dec := wire.NewDecoder(conn)
	msg, err := dec.Decode()
	require.NoError(t, err)
	return msg
}

func TestInitializeForwardedAndCachedForLateJoiner(t *testing.T) {
	h := newHarness(t, nil)
	c1, _ := h.addClient()

	initID := wire.StringID("init-1")
	sendFromClient(t, c1, &wire.Message{Method: "initialize", ID: &initID, Params: json.RawMessage(`{"capabilities":{}}`)})

	serverReq := h.recvFromServer()
	assert.Equal(t, "initialize", serverReq.Method)
	n, ok := serverReq.ID.Int64()
	require.True(t, ok)

	result := json.RawMessage(`{"capabilities":{"textDocumentSync":1}}`)
	respID := wire.IntID(n)
	h.sendFromServer(&wire.Message{ID: &respID, Result: result})

	got := recvFromClient(t, c1)
	assert.JSONEq(t, string(result), string(got.Result))
	gotID, ok := got.ID.String()
	require.True(t, ok)
	assert.Equal(t, "init-1", gotID)

	// A second client joining after init-done gets the cached result
	// without the mux issuing a second initialize to the server.
	c2, _ := h.addClient()
	initID2 := wire.IntID(42)
	sendFromClient(t, c2, &wire.Message{Method: "initialize", ID: &initID2, Params: json.RawMessage(`{"capabilities":{}}`)})

	got2 := recvFromClient(t, c2)
	assert.JSONEq(t, string(result), string(got2.Result))
	n2, ok := got2.ID.Int64()
	require.True(t, ok)
	assert.Equal(t, int64(42), n2)
}

func TestDeferredInitializeDuringInProgress(t *testing.T) {
	h := newHarness(t, nil)
	c1, _ := h.addClient()
	c2, _ := h.addClient()

	id1 := wire.IntID(1)
	sendFromClient(t, c1, &wire.Message{Method: "initialize", ID: &id1, Params: json.RawMessage(`{}`)})
	serverReq := h.recvFromServer()

	id2 := wire.IntID(2)
	sendFromClient(t, c2, &wire.Message{Method: "initialize", ID: &id2, Params: json.RawMessage(`{}`)})

	// The second initialize must not reach the server while the first is
	// still outstanding: the server should next see whatever c2 sends
	// only after responding, never a second "initialize" method.
	result := json.RawMessage(`{"ok":true}`)
	sn, _ := serverReq.ID.Int64()
	respID := wire.IntID(sn)
	h.sendFromServer(&wire.Message{ID: &respID, Result: result})

	got1 := recvFromClient(t, c1)
	assert.JSONEq(t, string(result), string(got1.Result))
	got2 := recvFromClient(t, c2)
	assert.JSONEq(t, string(result), string(got2.Result))
}

func TestServerInitiatedRequestForwardedToPrimary(t *testing.T) {
	h := newHarness(t, nil)
	c1, _ := h.addClient()
	completeInit(t, h, c1, "p")

	reqID := wire.IntID(7)
	h.sendFromServer(&wire.Message{Method: "window/showMessageRequest", ID: &reqID, Params: json.RawMessage(`{"message":"hi"}`)})

	forwarded := recvFromClient(t, c1)
	assert.Equal(t, "window/showMessageRequest", forwarded.Method)
	negN, ok := forwarded.ID.Int64()
	require.True(t, ok)
	assert.Less(t, negN, int64(0))

	answer := json.RawMessage(`{"title":"OK"}`)
	sendFromClient(t, c1, &wire.Message{ID: forwarded.ID, Result: answer})

	back := h.recvFromServer()
	assert.JSONEq(t, string(answer), string(back.Result))
	n, ok := back.ID.Int64()
	require.True(t, ok)
	assert.Equal(t, int64(7), n)
}

func TestNoClientsConnectedYieldsMethodNotFound(t *testing.T) {
	h := newHarness(t, nil)
	reqID := wire.IntID(9)
	h.sendFromServer(&wire.Message{Method: "window/showMessageRequest", ID: &reqID, Params: json.RawMessage(`{}`)})

	back := h.recvFromServer()
	require.NotNil(t, back.Error)
	assert.Equal(t, int64(wire.ErrCodeMethodNotFound), back.Error.Code)
}

func TestRegisterCapabilityShortCircuit(t *testing.T) {
	h := newHarness(t, nil)
	reqID := wire.IntID(3)
	h.sendFromServer(&wire.Message{Method: "client/registerCapability", ID: &reqID, Params: json.RawMessage(`{}`)})

	back := h.recvFromServer()
	assert.Equal(t, "null", string(back.Result))
	assert.Nil(t, back.Error)
}

func TestWorkspaceConfigurationShortCircuit(t *testing.T) {
	h := newHarness(t, nil)
	reqID := wire.IntID(4)
	h.sendFromServer(&wire.Message{
		Method: "workspace/configuration",
		ID:     &reqID,
		Params: json.RawMessage(`{"items":[{"section":"a"},{"section":"b"}]}`),
	})

	back := h.recvFromServer()
	var arr []json.RawMessage
	require.NoError(t, json.Unmarshal(back.Result, &arr))
	require.Len(t, arr, 2)
	for _, item := range arr {
		assert.Equal(t, "null", string(item))
	}
}

func TestClientRequestRoundTripsWithOriginalID(t *testing.T) {
	h := newHarness(t, nil)
	c1, _ := h.addClient()
	completeInit(t, h, c1, "p")

	origID := wire.StringID("def-1")
	sendFromClient(t, c1, &wire.Message{Method: "textDocument/definition", ID: &origID, Params: json.RawMessage(`{}`)})

	serverReq := h.recvFromServer()
	assert.Equal(t, "textDocument/definition", serverReq.Method)
	_, isInt := serverReq.ID.Int64()
	assert.True(t, isInt, "mux must translate client id into its own integer id space")

	result := json.RawMessage(`[{"uri":"file:///a.ts"}]`)
	h.sendFromServer(&wire.Message{ID: serverReq.ID, Result: result})

	got := recvFromClient(t, c1)
	gotID, ok := got.ID.String()
	require.True(t, ok)
	assert.Equal(t, "def-1", gotID)
	assert.JSONEq(t, string(result), string(got.Result))
}

func TestIDCollisionAcrossClientsIsImmune(t *testing.T) {
	h := newHarness(t, nil)
	c1, _ := h.addClient()
	c2, _ := h.addClient()
	completeInit(t, h, c1, "p")
	drainCachedInit(t, h, c2)

	id := wire.IntID(1)
	sendFromClient(t, c1, &wire.Message{Method: "textDocument/hover", ID: &id, Params: json.RawMessage(`{"who":"one"}`)})
	sendFromClient(t, c2, &wire.Message{Method: "textDocument/hover", ID: &id, Params: json.RawMessage(`{"who":"two"}`)})

	req1 := h.recvFromServer()
	req2 := h.recvFromServer()
	n1, _ := req1.ID.Int64()
	n2, _ := req2.ID.Int64()
	assert.NotEqual(t, n1, n2, "mux must mint distinct server-facing ids even for identical client ids")

	h.sendFromServer(&wire.Message{ID: req1.ID, Result: json.RawMessage(`"one"`)})
	h.sendFromServer(&wire.Message{ID: req2.ID, Result: json.RawMessage(`"two"`)})

	got1 := recvFromClient(t, c1)
	got2 := recvFromClient(t, c2)
	assert.Equal(t, `"one"`, string(got1.Result))
	assert.Equal(t, `"two"`, string(got2.Result))
	g1, _ := got1.ID.Int64()
	g2, _ := got2.ID.Int64()
	assert.Equal(t, int64(1), g1)
	assert.Equal(t, int64(1), g2)
}

func TestServerNotificationBroadcastToAllClients(t *testing.T) {
	h := newHarness(t, nil)
	c1, _ := h.addClient()
	c2, _ := h.addClient()
	completeInit(t, h, c1, "p")
	drainCachedInit(t, h, c2)

	h.sendFromServer(&wire.Message{Method: "$/progress", Params: json.RawMessage(`{"token":"x"}`)})

	got1 := recvFromClient(t, c1)
	got2 := recvFromClient(t, c2)
	assert.Equal(t, "$/progress", got1.Method)
	assert.Equal(t, "$/progress", got2.Method)
}

func TestPrimarySuccessionOnDeparture(t *testing.T) {
	h := newHarness(t, nil)
	c1, _ := h.addClient()
	id1 := h.clientID(c1)
	completeInit(t, h, c1, "p")

	c2, id2 := h.addClient()
	drainCachedInit(t, h, c2)

	require.Equal(t, id1, h.m.primaryID())
	c1.Close()

	require.Eventually(t, func() bool {
		return h.m.primaryID() == id2
	}, time.Second, time.Millisecond)
}

// completeInit drives a full initialize handshake for conn and waits for
// its response, so subsequent server-initiated-request tests have a
// primary in place.
func completeInit(t *testing.T, h *harness, conn net.Conn, idStr string) {
	t.Helper()
	id := wire.StringID(idStr)
	sendFromClient(t, conn, &wire.Message{Method: "initialize", ID: &id, Params: json.RawMessage(`{}`)})
	serverReq := h.recvFromServer()
	result := json.RawMessage(`{"capabilities":{}}`)
	h.sendFromServer(&wire.Message{ID: serverReq.ID, Result: result})
	recvFromClient(t, conn)
}

// drainCachedInit sends initialize for a client joining after init is
// already done and reads the cached reply.
func drainCachedInit(t *testing.T, h *harness, conn net.Conn) {
	t.Helper()
	id := wire.IntID(99)
	sendFromClient(t, conn, &wire.Message{Method: "initialize", ID: &id, Params: json.RawMessage(`{}`)})
	recvFromClient(t, conn)
}

// bridgeSpec is a Diagnostics: Bridge spec for exercising the pull-to-push
// path end to end through the Mux (spec.md §8 S2/S3).
func bridgeSpec() *registry.Spec {
	return &registry.Spec{
		Name:             "bridge-test",
		Diagnostics:      registry.Bridge,
		DebounceInterval: 10 * time.Millisecond,
	}
}

func TestBridgeSynthesizesPublishDiagnosticsForNonPullClient(t *testing.T) {
	h := newHarness(t, bridgeSpec())
	c1, _ := h.addClient()
	completeInit(t, h, c1, "p")

	sendFromClient(t, c1, &wire.Message{Method: "textDocument/didOpen", Params: json.RawMessage(`{"textDocument":{"uri":"file:///x.ts"}}`)})

	// The didOpen notification itself is forwarded to the server first.
	fwd := h.recvFromServer()
	assert.Equal(t, "textDocument/didOpen", fwd.Method)

	req := h.recvFromServer()
	assert.Equal(t, "textDocument/diagnostic", req.Method)

	h.sendFromServer(&wire.Message{
		ID:     req.ID,
		Result: json.RawMessage(`{"kind":"full","items":[{"message":"from pull"}]}`),
	})

	got := recvFromClient(t, c1)
	assert.Equal(t, "textDocument/publishDiagnostics", got.Method)
	var params struct {
		URI         string            `json:"uri"`
		Diagnostics []json.RawMessage `json:"diagnostics"`
	}
	require.NoError(t, json.Unmarshal(got.Params, &params))
	assert.Equal(t, "file:///x.ts", params.URI)
	require.Len(t, params.Diagnostics, 1)
	assert.JSONEq(t, `{"message":"from pull"}`, string(params.Diagnostics[0]))
}

func TestBridgeNotDeliveredToPullCapableClient(t *testing.T) {
	h := newHarness(t, bridgeSpec())
	c1, _ := h.addClient() // non-pull primary
	completeInit(t, h, c1, "p")

	c2, _ := h.addClient() // advertises pull diagnostics
	id2 := wire.IntID(99)
	sendFromClient(t, c2, &wire.Message{
		Method: "initialize",
		ID:     &id2,
		Params: json.RawMessage(`{"capabilities":{"textDocument":{"diagnostic":{}}}}`),
	})
	recvFromClient(t, c2)

	sendFromClient(t, c1, &wire.Message{Method: "textDocument/didSave", Params: json.RawMessage(`{"textDocument":{"uri":"file:///x.ts"}}`)})

	// The didSave notification itself is forwarded to the server first.
	fwd := h.recvFromServer()
	assert.Equal(t, "textDocument/didSave", fwd.Method)

	req := h.recvFromServer()
	assert.Equal(t, "textDocument/diagnostic", req.Method)
	h.sendFromServer(&wire.Message{
		ID:     req.ID,
		Result: json.RawMessage(`{"kind":"full","items":[{"message":"m"}]}`),
	})

	got := recvFromClient(t, c1)
	assert.Equal(t, "textDocument/publishDiagnostics", got.Method)

	// c2 must never see a synthesized publish; confirm by sending it a
	// distinguishable notification afterward and checking that arrives
	// first (i.e. nothing queued ahead of it for c2).
	h.sendFromServer(&wire.Message{Method: "$/progress", Params: json.RawMessage(`{"token":"done"}`)})
	gotC2 := recvFromClient(t, c2)
	assert.Equal(t, "$/progress", gotC2.Method)
}

func TestBridgeUnchangedReplaysLastPublished(t *testing.T) {
	h := newHarness(t, bridgeSpec())
	c1, _ := h.addClient()
	completeInit(t, h, c1, "p")

	sendFromClient(t, c1, &wire.Message{Method: "textDocument/didOpen", Params: json.RawMessage(`{"textDocument":{"uri":"file:///x.ts"}}`)})
	fwdOpen := h.recvFromServer() // the forwarded didOpen itself
	assert.Equal(t, "textDocument/didOpen", fwdOpen.Method)
	req1 := h.recvFromServer()
	assert.Equal(t, "textDocument/diagnostic", req1.Method)
	h.sendFromServer(&wire.Message{
		ID:     req1.ID,
		Result: json.RawMessage(`{"kind":"full","items":[{"message":"cached"}]}`),
	})
	first := recvFromClient(t, c1)
	assert.Equal(t, "textDocument/publishDiagnostics", first.Method)

	sendFromClient(t, c1, &wire.Message{Method: "textDocument/didSave", Params: json.RawMessage(`{"textDocument":{"uri":"file:///x.ts"}}`)})
	fwdSave := h.recvFromServer() // the forwarded didSave itself
	assert.Equal(t, "textDocument/didSave", fwdSave.Method)
	req2 := h.recvFromServer()
	assert.Equal(t, "textDocument/diagnostic", req2.Method)
	h.sendFromServer(&wire.Message{ID: req2.ID, Result: json.RawMessage(`{"kind":"unchanged"}`)})

	second := recvFromClient(t, c1)
	var params struct {
		Diagnostics []json.RawMessage `json:"diagnostics"`
	}
	require.NoError(t, json.Unmarshal(second.Params, &params))
	require.Len(t, params.Diagnostics, 1)
	assert.JSONEq(t, `{"message":"cached"}`, string(params.Diagnostics[0]))
}

func (h *harness) clientID(conn net.Conn) ClientID {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	return h.m.order[len(h.m.order)-1]
}

func (m *Mux) primaryID() ClientID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.primary
}
