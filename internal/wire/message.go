package wire

import (
	"encoding/json"
	"fmt"
)

// Kind classifies a decoded Message per the three JSON-RPC envelope shapes.
type Kind int

const (
	// KindUnknown is returned for a message that fits none of the three
	// recognized shapes (e.g. has neither a method nor a result/error).
	KindUnknown Kind = iota
	Request
	Response
	Notification
)

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes the mux emits itself.
const (
	ErrCodeMethodNotFound = -32601
	ErrCodeInternalError  = -32603
)

// Message is an opaque JSON-RPC envelope. Fields the core does not inspect
// are kept as raw JSON so re-encoding never loses information the mux wasn't
// asked to rewrite.
type Message struct {
	Method string          `json:"method,omitempty"`
	ID     *ID             `json:"id,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// wireEnvelope is the on-the-wire shape, including the "jsonrpc" version tag
// that Message omits because the core never inspects it.
type wireEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	ID      *ID             `json:"id,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Kind classifies the message per spec.md §3: a request has both a method
// and an id; a response has an id and a result or error, no method; a
// notification has a method but no id.
func (m *Message) Kind() Kind {
	switch {
	case m.Method != "" && m.ID != nil:
		return Request
	case m.ID != nil && m.Method == "" && (m.Result != nil || m.Error != nil):
		return Response
	case m.Method != "" && m.ID == nil:
		return Notification
	default:
		return KindUnknown
	}
}

// Clone returns a shallow copy safe to mutate (e.g. to replace ID) without
// disturbing the original decoded message.
func (m *Message) Clone() *Message {
	out := *m
	return &out
}

// NewRequest builds a request message. params may be nil.
func NewRequest(id ID, method string, params json.RawMessage) *Message {
	return &Message{Method: method, ID: &id, Params: params}
}

// NewNotification builds a notification message.
func NewNotification(method string, params json.RawMessage) *Message {
	return &Message{Method: method, Params: params}
}

// NewResult builds a successful response.
func NewResult(id ID, result json.RawMessage) *Message {
	return &Message{ID: &id, Result: result}
}

// NewError builds an error response.
func NewError(id ID, code int64, message string) *Message {
	return &Message{ID: &id, Error: &RPCError{Code: code, Message: message}}
}

// Decode parses a single JSON-RPC body (the bytes after the Content-Length
// header) into a Message.
func Decode(body []byte) (*Message, error) {
	var env wireEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("wire: decode body: %w", err)
	}
	return &Message{
		Method: env.Method,
		ID:     env.ID,
		Params: env.Params,
		Result: env.Result,
		Error:  env.Error,
	}, nil
}

// EncodeBody serializes a Message into its JSON-RPC body, re-synthesizing
// the "jsonrpc":"2.0" tag the Message type itself does not carry. Encode
// (framer.go) wraps this with the Content-Length header for the wire.
func EncodeBody(m *Message) ([]byte, error) {
	env := wireEnvelope{
		JSONRPC: "2.0",
		Method:  m.Method,
		ID:      m.ID,
		Params:  m.Params,
		Result:  m.Result,
		Error:   m.Error,
	}
	return json.Marshal(env)
}
