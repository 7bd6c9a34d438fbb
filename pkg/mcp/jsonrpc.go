package mcp

import "encoding/json"

// Request is a JSON-RPC 2.0 request message.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"` // nil for notifications
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response message.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error object in a JSON-RPC 2.0 response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return e.Message }

// Message is an incoming JSON-RPC message before classification: it may be a
// response (ID set, no method) or a server-initiated notification (method
// set, no ID).
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// IsNotification reports whether the message is a server-initiated
// notification rather than a response to one of our requests.
func (m *Message) IsNotification() bool {
	return m.ID == nil && m.Method != ""
}

// Response converts a correlated message back into a response envelope.
func (m *Message) Response() Response {
	var id int64
	if m.ID != nil {
		id = *m.ID
	}
	return Response{JSONRPC: m.JSONRPC, ID: id, Result: m.Result, Error: m.Error}
}

// newRequest creates a JSON-RPC 2.0 request with the given ID, method, and params.
func newRequest(id int64, method string, params any) Request {
	return Request{
		JSONRPC: "2.0",
		ID:      &id,
		Method:  method,
		Params:  params,
	}
}

// newNotification creates a JSON-RPC 2.0 notification (no ID, no response expected).
func newNotification(method string, params any) Request {
	return Request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
	}
}
