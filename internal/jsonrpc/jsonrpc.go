// Package jsonrpc holds the JSON-RPC 2.0 frame types shared by the A2A and
// ACP adapters. Both protocols exchange newline- or HTTP-framed 2.0 messages;
// only the transport differs.
package jsonrpc

import "encoding/json"

const Version = "2.0"

// Standard error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request represents a JSON-RPC request
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Response represents a JSON-RPC response
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error represents a JSON-RPC error object
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// Notification represents a JSON-RPC notification (no ID)
type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Frame is the decode target for an incoming message whose kind is not yet
// known: request, notification, or response.
type Frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// IsNotification reports whether the frame is a method call without an id
func (f *Frame) IsNotification() bool {
	return f.Method != "" && f.ID == nil
}

// IsRequest reports whether the frame is a method call expecting a reply
func (f *Frame) IsRequest() bool {
	return f.Method != "" && f.ID != nil
}

// IsResponse reports whether the frame answers a previously sent request
func (f *Frame) IsResponse() bool {
	return f.Method == "" && (f.Result != nil || f.Error != nil)
}

// NewRequest builds a request frame
func NewRequest(id interface{}, method string, params interface{}) Request {
	return Request{JSONRPC: Version, ID: id, Method: method, Params: params}
}

// NewNotification builds a notification frame
func NewNotification(method string, params interface{}) Notification {
	return Notification{JSONRPC: Version, Method: method, Params: params}
}

// NewResult builds a success response frame
func NewResult(id interface{}, result interface{}) (Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return Response{}, err
	}
	return Response{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewError builds an error response frame
func NewError(id interface{}, code int, message string) Response {
	return Response{JSONRPC: Version, ID: id, Error: &Error{Code: code, Message: message}}
}
