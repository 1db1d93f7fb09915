package protocol

import (
	"encoding/json"
	"time"
)

// EventKind discriminates the adapter-agnostic event union
type EventKind string

const (
	EventMessage     EventKind = "message"      // assistant content delta/replacement
	EventToolCall    EventKind = "tool-call"    // tool invocation requested by the agent
	EventToolResult  EventKind = "tool-result"  // outcome for a previously seen tool call
	EventStateUpdate EventKind = "state-update" // opaque out-of-band state payload
	EventError       EventKind = "error"        // terminal or recoverable failure
)

// Event is the unified shape every adapter emits. Exactly one payload field
// matching Kind is set.
type Event struct {
	Kind       EventKind         `json:"kind"`
	Message    *MessageEvent     `json:"message,omitempty"`
	ToolCall   *ToolCallEvent    `json:"toolCall,omitempty"`
	ToolResult *ToolResultEvent  `json:"toolResult,omitempty"`
	State      *StateUpdateEvent `json:"state,omitempty"`
	Err        *ErrorEvent       `json:"error,omitempty"`
}

// MessageEvent carries assistant text correlated by a stable message id.
// Content is the full accumulated text so far; consumers replace, not append.
type MessageEvent struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
	Done    bool   `json:"done"`
}

// ToolCallEvent carries a (possibly still streaming) tool invocation.
// Done reports that the argument object is complete.
type ToolCallEvent struct {
	Request ToolCallRequest `json:"request"`
	Done    bool            `json:"done"`
}

// ToolResultEvent carries the outcome for a call id
type ToolResultEvent struct {
	ToolCallID string      `json:"toolCallId"`
	Result     interface{} `json:"result,omitempty"`
	Err        string      `json:"error,omitempty"`
}

// StateUpdateEvent carries an opaque state payload. Some transports signal
// tool completion only through these.
type StateUpdateEvent struct {
	Payload json.RawMessage `json:"payload"`
}

// ErrorEvent reports a transport or protocol failure. Fatal means the adapter
// instance is unusable until reconnect.
type ErrorEvent struct {
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
}

// ToolCallRequest identifies one tool invocation. Values are immutable once
// dispatched: adapters that merge streamed argument fragments build a new
// request value per update rather than mutating the shared one.
type ToolCallRequest struct {
	ToolCallID string                 `json:"toolCallId"`
	ToolName   string                 `json:"toolName"`
	Args       map[string]interface{} `json:"args,omitempty"`
}

// WithArgs returns a copy of the request carrying the given argument object
func (r ToolCallRequest) WithArgs(args map[string]interface{}) ToolCallRequest {
	return ToolCallRequest{ToolCallID: r.ToolCallID, ToolName: r.ToolName, Args: args}
}

// ToolExecutionResult is produced exactly once per ToolCallRequest
type ToolExecutionResult struct {
	Success       bool          `json:"success"`
	Result        interface{}   `json:"result,omitempty"`
	Error         string        `json:"error,omitempty"`
	ExecutionTime time.Duration `json:"executionTime,omitempty"`
}

// ToolDef is the wire-facing description of a registered tool, advertised to
// transports that accept a tool list on each turn.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

func messageEvent(id, content string, done bool) Event {
	return Event{Kind: EventMessage, Message: &MessageEvent{ID: id, Role: RoleAssistant, Content: content, Done: done}}
}

func toolCallEvent(req ToolCallRequest, done bool) Event {
	return Event{Kind: EventToolCall, ToolCall: &ToolCallEvent{Request: req, Done: done}}
}

func toolResultEvent(callID string, result interface{}, errMsg string) Event {
	return Event{Kind: EventToolResult, ToolResult: &ToolResultEvent{ToolCallID: callID, Result: result, Err: errMsg}}
}

func stateUpdateEvent(payload json.RawMessage) Event {
	return Event{Kind: EventStateUpdate, State: &StateUpdateEvent{Payload: payload}}
}

func errorEvent(msg string, fatal bool) Event {
	return Event{Kind: EventError, Err: &ErrorEvent{Message: msg, Fatal: fatal}}
}
