package protocol

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// ConnState tracks the lifecycle of one adapter's transport handle.
// Each adapter instance exclusively owns its state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateError        ConnState = "error"
)

// SendOptions carries per-send parameters
type SendOptions struct {
	// Tools advertised to transports that accept a tool list per turn
	Tools []ToolDef

	// Stream selects the streaming variant on transports that offer both a
	// blocking and a streaming send (A2A message/stream vs message/send)
	Stream bool

	// RunID correlates the turn; a fresh id is generated when empty
	RunID string
}

// Adapter is the contract every protocol implementation satisfies.
//
// Connect is idempotent: calling it while connected is a no-op. Subscribe
// fans out: every subscriber receives every event. Disconnect releases the
// transport and transitions to StateDisconnected even while a send is in
// flight; the in-flight send's eventual result is discarded by the caller.
// Failures after connection establishment are emitted as error events, not
// returned from Connect.
type Adapter interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect()
	State() ConnState
	Subscribe(handler func(Event)) (unsubscribe func())
	SendMessage(ctx context.Context, text string, opts SendOptions) error
}

// ToolResultSender is implemented by adapters whose wire protocol accepts a
// tool result continuation for a pending call.
type ToolResultSender interface {
	SendToolResult(ctx context.Context, callID string, result interface{}) error
}

// emitter implements Subscribe fan-out for all adapters
type emitter struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(Event)
}

func (e *emitter) Subscribe(handler func(Event)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.subs == nil {
		e.subs = make(map[int]func(Event))
	}
	id := e.nextID
	e.nextID++
	e.subs[id] = handler

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs, id)
	}
}

func (e *emitter) emit(ev Event) {
	e.mu.Lock()
	handlers := make([]func(Event), 0, len(e.subs))
	for _, h := range e.subs {
		handlers = append(handlers, h)
	}
	e.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

// connState is the mutex-guarded state cell shared by the HTTP adapters
type connState struct {
	mu sync.Mutex
	s  ConnState
}

func (c *connState) get() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.s == "" {
		return StateDisconnected
	}
	return c.s
}

func (c *connState) set(s ConnState) {
	c.mu.Lock()
	c.s = s
	c.mu.Unlock()
}

// beginConnect transitions to connecting, reporting whether it did. Already
// connecting or connected is a no-op; the error state is re-entered as a
// reconnect rather than left terminal.
func (c *connState) beginConnect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.s {
	case StateConnecting, StateConnected:
		return false
	}
	c.s = StateConnecting
	return true
}

func defaultHTTPClient(client *http.Client) *http.Client {
	if client != nil {
		return client
	}
	return &http.Client{Timeout: 0} // streaming responses must not be cut off
}

// ReconnectPolicy bounds the ACP adapter's reconnection loop
type ReconnectPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}
