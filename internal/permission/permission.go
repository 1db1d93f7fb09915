// Package permission models human-in-the-loop approval: the blocking
// frontend gate used by the tool executor, and the single-slot tracker for
// server-initiated permission requests on the session protocol.
package permission

import (
	"fmt"
	"sync"
	"time"
)

// Option is one choice offered by a permission request
type Option struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name,omitempty"`
	Kind     string `json:"kind,omitempty"` // allow_once, allow_always, reject_once, reject_always
}

// Request describes a tool call awaiting approval
type Request struct {
	RequestID interface{}            `json:"requestId"`
	SessionID string                 `json:"sessionId,omitempty"`
	ToolName  string                 `json:"toolName"`
	Args      map[string]interface{} `json:"args,omitempty"`
	Options   []Option               `json:"options,omitempty"`
}

// Decision resolves a pending request
type Decision struct {
	Granted  bool
	OptionID string
}

// State of the tracker's approval flow
type State int

const (
	StateNone State = iota
	StatePending
	StateResolved
)

// Tracker holds at most one outstanding permission request. It is reached
// from StatePending by exactly one of grant, deny, or timeout; a second
// incoming request while one is pending is rejected, not queued.
type Tracker struct {
	mu    sync.Mutex
	state State
	req   *Request
	ch    chan Decision
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// Begin registers a pending request and returns the channel its decision
// will arrive on. Fails if another request is already pending.
func (t *Tracker) Begin(req Request) (<-chan Decision, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == StatePending {
		return nil, fmt.Errorf("permission request %v already pending", t.req.RequestID)
	}

	r := req
	t.req = &r
	t.state = StatePending
	t.ch = make(chan Decision, 1)
	return t.ch, nil
}

// Resolve delivers the decision for the pending request. Only the first
// resolution counts.
func (t *Tracker) Resolve(d Decision) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StatePending {
		return fmt.Errorf("no pending permission request")
	}

	// Grant with no explicit option selects the first offered one
	if d.Granted && d.OptionID == "" && len(t.req.Options) > 0 {
		d.OptionID = t.req.Options[0].OptionID
	}

	t.state = StateResolved
	t.ch <- d
	t.ch = nil
	return nil
}

// Expire resolves the pending request as denied if it is still pending
func (t *Tracker) Expire() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StatePending {
		return
	}
	t.state = StateResolved
	t.ch <- Decision{Granted: false}
	t.ch = nil
}

func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Pending returns a copy of the outstanding request, if any
func (t *Tracker) Pending() (Request, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StatePending || t.req == nil {
		return Request{}, false
	}
	return *t.req, true
}

// Handler manages multiple pending approval requests keyed by id; the tool
// executor's frontend gate blocks on Submit.
type Handler struct {
	pending   map[string]chan Decision
	mu        sync.Mutex
	onRequest func(Request)
	timeout   time.Duration
}

func NewHandler(timeout time.Duration) *Handler {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Handler{
		pending: make(map[string]chan Decision),
		timeout: timeout,
	}
}

// OnRequest sets the callback invoked for each new approval request
func (h *Handler) OnRequest(callback func(Request)) {
	h.onRequest = callback
}

// Submit registers a request and blocks until it is resolved or times out.
// A timeout denies.
func (h *Handler) Submit(id string, req Request) (Decision, error) {
	h.mu.Lock()
	ch := make(chan Decision, 1)
	h.pending[id] = ch
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.pending, id)
		h.mu.Unlock()
	}()

	if h.onRequest != nil {
		h.onRequest(req)
	}

	select {
	case d := <-ch:
		return d, nil
	case <-time.After(h.timeout):
		return Decision{Granted: false}, nil
	}
}

// PendingIDs lists the ids of requests still awaiting a decision
func (h *Handler) PendingIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.pending))
	for id := range h.pending {
		ids = append(ids, id)
	}
	return ids
}

// Resolve completes a pending request by id
func (h *Handler) Resolve(id string, d Decision) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.pending[id]; ok {
		ch <- d
	}
}
