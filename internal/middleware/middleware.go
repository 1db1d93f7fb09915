// Package middleware runs registered hooks around the conversation flow:
// before an outbound send, after each received event, around tool calls and
// tool results, and on errors.
package middleware

import (
	"fmt"
	"sort"
	"sync"

	"github.com/open-agents/agentlink/internal/logger"
	"github.com/open-agents/agentlink/internal/protocol"
)

// Context carries the conversation identity and a free-form property bag
// shared by every hook in one run.
type Context struct {
	ThreadID   string
	RunID      string
	Properties map[string]interface{}
}

// Request is the mutable outbound message passed through BeforeSend hooks
type Request struct {
	Text    string
	Options protocol.SendOptions

	abort       bool
	abortReason string
}

// Abort stops the send; no later hook runs and nothing goes on the wire
func (r *Request) Abort(reason string) {
	r.abort = true
	r.abortReason = reason
}

func (r *Request) Aborted() (bool, string) {
	return r.abort, r.abortReason
}

// ToolCallDecision is what an OnToolCall hook returns. Proceed=false vetoes
// the call; Request may carry a rewritten argument object.
type ToolCallDecision struct {
	Request protocol.ToolCallRequest
	Proceed bool
	Reason  string
}

// Entry is one registered middleware. Nil hooks are skipped. Lower priority
// runs first; entries with equal priority run in registration order.
type Entry struct {
	Name     string
	Priority int

	BeforeSend   func(ctx *Context, req *Request) error
	AfterReceive func(ctx *Context, ev *protocol.Event) error
	OnToolCall   func(ctx *Context, req protocol.ToolCallRequest) (ToolCallDecision, error)
	OnToolResult func(ctx *Context, res *protocol.ToolResultEvent) error
	OnError      func(ctx *Context, err error)
}

// Pipeline holds the ordered middleware chain
type Pipeline struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewPipeline() *Pipeline {
	return &Pipeline{}
}

// Register adds an entry and re-sorts the chain. Ties on priority keep
// registration order.
func (p *Pipeline) Register(e Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e.Name == "" {
		e.Name = fmt.Sprintf("middleware-%d", len(p.entries))
	}

	p.entries = append(p.entries, e)
	sort.SliceStable(p.entries, func(i, j int) bool {
		return p.entries[i].Priority < p.entries[j].Priority
	})
}

// Unregister removes the named entry
func (p *Pipeline) Unregister(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range p.entries {
		if e.Name == name {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			return
		}
	}
}

func (p *Pipeline) snapshot() []Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Entry(nil), p.entries...)
}

// BeforeSend runs the chain over the outbound request. An abort
// short-circuits: later hooks do not run and the aborted request is
// returned. A hook error is routed through OnError and the request is
// restored to its pre-hook value, so a failing hook cannot half-modify the
// message.
func (p *Pipeline) BeforeSend(ctx *Context, req *Request) {
	for _, e := range p.snapshot() {
		if e.BeforeSend == nil {
			continue
		}
		saved := *req
		if err := e.BeforeSend(ctx, req); err != nil {
			logger.Warn("[Middleware] %s BeforeSend failed: %v", e.Name, err)
			*req = saved
			p.OnError(ctx, err)
			continue
		}
		if req.abort {
			return
		}
	}
}

// AfterReceive runs the chain over one inbound event. Hook errors leave the
// event unchanged.
func (p *Pipeline) AfterReceive(ctx *Context, ev *protocol.Event) {
	for _, e := range p.snapshot() {
		if e.AfterReceive == nil {
			continue
		}
		saved := *ev
		if err := e.AfterReceive(ctx, ev); err != nil {
			logger.Warn("[Middleware] %s AfterReceive failed: %v", e.Name, err)
			*ev = saved
			p.OnError(ctx, err)
		}
	}
}

// OnToolCall runs the veto chain. The first veto short-circuits. A hook
// error fails closed: the call is vetoed rather than executed on a broken
// policy check.
func (p *Pipeline) OnToolCall(ctx *Context, req protocol.ToolCallRequest) (protocol.ToolCallRequest, bool, string) {
	current := req
	for _, e := range p.snapshot() {
		if e.OnToolCall == nil {
			continue
		}
		decision, err := e.OnToolCall(ctx, current)
		if err != nil {
			logger.Warn("[Middleware] %s OnToolCall failed, vetoing %s: %v", e.Name, current.ToolName, err)
			p.OnError(ctx, err)
			return current, false, fmt.Sprintf("middleware %s failed: %v", e.Name, err)
		}
		if !decision.Proceed {
			return current, false, decision.Reason
		}
		if decision.Request.ToolCallID != "" {
			current = decision.Request
		}
	}
	return current, true, ""
}

// OnToolResult runs the chain over a tool outcome. Hook errors leave the
// result unchanged.
func (p *Pipeline) OnToolResult(ctx *Context, res *protocol.ToolResultEvent) {
	for _, e := range p.snapshot() {
		if e.OnToolResult == nil {
			continue
		}
		saved := *res
		if err := e.OnToolResult(ctx, res); err != nil {
			logger.Warn("[Middleware] %s OnToolResult failed: %v", e.Name, err)
			*res = saved
			p.OnError(ctx, err)
		}
	}
}

// OnError notifies every error hook
func (p *Pipeline) OnError(ctx *Context, err error) {
	for _, e := range p.snapshot() {
		if e.OnError != nil {
			e.OnError(ctx, err)
		}
	}
}
