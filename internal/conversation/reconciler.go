package conversation

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/open-agents/agentlink/internal/logger"
	"github.com/open-agents/agentlink/internal/middleware"
	"github.com/open-agents/agentlink/internal/protocol"
	"github.com/open-agents/agentlink/internal/tools"
)

// Reconciler subscribes to one adapter and folds its event stream into the
// store. It keeps at most one in-flight assistant message, tracks tool calls
// by call id, and dispatches completed calls through the middleware pipeline
// to the executor.
type Reconciler struct {
	adapter  protocol.Adapter
	store    Store
	pipeline *middleware.Pipeline
	executor *tools.Executor
	registry *tools.Registry

	mctx   *middleware.Context
	stream bool

	mu       sync.Mutex
	inFlight string // id of the assistant message still streaming
	known    map[string]bool
	calls    map[string]protocol.ToolCallRequest

	unsubscribe func()
	wg          sync.WaitGroup
}

func NewReconciler(adapter protocol.Adapter, store Store, pipeline *middleware.Pipeline, executor *tools.Executor, registry *tools.Registry) *Reconciler {
	return &Reconciler{
		adapter:  adapter,
		store:    store,
		pipeline: pipeline,
		executor: executor,
		registry: registry,
		mctx: &middleware.Context{
			ThreadID:   uuid.New().String(),
			Properties: make(map[string]interface{}),
		},
		known: make(map[string]bool),
		calls: make(map[string]protocol.ToolCallRequest),
	}
}

// SetStreaming selects the streaming send variant on transports that offer
// both
func (r *Reconciler) SetStreaming(stream bool) {
	r.stream = stream
}

// Start subscribes to the adapter. Stop undoes it and waits for in-flight
// tool dispatches.
func (r *Reconciler) Start() {
	r.unsubscribe = r.adapter.Subscribe(r.handleEvent)
}

func (r *Reconciler) Stop() {
	if r.unsubscribe != nil {
		r.unsubscribe()
		r.unsubscribe = nil
	}
	r.wg.Wait()
}

// Send runs the outbound pipeline and dispatches the user message. A send
// the transport rejects still leaves a visible assistant entry explaining
// the failure, so the transcript never silently loses a turn.
func (r *Reconciler) Send(ctx context.Context, text string) error {
	req := &middleware.Request{
		Text: text,
		Options: protocol.SendOptions{
			Tools:  r.registry.Defs(),
			Stream: r.stream,
			RunID:  uuid.New().String(),
		},
	}
	r.mctx.RunID = req.Options.RunID

	r.pipeline.BeforeSend(r.mctx, req)
	if aborted, reason := req.Aborted(); aborted {
		return fmt.Errorf("send aborted: %s", reason)
	}

	r.store.AppendMessage(Message{
		ID:      uuid.New().String(),
		Role:    protocol.RoleUser,
		Content: req.Text,
	})

	if err := r.adapter.SendMessage(ctx, req.Text, req.Options); err != nil {
		r.store.AppendMessage(Message{
			ID:      uuid.New().String(),
			Role:    protocol.RoleAssistant,
			Content: fmt.Sprintf("Failed to send message: %v", err),
			Error:   true,
		})
		r.pipeline.OnError(r.mctx, err)
		return err
	}
	return nil
}

func (r *Reconciler) handleEvent(ev protocol.Event) {
	r.pipeline.AfterReceive(r.mctx, &ev)

	switch ev.Kind {
	case protocol.EventMessage:
		r.applyMessage(ev.Message)
	case protocol.EventToolCall:
		r.applyToolCall(ev.ToolCall)
	case protocol.EventToolResult:
		r.applyToolResult(ev.ToolResult)
	case protocol.EventStateUpdate:
		// opaque; surfaced to middleware above, nothing to store
	case protocol.EventError:
		r.applyError(ev.Err)
	}
}

// applyMessage keeps at most one assistant message streaming: a chunk for a
// new id finalizes the previous one first, and content always replaces by
// id rather than appending.
func (r *Reconciler) applyMessage(m *protocol.MessageEvent) {
	r.mu.Lock()
	if prev := r.inFlight; prev != "" && prev != m.ID {
		r.mu.Unlock()
		r.store.FinalizeMessage(prev)
		r.mu.Lock()
	}

	seen := r.known[m.ID]
	r.known[m.ID] = true
	if m.Done {
		r.inFlight = ""
	} else {
		r.inFlight = m.ID
	}
	r.mu.Unlock()

	if !seen {
		r.store.AppendMessage(Message{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			Streaming: !m.Done,
		})
		return
	}
	r.store.UpdateMessage(m.ID, m.Content, m.Done)
}

// applyToolCall records streaming arg updates and dispatches once complete
func (r *Reconciler) applyToolCall(tc *protocol.ToolCallEvent) {
	r.mu.Lock()
	r.calls[tc.Request.ToolCallID] = tc.Request
	r.mu.Unlock()

	if !tc.Done {
		r.store.SetToolCall(ToolCallRecord{Request: tc.Request, State: ToolCallPending})
		return
	}

	r.store.SetToolCall(ToolCallRecord{Request: tc.Request, State: ToolCallExecuting})

	r.wg.Add(1)
	go func(req protocol.ToolCallRequest) {
		defer r.wg.Done()
		r.dispatch(req)
	}(tc.Request)
}

// dispatch runs the veto chain and the executor, then feeds the outcome back
// to the store, the middleware, and the wire when the transport accepts
// continuations.
func (r *Reconciler) dispatch(req protocol.ToolCallRequest) {
	final, proceed, reason := r.pipeline.OnToolCall(r.mctx, req)
	if !proceed {
		logger.Info("[Conversation] Tool call %s vetoed: %s", req.ToolName, reason)
		r.finishToolCall(final, protocol.ToolExecutionResult{Success: false, Error: reason})
		return
	}

	result := r.executor.Execute(context.Background(), final)
	r.finishToolCall(final, result)
}

func (r *Reconciler) finishToolCall(req protocol.ToolCallRequest, result protocol.ToolExecutionResult) {
	res := protocol.ToolResultEvent{ToolCallID: req.ToolCallID, Result: result.Result, Err: result.Error}
	r.pipeline.OnToolResult(r.mctx, &res)

	state := ToolCallCompleted
	if !result.Success {
		state = ToolCallFailed
	}
	r.store.SetToolCall(ToolCallRecord{Request: req, State: state, Result: res.Result, Error: res.Err})

	if sender, ok := r.adapter.(protocol.ToolResultSender); ok {
		payload := map[string]interface{}{
			"success": result.Success,
			"result":  res.Result,
		}
		if res.Err != "" {
			payload["error"] = res.Err
		}
		if err := sender.SendToolResult(context.Background(), req.ToolCallID, payload); err != nil {
			logger.Warn("[Conversation] Failed to return result for %s: %v", req.ToolCallID, err)
			r.pipeline.OnError(r.mctx, err)
		}
	}
}

// applyToolResult records an outcome the wire reported for a call the agent
// side executed itself
func (r *Reconciler) applyToolResult(tr *protocol.ToolResultEvent) {
	r.mu.Lock()
	req, ok := r.calls[tr.ToolCallID]
	r.mu.Unlock()
	if !ok {
		logger.Debug("[Conversation] Result for unknown call %s", tr.ToolCallID)
		req = protocol.ToolCallRequest{ToolCallID: tr.ToolCallID}
	}

	r.pipeline.OnToolResult(r.mctx, tr)

	state := ToolCallCompleted
	if tr.Err != "" {
		state = ToolCallFailed
	}
	r.store.SetToolCall(ToolCallRecord{Request: req, State: state, Result: tr.Result, Error: tr.Err})
}

func (r *Reconciler) applyError(e *protocol.ErrorEvent) {
	r.pipeline.OnError(r.mctx, fmt.Errorf("%s", e.Message))
	if e.Fatal {
		r.store.AppendMessage(Message{
			ID:      uuid.New().String(),
			Role:    protocol.RoleAssistant,
			Content: e.Message,
			Error:   true,
		})
	}
}
