package protocol

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/open-agents/agentlink/internal/logger"
)

// AG-UI event record discriminators
const (
	aguiRunStarted         = "RUN_STARTED"
	aguiRunFinished        = "RUN_FINISHED"
	aguiRunError           = "RUN_ERROR"
	aguiTextMessageStart   = "TEXT_MESSAGE_START"
	aguiTextMessageContent = "TEXT_MESSAGE_CONTENT"
	aguiTextMessageEnd     = "TEXT_MESSAGE_END"
	aguiToolCallStart      = "TOOL_CALL_START"
	aguiToolCallArgs       = "TOOL_CALL_ARGS"
	aguiToolCallEnd        = "TOOL_CALL_END"
	aguiStateSnapshot      = "STATE_SNAPSHOT"
	aguiStateDelta         = "STATE_DELTA"
)

const aguiDataPrefix = "data:"

// aguiRecord is one decoded server event line
type aguiRecord struct {
	Type         string          `json:"type"`
	MessageID    string          `json:"messageId,omitempty"`
	Delta        string          `json:"delta,omitempty"`
	ToolCallID   string          `json:"toolCallId,omitempty"`
	ToolCallName string          `json:"toolCallName,omitempty"`
	Snapshot     json.RawMessage `json:"snapshot,omitempty"`
	Message      string          `json:"message,omitempty"`
}

type aguiMessage struct {
	ID         string `json:"id"`
	Role       string `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"toolCallId,omitempty"`
}

type aguiRequest struct {
	ThreadID string        `json:"thread_id"`
	RunID    string        `json:"run_id"`
	Messages []aguiMessage `json:"messages"`
	Tools    []ToolDef     `json:"tools"`
}

// aguiCall accumulates one streamed tool call
type aguiCall struct {
	req       ToolCallRequest
	executing bool
}

// AGUIAdapter implements the streaming-chat protocol: one POST per user turn,
// newline-delimited event records streamed back.
type AGUIAdapter struct {
	emitter
	cfg    AdapterConfig
	client *http.Client
	state  connState

	threadID string
	history  []aguiMessage
}

// NewAGUIAdapter creates a new streaming-chat adapter
func NewAGUIAdapter(cfg AdapterConfig) *AGUIAdapter {
	return &AGUIAdapter{
		cfg:      cfg,
		client:   defaultHTTPClient(cfg.HTTPClient),
		threadID: uuid.New().String(),
	}
}

func (a *AGUIAdapter) Name() string { return string(TransportAGUI) }

func (a *AGUIAdapter) State() ConnState { return a.state.get() }

// Connect marks the adapter ready to POST. There is no persistent handshake:
// connected means the next SendMessage may be issued.
func (a *AGUIAdapter) Connect(ctx context.Context) error {
	if !a.state.beginConnect() {
		return nil
	}
	a.state.set(StateConnected)
	logger.Info("[AGUI] Ready to post to %s", a.cfg.URL)
	return nil
}

func (a *AGUIAdapter) Disconnect() {
	a.state.set(StateDisconnected)
}

// SendMessage posts one user turn and consumes the streamed event records
// until the stream ends or ctx is cancelled. Late data after cancellation is
// dropped, never resumed into a new message.
func (a *AGUIAdapter) SendMessage(ctx context.Context, text string, opts SendOptions) error {
	if a.state.get() != StateConnected {
		return fmt.Errorf("not connected")
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.New().String()
	}

	userMsg := aguiMessage{ID: uuid.New().String(), Role: RoleUser, Content: text}
	a.history = append(a.history, userMsg)

	return a.post(ctx, runID, opts.Tools)
}

// SendToolResult appends the frontend tool outcome to the conversation and
// posts a continuation turn so the agent can pick up from the result.
func (a *AGUIAdapter) SendToolResult(ctx context.Context, callID string, result interface{}) error {
	if a.state.get() != StateConnected {
		return fmt.Errorf("not connected")
	}

	content, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("tool result not serializable: %w", err)
	}

	a.history = append(a.history, aguiMessage{
		ID:         uuid.New().String(),
		Role:       RoleTool,
		Content:    string(content),
		ToolCallID: callID,
	})

	return a.post(ctx, uuid.New().String(), nil)
}

// post sends the full accumulated history and consumes the response stream
func (a *AGUIAdapter) post(ctx context.Context, runID string, tools []ToolDef) error {
	body := aguiRequest{
		ThreadID: a.threadID,
		RunID:    runID,
		Messages: append([]aguiMessage(nil), a.history...),
		Tools:    tools,
	}

	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range a.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		a.state.set(StateError)
		a.emit(errorEvent(err.Error(), true))
		return fmt.Errorf("post failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		a.emit(errorEvent(fmt.Sprintf("unexpected status %d", resp.StatusCode), false))
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return a.readStream(ctx, resp)
}

// readStream parses the byte stream incrementally on newline boundaries
func (a *AGUIAdapter) readStream(ctx context.Context, resp *http.Response) error {
	run := newAGUIRun(a)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			// Cancelled: stop processing, drop whatever else arrives
			return ctx.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, aguiDataPrefix) {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, aguiDataPrefix))
		if payload == "" {
			continue
		}

		var rec aguiRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			logger.Warn("[AGUI] Discarding malformed record: %v", err)
			continue
		}

		run.handle(rec)
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		a.emit(errorEvent(err.Error(), false))
		return err
	}
	return ctx.Err()
}

// aguiRun holds the per-turn parse state: the current logical message buffer
// and the in-flight tool calls keyed by call id.
type aguiRun struct {
	a *AGUIAdapter

	msgID  string
	msgBuf strings.Builder

	calls map[string]*aguiCall
	order []string // call start order, newest last
}

func newAGUIRun(a *AGUIAdapter) *aguiRun {
	return &aguiRun{a: a, calls: make(map[string]*aguiCall)}
}

func (r *aguiRun) handle(rec aguiRecord) {
	switch rec.Type {
	case aguiRunStarted:
		// nothing to surface

	case aguiTextMessageStart:
		r.startMessage(rec.MessageID)

	case aguiTextMessageContent:
		// Some servers omit the id on deltas; keep accumulating into the
		// current logical message until a different id appears.
		if rec.MessageID != "" && rec.MessageID != r.msgID {
			r.startMessage(rec.MessageID)
		}
		if r.msgID == "" {
			r.startMessage("")
		}
		r.msgBuf.WriteString(rec.Delta)
		r.a.emit(messageEvent(r.msgID, r.msgBuf.String(), false))

	case aguiTextMessageEnd:
		r.finishMessage()

	case aguiToolCallStart:
		id := rec.ToolCallID
		if id == "" {
			id = uuid.New().String()
		}
		call := &aguiCall{req: ToolCallRequest{ToolCallID: id, ToolName: rec.ToolCallName}}
		r.calls[id] = call
		r.order = append(r.order, id)
		r.a.emit(toolCallEvent(call.req, false))

	case aguiToolCallArgs:
		call, ok := r.calls[rec.ToolCallID]
		if !ok {
			logger.Warn("[AGUI] Args for unknown tool call %s", rec.ToolCallID)
			return
		}
		call.req = call.req.WithArgs(mergeArgs(call.req.Args, rec.Delta))
		r.a.emit(toolCallEvent(call.req, false))

	case aguiToolCallEnd:
		call, ok := r.calls[rec.ToolCallID]
		if !ok {
			return
		}
		call.executing = true
		r.a.emit(toolCallEvent(call.req, true))

	case aguiStateSnapshot, aguiStateDelta:
		r.a.emit(stateUpdateEvent(rec.Snapshot))
		// This transport sometimes returns tool outcomes via generic state
		// rather than an explicit result record: treat the snapshot as an
		// implicit completion of the most recently started executing call.
		// Older concurrent calls stay pending; the wire gives no correlation
		// id to do better.
		if id, ok := r.latestExecuting(); ok {
			r.calls[id].executing = false
			r.a.emit(toolResultEvent(id, json.RawMessage(rec.Snapshot), ""))
		}

	case aguiRunError:
		r.a.emit(errorEvent(rec.Message, false))

	case aguiRunFinished:
		r.finishMessage()

	default:
		logger.Debug("[AGUI] Ignoring record type %s", rec.Type)
	}
}

func (r *aguiRun) startMessage(id string) {
	r.finishMessage()
	if id == "" {
		id = uuid.New().String()
	}
	r.msgID = id
	r.msgBuf.Reset()
}

func (r *aguiRun) finishMessage() {
	if r.msgID == "" {
		return
	}
	content := r.msgBuf.String()
	r.a.emit(messageEvent(r.msgID, content, true))
	r.a.history = append(r.a.history, aguiMessage{ID: r.msgID, Role: RoleAssistant, Content: content})
	r.msgID = ""
	r.msgBuf.Reset()
}

func (r *aguiRun) latestExecuting() (string, bool) {
	for i := len(r.order) - 1; i >= 0; i-- {
		if c := r.calls[r.order[i]]; c != nil && c.executing {
			return r.order[i], true
		}
	}
	return "", false
}

// mergeArgs decodes delta as a JSON object and merges its keys over prev,
// returning a fresh map. Later fragments overwrite earlier keys; nothing is
// discarded. Non-object fragments are kept under a raw key so no data is
// silently dropped.
func mergeArgs(prev map[string]interface{}, delta string) map[string]interface{} {
	merged := make(map[string]interface{}, len(prev)+2)
	for k, v := range prev {
		merged[k] = v
	}

	if strings.TrimSpace(delta) == "" {
		return merged
	}

	var frag map[string]interface{}
	if err := json.Unmarshal([]byte(delta), &frag); err != nil {
		raw, _ := merged["_raw"].(string)
		merged["_raw"] = raw + delta
		return merged
	}
	for k, v := range frag {
		merged[k] = v
	}
	return merged
}
