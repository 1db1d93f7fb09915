package protocol

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/open-agents/agentlink/internal/jsonrpc"
	"github.com/open-agents/agentlink/internal/logger"
)

// A2A task lifecycle states
const (
	a2aStateSubmitted = "submitted"
	a2aStateWorking   = "working"
	a2aStateCompleted = "completed"
	a2aStateFailed    = "failed"
	a2aStateCanceled  = "canceled"
)

const (
	a2aPollBudget   = 60
	a2aDoneSentinel = "[DONE]"
)

var a2aPollInterval = time.Second

type a2aPart struct {
	Kind string `json:"kind"`
	Text string `json:"text,omitempty"`
}

type a2aMessage struct {
	Role      string    `json:"role"`
	Parts     []a2aPart `json:"parts"`
	MessageID string    `json:"messageId,omitempty"`
	ContextID string    `json:"contextId,omitempty"`
}

type a2aStatus struct {
	State   string      `json:"state"`
	Message *a2aMessage `json:"message,omitempty"`
}

type a2aArtifact struct {
	ArtifactID string    `json:"artifactId,omitempty"`
	Parts      []a2aPart `json:"parts"`
}

type a2aTask struct {
	ID        string        `json:"id"`
	ContextID string        `json:"contextId,omitempty"`
	Status    a2aStatus     `json:"status"`
	Artifacts []a2aArtifact `json:"artifacts,omitempty"`
}

// a2aStreamEvent is one decoded SSE record from message/stream
type a2aStreamEvent struct {
	Kind     string       `json:"kind"`
	Artifact *a2aArtifact `json:"artifact,omitempty"`
	Status   *a2aStatus   `json:"status,omitempty"`
	Final    bool         `json:"final,omitempty"`
}

// A2AAdapter implements the JSON-RPC task protocol: message/send with
// tasks/get polling, or message/stream over SSE.
type A2AAdapter struct {
	emitter
	cfg    AdapterConfig
	client *http.Client
	state  connState

	// contextID is generated once per conversation and reused on every call
	// so the remote agent can correlate turns
	contextID string
	reqID     atomic.Int64
}

// NewA2AAdapter creates a new task-protocol adapter
func NewA2AAdapter(cfg AdapterConfig) *A2AAdapter {
	return &A2AAdapter{
		cfg:       cfg,
		client:    defaultHTTPClient(cfg.HTTPClient),
		contextID: uuid.New().String(),
	}
}

func (a *A2AAdapter) Name() string { return string(TransportA2A) }

func (a *A2AAdapter) State() ConnState { return a.state.get() }

// Connect marks the adapter ready; the task protocol has no handshake
func (a *A2AAdapter) Connect(ctx context.Context) error {
	if !a.state.beginConnect() {
		return nil
	}
	a.state.set(StateConnected)
	logger.Info("[A2A] Ready, context %s", a.contextID)
	return nil
}

func (a *A2AAdapter) Disconnect() {
	a.state.set(StateDisconnected)
}

func (a *A2AAdapter) SendMessage(ctx context.Context, text string, opts SendOptions) error {
	if a.state.get() != StateConnected {
		return fmt.Errorf("not connected")
	}
	if opts.Stream {
		return a.sendStreaming(ctx, text)
	}
	return a.sendBlocking(ctx, text)
}

// sendBlocking issues message/send and polls tasks/get until the task leaves
// submitted/working or the poll budget runs out.
func (a *A2AAdapter) sendBlocking(ctx context.Context, text string) error {
	params := map[string]interface{}{
		"message": a.userMessage(text),
	}

	raw, err := a.call(ctx, "message/send", params)
	if err != nil {
		a.emit(errorEvent(err.Error(), false))
		return err
	}

	var task a2aTask
	if err := json.Unmarshal(raw, &task); err != nil {
		return fmt.Errorf("malformed task: %w", err)
	}

	for attempt := 0; task.Status.State == a2aStateSubmitted || task.Status.State == a2aStateWorking; attempt++ {
		if attempt >= a2aPollBudget {
			err := fmt.Errorf("task %s still %s after %d polls", task.ID, task.Status.State, a2aPollBudget)
			a.emit(errorEvent(err.Error(), false))
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a2aPollInterval):
		}

		raw, err := a.call(ctx, "tasks/get", map[string]interface{}{"id": task.ID})
		if err != nil {
			a.emit(errorEvent(err.Error(), false))
			return err
		}
		if err := json.Unmarshal(raw, &task); err != nil {
			return fmt.Errorf("malformed task: %w", err)
		}
		logger.Debug("[A2A] Task %s state %s (poll %d)", task.ID, task.Status.State, attempt+1)
	}

	return a.finishTask(&task)
}

// finishTask surfaces the terminal task outcome. Both the artifacts and the
// status message are surfaced when both carry text, so callers may see two
// message events.
func (a *A2AAdapter) finishTask(task *a2aTask) error {
	switch task.Status.State {
	case a2aStateCompleted:
		if text := artifactText(task.Artifacts); text != "" {
			a.emit(messageEvent(uuid.New().String(), text, true))
		}
		if task.Status.Message != nil {
			if text := partText(task.Status.Message.Parts); text != "" {
				a.emit(messageEvent(uuid.New().String(), text, true))
			}
		}
		return nil
	case a2aStateFailed, a2aStateCanceled:
		msg := fmt.Sprintf("task %s %s", task.ID, task.Status.State)
		if task.Status.Message != nil {
			if text := partText(task.Status.Message.Parts); text != "" {
				msg = text
			}
		}
		a.emit(errorEvent(msg, false))
		return fmt.Errorf("%s", msg)
	default:
		return fmt.Errorf("task %s ended in unexpected state %s", task.ID, task.Status.State)
	}
}

// sendStreaming issues message/stream and accumulates artifact chunks into a
// single buffer, flushed into one assistant message on the [DONE] sentinel.
func (a *A2AAdapter) sendStreaming(ctx context.Context, text string) error {
	body, err := json.Marshal(jsonrpc.NewRequest(a.reqID.Add(1), "message/stream", map[string]interface{}{
		"message": a.userMessage(text),
	}))
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range a.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		a.state.set(StateError)
		a.emit(errorEvent(err.Error(), true))
		return fmt.Errorf("stream request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		a.emit(errorEvent(fmt.Sprintf("unexpected status %d", resp.StatusCode), false))
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var buf strings.Builder
	flush := func() {
		a.emit(messageEvent(uuid.New().String(), buf.String(), true))
		buf.Reset()
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == a2aDoneSentinel {
			flush()
			return nil
		}

		ev, err := decodeStreamEvent([]byte(payload))
		if err != nil {
			logger.Warn("[A2A] Discarding malformed stream record: %v", err)
			continue
		}

		switch {
		case ev.Artifact != nil:
			buf.WriteString(partText(ev.Artifact.Parts))
		case ev.Status != nil:
			if ev.Status.State == a2aStateFailed || ev.Status.State == a2aStateCanceled {
				a.emit(errorEvent(fmt.Sprintf("task %s", ev.Status.State), false))
			}
			if ev.Final {
				flush()
				return nil
			}
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		a.emit(errorEvent(err.Error(), false))
		return err
	}
	return ctx.Err()
}

// decodeStreamEvent accepts either a bare event object or one wrapped in a
// JSON-RPC response envelope
func decodeStreamEvent(data []byte) (*a2aStreamEvent, error) {
	var resp jsonrpc.Response
	if err := json.Unmarshal(data, &resp); err == nil && len(resp.Result) > 0 {
		data = resp.Result
	}

	var ev a2aStreamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// call performs one JSON-RPC request over HTTP
func (a *A2AAdapter) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(jsonrpc.NewRequest(a.reqID.Add(1), method, params))
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range a.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		a.state.set(StateError)
		return nil, fmt.Errorf("%s failed: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s: unexpected status %d", method, resp.StatusCode)
	}

	var rpcResp jsonrpc.Response
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return nil, fmt.Errorf("%s: malformed response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("%s: %w", method, rpcResp.Error)
	}
	return rpcResp.Result, nil
}

func (a *A2AAdapter) userMessage(text string) a2aMessage {
	return a2aMessage{
		Role:      RoleUser,
		Parts:     []a2aPart{{Kind: "text", Text: text}},
		MessageID: uuid.New().String(),
		ContextID: a.contextID,
	}
}

// artifactText concatenates all text-typed parts across artifacts
func artifactText(artifacts []a2aArtifact) string {
	var b strings.Builder
	for _, art := range artifacts {
		b.WriteString(partText(art.Parts))
	}
	return b.String()
}

func partText(parts []a2aPart) string {
	var b strings.Builder
	for _, p := range parts {
		if p.Kind == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}
