package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/open-agents/agentlink/internal/jsonrpc"
	"github.com/open-agents/agentlink/internal/logger"
	"github.com/open-agents/agentlink/internal/permission"
)

// ACP methods
const (
	acpMethodInitialize        = "initialize"
	acpMethodSessionNew        = "session/new"
	acpMethodSessionPrompt     = "session/prompt"
	acpMethodSessionCancel     = "session/cancel"
	acpMethodSessionUpdate     = "session/update"
	acpMethodRequestPermission = "session/request_permission"
)

// session/update discriminators
const (
	acpUpdateMessageChunk   = "agent_message_chunk"
	acpUpdateThoughtChunk   = "agent_thought_chunk"
	acpUpdateToolCall       = "tool_call"
	acpUpdateToolCallUpdate = "tool_call_update"
)

const acpProtocolVersion = 1

var (
	acpRequestTimeout = 30 * time.Second
	acpPermTimeout    = 120 * time.Second
)

// acpConn abstracts the socket: newline-delimited frames over a raw
// net.Conn, or message frames over a websocket.
type acpConn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close() error
}

type netACPConn struct {
	conn net.Conn
	r    *bufio.Reader
	mu   sync.Mutex
}

func (c *netACPConn) ReadFrame() ([]byte, error) {
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	return line, nil
}

func (c *netACPConn) WriteFrame(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.conn.Write(append(data, '\n'))
	return err
}

func (c *netACPConn) Close() error { return c.conn.Close() }

type wsACPConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsACPConn) ReadFrame() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsACPConn) WriteFrame(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsACPConn) Close() error { return c.conn.Close() }

// ACPAdapter implements the session protocol: JSON-RPC 2.0 over one
// persistent socket per adapter instance.
type ACPAdapter struct {
	emitter
	cfg AdapterConfig

	mu           sync.Mutex
	conn         acpConn
	state        ConnState
	sessionID    string
	attemptsLeft int

	reqID     atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]chan *jsonrpc.Frame

	// one assistant turn buffer; a permission request or prompt completion
	// closes it so the next chunk opens a fresh turn
	turnMu  sync.Mutex
	turnID  string
	turnBuf strings.Builder

	tracker      *permission.Tracker
	onPermission func(permission.Request)
}

// NewACPAdapter creates a new session-protocol adapter
func NewACPAdapter(cfg AdapterConfig) *ACPAdapter {
	if cfg.Reconnect.MaxAttempts == 0 {
		cfg.Reconnect.MaxAttempts = 5
	}
	if cfg.Reconnect.Delay == 0 {
		cfg.Reconnect.Delay = 3 * time.Second
	}
	return &ACPAdapter{
		cfg:     cfg,
		pending: make(map[int64]chan *jsonrpc.Frame),
		tracker: permission.NewTracker(),
	}
}

func (a *ACPAdapter) Name() string { return string(TransportACP) }

func (a *ACPAdapter) State() ConnState {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == "" {
		return StateDisconnected
	}
	return a.state
}

// OnPermissionRequest sets the callback fired when the remote agent asks for
// tool approval
func (a *ACPAdapter) OnPermissionRequest(callback func(permission.Request)) {
	a.onPermission = callback
}

// Connect dials the socket and performs the initialize / session-new
// handshake. Calling it while connected is a no-op.
func (a *ACPAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.state == StateConnected || a.state == StateConnecting {
		a.mu.Unlock()
		return nil
	}
	a.state = StateConnecting
	a.attemptsLeft = a.cfg.Reconnect.MaxAttempts
	a.mu.Unlock()

	if err := a.establish(ctx); err != nil {
		a.mu.Lock()
		a.state = StateError
		a.mu.Unlock()
		return err
	}
	return nil
}

// establish dials and handshakes one socket
func (a *ACPAdapter) establish(ctx context.Context) error {
	conn, err := dialACP(a.cfg)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	go a.readLoop(conn)

	if err := a.handshake(ctx); err != nil {
		conn.Close()
		return err
	}

	a.mu.Lock()
	a.state = StateConnected
	a.mu.Unlock()
	logger.Info("[ACP] Session %s established", a.sessionID)
	return nil
}

func dialACP(cfg AdapterConfig) (acpConn, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "ws", "wss":
		header := http.Header{}
		for k, v := range cfg.Headers {
			header.Set(k, v)
		}
		conn, _, err := websocket.DefaultDialer.Dial(cfg.URL, header)
		if err != nil {
			return nil, err
		}
		return &wsACPConn{conn: conn}, nil
	case "unix":
		conn, err := net.Dial("unix", u.Path)
		if err != nil {
			return nil, err
		}
		return &netACPConn{conn: conn, r: bufio.NewReaderSize(conn, 1024*1024)}, nil
	default:
		conn, err := net.Dial("tcp", u.Host)
		if err != nil {
			return nil, err
		}
		return &netACPConn{conn: conn, r: bufio.NewReaderSize(conn, 1024*1024)}, nil
	}
}

func (a *ACPAdapter) handshake(ctx context.Context) error {
	initParams := map[string]interface{}{
		"protocolVersion": acpProtocolVersion,
		"clientInfo": map[string]interface{}{
			"name":    "agentlink",
			"version": "1.0.0",
		},
		"clientCapabilities": map[string]interface{}{
			"fs": map[string]interface{}{
				"readTextFile":  false,
				"writeTextFile": false,
			},
		},
	}
	if _, err := a.call(ctx, acpMethodInitialize, initParams, acpRequestTimeout); err != nil {
		return fmt.Errorf("initialize failed: %w", err)
	}

	resp, err := a.call(ctx, acpMethodSessionNew, map[string]interface{}{
		"cwd":        ".",
		"mcpServers": []interface{}{},
	}, acpRequestTimeout)
	if err != nil {
		return fmt.Errorf("session/new failed: %w", err)
	}

	var result struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("malformed session/new result: %w", err)
	}

	a.mu.Lock()
	a.sessionID = result.SessionID
	a.mu.Unlock()
	return nil
}

// Disconnect zeroes the reconnect budget before closing so the close handler
// cannot race a fresh reconnect.
func (a *ACPAdapter) Disconnect() {
	a.mu.Lock()
	a.attemptsLeft = 0
	a.state = StateDisconnected
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	a.failPending(fmt.Errorf("disconnected"))
}

// SendMessage issues session/prompt and blocks until the prompt turn
// completes with a stop reason. Streamed text arrives via session/update
// notifications while this call is in flight.
func (a *ACPAdapter) SendMessage(ctx context.Context, text string, opts SendOptions) error {
	a.mu.Lock()
	state, sessionID := a.state, a.sessionID
	a.mu.Unlock()

	if state != StateConnected {
		return fmt.Errorf("not connected")
	}

	params := map[string]interface{}{
		"sessionId": sessionID,
		"prompt": []interface{}{
			map[string]interface{}{"type": "text", "text": text},
		},
	}

	// A prompt may legitimately run for minutes; only ctx bounds it
	resp, err := a.call(ctx, acpMethodSessionPrompt, params, 0)
	if err != nil {
		return err
	}

	var result struct {
		StopReason string `json:"stopReason"`
	}
	if resp.Result != nil {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			logger.Warn("[ACP] Malformed prompt result: %v", err)
		}
	}
	logger.Debug("[ACP] Prompt finished, stopReason=%s", result.StopReason)

	// Completion flushes buffered text into exactly one assistant message;
	// with nothing buffered, a placeholder still advances the conversation.
	a.flushTurn(true)
	return nil
}

// Cancel interrupts the current prompt turn
func (a *ACPAdapter) Cancel(reason string) error {
	a.mu.Lock()
	sessionID := a.sessionID
	a.mu.Unlock()

	return a.notify(acpMethodSessionCancel, map[string]interface{}{
		"sessionId": sessionID,
		"reason":    reason,
	})
}

// PendingPermission returns the outstanding approval request, if any
func (a *ACPAdapter) PendingPermission() (permission.Request, bool) {
	return a.tracker.Pending()
}

// GrantPermission approves the pending request. An empty option id selects
// the first offered option.
func (a *ACPAdapter) GrantPermission(optionID string) error {
	return a.tracker.Resolve(permission.Decision{Granted: true, OptionID: optionID})
}

// DenyPermission rejects the pending request
func (a *ACPAdapter) DenyPermission() error {
	return a.tracker.Resolve(permission.Decision{Granted: false})
}

// call sends a request and waits for its correlated response. A timeout
// rejects only this pending call, never the whole connection; timeout 0
// leaves only ctx to bound the wait.
func (a *ACPAdapter) call(ctx context.Context, method string, params interface{}, timeout time.Duration) (*jsonrpc.Frame, error) {
	id := a.reqID.Add(1)
	ch := make(chan *jsonrpc.Frame, 1)

	a.pendingMu.Lock()
	a.pending[id] = ch
	a.pendingMu.Unlock()

	drop := func() {
		a.pendingMu.Lock()
		delete(a.pending, id)
		a.pendingMu.Unlock()
	}

	if err := a.writeJSON(jsonrpc.NewRequest(id, method, params)); err != nil {
		drop()
		return nil, err
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case frame := <-ch:
		if frame == nil {
			return nil, fmt.Errorf("%s: connection lost", method)
		}
		if frame.Error != nil {
			return nil, fmt.Errorf("%s: %w", method, frame.Error)
		}
		return frame, nil
	case <-timer:
		drop()
		return nil, fmt.Errorf("%s: timed out after %s", method, timeout)
	case <-ctx.Done():
		drop()
		return nil, ctx.Err()
	}
}

func (a *ACPAdapter) notify(method string, params interface{}) error {
	return a.writeJSON(jsonrpc.NewNotification(method, params))
}

func (a *ACPAdapter) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	logger.Debug("[ACP] -> %s", string(data))
	return conn.WriteFrame(data)
}

// readLoop consumes frames from one socket until it fails
func (a *ACPAdapter) readLoop(conn acpConn) {
	for {
		data, err := conn.ReadFrame()
		if err != nil {
			a.handleClose(err)
			return
		}
		if len(data) == 0 {
			continue
		}

		var frame jsonrpc.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			logger.Warn("[ACP] Discarding malformed frame: %v", err)
			continue
		}

		switch {
		case frame.IsNotification():
			if frame.Method == acpMethodSessionUpdate {
				a.handleSessionUpdate(frame.Params)
			} else {
				logger.Debug("[ACP] Ignoring notification %s", frame.Method)
			}
		case frame.IsRequest():
			if frame.Method == acpMethodRequestPermission {
				a.handlePermissionRequest(&frame)
			} else {
				resp := jsonrpc.NewError(frame.ID, jsonrpc.CodeMethodNotFound, "method not found")
				a.writeJSON(resp)
			}
		case frame.IsResponse():
			a.routeResponse(&frame)
		}
	}
}

func (a *ACPAdapter) routeResponse(frame *jsonrpc.Frame) {
	idFloat, ok := frame.ID.(float64)
	if !ok {
		logger.Warn("[ACP] Response with non-numeric id %v", frame.ID)
		return
	}
	id := int64(idFloat)

	a.pendingMu.Lock()
	ch, ok := a.pending[id]
	if ok {
		delete(a.pending, id)
	}
	a.pendingMu.Unlock()

	if ok {
		ch <- frame
	}
}

// failPending rejects every outstanding call; each caller gets the failure,
// not a hang
func (a *ACPAdapter) failPending(cause error) {
	a.pendingMu.Lock()
	n := len(a.pending)
	for id, ch := range a.pending {
		delete(a.pending, id)
		close(ch)
	}
	a.pendingMu.Unlock()

	if n > 0 {
		logger.Debug("[ACP] Failed %d pending calls: %v", n, cause)
	}
}

// handleClose runs the reconnection policy when the socket drops. Each
// successful reconnect resets the attempt counter; an explicit Disconnect
// zeroed the budget so this returns immediately.
func (a *ACPAdapter) handleClose(cause error) {
	a.mu.Lock()
	if a.attemptsLeft <= 0 {
		a.state = StateDisconnected
		a.mu.Unlock()
		a.failPending(cause)
		return
	}
	a.state = StateError
	delay := a.cfg.Reconnect.Delay
	a.mu.Unlock()

	a.failPending(cause)
	a.emit(errorEvent(fmt.Sprintf("connection lost: %v", cause), true))

	for {
		a.mu.Lock()
		if a.attemptsLeft <= 0 {
			a.state = StateDisconnected
			a.mu.Unlock()
			return
		}
		a.attemptsLeft--
		remaining := a.attemptsLeft
		a.mu.Unlock()

		logger.Info("[ACP] Reconnecting in %s (%d attempts left)", delay, remaining)
		time.Sleep(delay)

		if err := a.establish(context.Background()); err != nil {
			logger.Warn("[ACP] Reconnect failed: %v", err)
			continue
		}

		a.mu.Lock()
		a.attemptsLeft = a.cfg.Reconnect.MaxAttempts
		a.mu.Unlock()
		logger.Info("[ACP] Reconnected")
		return
	}
}

// acpUpdate is the decoded session/update payload
type acpUpdate struct {
	SessionID string `json:"sessionId"`
	Update    struct {
		SessionUpdate string `json:"sessionUpdate"`
		Content       *struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content,omitempty"`
		ToolCallID string                 `json:"toolCallId,omitempty"`
		Title      string                 `json:"title,omitempty"`
		Status     string                 `json:"status,omitempty"`
		RawInput   map[string]interface{} `json:"rawInput,omitempty"`
		RawOutput  interface{}            `json:"rawOutput,omitempty"`
	} `json:"update"`
}

func (a *ACPAdapter) handleSessionUpdate(params json.RawMessage) {
	var upd acpUpdate
	if err := json.Unmarshal(params, &upd); err != nil {
		logger.Warn("[ACP] Discarding malformed session/update: %v", err)
		return
	}

	a.mu.Lock()
	sid := a.sessionID
	a.mu.Unlock()
	if upd.SessionID != sid {
		logger.Warn("[ACP] Dropping update for unknown session %q", upd.SessionID)
		return
	}

	switch upd.Update.SessionUpdate {
	case acpUpdateMessageChunk, acpUpdateThoughtChunk:
		// thought chunks are treated as ordinary text for now
		if upd.Update.Content == nil {
			return
		}
		a.appendTurnText(upd.Update.Content.Text)

	case acpUpdateToolCall:
		req := ToolCallRequest{
			ToolCallID: upd.Update.ToolCallID,
			ToolName:   upd.Update.Title,
			Args:       upd.Update.RawInput,
		}
		a.emit(toolCallEvent(req, true))

	case acpUpdateToolCallUpdate:
		switch upd.Update.Status {
		case "completed":
			a.emit(toolResultEvent(upd.Update.ToolCallID, upd.Update.RawOutput, ""))
		case "failed":
			errMsg := "tool call failed"
			if s, ok := upd.Update.RawOutput.(string); ok && s != "" {
				errMsg = s
			}
			a.emit(toolResultEvent(upd.Update.ToolCallID, nil, errMsg))
		default:
			logger.Debug("[ACP] Tool call %s status %s", upd.Update.ToolCallID, upd.Update.Status)
		}

	default:
		logger.Debug("[ACP] Ignoring session update %s", upd.Update.SessionUpdate)
	}
}

func (a *ACPAdapter) appendTurnText(text string) {
	a.turnMu.Lock()
	if a.turnID == "" {
		a.turnID = uuid.New().String()
	}
	a.turnBuf.WriteString(text)
	id, content := a.turnID, a.turnBuf.String()
	a.turnMu.Unlock()

	a.emit(messageEvent(id, content, false))
}

// flushTurn closes the current assistant turn. With placeholder set, an
// empty buffer still yields a message so the conversation advances.
func (a *ACPAdapter) flushTurn(placeholder bool) {
	a.turnMu.Lock()
	id, content := a.turnID, a.turnBuf.String()
	a.turnID = ""
	a.turnBuf.Reset()
	a.turnMu.Unlock()

	if id == "" {
		if !placeholder {
			return
		}
		id = uuid.New().String()
	}
	a.emit(messageEvent(id, content, true))
}

// acpPermissionParams is the decoded session/request_permission payload
type acpPermissionParams struct {
	SessionID string `json:"sessionId"`
	ToolCall  struct {
		ToolCallID string                 `json:"toolCallId"`
		Title      string                 `json:"title"`
		RawInput   map[string]interface{} `json:"rawInput,omitempty"`
	} `json:"toolCall"`
	Options []permission.Option `json:"options"`
}

// handlePermissionRequest surfaces a server-to-client approval request as a
// pending-permission state and answers it with a JSON-RPC response once the
// local caller decides. A second request while one is pending is rejected
// rather than queued.
func (a *ACPAdapter) handlePermissionRequest(frame *jsonrpc.Frame) {
	var p acpPermissionParams
	if err := json.Unmarshal(frame.Params, &p); err != nil {
		a.writeJSON(jsonrpc.NewError(frame.ID, jsonrpc.CodeInvalidParams, "malformed permission request"))
		return
	}

	req := permission.Request{
		RequestID: frame.ID,
		SessionID: p.SessionID,
		ToolName:  p.ToolCall.Title,
		Args:      p.ToolCall.RawInput,
		Options:   p.Options,
	}

	decisions, err := a.tracker.Begin(req)
	if err != nil {
		logger.Warn("[ACP] Rejecting concurrent permission request: %v", err)
		a.writeJSON(jsonrpc.NewError(frame.ID, jsonrpc.CodeInvalidRequest, "another permission request is pending"))
		return
	}

	// Text streamed before the approval belongs to the pre-approval turn;
	// whatever follows the grant must open a new one.
	a.flushTurn(false)

	logger.Info("[ACP] Permission requested for %s (%d options)", req.ToolName, len(req.Options))
	if a.onPermission != nil {
		a.onPermission(req)
	}

	go a.answerPermission(frame.ID, decisions)
}

func (a *ACPAdapter) answerPermission(id interface{}, decisions <-chan permission.Decision) {
	var d permission.Decision
	select {
	case d = <-decisions:
	case <-time.After(acpPermTimeout):
		a.tracker.Expire()
		d = <-decisions
	}

	var outcome map[string]interface{}
	if d.Granted {
		outcome = map[string]interface{}{"outcome": "selected", "optionId": d.OptionID}
	} else {
		outcome = map[string]interface{}{"outcome": "cancelled"}
	}

	resp, err := jsonrpc.NewResult(id, map[string]interface{}{"outcome": outcome})
	if err != nil {
		logger.Error("[ACP] Failed to encode permission response: %v", err)
		return
	}
	if err := a.writeJSON(resp); err != nil {
		logger.Error("[ACP] Failed to send permission response: %v", err)
	}
}
