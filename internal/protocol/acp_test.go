package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/open-agents/agentlink/internal/jsonrpc"
	"github.com/open-agents/agentlink/internal/permission"
)

// acpTestServer speaks newline-delimited JSON-RPC over one TCP connection.
// Frames are handed to handle together with a send function for replies and
// notifications.
type acpTestServer struct {
	t      *testing.T
	ln     net.Listener
	handle func(frame jsonrpc.Frame, send func(v interface{}))

	mu   sync.Mutex
	conn net.Conn
}

func newACPTestServer(t *testing.T, handle func(frame jsonrpc.Frame, send func(v interface{}))) *acpTestServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &acpTestServer{t: t, ln: ln, handle: handle}
	go s.serve()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *acpTestServer) url() string {
	return "tcp://" + s.ln.Addr().String()
}

func (s *acpTestServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		go s.readConn(conn)
	}
}

func (s *acpTestServer) readConn(conn net.Conn) {
	send := func(v interface{}) {
		data, err := json.Marshal(v)
		if err != nil {
			s.t.Errorf("server marshal: %v", err)
			return
		}
		conn.Write(append(data, '\n'))
	}

	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			return
		}
		var frame jsonrpc.Frame
		if err := json.Unmarshal(line, &frame); err != nil {
			s.t.Errorf("server decode: %v", err)
			continue
		}
		s.handle(frame, send)
	}
}

// handshakeHandler answers initialize and session/new; everything else goes
// to next
func handshakeHandler(t *testing.T, next func(frame jsonrpc.Frame, send func(v interface{}))) func(jsonrpc.Frame, func(interface{})) {
	return func(frame jsonrpc.Frame, send func(v interface{})) {
		switch frame.Method {
		case acpMethodInitialize:
			resp, _ := jsonrpc.NewResult(frame.ID, map[string]interface{}{"protocolVersion": 1})
			send(resp)
		case acpMethodSessionNew:
			resp, _ := jsonrpc.NewResult(frame.ID, map[string]interface{}{"sessionId": "s1"})
			send(resp)
		default:
			if next != nil {
				next(frame, send)
			}
		}
	}
}

func chunkNotification(text string) jsonrpc.Notification {
	return jsonrpc.NewNotification(acpMethodSessionUpdate, map[string]interface{}{
		"sessionId": "s1",
		"update": map[string]interface{}{
			"sessionUpdate": acpUpdateMessageChunk,
			"content":       map[string]interface{}{"type": "text", "text": text},
		},
	})
}

func TestACPHandshakeAndPromptFlush(t *testing.T) {
	srv := newACPTestServer(t, nil)
	srv.handle = handshakeHandler(t, func(frame jsonrpc.Frame, send func(v interface{})) {
		if frame.Method != acpMethodSessionPrompt {
			t.Errorf("Unexpected method %s", frame.Method)
			return
		}
		send(chunkNotification("Hello "))
		send(chunkNotification("there"))
		resp, _ := jsonrpc.NewResult(frame.ID, map[string]interface{}{"stopReason": "end_turn"})
		send(resp)
	})

	a := NewACPAdapter(AdapterConfig{URL: srv.url()})
	got := collectEvents(a)

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer a.Disconnect()
	if a.State() != StateConnected {
		t.Fatalf("Expected connected, got %s", a.State())
	}

	if err := a.SendMessage(context.Background(), "hi", SendOptions{}); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	var updates []MessageEvent
	for _, ev := range got() {
		if ev.Kind == EventMessage {
			updates = append(updates, *ev.Message)
		}
	}
	if len(updates) != 3 {
		t.Fatalf("Expected 3 message updates, got %d: %+v", len(updates), updates)
	}
	if updates[0].Content != "Hello " || updates[1].Content != "Hello there" {
		t.Errorf("Expected accumulated content, got %q then %q", updates[0].Content, updates[1].Content)
	}
	last := updates[2]
	if !last.Done || last.Content != "Hello there" {
		t.Errorf("Expected final done message 'Hello there', got %+v", last)
	}
	for _, u := range updates {
		if u.ID != updates[0].ID {
			t.Errorf("Expected one stable message id, got %s and %s", updates[0].ID, u.ID)
		}
	}
}

func TestACPForeignSessionUpdateDropped(t *testing.T) {
	// Updates carrying a different session id must not leak into the
	// current turn
	srv := newACPTestServer(t, nil)
	srv.handle = handshakeHandler(t, func(frame jsonrpc.Frame, send func(v interface{})) {
		if frame.Method != acpMethodSessionPrompt {
			return
		}
		send(jsonrpc.NewNotification(acpMethodSessionUpdate, map[string]interface{}{
			"sessionId": "someone-else",
			"update": map[string]interface{}{
				"sessionUpdate": acpUpdateMessageChunk,
				"content":       map[string]interface{}{"type": "text", "text": "intruder"},
			},
		}))
		send(chunkNotification("mine"))
		resp, _ := jsonrpc.NewResult(frame.ID, map[string]interface{}{"stopReason": "end_turn"})
		send(resp)
	})

	a := NewACPAdapter(AdapterConfig{URL: srv.url()})
	got := collectEvents(a)

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer a.Disconnect()

	if err := a.SendMessage(context.Background(), "hi", SendOptions{}); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	for _, ev := range got() {
		if ev.Kind != EventMessage {
			continue
		}
		if ev.Message.Content != "mine" && ev.Message.Content != "" {
			t.Errorf("Foreign session text leaked into the turn: %q", ev.Message.Content)
		}
	}
}

func TestACPPromptFlushWithoutText(t *testing.T) {
	// A turn that streamed nothing still yields a final placeholder message
	srv := newACPTestServer(t, nil)
	srv.handle = handshakeHandler(t, func(frame jsonrpc.Frame, send func(v interface{})) {
		resp, _ := jsonrpc.NewResult(frame.ID, map[string]interface{}{"stopReason": "end_turn"})
		send(resp)
	})

	a := NewACPAdapter(AdapterConfig{URL: srv.url()})
	got := collectEvents(a)

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer a.Disconnect()

	if err := a.SendMessage(context.Background(), "hi", SendOptions{}); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	var finals []MessageEvent
	for _, ev := range got() {
		if ev.Kind == EventMessage && ev.Message.Done {
			finals = append(finals, *ev.Message)
		}
	}
	if len(finals) != 1 {
		t.Fatalf("Expected exactly one final message, got %d", len(finals))
	}
	if finals[0].ID == "" {
		t.Error("Placeholder message still needs an id")
	}
	if finals[0].Content != "" {
		t.Errorf("Expected empty placeholder content, got %q", finals[0].Content)
	}
}

func TestACPRequestTimeoutIsolation(t *testing.T) {
	oldTimeout := acpRequestTimeout
	acpRequestTimeout = 50 * time.Millisecond
	defer func() { acpRequestTimeout = oldTimeout }()

	srv := newACPTestServer(t, nil)
	srv.handle = handshakeHandler(t, func(frame jsonrpc.Frame, send func(v interface{})) {
		switch frame.Method {
		case "slow/never":
			// never answered
		case "fast/echo":
			resp, _ := jsonrpc.NewResult(frame.ID, map[string]interface{}{"ok": true})
			send(resp)
		}
	})

	a := NewACPAdapter(AdapterConfig{URL: srv.url()})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer a.Disconnect()

	_, err := a.call(context.Background(), "slow/never", nil, acpRequestTimeout)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("Expected timeout error, got %v", err)
	}

	// the timed-out call must not poison the connection or other requests
	if a.State() != StateConnected {
		t.Errorf("Expected connection to survive a request timeout, got %s", a.State())
	}
	if _, err := a.call(context.Background(), "fast/echo", nil, time.Second); err != nil {
		t.Errorf("Expected later call to succeed, got %v", err)
	}
}

func TestACPPermissionGrantOpensNewTurn(t *testing.T) {
	permResponses := make(chan jsonrpc.Frame, 1)

	srv := newACPTestServer(t, nil)
	srv.handle = handshakeHandler(t, func(frame jsonrpc.Frame, send func(v interface{})) {
		switch {
		case frame.Method == acpMethodSessionPrompt:
			send(chunkNotification("before"))
			send(jsonrpc.Request{
				JSONRPC: jsonrpc.Version,
				ID:      999,
				Method:  acpMethodRequestPermission,
				Params: map[string]interface{}{
					"sessionId": "s1",
					"toolCall":  map[string]interface{}{"toolCallId": "c1", "title": "write_file"},
					"options": []map[string]interface{}{
						{"optionId": "allow-once", "kind": "allow_once"},
						{"optionId": "reject-once", "kind": "reject_once"},
					},
				},
			})
			go func() {
				pr := <-permResponses
				var outcome struct {
					Outcome struct {
						Outcome  string `json:"outcome"`
						OptionID string `json:"optionId"`
					} `json:"outcome"`
				}
				json.Unmarshal(pr.Result, &outcome)
				if outcome.Outcome.Outcome != "selected" {
					t.Errorf("Expected outcome selected, got %s", outcome.Outcome.Outcome)
				}
				if outcome.Outcome.OptionID != "allow-once" {
					t.Errorf("Expected first option selected by default, got %s", outcome.Outcome.OptionID)
				}
				send(chunkNotification("after"))
				resp, _ := jsonrpc.NewResult(frame.ID, map[string]interface{}{"stopReason": "end_turn"})
				send(resp)
			}()
		case frame.IsResponse():
			permResponses <- frame
		}
	})

	a := NewACPAdapter(AdapterConfig{URL: srv.url()})
	got := collectEvents(a)
	a.OnPermissionRequest(func(req permission.Request) {
		if req.ToolName != "write_file" {
			t.Errorf("Expected tool write_file, got %s", req.ToolName)
		}
		// empty option id: the first offered option wins
		if err := a.GrantPermission(""); err != nil {
			t.Errorf("GrantPermission failed: %v", err)
		}
	})

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer a.Disconnect()

	if err := a.SendMessage(context.Background(), "do it", SendOptions{}); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	var finals []MessageEvent
	for _, ev := range got() {
		if ev.Kind == EventMessage && ev.Message.Done {
			finals = append(finals, *ev.Message)
		}
	}
	if len(finals) != 2 {
		t.Fatalf("Expected two finished turns around the approval, got %d: %+v", len(finals), finals)
	}
	if finals[0].Content != "before" {
		t.Errorf("Expected pre-approval turn 'before', got %q", finals[0].Content)
	}
	if finals[1].Content != "after" {
		t.Errorf("Expected post-approval turn 'after', got %q", finals[1].Content)
	}
	if finals[0].ID == finals[1].ID {
		t.Error("Post-approval text must open a new turn, not reuse the old id")
	}
}

func TestACPConcurrentPermissionRejected(t *testing.T) {
	type answer struct {
		id    interface{}
		isErr bool
	}
	answers := make(chan answer, 2)
	var adapter *ACPAdapter

	srv := newACPTestServer(t, nil)
	srv.handle = handshakeHandler(t, func(frame jsonrpc.Frame, send func(v interface{})) {
		switch {
		case frame.Method == acpMethodSessionPrompt:
			permReq := func(id int, callID string) jsonrpc.Request {
				return jsonrpc.Request{
					JSONRPC: jsonrpc.Version,
					ID:      id,
					Method:  acpMethodRequestPermission,
					Params: map[string]interface{}{
						"sessionId": "s1",
						"toolCall":  map[string]interface{}{"toolCallId": callID, "title": "tool"},
						"options":   []map[string]interface{}{{"optionId": "ok"}},
					},
				}
			}
			send(permReq(100, "c1"))
			send(permReq(101, "c2"))
			go func() {
				// wait for the rejection of the second request, then settle
				// the first and finish the prompt
				for a := range answers {
					if a.isErr {
						if fmt.Sprintf("%v", a.id) != "101" {
							t.Errorf("Expected rejection for request 101, got %v", a.id)
						}
						adapter.GrantPermission("ok")
					} else {
						resp, _ := jsonrpc.NewResult(frame.ID, map[string]interface{}{"stopReason": "end_turn"})
						send(resp)
						return
					}
				}
			}()
		case frame.IsResponse():
			answers <- answer{id: frame.ID, isErr: frame.Error != nil}
		}
	})

	adapter = NewACPAdapter(AdapterConfig{URL: srv.url()})
	if err := adapter.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer adapter.Disconnect()

	if err := adapter.SendMessage(context.Background(), "go", SendOptions{}); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
}
