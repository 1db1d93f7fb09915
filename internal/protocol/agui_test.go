package protocol

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// collectEvents subscribes and returns a thread-safe accessor for the
// received events
func collectEvents(a Adapter) func() []Event {
	var mu sync.Mutex
	var events []Event
	a.Subscribe(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	return func() []Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]Event(nil), events...)
	}
}

func aguiServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n", line)
		}
	}))
}

func connectedAGUI(t *testing.T, srv *httptest.Server) *AGUIAdapter {
	t.Helper()
	a := NewAGUIAdapter(AdapterConfig{URL: srv.URL})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return a
}

func TestAGUITextChunking(t *testing.T) {
	// The same logical message arrives in three deltas; every update must
	// carry the full accumulated content under one stable id.
	srv := aguiServer(t, []string{
		`{"type":"RUN_STARTED"}`,
		`{"type":"TEXT_MESSAGE_START","messageId":"m1"}`,
		`{"type":"TEXT_MESSAGE_CONTENT","messageId":"m1","delta":"Hel"}`,
		`{"type":"TEXT_MESSAGE_CONTENT","messageId":"m1","delta":"lo "}`,
		`{"type":"TEXT_MESSAGE_CONTENT","messageId":"m1","delta":"world"}`,
		`{"type":"TEXT_MESSAGE_END","messageId":"m1"}`,
		`{"type":"RUN_FINISHED"}`,
	})
	defer srv.Close()

	a := connectedAGUI(t, srv)
	got := collectEvents(a)

	if err := a.SendMessage(context.Background(), "hi", SendOptions{}); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	var contents []string
	var final *MessageEvent
	for _, ev := range got() {
		if ev.Kind != EventMessage {
			continue
		}
		if ev.Message.ID != "m1" {
			t.Errorf("Expected message id m1, got %s", ev.Message.ID)
		}
		contents = append(contents, ev.Message.Content)
		if ev.Message.Done {
			final = ev.Message
		}
	}

	want := []string{"Hel", "Hello ", "Hello world", "Hello world"}
	if len(contents) != len(want) {
		t.Fatalf("Expected %d message updates, got %d: %v", len(want), len(contents), contents)
	}
	for i := range want {
		if contents[i] != want[i] {
			t.Errorf("Update %d: expected %q, got %q", i, want[i], contents[i])
		}
	}
	if final == nil || final.Content != "Hello world" {
		t.Fatalf("Expected final content 'Hello world', got %+v", final)
	}
}

func TestAGUIMessageIDSynthesis(t *testing.T) {
	// Content without a preceding start and without an id still gets a
	// stable synthesized id across deltas
	srv := aguiServer(t, []string{
		`{"type":"TEXT_MESSAGE_CONTENT","delta":"a"}`,
		`{"type":"TEXT_MESSAGE_CONTENT","delta":"b"}`,
		`{"type":"RUN_FINISHED"}`,
	})
	defer srv.Close()

	a := connectedAGUI(t, srv)
	got := collectEvents(a)

	if err := a.SendMessage(context.Background(), "hi", SendOptions{}); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	var ids []string
	for _, ev := range got() {
		if ev.Kind == EventMessage {
			ids = append(ids, ev.Message.ID)
		}
	}
	if len(ids) < 2 {
		t.Fatalf("Expected at least 2 message events, got %d", len(ids))
	}
	for _, id := range ids {
		if id == "" {
			t.Error("Message id should never be empty")
		}
		if id != ids[0] {
			t.Errorf("Expected stable id %s, got %s", ids[0], id)
		}
	}
}

func TestAGUIToolCallArgsMerge(t *testing.T) {
	// Partial argument objects merge key-wise across fragments
	srv := aguiServer(t, []string{
		`{"type":"TOOL_CALL_START","toolCallId":"c1","toolCallName":"search"}`,
		`{"type":"TOOL_CALL_ARGS","toolCallId":"c1","delta":"{\"a\":1}"}`,
		`{"type":"TOOL_CALL_ARGS","toolCallId":"c1","delta":"{\"b\":2}"}`,
		`{"type":"TOOL_CALL_END","toolCallId":"c1"}`,
		`{"type":"RUN_FINISHED"}`,
	})
	defer srv.Close()

	a := connectedAGUI(t, srv)
	got := collectEvents(a)

	if err := a.SendMessage(context.Background(), "hi", SendOptions{}); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	var done *ToolCallEvent
	for _, ev := range got() {
		if ev.Kind == EventToolCall && ev.ToolCall.Done {
			done = ev.ToolCall
		}
	}
	if done == nil {
		t.Fatal("Expected a completed tool call event")
	}
	if done.Request.ToolName != "search" {
		t.Errorf("Expected tool name search, got %s", done.Request.ToolName)
	}
	if got := done.Request.Args["a"]; got != float64(1) {
		t.Errorf("Expected a=1, got %v", got)
	}
	if got := done.Request.Args["b"]; got != float64(2) {
		t.Errorf("Expected b=2, got %v", got)
	}
}

func TestAGUIStateSnapshotCompletesLatestCall(t *testing.T) {
	// With two executing calls, a state snapshot completes only the most
	// recently started one
	srv := aguiServer(t, []string{
		`{"type":"TOOL_CALL_START","toolCallId":"c1","toolCallName":"first"}`,
		`{"type":"TOOL_CALL_END","toolCallId":"c1"}`,
		`{"type":"TOOL_CALL_START","toolCallId":"c2","toolCallName":"second"}`,
		`{"type":"TOOL_CALL_END","toolCallId":"c2"}`,
		`{"type":"STATE_SNAPSHOT","snapshot":{"answer":42}}`,
		`{"type":"RUN_FINISHED"}`,
	})
	defer srv.Close()

	a := connectedAGUI(t, srv)
	got := collectEvents(a)

	if err := a.SendMessage(context.Background(), "hi", SendOptions{}); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	var results []string
	sawState := false
	for _, ev := range got() {
		switch ev.Kind {
		case EventToolResult:
			results = append(results, ev.ToolResult.ToolCallID)
		case EventStateUpdate:
			sawState = true
		}
	}

	if !sawState {
		t.Error("Expected a state-update event")
	}
	if len(results) != 1 || results[0] != "c2" {
		t.Errorf("Expected exactly one result for c2, got %v", results)
	}
}

func TestAGUIMergeArgs(t *testing.T) {
	tests := []struct {
		name  string
		prev  map[string]interface{}
		delta string
		want  map[string]interface{}
	}{
		{
			name:  "disjoint keys",
			prev:  map[string]interface{}{"a": float64(1)},
			delta: `{"b":2}`,
			want:  map[string]interface{}{"a": float64(1), "b": float64(2)},
		},
		{
			name:  "later fragment wins",
			prev:  map[string]interface{}{"a": float64(1)},
			delta: `{"a":3}`,
			want:  map[string]interface{}{"a": float64(3)},
		},
		{
			name:  "empty delta keeps prev",
			prev:  map[string]interface{}{"a": float64(1)},
			delta: "  ",
			want:  map[string]interface{}{"a": float64(1)},
		},
		{
			name:  "non-object kept raw",
			prev:  nil,
			delta: `"partial`,
			want:  map[string]interface{}{"_raw": `"partial`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mergeArgs(tt.prev, tt.delta)
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %v, got %v", tt.want, got)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("Key %s: expected %v, got %v", k, v, got[k])
				}
			}
		})
	}
}

func TestAGUIConnectRecoversFromError(t *testing.T) {
	// A transport failure leaves the adapter in the error state; a later
	// Connect must treat that as a reconnect, not a no-op
	var mu sync.Mutex
	dropNext := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		drop := dropNext
		dropNext = false
		mu.Unlock()

		if drop {
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					conn.Close()
				}
			}
			return
		}
		fmt.Fprintln(w, `data: {"type":"RUN_FINISHED"}`)
	}))
	defer srv.Close()

	a := connectedAGUI(t, srv)

	if err := a.SendMessage(context.Background(), "hi", SendOptions{}); err == nil {
		t.Fatal("Expected send failure on dropped connection")
	}
	if a.State() != StateError {
		t.Fatalf("Expected error state after transport failure, got %s", a.State())
	}

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}
	if a.State() != StateConnected {
		t.Fatalf("Expected connected after reconnect, got %s", a.State())
	}
	if err := a.SendMessage(context.Background(), "hi again", SendOptions{}); err != nil {
		t.Errorf("SendMessage after reconnect failed: %v", err)
	}
}

func TestAGUIConnectIdempotent(t *testing.T) {
	a := NewAGUIAdapter(AdapterConfig{URL: "http://localhost:1"})

	if a.State() != StateDisconnected {
		t.Errorf("Expected disconnected, got %s", a.State())
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if a.State() != StateConnected {
		t.Errorf("Expected connected, got %s", a.State())
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Errorf("Second Connect should be a no-op, got %v", err)
	}

	a.Disconnect()
	if a.State() != StateDisconnected {
		t.Errorf("Expected disconnected after Disconnect, got %s", a.State())
	}
}
