package permission

import (
	"testing"
	"time"
)

func TestTrackerSingleSlot(t *testing.T) {
	tr := NewTracker()

	if tr.State() != StateNone {
		t.Errorf("Expected StateNone, got %v", tr.State())
	}

	_, err := tr.Begin(Request{RequestID: 1, ToolName: "a"})
	if err != nil {
		t.Fatalf("First Begin failed: %v", err)
	}
	if tr.State() != StatePending {
		t.Errorf("Expected StatePending, got %v", tr.State())
	}

	if _, err := tr.Begin(Request{RequestID: 2, ToolName: "b"}); err == nil {
		t.Error("Second Begin while pending should fail")
	}

	pending, ok := tr.Pending()
	if !ok || pending.ToolName != "a" {
		t.Errorf("Expected pending request for a, got %+v ok=%v", pending, ok)
	}
}

func TestTrackerGrantDefaultsToFirstOption(t *testing.T) {
	tr := NewTracker()
	ch, err := tr.Begin(Request{
		RequestID: 1,
		ToolName:  "write",
		Options: []Option{
			{OptionID: "allow-once"},
			{OptionID: "reject-once"},
		},
	})
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	if err := tr.Resolve(Decision{Granted: true}); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	d := <-ch
	if !d.Granted {
		t.Error("Expected grant")
	}
	if d.OptionID != "allow-once" {
		t.Errorf("Expected first option by default, got %q", d.OptionID)
	}
	if tr.State() != StateResolved {
		t.Errorf("Expected StateResolved, got %v", tr.State())
	}
}

func TestTrackerResolvesOnce(t *testing.T) {
	tr := NewTracker()
	ch, _ := tr.Begin(Request{RequestID: 1})

	if err := tr.Resolve(Decision{Granted: false}); err != nil {
		t.Fatalf("First Resolve failed: %v", err)
	}
	if err := tr.Resolve(Decision{Granted: true}); err == nil {
		t.Error("Second Resolve should fail")
	}

	d := <-ch
	if d.Granted {
		t.Error("Only the first resolution counts")
	}
}

func TestTrackerExpireDenies(t *testing.T) {
	tr := NewTracker()
	ch, _ := tr.Begin(Request{RequestID: 1})

	tr.Expire()
	d := <-ch
	if d.Granted {
		t.Error("Expiry must deny")
	}

	// expiring again is harmless
	tr.Expire()
}

func TestHandlerSubmitAndResolve(t *testing.T) {
	h := NewHandler(time.Second)

	var seen []string
	h.OnRequest(func(req Request) {
		seen = append(seen, req.ToolName)
		go h.Resolve("r1", Decision{Granted: true, OptionID: "yes"})
	})

	d, err := h.Submit("r1", Request{RequestID: "r1", ToolName: "exec"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if !d.Granted || d.OptionID != "yes" {
		t.Errorf("Expected grant with option yes, got %+v", d)
	}
	if len(seen) != 1 || seen[0] != "exec" {
		t.Errorf("Expected callback for exec, got %v", seen)
	}
	if ids := h.PendingIDs(); len(ids) != 0 {
		t.Errorf("Expected no pending ids after resolution, got %v", ids)
	}
}

func TestHandlerTimeoutDenies(t *testing.T) {
	h := NewHandler(20 * time.Millisecond)

	start := time.Now()
	d, err := h.Submit("r1", Request{RequestID: "r1", ToolName: "slow"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if d.Granted {
		t.Error("Timeout must deny")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("Submit returned before the timeout elapsed")
	}
}
