// Package conversation reconciles the adapter event stream into an ordered
// message transcript and drives tool execution through the middleware
// pipeline.
package conversation

import (
	"sync"
	"time"

	"github.com/open-agents/agentlink/internal/protocol"
)

// Message is one transcript entry
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Streaming bool      `json:"streaming,omitempty"`
	Error     bool      `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ToolCallState tracks one tool call through its lifecycle
type ToolCallState string

const (
	ToolCallPending   ToolCallState = "pending"
	ToolCallExecuting ToolCallState = "executing"
	ToolCallCompleted ToolCallState = "completed"
	ToolCallFailed    ToolCallState = "failed"
)

// ToolCallRecord is the stored view of one tool call
type ToolCallRecord struct {
	Request protocol.ToolCallRequest `json:"request"`
	State   ToolCallState            `json:"state"`
	Result  interface{}              `json:"result,omitempty"`
	Error   string                   `json:"error,omitempty"`
}

// Store receives transcript mutations from the reconciler. Updates are
// keyed by stable ids; streamed content replaces, never appends.
type Store interface {
	AppendMessage(m Message)
	UpdateMessage(id, content string, done bool)
	FinalizeMessage(id string)
	DeleteMessage(id string)
	SetToolCall(rec ToolCallRecord)
}

// MemoryStore is the in-memory Store used by the CLI and by tests
type MemoryStore struct {
	mu       sync.Mutex
	messages []Message
	calls    map[string]ToolCallRecord
	onChange func()
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{calls: make(map[string]ToolCallRecord)}
}

// OnChange sets a callback fired after every mutation
func (s *MemoryStore) OnChange(callback func()) {
	s.mu.Lock()
	s.onChange = callback
	s.mu.Unlock()
}

func (s *MemoryStore) AppendMessage(m Message) {
	s.mu.Lock()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	s.messages = append(s.messages, m)
	cb := s.onChange
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (s *MemoryStore) UpdateMessage(id, content string, done bool) {
	s.mu.Lock()
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages[i].Content = content
			s.messages[i].Streaming = !done
			break
		}
	}
	cb := s.onChange
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// FinalizeMessage marks a message as no longer streaming, keeping its
// content as-is
func (s *MemoryStore) FinalizeMessage(id string) {
	s.mu.Lock()
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages[i].Streaming = false
			break
		}
	}
	cb := s.onChange
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (s *MemoryStore) DeleteMessage(id string) {
	s.mu.Lock()
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			break
		}
	}
	cb := s.onChange
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (s *MemoryStore) SetToolCall(rec ToolCallRecord) {
	s.mu.Lock()
	s.calls[rec.Request.ToolCallID] = rec
	cb := s.onChange
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Messages returns a copy of the transcript
func (s *MemoryStore) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// ToolCall returns the stored record for a call id
func (s *MemoryStore) ToolCall(id string) (ToolCallRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.calls[id]
	return rec, ok
}
