package protocol

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/open-agents/agentlink/internal/logger"
)

// StreamPart kinds
const (
	PartText       = "text"
	PartToolCall   = "tool-call"
	PartToolResult = "tool-result"
	PartError      = "error"
	PartFinish     = "finish"
)

// StreamPart is one chunk produced by a ChatStreamer
type StreamPart struct {
	Type       string
	Text       string
	ToolCallID string
	ToolName   string
	Args       map[string]interface{}
	Result     interface{}
	Err        string
}

// ChatStreamer is the injected streaming-chat primitive wrapped by the
// stream transport. Implementations close the returned channel when the
// turn is over.
type ChatStreamer interface {
	Stream(ctx context.Context, text string) (<-chan StreamPart, error)
}

// StreamAdapter adapts an external ChatStreamer to the common adapter
// contract. It owns no wire protocol of its own.
type StreamAdapter struct {
	emitter
	cfg   AdapterConfig
	state connState
}

// NewStreamAdapter creates an adapter around cfg.Streamer
func NewStreamAdapter(cfg AdapterConfig) *StreamAdapter {
	return &StreamAdapter{cfg: cfg}
}

func (a *StreamAdapter) Name() string { return string(TransportStream) }

func (a *StreamAdapter) State() ConnState { return a.state.get() }

// Connect marks the adapter ready; the underlying primitive is assumed to
// manage its own connectivity
func (a *StreamAdapter) Connect(ctx context.Context) error {
	if !a.state.beginConnect() {
		return nil
	}
	a.state.set(StateConnected)
	return nil
}

func (a *StreamAdapter) Disconnect() {
	a.state.set(StateDisconnected)
}

// SendMessage dispatches one turn through the streamer and maps its parts
// onto events. The observer, when configured, sees the outgoing text before
// the dispatch happens.
func (a *StreamAdapter) SendMessage(ctx context.Context, text string, opts SendOptions) error {
	if a.state.get() != StateConnected {
		return fmt.Errorf("not connected")
	}

	if a.cfg.Observer != nil {
		a.cfg.Observer(text, opts)
	}

	parts, err := a.cfg.Streamer.Stream(ctx, text)
	if err != nil {
		a.emit(errorEvent(err.Error(), false))
		return err
	}

	msgID := uuid.New().String()
	var buf string

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case part, ok := <-parts:
			if !ok {
				a.emit(messageEvent(msgID, buf, true))
				return nil
			}
			switch part.Type {
			case PartText:
				buf += part.Text
				a.emit(messageEvent(msgID, buf, false))
			case PartToolCall:
				req := ToolCallRequest{
					ToolCallID: part.ToolCallID,
					ToolName:   part.ToolName,
					Args:       part.Args,
				}
				if req.ToolCallID == "" {
					req.ToolCallID = uuid.New().String()
				}
				a.emit(toolCallEvent(req, true))
			case PartToolResult:
				a.emit(toolResultEvent(part.ToolCallID, part.Result, part.Err))
			case PartError:
				a.emit(errorEvent(part.Err, false))
			case PartFinish:
				a.emit(messageEvent(msgID, buf, true))
				return nil
			default:
				logger.Debug("[Stream] Ignoring part type %s", part.Type)
			}
		}
	}
}
