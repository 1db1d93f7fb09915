package protocol

import (
	"fmt"
	"net/http"
)

// Transport selects one of the four wire protocols
type Transport string

const (
	TransportAGUI   Transport = "agui"   // streaming HTTP, newline-delimited events
	TransportA2A    Transport = "a2a"    // JSON-RPC task protocol over HTTP
	TransportACP    Transport = "acp"    // JSON-RPC session protocol over a socket
	TransportStream Transport = "stream" // external streaming-chat primitive
)

// AdapterConfig contains configuration for protocol adapters
type AdapterConfig struct {
	Name      string
	Transport Transport
	URL       string
	Headers   map[string]string
	Reconnect ReconnectPolicy

	// HTTPClient overrides the default client for the HTTP transports
	HTTPClient *http.Client

	// Streamer is the external primitive backing TransportStream
	Streamer ChatStreamer

	// Observer, when set on TransportStream, fires before each dispatch
	Observer func(text string, opts SendOptions)
}

// New returns the adapter implementation for the configured transport.
// The set of transports is closed: an unknown value is an error, not a
// fallback.
func New(cfg AdapterConfig) (Adapter, error) {
	switch cfg.Transport {
	case TransportAGUI:
		return NewAGUIAdapter(cfg), nil
	case TransportA2A:
		return NewA2AAdapter(cfg), nil
	case TransportACP:
		return NewACPAdapter(cfg), nil
	case TransportStream:
		if cfg.Streamer == nil {
			return nil, fmt.Errorf("stream transport requires a ChatStreamer")
		}
		return NewStreamAdapter(cfg), nil
	default:
		return nil, fmt.Errorf("unknown transport: %s", cfg.Transport)
	}
}
