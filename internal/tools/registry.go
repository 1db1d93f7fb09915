// Package tools holds the tool registry and the executor that routes tool
// calls to frontend handlers or a backend runner.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/open-agents/agentlink/internal/protocol"
)

// Location says where a tool executes
type Location string

const (
	LocationFrontend Location = "frontend" // runs in-process via Handler
	LocationBackend  Location = "backend"  // delegated to the BackendRunner
)

// HandlerFunc executes a frontend tool
type HandlerFunc func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Tool is one registered tool definition
type Tool struct {
	Name             string
	Description      string
	Location         Location
	Parameters       json.RawMessage // JSON schema for the argument object
	RequiresApproval bool
	Handler          HandlerFunc

	schema *jsonschema.Schema
}

// Registry is the thread-safe tool catalog
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. Frontend tools need a handler; a parameter schema,
// when present, is compiled up front so malformed schemas fail at
// registration rather than at call time.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if t.Location == "" {
		t.Location = LocationFrontend
	}
	if t.Location == LocationFrontend && t.Handler == nil {
		return fmt.Errorf("frontend tool %s needs a handler", t.Name)
	}

	if len(t.Parameters) > 0 {
		schema, err := compileSchema(t.Name, t.Parameters)
		if err != nil {
			return fmt.Errorf("tool %s: invalid parameter schema: %w", t.Name, err)
		}
		t.schema = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool %s already registered", t.Name)
	}
	r.tools[t.Name] = &t
	return nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	resource := name + ".schema.json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, err
	}
	return c.Compile(resource)
}

// Get returns the tool by name
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Defs returns the wire-facing definitions of all registered tools, sorted
// by name for stable advertisement
func (r *Registry) Defs() []protocol.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]protocol.ToolDef, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, protocol.ToolDef{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// ValidateArgs checks the argument object against the tool's schema. Tools
// without a schema accept anything.
func (t *Tool) ValidateArgs(args map[string]interface{}) error {
	if t.schema == nil {
		return nil
	}

	// Round-trip so the instance matches what the schema library expects
	// regardless of how the args were built
	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	return t.schema.Validate(instance)
}
