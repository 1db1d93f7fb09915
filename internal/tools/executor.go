package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/open-agents/agentlink/internal/logger"
	"github.com/open-agents/agentlink/internal/protocol"
)

// ApprovalFunc gates frontend tools that require human approval. It blocks
// until the user decides; false denies the call.
type ApprovalFunc func(ctx context.Context, req protocol.ToolCallRequest) (bool, error)

// BackendRunner executes tools that live on the agent side. The executor
// treats it as an optional capability.
type BackendRunner interface {
	RunTool(ctx context.Context, req protocol.ToolCallRequest) (interface{}, error)
}

// Executor routes tool call requests by location and produces exactly one
// result per request.
type Executor struct {
	registry *Registry
	backend  BackendRunner
	approve  ApprovalFunc
}

func NewExecutor(registry *Registry, backend BackendRunner, approve ApprovalFunc) *Executor {
	return &Executor{registry: registry, backend: backend, approve: approve}
}

// Execute runs one tool call. Failures are reported in the result, never as
// a panic: an unknown tool, a missing backend, a schema violation, a denied
// approval, and a handler panic all come back as Success=false.
func (e *Executor) Execute(ctx context.Context, req protocol.ToolCallRequest) protocol.ToolExecutionResult {
	start := time.Now()
	result := e.execute(ctx, req)
	result.ExecutionTime = time.Since(start)
	return result
}

func (e *Executor) execute(ctx context.Context, req protocol.ToolCallRequest) protocol.ToolExecutionResult {
	tool, ok := e.registry.Get(req.ToolName)
	if !ok {
		return failure(fmt.Sprintf("unknown tool: %s", req.ToolName))
	}

	if tool.Location == LocationBackend {
		return e.runBackend(ctx, req)
	}
	return e.runFrontend(ctx, tool, req)
}

// runBackend delegates to the injected runner. Without one, the call fails
// cleanly so a partially wired host degrades instead of crashing.
func (e *Executor) runBackend(ctx context.Context, req protocol.ToolCallRequest) protocol.ToolExecutionResult {
	if e.backend == nil {
		logger.Warn("[Tools] Backend tool %s requested but no runner is configured", req.ToolName)
		return failure("no backend runner available")
	}

	out, err := e.backend.RunTool(ctx, req)
	if err != nil {
		return failure(err.Error())
	}
	return protocol.ToolExecutionResult{Success: true, Result: out}
}

func (e *Executor) runFrontend(ctx context.Context, tool *Tool, req protocol.ToolCallRequest) (result protocol.ToolExecutionResult) {
	if err := tool.ValidateArgs(req.Args); err != nil {
		return failure(fmt.Sprintf("invalid arguments: %v", err))
	}

	if tool.RequiresApproval {
		if e.approve == nil {
			// no way to ask, so the gate stays closed
			return failure("approval required but no approver configured")
		}
		granted, err := e.approve(ctx, req)
		if err != nil {
			return failure(fmt.Sprintf("approval failed: %v", err))
		}
		if !granted {
			return failure("rejected by user")
		}
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("[Tools] Handler for %s panicked: %v", req.ToolName, r)
			result = failure(fmt.Sprintf("tool %s panicked: %v", req.ToolName, r))
		}
	}()

	out, err := tool.Handler(ctx, req.Args)
	if err != nil {
		return failure(err.Error())
	}
	return protocol.ToolExecutionResult{Success: true, Result: out}
}

// ExecuteMultiple runs a batch concurrently and joins the results by call
// id. Correlation is always by id, never by position.
func (e *Executor) ExecuteMultiple(ctx context.Context, reqs []protocol.ToolCallRequest) map[string]protocol.ToolExecutionResult {
	results := make(map[string]protocol.ToolExecutionResult, len(reqs))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, req := range reqs {
		wg.Add(1)
		go func(req protocol.ToolCallRequest) {
			defer wg.Done()
			res := e.Execute(ctx, req)
			mu.Lock()
			results[req.ToolCallID] = res
			mu.Unlock()
		}(req)
	}

	wg.Wait()
	return results
}

func failure(msg string) protocol.ToolExecutionResult {
	return protocol.ToolExecutionResult{Success: false, Error: msg}
}
