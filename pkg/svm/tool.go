package svm

import (
	"context"
	"fmt"
)

// ToolExecutor abstracts CALL_TOOL dispatch for the instruction handler and
// for an LLM_CALL's native tool use. The concrete implementation backing it
// in production is pkg/executors/toolprotocol's MCP-backed executor.
type ToolExecutor interface {
	// Execute runs a single tool call and returns its result.
	Execute(ctx context.Context, call ToolCall) (*ToolResult, error)

	// ListTools returns the tool definitions available to the current
	// execution. Returns nil if no tools are configured.
	ListTools(ctx context.Context) ([]ToolDefinition, error)

	// Close releases resources (MCP transports, subprocesses).
	Close() error
}

// ToolDefinition describes a tool available to CALL_TOOL instructions and to
// an LLM_CALL's native tool use.
type ToolDefinition struct {
	Name             string
	Description      string
	ParametersSchema string // JSON Schema
}

// ToolCall is a request to invoke a tool, whether issued directly by a
// CALL_TOOL instruction or by an LLM mid LLM_CALL.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON
}

// ToolResult is the output of a tool execution.
type ToolResult struct {
	CallID  string // Matches the ToolCall.ID
	Name    string // Tool name (server.tool format)
	Content string // Tool output (text)
	IsError bool
}

// StubToolExecutor returns canned responses. Useful for compiling and
// dry-running an artifact without a live MCP connection.
type StubToolExecutor struct {
	tools []ToolDefinition
}

// NewStubToolExecutor creates a stub executor with the given tool definitions.
func NewStubToolExecutor(tools []ToolDefinition) *StubToolExecutor {
	return &StubToolExecutor{tools: tools}
}

func (s *StubToolExecutor) Execute(_ context.Context, call ToolCall) (*ToolResult, error) {
	return &ToolResult{
		CallID:  call.ID,
		Name:    call.Name,
		Content: fmt.Sprintf("[stub] Tool %q called with args: %s", call.Name, call.Arguments),
		IsError: false,
	}, nil
}

func (s *StubToolExecutor) ListTools(_ context.Context) ([]ToolDefinition, error) {
	return s.tools, nil
}

func (s *StubToolExecutor) Close() error { return nil }
