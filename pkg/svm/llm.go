package svm

import "context"

// LLMExecutor abstracts the LLM_CALL opcode's collaborator. Defined
// natively here (rather than importing pkg/executors/llmcall's Client
// directly) because that package already imports svm for ToolDefinition
// and ToolCall — the adapter from a concrete llmcall.Client to this
// interface lives in pkg/executors/llmcall itself, keeping the dependency
// one-directional.
type LLMExecutor interface {
	Generate(ctx context.Context, req LLMRequest) (*LLMResponse, error)
}

// LLMMessage is one turn of the conversation sent to the LLM.
type LLMMessage struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	ToolName   string
}

// LLMRequest is the VM-native view of an LLM_CALL's operands, decoded from
// Instruction.Operands by the opcode handler.
type LLMRequest struct {
	SessionID     string
	ExecutionID   string
	Messages      []LLMMessage
	ProviderID    string
	Tools         []ToolDefinition
	VaultSecret   string // resolved credential, never logged
}

// LLMResponse is the accumulated result of one LLM_CALL, after draining the
// provider's streaming chunks.
type LLMResponse struct {
	Text          string
	ToolCalls     []ToolCall
	InputTokens   int
	OutputTokens  int
	ThinkingTokens int
}
