package llmcall

import (
	"context"
	"fmt"

	"github.com/llm-ir/svm/pkg/config"
	"github.com/llm-ir/svm/pkg/svm"
)

// VMAdapter implements svm.LLMExecutor by wrapping a Client and draining its
// streaming chunk channel into a single accumulated svm.LLMResponse. This
// lives here rather than in pkg/svm because pkg/svm's types (ToolDefinition,
// ToolCall) are already imported the other way by this package — defining
// the adapter here avoids a cycle without pkg/svm needing to know about
// config.LLMProviderConfig or this package's streaming wire shape at all.
type VMAdapter struct {
	client    Client
	providers *config.LLMProviderRegistry
}

// NewVMAdapter wraps client for dispatch from the VM's LLM_CALL handler.
func NewVMAdapter(client Client, providers *config.LLMProviderRegistry) *VMAdapter {
	return &VMAdapter{client: client, providers: providers}
}

// Generate implements svm.LLMExecutor: it resolves req.ProviderID to a
// provider config, translates svm.LLMMessage into ConversationMessage,
// issues the streaming call, and accumulates chunks into one LLMResponse.
// An ErrorChunk anywhere in the stream short-circuits with that error.
func (a *VMAdapter) Generate(ctx context.Context, req svm.LLMRequest) (*svm.LLMResponse, error) {
	providerCfg, err := a.providers.Get(req.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("llm_call: unknown provider %q: %w", req.ProviderID, err)
	}

	messages := make([]ConversationMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = ConversationMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
			ToolName:   m.ToolName,
		}
	}

	stream, err := a.client.Generate(ctx, &GenerateInput{
		SessionID:   req.SessionID,
		ExecutionID: req.ExecutionID,
		Messages:    messages,
		Config:      providerCfg,
		Tools:       req.Tools,
	})
	if err != nil {
		return nil, fmt.Errorf("llm_call: generate failed: %w", err)
	}

	result := &svm.LLMResponse{}
	for chunk := range stream {
		switch c := chunk.(type) {
		case *TextChunk:
			result.Text += c.Content
		case *ToolCallChunk:
			result.ToolCalls = append(result.ToolCalls, svm.ToolCall{ID: c.CallID, Name: c.Name, Arguments: c.Arguments})
		case *UsageChunk:
			result.InputTokens += c.InputTokens
			result.OutputTokens += c.OutputTokens
			result.ThinkingTokens += c.ThinkingTokens
		case *ErrorChunk:
			return nil, fmt.Errorf("llm_call: provider error (code=%s retryable=%t): %s", c.Code, c.Retryable, c.Message)
		}
	}
	return result, nil
}
