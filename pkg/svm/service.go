package svm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/llm-ir/svm/pkg/ir"
)

// ServiceExecutor invokes a resolved CALL_SERVICE instruction against one
// execution-descriptor format. The VM keeps one ServiceExecutor per format
// in its ExecutorRegistry; service resolution already picked the format at
// compile time (pkg/resolve), so dispatch here is a straight map lookup.
type ServiceExecutor interface {
	// Execute invokes the service described by dispatch, with input built
	// from the instruction's operands and source-register values, and
	// returns the decoded output (typically a map[string]interface{}
	// matching the manifest's output ports).
	Execute(ctx context.Context, dispatch *ir.DispatchMetadata, input map[string]interface{}) (map[string]interface{}, error)
}

// ExecutorRegistry routes a CALL_SERVICE instruction to the ServiceExecutor
// registered for its dispatch format.
type ExecutorRegistry struct {
	byFormat map[string]ServiceExecutor
}

// NewExecutorRegistry returns an empty registry. Register at least an HTTP
// executor before serving traffic that resolves to HTTP descriptors.
func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{byFormat: make(map[string]ServiceExecutor)}
}

// Register installs executor for the given descriptor format (one of the
// nine DescriptorFormat tags).
func (r *ExecutorRegistry) Register(format string, executor ServiceExecutor) {
	r.byFormat[format] = executor
}

// Get returns the executor registered for format, or an error identifying
// the unsupported format — surfaced to the caller as UNSUPPORTED_PLATFORM.
func (r *ExecutorRegistry) Get(format string) (ServiceExecutor, error) {
	executor, ok := r.byFormat[format]
	if !ok {
		return nil, NewRuntimeError(ErrUnsupportedPlatform, fmt.Errorf("no executor registered for descriptor format %q", format))
	}
	return executor, nil
}

// ExecuteWithRetry runs executor.Execute, applying dispatch.RetryPolicy's
// exponential backoff to retriable runtime errors before surfacing to the
// VM, per §7's "runtime errors are local-first" rule.
func ExecuteWithRetry(ctx context.Context, executor ServiceExecutor, dispatch *ir.DispatchMetadata, input map[string]interface{}) (map[string]interface{}, error) {
	maxAttempts := dispatch.RetryPolicy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	backoff := time.Duration(dispatch.RetryPolicy.BackoffMS) * time.Millisecond

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		callCtx := ctx
		var cancel context.CancelFunc
		if dispatch.TimeoutMS > 0 {
			callCtx, cancel = context.WithTimeout(ctx, time.Duration(dispatch.TimeoutMS)*time.Millisecond)
		}
		output, err := executor.Execute(callCtx, dispatch, input)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return output, nil
		}
		lastErr = err

		runtimeErr, ok := err.(*RuntimeError)
		if !ok || !runtimeErr.Retriable || attempt == maxAttempts {
			return nil, err
		}
		if backoff > 0 {
			select {
			case <-time.After(backoff * time.Duration(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

// HTTPExecutor backs the Http descriptor format: it issues an HTTP request
// per the descriptor's url-template/method/headers/auth-scheme and decodes
// a JSON response into the output map.
type HTTPExecutor struct {
	client *http.Client
}

// NewHTTPExecutor returns an HTTPExecutor with a bounded default client
// timeout; the per-call dispatch.TimeoutMS context deadline still governs
// the actual request.
func NewHTTPExecutor() *HTTPExecutor {
	return &HTTPExecutor{client: &http.Client{}}
}

func (e *HTTPExecutor) Execute(ctx context.Context, dispatch *ir.DispatchMetadata, input map[string]interface{}) (map[string]interface{}, error) {
	cfg := dispatch.SelectedDescriptor
	urlTemplate, _ := cfg["url_template"].(string)
	method, _ := cfg["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	if urlTemplate == "" {
		return nil, NewRuntimeError(ErrContractViolation, fmt.Errorf("http descriptor missing url_template"))
	}

	url := expandTemplate(urlTemplate, input)

	var body io.Reader
	if method != http.MethodGet && method != http.MethodDelete {
		encoded, err := json.Marshal(input)
		if err != nil {
			return nil, NewRuntimeError(ErrRuntimeError, err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, NewRuntimeError(ErrRuntimeError, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if headers, ok := cfg["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, NewRuntimeError(ErrTimeout, err)
		}
		return nil, NewRuntimeError(ErrNetworkError, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, NewRuntimeError(ErrAuthError, fmt.Errorf("http %d from %s", resp.StatusCode, url))
	}
	if resp.StatusCode >= 500 {
		return nil, NewRuntimeError(ErrNetworkError, fmt.Errorf("http %d from %s", resp.StatusCode, url))
	}
	if resp.StatusCode >= 400 {
		return nil, NewRuntimeError(ErrContractViolation, fmt.Errorf("http %d from %s", resp.StatusCode, url))
	}

	var output map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&output); err != nil && err != io.EOF {
		return nil, NewRuntimeError(ErrRuntimeError, fmt.Errorf("failed to decode response: %w", err))
	}
	return output, nil
}

// expandTemplate substitutes {name} placeholders in template with string
// representations of values from input, mirroring the manifest's
// request-mapping contract without requiring a templating dependency for
// this single-level substitution.
func expandTemplate(template string, input map[string]interface{}) string {
	out := template
	for k, v := range input {
		out = strings.ReplaceAll(out, "{"+k+"}", fmt.Sprintf("%v", v))
	}
	return out
}

// ToolCallExecutor adapts the VM's ToolExecutor collaborator (CALL_TOOL) to
// the ServiceExecutor interface so CALL_TOOL can flow through the same
// ExecutorRegistry dispatch path as CALL_SERVICE.
type ToolCallExecutor struct {
	tools ToolExecutor
}

// NewToolCallExecutor wraps tools for CALL_TOOL dispatch.
func NewToolCallExecutor(tools ToolExecutor) *ToolCallExecutor {
	return &ToolCallExecutor{tools: tools}
}

func (e *ToolCallExecutor) Execute(ctx context.Context, dispatch *ir.DispatchMetadata, input map[string]interface{}) (map[string]interface{}, error) {
	toolName, _ := dispatch.SelectedDescriptor["tool_name"].(string)
	args, err := json.Marshal(input)
	if err != nil {
		return nil, NewRuntimeError(ErrRuntimeError, err)
	}

	result, err := e.tools.Execute(ctx, ToolCall{Name: toolName, Arguments: string(args)})
	if err != nil {
		return nil, NewRuntimeError(ErrRuntimeError, err)
	}
	if result.IsError {
		return nil, NewRuntimeError(ErrRuntimeError, fmt.Errorf("tool %q returned an error: %s", toolName, result.Content))
	}
	return map[string]interface{}{"content": result.Content}, nil
}
