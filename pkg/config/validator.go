package config

import (
	"fmt"
	"os"
	"strings"
)

// ValidationReport aggregates every error and warning found across a
// validation pass, grouped in the order sections were checked. Unlike a
// fail-fast validator this never stops at the first problem — a compiler
// or fleet operator needs to see every misconfigured section in one pass.
type ValidationReport struct {
	Errors   []error
	Warnings []string
}

// HasErrors reports whether any section failed validation.
func (r *ValidationReport) HasErrors() bool {
	return len(r.Errors) > 0
}

// Error renders all accumulated errors as a single multi-line message.
func (r *ValidationReport) Error() string {
	msgs := make([]string, len(r.Errors))
	for i, err := range r.Errors {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

func (r *ValidationReport) addError(err error) {
	if err != nil {
		r.Errors = append(r.Errors, err)
	}
}

func (r *ValidationReport) addWarning(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Validator validates a loaded Config section by section, accumulating
// every finding instead of stopping at the first one.
type Validator struct {
	cfg *Config
}

// NewValidator creates a validator for cfg.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll runs every section validator and returns the combined report.
func (v *Validator) ValidateAll() *ValidationReport {
	report := &ValidationReport{}

	v.validateDefaults(report)
	v.validateQueue(report)
	v.validateMCPServers(report)
	v.validateLLMProviders(report)

	return report
}

func (v *Validator) validateDefaults(report *ValidationReport) {
	d := v.cfg.Defaults
	if d.IRVersionMajor < 1 {
		report.addError(NewValidationError("defaults", "ir_version_major", "", ErrMissingRequiredField))
	}
	if d.MaxLoopIterations < 0 || d.MaxLoopIterations > 5 {
		report.addError(NewValidationError("defaults", "max_loop_iterations", "",
			fmt.Errorf("%w: must be between 0 and 5, got %d", ErrInvalidValue, d.MaxLoopIterations)))
	}
	if d.SuccessPolicy != "" && !d.SuccessPolicy.IsValid() {
		report.addError(NewValidationError("defaults", "success_policy", "", ErrInvalidValue))
	}
	if d.LLMProvider != "" {
		if _, err := v.cfg.LLMProviderRegistry.Get(d.LLMProvider); err != nil {
			report.addError(NewValidationError("defaults", "llm_provider", "", err))
		}
	}
}

func (v *Validator) validateQueue(report *ValidationReport) {
	q := v.cfg.Queue
	if q == nil {
		report.addError(fmt.Errorf("queue configuration is nil"))
		return
	}
	if q.WorkerCount < 1 || q.WorkerCount > 50 {
		report.addError(fmt.Errorf("worker_count must be between 1 and 50, got %d", q.WorkerCount))
	}
	if q.MaxConcurrentSessions < 1 {
		report.addError(fmt.Errorf("max_concurrent_sessions must be at least 1, got %d", q.MaxConcurrentSessions))
	}
	if q.PollInterval <= 0 {
		report.addError(fmt.Errorf("poll_interval must be positive, got %v", q.PollInterval))
	}
	if q.PollIntervalJitter < 0 {
		report.addError(fmt.Errorf("poll_interval_jitter must be non-negative, got %v", q.PollIntervalJitter))
	}
	if q.PollIntervalJitter >= q.PollInterval {
		report.addError(fmt.Errorf("poll_interval_jitter must be less than poll_interval, got jitter=%v interval=%v",
			q.PollIntervalJitter, q.PollInterval))
	}
	if q.SessionTimeout <= 0 {
		report.addError(fmt.Errorf("session_timeout must be positive, got %v", q.SessionTimeout))
	}
	if q.GracefulShutdownTimeout <= 0 {
		report.addError(fmt.Errorf("graceful_shutdown_timeout must be positive, got %v", q.GracefulShutdownTimeout))
	}
	if q.OrphanDetectionInterval <= 0 {
		report.addError(fmt.Errorf("orphan_detection_interval must be positive, got %v", q.OrphanDetectionInterval))
	}
	if q.OrphanThreshold <= 0 {
		report.addError(fmt.Errorf("orphan_threshold must be positive, got %v", q.OrphanThreshold))
	}
	if q.HeartbeatInterval <= 0 {
		report.addError(fmt.Errorf("heartbeat_interval must be positive, got %v", q.HeartbeatInterval))
	} else if q.OrphanThreshold > 0 && q.HeartbeatInterval >= q.OrphanThreshold {
		report.addError(fmt.Errorf(
			"heartbeat_interval must be less than orphan_threshold to prevent false orphan detection, got heartbeat=%v threshold=%v",
			q.HeartbeatInterval, q.OrphanThreshold))
	}
}

func (v *Validator) validateMCPServers(report *ValidationReport) {
	for id, server := range v.cfg.MCPServerRegistry.GetAll() {
		if !server.Transport.Type.IsValid() {
			report.addError(NewValidationError("mcp_server", id, "transport.type", ErrInvalidValue))
			continue
		}
		switch server.Transport.Type {
		case TransportTypeStdio:
			if server.Transport.Command == "" {
				report.addError(NewValidationError("mcp_server", id, "transport.command", ErrMissingRequiredField))
			}
		case TransportTypeHTTP, TransportTypeSSE:
			if server.Transport.URL == "" {
				report.addError(NewValidationError("mcp_server", id, "transport.url", ErrMissingRequiredField))
			}
		}
		if server.DataMasking != nil {
			for _, group := range server.DataMasking.PatternGroups {
				if _, ok := GetBuiltinConfig().PatternGroups[group]; !ok {
					report.addWarning("mcp_server %q references unknown masking pattern group %q", id, group)
				}
			}
		}
	}
}

func (v *Validator) validateLLMProviders(report *ValidationReport) {
	for name, provider := range v.cfg.LLMProviderRegistry.GetAll() {
		if !provider.Type.IsValid() {
			report.addError(NewValidationError("llm_provider", name, "type", ErrInvalidValue))
		}
		if provider.Model == "" {
			report.addError(NewValidationError("llm_provider", name, "model", ErrMissingRequiredField))
		}
		if provider.MaxToolResultTokens < 1000 {
			report.addError(NewValidationError("llm_provider", name, "max_tool_result_tokens",
				fmt.Errorf("%w: must be >= 1000", ErrInvalidValue)))
		}
		if provider.CredentialsEnv != "" {
			if value := os.Getenv(provider.CredentialsEnv); value == "" {
				report.addWarning("llm_provider %q references credentials_env %q which is not set",
					name, provider.CredentialsEnv)
			}
		}
		for tool := range provider.NativeTools {
			if !tool.IsValid() {
				report.addError(NewValidationError("llm_provider", name, "native_tools", ErrInvalidValue))
			}
		}
	}
}
