package masking

import (
	"log/slog"

	"github.com/llm-ir/svm/pkg/config"
)

// ExecutionMaskingConfig holds VM execution-payload masking settings, applied
// to register snapshots and tool results before they reach the audit chain.
type ExecutionMaskingConfig struct {
	Enabled      bool
	PatternGroup string
}

// Service applies data masking to ToolProtocol/Connector results and VM
// execution payloads. Created once at application startup (singleton).
// Thread-safe and stateless aside from compiled patterns.
type Service struct {
	registry             *config.MCPServerRegistry
	patterns             map[string]*CompiledPattern // Built-in + custom compiled patterns
	patternGroups        map[string][]string         // Group name → pattern names
	codeMaskers          map[string]Masker           // Registered code-based maskers
	executionMasking     ExecutionMaskingConfig       // Execution payload masking settings
	serverCustomPatterns map[string][]string          // serverID → custom pattern keys
}

// NewService creates a masking service with compiled patterns and registered
// maskers. All patterns are compiled eagerly at creation time. Invalid
// patterns are logged and skipped.
func NewService(
	registry *config.MCPServerRegistry,
	executionCfg ExecutionMaskingConfig,
) *Service {
	s := &Service{
		registry:             registry,
		patterns:             make(map[string]*CompiledPattern),
		patternGroups:        config.GetBuiltinConfig().PatternGroups,
		codeMaskers:          make(map[string]Masker),
		executionMasking:     executionCfg,
		serverCustomPatterns: make(map[string][]string),
	}

	// 1. Compile all built-in regex patterns
	s.compileBuiltinPatterns()

	// 2. Compile custom patterns from all MCP server configs
	s.compileCustomPatterns()

	slog.Info("Masking service initialized",
		"builtin_patterns", len(config.GetBuiltinConfig().MaskingPatterns),
		"compiled_patterns", len(s.patterns),
		"code_maskers", len(s.codeMaskers),
		"execution_masking_enabled", executionCfg.Enabled)

	return s
}

// MaskToolResult applies server-specific masking to a ToolProtocol/Connector
// result. Returns masked content. On masking failure, returns a redaction
// notice (fail-closed) since tool results can reach the audit chain.
func (s *Service) MaskToolResult(content string, serverID string) string {
	if content == "" {
		return content
	}

	// Look up server masking config
	serverCfg, err := s.registry.Get(serverID)
	if err != nil || serverCfg.DataMasking == nil || !serverCfg.DataMasking.Enabled {
		return content // No masking configured
	}

	// Resolve patterns for this server
	resolved := s.resolvePatterns(serverCfg.DataMasking, serverID)
	if len(resolved.codeMaskerNames) == 0 && len(resolved.regexPatterns) == 0 {
		return content
	}

	// Apply masking with fail-closed error handling
	masked, err := s.applyMasking(content, resolved)
	if err != nil {
		slog.Error("Masking failed, redacting content (fail-closed)",
			"server", serverID, "error", err)
		return "[REDACTED: data masking failure — tool result could not be safely processed]"
	}

	return masked
}

// MaskExecutionData applies masking to a VM register/memory snapshot using
// the configured pattern group, before it is appended to the audit chain.
// Returns masked data. On masking failure, returns original data (fail-open
// — a missing mask must never block an audit append).
func (s *Service) MaskExecutionData(data string) string {
	if !s.executionMasking.Enabled || data == "" {
		return data
	}

	resolved := s.resolvePatternsFromGroup(s.executionMasking.PatternGroup)
	if len(resolved.codeMaskerNames) == 0 && len(resolved.regexPatterns) == 0 {
		return data
	}

	masked, err := s.applyMasking(data, resolved)
	if err != nil {
		slog.Error("Execution masking failed, continuing with unmasked data (fail-open)",
			"error", err)
		return data
	}

	return masked
}

// applyMasking applies code-based maskers then regex patterns to content.
func (s *Service) applyMasking(content string, resolved *resolvedPatterns) (string, error) {
	masked := content

	// Phase 1: Code-based maskers (more specific, structural awareness)
	for _, maskerName := range resolved.codeMaskerNames {
		masker, ok := s.codeMaskers[maskerName]
		if !ok {
			continue
		}
		if masker.AppliesTo(masked) {
			masked = masker.Mask(masked)
		}
	}

	// Phase 2: Regex patterns (general sweep)
	for _, pattern := range resolved.regexPatterns {
		masked = pattern.Regex.ReplaceAllString(masked, pattern.Replacement)
	}

	return masked, nil
}

// registerMasker registers a code-based masker by its name.
func (s *Service) registerMasker(m Masker) {
	s.codeMaskers[m.Name()] = m
}
