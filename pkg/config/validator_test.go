package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Defaults: Defaults{
			IRVersionMajor:    1,
			MaxLoopIterations: 5,
			SuccessPolicy:     SuccessPolicyAll,
		},
		MCPServerRegistry: NewMCPServerRegistry(map[string]*MCPServerConfig{
			"kubernetes": {
				Transport: TransportConfig{Type: TransportTypeStdio, Command: "kubectl-mcp"},
			},
		}),
		LLMProviderRegistry: NewLLMProviderRegistry(map[string]*LLMProviderConfig{
			"google-default": {
				Type:                LLMProviderTypeGoogle,
				Model:               "gemini-2.5-pro",
				MaxToolResultTokens: 50000,
			},
		}),
		Queue: DefaultQueueConfig(),
	}
}

func TestValidateAll_ValidConfig(t *testing.T) {
	report := NewValidator(validConfig()).ValidateAll()
	assert.False(t, report.HasErrors(), "expected no errors, got: %v", report.Errors)
}

func TestValidateAll_AccumulatesAcrossSections(t *testing.T) {
	cfg := validConfig()
	cfg.Defaults.IRVersionMajor = 0
	cfg.Defaults.MaxLoopIterations = 99
	cfg.Queue.WorkerCount = 0
	cfg.MCPServerRegistry = NewMCPServerRegistry(map[string]*MCPServerConfig{
		"broken": {Transport: TransportConfig{Type: TransportTypeHTTP}},
	})
	cfg.LLMProviderRegistry = NewLLMProviderRegistry(map[string]*LLMProviderConfig{
		"broken": {Type: LLMProviderType("unknown"), MaxToolResultTokens: 1},
	})

	report := NewValidator(cfg).ValidateAll()

	require.True(t, report.HasErrors())
	// Every broken section should have surfaced an error in the same pass —
	// this is the whole point of an aggregating validator.
	assert.GreaterOrEqual(t, len(report.Errors), 5)
}

func TestValidateAll_MissingQueueWarnsNotErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Queue = nil

	report := NewValidator(cfg).ValidateAll()

	assert.False(t, report.HasErrors())
	assert.NotEmpty(t, report.Warnings)
}

func TestValidateMCPServers_UnknownMaskingGroupWarns(t *testing.T) {
	cfg := validConfig()
	cfg.MCPServerRegistry = NewMCPServerRegistry(map[string]*MCPServerConfig{
		"kubernetes": {
			Transport: TransportConfig{Type: TransportTypeStdio, Command: "kubectl-mcp"},
			DataMasking: &MaskingConfig{
				Enabled:       true,
				PatternGroups: []string{"does-not-exist"},
			},
		},
	})

	report := NewValidator(cfg).ValidateAll()

	assert.False(t, report.HasErrors())
	assert.NotEmpty(t, report.Warnings)
}
