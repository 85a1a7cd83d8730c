package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// fleetYAMLConfig is the top-level shape of fleet.yaml: system defaults plus
// the MCP server and LLM provider seed registries.
type fleetYAMLConfig struct {
	Defaults    Defaults                      `yaml:"defaults"`
	MCPServers  map[string]*MCPServerConfig   `yaml:"mcp_servers"`
	LLMProviders map[string]*LLMProviderConfig `yaml:"llm_providers"`
	Signing     signingYAMLConfig             `yaml:"signing"`
	Queue       *QueueConfig                  `yaml:"queue"`
}

type signingYAMLConfig struct {
	PrivateKeyEnv string `yaml:"private_key_env"`
	PublicKeyPath string `yaml:"public_key_path"`
}

// configLoader reads and expands YAML files from a single config directory.
type configLoader struct {
	configDir string
}

// Initialize loads fleet.yaml from configDir, validates it, and returns a
// ready-to-use Config. Mirrors the load-then-validate-then-log-stats flow
// used throughout this codebase's config bootstrap.
func Initialize(configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	cfg, err := loader.load()
	if err != nil {
		return nil, err
	}

	v := NewValidator(cfg)
	report := v.ValidateAll()
	if report.HasErrors() {
		return nil, fmt.Errorf("%w: %s", ErrValidationFailed, report.Error())
	}
	for _, w := range report.Warnings {
		slog.Warn("configuration warning", "message", w)
	}

	stats := cfg.Stats()
	slog.Info("configuration loaded",
		"mcp_servers", stats.MCPServerCount,
		"llm_providers", stats.LLMProviderCount,
		"ir_version_major", stats.IRVersionMajor)

	return cfg, nil
}

func (l *configLoader) load() (*Config, error) {
	var fleet fleetYAMLConfig
	if err := l.loadYAML("fleet.yaml", &fleet); err != nil {
		return nil, err
	}

	queue := fleet.Queue
	if queue == nil {
		queue = DefaultQueueConfig()
	}

	return &Config{
		configDir:            l.configDir,
		Defaults:             fleet.Defaults,
		MCPServerRegistry:    NewMCPServerRegistry(fleet.MCPServers),
		LLMProviderRegistry:  NewLLMProviderRegistry(fleet.LLMProviders),
		Queue:                queue,
		SigningKeyPEMEnv:     fleet.Signing.PrivateKeyEnv,
		SigningPublicKeyPath: fleet.Signing.PublicKeyPath,
	}, nil
}

// loadYAML reads filename from the config directory, expands ${VAR}
// references against the process environment, and unmarshals it into
// target.
func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return NewLoadError(filename, err)
	}

	expanded := ExpandEnv(data)

	if err := yaml.Unmarshal(expanded, target); err != nil {
		return NewLoadError(filename, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	return nil
}
