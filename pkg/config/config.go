package config

// Config is the fully loaded, validated configuration for a compiler/SVM
// process: the fleet topology gate, signing key location, the MCP server
// and LLM provider registries executors resolve against, queue limits and
// system-wide defaults.
type Config struct {
	configDir string

	Defaults            Defaults
	MCPServerRegistry    *MCPServerRegistry
	LLMProviderRegistry  *LLMProviderRegistry
	Queue                *QueueConfig
	SigningKeyPEMEnv     string
	SigningPublicKeyPath string
}

// ConfigDir returns the directory this configuration was loaded from.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// ConfigStats summarizes what was loaded, for startup logging.
type ConfigStats struct {
	MCPServerCount   int
	LLMProviderCount int
	IRVersionMajor   int
}

// Stats returns summary counts for startup logging.
func (c *Config) Stats() ConfigStats {
	return ConfigStats{
		MCPServerCount:   len(c.MCPServerRegistry.GetAll()),
		LLMProviderCount: c.LLMProviderRegistry.Len(),
		IRVersionMajor:   c.Defaults.IRVersionMajor,
	}
}

// GetMCPServer is a convenience wrapper over MCPServerRegistry.Get.
func (c *Config) GetMCPServer(id string) (*MCPServerConfig, error) {
	return c.MCPServerRegistry.Get(id)
}

// GetLLMProvider is a convenience wrapper over LLMProviderRegistry.Get.
func (c *Config) GetLLMProvider(name string) (*LLMProviderConfig, error) {
	return c.LLMProviderRegistry.Get(name)
}
