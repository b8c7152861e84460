package config

// Config is the umbrella configuration object returned by Initialize() and
// threaded through the router, agent pool, orchestration engine, memory
// subsystem, extraction queue, cleanup service, and MCP client set.
type Config struct {
	configDir string // Configuration directory path (for reference)

	Router         *RouterConfig
	AgentPool      *AgentPoolConfig
	Orchestration  *OrchestrationConfig
	Memory         *MemoryConfig
	ExtractionQueue *ExtractionQueueConfig
	Retention      *RetentionConfig

	MCPServerRegistry *MCPServerRegistry
}

// Initialize is defined in loader.go

// ConfigStats contains statistics about loaded configuration, surfaced at
// startup for logging.
type ConfigStats struct {
	GPUBackends int
	MCPServers  int
}

// Stats returns configuration statistics for logging/monitoring.
func (c *Config) Stats() ConfigStats {
	return ConfigStats{
		GPUBackends: len(c.Router.GPUBackends),
		MCPServers:  len(c.MCPServerRegistry.GetAll()),
	}
}

// ConfigDir returns the configuration directory path.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// GetMCPServer retrieves an MCP server configuration by ID.
// This is a convenience method that wraps MCPServerRegistry.Get().
func (c *Config) GetMCPServer(serverID string) (*MCPServerConfig, error) {
	return c.MCPServerRegistry.Get(serverID)
}
