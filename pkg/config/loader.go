package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// JervisYAMLConfig represents the complete jervis.yaml file structure.
type JervisYAMLConfig struct {
	Router          *RouterConfig              `yaml:"router"`
	AgentPool       *AgentPoolConfig           `yaml:"agent_pool"`
	Orchestration   *OrchestrationConfig       `yaml:"orchestration"`
	Memory          *MemoryConfig              `yaml:"memory"`
	ExtractionQueue *ExtractionQueueConfig     `yaml:"extraction_queue"`
	Retention       *RetentionConfig           `yaml:"retention"`
	MCPServers      map[string]MCPServerConfig `yaml:"mcp_servers"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load jervis.yaml from configDir
//  2. Expand environment variables
//  3. Parse YAML into structs
//  4. Merge user-defined configuration over built-in defaults
//  5. Apply MCP server defaults (e.g. size_threshold_tokens)
//  6. Build in-memory registries
//  7. Validate all configuration
//  8. Return Config ready for use
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"gpu_backends", stats.GPUBackends,
		"mcp_servers", stats.MCPServers)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{
		configDir: configDir,
	}

	yamlCfg, err := loader.loadJervisYAML()
	if err != nil {
		return nil, NewLoadError("jervis.yaml", err)
	}

	router := DefaultRouterConfig()
	if yamlCfg.Router != nil {
		if err := mergo.Merge(router, yamlCfg.Router, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge router config: %w", err)
		}
	}

	agentPool := DefaultAgentPoolConfig()
	if yamlCfg.AgentPool != nil {
		if err := mergo.Merge(agentPool, yamlCfg.AgentPool, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge agent pool config: %w", err)
		}
	}

	orchestration := DefaultOrchestrationConfig()
	if yamlCfg.Orchestration != nil {
		if err := mergo.Merge(orchestration, yamlCfg.Orchestration, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge orchestration config: %w", err)
		}
	}

	memory := DefaultMemoryConfig()
	if yamlCfg.Memory != nil {
		if err := mergo.Merge(memory, yamlCfg.Memory, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge memory config: %w", err)
		}
	}

	extractionQueue := DefaultExtractionQueueConfig()
	if yamlCfg.ExtractionQueue != nil {
		if err := mergo.Merge(extractionQueue, yamlCfg.ExtractionQueue, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge extraction queue config: %w", err)
		}
	}

	retention := DefaultRetentionConfig()
	if yamlCfg.Retention != nil {
		if err := mergo.Merge(retention, yamlCfg.Retention, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge retention config: %w", err)
		}
	}

	// Apply MCP server defaults (before validation)
	for _, server := range yamlCfg.MCPServers {
		if server.Summarization != nil && server.Summarization.Enabled && server.Summarization.SizeThresholdTokens == 0 {
			server.Summarization.SizeThresholdTokens = DefaultSizeThresholdTokens
		}
	}
	mcpServerRegistry := NewMCPServerRegistry(mergeMCPServers(yamlCfg.MCPServers))

	return &Config{
		configDir:       configDir,
		Router:          router,
		AgentPool:       agentPool,
		Orchestration:   orchestration,
		Memory:          memory,
		ExtractionQueue: extractionQueue,
		Retention:       retention,
		MCPServerRegistry: mcpServerRegistry,
	}, nil
}

// mergeMCPServers converts the YAML map to the pointer-keyed map the
// registry expects.
func mergeMCPServers(userServers map[string]MCPServerConfig) map[string]*MCPServerConfig {
	result := make(map[string]*MCPServerConfig, len(userServers))
	for name, cfg := range userServers {
		c := cfg
		result[name] = &c
	}
	return result
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables using {{.VAR}} template syntax.
	// Note: ExpandEnv passes through original data on parse/execution errors,
	// allowing YAML parser to handle the content (or fail with clearer error message)
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

func (l *configLoader) loadJervisYAML() (*JervisYAMLConfig, error) {
	var config JervisYAMLConfig
	config.MCPServers = make(map[string]MCPServerConfig)

	if err := l.loadYAML("jervis.yaml", &config); err != nil {
		return nil, err
	}

	return &config, nil
}
