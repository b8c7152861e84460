package config

import (
	"fmt"
)

// Validator validates configuration comprehensively with clear error messages
type Validator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *Validator) ValidateAll() error {
	if err := v.validateRouter(); err != nil {
		return fmt.Errorf("router validation failed: %w", err)
	}

	if err := v.validateAgentPool(); err != nil {
		return fmt.Errorf("agent pool validation failed: %w", err)
	}

	if err := v.validateOrchestration(); err != nil {
		return fmt.Errorf("orchestration validation failed: %w", err)
	}

	if err := v.validateMemory(); err != nil {
		return fmt.Errorf("memory validation failed: %w", err)
	}

	if err := v.validateExtractionQueue(); err != nil {
		return fmt.Errorf("extraction queue validation failed: %w", err)
	}

	if err := v.validateRetention(); err != nil {
		return fmt.Errorf("retention validation failed: %w", err)
	}

	if err := v.validateMCPServers(); err != nil {
		return fmt.Errorf("MCP server validation failed: %w", err)
	}

	return nil
}

func (v *Validator) validateRouter() error {
	r := v.cfg.Router
	if r == nil {
		return fmt.Errorf("router configuration is nil")
	}

	if len(r.GPUBackends) == 0 && r.CPUBackendURL == "" {
		return NewValidationError("router", "", "gpu_backends", fmt.Errorf("at least one GPU backend or a CPU backend URL is required"))
	}

	seen := make(map[string]bool, len(r.GPUBackends))
	for i, backend := range r.GPUBackends {
		ref := fmt.Sprintf("gpu_backends[%d]", i)
		if backend.URL == "" {
			return NewValidationError("router", ref, "url", fmt.Errorf("url required"))
		}
		if backend.Name == "" {
			return NewValidationError("router", ref, "name", fmt.Errorf("name required"))
		}
		if backend.VRAMGB <= 0 {
			return NewValidationError("router", ref, "vram_gb", fmt.Errorf("must be positive"))
		}
		if seen[backend.Name] {
			return NewValidationError("router", ref, "name", fmt.Errorf("duplicate backend name '%s'", backend.Name))
		}
		seen[backend.Name] = true
	}

	if r.OrchestratorModel == "" {
		return NewValidationError("router", "", "orchestrator_model", fmt.Errorf("required"))
	}
	if r.OrchestratorReservationTimeout <= 0 {
		return NewValidationError("router", "", "orchestrator_reservation_timeout", fmt.Errorf("must be positive"))
	}
	if r.OrchestratorIdleTimeout <= 0 {
		return NewValidationError("router", "", "orchestrator_idle_timeout", fmt.Errorf("must be positive"))
	}
	if r.ModelLoadTimeout <= 0 {
		return NewValidationError("router", "", "model_load_timeout", fmt.Errorf("must be positive"))
	}
	if r.PreemptGrace < 0 {
		return NewValidationError("router", "", "preempt_grace_seconds", fmt.Errorf("must be non-negative"))
	}
	for model, vram := range r.ModelVRAMEstimates {
		if vram <= 0 {
			return NewValidationError("router", model, "model_vram_estimates", fmt.Errorf("must be positive"))
		}
	}

	return nil
}

func (v *Validator) validateAgentPool() error {
	p := v.cfg.AgentPool
	if p == nil {
		return fmt.Errorf("agent pool configuration is nil")
	}

	for kind, n := range p.MaxConcurrent {
		if !kind.IsValid() {
			return NewValidationError("agent_pool", string(kind), "max_concurrent", fmt.Errorf("invalid agent kind"))
		}
		if n < 1 {
			return NewValidationError("agent_pool", string(kind), "max_concurrent", fmt.Errorf("must be at least 1"))
		}
	}
	for kind, d := range p.AgentTimeout {
		if !kind.IsValid() {
			return NewValidationError("agent_pool", string(kind), "agent_timeout", fmt.Errorf("invalid agent kind"))
		}
		if d <= 0 {
			return NewValidationError("agent_pool", string(kind), "agent_timeout", fmt.Errorf("must be positive"))
		}
	}
	if p.PoolWaitTimeout <= 0 {
		return NewValidationError("agent_pool", "", "pool_wait_timeout", fmt.Errorf("must be positive"))
	}
	if p.StuckJobTimeoutMultiplier <= 1.0 {
		return NewValidationError("agent_pool", "", "stuck_job_timeout_multiplier", fmt.Errorf("must be greater than 1.0"))
	}

	return nil
}

func (v *Validator) validateOrchestration() error {
	o := v.cfg.Orchestration
	if o == nil {
		return fmt.Errorf("orchestration configuration is nil")
	}

	if o.MaxIterationsChat < 1 {
		return NewValidationError("orchestration", "", "max_iterations_chat", fmt.Errorf("must be at least 1"))
	}
	if o.MaxIterationsBackground < 1 {
		return NewValidationError("orchestration", "", "max_iterations_background", fmt.Errorf("must be at least 1"))
	}
	if o.MaxEscalationRetries < 0 {
		return NewValidationError("orchestration", "", "max_escalation_retries", fmt.Errorf("must be non-negative"))
	}
	if o.CompressThreshold < 1 {
		return NewValidationError("orchestration", "", "compress_threshold", fmt.Errorf("must be at least 1"))
	}
	if o.StreamChunkChars < 1 {
		return NewValidationError("orchestration", "", "stream_chunk_chars", fmt.Errorf("must be at least 1"))
	}
	if o.HeartbeatDeadSeconds < 1 {
		return NewValidationError("orchestration", "", "heartbeat_dead_seconds", fmt.Errorf("must be at least 1"))
	}
	if o.MaxToolResultChars < 1 {
		return NewValidationError("orchestration", "", "max_tool_result_chars", fmt.Errorf("must be at least 1"))
	}
	if o.ToolExecutionTimeout <= 0 {
		return NewValidationError("orchestration", "", "tool_execution_timeout", fmt.Errorf("must be positive"))
	}
	if o.MinAnswerChars < 0 {
		return NewValidationError("orchestration", "", "min_answer_chars", fmt.Errorf("must be non-negative"))
	}
	if o.ToolParseFailureRateThreshold < 0 || o.ToolParseFailureRateThreshold > 1 {
		return NewValidationError("orchestration", "", "tool_parse_failure_rate_threshold", fmt.Errorf("must be in [0,1]"))
	}

	return nil
}

func (v *Validator) validateMemory() error {
	m := v.cfg.Memory
	if m == nil {
		return fmt.Errorf("memory configuration is nil")
	}

	if m.LQMMaxWarmEntries < 1 {
		return NewValidationError("memory", "", "lqm_max_warm_entries", fmt.Errorf("must be at least 1"))
	}
	if m.LQMWarmTTL <= 0 {
		return NewValidationError("memory", "", "lqm_warm_ttl", fmt.Errorf("must be positive"))
	}
	if m.LQMWriteBufferMax < 1 {
		return NewValidationError("memory", "", "lqm_write_buffer_max", fmt.Errorf("must be at least 1"))
	}
	if m.ContextSwitchConfidenceThreshold < 0 || m.ContextSwitchConfidenceThreshold > 1 {
		return NewValidationError("memory", "", "context_switch_confidence_threshold", fmt.Errorf("must be in [0,1]"))
	}

	return nil
}

func (v *Validator) validateExtractionQueue() error {
	q := v.cfg.ExtractionQueue
	if q == nil {
		return fmt.Errorf("extraction queue configuration is nil")
	}

	if q.StaleThreshold <= 0 {
		return NewValidationError("extraction_queue", "", "stale_threshold", fmt.Errorf("must be positive"))
	}
	if q.MaxAttempts < 1 {
		return NewValidationError("extraction_queue", "", "max_attempts", fmt.Errorf("must be at least 1"))
	}

	return nil
}

func (v *Validator) validateRetention() error {
	r := v.cfg.Retention
	if r == nil {
		return fmt.Errorf("retention configuration is nil")
	}

	if r.FailedTaskRetentionDays < 1 {
		return NewValidationError("retention", "", "failed_task_retention_days", fmt.Errorf("must be at least 1"))
	}
	if r.CompletedTaskRetention <= 0 {
		return NewValidationError("retention", "", "completed_task_retention", fmt.Errorf("must be positive"))
	}
	if r.OrphanedCheckpointTTL <= 0 {
		return NewValidationError("retention", "", "orphaned_checkpoint_ttl", fmt.Errorf("must be positive"))
	}
	if r.CleanupInterval <= 0 {
		return NewValidationError("retention", "", "cleanup_interval", fmt.Errorf("must be positive"))
	}

	return nil
}

func (v *Validator) validateMCPServers() error {
	builtin := GetBuiltinConfig()

	for serverID, server := range v.cfg.MCPServerRegistry.GetAll() {
		if !server.Transport.Type.IsValid() {
			return NewValidationError("mcp_server", serverID, "transport.type", fmt.Errorf("invalid transport type: %s", server.Transport.Type))
		}

		switch server.Transport.Type {
		case TransportTypeStdio:
			if server.Transport.Command == "" {
				return NewValidationError("mcp_server", serverID, "transport.command", fmt.Errorf("command required for stdio transport"))
			}

		case TransportTypeHTTP, TransportTypeSSE:
			if server.Transport.URL == "" {
				return NewValidationError("mcp_server", serverID, "transport.url", fmt.Errorf("url required for %s transport", server.Transport.Type))
			}
		}

		if server.DataMasking != nil && server.DataMasking.Enabled {
			for _, groupName := range server.DataMasking.PatternGroups {
				if _, exists := builtin.PatternGroups[groupName]; !exists {
					return NewValidationError("mcp_server", serverID, "data_masking.pattern_groups", fmt.Errorf("pattern group '%s' not found", groupName))
				}
			}

			for _, patternName := range server.DataMasking.Patterns {
				if _, exists := builtin.MaskingPatterns[patternName]; !exists {
					return NewValidationError("mcp_server", serverID, "data_masking.patterns", fmt.Errorf("pattern '%s' not found", patternName))
				}
			}

			for i, pattern := range server.DataMasking.CustomPatterns {
				if pattern.Pattern == "" {
					return NewValidationError("mcp_server", serverID, fmt.Sprintf("data_masking.custom_patterns[%d].pattern", i), fmt.Errorf("pattern required"))
				}
				if pattern.Replacement == "" {
					return NewValidationError("mcp_server", serverID, fmt.Sprintf("data_masking.custom_patterns[%d].replacement", i), fmt.Errorf("replacement required"))
				}
			}
		}

		if server.Summarization != nil && server.Summarization.Enabled {
			if server.Summarization.SizeThresholdTokens < 100 {
				return NewValidationError("mcp_server", serverID, "summarization.size_threshold_tokens", fmt.Errorf("must be at least 100"))
			}
			if server.Summarization.SummaryMaxTokenLimit > 0 && server.Summarization.SummaryMaxTokenLimit < 50 {
				return NewValidationError("mcp_server", serverID, "summarization.summary_max_token_limit", fmt.Errorf("must be at least 50 if specified"))
			}
		}
	}

	return nil
}
