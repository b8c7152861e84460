package config

import "time"

// DefaultSizeThresholdTokens is the fallback MCP response size, in tokens,
// above which summarization kicks in when a server enables it without
// naming an explicit threshold.
const DefaultSizeThresholdTokens = 5000

// RouterConfig configures the Inference Router's backend pool, reservation
// lifecycle timers, and VRAM accounting (spec.md §6.5 "Inference Router").
type RouterConfig struct {
	GPUBackends       []GPUBackendConfig `yaml:"gpu_backends"`
	CPUBackendURL     string             `yaml:"cpu_backend_url"`
	OrchestratorModel string             `yaml:"orchestrator_model"`

	OrchestratorReservationTimeout time.Duration `yaml:"orchestrator_reservation_timeout"`
	OrchestratorIdleTimeout        time.Duration `yaml:"orchestrator_idle_timeout"`
	ModelLoadTimeout               time.Duration `yaml:"model_load_timeout"`
	BackgroundLoadDelay            time.Duration `yaml:"background_load_delay"`
	DefaultKeepAlive               string        `yaml:"default_keep_alive"`

	PreemptEmbeddings bool    `yaml:"preempt_embeddings"`
	PreemptGrace      float64 `yaml:"preempt_grace_seconds"`

	// ModelVRAMEstimates maps a model name to its estimated VRAM footprint in
	// GB, used by the placement algorithm when a backend hasn't reported an
	// observed figure yet.
	ModelVRAMEstimates map[string]float64 `yaml:"model_vram_estimates,omitempty"`
}

// GPUBackendConfig names one Ollama-compatible GPU backend the router can
// place models on.
type GPUBackendConfig struct {
	URL    string  `yaml:"url" validate:"required"`
	VRAMGB float64 `yaml:"vram_gb" validate:"required,min=1"`
	Name   string  `yaml:"name" validate:"required"`
}

// DefaultRouterConfig returns the built-in router timing defaults.
func DefaultRouterConfig() *RouterConfig {
	return &RouterConfig{
		OrchestratorReservationTimeout: 1800 * time.Second,
		OrchestratorIdleTimeout:        300 * time.Second,
		ModelLoadTimeout:               120 * time.Second,
		BackgroundLoadDelay:            5 * time.Second,
		DefaultKeepAlive:               "10m",
		PreemptEmbeddings:              false,
		PreemptGrace:                   2.0,
	}
}

// AgentPoolConfig bounds concurrency and timeouts for the K8s-dispatched
// coding agent pool, per agent kind (spec.md §6.5 "Agent Pool", §4.4.5).
type AgentPoolConfig struct {
	MaxConcurrent map[AgentKind]int           `yaml:"max_concurrent"`
	AgentTimeout  map[AgentKind]time.Duration `yaml:"agent_timeout"`

	PoolWaitTimeout           time.Duration `yaml:"pool_wait_timeout"`
	StuckJobTimeoutMultiplier float64       `yaml:"stuck_job_timeout_multiplier"`

	// DataRoot is this process's local mount point of the shared PVC that
	// also backs PVCClaimName inside every dispatched agent Job.
	DataRoot string `yaml:"data_root"`
	// PVCClaimName names the PersistentVolumeClaim mounted into every
	// dispatched coding-agent Job.
	PVCClaimName string `yaml:"pvc_claim_name"`
	// MountPath is where that PVC is mounted inside the agent container.
	MountPath string `yaml:"mount_path"`
}

// DefaultAgentPoolConfig returns the built-in agent pool defaults.
func DefaultAgentPoolConfig() *AgentPoolConfig {
	return &AgentPoolConfig{
		MaxConcurrent: map[AgentKind]int{
			AgentKindAider:     2,
			AgentKindOpenHands: 2,
			AgentKindClaude:    2,
			AgentKindJunie:     1,
		},
		AgentTimeout: map[AgentKind]time.Duration{
			AgentKindAider:     20 * time.Minute,
			AgentKindOpenHands: 30 * time.Minute,
			AgentKindClaude:    30 * time.Minute,
			AgentKindJunie:     30 * time.Minute,
		},
		PoolWaitTimeout:           10 * time.Minute,
		StuckJobTimeoutMultiplier: 1.5,
		DataRoot:                  "/opt/jervis/data",
		PVCClaimName:              "jervis-data-pvc",
		MountPath:                 "/opt/jervis/data",
	}
}

// OrchestrationConfig bounds the agentic loop, compression, streaming, and
// tool execution (spec.md §6.5 "Orchestration").
type OrchestrationConfig struct {
	MaxIterationsChat       int           `yaml:"max_iterations_chat"`
	MaxIterationsBackground int           `yaml:"max_iterations_background"`
	MaxEscalationRetries    int           `yaml:"max_escalation_retries"`
	CompressThreshold       int           `yaml:"compress_threshold"`
	StreamChunkChars        int           `yaml:"stream_chunk_chars"`
	HeartbeatDeadSeconds    int           `yaml:"heartbeat_dead_seconds"`
	MaxToolResultChars      int           `yaml:"max_tool_result_chars"`
	ToolExecutionTimeout    time.Duration `yaml:"tool_execution_timeout"`

	// Background escalation quality signals (spec.md §9 Open Question decision).
	EmptyAnswerEscalates          bool    `yaml:"empty_answer_escalates"`
	MinAnswerChars                int     `yaml:"min_answer_chars"`
	ToolParseFailureRateThreshold float64 `yaml:"tool_parse_failure_rate_threshold"`
}

// DefaultOrchestrationConfig returns the built-in orchestration defaults.
func DefaultOrchestrationConfig() *OrchestrationConfig {
	return &OrchestrationConfig{
		MaxIterationsChat:             15,
		MaxIterationsBackground:       40,
		MaxEscalationRetries:          1,
		CompressThreshold:             24,
		StreamChunkChars:              40,
		HeartbeatDeadSeconds:          30,
		MaxToolResultChars:            8000,
		ToolExecutionTimeout:          2 * time.Minute,
		EmptyAnswerEscalates:          true,
		MinAnswerChars:                20,
		ToolParseFailureRateThreshold: 0.5,
	}
}

// MemoryConfig tunes the LQM's warm-cache bounds and the Memory Agent's
// context-switch sensitivity (spec.md §6.5 "Memory").
type MemoryConfig struct {
	LQMMaxWarmEntries                int           `yaml:"lqm_max_warm_entries"`
	LQMWarmTTL                       time.Duration `yaml:"lqm_warm_ttl"`
	LQMWriteBufferMax                int           `yaml:"lqm_write_buffer_max"`
	ContextSwitchConfidenceThreshold float64       `yaml:"context_switch_confidence_threshold"`
	UseProceduralMemory              bool          `yaml:"use_procedural_memory"`
}

// DefaultMemoryConfig returns the built-in memory defaults.
func DefaultMemoryConfig() *MemoryConfig {
	return &MemoryConfig{
		LQMMaxWarmEntries:                10000,
		LQMWarmTTL:                       6 * time.Hour,
		LQMWriteBufferMax:                5000,
		ContextSwitchConfidenceThreshold: 0.7,
		UseProceduralMemory:              false,
	}
}

// ExtractionQueueConfig bounds claim retry and staleness detection for the
// extraction queue (spec.md §6.5 "Extraction Queue").
type ExtractionQueueConfig struct {
	StaleThreshold time.Duration `yaml:"stale_threshold"`
	MaxAttempts    int           `yaml:"max_attempts"`
}

// DefaultExtractionQueueConfig returns the built-in extraction queue defaults.
func DefaultExtractionQueueConfig() *ExtractionQueueConfig {
	return &ExtractionQueueConfig{
		StaleThreshold: 5 * time.Minute,
		MaxAttempts:    5,
	}
}
