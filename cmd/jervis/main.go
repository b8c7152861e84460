// Jervis orchestration server - fronts the Inference Router and the
// agentic orchestration engine behind a single HTTP/SSE API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/jervis-ai/jervis/pkg/chatstore"
	"github.com/jervis-ai/jervis/pkg/cleanup"
	"github.com/jervis-ai/jervis/pkg/config"
	"github.com/jervis-ai/jervis/pkg/coordinator"
	"github.com/jervis-ai/jervis/pkg/database"
	"github.com/jervis-ai/jervis/pkg/extraction"
	"github.com/jervis-ai/jervis/pkg/masking"
	"github.com/jervis-ai/jervis/pkg/mcp"
	"github.com/jervis-ai/jervis/pkg/memory"
	"github.com/jervis-ai/jervis/pkg/orchestration"
	"github.com/jervis-ai/jervis/pkg/router"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("could not load .env file, continuing with existing environment", "path", envPath, "error", err)
	} else {
		slog.Info("loaded environment file", "path", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	gin.SetMode(getEnv("GIN_MODE", "debug"))

	ctx := context.Background()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	pgCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("failed to load postgres config", "error", err)
		os.Exit(1)
	}
	pgClient, err := database.NewClient(ctx, pgCfg)
	if err != nil {
		slog.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pgClient.Close()
	slog.Info("connected to postgres, extraction queue schema applied")

	mongoClient, err := chatstore.NewClient(ctx, chatstore.DefaultConfig(
		getEnv("MONGO_URI", "mongodb://localhost:27017"),
		getEnv("MONGO_DATABASE", "jervis"),
	))
	if err != nil {
		slog.Error("failed to connect to mongodb", "error", err)
		os.Exit(1)
	}
	defer mongoClient.Close(context.Background())
	slog.Info("connected to mongodb chatstore")

	badgerDB, err := badger.Open(badger.DefaultOptions(getEnv("BADGER_DIR", filepath.Join(*configDir, "memory-snapshots"))))
	if err != nil {
		slog.Error("failed to open badger snapshot store", "error", err)
		os.Exit(1)
	}
	defer badgerDB.Close()

	// --- Inference Router ---

	backends := make([]*router.Backend, 0, len(cfg.Router.GPUBackends)+1)
	for _, b := range cfg.Router.GPUBackends {
		backends = append(backends, router.NewBackend(b.Name, b.URL, router.KindGPU, int64(b.VRAMGB*(1<<30))))
	}
	if cfg.Router.CPUBackendURL != "" {
		backends = append(backends, router.NewBackend("cpu", cfg.Router.CPUBackendURL, router.KindCPU, 0))
	}

	vramEstimates := make(map[string]float64, len(cfg.Router.ModelVRAMEstimates))
	for k, v := range cfg.Router.ModelVRAMEstimates {
		vramEstimates[k] = v
	}
	estimate := func(model string) int64 {
		if gb, ok := vramEstimates[model]; ok {
			return int64(gb * (1 << 30))
		}
		return 4 << 30
	}

	priorities := router.NewPriorityDefaults(nil, router.PriorityNormal)
	timeouts := router.ReservationTimeouts{
		Absolute: cfg.Router.OrchestratorReservationTimeout,
		Idle:     cfg.Router.OrchestratorIdleTimeout,
	}
	registry := router.NewRegistry(backends, priorities, timeouts)
	httpModelClient := router.NewHTTPModelClient()
	modelMgr := router.NewModelManager(httpModelClient, cfg.Router.DefaultKeepAlive)
	rtr := router.NewRouter(registry, modelMgr, estimate)
	reservations := router.NewReservationManager(registry, rtr, nil)

	promRegistry := prometheus.NewRegistry()
	routerMetrics := router.NewMetrics(promRegistry)
	routerHandlers := router.NewHandlers(rtr, reservations, routerMetrics, httpModelClient)

	// --- Memory ---

	snapshotStore := memory.NewBadgerSnapshotStore(badgerDB, 0)
	lqmCfg := memory.LQMConfig{
		ClientTTL:      cfg.Memory.LQMWarmTTL,
		MaxClients:     cfg.Memory.LQMMaxWarmEntries,
		SearchCacheTTL: time.Minute,
		MaxWriteBuffer: cfg.Memory.LQMWriteBufferMax,
	}
	lqm := memory.NewLQM(lqmCfg, snapshotStore)
	kbClient := memory.NewKBClient(getEnv("KB_BASE_URL", "http://localhost:9000"))
	memoryFlusher := memory.NewFlusher(lqm, kbClient)
	go runMemoryFlushLoop(ctx, memoryFlusher, time.Minute)

	memoryAgent := memory.NewAgent(lqm, kbClient, nil, nil)

	// --- Extraction Queue ---

	extractionStore := extraction.NewStore(pgClient.Pool)
	extractionHandler := extraction.NewKBIngestHandler(kbIngesterAdapter{kb: kbClient})
	extractionPool := extraction.NewPool(extractionStore, extractionHandler, extraction.PoolConfig{
		WorkerCount:      4,
		Worker:           extraction.WorkerConfig{PollInterval: 2 * time.Second, PollJitter: 500 * time.Millisecond, MaxAttempts: cfg.ExtractionQueue.MaxAttempts},
		RecoveryInterval: time.Minute,
		StaleThreshold:   cfg.ExtractionQueue.StaleThreshold,
	})
	if err := extractionPool.Start(ctx); err != nil {
		slog.Error("failed to start extraction pool", "error", err)
		os.Exit(1)
	}
	defer extractionPool.Stop()

	// --- Chat history / checkpoints / masking ---

	messageStore := chatstore.NewMessageStore(mongoClient)
	if err := messageStore.EnsureIndexes(ctx); err != nil {
		slog.Error("failed to ensure chatstore message indexes", "error", err)
		os.Exit(1)
	}
	summaryStore := chatstore.NewSummaryStore(mongoClient)
	if err := summaryStore.EnsureIndexes(ctx); err != nil {
		slog.Error("failed to ensure chatstore summary indexes", "error", err)
		os.Exit(1)
	}
	checkpointStore := chatstore.NewCheckpointStore(mongoClient)

	maskingService := masking.NewService(cfg.MCPServerRegistry, masking.ArtifactMaskingConfig{
		Enabled:      getEnv("ARTIFACT_MASKING_ENABLED", "true") == "true",
		PatternGroup: getEnv("ARTIFACT_MASKING_PATTERN_GROUP", "all"),
	})
	mcpClientFactory := mcp.NewClientFactory(cfg.MCPServerRegistry, maskingService)

	allServerIDs := make([]string, 0)
	for id := range cfg.MCPServerRegistry.GetAll() {
		allServerIDs = append(allServerIDs, id)
	}
	toolExecutor, mcpClient, err := mcpClientFactory.CreateToolExecutor(ctx, allServerIDs, nil)
	if err != nil {
		slog.Error("failed to create MCP tool executor", "error", err)
		os.Exit(1)
	}
	defer mcpClient.Close()

	mcpHealthMonitor := mcp.NewHealthMonitor(mcpClientFactory, cfg.MCPServerRegistry)
	mcpHealthMonitor.Start(ctx)
	defer mcpHealthMonitor.Stop()

	// --- Coordinator (push endpoints) ---

	coordinatorClient := coordinator.NewClient(getEnv("COORDINATOR_BASE_URL", "http://localhost:9100"))
	taskStore := coordinator.NewTaskStore(coordinatorClient)

	// --- Orchestration engine ---

	approvals := orchestration.NewApprovalGate(checkpointStore)
	localLLM := router.NewLLMClient(rtr, httpModelClient, cfg.Router.OrchestratorModel)

	toolExecTimeoutSeconds := int(cfg.Orchestration.ToolExecutionTimeout.Seconds())

	chatLoopCfg := orchestration.LoopConfig{
		MaxIterations:      cfg.Orchestration.MaxIterationsChat,
		MaxToolResultChars: cfg.Orchestration.MaxToolResultChars,
		ToolExecTimeout:    toolExecTimeoutSeconds,
	}
	chatHandler := orchestration.NewChatHandler(localLLM, toolExecutor, memoryAgent, messageStore, approvals, chatLoopCfg)

	backgroundLoopCfg := orchestration.LoopConfig{
		MaxIterations:      cfg.Orchestration.MaxIterationsBackground,
		MaxToolResultChars: cfg.Orchestration.MaxToolResultChars,
		ToolExecTimeout:    toolExecTimeoutSeconds,
	}
	escalationCfg := orchestration.EscalationConfig{
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicModel:  getEnv("ANTHROPIC_MODEL", "claude-sonnet-4-5"),
		BedrockModelARN: os.Getenv("BEDROCK_MODEL_ARN"),
		BedrockRegion:   getEnv("AWS_REGION", "us-east-1"),
		GeminiAPIKey:    os.Getenv("GEMINI_API_KEY"),
		GeminiModel:     getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
	}
	cloudFactory := func(cctx context.Context, tier orchestration.CloudTier) (*orchestration.CloudClient, error) {
		return orchestration.NewCloudClient(cctx, tier, escalationCfg)
	}
	backgroundHandler := orchestration.NewBackgroundHandler(localLLM, cloudFactory, toolExecutor, memoryAgent, taskStore, approvals, backgroundLoopCfg)

	agentPool := orchestration.NewAgentPool(agentPoolLimits(cfg.AgentPool), cfg.AgentPool.StuckJobTimeoutMultiplier)
	k8sDispatcher := newK8sDispatcher(agentPool, cfg.AgentPool)

	cleanupSvc := cleanup.NewService(cfg.Retention, extractionStore, checkpointStore)
	cleanupSvc.Start(ctx)
	defer cleanupSvc.Stop()

	slog.Info("jervis subsystems initialized",
		"gpu_backends", len(cfg.Router.GPUBackends),
		"mcp_servers", len(cfg.MCPServerRegistry.GetAll()))

	// --- HTTP server ---

	g := gin.Default()
	routerHandlers.Register(g)

	g.POST("/chat", chatHandler.ServeHTTP)
	g.POST("/orchestrate/stream", handleOrchestrateStream(backgroundHandler, k8sDispatcher, coordinatorClient))
	g.POST("/approve/:thread_id", handleApprove(approvals, backgroundHandler))
	g.GET("/status/:thread_id", handleStatus(checkpointStore))

	g.GET("/health", func(c *gin.Context) {
		reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		dbHealth, err := database.Health(reqCtx, pgClient.Pool)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "database": dbHealth, "error": err.Error()})
			return
		}

		stats := cfg.Stats()
		c.JSON(http.StatusOK, gin.H{
			"status":   "healthy",
			"database": dbHealth,
			"configuration": gin.H{
				"gpu_backends": stats.GPUBackends,
				"mcp_servers":  stats.MCPServers,
			},
			"mcp_servers": mcpHealthMonitor.GetStatuses(),
		})
	})

	slog.Info("starting jervis HTTP server", "port", httpPort)
	if err := g.Run(":" + httpPort); err != nil {
		slog.Error("HTTP server exited", "error", err)
		os.Exit(1)
	}
}

// runMemoryFlushLoop periodically drains the LQM write buffer to the
// knowledge base until ctx is cancelled.
func runMemoryFlushLoop(ctx context.Context, flusher *memory.Flusher, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result := flusher.Flush(ctx)
			if result.Failed > 0 {
				slog.Warn("memory write buffer flush had failures", "attempted", result.Attempted, "synced", result.Synced, "failed", result.Failed)
			}
		}
	}
}

// kbIngesterAdapter bridges memory.KBClient's PendingWrite shape to the
// extraction queue's narrower KBIngester contract, keeping pkg/extraction
// decoupled from pkg/memory's internals.
type kbIngesterAdapter struct {
	kb *memory.KBClient
}

func (a kbIngesterAdapter) Ingest(ctx context.Context, write extraction.KBWrite) error {
	return a.kb.Ingest(ctx, memory.PendingWrite{
		SourceURN: write.SourceURN,
		Content:   write.Content,
		Kind:      write.Kind,
		Priority:  memory.WriteNormal,
		CreatedAt: time.Now(),
	})
}

func agentPoolLimits(cfg *config.AgentPoolConfig) map[orchestration.AgentType]int {
	limits := make(map[orchestration.AgentType]int, len(cfg.MaxConcurrent))
	for kind, n := range cfg.MaxConcurrent {
		limits[orchestration.AgentType(kind)] = n
	}
	return limits
}

// newK8sDispatcher builds a Kubernetes Job dispatcher from in-cluster
// config, falling back to a local kubeconfig for development; jobConfig
// comes from environment overrides per agent type's image. The returned
// dispatcher's WorkspaceManager is rooted at cfg.DataRoot — this process's
// local view of the same PVC every dispatched Job mounts at cfg.MountPath.
func newK8sDispatcher(pool *orchestration.AgentPool, cfg *config.AgentPoolConfig) *orchestration.K8sDispatcher {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := getEnv("KUBECONFIG", filepath.Join(os.Getenv("HOME"), ".kube", "config"))
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			slog.Warn("no Kubernetes config available, agent job dispatch disabled", "error", err)
			return nil
		}
	}

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		slog.Warn("failed to build Kubernetes client, agent job dispatch disabled", "error", err)
		return nil
	}

	namespace := getEnv("AGENT_JOB_NAMESPACE", "jervis-agents")
	jobs := map[orchestration.AgentType]orchestration.K8sJobConfig{}
	for kind, timeout := range cfg.AgentTimeout {
		agentType := orchestration.AgentType(kind)
		jobs[agentType] = orchestration.K8sJobConfig{
			Namespace:      namespace,
			Image:          getEnv("AGENT_IMAGE_"+string(kind), "jervis-agent-"+string(kind)+":latest"),
			CPURequest:     getEnv("AGENT_CPU_REQUEST", "1"),
			MemoryRequest:  getEnv("AGENT_MEMORY_REQUEST", "2Gi"),
			TimeoutSeconds: int(timeout.Seconds()),
			PVCClaimName:   cfg.PVCClaimName,
			MountPath:      cfg.MountPath,
		}
	}
	workspace := orchestration.NewWorkspaceManager(cfg.DataRoot)
	return orchestration.NewK8sDispatcher(clientset, pool, jobs, workspace)
}

// handleOrchestrateStream accepts a background coding task dispatch,
// responds 202 immediately, and runs the agentic loop in the background
// (spec.md §6.2's fire-and-forget contract; progress and terminal status
// reach the caller via the coordinator push interface, not this response).
func handleOrchestrateStream(bg *orchestration.BackgroundHandler, dispatcher *orchestration.K8sDispatcher, coord *coordinator.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		var task orchestration.CodingTask
		if err := c.ShouldBindJSON(&task); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{"task_id": task.ID, "status": "accepted"})

		go func() {
			runCtx := context.Background()

			// A task naming a CLI coding agent runs as a Kubernetes Job
			// against the workspace; otherwise it drives the in-process
			// router-backed tool loop directly.
			if task.AgentPreference != "" && dispatcher != nil {
				runK8sDispatch(runCtx, dispatcher, coord, task)
				return
			}

			if _, err := bg.Run(runCtx, task); err != nil {
				slog.Error("background orchestration run failed", "task_id", task.ID, "error", err)
			}
		}()
	}
}

// runK8sDispatch creates the Job, blocks until it reaches a terminal state
// (reaping the pool slot and the Job itself in the process), reads back
// .jervis/result.json, and pushes the outcome to the coordinator — the
// only consumer of a background dispatch's terminal state, per §6.3's
// fire-and-forget contract.
func runK8sDispatch(ctx context.Context, dispatcher *orchestration.K8sDispatcher, coord *coordinator.Client, task orchestration.CodingTask) {
	jobName := "jervis-task-" + task.ID

	if err := dispatcher.Dispatch(ctx, jobName, task.AgentPreference, task, orchestration.PriorityBackground, 60); err != nil {
		slog.Error("k8s agent dispatch failed", "task_id", task.ID, "agent", task.AgentPreference, "error", err)
		coord.PushOrchestratorStatus(ctx, coordinator.OrchestratorStatus{
			TaskID: task.ID, Status: "error", Error: err.Error(),
		})
		return
	}

	result, err := dispatcher.WatchAndReap(ctx, jobName, task.AgentPreference, task)
	if err != nil {
		slog.Error("k8s agent job watch failed", "task_id", task.ID, "job", jobName, "error", err)
		coord.PushOrchestratorStatus(ctx, coordinator.OrchestratorStatus{
			TaskID: task.ID, Status: "error", Error: err.Error(),
		})
		return
	}

	status := "error"
	if result.Success {
		status = "done"
	}
	coord.PushOrchestratorStatus(ctx, coordinator.OrchestratorStatus{
		TaskID:    task.ID,
		Status:    status,
		Summary:   result.Summary,
		Branch:    result.Branch,
		Artifacts: result.Artifacts,
	})
}

// handleApprove resumes a suspended graph run with the human's decision.
func handleApprove(gate *orchestration.ApprovalGate, bg *orchestration.BackgroundHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		threadID := c.Param("thread_id")

		var resp orchestration.ApprovalResponse
		if err := c.ShouldBindJSON(&resp); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		state, err := gate.Resume(c.Request.Context(), threadID, resp, bg.ResumeFromApproval)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"thread_id": threadID, "state": state})
	}
}

// handleStatus is the safety-net polling fallback for a thread's graph
// state — only meaningful while a run is suspended awaiting approval;
// completed/errored runs are reported via the coordinator push interface.
func handleStatus(checkpoints *chatstore.CheckpointStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		threadID := c.Param("thread_id")

		cp, err := checkpoints.Load(c.Request.Context(), threadID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if cp == nil {
			c.JSON(http.StatusNotFound, gin.H{"status": "not_found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "suspended", "request": cp.Request, "state": cp.State})
	}
}
