package router

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jervis-ai/jervis/pkg/version"
)

// Handlers wires a Router, ReservationManager, and Metrics into gin routes
// matching spec.md §6.1's passthrough-compatible inference API.
type Handlers struct {
	Router       *Router
	Reservations *ReservationManager
	Metrics      *Metrics
	Client       ModelClient
}

// NewHandlers constructs the HTTP layer over an already-wired Router.
func NewHandlers(router *Router, reservations *ReservationManager, metrics *Metrics, client ModelClient) *Handlers {
	return &Handlers{Router: router, Reservations: reservations, Metrics: metrics, Client: client}
}

// Register mounts every route onto g.
func (h *Handlers) Register(g *gin.Engine) {
	g.POST("/api/generate", h.handleInference("/api/generate"))
	g.POST("/api/chat", h.handleInference("/api/chat"))
	g.POST("/api/embeddings", h.handleInference("/api/embeddings"))
	g.POST("/api/embed", h.handleInference("/api/embeddings"))
	g.GET("/api/tags", h.handleTags)
	g.GET("/api/ps", h.handlePS)
	g.POST("/api/show", h.handleShow)
	g.DELETE("/api/delete", h.handleDelete)
	g.POST("/router/reservation/announce", h.handleAnnounce)
	g.POST("/router/reservation/release", h.handleRelease)
	g.GET("/router/health", h.handleHealth)
	g.GET("/router/status", h.handleStatus)
	g.GET("/router/metrics", gin.WrapH(promhttp.Handler()))
	g.HEAD("/", h.handleRoot)
	g.GET("/", h.handleRoot)
}

// handleRoot serves the trivial liveness/version probe Ollama clients issue
// against the bare root path before talking to the real API.
func (h *Handlers) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": version.Full()})
}

func (h *Handlers) handleHealth(c *gin.Context) {
	gpuBackends := h.Router.Registry.GPUBackends()
	cpuBackend, hasCPU := h.Router.Registry.CPUBackend()

	status := "healthy"
	anyGPUHealthy := false
	for _, b := range gpuBackends {
		if b.Healthy {
			anyGPUHealthy = true
		}
	}
	if len(gpuBackends) > 0 && !anyGPUHealthy {
		status = "unhealthy"
	} else if len(gpuBackends) > 0 && !h.Router.Registry.AnyHealthy() {
		status = "degraded"
	}

	gpus := make([]gin.H, 0, len(gpuBackends))
	for _, b := range gpuBackends {
		gpus = append(gpus, gin.H{"name": b.Name, "healthy": b.Healthy, "active_requests": b.ActiveCount()})
	}

	resp := gin.H{"status": status, "gpu_backends": gpus, "orchestrator_reserved": h.Router.Registry.Reservation() != nil}
	if hasCPU {
		resp["cpu_backend"] = gin.H{"name": cpuBackend.Name, "healthy": cpuBackend.Healthy}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) handleStatus(c *gin.Context) {
	backends := make([]gin.H, 0)
	for _, b := range h.Router.Registry.AllBackends() {
		active := make([]gin.H, 0)
		for _, req := range b.ActiveRequests() {
			active = append(active, gin.H{
				"id":       req.ID,
				"model":    req.Model,
				"priority": req.Priority,
				"state":    req.State,
				"age":      time.Since(req.CreatedAt).String(),
			})
		}
		backends = append(backends, gin.H{
			"name":            b.Name,
			"kind":            b.Kind,
			"healthy":         b.Healthy,
			"loaded_models":   b.LoadedModels(),
			"active_requests": active,
			"reserved_by":     b.ReservedBy,
		})
	}

	resp := gin.H{"backends": backends}
	if res := h.Router.Registry.Reservation(); res != nil {
		resp["reservation"] = gin.H{
			"session_id":    res.SessionID,
			"last_activity": res.LastActivity,
		}
	}
	c.JSON(http.StatusOK, resp)
}

type inferenceRequest struct {
	Model    string `json:"model" binding:"required"`
	Stream   bool   `json:"stream"`
	SessionID string `json:"-"` // populated from header, not body
}

func (h *Handlers) handleInference(apiPath string) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
			return
		}

		var req inferenceRequest
		if err := unmarshalLenient(body, &req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
			return
		}

		priority := h.Router.Registry.PriorityFor(c.GetHeader("X-Ollama-Priority"), req.Model)
		sessionID := c.GetHeader("X-Orchestrator-Session")

		decision, err := h.Router.Route(c.Request.Context(), apiPath, body, req.Model, priority, sessionID)
		if err != nil {
			writeRouterError(c, err)
			return
		}

		if req.Stream {
			c.Writer.Header().Set("Content-Type", "application/x-ndjson")
			c.Writer.WriteHeader(http.StatusOK)
			result := StreamProxy(c.Request.Context(), h.Client, decision.Backend, decision.Request, c.Writer)
			h.Router.Complete(decision.Backend, decision.Request, result.Failed)
			h.recordOutcome(decision, priority, result)
			return
		}

		resp, err := NonStreamProxy(c.Request.Context(), h.Client, decision.Backend, decision.Request)
		h.Router.Complete(decision.Backend, decision.Request, err != nil)
		if err != nil {
			h.Metrics.RecordRequest(decision.Backend.Name, priority, "failed")
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		h.Metrics.RecordRequest(decision.Backend.Name, priority, "completed")
		c.Data(http.StatusOK, "application/json", resp)
	}
}

func (h *Handlers) recordOutcome(decision *Decision, priority Priority, result StreamResult) {
	outcome := "completed"
	switch {
	case result.Preempted:
		outcome = "preempted"
	case result.Failed:
		outcome = "failed"
	}
	h.Metrics.RecordRequest(decision.Backend.Name, priority, outcome)
}

func (h *Handlers) handleTags(c *gin.Context) {
	tags, err := Tags(c.Request.Context(), h.Client, h.Router.Registry.AllBackends())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": tags})
}

func (h *Handlers) handlePS(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"models": PS(h.Router.Registry.AllBackends())})
}

func (h *Handlers) handleShow(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	resp, err := Show(c.Request.Context(), h.Client, h.Router.Registry.AllBackends(), req.Name)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", resp)
}

func (h *Handlers) handleDelete(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := Delete(c.Request.Context(), h.Router.Models, h.Router.Registry.AllBackends(), req.Name); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusOK)
}

func (h *Handlers) handleAnnounce(c *gin.Context) {
	var req struct {
		SessionID string `json:"session_id" binding:"required"`
		Model     string `json:"model" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	backend, resident, err := h.Reservations.Announce(c.Request.Context(), req.SessionID, req.Model)
	if err != nil {
		writeRouterError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"backend": backend, "model_resident": resident})
}

func (h *Handlers) handleRelease(c *gin.Context) {
	var req struct {
		SessionID string `json:"session_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.Reservations.Release(context.Background(), req.SessionID)
	c.Status(http.StatusOK)
}

func writeRouterError(c *gin.Context, err error) {
	if rerr, ok := err.(*RouterError); ok {
		slog.Warn("router request failed", "code", rerr.Code, "error", rerr.Message)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": rerr.Code, "message": rerr.Message})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// unmarshalLenient decodes body into req, tolerating empty bodies (some
// aggregation calls have none).
func unmarshalLenient(body []byte, req *inferenceRequest) error {
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, req)
}
