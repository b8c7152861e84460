package router

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Router ties the Registry and ModelManager together to implement the
// routing algorithm of spec.md §4.1.
type Router struct {
	Registry *Registry
	Models   *ModelManager
	// VRAMEstimate estimates a model's resident VRAM footprint for load
	// accounting; pluggable since real estimates depend on a model catalog
	// outside this package's scope.
	VRAMEstimate func(model string) int64
}

// NewRouter constructs a Router. estimate may be nil, in which case a flat
// default is used.
func NewRouter(registry *Registry, models *ModelManager, estimate func(string) int64) *Router {
	if estimate == nil {
		estimate = func(string) int64 { return 4 << 30 } // 4GiB flat default
	}
	return &Router{Registry: registry, Models: models, VRAMEstimate: estimate}
}

// Decision is the outcome of routing one request: which backend to send it
// to, and the TrackedRequest registered for it.
type Decision struct {
	Backend *Backend
	Request *TrackedRequest
}

// Route implements the 5-step algorithm. sessionID is the reservation
// owner, if this call originates from the orchestrator (empty otherwise).
func (rt *Router) Route(ctx context.Context, apiPath string, body []byte, model string, priority Priority, sessionID string) (*Decision, error) {
	req := &TrackedRequest{
		ID: uuid.NewString(), Model: model, Priority: priority,
		APIPath: apiPath, Body: body, CreatedAt: time.Now(),
		State: StateQueued, CancelSignal: make(chan struct{}),
	}

	if !rt.Registry.AnyHealthy() {
		return nil, ErrNoBackendAvailable
	}

	// Step 1: already-resident and not reserved by someone else (or CRITICAL).
	for _, b := range rt.Registry.GPUBackends() {
		if !b.Healthy || !b.HasModel(model) {
			continue
		}
		if priority == PriorityCritical || !b.ReservedBySomeoneElse(sessionID) {
			return rt.finalize(ctx, b, req, priority == PriorityCritical)
		}
	}

	switch priority {
	case PriorityCritical:
		return rt.routeCritical(ctx, req)
	default:
		return rt.routeNormal(ctx, req, sessionID)
	}
}

// routeCritical implements step 2: preference order already-has-model (no
// healthy candidate — handled above) → unreserved → least-busy; preempt,
// ensure load, route.
func (rt *Router) routeCritical(ctx context.Context, req *TrackedRequest) (*Decision, error) {
	gpus := rt.Registry.GPUBackends()

	var target *Backend
	for _, b := range gpus {
		if b.Healthy && b.ReservedBy == "" {
			target = b
			break
		}
	}
	if target == nil {
		for _, b := range gpus {
			if b.Healthy && (target == nil || b.ActiveCount() < target.ActiveCount()) {
				target = b
			}
		}
	}
	if target == nil {
		if cpu, ok := rt.Registry.CPUBackend(); ok && cpu.Healthy {
			return rt.finalize(ctx, cpu, req, false)
		}
		return nil, ErrNoBackendAvailable
	}

	Preempt(target)
	return rt.finalize(ctx, target, req, true)
}

// routeNormal implements steps 3-4: reservation-aware CPU routing, then
// free-VRAM GPU, then idle-GPU-with-unload, then CPU.
func (rt *Router) routeNormal(ctx context.Context, req *TrackedRequest, sessionID string) (*Decision, error) {
	if res := rt.Registry.Reservation(); res != nil {
		if cpu, ok := rt.Registry.CPUBackend(); ok && cpu.Healthy {
			return rt.finalize(ctx, cpu, req, false)
		}
	}

	estimate := rt.VRAMEstimate(req.Model)
	for _, b := range rt.Registry.GPUBackends() {
		if b.Healthy && b.ReservedBy == "" && b.FreeVRAM() >= estimate {
			return rt.finalize(ctx, b, req, true)
		}
	}

	for _, b := range rt.Registry.GPUBackends() {
		if b.Healthy && b.ReservedBy == "" && b.Idle() {
			if err := rt.Models.UnloadAll(ctx, b); err != nil {
				continue
			}
			return rt.finalize(ctx, b, req, true)
		}
	}

	if cpu, ok := rt.Registry.CPUBackend(); ok && cpu.Healthy {
		return rt.finalize(ctx, cpu, req, false)
	}
	return nil, ErrNoBackendAvailable
}

// finalize ensures the model is loaded (if gpu) and tracks the request on
// the chosen backend.
func (rt *Router) finalize(ctx context.Context, b *Backend, req *TrackedRequest, isGPU bool) (*Decision, error) {
	if isGPU && !b.HasModel(req.Model) {
		req.State = StateLoading
		if err := rt.Models.Load(ctx, b, req.Model, rt.VRAMEstimate(req.Model)); err != nil {
			req.State = StateFailed
			return nil, fmt.Errorf("loading model %s on backend %s: %w", req.Model, b.Name, err)
		}
	}

	if isGPU {
		req.State = StateRunningGPU
	} else {
		req.State = StateRunningCPU
	}
	b.TrackRequest(req)
	return &Decision{Backend: b, Request: req}, nil
}

// Complete marks req terminal and untracks it from b.
func (rt *Router) Complete(b *Backend, req *TrackedRequest, failed bool) {
	if req.Cancelled() {
		req.State = StatePreempted
	} else if failed {
		req.State = StateFailed
	} else {
		req.State = StateCompleted
	}
	b.UntrackRequest(req.ID)
}
