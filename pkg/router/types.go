// Package router fronts a pool of Ollama-compatible GPU backends and a CPU
// backend, routing inference calls by priority, enforcing model residency,
// preempting lower-priority streaming work, and brokering orchestrator GPU
// reservations.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Priority orders inference requests. CRITICAL traffic never waits behind
// NORMAL traffic.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityNormal   Priority = "NORMAL"
)

// BackendKind distinguishes GPU backends (model residency matters, can be
// preempted/reserved) from the CPU backend (always available, never
// reserved).
type BackendKind string

const (
	KindGPU BackendKind = "GPU"
	KindCPU BackendKind = "CPU"
)

// RequestState is the lifecycle of one TrackedRequest.
type RequestState string

const (
	StateQueued     RequestState = "QUEUED"
	StateLoading    RequestState = "LOADING"
	StateRunningGPU RequestState = "RUNNING_GPU"
	StateRunningCPU RequestState = "RUNNING_CPU"
	StatePreempted  RequestState = "PREEMPTED"
	StateCompleted  RequestState = "COMPLETED"
	StateFailed     RequestState = "FAILED"
)

// TrackedRequest is one in-flight (or terminal) inference call.
type TrackedRequest struct {
	ID           string
	Model        string
	Priority     Priority
	APIPath      string
	Body         []byte
	CreatedAt    time.Time
	State        RequestState
	CancelSignal chan struct{}
}

// Cancel closes the request's cancel signal exactly once.
func (r *TrackedRequest) Cancel() {
	select {
	case <-r.CancelSignal:
	default:
		close(r.CancelSignal)
	}
}

// Cancelled reports whether the request has been signaled to stop.
func (r *TrackedRequest) Cancelled() bool {
	select {
	case <-r.CancelSignal:
		return true
	default:
		return false
	}
}

// Backend is one Ollama-compatible inference endpoint, GPU or CPU.
type Backend struct {
	Name          string
	Endpoint      string
	Kind          BackendKind
	VRAMCapacity  int64 // bytes; 0 for CPU (unbounded for bookkeeping purposes)
	Healthy       bool
	ReservedBy    string // SessionID, empty if unreserved
	ReservedAt    time.Time

	mu              sync.Mutex
	loadedModels    map[string]int64 // model -> vram_estimate bytes
	activeRequests  map[string]*TrackedRequest
	lastCritical    time.Time
	Breaker         *gobreaker.CircuitBreaker
}

// NewBackend constructs a Backend with its circuit breaker and bookkeeping
// maps initialized.
func NewBackend(name, endpoint string, kind BackendKind, vramCapacity int64) *Backend {
	b := &Backend{
		Name:           name,
		Endpoint:       endpoint,
		Kind:           kind,
		VRAMCapacity:   vramCapacity,
		Healthy:        true,
		loadedModels:   make(map[string]int64),
		activeRequests: make(map[string]*TrackedRequest),
	}
	b.Breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return b
}

// HasModel reports whether model is currently resident.
func (b *Backend) HasModel(model string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.loadedModels[model]
	return ok
}

// LoadedModels returns a snapshot of resident models and their VRAM estimates.
func (b *Backend) LoadedModels() map[string]int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int64, len(b.loadedModels))
	for k, v := range b.loadedModels {
		out[k] = v
	}
	return out
}

// RecordLoad registers a model as resident after a successful load.
func (b *Backend) RecordLoad(model string, vramEstimate int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loadedModels[model] = vramEstimate
}

// RecordUnload removes a model from the resident set. Passing "" unloads all.
func (b *Backend) RecordUnload(model string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if model == "" {
		b.loadedModels = make(map[string]int64)
		return
	}
	delete(b.loadedModels, model)
}

// FreeVRAM returns capacity minus the sum of resident models' estimates.
// Always returns a large sentinel for CPU backends (capacity 0 means
// "unbounded" for VRAM bookkeeping purposes).
func (b *Backend) FreeVRAM() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Kind == KindCPU {
		return 1 << 40
	}
	used := int64(0)
	for _, v := range b.loadedModels {
		used += v
	}
	free := b.VRAMCapacity - used
	if free < 0 {
		return 0
	}
	return free
}

// TrackRequest registers req as active on this backend.
func (b *Backend) TrackRequest(req *TrackedRequest) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.activeRequests[req.ID] = req
	if req.Priority == PriorityCritical {
		b.lastCritical = time.Now()
	}
}

// UntrackRequest removes a request from the active set.
func (b *Backend) UntrackRequest(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.activeRequests, id)
}

// ActiveCount returns the number of currently tracked requests.
func (b *Backend) ActiveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.activeRequests)
}

// ActiveRequests returns a snapshot of currently tracked requests.
func (b *Backend) ActiveRequests() []*TrackedRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*TrackedRequest, 0, len(b.activeRequests))
	for _, r := range b.activeRequests {
		out = append(out, r)
	}
	return out
}

// Idle reports whether the backend currently has no active requests.
func (b *Backend) Idle() bool {
	return b.ActiveCount() == 0
}

// Reserve marks the backend reserved by sessionID.
func (b *Backend) Reserve(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ReservedBy = sessionID
	b.ReservedAt = time.Now()
}

// ReleaseReservation clears the reservation iff owned by sessionID.
// Mismatched releases are no-ops (caller logs, per spec's idempotent-release
// contract).
func (b *Backend) ReleaseReservation(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ReservedBy != sessionID {
		return false
	}
	b.ReservedBy = ""
	b.ReservedAt = time.Time{}
	return true
}

// ReservedBySomeoneElse reports whether the backend is reserved by a session
// other than sessionID (empty sessionID means "any reservation counts").
func (b *Backend) ReservedBySomeoneElse(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ReservedBy != "" && b.ReservedBy != sessionID
}

// Reservation is the single system-wide orchestrator GPU reservation.
type Reservation struct {
	SessionID    string
	BackendName  string
	CreatedAt    time.Time
	LastActivity time.Time
}

// Expired reports whether the reservation has exceeded the absolute or idle
// timeout.
func (r Reservation) Expired(now time.Time, absolute, idle time.Duration) bool {
	return now.Sub(r.CreatedAt) > absolute || now.Sub(r.LastActivity) > idle
}

// ModelClient is the narrow HTTP surface routing needs from an Ollama-
// compatible backend: generate/embeddings used for load/unload probes, and
// a streaming proxy call used by proxy.go.
type ModelClient interface {
	// Generate issues a (possibly empty-prompt) generate call used both for
	// real inference and for load/unload keep_alive probes.
	Generate(ctx context.Context, endpoint string, body []byte, streaming bool) (<-chan []byte, <-chan error)
	// Embeddings issues an embeddings call, used for embedding-family model
	// load/unload and for real embedding requests (never preempted).
	Embeddings(ctx context.Context, endpoint string, body []byte) ([]byte, error)
	// Head probes backend liveness for health recovery.
	Head(ctx context.Context, endpoint string) error
}

// ErrNoBackendAvailable is returned when no backend is healthy.
var ErrNoBackendAvailable = &RouterError{Code: "no_backend_available", Message: "no backend available"}

// RouterError is a structured routing failure surfaced as the HTTP body.
type RouterError struct {
	Code    string
	Message string
}

func (e *RouterError) Error() string { return e.Message }
