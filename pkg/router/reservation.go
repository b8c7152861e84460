package router

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ReservationManager implements the orchestrator announce/release protocol
// and the watchdog that auto-releases stale reservations, per spec.md
// §4.1's "Reservation" subsection. A single mutex here matches the spec's
// "under a single mutex" wording for announce.
type ReservationManager struct {
	mu       sync.Mutex
	registry *Registry
	router   *Router

	backgroundSet []string // model set to reload on release, per configuration

	pendingReload map[string]context.CancelFunc // backend name -> cancellable delayed reload
}

// NewReservationManager constructs a manager bound to registry/router.
func NewReservationManager(registry *Registry, router *Router, backgroundSet []string) *ReservationManager {
	return &ReservationManager{
		registry:      registry,
		router:        router,
		backgroundSet: backgroundSet,
		pendingReload: make(map[string]context.CancelFunc),
	}
}

// Announce picks a GPU (prefer one already holding model, then unreserved,
// then least-busy), marks it reserved, preempts NORMAL traffic on it, and
// ensures model is loaded. Returns whether model ended up resident.
func (rm *ReservationManager) Announce(ctx context.Context, sessionID, model string) (backendName string, modelResident bool, err error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	gpus := rm.registry.GPUBackends()

	var target *Backend
	for _, b := range gpus {
		if b.Healthy && b.HasModel(model) {
			target = b
			break
		}
	}
	if target == nil {
		for _, b := range gpus {
			if b.Healthy && b.ReservedBy == "" {
				target = b
				break
			}
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
		return "", false, ErrNoBackendAvailable
	}

	rm.cancelPendingReload(target.Name)
	target.Reserve(sessionID)
	Preempt(target)

	if err := rm.router.Models.EnsureLoaded(ctx, target, model, rm.router.VRAMEstimate(model)); err != nil {
		slog.Warn("reservation model load failed", "backend", target.Name, "model", model, "error", err)
		rm.registry.SetReservation(&Reservation{SessionID: sessionID, BackendName: target.Name, CreatedAt: time.Now(), LastActivity: time.Now()})
		return target.Name, false, nil
	}

	rm.registry.SetReservation(&Reservation{SessionID: sessionID, BackendName: target.Name, CreatedAt: time.Now(), LastActivity: time.Now()})
	return target.Name, true, nil
}

// Release clears sessionID's reservation (idempotent; mismatches are
// logged and accepted as no-op), then schedules a delayed background-set
// reload onto that backend if no new reservation arrives first.
func (rm *ReservationManager) Release(ctx context.Context, sessionID string) {
	rm.mu.Lock()
	res := rm.registry.Reservation()
	if res == nil || res.SessionID != sessionID {
		rm.mu.Unlock()
		slog.Info("reservation release mismatch, treating as no-op", "session_id", sessionID)
		return
	}
	backendName := res.BackendName
	rm.registry.ClearReservation(sessionID)
	b, ok := rm.registry.Backend(backendName)
	rm.mu.Unlock()

	if !ok {
		return
	}
	b.ReleaseReservation(sessionID)
	rm.scheduleBackgroundReload(ctx, backendName)
}

// scheduleBackgroundReload delays loading rm.backgroundSet onto backendName
// by a few seconds, cancellable if a new reservation or another release
// supersedes it first.
func (rm *ReservationManager) scheduleBackgroundReload(ctx context.Context, backendName string) {
	if len(rm.backgroundSet) == 0 {
		return
	}

	rm.mu.Lock()
	rm.cancelPendingReload(backendName)
	reloadCtx, cancel := context.WithCancel(ctx)
	rm.pendingReload[backendName] = cancel
	rm.mu.Unlock()

	go func() {
		select {
		case <-time.After(5 * time.Second):
		case <-reloadCtx.Done():
			return
		}

		b, ok := rm.registry.Backend(backendName)
		if !ok || b.ReservedBy != "" {
			return
		}
		for _, model := range rm.backgroundSet {
			if err := rm.router.Models.EnsureLoaded(reloadCtx, b, model, rm.router.VRAMEstimate(model)); err != nil {
				slog.Warn("background-set reload failed", "backend", backendName, "model", model, "error", err)
				return
			}
		}
	}()
}

// cancelPendingReload cancels and clears any in-flight delayed reload for a
// backend. Caller holds rm.mu.
func (rm *ReservationManager) cancelPendingReload(backendName string) {
	if cancel, ok := rm.pendingReload[backendName]; ok {
		cancel()
		delete(rm.pendingReload, backendName)
	}
}

// RunWatchdog polls every 30s and auto-releases reservations that have
// exceeded their absolute or idle timeout, per spec.md §4.1.
func (rm *ReservationManager) RunWatchdog(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if expired := rm.registry.ExpiredReservation(time.Now()); expired != nil {
				slog.Info("reservation expired, auto-releasing", "session_id", expired.SessionID, "backend", expired.BackendName)
				if b, ok := rm.registry.Backend(expired.BackendName); ok {
					b.ReleaseReservation(expired.SessionID)
				}
				rm.scheduleBackgroundReload(ctx, expired.BackendName)
			}
		}
	}
}
