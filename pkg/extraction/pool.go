package extraction

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// PoolConfig bounds the worker pool and its orphan-recovery cadence.
type PoolConfig struct {
	WorkerCount      int
	Worker           WorkerConfig
	RecoveryInterval time.Duration
	StaleThreshold   time.Duration
}

// DefaultPoolConfig matches the teacher's orphan-recovery cadence: recover
// stale claims every minute, with a five-minute staleness threshold.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		WorkerCount:      4,
		Worker:           DefaultWorkerConfig(),
		RecoveryInterval: time.Minute,
		StaleThreshold:   5 * time.Minute,
	}
}

// Pool runs a fixed set of Workers against a shared Store, generalizing the
// teacher's pkg/queue/pool.go + orphan.go: a startup recovery sweep plus a
// periodic ticker reclaim IN_PROGRESS rows abandoned by a crashed worker,
// and Stop drains in-flight workers before returning.
type Pool struct {
	store   *Store
	handler TaskHandler
	cfg     PoolConfig

	workers []*Worker
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// NewPool constructs a pool of cfg.WorkerCount workers, named "extraction-N".
func NewPool(store *Store, handler TaskHandler, cfg PoolConfig) *Pool {
	p := &Pool{store: store, handler: handler, cfg: cfg}
	for i := 0; i < cfg.WorkerCount; i++ {
		id := fmt.Sprintf("extraction-%d", i)
		p.workers = append(p.workers, NewWorker(id, store, handler, cfg.Worker))
	}
	return p
}

// Start recovers stale claims once, then launches every worker and the
// periodic recovery ticker, all bound to ctx. Start returns once workers are
// launched; it does not block for the pool's lifetime.
func (p *Pool) Start(ctx context.Context) error {
	if n, err := p.store.RecoverStaleTasks(ctx, p.cfg.StaleThreshold); err != nil {
		return fmt.Errorf("startup orphan recovery: %w", err)
	} else if n > 0 {
		slog.Warn("recovered stale extraction tasks at startup", "count", n)
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(runCtx)
		}(w)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runRecoveryLoop(runCtx)
	}()

	slog.Info("extraction worker pool started", "workers", len(p.workers))
	return nil
}

func (p *Pool) runRecoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.RecoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.store.RecoverStaleTasks(ctx, p.cfg.StaleThreshold)
			if err != nil {
				slog.Error("periodic orphan recovery failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Warn("recovered stale extraction tasks", "count", n)
			}
		}
	}
}

// Stop cancels all workers and blocks until they exit.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Health reports per-worker lifetime processed/failed counts.
func (p *Pool) Health() map[string][2]int64 {
	out := make(map[string][2]int64, len(p.workers))
	for _, w := range p.workers {
		processed, failed := w.Stats()
		out[w.ID] = [2]int64{processed, failed}
	}
	return out
}
