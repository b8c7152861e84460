// Package cleanup provides data retention and cleanup services.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/jervis-ai/jervis/pkg/chatstore"
	"github.com/jervis-ai/jervis/pkg/config"
	"github.com/jervis-ai/jervis/pkg/extraction"
)

// Service periodically enforces retention policies:
//   - Purges FAILED extraction_tasks rows past their audit retention window
//   - Removes orphaned graph checkpoints nobody resumed within their TTL
//
// All operations are idempotent and safe to run from multiple pods.
type Service struct {
	config          *config.RetentionConfig
	extractionStore *extraction.Store
	checkpointStore *chatstore.CheckpointStore

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(
	cfg *config.RetentionConfig,
	extractionStore *extraction.Store,
	checkpointStore *chatstore.CheckpointStore,
) *Service {
	return &Service{
		config:          cfg,
		extractionStore: extractionStore,
		checkpointStore: checkpointStore,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"failed_task_retention_days", s.config.FailedTaskRetentionDays,
		"orphaned_checkpoint_ttl", s.config.OrphanedCheckpointTTL,
		"interval", s.config.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.purgeFailedTasks(ctx)
	s.purgeOrphanedCheckpoints(ctx)
}

func (s *Service) purgeFailedTasks(ctx context.Context) {
	retention := time.Duration(s.config.FailedTaskRetentionDays) * 24 * time.Hour
	count, err := s.extractionStore.PurgeFailed(ctx, retention)
	if err != nil {
		slog.Error("Retention: purging failed extraction tasks failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: purged failed extraction tasks", "count", count)
	}
}

func (s *Service) purgeOrphanedCheckpoints(ctx context.Context) {
	count, err := s.checkpointStore.PurgeOlderThan(ctx, s.config.OrphanedCheckpointTTL)
	if err != nil {
		slog.Error("Retention: purging orphaned checkpoints failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: purged orphaned checkpoints", "count", count)
	}
}
