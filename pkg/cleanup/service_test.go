package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/jervis-ai/jervis/pkg/chatstore"
	"github.com/jervis-ai/jervis/pkg/config"
	"github.com/jervis-ai/jervis/pkg/database"
	"github.com/jervis-ai/jervis/pkg/extraction"
	"github.com/jervis-ai/jervis/pkg/orchestration"
)

func newTestExtractionStore(t *testing.T) *extraction.Store {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	client, err := database.NewClient(ctx, database.Config{
		Host: host, Port: port.Int(), User: "test", Password: "test",
		Database: "test", SSLMode: "disable", MaxConns: 10, MinConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return extraction.NewStore(client.Pool)
}

func newTestCheckpointStore(t *testing.T) *chatstore.CheckpointStore {
	t.Helper()
	ctx := context.Background()

	mongoContainer, err := mongodb.Run(ctx, "mongo:7")
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(mongoContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	uri, err := mongoContainer.ConnectionString(ctx)
	require.NoError(t, err)

	client, err := chatstore.NewClient(ctx, chatstore.DefaultConfig(uri, "jervis_test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close(context.Background()) })

	return chatstore.NewCheckpointStore(client)
}

func testRetentionConfig() *config.RetentionConfig {
	return &config.RetentionConfig{
		FailedTaskRetentionDays: 30,
		CompletedTaskRetention:  24 * time.Hour,
		OrphanedCheckpointTTL:   7 * 24 * time.Hour,
		CleanupInterval:         1 * time.Hour,
	}
}

func TestService_PurgesOldFailedTasks(t *testing.T) {
	extractionStore := newTestExtractionStore(t)
	checkpointStore := newTestCheckpointStore(t)
	ctx := context.Background()

	require.NoError(t, extractionStore.Enqueue(ctx, extraction.Task{
		TaskID: "old-failed", SourceURN: "urn:doc:1", Content: "c", ClientID: "client-a", Kind: "entity",
	}))
	task, err := extractionStore.Dequeue(ctx, "worker-1", 1)
	require.NoError(t, err)
	require.NoError(t, extractionStore.MarkFailed(ctx, task.TaskID, "permanent", 1))

	svc := NewService(testRetentionConfig(), extractionStore, checkpointStore)
	svc.runAll(ctx)

	stats, err := extractionStore.Stats(ctx)
	require.NoError(t, err)
	// Freshly failed row is within the retention window, so it survives.
	require.Equal(t, int64(1), stats[extraction.StatusFailed])
}

func TestService_PurgesOrphanedCheckpoints(t *testing.T) {
	extractionStore := newTestExtractionStore(t)
	checkpointStore := newTestCheckpointStore(t)
	ctx := context.Background()

	stale := orchestration.Checkpoint{ThreadID: "stale-thread", CreatedAt: time.Now().Add(-10 * 24 * time.Hour)}
	require.NoError(t, checkpointStore.Save(ctx, stale))
	fresh := orchestration.Checkpoint{ThreadID: "fresh-thread", CreatedAt: time.Now()}
	require.NoError(t, checkpointStore.Save(ctx, fresh))

	svc := NewService(testRetentionConfig(), extractionStore, checkpointStore)
	svc.runAll(ctx)

	gone, err := checkpointStore.Load(ctx, "stale-thread")
	require.NoError(t, err)
	require.Nil(t, gone)

	kept, err := checkpointStore.Load(ctx, "fresh-thread")
	require.NoError(t, err)
	require.NotNil(t, kept)
}
