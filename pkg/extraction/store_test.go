package extraction

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/jervis-ai/jervis/pkg/database"
)

// newTestStore spins up a disposable Postgres container, applies the
// embedded migrations against it, and returns a connected Store.
func newTestStore(t *testing.T) *Store {
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

	return NewStore(client.Pool)
}

func TestStore_EnqueueDequeueCompletes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, Task{
		TaskID:    "task-1",
		SourceURN: "urn:doc:1",
		Content:   "extracted chunk text",
		ClientID:  "client-a",
		Kind:      "entity",
	}))

	task, err := store.Dequeue(ctx, "worker-1", 5)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, StatusInProgress, task.Status)
	assert.Equal(t, 1, task.Attempts)

	// No other pending rows remain.
	next, err := store.Dequeue(ctx, "worker-2", 5)
	require.NoError(t, err)
	assert.Nil(t, next)

	require.NoError(t, store.MarkCompleted(ctx, task.TaskID))
	assert.ErrorIs(t, store.MarkCompleted(ctx, task.TaskID), ErrNotFound)
}

func TestStore_MarkFailedRetriesUntilMaxAttempts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, Task{TaskID: "task-2", SourceURN: "urn:doc:2", Content: "c", ClientID: "client-a", Kind: "entity"}))

	task, err := store.Dequeue(ctx, "worker-1", 2)
	require.NoError(t, err)
	require.NotNil(t, task)

	require.NoError(t, store.MarkFailed(ctx, task.TaskID, "boom", 2))

	retried, err := store.Dequeue(ctx, "worker-1", 2)
	require.NoError(t, err)
	require.NotNil(t, retried)
	assert.Equal(t, 2, retried.Attempts)

	require.NoError(t, store.MarkFailed(ctx, retried.TaskID, "boom again", 2))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[StatusFailed])
}

func TestStore_RecoverStaleTasks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, Task{TaskID: "task-3", SourceURN: "urn:doc:3", Content: "c", ClientID: "client-a", Kind: "entity"}))
	task, err := store.Dequeue(ctx, "worker-1", 5)
	require.NoError(t, err)
	require.NotNil(t, task)

	_, err = store.pool.Exec(ctx, `UPDATE extraction_tasks SET last_attempt_at = $1 WHERE task_id = $2`,
		time.Now().Add(-1*time.Hour), task.TaskID)
	require.NoError(t, err)

	recovered, err := store.RecoverStaleTasks(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), recovered)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[StatusPending])
}

func TestStore_PurgeFailed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, Task{TaskID: "task-4", SourceURN: "urn:doc:4", Content: "c", ClientID: "client-a", Kind: "entity"}))
	task, err := store.Dequeue(ctx, "worker-1", 1)
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(ctx, task.TaskID, "permanent failure", 1))

	_, err = store.pool.Exec(ctx, `UPDATE extraction_tasks SET created_at = $1 WHERE task_id = $2`,
		time.Now().Add(-40*24*time.Hour), task.TaskID)
	require.NoError(t, err)

	count, err := store.PurgeFailed(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats[StatusFailed])
}
