package chatstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"

	"github.com/jervis-ai/jervis/pkg/orchestration"
)

// newTestClient spins up a disposable MongoDB container and returns a
// connected Client.
func newTestClient(t *testing.T) *Client {
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

	client, err := NewClient(ctx, DefaultConfig(uri, "jervis_test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close(context.Background()) })

	return client
}

func TestClient_Connect(t *testing.T) {
	client := newTestClient(t)
	require.NotNil(t, client.Database())
}

func TestMessageStore_AppendAndRecentOrdering(t *testing.T) {
	client := newTestClient(t)
	store := NewMessageStore(client)
	ctx := context.Background()
	require.NoError(t, store.EnsureIndexes(ctx))

	require.NoError(t, store.Append(ctx, "thread-1", orchestration.ConversationMessage{Role: "user", Content: "first"}))
	require.NoError(t, store.Append(ctx, "thread-1", orchestration.ConversationMessage{Role: "assistant", Content: "second"}))
	require.NoError(t, store.Append(ctx, "thread-1", orchestration.ConversationMessage{Role: "user", Content: "third"}))

	msgs, err := store.Recent(ctx, "thread-1", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "second", msgs[0].Content)
	require.Equal(t, "third", msgs[1].Content)
}

func TestSummaryStore_InsertAndRecent(t *testing.T) {
	client := newTestClient(t)
	store := NewSummaryStore(client)
	ctx := context.Background()
	require.NoError(t, store.EnsureIndexes(ctx))

	require.NoError(t, store.Insert(ctx, SummaryBlock{
		ThreadID: "thread-2", SequenceStart: 1, SequenceEnd: 24,
		Summary: "first block", MessageCount: 24,
	}))
	require.NoError(t, store.Insert(ctx, SummaryBlock{
		ThreadID: "thread-2", SequenceStart: 25, SequenceEnd: 48,
		Summary: "second block", MessageCount: 24, IsCheckpoint: true, CheckpointReason: "topic_shift",
	}))

	blocks, err := store.Recent(ctx, "thread-2", 1)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	require.Equal(t, "second block", blocks[0].Summary)
	require.True(t, blocks[0].IsCheckpoint)
}

func TestCheckpointStore_SaveLoadDeletePurge(t *testing.T) {
	client := newTestClient(t)
	store := NewCheckpointStore(client)
	ctx := context.Background()

	missing, err := store.Load(ctx, "thread-nope")
	require.NoError(t, err)
	require.Nil(t, missing)

	cp := orchestration.Checkpoint{ThreadID: "thread-3", CreatedAt: time.Now()}
	require.NoError(t, store.Save(ctx, cp))

	loaded, err := store.Load(ctx, "thread-3")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, "thread-3", loaded.ThreadID)

	// Saving again with the same thread ID upserts rather than duplicating.
	require.NoError(t, store.Save(ctx, cp))

	require.NoError(t, store.Delete(ctx, "thread-3"))
	gone, err := store.Load(ctx, "thread-3")
	require.NoError(t, err)
	require.Nil(t, gone)

	stale := orchestration.Checkpoint{ThreadID: "thread-4", CreatedAt: time.Now().Add(-10 * 24 * time.Hour)}
	require.NoError(t, store.Save(ctx, stale))
	fresh := orchestration.Checkpoint{ThreadID: "thread-5", CreatedAt: time.Now()}
	require.NoError(t, store.Save(ctx, fresh))

	purged, err := store.PurgeOlderThan(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), purged)

	_, err = store.Load(ctx, "thread-4")
	require.NoError(t, err)
	remaining, err := store.Load(ctx, "thread-5")
	require.NoError(t, err)
	require.NotNil(t, remaining)
}
