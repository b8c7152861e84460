package chatstore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/jervis-ai/jervis/pkg/orchestration"
)

// Compile-time check that CheckpointStore implements orchestration.CheckpointStore.
var _ orchestration.CheckpointStore = (*CheckpointStore)(nil)

// CheckpointStore persists suspended graph runs in the checkpoints
// collection, keyed by thread_id, per spec.md §4.4.4.
type CheckpointStore struct {
	db *mongo.Database
}

// NewCheckpointStore wraps the chatstore database for checkpoint access.
func NewCheckpointStore(client *Client) *CheckpointStore {
	return &CheckpointStore{db: client.Database()}
}

func (s *CheckpointStore) collection() *mongo.Collection {
	return s.db.Collection("checkpoints")
}

// Save upserts the checkpoint, keyed by its thread_id.
func (s *CheckpointStore) Save(ctx context.Context, cp orchestration.Checkpoint) error {
	_, err := s.collection().ReplaceOne(
		ctx,
		bson.M{"_id": cp.ThreadID},
		cp,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("saving checkpoint for thread %s: %w", cp.ThreadID, err)
	}
	return nil
}

// Load returns the checkpoint for threadID, or (nil, nil) if none exists.
func (s *CheckpointStore) Load(ctx context.Context, threadID string) (*orchestration.Checkpoint, error) {
	var cp orchestration.Checkpoint
	err := s.collection().FindOne(ctx, bson.M{"_id": threadID}).Decode(&cp)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, fmt.Errorf("loading checkpoint for thread %s: %w", threadID, err)
	}
	return &cp, nil
}

// Delete removes the checkpoint for threadID, if any. Deleting a
// nonexistent checkpoint is not an error.
func (s *CheckpointStore) Delete(ctx context.Context, threadID string) error {
	if _, err := s.collection().DeleteOne(ctx, bson.M{"_id": threadID}); err != nil {
		return fmt.Errorf("deleting checkpoint for thread %s: %w", threadID, err)
	}
	return nil
}

// PurgeOlderThan deletes checkpoints whose created_at predates the retention
// window, treating a suspended run nobody resumed within that window as
// abandoned. Returns the count removed.
func (s *CheckpointStore) PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age)
	result, err := s.collection().DeleteMany(ctx, bson.M{"created_at": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, fmt.Errorf("purging stale checkpoints: %w", err)
	}
	return result.DeletedCount, nil
}
