package chatstore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// SummaryBlock mirrors spec.md §6.4's chat_summaries shape.
type SummaryBlock struct {
	ThreadID          string    `bson:"taskId"`
	SequenceStart     int       `bson:"sequenceStart"`
	SequenceEnd       int       `bson:"sequenceEnd"`
	Summary           string    `bson:"summary"`
	KeyDecisions      []string  `bson:"keyDecisions,omitempty"`
	Topics            []string  `bson:"topics,omitempty"`
	IsCheckpoint      bool      `bson:"isCheckpoint"`
	CheckpointReason  string    `bson:"checkpointReason,omitempty"`
	MessageCount      int       `bson:"messageCount"`
	CreatedAt         time.Time `bson:"createdAt"`
}

// SummaryStore persists compression output from pkg/orchestration.CompressHistory.
type SummaryStore struct {
	db *mongo.Database
}

// NewSummaryStore wraps the chatstore database for summary access.
func NewSummaryStore(client *Client) *SummaryStore {
	return &SummaryStore{db: client.Database()}
}

func (s *SummaryStore) collection() *mongo.Collection {
	return s.db.Collection("chat_summaries")
}

// EnsureIndexes creates the (taskId, sequenceEnd) index used by Recent.
func (s *SummaryStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "taskId", Value: 1}, {Key: "sequenceEnd", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("creating chat_summaries index: %w", err)
	}
	return nil
}

// Insert persists one summary block.
func (s *SummaryStore) Insert(ctx context.Context, block SummaryBlock) error {
	if block.CreatedAt.IsZero() {
		block.CreatedAt = time.Now()
	}
	if _, err := s.collection().InsertOne(ctx, block); err != nil {
		return fmt.Errorf("inserting summary block for thread %s: %w", block.ThreadID, err)
	}
	return nil
}

// Recent returns up to limit most-recent summary blocks for threadID,
// newest-first (callers admit newest-first per §4.4.3's budget fill order).
func (s *SummaryStore) Recent(ctx context.Context, threadID string, limit int) ([]SummaryBlock, error) {
	opts := options.Find().SetSort(bson.D{{Key: "sequenceEnd", Value: -1}}).SetLimit(int64(limit))
	cur, err := s.collection().Find(ctx, bson.M{"taskId": threadID}, opts)
	if err != nil {
		return nil, fmt.Errorf("querying recent summaries for thread %s: %w", threadID, err)
	}
	defer cur.Close(ctx)

	var blocks []SummaryBlock
	if err := cur.All(ctx, &blocks); err != nil {
		return nil, fmt.Errorf("decoding summary blocks for thread %s: %w", threadID, err)
	}
	return blocks, nil
}
