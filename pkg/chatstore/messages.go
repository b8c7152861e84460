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

// Compile-time check that MessageStore implements orchestration.ChatHistory.
var _ orchestration.ChatHistory = (*MessageStore)(nil)

// chatMessageDoc mirrors spec.md §6.4's chat_messages shape: {taskId, role,
// content, timestamp, sequence, metadata}, indexed on (taskId, sequence).
type chatMessageDoc struct {
	ThreadID   string     `bson:"taskId"`
	Role       string     `bson:"role"`
	Content    string     `bson:"content"`
	Timestamp  time.Time  `bson:"timestamp"`
	Sequence   int        `bson:"sequence"`
	ToolCallID string     `bson:"toolCallId,omitempty"`
	ToolCalls  []toolCall `bson:"toolCalls,omitempty"`
}

type toolCall struct {
	ID        string `bson:"id"`
	Name      string `bson:"name"`
	Arguments string `bson:"arguments"`
}

// MessageStore persists chat turns in the chat_messages collection.
type MessageStore struct {
	db *mongo.Database
}

// NewMessageStore wraps the chatstore database for message access.
func NewMessageStore(client *Client) *MessageStore {
	return &MessageStore{db: client.Database()}
}

func (s *MessageStore) collection() *mongo.Collection {
	return s.db.Collection("chat_messages")
}

// EnsureIndexes creates the (taskId, sequence) compound index. Call once at
// startup; idempotent.
func (s *MessageStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "taskId", Value: 1}, {Key: "sequence", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("creating chat_messages index: %w", err)
	}
	return nil
}

// Append allocates the next sequence number for threadID atomically and
// inserts the message.
func (s *MessageStore) Append(ctx context.Context, threadID string, msg orchestration.ConversationMessage) error {
	seq, err := nextSequence(ctx, s.db, threadID)
	if err != nil {
		return err
	}

	doc := chatMessageDoc{
		ThreadID:   threadID,
		Role:       msg.Role,
		Content:    msg.Content,
		Timestamp:  time.Now(),
		Sequence:   seq,
		ToolCallID: msg.ToolCallID,
	}
	for _, tc := range msg.ToolCalls {
		doc.ToolCalls = append(doc.ToolCalls, toolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
	}

	if _, err := s.collection().InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("appending chat message for thread %s: %w", threadID, err)
	}
	return nil
}

// Recent returns up to limit most-recent messages for threadID, in
// chronological (sequence ascending) order.
func (s *MessageStore) Recent(ctx context.Context, threadID string, limit int) ([]orchestration.ConversationMessage, error) {
	opts := options.Find().SetSort(bson.D{{Key: "sequence", Value: -1}}).SetLimit(int64(limit))
	cur, err := s.collection().Find(ctx, bson.M{"taskId": threadID}, opts)
	if err != nil {
		return nil, fmt.Errorf("querying recent chat messages for thread %s: %w", threadID, err)
	}
	defer cur.Close(ctx)

	var docs []chatMessageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decoding chat messages for thread %s: %w", threadID, err)
	}

	out := make([]orchestration.ConversationMessage, len(docs))
	for i, d := range docs {
		msg := orchestration.ConversationMessage{Role: d.Role, Content: d.Content, ToolCallID: d.ToolCallID}
		for _, tc := range d.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, orchestration.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
		}
		out[len(docs)-1-i] = msg
	}
	return out, nil
}
