// Package extraction implements a crash-safe persistent FIFO of deferred
// LLM post-processing tasks, generalizing the teacher's session queue
// (pkg/queue) from "alert investigation sessions" to "entity/graph
// extraction tasks" over the same claim-and-recover pattern.
package extraction

import "time"

// Status is the lifecycle state of one ExtractionTask.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Task is one deferred post-processing unit (e.g. entity extraction after
// a chunk ingest), matching spec.md §3's ExtractionTask exactly.
type Task struct {
	TaskID        string
	SourceURN     string
	Content       string
	ClientID      string
	ProjectID     string
	Kind          string
	ChunkIDs      []string
	CreatedAt     time.Time
	Status        Status
	Attempts      int
	LastAttemptAt *time.Time
	WorkerID      string
	Error         string
}

// Stats summarizes task counts grouped by status.
type Stats map[Status]int64
