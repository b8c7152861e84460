// Package coordinator pushes progress and terminal-status notifications to
// the external Kotlin coordinator that owns the durable task store (out of
// scope per spec.md §6.3 — only its HTTP contract is implemented here).
// Modeled on the teacher's Slack notification client: a thin HTTP wrapper
// plus a nil-safe, fail-open Service that logs delivery failures instead of
// propagating them, since a coordinator outage must never abort an
// orchestration run in progress.
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Client is a thin wrapper around the coordinator's internal push API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient constructs a Client targeting baseURL (e.g. "http://coordinator:8080").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{},
		logger:  slog.Default().With("component", "coordinator-client"),
	}
}

func (c *Client) post(ctx context.Context, path string, body any, timeout time.Duration) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling coordinator payload for %s: %w", path, err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building coordinator request for %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("coordinator request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("coordinator %s returned status %d", path, resp.StatusCode)
	}
	return nil
}

// OrchestratorProgress is the §6.3 orchestrator-progress push payload.
type OrchestratorProgress struct {
	TaskID     string `json:"taskId"`
	ClientID   string `json:"clientId"`
	Node       string `json:"node"`
	Message    string `json:"message"`
	Percent    int    `json:"percent"`
	GoalIndex  int    `json:"goalIndex"`
	TotalGoals int    `json:"totalGoals"`
	StepIndex  int    `json:"stepIndex"`
	TotalSteps int    `json:"totalSteps"`
}

// OrchestratorStatus is the §6.3 orchestrator-status terminal push payload.
type OrchestratorStatus struct {
	TaskID              string   `json:"taskId"`
	ThreadID            string   `json:"threadId"`
	Status              string   `json:"status"` // done | error | interrupted
	Summary             string   `json:"summary,omitempty"`
	Error               string   `json:"error,omitempty"`
	InterruptAction     string   `json:"interruptAction,omitempty"`
	InterruptDescription string  `json:"interruptDescription,omitempty"`
	Branch              string   `json:"branch,omitempty"`
	Artifacts           []string `json:"artifacts,omitempty"`
}

// CorrectionProgress is the §6.3 correction-progress push payload for the
// transcript correction path.
type CorrectionProgress struct {
	MeetingID       string `json:"meetingId"`
	ClientID        string `json:"clientId"`
	Percent         int    `json:"percent"`
	ChunksDone      int    `json:"chunksDone"`
	TotalChunks     int    `json:"totalChunks"`
	Message         string `json:"message,omitempty"`
	TokensGenerated int    `json:"tokensGenerated"`
}

const (
	progressTimeout = 5 * time.Second
	statusTimeout   = 10 * time.Second
)

// PushOrchestratorProgress sends a node-level progress update. Fail-open:
// errors are logged, never returned, so a coordinator hiccup never aborts
// the orchestration run that produced the update.
func (c *Client) PushOrchestratorProgress(ctx context.Context, p OrchestratorProgress) {
	if err := c.post(ctx, "/internal/orchestrator-progress", p, progressTimeout); err != nil {
		c.logger.Warn("failed to push orchestrator progress", "task_id", p.TaskID, "node", p.Node, "error", err)
	}
}

// PushOrchestratorStatus sends a terminal status transition. Fail-open.
func (c *Client) PushOrchestratorStatus(ctx context.Context, s OrchestratorStatus) {
	if err := c.post(ctx, "/internal/orchestrator-status", s, statusTimeout); err != nil {
		c.logger.Warn("failed to push orchestrator status", "task_id", s.TaskID, "status", s.Status, "error", err)
	}
}

// PushCorrectionProgress sends a transcript-correction progress update. Fail-open.
func (c *Client) PushCorrectionProgress(ctx context.Context, p CorrectionProgress) {
	if err := c.post(ctx, "/internal/correction-progress", p, progressTimeout); err != nil {
		c.logger.Warn("failed to push correction progress", "meeting_id", p.MeetingID, "error", err)
	}
}
