// Package orchestration drives the agentic tool loop shared by the chat
// and background handlers, dispatches coding-agent jobs, and manages
// approval checkpoints.
package orchestration

import (
	"context"
	"time"
)

// StepType enumerates the kinds of work a Step can represent.
type StepType string

const (
	StepRespond StepType = "RESPOND"
	StepCode    StepType = "CODE"
	StepTracker StepType = "TRACKER"
)

// AgentType enumerates the coding-agent families dispatched via the Agent Pool.
type AgentType string

const (
	AgentAider     AgentType = "aider"
	AgentOpenHands AgentType = "openhands"
	AgentClaude    AgentType = "claude"
	AgentJunie     AgentType = "junie"
)

// Priority orders Agent Pool waiters; lower values run first.
type Priority int

const (
	PriorityForeground Priority = 0
	PriorityBackground Priority = 10
)

// ProjectRules governs what a coding agent is allowed to do and which
// cloud escalation tiers are enabled for the background handler.
type ProjectRules struct {
	AllowedCloudProviders  []string `json:"allowed_cloud_providers" bson:"allowed_cloud_providers"`
	ForbiddenFileGlobs     []string `json:"forbidden_file_globs" bson:"forbidden_file_globs"`
	MaxChangedFiles        int      `json:"max_changed_files" bson:"max_changed_files"`
	ApprovalRequiredCommit bool     `json:"approval_required_commit" bson:"approval_required_commit"`
	ApprovalRequiredPush   bool     `json:"approval_required_push" bson:"approval_required_push"`
	BranchNameTemplate     string   `json:"branch_name_template" bson:"branch_name_template"`
	CommitPrefixTemplate   string   `json:"commit_prefix_template" bson:"commit_prefix_template"`

	AutoUseAnthropic bool `json:"auto_use_anthropic" bson:"auto_use_anthropic"`
	AutoUseOpenAI    bool `json:"auto_use_openai" bson:"auto_use_openai"`
	AutoUseGemini    bool `json:"auto_use_gemini" bson:"auto_use_gemini"`
}

// AnyCloudEnabled reports whether at least one cloud escalation tier is allowed.
func (r ProjectRules) AnyCloudEnabled() bool {
	return r.AutoUseAnthropic || r.AutoUseOpenAI || r.AutoUseGemini
}

// CodingTask is the request envelope for a background dispatch.
type CodingTask struct {
	ID              string       `json:"id" bson:"_id"`
	ClientID        string       `json:"client_id" bson:"client_id"`
	ProjectID       string       `json:"project_id,omitempty" bson:"project_id,omitempty"`
	WorkspacePath   string       `json:"workspace_path" bson:"workspace_path"`
	Query           string       `json:"query" bson:"query"`
	AgentPreference AgentType    `json:"agent_preference,omitempty" bson:"agent_preference,omitempty"`
	Rules           ProjectRules `json:"rules" bson:"rules"`
	Environment     map[string]string `json:"environment,omitempty" bson:"environment,omitempty"`
	ChatHistory     []ConversationMessage `json:"chat_history,omitempty" bson:"chat_history,omitempty"`

	// Files names specific paths the agent should modify, staged into
	// .jervis/task.json for the Job to read.
	Files []string `json:"files,omitempty" bson:"files,omitempty"`
	// KBContext is a pre-fetched knowledge-base excerpt (markdown), staged
	// into .jervis/kb-context.md so a coding agent has it without a runtime
	// KB round-trip.
	KBContext string `json:"kb_context,omitempty" bson:"kb_context,omitempty"`
	// EnvironmentContext is the resolved Kubernetes environment definition
	// (components, ports, topology) staged into .jervis/environment.json.
	EnvironmentContext map[string]any `json:"environment_context,omitempty" bson:"environment_context,omitempty"`
}

// Step is one unit of a Goal's execution plan.
type Step struct {
	Type         StepType `json:"type"`
	Instructions string   `json:"instructions"`
	Files        []string `json:"files,omitempty"`
}

// StepResult records the outcome of executing a Step.
type StepResult struct {
	StepIndex int    `json:"step_index"`
	Success   bool   `json:"success"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Check is one evaluation gate applied to a Goal's results.
type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Reason string `json:"reason,omitempty"`
}

// Evaluation judges whether a Goal's steps produced an acceptable result.
// Acceptable iff no failed or blocked checks (forbidden-file hit or explicit failure).
type Evaluation struct {
	Checks     []Check `json:"checks"`
	Acceptable bool    `json:"acceptable"`
}

// Goal groups a sequence of Steps toward one outcome.
type Goal struct {
	Description string `json:"description"`
	Steps       []Step `json:"steps"`
}

// GraphState is the flat execution record threaded through the orchestration
// graph. Deliberately flat (no shared pointers to affairs or other mutable
// aggregates) so checkpoint persistence is a straight marshal/unmarshal.
type GraphState struct {
	Task              CodingTask   `json:"task" bson:"task"`
	Rules             ProjectRules `json:"rules" bson:"rules"`
	Goals             []Goal       `json:"goals" bson:"goals"`
	CurrentGoalIndex  int          `json:"current_goal_index" bson:"current_goal_index"`
	Steps             []Step       `json:"steps" bson:"steps"`
	CurrentStepIndex  int          `json:"current_step_index" bson:"current_step_index"`
	StepResults       []StepResult `json:"step_results" bson:"step_results"`
	Branch            string       `json:"branch,omitempty" bson:"branch,omitempty"`
	FinalResult       string       `json:"final_result,omitempty" bson:"final_result,omitempty"`
	Artifacts         []string     `json:"artifacts,omitempty" bson:"artifacts,omitempty"`
	Error             string       `json:"error,omitempty" bson:"error,omitempty"`
	Evaluation        *Evaluation  `json:"evaluation,omitempty" bson:"evaluation,omitempty"`
	Environment       map[string]string `json:"environment,omitempty" bson:"environment,omitempty"`
}

// ConversationMessage is one turn in the agentic loop's message list.
type ConversationMessage struct {
	Role       string     `json:"role" bson:"role"` // system | user | assistant | tool
	Content    string     `json:"content" bson:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty" bson:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty" bson:"tool_calls,omitempty"`
}

// ToolCall is one LLM-issued function call, native or parsed from the
// structured-JSON fallback.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // raw JSON object text
}

// ToolResult is the outcome of executing one ToolCall.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

// ToolDefinition describes one callable tool for the LLM's tool schema.
type ToolDefinition struct {
	Name             string `json:"name"`
	Description      string `json:"description"`
	ParametersSchema string `json:"parameters_schema"` // raw JSON schema text
}

// ToolExecutor dispatches ToolCalls to their concrete implementation
// (MCP servers, built-in memory/scope tools). Implemented by pkg/mcp.ToolExecutor
// and by the built-in dispatch map in toolloop.go.
type ToolExecutor interface {
	Execute(ctx context.Context, call ToolCall) (*ToolResult, error)
	ListTools(ctx context.Context) ([]ToolDefinition, error)
}

// EventType enumerates the chat SSE event kinds of §4.4.1.
type EventType string

const (
	EventThinking    EventType = "thinking"
	EventToolCall    EventType = "tool_call"
	EventToolResult  EventType = "tool_result"
	EventToken       EventType = "token"
	EventScopeChange EventType = "scope_change"
	EventDone        EventType = "done"
	EventError       EventType = "error"
)

// ChatEvent is one item in the streamed event sequence of the chat handler.
type ChatEvent struct {
	Type     EventType      `json:"type"`
	Content  string         `json:"content,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ActiveJob tracks one dispatched coding-agent job for the Agent Pool.
type ActiveJob struct {
	JobName        string    `json:"job_name"`
	AgentType      AgentType `json:"agent_type"`
	TaskID         string    `json:"task_id"`
	ThreadID       string    `json:"thread_id"`
	StartedAt      time.Time `json:"started_at"`
	TimeoutSeconds int       `json:"timeout_seconds"`
}

// Stuck reports whether the job has overrun its timeout by multiplier.
func (j ActiveJob) Stuck(now time.Time, multiplier float64) bool {
	deadline := j.StartedAt.Add(time.Duration(float64(j.TimeoutSeconds) * multiplier) * time.Second)
	return now.After(deadline)
}

// ApprovalRequest is the unified interrupt schema (§9 Open Questions) used
// for both coding-commit approval gates and the ask_user control-flow tool.
type ApprovalRequest struct {
	Type          string   `json:"type"` // "commit" | "push" | "ask_user"
	Action        string   `json:"action,omitempty"`
	Description   string   `json:"description,omitempty"`
	Branch        string   `json:"branch,omitempty"`
	ChangedFiles  []string `json:"changed_files,omitempty"`
	Question      string   `json:"question,omitempty"`
}

// ApprovalResponse is the body of POST /approve/{thread_id}.
type ApprovalResponse struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
	Value    any    `json:"value,omitempty"`
}

const (
	// AskUserTool is the sentinel tool name the chat loop never executes
	// directly — it raises a control-flow interrupt instead.
	AskUserTool = "ask_user"

	// SwitchContextTool signals a memory-affair scope change.
	SwitchContextTool = "switch_context"
)
