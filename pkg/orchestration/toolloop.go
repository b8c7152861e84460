package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// LLMClient is the narrow interface the tool loop needs from an inference
// backend. Implemented by a client over pkg/router (local Ollama-compatible
// models) and, for background escalation, by the cloud tier clients in
// escalation.go.
type LLMClient interface {
	// Chat sends the conversation with the given tool schema (nil/empty
	// disables tool calling) and returns the assistant's reply plus any
	// tool calls it emitted.
	Chat(ctx context.Context, messages []ConversationMessage, tools []ToolDefinition, priority string) (*LLMReply, error)
}

// LLMReply is one assistant turn returned by an LLMClient.
type LLMReply struct {
	Content   string
	ToolCalls []ToolCall
}

// LoopConfig bounds one tool-loop run.
type LoopConfig struct {
	MaxIterations      int
	ToolExecTimeout    int // seconds, per tool call
	MaxToolResultChars int
	PriorityHeader     string // "CRITICAL" or "NORMAL"
}

// AskUserInterrupt is raised (not returned as an error-shaped ToolResult)
// when the loop encounters the ask_user tool. Modeled as a Go error value
// per spec.md §9's "control signal, not an error" guidance — callers use
// errors.As to recover it and branch into the approval flow rather than
// treating it as loop failure.
type AskUserInterrupt struct {
	Question string
}

func (e *AskUserInterrupt) Error() string {
	return fmt.Sprintf("ask_user interrupt: %s", e.Question)
}

// ScopeChange describes a detected client/project scope switch mid-loop.
type ScopeChange struct {
	ClientID   string
	ClientName string
	ProjectID  string
	ProjectName string
}

// LoopResult is the outcome of running the shared agentic loop to completion.
type LoopResult struct {
	FinalAnswer    string
	Messages       []ConversationMessage
	Iterations     int
	MaxIterations  bool
	Interrupted    bool
	ScopeChanges   []ScopeChange
	ToolCallEvents []ChatEvent // ordered thinking/tool_call/tool_result events, for streaming callers
}

// toolSignature is the canonical (name, sorted_args_json) signature used
// for consecutive-call loop detection.
func toolSignature(call ToolCall) string {
	var args map[string]any
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		return call.Name + "|" + call.Arguments
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	sorted := make(map[string]any, len(args))
	for _, k := range keys {
		sorted[k] = args[k]
	}
	b, _ := json.Marshal(sorted)
	return call.Name + "|" + string(b)
}

func signaturesEqual(a, b []ToolCall) bool {
	if len(a) != len(b) {
		return false
	}
	as := make([]string, len(a))
	bs := make([]string, len(b))
	for i := range a {
		as[i] = toolSignature(a[i])
	}
	for i := range b {
		bs[i] = toolSignature(b[i])
	}
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// ParseToolCalls validates and normalizes an LLM reply's tool calls. When the
// reply carries none natively, it falls back to parsing a JSON object of the
// shape {"tool_calls":[...]} out of the content, which some local models emit
// instead of native tool_calls (spec.md §4.4.1). Malformed entries are dropped
// rather than aborting the loop.
func ParseToolCalls(reply *LLMReply) []ToolCall {
	if len(reply.ToolCalls) > 0 {
		return validateToolCalls(reply.ToolCalls)
	}

	trimmed := strings.TrimSpace(reply.Content)
	if !strings.HasPrefix(trimmed, "{") {
		return nil
	}

	var fallback struct {
		ToolCalls []struct {
			ID       string `json:"id"`
			Function struct {
				Name      string          `json:"name"`
				Arguments json.RawMessage `json:"arguments"`
			} `json:"function"`
		} `json:"tool_calls"`
	}
	if err := json.Unmarshal([]byte(trimmed), &fallback); err != nil {
		return nil
	}

	calls := make([]ToolCall, 0, len(fallback.ToolCalls))
	for _, c := range fallback.ToolCalls {
		if c.Function.Name == "" {
			continue
		}
		calls = append(calls, ToolCall{
			ID:        c.ID,
			Name:      c.Function.Name,
			Arguments: string(c.Function.Arguments),
		})
	}
	return validateToolCalls(calls)
}

// validateToolCalls drops entries whose arguments are not valid JSON; the
// dispatcher needs a decodable object to extract parameters.
func validateToolCalls(calls []ToolCall) []ToolCall {
	valid := make([]ToolCall, 0, len(calls))
	for _, c := range calls {
		if c.Name == "" {
			continue
		}
		if c.Arguments == "" {
			c.Arguments = "{}"
		}
		var probe map[string]any
		if err := json.Unmarshal([]byte(c.Arguments), &probe); err != nil {
			slog.Warn("dropping tool call with undecodable arguments", "tool", c.Name, "error", err)
			continue
		}
		valid = append(valid, c)
	}
	return valid
}

// TruncateToolResult clamps a tool result string to maxChars, preserving
// head and tail around a marker, per spec.md §8's boundary behavior
// (length == max is unchanged; length == max+1 is truncated with both
// head and tail preserved).
func TruncateToolResult(content string, maxChars int) string {
	if len(content) <= maxChars {
		return content
	}
	const marker = "\n...TRUNCATED...\n"
	headLen := (maxChars - len(marker)) / 2
	tailLen := maxChars - len(marker) - headLen
	if headLen < 0 {
		headLen = 0
	}
	if tailLen < 0 {
		tailLen = 0
	}
	return content[:headLen] + marker + content[len(content)-tailLen:]
}

// thinkingPhrase picks a human-readable phrase for a tool name, emitted as
// the "thinking" event before a tool_call event.
func thinkingPhrase(toolName string) string {
	switch {
	case strings.Contains(toolName, "search"):
		return "Searching for relevant context..."
	case strings.Contains(toolName, SwitchContextTool):
		return "Switching conversation context..."
	case strings.Contains(toolName, "kb") || strings.Contains(toolName, "memory"):
		return "Consulting memory..."
	default:
		return fmt.Sprintf("Calling %s...", toolName)
	}
}

// DetectScopeChange inspects a tool call's arguments for client_id/project_id
// fields that differ from the loop's current scope.
func DetectScopeChange(call ToolCall, currentClientID, currentProjectID string) *ScopeChange {
	var args struct {
		ClientID    string `json:"client_id"`
		ClientName  string `json:"client_name"`
		ProjectID   string `json:"project_id"`
		ProjectName string `json:"project_name"`
	}
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		return nil
	}
	if call.Name != SwitchContextTool &&
		(args.ClientID == "" || args.ClientID == currentClientID) &&
		(args.ProjectID == "" || args.ProjectID == currentProjectID) {
		return nil
	}
	if args.ClientID == "" && args.ProjectID == "" {
		return nil
	}
	return &ScopeChange{
		ClientID:    args.ClientID,
		ClientName:  args.ClientName,
		ProjectID:   args.ProjectID,
		ProjectName: args.ProjectName,
	}
}

// Loop runs the shared agentic tool-call iteration shared by the chat and
// background handlers. It generalizes the teacher's iterating controller
// (build messages → call LLM with tools → detect tool calls → execute each
// → append → repeat until no tool calls or iteration budget is exhausted →
// forced conclusion without tools) from native gRPC function calling to an
// HTTP chat-completions tool-call contract, and adds loop-signature
// detection and the ask_user control-flow interrupt.
type Loop struct {
	LLM      LLMClient
	Tools    ToolExecutor
	ToolDefs []ToolDefinition
	Cfg      LoopConfig

	currentClientID  string
	currentProjectID string
}

// NewLoop constructs a Loop bound to one LLM client and tool executor.
func NewLoop(llm LLMClient, tools ToolExecutor, toolDefs []ToolDefinition, cfg LoopConfig, clientID, projectID string) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 15
	}
	if cfg.MaxToolResultChars <= 0 {
		cfg.MaxToolResultChars = 8000
	}
	if cfg.PriorityHeader == "" {
		cfg.PriorityHeader = "CRITICAL"
	}
	return &Loop{
		LLM: llm, Tools: tools, ToolDefs: toolDefs, Cfg: cfg,
		currentClientID: clientID, currentProjectID: projectID,
	}
}

// isCancelled checks ctx without blocking.
func isCancelled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// Run executes the loop against the given message history. emit, if
// non-nil, is invoked for every event in order (used by the chat handler to
// stream SSE; the background handler passes nil and reads LoopResult).
func (l *Loop) Run(ctx context.Context, messages []ConversationMessage, emit func(ChatEvent)) (*LoopResult, error) {
	if emit == nil {
		emit = func(ChatEvent) {}
	}

	result := &LoopResult{Messages: messages}
	var prevCalls []ToolCall

	for iter := 0; iter < l.Cfg.MaxIterations; iter++ {
		result.Iterations = iter + 1

		if isCancelled(ctx) {
			result.Interrupted = true
			result.FinalAnswer = fmt.Sprintf("[Interrupted after %d ops]", iter)
			emit(ChatEvent{Type: EventDone, Metadata: map[string]any{"interrupted": true}})
			return result, nil
		}

		reply, err := l.LLM.Chat(ctx, messages, l.ToolDefs, l.Cfg.PriorityHeader)
		if err != nil {
			return result, fmt.Errorf("llm call failed on iteration %d: %w", iter, err)
		}

		calls := ParseToolCalls(reply)

		if len(calls) == 0 {
			result.FinalAnswer = reply.Content
			messages = append(messages, ConversationMessage{Role: "assistant", Content: reply.Content})
			result.Messages = messages
			emit(ChatEvent{Type: EventDone})
			return result, nil
		}

		if signaturesEqual(prevCalls, calls) {
			slog.Warn("tool loop detected, forcing textual answer", "iteration", iter)
			messages = append(messages, ConversationMessage{
				Role:    "system",
				Content: "STOP — you're repeating the same tool call. Answer the user directly without calling any more tools.",
			})
			forced, err := l.LLM.Chat(ctx, messages, nil, l.Cfg.PriorityHeader)
			if err != nil {
				return result, fmt.Errorf("forced conclusion after loop detection failed: %w", err)
			}
			result.FinalAnswer = forced.Content
			messages = append(messages, ConversationMessage{Role: "assistant", Content: forced.Content})
			result.Messages = messages
			emit(ChatEvent{Type: EventDone})
			return result, nil
		}
		prevCalls = calls

		messages = append(messages, ConversationMessage{Role: "assistant", Content: reply.Content, ToolCalls: calls})

		for _, call := range calls {
			if call.Name == AskUserTool {
				var q struct {
					Question string `json:"question"`
				}
				_ = json.Unmarshal([]byte(call.Arguments), &q)
				result.Messages = messages
				return result, &AskUserInterrupt{Question: q.Question}
			}

			emit(ChatEvent{Type: EventThinking, Content: thinkingPhrase(call.Name)})
			emit(ChatEvent{Type: EventToolCall, Metadata: map[string]any{"tool": call.Name, "args": call.Arguments}})

			toolCtx := ctx
			var cancel context.CancelFunc
			if l.Cfg.ToolExecTimeout > 0 {
				toolCtx, cancel = context.WithTimeout(ctx, time.Duration(l.Cfg.ToolExecTimeout)*time.Second)
			}
			toolResult, err := l.Tools.Execute(toolCtx, call)
			if cancel != nil {
				cancel()
			}
			if err != nil {
				toolResult = &ToolResult{CallID: call.ID, Name: call.Name, Content: err.Error(), IsError: true}
			}
			toolResult.Content = TruncateToolResult(toolResult.Content, l.Cfg.MaxToolResultChars)

			messages = append(messages, ConversationMessage{
				Role:       "tool",
				Content:    toolResult.Content,
				ToolCallID: call.ID,
			})
			emit(ChatEvent{Type: EventToolResult, Metadata: map[string]any{"tool": call.Name, "is_error": toolResult.IsError}})

			if sc := DetectScopeChange(call, l.currentClientID, l.currentProjectID); sc != nil {
				l.currentClientID = sc.ClientID
				l.currentProjectID = sc.ProjectID
				result.ScopeChanges = append(result.ScopeChanges, *sc)
				emit(ChatEvent{Type: EventScopeChange, Metadata: map[string]any{
					"clientId": sc.ClientID, "clientName": sc.ClientName,
					"projectId": sc.ProjectID, "projectName": sc.ProjectName,
				}})
			}
		}
	}

	// Iteration budget exhausted: one forced conclusion call without tools.
	forced, err := l.LLM.Chat(ctx, messages, nil, l.Cfg.PriorityHeader)
	if err != nil {
		return result, fmt.Errorf("forced conclusion at max iterations failed: %w", err)
	}
	result.FinalAnswer = forced.Content
	result.MaxIterations = true
	messages = append(messages, ConversationMessage{Role: "assistant", Content: forced.Content})
	result.Messages = messages
	emit(ChatEvent{Type: EventDone, Metadata: map[string]any{"max_iterations": true}})
	return result, nil
}
