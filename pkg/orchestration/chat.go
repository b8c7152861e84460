package orchestration

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ChatHistory persists and replays conversation turns for a thread.
// Implemented by pkg/chatstore against MongoDB (spec.md §6.4).
type ChatHistory interface {
	Append(ctx context.Context, threadID string, msg ConversationMessage) error
	Recent(ctx context.Context, threadID string, limit int) ([]ConversationMessage, error)
}

// MemoryAgent is the per-orchestration façade over the two-tier memory
// substrate (pkg/memory): it supplies ask_user/switch_context-aware tool
// definitions and records outcomes back into the Local Quick Memory /
// durable KB.
type MemoryAgent interface {
	ToolDefinitions() []ToolDefinition
	Execute(ctx context.Context, call ToolCall) (*ToolResult, error)
	RecordTurn(ctx context.Context, clientID, projectID string, msg ConversationMessage)
}

// ChatRequest is the body of POST /chat (spec.md §6.1).
type ChatRequest struct {
	ThreadID  string `json:"thread_id" binding:"required"`
	ClientID  string `json:"client_id"`
	ProjectID string `json:"project_id"`
	Message   string `json:"message" binding:"required"`
}

// ChatHandler drives the foreground, streaming side of the agentic chat
// loop: assemble history, merge memory-agent and MCP tool schemas, run the
// shared Loop with an SSE-emitting callback, and persist the resulting
// turns. Cloud escalation never applies here — the foreground path always
// stays on the local router for latency (spec.md §4.4.1).
type ChatHandler struct {
	LLM        LLMClient
	Tools      ToolExecutor
	Memory     MemoryAgent
	History    ChatHistory
	Approvals  *ApprovalGate
	LoopConfig LoopConfig
}

// NewChatHandler wires the dependencies for the foreground chat endpoint.
func NewChatHandler(llm LLMClient, tools ToolExecutor, memory MemoryAgent, history ChatHistory, approvals *ApprovalGate, cfg LoopConfig) *ChatHandler {
	cfg.PriorityHeader = "CRITICAL"
	return &ChatHandler{LLM: llm, Tools: tools, Memory: memory, History: history, Approvals: approvals, LoopConfig: cfg}
}

// ServeHTTP implements the gin handler for POST /chat.
func (h *ChatHandler) ServeHTTP(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()

	history, err := h.History.Recent(ctx, req.ThreadID, 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("loading history: %s", err)})
		return
	}

	userMsg := ConversationMessage{Role: "user", Content: req.Message}
	messages := append(history, userMsg)

	toolDefs := mergeToolDefs(ctx, h.Tools, h.Memory)
	exec := &mergedExecutor{primary: h.Tools, memory: h.Memory}

	loop := NewLoop(h.LLM, exec, toolDefs, h.LoopConfig, req.ClientID, req.ProjectID)

	sse := NewSSEWriter(c)
	result, err := loop.Run(ctx, messages, sse.EmitFunc())

	var interrupt *AskUserInterrupt
	if err != nil && !errors.As(err, &interrupt) {
		sse.Write(ChatEvent{Type: EventError, Content: err.Error()})
		return
	}

	if err := h.History.Append(ctx, req.ThreadID, userMsg); err != nil {
		sse.Write(ChatEvent{Type: EventError, Content: fmt.Sprintf("failed to persist user turn: %s", err)})
	}

	if interrupt != nil {
		approvalReq := ApprovalRequest{Type: "ask_user", Question: interrupt.Question}
		state := GraphState{Task: CodingTask{ClientID: req.ClientID, ProjectID: req.ProjectID}}
		if serr := h.Approvals.Suspend(ctx, req.ThreadID, state, approvalReq); serr != nil {
			sse.Write(ChatEvent{Type: EventError, Content: serr.Error()})
			return
		}
		sse.Write(ChatEvent{Type: EventDone, Metadata: map[string]any{"ask_user": interrupt.Question}})
		return
	}

	if result.FinalAnswer != "" {
		if err := h.History.Append(ctx, req.ThreadID, ConversationMessage{Role: "assistant", Content: result.FinalAnswer}); err != nil {
			sse.Write(ChatEvent{Type: EventError, Content: fmt.Sprintf("failed to persist assistant turn: %s", err)})
		}
	}

	h.Memory.RecordTurn(ctx, req.ClientID, req.ProjectID, userMsg)
}

func mergeToolDefs(ctx context.Context, primary ToolExecutor, memory MemoryAgent) []ToolDefinition {
	defs, _ := primary.ListTools(ctx)
	if memory != nil {
		defs = append(defs, memory.ToolDefinitions()...)
	}
	return defs
}

// mergedExecutor dispatches a ToolCall to the memory agent when it owns the
// tool name, otherwise to the primary (MCP) executor.
type mergedExecutor struct {
	primary ToolExecutor
	memory  MemoryAgent
}

func (m *mergedExecutor) Execute(ctx context.Context, call ToolCall) (*ToolResult, error) {
	if m.memory != nil && isMemoryTool(call.Name) {
		return m.memory.Execute(ctx, call)
	}
	return m.primary.Execute(ctx, call)
}

func (m *mergedExecutor) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	return mergeToolDefs(ctx, m.primary, m.memory), nil
}

func isMemoryTool(name string) bool {
	switch name {
	case SwitchContextTool, "search_memory", "record_affair":
		return true
	default:
		return false
	}
}
