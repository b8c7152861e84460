package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/jervis-ai/jervis/pkg/orchestration"
)

// Compile-time check that LLMClient implements orchestration.LLMClient.
var _ orchestration.LLMClient = (*LLMClient)(nil)

// LLMClient adapts the Inference Router into the orchestration engine's
// LLMClient contract: it resolves a model for the call, routes it through
// the same placement/reservation/preemption machinery the public
// /api/chat surface uses, and decodes the resulting ndjson stream into one
// assistant reply. Used for the local (non-escalated) tier of the
// orchestration engine's agentic loop.
type LLMClient struct {
	router *Router
	client ModelClient
	model  string
}

// NewLLMClient constructs an in-process LLMClient bound to model — the
// model the orchestration engine's local tier always targets (spec.md
// §6.5's router.orchestrator_model).
func NewLLMClient(router *Router, client ModelClient, model string) *LLMClient {
	return &LLMClient{router: router, client: client, model: model}
}

type ollamaChatMessage struct {
	Role      string              `json:"role"`
	Content   string              `json:"content"`
	ToolCalls []ollamaToolCallOut `json:"tool_calls,omitempty"`
}

type ollamaToolCallOut struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type ollamaTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Tools    []ollamaTool        `json:"tools,omitempty"`
	Stream   bool                `json:"stream"`
}

type ollamaChatChunk struct {
	Message ollamaChatMessage `json:"message"`
	Done    bool              `json:"done"`
}

// Chat routes one orchestration turn through the router using the
// orchestrator's own session reservation (spec.md §4.4.1 always routes
// foreground chat CRITICAL; priority is accepted from the caller to allow
// the background handler's NORMAL-priority local attempts).
func (c *LLMClient) Chat(ctx context.Context, messages []orchestration.ConversationMessage, tools []orchestration.ToolDefinition, priority string) (*orchestration.LLMReply, error) {
	req := ollamaChatRequest{Model: c.model, Stream: false}
	for _, m := range messages {
		req.Messages = append(req.Messages, ollamaChatMessage{Role: m.Role, Content: m.Content})
	}
	for _, t := range tools {
		var ot ollamaTool
		ot.Type = "function"
		ot.Function.Name = t.Name
		ot.Function.Description = t.Description
		ot.Function.Parameters = json.RawMessage(t.ParametersSchema)
		req.Tools = append(req.Tools, ot)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding chat request: %w", err)
	}

	p := Priority(priority)
	if p != PriorityCritical {
		p = PriorityNormal
	}

	decision, err := c.router.Route(ctx, "/api/chat", body, c.model, p, "")
	if err != nil {
		return nil, fmt.Errorf("routing chat call: %w", err)
	}

	respBody, err := NonStreamProxy(ctx, c.client, decision.Backend, decision.Request)
	failed := err != nil
	c.router.Complete(decision.Backend, decision.Request, failed)
	if err != nil {
		return nil, fmt.Errorf("calling backend %s: %w", decision.Backend.Name, err)
	}

	var chunk ollamaChatChunk
	dec := json.NewDecoder(bytes.NewReader(respBody))
	if err := dec.Decode(&chunk); err != nil {
		return nil, fmt.Errorf("decoding chat response: %w", err)
	}

	reply := &orchestration.LLMReply{Content: chunk.Message.Content}
	for i, tc := range chunk.Message.ToolCalls {
		reply.ToolCalls = append(reply.ToolCalls, orchestration.ToolCall{
			ID:        fmt.Sprintf("call_%d", i),
			Name:      tc.Function.Name,
			Arguments: string(tc.Function.Arguments),
		})
	}
	return reply, nil
}
