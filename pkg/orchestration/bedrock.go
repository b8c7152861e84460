package orchestration

import (
	"encoding/json"
	"fmt"
)

// bedrockMessage mirrors the wire shape Bedrock's Anthropic-compatible
// Converse-style invoke body expects: role + content blocks.
type bedrockMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	System           string           `json:"system,omitempty"`
	Messages         []bedrockMessage `json:"messages"`
}

type bedrockResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// bedrockConverseBody encodes the conversation into the invoke-model request
// body for Bedrock's Anthropic-compatible models. Tool schemas aren't
// forwarded here: tool use on the Bedrock tier is limited to models accessed
// through bedrockruntime's raw invoke API, which this build uses in
// text-only escalation mode.
func bedrockConverseBody(messages []ConversationMessage, tools []ToolDefinition) ([]byte, error) {
	req := bedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        4096,
	}
	for _, m := range messages {
		if m.Role == "system" {
			req.System += m.Content + "\n"
			continue
		}
		role := m.Role
		if role == "tool" {
			role = "user"
		}
		req.Messages = append(req.Messages, bedrockMessage{Role: role, Content: m.Content})
	}
	return json.Marshal(req)
}

func parseBedrockReply(body []byte) (*LLMReply, error) {
	var resp bedrockResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding bedrock response: %w", err)
	}
	reply := &LLMReply{}
	for _, c := range resp.Content {
		if c.Type == "text" {
			reply.Content += c.Text
		}
	}
	return reply, nil
}
