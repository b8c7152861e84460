package orchestration

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
)

// CloudTier identifies one escalation-eligible cloud provider.
type CloudTier string

const (
	TierAnthropic CloudTier = "anthropic"
	TierBedrock   CloudTier = "bedrock"
	TierGemini    CloudTier = "gemini"
)

// EscalationConfig names the concrete model per cloud tier and the API
// credentials needed to reach it.
type EscalationConfig struct {
	AnthropicAPIKey  string
	AnthropicModel   string
	BedrockModelARN  string
	BedrockRegion    string
	GeminiAPIKey     string
	GeminiModel      string
}

// SelectTier picks the first cloud tier the project's rules permit, in a
// fixed preference order (Anthropic, then Bedrock/Gemini as configured
// cloud-vendor fallbacks). Returns false if no tier is enabled — the
// background handler then stays on the local router.
func SelectTier(rules ProjectRules) (CloudTier, bool) {
	switch {
	case rules.AutoUseAnthropic:
		return TierAnthropic, true
	case rules.AutoUseOpenAI:
		// No OpenAI SDK is wired into this build; Bedrock's Claude/Titan
		// models serve as the configured stand-in cloud tier.
		return TierBedrock, true
	case rules.AutoUseGemini:
		return TierGemini, true
	default:
		return "", false
	}
}

// CloudClient adapts a cloud tier's native SDK to the LLMClient interface so
// the same Loop.Run used for local routing also drives escalated calls.
type CloudClient struct {
	tier   CloudTier
	cfg    EscalationConfig
	anthro anthropic.Client
	brt    *bedrockruntime.Client
	gemini llms.Model
}

// NewCloudClient constructs the SDK client(s) for one tier. ctx is used only
// for AWS credential resolution (Bedrock).
func NewCloudClient(ctx context.Context, tier CloudTier, cfg EscalationConfig) (*CloudClient, error) {
	c := &CloudClient{tier: tier, cfg: cfg}

	switch tier {
	case TierAnthropic:
		c.anthro = anthropic.NewClient(option.WithAPIKey(cfg.AnthropicAPIKey))
	case TierBedrock:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.BedrockRegion))
		if err != nil {
			return nil, fmt.Errorf("loading AWS config for bedrock escalation: %w", err)
		}
		c.brt = bedrockruntime.NewFromConfig(awsCfg)
	case TierGemini:
		model, err := googleai.New(ctx, googleai.WithAPIKey(cfg.GeminiAPIKey), googleai.WithDefaultModel(cfg.GeminiModel))
		if err != nil {
			return nil, fmt.Errorf("constructing gemini client for escalation: %w", err)
		}
		c.gemini = model
	default:
		return nil, fmt.Errorf("unknown cloud tier %q", tier)
	}
	return c, nil
}

// Chat implements LLMClient by delegating to the tier's native SDK. Tool
// schemas are passed through so the same Loop drives both local and cloud
// inference uniformly.
func (c *CloudClient) Chat(ctx context.Context, messages []ConversationMessage, tools []ToolDefinition, priority string) (*LLMReply, error) {
	switch c.tier {
	case TierAnthropic:
		return c.chatAnthropic(ctx, messages, tools)
	case TierBedrock:
		return c.chatBedrock(ctx, messages, tools)
	case TierGemini:
		return c.chatGemini(ctx, messages, tools)
	default:
		return nil, fmt.Errorf("cloud client has no tier configured")
	}
}

func (c *CloudClient) chatAnthropic(ctx context.Context, messages []ConversationMessage, tools []ToolDefinition) (*LLMReply, error) {
	msgs := make([]anthropic.MessageParam, 0, len(messages))
	var system string
	for _, m := range messages {
		switch m.Role {
		case "system":
			system += m.Content + "\n"
		case "tool":
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		case "assistant":
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	toolParams := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		toolParams = append(toolParams, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
			},
		})
	}

	resp, err := c.anthro.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.cfg.AnthropicModel),
		MaxTokens: 4096,
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages:  msgs,
		Tools:     toolParams,
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic escalation call failed: %w", err)
	}

	reply := &LLMReply{}
	for _, block := range resp.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			reply.Content += b.Text
		case anthropic.ToolUseBlock:
			reply.ToolCalls = append(reply.ToolCalls, ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: string(b.Input),
			})
		}
	}
	return reply, nil
}

func (c *CloudClient) chatBedrock(ctx context.Context, messages []ConversationMessage, tools []ToolDefinition) (*LLMReply, error) {
	body, err := bedrockConverseBody(messages, tools)
	if err != nil {
		return nil, fmt.Errorf("encoding bedrock converse request: %w", err)
	}

	out, err := c.brt.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(c.cfg.BedrockModelARN),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock escalation call failed: %w", err)
	}
	return parseBedrockReply(out.Body)
}

func (c *CloudClient) chatGemini(ctx context.Context, messages []ConversationMessage, tools []ToolDefinition) (*LLMReply, error) {
	parts := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		role := llms.ChatMessageTypeHuman
		switch m.Role {
		case "system":
			role = llms.ChatMessageTypeSystem
		case "assistant":
			role = llms.ChatMessageTypeAI
		case "tool":
			role = llms.ChatMessageTypeTool
		}
		parts = append(parts, llms.TextParts(role, m.Content))
	}

	resp, err := c.gemini.GenerateContent(ctx, parts)
	if err != nil {
		return nil, fmt.Errorf("gemini escalation call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return &LLMReply{}, nil
	}
	return &LLMReply{Content: resp.Choices[0].Content}, nil
}
