package orchestration

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedLLM struct {
	replies []*LLMReply
	calls   int
}

func (s *scriptedLLM) Chat(ctx context.Context, messages []ConversationMessage, tools []ToolDefinition, priority string) (*LLMReply, error) {
	if s.calls >= len(s.replies) {
		return &LLMReply{Content: "done"}, nil
	}
	r := s.replies[s.calls]
	s.calls++
	return r, nil
}

type scriptedTools struct {
	results map[string]*ToolResult
}

func (t *scriptedTools) Execute(ctx context.Context, call ToolCall) (*ToolResult, error) {
	if r, ok := t.results[call.Name]; ok {
		return r, nil
	}
	return &ToolResult{CallID: call.ID, Name: call.Name, Content: "ok"}, nil
}

func (t *scriptedTools) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	return nil, nil
}

func TestLoop_Run_ReturnsFinalAnswerWhenNoToolCalls(t *testing.T) {
	llm := &scriptedLLM{replies: []*LLMReply{{Content: "the answer"}}}
	loop := NewLoop(llm, &scriptedTools{}, nil, LoopConfig{}, "client-1", "project-1")

	result, err := loop.Run(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "the answer", result.FinalAnswer)
	assert.Equal(t, 1, result.Iterations)
	assert.False(t, result.MaxIterations)
}

func TestLoop_Run_ExecutesToolCallsThenConcludes(t *testing.T) {
	llm := &scriptedLLM{replies: []*LLMReply{
		{ToolCalls: []ToolCall{{ID: "c1", Name: "search", Arguments: `{"q":"x"}`}}},
		{Content: "final answer"},
	}}
	tools := &scriptedTools{results: map[string]*ToolResult{"search": {Content: "search hit"}}}
	loop := NewLoop(llm, tools, nil, LoopConfig{}, "client-1", "project-1")

	result, err := loop.Run(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "final answer", result.FinalAnswer)

	var toolMsg *ConversationMessage
	for i := range result.Messages {
		if result.Messages[i].Role == "tool" {
			toolMsg = &result.Messages[i]
		}
	}
	require.NotNil(t, toolMsg)
	assert.Equal(t, "search hit", toolMsg.Content)
}

func TestLoop_Run_DetectsRepeatedToolCallAndForcesTextualAnswer(t *testing.T) {
	repeated := []ToolCall{{ID: "c1", Name: "search", Arguments: `{"q":"x"}`}}
	llm := &scriptedLLM{replies: []*LLMReply{
		{ToolCalls: repeated},
		{ToolCalls: repeated},
		{Content: "forced answer"},
	}}
	loop := NewLoop(llm, &scriptedTools{}, nil, LoopConfig{}, "client-1", "project-1")

	result, err := loop.Run(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "forced answer", result.FinalAnswer)
	assert.Equal(t, 3, llm.calls)
}

func TestLoop_Run_AskUserRaisesInterrupt(t *testing.T) {
	llm := &scriptedLLM{replies: []*LLMReply{
		{ToolCalls: []ToolCall{{ID: "c1", Name: AskUserTool, Arguments: `{"question":"which branch?"}`}}},
	}}
	loop := NewLoop(llm, &scriptedTools{}, nil, LoopConfig{}, "client-1", "project-1")

	_, err := loop.Run(context.Background(), nil, nil)
	require.Error(t, err)
	var interrupt *AskUserInterrupt
	require.True(t, errors.As(err, &interrupt))
	assert.Equal(t, "which branch?", interrupt.Question)
}

func TestLoop_Run_ExhaustsMaxIterationsAndForcesConclusion(t *testing.T) {
	call := ToolCall{ID: "c1", Name: "search", Arguments: `{}`}
	llm := &scriptedLLM{replies: []*LLMReply{
		{ToolCalls: []ToolCall{call}},
		{ToolCalls: []ToolCall{{ID: "c2", Name: "search", Arguments: `{"page":2}`}}},
		{Content: "final forced"},
	}}
	loop := NewLoop(llm, &scriptedTools{}, nil, LoopConfig{MaxIterations: 2}, "client-1", "project-1")

	result, err := loop.Run(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.True(t, result.MaxIterations)
	assert.Equal(t, "final forced", result.FinalAnswer)
}

func TestLoop_Run_CancelledContextInterruptsImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	llm := &scriptedLLM{replies: []*LLMReply{{Content: "never reached"}}}
	loop := NewLoop(llm, &scriptedTools{}, nil, LoopConfig{}, "client-1", "project-1")

	result, err := loop.Run(ctx, nil, nil)
	require.NoError(t, err)
	assert.True(t, result.Interrupted)
	assert.Equal(t, 0, llm.calls)
}

func TestTruncateToolResult_BoundaryBehavior(t *testing.T) {
	content := "0123456789"
	assert.Equal(t, content, TruncateToolResult(content, 10), "length == max is unchanged")

	truncated := TruncateToolResult(content+"A", 10)
	assert.NotEqual(t, content+"A", truncated)
	assert.Contains(t, truncated, "TRUNCATED")
}

func TestParseToolCalls_FallsBackToJSONContentWhenNoNativeCalls(t *testing.T) {
	reply := &LLMReply{Content: `{"tool_calls":[{"id":"c1","function":{"name":"search","arguments":{"q":"x"}}}]}`}
	calls := ParseToolCalls(reply)
	require.Len(t, calls, 1)
	assert.Equal(t, "search", calls[0].Name)
}

func TestParseToolCalls_DropsCallsWithUndecodableArguments(t *testing.T) {
	reply := &LLMReply{ToolCalls: []ToolCall{
		{ID: "c1", Name: "search", Arguments: "not json"},
		{ID: "c2", Name: "valid", Arguments: `{"ok":true}`},
	}}
	calls := ParseToolCalls(reply)
	require.Len(t, calls, 1)
	assert.Equal(t, "valid", calls[0].Name)
}

func TestDetectScopeChange_NoChangeReturnsNil(t *testing.T) {
	call := ToolCall{Name: "search", Arguments: `{"client_id":"c1","project_id":"p1"}`}
	assert.Nil(t, DetectScopeChange(call, "c1", "p1"))
}

func TestDetectScopeChange_DifferentClientReturnsChange(t *testing.T) {
	call := ToolCall{Name: "search", Arguments: `{"client_id":"c2","project_id":"p1"}`}
	sc := DetectScopeChange(call, "c1", "p1")
	require.NotNil(t, sc)
	assert.Equal(t, "c2", sc.ClientID)
}
