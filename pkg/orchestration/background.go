package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// TaskStore persists CodingTask submissions and their terminal GraphState,
// keyed by task ID. Implemented by pkg/extraction or pkg/chatstore
// depending on deployment; background.go only needs the narrow contract.
type TaskStore interface {
	SaveState(ctx context.Context, taskID string, state GraphState) error
}

// QualitySignal reports whether the local router's result looks trustworthy
// enough to skip cloud escalation. A low-confidence or failed local attempt
// is the trigger condition for escalating per spec.md §4.4.2.
type QualitySignal struct {
	LocalSucceeded bool
	LowConfidence  bool
}

// ShouldEscalate decides whether a background task should retry on a cloud
// tier after a local attempt, gated by both the quality signal and the
// project's enabled cloud tiers.
func ShouldEscalate(signal QualitySignal, rules ProjectRules) bool {
	if !rules.AnyCloudEnabled() {
		return false
	}
	return !signal.LocalSucceeded || signal.LowConfidence
}

// CloudClientFactory constructs a CloudClient for a tier on demand, so
// BackgroundHandler doesn't hold credentials for tiers a given task never
// uses.
type CloudClientFactory func(ctx context.Context, tier CloudTier) (*CloudClient, error)

// BackgroundHandler drives the non-streaming side of the agentic loop used
// for dispatched coding-agent tasks: plan the task into goals/steps, run
// each step locally, evaluate the accumulated result, escalate to a cloud
// tier on an unacceptable local outcome if the project's rules allow it,
// persist the terminal state, and suspend via ApprovalGate at any approval
// gate the rules require.
type BackgroundHandler struct {
	LocalLLM   LLMClient
	CloudTier  CloudClientFactory
	Tools      ToolExecutor
	Memory     MemoryAgent
	Store      TaskStore
	Approvals  *ApprovalGate
	Planner    *Planner
	LoopConfig LoopConfig
}

// NewBackgroundHandler wires the dependencies for background dispatch.
func NewBackgroundHandler(localLLM LLMClient, cloudTier CloudClientFactory, tools ToolExecutor, memory MemoryAgent, store TaskStore, approvals *ApprovalGate, cfg LoopConfig) *BackgroundHandler {
	cfg.PriorityHeader = "NORMAL"
	return &BackgroundHandler{
		LocalLLM: localLLM, CloudTier: cloudTier, Tools: tools, Memory: memory,
		Store: store, Approvals: approvals, Planner: NewPlanner(localLLM), LoopConfig: cfg,
	}
}

// Run executes one CodingTask to completion (or suspension). It does not
// stream; callers poll task/thread state via the approval and task stores.
func (b *BackgroundHandler) Run(ctx context.Context, task CodingTask) (*GraphState, error) {
	state := GraphState{Task: task, Rules: task.Rules}

	goals, perr := b.Planner.Plan(ctx, task)
	if perr != nil {
		slog.Warn("planning failed, executing the fallback goal", "task_id", task.ID, "error", perr)
	}
	state.Goals = goals

	// ask_user cannot block a background run on a human, so it is excluded
	// from the tool schema the background LLM sees (spec decision: "the tool
	// must be absent from the background tool set").
	toolDefs := excludeAskUser(mergeToolDefs(ctx, b.Tools, b.Memory))
	exec := &mergedExecutor{primary: b.Tools, memory: b.Memory}

	var changedFiles []string
	var interrupt *AskUserInterrupt

stepLoop:
	for gi, goal := range goals {
		state.CurrentGoalIndex = gi
		for si, step := range goal.Steps {
			state.CurrentStepIndex = si

			messages := append(append([]ConversationMessage{}, task.ChatHistory...),
				ConversationMessage{Role: "user", Content: step.Instructions})
			result, runErr, _ := b.runOnce(ctx, b.LocalLLM, messages, toolDefs, exec, task)

			stepResult := StepResult{StepIndex: si}
			if runErr != nil {
				if errors.As(runErr, &interrupt) {
					break stepLoop
				}
				stepResult.Error = runErr.Error()
			} else {
				stepResult.Success = true
				stepResult.Output = result.FinalAnswer
			}
			state.StepResults = append(state.StepResults, stepResult)
			changedFiles = append(changedFiles, step.Files...)

			if runErr != nil {
				break stepLoop
			}
		}
	}

	if interrupt != nil {
		// The model hallucinated ask_user despite its absence from the
		// schema. Background cannot block on a human, so this is a
		// terminal failure, not a suspension: the caller resubmits via
		// chat where ask_user is actually available.
		state.Error = fmt.Sprintf("needs human input, resubmit via chat: %s", interrupt.Question)
		state.FinalResult = "I could not finish this in the background because I need more information from you. Please ask in chat: " + interrupt.Question
		if serr := b.Store.SaveState(ctx, task.ID, state); serr != nil {
			slog.Warn("failed to persist failed task state", "task_id", task.ID, "error", serr)
		}
		return &state, interrupt
	}

	eval := Evaluate(state.StepResults, changedFiles, task.Rules)
	state.Evaluation = &eval

	signal := QualitySignal{LocalSucceeded: eval.Acceptable}
	if !eval.Acceptable && ShouldEscalate(signal, task.Rules) {
		b.escalate(ctx, task, toolDefs, exec, &state, &eval)
	}

	if !eval.Acceptable {
		state.Error = "evaluation rejected the result: " + summarizeFailedChecks(eval)
	}
	state.FinalResult = lastStepOutput(state.StepResults)

	if err := b.Store.SaveState(ctx, task.ID, state); err != nil {
		slog.Warn("failed to persist task state", "task_id", task.ID, "error", err)
	}
	if !eval.Acceptable {
		return &state, fmt.Errorf("task %s failed evaluation: %s", task.ID, summarizeFailedChecks(eval))
	}
	return &state, nil
}

// escalate retries the whole task on a cloud tier when the local run's
// Evaluation came back unacceptable, replacing state's step results and
// Evaluation with the cloud attempt's outcome on success.
func (b *BackgroundHandler) escalate(ctx context.Context, task CodingTask, toolDefs []ToolDefinition, exec ToolExecutor, state *GraphState, eval *Evaluation) {
	tier, ok := SelectTier(task.Rules)
	if !ok {
		return
	}
	slog.Info("escalating background task to cloud tier", "task_id", task.ID, "tier", tier)
	cloud, cerr := b.CloudTier(ctx, tier)
	if cerr != nil {
		slog.Warn("cloud tier unavailable, keeping local result", "task_id", task.ID, "tier", tier, "error", cerr)
		return
	}

	messages := append(append([]ConversationMessage{}, task.ChatHistory...),
		ConversationMessage{Role: "user", Content: task.Query})
	cloudResult, cloudErr, _ := b.runOnce(ctx, cloud, messages, toolDefs, exec, task)
	if cloudErr != nil {
		slog.Warn("cloud escalation failed, keeping local result", "task_id", task.ID, "tier", tier, "error", cloudErr)
		return
	}

	cloudStepResult := StepResult{Success: true, Output: cloudResult.FinalAnswer}
	state.StepResults = append(state.StepResults, cloudStepResult)
	*eval = Evaluation{Checks: []Check{{Name: "cloud_escalation:" + string(tier), Passed: true}}, Acceptable: true}
}

func summarizeFailedChecks(eval Evaluation) string {
	var reasons []string
	for _, c := range eval.Checks {
		if !c.Passed {
			reasons = append(reasons, c.Name)
		}
	}
	return strings.Join(reasons, ", ")
}

func lastStepOutput(results []StepResult) string {
	for i := len(results) - 1; i >= 0; i-- {
		if results[i].Success {
			return results[i].Output
		}
	}
	return ""
}

func excludeAskUser(defs []ToolDefinition) []ToolDefinition {
	filtered := make([]ToolDefinition, 0, len(defs))
	for _, d := range defs {
		if d.Name == AskUserTool {
			continue
		}
		filtered = append(filtered, d)
	}
	return filtered
}

func (b *BackgroundHandler) runOnce(ctx context.Context, llm LLMClient, messages []ConversationMessage, toolDefs []ToolDefinition, exec ToolExecutor, task CodingTask) (*LoopResult, error, QualitySignal) {
	loop := NewLoop(llm, exec, toolDefs, b.LoopConfig, task.ClientID, task.ProjectID)
	result, err := loop.Run(ctx, messages, nil)

	signal := QualitySignal{LocalSucceeded: err == nil}
	if err == nil {
		signal.LowConfidence = result.MaxIterations
	}
	return result, err, signal
}

// ResumeFromApproval continues a suspended background run after a human
// answers an ask_user interrupt or approves/denies a gated action. It
// satisfies the Resumer signature the ApprovalGate calls through, and
// re-enters the tool loop with the human's reply appended as a user turn
// rather than replaying the whole task from scratch.
func (b *BackgroundHandler) ResumeFromApproval(ctx context.Context, state GraphState, resp ApprovalResponse) (GraphState, error) {
	task := state.Task
	reply := resp.Reason
	if resp.Value != nil {
		reply = fmt.Sprint(resp.Value)
	}
	messages := append(append([]ConversationMessage{}, task.ChatHistory...),
		ConversationMessage{Role: "user", Content: task.Query},
		ConversationMessage{Role: "user", Content: reply})

	toolDefs := excludeAskUser(mergeToolDefs(ctx, b.Tools, b.Memory))
	exec := &mergedExecutor{primary: b.Tools, memory: b.Memory}

	result, runErr, _ := b.runOnce(ctx, b.LocalLLM, messages, toolDefs, exec, task)
	if runErr != nil {
		state.Error = runErr.Error()
		if serr := b.Store.SaveState(ctx, task.ID, state); serr != nil {
			slog.Warn("failed to persist resumed task state", "task_id", task.ID, "error", serr)
		}
		return state, runErr
	}

	state.FinalResult = result.FinalAnswer
	state.Error = ""
	if err := b.Store.SaveState(ctx, task.ID, state); err != nil {
		slog.Warn("failed to persist resumed task state", "task_id", task.ID, "error", err)
	}
	return state, nil
}
