package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
)

// Planner decomposes a CodingTask into Goals, each a short sequence of
// Steps, via one LLM call. Grounded on the original orchestrator's plan
// node, which asks the model for the same goals/steps shape before a
// coding task ever reaches an agent.
type Planner struct {
	LLM LLMClient
}

// NewPlanner constructs a Planner bound to the local router client — task
// decomposition is cheap and does not need a cloud tier.
func NewPlanner(llm LLMClient) *Planner {
	return &Planner{LLM: llm}
}

const planSystemPrompt = `You are a task decomposition agent. Break the user's request into one or more goals, each a short sequence of concrete steps.

Rules:
- Each goal should be independently executable by a coding agent.
- Order goals by dependency.
- A purely analytical or advisory request is a single RESPOND step.
- Respond with JSON only, no prose:
{"goals":[{"description":"...","steps":[{"type":"CODE|RESPOND|TRACKER","instructions":"...","files":["optional/path"]}]}]}`

// Plan asks the LLM to decompose task into Goals. Malformed or empty
// output falls back to a single goal wrapping the raw query as one step,
// mirroring the original plan node's "respond" fallback.
func (p *Planner) Plan(ctx context.Context, task CodingTask) ([]Goal, error) {
	messages := []ConversationMessage{
		{Role: "system", Content: planSystemPrompt},
		{Role: "user", Content: task.Query},
	}

	reply, err := p.LLM.Chat(ctx, messages, nil, "NORMAL")
	if err != nil {
		return p.fallback(task), fmt.Errorf("planning call failed, using fallback goal: %w", err)
	}

	goals := parsePlanResponse(reply.Content)
	if len(goals) == 0 {
		return p.fallback(task), nil
	}
	return goals, nil
}

func (p *Planner) fallback(task CodingTask) []Goal {
	stepType := StepCode
	if task.AgentPreference == "" {
		stepType = StepRespond
	}
	return []Goal{{
		Description: task.Query,
		Steps:       []Step{{Type: stepType, Instructions: task.Query}},
	}}
}

func parsePlanResponse(content string) []Goal {
	jsonStr := extractJSONObject(content)
	if jsonStr == "" {
		return nil
	}

	var parsed struct {
		Goals []struct {
			Description string `json:"description"`
			Steps       []struct {
				Type         string   `json:"type"`
				Instructions string   `json:"instructions"`
				Files        []string `json:"files"`
			} `json:"steps"`
		} `json:"goals"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		return nil
	}

	goals := make([]Goal, 0, len(parsed.Goals))
	for _, g := range parsed.Goals {
		steps := make([]Step, 0, len(g.Steps))
		for _, s := range g.Steps {
			stepType := StepType(strings.ToUpper(s.Type))
			switch stepType {
			case StepRespond, StepCode, StepTracker:
			default:
				stepType = StepCode
			}
			steps = append(steps, Step{Type: stepType, Instructions: s.Instructions, Files: s.Files})
		}
		if len(steps) == 0 {
			continue
		}
		goals = append(goals, Goal{Description: g.Description, Steps: steps})
	}
	return goals
}

// extractJSONObject pulls a fenced ```json block out of content if present,
// otherwise assumes the whole (trimmed) content is the JSON object.
func extractJSONObject(content string) string {
	trimmed := strings.TrimSpace(content)
	for _, fence := range []string{"```json", "```"} {
		if idx := strings.Index(trimmed, fence); idx != -1 {
			rest := trimmed[idx+len(fence):]
			if end := strings.Index(rest, "```"); end != -1 {
				return strings.TrimSpace(rest[:end])
			}
		}
	}
	if strings.HasPrefix(trimmed, "{") {
		return trimmed
	}
	return ""
}

// Evaluate judges a goal's accumulated StepResults and changed files
// against ProjectRules. Acceptable iff no failed step, no forbidden-file
// hit, and the changed-file count stays within the project's limit —
// the three checks the original job runner enforced across a failed Job,
// a forbidden path, and an over-broad diff.
func Evaluate(results []StepResult, changedFiles []string, rules ProjectRules) Evaluation {
	var checks []Check

	for _, r := range results {
		if !r.Success {
			checks = append(checks, Check{
				Name:   fmt.Sprintf("step_%d", r.StepIndex),
				Passed: false,
				Reason: r.Error,
			})
		}
	}

	for _, f := range changedFiles {
		if matchesAnyGlob(rules.ForbiddenFileGlobs, f) {
			checks = append(checks, Check{
				Name:   "forbidden_file:" + f,
				Passed: false,
				Reason: "matches a forbidden file glob",
			})
		}
	}

	if rules.MaxChangedFiles > 0 && len(changedFiles) > rules.MaxChangedFiles {
		checks = append(checks, Check{
			Name:   "max_changed_files",
			Passed: false,
			Reason: fmt.Sprintf("%d files changed, limit is %d", len(changedFiles), rules.MaxChangedFiles),
		})
	}

	acceptable := true
	for _, c := range checks {
		if !c.Passed {
			acceptable = false
			break
		}
	}
	if acceptable {
		checks = append(checks, Check{Name: "all_steps", Passed: true})
	}

	return Evaluation{Checks: checks, Acceptable: acceptable}
}

func matchesAnyGlob(globs []string, file string) bool {
	for _, g := range globs {
		if ok, err := path.Match(g, file); err == nil && ok {
			return true
		}
	}
	return false
}
