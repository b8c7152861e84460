package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jervis-ai/jervis/pkg/orchestration"
)

// Compile-time check that Agent implements orchestration.MemoryAgent.
var _ orchestration.MemoryAgent = (*Agent)(nil)

// Classifier invokes an LLM to decide whether a new user message stays on
// the active affair, switches to a parked one, or opens a new one.
type Classifier interface {
	Classify(ctx context.Context, activeAffair *Affair, parked []Affair, message string) (ContextSwitchDecision, error)
}

// Summarizer produces a park-worthy summary of an affair's recent messages.
type Summarizer interface {
	Summarize(ctx context.Context, affair Affair) (string, error)
}

// Agent is the per-orchestration Memory Agent facade over the process-global
// LQM: load_session, detect_context_switch, switch_context, search, store,
// compose_context, and flush_session, plus the tool-schema/dispatch surface
// the orchestration engine's agentic loop expects from a MemoryAgent.
type Agent struct {
	LQM        *LQM
	KB         *KBClient
	Flusher    *Flusher
	Classifier Classifier
	Summarizer Summarizer

	mu        sync.Mutex
	clientID  string
	projectID string
}

// NewAgent constructs an Agent for one orchestration run.
func NewAgent(lqm *LQM, kb *KBClient, classifier Classifier, summarizer Summarizer) *Agent {
	return &Agent{
		LQM:        lqm,
		KB:         kb,
		Flusher:    NewFlusher(lqm, kb),
		Classifier: classifier,
		Summarizer: summarizer,
	}
}

// LoadSession implements the fast/cold load_session path: LQM first, KB
// query on miss.
func (a *Agent) LoadSession(ctx context.Context, clientID, projectID string) (SessionContext, error) {
	a.mu.Lock()
	a.clientID, a.projectID = clientID, projectID
	a.mu.Unlock()

	active, hasActive := a.LQM.Active(clientID)
	parked := a.LQM.Parked(clientID)
	if hasActive || len(parked) > 0 {
		sc := SessionContext{ParkedAffairs: parked}
		if hasActive {
			sc.ActiveAffair = &active
		}
		return sc, nil
	}

	affairs, err := a.KB.Affairs(ctx, clientID, []AffairStatus{StatusActive, StatusParked})
	if err != nil {
		slog.Warn("memory agent cold load_session failed, starting with empty session", "client_id", clientID, "error", err)
		return SessionContext{}, nil
	}

	var activeAffair *Affair
	var parkedAffairs []Affair
	for i := range affairs {
		if affairs[i].Status == StatusActive && activeAffair == nil {
			a := affairs[i]
			activeAffair = &a
			continue
		}
		parkedAffairs = append(parkedAffairs, affairs[i])
	}
	a.LQM.Populate(clientID, activeAffair, parkedAffairs)

	sc := SessionContext{ActiveAffair: activeAffair, ParkedAffairs: parkedAffairs}
	return sc, nil
}

// DetectContextSwitch invokes the classifier over the current session.
func (a *Agent) DetectContextSwitch(ctx context.Context, clientID, message string, threshold float64) (ContextSwitchDecision, error) {
	active, _ := a.LQM.Active(clientID)
	parked := a.LQM.Parked(clientID)

	if a.Classifier == nil {
		return ContextSwitchDecision{Action: ActionStay, Confidence: 1}, nil
	}

	decision, err := a.Classifier.Classify(ctx, &active, parked, message)
	if err != nil {
		return ContextSwitchDecision{}, fmt.Errorf("classifying context switch: %w", err)
	}
	if decision.Confidence < threshold {
		return ContextSwitchDecision{Action: ActionStay, Confidence: decision.Confidence}, nil
	}
	return decision, nil
}

// SwitchContext parks the current active affair (queuing a CRITICAL
// summarization write) and activates the decided target.
func (a *Agent) SwitchContext(ctx context.Context, clientID, projectID string, decision ContextSwitchDecision) (Affair, error) {
	if active, ok := a.LQM.Active(clientID); ok {
		summary := active.Summary
		if a.Summarizer != nil {
			if s, err := a.Summarizer.Summarize(ctx, active); err != nil {
				slog.Warn("memory agent affair summarization failed, parking with prior summary", "affair_id", active.ID, "error", err)
			} else {
				summary = s
			}
		}
		parked, ok := a.LQM.Park(clientID, summary)
		if ok {
			a.enqueueParkWrite(parked)
		}
	}

	switch decision.Action {
	case ActionSwitch:
		if target, ok := a.LQM.LookupByID(clientID, decision.TargetID); ok {
			a.LQM.Activate(clientID, target)
			return target, nil
		}
		// Not resident; cold-load from KB.
		affairs, err := a.KB.Affairs(ctx, clientID, []AffairStatus{StatusActive, StatusParked})
		if err != nil {
			return Affair{}, fmt.Errorf("loading affair %s from KB: %w", decision.TargetID, err)
		}
		for _, af := range affairs {
			if af.ID == decision.TargetID {
				a.LQM.Activate(clientID, af)
				return af, nil
			}
		}
		return Affair{}, fmt.Errorf("affair %s not found in LQM or KB", decision.TargetID)

	case ActionNewAffair:
		now := time.Now()
		created := Affair{
			ID:        uuid.NewString(),
			Title:     decision.NewTitle,
			Status:    StatusActive,
			KeyFacts:  make(map[string]string),
			ClientID:  clientID,
			ProjectID: projectID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		a.LQM.Activate(clientID, created)
		return created, nil

	default:
		active, _ := a.LQM.Active(clientID)
		return active, nil
	}
}

func (a *Agent) enqueueParkWrite(affair Affair) {
	a.LQM.Enqueue(PendingWrite{
		SourceURN: "affair:" + affair.ID,
		Content:   affair.Summary,
		Kind:      "affair_summary",
		Priority:  WriteCritical,
		CreatedAt: time.Now(),
	})
}

// Search merges write-buffer hits, then cache, then KB, per spec's search
// tier order.
func (a *Agent) Search(ctx context.Context, clientID, query string) ([]SearchResult, error) {
	normalized := strings.ToLower(strings.TrimSpace(query))

	results := a.LQM.SearchBuffer(normalized)

	if cached, ok := a.LQM.LookupCache(normalized); ok {
		results = append(results, cached...)
		return results, nil
	}

	kbResults, err := a.KB.Search(ctx, query, clientID)
	if err != nil {
		slog.Warn("memory agent KB search degraded to buffer-only", "client_id", clientID, "error", err)
		return results, nil
	}
	a.LQM.CacheSearch(normalized, kbResults)
	results = append(results, kbResults...)
	return results, nil
}

// Store updates the active affair's key_facts, buffers a PendingWrite, and
// invalidates overlapping search-cache entries.
func (a *Agent) Store(ctx context.Context, clientID, subject, content, category string, priority WritePriority) {
	a.LQM.UpdateKeyFacts(clientID, subject, content)
	a.LQM.Enqueue(PendingWrite{
		SourceURN: subject,
		Content:   content,
		Kind:      category,
		Priority:  priority,
		CreatedAt: time.Now(),
	})
	a.LQM.InvalidateCache(subject)
}

// ComposeContext produces an LLM-prompt-ready text block for the active
// affair plus a brief list of parked affairs, truncated to fit maxTokens
// (chars/4 heuristic, matching pkg/orchestration's DefaultTokenEstimator).
func (a *Agent) ComposeContext(clientID string, maxTokens int) string {
	active, hasActive := a.LQM.Active(clientID)
	parked := a.LQM.Parked(clientID)

	var b strings.Builder
	if hasActive {
		b.WriteString("Active topic: " + active.Title + "\n")
		if active.Summary != "" {
			b.WriteString("Summary: " + active.Summary + "\n")
		}
		if len(active.KeyFacts) > 0 {
			b.WriteString("Key facts:\n")
			for k, v := range active.KeyFacts {
				b.WriteString("- " + k + ": " + v + "\n")
			}
		}
		if len(active.PendingActions) > 0 {
			b.WriteString("Pending actions: " + strings.Join(active.PendingActions, "; ") + "\n")
		}
	}
	if len(parked) > 0 {
		b.WriteString("Parked topics: ")
		titles := make([]string, len(parked))
		for i, p := range parked {
			titles[i] = p.Title
		}
		b.WriteString(strings.Join(titles, ", ") + "\n")
	}

	text := b.String()
	maxChars := maxTokens * 4
	if maxChars > 0 && len(text) > maxChars {
		text = text[:maxChars]
	}
	return text
}

// FlushSession drains the write buffer to the KB.
func (a *Agent) FlushSession(ctx context.Context) FlushResult {
	return a.Flusher.Flush(ctx)
}

// ToolDefinitions exposes the memory-affair tools to the agentic loop's
// merged tool schema.
func (a *Agent) ToolDefinitions() []orchestration.ToolDefinition {
	return []orchestration.ToolDefinition{
		{
			Name:             orchestration.SwitchContextTool,
			Description:      "Switch the active conversation topic to a different or new affair.",
			ParametersSchema: `{"type":"object","properties":{"target_id":{"type":"string"},"new_title":{"type":"string"}}}`,
		},
		{
			Name:             "search_memory",
			Description:      "Search prior conversation context and stored facts for a query.",
			ParametersSchema: `{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`,
		},
		{
			Name:             "record_affair",
			Description:      "Store a fact or decision under the active topic for later recall.",
			ParametersSchema: `{"type":"object","properties":{"subject":{"type":"string"},"content":{"type":"string"},"category":{"type":"string"}},"required":["subject","content"]}`,
		},
	}
}

// Execute dispatches one memory tool call.
func (a *Agent) Execute(ctx context.Context, call orchestration.ToolCall) (*orchestration.ToolResult, error) {
	a.mu.Lock()
	clientID, projectID := a.clientID, a.projectID
	a.mu.Unlock()

	switch call.Name {
	case orchestration.SwitchContextTool:
		var args struct {
			TargetID string `json:"target_id"`
			NewTitle string `json:"new_title"`
		}
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return errorResult(call, "invalid switch_context arguments: "+err.Error()), nil
		}
		decision := ContextSwitchDecision{Action: ActionNewAffair, NewTitle: args.NewTitle}
		if args.TargetID != "" {
			decision = ContextSwitchDecision{Action: ActionSwitch, TargetID: args.TargetID}
		}
		affair, err := a.SwitchContext(ctx, clientID, projectID, decision)
		if err != nil {
			return errorResult(call, err.Error()), nil
		}
		return &orchestration.ToolResult{CallID: call.ID, Name: call.Name, Content: "switched to: " + affair.Title}, nil

	case "search_memory":
		var args struct {
			Query string `json:"query"`
		}
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return errorResult(call, "invalid search_memory arguments: "+err.Error()), nil
		}
		results, err := a.Search(ctx, clientID, args.Query)
		if err != nil {
			return errorResult(call, err.Error()), nil
		}
		out, _ := json.Marshal(results)
		return &orchestration.ToolResult{CallID: call.ID, Name: call.Name, Content: string(out)}, nil

	case "record_affair":
		var args struct {
			Subject  string `json:"subject"`
			Content  string `json:"content"`
			Category string `json:"category"`
		}
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return errorResult(call, "invalid record_affair arguments: "+err.Error()), nil
		}
		a.Store(ctx, clientID, args.Subject, args.Content, args.Category, WriteNormal)
		return &orchestration.ToolResult{CallID: call.ID, Name: call.Name, Content: "recorded"}, nil

	default:
		return errorResult(call, "unknown memory tool: "+call.Name), nil
	}
}

func errorResult(call orchestration.ToolCall, msg string) *orchestration.ToolResult {
	return &orchestration.ToolResult{CallID: call.ID, Name: call.Name, Content: msg, IsError: true}
}

// RecordTurn appends a chat turn to the active affair's bounded recent
// history, capping it at maxAffairMessages.
func (a *Agent) RecordTurn(ctx context.Context, clientID, projectID string, msg orchestration.ConversationMessage) {
	a.mu.Lock()
	a.clientID, a.projectID = clientID, projectID
	a.mu.Unlock()

	active, ok := a.LQM.Active(clientID)
	if !ok {
		return
	}
	active.Messages = append(active.Messages, ChatTurn{Role: msg.Role, Content: msg.Content, Timestamp: time.Now()})
	if len(active.Messages) > maxAffairMessages {
		active.Messages = active.Messages[len(active.Messages)-maxAffairMessages:]
	}
	a.LQM.Activate(clientID, active)
}

const maxAffairMessages = 40
