package orchestration

// TokenEstimator estimates the token cost of a string. The default
// implementation uses the chars/4 heuristic common for English text;
// callers needing model-exact counts (e.g. a tiktoken-backed estimator for
// cloud escalation) can supply their own.
type TokenEstimator func(s string) int

// DefaultTokenEstimator approximates token count as len(s)/4, rounded up.
func DefaultTokenEstimator(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 3) / 4
}

// ContextBudget bounds how much conversation history and tool context a
// loop iteration may carry.
type ContextBudget struct {
	MaxTokens       int
	ReserveForReply int // tokens held back for the model's own response
	Estimator       TokenEstimator
}

// NewContextBudget constructs a budget with the default estimator if none given.
func NewContextBudget(maxTokens, reserveForReply int) ContextBudget {
	return ContextBudget{MaxTokens: maxTokens, ReserveForReply: reserveForReply, Estimator: DefaultTokenEstimator}
}

// Available returns the remaining token budget for input after reserving
// space for the model's reply.
func (b ContextBudget) Available() int {
	avail := b.MaxTokens - b.ReserveForReply
	if avail < 0 {
		return 0
	}
	return avail
}

// estimator returns b.Estimator, falling back to the default if unset.
func (b ContextBudget) estimator() TokenEstimator {
	if b.Estimator != nil {
		return b.Estimator
	}
	return DefaultTokenEstimator
}

// AssembleContext builds the message list for one loop iteration: a system
// prompt, then as much of the tail of history as fits the budget, dropping
// the oldest non-system turns first. The most recent user turn is never
// dropped even if it alone exceeds the budget (the loop would have nothing
// to respond to otherwise).
func AssembleContext(systemPrompt string, history []ConversationMessage, budget ContextBudget) []ConversationMessage {
	est := budget.estimator()
	avail := budget.Available()

	assembled := make([]ConversationMessage, 0, len(history)+1)
	if systemPrompt != "" {
		assembled = append(assembled, ConversationMessage{Role: "system", Content: systemPrompt})
		avail -= est(systemPrompt)
	}

	if len(history) == 0 {
		return assembled
	}

	kept := make([]ConversationMessage, 0, len(history))
	used := 0
	last := history[len(history)-1]
	lastTokens := est(last.Content)
	kept = append(kept, last)
	used += lastTokens

	for i := len(history) - 2; i >= 0; i-- {
		msg := history[i]
		cost := est(msg.Content)
		if used+cost > avail {
			break
		}
		kept = append(kept, msg)
		used += cost
	}

	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}

	return append(assembled, kept...)
}

// Summarizer condenses a run of older messages into a single compact
// message, used when AssembleContext would otherwise have to drop them
// outright. Implemented by an LLM-backed summarizer in pkg/chatstore.
type Summarizer interface {
	Summarize(history []ConversationMessage) (ConversationMessage, error)
}

// CompressHistory replaces the oldest keepFrom messages of history with one
// summary turn when the full history exceeds the budget, preserving the
// most recent messages verbatim.
func CompressHistory(history []ConversationMessage, budget ContextBudget, summarizer Summarizer, keepRecent int) ([]ConversationMessage, error) {
	if keepRecent >= len(history) {
		return history, nil
	}

	est := budget.estimator()
	total := 0
	for _, m := range history {
		total += est(m.Content)
	}
	if total <= budget.Available() {
		return history, nil
	}

	old := history[:len(history)-keepRecent]
	recent := history[len(history)-keepRecent:]

	summary, err := summarizer.Summarize(old)
	if err != nil {
		return nil, err
	}

	compressed := make([]ConversationMessage, 0, keepRecent+1)
	compressed = append(compressed, summary)
	compressed = append(compressed, recent...)
	return compressed, nil
}
