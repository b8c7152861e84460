// Package memory implements the Local Quick Memory hot cache and the
// per-orchestration Memory Agent facade over it, generalizing the teacher's
// tool-embedding router cache (process-local, embedded, no network
// dependency) to a richer "thematic affair" domain model.
package memory

import "time"

// AffairStatus is the lifecycle state of an Affair.
type AffairStatus string

const (
	StatusActive   AffairStatus = "ACTIVE"
	StatusParked   AffairStatus = "PARKED"
	StatusResolved AffairStatus = "RESOLVED"
)

// WritePriority orders PendingWrite flush/eviction behavior. Distinct from
// the inference router's two-level Priority: the write buffer recognizes a
// third, HIGH, tier for resolved-affair writes.
type WritePriority string

const (
	WriteCritical WritePriority = "CRITICAL"
	WriteHigh     WritePriority = "HIGH"
	WriteNormal   WritePriority = "NORMAL"
)

// ChatTurn is a bounded recent-history entry held inline on an Affair.
type ChatTurn struct {
	Role      string
	Content   string
	Timestamp time.Time
}

// Affair is a thematic container for one client's ongoing topic of work.
type Affair struct {
	ID             string
	Title          string
	Summary        string
	Status         AffairStatus
	Topics         []string
	KeyFacts       map[string]string
	PendingActions []string
	Messages       []ChatTurn
	ClientID       string
	ProjectID      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PendingWrite is a queued, not-yet-durable KB write, held in the LQM write
// buffer so reads-of-recent-writes succeed before the next flush.
type PendingWrite struct {
	SourceURN string
	Content   string
	Kind      string
	Metadata  map[string]string
	Priority  WritePriority
	CreatedAt time.Time
	Synced    bool
}

// Matches reports whether a search query substring-matches this write's
// source URN or content, case-insensitively.
func (w PendingWrite) Matches(normalizedQuery string) bool {
	return containsFold(w.SourceURN, normalizedQuery) || containsFold(w.Content, normalizedQuery)
}

// SessionContext is rebuilt at orchestration start from the LQM hot cache or
// cold-loaded from the KB.
type SessionContext struct {
	ActiveAffair     *Affair
	ParkedAffairs    []Affair
	UserPreferences  map[string]string
}

// ContextSwitchDecision is the classifier's verdict for a new user message.
type ContextSwitchDecision struct {
	Action     ContextSwitchAction
	TargetID   string
	NewTitle   string
	Confidence float64
}

// ContextSwitchAction enumerates the outcomes detect_context_switch can
// return.
type ContextSwitchAction string

const (
	ActionStay       ContextSwitchAction = "STAY"
	ActionSwitch     ContextSwitchAction = "SWITCH"
	ActionNewAffair  ContextSwitchAction = "NEW_AFFAIR"
)

// SearchResult is one hit returned by Search, tagged with its source tier so
// callers can reason about read-your-writes freshness.
type SearchResult struct {
	SourceURN string
	Content   string
	Tier      string // "write_buffer", "cache", or "kb"
}

func containsFold(haystack, needle string) bool {
	if needle == "" {
		return true
	}
	hl, nl := len(haystack), len(needle)
	if nl > hl {
		return false
	}
	hlow := toLowerASCII(haystack)
	nlow := toLowerASCII(needle)
	for i := 0; i+nl <= hl; i++ {
		if hlow[i:i+nl] == nlow {
			return true
		}
	}
	return false
}

func toLowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
