package router

import (
	"log/slog"
	"time"
)

// GracePeriod is waited after preempting a backend before the new request
// actually claims the freed GPU, per spec.md §4.1.
const GracePeriod = 3 * time.Second

// Preempt cancels every NORMAL streaming request currently running on b.
// Embedding requests are never preempted (short, single-shot), matching the
// teacher's classify-before-act style in pkg/queue (mark then act, never
// silently skip).
func Preempt(b *Backend) int {
	count := 0
	for _, req := range b.ActiveRequests() {
		if req.Priority != PriorityNormal {
			continue
		}
		if IsEmbeddingModel(req.Model) {
			continue
		}
		req.State = StatePreempted
		req.Cancel()
		count++
	}
	if count > 0 {
		slog.Info("preempted requests for higher-priority traffic", "backend", b.Name, "count", count)
		time.Sleep(GracePeriod)
	}
	return count
}

// PreemptedErrorLine is the single terminal ndjson line a preempted
// streaming proxy emits before closing.
func PreemptedErrorLine() []byte {
	return []byte(`{"error":"preempted"}` + "\n")
}
