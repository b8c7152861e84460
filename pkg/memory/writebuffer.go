package memory

import (
	"context"
	"log/slog"
)

// FlushResult summarizes one flush_session pass.
type FlushResult struct {
	Attempted int
	Synced    int
	Failed    int
}

// Flusher drains the LQM write buffer to the KB. CRITICAL writes target the
// immediate-ingest endpoint (KBClient.Ingest already encodes the fallback to
// the standard endpoint on 404); NORMAL and HIGH writes go to the standard
// endpoint. Entries that fail to ingest are left in the buffer for the next
// flush — at-least-once, never silently dropped.
type Flusher struct {
	LQM *LQM
	KB  *KBClient
}

// NewFlusher constructs a Flusher over the given LQM and KB client.
func NewFlusher(lqm *LQM, kb *KBClient) *Flusher {
	return &Flusher{LQM: lqm, KB: kb}
}

// Flush drains every pending write for all clients (the buffer is not
// partitioned by client; ordering is CRITICAL, HIGH, NORMAL).
func (f *Flusher) Flush(ctx context.Context) FlushResult {
	pending := f.LQM.PendingSnapshot()

	var result FlushResult
	var synced []string
	for _, w := range pending {
		result.Attempted++
		if err := f.KB.Ingest(ctx, w); err != nil {
			result.Failed++
			slog.Warn("memory write buffer flush failed, leaving entry buffered", "source_urn", w.SourceURN, "priority", w.Priority, "error", err)
			continue
		}
		result.Synced++
		synced = append(synced, w.SourceURN)
	}

	if len(synced) > 0 {
		f.LQM.MarkSynced(synced)
	}
	return result
}
