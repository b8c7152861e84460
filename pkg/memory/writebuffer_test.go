package memory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlusher_Flush_MarksSyncedEntriesAndLeavesFailuresBuffered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			SourceURN string `json:"SourceURN"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.SourceURN == "urn:fail" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	lqm := NewLQM(LQMConfig{MaxClients: 10, MaxWriteBuffer: 10}, nil)
	lqm.Enqueue(PendingWrite{SourceURN: "urn:ok", Priority: WriteNormal})
	lqm.Enqueue(PendingWrite{SourceURN: "urn:fail", Priority: WriteNormal})

	flusher := NewFlusher(lqm, NewKBClient(srv.URL))
	result := flusher.Flush(context.Background())

	assert.Equal(t, 2, result.Attempted)
	assert.Equal(t, 1, result.Synced)
	assert.Equal(t, 1, result.Failed)

	remaining := lqm.PendingSnapshot()
	require.Len(t, remaining, 1)
	assert.Equal(t, "urn:fail", remaining[0].SourceURN)
}

func TestFlusher_Flush_EmptyBufferIsNoop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("KB should not be called for an empty buffer")
	}))
	defer srv.Close()

	lqm := NewLQM(LQMConfig{MaxClients: 10, MaxWriteBuffer: 10}, nil)
	flusher := NewFlusher(lqm, NewKBClient(srv.URL))

	result := flusher.Flush(context.Background())
	assert.Equal(t, FlushResult{}, result)
}
