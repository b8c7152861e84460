package orchestration

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// SSEWriter encodes ChatEvents onto a gin ResponseWriter as server-sent
// events, flushing after every write so the chat handler's stream reaches
// the client incrementally rather than buffering until the loop ends.
type SSEWriter struct {
	c *gin.Context
}

// NewSSEWriter prepares c's response for event-stream output. Call once
// before the first Write.
func NewSSEWriter(c *gin.Context) *SSEWriter {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	return &SSEWriter{c: c}
}

// Write emits one event and flushes immediately.
func (w *SSEWriter) Write(ev ChatEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		payload, _ = json.Marshal(ChatEvent{Type: EventError, Content: "failed to encode event"})
	}
	fmt.Fprintf(w.c.Writer, "event: %s\ndata: %s\n\n", ev.Type, payload)
	w.c.Writer.Flush()
}

// EmitFunc adapts the writer to the emit callback signature Loop.Run expects.
func (w *SSEWriter) EmitFunc() func(ChatEvent) {
	return w.Write
}
