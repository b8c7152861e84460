package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// StreamWriter is the narrow sink the proxy writes ndjson lines to —
// satisfied by gin.ResponseWriter and by test buffers alike.
type StreamWriter interface {
	Write(p []byte) (int, error)
	Flush()
}

// ProxyError is the shape of one terminal ndjson error line, used both for
// preemption and for upstream HTTP failures.
type ProxyError struct {
	Error      string `json:"error"`
	StatusCode int    `json:"status_code,omitempty"`
	Message    string `json:"message,omitempty"`
}

// StreamResult summarizes how a streamed proxy call ended, for the router's
// TrackedRequest bookkeeping.
type StreamResult struct {
	Preempted bool
	Failed    bool
}

// StreamProxy forwards a streaming generate/chat call to the chosen
// backend, yielding each upstream ndjson line to w, checking req's cancel
// signal between lines. On preemption it writes one error line and
// returns; on upstream HTTP error it writes one error line with the status
// code and message.
func StreamProxy(ctx context.Context, client ModelClient, b *Backend, req *TrackedRequest, w StreamWriter) StreamResult {
	ch, errCh := client.Generate(ctx, b.Endpoint, req.Body, true)

	for {
		if req.Cancelled() {
			w.Write(mustEncode(ProxyError{Error: "preempted"}))
			w.Flush()
			return StreamResult{Preempted: true}
		}

		select {
		case line, ok := <-ch:
			if !ok {
				return StreamResult{}
			}
			w.Write(line)
			w.Write([]byte("\n"))
			w.Flush()
		case err, ok := <-errCh:
			if !ok || err == nil {
				continue
			}
			w.Write(mustEncode(ProxyError{Error: "upstream_error", Message: err.Error()}))
			w.Flush()
			return StreamResult{Failed: true}
		case <-ctx.Done():
			w.Write(mustEncode(ProxyError{Error: "preempted"}))
			w.Flush()
			return StreamResult{Preempted: true}
		}
	}
}

// NonStreamProxy forwards a non-streaming call transparently, returning the
// backend's full response body and status.
func NonStreamProxy(ctx context.Context, client ModelClient, b *Backend, req *TrackedRequest) ([]byte, error) {
	if IsEmbeddingModel(req.Model) || req.APIPath == "/api/embeddings" || req.APIPath == "/api/embed" {
		return client.Embeddings(ctx, b.Endpoint, req.Body)
	}

	ch, errCh := client.Generate(ctx, b.Endpoint, req.Body, false)
	var buf bytes.Buffer
	for {
		select {
		case line, ok := <-ch:
			if !ok {
				return buf.Bytes(), nil
			}
			buf.Write(line)
		case err, ok := <-errCh:
			if ok && err != nil {
				return nil, fmt.Errorf("non-streaming proxy call to %s failed: %w", b.Name, err)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func mustEncode(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"error":"encode_failed"}`)
	}
	return append(b, '\n')
}
