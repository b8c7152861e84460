package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"
)

// kbRetryBackoffMin/Max mirror the teacher's MCP client jittered-backoff
// constants (pkg/mcp/recovery.go).
const (
	kbRetryBackoffMin = 250 * time.Millisecond
	kbRetryBackoffMax = 750 * time.Millisecond
	kbMaxRetries      = 1
)

// KBRecoveryAction mirrors mcp.RecoveryAction: whether a KB call failure is
// worth retrying.
type KBRecoveryAction int

const (
	KBNoRetry KBRecoveryAction = iota
	KBRetry
)

// ClassifyKBError determines whether a KB HTTP call should be retried,
// generalizing pkg/mcp/recovery.go's ClassifyError from MCP transport
// failures to plain HTTP client errors.
func ClassifyKBError(err error) KBRecoveryAction {
	if err == nil {
		return KBNoRetry
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KBNoRetry
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KBNoRetry
		}
		return KBRetry
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "connection reset", "broken pipe", "connection closed", "no such host", "eof"} {
		if strings.Contains(msg, s) {
			return KBRetry
		}
	}
	return KBNoRetry
}

// KBClient talks to the external knowledge-base/RAG service that backs
// cold-path affair loads, search, and write-buffer flush.
type KBClient struct {
	BaseURL             string
	HTTPClient          *http.Client
	ImmediateIngestPath string
	IngestPath          string
}

// NewKBClient constructs a client with sane HTTP timeouts.
func NewKBClient(baseURL string) *KBClient {
	return &KBClient{
		BaseURL:             strings.TrimRight(baseURL, "/"),
		HTTPClient:          &http.Client{Timeout: 15 * time.Second},
		ImmediateIngestPath: "/kb/ingest/immediate",
		IngestPath:          "/kb/ingest",
	}
}

// Affairs queries the KB for a client's affairs in the given statuses.
func (c *KBClient) Affairs(ctx context.Context, clientID string, statuses []AffairStatus) ([]Affair, error) {
	body, err := json.Marshal(map[string]any{"client_id": clientID, "statuses": statuses})
	if err != nil {
		return nil, fmt.Errorf("marshaling affairs query: %w", err)
	}

	var out struct {
		Affairs []Affair `json:"affairs"`
	}
	if err := c.doWithRetry(ctx, "POST", "/kb/affairs/query", body, &out); err != nil {
		return nil, err
	}
	return out.Affairs, nil
}

// Search queries the KB directly (the last tier after write-buffer and
// search-cache misses).
func (c *KBClient) Search(ctx context.Context, query, clientID string) ([]SearchResult, error) {
	body, err := json.Marshal(map[string]any{"query": query, "client_id": clientID})
	if err != nil {
		return nil, fmt.Errorf("marshaling search query: %w", err)
	}

	var out struct {
		Results []SearchResult `json:"results"`
	}
	if err := c.doWithRetry(ctx, "POST", "/kb/search", body, &out); err != nil {
		return nil, err
	}
	for i := range out.Results {
		out.Results[i].Tier = "kb"
	}
	return out.Results, nil
}

// Ingest writes a PendingWrite to the KB, using the immediate-ingest
// endpoint for CRITICAL priority (falling back to the standard endpoint on
// 404) per spec's flush_session contract.
func (c *KBClient) Ingest(ctx context.Context, w PendingWrite) error {
	body, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshaling pending write %s: %w", w.SourceURN, err)
	}

	if w.Priority == WriteCritical {
		err := c.doWithRetry(ctx, "POST", c.ImmediateIngestPath, body, nil)
		if err == nil {
			return nil
		}
		if !errors.Is(err, errNotFound) {
			return err
		}
		// Immediate-ingest endpoint absent on this KB deployment; fall back.
	}
	return c.doWithRetry(ctx, "POST", c.IngestPath, body, nil)
}

var errNotFound = errors.New("kb endpoint not found")

func (c *KBClient) doWithRetry(ctx context.Context, method, path string, body []byte, out any) error {
	err := c.doOnce(ctx, method, path, body, out)
	if err == nil || ClassifyKBError(err) != KBRetry {
		return err
	}

	backoff := kbRetryBackoffMin + time.Duration(rand.Int63n(int64(kbRetryBackoffMax-kbRetryBackoffMin)))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(backoff):
	}

	return c.doOnce(ctx, method, path, body, out)
}

func (c *KBClient) doOnce(ctx context.Context, method, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building KB request to %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling KB %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("KB %s returned %d: %s", path, resp.StatusCode, string(data))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
