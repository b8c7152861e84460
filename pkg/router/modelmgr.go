package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// ModelManager issues load/unload probes against backends and enforces the
// large-model-unloads-all-others rule.
type ModelManager struct {
	Client    ModelClient
	KeepAlive string // e.g. "10m", forwarded verbatim in load probes
	UnloadDrainTimeout time.Duration
}

// NewModelManager constructs a manager with spec.md defaults (60s drain wait).
func NewModelManager(client ModelClient, keepAlive string) *ModelManager {
	return &ModelManager{Client: client, KeepAlive: keepAlive, UnloadDrainTimeout: 60 * time.Second}
}

type keepAliveBody struct {
	Model     string `json:"model"`
	KeepAlive string `json:"keep_alive"`
	Prompt    string `json:"prompt,omitempty"`
	Input     string `json:"input,omitempty"`
}

// Load issues an empty-prompt generate (or empty-input embeddings, for
// embedding models) with the configured keep_alive TTL, recording the model
// as resident on success. If model is a large model, all other resident
// models on b are unloaded first.
func (m *ModelManager) Load(ctx context.Context, b *Backend, model string, vramEstimate int64) error {
	if IsLargeModel(model) {
		if err := m.UnloadAll(ctx, b); err != nil {
			slog.Warn("unload-all before large model load failed, continuing", "backend", b.Name, "model", model, "error", err)
		}
	}

	body, err := json.Marshal(keepAliveBody{Model: model, KeepAlive: m.KeepAlive})
	if err != nil {
		return fmt.Errorf("encoding load probe body: %w", err)
	}

	if IsEmbeddingModel(model) {
		if _, err := m.Client.Embeddings(ctx, b.Endpoint, body); err != nil {
			return fmt.Errorf("loading embedding model %s on %s: %w", model, b.Name, err)
		}
	} else {
		ch, errCh := m.Client.Generate(ctx, b.Endpoint, body, false)
		if err := drainOrErr(ch, errCh); err != nil {
			return fmt.Errorf("loading model %s on %s: %w", model, b.Name, err)
		}
	}

	b.RecordLoad(model, vramEstimate)
	slog.Info("model loaded", "backend", b.Name, "model", model, "vram_estimate", vramEstimate)
	return nil
}

// Unload issues keep_alive=0 for model on b, waiting up to
// UnloadDrainTimeout for the backend's active-request count to reach zero
// first (logging a warning and proceeding if it doesn't).
func (m *ModelManager) Unload(ctx context.Context, b *Backend, model string) error {
	m.waitForDrain(b)

	body, err := json.Marshal(keepAliveBody{Model: model, KeepAlive: "0"})
	if err != nil {
		return fmt.Errorf("encoding unload probe body: %w", err)
	}

	if IsEmbeddingModel(model) {
		if _, err := m.Client.Embeddings(ctx, b.Endpoint, body); err != nil {
			return fmt.Errorf("unloading embedding model %s on %s: %w", model, b.Name, err)
		}
	} else {
		ch, errCh := m.Client.Generate(ctx, b.Endpoint, body, false)
		if err := drainOrErr(ch, errCh); err != nil {
			return fmt.Errorf("unloading model %s on %s: %w", model, b.Name, err)
		}
	}

	b.RecordUnload(model)
	slog.Info("model unloaded", "backend", b.Name, "model", model)
	return nil
}

// UnloadAll unloads every model currently resident on b.
func (m *ModelManager) UnloadAll(ctx context.Context, b *Backend) error {
	var firstErr error
	for model := range b.LoadedModels() {
		if err := m.Unload(ctx, b, model); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// EnsureLoaded loads model on b unless already resident.
func (m *ModelManager) EnsureLoaded(ctx context.Context, b *Backend, model string, vramEstimate int64) error {
	if b.HasModel(model) {
		return nil
	}
	return m.Load(ctx, b, model, vramEstimate)
}

func (m *ModelManager) waitForDrain(b *Backend) {
	deadline := time.Now().Add(m.UnloadDrainTimeout)
	for time.Now().Before(deadline) {
		if b.ActiveCount() == 0 {
			return
		}
		time.Sleep(500 * time.Millisecond)
	}
	if b.ActiveCount() > 0 {
		slog.Warn("proceeding with unload despite non-zero active requests", "backend", b.Name, "active", b.ActiveCount())
	}
}

// drainOrErr consumes a streaming probe response to completion, returning
// the first error observed (if any). Load/unload probes don't care about
// the token content, only whether the call succeeded.
func drainOrErr(ch <-chan []byte, errCh <-chan error) error {
	for ch != nil || errCh != nil {
		select {
		case _, ok := <-ch:
			if !ok {
				ch = nil
			}
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
			} else if err != nil {
				return err
			}
		}
	}
	return nil
}
