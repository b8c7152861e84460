package router

import (
	"context"
	"encoding/json"
	"fmt"
)

// ModelInfo is one entry in a /api/tags response.
type ModelInfo struct {
	Name string `json:"name"`
}

// RunningModel is one entry in a /api/ps response, tagged with its backend.
type RunningModel struct {
	Name    string `json:"name"`
	Backend string `json:"backend"`
}

// Tags fans out /api/tags to every healthy backend and dedupes by model
// name.
func Tags(ctx context.Context, client ModelClient, backends []*Backend) ([]ModelInfo, error) {
	seen := make(map[string]struct{})
	var out []ModelInfo
	for _, b := range backends {
		if !b.Healthy {
			continue
		}
		body, err := client.Embeddings(ctx, b.Endpoint+"/api/tags", nil)
		if err != nil {
			continue
		}
		var resp struct {
			Models []ModelInfo `json:"models"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			continue
		}
		for _, m := range resp.Models {
			if _, dup := seen[m.Name]; dup {
				continue
			}
			seen[m.Name] = struct{}{}
			out = append(out, m)
		}
	}
	return out, nil
}

// PS fans out /api/ps and tags each running entry with its backend, from
// in-process bookkeeping (no need to call upstream — the router already
// tracks loaded models per backend).
func PS(backends []*Backend) []RunningModel {
	var out []RunningModel
	for _, b := range backends {
		for model := range b.LoadedModels() {
			out = append(out, RunningModel{Name: model, Backend: b.Name})
		}
	}
	return out
}

// Show fans out /api/show for model to each healthy backend in order,
// first-success-wins.
func Show(ctx context.Context, client ModelClient, backends []*Backend, model string) ([]byte, error) {
	body, _ := json.Marshal(map[string]string{"name": model})
	var lastErr error
	for _, b := range backends {
		if !b.Healthy {
			continue
		}
		resp, err := client.Embeddings(ctx, b.Endpoint+"/api/show", body)
		if err != nil {
			lastErr = err
			continue
		}
		return resp, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("show failed on all backends: %w", lastErr)
	}
	return nil, ErrNoBackendAvailable
}

// Delete fans out /api/delete for model to every healthy backend that has
// it resident, unloading router-side bookkeeping on success.
func Delete(ctx context.Context, manager *ModelManager, backends []*Backend, model string) error {
	var lastErr error
	deleted := false
	for _, b := range backends {
		if !b.Healthy || !b.HasModel(model) {
			continue
		}
		if err := manager.Unload(ctx, b, model); err != nil {
			lastErr = err
			continue
		}
		deleted = true
	}
	if !deleted && lastErr != nil {
		return fmt.Errorf("delete failed on all backends: %w", lastErr)
	}
	return nil
}
