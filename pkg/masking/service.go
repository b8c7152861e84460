package masking

import (
	"log/slog"

	"github.com/jervis-ai/jervis/pkg/config"
)

// ArtifactMaskingConfig controls masking of coding-agent job artifacts
// (`.jervis/result.json` and similar) before they're appended to chat
// history or pushed to the coordinator.
type ArtifactMaskingConfig struct {
	Enabled      bool
	PatternGroup string
}

// Service applies data masking to MCP tool results and agent job artifacts.
// Created once at application startup (singleton). Thread-safe and stateless
// aside from compiled patterns.
type Service struct {
	registry             *config.MCPServerRegistry
	patterns             map[string]*CompiledPattern // Built-in + custom compiled patterns
	patternGroups        map[string][]string         // Group name → pattern names
	codeMaskers          map[string]Masker           // Registered code-based maskers
	artifactMasking      ArtifactMaskingConfig        // Agent job artifact masking settings
	serverCustomPatterns map[string][]string          // serverID → custom pattern keys
}

// NewService creates a masking service with compiled patterns and registered maskers.
// All patterns are compiled eagerly at creation time. Invalid patterns are logged and skipped.
func NewService(
	registry *config.MCPServerRegistry,
	artifactCfg ArtifactMaskingConfig,
) *Service {
	s := &Service{
		registry:             registry,
		patterns:             make(map[string]*CompiledPattern),
		patternGroups:        config.GetBuiltinConfig().PatternGroups,
		codeMaskers:          make(map[string]Masker),
		artifactMasking:      artifactCfg,
		serverCustomPatterns: make(map[string][]string),
	}

	// 1. Compile all built-in regex patterns
	s.compileBuiltinPatterns()

	// 2. Compile custom patterns from all MCP server configs
	s.compileCustomPatterns()

	// 3. Register code-based maskers
	s.registerMasker(&KubernetesSecretMasker{})

	slog.Info("Masking service initialized",
		"builtin_patterns", len(config.GetBuiltinConfig().MaskingPatterns),
		"compiled_patterns", len(s.patterns),
		"code_maskers", len(s.codeMaskers),
		"artifact_masking_enabled", artifactCfg.Enabled)

	return s
}

// MaskToolResult applies server-specific masking to MCP tool result content.
// Returns masked content. On masking failure, returns a redaction notice (fail-closed).
func (s *Service) MaskToolResult(content string, serverID string) string {
	if content == "" {
		return content
	}

	serverCfg, err := s.registry.Get(serverID)
	if err != nil || serverCfg.DataMasking == nil || !serverCfg.DataMasking.Enabled {
		return content // No masking configured
	}

	resolved := s.resolvePatterns(serverCfg.DataMasking, serverID)
	if len(resolved.codeMaskerNames) == 0 && len(resolved.regexPatterns) == 0 {
		return content
	}

	masked, err := s.applyMasking(content, resolved)
	if err != nil {
		slog.Error("Masking failed, redacting content (fail-closed)",
			"server", serverID, "error", err)
		return "[REDACTED: data masking failure — tool result could not be safely processed]"
	}

	return masked
}

// MaskAgentArtifact applies masking to a coding agent's job artifact (e.g.
// the contents of `.jervis/result.json`) using the configured pattern
// group, before it's appended to chat history or pushed to the coordinator.
// Returns original content on masking failure (fail-open): an artifact the
// agent already wrote to a namespaced job pod is lower-risk than a live MCP
// tool result, so availability wins over the stricter fail-closed posture.
func (s *Service) MaskAgentArtifact(content string) string {
	if !s.artifactMasking.Enabled || content == "" {
		return content
	}

	resolved := s.resolvePatternsFromGroup(s.artifactMasking.PatternGroup)
	if len(resolved.codeMaskerNames) == 0 && len(resolved.regexPatterns) == 0 {
		return content
	}

	masked, err := s.applyMasking(content, resolved)
	if err != nil {
		slog.Error("Agent artifact masking failed, continuing with unmasked content (fail-open)",
			"error", err)
		return content
	}

	return masked
}

// applyMasking applies code-based maskers then regex patterns to content.
func (s *Service) applyMasking(content string, resolved *resolvedPatterns) (string, error) {
	masked := content

	// Phase 1: Code-based maskers (more specific, structural awareness)
	for _, maskerName := range resolved.codeMaskerNames {
		masker, ok := s.codeMaskers[maskerName]
		if !ok {
			continue
		}
		if masker.AppliesTo(masked) {
			masked = masker.Mask(masked)
		}
	}

	// Phase 2: Regex patterns (general sweep)
	for _, pattern := range resolved.regexPatterns {
		masked = pattern.Regex.ReplaceAllString(masked, pattern.Replacement)
	}

	return masked, nil
}

// registerMasker registers a code-based masker by its name.
func (s *Service) registerMasker(m Masker) {
	s.codeMaskers[m.Name()] = m
}
