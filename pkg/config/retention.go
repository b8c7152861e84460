package config

import "time"

// RetentionConfig controls pkg/cleanup's scheduled retention sweep over
// terminal extraction-queue rows and expired Mongo checkpoints.
type RetentionConfig struct {
	// FailedTaskRetentionDays is how many days to keep FAILED extraction_tasks
	// rows (audit trail) before deletion.
	FailedTaskRetentionDays int `yaml:"failed_task_retention_days"`

	// CompletedTaskRetention is the maximum age of COMPLETED extraction_tasks
	// rows before deletion.
	CompletedTaskRetention time.Duration `yaml:"completed_task_retention"`

	// OrphanedCheckpointTTL is the maximum age of a suspended graph
	// checkpoint with no corresponding activity before it is treated as
	// abandoned and deleted.
	OrphanedCheckpointTTL time.Duration `yaml:"orphaned_checkpoint_ttl"`

	// CleanupInterval is how often the cleanup loop runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		FailedTaskRetentionDays: 30,
		CompletedTaskRetention:  24 * time.Hour,
		OrphanedCheckpointTTL:   7 * 24 * time.Hour,
		CleanupInterval:         12 * time.Hour,
	}
}
