package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskSecuritySweep trims expired blocks, stale activity windows and
	// expired local cache entries.
	TaskSecuritySweep = "security:sweep"
	// TaskSecurityDigest logs a periodic summary of enforcement state.
	TaskSecurityDigest = "security:digest"
)

// SecuritySweepPayload tunes one sweep run.
type SecuritySweepPayload struct {
	// DryRun reports what would be removed without removing it.
	DryRun bool `json:"dry_run"`
}

// NewSecuritySweepTask constructs the sweep task.
func NewSecuritySweepTask(payload SecuritySweepPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSecuritySweep, data), nil
}

// NewSecurityDigestTask constructs the digest task.
func NewSecurityDigestTask() *asynq.Task {
	return asynq.NewTask(TaskSecurityDigest, nil)
}
