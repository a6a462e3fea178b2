package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueAudit carries authorization decisions awaiting persistence.
	QueueAudit = "audit"

	// TaskAuditDecision persists one authorization decision to the audit log.
	TaskAuditDecision = "authz:audit_decision"
	// TaskGrantsSweep removes expired permission grants.
	TaskGrantsSweep = "authz:grants_sweep"
)

// GrantsSweepPayload bounds the size of each purge batch.
type GrantsSweepPayload struct {
	BatchSize int `json:"batch_size"`
}

// NewAuditDecisionTask wraps a decision event in an Asynq task.
func NewAuditDecisionTask(event rbac.AuditEvent) (*asynq.Task, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditDecision, data), nil
}

// NewGrantsSweepTask constructs the sweep task.
func NewGrantsSweepTask(batchSize int) (*asynq.Task, error) {
	data, err := json.Marshal(GrantsSweepPayload{BatchSize: batchSize})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskGrantsSweep, data), nil
}
