package audit

import (
	"context"
	"strconv"

	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
	"github.com/odyssey-erp/odyssey-authz/internal/shared"
)

// EntityDecision labels authorization decisions in audit_logs.
const EntityDecision = "authz_decision"

// LogWriter persists generic audit log entries.
type LogWriter interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Recorder writes authorization decisions to the audit log.
type Recorder struct {
	writer LogWriter
}

// NewRecorder constructs a Recorder.
func NewRecorder(writer LogWriter) *Recorder {
	return &Recorder{writer: writer}
}

// RecordDecision stores one decision.
func (r *Recorder) RecordDecision(ctx context.Context, event rbac.AuditEvent) error {
	return r.writer.Record(ctx, ToLog(event))
}

// ToLog maps a decision event onto an audit log row.
func ToLog(event rbac.AuditEvent) shared.AuditLog {
	meta := map[string]any{
		"allowed": event.Allowed,
		"reason":  string(event.Reason),
	}
	if event.StoreID != nil {
		meta["store_id"] = *event.StoreID
	}
	if event.MatchedGrantID != nil {
		meta["grant_id"] = event.MatchedGrantID.String()
	}
	if event.RequestID != "" {
		meta["request_id"] = event.RequestID
	}
	entityID := "global"
	if event.StoreID != nil {
		entityID = "store:" + strconv.FormatInt(*event.StoreID, 10)
	}
	return shared.AuditLog{
		ActorID:  event.UserID,
		Action:   string(event.Action),
		Entity:   EntityDecision,
		EntityID: entityID,
		Meta:     meta,
		At:       event.OccurredAt,
	}
}
