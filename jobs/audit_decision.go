package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-authz/internal/jobs"
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// DecisionRecorder persists decision events.
type DecisionRecorder interface {
	RecordDecision(ctx context.Context, event rbac.AuditEvent) error
}

// AuditDecisionJob writes queued authorization decisions to the audit log.
type AuditDecisionJob struct {
	Recorder DecisionRecorder
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewAuditDecisionJob wires dependencies for the audit handler.
func NewAuditDecisionJob(recorder DecisionRecorder, logger *slog.Logger, metrics *jobmetrics.Metrics) *AuditDecisionJob {
	return &AuditDecisionJob{Recorder: recorder, Logger: logger, Metrics: metrics}
}

// Handle processes audit decision tasks.
func (j *AuditDecisionJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Recorder == nil {
		return errors.New("audit decision: handler not configured")
	}
	var event rbac.AuditEvent
	if err := json.Unmarshal(t.Payload(), &event); err != nil {
		return asynq.SkipRetry
	}
	if event.UserID <= 0 || event.Action == "" {
		j.logger().Warn("discarding malformed decision", slog.Int64("user_id", event.UserID))
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskAuditDecision)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	if err := j.Recorder.RecordDecision(ctx, event); err != nil {
		j.logger().Error("record decision",
			slog.Int64("user_id", event.UserID),
			slog.String("action", string(event.Action)),
			slog.Any("error", err))
		return err
	}
	j.metrics().RecordDecision(event.Allowed)
	return nil
}

func (j *AuditDecisionJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskAuditDecision))
	}
	return slog.Default().With(slog.String("job", TaskAuditDecision))
}

func (j *AuditDecisionJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
