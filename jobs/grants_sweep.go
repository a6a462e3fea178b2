package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-authz/internal/jobs"
)

// DefaultSweepBatchSize is used when the task payload leaves the batch size unset.
const DefaultSweepBatchSize = 500

// Sweeper purges expired grants in batches.
type Sweeper interface {
	SweepExpired(ctx context.Context, limit int) (int, error)
}

// GrantsSweepJob deletes grants whose expiry has passed.
type GrantsSweepJob struct {
	Sweeper Sweeper
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	Timeout time.Duration
}

// NewGrantsSweepJob wires dependencies for the sweep handler.
func NewGrantsSweepJob(sweeper Sweeper, logger *slog.Logger, metrics *jobmetrics.Metrics) *GrantsSweepJob {
	return &GrantsSweepJob{Sweeper: sweeper, Logger: logger, Metrics: metrics, Timeout: 2 * time.Minute}
}

// Handle processes grant sweep tasks.
func (j *GrantsSweepJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Sweeper == nil {
		return errors.New("grants sweep: handler not configured")
	}
	var payload GrantsSweepPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	if payload.BatchSize <= 0 {
		payload.BatchSize = DefaultSweepBatchSize
	}

	tracker := j.metrics().Track(TaskGrantsSweep)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}

	logger := j.logger().With(slog.Int("batch_size", payload.BatchSize))
	start := time.Now()
	purged, err := j.Sweeper.SweepExpired(ctx, payload.BatchSize)
	j.metrics().AddPurged(purged)
	if err != nil {
		logger.Error("sweep expired grants", slog.Int("purged", purged), slog.Any("error", err))
		return err
	}
	logger.Info("completed grants sweep", slog.Int("purged", purged), slog.Duration("duration", time.Since(start)))
	return nil
}

func (j *GrantsSweepJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskGrantsSweep))
	}
	return slog.Default().With(slog.String("job", TaskGrantsSweep))
}

func (j *GrantsSweepJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
