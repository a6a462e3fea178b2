package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/odyssey-erp/odyssey-authz/internal/jobs"
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

type recorderStub struct {
	events []rbac.AuditEvent
	err    error
}

func (r *recorderStub) RecordDecision(_ context.Context, event rbac.AuditEvent) error {
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, event)
	return nil
}

type sweeperStub struct {
	limits []int
	purged int
	err    error
}

func (s *sweeperStub) SweepExpired(_ context.Context, limit int) (int, error) {
	s.limits = append(s.limits, limit)
	return s.purged, s.err
}

func TestAuditDecisionJobRecordsEvent(t *testing.T) {
	storeID := int64(10)
	event := rbac.AuditEvent{
		UserID:     4,
		Action:     rbac.ActionReadChat,
		StoreID:    &storeID,
		Allowed:    false,
		Reason:     rbac.ReasonExplicitDeny,
		OccurredAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	task, err := NewAuditDecisionTask(event)
	require.NoError(t, err)
	assert.Equal(t, TaskAuditDecision, task.Type())

	recorder := &recorderStub{}
	job := NewAuditDecisionJob(recorder, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	require.NoError(t, job.Handle(context.Background(), task))
	require.Len(t, recorder.events, 1)
	assert.Equal(t, int64(4), recorder.events[0].UserID)
	assert.Equal(t, rbac.ReasonExplicitDeny, recorder.events[0].Reason)
	require.NotNil(t, recorder.events[0].StoreID)
	assert.Equal(t, storeID, *recorder.events[0].StoreID)
}

func TestAuditDecisionJobRejectsBadPayload(t *testing.T) {
	job := NewAuditDecisionJob(&recorderStub{}, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))

	err := job.Handle(context.Background(), asynq.NewTask(TaskAuditDecision, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = job.Handle(context.Background(), asynq.NewTask(TaskAuditDecision, []byte(`{"user_id":0}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestAuditDecisionJobSurfacesStorageFailure(t *testing.T) {
	boom := errors.New("db down")
	job := NewAuditDecisionJob(&recorderStub{err: boom}, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	task, err := NewAuditDecisionTask(rbac.AuditEvent{UserID: 1, Action: rbac.ActionReadUser})
	require.NoError(t, err)

	assert.ErrorIs(t, job.Handle(context.Background(), task), boom)
}

func TestGrantsSweepJobUsesPayloadBatch(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(registry)
	sweeper := &sweeperStub{purged: 7}
	job := NewGrantsSweepJob(sweeper, nil, metrics)

	task, err := NewGrantsSweepTask(50)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, []int{50}, sweeper.limits)

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskGrantsSweep, nil)))
	assert.Equal(t, []int{50, DefaultSweepBatchSize}, sweeper.limits)

	families, err := registry.Gather()
	require.NoError(t, err)
	var purged float64
	for _, family := range families {
		if family.GetName() == "odyssey_authz_grants_purged_total" {
			purged = family.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, float64(14), purged)
}

func TestGrantsSweepJobReportsFailure(t *testing.T) {
	boom := errors.New("timeout")
	job := NewGrantsSweepJob(&sweeperStub{err: boom}, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	task, err := NewGrantsSweepTask(0)
	require.NoError(t, err)

	assert.ErrorIs(t, job.Handle(context.Background(), task), boom)
	assert.ErrorIs(t, job.Handle(context.Background(), asynq.NewTask(TaskGrantsSweep, []byte("nope"))), asynq.SkipRetry)
}

type inspectorStub struct {
	queues []string
	infos  map[string]*asynq.QueueInfo
	err    error
}

func (i inspectorStub) Queues() ([]string, error) { return i.queues, i.err }

func (i inspectorStub) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	return i.infos[queue], nil
}

func TestCollectStatsFillsUnknownQueues(t *testing.T) {
	inspector := inspectorStub{
		queues: []string{QueueAudit},
		infos: map[string]*asynq.QueueInfo{
			QueueAudit: {Queue: QueueAudit, Pending: 3, Failed: 1},
		},
	}
	stats, err := CollectStats(inspector)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, QueueStat{Queue: QueueAudit, Pending: 3, Failed: 1}, stats[0])
	assert.Equal(t, QueueStat{Queue: QueueDefault}, stats[1])

	_, err = CollectStats(inspectorStub{err: errors.New("redis gone")})
	assert.Error(t, err)
}

func TestHandlerHealth(t *testing.T) {
	r := chi.NewRouter()
	r.Route("/jobs", NewHandler(inspectorStub{}, nil).MountRoutes)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Queues []QueueStat `json:"queues"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Len(t, body.Queues, 2)

	r = chi.NewRouter()
	r.Route("/jobs", NewHandler(inspectorStub{err: errors.New("down")}, nil).MountRoutes)
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
