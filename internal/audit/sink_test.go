package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

type recordingEnqueuer struct {
	mu     sync.Mutex
	events []rbac.AuditEvent
	err    error
	block  chan struct{}
}

func (r *recordingEnqueuer) EnqueueAuditDecision(ctx context.Context, event rbac.AuditEvent) error {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, event)
	return nil
}

func (r *recordingEnqueuer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestAsyncSinkDeliversAndDrains(t *testing.T) {
	defer goleak.VerifyNone(t)

	enq := &recordingEnqueuer{}
	sink := NewAsyncSink(enq, SinkConfig{BufferSize: 16, Workers: 3})
	for i := 0; i < 10; i++ {
		require.NoError(t, sink.Emit(context.Background(), rbac.AuditEvent{UserID: int64(i), Action: rbac.ActionReadUser}))
	}
	require.NoError(t, sink.Close(context.Background()))
	assert.Equal(t, 10, enq.count())

	assert.ErrorIs(t, sink.Emit(context.Background(), rbac.AuditEvent{}), ErrSinkClosed)
	assert.NoError(t, sink.Close(context.Background()))
}

func TestAsyncSinkDropsWhenFull(t *testing.T) {
	defer goleak.VerifyNone(t)

	enq := &recordingEnqueuer{block: make(chan struct{})}
	sink := NewAsyncSink(enq, SinkConfig{BufferSize: 1, Workers: 1, EnqueueTimeout: time.Second})

	var dropped int
	for i := 0; i < 5; i++ {
		if err := sink.Emit(context.Background(), rbac.AuditEvent{UserID: 1}); errors.Is(err, ErrBufferFull) {
			dropped++
		}
	}
	assert.GreaterOrEqual(t, dropped, 3)

	close(enq.block)
	require.NoError(t, sink.Close(context.Background()))
}

func TestAsyncSinkCloseHonoursContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	enq := &recordingEnqueuer{block: make(chan struct{})}
	sink := NewAsyncSink(enq, SinkConfig{BufferSize: 8, Workers: 1, EnqueueTimeout: 50 * time.Millisecond})
	for i := 0; i < 8; i++ {
		_ = sink.Emit(context.Background(), rbac.AuditEvent{UserID: 1})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := sink.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, enq.count(), 8)
}

func TestAsyncSinkDeliveryFailureIsSwallowed(t *testing.T) {
	defer goleak.VerifyNone(t)

	enq := &recordingEnqueuer{err: errors.New("redis unavailable")}
	sink := NewAsyncSink(enq, SinkConfig{BufferSize: 8, Workers: 1})
	for i := 0; i < 8; i++ {
		require.NoError(t, sink.Emit(context.Background(), rbac.AuditEvent{UserID: 1}))
	}
	require.NoError(t, sink.Close(context.Background()))
	assert.Zero(t, enq.count())
}

func TestAuthorizerWithAsyncSink(t *testing.T) {
	defer goleak.VerifyNone(t)

	enq := &recordingEnqueuer{}
	sink := NewAsyncSink(enq, SinkConfig{BufferSize: 4, Workers: 1})
	authz := rbac.NewAuthorizer(rbac.NewResolver(rbac.DefaultCatalog(), noGrants{}, nil), rbac.WithAuditSink(sink))

	d, err := authz.Authorize(context.Background(), &rbac.Principal{UserID: 9, GlobalRole: rbac.GlobalRoleAdmin}, rbac.ActionListUsers, rbac.EvalContext{})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	require.NoError(t, sink.Close(context.Background()))

	require.Equal(t, 1, enq.count())
	assert.Equal(t, rbac.ReasonRoleDefault, enq.events[0].Reason)
}

type noGrants struct{}

func (noGrants) ListApplicable(context.Context, int64, *int64, time.Time) ([]rbac.Grant, error) {
	return nil, nil
}
