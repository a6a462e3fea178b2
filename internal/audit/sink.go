package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

var (
	// ErrBufferFull is returned by Emit when the buffer has no room; the event is dropped.
	ErrBufferFull = errors.New("audit: buffer full")
	// ErrSinkClosed is returned by Emit after Close.
	ErrSinkClosed = errors.New("audit: sink closed")
)

// Enqueuer hands a decision event to durable delivery.
type Enqueuer interface {
	EnqueueAuditDecision(ctx context.Context, event rbac.AuditEvent) error
}

// SinkConfig tunes the async sink.
type SinkConfig struct {
	BufferSize     int
	Workers        int
	EnqueueTimeout time.Duration
	Logger         *slog.Logger
}

// AsyncSink buffers authorization decisions and delivers them from worker goroutines so
// Authorize never blocks on the audit path.
type AsyncSink struct {
	events   chan rbac.AuditEvent
	enqueuer Enqueuer
	breaker  *gobreaker.CircuitBreaker
	timeout  time.Duration
	logger   *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	stop   chan struct{}
}

// NewAsyncSink starts the delivery workers.
func NewAsyncSink(enqueuer Enqueuer, cfg SinkConfig) *AsyncSink {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger
	s := &AsyncSink{
		events:   make(chan rbac.AuditEvent, cfg.BufferSize),
		enqueuer: enqueuer,
		timeout:  cfg.EnqueueTimeout,
		logger:   logger,
		stop:     make(chan struct{}),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "audit-delivery",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state change",
					slog.String("name", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		}),
	}
	s.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go s.run()
	}
	return s
}

// Emit queues event without blocking.
func (s *AsyncSink) Emit(_ context.Context, event rbac.AuditEvent) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.events <- event:
		return nil
	default:
		return ErrBufferFull
	}
}

// Close stops accepting events and drains the buffer. When ctx ends first the remaining
// events are abandoned and ctx.Err is returned.
func (s *AsyncSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.events)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		close(s.stop)
		<-done
		return ctx.Err()
	}
}

func (s *AsyncSink) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case event, ok := <-s.events:
			if !ok {
				return
			}
			s.deliver(event)
		}
	}
}

func (s *AsyncSink) deliver(event rbac.AuditEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.enqueuer.EnqueueAuditDecision(ctx, event)
	})
	if err != nil {
		s.logger.Warn("audit delivery failed",
			slog.Int64("user_id", event.UserID),
			slog.String("action", string(event.Action)),
			slog.Any("error", err))
	}
}
