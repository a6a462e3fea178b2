package rbac

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// AuditEvent is the record handed to an AuditSink for every decision.
type AuditEvent struct {
	OccurredAt     time.Time  `json:"occurred_at"`
	UserID         int64      `json:"user_id"`
	Action         Action     `json:"action"`
	StoreID        *int64     `json:"store_id,omitempty"`
	Allowed        bool       `json:"allowed"`
	Reason         Reason     `json:"reason"`
	MatchedGrantID *uuid.UUID `json:"matched_grant_id,omitempty"`
	RequestID      string     `json:"request_id,omitempty"`
}

// AuditSink accepts decision records. Implementations must not block the caller.
type AuditSink interface {
	Emit(ctx context.Context, event AuditEvent) error
}

// Authorizer is the gate every guarded operation calls before proceeding.
type Authorizer struct {
	resolver *Resolver
	sink     AuditSink
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// AuthorizerOption customises an Authorizer.
type AuthorizerOption func(*Authorizer)

// WithAuditSink attaches an audit sink.
func WithAuditSink(sink AuditSink) AuthorizerOption {
	return func(a *Authorizer) { a.sink = sink }
}

// WithMetrics attaches decision metrics.
func WithMetrics(m *Metrics) AuthorizerOption {
	return func(a *Authorizer) { a.metrics = m }
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) AuthorizerOption {
	return func(a *Authorizer) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) AuthorizerOption {
	return func(a *Authorizer) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAuthorizer wraps a resolver.
func NewAuthorizer(resolver *Resolver, opts ...AuthorizerOption) *Authorizer {
	a := &Authorizer{resolver: resolver, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Resolver exposes the underlying resolver.
func (a *Authorizer) Resolver() *Resolver { return a.resolver }

// Authorize decides whether principal may perform action in ec. A nil principal yields
// ErrAuthenticationRequired; a denial is returned as a Decision with Allowed=false.
func (a *Authorizer) Authorize(ctx context.Context, principal *Principal, action Action, ec EvalContext) (Decision, error) {
	if principal == nil {
		a.metrics.failure(action, "unauthenticated")
		return Decision{}, ErrAuthenticationRequired
	}
	if ec.Now.IsZero() {
		ec.Now = a.now()
	}
	start := time.Now()
	decision, err := a.resolver.Resolve(ctx, *principal, action, ec)
	if err != nil {
		kind := "storage"
		if errors.Is(err, ErrConfiguration) {
			kind = "configuration"
		}
		a.metrics.failure(action, kind)
		a.logger.Error("authorize", slog.String("action", string(action)), slog.Int64("user_id", principal.UserID), slog.Any("error", err))
		return Decision{}, err
	}
	a.metrics.observe(decision, time.Since(start))
	a.emit(ctx, principal, ec, decision)
	return decision, nil
}

// Require is Authorize with denial translated into ErrForbidden.
func (a *Authorizer) Require(ctx context.Context, principal *Principal, action Action, ec EvalContext) error {
	decision, err := a.Authorize(ctx, principal, action, ec)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return ErrForbidden
	}
	return nil
}

func (a *Authorizer) emit(ctx context.Context, principal *Principal, ec EvalContext, decision Decision) {
	if a.sink == nil {
		return
	}
	event := AuditEvent{
		OccurredAt:     ec.Now,
		UserID:         principal.UserID,
		Action:         decision.Action,
		StoreID:        ec.StoreID,
		Allowed:        decision.Allowed,
		Reason:         decision.Reason,
		MatchedGrantID: decision.MatchedGrantID,
		RequestID:      middleware.GetReqID(ctx),
	}
	if err := a.sink.Emit(context.WithoutCancel(ctx), event); err != nil {
		a.metrics.AuditDropped()
		a.logger.Warn("audit emit", slog.String("action", string(decision.Action)), slog.Any("error", err))
	}
}
