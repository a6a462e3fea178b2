package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

// DecisionFilters narrows the decision log.
type DecisionFilters struct {
	From     time.Time
	To       time.Time
	UserID   *int64
	Action   *rbac.Action
	StoreID  *int64
	Allowed  *bool
	Page     int
	PageSize int
}

// DecisionRow is one recorded decision.
type DecisionRow struct {
	At        time.Time   `json:"at"`
	UserID    int64       `json:"user_id"`
	Action    rbac.Action `json:"action"`
	Scope     string      `json:"scope"`
	Allowed   bool        `json:"allowed"`
	Reason    rbac.Reason `json:"reason"`
	GrantID   string      `json:"grant_id,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

// PagingInfo describes the current page of a window.
type PagingInfo struct {
	Page     int  `json:"page"`
	PageSize int  `json:"page_size"`
	HasNext  bool `json:"has_next"`
	NextPage int  `json:"next_page,omitempty"`
	PrevPage int  `json:"prev_page,omitempty"`
}

// Result wraps one page of decisions.
type Result struct {
	Rows   []DecisionRow `json:"rows"`
	Paging PagingInfo    `json:"paging"`
}

// Repository reads decision rows newest first.
type Repository interface {
	DecisionWindow(ctx context.Context, filters DecisionFilters, offset, limit int) ([]DecisionRow, error)
}

// Service serves the decision log.
type Service struct {
	repo Repository
}

// NewService builds the decision log service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Decisions returns one page of the decision log.
func (s *Service) Decisions(ctx context.Context, filters DecisionFilters) (Result, error) {
	if s.repo == nil {
		return Result{}, fmt.Errorf("audit: repository not configured")
	}
	if !filters.From.IsZero() && !filters.To.IsZero() && filters.To.Before(filters.From) {
		return Result{}, rbac.NewValidationError("to", "must not be before from")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 50 {
		pageSize = 50
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	rows, err := s.repo.DecisionWindow(ctx, filters, (page-1)*pageSize, pageSize+1)
	if err != nil {
		return Result{}, rbac.StorageError("decision window", err)
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	if rows == nil {
		rows = []DecisionRow{}
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Rows: rows, Paging: paging}, nil
}
