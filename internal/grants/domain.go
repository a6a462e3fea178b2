package grants

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
	"github.com/odyssey-erp/odyssey-authz/internal/shared"
)

const (
	defaultPerPage = 20
	maxPerPage     = 100
)

// CreateInput describes a new custom grant.
type CreateInput struct {
	SubjectUserID int64           `json:"subject_user_id" validate:"required,gt=0"`
	Action        string          `json:"action" validate:"required"`
	Effect        string          `json:"effect" validate:"required"`
	StoreID       *int64          `json:"store_id,omitempty" validate:"omitempty,gt=0"`
	Conditions    *rbac.Condition `json:"conditions,omitempty"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
	Note          string          `json:"note,omitempty" validate:"max=500"`
}

// Patch lists the mutable grant fields. Nil fields are left untouched; subject and
// scope are fixed at creation.
type Patch struct {
	Action          *string         `json:"action,omitempty"`
	Effect          *string         `json:"effect,omitempty"`
	Conditions      *rbac.Condition `json:"conditions,omitempty"`
	ClearConditions bool            `json:"clear_conditions,omitempty"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
	ClearExpiry     bool            `json:"clear_expiry,omitempty"`
	Note            *string         `json:"note,omitempty" validate:"omitempty,max=500"`
}

// StoreEntry is one grant inside a store-wide replacement.
type StoreEntry struct {
	SubjectUserID int64           `json:"subject_user_id" validate:"required,gt=0"`
	Action        string          `json:"action" validate:"required"`
	Effect        string          `json:"effect" validate:"required"`
	Conditions    *rbac.Condition `json:"conditions,omitempty"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
	Note          string          `json:"note,omitempty" validate:"max=500"`
}

// StoreGrantSet replaces every grant in a store for Subjects (plus every subject named by
// an entry) with Entries.
type StoreGrantSet struct {
	Subjects []int64      `json:"subjects"`
	Entries  []StoreEntry `json:"entries" validate:"dive"`
}

// Stats aggregates grant counts at one instant.
type Stats struct {
	Total       int            `json:"total"`
	Allow       int            `json:"allow"`
	Deny        int            `json:"deny"`
	Global      int            `json:"global"`
	StoreScoped int            `json:"store_scoped"`
	Expired     int            `json:"expired"`
	ByAction    map[string]int `json:"by_action"`
	ByStore     map[int64]int  `json:"by_store"`
	ComputedAt  time.Time      `json:"computed_at"`
}

// SearchQuery filters grants. Zero values disable a filter.
type SearchQuery struct {
	SubjectUserID  *int64
	Action         *rbac.Action
	StoreID        *int64
	GlobalOnly     bool
	Effect         *rbac.Effect
	Text           string
	IncludeExpired bool
	Page           int
	PerPage        int
}

// SearchResult is one page of grants ordered newest first.
type SearchResult struct {
	Grants     []rbac.Grant
	Pagination shared.Pagination
}

// TestInput is a dry-run authorization question.
type TestInput struct {
	UserID   int64          `json:"user_id" validate:"required,gt=0"`
	Action   string         `json:"action" validate:"required"`
	StoreID  *int64         `json:"store_id,omitempty" validate:"omitempty,gt=0"`
	Resource map[string]any `json:"resource,omitempty"`
	At       *time.Time     `json:"at,omitempty"`
}

// Effective is a user's effective permission set in one scope.
type Effective struct {
	UserID     int64           `json:"user_id"`
	StoreID    *int64          `json:"store_id,omitempty"`
	GlobalRole rbac.GlobalRole `json:"global_role"`
	StoreRole  rbac.StoreRole  `json:"store_role,omitempty"`
	Actions    []rbac.Action   `json:"actions"`
	Decisions  []rbac.Decision `json:"decisions"`
}

// Repository persists grants. Single-row writes are atomic; WithTx groups several.
type Repository interface {
	rbac.GrantStore
	Get(ctx context.Context, id uuid.UUID) (rbac.Grant, error)
	ListBySubject(ctx context.Context, userID int64) ([]rbac.Grant, error)
	ListByStore(ctx context.Context, storeID int64) ([]rbac.Grant, error)
	Search(ctx context.Context, q SearchQuery, now time.Time) ([]rbac.Grant, int, error)
	Stats(ctx context.Context, now time.Time) (Stats, error)
	Insert(ctx context.Context, g rbac.Grant) error
	Delete(ctx context.Context, id uuid.UUID) (rbac.Grant, error)
	PurgeExpired(ctx context.Context, before time.Time, limit int) ([]int64, int, error)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	GetForUpdate(ctx context.Context, id uuid.UUID) (rbac.Grant, error)
	Insert(ctx context.Context, g rbac.Grant) error
	Update(ctx context.Context, g rbac.Grant) error
	DeleteStoreGrants(ctx context.Context, storeID int64, subjects []int64) (int64, error)
}

// StoreDirectory answers whether a store exists.
type StoreDirectory interface {
	StoreExists(ctx context.Context, storeID int64) (bool, error)
}

// CacheInvalidator drops cached grant rows for subjects.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, userIDs ...int64) error
}
