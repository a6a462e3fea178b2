package stores

import (
	"time"

	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

// Store is a tenant of the commerce platform.
type Store struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	OwnerID   int64     `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Member links a user to a store with a role.
type Member struct {
	StoreID   int64          `json:"store_id"`
	UserID    int64          `json:"user_id"`
	Role      rbac.StoreRole `json:"role"`
	CreatedAt time.Time      `json:"created_at"`
}

// MemberInput assigns a store role.
type MemberInput struct {
	UserID int64  `json:"user_id"`
	Role   string `json:"role"`
}
