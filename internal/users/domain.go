package users

import (
	"time"

	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

// User represents a user account and its global role.
type User struct {
	ID         int64           `json:"id"`
	Email      string          `json:"email"`
	Name       string          `json:"name"`
	GlobalRole rbac.GlobalRole `json:"global_role"`
	IsActive   bool            `json:"is_active"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}
