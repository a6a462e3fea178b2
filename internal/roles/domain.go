package roles

import "github.com/odyssey-erp/odyssey-authz/internal/rbac"

// RoleDefaults is one role and the actions it grants by default.
type RoleDefaults struct {
	Role    string        `json:"role"`
	Scope   string        `json:"scope"`
	Actions []rbac.Action `json:"actions"`
}

// Catalog is the listing returned to administrators.
type Catalog struct {
	Actions []rbac.Action  `json:"actions"`
	Global  []RoleDefaults `json:"global"`
	Store   []RoleDefaults `json:"store"`
}
