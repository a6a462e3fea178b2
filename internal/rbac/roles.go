package rbac

import "strings"

// GlobalRole is the account-wide role of a user.
type GlobalRole string

const (
	GlobalRoleUser       GlobalRole = "USER"
	GlobalRoleAdmin      GlobalRole = "ADMIN"
	GlobalRoleSuperAdmin GlobalRole = "SUPER_ADMIN"
)

// DefaultGlobalRole is assigned to accounts without an explicit role.
const DefaultGlobalRole = GlobalRoleUser

// GlobalRoles lists the global roles from least to most privileged.
func GlobalRoles() []GlobalRole {
	return []GlobalRole{GlobalRoleUser, GlobalRoleAdmin, GlobalRoleSuperAdmin}
}

// Rank orders global roles; unknown roles rank below USER.
func (r GlobalRole) Rank() int {
	switch r {
	case GlobalRoleUser:
		return 1
	case GlobalRoleAdmin:
		return 2
	case GlobalRoleSuperAdmin:
		return 3
	default:
		return 0
	}
}

// Valid reports whether r is a declared global role.
func (r GlobalRole) Valid() bool { return r.Rank() > 0 }

// ParseGlobalRole normalises raw input, returning DefaultGlobalRole for blanks.
func ParseGlobalRole(raw string) (GlobalRole, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultGlobalRole, true
	}
	r := GlobalRole(strings.ToUpper(raw))
	return r, r.Valid()
}

// StoreRole is a role held by a user within one store.
type StoreRole string

const (
	StoreRoleOwner   StoreRole = "OWNER"
	StoreRoleManager StoreRole = "MANAGER"
	StoreRoleStaff   StoreRole = "STAFF"
)

// StoreRoles lists every store role.
func StoreRoles() []StoreRole {
	return []StoreRole{StoreRoleOwner, StoreRoleManager, StoreRoleStaff}
}

// Valid reports whether r is a declared store role.
func (r StoreRole) Valid() bool {
	switch r {
	case StoreRoleOwner, StoreRoleManager, StoreRoleStaff:
		return true
	default:
		return false
	}
}

// ParseStoreRole normalises raw input.
func ParseStoreRole(raw string) (StoreRole, bool) {
	r := StoreRole(strings.ToUpper(strings.TrimSpace(raw)))
	return r, r.Valid()
}
