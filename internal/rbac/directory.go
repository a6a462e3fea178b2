package rbac

import (
	"context"
	"fmt"
)

// UserLookup resolves a user's global role. Missing users yield ErrUnknownPrincipal.
type UserLookup interface {
	GlobalRole(ctx context.Context, userID int64) (GlobalRole, error)
}

// StoreRoleLookup resolves the role a user holds in a store, if any.
type StoreRoleLookup interface {
	StoreRole(ctx context.Context, userID, storeID int64) (StoreRole, bool, error)
}

// Directory builds principals from user and store membership lookups.
type Directory struct {
	Users  UserLookup
	Stores StoreRoleLookup
}

// NewDirectory constructs a Directory.
func NewDirectory(users UserLookup, stores StoreRoleLookup) *Directory {
	return &Directory{Users: users, Stores: stores}
}

// Principal implements PrincipalProvider.
func (d *Directory) Principal(ctx context.Context, userID int64, storeID *int64) (Principal, error) {
	role, err := d.Users.GlobalRole(ctx, userID)
	if err != nil {
		return Principal{}, StorageError("lookup global role", err)
	}
	if role == "" {
		role = DefaultGlobalRole
	}
	if !role.Valid() {
		return Principal{}, fmt.Errorf("%w: user %d has unknown global role %q", ErrConfiguration, userID, role)
	}
	p := Principal{UserID: userID, GlobalRole: role, StoreRoles: map[int64]StoreRole{}}
	if storeID == nil || d.Stores == nil {
		return p, nil
	}
	if err := d.attachStore(ctx, &p, *storeID); err != nil {
		return Principal{}, err
	}
	return p, nil
}

// WithStore returns a copy of p that also carries its role in storeID.
func (d *Directory) WithStore(ctx context.Context, p Principal, storeID int64) (Principal, error) {
	if _, ok := p.StoreRoleIn(storeID); ok || d == nil || d.Stores == nil {
		return p, nil
	}
	out := Principal{UserID: p.UserID, GlobalRole: p.GlobalRole, StoreRoles: make(map[int64]StoreRole, len(p.StoreRoles)+1)}
	for id, role := range p.StoreRoles {
		out.StoreRoles[id] = role
	}
	if err := d.attachStore(ctx, &out, storeID); err != nil {
		return Principal{}, err
	}
	return out, nil
}

func (d *Directory) attachStore(ctx context.Context, p *Principal, storeID int64) error {
	role, ok, err := d.Stores.StoreRole(ctx, p.UserID, storeID)
	if err != nil {
		return StorageError("lookup store role", err)
	}
	if !ok {
		return nil
	}
	if !role.Valid() {
		return fmt.Errorf("%w: user %d has unknown role %q in store %d", ErrConfiguration, p.UserID, role, storeID)
	}
	p.StoreRoles[storeID] = role
	return nil
}
