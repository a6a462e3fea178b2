package stores

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

// ErrStoreNotFound indicates that the store does not exist.
var ErrStoreNotFound = fmt.Errorf("stores: store %w", rbac.ErrNotFound)

// Repository provides PostgreSQL backed persistence for stores and memberships.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// StoreExists reports whether the store exists.
func (r *Repository) StoreExists(ctx context.Context, storeID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM stores WHERE id = $1)`, storeID).Scan(&exists)
	return exists, err
}

// StoreRole returns the member role of userID in storeID. It satisfies rbac.StoreRoleLookup.
func (r *Repository) StoreRole(ctx context.Context, userID, storeID int64) (rbac.StoreRole, bool, error) {
	var role string
	err := r.pool.QueryRow(ctx, `SELECT role FROM store_members WHERE store_id = $1 AND user_id = $2`, storeID, userID).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return rbac.StoreRole(role), true, nil
}

// GetStore loads a store by id.
func (r *Repository) GetStore(ctx context.Context, storeID int64) (Store, error) {
	var s Store
	err := r.pool.QueryRow(ctx, `SELECT id, name, owner_id, created_at FROM stores WHERE id = $1`, storeID).
		Scan(&s.ID, &s.Name, &s.OwnerID, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Store{}, ErrStoreNotFound
	}
	return s, err
}

// ListMembers returns every membership of a store.
func (r *Repository) ListMembers(ctx context.Context, storeID int64) ([]Member, error) {
	rows, err := r.pool.Query(ctx, `SELECT store_id, user_id, role, created_at FROM store_members WHERE store_id = $1 ORDER BY user_id`, storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var members []Member
	for rows.Next() {
		var (
			m    Member
			role string
		)
		if err := rows.Scan(&m.StoreID, &m.UserID, &role, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = rbac.StoreRole(role)
		members = append(members, m)
	}
	return members, rows.Err()
}

// UpsertMember creates or changes a membership.
func (r *Repository) UpsertMember(ctx context.Context, storeID, userID int64, role rbac.StoreRole) (Member, error) {
	m := Member{StoreID: storeID, UserID: userID, Role: role}
	err := r.pool.QueryRow(ctx, `INSERT INTO store_members (store_id, user_id, role)
VALUES ($1, $2, $3)
ON CONFLICT (store_id, user_id) DO UPDATE SET role = EXCLUDED.role
RETURNING created_at`, storeID, userID, string(role)).Scan(&m.CreatedAt)
	return m, err
}

// RemoveMember deletes a membership.
func (r *Repository) RemoveMember(ctx context.Context, storeID, userID int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM store_members WHERE store_id = $1 AND user_id = $2`, storeID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("stores: membership %w", rbac.ErrNotFound)
	}
	return nil
}
