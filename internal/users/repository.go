package users

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

const userColumns = `id, email, name, global_role, is_active, created_at, updated_at`

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListUsers returns all users.
func (r *Repository) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

// GetUser loads a single user.
func (r *Repository) GetUser(ctx context.Context, id int64) (User, error) {
	user, err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, rbac.ErrUnknownPrincipal
	}
	return user, err
}

// GlobalRole returns the stored global role of an active user. It satisfies rbac.UserLookup.
func (r *Repository) GlobalRole(ctx context.Context, userID int64) (rbac.GlobalRole, error) {
	var role string
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(global_role, '') FROM users WHERE id = $1 AND is_active`, userID).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", rbac.ErrUnknownPrincipal
	}
	if err != nil {
		return "", err
	}
	return rbac.GlobalRole(role), nil
}

// SetGlobalRole changes a user's global role.
func (r *Repository) SetGlobalRole(ctx context.Context, userID int64, role rbac.GlobalRole) (User, error) {
	user, err := scanUser(r.pool.QueryRow(ctx,
		`UPDATE users SET global_role = $2, updated_at = NOW() WHERE id = $1 RETURNING `+userColumns,
		userID, string(role)))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, rbac.ErrUnknownPrincipal
	}
	return user, err
}

func scanUser(row pgx.Row) (User, error) {
	var (
		user User
		role string
	)
	if err := row.Scan(&user.ID, &user.Email, &user.Name, &role, &user.IsActive, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return User{}, err
	}
	user.GlobalRole = rbac.GlobalRole(role)
	return user, nil
}
