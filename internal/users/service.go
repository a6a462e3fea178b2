package users

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

// ErrRoleEscalation is returned when a caller assigns a role above their own.
var ErrRoleEscalation = fmt.Errorf("users: cannot assign a role above your own: %w", rbac.ErrForbidden)

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	ListUsers(ctx context.Context) ([]User, error)
	GetUser(ctx context.Context, id int64) (User, error)
	SetGlobalRole(ctx context.Context, userID int64, role rbac.GlobalRole) (User, error)
}

// Service handles user business logic.
type Service struct {
	repo   RepositoryPort
	logger *slog.Logger
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger}
}

// ListUsers returns all users.
func (s *Service) ListUsers(ctx context.Context) ([]User, error) {
	users, err := s.repo.ListUsers(ctx)
	if err != nil {
		return nil, rbac.StorageError("list users", err)
	}
	return users, nil
}

// GetUser returns a single user.
func (s *Service) GetUser(ctx context.Context, id int64) (User, error) {
	user, err := s.repo.GetUser(ctx, id)
	if err != nil {
		return User{}, rbac.StorageError("get user", err)
	}
	return user, nil
}

// SetGlobalRole assigns role to userID. Callers may not grant a role ranked above their own.
func (s *Service) SetGlobalRole(ctx context.Context, caller *rbac.Principal, userID int64, raw string) (User, error) {
	if caller == nil {
		return User{}, rbac.ErrAuthenticationRequired
	}
	role, ok := rbac.ParseGlobalRole(raw)
	if !ok {
		return User{}, rbac.NewValidationError("global_role", "unknown role")
	}
	callerRole := caller.GlobalRole
	if callerRole == "" {
		callerRole = rbac.DefaultGlobalRole
	}
	if role.Rank() > callerRole.Rank() {
		return User{}, ErrRoleEscalation
	}
	target, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return User{}, rbac.StorageError("get user", err)
	}
	if target.GlobalRole.Rank() > callerRole.Rank() {
		return User{}, ErrRoleEscalation
	}
	user, err := s.repo.SetGlobalRole(ctx, userID, role)
	if err != nil {
		return User{}, rbac.StorageError("set global role", err)
	}
	s.logger.Info("global role changed",
		slog.Int64("user_id", userID),
		slog.String("role", string(role)),
		slog.Int64("changed_by", caller.UserID))
	return user, nil
}
