package stores

import (
	"context"
	"log/slog"

	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

// RepositoryPort defines data access methods for store memberships.
type RepositoryPort interface {
	GetStore(ctx context.Context, storeID int64) (Store, error)
	ListMembers(ctx context.Context, storeID int64) ([]Member, error)
	UpsertMember(ctx context.Context, storeID, userID int64, role rbac.StoreRole) (Member, error)
	RemoveMember(ctx context.Context, storeID, userID int64) error
}

// Service manages store memberships. Route guards run before it is called.
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

// GetStore returns store details.
func (s *Service) GetStore(ctx context.Context, storeID int64) (Store, error) {
	store, err := s.repo.GetStore(ctx, storeID)
	if err != nil {
		return Store{}, rbac.StorageError("get store", err)
	}
	return store, nil
}

// ListMembers returns the memberships of a store.
func (s *Service) ListMembers(ctx context.Context, storeID int64) ([]Member, error) {
	members, err := s.repo.ListMembers(ctx, storeID)
	if err != nil {
		return nil, rbac.StorageError("list members", err)
	}
	return members, nil
}

// SetMember assigns a store role. Only owners may appoint other owners.
func (s *Service) SetMember(ctx context.Context, caller *rbac.Principal, storeID int64, in MemberInput) (Member, error) {
	if caller == nil {
		return Member{}, rbac.ErrAuthenticationRequired
	}
	verr := &rbac.ValidationError{}
	if in.UserID <= 0 {
		verr.Add("user_id", "must be a positive integer")
	}
	role, ok := rbac.ParseStoreRole(in.Role)
	if !ok {
		verr.Add("role", "must be OWNER, MANAGER or STAFF")
	}
	if !verr.Empty() {
		return Member{}, verr
	}
	if role == rbac.StoreRoleOwner && !s.canAppointOwner(caller, storeID) {
		return Member{}, rbac.ErrForbidden
	}
	if _, err := s.GetStore(ctx, storeID); err != nil {
		return Member{}, err
	}
	member, err := s.repo.UpsertMember(ctx, storeID, in.UserID, role)
	if err != nil {
		return Member{}, rbac.StorageError("upsert member", err)
	}
	s.logger.Info("store member set",
		slog.Int64("store_id", storeID),
		slog.Int64("user_id", in.UserID),
		slog.String("role", string(role)),
		slog.Int64("changed_by", caller.UserID))
	return member, nil
}

// RemoveMember revokes a membership.
func (s *Service) RemoveMember(ctx context.Context, storeID, userID int64) error {
	if err := s.repo.RemoveMember(ctx, storeID, userID); err != nil {
		return rbac.StorageError("remove member", err)
	}
	return nil
}

func (s *Service) canAppointOwner(caller *rbac.Principal, storeID int64) bool {
	if caller.GlobalRole == rbac.GlobalRoleSuperAdmin {
		return true
	}
	role, ok := caller.StoreRoleIn(storeID)
	return ok && role == rbac.StoreRoleOwner
}
