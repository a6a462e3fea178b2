package stores

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

type memberKey struct{ store, user int64 }

type fakeRepo struct {
	stores  map[int64]Store
	members map[memberKey]rbac.StoreRole
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		stores: map[int64]Store{7: {ID: 7, Name: "Batik Corner", OwnerID: 1}},
		members: map[memberKey]rbac.StoreRole{
			{7, 1}: rbac.StoreRoleOwner,
			{7, 2}: rbac.StoreRoleManager,
			{7, 3}: rbac.StoreRoleStaff,
		},
	}
}

func (f *fakeRepo) GetStore(_ context.Context, id int64) (Store, error) {
	s, ok := f.stores[id]
	if !ok {
		return Store{}, ErrStoreNotFound
	}
	return s, nil
}

func (f *fakeRepo) ListMembers(_ context.Context, storeID int64) ([]Member, error) {
	var out []Member
	for k, role := range f.members {
		if k.store == storeID {
			out = append(out, Member{StoreID: k.store, UserID: k.user, Role: role})
		}
	}
	return out, nil
}

func (f *fakeRepo) UpsertMember(_ context.Context, storeID, userID int64, role rbac.StoreRole) (Member, error) {
	f.members[memberKey{storeID, userID}] = role
	return Member{StoreID: storeID, UserID: userID, Role: role}, nil
}

func (f *fakeRepo) RemoveMember(_ context.Context, storeID, userID int64) error {
	if _, ok := f.members[memberKey{storeID, userID}]; !ok {
		return rbac.ErrNotFound
	}
	delete(f.members, memberKey{storeID, userID})
	return nil
}

func (f *fakeRepo) StoreRole(_ context.Context, userID, storeID int64) (rbac.StoreRole, bool, error) {
	role, ok := f.members[memberKey{storeID, userID}]
	return role, ok, nil
}

type users map[int64]rbac.GlobalRole

func (u users) GlobalRole(_ context.Context, id int64) (rbac.GlobalRole, error) {
	role, ok := u[id]
	if !ok {
		return "", rbac.ErrUnknownPrincipal
	}
	return role, nil
}

type noGrants struct{}

func (noGrants) ListApplicable(context.Context, int64, *int64, time.Time) ([]rbac.Grant, error) {
	return nil, nil
}

func TestSetMember(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()
	owner := &rbac.Principal{UserID: 1, StoreRoles: map[int64]rbac.StoreRole{7: rbac.StoreRoleOwner}}
	manager := &rbac.Principal{UserID: 2, StoreRoles: map[int64]rbac.StoreRole{7: rbac.StoreRoleManager}}

	m, err := svc.SetMember(ctx, owner, 7, MemberInput{UserID: 4, Role: "staff"})
	require.NoError(t, err)
	assert.Equal(t, rbac.StoreRoleStaff, m.Role)

	_, err = svc.SetMember(ctx, manager, 7, MemberInput{UserID: 4, Role: "OWNER"})
	assert.ErrorIs(t, err, rbac.ErrForbidden)

	_, err = svc.SetMember(ctx, &rbac.Principal{UserID: 9, GlobalRole: rbac.GlobalRoleSuperAdmin}, 7, MemberInput{UserID: 4, Role: "OWNER"})
	require.NoError(t, err)

	_, err = svc.SetMember(ctx, owner, 7, MemberInput{UserID: 0, Role: "CASHIER"})
	var verr *rbac.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "user_id")
	assert.Contains(t, verr.Fields, "role")

	_, err = svc.SetMember(ctx, owner, 99, MemberInput{UserID: 4, Role: "STAFF"})
	assert.ErrorIs(t, err, rbac.ErrNotFound)
}

func TestHandlerUsesStoreRole(t *testing.T) {
	repo := newFakeRepo()
	authz := rbac.NewAuthorizer(rbac.NewResolver(rbac.DefaultCatalog(), noGrants{}, nil))
	mw := rbac.Middleware{Authorizer: authz, Directory: rbac.NewDirectory(users{1: rbac.GlobalRoleUser, 2: rbac.GlobalRoleUser, 3: rbac.GlobalRoleUser}, repo)}
	r := chi.NewRouter()
	r.Route("/stores", NewHandler(nil, NewService(repo, nil), mw).MountRoutes)

	serve := func(method, target, body string, userID int64) int {
		req := httptest.NewRequest(method, target, strings.NewReader(body))
		req = req.WithContext(rbac.ContextWithPrincipal(req.Context(), &rbac.Principal{UserID: userID, GlobalRole: rbac.GlobalRoleUser}))
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		return rr.Code
	}

	assert.Equal(t, http.StatusOK, serve(http.MethodGet, "/stores/7/", "", 3))
	assert.Equal(t, http.StatusForbidden, serve(http.MethodGet, "/stores/7/members", "", 3))
	assert.Equal(t, http.StatusForbidden, serve(http.MethodGet, "/stores/7/members", "", 2))
	assert.Equal(t, http.StatusOK, serve(http.MethodGet, "/stores/7/members", "", 1))
	assert.Equal(t, http.StatusOK, serve(http.MethodPut, "/stores/7/members", `{"user_id":5,"role":"OWNER"}`, 1))
	assert.Equal(t, http.StatusNoContent, serve(http.MethodDelete, "/stores/7/members/5", "", 1))
	assert.Equal(t, http.StatusNotFound, serve(http.MethodDelete, "/stores/7/members/5", "", 1))
	assert.Equal(t, http.StatusForbidden, serve(http.MethodGet, "/stores/8/", "", 1))
}
