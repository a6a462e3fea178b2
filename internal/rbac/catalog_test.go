package rbac

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalogTables(t *testing.T) {
	c := DefaultCatalog()

	user, err := c.GlobalDefaults(GlobalRoleUser)
	require.NoError(t, err)
	assert.ElementsMatch(t, []Action{ActionCreateStore, ActionReadNotifications, ActionViewRoadmap}, user.Sorted())

	admin, err := c.GlobalDefaults(GlobalRoleAdmin)
	require.NoError(t, err)
	for a := range user {
		assert.True(t, admin.Has(a), "admin should inherit %s", a)
	}
	assert.True(t, admin.Has(ActionListUsers))
	assert.False(t, admin.Has(ActionDeleteUser))
	assert.False(t, admin.Has(ActionManagePermissions))

	root, err := c.GlobalDefaults(GlobalRoleSuperAdmin)
	require.NoError(t, err)
	assert.Len(t, root, len(AllActions()))

	manager, err := c.StoreDefaults(StoreRoleManager)
	require.NoError(t, err)
	assert.True(t, manager.Has(ActionReadStore))
	assert.False(t, manager.Has(ActionManageStoreUsers))

	owner, err := c.StoreDefaults(StoreRoleOwner)
	require.NoError(t, err)
	assert.True(t, owner.Has(ActionManageStoreUsers))
}

func TestCatalogReturnsCopies(t *testing.T) {
	c := DefaultCatalog()
	set, err := c.StoreDefaults(StoreRoleStaff)
	require.NoError(t, err)
	set.Add(ActionDeleteStore)

	again, err := c.StoreDefaults(StoreRoleStaff)
	require.NoError(t, err)
	assert.False(t, again.Has(ActionDeleteStore))
}

func TestCatalogMissingRoleIsConfigurationError(t *testing.T) {
	c := DefaultCatalog()
	_, err := c.GlobalDefaults("AUDITOR")
	assert.ErrorIs(t, err, ErrConfiguration)
	_, err = c.StoreDefaults("CASHIER")
	assert.ErrorIs(t, err, ErrConfiguration)

	tables := DefaultTables()
	delete(tables.Store, StoreRoleStaff)
	_, err = NewCatalog(tables)
	assert.ErrorIs(t, err, ErrConfiguration)

	tables = DefaultTables()
	tables.Global[GlobalRoleUser] = append(tables.Global[GlobalRoleUser], "FLY")
	_, err = NewCatalog(tables)
	assert.ErrorIs(t, err, ErrConfiguration)

	tables = DefaultTables()
	tables.Store["CASHIER"] = []Action{ActionReadStore}
	_, err = NewCatalog(tables)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestStoreRolesListOnlyStoreLevelActions(t *testing.T) {
	assert.True(t, ActionManageStoreUsers.StoreLevel())
	assert.True(t, ActionViewAuditLogs.StoreLevel())
	assert.False(t, ActionViewPermissions.StoreLevel())
	assert.False(t, ActionManagePermissions.StoreLevel())
	assert.False(t, ActionReadUser.StoreLevel())

	tables := DefaultTables()
	tables.Store[StoreRoleOwner] = append(tables.Store[StoreRoleOwner], ActionViewPermissions)
	_, err := NewCatalog(tables)
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = ParseCatalog([]byte(`
global:
  USER: []
  ADMIN: []
  SUPER_ADMIN: []
store:
  OWNER: [READ_STORE, READ_USER]
  MANAGER: []
  STAFF: []
`))
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestLoadCatalogFromYAML(t *testing.T) {
	raw := `
global:
  USER: [read_notifications]
  ADMIN: [READ_NOTIFICATIONS, LIST_USERS]
  SUPER_ADMIN: [MANAGE_PERMISSIONS]
store:
  OWNER: [READ_STORE, MANAGE_STORE_USERS]
  MANAGER: [READ_STORE]
  STAFF: []
`
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	user, err := c.GlobalDefaults(GlobalRoleUser)
	require.NoError(t, err)
	assert.True(t, user.Has(ActionReadNotifications))
	staff, err := c.StoreDefaults(StoreRoleStaff)
	require.NoError(t, err)
	assert.Empty(t, staff)

	_, err = LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = ParseCatalog([]byte("global: ["))
	assert.ErrorIs(t, err, ErrConfiguration)

	def, err := LoadCatalog("")
	require.NoError(t, err)
	assert.Equal(t, DefaultCatalog().Tables(), def.Tables())
}

func TestParseAction(t *testing.T) {
	a, ok := ParseAction(" delete_user ")
	assert.True(t, ok)
	assert.Equal(t, ActionDeleteUser, a)

	_, ok = ParseAction("DELETE_EVERYTHING")
	assert.False(t, ok)
}
