package rbac

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Catalog maps roles to the actions they are granted by default.
// A Catalog is immutable after construction and safe for concurrent use.
type Catalog struct {
	global map[GlobalRole]ActionSet
	store  map[StoreRole]ActionSet
}

// CatalogTables is the raw role → action table representation, as found in a catalog file.
type CatalogTables struct {
	Global map[GlobalRole][]Action `yaml:"global"`
	Store  map[StoreRole][]Action  `yaml:"store"`
}

// NewCatalog validates the tables and builds a Catalog. Every declared role must have an
// entry, every listed action must be known and store roles may only list store-level
// actions; otherwise ErrConfiguration is returned.
func NewCatalog(tables CatalogTables) (*Catalog, error) {
	c := &Catalog{
		global: make(map[GlobalRole]ActionSet, len(tables.Global)),
		store:  make(map[StoreRole]ActionSet, len(tables.Store)),
	}
	for role, actions := range tables.Global {
		if !role.Valid() {
			return nil, fmt.Errorf("%w: unknown global role %q", ErrConfiguration, role)
		}
		set, err := buildActionSet(string(role), actions)
		if err != nil {
			return nil, err
		}
		c.global[role] = set
	}
	for role, actions := range tables.Store {
		if !role.Valid() {
			return nil, fmt.Errorf("%w: unknown store role %q", ErrConfiguration, role)
		}
		set, err := buildActionSet(string(role), actions)
		if err != nil {
			return nil, err
		}
		for _, action := range set.Sorted() {
			if !action.StoreLevel() {
				return nil, fmt.Errorf("%w: store role %s lists platform action %s", ErrConfiguration, role, action)
			}
		}
		c.store[role] = set
	}
	for _, role := range GlobalRoles() {
		if _, ok := c.global[role]; !ok {
			return nil, fmt.Errorf("%w: no table for global role %s", ErrConfiguration, role)
		}
	}
	for _, role := range StoreRoles() {
		if _, ok := c.store[role]; !ok {
			return nil, fmt.Errorf("%w: no table for store role %s", ErrConfiguration, role)
		}
	}
	return c, nil
}

func buildActionSet(role string, actions []Action) (ActionSet, error) {
	set := make(ActionSet, len(actions))
	for _, raw := range actions {
		action, ok := ParseAction(string(raw))
		if !ok {
			return nil, fmt.Errorf("%w: role %s lists unknown action %q", ErrConfiguration, role, raw)
		}
		set.Add(action)
	}
	return set, nil
}

// GlobalDefaults returns a copy of the default actions for a global role.
func (c *Catalog) GlobalDefaults(role GlobalRole) (ActionSet, error) {
	set, ok := c.global[role]
	if !ok {
		return nil, fmt.Errorf("%w: no table for global role %q", ErrConfiguration, role)
	}
	return set.Clone(), nil
}

// StoreDefaults returns a copy of the default actions for a store role.
func (c *Catalog) StoreDefaults(role StoreRole) (ActionSet, error) {
	set, ok := c.store[role]
	if !ok {
		return nil, fmt.Errorf("%w: no table for store role %q", ErrConfiguration, role)
	}
	return set.Clone(), nil
}

func (c *Catalog) globalHas(role GlobalRole, action Action) (bool, error) {
	set, ok := c.global[role]
	if !ok {
		return false, fmt.Errorf("%w: no table for global role %q", ErrConfiguration, role)
	}
	return set.Has(action), nil
}

func (c *Catalog) storeHas(role StoreRole, action Action) (bool, error) {
	set, ok := c.store[role]
	if !ok {
		return false, fmt.Errorf("%w: no table for store role %q", ErrConfiguration, role)
	}
	return set.Has(action), nil
}

// Tables returns the catalog as raw tables with actions in identifier order.
func (c *Catalog) Tables() CatalogTables {
	out := CatalogTables{
		Global: make(map[GlobalRole][]Action, len(c.global)),
		Store:  make(map[StoreRole][]Action, len(c.store)),
	}
	for role, set := range c.global {
		out.Global[role] = set.Sorted()
	}
	for role, set := range c.store {
		out.Store[role] = set.Sorted()
	}
	return out
}

// LoadCatalog reads catalog tables from a YAML file. An empty path yields DefaultCatalog.
func LoadCatalog(path string) (*Catalog, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultCatalog(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read catalog: %w", ErrConfiguration, err)
	}
	return ParseCatalog(raw)
}

// ParseCatalog decodes YAML catalog tables and validates them.
func ParseCatalog(raw []byte) (*Catalog, error) {
	var tables CatalogTables
	if err := yaml.Unmarshal(raw, &tables); err != nil {
		return nil, fmt.Errorf("%w: decode catalog: %w", ErrConfiguration, err)
	}
	return NewCatalog(tables)
}

// DefaultCatalog returns the built-in role tables.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultTables())
	if err != nil {
		panic(err)
	}
	return c
}

// DefaultTables returns the built-in role → action tables.
func DefaultTables() CatalogTables {
	user := []Action{
		ActionReadNotifications,
		ActionViewRoadmap,
		ActionCreateStore,
	}
	admin := append(append([]Action{}, user...),
		ActionCreateUser,
		ActionReadUser,
		ActionListUsers,
		ActionUpdateUser,
		ActionReadStore,
		ActionListStores,
		ActionViewAuditLogs,
		ActionViewPermissions,
		ActionSendNotification,
		ActionManageRoadmap,
	)
	return CatalogTables{
		Global: map[GlobalRole][]Action{
			GlobalRoleUser:       user,
			GlobalRoleAdmin:      admin,
			GlobalRoleSuperAdmin: AllActions(),
		},
		Store: map[StoreRole][]Action{
			StoreRoleOwner: {
				ActionReadStore,
				ActionUpdateStore,
				ActionDeleteStore,
				ActionManageStoreUsers,
				ActionCreateProduct,
				ActionReadProduct,
				ActionUpdateProduct,
				ActionDeleteProduct,
				ActionManageInventory,
				ActionReadChat,
				ActionManageSubscription,
				ActionViewAuditLogs,
			},
			StoreRoleManager: {
				ActionReadStore,
				ActionUpdateStore,
				ActionCreateProduct,
				ActionReadProduct,
				ActionUpdateProduct,
				ActionDeleteProduct,
				ActionManageInventory,
				ActionReadChat,
				ActionViewAuditLogs,
			},
			StoreRoleStaff: {
				ActionReadStore,
				ActionReadProduct,
				ActionUpdateProduct,
				ActionManageInventory,
				ActionReadChat,
			},
		},
	}
}
