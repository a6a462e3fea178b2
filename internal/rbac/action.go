package rbac

import (
	"sort"
	"strings"
)

// Action is a fine-grained operation identifier subject to authorization.
// Identifiers are stable strings; new actions are appended, never renamed.
type Action string

const (
	ActionCreateUser         Action = "CREATE_USER"
	ActionReadUser           Action = "READ_USER"
	ActionListUsers          Action = "LIST_USERS"
	ActionUpdateUser         Action = "UPDATE_USER"
	ActionDeleteUser         Action = "DELETE_USER"
	ActionCreateStore        Action = "CREATE_STORE"
	ActionReadStore          Action = "READ_STORE"
	ActionListStores         Action = "LIST_STORES"
	ActionUpdateStore        Action = "UPDATE_STORE"
	ActionDeleteStore        Action = "DELETE_STORE"
	ActionManageStoreUsers   Action = "MANAGE_STORE_USERS"
	ActionCreateProduct      Action = "CREATE_PRODUCT"
	ActionReadProduct        Action = "READ_PRODUCT"
	ActionUpdateProduct      Action = "UPDATE_PRODUCT"
	ActionDeleteProduct      Action = "DELETE_PRODUCT"
	ActionManageInventory    Action = "MANAGE_INVENTORY"
	ActionViewAuditLogs      Action = "VIEW_AUDIT_LOGS"
	ActionViewPermissions    Action = "VIEW_PERMISSIONS"
	ActionManagePermissions  Action = "MANAGE_PERMISSIONS"
	ActionSendNotification   Action = "SEND_NOTIFICATION"
	ActionReadNotifications  Action = "READ_NOTIFICATIONS"
	ActionReadChat           Action = "READ_CHAT"
	ActionManageSubscription Action = "MANAGE_SUBSCRIPTION"
	ActionViewRoadmap        Action = "VIEW_ROADMAP"
	ActionManageRoadmap      Action = "MANAGE_ROADMAP"
)

var allActions = []Action{
	ActionCreateUser,
	ActionReadUser,
	ActionListUsers,
	ActionUpdateUser,
	ActionDeleteUser,
	ActionCreateStore,
	ActionReadStore,
	ActionListStores,
	ActionUpdateStore,
	ActionDeleteStore,
	ActionManageStoreUsers,
	ActionCreateProduct,
	ActionReadProduct,
	ActionUpdateProduct,
	ActionDeleteProduct,
	ActionManageInventory,
	ActionViewAuditLogs,
	ActionViewPermissions,
	ActionManagePermissions,
	ActionSendNotification,
	ActionReadNotifications,
	ActionReadChat,
	ActionManageSubscription,
	ActionViewRoadmap,
	ActionManageRoadmap,
}

var knownActions = func() map[Action]struct{} {
	set := make(map[Action]struct{}, len(allActions))
	for _, a := range allActions {
		set[a] = struct{}{}
	}
	return set
}()

// storeLevelActions may be granted inside a store. Everything else is platform-wide.
var storeLevelActions = NewActionSet(
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
)

// StoreLevel reports whether the action may be granted within a single store, either by a
// store role or by a store-scoped grant.
func (a Action) StoreLevel() bool {
	return storeLevelActions.Has(a)
}

// AllActions returns every declared action in catalog order.
func AllActions() []Action {
	out := make([]Action, len(allActions))
	copy(out, allActions)
	return out
}

// Valid reports whether the action belongs to the declared set.
func (a Action) Valid() bool {
	_, ok := knownActions[a]
	return ok
}

func (a Action) String() string { return string(a) }

// ParseAction normalises raw input ("delete_user", " DELETE_USER ") into a known Action.
func ParseAction(raw string) (Action, bool) {
	a := Action(strings.ToUpper(strings.TrimSpace(raw)))
	if !a.Valid() {
		return "", false
	}
	return a, true
}

// ActionSet is an unordered set of actions.
type ActionSet map[Action]struct{}

// NewActionSet builds a set from the given actions.
func NewActionSet(actions ...Action) ActionSet {
	set := make(ActionSet, len(actions))
	for _, a := range actions {
		set[a] = struct{}{}
	}
	return set
}

// Has reports membership.
func (s ActionSet) Has(a Action) bool {
	_, ok := s[a]
	return ok
}

// Add inserts a.
func (s ActionSet) Add(a Action) {
	s[a] = struct{}{}
}

// Clone returns an independent copy.
func (s ActionSet) Clone() ActionSet {
	out := make(ActionSet, len(s))
	for a := range s {
		out[a] = struct{}{}
	}
	return out
}

// Sorted returns the members ordered by identifier.
func (s ActionSet) Sorted() []Action {
	out := make([]Action, 0, len(s))
	for a := range s {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
