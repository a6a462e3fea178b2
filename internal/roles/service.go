package roles

import (
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

// Service renders the role catalog.
type Service struct {
	catalog *rbac.Catalog
}

// NewService builds Service instance.
func NewService(catalog *rbac.Catalog) *Service {
	return &Service{catalog: catalog}
}

// Describe lists every action and the defaults of every role in catalog order.
func (s *Service) Describe() (Catalog, error) {
	out := Catalog{Actions: rbac.AllActions()}
	for _, role := range rbac.GlobalRoles() {
		set, err := s.catalog.GlobalDefaults(role)
		if err != nil {
			return Catalog{}, err
		}
		out.Global = append(out.Global, RoleDefaults{Role: string(role), Scope: "global", Actions: set.Sorted()})
	}
	for _, role := range rbac.StoreRoles() {
		set, err := s.catalog.StoreDefaults(role)
		if err != nil {
			return Catalog{}, err
		}
		out.Store = append(out.Store, RoleDefaults{Role: string(role), Scope: "store", Actions: set.Sorted()})
	}
	return out, nil
}
