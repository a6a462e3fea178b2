package rbac

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-authz/internal/platform/httpx"
)

// StoreHeader carries the store in scope when the route has no store parameter.
const StoreHeader = "X-Store-ID"

// StoreResolver extracts the store in scope from a request; nil means global scope.
type StoreResolver func(r *http.Request) (*int64, error)

// Middleware wires the authorization gate into HTTP handlers.
type Middleware struct {
	Authorizer *Authorizer
	Directory  *Directory
	Logger     *slog.Logger
}

// Require ensures the current principal is allowed to perform action in the store
// returned by store (global when store is nil).
func (m Middleware) Require(action Action, store StoreResolver) func(http.Handler) http.Handler {
	return m.require(store, action)
}

// RequireAny passes when at least one of the actions is allowed.
func (m Middleware) RequireAny(store StoreResolver, actions ...Action) func(http.Handler) http.Handler {
	return m.require(store, actions...)
}

func (m Middleware) require(store StoreResolver, actions ...Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(actions) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			principal := PrincipalFromContext(r.Context())
			if principal == nil {
				httpx.RespondError(w, ErrAuthenticationRequired)
				return
			}
			var storeID *int64
			if store != nil {
				id, err := store(r)
				if err != nil {
					httpx.RespondError(w, err)
					return
				}
				storeID = id
			}
			if storeID != nil && m.Directory != nil {
				scoped, err := m.Directory.WithStore(r.Context(), *principal, *storeID)
				if err != nil {
					m.logError("rbac store role", err)
					httpx.RespondError(w, err)
					return
				}
				principal = &scoped
			}
			ctx := ContextWithPrincipal(r.Context(), principal)
			ec := EvalContext{StoreID: storeID}
			for _, action := range actions {
				decision, err := m.Authorizer.Authorize(ctx, principal, action, ec)
				if err != nil {
					m.logError("rbac require", err)
					httpx.RespondError(w, err)
					return
				}
				if decision.Allowed {
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}
			httpx.Problem(w, http.StatusForbidden, "Forbidden", "missing permission "+string(actions[0]))
		})
	}
}

func (m Middleware) logError(msg string, err error) {
	if m.Logger == nil || errors.Is(err, httpx.ErrUnauthorized) {
		return
	}
	m.Logger.Error(msg, slog.Any("error", err))
}

// GlobalScope resolves every request to global scope.
func GlobalScope(*http.Request) (*int64, error) { return nil, nil }

// StoreFromURLParam reads the store id from a chi route parameter.
func StoreFromURLParam(name string) StoreResolver {
	return func(r *http.Request) (*int64, error) {
		return parseStoreID(name, chi.URLParam(r, name))
	}
}

// StoreFromRequest reads the storeID route parameter, falling back to the X-Store-ID header.
func StoreFromRequest(r *http.Request) (*int64, error) {
	if raw := chi.URLParam(r, "storeID"); raw != "" {
		return parseStoreID("storeID", raw)
	}
	return parseStoreID("store_id", r.Header.Get(StoreHeader))
}

func parseStoreID(field, raw string) (*int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return nil, NewValidationError(field, "must be a positive integer")
	}
	return &id, nil
}
