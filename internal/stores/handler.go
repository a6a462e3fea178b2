package stores

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-authz/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

// Handler exposes store membership endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers store routes.
func (h *Handler) MountRoutes(r chi.Router) {
	store := rbac.StoreFromURLParam("storeID")
	r.Route("/{storeID}", func(r chi.Router) {
		r.With(h.rbac.Require(rbac.ActionReadStore, store)).Get("/", h.getStore)
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.Require(rbac.ActionManageStoreUsers, store))
			r.Get("/members", h.listMembers)
			r.Put("/members", h.setMember)
			r.Delete("/members/{userID}", h.removeMember)
		})
	})
}

func (h *Handler) getStore(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "storeID")
	if !ok {
		return
	}
	store, err := h.service.GetStore(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, store)
}

func (h *Handler) listMembers(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "storeID")
	if !ok {
		return
	}
	members, err := h.service.ListMembers(r.Context(), id)
	if err != nil {
		h.logger.Error("list members failed", slog.Int64("store_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if members == nil {
		members = []Member{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"members": members})
}

func (h *Handler) setMember(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "storeID")
	if !ok {
		return
	}
	var in MemberInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	member, err := h.service.SetMember(r.Context(), rbac.PrincipalFromContext(r.Context()), id, in)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, member)
}

func (h *Handler) removeMember(w http.ResponseWriter, r *http.Request) {
	storeID, ok := pathID(w, r, "storeID")
	if !ok {
		return
	}
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	if err := h.service.RemoveMember(r.Context(), storeID, userID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, rbac.NewValidationError(name, "must be a positive integer"))
		return 0, false
	}
	return id, true
}
