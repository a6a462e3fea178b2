package grants

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-authz/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

// Handler exposes the grant administration API.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers permission routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/grants", func(r chi.Router) {
		r.Get("/", h.search)
		r.Post("/", h.create)
		r.Post("/purge-expired", h.purgeExpired)
		r.Get("/{grantID}", h.get)
		r.Patch("/{grantID}", h.update)
		r.Delete("/{grantID}", h.delete)
	})
	r.Get("/users/{userID}/grants", h.listUserGrants)
	r.Get("/users/{userID}/effective", h.effective)
	r.Get("/stores/{storeID}/grants", h.listStoreGrants)
	r.Put("/stores/{storeID}/grants", h.setStoreGrants)
	r.Post("/test", h.test)
	r.Get("/stats", h.stats)
}

type grantList struct {
	Grants []rbac.Grant `json:"grants"`
}

type purgeRequest struct {
	Before *time.Time `json:"before,omitempty"`
	Limit  int        `json:"limit,omitempty"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var in CreateInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	grant, err := h.service.CreateGrant(r.Context(), rbac.PrincipalFromContext(r.Context()), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, grant)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := grantID(w, r)
	if !ok {
		return
	}
	grant, err := h.service.GetGrant(r.Context(), rbac.PrincipalFromContext(r.Context()), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, grant)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, ok := grantID(w, r)
	if !ok {
		return
	}
	var patch Patch
	if err := httpx.DecodeJSON(r, &patch); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	grant, err := h.service.UpdateGrant(r.Context(), rbac.PrincipalFromContext(r.Context()), id, patch)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, grant)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := grantID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteGrant(r.Context(), rbac.PrincipalFromContext(r.Context()), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) search(w http.ResponseWriter, r *http.Request) {
	q, err := parseSearchQuery(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.Search(r.Context(), rbac.PrincipalFromContext(r.Context()), q)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"grants":     result.Grants,
		"pagination": result.Pagination,
	})
}

func (h *Handler) listUserGrants(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathInt(w, r, "userID")
	if !ok {
		return
	}
	list, err := h.service.ListUserGrants(r.Context(), rbac.PrincipalFromContext(r.Context()), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, grantList{Grants: nonNil(list)})
}

func (h *Handler) effective(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathInt(w, r, "userID")
	if !ok {
		return
	}
	storeID, err := optionalInt(r.URL.Query().Get("store_id"), "store_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	eff, err := h.service.GetEffective(r.Context(), rbac.PrincipalFromContext(r.Context()), userID, storeID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, eff)
}

func (h *Handler) listStoreGrants(w http.ResponseWriter, r *http.Request) {
	storeID, ok := pathInt(w, r, "storeID")
	if !ok {
		return
	}
	list, err := h.service.ListStoreGrants(r.Context(), rbac.PrincipalFromContext(r.Context()), storeID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, grantList{Grants: nonNil(list)})
}

func (h *Handler) setStoreGrants(w http.ResponseWriter, r *http.Request) {
	storeID, ok := pathInt(w, r, "storeID")
	if !ok {
		return
	}
	var set StoreGrantSet
	if err := httpx.DecodeJSON(r, &set); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	list, err := h.service.SetStoreGrants(r.Context(), rbac.PrincipalFromContext(r.Context()), storeID, set)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, grantList{Grants: nonNil(list)})
}

func (h *Handler) test(w http.ResponseWriter, r *http.Request) {
	var in TestInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	explanation, err := h.service.TestPermission(r.Context(), rbac.PrincipalFromContext(r.Context()), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, explanation)
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context(), rbac.PrincipalFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, stats)
}

func (h *Handler) purgeExpired(w http.ResponseWriter, r *http.Request) {
	var req purgeRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
			return
		}
	}
	before := h.service.now()
	if req.Before != nil {
		before = *req.Before
	}
	n, err := h.service.PurgeExpired(r.Context(), rbac.PrincipalFromContext(r.Context()), before, req.Limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int{"purged": n})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, rbac.ErrValidation), errors.Is(err, rbac.ErrForbidden),
		errors.Is(err, httpx.ErrNotFound), errors.Is(err, rbac.ErrAuthenticationRequired):
	default:
		h.logger.Error("permission request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func parseSearchQuery(r *http.Request) (SearchQuery, error) {
	values := r.URL.Query()
	q := SearchQuery{Text: values.Get("q")}
	verr := &rbac.ValidationError{}
	if raw := values.Get("user_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			verr.Add("user_id", "must be a positive integer")
		} else {
			q.SubjectUserID = &id
		}
	}
	if raw := values.Get("action"); raw != "" {
		action, ok := rbac.ParseAction(raw)
		if !ok {
			verr.Add("action", "unknown action")
		} else {
			q.Action = &action
		}
	}
	if raw := values.Get("effect"); raw != "" {
		effect, ok := rbac.ParseEffect(raw)
		if !ok {
			verr.Add("effect", "must be ALLOW or DENY")
		} else {
			q.Effect = &effect
		}
	}
	if raw := values.Get("store_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			verr.Add("store_id", "must be a positive integer")
		} else {
			q.StoreID = &id
		}
	}
	switch strings.ToLower(values.Get("scope")) {
	case "", "all":
	case "global":
		q.GlobalOnly = true
	default:
		verr.Add("scope", "must be global or all")
	}
	if raw := values.Get("include_expired"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			verr.Add("include_expired", "must be a boolean")
		}
		q.IncludeExpired = b
	}
	q.Page, _ = strconv.Atoi(values.Get("page"))
	q.PerPage, _ = strconv.Atoi(values.Get("per_page"))
	if !verr.Empty() {
		return SearchQuery{}, verr
	}
	return q, nil
}

func grantID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "grantID"))
	if err != nil {
		httpx.RespondError(w, rbac.NewValidationError("grant_id", "must be a UUID"))
		return uuid.Nil, false
	}
	return id, true
}

func pathInt(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, rbac.NewValidationError(name, "must be a positive integer"))
		return 0, false
	}
	return id, true
}

func optionalInt(raw, field string) (*int64, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return nil, rbac.NewValidationError(field, "must be a positive integer")
	}
	return &id, nil
}

func nonNil(list []rbac.Grant) []rbac.Grant {
	if list == nil {
		return []rbac.Grant{}
	}
	return list
}
