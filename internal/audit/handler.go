package audit

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-authz/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

// Handler exposes the decision log.
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

// MountRoutes registers audit routes. Store owners see their store's log by passing store_id.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(h.rbac.Require(rbac.ActionViewAuditLogs, storeFromQuery)).Get("/decisions", h.decisions)
}

func storeFromQuery(r *http.Request) (*int64, error) {
	return optionalInt(r.URL.Query().Get("store_id"), "store_id")
}

func (h *Handler) decisions(w http.ResponseWriter, r *http.Request) {
	filters, err := parseFilters(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.Decisions(r.Context(), filters)
	if err != nil {
		h.logger.Error("decision log", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func parseFilters(r *http.Request) (DecisionFilters, error) {
	q := r.URL.Query()
	verr := &rbac.ValidationError{}
	var f DecisionFilters
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			verr.Add("from", "must be RFC3339")
		}
		f.From = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			verr.Add("to", "must be RFC3339")
		}
		f.To = t
	}
	var err error
	if f.UserID, err = optionalInt(q.Get("user_id"), "user_id"); err != nil {
		verr.Add("user_id", "must be a positive integer")
	}
	if f.StoreID, err = optionalInt(q.Get("store_id"), "store_id"); err != nil {
		verr.Add("store_id", "must be a positive integer")
	}
	if raw := q.Get("action"); raw != "" {
		action, ok := rbac.ParseAction(raw)
		if !ok {
			verr.Add("action", "unknown action")
		}
		f.Action = &action
	}
	if raw := q.Get("allowed"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			verr.Add("allowed", "must be a boolean")
		}
		f.Allowed = &b
	}
	f.Page, _ = strconv.Atoi(q.Get("page"))
	f.PageSize, _ = strconv.Atoi(q.Get("page_size"))
	if !verr.Empty() {
		return DecisionFilters{}, verr
	}
	return f, nil
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
