package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/odyssey-erp/odyssey-authz/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

// Middleware authenticates bearer tokens and attaches the caller's principal. Requests
// without an Authorization header pass through anonymous; route guards reject them.
type Middleware struct {
	tokens     *Tokens
	principals rbac.PrincipalProvider
	logger     *slog.Logger
}

// NewMiddleware constructs the authentication middleware.
func NewMiddleware(tokens *Tokens, principals rbac.PrincipalProvider, logger *slog.Logger) *Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &Middleware{tokens: tokens, principals: principals, logger: logger}
}

// Handler is the chi-compatible middleware function.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}
		scheme, raw, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(raw) == "" {
			unauthorized(w, "malformed authorization header")
			return
		}
		userID, err := m.tokens.Verify(strings.TrimSpace(raw))
		if err != nil {
			unauthorized(w, "invalid token")
			return
		}
		principal, err := m.principals.Principal(r.Context(), userID, nil)
		if err != nil {
			if errors.Is(err, rbac.ErrUnknownPrincipal) {
				unauthorized(w, "unknown user")
				return
			}
			m.logger.Error("load principal", slog.Int64("user_id", userID), slog.Any("error", err))
			httpx.RespondError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(rbac.ContextWithPrincipal(r.Context(), &principal)))
	})
}

func unauthorized(w http.ResponseWriter, detail string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="odyssey"`)
	httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", detail)
}
