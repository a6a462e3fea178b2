package audit

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

// PgRepository reads decisions recorded in audit_logs.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the decision log repository.
func NewRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// DecisionWindow returns rows ordered newest first.
func (r *PgRepository) DecisionWindow(ctx context.Context, f DecisionFilters, offset, limit int) ([]DecisionRow, error) {
	clauses := []string{"entity = $1"}
	args := []any{EntityDecision}
	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if !f.From.IsZero() {
		add("occurred_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("occurred_at < $%d", f.To)
	}
	if f.UserID != nil {
		add("actor_id = $%d", *f.UserID)
	}
	if f.Action != nil {
		add("action = $%d", string(*f.Action))
	}
	if f.StoreID != nil {
		add("entity_id = $%d", fmt.Sprintf("store:%d", *f.StoreID))
	}
	if f.Allowed != nil {
		add("(meta->>'allowed')::boolean = $%d", *f.Allowed)
	}
	args = append(args, limit, offset)
	sql := fmt.Sprintf(`SELECT occurred_at, actor_id, action, entity_id,
  COALESCE((meta->>'allowed')::boolean, false),
  COALESCE(meta->>'reason', ''),
  COALESCE(meta->>'grant_id', ''),
  COALESCE(meta->>'request_id', '')
FROM audit_logs
WHERE %s
ORDER BY occurred_at DESC, id DESC
LIMIT $%d OFFSET $%d`, strings.Join(clauses, " AND "), len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DecisionRow
	for rows.Next() {
		var (
			row    DecisionRow
			action string
			reason string
		)
		if err := rows.Scan(&row.At, &row.UserID, &action, &row.Scope, &row.Allowed, &reason, &row.GrantID, &row.RequestID); err != nil {
			return nil, err
		}
		row.Action = rbac.Action(action)
		row.Reason = rbac.Reason(reason)
		out = append(out, row)
	}
	return out, rows.Err()
}
