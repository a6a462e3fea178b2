package grants

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-authz/internal/platform/db"
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

const grantColumns = `id, subject_user_id, action, effect, store_id, conditions, expires_at, note, created_by, created_at, updated_at`

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PgRepository stores grants in the permission_grants table.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL backed grant repository.
func NewRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps callback in repeatable-read transaction.
func (r *PgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// ListApplicable returns the unexpired grants of userID that apply globally or to storeID.
func (r *PgRepository) ListApplicable(ctx context.Context, userID int64, storeID *int64, now time.Time) ([]rbac.Grant, error) {
	sql := `SELECT ` + grantColumns + `
FROM permission_grants
WHERE subject_user_id = $1
  AND (store_id IS NULL OR store_id = $2)
  AND (expires_at IS NULL OR expires_at > $3)
ORDER BY created_at DESC, id DESC`
	return queryGrants(ctx, r.pool, sql, userID, storeID, now)
}

// Get loads a grant by id.
func (r *PgRepository) Get(ctx context.Context, id uuid.UUID) (rbac.Grant, error) {
	return getGrant(ctx, r.pool, `SELECT `+grantColumns+` FROM permission_grants WHERE id = $1`, id)
}

// ListBySubject returns every grant of userID, newest first.
func (r *PgRepository) ListBySubject(ctx context.Context, userID int64) ([]rbac.Grant, error) {
	return queryGrants(ctx, r.pool, `SELECT `+grantColumns+` FROM permission_grants WHERE subject_user_id = $1 ORDER BY created_at DESC, id DESC`, userID)
}

// ListByStore returns every grant scoped to storeID, newest first.
func (r *PgRepository) ListByStore(ctx context.Context, storeID int64) ([]rbac.Grant, error) {
	return queryGrants(ctx, r.pool, `SELECT `+grantColumns+` FROM permission_grants WHERE store_id = $1 ORDER BY created_at DESC, id DESC`, storeID)
}

// Search returns one page of matching grants together with the total match count.
func (r *PgRepository) Search(ctx context.Context, q SearchQuery, now time.Time) ([]rbac.Grant, int, error) {
	where, args := searchFilters(q, now)
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM permission_grants`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count grants: %w", err)
	}
	offset := (q.Page - 1) * q.PerPage
	args = append(args, q.PerPage, offset)
	sql := fmt.Sprintf(`SELECT %s FROM permission_grants%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		grantColumns, where, len(args)-1, len(args))
	grants, err := queryGrants(ctx, r.pool, sql, args...)
	if err != nil {
		return nil, 0, err
	}
	return grants, total, nil
}

func searchFilters(q SearchQuery, now time.Time) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if q.SubjectUserID != nil {
		add("subject_user_id = $%d", *q.SubjectUserID)
	}
	if q.Action != nil {
		add("action = $%d", string(*q.Action))
	}
	if q.Effect != nil {
		add("effect = $%d", string(*q.Effect))
	}
	switch {
	case q.GlobalOnly:
		clauses = append(clauses, "store_id IS NULL")
	case q.StoreID != nil:
		add("store_id = $%d", *q.StoreID)
	}
	if !q.IncludeExpired {
		add("(expires_at IS NULL OR expires_at > $%d)", now)
	}
	if q.Text != "" {
		add("(id::text ILIKE $%[1]d OR note ILIKE $%[1]d OR action ILIKE $%[1]d)", "%"+escapeLike(q.Text)+"%")
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// Stats aggregates grant counts as of now.
func (r *PgRepository) Stats(ctx context.Context, now time.Time) (Stats, error) {
	stats := Stats{ByAction: map[string]int{}, ByStore: map[int64]int{}, ComputedAt: now}
	err := r.pool.QueryRow(ctx, `SELECT
  COUNT(*),
  COUNT(*) FILTER (WHERE effect = 'ALLOW'),
  COUNT(*) FILTER (WHERE effect = 'DENY'),
  COUNT(*) FILTER (WHERE store_id IS NULL),
  COUNT(*) FILTER (WHERE store_id IS NOT NULL),
  COUNT(*) FILTER (WHERE expires_at IS NOT NULL AND expires_at <= $1)
FROM permission_grants`, now).Scan(&stats.Total, &stats.Allow, &stats.Deny, &stats.Global, &stats.StoreScoped, &stats.Expired)
	if err != nil {
		return Stats{}, fmt.Errorf("grant totals: %w", err)
	}

	rows, err := r.pool.Query(ctx, `SELECT action, COUNT(*) FROM permission_grants GROUP BY action`)
	if err != nil {
		return Stats{}, fmt.Errorf("grants by action: %w", err)
	}
	for rows.Next() {
		var (
			action string
			n      int
		)
		if err := rows.Scan(&action, &n); err != nil {
			rows.Close()
			return Stats{}, err
		}
		stats.ByAction[action] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	rows, err = r.pool.Query(ctx, `SELECT store_id, COUNT(*) FROM permission_grants WHERE store_id IS NOT NULL GROUP BY store_id`)
	if err != nil {
		return Stats{}, fmt.Errorf("grants by store: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var storeID int64
		var n int
		if err := rows.Scan(&storeID, &n); err != nil {
			return Stats{}, err
		}
		stats.ByStore[storeID] = n
	}
	return stats, rows.Err()
}

// Insert persists a new grant.
func (r *PgRepository) Insert(ctx context.Context, g rbac.Grant) error {
	return insertGrant(ctx, r.pool, g)
}

// Delete removes a grant and returns the removed row.
func (r *PgRepository) Delete(ctx context.Context, id uuid.UUID) (rbac.Grant, error) {
	return getGrant(ctx, r.pool, `DELETE FROM permission_grants WHERE id = $1 RETURNING `+grantColumns, id)
}

// PurgeExpired deletes at most limit grants that expired at or before the given instant
// and returns the distinct affected subjects with the removed row count.
func (r *PgRepository) PurgeExpired(ctx context.Context, before time.Time, limit int) ([]int64, int, error) {
	rows, err := r.pool.Query(ctx, `DELETE FROM permission_grants
WHERE id IN (
  SELECT id FROM permission_grants
  WHERE expires_at IS NOT NULL AND expires_at <= $1
  ORDER BY expires_at
  LIMIT $2
)
RETURNING subject_user_id`, before, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var (
		subjects []int64
		seen     = map[int64]struct{}{}
		count    int
	)
	for rows.Next() {
		var subject int64
		if err := rows.Scan(&subject); err != nil {
			return nil, 0, err
		}
		count++
		if _, ok := seen[subject]; !ok {
			seen[subject] = struct{}{}
			subjects = append(subjects, subject)
		}
	}
	return subjects, count, rows.Err()
}

func (t *txRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (rbac.Grant, error) {
	return getGrant(ctx, t.tx, `SELECT `+grantColumns+` FROM permission_grants WHERE id = $1 FOR UPDATE`, id)
}

func (t *txRepo) Insert(ctx context.Context, g rbac.Grant) error {
	return insertGrant(ctx, t.tx, g)
}

func (t *txRepo) Update(ctx context.Context, g rbac.Grant) error {
	conditions, err := encodeConditions(g.Conditions)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `UPDATE permission_grants
SET action = $2, effect = $3, conditions = $4, expires_at = $5, note = $6, updated_at = $7
WHERE id = $1`, g.ID, string(g.Action), string(g.Effect), conditions, g.ExpiresAt, g.Note, g.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return rbac.ErrNotFound
	}
	return nil
}

func (t *txRepo) DeleteStoreGrants(ctx context.Context, storeID int64, subjects []int64) (int64, error) {
	tag, err := t.tx.Exec(ctx, `DELETE FROM permission_grants WHERE store_id = $1 AND subject_user_id = ANY($2)`, storeID, subjects)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func insertGrant(ctx context.Context, q querier, g rbac.Grant) error {
	conditions, err := encodeConditions(g.Conditions)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, `INSERT INTO permission_grants (`+grantColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		g.ID, g.SubjectUserID, string(g.Action), string(g.Effect), g.StoreID, conditions,
		g.ExpiresAt, g.Note, g.CreatedBy, g.CreatedAt, g.UpdatedAt)
	return err
}

func getGrant(ctx context.Context, q querier, sql string, args ...any) (rbac.Grant, error) {
	g, err := scanGrant(q.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return rbac.Grant{}, rbac.ErrNotFound
	}
	return g, err
}

func queryGrants(ctx context.Context, q querier, sql string, args ...any) ([]rbac.Grant, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []rbac.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func scanGrant(row pgx.Row) (rbac.Grant, error) {
	var (
		g          rbac.Grant
		action     string
		effect     string
		conditions []byte
	)
	if err := row.Scan(&g.ID, &g.SubjectUserID, &action, &effect, &g.StoreID, &conditions,
		&g.ExpiresAt, &g.Note, &g.CreatedBy, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return rbac.Grant{}, err
	}
	g.Action = rbac.Action(action)
	g.Effect = rbac.Effect(effect)
	if len(conditions) > 0 && string(conditions) != "null" {
		var c rbac.Condition
		if err := json.Unmarshal(conditions, &c); err != nil {
			return rbac.Grant{}, fmt.Errorf("%w: grant %s conditions: %w", rbac.ErrConfiguration, g.ID, err)
		}
		g.Conditions = &c
	}
	return g, nil
}

func encodeConditions(c *rbac.Condition) ([]byte, error) {
	if c.IsEmpty() {
		return nil, nil
	}
	return json.Marshal(c)
}
