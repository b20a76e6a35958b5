package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/clinicbook/booking/internal/platform/db"
)

const tenantColumns = `id, clinic_name, database_name, status, subscription_plan,
	subscription_expires_at, created_at, updated_at`

type repoPG struct {
	q db.Querier
}

// NewRepo returns a Repository over q. The table name is unqualified, so q
// must be a pool whose connections default to the directory schema.
func NewRepo(q db.Querier) Repository {
	return &repoPG{q: q}
}

func (r *repoPG) GetByID(ctx context.Context, id int64) (*Tenant, error) {
	rows, err := r.q.Query(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("query tenant %d: %w", id, err)
	}
	t, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[Tenant])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan tenant %d: %w", id, err)
	}
	return t, nil
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*Tenant, int, error) {
	var total int
	if err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM tenants`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tenants: %w", err)
	}

	rows, err := r.q.Query(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list tenants: %w", err)
	}
	tenants, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[Tenant])
	if err != nil {
		return nil, 0, fmt.Errorf("scan tenants: %w", err)
	}
	return tenants, total, nil
}

func (r *repoPG) Create(ctx context.Context, t *Tenant) error {
	if t.Status == "" {
		t.Status = StatusPending
	}
	err := r.q.QueryRow(ctx, `
		INSERT INTO tenants (clinic_name, database_name, status, subscription_plan, subscription_expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`,
		t.ClinicName, t.DatabaseName, t.Status, t.SubscriptionPlan, t.SubscriptionExpiresAt,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert tenant: %w", err)
	}
	return nil
}

func (r *repoPG) SetDatabaseName(ctx context.Context, id int64, databaseName, status string) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE tenants SET database_name = $2, status = $3, updated_at = NOW()
		WHERE id = $1`, id, databaseName, status)
	if err != nil {
		return fmt.Errorf("update tenant %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
