package tenant

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no tenant row matches.
var ErrNotFound = errors.New("tenant not found")

// Repository reads and provisions rows of the tenants table.
type Repository interface {
	GetByID(ctx context.Context, id int64) (*Tenant, error)
	List(ctx context.Context, limit, offset int) ([]*Tenant, int, error)
	Create(ctx context.Context, t *Tenant) error
	SetDatabaseName(ctx context.Context, id int64, databaseName, status string) error
}
