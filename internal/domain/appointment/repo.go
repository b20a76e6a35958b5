package appointment

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no appointment matches a reference.
var ErrNotFound = errors.New("appointment not found")

// Repository runs statements against the appointment table of whichever
// tenant schema the context's connection is switched to.
type Repository interface {
	Columns(ctx context.Context) ([]string, error)
	LockSlot(ctx context.Context, key string) error
	SlotTaken(ctx context.Context, slot Slot) (bool, error)
	Insert(ctx context.Context, columns []string, values []interface{}) (int64, error)
	GetByID(ctx context.Context, id int64) (Row, error)
	FindByRef(ctx context.Context, ref string) (Row, error)
	List(ctx context.Context, f ListFilter, joined bool, recency string) ([]Row, error)
	UpdateStatus(ctx context.Context, ref string, status int, schedule *string, touchUpdatedAt bool) (int64, error)
	Delete(ctx context.Context, ref string) (int64, error)
}
