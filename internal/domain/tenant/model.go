package tenant

import (
	"strconv"
	"time"
)

// Tenant statuses as stored in tenants.status.
const (
	StatusPending   = "pending"
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusCancelled = "cancelled"
)

// Tenant is one clinic's row in the directory schema.
type Tenant struct {
	ID                    int64      `db:"id" json:"id"`
	ClinicName            string     `db:"clinic_name" json:"clinic_name"`
	DatabaseName          *string    `db:"database_name" json:"database_name,omitempty"`
	Status                string     `db:"status" json:"status"`
	SubscriptionPlan      *string    `db:"subscription_plan" json:"subscription_plan,omitempty"`
	SubscriptionExpiresAt *time.Time `db:"subscription_expires_at" json:"subscription_expires_at,omitempty"`
	CreatedAt             time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at" json:"updated_at"`
}

// Schema returns the clinic's schema name, or "" when none is recorded.
func (t *Tenant) Schema() string {
	if t.DatabaseName == nil {
		return ""
	}
	return *t.DatabaseName
}

// SchemaNameFor is the schema a provisioned clinic gets.
func SchemaNameFor(id int64) string {
	return "clinic_" + strconv.FormatInt(id, 10)
}

// ValidStatus reports whether s is a known tenant status.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusActive, StatusSuspended, StatusCancelled:
		return true
	}
	return false
}
