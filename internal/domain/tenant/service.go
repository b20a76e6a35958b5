package tenant

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/clinicbook/booking/internal/platform/db"
)

// ErrNotConfigured is returned for a tenant that has no usable schema name.
var ErrNotConfigured = errors.New("tenant has no database configured")

// SchemaCreator creates and migrates a clinic schema.
type SchemaCreator func(ctx context.Context, schema string) error

type Service struct {
	repo    Repository
	creator SchemaCreator
	logger  zerolog.Logger
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// SetSchemaCreator enables Provision.
func (s *Service) SetSchemaCreator(fn SchemaCreator) {
	s.creator = fn
}

// Resolve looks up the tenant for a clinic id given in string form and checks
// that it points at a schema. It never touches a tenant schema.
func (s *Service) Resolve(ctx context.Context, tenantID string) (*Tenant, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(tenantID), 10, 64)
	if err != nil {
		return nil, ErrNotFound
	}
	t, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	schema := strings.TrimSpace(t.Schema())
	if schema == "" || !db.ValidSchema(schema) {
		return nil, ErrNotConfigured
	}
	t.DatabaseName = &schema
	return t, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*Tenant, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*Tenant, int, error) {
	return s.repo.List(ctx, limit, offset)
}

// Provision registers a clinic and gives it a migrated schema. The row stays
// pending if schema creation fails.
func (s *Service) Provision(ctx context.Context, clinicName, plan string) (*Tenant, error) {
	if s.creator == nil {
		return nil, fmt.Errorf("tenant provisioning is not configured")
	}
	clinicName = strings.TrimSpace(clinicName)
	if clinicName == "" {
		return nil, fmt.Errorf("clinic name is required")
	}

	t := &Tenant{ClinicName: clinicName, Status: StatusPending}
	if plan != "" {
		t.SubscriptionPlan = &plan
	}
	if err := s.repo.Create(ctx, t); err != nil {
		return nil, err
	}

	schema := SchemaNameFor(t.ID)
	if err := s.creator(ctx, schema); err != nil {
		s.logger.Error().Err(err).Int64("tenant_id", t.ID).Str("schema", schema).Msg("tenant schema creation failed")
		return t, fmt.Errorf("provision tenant %d: %w", t.ID, err)
	}
	if err := s.repo.SetDatabaseName(ctx, t.ID, schema, StatusActive); err != nil {
		return t, err
	}

	t.DatabaseName = &schema
	t.Status = StatusActive
	s.logger.Info().Int64("tenant_id", t.ID).Str("schema", schema).Msg("tenant provisioned")
	return t, nil
}
