package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/directory/*.sql migrations/tenant/*.sql
var migrationsFS embed.FS

// Scope selects which migration set applies to a schema.
type Scope string

const (
	ScopeDirectory Scope = "directory"
	ScopeTenant    Scope = "tenant"
)

// MigrationStatus represents the status of a migration (applied or pending).
type MigrationStatus struct {
	Version   int64
	Name      string
	Applied   bool
	AppliedAt *time.Time
}

// MigrationSource returns the embedded migration files for scope.
func MigrationSource(scope Scope) (fs.FS, error) {
	switch scope {
	case ScopeDirectory, ScopeTenant:
		return fs.Sub(migrationsFS, "migrations/"+string(scope))
	default:
		return nil, fmt.Errorf("unknown migration scope %q", scope)
	}
}

// MigrationNames lists the migration files of scope in version order.
func MigrationNames(scope Scope) ([]string, error) {
	src, err := MigrationSource(scope)
	if err != nil {
		return nil, err
	}
	names, err := fs.Glob(src, "*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Migrator applies the embedded goose migrations to one schema at a time.
// Each schema keeps its own goose version table.
type Migrator struct {
	pool *pgxpool.Pool
}

func NewMigrator(pool *pgxpool.Pool) *Migrator {
	return &Migrator{pool: pool}
}

// provider opens a single-connection database handle whose search_path is
// pinned to schema and builds a goose provider over it.
func (m *Migrator) provider(scope Scope, schema string) (*goose.Provider, *sql.DB, error) {
	if !ValidSchema(schema) {
		return nil, nil, fmt.Errorf("%w: %q", ErrInvalidSchema, schema)
	}
	src, err := MigrationSource(scope)
	if err != nil {
		return nil, nil, err
	}

	connCfg := m.pool.Config().ConnConfig.Copy()
	connCfg.RuntimeParams["search_path"] = schema
	sqlDB := stdlib.OpenDB(*connCfg)
	sqlDB.SetMaxOpenConns(1)

	p, err := goose.NewProvider(goose.DialectPostgres, sqlDB, src)
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("create migration provider: %w", err)
	}
	return p, sqlDB, nil
}

// Up applies all pending migrations of scope against schema and returns the
// number applied.
func (m *Migrator) Up(ctx context.Context, scope Scope, schema string) (int, error) {
	p, sqlDB, err := m.provider(scope, schema)
	if err != nil {
		return 0, err
	}
	defer sqlDB.Close()

	results, err := p.Up(ctx)
	if err != nil {
		return len(results), fmt.Errorf("migrate %s schema %s: %w", scope, schema, err)
	}
	return len(results), nil
}

// Status returns the status of all known migrations of scope for schema.
func (m *Migrator) Status(ctx context.Context, scope Scope, schema string) ([]MigrationStatus, error) {
	p, sqlDB, err := m.provider(scope, schema)
	if err != nil {
		return nil, err
	}
	defer sqlDB.Close()

	raw, err := p.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("migration status for %s: %w", schema, err)
	}

	statuses := make([]MigrationStatus, 0, len(raw))
	for _, s := range raw {
		st := MigrationStatus{
			Version: s.Source.Version,
			Name:    s.Source.Path,
			Applied: s.State == goose.StateApplied,
		}
		if st.Applied {
			at := s.AppliedAt
			st.AppliedAt = &at
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

// CreateTenantSchema creates a schema for a clinic and runs the tenant
// migrations against it.
func CreateTenantSchema(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if !ValidSchema(schema) {
		return fmt.Errorf("%w: %q", ErrInvalidSchema, schema)
	}

	if _, err := pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{schema}.Sanitize()); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}

	if _, err := NewMigrator(pool).Up(ctx, ScopeTenant, schema); err != nil {
		return err
	}
	return nil
}
