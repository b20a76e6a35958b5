package db

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

type contextKey string

const (
	TenantSchemaKey contextKey = "tenant_schema"
	DBConnKey       contextKey = "db_conn"
	DBTxKey         contextKey = "db_tx"
)

// restoreTimeout bounds the switch-back statement, which runs even after the
// request context has been cancelled.
const restoreTimeout = 5 * time.Second

// switchSQL points the session at a schema and yields no row when the schema
// does not exist, so a typo in tenants.database_name fails the same way an
// unknown database would.
const switchSQL = `SELECT set_config('search_path', $1, false) FROM pg_namespace WHERE nspname = $2`

var schemaPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

var (
	ErrNoTenantConn  = errors.New("no tenant database connection in context")
	ErrInvalidSchema = errors.New("invalid schema identifier")
	ErrUnknownSchema = errors.New("schema does not exist")
)

// Querier is satisfied by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Conn is a pooled connection dedicated to one logical operation.
type Conn interface {
	Querier
	Begin(ctx context.Context) (pgx.Tx, error)
	Release()
}

// Acquirer hands out dedicated connections.
type Acquirer interface {
	Acquire(ctx context.Context) (Conn, error)
}

type pgxAcquirer struct{ pool *pgxpool.Pool }

// NewPgxAcquirer adapts a pgxpool.Pool to Acquirer.
func NewPgxAcquirer(pool *pgxpool.Pool) Acquirer { return pgxAcquirer{pool: pool} }

func (a pgxAcquirer) Acquire(ctx context.Context) (Conn, error) {
	c, err := a.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// SwitchError reports that a connection could not be pointed at a tenant schema.
type SwitchError struct {
	Schema string
	Err    error
}

func (e *SwitchError) Error() string {
	return fmt.Sprintf("switch to schema %s: %v", e.Schema, e.Err)
}

func (e *SwitchError) Unwrap() error { return e.Err }

// ValidSchema reports whether name is usable as a schema identifier.
func ValidSchema(name string) bool {
	return schemaPattern.MatchString(name)
}

// Router moves connections between the directory schema and tenant schemas.
type Router struct {
	pool      Acquirer
	directory string
	logger    zerolog.Logger
}

func NewRouter(pool Acquirer, directory string, logger zerolog.Logger) *Router {
	return &Router{pool: pool, directory: directory, logger: logger}
}

// Directory returns the name of the directory schema.
func (r *Router) Directory() string { return r.directory }

// SwitchTo changes the active schema of conn.
func (r *Router) SwitchTo(ctx context.Context, conn Querier, schema string) error {
	if !ValidSchema(schema) {
		return fmt.Errorf("%w: %q", ErrInvalidSchema, schema)
	}
	var applied string
	err := conn.QueryRow(ctx, switchSQL, pgx.Identifier{schema}.Sanitize(), schema).Scan(&applied)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrUnknownSchema, schema)
	}
	return err
}

// SwitchToDirectory points conn back at the directory schema.
func (r *Router) SwitchToDirectory(ctx context.Context, conn Querier) error {
	return r.SwitchTo(ctx, conn, r.directory)
}

// WithTenant runs fn on a connection of its own, switched to schema. The
// connection is bound to the context passed to fn (see ConnFromContext) and is
// switched back to the directory schema before it is released, whatever fn
// returns. A failed switch-in is reported as *SwitchError and needs no
// switch-back.
func (r *Router) WithTenant(ctx context.Context, schema string, fn func(ctx context.Context) error) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}

	if err := r.SwitchTo(ctx, conn, schema); err != nil {
		conn.Release()
		return &SwitchError{Schema: schema, Err: err}
	}
	defer r.restore(ctx, conn, schema)

	ctx = context.WithValue(ctx, DBConnKey, conn)
	ctx = context.WithValue(ctx, TenantSchemaKey, schema)
	return fn(ctx)
}

// restore never fails: a connection that cannot be switched back is closed
// instead of being returned to the pool.
func (r *Router) restore(ctx context.Context, conn Conn, schema string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), restoreTimeout)
	defer cancel()

	if err := r.SwitchToDirectory(ctx, conn); err != nil {
		r.logger.Error().Err(err).
			Str("schema", schema).
			Str("directory", r.directory).
			Msg("switch back to directory schema failed, discarding connection")
		if h, ok := conn.(interface{ Hijack() *pgx.Conn }); ok {
			if pc := h.Hijack(); pc != nil {
				_ = pc.Close(ctx)
			}
			return
		}
	}
	conn.Release()
}

// ConnFromContext retrieves the tenant-scoped database connection from context.
func ConnFromContext(ctx context.Context) Conn {
	conn, _ := ctx.Value(DBConnKey).(Conn)
	return conn
}

// TxFromContext retrieves the transaction started by RunInTx, if any.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// TenantFromContext retrieves the schema the context's connection is switched to.
func TenantFromContext(ctx context.Context) string {
	schema, _ := ctx.Value(TenantSchemaKey).(string)
	return schema
}

// Scoped returns the querier for tenant work: the open transaction if there is
// one, otherwise the tenant connection.
func Scoped(ctx context.Context) (Querier, error) {
	if tx := TxFromContext(ctx); tx != nil {
		return tx, nil
	}
	if conn := ConnFromContext(ctx); conn != nil {
		return conn, nil
	}
	return nil, ErrNoTenantConn
}

// RunInTx runs fn inside a transaction on the context's tenant connection.
// Nested calls join the outer transaction.
func RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}
	conn := ConnFromContext(ctx)
	if conn == nil {
		return ErrNoTenantConn
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if err := fn(context.WithValue(ctx, DBTxKey, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
