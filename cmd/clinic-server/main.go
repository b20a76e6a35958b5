package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinicbook/booking/internal/config"
	"github.com/clinicbook/booking/internal/domain/appointment"
	"github.com/clinicbook/booking/internal/domain/tenant"
	"github.com/clinicbook/booking/internal/platform/db"
	"github.com/clinicbook/booking/internal/platform/events"
	"github.com/clinicbook/booking/internal/platform/middleware"
	"github.com/clinicbook/booking/internal/platform/telemetry"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "clinic-server",
		Short: "Multi-tenant clinic appointment booking API",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the booking API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// openPool loads config and connects. Callers close the pool.
func openPool(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DirectorySchema)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate directory
	cmd.AddCommand(&cobra.Command{
		Use:   "directory",
		Short: "Apply pending migrations to the tenant directory schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			return applyMigrations(ctx, cmd.OutOrStdout(), db.NewMigrator(pool), db.ScopeDirectory, []string{cfg.DirectorySchema})
		},
	})

	// migrate tenant
	tenantMigrate := &cobra.Command{
		Use:   "tenant",
		Short: "Apply pending migrations to clinic schemas",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			all, _ := cmd.Flags().GetBool("all-tenants")
			if schema == "" && !all {
				return fmt.Errorf("--schema or --all-tenants is required")
			}

			ctx := context.Background()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			schemas := []string{schema}
			if all {
				if schemas, err = tenantSchemas(ctx, pool); err != nil {
					return err
				}
			}
			return applyMigrations(ctx, cmd.OutOrStdout(), db.NewMigrator(pool), db.ScopeTenant, schemas)
		},
	}
	tenantMigrate.Flags().String("schema", "", "Target clinic schema")
	tenantMigrate.Flags().Bool("all-tenants", false, "Migrate every configured clinic schema")
	cmd.AddCommand(tenantMigrate)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			ctx := context.Background()
			cfg, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			scope := db.ScopeTenant
			if schema == "" {
				scope, schema = db.ScopeDirectory, cfg.DirectorySchema
			}

			statuses, err := db.NewMigrator(pool).Status(ctx, scope, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatuses(cmd.OutOrStdout(), schema, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", "", "Clinic schema; the directory schema when omitted")
	cmd.AddCommand(statusCmd)

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage clinics",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Register a clinic and provision its schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			plan, _ := cmd.Flags().GetString("plan")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			ctx := context.Background()
			cfg, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			svc := tenant.NewService(tenant.NewRepo(pool), newLogger(cfg, os.Stderr))
			svc.SetSchemaCreator(func(ctx context.Context, schema string) error {
				return db.CreateTenantSchema(ctx, pool, schema)
			})

			t, err := svc.Provision(ctx, name, plan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Clinic %d created with schema %s\n", t.ID, t.Schema())
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Clinic name")
	createCmd.Flags().String("plan", "", "Subscription plan")
	cmd.AddCommand(createCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List registered clinics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			tenants, _, err := tenant.NewRepo(pool).List(ctx, 1000, 0)
			if err != nil {
				return err
			}
			printTenants(cmd.OutOrStdout(), tenants)
			return nil
		},
	}
	cmd.AddCommand(listCmd)

	return cmd
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cfg, os.Stdout)

	// Tracing
	ctx := context.Background()
	tp, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "clinic-server",
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise tracing")
	}

	// Database
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DirectorySchema)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Str("directory", cfg.DirectorySchema).Msg("connected to database")

	router := db.NewRouter(db.NewPgxAcquirer(pool), cfg.DirectorySchema, logger)

	// Domain services
	tenantSvc := tenant.NewService(tenant.NewRepo(pool), logger)
	tenantSvc.SetSchemaCreator(func(ctx context.Context, schema string) error {
		return db.CreateTenantSchema(ctx, pool, schema)
	})

	apptSvc := appointment.NewService(tenantSvc, router, appointment.NewRepo(), logger)
	if cfg.EventsEnabled() {
		pub, err := events.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to message broker")
		}
		defer pub.Close()
		apptSvc.SetPublisher(pub)
		logger.Info().Str("exchange", cfg.AMQPExchange).Msg("publishing booking events")
	}

	e := newEcho(cfg, logger, tp)

	// Health check
	e.GET("/health", db.HealthHandler(pool, db.PoolStatsFunc(pool), router.Directory()))
	e.GET("/version", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"version": version})
	})

	apiV1 := e.Group("/api/v1")
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	tenant.NewHandler(tenantSvc).RegisterRoutes(apiV1)
	appointment.NewHandler(apptSvc).RegisterRoutes(apiV1)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("trace flush failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newEcho builds the server with the global middleware stack.
func newEcho(cfg *config.Config, logger zerolog.Logger, tp *telemetry.Provider) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Content-Type", middleware.RequestIDHeader, "traceparent", "tracestate"},
	}))
	if tp != nil {
		e.Use(tp.TracingMiddleware())
	}
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	return e
}

func newLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	level := zerolog.DebugLevel
	if cfg.IsProduction() {
		level = zerolog.InfoLevel
	}
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: w}).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

type migrationRunner interface {
	Up(ctx context.Context, scope db.Scope, schema string) (int, error)
}

func applyMigrations(ctx context.Context, out io.Writer, m migrationRunner, scope db.Scope, schemas []string) error {
	for _, s := range schemas {
		fmt.Fprintf(out, "Running %s migrations on schema: %s\n", scope, s)
		count, err := m.Up(ctx, scope, s)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		fmt.Fprintf(out, "Applied %d migration(s) successfully.\n", count)
	}
	return nil
}

// tenantSchemas lists the schemas of every clinic that has one.
func tenantSchemas(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	tenants, _, err := tenant.NewRepo(pool).List(ctx, 10000, 0)
	if err != nil {
		return nil, err
	}
	var schemas []string
	for _, t := range tenants {
		if s := t.Schema(); s != "" && db.ValidSchema(s) {
			schemas = append(schemas, s)
		}
	}
	return schemas, nil
}

func printStatuses(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func printTenants(w io.Writer, tenants []*tenant.Tenant) {
	fmt.Fprintf(w, "%-6s %-30s %-20s %s\n", "ID", "CLINIC", "SCHEMA", "STATUS")
	for _, t := range tenants {
		schema := t.Schema()
		if schema == "" {
			schema = "-"
		}
		fmt.Fprintf(w, "%-6d %-30s %-20s %s\n", t.ID, t.ClinicName, schema, t.Status)
	}
}
