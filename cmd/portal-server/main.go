package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pocholosatoh/wellserv-portal-sub004/internal/config"
	"github.com/pocholosatoh/wellserv-portal-sub004/internal/domain/consultation"
	"github.com/pocholosatoh/wellserv-portal-sub004/internal/domain/consultqueue"
	"github.com/pocholosatoh/wellserv-portal-sub004/internal/domain/encounter"
	"github.com/pocholosatoh/wellserv-portal-sub004/internal/domain/followup"
	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/auth"
	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/branch"
	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/db"
	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/middleware"
	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/retry"
	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/telemetry"
	"github.com/pocholosatoh/wellserv-portal-sub004/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "portal-server",
		Short: "Clinic portal API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the portal API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func openPool(ctx context.Context, cfg *config.Config, app string) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, db.PoolConfig{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ApplicationName: app,
	})
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			schema, err := schemaFlag(cmd, cfg)
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg, "portal-migrate")
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrations.FS)
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target schema for migrations (default: the default tenant's schema)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			schema, err := schemaFlag(cmd, cfg)
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg, "portal-migrate")
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema for migrations (default: the default tenant's schema)")
	cmd.AddCommand(statusCmd)

	return cmd
}

// schemaFlag returns --schema, falling back to the default tenant's schema.
func schemaFlag(cmd *cobra.Command, cfg *config.Config) (string, error) {
	schema, _ := cmd.Flags().GetString("schema")
	if schema != "" {
		return schema, nil
	}
	if !db.ValidTenantID(cfg.DefaultTenant) {
		return "", fmt.Errorf("invalid DEFAULT_TENANT %q", cfg.DefaultTenant)
	}
	return db.SchemaName(cfg.DefaultTenant), nil
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and apply migrations to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg, "portal-tenant")
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating tenant schema: %s\n", db.SchemaName(name))
			if err := db.CreateTenantSchema(ctx, pool, name, db.NewMigrator(pool, migrations.FS)); err != nil {
				return err
			}
			fmt.Println("Tenant created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage session tokens",
	}

	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Sign a session token for a portal user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			actor, err := actorFromFlags(cmd)
			if err != nil {
				return err
			}
			token, claims, err := sessionIssuer(cfg).Issue(actor)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", claims.ExpiresAt.Time.Format(time.RFC3339))
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	issueCmd.Flags().String("role", "", "patient, staff, doctor or admin")
	issueCmd.Flags().String("id", "", "Subject identifier")
	issueCmd.Flags().String("name", "", "Display name")
	issueCmd.Flags().String("branch", "", "Branch code (SI or SL)")
	issueCmd.Flags().String("patient-id", "", "Patient identifier for patient sessions")
	issueCmd.Flags().String("tenant", "", "Tenant identifier")

	cmd.AddCommand(issueCmd)
	return cmd
}

func actorFromFlags(cmd *cobra.Command) (auth.Actor, error) {
	f := cmd.Flags()
	role, _ := f.GetString("role")
	id, _ := f.GetString("id")
	name, _ := f.GetString("name")
	rawBranch, _ := f.GetString("branch")
	patientID, _ := f.GetString("patient-id")
	tenant, _ := f.GetString("tenant")

	a := auth.Actor{ID: id, Name: name, Role: auth.Role(role), PatientID: patientID, TenantID: tenant}
	if rawBranch != "" {
		b, err := branch.ParseCode(rawBranch)
		if err != nil {
			return auth.Actor{}, err
		}
		a.Branch = b
	}
	switch a.Role {
	case auth.RolePatient:
		if a.PatientID == "" {
			return auth.Actor{}, fmt.Errorf("--patient-id is required for patient sessions")
		}
		if a.ID == "" {
			a.ID = a.PatientID
		}
	case auth.RoleStaff, auth.RoleDoctor, auth.RoleAdmin:
		if a.ID == "" {
			return auth.Actor{}, fmt.Errorf("--id is required for %s sessions", a.Role)
		}
	default:
		return auth.Actor{}, fmt.Errorf("unknown --role %q", role)
	}
	return a, nil
}

func sessionIssuer(cfg *config.Config) auth.Issuer {
	return auth.Issuer{
		Key:      []byte(cfg.SessionSigningKey),
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		TTL:      cfg.SessionTTL,
	}
}

// authMiddleware picks the session verifier for the configured auth mode.
func authMiddleware(cfg *config.Config, revocations auth.RevocationStore, logger zerolog.Logger) echo.MiddlewareFunc {
	switch cfg.ResolvedAuthMode() {
	case "external":
		return auth.JWTMiddleware(auth.JWTConfig{
			Issuer:      cfg.AuthIssuer,
			Audience:    cfg.AuthAudience,
			JWKSURL:     cfg.AuthJWKSURL,
			Revocations: revocations,
			Logger:      logger,
		})
	case "development":
		return auth.DevAuthMiddleware(auth.JWTMiddleware(auth.JWTConfig{
			SigningKey:  []byte(cfg.SessionSigningKey),
			Revocations: revocations,
			Logger:      logger,
		}))
	default:
		return auth.JWTMiddleware(auth.JWTConfig{
			Issuer:      cfg.AuthIssuer,
			Audience:    cfg.AuthAudience,
			SigningKey:  []byte(cfg.SessionSigningKey),
			Revocations: revocations,
			Logger:      logger,
		})
	}
}

func rateLimitConfig(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rl.RequestsPerSecond <= 0 || rl.BurstSize <= 0 {
		rl = middleware.DefaultRateLimitConfig()
	}
	return rl
}

// sharedState wires the Redis-backed revocation store and rate limiter when
// a client is given, the in-process ones otherwise.
func sharedState(rdb redis.UniversalClient, rl middleware.RateLimitConfig) (auth.RevocationStore, middleware.Limiter) {
	if rdb == nil {
		return auth.NewMemoryRevocationStore(), middleware.NewMemoryLimiter(rl)
	}
	return auth.NewRedisRevocationStoreFromClient(rdb), middleware.NewRedisLimiter(rdb, rl, time.Second)
}

func queuePolicy(cfg *config.Config) retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = cfg.QueueMaxAttempts
	p.BaseDelay = cfg.QueueRetryBaseDelay
	return p
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	branches, err := branch.NewRegistry(cfg.BranchTimezones, cfg.DefaultTimezone)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid branch timezones")
	}
	logger.Info().Interface("branches", branches.Describe()).Msg("branch calendars loaded")

	// Database
	ctx := context.Background()
	pool, err := openPool(ctx, cfg, "portal-server")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Redis
	var rdb redis.UniversalClient
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer client.Close()
		rdb = client
		logger.Info().Msg("connected to redis")
	}
	rl := rateLimitConfig(cfg)
	revocations, limiter := sharedState(rdb, rl)

	// Telemetry
	tp := telemetry.NewTelemetryProvider(telemetry.TelemetryConfig{
		ServiceName:    "portal-server",
		ServiceVersion: version,
		Environment:    cfg.Env,
		MetricsEnabled: telemetry.BoolPtr(cfg.MetricsEnabled),
	})
	tp.ObservePool(func() (int32, int32, int32) {
		s := pool.Stat()
		return s.TotalConns(), s.IdleConns(), s.AcquiredConns()
	})
	defer tp.Shutdown(context.Background())

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.HTTPErrorHandler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(tp.MetricsMiddleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.Sanitize(logger))
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
		AllowCredentials: true,
	}))

	// Public endpoints
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	if cfg.MetricsEnabled {
		e.GET("/metrics", tp.PrometheusHandler())
	}

	// API group: session, tenant and rate limit apply to every route below.
	apiV1 := e.Group("/api/v1")
	apiV1.Use(authMiddleware(cfg, revocations, logger))
	apiV1.Use(db.TenantMiddleware(pool, cfg.DefaultTenant))
	apiV1.Use(middleware.RateLimit(rl, limiter, logger))
	apiV1.Use(middleware.Audit(logger))
	apiV1.Use(middleware.ETag(middleware.DefaultCacheConfig()))

	auth.NewSessionHandler(revocations, logger).RegisterRoutes(apiV1)

	// Follow-up lifecycle
	followupSvc := followup.NewService(followup.NewRepo(pool), db.PgTxRunner{}, branches, logger)
	followupSvc.SetMetrics(tp)
	followupSvc.SetDefaultTolerance(cfg.FollowupDefaultToleranceDays)
	followup.NewHandler(followupSvc).RegisterRoutes(apiV1)

	// Consult queue
	queueSvc := consultqueue.NewService(consultqueue.NewRepo(pool), db.PgTxRunner{}, branches, queuePolicy(cfg), logger)
	queueSvc.SetMetrics(tp)
	consultqueue.NewHandler(queueSvc).RegisterRoutes(apiV1)

	// Intake
	encounterSvc := encounter.NewService(encounter.NewRepo(pool), db.PgTxRunner{}, queueSvc, branches, logger)
	encounter.NewHandler(encounterSvc).RegisterRoutes(apiV1)

	// Consultations
	consultSvc := consultation.NewService(consultation.NewRepo(pool), db.PgTxRunner{}, queueSvc, followupSvc, logger)
	consultation.NewHandler(consultSvc).RegisterRoutes(apiV1)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("auth_mode", cfg.ResolvedAuthMode()).Msg("starting server")
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
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
