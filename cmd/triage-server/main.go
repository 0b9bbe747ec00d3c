package main

import (
	"context"
	crypto_rand "crypto/rand"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/triage/internal/config"
	"github.com/ehr/triage/internal/domain/emergency"
	"github.com/ehr/triage/internal/domain/identity"
	"github.com/ehr/triage/internal/platform/auth"
	"github.com/ehr/triage/internal/platform/db"
	"github.com/ehr/triage/internal/platform/middleware"
	"github.com/ehr/triage/internal/platform/telemetry"
	"github.com/ehr/triage/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "triage-server",
		Short: "Emergency department admission desk API",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(colorsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the admission desk API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, poolOptions(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationsFS(dir, cfg.MigrationsDir))
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (overrides MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, poolOptions(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationsFS(dir, cfg.MigrationsDir)).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(os.Stdout, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (overrides MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed access token for a desk operator",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			roleName, _ := cmd.Flags().GetString("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			role, err := auth.ParseRole(roleName)
			if err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.AuthSigningKey == "" {
				return fmt.Errorf("AUTH_SIGNING_KEY must be set to issue tokens")
			}

			token, err := auth.IssueToken(auth.JWTConfig{
				Issuer:     cfg.AuthIssuer,
				SigningKey: []byte(cfg.AuthSigningKey),
			}, subject, role, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().String("subject", "", "Operator identifier (token sub claim)")
	cmd.Flags().String("role", string(auth.RoleNurse), "physician, nurse or administrative")
	cmd.Flags().Duration("ttl", 12*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func colorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "colors",
		Short: "List the triage color catalogue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, poolOptions(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			colors, err := emergency.NewColorRepoPG(pool).List(ctx)
			if err != nil {
				return err
			}
			printColors(os.Stdout, colors)
			return nil
		},
	}
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

	signingKey, generated, err := resolveSigningKey(cfg.AuthSigningKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to resolve signing key")
	}
	if generated {
		logger.Warn().Msg("AUTH_SIGNING_KEY not set, using a random key; issued tokens will not survive a restart")
	}

	colorPolicy, err := emergency.ParseColorPolicy(cfg.ColorPolicy)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid color policy")
	}
	transitionPolicy, err := emergency.ParseTransitionPolicy(cfg.TransitionPolicy)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid transition policy")
	}
	strategy, err := emergency.ParseSequenceStrategy(cfg.BraceletStrategy)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid bracelet strategy")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, poolOptions(cfg))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	breaker := db.NewBreaker(db.BreakerSettings{
		Name:                "PostgreSQL",
		ConsecutiveFailures: cfg.BreakerFailures,
		OpenTimeout:         cfg.BreakerTimeout,
	}, logger)
	txm := db.NewTxManager(pool, breaker)

	// Metrics
	metrics := telemetry.NewMetrics()
	metrics.ObservePool(func() (int32, int32, int32) {
		s := pool.Stat()
		return s.TotalConns(), s.IdleConns(), s.AcquiredConns()
	})

	// Domain services
	identitySvc := identity.NewService(identity.NewPatientRepo(pool))
	allocator := emergency.NewAllocator(
		emergency.NewSequenceSource(strategy, pool),
		cfg.BraceletMaxAttempts,
		metrics,
		logger,
	)
	emergencySvc := emergency.NewService(
		emergency.NewAdmissionRepoPG(pool),
		emergency.NewColorRepoPG(pool),
		identitySvc,
		allocator,
		txm,
		emergency.Options{
			ColorPolicy:      colorPolicy,
			TransitionPolicy: transitionPolicy,
			Metrics:          metrics,
			Logger:           logger,
		},
	)

	e := newServer(cfg, serverDeps{
		logger:     logger,
		metrics:    metrics,
		signingKey: signingKey,
		readiness:  db.HealthHandler(pool, pool, breaker),
		routes: []routeRegistrar{
			identity.NewHandler(identitySvc),
			emergency.NewHandler(emergencySvc),
		},
	})

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().
			Str("addr", addr).
			Str("bracelet_strategy", string(strategy)).
			Str("color_policy", string(colorPolicy)).
			Str("transition_policy", string(transitionPolicy)).
			Msg("starting server")
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

type routeRegistrar interface {
	RegisterRoutes(api *echo.Group)
}

type serverDeps struct {
	logger     zerolog.Logger
	metrics    *telemetry.Metrics
	signingKey []byte
	readiness  echo.HandlerFunc
	routes     []routeRegistrar
}

// newServer assembles the middleware chain and mounts every route. It never
// touches the database itself; readiness and the domain handlers are passed in.
func newServer(cfg *config.Config, d serverDeps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(d.logger)

	// Global middleware
	e.Use(middleware.Recovery(d.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(d.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", auth.DevRoleHeader},
	}))
	e.Use(middleware.BodyLimit("1M"))
	e.Use(d.metrics.Middleware())
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, func(c echo.Context) bool {
		return c.Path() == "/metrics"
	}))

	// Auth middleware
	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		SigningKey: d.signingKey,
		Skipper:    auth.AuthSkipper,
	}
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
		rl.BurstSize = int(cfg.RateLimitRPS * 2)
	}
	e.Use(middleware.RateLimit(rl, func(c echo.Context) bool {
		return auth.IsPublicPath(c.Path())
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	if d.readiness != nil {
		e.GET("/health/db", d.readiness)
	}
	e.GET("/metrics", d.metrics.Handler())

	apiV1 := e.Group("/api/v1")
	for _, r := range d.routes {
		r.RegisterRoutes(apiV1)
	}

	return e
}

func poolOptions(cfg *config.Config) db.PoolOptions {
	return db.PoolOptions{
		MaxConns:         cfg.DBMaxConns,
		MinConns:         cfg.DBMinConns,
		StatementTimeout: cfg.DBStatementTimeout,
	}
}

// migrationsFS picks the migration source: the --dir flag, then MIGRATIONS_DIR
// when it names an existing directory, then the files embedded in the binary.
func migrationsFS(flagDir, cfgDir string) fs.FS {
	if flagDir != "" {
		return os.DirFS(flagDir)
	}
	if cfgDir != "" {
		if info, err := os.Stat(cfgDir); err == nil && info.IsDir() {
			return os.DirFS(cfgDir)
		}
	}
	return migrations.FS
}

// resolveSigningKey returns the configured HS256 secret, or a random 32-byte
// key when none is set. The second return value is true for a random key.
// Config.Validate refuses an empty key outside development.
func resolveSigningKey(value string) ([]byte, bool, error) {
	if value != "" {
		return []byte(value), false, nil
	}
	key := make([]byte, 32)
	if _, err := crypto_rand.Read(key); err != nil {
		return nil, false, fmt.Errorf("failed to generate random signing key: %w", err)
	}
	return key, true, nil
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
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

func printColors(w io.Writer, colors []*emergency.TriageColor) {
	fmt.Fprintf(w, "%-6s %-10s %-8s %s\n", "CODE", "NAME", "PRIORITY", "HEX")
	for _, c := range colors {
		fmt.Fprintf(w, "%-6s %-10s %-8d %s\n", c.Code, c.Name, c.Priority, c.Hex)
	}
}
