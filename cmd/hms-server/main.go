package main

import (
	"context"
	"errors"
	"fmt"
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

	"github.com/medicore/hms/internal/config"
	"github.com/medicore/hms/internal/domain/identity"
	"github.com/medicore/hms/internal/domain/patient"
	"github.com/medicore/hms/internal/platform/auth"
	"github.com/medicore/hms/internal/platform/db"
	"github.com/medicore/hms/internal/platform/metrics"
	"github.com/medicore/hms/internal/platform/middleware"
	"github.com/medicore/hms/internal/platform/notification"
	"github.com/medicore/hms/migrations"
)

const (
	slowQueryThreshold = 250 * time.Millisecond
	shutdownTimeout    = 10 * time.Second
	maxBodySize        = "1M"
	hstsMaxAge         = 365 * 24 * time.Hour
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "hms-server",
		Short: "Patient record service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or inspect schema migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := cmd.Context()
			migrator, closeFn, err := openMigrator(ctx, dir)
			if err != nil {
				return err
			}
			defer closeFn()

			n, err := migrator.Up(ctx, schema)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) to schema %s\n", n, schema)
			return nil
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	upCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := cmd.Context()
			migrator, closeFn, err := openMigrator(ctx, dir)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return err
			}
			printStatus(cmd, schema, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	statusCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printStatus(cmd *cobra.Command, schema string, statuses []db.MigrationStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

// migrationSource returns the embedded migrations unless dir is set.
func migrationSource(dir string) fs.FS {
	if dir != "" {
		return os.DirFS(dir)
	}
	return migrations.FS
}

func openMigrator(ctx context.Context, dir string) (*db.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	pool, err := db.NewPool(ctx, db.PoolConfig{
		DatabaseURL: cfg.DatabaseURL,
		MaxConns:    2,
	}, zerolog.Nop())
	if err != nil {
		return nil, nil, err
	}
	return db.NewMigrator(pool, migrationSource(dir)), pool.Close, nil
}

func newLogger(dev bool) zerolog.Logger {
	if dev {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// newSender picks SMTP delivery when a host is configured and falls back to
// logging the message otherwise.
func newSender(cfg *config.Config, logger zerolog.Logger) notification.EmailSender {
	if cfg.SMTPHost == "" {
		return notification.NewLogSender(logger)
	}
	return notification.NewSMTPSender(notification.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	})
}

// errorHandler renders every error as {"error": message}. Internal errors
// never leak their cause to the client.
func errorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		msg := http.StatusText(code)
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if m, ok := he.Message.(string); ok {
				msg = m
			} else {
				msg = http.StatusText(code)
			}
		} else {
			logger.Error().Err(err).Str("path", c.Path()).Msg("unhandled error")
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(code)
		} else {
			err = c.JSON(code, map[string]string{"error": msg})
		}
		if err != nil {
			logger.Error().Err(err).Msg("failed to write error response")
		}
	}
}

// routes attaches domain handlers to the versioned API and FHIR groups.
type routes func(api, fhirGroup *echo.Group)

// newEcho assembles the middleware chain and the operational endpoints.
func newEcho(cfg *config.Config, logger zerolog.Logger, collector *metrics.Collector, health echo.HandlerFunc, register routes) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(logger)

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.Metrics(collector))
	policy := middleware.HeaderPolicy{CacheablePaths: []string{"/metrics"}}
	if cfg.IsProduction() {
		policy.HSTSMaxAge = hstsMaxAge
	}
	e.Use(middleware.SecurityHeaders(policy))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, db.HospitalHeader},
	}))
	e.Use(echomw.BodyLimit(maxBodySize))

	e.Use(auth.SessionMiddleware(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: cfg.SessionKey(),
	}))
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware())
	}

	e.GET("/health/db", health)
	e.GET("/metrics", echo.WrapHandler(collector.Handler()))

	limit := middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           10 * time.Minute,
	})
	scope := db.HospitalMiddleware(cfg.DefaultHospital)
	apiV1 := e.Group("/api/v1", scope, limit)
	fhirGroup := e.Group("/fhir", scope, limit)
	register(apiV1, fhirGroup)

	return e
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV") == "development")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, db.PoolConfig{
		DatabaseURL: cfg.DatabaseURL,
		MaxConns:    cfg.DBMaxConns,
		MinConns:    cfg.DBMinConns,
		SlowQuery:   slowQueryThreshold,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	collector := metrics.NewCollector()

	notifier := notification.NewNotifier(
		newSender(cfg, logger),
		notification.NewTemplateEngine(),
		notification.Config{Timeout: cfg.NotifyTimeout, MaxFailures: cfg.NotifyMaxFailures},
		collector,
		logger,
	)

	patientSvc := patient.NewService(patient.NewRepo(pool), db.NewTxRunner(pool), notifier, collector, logger, cfg.MRNPrefix)
	resolver := identity.NewResolver(collector, logger, identity.DefaultProviders(auth.ContextSessionStore{}, patientSvc, logger)...)

	e := newEcho(cfg, logger, collector, db.HealthHandler(pool), func(api, fhirGroup *echo.Group) {
		patient.NewHandler(patientSvc, logger).RegisterRoutes(api, fhirGroup)
		identity.NewHandler(resolver, patientSvc, logger).RegisterRoutes(api)
	})

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
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	notifier.Wait()
	logger.Info().Msg("server stopped")
	return nil
}
