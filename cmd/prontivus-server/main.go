package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/prontivus/prontivus/internal/config"
	"github.com/prontivus/prontivus/internal/domain/prescription"
	"github.com/prontivus/prontivus/internal/platform/audit"
	"github.com/prontivus/prontivus/internal/platform/auth"
	"github.com/prontivus/prontivus/internal/platform/blobstore"
	"github.com/prontivus/prontivus/internal/platform/db"
	"github.com/prontivus/prontivus/internal/platform/middleware"
	"github.com/prontivus/prontivus/internal/platform/notification"
	"github.com/prontivus/prontivus/internal/platform/rxpdf"
	"github.com/prontivus/prontivus/internal/platform/signing"
	"github.com/prontivus/prontivus/internal/platform/telemetry"
	"github.com/prontivus/prontivus/internal/platform/verifycode"
	"github.com/prontivus/prontivus/migrations"
)

const version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var envFiles []string
	root := &cobra.Command{
		Use:          "prontivus-server",
		Short:        "Digital prescription signing and verification server",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFiles(envFiles)
		},
	}
	root.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv file(s) loaded before configuration")

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(credentialCmd())
	return root
}

// loadEnvFiles overlays files into the environment. Variables already set
// in the process win.
func loadEnvFiles(files []string) error {
	if len(files) == 0 {
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("load env files: %w", err)
	}
	return nil
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the prescription API server",
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
			schema, _ := cmd.Flags().GetString("schema")
			ctx := cmd.Context()

			pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator, err := db.NewMigrator(pool, migrations.FS, schema)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			ctx := cmd.Context()

			pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator, err := db.NewMigrator(pool, migrations.FS, schema)
			if err != nil {
				return err
			}
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
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
			return nil
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(statusCmd)

	return cmd
}

// skipPublic bypasses mw for the unauthenticated routes.
func skipPublic(mw echo.MiddlewareFunc) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		wrapped := mw(next)
		return func(c echo.Context) error {
			if auth.AuthSkipper(c) {
				return next(c)
			}
			return wrapped(c)
		}
	}
}

func authMiddleware(cfg *config.Config, logger zerolog.Logger) []echo.MiddlewareFunc {
	jwtCfg := auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
		Skipper:  auth.AuthSkipper,
		Logger:   logger,
	}
	if cfg.AuthSigningKey != "" {
		jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
	}

	switch cfg.ResolvedAuthMode() {
	case config.AuthDevelopment:
		// Anonymous requests get the development identity. A bearer token,
		// when present, must still validate.
		jwtCfg.Skipper = func(c echo.Context) bool {
			return auth.AuthSkipper(c) || auth.UserIDFromContext(c.Request().Context()) != ""
		}
		return []echo.MiddlewareFunc{
			auth.DevAuthMiddleware(cfg.DefaultClinic, auth.AuthSkipper),
			auth.JWTMiddleware(jwtCfg),
		}
	case config.AuthShared:
		return []echo.MiddlewareFunc{auth.JWTMiddleware(jwtCfg)}
	default:
		jwtCfg.SigningKey = nil
		return []echo.MiddlewareFunc{auth.JWTMiddleware(jwtCfg)}
	}
}

func openBlobStore(cfg *config.Config, pool db.Querier) (blobstore.BlobStore, func(), error) {
	switch cfg.BlobBackend {
	case config.BlobLevelDB:
		s, err := blobstore.OpenLevelDB(cfg.BlobLevelDBPath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case config.BlobMemory:
		return blobstore.NewInMemoryBlobStore(), func() {}, nil
	default:
		return blobstore.NewPGBlobStore(pool), func() {}, nil
	}
}

func rateLimitConfig(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}
	return rl
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.ResolvedAuthMode() == config.AuthDevelopment {
		logger.Warn().Str("env", cfg.Env).Msg("development auth enabled: anonymous requests act as a physician of the default clinic")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	metrics := telemetry.NewRegistry()

	// Audit trail
	auditRecorder := audit.NewAsync(audit.NewLogger(pool), logger, 256)
	defer auditRecorder.Close()

	// Document storage
	blobs, closeBlobs, err := openBlobStore(cfg, pool)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.BlobBackend).Msg("failed to open document store")
	}
	defer closeBlobs()

	// Signing
	credentials := signing.NewPGStore(pool)
	keyring := signing.NewKeyring(credentials)
	keyring.Register(signing.KindPKCS12, signing.PKCS12Loader{})
	keyring.Register(signing.KindSealed, signing.SealedLoader{})
	if cfg.RemoteSignerURL != "" {
		keyring.Register(signing.KindRemote, signing.NewRemoteLoader(cfg.RemoteSignerURL, cfg.RemoteSignerToken, cfg.RemoteSignerTimeout))
	}

	issuer, err := verifycode.NewIssuer(cfg.PublicBaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid public base URL")
	}
	renderer := rxpdf.NewRenderer(rxpdf.Branding{
		Name:    cfg.BrandName,
		Address: cfg.BrandAddress,
		Footer:  cfg.BrandFooter,
	})

	// Notifications
	sender := notification.LogSender{Logger: logger}
	dispatcher := notification.NewDispatcher(sender, sender, notification.NewTemplateEngine(), logger, notification.Config{
		Workers:   cfg.NotifyWorkers,
		QueueSize: cfg.NotifyQueueSize,
	})
	defer dispatcher.Close()

	// Prescriptions
	repo := prescription.NewRepoPG(pool)
	svc := prescription.NewService(repo, db.NewTransactor(pool), keyring, renderer, signing.NewSigner(), issuer, blobs, logger)
	svc.SetNotifier(dispatcher)
	svc.SetMetrics(metrics)
	svc.SetAuditRecorder(auditRecorder)
	verifier := prescription.NewVerifier(repo, blobs, logger)
	verifier.SetMetrics(metrics)
	handler := prescription.NewHandler(svc, verifier, logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Sanitize(logger))
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost},
		AllowHeaders:  []string{"Authorization", "Content-Type", "X-Request-ID", db.ClinicHeader},
		ExposeHeaders: []string{"X-Document-SHA256", echo.HeaderContentDisposition},
	}))

	e.Use(authMiddleware(cfg, logger)...)
	e.Use(skipPublic(db.ClinicMiddleware(cfg.DefaultClinic)))
	e.Use(middleware.Audit(logger, auditRecorder))

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(rateLimitConfig(cfg)))
	handler.RegisterRoutes(apiV1)
	handler.RegisterPublicRoutes(e, middleware.RateLimit(middleware.PublicRateLimitConfig()))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool, func() *db.PoolStats { return db.GetPoolStats(pool) }))
	e.GET("/health/node", telemetry.NewNodeMonitor().Handler())
	e.GET("/metrics", metrics.Handler())

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
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
	logger.Info().Msg("server stopped")
	return nil
}
