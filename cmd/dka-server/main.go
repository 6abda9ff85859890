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
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/dka/dka/internal/config"
	"github.com/dka/dka/internal/domain/audit"
	"github.com/dka/dka/internal/domain/episode"
	"github.com/dka/dka/internal/platform/auth"
	"github.com/dka/dka/internal/platform/db"
	"github.com/dka/dka/internal/platform/events"
	"github.com/dka/dka/internal/platform/httperr"
	"github.com/dka/dka/internal/platform/identity"
	"github.com/dka/dka/internal/platform/imd"
	"github.com/dka/dka/internal/platform/middleware"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "dka-server",
		Short:   "Paediatric DKA calculator and audit registry API",
		Version: version,
	}

	root.AddCommand(serveCmd(), migrateCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "migrate [up|status]",
		Short: "Apply or inspect database migrations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if _, ok := cfg.SQLiteDSN(); ok {
				return fmt.Errorf("migrations apply to Postgres only; the embedded SQLite store manages its own schema")
			}

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			switch args[0] {
			case "up":
				n, err := migrator.Up(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("applied %d migration(s)\n", n)
			case "status":
				statuses, err := migrator.Status(ctx)
				if err != nil {
					return err
				}
				for _, s := range statuses {
					state := "pending"
					if s.Applied {
						state = "applied " + s.AppliedAt.Format(time.RFC3339)
					}
					fmt.Printf("%03d %-40s %s\n", s.Version, s.Name, state)
				}
			default:
				return fmt.Errorf("unknown migrate subcommand %q", args[0])
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "migrations", "migrations directory")
	return cmd
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	return logger
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg)

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()

	// Repository: embedded SQLite for local development, Postgres otherwise.
	var (
		repo audit.Repository
		pool *pgxpool.Pool
	)
	if path, ok := cfg.SQLiteDSN(); ok {
		sqliteRepo, err := audit.NewRepoSQLite(path)
		if err != nil {
			logger.Fatal().Err(err).Msg("open sqlite store")
		}
		if err := sqliteRepo.Init(ctx); err != nil {
			logger.Fatal().Err(err).Msg("initialize sqlite store")
		}
		defer sqliteRepo.Close()
		repo = sqliteRepo
		logger.Info().Str("path", path).Msg("using embedded sqlite store")
	} else {
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect to database")
		}
		defer pool.Close()
		repo = audit.NewRepoPG(pool)
	}

	hasher := identity.NewHasher(cfg.Pepper)

	// Decile lookups go through a cache: Redis when configured, otherwise a
	// per-process map.
	var decileCache imd.Cache
	if cfg.RedisURL != "" {
		redisCache, err := imd.NewRedisCache(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect to redis")
		}
		defer redisCache.Close()
		decileCache = redisCache
	} else {
		decileCache = imd.NewMemoryCache()
	}
	resolver := imd.NewCachedResolver(imd.NewClient(cfg.IMDBaseURL), decileCache)

	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.NATSURL != "" {
		natsPub, err := events.NewNATSPublisher(cfg.NATSURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect to nats")
		}
		publisher = natsPub
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn().Err(err).Msg("close event publisher")
		}
	}()

	svc := audit.NewService(repo, episode.NewProtocolCalculator(), hasher, resolver,
		publisher, logger, cfg.IMDFailurePolicy == config.IMDPolicyError)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = httperr.Handler(logger)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.RequestTimeout(30 * time.Second))
	e.Use(echomw.BodyLimit("64K"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization},
	}))
	e.Use(echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Store: echomw.NewRateLimiterMemoryStoreWithConfig(echomw.RateLimiterMemoryStoreConfig{
			Rate:  rate.Limit(cfg.RateLimitRPS),
			Burst: cfg.RateLimitBurst,
		}),
	}))

	api := e.Group("/api/v1")
	if cfg.IsDev() {
		api.Use(auth.DevAuthMiddleware())
	} else {
		api.Use(auth.JWTMiddleware(auth.JWTConfig{
			Secret: []byte(cfg.AdminJWTSecret),
			Issuer: "dka-registry",
		}))
		api.Use(auth.RequireRole("auditor"))
	}

	audit.NewHandler(svc).RegisterRoutes(e, api)

	// Anything that is not an API route gets the service card, so probes and
	// stray browsers see what this is rather than a bare 404.
	serviceInfo := func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"service": "dka-audit-api",
			"version": version,
			"endpoints": []string{
				"POST /calculate",
				"POST /update",
				"GET /api/v1/records",
				"GET /api/v1/records/:id",
				"GET /health",
			},
		})
	}
	e.GET("/", serviceInfo)
	e.RouteNotFound("/*", serviceInfo)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("server starting")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
	}

	return nil
}
