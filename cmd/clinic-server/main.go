package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinicops/clinic/internal/config"
	"github.com/clinicops/clinic/internal/domain/appointment"
	"github.com/clinicops/clinic/internal/domain/checkin"
	"github.com/clinicops/clinic/internal/domain/doctorstatus"
	"github.com/clinicops/clinic/internal/domain/queue"
	"github.com/clinicops/clinic/internal/platform/audit"
	"github.com/clinicops/clinic/internal/platform/auth"
	"github.com/clinicops/clinic/internal/platform/clinictime"
	"github.com/clinicops/clinic/internal/platform/db"
	"github.com/clinicops/clinic/internal/platform/events"
	"github.com/clinicops/clinic/internal/platform/inventory"
	"github.com/clinicops/clinic/internal/platform/metrics"
	"github.com/clinicops/clinic/internal/platform/middleware"
	"github.com/clinicops/clinic/internal/platform/sweeper"
	"github.com/clinicops/clinic/internal/platform/websocket"
)

const serviceName = "clinic-server"

func main() {
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Clinic workflow and queue API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(watchCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the clinic API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", serviceName).Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger.Level(cfg.ZerologLevel())
}

// services is the wired domain layer shared by serve and sweep.
type services struct {
	doctors      *doctorstatus.Service
	checkins     *checkin.Service
	appointments *appointment.Service
	queue        *queue.Service
}

func newServices(pool *pgxpool.Pool, clock *clinictime.Clock, rec audit.Recorder, pub events.Publisher, inv inventory.Client, m *metrics.Collector, logger zerolog.Logger) *services {
	checkinRepo := checkin.NewRepoPG(pool)
	doctors := doctorstatus.NewService(doctorstatus.NewRepoPG(pool), rec, pub, m, logger)
	return &services{
		doctors: doctors,
		checkins: checkin.NewService(checkinRepo, checkin.Deps{
			Doctors:   doctors,
			Inventory: inv,
			Audit:     rec,
			Events:    pub,
			Metrics:   m,
			Clock:     clock,
			Log:       logger,
		}),
		appointments: appointment.NewService(appointment.NewRepoPG(pool), clock, rec, pub, m, logger),
		queue:        queue.NewService(checkinRepo, clock, m),
	}
}

// sweepJobs returns the periodic maintenance passes keyed by name. Each pass
// runs once per tenant.
func sweepJobs(svc *services, cfg *config.Config, run tenantRunner) map[string]sweeper.Func {
	tenants := sweepTenants(cfg)
	return map[string]sweeper.Func{
		"doctors": forEachTenant(tenants, run, func(ctx context.Context) (int, error) {
			return svc.doctors.SweepStale(ctx, cfg.DoctorStaleThreshold)
		}),
		"appointments": forEachTenant(tenants, run, svc.appointments.SweepOverdue),
	}
}

func sweepIntervals(cfg *config.Config) map[string]time.Duration {
	return map[string]time.Duration{
		"doctors":      cfg.DoctorSweepInterval,
		"appointments": cfg.AppointmentSweepInterval,
	}
}

func authMiddleware(cfg *config.Config) (echo.MiddlewareFunc, error) {
	switch mode := cfg.ResolvedAuthMode(); mode {
	case "development":
		return auth.DevAuthMiddleware(), nil
	case "shared-secret":
		return auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
		}), nil
	case "external":
		return auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		}), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", mode)
	}
}

func newAuditSink(pool *pgxpool.Pool, cfg *config.Config, logger zerolog.Logger) (audit.Sink, func()) {
	sinks := audit.MultiSink{audit.NewLogSink(logger), audit.NewPGSink(pool)}
	closeFn := func() {}
	if len(cfg.AuditKafkaBrokers) > 0 {
		kafka := audit.NewKafkaSink(cfg.AuditKafkaBrokers, cfg.AuditKafkaTopic)
		sinks = append(sinks, kafka)
		closeFn = func() {
			if err := kafka.Close(); err != nil {
				logger.Warn().Err(err).Msg("closing audit kafka writer")
			}
		}
	}
	return sinks, closeFn
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

	clock, err := clinictime.New(cfg.ClinicTimezone)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid clinic timezone")
	}
	collector := metrics.NewCollector(serviceName)

	// Database
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Change fan-out
	hub := websocket.NewHub(logger)
	var publisher events.Publisher = hub
	var healthChecks []db.Check
	if cfg.RedisURL != "" {
		rdb, err := events.NewRedisClient(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid redis url")
		}
		defer rdb.Close()
		hostname, _ := os.Hostname()
		bridge := events.NewRedisBridge(rdb, cfg.RedisChannel, hostname, logger)
		publisher = events.Multi{hub, bridge}
		healthChecks = append(healthChecks, db.Check{
			Name: "redis",
			Ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
		go func() {
			if err := bridge.Run(ctx, hub); err != nil {
				logger.Error().Err(err).Msg("redis bridge stopped")
			}
		}()
		logger.Info().Str("channel", cfg.RedisChannel).Msg("cross-instance fan-out enabled")
	}
	publisher = events.Counted(publisher, collector)

	// Audit trail
	sink, closeSink := newAuditSink(pool, cfg, logger)
	defer closeSink()
	recorder := audit.NewAsyncRecorder(sink, logger, collector, cfg.AuditBufferSize)

	// Inventory
	var inv inventory.Client = inventory.Noop{}
	if cfg.InventoryURL != "" {
		inv = inventory.NewHTTPClient(cfg.InventoryURL, cfg.InventoryTimeout, logger)
	}

	svc := newServices(pool, clock, recorder, publisher, inv, collector, logger)

	// Background sweeps
	runner := sweeper.New(logger, collector)
	intervals := sweepIntervals(cfg)
	for name, fn := range sweepJobs(svc, cfg, poolRunner(pool)) {
		runner.Add(name, intervals[name], fn)
	}
	var background sync.WaitGroup
	background.Add(1)
	go func() {
		defer background.Done()
		if err := runner.Start(ctx); err != nil {
			logger.Error().Err(err).Msg("sweeper stopped")
		}
	}()

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	authMW, err := authMiddleware(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("auth configuration")
	}

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Metrics(collector))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pool, healthChecks...))
	e.GET("/metrics", echo.WrapHandler(collector.Handler()))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}

	apiV1 := e.Group("/api/v1", authMW, db.TenantMiddleware(pool, cfg.DefaultTenant), middleware.RateLimit(rateLimitCfg))
	api := apiV1.Group("", middleware.RequestTimeout(cfg.RequestTimeout))
	doctorstatus.NewHandler(svc.doctors).RegisterRoutes(api)
	checkin.NewHandler(svc.checkins).RegisterRoutes(api)
	appointment.NewHandler(svc.appointments).RegisterRoutes(api)
	queue.NewHandler(svc.queue).RegisterRoutes(api)

	// The change stream is long-lived and must not inherit the request timeout.
	websocket.NewHandler(hub).RegisterRoutes(apiV1)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("auth_mode", cfg.ResolvedAuthMode()).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	// Sweeps record audit entries, so they must finish before the recorder
	// stops accepting them.
	background.Wait()
	recorder.Shutdown(shutdownCtx)
	logger.Info().Msg("server stopped")
	return nil
}
