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

	"github.com/ehr/intake/internal/config"
	"github.com/ehr/intake/internal/domain/intake"
	"github.com/ehr/intake/internal/platform/audit"
	"github.com/ehr/intake/internal/platform/auth"
	"github.com/ehr/intake/internal/platform/db"
	"github.com/ehr/intake/internal/platform/ingest"
	"github.com/ehr/intake/internal/platform/middleware"
	"github.com/ehr/intake/internal/platform/telemetry"
	"github.com/ehr/intake/internal/platform/websocket"
)

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newManager(cfg *config.Config, recorder intake.Recorder, logger zerolog.Logger) (*intake.Manager, error) {
	policy, err := intake.ParseAssignPolicy(cfg.AssignPolicy)
	if err != nil {
		return nil, err
	}
	return intake.NewManager(intake.Options{
		HardCapacity:   cfg.QueueHardCapacity,
		IntakeCapacity: cfg.QueueIntakeCapacity,
		AssignPolicy:   policy,
	}, recorder, logger), nil
}

// roster resolves the clinic roster from ROSTER_FILE, falling back to one
// clinic per CLINICS entry seeded from DATA_DIR.
func roster(cfg *config.Config) (*ingest.Roster, error) {
	if cfg.RosterFile != "" {
		return ingest.LoadRoster(cfg.RosterFile)
	}
	r := ingest.DefaultRoster(cfg.Clinics, cfg.DataDir)
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func seed(ctx context.Context, cfg *config.Config, mgr *intake.Manager, logger zerolog.Logger) error {
	r, err := roster(cfg)
	if err != nil {
		return fmt.Errorf("load roster: %w", err)
	}
	classifier := ingest.ColumnClassifier{
		Fallback: ingest.NewRandomClassifier(cfg.CriticalProbability, cfg.CriticalSeed),
	}
	if _, err := ingest.NewLoader(mgr, classifier, logger).LoadRoster(ctx, r); err != nil {
		return fmt.Errorf("seed clinics: %w", err)
	}
	return nil
}

// openSinks opens every configured audit sink. The returned pool is nil
// unless DATABASE_URL is set.
func openSinks(ctx context.Context, cfg *config.Config, logger zerolog.Logger) ([]audit.Sink, *pgxpool.Pool, error) {
	var sinks []audit.Sink

	closeAll := func() {
		for _, s := range sinks {
			_ = s.Close()
		}
	}

	if cfg.AuditLogFile != "" {
		file, err := audit.OpenFileSink(cfg.AuditLogFile)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, file)
		logger.Info().Str("path", cfg.AuditLogFile).Msg("audit log file opened")
	}

	if cfg.AuditJournalDir != "" {
		journal, err := audit.OpenJournal(cfg.AuditJournalDir)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		sinks = append(sinks, journal)
		logger.Info().Str("dir", cfg.AuditJournalDir).Uint64("last_seq", journal.LastSeq()).Msg("audit journal opened")
	}

	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		var err error
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		sinks = append(sinks, audit.NewPGSink(pool))
		logger.Info().Msg("connected to database")
	}

	return sinks, pool, nil
}

func registerGauges(metrics *telemetry.Provider, mgr *intake.Manager, dispatcher *audit.Dispatcher, hub *websocket.Hub) {
	metrics.RegisterGauge(telemetry.Gauge{
		Name:  "intake_queue_size",
		Help:  "Patients held per clinic queue.",
		Label: "clinic",
		Read: func() map[string]int64 {
			out := make(map[string]int64)
			for clinic, n := range mgr.Sizes() {
				out[clinic] = int64(n)
			}
			return out
		},
	})
	metrics.RegisterGauge(telemetry.Gauge{
		Name: "intake_audit_dropped_total",
		Help: "Audit entries dropped because the dispatcher buffer was full.",
		Read: func() map[string]int64 { return map[string]int64{"": dispatcher.Dropped()} },
	})
	metrics.RegisterGauge(telemetry.Gauge{
		Name: "intake_audit_failed_total",
		Help: "Audit sink writes that returned an error.",
		Read: func() map[string]int64 { return map[string]int64{"": dispatcher.Failed()} },
	})
	metrics.RegisterGauge(telemetry.Gauge{
		Name: "intake_event_clients",
		Help: "Connected live event clients.",
		Read: func() map[string]int64 { return map[string]int64{"": int64(hub.ClientCount())} },
	})
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx := context.Background()

	// Audit
	sinks, pool, err := openSinks(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open audit sinks")
	}
	if pool != nil {
		defer pool.Close()
	}
	metrics := telemetry.NewProvider()
	hub := websocket.NewHub(logger)
	sinks = append(sinks, metrics, hub)
	dispatcher := audit.NewDispatcher(logger, cfg.AuditBuffer, sinks...)

	// Queues
	mgr, err := newManager(cfg, dispatcher, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create intake manager")
	}
	if err := seed(ctx, cfg, mgr, logger); err != nil {
		logger.Fatal().Err(err).Msg("failed to seed clinics")
	}
	registerGauges(metrics, mgr, dispatcher, hub)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.MetricsMiddleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, auth.CoordinatorHeader},
	}))

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}
	e.GET("/metrics", metrics.PrometheusHandler())

	apiV1 := e.Group("/api/v1")

	// Auth middleware
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}

	intake.NewHandler(mgr, cfg.BatchSize).RegisterRoutes(apiV1)
	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(apiV1)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Strs("clinics", mgr.Clinics()).Msg("starting server")
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
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Int64("dropped", dispatcher.Dropped()).Msg("audit flush failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
