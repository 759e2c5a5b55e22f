package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver for database/sql (migrations)
	"go.uber.org/zap"

	"github.com/flowdeck-inc/flowdeck-engine/pkg/analysis"
	"github.com/flowdeck-inc/flowdeck-engine/pkg/config"
	"github.com/flowdeck-inc/flowdeck-engine/pkg/connector"
	"github.com/flowdeck-inc/flowdeck-engine/pkg/database"
	"github.com/flowdeck-inc/flowdeck-engine/pkg/events"
	"github.com/flowdeck-inc/flowdeck-engine/pkg/handlers"
	"github.com/flowdeck-inc/flowdeck-engine/pkg/logging"
	"github.com/flowdeck-inc/flowdeck-engine/pkg/middleware"
	"github.com/flowdeck-inc/flowdeck-engine/pkg/registry"
	"github.com/flowdeck-inc/flowdeck-engine/pkg/repositories"
	"github.com/flowdeck-inc/flowdeck-engine/pkg/retry"
	"github.com/flowdeck-inc/flowdeck-engine/pkg/scheduler"
	"github.com/flowdeck-inc/flowdeck-engine/pkg/syncengine"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck // flush on exit is best-effort

	logger.Info("Configuration loaded",
		zap.String("environment", cfg.Env),
		zap.String("version", cfg.Version),
		zap.String("database", cfg.Database.Host),
		zap.String("redis", cfg.Redis.Host),
		zap.String("ai_provider", cfg.AI.Provider),
		zap.Bool("ai_configured", cfg.AI.IsConfigured()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The database may still be coming up alongside us; retry briefly.
	db, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() (*database.DB, error) {
		return database.NewConnection(ctx, &database.Config{
			URL:            cfg.Database.ConnectionString(),
			MaxConnections: cfg.Database.MaxConnections,
		})
	})
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := runMigrations(cfg, logger); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	redisClient, err := database.NewRedisClient(&cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	broadcaster := events.NewBroadcaster(redisClient, logger)
	defer broadcaster.Close()
	if redisClient != nil {
		go broadcaster.MirrorLoop(ctx)
	}

	instanceRepo := repositories.NewInstanceRepository(db)
	workflowRepo := repositories.NewWorkflowRecordRepository(db)
	failureRepo := repositories.NewExecutionFailureRepository(db)
	resultRepo := repositories.NewAnalysisResultRepository(db)

	conn := connector.NewHTTPConnector(logger)
	reg := registry.New(instanceRepo, conn, broadcaster, cfg.Scheduler.ProbeTimeout(), logger)

	var diagnosisClient analysis.DiagnosisClient
	if cfg.AI.IsConfigured() {
		diagnosisClient, err = analysis.NewDiagnosisClient(&cfg.AI, logger)
		if err != nil {
			logger.Fatal("Failed to create diagnosis client", zap.Error(err))
		}
	} else {
		// Canned verdicts keep local development working without an AI key.
		logger.Warn("AI endpoint not configured, analysis will return canned verdicts")
		diagnosisClient = &analysis.MockDiagnosisClient{}
	}

	queue := analysis.NewQueue(failureRepo, resultRepo, workflowRepo, diagnosisClient,
		broadcaster, analysis.OptionsFromConfig(&cfg.Analysis), logger)
	queue.Start()
	defer queue.Stop()

	// Re-enqueue jobs a previous process left queued or analyzing.
	if requeued, err := queue.Recover(ctx); err != nil {
		logger.Error("Failed to recover analysis jobs", zap.Error(err))
	} else if requeued > 0 {
		logger.Info("Recovered analysis jobs", zap.Int("requeued", requeued))
	}

	engine := syncengine.New(instanceRepo, workflowRepo, failureRepo, conn, queue, broadcaster, logger)

	sched := scheduler.New(reg, engine, instanceRepo, cfg.Scheduler, logger)
	sched.Start()
	defer sched.Stop()

	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, logger).RegisterRoutes(mux)

	api := http.NewServeMux()
	handlers.NewInstanceHandler(reg, workflowRepo, logger).RegisterRoutes(api)
	handlers.NewFailureHandler(failureRepo, resultRepo, queue, logger).RegisterRoutes(api)
	handlers.NewEventsHandler(broadcaster, logger).RegisterRoutes(api)
	mux.Handle("/api/", middleware.RequireOwner(api))

	server := &http.Server{
		Addr:              cfg.BindAddr + ":" + cfg.Port,
		Handler:           middleware.RequestLogger(logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting flowdeck-engine",
			zap.String("addr", server.Addr),
			zap.String("version", cfg.Version))
		serverErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
}

// runMigrations applies pending schema migrations. golang-migrate needs a
// database/sql connection, so this opens a short-lived one next to the pool.
func runMigrations(cfg *config.Config, logger *zap.Logger) error {
	sqlDB, err := sql.Open("pgx", cfg.Database.ConnectionString())
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	return database.RunMigrations(sqlDB, cfg.Database.MigrationsPath, logger)
}
