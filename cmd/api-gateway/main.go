package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/campus-enrollment-api/internal/handler"
	"github.com/noah-isme/campus-enrollment-api/internal/repository"
	"github.com/noah-isme/campus-enrollment-api/internal/service"
	"github.com/noah-isme/campus-enrollment-api/pkg/cache"
	"github.com/noah-isme/campus-enrollment-api/pkg/config"
	"github.com/noah-isme/campus-enrollment-api/pkg/database"
	"github.com/noah-isme/campus-enrollment-api/pkg/jobs"
	"github.com/noah-isme/campus-enrollment-api/pkg/logger"
	"github.com/noah-isme/campus-enrollment-api/pkg/telemetry"
)

// @title Campus Enrollment API
// @version 1.0.0
// @description Enrolls students into course sections across the enrollment and capacity stores.
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logr); err != nil {
		logr.Fatal("server exited with error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logr *zap.Logger) error {
	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer flush(logr, "telemetry", shutdownTracing)

	enrollmentDB, err := database.NewPostgres(ctx, cfg.EnrollmentDB)
	if err != nil {
		return fmt.Errorf("enrollment store: %w", err)
	}
	defer enrollmentDB.Close()

	capacityPool, err := database.NewPgxPool(ctx, cfg.CapacityDB)
	if err != nil {
		return fmt.Errorf("capacity store: %w", err)
	}
	defer capacityPool.Close()

	sagaDB, err := database.NewSQLite(ctx, cfg.Saga.LogPath)
	if err != nil {
		return err
	}
	defer sagaDB.Close()

	var redisClient *redis.Client
	if cfg.SectionCache.Enabled {
		redisClient, err = cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			logr.Warn("section cache disabled, redis unreachable", zap.Error(err))
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	var metricsSvc *service.MetricsService
	if cfg.Metrics.Enabled {
		metricsSvc = service.NewMetricsService()
	}

	studentRepo := repository.NewStudentRepository(enrollmentDB)
	enrollmentRepo := repository.NewEnrollmentRepository(enrollmentDB)
	sectionRepo := repository.NewSectionRepository(capacityPool)
	sagaRepo := repository.NewSagaRepository(sagaDB)
	if err := sagaRepo.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate saga log: %w", err)
	}
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	sectionCache := service.NewSectionCache(sectionRepo, cacheRepo, metricsSvc, cfg.SectionCache.TTL, logr, redisClient != nil)
	preconditions := service.NewPreconditionValidator(studentRepo, sectionCache)
	coordinator := service.NewSagaCoordinator(
		enrollmentRepo,
		sectionRepo,
		sagaRepo,
		preconditions,
		sectionCache,
		validator.New(),
		metricsSvc,
		logr,
		service.SagaOptions{
			LegTimeout:          cfg.Saga.LegTimeout,
			CompensationTimeout: cfg.Saga.CompensationTimeout,
			ResumeGrace:         cfg.Saga.RecoveryGrace,
		},
	)
	enrollmentSvc := service.NewEnrollmentService(enrollmentRepo, sectionCache, sagaRepo, logr)

	worker := service.NewRecoveryWorker(coordinator, logr)
	queue := jobs.NewQueue("saga-recovery", worker.Handle, jobs.QueueConfig{
		Workers:    cfg.Saga.RecoveryWorkers,
		MaxRetries: cfg.Saga.RecoveryRetries,
		RetryDelay: 2 * time.Second,
		Logger:     logr,
	})
	queue.Start(ctx)
	defer queue.Stop()

	recovery := service.NewRecoveryService(sagaRepo, queue, service.RecoveryConfig{
		Interval:  cfg.Saga.RecoveryInterval,
		Grace:     cfg.Saga.RecoveryGrace,
		BatchSize: cfg.Saga.RecoveryBatchSize,
	}, logr)
	if _, err := recovery.RecoverPending(ctx); err != nil {
		logr.Warn("startup saga recovery failed", zap.Error(err))
	}
	recovery.Start(ctx)

	handlers := routeHandlers{
		enrollments: handler.NewEnrollmentHandler(coordinator, enrollmentSvc),
		sagas:       handler.NewSagaHandler(enrollmentSvc, coordinator),
		metrics: handler.NewMetricsHandler(metricsSvc, map[string]handler.ReadinessCheck{
			"enrollment": pingSQL(enrollmentDB),
			"capacity":   pingPool(capacityPool),
			"saga_log":   pingSQL(sagaDB),
		}),
	}
	router := newRouter(cfg, logr, metricsSvc, handlers)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

func pingSQL(db *sqlx.DB) handler.ReadinessCheck {
	return db.PingContext
}

func pingPool(pool *pgxpool.Pool) handler.ReadinessCheck {
	return pool.Ping
}

func flush(logr *zap.Logger, name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		logr.Warn("flush failed", zap.String("component", name), zap.Error(err))
	}
}
