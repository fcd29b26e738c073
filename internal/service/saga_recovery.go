package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/campus-enrollment-api/internal/models"
	"github.com/noah-isme/campus-enrollment-api/pkg/jobs"
)

// JobTypeSagaRecovery tags recovery jobs on the queue.
const JobTypeSagaRecovery = "saga_recovery"

type pendingSagaLister interface {
	ListPending(ctx context.Context, cutoff time.Time, limit int) ([]models.SagaRecord, error)
}

type sagaResumer interface {
	Resume(ctx context.Context, sagaID string) (*models.SagaRecord, error)
}

type recoveryDispatcher interface {
	Enqueue(job jobs.Job) (bool, error)
}

// RecoveryConfig governs how often and how far back pending sagas are swept.
type RecoveryConfig struct {
	Interval  time.Duration
	Grace     time.Duration
	BatchSize int
}

// RecoveryService finds sagas left in a non-final state and hands them to the
// recovery queue. Only sagas untouched for longer than the grace period are
// picked up, so sagas still running in this or another process are skipped.
type RecoveryService struct {
	sagas  pendingSagaLister
	queue  recoveryDispatcher
	cfg    RecoveryConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewRecoveryService constructs the recovery sweeper.
func NewRecoveryService(sagas pendingSagaLister, queue recoveryDispatcher, cfg RecoveryConfig, logger *zap.Logger) *RecoveryService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &RecoveryService{
		sagas:  sagas,
		queue:  queue,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// RecoverPending enqueues one batch of pending sagas and returns how many
// were newly queued.
func (s *RecoveryService) RecoverPending(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.Grace)
	pending, err := s.sagas.ListPending(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		s.logger.Sugar().Warnw("failed to list pending sagas", "error", err)
		return 0, storeError(StoreSagaLog, err)
	}

	queued := 0
	for _, rec := range pending {
		ok, err := s.queue.Enqueue(jobs.Job{ID: rec.ID, Type: JobTypeSagaRecovery})
		if err != nil {
			s.logger.Sugar().Warnw("failed to enqueue saga recovery", "saga_id", rec.ID, "error", err)
			continue
		}
		if ok {
			queued++
		}
	}
	if queued > 0 {
		s.logger.Sugar().Infow("pending sagas queued for recovery", "count", queued)
	}
	return queued, nil
}

// Start sweeps on every tick until ctx is done.
func (s *RecoveryService) Start(ctx context.Context) {
	if s.cfg.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = s.RecoverPending(ctx)
			}
		}
	}()
}

// RecoveryWorker resumes one saga per queue job.
type RecoveryWorker struct {
	sagas  sagaResumer
	logger *zap.Logger
}

// NewRecoveryWorker constructs a worker.
func NewRecoveryWorker(sagas sagaResumer, logger *zap.Logger) *RecoveryWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecoveryWorker{sagas: sagas, logger: logger}
}

// Handle processes a queue job. A returned error makes the queue retry.
func (w *RecoveryWorker) Handle(ctx context.Context, job jobs.Job) error {
	rec, err := w.sagas.Resume(ctx, job.ID)
	if err != nil {
		w.logger.Warn("saga recovery attempt failed",
			zap.String("saga_id", job.ID),
			zap.Int("attempt", job.Attempt),
			zap.Error(err),
		)
		return err
	}
	w.logger.Debug("saga recovery finished", zap.String("saga_id", rec.ID), zap.String("state", string(rec.State)))
	return nil
}
