package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/noah-isme/campus-enrollment-api/internal/models"
	"github.com/noah-isme/campus-enrollment-api/internal/repository"
	appErrors "github.com/noah-isme/campus-enrollment-api/pkg/errors"
)

const tracerName = "github.com/noah-isme/campus-enrollment-api/internal/service"

// Failure codes recorded on saga records that do not come from a typed error.
const (
	FailureDuplicate   = "DUPLICATE"
	FailureInterrupted = "INTERRUPTED"
)

type enrollmentWriter interface {
	Create(ctx context.Context, enrollment *models.Enrollment) error
	FindByID(ctx context.Context, id string) (*models.Enrollment, error)
	FindByKey(ctx context.Context, key models.EnrollmentKey) (*models.Enrollment, error)
	Delete(ctx context.Context, id string) error
}

type seatAllocator interface {
	FindByID(ctx context.Context, id string) (*models.Section, error)
	DecrementSeatsIfAvailable(ctx context.Context, sectionID, sagaID, enrollmentID string) (*models.SeatDecrement, error)
	HasLedgerEntry(ctx context.Context, sagaID string) (bool, error)
	ReleaseSeat(ctx context.Context, sagaID string) (bool, error)
}

type sagaLog interface {
	Save(ctx context.Context, record *models.SagaRecord, message string) error
	FindByID(ctx context.Context, id string) (*models.SagaRecord, error)
	FindByEnrollmentID(ctx context.Context, enrollmentID string) (*models.SagaRecord, error)
}

type preconditionChecker interface {
	Validate(ctx context.Context, key models.EnrollmentKey) (*EnrollmentSnapshot, error)
}

type sectionInvalidator interface {
	Invalidate(ctx context.Context, sectionID string)
}

// EnrollRequest is the saga entrypoint payload. IdempotencyKey is optional;
// when present it must equal "student_id:section_id:cycle_id".
type EnrollRequest struct {
	StudentID      string `json:"student_id" validate:"required"`
	SectionID      string `json:"section_id" validate:"required"`
	CycleID        string `json:"cycle_id" validate:"required"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Key returns the idempotency key of the request.
func (r EnrollRequest) Key() models.EnrollmentKey {
	return models.EnrollmentKey{StudentID: r.StudentID, SectionID: r.SectionID, CycleID: r.CycleID}
}

// EnrollResult is returned for a committed or replayed enrollment.
type EnrollResult struct {
	Status         string             `json:"status"`
	Enrollment     *models.Enrollment `json:"enrollment"`
	SeatsRemaining int                `json:"seats_remaining"`
	SagaID         string             `json:"saga_id"`
	Replayed       bool               `json:"replayed"`
}

// SagaOptions tunes timeouts and allows deterministic clocks and ids in tests.
// ResumeGrace is how long a saga must sit untouched before Resume takes it over.
type SagaOptions struct {
	LegTimeout          time.Duration
	CompensationTimeout time.Duration
	ResumeGrace         time.Duration
	Now                 func() time.Time
	NewID               func() string
}

// SagaCoordinator runs the two-leg enrollment saga: insert the enrollment in
// the enrollment store, then take a seat in the capacity store, compensating
// leg one when leg two fails. Every state change is written to the saga log
// before the next store call.
type SagaCoordinator struct {
	enrollments   enrollmentWriter
	seats         seatAllocator
	log           sagaLog
	preconditions preconditionChecker
	sectionCache  sectionInvalidator
	validator     *validator.Validate
	metrics       *MetricsService
	logger        *zap.Logger
	tracer        trace.Tracer
	opts          SagaOptions
}

// NewSagaCoordinator constructs a SagaCoordinator. sectionCache may be nil.
func NewSagaCoordinator(
	enrollments enrollmentWriter,
	seats seatAllocator,
	log sagaLog,
	preconditions preconditionChecker,
	sectionCache sectionInvalidator,
	validate *validator.Validate,
	metrics *MetricsService,
	logger *zap.Logger,
	opts SagaOptions,
) *SagaCoordinator {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.LegTimeout <= 0 {
		opts.LegTimeout = 3 * time.Second
	}
	if opts.CompensationTimeout <= 0 {
		opts.CompensationTimeout = 5 * time.Second
	}
	if opts.ResumeGrace <= 0 {
		opts.ResumeGrace = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString() }
	}
	return &SagaCoordinator{
		enrollments:   enrollments,
		seats:         seats,
		log:           log,
		preconditions: preconditions,
		sectionCache:  sectionCache,
		validator:     validate,
		metrics:       metrics,
		logger:        logger,
		tracer:        otel.Tracer(tracerName),
		opts:          opts,
	}
}

// Enroll runs the saga for one request. Once leg one has committed the saga
// runs to a final state even if ctx is cancelled.
func (c *SagaCoordinator) Enroll(ctx context.Context, req EnrollRequest) (*EnrollResult, error) {
	if err := c.validator.Struct(req); err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	key := req.Key()
	if req.IdempotencyKey != "" && req.IdempotencyKey != key.String() {
		return nil, appErrors.WithDetails(
			appErrors.Clone(appErrors.ErrValidation, "idempotency_key does not match student_id:section_id:cycle_id"),
			map[string]interface{}{"expected": key.String()},
		)
	}

	ctx, span := c.tracer.Start(ctx, "enrollment.saga", trace.WithAttributes(
		attribute.String("enrollment.student_id", key.StudentID),
		attribute.String("enrollment.section_id", key.SectionID),
		attribute.String("enrollment.cycle_id", key.CycleID),
	))
	defer span.End()

	now := c.opts.Now()
	rec := &models.SagaRecord{
		ID:           c.opts.NewID(),
		StudentID:    key.StudentID,
		SectionID:    key.SectionID,
		CycleID:      key.CycleID,
		State:        models.SagaStateInitiated,
		EnrollmentID: c.opts.NewID(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if sc := span.SpanContext(); sc.HasTraceID() {
		rec.TraceID = sc.TraceID().String()
	}
	span.SetAttributes(attribute.String("saga.id", rec.ID))

	if err := c.log.Save(ctx, rec, "saga started"); err != nil {
		storeErr := storeError(StoreSagaLog, err)
		recordSpanError(span, storeErr)
		return nil, storeErr
	}

	c.metrics.SagaStarted()
	start := time.Now()
	result, err := c.run(ctx, rec)
	c.metrics.SagaFinished(rec.State, rec.FailureCode, time.Since(start))

	span.SetAttributes(attribute.String("saga.state", string(rec.State)))
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return result, nil
}

func (c *SagaCoordinator) run(ctx context.Context, rec *models.SagaRecord) (*EnrollResult, error) {
	key := rec.Key()

	existing, err := c.enrollments.FindByKey(ctx, key)
	switch {
	case err == nil:
		return c.replay(ctx, rec, existing)
	case !errors.Is(err, sql.ErrNoRows):
		cause := storeError(StoreEnrollment, err)
		c.abort(ctx, rec, cause)
		return nil, cause
	}

	if _, err := c.preconditions.Validate(ctx, key); err != nil {
		c.abort(ctx, rec, err)
		return nil, err
	}

	enrollment := &models.Enrollment{
		ID:        rec.EnrollmentID,
		StudentID: key.StudentID,
		SectionID: key.SectionID,
		CycleID:   key.CycleID,
		CreatedAt: c.opts.Now(),
	}
	if err := c.legOne(ctx, enrollment); err != nil {
		if errors.Is(err, repository.ErrDuplicateEnrollment) {
			existing, findErr := c.enrollments.FindByKey(ctx, key)
			if findErr != nil {
				cause := c.duplicateLookupError(findErr)
				c.abort(ctx, rec, cause)
				return nil, cause
			}
			return c.replay(ctx, rec, existing)
		}
		return nil, c.legOneFailed(ctx, rec, err)
	}

	// From here on the caller can no longer cancel the saga.
	sagaCtx := context.WithoutCancel(ctx)

	if err := c.advance(sagaCtx, rec, models.SagaStateLeg1Done, "enrollment written"); err != nil {
		// Without LEG1_DONE on record leg two must not run; undo leg one.
		if compErr := c.compensate(sagaCtx, rec, err, false); compErr != nil {
			return nil, compErr
		}
		return nil, err
	}

	decrement, legErr := c.legTwo(sagaCtx, rec)
	if legErr == nil && decrement.Applied {
		if err := c.advance(sagaCtx, rec, models.SagaStateCommitted, "seat taken"); err != nil {
			if errors.Is(err, repository.ErrSagaStateConflict) {
				// Recovery took the saga over and is rolling it back.
				if compErr := c.compensate(sagaCtx, rec, err, true); compErr != nil {
					return nil, compErr
				}
				return nil, err
			}
			// Both stores hold the enrollment; recovery settles the record.
			c.logger.Warn("committed saga could not be recorded", zap.String("saga_id", rec.ID), zap.Error(err))
		}
		c.invalidateSection(sagaCtx, rec.SectionID)
		c.logger.Info("enrollment committed",
			zap.String("saga_id", rec.ID),
			zap.String("enrollment_id", enrollment.ID),
			zap.Int("seats_remaining", decrement.Remaining),
		)
		return &EnrollResult{
			Status:         "success",
			Enrollment:     enrollment,
			SeatsRemaining: decrement.Remaining,
			SagaID:         rec.ID,
		}, nil
	}

	var cause error
	if legErr != nil {
		cause = storeError(StoreCapacity, legErr)
	} else {
		cause = appErrors.ResourceExhausted(appErrors.ReasonNoSeats, "no seats available in section")
	}
	// A failed decrement may still have committed; the ledger tells.
	if err := c.compensate(sagaCtx, rec, cause, legErr != nil); err != nil {
		return nil, err
	}
	return nil, cause
}

func (c *SagaCoordinator) legOne(ctx context.Context, enrollment *models.Enrollment) error {
	ctx, span := c.tracer.Start(ctx, "enrollment.leg_one")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.opts.LegTimeout)
	defer cancel()
	if err := c.enrollments.Create(ctx, enrollment); err != nil {
		if !errors.Is(err, repository.ErrDuplicateEnrollment) {
			recordSpanError(span, err)
		}
		return err
	}
	return nil
}

func (c *SagaCoordinator) legTwo(ctx context.Context, rec *models.SagaRecord) (*models.SeatDecrement, error) {
	ctx, span := c.tracer.Start(ctx, "enrollment.leg_two")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.opts.LegTimeout)
	defer cancel()
	decrement, err := c.seats.DecrementSeatsIfAvailable(ctx, rec.SectionID, rec.ID, rec.EnrollmentID)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Bool("seat.applied", decrement.Applied), attribute.Int("seat.remaining", decrement.Remaining))
	return decrement, nil
}

// legOneFailed handles a leg-one error other than a duplicate. The insert may
// have landed despite the error, so the planned row is deleted before the
// saga is aborted. If that delete fails the record stays INITIATED for
// recovery.
func (c *SagaCoordinator) legOneFailed(ctx context.Context, rec *models.SagaRecord, legErr error) error {
	cause := storeError(StoreEnrollment, legErr)
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.CompensationTimeout)
	defer cancel()
	if err := c.enrollments.Delete(cleanupCtx, rec.EnrollmentID); err != nil {
		c.logger.Warn("leg one cleanup failed, leaving saga for recovery",
			zap.String("saga_id", rec.ID),
			zap.String("enrollment_id", rec.EnrollmentID),
			zap.Error(err),
		)
		return cause
	}
	c.abort(ctx, rec, cause)
	return cause
}

// replay answers a request whose enrollment already exists with the earlier
// result. An enrollment whose own saga has not committed yet is reported as a
// conflict so the caller retries once that saga settles.
func (c *SagaCoordinator) replay(ctx context.Context, rec *models.SagaRecord, existing *models.Enrollment) (*EnrollResult, error) {
	sagaID := rec.ID
	owner, err := c.log.FindByEnrollmentID(ctx, existing.ID)
	switch {
	case err == nil:
		if owner.State != models.SagaStateCommitted {
			cause := appErrors.WithDetails(
				appErrors.Clone(appErrors.ErrConflict, "an enrollment for this request is still being processed"),
				map[string]interface{}{"saga_id": owner.ID, "saga_state": string(owner.State)},
			)
			c.abort(ctx, rec, cause)
			return nil, cause
		}
		sagaID = owner.ID
	case !errors.Is(err, sql.ErrNoRows):
		cause := storeError(StoreSagaLog, err)
		c.abort(ctx, rec, cause)
		return nil, cause
	}

	section, err := c.seats.FindByID(ctx, rec.SectionID)
	if err != nil {
		cause := storeError(StoreCapacity, err)
		c.abort(ctx, rec, cause)
		return nil, cause
	}

	rec.FailureCode = FailureDuplicate
	rec.FailureMessage = "replayed enrollment " + existing.ID
	if err := c.advance(ctx, rec, models.SagaStateAborted, "duplicate request replayed"); err != nil {
		c.logger.Warn("replayed saga could not be recorded", zap.String("saga_id", rec.ID), zap.Error(err))
	}
	c.logger.Info("enrollment replayed", zap.String("saga_id", sagaID), zap.String("enrollment_id", existing.ID))
	return &EnrollResult{
		Status:         "success",
		Enrollment:     existing,
		SeatsRemaining: section.AvailableSeats,
		SagaID:         sagaID,
		Replayed:       true,
	}, nil
}

func (c *SagaCoordinator) duplicateLookupError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		// The conflicting row was compensated between our insert and this read.
		return appErrors.Clone(appErrors.ErrConflict, "a concurrent enrollment for this request was rolled back, retry")
	}
	return storeError(StoreEnrollment, err)
}

// compensate undoes leg one and, when release is set, gives back any seat the
// saga holds. nil means the saga reached COMPENSATED. On failure the record
// stays COMPENSATING and an INCONSISTENT_STATE error is returned. A saga that
// another writer committed meanwhile is left untouched with a CONFLICT error.
func (c *SagaCoordinator) compensate(ctx context.Context, rec *models.SagaRecord, cause error, release bool) error {
	ctx, span := c.tracer.Start(ctx, "enrollment.compensate")
	defer span.End()

	if err := c.enterCompensation(ctx, rec, cause); err != nil {
		recordSpanError(span, err)
		return err
	}

	compCtx, cancel := context.WithTimeout(ctx, c.opts.CompensationTimeout)
	defer cancel()

	if err := c.enrollments.Delete(compCtx, rec.EnrollmentID); err != nil {
		incErr := c.inconsistent(ctx, rec, StoreEnrollment, cause, err)
		recordSpanError(span, incErr)
		return incErr
	}
	if release {
		released, err := c.seats.ReleaseSeat(compCtx, rec.ID)
		if err != nil {
			incErr := c.inconsistent(ctx, rec, StoreCapacity, cause, err)
			recordSpanError(span, incErr)
			return incErr
		}
		if released {
			c.invalidateSection(ctx, rec.SectionID)
		}
	}

	if rec.State == models.SagaStateCompensating {
		if err := c.advance(ctx, rec, models.SagaStateCompensated, "enrollment removed"); err != nil {
			c.logger.Warn("compensated saga could not be recorded", zap.String("saga_id", rec.ID), zap.Error(err))
		}
	}
	c.logger.Info("enrollment compensated",
		zap.String("saga_id", rec.ID),
		zap.String("enrollment_id", rec.EnrollmentID),
		zap.String("cause", rec.FailureCode),
	)
	return nil
}

// enterCompensation records COMPENSATING before any undo. When another writer
// has moved the saga on, the stored state is adopted instead: a committed
// saga is left alone, anything else still owes an undo that is safe to repeat.
func (c *SagaCoordinator) enterCompensation(ctx context.Context, rec *models.SagaRecord, cause error) error {
	if rec.State == models.SagaStateCompensating {
		return nil
	}
	rec.FailureCode = appErrors.FromError(cause).Code
	rec.FailureMessage = cause.Error()
	if rec.State == models.SagaStateInitiated {
		if err := c.advance(ctx, rec, models.SagaStateLeg1Done, "enrollment found during rollback"); err != nil {
			if errors.Is(err, repository.ErrSagaStateConflict) {
				return c.adoptStoredState(ctx, rec, err)
			}
			c.logger.Warn("saga log write failed", zap.String("saga_id", rec.ID), zap.Error(err))
		}
	}
	if err := c.advance(ctx, rec, models.SagaStateCompensating, "compensating: "+cause.Error()); err != nil {
		if errors.Is(err, repository.ErrSagaStateConflict) {
			return c.adoptStoredState(ctx, rec, err)
		}
		c.logger.Warn("saga log write failed", zap.String("saga_id", rec.ID), zap.Error(err))
	}
	return nil
}

func (c *SagaCoordinator) adoptStoredState(ctx context.Context, rec *models.SagaRecord, conflict error) error {
	readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.CompensationTimeout)
	defer cancel()
	stored, err := c.log.FindByID(readCtx, rec.ID)
	if err != nil {
		c.logger.Warn("saga log re-read failed, leaving stores untouched", zap.String("saga_id", rec.ID), zap.Error(err))
		return conflict
	}
	if stored.State == models.SagaStateCommitted {
		c.logger.Warn("saga committed by another writer, skipping rollback", zap.String("saga_id", rec.ID))
		rec.State = stored.State
		rec.UpdatedAt = stored.UpdatedAt
		return conflict
	}
	c.logger.Info("saga moved on by another writer",
		zap.String("saga_id", rec.ID),
		zap.String("stored_state", string(stored.State)),
	)
	rec.State = stored.State
	rec.UpdatedAt = stored.UpdatedAt
	return nil
}

func (c *SagaCoordinator) inconsistent(ctx context.Context, rec *models.SagaRecord, store string, cause, err error) error {
	c.logger.Error("compensation failed, manual reconciliation required",
		zap.String("saga_id", rec.ID),
		zap.String("enrollment_id", rec.EnrollmentID),
		zap.String("student_id", rec.StudentID),
		zap.String("section_id", rec.SectionID),
		zap.String("cycle_id", rec.CycleID),
		zap.String("store", store),
		zap.NamedError("cause", cause),
		zap.Error(err),
	)
	rec.FailureMessage = fmt.Sprintf("%s; compensation failed in %s store: %v", cause.Error(), store, err)
	rec.UpdatedAt = c.opts.Now()
	if saveErr := c.save(ctx, rec, "compensation failed"); saveErr != nil {
		c.logger.Error("saga log write failed", zap.String("saga_id", rec.ID), zap.Error(saveErr))
	}
	return appErrors.Inconsistent(rec.ID, map[string]interface{}{
		"enrollment_id": rec.EnrollmentID,
		"student_id":    rec.StudentID,
		"section_id":    rec.SectionID,
		"cycle_id":      rec.CycleID,
		"store":         store,
	}, cause)
}

// abort records a failure that happened before any write.
func (c *SagaCoordinator) abort(ctx context.Context, rec *models.SagaRecord, cause error) {
	rec.FailureCode = appErrors.FromError(cause).Code
	rec.FailureMessage = cause.Error()
	if err := c.advance(ctx, rec, models.SagaStateAborted, "aborted: "+cause.Error()); err != nil {
		c.logger.Warn("aborted saga could not be recorded", zap.String("saga_id", rec.ID), zap.Error(err))
	}
}

// advance moves rec to next and persists it. The in-memory state moves even
// when the write fails so the caller can keep compensating, unless the log
// refused it because another writer moved the saga elsewhere.
func (c *SagaCoordinator) advance(ctx context.Context, rec *models.SagaRecord, next models.SagaState, message string) error {
	prev, prevAt := rec.State, rec.UpdatedAt
	if err := rec.Transition(next, c.opts.Now()); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "illegal saga transition")
	}
	c.logger.Debug("saga transition", zap.String("saga_id", rec.ID), zap.String("state", string(next)), zap.String("message", message))
	if err := c.save(ctx, rec, message); err != nil {
		if errors.Is(err, repository.ErrSagaStateConflict) {
			rec.State, rec.UpdatedAt = prev, prevAt
			return appErrors.WithDetails(
				appErrors.Wrap(err, appErrors.CodeConflict, appErrors.ErrConflict.Status, "saga was moved on concurrently"),
				map[string]interface{}{"saga_id": rec.ID, "saga_state": string(prev)},
			)
		}
		return storeError(StoreSagaLog, err)
	}
	return nil
}

// save writes the record on a context detached from the caller so a
// cancelled request still leaves an accurate log.
func (c *SagaCoordinator) save(ctx context.Context, rec *models.SagaRecord, message string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.CompensationTimeout)
	defer cancel()
	return c.log.Save(ctx, rec, message)
}

func (c *SagaCoordinator) invalidateSection(ctx context.Context, sectionID string) {
	if c.sectionCache != nil {
		c.sectionCache.Invalidate(ctx, sectionID)
	}
}

// Resume drives a pending saga to a final state after a crash or an
// unrecorded outcome. Both stores are re-read first: whether the enrollment
// row exists and whether the capacity ledger holds a seat for the saga. It
// returns the record as it stands afterwards. A saga updated within the
// resume grace period may still be running and is refused with CONFLICT.
func (c *SagaCoordinator) Resume(ctx context.Context, sagaID string) (*models.SagaRecord, error) {
	ctx, span := c.tracer.Start(ctx, "enrollment.saga.resume", trace.WithAttributes(attribute.String("saga.id", sagaID)))
	defer span.End()

	rec, err := c.log.FindByID(ctx, sagaID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NotFound("saga")
		}
		return nil, storeError(StoreSagaLog, err)
	}
	if rec.State.Terminal() {
		return rec, nil
	}
	if idle := c.opts.Now().Sub(rec.UpdatedAt); idle < c.opts.ResumeGrace {
		return rec, appErrors.WithDetails(
			appErrors.Clone(appErrors.ErrConflict, "saga is still running"),
			map[string]interface{}{"saga_id": rec.ID, "saga_state": string(rec.State)},
		)
	}
	rec.Attempts++

	hasEnrollment, hasSeat, err := c.inspect(ctx, rec)
	if err != nil {
		recordSpanError(span, err)
		return rec, err
	}
	logger := c.logger.With(
		zap.String("saga_id", rec.ID),
		zap.String("state", string(rec.State)),
		zap.Bool("enrollment_exists", hasEnrollment),
		zap.Bool("seat_held", hasSeat),
	)
	logger.Info("resuming saga")

	// Store writes must finish even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	interrupted := appErrors.Clone(appErrors.ErrInternal, "saga interrupted before completion")
	interrupted.Code = FailureInterrupted

	switch rec.State {
	case models.SagaStateInitiated:
		if !hasEnrollment && !hasSeat {
			rec.FailureCode = FailureInterrupted
			rec.FailureMessage = "interrupted before leg one completed"
			if err := c.advance(ctx, rec, models.SagaStateAborted, "recovered: nothing written"); err != nil {
				return rec, err
			}
			break
		}
		if err := c.compensate(ctx, rec, interrupted, hasSeat); err != nil {
			return rec, err
		}

	case models.SagaStateLeg1Done:
		switch {
		case hasEnrollment && hasSeat:
			if err := c.advance(ctx, rec, models.SagaStateCommitted, "recovered: both legs applied"); err != nil {
				if !errors.Is(err, repository.ErrSagaStateConflict) {
					return rec, err
				}
				if compErr := c.compensate(ctx, rec, err, true); compErr != nil {
					return rec, compErr
				}
				break
			}
			c.invalidateSection(ctx, rec.SectionID)
		case !hasEnrollment:
			if err := c.compensate(ctx, rec, interrupted, hasSeat); err != nil {
				return rec, err
			}
		default:
			if err := c.retryLegTwo(ctx, rec, interrupted); err != nil {
				return rec, err
			}
		}

	case models.SagaStateCompensating:
		if err := c.compensate(ctx, rec, interrupted, hasSeat); err != nil {
			return rec, err
		}
	}

	c.metrics.RecordRecovery(rec.State)
	logger.Info("saga resolved", zap.String("final_state", string(rec.State)))
	return rec, nil
}

func (c *SagaCoordinator) inspect(ctx context.Context, rec *models.SagaRecord) (bool, bool, error) {
	hasEnrollment := false
	if rec.EnrollmentID != "" {
		exists, err := c.enrollmentExists(ctx, rec.EnrollmentID)
		if err != nil {
			return false, false, err
		}
		hasEnrollment = exists
	}
	hasSeat, err := c.seats.HasLedgerEntry(ctx, rec.ID)
	if err != nil {
		return false, false, storeError(StoreCapacity, err)
	}
	return hasEnrollment, hasSeat, nil
}

// retryLegTwo re-runs the ledger-guarded decrement for a saga whose enrollment
// existed but held no seat. The enrollment is checked again once the seat is
// taken: a rollback that ran meanwhile means the seat has to go back.
func (c *SagaCoordinator) retryLegTwo(ctx context.Context, rec *models.SagaRecord, interrupted error) error {
	decrement, err := c.legTwo(ctx, rec)
	if err != nil {
		// Leave LEG1_DONE; the next pass re-inspects the ledger.
		return storeError(StoreCapacity, err)
	}
	if !decrement.Applied {
		return c.compensate(ctx, rec, appErrors.ResourceExhausted(appErrors.ReasonNoSeats, "no seats available in section"), false)
	}

	exists, err := c.enrollmentExists(ctx, rec.EnrollmentID)
	if err != nil {
		// Seat held, record still LEG1_DONE; the next pass settles it.
		return err
	}
	if !exists {
		return c.compensate(ctx, rec, interrupted, true)
	}
	if err := c.advance(ctx, rec, models.SagaStateCommitted, "recovered: seat taken on retry"); err != nil {
		if errors.Is(err, repository.ErrSagaStateConflict) {
			return c.compensate(ctx, rec, err, true)
		}
		return err
	}
	c.invalidateSection(ctx, rec.SectionID)
	return nil
}

func (c *SagaCoordinator) enrollmentExists(ctx context.Context, enrollmentID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.LegTimeout)
	defer cancel()
	_, err := c.enrollments.FindByID(ctx, enrollmentID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	default:
		return false, storeError(StoreEnrollment, err)
	}
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
