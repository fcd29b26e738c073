package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/campus-enrollment-api/internal/models"
	appErrors "github.com/noah-isme/campus-enrollment-api/pkg/errors"
)

type sagaHarness struct {
	students    *fakeStudentStore
	enrollments *fakeEnrollmentStore
	capacity    *fakeCapacityStore
	log         *fakeSagaLog
	cache       *fakeInvalidator
	metrics     *MetricsService
	clock       *testClock
	coordinator *SagaCoordinator
}

func newSagaHarness(t *testing.T, seats int) *sagaHarness {
	t.Helper()
	students := &fakeStudentStore{students: map[string]models.Student{
		"stu-1":        {ID: "stu-1", FullName: "Ada Lovelace", Active: true},
		"stu-2":        {ID: "stu-2", FullName: "Alan Turing", Active: true},
		"stu-inactive": {ID: "stu-inactive", FullName: "Grace Hopper", Active: false},
	}}
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("stu-%02d", i)
		students.students[id] = models.Student{ID: id, FullName: id, Active: true}
	}
	h := &sagaHarness{
		students:    students,
		enrollments: newFakeEnrollmentStore(),
		capacity:    newFakeCapacityStore(models.Section{ID: "sec-1", CourseCode: "CS101", Name: "Intro", Capacity: seats, AvailableSeats: seats}),
		log:         newFakeSagaLog(),
		cache:       &fakeInvalidator{},
		metrics:     NewMetricsService(),
		clock:       newTestClock(),
	}
	h.coordinator = h.coordinatorWith(h.capacity)
	return h
}

// coordinatorWith builds a coordinator over the harness stores with seats as
// its capacity store.
func (h *sagaHarness) coordinatorWith(seats seatAllocator) *SagaCoordinator {
	return NewSagaCoordinator(
		h.enrollments,
		seats,
		h.log,
		NewPreconditionValidator(h.students, h.capacity),
		h.cache,
		nil,
		h.metrics,
		zap.NewNop(),
		SagaOptions{
			LegTimeout:          200 * time.Millisecond,
			CompensationTimeout: 200 * time.Millisecond,
			ResumeGrace:         30 * time.Second,
			Now:                 h.clock.Now,
		},
	)
}

func enrollReq(studentID string) EnrollRequest {
	return EnrollRequest{StudentID: studentID, SectionID: "sec-1", CycleID: "2026-fall"}
}

func (h *sagaHarness) onlySagaID(t *testing.T) string {
	t.Helper()
	h.log.mu.Lock()
	defer h.log.mu.Unlock()
	require.Len(t, h.log.records, 1)
	for id := range h.log.records {
		return id
	}
	return ""
}

func TestSagaCoordinatorEnrollCommits(t *testing.T) {
	h := newSagaHarness(t, 3)

	res, err := h.coordinator.Enroll(context.Background(), enrollReq("stu-1"))
	require.NoError(t, err)
	assert.Equal(t, "success", res.Status)
	assert.Equal(t, 2, res.SeatsRemaining)
	assert.False(t, res.Replayed)
	require.NotNil(t, res.Enrollment)
	assert.Equal(t, "stu-1", res.Enrollment.StudentID)
	assert.True(t, h.enrollments.has(res.Enrollment.ID))
	assert.Equal(t, 2, h.capacity.seats("sec-1"))

	rec := h.log.get(res.SagaID)
	assert.Equal(t, models.SagaStateCommitted, rec.State)
	assert.Equal(t, res.Enrollment.ID, rec.EnrollmentID)
	assert.Equal(t, []models.SagaState{models.SagaStateInitiated, models.SagaStateLeg1Done, models.SagaStateCommitted}, h.log.states(res.SagaID))
	assert.Contains(t, h.cache.sections, "sec-1")
	assert.Equal(t, uint64(1), h.metrics.Snapshot().SagasCommitted)
}

func TestSagaCoordinatorRejectsInactiveStudent(t *testing.T) {
	h := newSagaHarness(t, 3)

	res, err := h.coordinator.Enroll(context.Background(), enrollReq("stu-inactive"))
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, appErrors.ErrInvalidState)
	assert.Equal(t, appErrors.ReasonStudentInactive, appErrors.Reason(err))
	assert.Zero(t, h.enrollments.count())
	assert.Equal(t, 3, h.capacity.seats("sec-1"))

	rec := h.log.get(h.onlySagaID(t))
	assert.Equal(t, models.SagaStateAborted, rec.State)
	assert.Equal(t, appErrors.CodeInvalidState, rec.FailureCode)
}

func TestSagaCoordinatorPreconditionFailures(t *testing.T) {
	tests := []struct {
		name   string
		req    EnrollRequest
		seats  int
		target error
		entity string
	}{
		{name: "unknown student", req: enrollReq("stu-missing"), seats: 1, target: appErrors.ErrNotFound, entity: "student"},
		{name: "unknown section", req: EnrollRequest{StudentID: "stu-1", SectionID: "sec-missing", CycleID: "2026-fall"}, seats: 1, target: appErrors.ErrNotFound, entity: "section"},
		{name: "no seats", req: enrollReq("stu-1"), seats: 0, target: appErrors.ErrResourceExhausted},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newSagaHarness(t, tc.seats)
			_, err := h.coordinator.Enroll(context.Background(), tc.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.target)
			if tc.entity != "" {
				assert.Equal(t, tc.entity, appErrors.FromError(err).Details["entity"])
			}
			assert.Zero(t, h.enrollments.count())
			assert.Zero(t, h.capacity.decrements)
			assert.Equal(t, models.SagaStateAborted, h.log.get(h.onlySagaID(t)).State)
		})
	}
}

func TestSagaCoordinatorValidatesRequest(t *testing.T) {
	h := newSagaHarness(t, 1)

	_, err := h.coordinator.Enroll(context.Background(), EnrollRequest{StudentID: "stu-1", SectionID: "sec-1"})
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	req := enrollReq("stu-1")
	req.IdempotencyKey = "stu-1:sec-2:2026-fall"
	_, err = h.coordinator.Enroll(context.Background(), req)
	assert.ErrorIs(t, err, appErrors.ErrValidation)
	assert.Equal(t, "stu-1:sec-1:2026-fall", appErrors.FromError(err).Details["expected"])

	req.IdempotencyKey = "stu-1:sec-1:2026-fall"
	_, err = h.coordinator.Enroll(context.Background(), req)
	assert.NoError(t, err)
}

func TestSagaCoordinatorLastSeatRace(t *testing.T) {
	h := newSagaHarness(t, 1)

	var wg sync.WaitGroup
	results := make([]*EnrollResult, 2)
	errs := make([]error, 2)
	for i, student := range []string{"stu-1", "stu-2"} {
		wg.Add(1)
		go func(i int, student string) {
			defer wg.Done()
			results[i], errs[i] = h.coordinator.Enroll(context.Background(), enrollReq(student))
		}(i, student)
	}
	wg.Wait()

	successes := 0
	for i := range results {
		if errs[i] == nil {
			successes++
			assert.Equal(t, 0, results[i].SeatsRemaining)
			continue
		}
		assert.ErrorIs(t, errs[i], appErrors.ErrResourceExhausted)
		assert.Equal(t, appErrors.ReasonNoSeats, appErrors.Reason(errs[i]))
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 0, h.capacity.seats("sec-1"))
	assert.Equal(t, 1, h.enrollments.count())
}

func TestSagaCoordinatorConcurrentEnrollmentsNeverOversell(t *testing.T) {
	const seats = 5
	const callers = 30
	h := newSagaHarness(t, seats)

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes, exhausted := 0, 0
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.coordinator.Enroll(context.Background(), enrollReq(fmt.Sprintf("stu-%02d", i)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, appErrors.ErrResourceExhausted):
				exhausted++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, seats, successes)
	assert.Equal(t, callers-seats, exhausted)
	assert.Equal(t, 0, h.capacity.seats("sec-1"))
	assert.GreaterOrEqual(t, h.capacity.minSeen, 0)
	// Every surviving enrollment holds exactly one seat.
	assert.Equal(t, seats, h.enrollments.count())
	assert.Equal(t, seats, h.capacity.ledgerSize())
}

func TestSagaCoordinatorCompensatesWhenLegTwoFails(t *testing.T) {
	h := newSagaHarness(t, 3)
	h.capacity.decrementErr = errors.New("capacity store unreachable")

	res, err := h.coordinator.Enroll(context.Background(), enrollReq("stu-1"))
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, appErrors.ErrStoreFailure)
	assert.Equal(t, StoreCapacity, appErrors.FromError(err).Details["store"])
	assert.Zero(t, h.enrollments.count())
	assert.Equal(t, 3, h.capacity.seats("sec-1"))

	sagaID := h.onlySagaID(t)
	rec := h.log.get(sagaID)
	assert.Equal(t, models.SagaStateCompensated, rec.State)
	assert.Equal(t, appErrors.CodeStoreFailure, rec.FailureCode)
	assert.Equal(t, []models.SagaState{
		models.SagaStateInitiated,
		models.SagaStateLeg1Done,
		models.SagaStateCompensating,
		models.SagaStateCompensated,
	}, h.log.states(sagaID))
}

func TestSagaCoordinatorLegTwoTimeoutReleasesCommittedSeat(t *testing.T) {
	h := newSagaHarness(t, 3)
	h.capacity.decrementErr = context.DeadlineExceeded
	h.capacity.decrementLands = true

	_, err := h.coordinator.Enroll(context.Background(), enrollReq("stu-1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, appErrors.ErrStoreUnavailable)
	assert.True(t, appErrors.IsTransient(err))
	assert.Zero(t, h.enrollments.count())
	assert.Equal(t, 3, h.capacity.seats("sec-1"))
	assert.Zero(t, h.capacity.ledgerSize())
}

func TestSagaCoordinatorLateRaceIsReportedAsNoSeats(t *testing.T) {
	h := newSagaHarness(t, 1)
	// Another saga takes the last seat between the precondition read and leg two.
	h.enrollments.afterCreate = func() {
		h.capacity.mu.Lock()
		h.capacity.sections["sec-1"].AvailableSeats = 0
		h.capacity.mu.Unlock()
	}

	_, err := h.coordinator.Enroll(context.Background(), enrollReq("stu-1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, appErrors.ErrResourceExhausted)
	assert.Equal(t, appErrors.ReasonNoSeats, appErrors.Reason(err))
	assert.Zero(t, h.enrollments.count())
	assert.Equal(t, models.SagaStateCompensated, h.log.get(h.onlySagaID(t)).State)
}

func TestSagaCoordinatorCompensationFailureIsInconsistent(t *testing.T) {
	h := newSagaHarness(t, 3)
	h.capacity.decrementErr = errors.New("capacity store unreachable")
	h.enrollments.deleteErr = errors.New("enrollment store unreachable")

	_, err := h.coordinator.Enroll(context.Background(), enrollReq("stu-1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, appErrors.ErrInconsistent)
	appErr := appErrors.FromError(err)
	sagaID := h.onlySagaID(t)
	assert.Equal(t, sagaID, appErr.Details["saga_id"])
	assert.Equal(t, true, appErr.Details["reconciliation_required"])
	assert.Equal(t, "sec-1", appErr.Details["section_id"])
	assert.NotEmpty(t, appErr.Details["enrollment_id"])

	rec := h.log.get(sagaID)
	assert.Equal(t, models.SagaStateCompensating, rec.State)
	assert.Contains(t, rec.FailureMessage, "compensation failed")
	assert.Equal(t, uint64(1), h.metrics.Snapshot().CompensationFailures)

	// Once the store is back and the grace period has passed, recovery
	// finishes the rollback.
	h.enrollments.deleteErr = nil
	h.clock.Advance(time.Minute)
	resumed, err := h.coordinator.Resume(context.Background(), sagaID)
	require.NoError(t, err)
	assert.Equal(t, models.SagaStateCompensated, resumed.State)
	assert.Zero(t, h.enrollments.count())
}

func TestSagaCoordinatorReplaysDuplicateRequest(t *testing.T) {
	h := newSagaHarness(t, 1)

	first, err := h.coordinator.Enroll(context.Background(), enrollReq("stu-1"))
	require.NoError(t, err)

	second, err := h.coordinator.Enroll(context.Background(), enrollReq("stu-1"))
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Enrollment.ID, second.Enrollment.ID)
	assert.Equal(t, first.SagaID, second.SagaID)
	assert.Equal(t, 0, second.SeatsRemaining)
	assert.Equal(t, 1, h.capacity.decrements)
	assert.Equal(t, 0, h.capacity.seats("sec-1"))
	assert.Equal(t, 1, h.enrollments.count())
}

func TestSagaCoordinatorDuplicateOfInFlightSagaConflicts(t *testing.T) {
	h := newSagaHarness(t, 3)
	now := time.Now().UTC()
	require.NoError(t, h.enrollments.Create(context.Background(), &models.Enrollment{ID: "enr-busy", StudentID: "stu-1", SectionID: "sec-1", CycleID: "2026-fall"}))
	h.log.put(models.SagaRecord{ID: "saga-busy", StudentID: "stu-1", SectionID: "sec-1", CycleID: "2026-fall", State: models.SagaStateLeg1Done, EnrollmentID: "enr-busy", CreatedAt: now, UpdatedAt: now})

	_, err := h.coordinator.Enroll(context.Background(), enrollReq("stu-1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, appErrors.ErrConflict)
	assert.Equal(t, "saga-busy", appErrors.FromError(err).Details["saga_id"])
	assert.Zero(t, h.capacity.decrements)
}

func TestSagaCoordinatorLegOneFailureAborts(t *testing.T) {
	h := newSagaHarness(t, 3)
	h.enrollments.createErr = context.DeadlineExceeded
	h.enrollments.createLands = true

	_, err := h.coordinator.Enroll(context.Background(), enrollReq("stu-1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, appErrors.ErrStoreUnavailable)
	assert.Equal(t, StoreEnrollment, appErrors.FromError(err).Details["store"])
	assert.Zero(t, h.enrollments.count(), "a landed insert is cleaned up")
	assert.Zero(t, h.capacity.decrements)
	assert.Equal(t, models.SagaStateAborted, h.log.get(h.onlySagaID(t)).State)
}

func TestSagaCoordinatorSagaLogUnavailable(t *testing.T) {
	h := newSagaHarness(t, 3)
	h.log.saveErr = errors.New("disk full")

	_, err := h.coordinator.Enroll(context.Background(), enrollReq("stu-1"))
	require.Error(t, err)
	assert.Equal(t, StoreSagaLog, appErrors.FromError(err).Details["store"])
	assert.Zero(t, h.enrollments.count())
	assert.Zero(t, h.capacity.decrements)
}

func TestSagaCoordinatorUndoesLegOneWhenLegOneDoneCannotBeRecorded(t *testing.T) {
	h := newSagaHarness(t, 3)
	h.log.failStates[models.SagaStateLeg1Done] = errors.New("disk full")

	_, err := h.coordinator.Enroll(context.Background(), enrollReq("stu-1"))
	require.Error(t, err)
	assert.Equal(t, StoreSagaLog, appErrors.FromError(err).Details["store"])
	assert.Zero(t, h.enrollments.count())
	assert.Zero(t, h.capacity.decrements)
	assert.Equal(t, models.SagaStateCompensated, h.log.get(h.onlySagaID(t)).State)
}

func TestSagaCoordinatorIgnoresCallerCancellationAfterLegOne(t *testing.T) {
	h := newSagaHarness(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.enrollments.afterCreate = cancel

	res, err := h.coordinator.Enroll(ctx, enrollReq("stu-1"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.SeatsRemaining)
	assert.Equal(t, models.SagaStateCommitted, h.log.get(res.SagaID).State)
}

func TestSagaCoordinatorResume(t *testing.T) {
	now := time.Now().UTC().Add(-time.Hour)
	base := models.SagaRecord{
		ID:           "saga-1",
		StudentID:    "stu-1",
		SectionID:    "sec-1",
		CycleID:      "2026-fall",
		EnrollmentID: "enr-1",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	enrollment := &models.Enrollment{ID: "enr-1", StudentID: "stu-1", SectionID: "sec-1", CycleID: "2026-fall"}

	tests := []struct {
		name           string
		state          models.SagaState
		withEnrollment bool
		withSeat       bool
		wantState      models.SagaState
		wantEnrollment bool
		wantSeats      int
	}{
		{name: "initiated with nothing written", state: models.SagaStateInitiated, wantState: models.SagaStateAborted, wantSeats: 3},
		{name: "initiated with orphan enrollment", state: models.SagaStateInitiated, withEnrollment: true, wantState: models.SagaStateCompensated, wantSeats: 3},
		{name: "leg one done with both legs applied", state: models.SagaStateLeg1Done, withEnrollment: true, withSeat: true, wantState: models.SagaStateCommitted, wantEnrollment: true, wantSeats: 2},
		{name: "leg one done retries leg two", state: models.SagaStateLeg1Done, withEnrollment: true, wantState: models.SagaStateCommitted, wantEnrollment: true, wantSeats: 2},
		{name: "leg one done with seat but no enrollment", state: models.SagaStateLeg1Done, withSeat: true, wantState: models.SagaStateCompensated, wantSeats: 3},
		{name: "compensating finishes the delete", state: models.SagaStateCompensating, withEnrollment: true, wantState: models.SagaStateCompensated, wantSeats: 3},
		{name: "compensating releases a held seat", state: models.SagaStateCompensating, withEnrollment: true, withSeat: true, wantState: models.SagaStateCompensated, wantSeats: 3},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newSagaHarness(t, 3)
			rec := base
			rec.State = tc.state
			h.log.put(rec)
			if tc.withEnrollment {
				require.NoError(t, h.enrollments.Create(context.Background(), enrollment))
			}
			if tc.withSeat {
				_, err := h.capacity.DecrementSeatsIfAvailable(context.Background(), "sec-1", "saga-1", "enr-1")
				require.NoError(t, err)
			}

			resumed, err := h.coordinator.Resume(context.Background(), "saga-1")
			require.NoError(t, err)
			assert.Equal(t, tc.wantState, resumed.State)
			assert.Equal(t, tc.wantState, h.log.get("saga-1").State)
			assert.Equal(t, 1, resumed.Attempts)
			assert.Equal(t, tc.wantEnrollment, h.enrollments.has("enr-1"))
			assert.Equal(t, tc.wantSeats, h.capacity.seats("sec-1"))
		})
	}
}

func TestSagaCoordinatorResumeLeavesTerminalSagaAlone(t *testing.T) {
	h := newSagaHarness(t, 3)
	h.log.put(models.SagaRecord{ID: "saga-1", State: models.SagaStateCommitted, SectionID: "sec-1"})

	rec, err := h.coordinator.Resume(context.Background(), "saga-1")
	require.NoError(t, err)
	assert.Equal(t, models.SagaStateCommitted, rec.State)
	assert.Zero(t, rec.Attempts)

	_, err = h.coordinator.Resume(context.Background(), "saga-missing")
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestSagaCoordinatorResumeKeepsLegOneDoneWhenCapacityStoreIsDown(t *testing.T) {
	h := newSagaHarness(t, 3)
	now := h.clock.Now().Add(-time.Minute)
	h.log.put(models.SagaRecord{ID: "saga-1", StudentID: "stu-1", SectionID: "sec-1", CycleID: "2026-fall", EnrollmentID: "enr-1", State: models.SagaStateLeg1Done, CreatedAt: now, UpdatedAt: now})
	require.NoError(t, h.enrollments.Create(context.Background(), &models.Enrollment{ID: "enr-1", StudentID: "stu-1", SectionID: "sec-1", CycleID: "2026-fall"}))
	h.capacity.decrementErr = errors.New("capacity store unreachable")

	rec, err := h.coordinator.Resume(context.Background(), "saga-1")
	require.Error(t, err)
	assert.Equal(t, models.SagaStateLeg1Done, rec.State)
	assert.True(t, h.enrollments.has("enr-1"))
}

func TestSagaCoordinatorConcurrentIdenticalRequestsTakeOneSeat(t *testing.T) {
	h := newSagaHarness(t, 3)

	start := make(chan struct{})
	var wg sync.WaitGroup
	results := make([]*EnrollResult, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = h.coordinator.Enroll(context.Background(), enrollReq("stu-1"))
		}(i)
	}
	close(start)
	wg.Wait()

	fresh := 0
	for i := range results {
		if errs[i] != nil {
			assert.ErrorIs(t, errs[i], appErrors.ErrConflict)
			continue
		}
		if !results[i].Replayed {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
	assert.Equal(t, 1, h.capacity.decrements)
	assert.Equal(t, 1, h.enrollments.count())
	assert.Equal(t, 2, h.capacity.seats("sec-1"))
	assert.Equal(t, 1, h.capacity.ledgerSize())
}

func TestSagaCoordinatorResumeRefusesRecentlyUpdatedSaga(t *testing.T) {
	h := newSagaHarness(t, 3)
	now := h.clock.Now()
	h.log.put(models.SagaRecord{ID: "saga-1", StudentID: "stu-1", SectionID: "sec-1", CycleID: "2026-fall", EnrollmentID: "enr-1", State: models.SagaStateLeg1Done, CreatedAt: now, UpdatedAt: now})
	require.NoError(t, h.enrollments.Create(context.Background(), &models.Enrollment{ID: "enr-1", StudentID: "stu-1", SectionID: "sec-1", CycleID: "2026-fall"}))

	_, err := h.coordinator.Resume(context.Background(), "saga-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, appErrors.ErrConflict)
	assert.Equal(t, string(models.SagaStateLeg1Done), appErrors.FromError(err).Details["saga_state"])
	assert.Zero(t, h.capacity.decrements)
	assert.Equal(t, models.SagaStateLeg1Done, h.log.get("saga-1").State)
	assert.Zero(t, h.log.get("saga-1").Attempts)

	h.clock.Advance(time.Minute)
	rec, err := h.coordinator.Resume(context.Background(), "saga-1")
	require.NoError(t, err)
	assert.Equal(t, models.SagaStateCommitted, rec.State)
}

func TestSagaCoordinatorResumeFinishesAfterCallerCancels(t *testing.T) {
	h := newSagaHarness(t, 3)
	past := h.clock.Now().Add(-time.Minute)
	h.log.put(models.SagaRecord{ID: "saga-1", StudentID: "stu-1", SectionID: "sec-1", CycleID: "2026-fall", EnrollmentID: "enr-1", State: models.SagaStateLeg1Done, CreatedAt: past, UpdatedAt: past})
	require.NoError(t, h.enrollments.Create(context.Background(), &models.Enrollment{ID: "enr-1", StudentID: "stu-1", SectionID: "sec-1", CycleID: "2026-fall"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec, err := h.coordinator.Resume(ctx, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, models.SagaStateCommitted, rec.State)
	assert.Equal(t, 2, h.capacity.seats("sec-1"))
}

// steppedCapacity hands each leg-two call to a per-call script so a test can
// interleave a live saga with its recovery.
type steppedCapacity struct {
	*fakeCapacityStore

	mu        sync.Mutex
	calls     int
	decrement map[int]func(ctx context.Context) error
	onLedger  func()
	onRelease func()
}

func (s *steppedCapacity) DecrementSeatsIfAvailable(ctx context.Context, sectionID, sagaID, enrollmentID string) (*models.SeatDecrement, error) {
	s.mu.Lock()
	s.calls++
	step := s.decrement[s.calls]
	s.mu.Unlock()
	if step != nil {
		if err := step(ctx); err != nil {
			return nil, err
		}
	}
	return s.fakeCapacityStore.DecrementSeatsIfAvailable(context.WithoutCancel(ctx), sectionID, sagaID, enrollmentID)
}

func (s *steppedCapacity) HasLedgerEntry(ctx context.Context, sagaID string) (bool, error) {
	held, err := s.fakeCapacityStore.HasLedgerEntry(ctx, sagaID)
	if s.onLedger != nil {
		s.onLedger()
	}
	return held, err
}

func (s *steppedCapacity) ReleaseSeat(ctx context.Context, sagaID string) (bool, error) {
	released, err := s.fakeCapacityStore.ReleaseSeat(ctx, sagaID)
	if s.onRelease != nil {
		s.onRelease()
	}
	return released, err
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Errorf("timed out waiting for %s", what)
	}
}

func TestSagaCoordinatorRecoveryRacingLiveRollbackGivesSeatBack(t *testing.T) {
	h := newSagaHarness(t, 3)

	liveInLegTwo := make(chan struct{})
	recoveryInspected := make(chan struct{})
	liveReleased := make(chan struct{})
	var inspectOnce, releaseOnce sync.Once
	seats := &steppedCapacity{
		fakeCapacityStore: h.capacity,
		decrement: map[int]func(ctx context.Context) error{
			// Live leg two stalls until recovery has looked at the ledger, then
			// times out without taking a seat.
			1: func(ctx context.Context) error {
				close(liveInLegTwo)
				waitFor(t, recoveryInspected, "recovery inspection")
				return context.DeadlineExceeded
			},
			// Recovery's retry lands only after the live rollback released
			// whatever the saga held.
			2: func(ctx context.Context) error {
				waitFor(t, liveReleased, "live release")
				return nil
			},
		},
		onLedger:  func() { inspectOnce.Do(func() { close(recoveryInspected) }) },
		onRelease: func() { releaseOnce.Do(func() { close(liveReleased) }) },
	}
	coordinator := h.coordinatorWith(seats)

	liveErr := make(chan error, 1)
	go func() {
		_, err := coordinator.Enroll(context.Background(), enrollReq("stu-1"))
		liveErr <- err
	}()

	waitFor(t, liveInLegTwo, "live leg two")
	sagaID := h.onlySagaID(t)
	require.Equal(t, models.SagaStateLeg1Done, h.log.get(sagaID).State)
	h.clock.Advance(time.Minute)

	rec, err := coordinator.Resume(context.Background(), sagaID)
	require.NoError(t, err)
	assert.Equal(t, models.SagaStateCompensated, rec.State)

	err = <-liveErr
	require.Error(t, err)
	assert.ErrorIs(t, err, appErrors.ErrStoreUnavailable)

	assert.Equal(t, models.SagaStateCompensated, h.log.get(sagaID).State)
	assert.Zero(t, h.enrollments.count())
	assert.Equal(t, 3, h.capacity.seats("sec-1"))
	assert.Zero(t, h.capacity.ledgerSize())
	assert.Equal(t, 1, h.capacity.decrements, "only the recovery retry reached the store")
}

func TestSagaCoordinatorLiveRollbackYieldsToRecoveredCommit(t *testing.T) {
	h := newSagaHarness(t, 3)

	liveInLegTwo := make(chan struct{})
	recoveryDone := make(chan struct{})
	seats := &steppedCapacity{
		fakeCapacityStore: h.capacity,
		decrement: map[int]func(ctx context.Context) error{
			1: func(ctx context.Context) error {
				close(liveInLegTwo)
				waitFor(t, recoveryDone, "recovery")
				return context.DeadlineExceeded
			},
		},
	}
	coordinator := h.coordinatorWith(seats)

	liveErr := make(chan error, 1)
	go func() {
		_, err := coordinator.Enroll(context.Background(), enrollReq("stu-1"))
		liveErr <- err
	}()

	waitFor(t, liveInLegTwo, "live leg two")
	sagaID := h.onlySagaID(t)
	h.clock.Advance(time.Minute)

	rec, err := coordinator.Resume(context.Background(), sagaID)
	require.NoError(t, err)
	assert.Equal(t, models.SagaStateCommitted, rec.State)
	close(recoveryDone)

	err = <-liveErr
	require.Error(t, err)
	assert.ErrorIs(t, err, appErrors.ErrConflict)

	assert.Equal(t, models.SagaStateCommitted, h.log.get(sagaID).State)
	assert.Equal(t, 1, h.enrollments.count())
	assert.Equal(t, 2, h.capacity.seats("sec-1"))
	assert.Equal(t, 1, h.capacity.ledgerSize())
}

func TestSagaCoordinatorReleaseBlockedAtCapacityIsInconsistent(t *testing.T) {
	h := newSagaHarness(t, 3)
	past := h.clock.Now().Add(-time.Minute)
	h.log.put(models.SagaRecord{ID: "saga-1", StudentID: "stu-1", SectionID: "sec-1", CycleID: "2026-fall", EnrollmentID: "enr-1", State: models.SagaStateCompensating, CreatedAt: past, UpdatedAt: past})
	// The ledger holds a seat for the saga but the counter was already restored.
	h.capacity.mu.Lock()
	h.capacity.ledger["saga-1"] = "sec-1"
	h.capacity.mu.Unlock()

	_, err := h.coordinator.Resume(context.Background(), "saga-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, appErrors.ErrInconsistent)
	assert.Equal(t, StoreCapacity, appErrors.FromError(err).Details["store"])
	assert.Equal(t, 3, h.capacity.seats("sec-1"))
	assert.Equal(t, 1, h.capacity.ledgerSize())
	assert.Equal(t, models.SagaStateCompensating, h.log.get("saga-1").State)
}
