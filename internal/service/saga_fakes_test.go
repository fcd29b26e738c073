package service

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/noah-isme/campus-enrollment-api/internal/models"
	"github.com/noah-isme/campus-enrollment-api/internal/repository"
)

type fakeStudentStore struct {
	mu       sync.Mutex
	students map[string]models.Student
	err      error
}

func (s *fakeStudentStore) FindByID(ctx context.Context, id string) (*models.Student, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	student, ok := s.students[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &student, nil
}

type fakeEnrollmentStore struct {
	mu    sync.Mutex
	rows  map[string]models.Enrollment
	byKey map[string]string

	createErr error
	// createLands makes a failing Create still insert the row, as a timeout
	// after the server committed would.
	createLands bool
	afterCreate func()
	deleteErr   error
	deletes     int
}

func newFakeEnrollmentStore() *fakeEnrollmentStore {
	return &fakeEnrollmentStore{rows: map[string]models.Enrollment{}, byKey: map[string]string{}}
}

func (s *fakeEnrollmentStore) Create(ctx context.Context, enrollment *models.Enrollment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	key := models.EnrollmentKey{StudentID: enrollment.StudentID, SectionID: enrollment.SectionID, CycleID: enrollment.CycleID}.String()
	if s.createErr != nil && !s.createLands {
		s.mu.Unlock()
		return s.createErr
	}
	if _, exists := s.byKey[key]; exists {
		s.mu.Unlock()
		return repository.ErrDuplicateEnrollment
	}
	s.rows[enrollment.ID] = *enrollment
	s.byKey[key] = enrollment.ID
	createErr := s.createErr
	hook := s.afterCreate
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	return createErr
}

func (s *fakeEnrollmentStore) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &row, nil
}

func (s *fakeEnrollmentStore) FindByKey(ctx context.Context, key models.EnrollmentKey) (*models.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[key.String()]
	if !ok {
		return nil, sql.ErrNoRows
	}
	row := s.rows[id]
	return &row, nil
}

func (s *fakeEnrollmentStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	if s.deleteErr != nil {
		return s.deleteErr
	}
	row, ok := s.rows[id]
	if !ok {
		return nil
	}
	delete(s.rows, id)
	delete(s.byKey, models.EnrollmentKey{StudentID: row.StudentID, SectionID: row.SectionID, CycleID: row.CycleID}.String())
	return nil
}

func (s *fakeEnrollmentStore) ListByStudentAndCycle(ctx context.Context, studentID, cycleID string) ([]models.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.Enrollment{}
	for _, row := range s.rows {
		if row.StudentID == studentID && row.CycleID == cycleID {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeEnrollmentStore) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.Enrollment, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.Enrollment{}
	for _, row := range s.rows {
		if filter.SectionID != "" && row.SectionID != filter.SectionID {
			continue
		}
		out = append(out, row)
	}
	return out, len(out), nil
}

func (s *fakeEnrollmentStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func (s *fakeEnrollmentStore) has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rows[id]
	return ok
}

// fakeCapacityStore mimics the ledger-guarded conditional decrement of the
// capacity store under a single lock.
type fakeCapacityStore struct {
	mu       sync.Mutex
	sections map[string]*models.Section
	ledger   map[string]string
	minSeen  int

	decrementErr error
	// decrementLands makes a failing decrement still commit.
	decrementLands bool
	releaseErr     error
	findErr        error
	decrements     int
}

func newFakeCapacityStore(sections ...models.Section) *fakeCapacityStore {
	s := &fakeCapacityStore{sections: map[string]*models.Section{}, ledger: map[string]string{}, minSeen: 1 << 30}
	for i := range sections {
		sec := sections[i]
		s.sections[sec.ID] = &sec
	}
	return s
}

func (s *fakeCapacityStore) FindByID(ctx context.Context, id string) (*models.Section, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	sec, ok := s.sections[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *sec
	return &copied, nil
}

func (s *fakeCapacityStore) DecrementSeatsIfAvailable(ctx context.Context, sectionID, sagaID, enrollmentID string) (*models.SeatDecrement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decrements++
	if s.decrementErr != nil && !s.decrementLands {
		return nil, s.decrementErr
	}
	sec, ok := s.sections[sectionID]
	if !ok {
		return &models.SeatDecrement{Applied: false}, nil
	}
	if _, held := s.ledger[sagaID]; held {
		return &models.SeatDecrement{Applied: true, Remaining: sec.AvailableSeats, Replayed: true}, nil
	}
	if sec.AvailableSeats <= 0 {
		return &models.SeatDecrement{Applied: false}, nil
	}
	sec.AvailableSeats--
	if sec.AvailableSeats < s.minSeen {
		s.minSeen = sec.AvailableSeats
	}
	s.ledger[sagaID] = sectionID
	if s.decrementErr != nil {
		return nil, s.decrementErr
	}
	return &models.SeatDecrement{Applied: true, Remaining: sec.AvailableSeats}, nil
}

func (s *fakeCapacityStore) HasLedgerEntry(ctx context.Context, sagaID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ledger[sagaID]
	return ok, nil
}

func (s *fakeCapacityStore) ReleaseSeat(ctx context.Context, sagaID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.releaseErr != nil {
		return false, s.releaseErr
	}
	sectionID, ok := s.ledger[sagaID]
	if !ok {
		return false, nil
	}
	if sec := s.sections[sectionID]; sec != nil {
		if sec.AvailableSeats >= sec.Capacity {
			return false, fmt.Errorf("release seat of saga %s: %w", sagaID, repository.ErrSeatCountAtCapacity)
		}
		sec.AvailableSeats++
	}
	delete(s.ledger, sagaID)
	return true, nil
}

func (s *fakeCapacityStore) seats(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sections[id].AvailableSeats
}

func (s *fakeCapacityStore) ledgerSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ledger)
}

type fakeSagaLog struct {
	mu         sync.Mutex
	records    map[string]models.SagaRecord
	events     map[string][]models.SagaEvent
	saveErr    error
	failStates map[models.SagaState]error
}

func newFakeSagaLog() *fakeSagaLog {
	return &fakeSagaLog{records: map[string]models.SagaRecord{}, events: map[string][]models.SagaEvent{}, failStates: map[models.SagaState]error{}}
}

func (l *fakeSagaLog) Save(ctx context.Context, record *models.SagaRecord, message string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.saveErr != nil {
		return l.saveErr
	}
	if err := l.failStates[record.State]; err != nil {
		return err
	}
	if stored, ok := l.records[record.ID]; ok && !slices.Contains(record.State.Predecessors(), stored.State) {
		return fmt.Errorf("save saga %s as %s over %s: %w", record.ID, record.State, stored.State, repository.ErrSagaStateConflict)
	}
	l.records[record.ID] = *record
	l.events[record.ID] = append(l.events[record.ID], models.SagaEvent{SagaID: record.ID, State: record.State, Message: message, CreatedAt: record.UpdatedAt})
	return nil
}

func (l *fakeSagaLog) FindByID(ctx context.Context, id string) (*models.SagaRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &rec, nil
}

func (l *fakeSagaLog) FindByEnrollmentID(ctx context.Context, enrollmentID string) (*models.SagaRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rec := range l.records {
		if rec.EnrollmentID == enrollmentID {
			copied := rec
			return &copied, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (l *fakeSagaLog) ListPending(ctx context.Context, cutoff time.Time, limit int) ([]models.SagaRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []models.SagaRecord{}
	for _, rec := range l.records {
		if !rec.State.Terminal() && !rec.UpdatedAt.After(cutoff) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *fakeSagaLog) ListEvents(ctx context.Context, sagaID string) ([]models.SagaEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.SagaEvent(nil), l.events[sagaID]...), nil
}

func (l *fakeSagaLog) put(rec models.SagaRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[rec.ID] = rec
}

func (l *fakeSagaLog) get(id string) models.SagaRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.records[id]
}

func (l *fakeSagaLog) states(id string) []models.SagaState {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.SagaState
	for _, ev := range l.events[id] {
		out = append(out, ev.State)
	}
	return out
}

type fakeInvalidator struct {
	mu       sync.Mutex
	sections []string
}

func (f *fakeInvalidator) Invalidate(ctx context.Context, sectionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sections = append(f.sections, sectionID)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now().UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
