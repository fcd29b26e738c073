package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/campus-enrollment-api/internal/models"
)

// Timestamps are stored as fixed-width UTC text so that string comparison in
// SQL orders them chronologically.
const sagaTimeLayout = "2006-01-02T15:04:05.000000000Z"

const sagaSchema = `
CREATE TABLE IF NOT EXISTS saga_records (
    id               TEXT PRIMARY KEY,
    student_id       TEXT    NOT NULL,
    section_id       TEXT    NOT NULL,
    cycle_id         TEXT    NOT NULL,
    state            TEXT    NOT NULL,
    enrollment_id    TEXT    NOT NULL DEFAULT '',
    failure_code     TEXT    NOT NULL DEFAULT '',
    failure_message  TEXT    NOT NULL DEFAULT '',
    trace_id         TEXT    NOT NULL DEFAULT '',
    attempts         INTEGER NOT NULL DEFAULT 0,
    created_at       TEXT    NOT NULL,
    updated_at       TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_saga_records_state ON saga_records (state, updated_at);
CREATE INDEX IF NOT EXISTS idx_saga_records_enrollment_id ON saga_records (enrollment_id);

CREATE TABLE IF NOT EXISTS saga_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    saga_id     TEXT NOT NULL,
    state       TEXT NOT NULL,
    message     TEXT NOT NULL DEFAULT '',
    created_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_saga_events_saga_id ON saga_events (saga_id, id);
`

type sagaRow struct {
	ID             string `db:"id"`
	StudentID      string `db:"student_id"`
	SectionID      string `db:"section_id"`
	CycleID        string `db:"cycle_id"`
	State          string `db:"state"`
	EnrollmentID   string `db:"enrollment_id"`
	FailureCode    string `db:"failure_code"`
	FailureMessage string `db:"failure_message"`
	TraceID        string `db:"trace_id"`
	Attempts       int    `db:"attempts"`
	CreatedAt      string `db:"created_at"`
	UpdatedAt      string `db:"updated_at"`
}

type sagaEventRow struct {
	SagaID    string `db:"saga_id"`
	State     string `db:"state"`
	Message   string `db:"message"`
	CreatedAt string `db:"created_at"`
}

// SagaRepository is the durable compensation log. Each record holds the
// current state of one saga; saga_events keeps the full transition history.
type SagaRepository struct {
	db *sqlx.DB
}

// NewSagaRepository constructs a SagaRepository.
func NewSagaRepository(db *sqlx.DB) *SagaRepository {
	return &SagaRepository{db: db}
}

// Migrate creates the saga tables if they do not exist.
func (r *SagaRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, sagaSchema); err != nil {
		return fmt.Errorf("apply saga log schema: %w", err)
	}
	return nil
}

// ErrSagaStateConflict is returned by Save when the stored record has moved to
// a state from which the new one cannot be reached.
var ErrSagaStateConflict = errors.New("saga state changed concurrently")

// Save upserts the record and appends a transition event in one transaction.
// An existing row is only overwritten while its stored state is a predecessor
// of the new one, so a committed saga cannot be compensated by a stale writer
// and a compensating saga cannot be committed.
func (r *SagaRepository) Save(ctx context.Context, record *models.SagaRecord, message string) error {
	predecessors := record.State.Predecessors()
	allowed := make([]string, 0, len(predecessors))
	for _, state := range predecessors {
		allowed = append(allowed, string(state))
	}

	const upsert = `INSERT INTO saga_records
        (id, student_id, section_id, cycle_id, state, enrollment_id, failure_code, failure_message, trace_id, attempts, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (id) DO UPDATE SET
            state = excluded.state,
            enrollment_id = excluded.enrollment_id,
            failure_code = excluded.failure_code,
            failure_message = excluded.failure_message,
            attempts = excluded.attempts,
            updated_at = excluded.updated_at
        WHERE saga_records.state IN (?)`
	query, args, err := sqlx.In(upsert,
		record.ID,
		record.StudentID,
		record.SectionID,
		record.CycleID,
		string(record.State),
		record.EnrollmentID,
		record.FailureCode,
		record.FailureMessage,
		record.TraceID,
		record.Attempts,
		formatSagaTime(record.CreatedAt),
		formatSagaTime(record.UpdatedAt),
		allowed,
	)
	if err != nil {
		return fmt.Errorf("build saga save: %w", err)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin saga save: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("save saga %s: %w", record.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save saga %s: %w", record.ID, err)
	}
	if affected == 0 {
		return fmt.Errorf("save saga %s as %s: %w", record.ID, record.State, ErrSagaStateConflict)
	}

	const event = `INSERT INTO saga_events (saga_id, state, message, created_at) VALUES (?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, event, record.ID, string(record.State), message, formatSagaTime(record.UpdatedAt)); err != nil {
		return fmt.Errorf("append saga event %s: %w", record.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit saga %s: %w", record.ID, err)
	}
	return nil
}

// FindByID returns a saga record or sql.ErrNoRows.
func (r *SagaRepository) FindByID(ctx context.Context, id string) (*models.SagaRecord, error) {
	var row sagaRow
	if err := r.db.GetContext(ctx, &row, `SELECT * FROM saga_records WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return row.toModel()
}

// FindByEnrollmentID returns the saga that planned the given enrollment id or
// sql.ErrNoRows.
func (r *SagaRepository) FindByEnrollmentID(ctx context.Context, enrollmentID string) (*models.SagaRecord, error) {
	var row sagaRow
	if err := r.db.GetContext(ctx, &row, `SELECT * FROM saga_records WHERE enrollment_id = ? ORDER BY created_at DESC LIMIT 1`, enrollmentID); err != nil {
		return nil, err
	}
	return row.toModel()
}

// ListPending returns non-terminal sagas last touched at or before cutoff,
// oldest first.
func (r *SagaRepository) ListPending(ctx context.Context, cutoff time.Time, limit int) ([]models.SagaRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	placeholders := make([]string, len(models.PendingSagaStates))
	args := make([]interface{}, 0, len(models.PendingSagaStates)+2)
	for i, state := range models.PendingSagaStates {
		placeholders[i] = "?"
		args = append(args, string(state))
	}
	args = append(args, formatSagaTime(cutoff), limit)

	query := fmt.Sprintf(`SELECT * FROM saga_records WHERE state IN (%s) AND updated_at <= ? ORDER BY updated_at ASC LIMIT ?`, strings.Join(placeholders, ","))
	var rows []sagaRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list pending sagas: %w", err)
	}

	records := make([]models.SagaRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toModel()
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, nil
}

// ListEvents returns the transition history of a saga in order.
func (r *SagaRepository) ListEvents(ctx context.Context, sagaID string) ([]models.SagaEvent, error) {
	var rows []sagaEventRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT saga_id, state, message, created_at FROM saga_events WHERE saga_id = ? ORDER BY id ASC`, sagaID); err != nil {
		return nil, fmt.Errorf("list saga events: %w", err)
	}
	events := make([]models.SagaEvent, 0, len(rows))
	for _, row := range rows {
		at, err := parseSagaTime(row.CreatedAt)
		if err != nil {
			return nil, err
		}
		events = append(events, models.SagaEvent{SagaID: row.SagaID, State: models.SagaState(row.State), Message: row.Message, CreatedAt: at})
	}
	return events, nil
}

// Close releases the underlying database handle.
func (r *SagaRepository) Close() error {
	return r.db.Close()
}

func (row sagaRow) toModel() (*models.SagaRecord, error) {
	createdAt, err := parseSagaTime(row.CreatedAt)
	if err != nil {
		return nil, err
	}
	updatedAt, err := parseSagaTime(row.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &models.SagaRecord{
		ID:             row.ID,
		StudentID:      row.StudentID,
		SectionID:      row.SectionID,
		CycleID:        row.CycleID,
		State:          models.SagaState(row.State),
		EnrollmentID:   row.EnrollmentID,
		FailureCode:    row.FailureCode,
		FailureMessage: row.FailureMessage,
		TraceID:        row.TraceID,
		Attempts:       row.Attempts,
		CreatedAt:      createdAt,
		UpdatedAt:      updatedAt,
	}, nil
}

func formatSagaTime(t time.Time) string {
	return t.UTC().Format(sagaTimeLayout)
}

func parseSagaTime(s string) (time.Time, error) {
	t, err := time.Parse(sagaTimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse saga time %q: %w", s, err)
	}
	return t, nil
}
