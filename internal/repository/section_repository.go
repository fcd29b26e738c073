package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/noah-isme/campus-enrollment-api/internal/models"
)

// capacityDB is the subset of *pgxpool.Pool the section repository needs.
type capacityDB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ErrSeatCountAtCapacity means a saga holds a seat that the section's counter
// no longer accounts for.
var ErrSeatCountAtCapacity = errors.New("section seat count already at capacity")

// SectionRepository talks to the capacity store.
type SectionRepository struct {
	db capacityDB
}

// NewSectionRepository constructs a SectionRepository over a pgx pool.
func NewSectionRepository(db capacityDB) *SectionRepository {
	return &SectionRepository{db: db}
}

// FindByID returns a section or sql.ErrNoRows.
func (r *SectionRepository) FindByID(ctx context.Context, id string) (*models.Section, error) {
	const query = `SELECT id, course_code, name, capacity, available_seats, updated_at FROM sections WHERE id = $1`
	var s models.Section
	err := r.db.QueryRow(ctx, query, id).Scan(&s.ID, &s.CourseCode, &s.Name, &s.Capacity, &s.AvailableSeats, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("find section: %w", err)
	}
	return &s, nil
}

// DecrementSeatsIfAvailable takes one seat for the saga in a single store
// transaction: a ledger row keyed by saga id, then a conditional decrement
// guarded by available_seats > 0. A saga that already holds a ledger row gets
// its earlier result back instead of a second decrement. When no seat is left
// the transaction rolls back and Applied is false.
func (r *SectionRepository) DecrementSeatsIfAvailable(ctx context.Context, sectionID, sagaID, enrollmentID string) (*models.SeatDecrement, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin seat decrement: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	const ledgerInsert = `INSERT INTO seat_ledger (saga_id, section_id, enrollment_id) VALUES ($1, $2, $3) ON CONFLICT (saga_id) DO NOTHING`
	tag, err := tx.Exec(ctx, ledgerInsert, sagaID, sectionID, enrollmentID)
	if err != nil {
		return nil, fmt.Errorf("record seat ledger entry: %w", err)
	}

	if tag.RowsAffected() == 0 {
		var remaining int
		if err := tx.QueryRow(ctx, `SELECT available_seats FROM sections WHERE id = $1`, sectionID).Scan(&remaining); err != nil {
			return nil, fmt.Errorf("read seats for replayed decrement: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit replayed decrement: %w", err)
		}
		return &models.SeatDecrement{Applied: true, Remaining: remaining, Replayed: true}, nil
	}

	const decrement = `UPDATE sections SET available_seats = available_seats - 1, updated_at = NOW()
        WHERE id = $1 AND available_seats > 0 RETURNING available_seats`
	var remaining int
	if err := tx.QueryRow(ctx, decrement, sectionID).Scan(&remaining); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &models.SeatDecrement{Applied: false, Remaining: 0}, nil
		}
		return nil, fmt.Errorf("decrement seats: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit seat decrement: %w", err)
	}
	return &models.SeatDecrement{Applied: true, Remaining: remaining}, nil
}

// HasLedgerEntry reports whether a seat was already taken on behalf of the saga.
func (r *SectionRepository) HasLedgerEntry(ctx context.Context, sagaID string) (bool, error) {
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM seat_ledger WHERE saga_id = $1)`, sagaID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check seat ledger: %w", err)
	}
	return exists, nil
}

// ReleaseSeat gives back the seat a saga took, if any. The ledger row is the
// guard: it is deleted in the same transaction as the increment, so repeated
// calls credit the section at most once. Reports whether a seat was released.
// A section already at capacity while the saga still holds a ledger row fails
// with ErrSeatCountAtCapacity and changes nothing.
func (r *SectionRepository) ReleaseSeat(ctx context.Context, sagaID string) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin seat release: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var sectionID string
	if err := tx.QueryRow(ctx, `DELETE FROM seat_ledger WHERE saga_id = $1 RETURNING section_id`, sagaID).Scan(&sectionID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("remove seat ledger entry: %w", err)
	}

	const increment = `UPDATE sections SET available_seats = available_seats + 1, updated_at = NOW()
        WHERE id = $1 AND available_seats < capacity`
	tag, err := tx.Exec(ctx, increment, sectionID)
	if err != nil {
		return false, fmt.Errorf("release seat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Rolls back the ledger delete so the seat stays visible for reconciliation.
		return false, fmt.Errorf("release seat of saga %s in section %s: %w", sagaID, sectionID, ErrSeatCountAtCapacity)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit seat release: %w", err)
	}
	return true, nil
}
