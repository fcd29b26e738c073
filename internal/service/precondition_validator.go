package service

import (
	"context"
	"database/sql"
	"errors"

	"github.com/noah-isme/campus-enrollment-api/internal/models"
	appErrors "github.com/noah-isme/campus-enrollment-api/pkg/errors"
)

type studentReader interface {
	FindByID(ctx context.Context, id string) (*models.Student, error)
}

type sectionReader interface {
	FindByID(ctx context.Context, id string) (*models.Section, error)
}

// EnrollmentSnapshot is the advisory view of both stores taken before any
// write. Seat counts may be stale by the time leg two runs.
type EnrollmentSnapshot struct {
	StudentActive  bool `json:"student_active"`
	SeatsAvailable int  `json:"seats_available"`
}

// PreconditionValidator checks enrollment eligibility. It only reads.
type PreconditionValidator struct {
	students studentReader
	sections sectionReader
}

// NewPreconditionValidator constructs a PreconditionValidator.
func NewPreconditionValidator(students studentReader, sections sectionReader) *PreconditionValidator {
	return &PreconditionValidator{students: students, sections: sections}
}

// Validate applies the eligibility rules in order and stops at the first
// failure: student exists, student active, section exists, seats available.
func (v *PreconditionValidator) Validate(ctx context.Context, key models.EnrollmentKey) (*EnrollmentSnapshot, error) {
	student, err := v.students.FindByID(ctx, key.StudentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NotFound("student")
		}
		return nil, storeError(StoreEnrollment, err)
	}
	if !student.Active {
		return nil, appErrors.InvalidState(appErrors.ReasonStudentInactive, "student is not active and cannot enroll")
	}

	section, err := v.sections.FindByID(ctx, key.SectionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NotFound("section")
		}
		return nil, storeError(StoreCapacity, err)
	}
	if section.AvailableSeats <= 0 {
		return nil, appErrors.ResourceExhausted(appErrors.ReasonNoSeats, "no seats available in section")
	}

	return &EnrollmentSnapshot{StudentActive: student.Active, SeatsAvailable: section.AvailableSeats}, nil
}
