package models

import "time"

// Enrollment links a student to a section within an academic cycle. Rows are
// created by the saga's first leg and only ever deleted by compensation.
type Enrollment struct {
	ID        string    `db:"id" json:"id"`
	StudentID string    `db:"student_id" json:"student_id"`
	SectionID string    `db:"section_id" json:"section_id"`
	CycleID   string    `db:"cycle_id" json:"cycle_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// EnrollmentFilter provides filters for listing enrollments.
type EnrollmentFilter struct {
	StudentID string
	SectionID string
	CycleID   string
	Page      int
	PageSize  int
	SortOrder string
}

// EnrollmentKey is the idempotency key of an enrollment request.
type EnrollmentKey struct {
	StudentID string
	SectionID string
	CycleID   string
}

// String renders the key as "student:section:cycle".
func (k EnrollmentKey) String() string {
	return k.StudentID + ":" + k.SectionID + ":" + k.CycleID
}
