package models

import "time"

// Section is a course offering owned by the capacity store. AvailableSeats only
// changes through the store's conditional decrement.
type Section struct {
	ID             string    `db:"id" json:"id"`
	CourseCode     string    `db:"course_code" json:"course_code"`
	Name           string    `db:"name" json:"name"`
	Capacity       int       `db:"capacity" json:"capacity"`
	AvailableSeats int       `db:"available_seats" json:"available_seats"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// SeatDecrement is the outcome of a conditional decrement against a section.
type SeatDecrement struct {
	Applied   bool `json:"applied"`
	Remaining int  `json:"remaining"`
	// Replayed is set when the ledger already held an entry for the saga, meaning
	// the seat was taken by an earlier attempt of the same saga.
	Replayed bool `json:"replayed"`
}
