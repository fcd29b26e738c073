package models

import (
	"fmt"
	"time"
)

// SagaState is the lifecycle position of an enrollment saga.
type SagaState string

// Saga states. COMMITTED, COMPENSATED and ABORTED are terminal.
const (
	SagaStateInitiated    SagaState = "INITIATED"
	SagaStateLeg1Done     SagaState = "LEG1_DONE"
	SagaStateCommitted    SagaState = "COMMITTED"
	SagaStateCompensating SagaState = "COMPENSATING"
	SagaStateCompensated  SagaState = "COMPENSATED"
	SagaStateAborted      SagaState = "ABORTED"
)

var sagaTransitions = map[SagaState][]SagaState{
	SagaStateInitiated:    {SagaStateLeg1Done, SagaStateAborted},
	SagaStateLeg1Done:     {SagaStateCommitted, SagaStateCompensating},
	SagaStateCompensating: {SagaStateCompensated},
}

// Terminal reports whether no further transition is possible.
func (s SagaState) Terminal() bool {
	switch s {
	case SagaStateCommitted, SagaStateCompensated, SagaStateAborted:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal step.
func (s SagaState) CanTransition(next SagaState) bool {
	for _, allowed := range sagaTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Predecessors lists the states from which s is reachable in zero or more
// legal steps, s included.
func (s SagaState) Predecessors() []SagaState {
	var out []SagaState
	for _, from := range sagaStates {
		if from.reaches(s) {
			out = append(out, from)
		}
	}
	return out
}

func (s SagaState) reaches(target SagaState) bool {
	if s == target {
		return true
	}
	for _, next := range sagaTransitions[s] {
		if next.reaches(target) {
			return true
		}
	}
	return false
}

var sagaStates = []SagaState{
	SagaStateInitiated,
	SagaStateLeg1Done,
	SagaStateCommitted,
	SagaStateCompensating,
	SagaStateCompensated,
	SagaStateAborted,
}

// PendingSagaStates lists the states recovery must resolve.
var PendingSagaStates = []SagaState{SagaStateInitiated, SagaStateLeg1Done, SagaStateCompensating}

// SagaRecord is the compensation log entry for one enrollment attempt.
type SagaRecord struct {
	ID             string    `db:"id" json:"id"`
	StudentID      string    `db:"student_id" json:"student_id"`
	SectionID      string    `db:"section_id" json:"section_id"`
	CycleID        string    `db:"cycle_id" json:"cycle_id"`
	State          SagaState `db:"state" json:"state"`
	EnrollmentID   string    `db:"enrollment_id" json:"enrollment_id,omitempty"`
	FailureCode    string    `db:"failure_code" json:"failure_code,omitempty"`
	FailureMessage string    `db:"failure_message" json:"failure_message,omitempty"`
	TraceID        string    `db:"trace_id" json:"trace_id,omitempty"`
	Attempts       int       `db:"attempts" json:"attempts"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// Key returns the idempotency key of the saga's request.
func (r *SagaRecord) Key() EnrollmentKey {
	return EnrollmentKey{StudentID: r.StudentID, SectionID: r.SectionID, CycleID: r.CycleID}
}

// Transition moves the record to next, refusing illegal steps.
func (r *SagaRecord) Transition(next SagaState, now time.Time) error {
	if !r.State.CanTransition(next) {
		return fmt.Errorf("saga %s: illegal transition %s -> %s", r.ID, r.State, next)
	}
	r.State = next
	r.UpdatedAt = now
	return nil
}

// SagaEvent is one state transition in a saga's history.
type SagaEvent struct {
	SagaID    string    `json:"saga_id"`
	State     SagaState `json:"state"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SagaDetail is a saga record with its transition history.
type SagaDetail struct {
	SagaRecord
	Events []SagaEvent `json:"events"`
}
