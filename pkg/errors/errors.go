package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents a typed domain error with HTTP awareness.
type Error struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Status  int                    `json:"status"`
	Details map[string]interface{} `json:"details,omitempty"`
	Err     error                  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches errors by code so clones of a predefined error still satisfy errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// New creates a new Error instance.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap attaches context to an existing error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

// Codes shared across the enrollment saga.
const (
	CodeNotFound          = "NOT_FOUND"
	CodeInvalidState      = "INVALID_STATE"
	CodeResourceExhausted = "RESOURCE_EXHAUSTED"
	CodeConflict          = "CONFLICT"
	CodeStoreUnavailable  = "STORE_UNAVAILABLE"
	CodeStoreFailure      = "STORE_FAILURE"
	CodeInconsistent      = "INCONSISTENT_STATE"
	CodeValidation        = "VALIDATION_ERROR"
	CodeInternal          = "INTERNAL_ERROR"
)

// Reasons carried in the details of INVALID_STATE and RESOURCE_EXHAUSTED errors.
const (
	ReasonStudentInactive = "STUDENT_INACTIVE"
	ReasonNoSeats         = "NO_SEATS"
)

// Predefined errors for common scenarios.
var (
	ErrNotFound          = New(CodeNotFound, http.StatusNotFound, "resource not found")
	ErrInvalidState      = New(CodeInvalidState, http.StatusConflict, "invalid state")
	ErrResourceExhausted = New(CodeResourceExhausted, http.StatusConflict, "resource exhausted")
	ErrConflict          = New(CodeConflict, http.StatusConflict, "conflict")
	ErrStoreUnavailable  = New(CodeStoreUnavailable, http.StatusServiceUnavailable, "store temporarily unavailable")
	ErrStoreFailure      = New(CodeStoreFailure, http.StatusInternalServerError, "store failure")
	ErrInconsistent      = New(CodeInconsistent, http.StatusInternalServerError, "enrollment left in an inconsistent state, reconciliation pending")
	ErrValidation        = New(CodeValidation, http.StatusBadRequest, "validation failed")
	ErrInternal          = New(CodeInternal, http.StatusInternalServerError, "internal server error")
	ErrCacheMiss         = New("CACHE_MISS", http.StatusNotFound, "cache miss")
)

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Status, ErrInternal.Message)
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	if err.Details != nil {
		clone.Details = make(map[string]interface{}, len(err.Details))
		for k, v := range err.Details {
			clone.Details[k] = v
		}
	}
	return &clone
}

// WithDetails returns a copy of err carrying the extra key/value pairs.
func WithDetails(err *Error, kv map[string]interface{}) *Error {
	clone := Clone(err, "")
	if clone == nil {
		return nil
	}
	if clone.Details == nil {
		clone.Details = make(map[string]interface{}, len(kv))
	}
	for k, v := range kv {
		clone.Details[k] = v
	}
	return clone
}

// NotFound reports a missing entity such as "student" or "section".
func NotFound(entity string) *Error {
	return WithDetails(Clone(ErrNotFound, entity+" not found"), map[string]interface{}{"entity": entity})
}

// InvalidState reports an entity that exists but is not eligible.
func InvalidState(reason, message string) *Error {
	return WithDetails(Clone(ErrInvalidState, message), map[string]interface{}{"reason": reason})
}

// ResourceExhausted reports a depleted shared resource.
func ResourceExhausted(reason, message string) *Error {
	return WithDetails(Clone(ErrResourceExhausted, message), map[string]interface{}{"reason": reason})
}

// StoreError wraps a failure of the named store, flagged transient or fatal.
func StoreError(store string, transient bool, err error) *Error {
	base := ErrStoreFailure
	if transient {
		base = ErrStoreUnavailable
	}
	e := WithDetails(Clone(base, fmt.Sprintf("%s store: %s", store, base.Message)), map[string]interface{}{
		"store":     store,
		"transient": transient,
	})
	e.Err = err
	return e
}

// Inconsistent reports a saga whose compensation failed. The details carry every
// identifier an operator needs to reconcile both stores by hand.
func Inconsistent(sagaID string, ids map[string]interface{}, cause error) *Error {
	details := map[string]interface{}{
		"saga_id":                 sagaID,
		"reconciliation_required": true,
	}
	for k, v := range ids {
		details[k] = v
	}
	e := WithDetails(ErrInconsistent, details)
	e.Err = cause
	return e
}

// IsTransient reports whether err is a store error flagged as retryable.
func IsTransient(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// Reason returns the "reason" detail of a typed error, if any.
func Reason(err error) string {
	var e *Error
	if !errors.As(err, &e) || e.Details == nil {
		return ""
	}
	reason, _ := e.Details["reason"].(string)
	return reason
}
