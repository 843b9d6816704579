package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an event or enrollment id does not resolve.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateEnrollment is returned when an account enrolls twice.
	ErrDuplicateEnrollment = errors.New("account is already enrolled in this event")
	// ErrNotEnrolled is returned when cancelling an enrollment that does not exist.
	ErrNotEnrolled = errors.New("account is not enrolled in this event")
	// ErrEnrollmentClosed is returned after the enrollment window has closed.
	ErrEnrollmentClosed = errors.New("enrollment window is closed")
	// ErrStateConflict is returned for a transition the enrollment cannot take.
	ErrStateConflict = errors.New("enrollment state conflict")
	// ErrCapacityConflict is returned when accepted enrollments would exceed the capacity.
	ErrCapacityConflict = errors.New("capacity conflict")
	// ErrInvalidForm is matched by every *ValidationError.
	ErrInvalidForm = errors.New("invalid form")
)

// Action names an enrollment transition.
type Action string

const (
	ActionAccept        Action = "accept"
	ActionReject        Action = "reject"
	ActionCheckIn       Action = "check-in"
	ActionCancelCheckIn Action = "cancel-check-in"
	ActionCancel        Action = "cancel"
)

// StateConflictError carries the context of a refused transition.
type StateConflictError struct {
	EventID      string
	EnrollmentID string
	Action       Action
}

func newStateConflict(e *Event, en *Enrollment, action Action) *StateConflictError {
	err := &StateConflictError{Action: action}
	if en != nil {
		err.EnrollmentID = en.ID
		err.EventID = en.EventID
	}
	if e != nil {
		err.EventID = e.ID
	}
	return err
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("cannot %s enrollment %s of event %s", e.Action, e.EnrollmentID, e.EventID)
}

// Is makes errors.Is(err, ErrStateConflict) hold.
func (e *StateConflictError) Is(target error) bool {
	return target == ErrStateConflict
}

// CapacityConflictError reports a capacity that cannot hold the accepted enrollments.
type CapacityConflictError struct {
	EventID  string
	Limit    int
	Accepted int
}

func (e *CapacityConflictError) Error() string {
	return fmt.Sprintf("event %s: capacity %d cannot hold %d accepted enrollments", e.EventID, e.Limit, e.Accepted)
}

// Is makes errors.Is(err, ErrCapacityConflict) hold.
func (e *CapacityConflictError) Is(target error) bool {
	return target == ErrCapacityConflict
}

// ValidationError captures field level validation issues that callers can surface to users.
type ValidationError struct {
	FieldErrors map[string]string
}

func (v *ValidationError) Error() string {
	if v == nil || len(v.FieldErrors) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed on %d field(s)", len(v.FieldErrors))
}

// Is makes errors.Is(err, ErrInvalidForm) hold.
func (v *ValidationError) Is(target error) bool {
	return target == ErrInvalidForm
}

// HasErrors reports whether any field level issues were recorded.
func (v *ValidationError) HasErrors() bool {
	return v != nil && len(v.FieldErrors) > 0
}

func (v *ValidationError) add(field, message string) {
	if v.FieldErrors == nil {
		v.FieldErrors = make(map[string]string)
	}
	if _, ok := v.FieldErrors[field]; !ok {
		v.FieldErrors[field] = message
	}
}

// ErrorKind maps domain errors to a stable logging label.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDuplicateEnrollment):
		return "duplicate_enrollment"
	case errors.Is(err, ErrNotEnrolled):
		return "not_enrolled"
	case errors.Is(err, ErrEnrollmentClosed):
		return "enrollment_closed"
	case errors.Is(err, ErrStateConflict):
		return "state_conflict"
	case errors.Is(err, ErrCapacityConflict):
		return "capacity_conflict"
	case errors.Is(err, ErrInvalidForm):
		return "validation"
	}
	return "unexpected"
}
