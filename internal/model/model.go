// Package model defines the core domain types for study meetups: the Event
// aggregate and the Enrollments it owns.
package model

import (
	"encoding/json"
	"math"
	"sort"
	"time"
)

// EventType is the admission policy of an event. It is fixed at creation.
type EventType string

const (
	// EventTypeFCFS accepts enrollments automatically while spots remain.
	EventTypeFCFS EventType = "FCFS"
	// EventTypeConfirmative requires a manager to accept or reject each enrollment.
	EventTypeConfirmative EventType = "CONFIRMATIVE"
)

// Unlimited is the remaining-spots value reported by events without a capacity.
const Unlimited = math.MaxInt

// Event represents a scheduled meetup belonging to a study.
type Event struct {
	ID                 string        `json:"id"`
	StudyID            string        `json:"study_id"`
	CreatedBy          string        `json:"created_by"`
	Title              string        `json:"title"`
	Description        string        `json:"description"`
	CreatedAt          time.Time     `json:"created_at"`
	EndEnrollmentAt    time.Time     `json:"end_enrollment_at"`
	StartAt            time.Time     `json:"start_at"`
	EndAt              time.Time     `json:"end_at"`
	LimitOfEnrollments *int          `json:"limit_of_enrollments,omitempty"`
	Type               EventType     `json:"type"`
	Enrollments        []*Enrollment `json:"enrollments"`
}

// Init fills in the values that are only known once a manager creates the event.
func (e *Event) Init(studyID, creatorID string, now time.Time) {
	e.StudyID = studyID
	e.CreatedBy = creatorID
	e.CreatedAt = now
}

// AcceptedCount returns the number of accepted enrollments.
func (e *Event) AcceptedCount() int {
	n := 0
	for _, en := range e.Enrollments {
		if en.Accepted {
			n++
		}
	}
	return n
}

// RemainingSpots returns capacity minus accepted enrollments, or Unlimited
// when the event has no capacity.
func (e *Event) RemainingSpots() int {
	if e.LimitOfEnrollments == nil {
		return Unlimited
	}
	return *e.LimitOfEnrollments - e.AcceptedCount()
}

// IsFull returns true when no spots remain.
func (e *Event) IsFull() bool {
	return e.RemainingSpots() <= 0
}

// IsImmediatelyAcceptable reports whether a new enrollment is accepted on arrival.
func (e *Event) IsImmediatelyAcceptable() bool {
	return e.Type == EventTypeFCFS && e.RemainingSpots() > 0
}

// IsEnrollmentOpen reports whether the enrollment window is still open at now.
func (e *Event) IsEnrollmentOpen(now time.Time) bool {
	return now.Before(e.EndEnrollmentAt)
}

// IsEnded reports whether the meetup is over at now.
func (e *Event) IsEnded(now time.Time) bool {
	return e.EndAt.Before(now)
}

// CanEnroll reports whether accountID may enroll at now.
func (e *Event) CanEnroll(accountID string, now time.Time) bool {
	return e.IsEnrollmentOpen(now) && !e.IsEnrolled(accountID)
}

// CanCancelEnrollment reports whether accountID may withdraw at now.
func (e *Event) CanCancelEnrollment(accountID string, now time.Time) bool {
	return e.IsEnrollmentOpen(now) && e.IsEnrolled(accountID)
}

// IsEnrolled reports whether accountID holds an enrollment, accepted or not.
func (e *Event) IsEnrolled(accountID string) bool {
	return e.EnrollmentOf(accountID) != nil
}

// IsAttended reports whether accountID has been checked in.
func (e *Event) IsAttended(accountID string) bool {
	en := e.EnrollmentOf(accountID)
	return en != nil && en.Attended
}

// EnrollmentOf returns the enrollment held by accountID, or nil.
func (e *Event) EnrollmentOf(accountID string) *Enrollment {
	for _, en := range e.Enrollments {
		if en.AccountID == accountID {
			return en
		}
	}
	return nil
}

// FindEnrollment returns the enrollment with the given id, or nil.
func (e *Event) FindEnrollment(id string) *Enrollment {
	for _, en := range e.Enrollments {
		if en.ID == id {
			return en
		}
	}
	return nil
}

// AddEnrollment attaches en to the event and sets its back-reference.
func (e *Event) AddEnrollment(en *Enrollment) {
	en.event = e
	en.EventID = e.ID
	e.Enrollments = append(e.Enrollments, en)
}

// RemoveEnrollment detaches en from the event.
func (e *Event) RemoveEnrollment(en *Enrollment) {
	for i, cur := range e.Enrollments {
		if cur == en || cur.ID == en.ID {
			e.Enrollments = append(e.Enrollments[:i], e.Enrollments[i+1:]...)
			break
		}
	}
	en.event = nil
}

func (e *Event) owns(en *Enrollment) bool {
	return en != nil && en.event == e
}

// CanAccept reports whether a manager may accept en.
func (e *Event) CanAccept(en *Enrollment) bool {
	return e.Type == EventTypeConfirmative &&
		e.owns(en) &&
		!en.Attended &&
		!en.Accepted
}

// CanReject reports whether a manager may reject en.
func (e *Event) CanReject(en *Enrollment) bool {
	return e.Type == EventTypeConfirmative &&
		e.owns(en) &&
		!en.Attended &&
		en.Accepted
}

// Accept marks en as accepted. Accepting never pushes the event over capacity.
func (e *Event) Accept(en *Enrollment) error {
	if !e.CanAccept(en) {
		return newStateConflict(e, en, ActionAccept)
	}
	if e.RemainingSpots() <= 0 {
		return &CapacityConflictError{EventID: e.ID, Limit: *e.LimitOfEnrollments, Accepted: e.AcceptedCount()}
	}
	en.Accepted = true
	return nil
}

// Reject clears the acceptance of en. A rejected enrollment may be accepted again.
func (e *Event) Reject(en *Enrollment) error {
	if !e.CanReject(en) {
		return newStateConflict(e, en, ActionReject)
	}
	en.Accepted = false
	return nil
}

// CanChangeCapacity reports whether limit still fits every accepted enrollment.
func (e *Event) CanChangeCapacity(limit *int) bool {
	return limit == nil || *limit >= e.AcceptedCount()
}

// UpdateFromForm replaces the editable fields. The admission policy is kept.
// Callers check CanChangeCapacity first.
func (e *Event) UpdateFromForm(form EventForm) {
	e.Title = form.Title
	e.Description = form.Description
	e.LimitOfEnrollments = form.LimitOfEnrollments
	e.EndEnrollmentAt = form.EndEnrollmentAt
	e.StartAt = form.StartAt
	e.EndAt = form.EndAt
}

// PromoteWaitlist accepts waiting enrollments in arrival order while spots
// remain, and returns the ones it accepted. CONFIRMATIVE events never promote.
func (e *Event) PromoteWaitlist() []*Enrollment {
	if !e.IsImmediatelyAcceptable() {
		return nil
	}

	waiting := make([]*Enrollment, 0, len(e.Enrollments))
	for _, en := range e.Enrollments {
		if !en.Accepted {
			waiting = append(waiting, en)
		}
	}
	sort.SliceStable(waiting, func(i, j int) bool {
		return waiting[i].before(waiting[j])
	})

	var promoted []*Enrollment
	for _, en := range waiting {
		if e.RemainingSpots() <= 0 {
			break
		}
		en.Accepted = true
		promoted = append(promoted, en)
	}
	return promoted
}

// Link restores the back-references of every enrollment after loading.
func (e *Event) Link() {
	for _, en := range e.Enrollments {
		en.event = e
		en.EventID = e.ID
	}
}

// Clone returns a deep copy of the aggregate with its links rebuilt.
func (e *Event) Clone() *Event {
	c := *e
	if e.LimitOfEnrollments != nil {
		limit := *e.LimitOfEnrollments
		c.LimitOfEnrollments = &limit
	}
	c.Enrollments = make([]*Enrollment, len(e.Enrollments))
	for i, en := range e.Enrollments {
		cp := *en
		c.Enrollments[i] = &cp
	}
	c.Link()
	return &c
}

// EnrollmentState is a display label derived from the enrollment flags.
type EnrollmentState string

const (
	StatePending  EnrollmentState = "PENDING"
	StateAccepted EnrollmentState = "ACCEPTED"
	StateAttended EnrollmentState = "ATTENDED"
)

// Enrollment represents one account's claim on a spot in an event.
type Enrollment struct {
	ID         string    `json:"id"`
	EventID    string    `json:"event_id"`
	AccountID  string    `json:"account_id"`
	EnrolledAt time.Time `json:"enrolled_at"`
	Accepted   bool      `json:"accepted"`
	Attended   bool      `json:"attended"`

	event *Event
}

// Event returns the owning event, or nil when detached.
func (en *Enrollment) Event() *Event {
	return en.event
}

// State returns the display label for the enrollment.
func (en *Enrollment) State() EnrollmentState {
	switch {
	case en.Attended:
		return StateAttended
	case en.Accepted:
		return StateAccepted
	default:
		return StatePending
	}
}

// MarshalJSON adds the derived state label to the wire form.
func (en Enrollment) MarshalJSON() ([]byte, error) {
	type plain Enrollment
	return json.Marshal(struct {
		plain
		State EnrollmentState `json:"state"`
	}{plain(en), en.State()})
}

// CheckIn marks an accepted enrollment as attended.
func (en *Enrollment) CheckIn() error {
	if !en.Accepted || en.Attended {
		return newStateConflict(en.event, en, ActionCheckIn)
	}
	en.Attended = true
	return nil
}

// CancelCheckIn reverts a check-in.
func (en *Enrollment) CancelCheckIn() error {
	if !en.Accepted || !en.Attended {
		return newStateConflict(en.event, en, ActionCancelCheckIn)
	}
	en.Attended = false
	return nil
}

// before orders enrollments by arrival, breaking ties on id.
func (en *Enrollment) before(other *Enrollment) bool {
	if !en.EnrolledAt.Equal(other.EnrolledAt) {
		return en.EnrolledAt.Before(other.EnrolledAt)
	}
	return en.ID < other.ID
}

// UpcomingEnrollment is an accepted, not yet attended enrollment together with
// the event it belongs to.
type UpcomingEnrollment struct {
	Enrollment Enrollment `json:"enrollment"`
	Event      Event      `json:"event"`
}

// ErrorResponse is a standard JSON error envelope.
type ErrorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}
