package model

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// EventForm is the payload for creating or editing an event.
type EventForm struct {
	Title              string    `json:"title" validate:"required,max=50"`
	Description        string    `json:"description"`
	Type               EventType `json:"type" validate:"required,oneof=FCFS CONFIRMATIVE"`
	LimitOfEnrollments *int      `json:"limit_of_enrollments" validate:"omitempty,min=1"`
	EndEnrollmentAt    time.Time `json:"end_enrollment_at" validate:"required"`
	StartAt            time.Time `json:"start_at" validate:"required,gtefield=EndEnrollmentAt"`
	EndAt              time.Time `json:"end_at" validate:"required,gtfield=StartAt"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Normalize trims user input in place.
func (f *EventForm) Normalize() {
	f.Title = strings.TrimSpace(f.Title)
	f.Description = strings.TrimSpace(f.Description)
}

// Validate checks the form and returns a *ValidationError describing every
// offending field.
func (f EventForm) Validate() error {
	err := validate.Struct(f)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	vErr := &ValidationError{}
	for _, fe := range fieldErrs {
		vErr.add(fe.Field(), fieldMessage(fe))
	}
	return vErr
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "min":
		return "must be at least " + fe.Param()
	case "oneof":
		return "must be one of " + fe.Param()
	case "gtefield":
		return "must not be before end_enrollment_at"
	case "gtfield":
		return "must be after start_at"
	}
	return "is invalid"
}

// ToEvent builds a new event from the form. Init must be called before saving.
func (f EventForm) ToEvent(id string) *Event {
	return &Event{
		ID:                 id,
		Title:              f.Title,
		Description:        f.Description,
		LimitOfEnrollments: f.LimitOfEnrollments,
		EndEnrollmentAt:    f.EndEnrollmentAt,
		StartAt:            f.StartAt,
		EndAt:              f.EndAt,
		Type:               f.Type,
	}
}

// FormOf returns the form that reproduces the editable fields of e.
func FormOf(e *Event) EventForm {
	return EventForm{
		Title:              e.Title,
		Description:        e.Description,
		Type:               e.Type,
		LimitOfEnrollments: e.LimitOfEnrollments,
		EndEnrollmentAt:    e.EndEnrollmentAt,
		StartAt:            e.StartAt,
		EndAt:              e.EndAt,
	}
}
