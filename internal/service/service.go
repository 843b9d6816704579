// Package service implements the event use-cases: it loads event aggregates
// under the repository's lock, lets the aggregate decide, persists the result
// and publishes notifications once the change has committed.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Shivanand-hulikatti/study-meetups/internal/logging"
	"github.com/Shivanand-hulikatti/study-meetups/internal/model"
	"github.com/Shivanand-hulikatti/study-meetups/internal/notification"
	"github.com/Shivanand-hulikatti/study-meetups/internal/repository"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/Shivanand-hulikatti/study-meetups/internal/service"

// Store is the persistence boundary used by EventService.
type Store interface {
	CreateEvent(ctx context.Context, e *model.Event) error
	FindByID(ctx context.Context, id string) (*model.Event, error)
	FindWithEnrollmentsByID(ctx context.Context, id string) (*model.Event, error)
	FindWithEnrollmentsByStudy(ctx context.Context, studyID string) ([]*model.Event, error)
	DeleteEvent(ctx context.Context, id string) (*model.Event, error)
	FindAcceptedUpcomingEnrollments(ctx context.Context, accountID string) ([]model.UpcomingEnrollment, error)
	WithEventLock(ctx context.Context, eventID string, fn func(tx repository.EventTx) error) error
}

// EventService orchestrates event and enrollment operations.
type EventService struct {
	store     Store
	publisher notification.Publisher
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
	newID     func() string
}

// Option customises an EventService.
type Option func(*EventService)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *EventService) { s.now = now }
}

// WithIDGenerator replaces the UUIDv7 generator.
func WithIDGenerator(newID func() string) Option {
	return func(s *EventService) { s.newID = newID }
}

// WithLogger sets the fallback logger used when the context carries none.
func WithLogger(logger *slog.Logger) Option {
	return func(s *EventService) { s.logger = logger }
}

// NewEventService constructs an EventService with its dependencies.
func NewEventService(store Store, publisher notification.Publisher, opts ...Option) *EventService {
	s := &EventService{
		store:     store,
		publisher: publisher,
		tracer:    otel.Tracer(tracerName),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return uuid.Must(uuid.NewV7()).String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateEvent validates the form and stores a new event for the study.
func (s *EventService) CreateEvent(ctx context.Context, studyID, creatorID string, form model.EventForm) (*model.Event, error) {
	var event *model.Event
	err := s.observe(ctx, "CreateEvent", []attribute.KeyValue{attribute.String("study.id", studyID)}, func(ctx context.Context) error {
		form.Normalize()
		if err := form.Validate(); err != nil {
			return err
		}

		event = form.ToEvent(s.newID())
		event.Init(studyID, creatorID, s.now())
		if err := s.store.CreateEvent(ctx, event); err != nil {
			return fmt.Errorf("create event: %w", err)
		}

		s.publish(ctx, notification.Message{
			Kind:       notification.StudyUpdated,
			StudyID:    studyID,
			EventID:    event.ID,
			EventTitle: event.Title,
			Text:       fmt.Sprintf("A new event (%s) was added.", event.Title),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

// FindByID returns an event without its enrollments.
func (s *EventService) FindByID(ctx context.Context, id string) (*model.Event, error) {
	event, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", id, err)
	}
	return event, nil
}

// FindWithEnrollmentsByID returns an event with its enrollments.
func (s *EventService) FindWithEnrollmentsByID(ctx context.Context, id string) (*model.Event, error) {
	event, err := s.store.FindWithEnrollmentsByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", id, err)
	}
	return event, nil
}

// FindWithEnrollmentsByStudy returns the events of a study ordered by start time.
func (s *EventService) FindWithEnrollmentsByStudy(ctx context.Context, studyID string) ([]*model.Event, error) {
	events, err := s.store.FindWithEnrollmentsByStudy(ctx, studyID)
	if err != nil {
		return nil, fmt.Errorf("list events of study %s: %w", studyID, err)
	}
	return events, nil
}

// UpdateEvent applies the form to the event and promotes waiting enrollments
// into any spots the change opened. A capacity below the accepted count is
// refused with *model.CapacityConflictError and nothing is applied.
func (s *EventService) UpdateEvent(ctx context.Context, eventID string, form model.EventForm) (*model.Event, error) {
	var updated *model.Event
	err := s.observe(ctx, "UpdateEvent", eventAttrs(eventID), func(ctx context.Context) error {
		form.Normalize()

		var msgs []notification.Message
		err := s.store.WithEventLock(ctx, eventID, func(tx repository.EventTx) error {
			event := tx.Event()
			if form.Type == "" {
				form.Type = event.Type
			}
			if err := form.Validate(); err != nil {
				return err
			}
			if !event.CanChangeCapacity(form.LimitOfEnrollments) {
				return &model.CapacityConflictError{
					EventID:  event.ID,
					Limit:    *form.LimitOfEnrollments,
					Accepted: event.AcceptedCount(),
				}
			}

			event.UpdateFromForm(form)
			if err := tx.SaveEvent(ctx); err != nil {
				return err
			}
			promoted, err := s.promote(ctx, tx)
			if err != nil {
				return err
			}

			msgs = append(msgs, notification.Message{
				Kind:       notification.StudyUpdated,
				StudyID:    event.StudyID,
				EventID:    event.ID,
				EventTitle: event.Title,
				Text:       fmt.Sprintf("The event %s was updated.", event.Title),
			})
			msgs = append(msgs, promoted...)
			updated = event.Clone()
			return nil
		})
		if err != nil {
			return fmt.Errorf("update event %s: %w", eventID, err)
		}
		s.publish(ctx, msgs...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteEvent removes the event and its enrollments.
func (s *EventService) DeleteEvent(ctx context.Context, eventID string) error {
	return s.observe(ctx, "DeleteEvent", eventAttrs(eventID), func(ctx context.Context) error {
		event, err := s.store.DeleteEvent(ctx, eventID)
		if err != nil {
			return fmt.Errorf("delete event %s: %w", eventID, err)
		}
		s.publish(ctx, notification.Message{
			Kind:       notification.StudyUpdated,
			StudyID:    event.StudyID,
			EventTitle: event.Title,
			Text:       fmt.Sprintf("The event %s was cancelled.", event.Title),
		})
		return nil
	})
}

// Enroll registers accountID for the event. The enrollment is accepted at once
// when the event is FCFS and a spot remains; otherwise it waits.
func (s *EventService) Enroll(ctx context.Context, accountID, eventID string) (*model.Enrollment, error) {
	var created model.Enrollment
	err := s.observe(ctx, "Enroll", eventAttrs(eventID, attribute.String("account.id", accountID)), func(ctx context.Context) error {
		err := s.store.WithEventLock(ctx, eventID, func(tx repository.EventTx) error {
			event := tx.Event()
			exists, err := tx.ExistsByEventAndAccount(ctx, accountID)
			if err != nil {
				return err
			}
			if exists {
				return model.ErrDuplicateEnrollment
			}
			now := s.now()
			if !event.IsEnrollmentOpen(now) {
				return model.ErrEnrollmentClosed
			}

			en := &model.Enrollment{
				ID:         s.newID(),
				AccountID:  accountID,
				EnrolledAt: now,
				Accepted:   event.IsImmediatelyAcceptable(),
			}
			event.AddEnrollment(en)
			if err := tx.SaveEnrollment(ctx, en); err != nil {
				return err
			}
			created = *en
			return nil
		})
		if err != nil {
			return fmt.Errorf("enroll in event %s: %w", eventID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// CancelEnrollment withdraws accountID from the event and promotes the next
// waiting enrollments into the freed spot.
func (s *EventService) CancelEnrollment(ctx context.Context, accountID, eventID string) error {
	return s.observe(ctx, "CancelEnrollment", eventAttrs(eventID, attribute.String("account.id", accountID)), func(ctx context.Context) error {
		var msgs []notification.Message
		err := s.store.WithEventLock(ctx, eventID, func(tx repository.EventTx) error {
			event := tx.Event()
			en, err := tx.FindByEventAndAccount(ctx, accountID)
			if errors.Is(err, model.ErrNotFound) {
				return model.ErrNotEnrolled
			}
			if err != nil {
				return err
			}
			if !event.IsEnrollmentOpen(s.now()) {
				return model.ErrEnrollmentClosed
			}
			if en.Attended {
				return &model.StateConflictError{EventID: event.ID, EnrollmentID: en.ID, Action: model.ActionCancel}
			}

			event.RemoveEnrollment(en)
			if err := tx.DeleteEnrollment(ctx, en); err != nil {
				return err
			}
			msgs, err = s.promote(ctx, tx)
			return err
		})
		if err != nil {
			return fmt.Errorf("cancel enrollment in event %s: %w", eventID, err)
		}
		s.publish(ctx, msgs...)
		return nil
	})
}

// AcceptEnrollment accepts a waiting enrollment of a CONFIRMATIVE event.
func (s *EventService) AcceptEnrollment(ctx context.Context, eventID, enrollmentID string) error {
	return s.transition(ctx, "AcceptEnrollment", eventID, enrollmentID, func(event *model.Event, en *model.Enrollment) (*notification.Message, error) {
		if err := event.Accept(en); err != nil {
			return nil, err
		}
		return enrollmentMessage(notification.EnrollmentAccepted, event, en,
			fmt.Sprintf("Your enrollment in %s was accepted.", event.Title)), nil
	})
}

// RejectEnrollment withdraws the acceptance of an enrollment of a CONFIRMATIVE event.
func (s *EventService) RejectEnrollment(ctx context.Context, eventID, enrollmentID string) error {
	return s.transition(ctx, "RejectEnrollment", eventID, enrollmentID, func(event *model.Event, en *model.Enrollment) (*notification.Message, error) {
		if err := event.Reject(en); err != nil {
			return nil, err
		}
		return enrollmentMessage(notification.EnrollmentRejected, event, en,
			fmt.Sprintf("Your enrollment in %s was rejected.", event.Title)), nil
	})
}

// CheckIn marks an accepted enrollment as attended.
func (s *EventService) CheckIn(ctx context.Context, eventID, enrollmentID string) error {
	return s.transition(ctx, "CheckIn", eventID, enrollmentID, func(_ *model.Event, en *model.Enrollment) (*notification.Message, error) {
		return nil, en.CheckIn()
	})
}

// CancelCheckIn reverts a check-in.
func (s *EventService) CancelCheckIn(ctx context.Context, eventID, enrollmentID string) error {
	return s.transition(ctx, "CancelCheckIn", eventID, enrollmentID, func(_ *model.Event, en *model.Enrollment) (*notification.Message, error) {
		return nil, en.CancelCheckIn()
	})
}

// FindAcceptedUpcomingEnrollments lists the accepted, not yet attended
// enrollments of an account.
func (s *EventService) FindAcceptedUpcomingEnrollments(ctx context.Context, accountID string) ([]model.UpcomingEnrollment, error) {
	out, err := s.store.FindAcceptedUpcomingEnrollments(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list upcoming enrollments: %w", err)
	}
	return out, nil
}

// transition runs a guarded change of one enrollment under the event lock.
func (s *EventService) transition(
	ctx context.Context,
	op, eventID, enrollmentID string,
	apply func(*model.Event, *model.Enrollment) (*notification.Message, error),
) error {
	attrs := eventAttrs(eventID, attribute.String("enrollment.id", enrollmentID))
	return s.observe(ctx, op, attrs, func(ctx context.Context) error {
		var msg *notification.Message
		err := s.store.WithEventLock(ctx, eventID, func(tx repository.EventTx) error {
			event := tx.Event()
			en := event.FindEnrollment(enrollmentID)
			if en == nil {
				return fmt.Errorf("enrollment %s: %w", enrollmentID, model.ErrNotFound)
			}
			var err error
			if msg, err = apply(event, en); err != nil {
				return err
			}
			return tx.SaveEnrollment(ctx, en)
		})
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if msg != nil {
			s.publish(ctx, *msg)
		}
		return nil
	})
}

// promote runs the waitlist promotion inside the caller's unit of work and
// returns the notifications for the promoted enrollments.
func (s *EventService) promote(ctx context.Context, tx repository.EventTx) ([]notification.Message, error) {
	event := tx.Event()
	promoted := event.PromoteWaitlist()
	msgs := make([]notification.Message, 0, len(promoted))
	for _, en := range promoted {
		if err := tx.SaveEnrollment(ctx, en); err != nil {
			return nil, err
		}
		msgs = append(msgs, *enrollmentMessage(notification.EnrollmentAccepted, event, en,
			fmt.Sprintf("A spot opened up: your enrollment in %s was accepted.", event.Title)))
	}
	if len(promoted) > 0 {
		logging.Or(ctx, s.logger).Info("waitlist promoted", "event_id", event.ID, "count", len(promoted))
	}
	return msgs, nil
}

func (s *EventService) publish(ctx context.Context, msgs ...notification.Message) {
	if s.publisher == nil {
		return
	}
	now := s.now()
	for _, msg := range msgs {
		if msg.At.IsZero() {
			msg.At = now
		}
		s.publisher.Publish(ctx, msg)
	}
}

// observe wraps an operation in a span and logs its outcome.
func (s *EventService) observe(ctx context.Context, op string, attrs []attribute.KeyValue, fn func(ctx context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, "EventService."+op, trace.WithAttributes(attrs...))
	defer span.End()

	err := fn(ctx)

	logger := logging.Or(ctx, s.logger).With("service", "event", "operation", op)
	if err == nil {
		logger.Debug("operation completed")
		return nil
	}

	kind := model.ErrorKind(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, kind)
	if kind == "unexpected" {
		logger.Error("operation failed", "error_kind", kind, "error", err)
	} else {
		logger.Info("operation refused", "error_kind", kind, "error", err)
	}
	return err
}

func eventAttrs(eventID string, extra ...attribute.KeyValue) []attribute.KeyValue {
	return append([]attribute.KeyValue{attribute.String("event.id", eventID)}, extra...)
}

func enrollmentMessage(kind notification.Kind, event *model.Event, en *model.Enrollment, text string) *notification.Message {
	return &notification.Message{
		Kind:         kind,
		StudyID:      event.StudyID,
		EventID:      event.ID,
		EnrollmentID: en.ID,
		AccountID:    en.AccountID,
		EventTitle:   event.Title,
		Text:         text,
	}
}
