// Package notification turns domain events published by the event service
// into notification feed entries, off the request path.
package notification

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Shivanand-hulikatti/study-meetups/internal/model"
	"github.com/google/uuid"
)

// Kind identifies a domain event.
type Kind string

const (
	EnrollmentAccepted Kind = "enrollment_accepted"
	EnrollmentRejected Kind = "enrollment_rejected"
	StudyUpdated       Kind = "study_updated"
)

// Message is a domain event published after a state change has committed.
type Message struct {
	Kind         Kind
	StudyID      string
	EventID      string
	EnrollmentID string
	// AccountID is the enrollment owner for enrollment messages.
	AccountID  string
	EventTitle string
	Text       string
	At         time.Time
}

// Publisher accepts domain events. Publish must not block the caller.
type Publisher interface {
	Publish(ctx context.Context, msg Message)
}

// Feed stores notification entries.
type Feed interface {
	Create(ctx context.Context, n model.Notification) error
}

// Members lists the accounts of a study.
type Members interface {
	MemberIDs(ctx context.Context, studyID string) ([]string, error)
}

// Dispatcher queues messages in a bounded channel and writes them to the feed
// from Run. Delivery is best effort: a full queue drops the message and a feed
// failure is logged, neither reaches the publisher.
type Dispatcher struct {
	queue   chan Message
	feed    Feed
	members Members
	logger  *slog.Logger
	dropped atomic.Int64
}

// NewDispatcher constructs a Dispatcher with room for buffer pending messages.
func NewDispatcher(feed Feed, members Members, buffer int, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		queue:   make(chan Message, max(buffer, 1)),
		feed:    feed,
		members: members,
		logger:  logger.With("component", "notification"),
	}
}

// Publish enqueues msg without blocking.
func (d *Dispatcher) Publish(_ context.Context, msg Message) {
	select {
	case d.queue <- msg:
	default:
		d.dropped.Add(1)
		d.logger.Warn("notification queue full, dropping message",
			"kind", msg.Kind, "event_id", msg.EventID, "enrollment_id", msg.EnrollmentID)
	}
}

// Dropped returns how many messages were discarded because the queue was full.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Run delivers queued messages until ctx is cancelled, then flushes whatever
// is still buffered.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case msg := <-d.queue:
			d.deliver(ctx, msg)
		case <-ctx.Done():
			d.flush()
			return nil
		}
	}
}

func (d *Dispatcher) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case msg := <-d.queue:
			d.deliver(ctx, msg)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, msg Message) {
	recipients, typ, err := d.recipients(ctx, msg)
	if err != nil {
		d.logger.Error("resolve recipients", "kind", msg.Kind, "study_id", msg.StudyID, "error", err)
		return
	}

	for _, accountID := range recipients {
		n := model.Notification{
			ID:        uuid.Must(uuid.NewV7()).String(),
			AccountID: accountID,
			Title:     msg.EventTitle,
			Link:      link(msg),
			Message:   msg.Text,
			Type:      typ,
			CreatedAt: msg.At,
		}
		if err := d.feed.Create(ctx, n); err != nil {
			d.logger.Error("store notification", "kind", msg.Kind, "account_id", accountID, "error", err)
		}
	}
}

func (d *Dispatcher) recipients(ctx context.Context, msg Message) ([]string, model.NotificationType, error) {
	switch msg.Kind {
	case EnrollmentAccepted, EnrollmentRejected:
		return []string{msg.AccountID}, model.NotificationEventEnrollment, nil
	case StudyUpdated:
		ids, err := d.members.MemberIDs(ctx, msg.StudyID)
		return ids, model.NotificationStudyUpdated, err
	}
	return nil, "", fmt.Errorf("unknown message kind %q", msg.Kind)
}

func link(msg Message) string {
	if msg.EventID == "" {
		return "/studies/" + msg.StudyID + "/events"
	}
	return "/studies/" + msg.StudyID + "/events/" + msg.EventID
}
