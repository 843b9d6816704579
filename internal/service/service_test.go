package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Shivanand-hulikatti/study-meetups/internal/model"
	"github.com/Shivanand-hulikatti/study-meetups/internal/notification"
	"github.com/Shivanand-hulikatti/study-meetups/internal/repository"
)

var base = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type recorder struct {
	mu   sync.Mutex
	msgs []notification.Message
}

func (r *recorder) Publish(_ context.Context, msg notification.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) kinds(kind notification.Kind) []notification.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notification.Message
	for _, m := range r.msgs {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

type fixture struct {
	svc   *EventService
	store *repository.MemoryEventRepository
	pub   *recorder
	clock atomic.Int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: repository.NewMemoryEventRepository(), pub: &recorder{}}
	var ids atomic.Int64
	f.svc = NewEventService(f.store, f.pub,
		WithClock(func() time.Time {
			return base.Add(time.Duration(f.clock.Add(1)) * time.Second)
		}),
		WithIDGenerator(func() string {
			return fmt.Sprintf("id-%04d", ids.Add(1))
		}),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	return f
}

func limit(n int) *int { return &n }

func form(typ model.EventType, capacity *int) model.EventForm {
	return model.EventForm{
		Title:              "Go study night",
		Description:        "  bring a laptop  ",
		Type:               typ,
		LimitOfEnrollments: capacity,
		EndEnrollmentAt:    base.Add(24 * time.Hour),
		StartAt:            base.Add(48 * time.Hour),
		EndAt:              base.Add(50 * time.Hour),
	}
}

func (f *fixture) create(t *testing.T, typ model.EventType, capacity *int) *model.Event {
	t.Helper()
	e, err := f.svc.CreateEvent(context.Background(), "study-1", "manager", form(typ, capacity))
	if err != nil {
		t.Fatalf("create event: %v", err)
	}
	return e
}

func (f *fixture) enroll(t *testing.T, eventID, account string) *model.Enrollment {
	t.Helper()
	en, err := f.svc.Enroll(context.Background(), account, eventID)
	if err != nil {
		t.Fatalf("enroll %s: %v", account, err)
	}
	return en
}

func (f *fixture) state(t *testing.T, eventID string) *model.Event {
	t.Helper()
	e, err := f.svc.FindWithEnrollmentsByID(context.Background(), eventID)
	if err != nil {
		t.Fatalf("load event: %v", err)
	}
	return e
}

func accepted(e *model.Event, account string) bool {
	en := e.EnrollmentOf(account)
	return en != nil && en.Accepted
}

func TestCreateEvent(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, model.EventTypeFCFS, limit(2))

	if e.StudyID != "study-1" || e.CreatedBy != "manager" || e.CreatedAt.IsZero() {
		t.Fatalf("event not initialised: %+v", e)
	}
	if e.Description != "bring a laptop" {
		t.Fatalf("expected trimmed description, got %q", e.Description)
	}
	if got := f.pub.kinds(notification.StudyUpdated); len(got) != 1 || got[0].EventID != e.ID {
		t.Fatalf("expected one study update, got %+v", got)
	}
}

func TestCreateEventRejectsInvalidForm(t *testing.T) {
	f := newFixture(t)
	bad := form(model.EventTypeFCFS, nil)
	bad.Title = "   "

	_, err := f.svc.CreateEvent(context.Background(), "study-1", "manager", bad)
	var vErr *model.ValidationError
	if !errors.As(err, &vErr) || vErr.FieldErrors["title"] == "" {
		t.Fatalf("expected title validation error, got %v", err)
	}
}

func TestFCFSAutoAcceptAndPromotion(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, model.EventTypeFCFS, limit(2))

	a := f.enroll(t, e.ID, "A")
	b := f.enroll(t, e.ID, "B")
	c := f.enroll(t, e.ID, "C")
	if !a.Accepted || !b.Accepted || c.Accepted {
		t.Fatalf("expected A,B accepted and C waiting: %v %v %v", a.Accepted, b.Accepted, c.Accepted)
	}

	if err := f.svc.CancelEnrollment(context.Background(), "A", e.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	got := f.state(t, e.ID)
	if got.IsEnrolled("A") || !accepted(got, "B") || !accepted(got, "C") {
		t.Fatalf("expected C promoted after A left: %+v", got.Enrollments)
	}
	msgs := f.pub.kinds(notification.EnrollmentAccepted)
	if len(msgs) != 1 || msgs[0].AccountID != "C" {
		t.Fatalf("expected acceptance notice for C, got %+v", msgs)
	}
}

func TestDuplicateEnrollment(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, model.EventTypeFCFS, limit(2))
	f.enroll(t, e.ID, "A")

	_, err := f.svc.Enroll(context.Background(), "A", e.ID)
	if !errors.Is(err, model.ErrDuplicateEnrollment) {
		t.Fatalf("expected duplicate enrollment, got %v", err)
	}
	if n := len(f.state(t, e.ID).Enrollments); n != 1 {
		t.Fatalf("expected one enrollment, got %d", n)
	}
}

func TestConfirmativeNeverAutoPromotes(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, model.EventTypeConfirmative, limit(1))
	first := f.enroll(t, e.ID, "A")
	pending := f.enroll(t, e.ID, "B")

	if err := f.svc.AcceptEnrollment(context.Background(), e.ID, first.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := f.svc.CancelEnrollment(context.Background(), "A", e.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if accepted(f.state(t, e.ID), "B") {
		t.Fatal("confirmative enrollment promoted without a manager")
	}

	if err := f.svc.AcceptEnrollment(context.Background(), e.ID, pending.ID); err != nil {
		t.Fatalf("accept pending: %v", err)
	}
	if !accepted(f.state(t, e.ID), "B") {
		t.Fatal("expected B accepted after explicit accept")
	}
}

func TestAcceptRejectGuards(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, model.EventTypeConfirmative, limit(3))
	en := f.enroll(t, e.ID, "A")
	ctx := context.Background()

	if err := f.svc.AcceptEnrollment(ctx, e.ID, en.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	err := f.svc.AcceptEnrollment(ctx, e.ID, en.ID)
	var sc *model.StateConflictError
	if !errors.As(err, &sc) || sc.Action != model.ActionAccept || sc.EnrollmentID != en.ID || sc.EventID != e.ID {
		t.Fatalf("expected state conflict on second accept, got %v", err)
	}

	if err := f.svc.CheckIn(ctx, e.ID, en.ID); err != nil {
		t.Fatalf("check in: %v", err)
	}
	if err := f.svc.RejectEnrollment(ctx, e.ID, en.ID); !errors.Is(err, model.ErrStateConflict) {
		t.Fatalf("expected state conflict rejecting attended enrollment, got %v", err)
	}
	if len(f.pub.kinds(notification.EnrollmentRejected)) != 0 {
		t.Fatal("refused reject must not notify")
	}
}

func TestRejectThenAcceptAgain(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, model.EventTypeConfirmative, limit(1))
	en := f.enroll(t, e.ID, "A")
	ctx := context.Background()

	for _, step := range []func(context.Context, string, string) error{
		f.svc.AcceptEnrollment, f.svc.RejectEnrollment, f.svc.AcceptEnrollment,
	} {
		if err := step(ctx, e.ID, en.ID); err != nil {
			t.Fatalf("transition: %v", err)
		}
	}
	if !accepted(f.state(t, e.ID), "A") {
		t.Fatal("expected re-accepted enrollment")
	}
	if n := len(f.pub.kinds(notification.EnrollmentRejected)); n != 1 {
		t.Fatalf("expected one rejection notice, got %d", n)
	}
}

func TestAcceptBeyondCapacity(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, model.EventTypeConfirmative, limit(1))
	a := f.enroll(t, e.ID, "A")
	b := f.enroll(t, e.ID, "B")
	ctx := context.Background()

	if err := f.svc.AcceptEnrollment(ctx, e.ID, a.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := f.svc.AcceptEnrollment(ctx, e.ID, b.ID); !errors.Is(err, model.ErrCapacityConflict) {
		t.Fatalf("expected capacity conflict, got %v", err)
	}
}

func TestCheckInRoundTrip(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, model.EventTypeFCFS, limit(1))
	en := f.enroll(t, e.ID, "A")
	ctx := context.Background()

	if err := f.svc.CheckIn(ctx, e.ID, en.ID); err != nil {
		t.Fatalf("check in: %v", err)
	}
	if err := f.svc.CheckIn(ctx, e.ID, en.ID); !errors.Is(err, model.ErrStateConflict) {
		t.Fatalf("expected conflict on second check in, got %v", err)
	}
	if err := f.svc.CancelCheckIn(ctx, e.ID, en.ID); err != nil {
		t.Fatalf("cancel check in: %v", err)
	}

	got := f.state(t, e.ID).FindEnrollment(en.ID)
	if got.Attended || !got.Accepted {
		t.Fatalf("expected accepted and not attended, got %+v", got)
	}
}

func TestCheckInWaitingEnrollment(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, model.EventTypeFCFS, limit(1))
	f.enroll(t, e.ID, "A")
	waiting := f.enroll(t, e.ID, "B")

	err := f.svc.CheckIn(context.Background(), e.ID, waiting.ID)
	var sc *model.StateConflictError
	if !errors.As(err, &sc) || sc.Action != model.ActionCheckIn {
		t.Fatalf("expected check-in conflict, got %v", err)
	}
}

func TestCapacityDecreaseGuard(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, model.EventTypeFCFS, limit(3))
	f.enroll(t, e.ID, "A")
	f.enroll(t, e.ID, "B")

	edit := form(model.EventTypeFCFS, limit(1))
	edit.Title = "Renamed"
	_, err := f.svc.UpdateEvent(context.Background(), e.ID, edit)

	var cc *model.CapacityConflictError
	if !errors.As(err, &cc) || cc.Limit != 1 || cc.Accepted != 2 {
		t.Fatalf("expected capacity conflict, got %v", err)
	}
	got := f.state(t, e.ID)
	if got.Title != e.Title || *got.LimitOfEnrollments != 3 {
		t.Fatalf("event changed despite conflict: %+v", got)
	}
	if n := len(f.pub.kinds(notification.StudyUpdated)); n != 1 {
		t.Fatalf("refused update must not notify, got %d study updates", n)
	}
}

func TestCapacityIncreasePromotes(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, model.EventTypeFCFS, limit(1))
	f.enroll(t, e.ID, "A")
	f.enroll(t, e.ID, "B")
	f.enroll(t, e.ID, "C")
	f.enroll(t, e.ID, "D")

	edit := form(model.EventTypeConfirmative, limit(3))
	updated, err := f.svc.UpdateEvent(context.Background(), e.ID, edit)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Type != model.EventTypeFCFS {
		t.Fatalf("admission policy changed to %s", updated.Type)
	}

	got := f.state(t, e.ID)
	if !accepted(got, "B") || !accepted(got, "C") || accepted(got, "D") {
		t.Fatalf("expected B and C promoted: %+v", got.Enrollments)
	}
	if n := len(f.pub.kinds(notification.EnrollmentAccepted)); n != 2 {
		t.Fatalf("expected two acceptance notices, got %d", n)
	}
}

func TestUpdateEventKeepsTypeWhenOmitted(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, model.EventTypeConfirmative, nil)

	edit := form("", nil)
	edit.Title = "Renamed"
	updated, err := f.svc.UpdateEvent(context.Background(), e.ID, edit)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Title != "Renamed" || updated.Type != model.EventTypeConfirmative {
		t.Fatalf("unexpected update result %+v", updated)
	}
}

func TestEnrollmentWindowClosed(t *testing.T) {
	f := newFixture(t)
	closing := form(model.EventTypeFCFS, nil)
	closing.EndEnrollmentAt = base.Add(10 * time.Second)
	e, err := f.svc.CreateEvent(context.Background(), "study-1", "manager", closing)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.enroll(t, e.ID, "A")

	f.clock.Add(60)
	if _, err := f.svc.Enroll(context.Background(), "B", e.ID); !errors.Is(err, model.ErrEnrollmentClosed) {
		t.Fatalf("expected closed window on enroll, got %v", err)
	}
	if err := f.svc.CancelEnrollment(context.Background(), "A", e.ID); !errors.Is(err, model.ErrEnrollmentClosed) {
		t.Fatalf("expected closed window on cancel, got %v", err)
	}
}

func TestNotEnrolledAndNotFound(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, model.EventTypeFCFS, nil)
	ctx := context.Background()

	if err := f.svc.CancelEnrollment(ctx, "ghost", e.ID); !errors.Is(err, model.ErrNotEnrolled) {
		t.Fatalf("expected not enrolled, got %v", err)
	}
	if _, err := f.svc.Enroll(ctx, "A", "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found event, got %v", err)
	}
	if err := f.svc.AcceptEnrollment(ctx, e.ID, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found enrollment, got %v", err)
	}
	if _, err := f.svc.FindByID(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteEvent(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, model.EventTypeFCFS, nil)
	f.enroll(t, e.ID, "A")
	ctx := context.Background()

	if err := f.svc.DeleteEvent(ctx, e.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.svc.FindByID(ctx, e.ID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected deleted event to be gone, got %v", err)
	}
	if err := f.svc.DeleteEvent(ctx, e.ID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
	if n := len(f.pub.kinds(notification.StudyUpdated)); n != 2 {
		t.Fatalf("expected create and delete notices, got %d", n)
	}
}

func TestFindAcceptedUpcomingEnrollments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.create(t, model.EventTypeFCFS, limit(1))
	second := f.create(t, model.EventTypeConfirmative, nil)
	third := f.create(t, model.EventTypeFCFS, nil)

	en := f.enroll(t, first.ID, "A")
	f.enroll(t, second.ID, "A")
	f.enroll(t, third.ID, "A")
	if err := f.svc.CheckIn(ctx, first.ID, en.ID); err != nil {
		t.Fatalf("check in: %v", err)
	}

	got, err := f.svc.FindAcceptedUpcomingEnrollments(ctx, "A")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].Event.ID != third.ID {
		t.Fatalf("expected only the third event, got %+v", got)
	}
}

func TestFindWithEnrollmentsByStudy(t *testing.T) {
	f := newFixture(t)
	late := form(model.EventTypeFCFS, nil)
	late.StartAt = base.Add(72 * time.Hour)
	late.EndAt = base.Add(73 * time.Hour)
	ctx := context.Background()

	second, err := f.svc.CreateEvent(ctx, "study-1", "manager", late)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	first := f.create(t, model.EventTypeFCFS, nil)
	f.enroll(t, first.ID, "A")

	events, err := f.svc.FindWithEnrollmentsByStudy(ctx, "study-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 || events[0].ID != first.ID || events[1].ID != second.ID {
		t.Fatalf("expected events ordered by start time, got %+v", events)
	}
	if len(events[0].Enrollments) != 1 {
		t.Fatalf("expected enrollments attached")
	}
}

func TestConcurrentEnrollAtLastSpot(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, model.EventTypeFCFS, limit(10))

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Enroll(context.Background(), fmt.Sprintf("acct-%02d", i), e.ID); err != nil {
				t.Errorf("enroll: %v", err)
			}
		}()
	}
	wg.Wait()

	got := f.state(t, e.ID)
	if len(got.Enrollments) != 50 || got.AcceptedCount() != 10 {
		t.Fatalf("expected 50 enrollments with 10 accepted, got %d/%d", len(got.Enrollments), got.AcceptedCount())
	}
}

func TestConcurrentDuplicateEnroll(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, model.EventTypeFCFS, limit(10))

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		dupes     atomic.Int32
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Enroll(context.Background(), "same", e.ID)
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, model.ErrDuplicateEnrollment):
				dupes.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded.Load() != 1 || dupes.Load() != 19 {
		t.Fatalf("expected 1 success and 19 duplicates, got %d/%d", succeeded.Load(), dupes.Load())
	}
}

func TestCapacityInvariantUnderRandomOperations(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	accounts := []string{"A", "B", "C", "D", "E", "F"}

	for _, typ := range []model.EventType{model.EventTypeFCFS, model.EventTypeConfirmative} {
		f := newFixture(t)
		e := f.create(t, typ, limit(3))
		ctx := context.Background()

		for step := 0; step < 300; step++ {
			account := accounts[rng.Intn(len(accounts))]
			current := f.state(t, e.ID)
			switch rng.Intn(4) {
			case 0:
				_, _ = f.svc.Enroll(ctx, account, e.ID)
			case 1:
				_ = f.svc.CancelEnrollment(ctx, account, e.ID)
			case 2:
				if en := current.EnrollmentOf(account); en != nil {
					_ = f.svc.AcceptEnrollment(ctx, e.ID, en.ID)
				}
			case 3:
				if en := current.EnrollmentOf(account); en != nil {
					_ = f.svc.RejectEnrollment(ctx, e.ID, en.ID)
				}
			}

			after := f.state(t, e.ID)
			if after.AcceptedCount() > *after.LimitOfEnrollments {
				t.Fatalf("%s step %d: %d accepted over capacity %d", typ, step, after.AcceptedCount(), *after.LimitOfEnrollments)
			}
		}
	}
}
