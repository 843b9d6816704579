package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Shivanand-hulikatti/study-meetups/internal/model"
)

var testTime = time.Date(2026, 6, 1, 18, 0, 0, 0, time.UTC)

func newTestEvent(id, studyID string, start time.Time) *model.Event {
	limit := 2
	return &model.Event{
		ID:                 id,
		StudyID:            studyID,
		CreatedBy:          "manager",
		Title:              "Event " + id,
		CreatedAt:          testTime,
		EndEnrollmentAt:    start.Add(-time.Hour),
		StartAt:            start,
		EndAt:              start.Add(2 * time.Hour),
		LimitOfEnrollments: &limit,
		Type:               model.EventTypeFCFS,
	}
}

func enroll(t *testing.T, r *MemoryEventRepository, eventID, enrollmentID, account string, accepted bool) {
	t.Helper()
	err := r.WithEventLock(context.Background(), eventID, func(tx EventTx) error {
		en := &model.Enrollment{ID: enrollmentID, AccountID: account, EnrolledAt: testTime, Accepted: accepted}
		tx.Event().AddEnrollment(en)
		return tx.SaveEnrollment(context.Background(), en)
	})
	if err != nil {
		t.Fatalf("enroll %s: %v", account, err)
	}
}

func TestMemoryCreateAndFind(t *testing.T) {
	r := NewMemoryEventRepository()
	ctx := context.Background()
	if err := r.CreateEvent(ctx, newTestEvent("e1", "s1", testTime)); err != nil {
		t.Fatalf("create: %v", err)
	}
	enroll(t, r, "e1", "en1", "alice", true)

	plain, err := r.FindByID(ctx, "e1")
	if err != nil || len(plain.Enrollments) != 0 {
		t.Fatalf("expected event without enrollments, got %+v, %v", plain, err)
	}
	full, err := r.FindWithEnrollmentsByID(ctx, "e1")
	if err != nil || len(full.Enrollments) != 1 {
		t.Fatalf("expected one enrollment, got %+v, %v", full, err)
	}
	if full.Enrollments[0].Event() != full {
		t.Fatal("enrollment not linked to its event")
	}
	if _, err := r.FindByID(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryReturnsCopies(t *testing.T) {
	r := NewMemoryEventRepository()
	ctx := context.Background()
	_ = r.CreateEvent(ctx, newTestEvent("e1", "s1", testTime))
	enroll(t, r, "e1", "en1", "alice", false)

	got, _ := r.FindWithEnrollmentsByID(ctx, "e1")
	got.Title = "changed"
	got.Enrollments[0].Accepted = true

	again, _ := r.FindWithEnrollmentsByID(ctx, "e1")
	if again.Title == "changed" || again.Enrollments[0].Accepted {
		t.Fatal("caller mutation leaked into the store")
	}
}

func TestMemoryWithEventLockDiscardsOnError(t *testing.T) {
	r := NewMemoryEventRepository()
	ctx := context.Background()
	_ = r.CreateEvent(ctx, newTestEvent("e1", "s1", testTime))
	boom := errors.New("boom")

	err := r.WithEventLock(ctx, "e1", func(tx EventTx) error {
		en := &model.Enrollment{ID: "en1", AccountID: "alice", EnrolledAt: testTime, Accepted: true}
		tx.Event().AddEnrollment(en)
		tx.Event().Title = "changed"
		if err := tx.SaveEnrollment(ctx, en); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}

	got, _ := r.FindWithEnrollmentsByID(ctx, "e1")
	if len(got.Enrollments) != 0 || got.Title == "changed" {
		t.Fatalf("failed unit of work left changes behind: %+v", got)
	}
}

func TestMemoryDuplicateEnrollment(t *testing.T) {
	r := NewMemoryEventRepository()
	ctx := context.Background()
	_ = r.CreateEvent(ctx, newTestEvent("e1", "s1", testTime))
	enroll(t, r, "e1", "en1", "alice", true)

	err := r.WithEventLock(ctx, "e1", func(tx EventTx) error {
		exists, err := tx.ExistsByEventAndAccount(ctx, "alice")
		if err != nil || !exists {
			t.Fatalf("expected alice enrolled, got %v, %v", exists, err)
		}
		return tx.SaveEnrollment(ctx, &model.Enrollment{ID: "en2", AccountID: "alice", EnrolledAt: testTime})
	})
	if !errors.Is(err, model.ErrDuplicateEnrollment) {
		t.Fatalf("expected duplicate enrollment, got %v", err)
	}
}

func TestMemoryDeleteEvent(t *testing.T) {
	r := NewMemoryEventRepository()
	ctx := context.Background()
	_ = r.CreateEvent(ctx, newTestEvent("e1", "s1", testTime))

	deleted, err := r.DeleteEvent(ctx, "e1")
	if err != nil || deleted.ID != "e1" {
		t.Fatalf("delete: %+v, %v", deleted, err)
	}
	if _, err := r.DeleteEvent(ctx, "e1"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
	err = r.WithEventLock(ctx, "e1", func(EventTx) error { return nil })
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found locking a deleted event, got %v", err)
	}
}

func TestMemoryStudyListingAndUpcoming(t *testing.T) {
	r := NewMemoryEventRepository()
	ctx := context.Background()
	_ = r.CreateEvent(ctx, newTestEvent("late", "s1", testTime.Add(48*time.Hour)))
	_ = r.CreateEvent(ctx, newTestEvent("early", "s1", testTime))
	_ = r.CreateEvent(ctx, newTestEvent("other", "s2", testTime))

	enroll(t, r, "late", "en1", "alice", true)
	enroll(t, r, "early", "en2", "alice", true)
	enroll(t, r, "other", "en3", "alice", false)

	events, err := r.FindWithEnrollmentsByStudy(ctx, "s1")
	if err != nil || len(events) != 2 || events[0].ID != "early" {
		t.Fatalf("unexpected study listing %+v, %v", events, err)
	}

	upcoming, err := r.FindAcceptedUpcomingEnrollments(ctx, "alice")
	if err != nil {
		t.Fatalf("upcoming: %v", err)
	}
	if len(upcoming) != 2 || upcoming[0].Event.ID != "early" || upcoming[1].Enrollment.ID != "en1" {
		t.Fatalf("unexpected upcoming enrollments %+v", upcoming)
	}
}

func TestMemoryNotificationFeed(t *testing.T) {
	r := NewMemoryNotificationRepository()
	ctx := context.Background()
	_ = r.Create(ctx, model.Notification{ID: "n1", AccountID: "alice", CreatedAt: testTime})
	_ = r.Create(ctx, model.Notification{ID: "n2", AccountID: "alice", CreatedAt: testTime.Add(time.Minute)})

	feed, _ := r.ListByAccount(ctx, "alice")
	if len(feed) != 2 || feed[0].ID != "n2" {
		t.Fatalf("expected newest first, got %+v", feed)
	}
	if err := r.MarkChecked(ctx, "bob", "n1"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found for foreign notification, got %v", err)
	}
	if err := r.MarkChecked(ctx, "alice", "n1"); err != nil {
		t.Fatalf("mark checked: %v", err)
	}
	feed, _ = r.ListByAccount(ctx, "alice")
	if !feed[1].Checked {
		t.Fatal("expected n1 checked")
	}
}

func TestMemoryMembers(t *testing.T) {
	r := NewMemoryMemberRepository()
	ctx := context.Background()
	_ = r.AddMember(ctx, "s1", "manager", true)
	_ = r.AddMember(ctx, "s1", "alice", false)

	if ok, _ := r.IsManager(ctx, "s1", "alice"); ok {
		t.Fatal("alice is not a manager")
	}
	if ok, _ := r.IsMember(ctx, "s1", "alice"); !ok {
		t.Fatal("alice is a member")
	}
	if ok, _ := r.IsMember(ctx, "s2", "alice"); ok {
		t.Fatal("alice is not a member of s2")
	}
	ids, _ := r.MemberIDs(ctx, "s1")
	if len(ids) != 2 || ids[0] != "alice" || ids[1] != "manager" {
		t.Fatalf("unexpected members %v", ids)
	}
}
