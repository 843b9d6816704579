package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/Shivanand-hulikatti/study-meetups/internal/model"
)

// MemoryEventRepository keeps event aggregates in process memory.
//
// Each event has its own mutex playing the role of the row lock: WithEventLock
// works on a private copy of the aggregate and publishes it only when fn
// succeeds, so a failed unit of work leaves no trace.
type MemoryEventRepository struct {
	mu     sync.RWMutex
	events map[string]*memEvent
}

type memEvent struct {
	lock    sync.Mutex
	event   *model.Event
	deleted bool
}

// NewMemoryEventRepository constructs an empty MemoryEventRepository.
func NewMemoryEventRepository() *MemoryEventRepository {
	return &MemoryEventRepository{events: make(map[string]*memEvent)}
}

func (r *MemoryEventRepository) CreateEvent(_ context.Context, e *model.Event) error {
	c := e.Clone()
	c.Enrollments = nil

	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[e.ID] = &memEvent{event: c}
	return nil
}

func (r *MemoryEventRepository) FindByID(ctx context.Context, id string) (*model.Event, error) {
	e, err := r.FindWithEnrollmentsByID(ctx, id)
	if err != nil {
		return nil, err
	}
	e.Enrollments = nil
	return e, nil
}

func (r *MemoryEventRepository) FindWithEnrollmentsByID(_ context.Context, id string) (*model.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.events[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return rec.event.Clone(), nil
}

func (r *MemoryEventRepository) FindWithEnrollmentsByStudy(_ context.Context, studyID string) ([]*model.Event, error) {
	r.mu.RLock()
	var out []*model.Event
	for _, rec := range r.events {
		if rec.event.StudyID == studyID {
			out = append(out, rec.event.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartAt.Equal(out[j].StartAt) {
			return out[i].StartAt.Before(out[j].StartAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *MemoryEventRepository) DeleteEvent(_ context.Context, id string) (*model.Event, error) {
	r.mu.RLock()
	rec, ok := r.events[id]
	r.mu.RUnlock()
	if !ok {
		return nil, model.ErrNotFound
	}

	rec.lock.Lock()
	defer rec.lock.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if rec.deleted {
		return nil, model.ErrNotFound
	}
	rec.deleted = true
	delete(r.events, id)
	return rec.event.Clone(), nil
}

func (r *MemoryEventRepository) FindAcceptedUpcomingEnrollments(_ context.Context, accountID string) ([]model.UpcomingEnrollment, error) {
	r.mu.RLock()
	var out []model.UpcomingEnrollment
	for _, rec := range r.events {
		en := rec.event.EnrollmentOf(accountID)
		if en == nil || !en.Accepted || en.Attended {
			continue
		}
		ev := rec.event.Clone()
		en = ev.EnrollmentOf(accountID)
		ev.Enrollments = nil
		out = append(out, model.UpcomingEnrollment{Enrollment: *en, Event: *ev})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Event.StartAt, out[j].Event.StartAt
		if !a.Equal(b) {
			return a.Before(b)
		}
		return out[i].Enrollment.ID < out[j].Enrollment.ID
	})
	return out, nil
}

func (r *MemoryEventRepository) WithEventLock(_ context.Context, eventID string, fn func(tx EventTx) error) error {
	r.mu.RLock()
	rec, ok := r.events[eventID]
	r.mu.RUnlock()
	if !ok {
		return model.ErrNotFound
	}

	rec.lock.Lock()
	defer rec.lock.Unlock()

	r.mu.RLock()
	if rec.deleted {
		r.mu.RUnlock()
		return model.ErrNotFound
	}
	working := rec.event.Clone()
	r.mu.RUnlock()

	if err := fn(&memEventTx{event: working}); err != nil {
		return err
	}

	r.mu.Lock()
	rec.event = working
	r.mu.Unlock()
	return nil
}

type memEventTx struct {
	event *model.Event
}

func (t *memEventTx) Event() *model.Event { return t.event }

func (t *memEventTx) ExistsByEventAndAccount(_ context.Context, accountID string) (bool, error) {
	return t.event.IsEnrolled(accountID), nil
}

func (t *memEventTx) FindByEventAndAccount(_ context.Context, accountID string) (*model.Enrollment, error) {
	en := t.event.EnrollmentOf(accountID)
	if en == nil {
		return nil, model.ErrNotFound
	}
	return en, nil
}

func (t *memEventTx) SaveEvent(context.Context) error { return nil }

func (t *memEventTx) SaveEnrollment(_ context.Context, en *model.Enrollment) error {
	for _, other := range t.event.Enrollments {
		if other.ID != en.ID && other.AccountID == en.AccountID {
			return model.ErrDuplicateEnrollment
		}
	}
	if t.event.FindEnrollment(en.ID) == nil {
		t.event.AddEnrollment(en)
	}
	return nil
}

func (t *memEventTx) DeleteEnrollment(_ context.Context, en *model.Enrollment) error {
	if t.event.FindEnrollment(en.ID) != nil {
		t.event.RemoveEnrollment(en)
	}
	return nil
}

// MemoryNotificationRepository keeps notification feeds in process memory.
type MemoryNotificationRepository struct {
	mu    sync.Mutex
	feeds map[string][]model.Notification
}

// NewMemoryNotificationRepository constructs an empty MemoryNotificationRepository.
func NewMemoryNotificationRepository() *MemoryNotificationRepository {
	return &MemoryNotificationRepository{feeds: make(map[string][]model.Notification)}
}

func (r *MemoryNotificationRepository) Create(_ context.Context, n model.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feeds[n.AccountID] = append(r.feeds[n.AccountID], n)
	return nil
}

func (r *MemoryNotificationRepository) ListByAccount(_ context.Context, accountID string) ([]model.Notification, error) {
	r.mu.Lock()
	feed := append([]model.Notification(nil), r.feeds[accountID]...)
	r.mu.Unlock()

	sort.SliceStable(feed, func(i, j int) bool {
		if !feed[i].CreatedAt.Equal(feed[j].CreatedAt) {
			return feed[i].CreatedAt.After(feed[j].CreatedAt)
		}
		return feed[i].ID > feed[j].ID
	})
	return feed, nil
}

func (r *MemoryNotificationRepository) MarkChecked(_ context.Context, accountID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	feed := r.feeds[accountID]
	for i := range feed {
		if feed[i].ID == id {
			feed[i].Checked = true
			return nil
		}
	}
	return model.ErrNotFound
}

// MemoryMemberRepository keeps study membership in process memory.
type MemoryMemberRepository struct {
	mu      sync.RWMutex
	studies map[string]map[string]bool
}

// NewMemoryMemberRepository constructs an empty MemoryMemberRepository.
func NewMemoryMemberRepository() *MemoryMemberRepository {
	return &MemoryMemberRepository{studies: make(map[string]map[string]bool)}
}

func (r *MemoryMemberRepository) AddMember(_ context.Context, studyID, accountID string, manager bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.studies[studyID]
	if !ok {
		members = make(map[string]bool)
		r.studies[studyID] = members
	}
	members[accountID] = manager
	return nil
}

func (r *MemoryMemberRepository) IsManager(_ context.Context, studyID, accountID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.studies[studyID][accountID], nil
}

func (r *MemoryMemberRepository) IsMember(_ context.Context, studyID, accountID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.studies[studyID][accountID]
	return ok, nil
}

func (r *MemoryMemberRepository) MemberIDs(_ context.Context, studyID string) ([]string, error) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.studies[studyID]))
	for id := range r.studies[studyID] {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids, nil
}
