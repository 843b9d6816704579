// Package repository implements persistence for events, enrollments, study
// membership and the notification feed.
// The Postgres implementation uses pgx directly (no ORM); the in-memory
// implementation backs tests and single-process development runs.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/Shivanand-hulikatti/study-meetups/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// uniqueViolation is the Postgres SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// EventTx is the unit of work over one event aggregate. The aggregate stays
// locked until the enclosing WithEventLock call returns.
type EventTx interface {
	// Event returns the locked aggregate with its enrollments attached.
	Event() *model.Event
	ExistsByEventAndAccount(ctx context.Context, accountID string) (bool, error)
	// FindByEventAndAccount returns the aggregate's enrollment for accountID or model.ErrNotFound.
	FindByEventAndAccount(ctx context.Context, accountID string) (*model.Enrollment, error)
	// SaveEvent writes the editable event fields.
	SaveEvent(ctx context.Context) error
	// SaveEnrollment inserts or updates an enrollment of the aggregate.
	SaveEnrollment(ctx context.Context, en *model.Enrollment) error
	DeleteEnrollment(ctx context.Context, en *model.Enrollment) error
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const eventColumns = `id, study_id, created_by, title, description, created_at,
	end_enrollment_at, start_at, end_at, limit_of_enrollments, event_type`

const enrollmentColumns = `id, event_id, account_id, enrolled_at, accepted, attended`

// EventRepository handles persistence for event aggregates.
type EventRepository struct {
	db *pgxpool.Pool
}

// NewEventRepository constructs an EventRepository.
func NewEventRepository(db *pgxpool.Pool) *EventRepository {
	return &EventRepository{db: db}
}

// CreateEvent inserts a new event. Its enrollments, if any, are ignored.
func (r *EventRepository) CreateEvent(ctx context.Context, e *model.Event) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO events (`+eventColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.StudyID, e.CreatedBy, e.Title, e.Description, e.CreatedAt,
		e.EndEnrollmentAt, e.StartAt, e.EndAt, e.LimitOfEnrollments, string(e.Type),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// FindByID returns an event without its enrollments, or model.ErrNotFound.
func (r *EventRepository) FindByID(ctx context.Context, id string) (*model.Event, error) {
	e, err := scanEvent(r.db.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("get event: %w", err)
	}
	return e, nil
}

// FindWithEnrollmentsByID returns an event with its enrollments eagerly attached.
func (r *EventRepository) FindWithEnrollmentsByID(ctx context.Context, id string) (*model.Event, error) {
	e, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Enrollments, err = loadEnrollments(ctx, r.db, id); err != nil {
		return nil, err
	}
	e.Link()
	return e, nil
}

// FindWithEnrollmentsByStudy returns the events of a study ordered by start
// time, each with its enrollments attached.
func (r *EventRepository) FindWithEnrollmentsByStudy(ctx context.Context, studyID string) ([]*model.Event, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+eventColumns+` FROM events WHERE study_id = $1 ORDER BY start_at ASC, id ASC`,
		studyID,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*model.Event, error) {
		return scanEvent(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	if len(events) == 0 {
		return events, nil
	}

	ids := make([]string, len(events))
	byID := make(map[string]*model.Event, len(events))
	for i, e := range events {
		ids[i] = e.ID
		byID[e.ID] = e
	}

	rows, err = r.db.Query(ctx,
		`SELECT `+enrollmentColumns+` FROM enrollments
		 WHERE event_id = ANY($1)
		 ORDER BY enrolled_at ASC, id ASC`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("list enrollments: %w", err)
	}
	enrollments, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*model.Enrollment, error) {
		return scanEnrollment(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan enrollment: %w", err)
	}
	for _, en := range enrollments {
		if e, ok := byID[en.EventID]; ok {
			e.Enrollments = append(e.Enrollments, en)
		}
	}
	for _, e := range events {
		e.Link()
	}
	return events, nil
}

// DeleteEvent removes an event and, by cascade, its enrollments. It returns the
// deleted event so callers can describe it.
func (r *EventRepository) DeleteEvent(ctx context.Context, id string) (*model.Event, error) {
	e, err := scanEvent(r.db.QueryRow(ctx,
		`DELETE FROM events WHERE id = $1 RETURNING `+eventColumns, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("delete event: %w", err)
	}
	return e, nil
}

// FindAcceptedUpcomingEnrollments returns the accepted, not yet attended
// enrollments of an account with their events, soonest first.
func (r *EventRepository) FindAcceptedUpcomingEnrollments(ctx context.Context, accountID string) ([]model.UpcomingEnrollment, error) {
	rows, err := r.db.Query(ctx,
		`SELECT en.id, en.event_id, en.account_id, en.enrolled_at, en.accepted, en.attended,
		        ev.id, ev.study_id, ev.created_by, ev.title, ev.description, ev.created_at,
		        ev.end_enrollment_at, ev.start_at, ev.end_at, ev.limit_of_enrollments, ev.event_type
		 FROM enrollments en
		 JOIN events ev ON ev.id = en.event_id
		 WHERE en.account_id = $1 AND en.accepted AND NOT en.attended
		 ORDER BY ev.start_at ASC, en.id ASC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("list upcoming enrollments: %w", err)
	}
	defer rows.Close()

	var out []model.UpcomingEnrollment
	for rows.Next() {
		var (
			u   model.UpcomingEnrollment
			typ string
		)
		en, ev := &u.Enrollment, &u.Event
		if err := rows.Scan(
			&en.ID, &en.EventID, &en.AccountID, &en.EnrolledAt, &en.Accepted, &en.Attended,
			&ev.ID, &ev.StudyID, &ev.CreatedBy, &ev.Title, &ev.Description, &ev.CreatedAt,
			&ev.EndEnrollmentAt, &ev.StartAt, &ev.EndAt, &ev.LimitOfEnrollments, &typ,
		); err != nil {
			return nil, fmt.Errorf("scan upcoming enrollment: %w", err)
		}
		ev.Type = model.EventType(typ)
		out = append(out, u)
	}
	return out, rows.Err()
}

// WithEventLock runs fn inside a transaction holding an exclusive row lock on
// the event.
//
// SELECT … FOR UPDATE serialises every writer of the same event: a concurrent
// enroll, cancel or accept blocks on the lock until this transaction commits
// or rolls back, so capacity is always read and written by one caller at a
// time. The transaction commits only when fn returns nil.
func (r *EventRepository) WithEventLock(ctx context.Context, eventID string, fn func(tx EventTx) error) (err error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	event, err := scanEvent(tx.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = $1 FOR UPDATE`, eventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ErrNotFound
		}
		return fmt.Errorf("lock event row: %w", err)
	}
	if event.Enrollments, err = loadEnrollments(ctx, tx, eventID); err != nil {
		return err
	}
	event.Link()

	if err = fn(&pgEventTx{tx: tx, event: event}); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type pgEventTx struct {
	tx    pgx.Tx
	event *model.Event
}

func (t *pgEventTx) Event() *model.Event { return t.event }

func (t *pgEventTx) ExistsByEventAndAccount(ctx context.Context, accountID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM enrollments WHERE event_id = $1 AND account_id = $2)`,
		t.event.ID, accountID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check duplicate: %w", err)
	}
	return exists, nil
}

func (t *pgEventTx) FindByEventAndAccount(ctx context.Context, accountID string) (*model.Enrollment, error) {
	var id string
	err := t.tx.QueryRow(ctx,
		`SELECT id FROM enrollments WHERE event_id = $1 AND account_id = $2`,
		t.event.ID, accountID,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("find enrollment: %w", err)
	}
	en := t.event.FindEnrollment(id)
	if en == nil {
		return nil, model.ErrNotFound
	}
	return en, nil
}

func (t *pgEventTx) SaveEvent(ctx context.Context) error {
	e := t.event
	_, err := t.tx.Exec(ctx,
		`UPDATE events
		 SET title = $2, description = $3, end_enrollment_at = $4,
		     start_at = $5, end_at = $6, limit_of_enrollments = $7
		 WHERE id = $1`,
		e.ID, e.Title, e.Description, e.EndEnrollmentAt, e.StartAt, e.EndAt, e.LimitOfEnrollments,
	)
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	return nil
}

func (t *pgEventTx) SaveEnrollment(ctx context.Context, en *model.Enrollment) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO enrollments (`+enrollmentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE
		 SET accepted = EXCLUDED.accepted, attended = EXCLUDED.attended`,
		en.ID, t.event.ID, en.AccountID, en.EnrolledAt, en.Accepted, en.Attended,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return model.ErrDuplicateEnrollment
		}
		return fmt.Errorf("save enrollment: %w", err)
	}
	return nil
}

func (t *pgEventTx) DeleteEnrollment(ctx context.Context, en *model.Enrollment) error {
	tag, err := t.tx.Exec(ctx,
		`DELETE FROM enrollments WHERE id = $1 AND event_id = $2`,
		en.ID, t.event.ID,
	)
	if err != nil {
		return fmt.Errorf("delete enrollment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

func scanEvent(row pgx.Row) (*model.Event, error) {
	var (
		e   model.Event
		typ string
	)
	if err := row.Scan(
		&e.ID, &e.StudyID, &e.CreatedBy, &e.Title, &e.Description, &e.CreatedAt,
		&e.EndEnrollmentAt, &e.StartAt, &e.EndAt, &e.LimitOfEnrollments, &typ,
	); err != nil {
		return nil, err
	}
	e.Type = model.EventType(typ)
	return &e, nil
}

func scanEnrollment(row pgx.Row) (*model.Enrollment, error) {
	var en model.Enrollment
	if err := row.Scan(&en.ID, &en.EventID, &en.AccountID, &en.EnrolledAt, &en.Accepted, &en.Attended); err != nil {
		return nil, err
	}
	return &en, nil
}

// loadEnrollments returns the enrollments of an event in arrival order.
func loadEnrollments(ctx context.Context, q querier, eventID string) ([]*model.Enrollment, error) {
	rows, err := q.Query(ctx,
		`SELECT `+enrollmentColumns+` FROM enrollments
		 WHERE event_id = $1
		 ORDER BY enrolled_at ASC, id ASC`,
		eventID,
	)
	if err != nil {
		return nil, fmt.Errorf("list enrollments: %w", err)
	}
	enrollments, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*model.Enrollment, error) {
		return scanEnrollment(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan enrollment: %w", err)
	}
	return enrollments, nil
}
