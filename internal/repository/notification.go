package repository

import (
	"context"
	"fmt"

	"github.com/Shivanand-hulikatti/study-meetups/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NotificationRepository stores the notification feed.
type NotificationRepository struct {
	db *pgxpool.Pool
}

// NewNotificationRepository constructs a NotificationRepository.
func NewNotificationRepository(db *pgxpool.Pool) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create inserts a feed entry.
func (r *NotificationRepository) Create(ctx context.Context, n model.Notification) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO notifications (id, account_id, title, link, message, checked, notification_type, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		n.ID, n.AccountID, n.Title, n.Link, n.Message, n.Checked, string(n.Type), n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// ListByAccount returns the feed of an account, newest first.
func (r *NotificationRepository) ListByAccount(ctx context.Context, accountID string) ([]model.Notification, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, account_id, title, link, message, checked, notification_type, created_at
		 FROM notifications
		 WHERE account_id = $1
		 ORDER BY created_at DESC, id DESC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Notification, error) {
		var (
			n   model.Notification
			typ string
		)
		err := row.Scan(&n.ID, &n.AccountID, &n.Title, &n.Link, &n.Message, &n.Checked, &typ, &n.CreatedAt)
		n.Type = model.NotificationType(typ)
		return n, err
	})
}

// MarkChecked flags one feed entry of an account as read.
func (r *NotificationRepository) MarkChecked(ctx context.Context, accountID, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE notifications SET checked = TRUE WHERE id = $1 AND account_id = $2`,
		id, accountID,
	)
	if err != nil {
		return fmt.Errorf("check notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

// MemberRepository answers study membership questions.
type MemberRepository struct {
	db *pgxpool.Pool
}

// NewMemberRepository constructs a MemberRepository.
func NewMemberRepository(db *pgxpool.Pool) *MemberRepository {
	return &MemberRepository{db: db}
}

// AddMember records accountID as a member, or manager, of studyID.
func (r *MemberRepository) AddMember(ctx context.Context, studyID, accountID string, manager bool) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO study_members (study_id, account_id, manager)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (study_id, account_id) DO UPDATE SET manager = EXCLUDED.manager`,
		studyID, accountID, manager,
	)
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

// IsManager reports whether accountID manages studyID.
func (r *MemberRepository) IsManager(ctx context.Context, studyID, accountID string) (bool, error) {
	var ok bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM study_members WHERE study_id = $1 AND account_id = $2 AND manager)`,
		studyID, accountID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check manager: %w", err)
	}
	return ok, nil
}

// IsMember reports whether accountID belongs to studyID. Managers are members.
func (r *MemberRepository) IsMember(ctx context.Context, studyID, accountID string) (bool, error) {
	var ok bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM study_members WHERE study_id = $1 AND account_id = $2)`,
		studyID, accountID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check member: %w", err)
	}
	return ok, nil
}

// MemberIDs returns every account belonging to studyID.
func (r *MemberRepository) MemberIDs(ctx context.Context, studyID string) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT account_id FROM study_members WHERE study_id = $1 ORDER BY account_id`,
		studyID,
	)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
