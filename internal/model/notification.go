package model

import "time"

// NotificationType classifies a feed entry.
type NotificationType string

const (
	NotificationEventEnrollment NotificationType = "EVENT_ENROLLMENT"
	NotificationStudyUpdated    NotificationType = "STUDY_UPDATED"
)

// Notification is one entry of an account's notification feed.
type Notification struct {
	ID        string           `json:"id"`
	AccountID string           `json:"account_id"`
	Title     string           `json:"title"`
	Link      string           `json:"link"`
	Message   string           `json:"message"`
	Checked   bool             `json:"checked"`
	Type      NotificationType `json:"type"`
	CreatedAt time.Time        `json:"created_at"`
}
