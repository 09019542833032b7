package app

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"threadline/api/internal/store"
)

const notificationPageSize = 50

// NotificationView is the response shape for an inbox entry.
type NotificationView struct {
	ID             string    `json:"id"`
	Message        string    `json:"message"`
	Type           string    `json:"type"`
	CommentID      *string   `json:"commentId,omitempty"`
	CommentContent *string   `json:"commentContent,omitempty"`
	ParentContent  *string   `json:"parentContent,omitempty"`
	Read           bool      `json:"read"`
	CreatedAt      time.Time `json:"createdAt"`
}

func notificationView(n store.Notification) NotificationView {
	return NotificationView{
		ID:             n.ID,
		Message:        n.Message,
		Type:           n.Type,
		CommentID:      n.CommentID,
		CommentContent: n.CommentContent,
		ParentContent:  n.ParentContent,
		Read:           n.Read,
		CreatedAt:      n.CreatedAt,
	}
}

// GetNotifications returns the recipient's most recent notifications,
// newest first.
func (s *Service) GetNotifications(ctx context.Context, userID string) ([]NotificationView, error) {
	rows, err := s.store.ListNotifications(ctx, userID, notificationPageSize)
	if err != nil {
		return nil, err
	}
	views := make([]NotificationView, 0, len(rows))
	for _, row := range rows {
		views = append(views, notificationView(row))
	}
	return views, nil
}

// MarkAsRead marks one notification read. Only the recipient may do so.
func (s *Service) MarkAsRead(ctx context.Context, id, userID string) error {
	row, err := s.store.GetNotification(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("NOTIFICATION_NOT_FOUND", "notification not found")
		}
		return err
	}
	if row.RecipientID != userID {
		return unauthorized("NOT_RECIPIENT", "notification belongs to another user")
	}
	return s.store.MarkNotificationRead(ctx, id)
}

// MarkAllAsRead marks every unread notification for the user.
func (s *Service) MarkAllAsRead(ctx context.Context, userID string) error {
	return s.store.MarkAllNotificationsRead(ctx, userID)
}
