package store

import "time"

// User is an account row. PasswordHash and RefreshTokenHash never leave the
// service layer.
type User struct {
	ID               string
	Email            string
	PasswordHash     string
	RefreshTokenHash *string
	LastLogin        *time.Time
	IsEmailVerified  bool
	CreatedAt        time.Time
}

// Comment is a node in the self-referencing comment tree. ParentID nil means
// the comment is a thread root. DeletedAt non-nil marks a soft delete; the
// row survives until the permanent-deletion sweep picks it up.
type Comment struct {
	ID        string
	Content   string
	UserID    string
	UserEmail string // joined from users for responses
	ParentID  *string
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Notification is a per-user inbox entry created when someone replies to a
// comment the recipient authored.
type Notification struct {
	ID             string
	RecipientID    string
	RecipientEmail string // joined
	Message        string
	Type           string // "reply" or "mention"
	CommentID      *string
	CommentContent *string // joined, nil once the comment is swept
	ParentContent  *string
	Read           bool
	CreatedAt      time.Time
}
