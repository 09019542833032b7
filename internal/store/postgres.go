package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDuplicateEmail is returned by CreateUser when the email is taken.
var ErrDuplicateEmail = errors.New("email already registered")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Users

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, is_email_verified)
		VALUES ($1, $2, $3, $4)
	`, user.ID, user.Email, user.PasswordHash, user.IsEmailVerified)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, refresh_token_hash, last_login, is_email_verified, created_at
		FROM users
		WHERE email = $1
	`, email))
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, refresh_token_hash, last_login, is_email_verified, created_at
		FROM users
		WHERE id = $1
	`, userID))
}

func (s *PostgresStore) scanUser(row *sql.Row) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Email, &user.PasswordHash, &user.RefreshTokenHash,
		&user.LastLogin, &user.IsEmailVerified, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// SaveRefreshTokenHash stores the hash of a freshly issued refresh token and
// stamps the login time.
func (s *PostgresStore) SaveRefreshTokenHash(ctx context.Context, userID, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET refresh_token_hash = $2, last_login = NOW() WHERE id = $1
	`, userID, tokenHash)
	if err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClearRefreshToken(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET refresh_token_hash = NULL WHERE id = $1
	`, userID)
	if err != nil {
		return fmt.Errorf("clear refresh token: %w", err)
	}
	return nil
}

// Comments

const commentColumns = `
	c.id, c.content, c.user_id, u.email, c.parent_id, c.created_at, c.updated_at, c.deleted_at
`

func (s *PostgresStore) InsertComment(ctx context.Context, c Comment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (id, content, user_id, parent_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, c.ID, c.Content, c.UserID, c.ParentID, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetComment(ctx context.Context, id string) (Comment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+commentColumns+`
		FROM comments c
		JOIN users u ON u.id = c.user_id
		WHERE c.id = $1
	`, id)
	return scanComment(row)
}

// ListRootComments returns non-deleted roots, newest first.
func (s *PostgresStore) ListRootComments(ctx context.Context, skip, take int) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commentColumns+`
		FROM comments c
		JOIN users u ON u.id = c.user_id
		WHERE c.parent_id IS NULL AND c.deleted_at IS NULL
		ORDER BY c.created_at DESC
		LIMIT $1 OFFSET $2
	`, take, skip)
	if err != nil {
		return nil, fmt.Errorf("list root comments: %w", err)
	}
	return collectComments(rows)
}

// ListReplies returns a page of direct non-deleted children ordered oldest
// first, plus the total child count for the hasMore computation.
func (s *PostgresStore) ListReplies(ctx context.Context, parentID string, skip, take int) ([]Comment, int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commentColumns+`
		FROM comments c
		JOIN users u ON u.id = c.user_id
		WHERE c.parent_id = $1 AND c.deleted_at IS NULL
		ORDER BY c.created_at ASC
		LIMIT $2 OFFSET $3
	`, parentID, take, skip)
	if err != nil {
		return nil, 0, fmt.Errorf("list replies: %w", err)
	}
	items, err := collectComments(rows)
	if err != nil {
		return nil, 0, err
	}

	total, err := s.CountReplies(ctx, parentID)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (s *PostgresStore) CountReplies(ctx context.Context, parentID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM comments WHERE parent_id = $1 AND deleted_at IS NULL
	`, parentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count replies: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) UpdateCommentContent(ctx context.Context, id, content string, updatedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE comments SET content = $2, updated_at = $3 WHERE id = $1
	`, id, content, updatedAt)
	if err != nil {
		return fmt.Errorf("update comment: %w", err)
	}
	return nil
}

// SetCommentDeleted stamps or clears the soft-delete marker.
func (s *PostgresStore) SetCommentDeleted(ctx context.Context, id string, deletedAt *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE comments SET deleted_at = $2 WHERE id = $1
	`, id, deletedAt)
	if err != nil {
		return fmt.Errorf("set comment deleted: %w", err)
	}
	return nil
}

// ListExpiredDeleted returns ids of comments soft-deleted before the cutoff,
// i.e. past their restore grace period and due for permanent removal.
func (s *PostgresStore) ListExpiredDeleted(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM comments WHERE deleted_at IS NOT NULL AND deleted_at < $1
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list expired deleted: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan comment id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired deleted: %w", err)
	}
	return ids, nil
}

// ListReplyIDs returns ids of ALL direct children, deleted or not, so the
// permanent-deletion walk never strands orphans.
func (s *PostgresStore) ListReplyIDs(ctx context.Context, parentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM comments WHERE parent_id = $1
	`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list reply ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan reply id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reply ids: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) DeleteComment(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM comments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	return nil
}

func scanComment(row *sql.Row) (Comment, error) {
	var c Comment
	err := row.Scan(&c.ID, &c.Content, &c.UserID, &c.UserEmail, &c.ParentID,
		&c.CreatedAt, &c.UpdatedAt, &c.DeletedAt)
	if err != nil {
		return Comment{}, err
	}
	return c, nil
}

func collectComments(rows *sql.Rows) ([]Comment, error) {
	defer rows.Close()
	items := make([]Comment, 0)
	for rows.Next() {
		var c Comment
		if err := rows.Scan(&c.ID, &c.Content, &c.UserID, &c.UserEmail, &c.ParentID,
			&c.CreatedAt, &c.UpdatedAt, &c.DeletedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

// Notifications

const notificationColumns = `
	n.id, n.recipient_id, u.email, n.message, n.type, n.comment_id, c.content,
	n.parent_content, n.read, n.created_at
`

func (s *PostgresStore) InsertNotification(ctx context.Context, n Notification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, recipient_id, message, type, comment_id, parent_content, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, n.ID, n.RecipientID, n.Message, n.Type, n.CommentID, n.ParentContent, n.Read, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetNotification(ctx context.Context, id string) (Notification, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications n
		JOIN users u ON u.id = n.recipient_id
		LEFT JOIN comments c ON c.id = n.comment_id
		WHERE n.id = $1
	`, id)
	var n Notification
	err := row.Scan(&n.ID, &n.RecipientID, &n.RecipientEmail, &n.Message, &n.Type,
		&n.CommentID, &n.CommentContent, &n.ParentContent, &n.Read, &n.CreatedAt)
	if err != nil {
		return Notification{}, err
	}
	return n, nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, recipientID string, limit int) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications n
		JOIN users u ON u.id = n.recipient_id
		LEFT JOIN comments c ON c.id = n.comment_id
		WHERE n.recipient_id = $1
		ORDER BY n.created_at DESC
		LIMIT $2
	`, recipientID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	items := make([]Notification, 0)
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.RecipientEmail, &n.Message, &n.Type,
			&n.CommentID, &n.CommentContent, &n.ParentContent, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		items = append(items, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) MarkNotificationRead(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE notifications SET read = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkAllNotificationsRead(ctx context.Context, recipientID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read = TRUE WHERE recipient_id = $1 AND read = FALSE
	`, recipientID)
	if err != nil {
		return fmt.Errorf("mark all notifications read: %w", err)
	}
	return nil
}

// DeleteReadNotificationsBefore purges read notifications created before the
// cutoff and reports how many rows went away.
func (s *PostgresStore) DeleteReadNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM notifications WHERE read = TRUE AND created_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old notifications: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count deleted notifications: %w", err)
	}
	return affected, nil
}
