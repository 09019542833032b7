package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"threadline/api/internal/search"
	"threadline/api/internal/store"
)

const (
	editWindow    = 15 * time.Minute
	restoreWindow = 15 * time.Minute

	threadsTTL = 2 * time.Minute
	repliesTTL = 3 * time.Minute
	commentTTL = 5 * time.Minute

	defaultThreadPage = 20
	defaultReplyPage  = 5
	nestedReplyPage   = 3

	// Nesting past this depth is collapsed client-side; the eager expansion
	// stops here so a pathological chain cannot blow the stack.
	maxReplyDepth = 8

	excerptMax = 50
)

// CommentView is the response shape for a single comment. ReplyCount and
// Replies are only populated where a reply page was expanded.
type CommentView struct {
	ID         string     `json:"id"`
	Content    string     `json:"content"`
	User       UserRef    `json:"user"`
	ParentID   *string    `json:"parentId"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	ReplyCount *int       `json:"replyCount,omitempty"`
	Replies    *ReplyPage `json:"replies,omitempty"`
}

// UserRef identifies a comment author.
type UserRef struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// ReplyPage is one page of direct replies.
type ReplyPage struct {
	Items   []CommentView `json:"items"`
	Total   int           `json:"total"`
	HasMore bool          `json:"hasMore"`
}

// CommentEvent is the commentUpdate payload pushed to every socket client.
type CommentEvent struct {
	Action    string       `json:"action"`
	Comment   *CommentView `json:"comment,omitempty"`
	CommentID string       `json:"commentId,omitempty"`
}

func commentView(c store.Comment) CommentView {
	return CommentView{
		ID:        c.ID,
		Content:   c.Content,
		User:      UserRef{ID: c.UserID, Email: c.UserEmail},
		ParentID:  c.ParentID,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func threadsKey(skip, take int) string {
	return fmt.Sprintf("threads:%d:%d", skip, take)
}

func repliesKey(parentID string, skip, take int) string {
	return fmt.Sprintf("replies:%s:%d:%d", parentID, skip, take)
}

func commentKey(id string) string {
	return "comment:" + id
}

// GetThreads returns a page of root comments, newest first, each with its
// first reply page attached. Pages are cached briefly; a stale page is
// acceptable within the TTL.
func (s *Service) GetThreads(ctx context.Context, skip, take int) ([]CommentView, error) {
	if take <= 0 {
		take = defaultThreadPage
	}
	if skip < 0 {
		skip = 0
	}

	key := threadsKey(skip, take)
	var cached []CommentView
	if hit, err := s.cache.Get(ctx, key, &cached); err != nil {
		return nil, err
	} else if hit {
		return cached, nil
	}

	roots, err := s.store.ListRootComments(ctx, skip, take)
	if err != nil {
		return nil, err
	}

	views := make([]CommentView, 0, len(roots))
	for _, root := range roots {
		view := commentView(root)
		if err := s.attachReplies(ctx, &view, 0); err != nil {
			return nil, err
		}
		views = append(views, view)
	}

	if err := s.cache.Set(ctx, key, views, threadsTTL); err != nil {
		return nil, err
	}
	return views, nil
}

// GetReplies returns one page of direct replies, oldest first. Each reply
// carries its own child count and an eagerly expanded nested page.
func (s *Service) GetReplies(ctx context.Context, parentID string, skip, take int) (ReplyPage, error) {
	if take <= 0 {
		take = defaultReplyPage
	}
	return s.repliesPage(ctx, parentID, skip, take, 0)
}

func (s *Service) repliesPage(ctx context.Context, parentID string, skip, take, depth int) (ReplyPage, error) {
	if skip < 0 {
		skip = 0
	}

	// The key ignores depth, so a page first computed near the depth cap
	// (nested expansion suppressed) can be served to a shallower caller with
	// one fewer expanded level until the TTL rolls it. Accepted: pages this
	// deep differ only in eager preloading, never in membership.
	key := repliesKey(parentID, skip, take)
	var cached ReplyPage
	if hit, err := s.cache.Get(ctx, key, &cached); err != nil {
		return ReplyPage{}, err
	} else if hit {
		return cached, nil
	}

	rows, total, err := s.store.ListReplies(ctx, parentID, skip, take)
	if err != nil {
		return ReplyPage{}, err
	}

	items := make([]CommentView, 0, len(rows))
	for _, row := range rows {
		view := commentView(row)
		if err := s.attachNestedReplies(ctx, &view, depth); err != nil {
			return ReplyPage{}, err
		}
		items = append(items, view)
	}

	page := ReplyPage{
		Items:   items,
		Total:   total,
		HasMore: total > skip+take,
	}
	if err := s.cache.Set(ctx, key, page, repliesTTL); err != nil {
		return ReplyPage{}, err
	}
	return page, nil
}

// attachReplies gives a root comment its reply count and first reply page.
func (s *Service) attachReplies(ctx context.Context, view *CommentView, depth int) error {
	count, err := s.store.CountReplies(ctx, view.ID)
	if err != nil {
		return err
	}
	view.ReplyCount = &count
	if count == 0 {
		return nil
	}
	page, err := s.repliesPage(ctx, view.ID, 0, defaultReplyPage, depth+1)
	if err != nil {
		return err
	}
	view.Replies = &page
	return nil
}

// attachNestedReplies expands a smaller nested page for a reply, stopping at
// the depth cap.
func (s *Service) attachNestedReplies(ctx context.Context, view *CommentView, depth int) error {
	count, err := s.store.CountReplies(ctx, view.ID)
	if err != nil {
		return err
	}
	view.ReplyCount = &count
	if count == 0 || depth+1 >= maxReplyDepth {
		return nil
	}
	page, err := s.repliesPage(ctx, view.ID, 0, nestedReplyPage, depth+1)
	if err != nil {
		return err
	}
	view.Replies = &page
	return nil
}

// FindOne returns a single comment by id. The same shape comes back whether
// it was served from cache or freshly loaded.
func (s *Service) FindOne(ctx context.Context, id string) (CommentView, error) {
	key := commentKey(id)
	var cached CommentView
	if hit, err := s.cache.Get(ctx, key, &cached); err != nil {
		return CommentView{}, err
	} else if hit {
		return cached, nil
	}

	row, err := s.store.GetComment(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CommentView{}, notFound("COMMENT_NOT_FOUND", "comment not found")
		}
		return CommentView{}, err
	}
	if row.DeletedAt != nil {
		return CommentView{}, notFound("COMMENT_NOT_FOUND", "comment not found")
	}

	view := commentView(row)
	if row.ParentID == nil {
		if err := s.attachReplies(ctx, &view, 0); err != nil {
			return CommentView{}, err
		}
	}

	if err := s.cache.Set(ctx, key, view, commentTTL); err != nil {
		return CommentView{}, err
	}
	return view, nil
}

// Create posts a comment, optionally as a reply. Replying to someone else's
// comment persists a notification for the parent author and pushes it to
// their open sockets.
func (s *Service) Create(ctx context.Context, authorID, content string, parentID *string) (CommentView, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return CommentView{}, badRequest("CONTENT_REQUIRED", "comment content must not be empty")
	}

	author, err := s.store.GetUserByID(ctx, authorID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CommentView{}, unauthorized("UNKNOWN_USER", "unknown user")
		}
		return CommentView{}, err
	}

	var parent store.Comment
	if parentID != nil {
		parent, err = s.store.GetComment(ctx, *parentID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return CommentView{}, notFound("PARENT_NOT_FOUND", "parent comment not found")
			}
			return CommentView{}, err
		}
		if parent.DeletedAt != nil {
			return CommentView{}, notFound("PARENT_NOT_FOUND", "parent comment not found")
		}
	}

	now := time.Now()
	row := store.Comment{
		ID:        uuid.NewString(),
		Content:   content,
		UserID:    author.ID,
		UserEmail: author.Email,
		ParentID:  parentID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.InsertComment(ctx, row); err != nil {
		return CommentView{}, err
	}

	if parentID != nil {
		if parent.UserID != author.ID {
			if err := s.notifyReply(ctx, parent, row, author.Email); err != nil {
				return CommentView{}, err
			}
		}
		if err := s.invalidateParentCaches(ctx, *parentID); err != nil {
			return CommentView{}, err
		}
	}

	view := commentView(row)
	s.broadcast(CommentEvent{Action: "create", Comment: &view})
	s.indexComment(row)
	return view, nil
}

// Update edits a comment's content. Only the author may edit, and only
// within the grace window after posting.
func (s *Service) Update(ctx context.Context, id, editorID, content string) (CommentView, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return CommentView{}, badRequest("CONTENT_REQUIRED", "comment content must not be empty")
	}

	row, err := s.loadLive(ctx, id)
	if err != nil {
		return CommentView{}, err
	}
	if row.UserID != editorID {
		return CommentView{}, forbidden("NOT_AUTHOR", "only the author can edit this comment")
	}
	if time.Since(row.CreatedAt) > editWindow {
		return CommentView{}, forbidden("EDIT_WINDOW_EXPIRED", "comments can only be edited within 15 minutes of posting")
	}

	now := time.Now()
	if err := s.store.UpdateCommentContent(ctx, id, content, now); err != nil {
		return CommentView{}, err
	}
	row.Content = content
	row.UpdatedAt = now

	if err := s.cache.Invalidate(ctx, commentKey(id)); err != nil {
		return CommentView{}, err
	}

	view := commentView(row)
	s.broadcast(CommentEvent{Action: "update", Comment: &view})
	s.indexComment(row)
	return view, nil
}

// SoftDelete hides a comment. The author can restore it within the grace
// window; after that the sweep removes it permanently.
func (s *Service) SoftDelete(ctx context.Context, id, userID string) error {
	row, err := s.loadLive(ctx, id)
	if err != nil {
		return err
	}
	if row.UserID != userID {
		return forbidden("NOT_AUTHOR", "only the author can delete this comment")
	}

	now := time.Now()
	if err := s.store.SetCommentDeleted(ctx, id, &now); err != nil {
		return err
	}

	if err := s.invalidateCommentCaches(ctx, row); err != nil {
		return err
	}
	s.broadcast(CommentEvent{Action: "delete", CommentID: id})
	if s.search != nil {
		s.search.DeleteComment(id)
	}
	return nil
}

// Restore undoes a soft delete within the grace window.
func (s *Service) Restore(ctx context.Context, id, userID string) (CommentView, error) {
	row, err := s.store.GetComment(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CommentView{}, notFound("COMMENT_NOT_FOUND", "comment not found")
		}
		return CommentView{}, err
	}
	if row.UserID != userID {
		return CommentView{}, forbidden("NOT_AUTHOR", "only the author can restore this comment")
	}
	if row.DeletedAt == nil {
		return CommentView{}, forbidden("NOT_DELETED", "comment is not deleted")
	}
	if time.Since(*row.DeletedAt) > restoreWindow {
		return CommentView{}, forbidden("RESTORE_WINDOW_EXPIRED", "comments can only be restored within 15 minutes of deletion")
	}

	if err := s.store.SetCommentDeleted(ctx, id, nil); err != nil {
		return CommentView{}, err
	}
	row.DeletedAt = nil

	if err := s.invalidateCommentCaches(ctx, row); err != nil {
		return CommentView{}, err
	}

	view := commentView(row)
	s.broadcast(CommentEvent{Action: "restore", Comment: &view})
	s.indexComment(row)
	return view, nil
}

// loadLive fetches a comment and treats soft-deleted rows as absent.
func (s *Service) loadLive(ctx context.Context, id string) (store.Comment, error) {
	row, err := s.store.GetComment(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Comment{}, notFound("COMMENT_NOT_FOUND", "comment not found")
		}
		return store.Comment{}, err
	}
	if row.DeletedAt != nil {
		return store.Comment{}, notFound("COMMENT_NOT_FOUND", "comment not found")
	}
	return row, nil
}

func (s *Service) notifyReply(ctx context.Context, parent, reply store.Comment, authorEmail string) error {
	// The excerpt limit counts characters, not bytes; slicing the raw string
	// would split multi-byte runes.
	excerpt := parent.Content
	if runes := []rune(excerpt); len(runes) > excerptMax {
		excerpt = string(runes[:excerptMax]) + "..."
	}

	notification := store.Notification{
		ID:            uuid.NewString(),
		RecipientID:   parent.UserID,
		Message:       fmt.Sprintf("New reply to your comment from %s", authorEmail),
		Type:          "reply",
		CommentID:     &reply.ID,
		ParentContent: &excerpt,
		CreatedAt:     time.Now(),
	}
	if err := s.store.InsertNotification(ctx, notification); err != nil {
		return err
	}

	if s.hub != nil {
		s.hub.NotifyUser(parent.UserID, notificationView(notification))
	}
	return nil
}

// invalidateParentCaches drops the parent's cached record and every cached
// reply page under it, so a fresh read cannot serve a page missing the new
// child or resurrecting a deleted one.
func (s *Service) invalidateParentCaches(ctx context.Context, parentID string) error {
	if err := s.cache.Invalidate(ctx, commentKey(parentID)); err != nil {
		return err
	}
	return s.cache.InvalidatePrefix(ctx, "replies:"+parentID+":")
}

func (s *Service) invalidateCommentCaches(ctx context.Context, row store.Comment) error {
	if err := s.cache.Invalidate(ctx, commentKey(row.ID)); err != nil {
		return err
	}
	if row.ParentID != nil {
		return s.invalidateParentCaches(ctx, *row.ParentID)
	}
	return nil
}

func (s *Service) broadcast(event CommentEvent) {
	if s.hub == nil {
		return
	}
	s.hub.BroadcastComment(event)
}

func (s *Service) indexComment(row store.Comment) {
	if s.search == nil {
		return
	}
	rec := search.CommentRecord{
		ID:        row.ID,
		Content:   row.Content,
		UserID:    row.UserID,
		UserEmail: row.UserEmail,
		CreatedAt: row.CreatedAt,
	}
	if row.ParentID != nil {
		rec.ParentID = *row.ParentID
	}
	s.search.IndexComment(rec)
}
