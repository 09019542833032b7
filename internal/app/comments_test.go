package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"threadline/api/internal/store"
)

func strPtr(s string) *string { return &s }

func liveComment(id, userID string, parentID *string, age time.Duration) store.Comment {
	created := time.Now().Add(-age)
	return store.Comment{
		ID:        id,
		Content:   "hello there",
		UserID:    userID,
		UserEmail: userID + "@example.com",
		ParentID:  parentID,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestCreateRejectsBlankContent(t *testing.T) {
	svc := newTestService(serviceDeps{})
	_, err := svc.Create(context.Background(), "u1", "   ", nil)
	var de *DomainError
	if !errors.As(err, &de) || de.Status != 400 {
		t.Fatalf("expected 400 DomainError, got %v", err)
	}
}

func TestCreateRejectsMissingParent(t *testing.T) {
	svc := newTestService(serviceDeps{})
	_, err := svc.Create(context.Background(), "u1", "hi", strPtr("nope"))
	var de *DomainError
	if !errors.As(err, &de) || de.Status != 404 {
		t.Fatalf("expected 404 DomainError, got %v", err)
	}
}

func TestCreateReplyNotifiesParentAuthor(t *testing.T) {
	parent := liveComment("p1", "alice", nil, time.Minute)
	parent.Content = strings.Repeat("x", 80)

	var saved store.Notification
	fs := &fakeStore{
		getCommentFn: func(_ context.Context, id string) (store.Comment, error) {
			if id == "p1" {
				return parent, nil
			}
			return store.Comment{}, errComment
		},
		insertNotificationFn: func(_ context.Context, n store.Notification) error {
			saved = n
			return nil
		},
	}
	hub := newFakeHub()
	svc := newTestService(serviceDeps{store: fs, hub: hub})

	view, err := svc.Create(context.Background(), "bob", "a reply", strPtr("p1"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if saved.RecipientID != "alice" {
		t.Errorf("notification recipient = %q, want alice", saved.RecipientID)
	}
	if saved.Type != "reply" {
		t.Errorf("notification type = %q, want reply", saved.Type)
	}
	if want := "New reply to your comment from bob@example.com"; saved.Message != want {
		t.Errorf("notification message = %q, want %q", saved.Message, want)
	}
	if saved.ParentContent == nil || *saved.ParentContent != strings.Repeat("x", 50)+"..." {
		t.Errorf("unexpected parent excerpt: %v", saved.ParentContent)
	}
	if saved.CommentID == nil || *saved.CommentID != view.ID {
		t.Errorf("notification comment id = %v, want %s", saved.CommentID, view.ID)
	}
	if got := hub.notified["alice"]; len(got) != 1 {
		t.Errorf("expected one socket notification for alice, got %d", len(got))
	}
	if len(hub.broadcasts) != 1 {
		t.Errorf("expected one broadcast, got %d", len(hub.broadcasts))
	}
}

var errComment = errors.New("no such comment")

func TestReplyExcerptCountsRunes(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    string
	}{
		{
			// 40 characters but 80 bytes; under the limit, kept whole.
			name:    "multi-byte content under limit",
			content: strings.Repeat("é", 40),
			want:    strings.Repeat("é", 40),
		},
		{
			name:    "multi-byte content over limit",
			content: strings.Repeat("日", 60),
			want:    strings.Repeat("日", 50) + "...",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			parent := liveComment("p1", "alice", nil, time.Minute)
			parent.Content = tc.content

			var saved store.Notification
			fs := &fakeStore{
				getCommentFn: func(_ context.Context, id string) (store.Comment, error) {
					return parent, nil
				},
				insertNotificationFn: func(_ context.Context, n store.Notification) error {
					saved = n
					return nil
				},
			}
			svc := newTestService(serviceDeps{store: fs})

			if _, err := svc.Create(context.Background(), "bob", "a reply", strPtr("p1")); err != nil {
				t.Fatalf("Create failed: %v", err)
			}
			if saved.ParentContent == nil {
				t.Fatal("expected a parent excerpt")
			}
			if *saved.ParentContent != tc.want {
				t.Errorf("excerpt = %q, want %q", *saved.ParentContent, tc.want)
			}
			if !utf8.ValidString(*saved.ParentContent) {
				t.Errorf("excerpt is not valid UTF-8: %q", *saved.ParentContent)
			}
		})
	}
}

func TestCreateSelfReplySkipsNotification(t *testing.T) {
	parent := liveComment("p1", "alice", nil, time.Minute)
	inserted := false
	fs := &fakeStore{
		getCommentFn: func(_ context.Context, id string) (store.Comment, error) {
			return parent, nil
		},
		insertNotificationFn: func(_ context.Context, n store.Notification) error {
			inserted = true
			return nil
		},
	}
	hub := newFakeHub()
	svc := newTestService(serviceDeps{store: fs, hub: hub})

	if _, err := svc.Create(context.Background(), "alice", "replying to myself", strPtr("p1")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if inserted {
		t.Error("self-reply should not persist a notification")
	}
	if len(hub.notified["alice"]) != 0 {
		t.Error("self-reply should not push a notification")
	}
}

func TestCreateReplyInvalidatesParentCaches(t *testing.T) {
	parent := liveComment("p1", "alice", nil, time.Minute)
	fs := &fakeStore{
		getCommentFn: func(_ context.Context, id string) (store.Comment, error) {
			return parent, nil
		},
	}
	mc := newMemCache()
	mc.Set(context.Background(), "comment:p1", CommentView{ID: "p1"}, commentTTL)
	mc.Set(context.Background(), "replies:p1:0:5", ReplyPage{}, repliesTTL)
	mc.Set(context.Background(), "replies:p1:5:5", ReplyPage{}, repliesTTL)
	mc.Set(context.Background(), "replies:p2:0:5", ReplyPage{}, repliesTTL)

	svc := newTestService(serviceDeps{store: fs, cache: mc})
	if _, err := svc.Create(context.Background(), "bob", "hi", strPtr("p1")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	for _, key := range []string{"comment:p1", "replies:p1:0:5", "replies:p1:5:5"} {
		if mc.has(key) {
			t.Errorf("expected %s to be invalidated", key)
		}
	}
	if !mc.has("replies:p2:0:5") {
		t.Error("unrelated reply page should survive")
	}
}

func TestUpdateEnforcesAuthorAndWindow(t *testing.T) {
	fresh := liveComment("c1", "alice", nil, time.Minute)
	stale := liveComment("c2", "alice", nil, 16*time.Minute)

	fs := &fakeStore{
		getCommentFn: func(_ context.Context, id string) (store.Comment, error) {
			if id == "c1" {
				return fresh, nil
			}
			return stale, nil
		},
	}
	svc := newTestService(serviceDeps{store: fs})
	ctx := context.Background()

	if _, err := svc.Update(ctx, "c1", "bob", "edited"); statusOf(err) != 403 {
		t.Errorf("non-author edit: expected 403, got %v", err)
	}
	if _, err := svc.Update(ctx, "c2", "alice", "edited"); statusOf(err) != 403 {
		t.Errorf("stale edit: expected 403, got %v", err)
	}
	view, err := svc.Update(ctx, "c1", "alice", "edited")
	if err != nil {
		t.Fatalf("in-window edit failed: %v", err)
	}
	if view.Content != "edited" {
		t.Errorf("content = %q, want edited", view.Content)
	}
}

func statusOf(err error) int {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Status
	}
	return 0
}

func TestSoftDeleteByAuthor(t *testing.T) {
	row := liveComment("c1", "alice", strPtr("p1"), 2*time.Hour)
	var deletedAt *time.Time
	fs := &fakeStore{
		getCommentFn: func(_ context.Context, id string) (store.Comment, error) {
			return row, nil
		},
		setCommentDeletedFn: func(_ context.Context, id string, at *time.Time) error {
			deletedAt = at
			return nil
		},
	}
	hub := newFakeHub()
	idx := &fakeSearch{}
	svc := newTestService(serviceDeps{store: fs, hub: hub, search: idx})

	if err := svc.SoftDelete(context.Background(), "c1", "bob"); statusOf(err) != 403 {
		t.Errorf("non-author delete: expected 403, got %v", err)
	}
	if err := svc.SoftDelete(context.Background(), "c1", "alice"); err != nil {
		t.Fatalf("SoftDelete failed: %v", err)
	}
	if deletedAt == nil {
		t.Fatal("expected deleted_at to be set")
	}
	if len(idx.deleted) != 1 || idx.deleted[0] != "c1" {
		t.Errorf("expected c1 removed from search index, got %v", idx.deleted)
	}
	ev, ok := hub.broadcasts[len(hub.broadcasts)-1].(CommentEvent)
	if !ok || ev.Action != "delete" || ev.CommentID != "c1" {
		t.Errorf("unexpected broadcast: %+v", hub.broadcasts)
	}
}

func TestRestoreWindows(t *testing.T) {
	recent := time.Now().Add(-5 * time.Minute)
	old := time.Now().Add(-20 * time.Minute)

	rows := map[string]store.Comment{
		"live":    liveComment("live", "alice", nil, time.Hour),
		"recent":  {ID: "recent", UserID: "alice", CreatedAt: time.Now().Add(-time.Hour), DeletedAt: &recent},
		"expired": {ID: "expired", UserID: "alice", CreatedAt: time.Now().Add(-time.Hour), DeletedAt: &old},
	}
	var cleared bool
	fs := &fakeStore{
		getCommentFn: func(_ context.Context, id string) (store.Comment, error) {
			return rows[id], nil
		},
		setCommentDeletedFn: func(_ context.Context, id string, at *time.Time) error {
			cleared = at == nil
			return nil
		},
	}
	svc := newTestService(serviceDeps{store: fs})
	ctx := context.Background()

	if _, err := svc.Restore(ctx, "live", "alice"); statusOf(err) != 403 {
		t.Errorf("restore of live comment: expected 403, got %v", err)
	}
	if _, err := svc.Restore(ctx, "expired", "alice"); statusOf(err) != 403 {
		t.Errorf("restore past window: expected 403, got %v", err)
	}
	if _, err := svc.Restore(ctx, "recent", "bob"); statusOf(err) != 403 {
		t.Errorf("restore by non-author: expected 403, got %v", err)
	}
	if _, err := svc.Restore(ctx, "recent", "alice"); err != nil {
		t.Fatalf("restore within window failed: %v", err)
	}
	if !cleared {
		t.Error("expected deleted_at to be cleared")
	}
}

func TestFindOneCachesResult(t *testing.T) {
	loads := 0
	row := liveComment("c1", "alice", strPtr("p1"), time.Minute)
	fs := &fakeStore{
		getCommentFn: func(_ context.Context, id string) (store.Comment, error) {
			loads++
			return row, nil
		},
	}
	mc := newMemCache()
	svc := newTestService(serviceDeps{store: fs, cache: mc})
	ctx := context.Background()

	first, err := svc.FindOne(ctx, "c1")
	if err != nil {
		t.Fatalf("FindOne failed: %v", err)
	}
	second, err := svc.FindOne(ctx, "c1")
	if err != nil {
		t.Fatalf("cached FindOne failed: %v", err)
	}
	if loads != 1 {
		t.Errorf("expected one store load, got %d", loads)
	}
	if first.ID != second.ID || first.Content != second.Content || first.User != second.User {
		t.Errorf("cached view differs: %+v vs %+v", first, second)
	}
	if mc.ttls["comment:c1"] != commentTTL {
		t.Errorf("comment TTL = %v, want %v", mc.ttls["comment:c1"], commentTTL)
	}
}

func TestFindOneHidesSoftDeleted(t *testing.T) {
	now := time.Now()
	fs := &fakeStore{
		getCommentFn: func(_ context.Context, id string) (store.Comment, error) {
			return store.Comment{ID: id, UserID: "alice", DeletedAt: &now}, nil
		},
	}
	svc := newTestService(serviceDeps{store: fs})
	if _, err := svc.FindOne(context.Background(), "c1"); statusOf(err) != 404 {
		t.Errorf("expected 404 for soft-deleted comment, got %v", err)
	}
}

func TestGetRepliesPagination(t *testing.T) {
	children := []store.Comment{
		liveComment("r1", "bob", strPtr("p1"), 3*time.Minute),
		liveComment("r2", "carol", strPtr("p1"), 2*time.Minute),
	}
	fs := &fakeStore{
		listRepliesFn: func(_ context.Context, parentID string, skip, take int) ([]store.Comment, int, error) {
			if parentID != "p1" {
				return nil, 0, nil
			}
			return children, 7, nil
		},
	}
	svc := newTestService(serviceDeps{store: fs})

	page, err := svc.GetReplies(context.Background(), "p1", 0, 0)
	if err != nil {
		t.Fatalf("GetReplies failed: %v", err)
	}
	if len(page.Items) != 2 || page.Total != 7 {
		t.Fatalf("unexpected page: %+v", page)
	}
	if !page.HasMore {
		t.Error("expected hasMore with total 7 and take 5")
	}
	if page.Items[0].ReplyCount == nil {
		t.Error("expected reply counts on items")
	}
}

func TestGetThreadsCachesPage(t *testing.T) {
	lists := 0
	fs := &fakeStore{
		listRootCommentsFn: func(_ context.Context, skip, take int) ([]store.Comment, error) {
			lists++
			if take != defaultThreadPage {
				t.Errorf("take = %d, want %d", take, defaultThreadPage)
			}
			return []store.Comment{liveComment("c1", "alice", nil, time.Minute)}, nil
		},
	}
	mc := newMemCache()
	svc := newTestService(serviceDeps{store: fs, cache: mc})
	ctx := context.Background()

	if _, err := svc.GetThreads(ctx, 0, 0); err != nil {
		t.Fatalf("GetThreads failed: %v", err)
	}
	if _, err := svc.GetThreads(ctx, 0, 0); err != nil {
		t.Fatalf("cached GetThreads failed: %v", err)
	}
	if lists != 1 {
		t.Errorf("expected one store list, got %d", lists)
	}
	if mc.ttls["threads:0:20"] != threadsTTL {
		t.Errorf("threads TTL = %v, want %v", mc.ttls["threads:0:20"], threadsTTL)
	}
}

func TestNestedRepliesDepthCapped(t *testing.T) {
	// Every comment has exactly one child, forming an unbounded chain.
	fs := &fakeStore{
		listRepliesFn: func(_ context.Context, parentID string, skip, take int) ([]store.Comment, int, error) {
			child := liveComment(parentID+"x", "bob", &parentID, time.Minute)
			return []store.Comment{child}, 1, nil
		},
		countRepliesFn: func(_ context.Context, parentID string) (int, error) {
			return 1, nil
		},
	}
	svc := newTestService(serviceDeps{store: fs})

	page, err := svc.GetReplies(context.Background(), "p", 0, 0)
	if err != nil {
		t.Fatalf("GetReplies failed: %v", err)
	}

	depth := 0
	for cur := &page; cur != nil && len(cur.Items) > 0; {
		depth++
		cur = cur.Items[0].Replies
	}
	if depth > maxReplyDepth {
		t.Errorf("expansion depth %d exceeds cap %d", depth, maxReplyDepth)
	}
}
