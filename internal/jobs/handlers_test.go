package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"threadline/api/internal/store"
)

type fakeJobStore struct {
	getCommentFn         func(context.Context, string) (store.Comment, error)
	listExpiredDeletedFn func(context.Context, time.Time) ([]string, error)
	replyIDs             map[string][]string

	mu      sync.Mutex
	deleted []string
	purged  time.Time
}

func (f *fakeJobStore) GetComment(ctx context.Context, id string) (store.Comment, error) {
	if f.getCommentFn != nil {
		return f.getCommentFn(ctx, id)
	}
	return store.Comment{ID: id}, nil
}

func (f *fakeJobStore) ListExpiredDeleted(ctx context.Context, cutoff time.Time) ([]string, error) {
	if f.listExpiredDeletedFn != nil {
		return f.listExpiredDeletedFn(ctx, cutoff)
	}
	return nil, nil
}

func (f *fakeJobStore) ListReplyIDs(_ context.Context, parentID string) ([]string, error) {
	return f.replyIDs[parentID], nil
}

func (f *fakeJobStore) DeleteComment(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeJobStore) DeleteReadNotificationsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged = cutoff
	return 3, nil
}

type fakeEnqueuer struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeEnqueuer) EnqueuePermanentDelete(_ context.Context, commentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, commentID)
	return nil
}

type fakeIndex struct {
	mu      sync.Mutex
	deleted []string
}

func (f *fakeIndex) DeleteComment(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
}

func newTestHandlers(fs *fakeJobStore, enq *fakeEnqueuer, idx *fakeIndex) *Handlers {
	h := &Handlers{store: fs, enq: enq, log: zap.NewNop()}
	if idx != nil {
		h.search = idx
	}
	return h
}

func deleteTask(t *testing.T, commentID string) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(PermanentDeletePayload{CommentID: commentID})
	if err != nil {
		t.Fatal(err)
	}
	return asynq.NewTask(TaskPermanentDelete, payload)
}

func TestSweepEnqueuesExpired(t *testing.T) {
	fs := &fakeJobStore{
		listExpiredDeletedFn: func(_ context.Context, cutoff time.Time) ([]string, error) {
			if age := time.Since(cutoff); age < 14*time.Minute || age > 16*time.Minute {
				t.Errorf("cutoff %v is not ~15 minutes ago", cutoff)
			}
			return []string{"c1", "c2"}, nil
		},
	}
	enq := &fakeEnqueuer{}
	h := newTestHandlers(fs, enq, nil)

	if err := h.HandleSweep(context.Background(), asynq.NewTask(TaskSweep, nil)); err != nil {
		t.Fatalf("HandleSweep failed: %v", err)
	}
	if len(enq.ids) != 2 || enq.ids[0] != "c1" || enq.ids[1] != "c2" {
		t.Errorf("enqueued %v, want [c1 c2]", enq.ids)
	}
}

func TestPermanentDeleteRemovesSubtreeDeepestFirst(t *testing.T) {
	fs := &fakeJobStore{
		replyIDs: map[string][]string{
			"root": {"a", "b"},
			"a":    {"a1"},
		},
	}
	idx := &fakeIndex{}
	h := newTestHandlers(fs, &fakeEnqueuer{}, idx)

	if err := h.HandlePermanentDelete(context.Background(), deleteTask(t, "root")); err != nil {
		t.Fatalf("HandlePermanentDelete failed: %v", err)
	}

	if len(fs.deleted) != 4 {
		t.Fatalf("deleted %v, want 4 rows", fs.deleted)
	}
	position := make(map[string]int, len(fs.deleted))
	for i, id := range fs.deleted {
		position[id] = i
	}
	if position["a1"] > position["a"] {
		t.Error("grandchild a1 should be deleted before its parent a")
	}
	if position["a"] > position["root"] || position["b"] > position["root"] {
		t.Error("children should be deleted before the root")
	}
	if len(idx.deleted) != 4 {
		t.Errorf("search index removals = %v, want all 4", idx.deleted)
	}
}

func TestPermanentDeleteSkipsMissingComment(t *testing.T) {
	fs := &fakeJobStore{
		getCommentFn: func(context.Context, string) (store.Comment, error) {
			return store.Comment{}, sql.ErrNoRows
		},
	}
	h := newTestHandlers(fs, &fakeEnqueuer{}, nil)

	if err := h.HandlePermanentDelete(context.Background(), deleteTask(t, "gone")); err != nil {
		t.Fatalf("expected missing comment to be skipped, got %v", err)
	}
	if len(fs.deleted) != 0 {
		t.Errorf("nothing should be deleted, got %v", fs.deleted)
	}
}

func TestCleanupUsesThirtyDayCutoff(t *testing.T) {
	fs := &fakeJobStore{}
	h := newTestHandlers(fs, &fakeEnqueuer{}, nil)

	if err := h.HandleCleanup(context.Background(), asynq.NewTask(TaskCleanup, nil)); err != nil {
		t.Fatalf("HandleCleanup failed: %v", err)
	}
	age := time.Since(fs.purged)
	if age < 29*24*time.Hour || age > 31*24*time.Hour {
		t.Errorf("cutoff %v is not ~30 days ago", fs.purged)
	}
}
