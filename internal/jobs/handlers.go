package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"threadline/api/internal/search"
	"threadline/api/internal/store"
)

type jobStore interface {
	GetComment(ctx context.Context, id string) (store.Comment, error)
	ListExpiredDeleted(ctx context.Context, cutoff time.Time) ([]string, error)
	ListReplyIDs(ctx context.Context, parentID string) ([]string, error)
	DeleteComment(ctx context.Context, id string) error
	DeleteReadNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type enqueuer interface {
	EnqueuePermanentDelete(ctx context.Context, commentID string) error
}

type searchIndex interface {
	DeleteComment(id string)
}

// Handlers implements the task handlers mounted on the worker mux.
type Handlers struct {
	store  jobStore
	enq    enqueuer
	search searchIndex
	log    *zap.Logger
}

func NewHandlers(dataStore *store.PostgresStore, client *Client, searchSvc *search.Service, log *zap.Logger) *Handlers {
	h := &Handlers{
		store: dataStore,
		enq:   client,
		log:   log.Named("jobs"),
	}
	if searchSvc != nil {
		h.search = searchSvc
	}
	return h
}

// HandleSweep enqueues one permanent-delete job per comment whose soft
// delete has outlived the grace window.
func (h *Handlers) HandleSweep(ctx context.Context, _ *asynq.Task) error {
	cutoff := time.Now().Add(-retentionWindow)
	ids, err := h.store.ListExpiredDeleted(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list expired deletes: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	h.log.Info("sweeping expired soft deletes", zap.Int("count", len(ids)))
	for _, id := range ids {
		if err := h.enq.EnqueuePermanentDelete(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// HandlePermanentDelete removes a comment and its entire reply subtree.
// The subtree is collected with an explicit frontier and removed
// deepest-first so no child outlives its parent's row.
func (h *Handlers) HandlePermanentDelete(ctx context.Context, task *asynq.Task) error {
	var payload PermanentDeletePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	if _, err := h.store.GetComment(ctx, payload.CommentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			h.log.Info("comment already removed, skipping", zap.String("id", payload.CommentID))
			return nil
		}
		return err
	}

	levels := [][]string{{payload.CommentID}}
	frontier := levels[0]
	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			children, err := h.store.ListReplyIDs(ctx, id)
			if err != nil {
				return fmt.Errorf("list replies of %s: %w", id, err)
			}
			next = append(next, children...)
		}
		if len(next) == 0 {
			break
		}
		levels = append(levels, next)
		frontier = next
	}

	removed := 0
	for i := len(levels) - 1; i >= 0; i-- {
		for _, id := range levels[i] {
			if err := h.store.DeleteComment(ctx, id); err != nil {
				return fmt.Errorf("delete comment %s: %w", id, err)
			}
			if h.search != nil {
				h.search.DeleteComment(id)
			}
			removed++
		}
	}
	h.log.Info("permanently deleted comment subtree",
		zap.String("root", payload.CommentID), zap.Int("removed", removed))
	return nil
}

// HandleCleanup purges read notifications older than the retention age.
func (h *Handlers) HandleCleanup(ctx context.Context, _ *asynq.Task) error {
	cutoff := time.Now().Add(-notificationMaxAge)
	removed, err := h.store.DeleteReadNotificationsBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("delete old notifications: %w", err)
	}
	if removed > 0 {
		h.log.Info("purged old read notifications", zap.Int64("removed", removed))
	}
	return nil
}
