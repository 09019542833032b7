// Package jobs runs the Redis-backed background work: the permanent-deletion
// sweep for expired soft deletes and the nightly notification cleanup.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	QueueComments      = "comments"
	QueueNotifications = "notifications"

	TaskPermanentDelete = "comment:permanent-delete"
	TaskSweep           = "comment:sweep"
	TaskCleanup         = "notification:cleanup"

	// Soft-deleted comments older than this are swept for good.
	retentionWindow = 15 * time.Minute

	// Read notifications older than this are purged by the nightly cleanup.
	notificationMaxAge = 30 * 24 * time.Hour

	sweepSchedule   = "@every 5m"
	cleanupSchedule = "0 0 * * *"

	maxRetry = 3
)

// PermanentDeletePayload identifies the comment whose subtree gets removed.
type PermanentDeletePayload struct {
	CommentID string `json:"commentId"`
}

// Client enqueues one-off jobs.
type Client struct {
	client *asynq.Client
}

func NewClient(redisURL string) (*Client, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis uri: %w", err)
	}
	return &Client{client: asynq.NewClient(opt)}, nil
}

// EnqueuePermanentDelete schedules the subtree removal for one comment.
func (c *Client) EnqueuePermanentDelete(ctx context.Context, commentID string) error {
	payload, err := json.Marshal(PermanentDeletePayload{CommentID: commentID})
	if err != nil {
		return err
	}
	task := asynq.NewTask(TaskPermanentDelete, payload)
	if _, err := c.client.EnqueueContext(ctx, task, asynq.Queue(QueueComments), asynq.MaxRetry(maxRetry)); err != nil {
		return fmt.Errorf("enqueue %s: %w", TaskPermanentDelete, err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.client.Close()
}
