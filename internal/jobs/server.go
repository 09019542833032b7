package jobs

import (
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// NewServer builds the worker server and its task mux.
func NewServer(redisURL string, handlers *Handlers, log *zap.Logger) (*asynq.Server, *asynq.ServeMux, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis uri: %w", err)
	}

	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: 4,
		Queues: map[string]int{
			QueueComments:      2,
			QueueNotifications: 1,
		},
		Logger: log.Named("worker").Sugar(),
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskSweep, handlers.HandleSweep)
	mux.HandleFunc(TaskPermanentDelete, handlers.HandlePermanentDelete)
	mux.HandleFunc(TaskCleanup, handlers.HandleCleanup)

	return srv, mux, nil
}

// NewScheduler registers the recurring entries: the 5-minute sweep and the
// midnight notification cleanup.
func NewScheduler(redisURL string, log *zap.Logger) (*asynq.Scheduler, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis uri: %w", err)
	}

	scheduler := asynq.NewScheduler(opt, &asynq.SchedulerOpts{
		Logger: log.Named("scheduler").Sugar(),
	})

	if _, err := scheduler.Register(sweepSchedule,
		asynq.NewTask(TaskSweep, nil),
		asynq.Queue(QueueComments), asynq.MaxRetry(maxRetry)); err != nil {
		return nil, fmt.Errorf("register sweep: %w", err)
	}
	if _, err := scheduler.Register(cleanupSchedule,
		asynq.NewTask(TaskCleanup, nil),
		asynq.Queue(QueueNotifications), asynq.MaxRetry(maxRetry)); err != nil {
		return nil, fmt.Errorf("register cleanup: %w", err)
	}

	return scheduler, nil
}
