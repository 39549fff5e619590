package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// TaskTypeSweep is the distributed sweep task. Uniqueness keeps a
// fleet of schedulers from piling up duplicate sweeps in the queue.
const TaskTypeSweep = "rooms:sweep"

// Enqueuer periodically schedules sweep tasks on the shared queue.
type Enqueuer struct {
	client   *asynq.Client
	interval time.Duration
	logger   *zap.Logger
}

// NewEnqueuer builds a scheduler backed by the Redis queue at redisURL.
func NewEnqueuer(redisURL string, interval time.Duration, logger *zap.Logger) (*Enqueuer, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: parse redis url: %w", err)
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enqueuer{
		client:   asynq.NewClient(opt),
		interval: interval,
		logger:   logger.Named("lifecycle.enqueue"),
	}, nil
}

// Run enqueues one unique sweep task per interval until ctx is
// canceled.
func (e *Enqueuer) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			task := asynq.NewTask(TaskTypeSweep, nil)
			_, err := e.client.EnqueueContext(ctx, task,
				asynq.Unique(e.interval),
				asynq.MaxRetry(2),
			)
			if err != nil && err != asynq.ErrDuplicateTask {
				e.logger.Warn("failed to enqueue sweep", zap.Error(err))
			}
		}
	}
}

func (e *Enqueuer) Close() error { return e.client.Close() }

// Worker consumes sweep tasks and runs the sweeper.
type Worker struct {
	server  *asynq.Server
	mux     *asynq.ServeMux
	sweeper *Sweeper
	logger  *zap.Logger
}

func NewWorker(redisURL string, sweeper *Sweeper, logger *zap.Logger) (*Worker, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: parse redis url: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("lifecycle.worker")

	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: 1,
		Queues:      map[string]int{"default": 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Error("sweep task failed", zap.String("type", task.Type()), zap.Error(err))
		}),
	})

	w := &Worker{server: srv, mux: asynq.NewServeMux(), sweeper: sweeper, logger: logger}
	w.mux.HandleFunc(TaskTypeSweep, w.handleSweep)
	return w, nil
}

func (w *Worker) handleSweep(ctx context.Context, _ *asynq.Task) error {
	_, err := w.sweeper.Sweep(ctx)
	return err
}

// Run starts the worker and blocks until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("lifecycle: start worker: %w", err)
	}
	<-ctx.Done()
	w.server.Shutdown()
	return nil
}
