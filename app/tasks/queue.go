package tasks

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Queue runs tasks with at most concurrency of them in flight. Enqueue never
// blocks, so a running task may feed another queue.
type Queue struct {
	name   string
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	logger *slog.Logger

	waiting atomic.Int64 // Enqueued, no slot yet
	running atomic.Int64 // Holding a slot
}

func NewQueue(name string, concurrency int, logger *slog.Logger) *Queue {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Queue{
		name:   name,
		sem:    semaphore.NewWeighted(int64(concurrency)),
		logger: logger,
	}
}

func (q *Queue) Enqueue(ctx context.Context, task TaskInterface) {
	q.waiting.Add(1)
	q.wg.Add(1)

	go func() {
		defer q.wg.Done()

		err := ctx.Err()
		if err == nil {
			err = q.sem.Acquire(ctx, 1)
		}
		q.waiting.Add(-1)
		if err != nil {
			q.logger.Debug("Task dropped", "queue", q.name, "type", string(task.GetType()), "subject", task.GetSubject(), "error", err)
			return
		}
		q.running.Add(1)
		defer q.sem.Release(1)
		defer q.running.Add(-1)

		q.execute(ctx, task)
	}()
}

func (q *Queue) execute(ctx context.Context, task TaskInterface) {
	task.Start()

	if err := task.Execute(ctx); err != nil {
		q.logger.Error("Task execution failed",
			"queue", q.name,
			"type", string(task.GetType()),
			"id", task.GetID(),
			"subject", task.GetSubject(),
			"duration", task.GetDuration(),
			"error", err)
	}
}

// Wait blocks until every enqueued task has finished.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Waiting counts tasks enqueued but not yet started.
func (q *Queue) Waiting() int64 {
	return q.waiting.Load()
}

// Running counts tasks currently executing.
func (q *Queue) Running() int64 {
	return q.running.Load()
}

// Monitor logs queue depth every interval until ctx is done.
func (q *Queue) Monitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			running, waiting := q.Running(), q.Waiting()
			if running+waiting > 0 {
				q.logger.Debug("Queue status", "queue", q.name, "running", running, "waiting", waiting)
			}
		}
	}
}
