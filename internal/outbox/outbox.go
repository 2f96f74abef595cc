// Package outbox queues reconciliation work through Redis so web requests
// never block on Discord API calls.
//
// Delivery is at-least-once: a job popped by a worker that dies mid-flight
// is lost from Redis but re-enqueued by the next status change or the
// periodic full sync, and every job is idempotent, so duplicates and
// replays are harmless.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// queueKey is the Redis list holding pending jobs.
const queueKey = "puzzup:discord:outbox"

// popTimeout bounds each blocking pop so the worker notices context
// cancellation promptly.
const popTimeout = 5 * time.Second

// Job kinds understood by the worker.
const (
	KindSyncPuzzle    = "sync_puzzle"
	KindSyncAll       = "sync_all"
	KindSessionThread = "session_thread"
)

// Job is one unit of queued reconciliation work.
type Job struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	PuzzleID  int64     `json:"puzzle_id,omitempty"`
	SessionID int64     `json:"session_id,omitempty"`
	Enqueued  time.Time `json:"enqueued_at"`
}

// Queue is the producer side of the outbox.
type Queue struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewQueue wraps a Redis client as an outbox producer.
func NewQueue(rdb *redis.Client, logger *zap.Logger) *Queue {
	return &Queue{rdb: rdb, logger: logger}
}

// Enqueue pushes a job. The returned id identifies the job in logs on both
// sides of the queue.
func (q *Queue) Enqueue(ctx context.Context, job Job) (string, error) {
	job.ID = uuid.NewString()
	job.Enqueued = time.Now().UTC()

	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to encode job: %w", err)
	}
	if err := q.rdb.LPush(ctx, queueKey, payload).Err(); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	q.logger.Debug("enqueued job",
		zap.String("job_id", job.ID), zap.String("kind", job.Kind))
	return job.ID, nil
}

// EnqueuePuzzleSync queues a reconciliation of one puzzle.
func (q *Queue) EnqueuePuzzleSync(ctx context.Context, puzzleID int64) (string, error) {
	return q.Enqueue(ctx, Job{Kind: KindSyncPuzzle, PuzzleID: puzzleID})
}

// Len returns the number of pending jobs.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, queueKey).Result()
}

// Handler consumes jobs popped off the queue.
type Handler interface {
	HandleJob(ctx context.Context, job Job) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job Job) error

func (f HandlerFunc) HandleJob(ctx context.Context, job Job) error {
	return f(ctx, job)
}

// Worker is the consumer side of the outbox.
type Worker struct {
	rdb     *redis.Client
	handler Handler
	logger  *zap.Logger
}

// NewWorker builds a worker that feeds popped jobs to handler.
func NewWorker(rdb *redis.Client, handler Handler, logger *zap.Logger) *Worker {
	return &Worker{rdb: rdb, handler: handler, logger: logger}
}

// Run drains the queue until ctx is cancelled. Handler failures are logged
// and the job dropped; retry pressure comes from the caller re-enqueueing,
// not from the queue.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("outbox worker started")
	for {
		if err := ctx.Err(); err != nil {
			w.logger.Info("outbox worker stopping")
			return err
		}

		res, err := w.rdb.BRPop(ctx, popTimeout, queueKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			w.logger.Error("failed to pop job", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		// BRPOP returns [key, value].
		if len(res) != 2 {
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			w.logger.Error("failed to decode job", zap.Error(err))
			continue
		}

		start := time.Now()
		if err := w.handler.HandleJob(ctx, job); err != nil {
			w.logger.Error("job failed",
				zap.String("job_id", job.ID),
				zap.String("kind", job.Kind),
				zap.Error(err))
			continue
		}
		w.logger.Info("job done",
			zap.String("job_id", job.ID),
			zap.String("kind", job.Kind),
			zap.Duration("took", time.Since(start)))
	}
}
