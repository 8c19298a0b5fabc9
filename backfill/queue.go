package backfill

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gammazero/workerpool"
	"go.uber.org/zap"

	"github.com/chainsync-io/chainsync/client"
)

// Task is one unit of backfill work.
type Task func(ctx context.Context) error

// Queue runs tasks with bounded concurrency and bounded retries. Transient
// failures back off exponentially; a fatal failure or exhausted retries
// cancels every task still pending. Tasks may submit further tasks while
// running; Drain waits for those too.
type Queue struct {
	pool        *workerpool.WorkerPool
	ctx         context.Context
	cancel      context.CancelFunc
	maxAttempts uint64
	logger      *zap.Logger

	wg sync.WaitGroup

	mu  sync.Mutex
	err error
}

// NewQueue creates a queue running at most workers tasks concurrently, each
// attempted at most maxAttempts times.
func NewQueue(ctx context.Context, workers int, maxAttempts uint64, logger *zap.Logger) *Queue {
	if workers < 1 {
		workers = 1
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	qctx, cancel := context.WithCancel(ctx)
	return &Queue{
		pool:        workerpool.New(workers),
		ctx:         qctx,
		cancel:      cancel,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// Submit enqueues a task. Safe to call from inside a running task.
func (q *Queue) Submit(name string, task Task) {
	q.wg.Add(1)
	q.pool.Submit(func() {
		defer q.wg.Done()
		if q.ctx.Err() != nil {
			return
		}
		if err := q.run(name, task); err != nil {
			q.fail(err)
		}
	})
}

func (q *Queue) run(name string, task Task) error {
	attempt := 0
	op := func() error {
		attempt++
		err := task(q.ctx)
		if err == nil {
			return nil
		}
		if !client.IsTransient(err) {
			return backoff.Permanent(err)
		}
		q.logger.Warn("backfill task failed, retrying",
			zap.String("task", name),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = 0

	err := backoff.Retry(op, backoff.WithMaxRetries(backoff.WithContext(policy, q.ctx), q.maxAttempts-1))
	if err != nil {
		return fmt.Errorf("task %s failed after %d attempts: %w", name, attempt, err)
	}
	return nil
}

func (q *Queue) fail(err error) {
	q.mu.Lock()
	if q.err == nil {
		q.err = err
	}
	q.mu.Unlock()
	q.cancel()
}

// Drain waits for every submitted task to finish, including tasks submitted
// by running tasks, stops the workers, and returns the first failure.
func (q *Queue) Drain() error {
	q.wg.Wait()
	q.pool.StopWait()
	q.cancel()

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}
