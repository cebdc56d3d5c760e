// Package queue implements the TaskQueue: a Redis-list FIFO with retry
// counters, online/offline pool separation, time-windowed offline gating,
// and a backpressure-aware consumer loop.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kandev/execplane/internal/common/config"
	"github.com/kandev/execplane/internal/common/logger"
	"github.com/kandev/execplane/internal/execution/model"
	"github.com/kandev/execplane/internal/statestore"
)

// ErrQueueNotRunning is returned by Stop when the consumer isn't running.
var ErrQueueNotRunning = errors.New("queue: consumer is not running")

// DispatchFunc drives one dequeued request through the Dispatcher. The
// glue layer supplies this so the queue package never imports the
// dispatcher/emitter packages directly.
type DispatchFunc func(ctx context.Context, req *model.ExecutionRequest) error

// RunningCounter reports how many executions are currently in flight, so
// the consumer can throttle before it ever touches Redis.
type RunningCounter interface {
	RunningCount(ctx context.Context) (int, error)
}

// FailureStore is the persistence surface the consumer needs once a
// request exhausts its retries.
type FailureStore interface {
	FailSubtask(ctx context.Context, subtaskID, errMsg string) error
	UpdateTaskMirrorFromSubtask(ctx context.Context, taskID, subtaskID string) error
}

// TaskQueue is the Redis-list FIFO producer/consumer pair for one pool
// name, operating over both its online and offline queues.
type TaskQueue struct {
	rdb     *redis.Client
	pool    string
	cfg     config.QueueConfig
	counter RunningCounter
	failure FailureStore
	log     *logger.Logger

	runningCountMu    sync.Mutex
	cachedCount       int
	cachedCountExpiry time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New builds a TaskQueue bound to one pool and its backpressure/retry
// collaborators.
func New(state *statestore.StateStore, cfg config.QueueConfig, counter RunningCounter, failure FailureStore, log *logger.Logger) *TaskQueue {
	pool := cfg.OnlinePool
	if pool == "" {
		pool = "default"
	}
	return &TaskQueue{
		rdb:     state.Client(),
		pool:    pool,
		cfg:     cfg,
		counter: counter,
		failure: failure,
		log:     log.WithFields(zap.String("component", "task-queue")),
	}
}

// Enqueue LPUSHes the request, JSON-encoded, onto the online or offline
// queue for this pool.
func (q *TaskQueue) Enqueue(ctx context.Context, req *model.ExecutionRequest, online bool) error {
	if q.rdb == nil {
		return errors.New("queue: no redis client")
	}
	key := onlinePoolKey(online, q.poolFor(online))
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal execution request: %w", err)
	}
	return q.rdb.LPush(ctx, key, body).Err()
}

func (q *TaskQueue) poolFor(online bool) string {
	if online {
		if q.cfg.OnlinePool != "" {
			return q.cfg.OnlinePool
		}
		return "default"
	}
	if q.cfg.OfflinePool != "" {
		return q.cfg.OfflinePool
	}
	return "default"
}

func onlinePoolKey(online bool, pool string) string {
	return statestore.TaskQueueKey(online, pool)
}

// Start launches the online and offline consumer loops as background
// goroutines. It returns immediately; call Stop to shut them down.
func (q *TaskQueue) Start(ctx context.Context, dispatch DispatchFunc) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return errors.New("queue: consumer already running")
	}
	q.running = true
	q.stopCh = make(chan struct{})
	q.mu.Unlock()

	q.wg.Add(2)
	go q.consumeLoop(ctx, true, dispatch)
	go q.consumeLoop(ctx, false, dispatch)
	return nil
}

// Stop signals both consumer loops to exit and waits for them to return.
func (q *TaskQueue) Stop() error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return ErrQueueNotRunning
	}
	q.running = false
	close(q.stopCh)
	q.mu.Unlock()

	q.wg.Wait()
	return nil
}

func (q *TaskQueue) consumeLoop(ctx context.Context, online bool, dispatch DispatchFunc) {
	defer q.wg.Done()
	key := onlinePoolKey(online, q.poolFor(online))
	blockTimeout := time.Duration(q.cfg.BlockTimeout) * time.Second
	if blockTimeout <= 0 {
		blockTimeout = 5 * time.Second
	}
	backpressureSleep := time.Duration(q.cfg.BackpressureSleep) * time.Millisecond
	if backpressureSleep <= 0 {
		backpressureSleep = 500 * time.Millisecond
	}

	for {
		select {
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if !online && !q.withinOfflineWindow(time.Now()) {
			q.sleepOrStop(ctx, 5*time.Minute)
			continue
		}

		if q.backpressured(ctx) {
			q.sleepOrStop(ctx, backpressureSleep)
			continue
		}

		result, err := q.rdb.BRPop(ctx, blockTimeout, key).Result()
		if err != nil {
			if err != redis.Nil && ctx.Err() == nil {
				q.log.Warn("brpop failed", zap.Error(err), zap.String("key", key))
				q.sleepOrStop(ctx, backpressureSleep)
			}
			continue
		}
		if len(result) < 2 {
			continue
		}

		var req model.ExecutionRequest
		if err := json.Unmarshal([]byte(result[1]), &req); err != nil {
			q.log.Error("malformed execution request dropped", zap.Error(err))
			continue
		}

		if err := dispatch(ctx, &req); err != nil {
			q.handleFailure(ctx, &req, online, err)
		}
	}
}

// backpressured asks the container executor for its current running
// count, cached for ~1s, and reports whether the consumer should hold off.
func (q *TaskQueue) backpressured(ctx context.Context) bool {
	if q.counter == nil || q.cfg.MaxConcurrent <= 0 {
		return false
	}

	q.runningCountMu.Lock()
	if time.Now().Before(q.cachedCountExpiry) {
		count := q.cachedCount
		q.runningCountMu.Unlock()
		return count >= q.cfg.MaxConcurrent
	}
	q.runningCountMu.Unlock()

	count, err := q.counter.RunningCount(ctx)
	if err != nil {
		q.log.Warn("running count lookup failed", zap.Error(err))
		return false
	}

	q.runningCountMu.Lock()
	q.cachedCount = count
	q.cachedCountExpiry = time.Now().Add(time.Second)
	q.runningCountMu.Unlock()

	return count >= q.cfg.MaxConcurrent
}

// withinOfflineWindow reports whether now falls inside the configured
// offline-gating window, which may wrap across midnight.
func (q *TaskQueue) withinOfflineWindow(now time.Time) bool {
	start, okStart := parseClock(q.cfg.OfflineWindowStart)
	end, okEnd := parseClock(q.cfg.OfflineWindowEnd)
	if !okStart || !okEnd {
		return true
	}
	cur := now.Hour()*60 + now.Minute()
	if start <= end {
		return cur >= start && cur <= end
	}
	return cur >= start || cur <= end
}

func parseClock(hhmm string) (int, bool) {
	if hhmm == "" {
		return 0, false
	}
	var h, m int
	if _, err := fmt.Sscanf(hhmm, "%d:%d", &h, &m); err != nil {
		return 0, false
	}
	return h*60 + m, true
}

// handleFailure implements the retry policy: bump _retry_count and
// re-LPUSH to the back of the queue, or give up and fail the subtask.
func (q *TaskQueue) handleFailure(ctx context.Context, req *model.ExecutionRequest, online bool, dispatchErr error) {
	req.RetryCount++
	if req.RetryCount <= q.cfg.MaxRetries {
		if err := q.Enqueue(ctx, req, online); err != nil {
			q.log.Error("retry re-enqueue failed", zap.Error(err), zap.String("subtask_id", req.SubtaskID))
		}
		return
	}

	q.log.Error("dispatch retries exhausted, failing subtask",
		zap.String("subtask_id", req.SubtaskID), zap.Int("retry_count", req.RetryCount), zap.Error(dispatchErr))

	if q.failure == nil {
		return
	}
	if err := q.failure.FailSubtask(ctx, req.SubtaskID, dispatchErr.Error()); err != nil {
		q.log.Error("fail subtask after retry exhaustion failed", zap.Error(err))
		return
	}
	if err := q.failure.UpdateTaskMirrorFromSubtask(ctx, req.TaskID, req.SubtaskID); err != nil {
		q.log.Error("task mirror update after retry exhaustion failed", zap.Error(err))
	}
}

func (q *TaskQueue) sleepOrStop(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-q.stopCh:
	case <-ctx.Done():
	}
}
