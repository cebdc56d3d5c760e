// Package scheduler owns the execution plane's periodic jobs: driving the
// TaskQueue's online/offline consumers and, on its own ticker guarded by a
// distributed lock, scanning the running-task registry for workers whose
// heartbeat has gone stale and reaping them.
package scheduler

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/execplane/internal/common/config"
	"github.com/kandev/execplane/internal/common/logger"
	"github.com/kandev/execplane/internal/execution/queue"
)

// Common errors.
var (
	ErrAlreadyRunning = errors.New("scheduler: already running")
	ErrNotRunning     = errors.New("scheduler: not running")
)

const deadWorkerMessage = "executor crashed unexpectedly (possible OOM)"

// HeartbeatRegistry is the slice of StateStore the scan loop needs: list
// running tasks, inspect their worker metadata and liveness, drop reaped
// entries, and coordinate the distributed scanner lock across replicas.
type HeartbeatRegistry interface {
	RunningTaskIDs(ctx context.Context) ([]string, error)
	RunningTaskMeta(ctx context.Context, taskID string) (map[string]string, error)
	HeartbeatAlive(ctx context.Context, taskID string) (bool, error)
	UnregisterRunningTask(ctx context.Context, taskID string) error
	AcquireHeartbeatScanLock(ctx context.Context, ttl time.Duration) (bool, error)
	ReleaseHeartbeatScanLock(ctx context.Context) error
}

// SubtaskFailer is the persistence surface a reaped task needs updated:
// mark the subtask FAILED and derive the task status mirror from it.
type SubtaskFailer interface {
	FailSubtask(ctx context.Context, subtaskID, errMsg string) error
	UpdateTaskMirrorFromSubtask(ctx context.Context, taskID, subtaskID string) error
}

// ContainerReaper lets the scanner remove a dead worker's container once its
// subtask has been failed. Optional: a nil ContainerReaper, or an empty
// executor name in the registry metadata (e.g. a device-bound task), simply
// skips removal.
type ContainerReaper interface {
	DeleteExecutor(ctx context.Context, name string) error
}

// Scheduler drives the TaskQueue's consumer lifecycle and hosts the
// heartbeat scan loop on top of it.
type Scheduler struct {
	queue      *queue.TaskQueue
	registry   HeartbeatRegistry
	subtasks   SubtaskFailer
	containers ContainerReaper
	cfg        config.HeartbeatConfig
	removeDead bool
	log        *logger.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New builds a Scheduler. q may be nil if the deployment relies entirely on
// push-mode dispatch elsewhere and only wants the heartbeat reaper.
// containers may be nil to disable container removal on reap regardless of
// removeDead.
func New(q *queue.TaskQueue, registry HeartbeatRegistry, subtasks SubtaskFailer, containers ContainerReaper, cfg config.HeartbeatConfig, removeDead bool, log *logger.Logger) *Scheduler {
	return &Scheduler{
		queue:      q,
		registry:   registry,
		subtasks:   subtasks,
		containers: containers,
		cfg:        cfg,
		removeDead: removeDead,
		log:        log.WithFields(zap.String("component", "scheduler")),
	}
}

// Start launches the TaskQueue's consumers (if configured) and the
// heartbeat scan loop. dispatch is passed straight through to the queue.
func (s *Scheduler) Start(ctx context.Context, dispatch queue.DispatchFunc) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	if s.queue != nil {
		if err := s.queue.Start(ctx, dispatch); err != nil {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return err
		}
	}

	s.log.Info("scheduler starting", zap.Int("scan_interval_s", s.scanInterval()))
	s.wg.Add(1)
	go s.scanLoop(ctx)
	return nil
}

// Stop halts the scan loop and the TaskQueue's consumers.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	if s.queue != nil {
		_ = s.queue.Stop()
	}
	s.wg.Wait()
	s.log.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) scanInterval() int {
	if s.cfg.ScanIntervalSecs > 0 {
		return s.cfg.ScanIntervalSecs
	}
	return 30
}

func (s *Scheduler) gracePeriod() time.Duration {
	if s.cfg.GraceSeconds > 0 {
		return time.Duration(s.cfg.GraceSeconds) * time.Second
	}
	return 20 * time.Second
}

func (s *Scheduler) scanLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Duration(s.scanInterval()) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runScan(ctx)
		}
	}
}

// runScan acquires the distributed scanner lock (so only one replica scans
// at a time), walks the running-task registry once, and releases the lock.
// A failed acquisition (another replica already holds it) is a normal,
// silent no-op.
func (s *Scheduler) runScan(ctx context.Context) {
	lockTTL := time.Duration(s.scanInterval()) * time.Second
	acquired, err := s.registry.AcquireHeartbeatScanLock(ctx, lockTTL)
	if err != nil {
		s.log.Warn("heartbeat scan lock acquire failed", zap.Error(err))
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := s.registry.ReleaseHeartbeatScanLock(ctx); err != nil {
			s.log.Warn("heartbeat scan lock release failed", zap.Error(err))
		}
	}()

	taskIDs, err := s.registry.RunningTaskIDs(ctx)
	if err != nil {
		s.log.Error("running task list failed", zap.Error(err))
		return
	}
	for _, taskID := range taskIDs {
		s.checkTask(ctx, taskID)
	}
}

func (s *Scheduler) checkTask(ctx context.Context, taskID string) {
	meta, err := s.registry.RunningTaskMeta(ctx, taskID)
	if err != nil {
		s.log.Warn("running task meta lookup failed", zap.Error(err), zap.String("task_id", taskID))
		return
	}

	if startedAtRaw, ok := meta["started_at"]; ok {
		if unix, err := strconv.ParseInt(startedAtRaw, 10, 64); err == nil {
			age := time.Since(time.Unix(unix, 0))
			if age < s.gracePeriod() {
				return
			}
		}
	}

	alive, err := s.registry.HeartbeatAlive(ctx, taskID)
	if err != nil {
		s.log.Warn("heartbeat liveness check failed", zap.Error(err), zap.String("task_id", taskID))
		return
	}
	if alive {
		return
	}

	s.reap(ctx, taskID, meta)
}

func (s *Scheduler) reap(ctx context.Context, taskID string, meta map[string]string) {
	subtaskID := meta["subtask_id"]
	executorName := meta["executor_name"]

	s.log.Warn("reaping dead worker", zap.String("task_id", taskID), zap.String("subtask_id", subtaskID), zap.String("executor_name", executorName))

	if subtaskID != "" {
		if err := s.subtasks.FailSubtask(ctx, subtaskID, deadWorkerMessage); err != nil {
			s.log.Error("reap: fail subtask failed", zap.Error(err), zap.String("subtask_id", subtaskID))
		} else if err := s.subtasks.UpdateTaskMirrorFromSubtask(ctx, taskID, subtaskID); err != nil {
			s.log.Error("reap: task mirror derivation failed", zap.Error(err), zap.String("task_id", taskID))
		}
	}

	if err := s.registry.UnregisterRunningTask(ctx, taskID); err != nil {
		s.log.Error("reap: running-task unregister failed", zap.Error(err), zap.String("task_id", taskID))
	}

	if s.removeDead && s.containers != nil && executorName != "" {
		if err := s.containers.DeleteExecutor(ctx, executorName); err != nil {
			s.log.Error("reap: container removal failed", zap.Error(err), zap.String("executor_name", executorName))
		}
	}
}
