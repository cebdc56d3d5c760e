// Package statestore wraps a single go-redis client and exposes the
// key-naming and TTL conventions the rest of the execution plane relies on:
// session/streaming caches, cancellation flags, the running-task registry,
// worker heartbeats and the two distributed locks used at startup and by
// the heartbeat scanner. Every key name here is load-bearing and must match
// what the workers and frontends expect on the wire.
package statestore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kandev/execplane/internal/common/config"
	"github.com/kandev/execplane/internal/common/logger"
)

const (
	defaultCancelTTL    = 5 * time.Minute
	defaultStreamingTTL = 5 * time.Minute
	defaultOwnerTTL     = 1 * time.Hour
	defaultHeartbeatTTL = 20 * time.Second
	defaultMetaTTL      = 24 * time.Hour
)

// StateStore is the Redis-backed store for session cache, streaming replay,
// cancellation, the running-task registry, heartbeats, locks and queues.
type StateStore struct {
	rdb *redis.Client
	log *logger.Logger
}

// New builds a StateStore from the configured Redis connection.
func New(cfg config.RedisConfig, log *logger.Logger) *StateStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: time.Duration(cfg.DialTimeout) * time.Second,
		MaxRetries:  cfg.MaxRetries,
	})
	return &StateStore{rdb: rdb, log: log}
}

// Client exposes the underlying redis.Client for components (e.g. the
// TaskQueue) that need list/BRPOP operations this wrapper doesn't cover.
func (s *StateStore) Client() *redis.Client {
	return s.rdb
}

// Ping verifies connectivity, used by the readiness probe at startup.
func (s *StateStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (s *StateStore) Close() error {
	return s.rdb.Close()
}

// --- key builders -----------------------------------------------------

func chatHistoryKey(taskID string) string        { return fmt.Sprintf("chat:history:%s", taskID) }
func chatStreamingKey(subtaskID string) string   { return fmt.Sprintf("chat:streaming:%s", subtaskID) }
func chatStreamChannelKey(subtaskID string) string {
	return fmt.Sprintf("chat:stream_channel:%s", subtaskID)
}
func chatCancelKey(subtaskID string) string     { return fmt.Sprintf("chat:cancel:%s", subtaskID) }
func chatTaskStreamingKey(taskID string) string { return fmt.Sprintf("chat:task_streaming:%s", taskID) }
func sandboxHeartbeatKey(taskID string) string  { return fmt.Sprintf("sandbox:heartbeat:%s", taskID) }
func runningTaskMetaKey(taskID string) string   { return fmt.Sprintf("running_task:meta:%s", taskID) }

const runningTasksHeartbeatZSet = "running_tasks:heartbeat"
const startupLockKey = "startup_lock"
const startupDoneKey = "startup_done"
const heartbeatCheckLockKey = "lock:task_heartbeat_check"

func devicePresenceKey(userID, deviceID string) string {
	return fmt.Sprintf("device:presence:%s:%s", userID, deviceID)
}

const defaultDevicePresenceTTL = 90 * time.Second

// TaskQueueKey returns the Redis list key for a pool in a given mode.
func TaskQueueKey(online bool, pool string) string {
	mode := "offline"
	if online {
		mode = "online"
	}
	return fmt.Sprintf("task_queue:%s:%s", mode, pool)
}

// --- session / history cache -------------------------------------------

// AppendHistory pushes a message onto the task's history log, truncating to
// maxMessages from the tail and refreshing the TTL.
func (s *StateStore) AppendHistory(ctx context.Context, taskID string, message []byte, maxMessages int, ttl time.Duration) error {
	key := chatHistoryKey(taskID)
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, message)
	if maxMessages > 0 {
		pipe.LTrim(ctx, key, int64(-maxMessages), -1)
	}
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// History returns the stored history messages, oldest first.
func (s *StateStore) History(ctx context.Context, taskID string) ([]string, error) {
	return s.rdb.LRange(ctx, chatHistoryKey(taskID), 0, -1).Result()
}

// --- streaming replay cache ----------------------------------------------

// AppendStreamingChunk appends a text delta to the subtask's replay buffer
// and republishes it on the live pub/sub channel, matching // "chunks published alongside Redis writes" rule.
func (s *StateStore) AppendStreamingChunk(ctx context.Context, subtaskID, delta string) error {
	key := chatStreamingKey(subtaskID)
	pipe := s.rdb.TxPipeline()
	pipe.Append(ctx, key, delta)
	pipe.Expire(ctx, key, defaultStreamingTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	return s.rdb.Publish(ctx, chatStreamChannelKey(subtaskID), delta).Err()
}

// StreamingReplay returns the accumulated text buffered for a subtask, used
// to catch a reconnecting client up before it subscribes to live pushes.
func (s *StateStore) StreamingReplay(ctx context.Context, subtaskID string) (string, error) {
	val, err := s.rdb.Get(ctx, chatStreamingKey(subtaskID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

// PublishDone sends the `__type__: done` sentinel on the subtask's live
// channel so subscribers never wait forever.
func (s *StateStore) PublishDone(ctx context.Context, subtaskID string) error {
	return s.rdb.Publish(ctx, chatStreamChannelKey(subtaskID), `{"__type__":"done"}`).Err()
}

// Subscribe returns a pub/sub handle for a subtask's live stream channel.
func (s *StateStore) Subscribe(ctx context.Context, subtaskID string) *redis.PubSub {
	return s.rdb.Subscribe(ctx, chatStreamChannelKey(subtaskID))
}

// ClaimStreamOwner records which node owns the live stream for a task,
// so a second connection for the same task can be rejected or redirected.
func (s *StateStore) ClaimStreamOwner(ctx context.Context, taskID, ownerID string) (bool, error) {
	return s.rdb.SetNX(ctx, chatTaskStreamingKey(taskID), ownerID, defaultOwnerTTL).Result()
}

// ReleaseStreamOwner clears the task's stream ownership marker.
func (s *StateStore) ReleaseStreamOwner(ctx context.Context, taskID string) error {
	return s.rdb.Del(ctx, chatTaskStreamingKey(taskID)).Err()
}

// --- cancellation --------------------------------------------------------

// SetCancelled raises the cancellation flag for a subtask.
func (s *StateStore) SetCancelled(ctx context.Context, subtaskID string) error {
	return s.rdb.Set(ctx, chatCancelKey(subtaskID), "1", defaultCancelTTL).Err()
}

// IsCancelled reports whether the subtask's cancellation flag is set. Called
// on the streaming hot path, so it is a single GET against a short key.
func (s *StateStore) IsCancelled(ctx context.Context, subtaskID string) (bool, error) {
	_, err := s.rdb.Get(ctx, chatCancelKey(subtaskID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ClearCancelled removes a subtask's cancellation flag, used once a retry
// resets the subtask back to PENDING.
func (s *StateStore) ClearCancelled(ctx context.Context, subtaskID string) error {
	return s.rdb.Del(ctx, chatCancelKey(subtaskID)).Err()
}

// --- running-task registry & heartbeats -----------------------------------

// RegisterRunningTask adds the task to the heartbeat sorted set (scored by
// start time) and stores its worker metadata hash.
func (s *StateStore) RegisterRunningTask(ctx context.Context, taskID string, startedAt time.Time, meta map[string]string) error {
	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, runningTasksHeartbeatZSet, redis.Z{
		Score:  float64(startedAt.Unix()),
		Member: taskID,
	})
	if len(meta) > 0 {
		fields := make([]any, 0, len(meta)*2)
		for k, v := range meta {
			fields = append(fields, k, v)
		}
		pipe.HSet(ctx, runningTaskMetaKey(taskID), fields...)
		pipe.Expire(ctx, runningTaskMetaKey(taskID), defaultMetaTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// UnregisterRunningTask removes a task from the heartbeat registry and
// drops its worker metadata, e.g. once the subtask reaches a terminal state.
func (s *StateStore) UnregisterRunningTask(ctx context.Context, taskID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.ZRem(ctx, runningTasksHeartbeatZSet, taskID)
	pipe.Del(ctx, runningTaskMetaKey(taskID))
	pipe.Del(ctx, sandboxHeartbeatKey(taskID))
	_, err := pipe.Exec(ctx)
	return err
}

// RunningTaskIDs returns every task currently in the heartbeat registry.
func (s *StateStore) RunningTaskIDs(ctx context.Context) ([]string, error) {
	return s.rdb.ZRange(ctx, runningTasksHeartbeatZSet, 0, -1).Result()
}

// RunningTaskMeta fetches the worker metadata hash for a running task.
func (s *StateStore) RunningTaskMeta(ctx context.Context, taskID string) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, runningTaskMetaKey(taskID)).Result()
}

// Heartbeat refreshes the worker liveness timestamp for a task with the
// configured TTL.
func (s *StateStore) Heartbeat(ctx context.Context, taskID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = defaultHeartbeatTTL
	}
	return s.rdb.Set(ctx, sandboxHeartbeatKey(taskID), time.Now().Unix(), ttl).Err()
}

// HeartbeatAlive reports whether a worker's heartbeat key is still present.
func (s *StateStore) HeartbeatAlive(ctx context.Context, taskID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, sandboxHeartbeatKey(taskID)).Result()
	return n > 0, err
}

// --- local-executor device presence ---------------------------------------

// RegisterDevice records a device's presence hash (name, status, last_seen)
// with the default presence TTL, overwriting any prior registration for the
// same (user, device) pair.
func (s *StateStore) RegisterDevice(ctx context.Context, userID, deviceID, name string) error {
	key := devicePresenceKey(userID, deviceID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, "name", name, "status", "online", "last_seen", time.Now().Unix())
	pipe.Expire(ctx, key, defaultDevicePresenceTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// RefreshDevicePresence refreshes a device's presence TTL on heartbeat,
// without altering its recorded status.
func (s *StateStore) RefreshDevicePresence(ctx context.Context, userID, deviceID string) error {
	key := devicePresenceKey(userID, deviceID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, "last_seen", time.Now().Unix())
	pipe.Expire(ctx, key, defaultDevicePresenceTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// SetDeviceStatus updates the device's reported status (online, busy,
// offline) without resetting its presence TTL.
func (s *StateStore) SetDeviceStatus(ctx context.Context, userID, deviceID, status string) error {
	return s.rdb.HSet(ctx, devicePresenceKey(userID, deviceID), "status", status).Err()
}

// UnregisterDevice removes a device's presence entry, e.g. on clean
// disconnect.
func (s *StateStore) UnregisterDevice(ctx context.Context, userID, deviceID string) error {
	return s.rdb.Del(ctx, devicePresenceKey(userID, deviceID)).Err()
}

// --- distributed locks -----------------------------------------------------

// AcquireStartupLock attempts the one-shot startup bootstrap lock; only the
// first process to win it runs DB migrations and YAML seeding.
func (s *StateStore) AcquireStartupLock(ctx context.Context, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, startupLockKey, "1", ttl).Result()
}

// MarkStartupDone records that bootstrap completed, so late-starting
// replicas can skip straight past the lock instead of waiting it out.
func (s *StateStore) MarkStartupDone(ctx context.Context) error {
	return s.rdb.Set(ctx, startupDoneKey, "1", 0).Err()
}

// StartupDone reports whether bootstrap has already completed.
func (s *StateStore) StartupDone(ctx context.Context) (bool, error) {
	n, err := s.rdb.Exists(ctx, startupDoneKey).Result()
	return n > 0, err
}

// AcquireHeartbeatScanLock guards the periodic heartbeat scanner so only one
// replica runs it at a time.
func (s *StateStore) AcquireHeartbeatScanLock(ctx context.Context, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, heartbeatCheckLockKey, "1", ttl).Result()
}

// ReleaseHeartbeatScanLock releases the scanner mutex early, once a scan
// pass finishes well inside its TTL.
func (s *StateStore) ReleaseHeartbeatScanLock(ctx context.Context) error {
	return s.rdb.Del(ctx, heartbeatCheckLockKey).Err()
}
