package glue

import (
	"context"

	"go.uber.org/zap"

	"github.com/kandev/execplane/internal/common/logger"
	"github.com/kandev/execplane/internal/events"
	"github.com/kandev/execplane/internal/events/bus"
	"github.com/kandev/execplane/internal/task/repository"
)

// NotifyingTaskStore embeds the repository so it satisfies every narrow
// read/write interface a caller already has (emitter.SubtaskStore,
// queue.FailureStore, callback.TaskLookup/emitter.SubtaskStore,
// livesocket.DeviceSubtaskStore) and additionally publishes a
// task.updated notification on the event bus every time the task status
// mirror changes.
// Execution
// transports never subscribe to this bus themselves — it is strictly a
// fan-out for non-execution-critical consumers (dashboards, the
// notifications surface) — so a publish failure is logged, never returned
// to the caller.
type NotifyingTaskStore struct {
	*repository.Repository
	bus bus.EventBus
	log *logger.Logger
}

// NewNotifyingTaskStore wraps repo so every subtask-terminal write also
// notifies eventBus.
func NewNotifyingTaskStore(repo *repository.Repository, eventBus bus.EventBus, log *logger.Logger) *NotifyingTaskStore {
	return &NotifyingTaskStore{Repository: repo, bus: eventBus, log: log.WithFields(zap.String("component", "task-notifier"))}
}

// UpdateTaskMirrorFromSubtask shadows the embedded Repository method:
// it performs the same write, then publishes events.TaskUpdated with the
// task's current status/progress so out-of-band consumers see every
// terminal and intermediate status change without reaching into this
// plane's own Postgres tables.
func (n *NotifyingTaskStore) UpdateTaskMirrorFromSubtask(ctx context.Context, taskID, subtaskID string) error {
	if err := n.Repository.UpdateTaskMirrorFromSubtask(ctx, taskID, subtaskID); err != nil {
		return err
	}
	n.publishTaskUpdated(ctx, taskID)
	return nil
}

func (n *NotifyingTaskStore) publishTaskUpdated(ctx context.Context, taskID string) {
	task, err := n.Repository.GetTask(ctx, taskID)
	if err != nil {
		n.log.Error("fetch task for notification failed", zap.Error(err), zap.String("task_id", taskID))
		return
	}
	data := map[string]interface{}{
		"task_id":  task.ID,
		"status":   task.Status,
		"progress": task.Progress,
	}
	event := bus.NewEvent(events.TaskUpdated, "execplane", data)
	if err := n.bus.Publish(ctx, events.TaskUpdated, event); err != nil {
		n.log.Error("publish task.updated failed", zap.Error(err), zap.String("task_id", taskID))
	}
}
