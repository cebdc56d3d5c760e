// Package callback implements the inbound HTTP sink remote workers running
// in HTTP+Callback mode post execution events back to, plus the worker
// liveness timestamping those same posts piggyback on.
package callback

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/execplane/internal/common/logger"
	"github.com/kandev/execplane/internal/execution/emitter"
	"github.com/kandev/execplane/internal/execution/model"
	"github.com/kandev/execplane/internal/task/models"
)

// TaskLookup resolves the owning user id for an incoming event's subtask,
// needed to bind a WebSocketEmitter to the right user room.
type TaskLookup interface {
	GetSubtask(ctx context.Context, id string) (*models.Subtask, error)
}

// RunningTaskRegistry is the slice of StateStore the callback sink needs:
// refresh the worker's liveness timestamp on every post, and drop the
// running-task entry once a terminal event closes the stream.
type RunningTaskRegistry interface {
	Heartbeat(ctx context.Context, taskID string, ttl time.Duration) error
	UnregisterRunningTask(ctx context.Context, taskID string) error
}

// Handlers implements the /internal/callback and /internal/callback/batch
// endpoints.
type Handlers struct {
	hub      emitter.RoomBroadcaster
	tasks    TaskLookup
	subtasks emitter.SubtaskStore
	registry RunningTaskRegistry
	log      *logger.Logger
}

// NewHandlers builds the callback sink over its collaborators.
func NewHandlers(hub emitter.RoomBroadcaster, tasks TaskLookup, subtasks emitter.SubtaskStore, registry RunningTaskRegistry, log *logger.Logger) *Handlers {
	return &Handlers{hub: hub, tasks: tasks, subtasks: subtasks, registry: registry, log: log.WithFields(zap.String("component", "callback"))}
}

// RegisterRoutes wires the callback endpoints onto an existing gin
// engine/group.
func RegisterRoutes(r gin.IRoutes, h *Handlers) {
	r.POST("/internal/callback", h.HandleEvent)
	r.POST("/internal/callback/batch", h.HandleBatch)
}

// HandleEvent accepts one ExecutionEvent dict and routes it.
func (h *Handlers) HandleEvent(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	ev, err := model.ParseEvent(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event payload"})
		return
	}
	h.process(c.Request.Context(), ev)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// HandleBatch accepts `[event, ...]` and routes each in turn.
func (h *Handlers) HandleBatch(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch payload"})
		return
	}
	for _, frame := range raw {
		ev, err := model.ParseEvent(frame)
		if err != nil {
			h.log.Warn("batch callback: malformed event frame", zap.Error(err))
			continue
		}
		h.process(c.Request.Context(), ev)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "count": len(raw)})
}

// isSideTaskType reports whether an event belongs to a validation or
// sandbox task rather than a regular conversation turn: these never touch
// the subtask row, only the task room and the running-task registry.
func isSideTaskType(taskType string) bool {
	return taskType == "validation" || taskType == "sandbox"
}

func (h *Handlers) process(ctx context.Context, ev *model.ExecutionEvent) {
	if err := h.registry.Heartbeat(ctx, ev.TaskID, 0); err != nil {
		h.log.Warn("heartbeat refresh failed", zap.Error(err), zap.String("task_id", ev.TaskID))
	}

	if ev.Data != nil && isSideTaskType(ev.Data.TaskType) {
		h.processSideTask(ctx, ev)
		return
	}

	userID := ""
	if sub, err := h.tasks.GetSubtask(ctx, ev.SubtaskID); err != nil {
		h.log.Warn("callback: subtask lookup failed", zap.Error(err), zap.String("subtask_id", ev.SubtaskID))
	} else {
		userID = sub.UserID
	}

	out := emitter.NewWebSocketEmitter(h.hub, ev.TaskID, ev.SubtaskID, userID)
	status := emitter.NewStatusUpdatingEmitter(out, h.subtasks, ev.TaskID, ev.SubtaskID, h.log)
	if err := status.Emit(ctx, ev); err != nil {
		h.log.Error("callback: emit failed", zap.Error(err), zap.String("subtask_id", ev.SubtaskID))
	}

	if ev.Type.IsTerminal() {
		if err := h.registry.UnregisterRunningTask(ctx, ev.TaskID); err != nil {
			h.log.Error("callback: running-task unregister failed", zap.Error(err), zap.String("task_id", ev.TaskID))
		}
		h.log.Info("task finished", zap.String("task_id", ev.TaskID), zap.String("subtask_id", ev.SubtaskID), zap.String("event_type", string(ev.Type)))
	}
}

// processSideTask relays a validation/sandbox event to the task room
// without writing the regular subtask row: these run alongside the main
// conversation turn rather than being one.
func (h *Handlers) processSideTask(ctx context.Context, ev *model.ExecutionEvent) {
	h.hub.Broadcast(taskRoom(ev.TaskID), "task:status", ev)
	if ev.Type.IsTerminal() {
		if err := h.registry.UnregisterRunningTask(ctx, ev.TaskID); err != nil {
			h.log.Error("callback: running-task unregister failed", zap.Error(err), zap.String("task_id", ev.TaskID))
		}
	}
}

func taskRoom(taskID string) string { return "task:" + taskID }
