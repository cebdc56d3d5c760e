package emitter

import (
	"context"
	"fmt"

	"github.com/kandev/execplane/internal/execution/model"
)

// RoomBroadcaster is the subset of LiveSocket's hub the WebSocketEmitter
// needs: publish a named event, with a JSON-able payload, to a room.
type RoomBroadcaster interface {
	Broadcast(room, event string, payload any)
}

// WebSocketEmitter pushes events to the `/chat` room task:{task_id}, and
// progress updates to the owning user's room, mapping ExecutionEvent
// variants to their wire events.
type WebSocketEmitter struct {
	hub       RoomBroadcaster
	taskID    string
	subtaskID string
	userID    string
}

// NewWebSocketEmitter builds an emitter bound to one subtask's task room.
func NewWebSocketEmitter(hub RoomBroadcaster, taskID, subtaskID, userID string) *WebSocketEmitter {
	return &WebSocketEmitter{hub: hub, taskID: taskID, subtaskID: subtaskID, userID: userID}
}

func taskRoom(taskID string) string { return fmt.Sprintf("task:%s", taskID) }
func userRoom(userID string) string { return fmt.Sprintf("user:%s", userID) }

// Emit maps the event type to its wire event and room.
func (e *WebSocketEmitter) Emit(ctx context.Context, ev *model.ExecutionEvent) error {
	switch ev.Type {
	case model.EventStart:
		e.hub.Broadcast(taskRoom(e.taskID), "chat:start", ev)
	case model.EventChunk:
		e.hub.Broadcast(taskRoom(e.taskID), "chat:chunk", ev)
	case model.EventThinking:
		e.hub.Broadcast(taskRoom(e.taskID), "chat:chunk", ev)
	case model.EventToolStart:
		e.hub.Broadcast(taskRoom(e.taskID), "chat:block_created", blockCreatedPayload(ev))
	case model.EventToolResult:
		e.hub.Broadcast(taskRoom(e.taskID), "chat:block_updated", blockUpdatedPayload(ev))
	case model.EventProgress:
		e.hub.Broadcast(userRoom(e.userID), "task:status", ev)
	case model.EventDone:
		e.hub.Broadcast(taskRoom(e.taskID), "chat:done", ev)
	case model.EventError:
		e.hub.Broadcast(taskRoom(e.taskID), "chat:error", ev)
	case model.EventCancelled:
		e.hub.Broadcast(taskRoom(e.taskID), "chat:cancelled", ev)
	}
	return nil
}

// Close is a no-op: the emitter holds no resources of its own, only a
// reference to the long-lived hub.
func (e *WebSocketEmitter) Close() error { return nil }

type blockPayload struct {
	BlockID   string `json:"block_id"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	ToolName  string `json:"tool_name,omitempty"`
	ToolInput any    `json:"tool_input,omitempty"`
}

func blockCreatedPayload(ev *model.ExecutionEvent) *blockPayload {
	return &blockPayload{
		BlockID:   ev.ToolUseID,
		Type:      "tool",
		Status:    "pending",
		ToolName:  ev.ToolName,
		ToolInput: ev.ToolInput,
	}
}

func blockUpdatedPayload(ev *model.ExecutionEvent) *blockPayload {
	status := "done"
	if ev.Data != nil && ev.Data.Status == "error" {
		status = "error"
	}
	return &blockPayload{BlockID: ev.ToolUseID, Type: "tool", Status: status}
}
