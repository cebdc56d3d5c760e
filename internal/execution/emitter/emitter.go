// Package emitter defines the ResultEmitter contract and its
// implementations: the fan-out sinks an ExecutionEvent stream is pushed
// through on its way from a worker back to whoever is listening.
package emitter

import (
	"context"

	"github.com/kandev/execplane/internal/execution/model"
)

// ResultEmitter is the contract every sink implements. Close releases
// resources and must be idempotent.
type ResultEmitter interface {
	Emit(ctx context.Context, event *model.ExecutionEvent) error
	Close() error
}

func emitStart(ctx context.Context, e ResultEmitter, taskID, subtaskID string, messageID int64, shellType string) error {
	return e.Emit(ctx, &model.ExecutionEvent{
		Type:      model.EventStart,
		TaskID:    taskID,
		SubtaskID: subtaskID,
		MessageID: messageID,
		Data:      &model.EventData{ShellType: shellType},
	})
}

func emitChunk(ctx context.Context, e ResultEmitter, taskID, subtaskID string, messageID int64, content string, offset int) error {
	return e.Emit(ctx, &model.ExecutionEvent{
		Type:      model.EventChunk,
		TaskID:    taskID,
		SubtaskID: subtaskID,
		MessageID: messageID,
		Content:   content,
		Offset:    offset,
	})
}

func emitDone(ctx context.Context, e ResultEmitter, taskID, subtaskID string, messageID int64, result *model.Result) error {
	return e.Emit(ctx, &model.ExecutionEvent{
		Type:      model.EventDone,
		TaskID:    taskID,
		SubtaskID: subtaskID,
		MessageID: messageID,
		Result:    result,
	})
}

func emitError(ctx context.Context, e ResultEmitter, taskID, subtaskID string, messageID int64, errMsg string) error {
	return e.Emit(ctx, &model.ExecutionEvent{
		Type:      model.EventError,
		TaskID:    taskID,
		SubtaskID: subtaskID,
		MessageID: messageID,
		Error:     errMsg,
	})
}

func emitCancelled(ctx context.Context, e ResultEmitter, taskID, subtaskID string, messageID int64) error {
	return e.Emit(ctx, &model.ExecutionEvent{
		Type:      model.EventCancelled,
		TaskID:    taskID,
		SubtaskID: subtaskID,
		MessageID: messageID,
	})
}

// EmitStart is the emit_start convenience method.
func EmitStart(ctx context.Context, e ResultEmitter, taskID, subtaskID string, messageID int64, shellType string) error {
	return emitStart(ctx, e, taskID, subtaskID, messageID, shellType)
}

// EmitChunk is the emit_chunk convenience method.
func EmitChunk(ctx context.Context, e ResultEmitter, taskID, subtaskID string, messageID int64, content string, offset int) error {
	return emitChunk(ctx, e, taskID, subtaskID, messageID, content, offset)
}

// EmitDone is the emit_done convenience method.
func EmitDone(ctx context.Context, e ResultEmitter, taskID, subtaskID string, messageID int64, result *model.Result) error {
	return emitDone(ctx, e, taskID, subtaskID, messageID, result)
}

// EmitError is the emit_error convenience method.
func EmitError(ctx context.Context, e ResultEmitter, taskID, subtaskID string, messageID int64, errMsg string) error {
	return emitError(ctx, e, taskID, subtaskID, messageID, errMsg)
}

// EmitCancelled is the emit_cancelled convenience method.
func EmitCancelled(ctx context.Context, e ResultEmitter, taskID, subtaskID string, messageID int64) error {
	return emitCancelled(ctx, e, taskID, subtaskID, messageID)
}
