package emitter

import (
	"context"
	"strings"
	"sync"

	v1 "github.com/kandev/execplane/pkg/api/v1"

	"github.com/kandev/execplane/internal/common/logger"
	"github.com/kandev/execplane/internal/execution/model"
)

// SubtaskStore is the persistence surface StatusUpdatingEmitter needs: write
// the subtask's terminal status and derive+write the task status mirror.
type SubtaskStore interface {
	CompleteSubtask(ctx context.Context, subtaskID string, result *v1.SubtaskResult) error
	FailSubtask(ctx context.Context, subtaskID, errMsg string) error
	CancelSubtask(ctx context.Context, subtaskID string, result *v1.SubtaskResult) error
	UpdateTaskMirrorFromSubtask(ctx context.Context, taskID, subtaskID string) error
}

// StatusUpdatingEmitter is installed by the Dispatcher around every
// caller-provided emitter. It accumulates chunk text, writes the subtask's
// terminal status at most once, derives the task status mirror, and
// forwards every event to the wrapped emitter unchanged.
type StatusUpdatingEmitter struct {
	wrapped   ResultEmitter
	store     SubtaskStore
	taskID    string
	subtaskID string
	log       *logger.Logger

	mu      sync.Mutex
	content strings.Builder
	done    bool
}

// NewStatusUpdatingEmitter wraps an emitter with the mandatory terminal
// status-write behavior.
func NewStatusUpdatingEmitter(wrapped ResultEmitter, store SubtaskStore, taskID, subtaskID string, log *logger.Logger) *StatusUpdatingEmitter {
	return &StatusUpdatingEmitter{wrapped: wrapped, store: store, taskID: taskID, subtaskID: subtaskID, log: log}
}

// Emit accumulates chunk text, fires the at-most-once terminal write, and
// always forwards the event downstream regardless of the store outcome.
func (e *StatusUpdatingEmitter) Emit(ctx context.Context, ev *model.ExecutionEvent) error {
	switch ev.Type {
	case model.EventChunk, model.EventThinking:
		e.mu.Lock()
		e.content.WriteString(ev.Content)
		e.mu.Unlock()
	case model.EventDone, model.EventError, model.EventCancelled:
		e.writeTerminal(ctx, ev)
	}
	return e.wrapped.Emit(ctx, ev)
}

func (e *StatusUpdatingEmitter) writeTerminal(ctx context.Context, ev *model.ExecutionEvent) {
	e.mu.Lock()
	if e.done {
		e.mu.Unlock()
		return
	}
	e.done = true
	accumulated := e.content.String()
	e.mu.Unlock()

	var err error
	switch ev.Type {
	case model.EventDone:
		var evResult *v1.SubtaskResult
		if r := ev.Result; r != nil {
			evResult = &v1.SubtaskResult{
				Value: r.Value, Thinking: r.Thinking, Workbench: r.Workbench, SilentExit: r.SilentExit,
				LastEmittedOffset: r.LastEmittedOffset, Streaming: r.Streaming,
			}
		}
		result := mergeResult(evResult, accumulated)
		err = e.store.CompleteSubtask(ctx, e.subtaskID, result)
	case model.EventError:
		err = e.store.FailSubtask(ctx, e.subtaskID, ev.Error)
	case model.EventCancelled:
		// Partial response is preserved: COMPLETED, not CANCELLED.
		result := mergeResult(nil, accumulated)
		err = e.store.CancelSubtask(ctx, e.subtaskID, result)
	}
	if err != nil {
		e.log.WithError(err).WithSubtaskID(e.subtaskID).Error("status updating emitter: terminal write failed")
		return
	}
	if err := e.store.UpdateTaskMirrorFromSubtask(ctx, e.taskID, e.subtaskID); err != nil {
		e.log.WithError(err).WithTaskID(e.taskID).Error("status updating emitter: task mirror derivation failed")
	}
}

func mergeResult(result *v1.SubtaskResult, accumulated string) *v1.SubtaskResult {
	if result == nil {
		return &v1.SubtaskResult{Value: accumulated}
	}
	if result.Value == "" {
		result.Value = accumulated
	}
	return result
}

// Close closes the wrapped emitter.
func (e *StatusUpdatingEmitter) Close() error { return e.wrapped.Close() }
