package emitter

import (
	"context"
	"strings"
	"sync"

	"github.com/kandev/execplane/internal/execution/model"
)

// BackgroundExecutionStore is the persistence surface SubscriptionEmitter
// writes terminal status to; kept narrow so this package doesn't depend on
// the repository's concrete type.
type BackgroundExecutionStore interface {
	UpdateBackgroundExecutionStatus(ctx context.Context, subtaskID, status string) error
}

// StatusChangeFunc notifies an external subscriber (e.g. a channel adapter)
// that a background execution finished.
type StatusChangeFunc func(status, summary string, isSilent bool)

// SubscriptionEmitter accumulates chunk text and, on a terminal event,
// writes the BackgroundExecution row's status and optionally notifies an
// external subscriber.
type SubscriptionEmitter struct {
	store     BackgroundExecutionStore
	subtaskID string
	onChanged StatusChangeFunc

	mu      sync.Mutex
	content strings.Builder
}

// NewSubscriptionEmitter builds an emitter that finalizes subtaskID's
// BackgroundExecution row when the stream terminates.
func NewSubscriptionEmitter(store BackgroundExecutionStore, subtaskID string, onChanged StatusChangeFunc) *SubscriptionEmitter {
	return &SubscriptionEmitter{store: store, subtaskID: subtaskID, onChanged: onChanged}
}

// Emit accumulates chunk text and finalizes status on a terminal event.
func (e *SubscriptionEmitter) Emit(ctx context.Context, ev *model.ExecutionEvent) error {
	switch ev.Type {
	case model.EventChunk, model.EventThinking:
		e.mu.Lock()
		e.content.WriteString(ev.Content)
		e.mu.Unlock()
		return nil
	case model.EventDone:
		isSilent := ev.Result != nil && ev.Result.SilentExit
		status := "COMPLETED"
		if isSilent {
			status = "COMPLETED_SILENT"
		}
		return e.finish(ctx, status, isSilent)
	case model.EventError:
		return e.finish(ctx, "FAILED", false)
	case model.EventCancelled:
		return e.finish(ctx, "CANCELLED", false)
	}
	return nil
}

func (e *SubscriptionEmitter) finish(ctx context.Context, status string, isSilent bool) error {
	if err := e.store.UpdateBackgroundExecutionStatus(ctx, e.subtaskID, status); err != nil {
		return err
	}
	if e.onChanged != nil {
		e.mu.Lock()
		summary := e.content.String()
		e.mu.Unlock()
		e.onChanged(status, summary, isSilent)
	}
	return nil
}

// Close is a no-op: there is nothing to release.
func (e *SubscriptionEmitter) Close() error { return nil }
