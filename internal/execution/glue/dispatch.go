package glue

import (
	"context"

	"github.com/kandev/execplane/internal/execution/dispatcher"
	"github.com/kandev/execplane/internal/execution/model"
	"github.com/kandev/execplane/internal/execution/queue"
)

// NewQueueDispatchFunc adapts the Dispatcher into queue.DispatchFunc, the
// push-mode entry point the Scheduler hands to TaskQueue.Start: every
// request BRPOP'd off the online/offline pools is driven through the same
// Dispatch call a directly-triggered chat turn uses. Queued requests never
// carry a device target; with no caller emitter, Dispatch wraps hub in a
// WebSocketEmitter, so each queued run's events are relayed through hub.
func NewQueueDispatchFunc(d *dispatcher.Dispatcher, hub dispatcher.HubForDevice) queue.DispatchFunc {
	return func(ctx context.Context, req *model.ExecutionRequest) error {
		return d.Dispatch(ctx, req, hub, nil, "")
	}
}
