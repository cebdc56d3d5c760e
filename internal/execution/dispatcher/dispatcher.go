// Package dispatcher implements the Dispatcher: given a request and an
// emitter it selects transport, installs the mandatory status-updating
// wrapper, and drives whichever transport the ExecutionRouter chose.
package dispatcher

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/execplane/internal/execution/emitter"
	"github.com/kandev/execplane/internal/execution/model"
	"github.com/kandev/execplane/internal/execution/router"

	"github.com/kandev/execplane/internal/common/logger"
)

// CancellationFlagStore is the narrow slice of StateStore the Dispatcher
// needs: setting the producer-side cancellation flag a running transport's
// in-process coroutine polls, and reading it back on the SSE hot path.
type CancellationFlagStore interface {
	SetCancelled(ctx context.Context, subtaskID string) error
	IsCancelled(ctx context.Context, subtaskID string) (bool, error)
}

// SubtaskStatusStore is the persistence surface the Dispatcher needs beyond
// what StatusUpdatingEmitter writes: marking a subtask RUNNING (and, for
// device-bound websocket dispatches, recording ownership) before transport
// work begins.
type SubtaskStatusStore interface {
	SetSubtaskRunning(ctx context.Context, subtaskID string, executorName, executorNamespace string) error
}

// RunningTaskRegistrar is the narrow slice of StateStore the Dispatcher
// needs to enter a containerized task into the heartbeat registry once it
// has actually been handed to a worker, so the scheduler's reaper can find
// it if the worker goes silent. Left unset, HTTP+callback dispatch simply
// skips registration (e.g. in tests that don't exercise the scheduler).
type RunningTaskRegistrar interface {
	RegisterRunningTask(ctx context.Context, taskID string, startedAt time.Time, meta map[string]string) error
}

// Dispatcher is the single entry point that turns a built ExecutionRequest
// into a running (or already-queued) execution, regardless of transport.
type Dispatcher struct {
	router       *router.Router
	store        SubtaskStatusStore
	subtaskStore emitter.SubtaskStore
	state        CancellationFlagStore
	registry     RunningTaskRegistrar
	cancelReg    *CancelRegistry
	log          *logger.Logger
	http         *http.Client
}

// SetRunningTaskRegistry wires the heartbeat registry used by
// dispatchHTTPCallback. Optional: nil leaves containerized dispatch
// unregistered, which only matters once the scheduler's reaper is running.
func (d *Dispatcher) SetRunningTaskRegistry(registry RunningTaskRegistrar) {
	d.registry = registry
}

// New builds a Dispatcher bound to its collaborators.
func New(r *router.Router, store SubtaskStatusStore, emitterStore emitter.SubtaskStore, state CancellationFlagStore, log *logger.Logger, dispatchTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		router:       r,
		store:        store,
		subtaskStore: emitterStore,
		state:        state,
		cancelReg:    NewCancelRegistry(),
		log:          log.WithFields(zap.String("component", "dispatcher")),
		http:         &http.Client{Timeout: dispatchTimeout},
	}
}

// HubForDevice is a narrow hook the glue layer supplies so the Dispatcher
// can construct a default WebSocketEmitter without importing livesocket.
type HubForDevice interface {
	emitter.RoomBroadcaster
}

// Dispatch routes, wraps, and drives the request. When emitter is nil a
// WebSocketEmitter bound to (taskID, subtaskID, userID) is constructed from
// hub. deviceID, when non-empty, forces the device-side websocket target
// regardless of shell type.
func (d *Dispatcher) Dispatch(ctx context.Context, req *model.ExecutionRequest, hub HubForDevice, wrapped emitter.ResultEmitter, deviceID string) error {
	target := d.router.Route(req, deviceID)

	if wrapped == nil {
		wrapped = emitter.NewWebSocketEmitter(hub, req.TaskID, req.SubtaskID, req.User.ID)
	}
	status := emitter.NewStatusUpdatingEmitter(wrapped, d.subtaskStore, req.TaskID, req.SubtaskID, d.log)
	defer status.Close()

	executorName := ""
	executorNamespace := ""
	if target.Mode == router.ModeWebSocket && target.Room != "" {
		executorName = fmt.Sprintf("device-%s", deviceID)
		executorNamespace = fmt.Sprintf("user-%s", req.User.ID)
	}
	if err := d.store.SetSubtaskRunning(ctx, req.SubtaskID, executorName, executorNamespace); err != nil {
		d.log.Error("set subtask running failed", zap.Error(err), zap.String("subtask_id", req.SubtaskID))
	}

	var err error
	switch target.Mode {
	case router.ModeSSE:
		err = d.dispatchSSE(ctx, req, target, status)
	case router.ModeWebSocket:
		err = d.dispatchWebSocket(ctx, req, target, hub, status)
	case router.ModeHTTPCallback:
		err = d.dispatchHTTPCallback(ctx, req, target, status)
	default:
		err = fmt.Errorf("dispatcher: unknown transport mode %q", target.Mode)
	}

	if err != nil {
		d.log.Error("dispatch failed", zap.Error(err), zap.String("subtask_id", req.SubtaskID))
		_ = emitter.EmitError(ctx, status, req.TaskID, req.SubtaskID, req.MessageID, err.Error())
	}
	return err
}

// dispatchSSE opens a streaming POST to the chat-shell and forwards every
// `data:` line as a parsed ExecutionEvent. The stream is the only transport
// this process holds open end-to-end, so it registers a CancelFunc in
// cancelReg for the duration and polls the StateStore flag between lines;
// either path aborts the request and reports EventCancelled rather than a
// transport error.
func (d *Dispatcher) dispatchSSE(ctx context.Context, req *model.ExecutionRequest, target router.Target, out emitter.ResultEmitter) error {
	if err := emitter.EmitStart(ctx, out, req.TaskID, req.SubtaskID, req.MessageID, req.ShellType()); err != nil {
		return err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	unregister := d.cancelReg.Register(req.SubtaskID, cancel)
	defer unregister()

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, target.URL+target.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := d.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sse request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sse request: unexpected status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lines := 0
	for scanner.Scan() {
		lines++
		if lines%8 == 0 {
			if cancelled, err := d.state.IsCancelled(ctx, req.SubtaskID); err == nil && cancelled {
				cancel()
				return emitCancelled(ctx, out, req)
			}
		}
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" || data == "[DONE]" {
			continue
		}
		ev, err := model.ParseEvent([]byte(data))
		if err != nil {
			d.log.Warn("sse: malformed event frame", zap.Error(err))
			continue
		}
		if err := out.Emit(ctx, ev); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		if streamCtx.Err() != nil {
			// aborted via cancelReg.Cancel, not a real transport failure
			return emitCancelled(ctx, out, req)
		}
		return err
	}
	return nil
}

// emitCancelled reports the stream's abort to the emitter pipeline, which
// routes EventCancelled to StatusUpdatingEmitter's terminal write
// (persisting whatever content was streamed so far as the subtask's
// result) and to the transport-specific client broadcast.
func emitCancelled(ctx context.Context, out emitter.ResultEmitter, req *model.ExecutionRequest) error {
	return out.Emit(ctx, &model.ExecutionEvent{
		Type:      model.EventCancelled,
		TaskID:    req.TaskID,
		SubtaskID: req.SubtaskID,
		MessageID: req.MessageID,
	})
}

// dispatchWebSocket persists device ownership (when device-bound) and
// publishes the request as task:execute to the target room. Subsequent
// events arrive out-of-band via the device namespace handlers and are
// routed back through the process-wide emitter, not this call.
func (d *Dispatcher) dispatchWebSocket(ctx context.Context, req *model.ExecutionRequest, target router.Target, hub HubForDevice, out emitter.ResultEmitter) error {
	if err := emitter.EmitStart(ctx, out, req.TaskID, req.SubtaskID, req.MessageID, req.ShellType()); err != nil {
		return err
	}
	hub.Broadcast(target.Room, target.Event, req)
	return nil
}

// dispatchHTTPCallback posts the wrapped execution request to the executor
// manager; subsequent events arrive at /internal/callback.
func (d *Dispatcher) dispatchHTTPCallback(ctx context.Context, req *model.ExecutionRequest, target router.Target, out emitter.ResultEmitter) error {
	wrapper := struct {
		TaskID       string                  `json:"task_id"`
		SubtaskID    string                  `json:"subtask_id"`
		ExecutorName string                  `json:"executor_name"`
		ShellType    string                  `json:"shell_type"`
		Payload      *model.ExecutionRequest `json:"payload"`
	}{
		TaskID:       req.TaskID,
		SubtaskID:    req.SubtaskID,
		ExecutorName: req.ExecutorName,
		ShellType:    req.ShellType(),
		Payload:      req,
	}
	body, err := json.Marshal(wrapper)
	if err != nil {
		return fmt.Errorf("marshal callback wrapper: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL+target.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http_callback request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http_callback request: unexpected status %d", resp.StatusCode)
	}

	if d.registry != nil {
		startedAt := time.Now()
		meta := map[string]string{
			"subtask_id":    req.SubtaskID,
			"executor_name": req.ExecutorName,
			"user_id":       req.User.ID,
			"started_at":    strconv.FormatInt(startedAt.Unix(), 10),
		}
		if err := d.registry.RegisterRunningTask(ctx, req.TaskID, startedAt, meta); err != nil {
			d.log.Error("running-task registration failed", zap.Error(err), zap.String("task_id", req.TaskID))
		}
	}

	return emitter.EmitStart(ctx, out, req.TaskID, req.SubtaskID, req.MessageID, req.ShellType())
}

// Cancel implements the Dispatcher's cancel(request, deviceId?) entry
// point: it sets the producer-side cancellation flag unconditionally, then
// notifies whichever transport is actually carrying the run. hub is only
// consulted for the websocket transport and may be nil otherwise. The
// returned bool reports whether this process held an in-process SSE stream
// for the subtask and aborted it directly; when false the caller (the glue
// layer) is responsible for writing the subtask's terminal state itself,
// since no local loop exists to observe the StateStore flag or respond to
// the websocket/HTTP notification.
func (d *Dispatcher) Cancel(ctx context.Context, req *model.ExecutionRequest, hub HubForDevice, deviceID string) (bool, error) {
	if err := d.state.SetCancelled(ctx, req.SubtaskID); err != nil {
		d.log.Error("set cancelled flag failed", zap.Error(err), zap.String("subtask_id", req.SubtaskID))
	}

	if d.cancelReg.Cancel(req.SubtaskID) {
		return true, nil
	}

	target := d.router.Route(req, deviceID)
	if target.Mode == router.ModeWebSocket {
		if hub == nil {
			return false, fmt.Errorf("dispatcher: websocket cancel requires a hub")
		}
		hub.Broadcast(target.Room, "task:cancel", map[string]string{"task_id": req.TaskID, "subtask_id": req.SubtaskID})
		return false, nil
	}

	body, err := json.Marshal(map[string]string{"task_id": req.TaskID, "subtask_id": req.SubtaskID})
	if err != nil {
		return false, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL+"/v1/cancel", bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := d.http.Do(httpReq)
	if err != nil {
		return false, fmt.Errorf("cancel request: %w", err)
	}
	defer resp.Body.Close()
	return false, nil
}
