package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/kandev/execplane/internal/common/config"
	"github.com/kandev/execplane/internal/common/logger"
	"github.com/kandev/execplane/internal/execution/emitter"
	"github.com/kandev/execplane/internal/execution/model"
	"github.com/kandev/execplane/internal/execution/router"
	v1 "github.com/kandev/execplane/pkg/api/v1"
)

type fakeStatusStore struct {
	mu          sync.Mutex
	ranSubtasks []string
}

func (f *fakeStatusStore) SetSubtaskRunning(ctx context.Context, subtaskID string, executorName, executorNamespace string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ranSubtasks = append(f.ranSubtasks, subtaskID)
	return nil
}

type fakeSubtaskStore struct{}

func (fakeSubtaskStore) CompleteSubtask(ctx context.Context, subtaskID string, result *v1.SubtaskResult) error {
	return nil
}
func (fakeSubtaskStore) FailSubtask(ctx context.Context, subtaskID, errMsg string) error { return nil }
func (fakeSubtaskStore) CancelSubtask(ctx context.Context, subtaskID string, result *v1.SubtaskResult) error {
	return nil
}
func (fakeSubtaskStore) UpdateTaskMirrorFromSubtask(ctx context.Context, taskID, subtaskID string) error {
	return nil
}

type fakeCanceller struct {
	mu        sync.Mutex
	cancelled []string
}

func (f *fakeCanceller) SetCancelled(ctx context.Context, subtaskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, subtaskID)
	return nil
}

func (f *fakeCanceller) IsCancelled(ctx context.Context, subtaskID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.cancelled {
		if id == subtaskID {
			return true, nil
		}
	}
	return false, nil
}

type fakeHub struct {
	mu        sync.Mutex
	broadcast []string
}

func (f *fakeHub) Broadcast(room, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast = append(f.broadcast, fmt.Sprintf("%s/%s", room, event))
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []*model.ExecutionEvent
}

func (e *recordingEmitter) Emit(ctx context.Context, ev *model.ExecutionEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return nil
}
func (e *recordingEmitter) Close() error { return nil }

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("build logger: %v", err)
	}
	return log
}

func TestDispatch_SSE_ForwardsEventsUntilDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunk := model.ExecutionEvent{Type: model.EventChunk, TaskID: "t1", SubtaskID: "s1", Content: "hi"}
		done := model.ExecutionEvent{Type: model.EventDone, TaskID: "t1", SubtaskID: "s1"}
		b1, _ := json.Marshal(chunk)
		b2, _ := json.Marshal(done)
		fmt.Fprintf(w, "data: %s\n\n", b1)
		fmt.Fprintf(w, "data: %s\n\n", b2)
	}))
	defer srv.Close()

	r := router.New(config.TransportConfig{ChatShellURL: srv.URL})
	statusStore := &fakeStatusStore{}
	d := New(r, statusStore, fakeSubtaskStore{}, &fakeCanceller{}, testLogger(t), 5*time.Second)

	req := &model.ExecutionRequest{TaskID: "t1", SubtaskID: "s1", Bot: []model.Bot{{ShellType: "Chat"}}, User: model.User{ID: "u1"}}
	rec := &recordingEmitter{}

	if err := d.Dispatch(context.Background(), req, nil, rec, ""); err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}

	if len(rec.events) < 3 {
		t.Fatalf("expected start+chunk+done events, got %d", len(rec.events))
	}
	if rec.events[0].Type != model.EventStart {
		t.Fatalf("first event = %s, want start", rec.events[0].Type)
	}
	if rec.events[len(rec.events)-1].Type != model.EventDone {
		t.Fatalf("last event = %s, want done", rec.events[len(rec.events)-1].Type)
	}
	if len(statusStore.ranSubtasks) != 1 || statusStore.ranSubtasks[0] != "s1" {
		t.Fatalf("expected SetSubtaskRunning(s1) once, got %v", statusStore.ranSubtasks)
	}
}

func TestDispatch_HTTPCallback_EmitsStartOn200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := router.New(config.TransportConfig{ExecutorManagerURL: srv.URL})
	d := New(r, &fakeStatusStore{}, fakeSubtaskStore{}, &fakeCanceller{}, testLogger(t), 5*time.Second)

	req := &model.ExecutionRequest{TaskID: "t1", SubtaskID: "s1", Bot: []model.Bot{{ShellType: "ClaudeCode"}}, User: model.User{ID: "u1"}}
	rec := &recordingEmitter{}

	if err := d.Dispatch(context.Background(), req, nil, rec, ""); err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	if len(rec.events) != 1 || rec.events[0].Type != model.EventStart {
		t.Fatalf("expected single start event, got %v", rec.events)
	}
}

type fakeRunningTaskRegistry struct {
	registered map[string]map[string]string
}

func (f *fakeRunningTaskRegistry) RegisterRunningTask(ctx context.Context, taskID string, startedAt time.Time, meta map[string]string) error {
	if f.registered == nil {
		f.registered = map[string]map[string]string{}
	}
	f.registered[taskID] = meta
	return nil
}

func TestDispatch_HTTPCallback_RegistersRunningTaskWhenRegistrySet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := router.New(config.TransportConfig{ExecutorManagerURL: srv.URL})
	d := New(r, &fakeStatusStore{}, fakeSubtaskStore{}, &fakeCanceller{}, testLogger(t), 5*time.Second)
	registry := &fakeRunningTaskRegistry{}
	d.SetRunningTaskRegistry(registry)

	req := &model.ExecutionRequest{TaskID: "t1", SubtaskID: "s1", ExecutorName: "exec-1", Bot: []model.Bot{{ShellType: "ClaudeCode"}}, User: model.User{ID: "u1"}}
	rec := &recordingEmitter{}

	if err := d.Dispatch(context.Background(), req, nil, rec, ""); err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	meta, ok := registry.registered["t1"]
	if !ok {
		t.Fatalf("expected t1 to be registered in the running-task registry")
	}
	if meta["subtask_id"] != "s1" || meta["executor_name"] != "exec-1" || meta["user_id"] != "u1" {
		t.Fatalf("unexpected registered meta: %+v", meta)
	}
}

func TestDispatch_HTTPCallback_NonOKEmitsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := router.New(config.TransportConfig{ExecutorManagerURL: srv.URL})
	d := New(r, &fakeStatusStore{}, fakeSubtaskStore{}, &fakeCanceller{}, testLogger(t), 5*time.Second)

	req := &model.ExecutionRequest{TaskID: "t1", SubtaskID: "s1", Bot: []model.Bot{{ShellType: "ClaudeCode"}}, User: model.User{ID: "u1"}}
	rec := &recordingEmitter{}

	err := d.Dispatch(context.Background(), req, nil, rec, "")
	if err == nil {
		t.Fatalf("expected Dispatch error on non-200 response")
	}
	if len(rec.events) != 1 || rec.events[0].Type != model.EventError {
		t.Fatalf("expected a single error event forwarded downstream, got %v", rec.events)
	}
}

func TestDispatch_Websocket_DeviceBoundPublishesTaskExecute(t *testing.T) {
	r := router.New(config.TransportConfig{})
	statusStore := &fakeStatusStore{}
	d := New(r, statusStore, fakeSubtaskStore{}, &fakeCanceller{}, testLogger(t), 5*time.Second)

	req := &model.ExecutionRequest{TaskID: "t1", SubtaskID: "s1", Bot: []model.Bot{{ShellType: "ClaudeCode"}}, User: model.User{ID: "u1"}}
	rec := &recordingEmitter{}
	hub := &fakeHub{}

	if err := d.Dispatch(context.Background(), req, hub, rec, "dev-1"); err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	if len(hub.broadcast) != 1 || hub.broadcast[0] != "device:u1:dev-1/task:execute" {
		t.Fatalf("broadcast = %v, want device room task:execute", hub.broadcast)
	}
}

func TestCancel_WebsocketModeBroadcastsTaskCancel(t *testing.T) {
	r := router.New(config.TransportConfig{})
	canceller := &fakeCanceller{}
	d := New(r, &fakeStatusStore{}, fakeSubtaskStore{}, canceller, testLogger(t), 5*time.Second)

	req := &model.ExecutionRequest{TaskID: "t1", SubtaskID: "s1", User: model.User{ID: "u1"}}
	hub := &fakeHub{}

	heldLocally, err := d.Cancel(context.Background(), req, hub, "dev-1")
	if err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	if heldLocally {
		t.Fatalf("expected heldLocally=false for a websocket-bound subtask")
	}
	if len(canceller.cancelled) != 1 || canceller.cancelled[0] != "s1" {
		t.Fatalf("expected cancellation flag set for s1, got %v", canceller.cancelled)
	}
	if len(hub.broadcast) != 1 || hub.broadcast[0] != "device:u1:dev-1/task:cancel" {
		t.Fatalf("broadcast = %v, want device room task:cancel", hub.broadcast)
	}
}

func TestCancel_HTTPModePostsCancel(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if r.URL.Path != "/v1/cancel" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := router.New(config.TransportConfig{ExecutorManagerURL: srv.URL})
	canceller := &fakeCanceller{}
	d := New(r, &fakeStatusStore{}, fakeSubtaskStore{}, canceller, testLogger(t), 5*time.Second)

	req := &model.ExecutionRequest{TaskID: "t1", SubtaskID: "s1", Bot: []model.Bot{{ShellType: "ClaudeCode"}}, User: model.User{ID: "u1"}}

	heldLocally, err := d.Cancel(context.Background(), req, nil, "")
	if err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	if heldLocally {
		t.Fatalf("expected heldLocally=false for an http-callback-bound subtask")
	}
	if !called {
		t.Fatalf("expected cancel endpoint to be called")
	}
}

var _ emitter.ResultEmitter = (*recordingEmitter)(nil)
