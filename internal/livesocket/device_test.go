package livesocket

import (
	"context"
	"encoding/json"
	"testing"

	v1 "github.com/kandev/execplane/pkg/api/v1"
	"github.com/kandev/execplane/internal/task/models"
	ws "github.com/kandev/execplane/pkg/websocket"
)

type fakeDevicePresence struct {
	registered   map[string]string
	refreshed    []string
	statuses     map[string]string
	unregistered []string
}

func (f *fakeDevicePresence) RegisterDevice(ctx context.Context, userID, deviceID, name string) error {
	if f.registered == nil {
		f.registered = map[string]string{}
	}
	f.registered[deviceID] = name
	return nil
}

func (f *fakeDevicePresence) RefreshDevicePresence(ctx context.Context, userID, deviceID string) error {
	f.refreshed = append(f.refreshed, deviceID)
	return nil
}

func (f *fakeDevicePresence) SetDeviceStatus(ctx context.Context, userID, deviceID, status string) error {
	if f.statuses == nil {
		f.statuses = map[string]string{}
	}
	f.statuses[deviceID] = status
	return nil
}

func (f *fakeDevicePresence) UnregisterDevice(ctx context.Context, userID, deviceID string) error {
	f.unregistered = append(f.unregistered, deviceID)
	return nil
}

type fakeDeviceSubtaskStore struct {
	subtasks     map[string]*models.Subtask
	completed    map[string]*v1.SubtaskResult
	failed       map[string]string
	mirrored     []string
	runningByDev map[string][]*models.Subtask
}

func (f *fakeDeviceSubtaskStore) GetSubtask(ctx context.Context, id string) (*models.Subtask, error) {
	s, ok := f.subtasks[id]
	if !ok {
		return nil, errNotFound
	}
	return s, nil
}

func (f *fakeDeviceSubtaskStore) CompleteSubtask(ctx context.Context, id string, result *v1.SubtaskResult) error {
	if f.completed == nil {
		f.completed = map[string]*v1.SubtaskResult{}
	}
	f.completed[id] = result
	return nil
}

func (f *fakeDeviceSubtaskStore) FailSubtask(ctx context.Context, id, errMsg string) error {
	if f.failed == nil {
		f.failed = map[string]string{}
	}
	f.failed[id] = errMsg
	return nil
}

func (f *fakeDeviceSubtaskStore) UpdateTaskMirrorFromSubtask(ctx context.Context, taskID, subtaskID string) error {
	f.mirrored = append(f.mirrored, taskID)
	return nil
}

func (f *fakeDeviceSubtaskStore) RunningSubtasksByExecutor(ctx context.Context, executorName string) ([]*models.Subtask, error) {
	return f.runningByDev[executorName], nil
}

func newTestDeviceServer(t *testing.T, presence *fakeDevicePresence, subtasks *fakeDeviceSubtaskStore) (*DeviceServer, *Hub, context.CancelFunc) {
	hub := NewHub(testLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	return NewDeviceServer(hub, nil, presence, subtasks, testLogger(t)), hub, cancel
}

func newTestDeviceSession(t *testing.T, hub *Hub, userID, deviceID string) *deviceSession {
	conn := newTestConn(t, hub)
	hub.Register(conn)
	return &deviceSession{conn: conn, userID: userID, deviceID: deviceID, offsets: make(map[string]int)}
}

func TestDeviceServer_HandleRegister_JoinsRoomAndAnnouncesOnline(t *testing.T) {
	presence := &fakeDevicePresence{}
	d, hub, cancel := newTestDeviceServer(t, presence, &fakeDeviceSubtaskStore{})
	defer cancel()
	sess := newTestDeviceSession(t, hub, "u1", "")
	observer := newTestConn(t, hub)
	hub.Register(observer)
	hub.Join(observer, userRoom("u1"))

	d.handleRegister(context.Background(), sess, reqMessage("device:register", deviceRegisterPayload{DeviceID: "dev-1", Name: "laptop"}))

	if presence.registered["dev-1"] != "laptop" {
		t.Fatalf("expected device to be registered, got %+v", presence.registered)
	}
	if sess.deviceID != "dev-1" {
		t.Fatalf("expected session device id to be set, got %q", sess.deviceID)
	}
	readResponse(t, sess.conn)
	announce := readResponse(t, observer)
	if announce.Action != "device:status" {
		t.Fatalf("expected a device:status announcement, got %q", announce.Action)
	}
}

func TestDeviceServer_HandleProgress_RejectsWhenNotOwningSubtask(t *testing.T) {
	subtasks := &fakeDeviceSubtaskStore{subtasks: map[string]*models.Subtask{
		"s1": {ID: "s1", ExecutorName: "device-other", TaskID: "t1"},
	}}
	d, hub, cancel := newTestDeviceServer(t, &fakeDevicePresence{}, subtasks)
	defer cancel()
	sess := newTestDeviceSession(t, hub, "u1", "dev-1")

	d.handleProgress(context.Background(), sess, reqMessage("task:progress", taskProgressPayload{SubtaskID: "s1", Value: "partial"}))

	resp := readResponse(t, sess.conn)
	if resp.Type != ws.MessageTypeError {
		t.Fatalf("expected forbidden error, got %v", resp.Type)
	}
}

func TestDeviceServer_HandleProgress_ComputesDeltaAgainstLastOffset(t *testing.T) {
	subtasks := &fakeDeviceSubtaskStore{subtasks: map[string]*models.Subtask{
		"s1": {ID: "s1", ExecutorName: "device-dev-1", TaskID: "t1", UserID: "u1"},
	}}
	d, hub, cancel := newTestDeviceServer(t, &fakeDevicePresence{}, subtasks)
	defer cancel()
	sess := newTestDeviceSession(t, hub, "u1", "dev-1")
	hub.Join(sess.conn, taskRoom("t1"))

	d.handleProgress(context.Background(), sess, reqMessage("task:progress", taskProgressPayload{SubtaskID: "s1", Value: "hello"}))
	msg := readResponse(t, sess.conn)
	var ev struct {
		Content string `json:"content"`
		Offset  int    `json:"offset"`
	}
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		t.Fatalf("unmarshal chunk event: %v", err)
	}
	if ev.Content != "hello" || ev.Offset != 0 {
		t.Fatalf("first chunk = %+v, want content=hello offset=0", ev)
	}

	d.handleProgress(context.Background(), sess, reqMessage("task:progress", taskProgressPayload{SubtaskID: "s1", Value: "hello world"}))
	msg2 := readResponse(t, sess.conn)
	var ev2 struct {
		Content string `json:"content"`
		Offset  int    `json:"offset"`
	}
	if err := json.Unmarshal(msg2.Payload, &ev2); err != nil {
		t.Fatalf("unmarshal chunk event: %v", err)
	}
	if ev2.Content != " world" || ev2.Offset != 5 {
		t.Fatalf("second chunk = %+v, want content=' world' offset=5", ev2)
	}
}

func TestDeviceServer_HandleComplete_WritesTerminalStateAndBroadcasts(t *testing.T) {
	subtasks := &fakeDeviceSubtaskStore{subtasks: map[string]*models.Subtask{
		"s1": {ID: "s1", ExecutorName: "device-dev-1", TaskID: "t1", UserID: "u1"},
	}}
	d, hub, cancel := newTestDeviceServer(t, &fakeDevicePresence{}, subtasks)
	defer cancel()
	sess := newTestDeviceSession(t, hub, "u1", "dev-1")
	hub.Join(sess.conn, taskRoom("t1"))
	hub.Join(sess.conn, userRoom("u1"))

	d.handleComplete(context.Background(), sess, reqMessage("task:complete", taskCompletePayload{SubtaskID: "s1", Status: "completed", Value: "done"}))

	if subtasks.completed["s1"] == nil || subtasks.completed["s1"].Value != "done" {
		t.Fatalf("expected subtask to be completed with value done, got %+v", subtasks.completed)
	}
	if len(subtasks.mirrored) != 1 || subtasks.mirrored[0] != "t1" {
		t.Fatalf("expected task mirror to be updated for t1, got %v", subtasks.mirrored)
	}
	sess.mu.Lock()
	_, hasOffset := sess.offsets["s1"]
	sess.mu.Unlock()
	if hasOffset {
		t.Fatalf("expected offset bookkeeping to be cleared on completion")
	}
}

func TestDeviceServer_HandleDisconnect_FailsRunningSubtasksForThatDevice(t *testing.T) {
	subtasks := &fakeDeviceSubtaskStore{
		runningByDev: map[string][]*models.Subtask{
			"device-dev-1": {{ID: "s1", TaskID: "t1", UserID: "u1"}, {ID: "s2", TaskID: "t1", UserID: "u1"}},
		},
	}
	presence := &fakeDevicePresence{}
	d, hub, cancel := newTestDeviceServer(t, presence, subtasks)
	defer cancel()
	sess := newTestDeviceSession(t, hub, "u1", "dev-1")

	d.handleDisconnect(sess)

	if subtasks.failed["s1"] == "" || subtasks.failed["s2"] == "" {
		t.Fatalf("expected both running subtasks to be failed, got %+v", subtasks.failed)
	}
	if len(presence.unregistered) != 1 || presence.unregistered[0] != "dev-1" {
		t.Fatalf("expected device presence to be unregistered, got %v", presence.unregistered)
	}
}

func TestDeviceServer_HandleDisconnect_NoOpWithoutRegisteredDevice(t *testing.T) {
	subtasks := &fakeDeviceSubtaskStore{}
	presence := &fakeDevicePresence{}
	d, hub, cancel := newTestDeviceServer(t, presence, subtasks)
	defer cancel()
	sess := newTestDeviceSession(t, hub, "u1", "")

	d.handleDisconnect(sess)

	if len(presence.unregistered) != 0 {
		t.Fatalf("expected no unregister call when the device never registered")
	}
}

func TestDeviceExecutorName(t *testing.T) {
	if got := deviceExecutorName("abc"); got != "device-abc" {
		t.Fatalf("deviceExecutorName(abc) = %q, want device-abc", got)
	}
}
