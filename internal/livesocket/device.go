package livesocket

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/execplane/internal/common/logger"
	"github.com/kandev/execplane/internal/execution/emitter"
	"github.com/kandev/execplane/internal/execution/model"
	"github.com/kandev/execplane/internal/task/models"
	v1 "github.com/kandev/execplane/pkg/api/v1"
	ws "github.com/kandev/execplane/pkg/websocket"
)

var deviceUpgrader = gorillaws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// DevicePresence is the presence-tracking slice of StateStore the
// /local-executor namespace needs.
type DevicePresence interface {
	RegisterDevice(ctx context.Context, userID, deviceID, name string) error
	RefreshDevicePresence(ctx context.Context, userID, deviceID string) error
	SetDeviceStatus(ctx context.Context, userID, deviceID, status string) error
	UnregisterDevice(ctx context.Context, userID, deviceID string) error
}

// DeviceSubtaskStore is the persistence surface the execution-relay
// handlers need: ownership lookup, terminal writes, and the task mirror
// derivation the Dispatcher's StatusUpdatingEmitter would otherwise own
// (the device path bypasses the Dispatcher, so this namespace re-does it).
type DeviceSubtaskStore interface {
	GetSubtask(ctx context.Context, id string) (*models.Subtask, error)
	CompleteSubtask(ctx context.Context, id string, result *v1.SubtaskResult) error
	FailSubtask(ctx context.Context, id, errMsg string) error
	UpdateTaskMirrorFromSubtask(ctx context.Context, taskID, subtaskID string) error
	RunningSubtasksByExecutor(ctx context.Context, executorName string) ([]*models.Subtask, error)
}

// DeviceServer implements the /local-executor namespace: device
// registration, heartbeats, status, and the progress/completion relay for
// tasks the dispatcher pushed to a device over task:execute.
type DeviceServer struct {
	hub      *Hub
	auth     TokenValidator
	presence DevicePresence
	subtasks DeviceSubtaskStore
	log      *logger.Logger
}

// NewDeviceServer builds the /local-executor namespace handler.
func NewDeviceServer(hub *Hub, auth TokenValidator, presence DevicePresence, subtasks DeviceSubtaskStore, log *logger.Logger) *DeviceServer {
	return &DeviceServer{hub: hub, auth: auth, presence: presence, subtasks: subtasks, log: log.WithFields(zap.String("component", "device-socket"))}
}

type deviceSession struct {
	conn     *Conn
	userID   string
	userName string
	deviceID string

	mu      sync.Mutex
	offsets map[string]int // subtaskID -> last emitted content offset
}

func deviceExecutorName(deviceID string) string { return fmt.Sprintf("device-%s", deviceID) }

// HandleConnection upgrades and authenticates a device connection: the
// "token" query parameter must carry a valid auth_token, or the request
// gets a 401. Unlike /chat there is no Authorization-header fallback. The
// device registers itself with device:register once connected.
func (d *DeviceServer) HandleConnection(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": ErrUnauthenticated.Error()})
		return
	}
	claims, err := d.auth.ValidateAuthToken(token)
	if err != nil || claims.UserID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": ErrUnauthenticated.Error()})
		return
	}

	wsConn, err := deviceUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		d.log.Warn("device upgrade failed", zap.Error(err))
		return
	}

	conn := newConn(uuid.NewString(), wsConn, d.hub, d.log)
	sess := &deviceSession{conn: conn, userID: claims.UserID, userName: claims.UserName, offsets: make(map[string]int)}

	d.hub.Register(conn)

	go conn.writePump()
	conn.readPump(func(msg *ws.Message) {
		d.handleMessage(c.Request.Context(), sess, msg)
	}, func() {
		d.handleDisconnect(sess)
	})
}

func (d *DeviceServer) handleMessage(ctx context.Context, sess *deviceSession, msg *ws.Message) {
	switch msg.Action {
	case "device:register":
		d.handleRegister(ctx, sess, msg)
	case "device:heartbeat":
		d.handleHeartbeat(ctx, sess, msg)
	case "device:status":
		d.handleStatus(ctx, sess, msg)
	case "task:progress":
		d.handleProgress(ctx, sess, msg)
	case "task:complete":
		d.handleComplete(ctx, sess, msg)
	default:
		sess.conn.sendMessage(errMsg(msg, ws.ErrorCodeUnknownAction, "unknown action: "+msg.Action))
	}
}

type deviceRegisterPayload struct {
	DeviceID string `json:"device_id"`
	Name     string `json:"name"`
}

func (d *DeviceServer) handleRegister(ctx context.Context, sess *deviceSession, msg *ws.Message) {
	var req deviceRegisterPayload
	if err := msg.ParsePayload(&req); err != nil || req.DeviceID == "" {
		sess.conn.sendMessage(errMsg(msg, ws.ErrorCodeBadRequest, "device_id is required"))
		return
	}
	sess.deviceID = req.DeviceID
	if err := d.presence.RegisterDevice(ctx, sess.userID, req.DeviceID, req.Name); err != nil {
		d.log.Error("register device failed", zap.Error(err), zap.String("device_id", req.DeviceID))
	}
	d.hub.Join(sess.conn, deviceRoom(sess.userID, req.DeviceID))
	d.hub.Broadcast(userRoom(sess.userID), "device:status", map[string]any{"device_id": req.DeviceID, "status": "online"})
	sess.conn.sendMessage(resp(msg, map[string]any{"success": true}))
}

func (d *DeviceServer) handleHeartbeat(ctx context.Context, sess *deviceSession, msg *ws.Message) {
	if sess.deviceID == "" {
		sess.conn.sendMessage(errMsg(msg, ws.ErrorCodeBadRequest, "device not registered"))
		return
	}
	if err := d.presence.RefreshDevicePresence(ctx, sess.userID, sess.deviceID); err != nil {
		d.log.Error("refresh device presence failed", zap.Error(err), zap.String("device_id", sess.deviceID))
	}
	sess.conn.sendMessage(resp(msg, map[string]any{"success": true}))
}

type deviceStatusPayload struct {
	DeviceID string `json:"device_id"`
	Status   string `json:"status"`
}

func (d *DeviceServer) handleStatus(ctx context.Context, sess *deviceSession, msg *ws.Message) {
	var req deviceStatusPayload
	if err := msg.ParsePayload(&req); err != nil || req.DeviceID == "" || req.Status == "" {
		sess.conn.sendMessage(errMsg(msg, ws.ErrorCodeBadRequest, "device_id and status are required"))
		return
	}
	if err := d.presence.SetDeviceStatus(ctx, sess.userID, req.DeviceID, req.Status); err != nil {
		d.log.Error("set device status failed", zap.Error(err), zap.String("device_id", req.DeviceID))
	}
	d.hub.Broadcast(userRoom(sess.userID), "device:status", req)
	sess.conn.sendMessage(resp(msg, map[string]any{"success": true}))
}

type taskProgressPayload struct {
	TaskID    string `json:"task_id"`
	SubtaskID string `json:"subtask_id"`
	Value     string `json:"value"`
}

// handleProgress relays a partial result: ownership-checked against
// subtask.executor_name, delta-computed against the device session's last
// emitted offset, and pushed as a chat:chunk through the shared hub.
func (d *DeviceServer) handleProgress(ctx context.Context, sess *deviceSession, msg *ws.Message) {
	var req taskProgressPayload
	if err := msg.ParsePayload(&req); err != nil || req.SubtaskID == "" {
		sess.conn.sendMessage(errMsg(msg, ws.ErrorCodeBadRequest, "subtask_id is required"))
		return
	}
	sub, err := d.subtasks.GetSubtask(ctx, req.SubtaskID)
	if err != nil || sub.ExecutorName != deviceExecutorName(sess.deviceID) {
		sess.conn.sendMessage(errMsg(msg, ws.ErrorCodeForbidden, "subtask not owned by this device"))
		return
	}

	sess.mu.Lock()
	last := sess.offsets[req.SubtaskID]
	delta := ""
	if len(req.Value) > last {
		delta = req.Value[last:]
		sess.offsets[req.SubtaskID] = len(req.Value)
	}
	sess.mu.Unlock()

	if delta != "" {
		out := emitter.NewWebSocketEmitter(d.hub, sub.TaskID, sub.ID, sub.UserID)
		_ = emitter.EmitChunk(ctx, out, sub.TaskID, sub.ID, sub.MessageID, delta, last)
	}
}

type taskCompletePayload struct {
	TaskID    string `json:"task_id"`
	SubtaskID string `json:"subtask_id"`
	Status    string `json:"status"` // completed | failed
	Value     string `json:"value"`
	Error     string `json:"error"`
}

// handleComplete writes the subtask's terminal state and emits the
// matching chat:done/chat:error plus a task:status to the owning user's
// room.
func (d *DeviceServer) handleComplete(ctx context.Context, sess *deviceSession, msg *ws.Message) {
	var req taskCompletePayload
	if err := msg.ParsePayload(&req); err != nil || req.SubtaskID == "" {
		sess.conn.sendMessage(errMsg(msg, ws.ErrorCodeBadRequest, "subtask_id is required"))
		return
	}
	sub, err := d.subtasks.GetSubtask(ctx, req.SubtaskID)
	if err != nil || sub.ExecutorName != deviceExecutorName(sess.deviceID) {
		sess.conn.sendMessage(errMsg(msg, ws.ErrorCodeForbidden, "subtask not owned by this device"))
		return
	}

	out := emitter.NewWebSocketEmitter(d.hub, sub.TaskID, sub.ID, sub.UserID)
	if req.Status == "failed" {
		if err := d.subtasks.FailSubtask(ctx, sub.ID, req.Error); err != nil {
			d.log.Error("fail subtask failed", zap.Error(err), zap.String("subtask_id", sub.ID))
		}
		_ = emitter.EmitError(ctx, out, sub.TaskID, sub.ID, sub.MessageID, req.Error)
	} else {
		result := &v1.SubtaskResult{Value: req.Value}
		if err := d.subtasks.CompleteSubtask(ctx, sub.ID, result); err != nil {
			d.log.Error("complete subtask failed", zap.Error(err), zap.String("subtask_id", sub.ID))
		}
		_ = emitter.EmitDone(ctx, out, sub.TaskID, sub.ID, sub.MessageID, &model.Result{Value: req.Value})
	}
	if err := d.subtasks.UpdateTaskMirrorFromSubtask(ctx, sub.TaskID, sub.ID); err != nil {
		d.log.Error("task mirror derivation failed", zap.Error(err), zap.String("task_id", sub.TaskID))
	}
	d.hub.Broadcast(userRoom(sub.UserID), "task:status", map[string]any{"task_id": sub.TaskID, "status": req.Status})

	sess.mu.Lock()
	delete(sess.offsets, req.SubtaskID)
	sess.mu.Unlock()
}

// handleDisconnect fails every subtask still RUNNING on this device and
// mirrors a task:status for each distinct task, matching an abrupt
// network drop rather than a clean task:complete.
func (d *DeviceServer) handleDisconnect(sess *deviceSession) {
	if sess.deviceID == "" {
		return
	}
	ctx := context.Background()
	if err := d.presence.UnregisterDevice(ctx, sess.userID, sess.deviceID); err != nil {
		d.log.Error("unregister device failed", zap.Error(err), zap.String("device_id", sess.deviceID))
	}

	running, err := d.subtasks.RunningSubtasksByExecutor(ctx, deviceExecutorName(sess.deviceID))
	if err != nil {
		d.log.Error("list running subtasks for device failed", zap.Error(err), zap.String("device_id", sess.deviceID))
		return
	}

	const msg = "Device disconnected unexpectedly"
	seenTasks := make(map[string]bool)
	for _, sub := range running {
		if err := d.subtasks.FailSubtask(ctx, sub.ID, msg); err != nil {
			d.log.Error("fail orphaned subtask failed", zap.Error(err), zap.String("subtask_id", sub.ID))
			continue
		}
		if err := d.subtasks.UpdateTaskMirrorFromSubtask(ctx, sub.TaskID, sub.ID); err != nil {
			d.log.Error("task mirror derivation failed", zap.Error(err), zap.String("task_id", sub.TaskID))
		}
		if !seenTasks[sub.TaskID] {
			seenTasks[sub.TaskID] = true
			d.hub.Broadcast(userRoom(sub.UserID), "task:status", map[string]any{"task_id": sub.TaskID, "status": "failed"})
		}
	}
}
