package livesocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/execplane/internal/common/appctx"
	"github.com/kandev/execplane/internal/common/logger"
	"github.com/kandev/execplane/internal/execution/dispatcher"
	"github.com/kandev/execplane/internal/execution/model"
	"github.com/kandev/execplane/internal/task/models"
	"github.com/kandev/execplane/internal/tracing"
	ws "github.com/kandev/execplane/pkg/websocket"
)

var chatUpgrader = gorillaws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// TaskAccess is the read-only task lookup /chat needs for its permission
// check on task:join and chat:send.
type TaskAccess interface {
	GetTask(ctx context.Context, taskID string) (*models.Task, error)
}

// SubtaskStore is the persistence surface /chat drives directly: creating
// the user/assistant turns and serving same-ID retry and history:sync.
type SubtaskStore interface {
	CreateSubtask(ctx context.Context, s *models.Subtask) error
	GetSubtask(ctx context.Context, id string) (*models.Subtask, error)
	GetSubtaskByParentID(ctx context.Context, taskID string, parentMessageID int64) (*models.Subtask, error)
	SubtasksAfter(ctx context.Context, taskID string, afterMessageID int64) ([]*models.Subtask, error)
	LatestAssistantSubtask(ctx context.Context, taskID string) (*models.Subtask, error)
	ResetSubtaskForRetry(ctx context.Context, id string) error
	NextMessageID(ctx context.Context, taskID string) (int64, error)
}

// StreamCache is the subset of StateStore /chat needs for resumable
// streaming: replay buffers and clearing the cancellation flag a retry
// picks back up. Setting the flag itself now happens through the
// Dispatcher's own CancellationFlagStore view, reached via
// AssistantTrigger.CancelAssistantSubtask rather than directly here.
type StreamCache interface {
	StreamingReplay(ctx context.Context, subtaskID string) (string, error)
	ClearCancelled(ctx context.Context, subtaskID string) error
}

// AssistantTrigger is the glue hook that turns a newly created user
// subtask into a running assistant turn: resolving bots, building the
// ExecutionRequest, and handing it to the Dispatcher. Kept out of this
// package so /chat never has to import the builder's resolver chain.
type AssistantTrigger interface {
	// TriggerNewAssistantSubtask creates a pending assistant subtask as a
	// reply to userSubtask and dispatches it, returning the new subtask's
	// id. Dispatch happens in the background; this may return before the
	// run completes.
	TriggerNewAssistantSubtask(ctx context.Context, userSubtask *models.Subtask, opts TriggerOptions) (subtaskID string, err error)

	// RetryAssistantSubtask resets an existing assistant subtask to
	// PENDING and redispatches it with the same id.
	RetryAssistantSubtask(ctx context.Context, assistantSubtask *models.Subtask, opts TriggerOptions) error

	// CancelAssistantSubtask aborts a running assistant turn, writing its
	// terminal state with partialContent as the result when no in-process
	// stream is left to do so on its own.
	CancelAssistantSubtask(ctx context.Context, assistantSubtask *models.Subtask, partialContent string, opts TriggerOptions) error
}

// TriggerOptions carries the per-send overrides a chat:send/chat:retry
// payload may specify.
type TriggerOptions struct {
	UseModelOverride          bool
	ModelOverrideID           string
	ForceOverrideBotModel     bool
	ForceOverrideBotModelType string
	AttachmentIDs             []string
	Hub                       dispatcher.HubForDevice
	DeviceID                  string
}

// ChatServer implements the /chat namespace.
type ChatServer struct {
	hub      *Hub
	auth     TokenValidator
	tasks    TaskAccess
	subtasks SubtaskStore
	cache    StreamCache
	trigger  AssistantTrigger
	stopCh   <-chan struct{}
	log      *logger.Logger
}

// NewChatServer builds the /chat namespace handler over its collaborators.
// stopCh is closed at process shutdown, bounding background dispatches
// started on behalf of a send whose socket has since disconnected.
func NewChatServer(hub *Hub, auth TokenValidator, tasks TaskAccess, subtasks SubtaskStore, cache StreamCache, trigger AssistantTrigger, stopCh <-chan struct{}, log *logger.Logger) *ChatServer {
	return &ChatServer{
		hub: hub, auth: auth, tasks: tasks, subtasks: subtasks, cache: cache, trigger: trigger,
		stopCh: stopCh, log: log.WithFields(zap.String("component", "chat-socket")),
	}
}

type chatSession struct {
	conn     *Conn
	userID   string
	userName string
	reqID    string
}

// HandleConnection upgrades the request to a websocket and authenticates
// it before admitting it to the hub: the "token" query parameter, or
// failing that an "Authorization: Bearer" header, must carry a valid
// auth_token, or the upgrade is refused.
func (s *ChatServer) HandleConnection(c *gin.Context) {
	claims, err := s.authenticate(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	wsConn, err := chatUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("chat upgrade failed", zap.Error(err))
		return
	}

	conn := newConn(uuid.NewString(), wsConn, s.hub, s.log)
	session := &chatSession{conn: conn, userID: claims.UserID, userName: claims.UserName, reqID: uuid.NewString()}

	s.hub.Register(conn)
	s.hub.Join(conn, userRoom(session.userID))

	go conn.writePump()
	conn.readPump(func(msg *ws.Message) {
		s.handleMessage(c.Request.Context(), session, msg)
	}, nil)
}

func (s *ChatServer) authenticate(c *gin.Context) (*AuthClaims, error) {
	token := c.Query("token")
	if token == "" {
		token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	if token == "" {
		return nil, ErrUnauthenticated
	}
	claims, err := s.auth.ValidateAuthToken(token)
	if err != nil || claims.UserID == "" {
		return nil, ErrUnauthenticated
	}
	return claims, nil
}

func (s *ChatServer) handleMessage(ctx context.Context, sess *chatSession, msg *ws.Message) {
	ctx, span := tracing.Tracer("execplane-chat").Start(ctx, msg.Action)
	defer span.End()

	switch msg.Action {
	case "task:join":
		s.handleTaskJoin(ctx, sess, msg)
	case "task:leave":
		s.handleTaskLeave(sess, msg)
	case "chat:send":
		s.handleChatSend(ctx, sess, msg)
	case "chat:cancel":
		s.handleChatCancel(ctx, sess, msg)
	case "chat:retry":
		s.handleChatRetry(ctx, sess, msg)
	case "chat:resume":
		s.handleChatResume(ctx, sess, msg)
	case "history:sync":
		s.handleHistorySync(ctx, sess, msg)
	default:
		sess.conn.sendMessage(errMsg(msg, ws.ErrorCodeUnknownAction, "unknown action: "+msg.Action))
	}
}

func (s *ChatServer) canAccessTask(task *models.Task, userID string) bool {
	// Ownership is the only membership signal this plane persists locally;
	// team/shared-task membership lives in the external task resource and
	// is out of scope here (see DESIGN.md).
	return task.UserID == userID
}

type taskJoinPayload struct {
	TaskID string `json:"task_id"`
}

func (s *ChatServer) handleTaskJoin(ctx context.Context, sess *chatSession, msg *ws.Message) {
	var req taskJoinPayload
	if err := msg.ParsePayload(&req); err != nil || req.TaskID == "" {
		sess.conn.sendMessage(errMsg(msg, ws.ErrorCodeBadRequest, "task_id is required"))
		return
	}
	task, err := s.tasks.GetTask(ctx, req.TaskID)
	if err != nil {
		sess.conn.sendMessage(errMsg(msg, ws.ErrorCodeNotFound, "task not found"))
		return
	}
	if !s.canAccessTask(task, sess.userID) {
		sess.conn.sendMessage(errMsg(msg, ws.ErrorCodeForbidden, "not a member of this task"))
		return
	}
	s.hub.Join(sess.conn, taskRoom(req.TaskID))

	payload := map[string]any{"streaming": nil}
	if streaming := s.resolveStreaming(ctx, req.TaskID); streaming != nil {
		payload["streaming"] = streaming
	}
	sess.conn.sendMessage(resp(msg, payload))
}

type streamingInfo struct {
	SubtaskID     string `json:"subtask_id"`
	Offset        int    `json:"offset"`
	CachedContent string `json:"cached_content"`
}

// resolveStreaming finds the task's currently RUNNING assistant subtask,
// if any, and returns the state a resuming client needs to catch up.
func (s *ChatServer) resolveStreaming(ctx context.Context, taskID string) *streamingInfo {
	sub, err := s.subtasks.LatestAssistantSubtask(ctx, taskID)
	if err != nil || sub == nil || sub.Status != "running" {
		return nil
	}
	cached, err := s.cache.StreamingReplay(ctx, sub.ID)
	if err != nil {
		return nil
	}
	return &streamingInfo{SubtaskID: sub.ID, Offset: len(cached), CachedContent: cached}
}

func (s *ChatServer) handleTaskLeave(sess *chatSession, msg *ws.Message) {
	var req taskJoinPayload
	if err := msg.ParsePayload(&req); err != nil || req.TaskID == "" {
		sess.conn.sendMessage(errMsg(msg, ws.ErrorCodeBadRequest, "task_id is required"))
		return
	}
	s.hub.Leave(sess.conn, taskRoom(req.TaskID))
	sess.conn.sendMessage(resp(msg, map[string]any{"success": true}))
}

type chatSendPayload struct {
	TeamID                   string   `json:"team_id"`
	TaskID                   string   `json:"task_id"`
	Message                  string   `json:"message"`
	AttachmentIDs            []string `json:"attachment_ids"`
	Title                    string   `json:"title"`
	IsGroupChat              bool     `json:"is_group_chat"`
	ForceOverrideBotModel    bool     `json:"force_override_bot_model"`
	Contexts                 []string `json:"contexts"`
}

func (s *ChatServer) handleChatSend(ctx context.Context, sess *chatSession, msg *ws.Message) {
	var req chatSendPayload
	if err := msg.ParsePayload(&req); err != nil || req.Message == "" {
		sess.conn.sendMessage(errMsg(msg, ws.ErrorCodeBadRequest, "message is required"))
		return
	}
	if req.TaskID == "" {
		sess.conn.sendMessage(errMsg(msg, ws.ErrorCodeBadRequest, "task_id is required"))
		return
	}
	task, err := s.tasks.GetTask(ctx, req.TaskID)
	if err != nil {
		sess.conn.sendMessage(errMsg(msg, ws.ErrorCodeNotFound, "task not found"))
		return
	}
	if !s.canAccessTask(task, sess.userID) {
		sess.conn.sendMessage(errMsg(msg, ws.ErrorCodeForbidden, "not a member of this task"))
		return
	}

	messageID, err := s.subtasks.NextMessageID(ctx, req.TaskID)
	if err != nil {
		sess.conn.sendMessage(errMsg(msg, ws.ErrorCodeInternalError, "allocate message id: "+err.Error()))
		return
	}

	now := time.Now()
	userSubtask := &models.Subtask{
		ID: uuid.NewString(), TaskID: req.TaskID, MessageID: messageID,
		Role: "user", Status: "completed", Prompt: req.Message,
		TeamID: req.TeamID, UserID: sess.userID,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.subtasks.CreateSubtask(ctx, userSubtask); err != nil {
		sess.conn.sendMessage(errMsg(msg, ws.ErrorCodeInternalError, "create subtask: "+err.Error()))
		return
	}

	s.hub.BroadcastExcept(taskRoom(req.TaskID), "chat:message", userSubtask.ToAPI(), sess.conn)

	shouldTrigger := !req.IsGroupChat || mentionsTeam(req.Message, req.TeamID)
	var assistantID string
	if shouldTrigger {
		assistantID, err = s.trigger.TriggerNewAssistantSubtask(
			appctxDetach(ctx, s.stopCh), userSubtask,
			TriggerOptions{ForceOverrideBotModel: req.ForceOverrideBotModel, AttachmentIDs: req.AttachmentIDs, Hub: s.hub},
		)
		if err != nil {
			s.log.Error("trigger assistant subtask failed", zap.Error(err), zap.String("task_id", req.TaskID))
		}
	}

	sess.conn.sendMessage(resp(msg, map[string]any{
		"task_id":    req.TaskID,
		"subtask_id": assistantID,
		"message_id": messageID,
	}))
}

// mentionsTeam reports whether a group-chat message @-mentions the team's
// name, the trigger condition for group-chat AI turns.
func mentionsTeam(message, teamName string) bool {
	if teamName == "" {
		return false
	}
	return strings.Contains(message, "@"+teamName)
}

type chatCancelPayload struct {
	SubtaskID      string `json:"subtask_id"`
	PartialContent string `json:"partial_content"`
}

func (s *ChatServer) handleChatCancel(ctx context.Context, sess *chatSession, msg *ws.Message) {
	var req chatCancelPayload
	if err := msg.ParsePayload(&req); err != nil || req.SubtaskID == "" {
		sess.conn.sendMessage(errMsg(msg, ws.ErrorCodeBadRequest, "subtask_id is required"))
		return
	}
	sub, err := s.subtasks.GetSubtask(ctx, req.SubtaskID)
	if err != nil {
		sess.conn.sendMessage(errMsg(msg, ws.ErrorCodeNotFound, "subtask not found"))
		return
	}
	if sub.UserID != sess.userID {
		sess.conn.sendMessage(errMsg(msg, ws.ErrorCodeForbidden, "not the owner of this subtask"))
		return
	}

	if err := s.trigger.CancelAssistantSubtask(ctx, sub, req.PartialContent, TriggerOptions{Hub: s.hub}); err != nil {
		s.log.Error("cancel assistant subtask failed", zap.Error(err), zap.String("subtask_id", req.SubtaskID))
		sess.conn.sendMessage(errMsg(msg, ws.ErrorCodeInternalError, "cancel subtask: "+err.Error()))
		return
	}
	sess.conn.sendMessage(resp(msg, map[string]any{"success": true}))
}

type chatRetryPayload struct {
	TaskID                    string `json:"task_id"`
	SubtaskID                 string `json:"subtask_id"`
	UseModelOverride          bool   `json:"use_model_override"`
	ForceOverrideBotModel     bool   `json:"force_override_bot_model"`
	ForceOverrideBotModelType string `json:"force_override_bot_model_type"`
}

func (s *ChatServer) handleChatRetry(ctx context.Context, sess *chatSession, msg *ws.Message) {
	var req chatRetryPayload
	if err := msg.ParsePayload(&req); err != nil || req.SubtaskID == "" {
		sess.conn.sendMessage(errMsg(msg, ws.ErrorCodeBadRequest, "subtask_id is required"))
		return
	}
	assistant, err := s.subtasks.GetSubtask(ctx, req.SubtaskID)
	if err != nil {
		sess.conn.sendMessage(errMsg(msg, ws.ErrorCodeNotFound, "subtask not found"))
		return
	}
	if assistant.UserID != sess.userID {
		sess.conn.sendMessage(errMsg(msg, ws.ErrorCodeForbidden, "not the owner of this subtask"))
		return
	}
	if err := s.subtasks.ResetSubtaskForRetry(ctx, assistant.ID); err != nil {
		sess.conn.sendMessage(errMsg(msg, ws.ErrorCodeInternalError, "reset subtask: "+err.Error()))
		return
	}
	// a previously cancelled run leaves the flag set; clear it so the
	// retried stream isn't cancelled on its very first poll.
	if err := s.cache.ClearCancelled(ctx, assistant.ID); err != nil {
		s.log.Error("clear cancellation flag failed", zap.Error(err), zap.String("subtask_id", assistant.ID))
	}
	opts := TriggerOptions{
		UseModelOverride: req.UseModelOverride, ForceOverrideBotModel: req.ForceOverrideBotModel,
		ForceOverrideBotModelType: req.ForceOverrideBotModelType, Hub: s.hub,
	}
	if err := s.trigger.RetryAssistantSubtask(appctxDetach(ctx, s.stopCh), assistant, opts); err != nil {
		s.log.Error("retry assistant subtask failed", zap.Error(err), zap.String("subtask_id", assistant.ID))
	}
	sess.conn.sendMessage(resp(msg, map[string]any{"success": true, "subtask_id": assistant.ID}))
}

type chatResumePayload struct {
	TaskID    string `json:"task_id"`
	SubtaskID string `json:"subtask_id"`
	Offset    int    `json:"offset"`
}

func (s *ChatServer) handleChatResume(ctx context.Context, sess *chatSession, msg *ws.Message) {
	var req chatResumePayload
	if err := msg.ParsePayload(&req); err != nil || req.TaskID == "" || req.SubtaskID == "" {
		sess.conn.sendMessage(errMsg(msg, ws.ErrorCodeBadRequest, "task_id and subtask_id are required"))
		return
	}
	s.hub.Join(sess.conn, taskRoom(req.TaskID))

	cached, err := s.cache.StreamingReplay(ctx, req.SubtaskID)
	if err != nil {
		s.log.Error("streaming replay lookup failed", zap.Error(err), zap.String("subtask_id", req.SubtaskID))
		sess.conn.sendMessage(resp(msg, map[string]any{"success": true}))
		return
	}
	if req.Offset < len(cached) {
		ev := &model.ExecutionEvent{
			Type: model.EventChunk, TaskID: req.TaskID, SubtaskID: req.SubtaskID,
			Content: cached[req.Offset:], Offset: req.Offset,
		}
		sess.conn.sendMessage(resp(msg, ev))
		return
	}
	sess.conn.sendMessage(resp(msg, map[string]any{"success": true}))
}

type historySyncPayload struct {
	TaskID        string `json:"task_id"`
	AfterMessageID int64 `json:"after_message_id"`
}

func (s *ChatServer) handleHistorySync(ctx context.Context, sess *chatSession, msg *ws.Message) {
	var req historySyncPayload
	if err := msg.ParsePayload(&req); err != nil || req.TaskID == "" {
		sess.conn.sendMessage(errMsg(msg, ws.ErrorCodeBadRequest, "task_id is required"))
		return
	}
	task, err := s.tasks.GetTask(ctx, req.TaskID)
	if err != nil {
		sess.conn.sendMessage(errMsg(msg, ws.ErrorCodeNotFound, "task not found"))
		return
	}
	if !s.canAccessTask(task, sess.userID) {
		sess.conn.sendMessage(errMsg(msg, ws.ErrorCodeForbidden, "not a member of this task"))
		return
	}
	subs, err := s.subtasks.SubtasksAfter(ctx, req.TaskID, req.AfterMessageID)
	if err != nil {
		sess.conn.sendMessage(errMsg(msg, ws.ErrorCodeInternalError, "list subtasks: "+err.Error()))
		return
	}
	api := make([]any, 0, len(subs))
	for _, sub := range subs {
		api = append(api, sub.ToAPI())
	}
	sess.conn.sendMessage(resp(msg, map[string]any{"subtasks": api}))
}

func appctxDetach(ctx context.Context, stopCh <-chan struct{}) context.Context {
	detached, _ := appctx.Detached(ctx, stopCh, 10*time.Minute)
	return detached
}

func resp(msg *ws.Message, payload any) *ws.Message {
	m, err := ws.NewResponse(msg.ID, msg.Action, payload)
	if err != nil {
		body, _ := json.Marshal(map[string]string{"error": "marshal response failed"})
		return &ws.Message{ID: msg.ID, Type: ws.MessageTypeError, Action: msg.Action, Payload: body}
	}
	return m
}

func errMsg(msg *ws.Message, code, message string) *ws.Message {
	m, _ := ws.NewError(msg.ID, msg.Action, code, message, nil)
	return m
}

func taskRoom(taskID string) string   { return fmt.Sprintf("task:%s", taskID) }
func userRoom(userID string) string   { return fmt.Sprintf("user:%s", userID) }
func deviceRoom(userID, deviceID string) string {
	return fmt.Sprintf("device:%s:%s", userID, deviceID)
}
