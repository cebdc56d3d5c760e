package glue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/execplane/internal/common/logger"
	"github.com/kandev/execplane/internal/execution/builder"
	"github.com/kandev/execplane/internal/execution/dispatcher"
	"github.com/kandev/execplane/internal/execution/model"
	"github.com/kandev/execplane/internal/livesocket"
	"github.com/kandev/execplane/internal/task/models"
	v1 "github.com/kandev/execplane/pkg/api/v1"
)

// TaskRepository is the persistence surface Trigger needs beyond what the
// builder's resolvers cover: allocating the assistant subtask's row,
// reading enough of the task graph to assemble a builder.TaskContext, and
// writing the terminal state chat:cancel needs when no in-process stream
// is left to do it.
type TaskRepository interface {
	GetTask(ctx context.Context, taskID string) (*models.Task, error)
	CreateSubtask(ctx context.Context, s *models.Subtask) error
	GetSubtaskByParentID(ctx context.Context, taskID string, parentMessageID int64) (*models.Subtask, error)
	SubtasksAfter(ctx context.Context, taskID string, afterMessageID int64) ([]*models.Subtask, error)
	LatestAssistantSubtask(ctx context.Context, taskID string) (*models.Subtask, error)
	NextMessageID(ctx context.Context, taskID string) (int64, error)
	CancelSubtask(ctx context.Context, id string, result *v1.SubtaskResult) error
	UpdateTaskMirrorFromSubtask(ctx context.Context, taskID, subtaskID string) error
}

// Trigger implements livesocket.AssistantTrigger: it resolves the task's bot
// assignment, assembles the ExecutionRequest via the builder, and hands it
// to the Dispatcher. Kept out of the livesocket/builder/dispatcher packages
// themselves so none of them has to import the other two.
type Trigger struct {
	repo       TaskRepository
	bots       BotAssignmentResolver
	build      *builder.Builder
	dispatcher *dispatcher.Dispatcher
	log        *logger.Logger
}

// NewTrigger builds the glue-layer AssistantTrigger.
func NewTrigger(repo TaskRepository, bots BotAssignmentResolver, build *builder.Builder, d *dispatcher.Dispatcher, log *logger.Logger) *Trigger {
	return &Trigger{repo: repo, bots: bots, build: build, dispatcher: d, log: log.WithFields(zap.String("component", "assistant-trigger"))}
}

// TriggerNewAssistantSubtask implements livesocket.AssistantTrigger.
func (t *Trigger) TriggerNewAssistantSubtask(ctx context.Context, userSubtask *models.Subtask, opts livesocket.TriggerOptions) (string, error) {
	task, err := t.repo.GetTask(ctx, userSubtask.TaskID)
	if err != nil {
		return "", fmt.Errorf("get task: %w", err)
	}
	bots, err := t.bots.ResolveTaskBots(ctx, userSubtask.TaskID)
	if err != nil {
		return "", fmt.Errorf("resolve task bots: %w", err)
	}

	messageID, err := t.repo.NextMessageID(ctx, userSubtask.TaskID)
	if err != nil {
		return "", fmt.Errorf("allocate message id: %w", err)
	}

	now := time.Now()
	assistant := &models.Subtask{
		ID:        uuid.NewString(),
		TaskID:    userSubtask.TaskID,
		MessageID: messageID,
		Role:      "assistant",
		Status:    "pending",
		ParentID:  userSubtask.MessageID,
		BotIDs:    botIDs(bots),
		TeamID:    userSubtask.TeamID,
		UserID:    userSubtask.UserID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tctx, err := t.taskContext(ctx, task, userSubtask.TaskID, opts)
	if err != nil {
		return "", err
	}
	req, err := t.build.Build(ctx, userSubtask, assistant, bots, tctx)
	if err != nil {
		t.log.Error("build execution request failed", zap.Error(err), zap.String("subtask_id", assistant.ID))
		return "", err
	}
	// recorded before CreateSubtask so a later chat:cancel can route
	// without re-resolving the task's bot assignment.
	assistant.ShellType = req.ShellType()

	if err := t.repo.CreateSubtask(ctx, assistant); err != nil {
		return "", fmt.Errorf("create assistant subtask: %w", err)
	}

	go t.run(ctx, req, opts)
	return assistant.ID, nil
}

// RetryAssistantSubtask implements livesocket.AssistantTrigger. The caller
// has already reset the subtask to PENDING; this rebuilds the same request
// from the original triggering user turn and redispatches it under the same
// id.
func (t *Trigger) RetryAssistantSubtask(ctx context.Context, assistant *models.Subtask, opts livesocket.TriggerOptions) error {
	task, err := t.repo.GetTask(ctx, assistant.TaskID)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	user, err := t.repo.GetSubtaskByParentID(ctx, assistant.TaskID, assistant.ParentID)
	if err != nil {
		return fmt.Errorf("get triggering user subtask: %w", err)
	}
	bots, err := t.bots.ResolveTaskBots(ctx, assistant.TaskID)
	if err != nil {
		return fmt.Errorf("resolve task bots: %w", err)
	}

	tctx, err := t.taskContext(ctx, task, assistant.TaskID, opts)
	if err != nil {
		return err
	}
	req, err := t.build.Build(ctx, user, assistant, bots, tctx)
	if err != nil {
		return fmt.Errorf("build execution request: %w", err)
	}

	go t.run(ctx, req, opts)
	return nil
}

// CancelAssistantSubtask implements livesocket.AssistantTrigger. It
// reconstructs just enough of the original ExecutionRequest to route the
// cancel the same way the original dispatch was routed, and asks the
// Dispatcher to abort it. When the Dispatcher reports it held an
// in-process SSE stream for this subtask, that stream's own abort path
// (dispatcher.dispatchSSE) writes the terminal subtask state and client
// broadcast through the normal emitter pipeline, so there is nothing left
// to do here. Otherwise (websocket device dispatch, HTTP-callback
// container dispatch, or a different replica holding the stream) no
// in-process loop exists to observe the cancellation, so this writes the
// COMPLETED-with-partial-content terminal state directly, mirroring what
// the chat namespace's cancel handler always did regardless of transport.
func (t *Trigger) CancelAssistantSubtask(ctx context.Context, sub *models.Subtask, partialContent string, opts livesocket.TriggerOptions) error {
	deviceID := opts.DeviceID
	if deviceID == "" {
		if dev, ok := strings.CutPrefix(sub.ExecutorName, "device-"); ok {
			deviceID = dev
		}
	}
	req := &model.ExecutionRequest{
		TaskID:    sub.TaskID,
		SubtaskID: sub.ID,
		MessageID: sub.MessageID,
		Bot:       []model.Bot{{ShellType: sub.ShellType}},
		User:      model.User{ID: sub.UserID},
	}

	heldLocally, err := t.dispatcher.Cancel(ctx, req, opts.Hub, deviceID)
	if err != nil {
		t.log.Error("cancel dispatch failed", zap.Error(err), zap.String("subtask_id", sub.ID))
	}
	if heldLocally {
		return nil
	}

	result := &v1.SubtaskResult{Value: partialContent}
	if err := t.repo.CancelSubtask(ctx, sub.ID, result); err != nil {
		return fmt.Errorf("cancel subtask: %w", err)
	}
	if err := t.repo.UpdateTaskMirrorFromSubtask(ctx, sub.TaskID, sub.ID); err != nil {
		t.log.Error("update task mirror failed", zap.Error(err), zap.String("task_id", sub.TaskID))
	}

	if opts.Hub != nil {
		ev := &model.ExecutionEvent{Type: model.EventCancelled, TaskID: sub.TaskID, SubtaskID: sub.ID, MessageID: sub.MessageID}
		room := fmt.Sprintf("task:%s", sub.TaskID)
		opts.Hub.Broadcast(room, "chat:cancelled", ev)
		opts.Hub.Broadcast(room, "chat:done", ev)
		opts.Hub.Broadcast(room, "task:updated", map[string]any{"task_id": sub.TaskID})
	}
	return nil
}

// run drives the dispatch on a background goroutine so TriggerNewAssistantSubtask
// and RetryAssistantSubtask can return to the caller before the run
// completes, per the chat namespace's "ack now, stream later" contract. ctx
// is already detached from the originating request by the caller.
func (t *Trigger) run(ctx context.Context, req *model.ExecutionRequest, opts livesocket.TriggerOptions) {
	if err := t.dispatcher.Dispatch(ctx, req, opts.Hub, nil, opts.DeviceID); err != nil {
		t.log.Error("dispatch failed", zap.Error(err), zap.String("task_id", req.TaskID), zap.String("subtask_id", req.SubtaskID))
	}
}

// taskContext assembles a builder.TaskContext from the task's persisted
// labels, the prior assistant turn's result (for multi-turn continuation),
// the pipeline position (for pipeline-mode team prompts), and the
// chat:send/chat:retry override knobs carried on TriggerOptions.
func (t *Trigger) taskContext(ctx context.Context, task *models.Task, taskID string, opts livesocket.TriggerOptions) (builder.TaskContext, error) {
	labels := map[string]string{}
	for k, v := range task.Labels {
		labels[k] = v
	}
	if opts.ForceOverrideBotModel && opts.UseModelOverride && opts.ModelOverrideID != "" {
		labels["forceOverrideBotModel"] = "true"
		labels["modelId"] = opts.ModelOverrideID
	}
	if opts.ForceOverrideBotModelType != "" {
		labels["forceOverrideBotModelType"] = opts.ForceOverrideBotModelType
	}

	pipelineIndex, err := t.pipelineIndex(ctx, taskID)
	if err != nil {
		return builder.TaskContext{}, err
	}

	var previousResultValue string
	if prev, err := t.repo.LatestAssistantSubtask(ctx, taskID); err == nil && prev != nil && prev.Result != nil {
		previousResultValue = prev.Result.Value
	}

	return builder.TaskContext{
		TeamID:              task.Labels["teamId"],
		TeamNamespace:       task.Labels["teamNamespace"],
		Labels:              labels,
		PipelineIndex:       pipelineIndex,
		IsSubscription:      task.Labels["subscription"] == "true",
		Attachments:         opts.AttachmentIDs,
		PreviousResultValue: previousResultValue,
	}, nil
}

// pipelineIndex counts the assistant subtasks already recorded for the
// task, which pipeline-mode teams use to pick the next member's prompt.
func (t *Trigger) pipelineIndex(ctx context.Context, taskID string) (int, error) {
	subs, err := t.repo.SubtasksAfter(ctx, taskID, 0)
	if err != nil {
		return 0, fmt.Errorf("list subtasks: %w", err)
	}
	count := 0
	for _, s := range subs {
		if s.Role == "assistant" {
			count++
		}
	}
	return count, nil
}

func botIDs(bots []builder.BotRef) []string {
	ids := make([]string, 0, len(bots))
	for _, b := range bots {
		ids = append(ids, b.ID)
	}
	return ids
}

var _ livesocket.AssistantTrigger = (*Trigger)(nil)
