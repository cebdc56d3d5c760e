package builder

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/kandev/execplane/internal/execution/model"
	"github.com/kandev/execplane/internal/task/models"
)

const defaultNamespace = "default"
const subscriptionModeDirective = "\n\n<subscription_mode>\nThis task runs under a subscription plan; prefer concise, billable-efficient responses.\n</subscription_mode>"

// BotRef is the minimal view of a task's bot assignment the builder needs:
// the bot's own record plus the namespace/owner it should be resolved
// under.
type BotRef struct {
	ID          string
	Namespace   string
	OwnerID     string
	GhostID     string
	ShellID     string
	BindModelID string
	AgentConfig json.RawMessage
	Role        string
}

// TaskContext is everything about the task graph the builder needs beyond
// the triggering subtask itself: team pipeline membership, task labels, and
// the count of prior assistant subtasks (for pipeline-mode member choice).
type TaskContext struct {
	TeamID              string
	TeamNamespace       string
	Labels              map[string]string
	PipelineIndex       int // number of prior assistant subtasks in the task
	IsSubscription      bool
	Attachments         []string // attachment ids, ready only
	PreviousResultValue string   // previous subtask's result.value, if any
}

// Builder is the TaskRequestBuilder: it turns a user subtask, its triggering
// task context, and the bot(s) attached to it into a single
// ExecutionRequest.
type Builder struct {
	ghosts      GhostResolver
	shells      ShellResolver
	modelsRes   ModelResolver
	attachments AttachmentResolver
	tokens      *TokenMinter
}

// New builds a TaskRequestBuilder over its external resolvers.
func New(ghosts GhostResolver, shells ShellResolver, modelsRes ModelResolver, attachments AttachmentResolver, tokens *TokenMinter) *Builder {
	return &Builder{ghosts: ghosts, shells: shells, modelsRes: modelsRes, attachments: attachments, tokens: tokens}
}

// Build resolves every bot reference, mints the request's tokens, and
// assembles the ExecutionRequest.
func (b *Builder) Build(ctx context.Context, user *models.Subtask, assistant *models.Subtask, bots []BotRef, tctx TaskContext) (*model.ExecutionRequest, error) {
	req := &model.ExecutionRequest{
		TaskID:         assistant.TaskID,
		SubtaskID:      assistant.ID,
		MessageID:      assistant.MessageID,
		TeamID:         tctx.TeamID,
		TeamNamespace:  tctx.TeamNamespace,
		User:           model.User{ID: assistant.UserID},
		IsSubscription: tctx.IsSubscription,
		NewSession:     false,
		TraceContext:   traceContextFromSpan(ctx),
	}

	additionalSkills, err := parseAdditionalSkills(tctx.Labels)
	if err != nil {
		return nil, fmt.Errorf("parse additionalSkills label: %w", err)
	}

	for i, ref := range bots {
		bot, systemPrompt, err := b.resolveBot(ctx, ref, tctx, i)
		if err != nil {
			return nil, fmt.Errorf("resolve bot %s: %w", ref.ID, err)
		}
		bot.Skills = mergeSkills(bot.Skills, additionalSkills)
		req.Bot = append(req.Bot, *bot)
		if req.SystemPrompt == "" {
			req.SystemPrompt = systemPrompt
		}
	}

	req.Prompt, req.NewSession = aggregatePrompt(user, tctx)

	if tctx.IsSubscription {
		req.SystemPrompt += subscriptionModeDirective
		taskToken, err := b.tokens.MintTaskToken(assistant.TaskID, assistant.ID, assistant.UserID, "")
		if err != nil {
			return nil, fmt.Errorf("mint system mcp task token: %w", err)
		}
		req.SystemMCPConfig = &model.MCPServer{Name: "system", Token: taskToken}
	}

	for _, attID := range tctx.Attachments {
		id, filename, mime, size, err := b.attachments.Describe(ctx, attID)
		if err != nil {
			return nil, fmt.Errorf("describe attachment %s: %w", attID, err)
		}
		req.Attachments = append(req.Attachments, model.Attachment{ID: id, Filename: filename, Mime: mime, Size: size})
	}

	authToken, err := b.tokens.MintAuthToken(assistant.UserID)
	if err != nil {
		return nil, fmt.Errorf("mint auth token: %w", err)
	}
	req.AuthToken = authToken

	taskToken, err := b.tokens.MintTaskToken(assistant.TaskID, assistant.ID, assistant.UserID, "")
	if err != nil {
		return nil, fmt.Errorf("mint task token: %w", err)
	}
	req.TaskToken = taskToken

	return req, nil
}

// traceContextFromSpan reads the span already on ctx (such as the one
// ChatServer.handleMessage starts for each /chat action) and
// carries its ids across the dispatch boundary on the wire, since the
// worker process runs outside this process's trace provider and can only
// see the ids, not the span object itself.
func traceContextFromSpan(ctx context.Context) *model.TraceContext {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return nil
	}
	return &model.TraceContext{TraceID: sc.TraceID().String(), SpanID: sc.SpanID().String()}
}

func (b *Builder) resolveBot(ctx context.Context, ref BotRef, tctx TaskContext, botIndex int) (*model.Bot, string, error) {
	ghost, err := b.ghosts.Resolve(ctx, ref.GhostID, ref.Namespace, ref.OwnerID)
	if err != nil {
		return nil, "", fmt.Errorf("resolve ghost: %w", err)
	}
	shell, err := b.shells.Resolve(ctx, ref.ShellID, ref.Namespace, ref.OwnerID)
	if err != nil {
		return nil, "", fmt.Errorf("resolve shell: %w", err)
	}
	mdl, err := b.resolveModel(ctx, ref, tctx)
	if err != nil {
		return nil, "", err
	}

	systemPrompt := ghost.SystemPrompt
	if member := teamMemberPrompt(tctx, botIndex); member != "" {
		systemPrompt = systemPrompt + "\n\n" + member
	}

	bot := &model.Bot{
		ID:           ref.ID,
		ShellType:    shell.Type,
		AgentConfig:  mdl.Config,
		SystemPrompt: systemPrompt,
		Role:         ref.Role,
		BaseImage:    shell.BaseImage,
	}
	return bot, systemPrompt, nil
}

// resolveModel implements override policy: explicit
// force-override label wins (chat-user scope), then bot's bound model
// (bot-owner scope), then the namespace default.
func (b *Builder) resolveModel(ctx context.Context, ref BotRef, tctx TaskContext) (*Model, error) {
	if forced, modelID, ok := forceOverrideModel(tctx.Labels); ok && forced {
		return b.modelsRes.Resolve(ctx, modelID, ref.OwnerID)
	}
	if ref.BindModelID != "" {
		return b.modelsRes.Resolve(ctx, ref.BindModelID, ref.OwnerID)
	}
	return b.modelsRes.Default(ctx, ref.Namespace, ref.OwnerID)
}

func forceOverrideModel(labels map[string]string) (forced bool, modelID string, ok bool) {
	if labels == nil {
		return false, "", false
	}
	raw, present := labels["forceOverrideBotModel"]
	if !present {
		return false, "", false
	}
	forced, err := strconv.ParseBool(raw)
	if err != nil || !forced {
		return false, "", false
	}
	modelID, present = labels["modelId"]
	return true, modelID, present && modelID != ""
}

func teamMemberPrompt(tctx TaskContext, botIndex int) string {
	if tctx.Labels == nil {
		return ""
	}
	// Pipeline-mode teams pick the member by the assistant's pipeline
	// index (number of prior assistant subtasks); otherwise by bot index.
	idx := botIndex
	if tctx.Labels["teamMode"] == "pipeline" {
		idx = tctx.PipelineIndex
	}
	return tctx.Labels[fmt.Sprintf("teamMemberPrompt.%d", idx)]
}

func parseAdditionalSkills(labels map[string]string) ([]string, error) {
	if labels == nil {
		return nil, nil
	}
	raw, ok := labels["additionalSkills"]
	if !ok || raw == "" {
		return nil, nil
	}
	var skills []string
	if err := json.Unmarshal([]byte(raw), &skills); err != nil {
		return nil, err
	}
	cleaned := make([]string, 0, len(skills))
	for _, s := range skills {
		s = strings.TrimSpace(s)
		if s != "" {
			cleaned = append(cleaned, s)
		}
	}
	return cleaned, nil
}

func mergeSkills(existing, additional []string) []string {
	if len(additional) == 0 {
		return existing
	}
	seen := make(map[string]struct{}, len(existing))
	for _, s := range existing {
		seen[s] = struct{}{}
	}
	merged := append([]string{}, existing...)
	for _, s := range additional {
		if _, ok := seen[s]; !ok {
			merged = append(merged, s)
			seen[s] = struct{}{}
		}
	}
	return merged
}

// aggregatePrompt builds the prompt sent to the worker: the user turn's
// prompt plus the previous subtask's result value, or the stage-confirmed
// prompt when the subtask carries a confirmation result.
func aggregatePrompt(user *models.Subtask, tctx TaskContext) (prompt string, newSession bool) {
	if confirmed, ok := fromStageConfirmation(user); ok {
		return confirmed, true
	}
	prompt = user.Prompt
	if tctx.PreviousResultValue != "" {
		prompt = prompt + "\n\n" + tctx.PreviousResultValue
	}
	return prompt, false
}

func fromStageConfirmation(user *models.Subtask) (string, bool) {
	if user.Metadata == nil {
		return "", false
	}
	flag, _ := user.Metadata["from_stage_confirmation"].(bool)
	if !flag {
		return "", false
	}
	confirmed, _ := user.Metadata["confirmed_prompt"].(string)
	return confirmed, confirmed != ""
}
