package glue

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/kandev/execplane/internal/common/config"
	"github.com/kandev/execplane/internal/common/logger"
	"github.com/kandev/execplane/internal/execution/builder"
	"github.com/kandev/execplane/internal/execution/dispatcher"
	"github.com/kandev/execplane/internal/execution/router"
	"github.com/kandev/execplane/internal/livesocket"
	"github.com/kandev/execplane/internal/task/models"
	v1 "github.com/kandev/execplane/pkg/api/v1"
)

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("build logger: %v", err)
	}
	return log
}

func TestResourceClient_GhostResolverParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/ghosts/g1" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ID":"g1","SystemPrompt":"you are helpful"}`))
	}))
	defer srv.Close()

	c := NewResourceClient(srv.URL, 5*time.Second, testLogger(t))
	ghost, err := c.GhostResolver().Resolve(context.Background(), "g1", "default", "owner-1")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if ghost.ID != "g1" || ghost.SystemPrompt != "you are helpful" {
		t.Fatalf("unexpected ghost: %+v", ghost)
	}
}

func TestResourceClient_NonOKReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewResourceClient(srv.URL, 5*time.Second, testLogger(t))
	if _, err := c.ShellResolver().Resolve(context.Background(), "s1", "default", "owner-1"); err == nil {
		t.Fatalf("expected error on 404 response")
	}
}

func TestResourceClient_BotAssignmentResolver(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/tasks/t1/bots" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`[{"ID":"bot-1","Namespace":"default","OwnerID":"owner-1","GhostID":"g1","ShellID":"s1"}]`))
	}))
	defer srv.Close()

	c := NewResourceClient(srv.URL, 5*time.Second, testLogger(t))
	bots, err := c.BotAssignmentResolver().ResolveTaskBots(context.Background(), "t1")
	if err != nil {
		t.Fatalf("ResolveTaskBots error: %v", err)
	}
	if len(bots) != 1 || bots[0].ID != "bot-1" {
		t.Fatalf("unexpected bots: %+v", bots)
	}
}

type fakeTokenMinterAuth struct{}

type fakeRepo struct {
	mu        sync.Mutex
	task      *models.Task
	created   []*models.Subtask
	byParent  map[int64]*models.Subtask
	all       []*models.Subtask
	latest    *models.Subtask
	messageID int64
	cancelled []string
}

func (f *fakeRepo) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	return f.task, nil
}

func (f *fakeRepo) CreateSubtask(ctx context.Context, s *models.Subtask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, s)
	return nil
}

func (f *fakeRepo) GetSubtaskByParentID(ctx context.Context, taskID string, parentMessageID int64) (*models.Subtask, error) {
	return f.byParent[parentMessageID], nil
}

func (f *fakeRepo) SubtasksAfter(ctx context.Context, taskID string, afterMessageID int64) ([]*models.Subtask, error) {
	return f.all, nil
}

func (f *fakeRepo) LatestAssistantSubtask(ctx context.Context, taskID string) (*models.Subtask, error) {
	return f.latest, nil
}

func (f *fakeRepo) NextMessageID(ctx context.Context, taskID string) (int64, error) {
	f.messageID++
	return f.messageID, nil
}

func (f *fakeRepo) CancelSubtask(ctx context.Context, id string, result *v1.SubtaskResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeRepo) UpdateTaskMirrorFromSubtask(ctx context.Context, taskID, subtaskID string) error {
	return nil
}

type fakeBotAssignments struct {
	bots []builder.BotRef
}

func (f fakeBotAssignments) ResolveTaskBots(ctx context.Context, taskID string) ([]builder.BotRef, error) {
	return f.bots, nil
}

type fakeGhosts struct{}

func (fakeGhosts) Resolve(ctx context.Context, id, ns, owner string) (*builder.Ghost, error) {
	return &builder.Ghost{ID: id, SystemPrompt: "prompt"}, nil
}

type fakeShells struct{}

func (fakeShells) Resolve(ctx context.Context, id, ns, owner string) (*builder.Shell, error) {
	return &builder.Shell{ID: id, Type: "ClaudeCode", BaseImage: "base:latest"}, nil
}

type fakeModelsRes struct{}

func (fakeModelsRes) Resolve(ctx context.Context, id, lookupUser string) (*builder.Model, error) {
	return &builder.Model{ID: id}, nil
}
func (fakeModelsRes) Default(ctx context.Context, ns, owner string) (*builder.Model, error) {
	return &builder.Model{ID: "default-model"}, nil
}

type fakeAttachments struct{}

func (fakeAttachments) Describe(ctx context.Context, id string) (string, string, string, int64, error) {
	return id, "f.txt", "text/plain", 1, nil
}

func testBuilder(t *testing.T) *builder.Builder {
	minter := builder.NewTokenMinter(config.JWTConfig{Secret: "s", AuthTokenTTL: 3600, TaskTokenTTL: 3600})
	return builder.New(fakeGhosts{}, fakeShells{}, fakeModelsRes{}, fakeAttachments{}, minter)
}

func testDispatcher(t *testing.T) *dispatcher.Dispatcher {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	r := router.New(config.TransportConfig{ExecutorManagerURL: srv.URL})
	return dispatcher.New(r, noopStatusStore{}, noopSubtaskStore{}, noopCanceller{}, testLogger(t), 5*time.Second)
}

type noopStatusStore struct{}

func (noopStatusStore) SetSubtaskRunning(ctx context.Context, subtaskID string, executorName, executorNamespace string) error {
	return nil
}

type noopSubtaskStore struct{}

func (noopSubtaskStore) CompleteSubtask(ctx context.Context, subtaskID string, result *v1.SubtaskResult) error {
	return nil
}
func (noopSubtaskStore) FailSubtask(ctx context.Context, subtaskID, errMsg string) error { return nil }
func (noopSubtaskStore) CancelSubtask(ctx context.Context, subtaskID string, result *v1.SubtaskResult) error {
	return nil
}
func (noopSubtaskStore) UpdateTaskMirrorFromSubtask(ctx context.Context, taskID, subtaskID string) error {
	return nil
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

type noopCanceller struct{}

func (noopCanceller) SetCancelled(ctx context.Context, subtaskID string) error { return nil }
func (noopCanceller) IsCancelled(ctx context.Context, subtaskID string) (bool, error) {
	return false, nil
}

func TestTrigger_TriggerNewAssistantSubtask_CreatesAndDispatches(t *testing.T) {
	repo := &fakeRepo{task: &models.Task{ID: "t1", Labels: map[string]string{}}}
	bots := fakeBotAssignments{bots: []builder.BotRef{{ID: "bot-1", Namespace: "default", OwnerID: "owner-1", GhostID: "g1", ShellID: "s1"}}}
	trig := NewTrigger(repo, bots, testBuilder(t), testDispatcher(t), testLogger(t))

	user := &models.Subtask{ID: "u1", TaskID: "t1", MessageID: 1, Role: "user", Prompt: "hi", UserID: "user-1"}
	subtaskID, err := trig.TriggerNewAssistantSubtask(context.Background(), user, livesocket.TriggerOptions{})
	if err != nil {
		t.Fatalf("TriggerNewAssistantSubtask error: %v", err)
	}
	if subtaskID == "" {
		t.Fatalf("expected a non-empty subtask id")
	}
	if len(repo.created) != 1 {
		t.Fatalf("expected one assistant subtask created, got %d", len(repo.created))
	}
	if repo.created[0].Role != "assistant" || len(repo.created[0].BotIDs) != 1 {
		t.Fatalf("unexpected created subtask: %+v", repo.created[0])
	}
}

func TestTrigger_ForceOverrideModelSetsLabels(t *testing.T) {
	repo := &fakeRepo{task: &models.Task{ID: "t1", Labels: map[string]string{}}}
	bots := fakeBotAssignments{bots: []builder.BotRef{{ID: "bot-1", BindModelID: "bound-model"}}}
	trig := NewTrigger(repo, bots, testBuilder(t), testDispatcher(t), testLogger(t))

	opts := livesocket.TriggerOptions{UseModelOverride: true, ForceOverrideBotModel: true, ModelOverrideID: "forced-model"}
	tctx, err := trig.taskContext(context.Background(), repo.task, "t1", opts)
	if err != nil {
		t.Fatalf("taskContext error: %v", err)
	}
	if tctx.Labels["forceOverrideBotModel"] != "true" || tctx.Labels["modelId"] != "forced-model" {
		t.Fatalf("unexpected labels: %+v", tctx.Labels)
	}
}

func TestTrigger_PipelineIndexCountsAssistantSubtasksOnly(t *testing.T) {
	repo := &fakeRepo{
		task: &models.Task{ID: "t1", Labels: map[string]string{}},
		all: []*models.Subtask{
			{Role: "user"}, {Role: "assistant"}, {Role: "user"}, {Role: "assistant"},
		},
	}
	trig := NewTrigger(repo, fakeBotAssignments{}, testBuilder(t), testDispatcher(t), testLogger(t))

	idx, err := trig.pipelineIndex(context.Background(), "t1")
	if err != nil {
		t.Fatalf("pipelineIndex error: %v", err)
	}
	if idx != 2 {
		t.Fatalf("pipelineIndex = %d, want 2", idx)
	}
}

func TestTrigger_CancelAssistantSubtask_HTTPCallbackWritesTerminalState(t *testing.T) {
	repo := &fakeRepo{task: &models.Task{ID: "t1", Labels: map[string]string{}}}
	trig := NewTrigger(repo, fakeBotAssignments{}, testBuilder(t), testDispatcher(t), testLogger(t))

	sub := &models.Subtask{ID: "s1", TaskID: "t1", MessageID: 2, UserID: "u1", ShellType: "ClaudeCode"}
	hub := &fakeHub{}
	if err := trig.CancelAssistantSubtask(context.Background(), sub, "partial output", livesocket.TriggerOptions{Hub: hub}); err != nil {
		t.Fatalf("CancelAssistantSubtask error: %v", err)
	}
	if len(repo.cancelled) != 1 || repo.cancelled[0] != "s1" {
		t.Fatalf("expected CancelSubtask to be called for s1, got %v", repo.cancelled)
	}
	if len(hub.broadcast) != 3 {
		t.Fatalf("expected 3 broadcasts (cancelled/done/updated), got %v", hub.broadcast)
	}
}

func TestRunOnce_SkipsWhenAlreadyDone(t *testing.T) {
	locker := &fakeStartupLocker{done: true}
	ran := false
	if err := RunOnce(context.Background(), locker, 30*time.Second, testLogger(t), func(ctx context.Context) error {
		ran = true
		return nil
	}); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if ran {
		t.Fatalf("expected bootstrap to be skipped when already done")
	}
}

func TestRunOnce_SkipsWhenLockNotAcquired(t *testing.T) {
	locker := &fakeStartupLocker{acquireResult: false}
	ran := false
	if err := RunOnce(context.Background(), locker, 30*time.Second, testLogger(t), func(ctx context.Context) error {
		ran = true
		return nil
	}); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if ran {
		t.Fatalf("expected bootstrap to be skipped when the lock is held elsewhere")
	}
}

func TestRunOnce_RunsAndMarksDoneOnFirstWinner(t *testing.T) {
	locker := &fakeStartupLocker{acquireResult: true}
	ran := false
	if err := RunOnce(context.Background(), locker, 30*time.Second, testLogger(t), func(ctx context.Context) error {
		ran = true
		return nil
	}); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !ran {
		t.Fatalf("expected bootstrap to run for the lock winner")
	}
	if !locker.marked {
		t.Fatalf("expected startup to be marked done after a successful run")
	}
}

type fakeStartupLocker struct {
	done          bool
	acquireResult bool
	marked        bool
}

func (f *fakeStartupLocker) AcquireStartupLock(ctx context.Context, ttl time.Duration) (bool, error) {
	return f.acquireResult, nil
}
func (f *fakeStartupLocker) MarkStartupDone(ctx context.Context) error {
	f.marked = true
	return nil
}
func (f *fakeStartupLocker) StartupDone(ctx context.Context) (bool, error) {
	return f.done, nil
}
