package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kandev/execplane/internal/common/config"
	"github.com/kandev/execplane/internal/common/logger"
	"github.com/kandev/execplane/internal/execution/model"
)

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("build logger: %v", err)
	}
	return log
}

type fakeRunningCounter struct {
	count int
	err   error
	calls int
}

func (f *fakeRunningCounter) RunningCount(ctx context.Context) (int, error) {
	f.calls++
	return f.count, f.err
}

type fakeFailureStore struct {
	mu             sync.Mutex
	failedSubtasks []string
	failedErrs     []string
	mirroredTasks  []string
}

func (f *fakeFailureStore) FailSubtask(ctx context.Context, subtaskID, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failedSubtasks = append(f.failedSubtasks, subtaskID)
	f.failedErrs = append(f.failedErrs, errMsg)
	return nil
}

func (f *fakeFailureStore) UpdateTaskMirrorFromSubtask(ctx context.Context, taskID, subtaskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mirroredTasks = append(f.mirroredTasks, taskID)
	return nil
}

func newTestQueue(t *testing.T, cfg config.QueueConfig, counter RunningCounter, failure FailureStore) *TaskQueue {
	return &TaskQueue{cfg: cfg, counter: counter, failure: failure, log: testLogger(t)}
}

func TestPoolFor_DefaultsWhenUnconfigured(t *testing.T) {
	q := &TaskQueue{cfg: config.QueueConfig{}}
	if got := q.poolFor(true); got != "default" {
		t.Fatalf("poolFor(true) = %q, want default", got)
	}
	if got := q.poolFor(false); got != "default" {
		t.Fatalf("poolFor(false) = %q, want default", got)
	}
}

func TestPoolFor_UsesConfiguredNames(t *testing.T) {
	q := &TaskQueue{cfg: config.QueueConfig{OnlinePool: "online-pool", OfflinePool: "offline-pool"}}
	if got := q.poolFor(true); got != "online-pool" {
		t.Fatalf("poolFor(true) = %q, want online-pool", got)
	}
	if got := q.poolFor(false); got != "offline-pool" {
		t.Fatalf("poolFor(false) = %q, want offline-pool", got)
	}
}

func TestWithinOfflineWindow_NoConfigAlwaysTrue(t *testing.T) {
	q := &TaskQueue{cfg: config.QueueConfig{}}
	if !q.withinOfflineWindow(time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)) {
		t.Fatal("expected unconfigured window to always be within range")
	}
}

func TestWithinOfflineWindow_SameDayRange(t *testing.T) {
	q := &TaskQueue{cfg: config.QueueConfig{OfflineWindowStart: "22:00", OfflineWindowEnd: "23:30"}}
	inside := time.Date(2026, 1, 1, 22, 30, 0, 0, time.UTC)
	before := time.Date(2026, 1, 1, 21, 59, 0, 0, time.UTC)
	after := time.Date(2026, 1, 1, 23, 31, 0, 0, time.UTC)
	if !q.withinOfflineWindow(inside) {
		t.Error("22:30 should be within 22:00-23:30")
	}
	if q.withinOfflineWindow(before) {
		t.Error("21:59 should be outside 22:00-23:30")
	}
	if q.withinOfflineWindow(after) {
		t.Error("23:31 should be outside 22:00-23:30")
	}
}

func TestWithinOfflineWindow_WrapsAcrossMidnight(t *testing.T) {
	q := &TaskQueue{cfg: config.QueueConfig{OfflineWindowStart: "22:00", OfflineWindowEnd: "06:00"}}
	lateNight := time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC)
	earlyMorning := time.Date(2026, 1, 1, 5, 0, 0, 0, time.UTC)
	midday := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	if !q.withinOfflineWindow(lateNight) {
		t.Error("23:00 should be within wrapped window 22:00-06:00")
	}
	if !q.withinOfflineWindow(earlyMorning) {
		t.Error("05:00 should be within wrapped window 22:00-06:00")
	}
	if q.withinOfflineWindow(midday) {
		t.Error("12:00 should be outside wrapped window 22:00-06:00")
	}
}

func TestParseClock(t *testing.T) {
	cases := []struct {
		in     string
		want   int
		wantOK bool
	}{
		{"00:00", 0, true},
		{"01:30", 90, true},
		{"23:59", 23*60 + 59, true},
		{"", 0, false},
		{"not-a-time", 0, false},
	}
	for _, c := range cases {
		got, ok := parseClock(c.in)
		if ok != c.wantOK {
			t.Errorf("parseClock(%q) ok = %v, want %v", c.in, ok, c.wantOK)
			continue
		}
		if ok && got != c.want {
			t.Errorf("parseClock(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestBackpressured_NoCounterNeverBlocks(t *testing.T) {
	q := newTestQueue(t, config.QueueConfig{MaxConcurrent: 5}, nil, nil)
	if q.backpressured(context.Background()) {
		t.Fatal("expected no counter to never backpressure")
	}
}

func TestBackpressured_ZeroMaxConcurrentNeverBlocks(t *testing.T) {
	counter := &fakeRunningCounter{count: 100}
	q := newTestQueue(t, config.QueueConfig{MaxConcurrent: 0}, counter, nil)
	if q.backpressured(context.Background()) {
		t.Fatal("expected MaxConcurrent<=0 to disable backpressure")
	}
	if counter.calls != 0 {
		t.Fatal("counter should not be consulted when disabled")
	}
}

func TestBackpressured_BlocksAtOrAboveLimitAndCaches(t *testing.T) {
	counter := &fakeRunningCounter{count: 3}
	q := newTestQueue(t, config.QueueConfig{MaxConcurrent: 3}, counter, nil)

	if !q.backpressured(context.Background()) {
		t.Fatal("expected count==limit to backpressure")
	}
	if !q.backpressured(context.Background()) {
		t.Fatal("expected cached result to still backpressure")
	}
	if counter.calls != 1 {
		t.Fatalf("expected one live lookup within the cache window, got %d", counter.calls)
	}
}

func TestBackpressured_BelowLimitDoesNotBlock(t *testing.T) {
	counter := &fakeRunningCounter{count: 1}
	q := newTestQueue(t, config.QueueConfig{MaxConcurrent: 5}, counter, nil)
	if q.backpressured(context.Background()) {
		t.Fatal("expected count<limit to not backpressure")
	}
}

func TestHandleFailure_RetriesUntilMaxThenFails(t *testing.T) {
	failure := &fakeFailureStore{}
	q := newTestQueue(t, config.QueueConfig{MaxRetries: 2}, nil, failure)
	req := &model.ExecutionRequest{TaskID: "t1", SubtaskID: "s1"}

	// First two failures should just bump RetryCount (Enqueue will error
	// because q.rdb is nil, but handleFailure only logs that, it doesn't
	// fall through to the failure store on a retry attempt).
	q.handleFailure(context.Background(), req, true, errAny("boom"))
	if req.RetryCount != 1 {
		t.Fatalf("RetryCount after 1st failure = %d, want 1", req.RetryCount)
	}
	if len(failure.failedSubtasks) != 0 {
		t.Fatal("should not fail subtask before retries exhausted")
	}

	q.handleFailure(context.Background(), req, true, errAny("boom"))
	if req.RetryCount != 2 {
		t.Fatalf("RetryCount after 2nd failure = %d, want 2", req.RetryCount)
	}
	if len(failure.failedSubtasks) != 0 {
		t.Fatal("should not fail subtask while RetryCount==MaxRetries")
	}

	q.handleFailure(context.Background(), req, true, errAny("boom"))
	if req.RetryCount != 3 {
		t.Fatalf("RetryCount after 3rd failure = %d, want 3", req.RetryCount)
	}
	if len(failure.failedSubtasks) != 1 || failure.failedSubtasks[0] != "s1" {
		t.Fatalf("expected subtask s1 failed once, got %v", failure.failedSubtasks)
	}
	if len(failure.mirroredTasks) != 1 || failure.mirroredTasks[0] != "t1" {
		t.Fatalf("expected task t1 mirror updated once, got %v", failure.mirroredTasks)
	}
}

func TestHandleFailure_NilFailureStoreIsSafe(t *testing.T) {
	q := newTestQueue(t, config.QueueConfig{MaxRetries: 0}, nil, nil)
	req := &model.ExecutionRequest{TaskID: "t1", SubtaskID: "s1"}
	q.handleFailure(context.Background(), req, true, errAny("boom"))
	if req.RetryCount != 1 {
		t.Fatalf("RetryCount = %d, want 1", req.RetryCount)
	}
}

func TestSleepOrStop_ReturnsOnContextCancel(t *testing.T) {
	q := &TaskQueue{stopCh: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		q.sleepOrStop(ctx, time.Minute)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sleepOrStop did not return promptly on context cancellation")
	}
}

func TestSleepOrStop_ReturnsOnStopChClose(t *testing.T) {
	q := &TaskQueue{stopCh: make(chan struct{})}
	close(q.stopCh)

	done := make(chan struct{})
	go func() {
		q.sleepOrStop(context.Background(), time.Minute)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sleepOrStop did not return promptly on stopCh close")
	}
}

type errAny string

func (e errAny) Error() string { return string(e) }
