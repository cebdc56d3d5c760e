package models

import (
	"testing"
	"time"

	v1 "github.com/kandev/execplane/pkg/api/v1"
)

func TestSubtaskIsTerminal(t *testing.T) {
	cases := []struct {
		status string
		want   bool
	}{
		{string(v1.SubtaskPending), false},
		{string(v1.SubtaskRunning), false},
		{string(v1.SubtaskCompleted), true},
		{string(v1.SubtaskFailed), true},
		{string(v1.SubtaskCancelled), true},
	}
	for _, c := range cases {
		s := &Subtask{Status: c.status}
		if got := s.IsTerminal(); got != c.want {
			t.Errorf("Status=%q IsTerminal() = %v, want %v", c.status, got, c.want)
		}
	}
}

func TestTaskApplyAssistantSubtask_Completed(t *testing.T) {
	task := &Task{ID: "t1", Status: string(v1.TaskStatusRunning)}
	sub := &Subtask{
		Status: string(v1.SubtaskCompleted),
		Result: &v1.SubtaskResult{Value: "done"},
	}
	now := time.Unix(1000, 0)
	task.ApplyAssistantSubtask(sub, now)

	if task.Status != string(v1.TaskStatusCompleted) {
		t.Errorf("Status = %q, want completed", task.Status)
	}
	if task.Progress != 100 {
		t.Errorf("Progress = %d, want 100", task.Progress)
	}
	if task.Result == nil || task.Result.Value != "done" {
		t.Errorf("Result not copied from subtask")
	}
	if task.CompletedAt == nil || !task.CompletedAt.Equal(now) {
		t.Errorf("CompletedAt not set to %v", now)
	}
	if !task.UpdatedAt.Equal(now) {
		t.Errorf("UpdatedAt not advanced")
	}
}

func TestTaskApplyAssistantSubtask_Failed(t *testing.T) {
	task := &Task{ID: "t1", Status: string(v1.TaskStatusRunning)}
	sub := &Subtask{Status: string(v1.SubtaskFailed), ErrorMessage: "boom"}
	now := time.Unix(2000, 0)
	task.ApplyAssistantSubtask(sub, now)

	if task.Status != string(v1.TaskStatusFailed) {
		t.Errorf("Status = %q, want failed", task.Status)
	}
	if task.ErrorMessage != "boom" {
		t.Errorf("ErrorMessage = %q, want boom", task.ErrorMessage)
	}
	if task.CompletedAt != nil {
		t.Errorf("CompletedAt should stay nil on failure")
	}
}

func TestTaskApplyAssistantSubtask_Running(t *testing.T) {
	task := &Task{ID: "t1", Status: string(v1.TaskStatusPending), Progress: 0}
	sub := &Subtask{Status: string(v1.SubtaskRunning)}
	task.ApplyAssistantSubtask(sub, time.Unix(3000, 0))

	if task.Status != string(v1.TaskStatusRunning) {
		t.Errorf("Status = %q, want running", task.Status)
	}
	if task.Progress != 0 {
		t.Errorf("Progress should be left untouched on running, got %d", task.Progress)
	}
}
