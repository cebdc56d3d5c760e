// Package models holds the persisted row types for subtasks and the task
// status mirror, and their conversion to the wire representation in
// pkg/api/v1.
package models

import (
	"time"

	v1 "github.com/kandev/execplane/pkg/api/v1"
)

// Subtask is the database row for one conversation turn.
type Subtask struct {
	ID                string
	TaskID            string
	MessageID         int64
	Role              string
	Status            string
	Result            *v1.SubtaskResult
	Progress          int
	ErrorMessage      string
	ExecutorName      string
	ExecutorNamespace string
	Prompt            string
	ParentID          int64
	Metadata          map[string]interface{}
	BotIDs            []string
	TeamID            string
	UserID            string
	// ShellType is the shell type ("Chat", "ClaudeCode", "Agno", ...) the
	// assistant turn was built against, recorded at dispatch time so a later
	// chat:cancel can route without re-resolving the task's bot assignment.
	ShellType   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// ToAPI converts the persisted row to its wire representation.
func (s *Subtask) ToAPI() *v1.Subtask {
	return &v1.Subtask{
		ID:                s.ID,
		TaskID:            s.TaskID,
		MessageID:         s.MessageID,
		Role:              v1.SubtaskRole(s.Role),
		Status:            v1.SubtaskStatus(s.Status),
		Result:            s.Result,
		Progress:          s.Progress,
		ErrorMessage:      s.ErrorMessage,
		ExecutorName:      s.ExecutorName,
		ExecutorNamespace: s.ExecutorNamespace,
		Prompt:            s.Prompt,
		ParentID:          s.ParentID,
		Metadata:          s.Metadata,
		BotIDs:            s.BotIDs,
		TeamID:            s.TeamID,
		UserID:            s.UserID,
		ShellType:         s.ShellType,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
		CompletedAt:       s.CompletedAt,
	}
}

// IsTerminal reports whether the subtask has reached a final status.
func (s *Subtask) IsTerminal() bool {
	switch s.Status {
	case string(v1.SubtaskCompleted), string(v1.SubtaskFailed), string(v1.SubtaskCancelled):
		return true
	default:
		return false
	}
}

// Task is the database row backing the conversation container's status
// mirror. The wider resource (sharing, membership, spec) is owned by the
// external typed data service; only the mirror fields below are written by
// the core.
type Task struct {
	ID           string
	Kind         string
	UserID       string
	Status       string
	Progress     int
	Result       *v1.SubtaskResult
	ErrorMessage string
	Labels       map[string]string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

// ToAPI converts the persisted row to its wire representation.
func (t *Task) ToAPI() *v1.Task {
	return &v1.Task{
		ID:           t.ID,
		Kind:         t.Kind,
		UserID:       t.UserID,
		Status:       v1.TaskStatus(t.Status),
		Progress:     t.Progress,
		Result:       t.Result,
		ErrorMessage: t.ErrorMessage,
		Metadata:     v1.TaskMetadata{Labels: t.Labels},
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
		CompletedAt:  t.CompletedAt,
	}
}

// ApplyAssistantSubtask derives the task status mirror from the latest
// assistant subtask, per the dispatcher's mirror-derivation rules:
// RUNNING leaves progress untouched; COMPLETED sets progress 100 and copies
// the result; FAILED copies the error message. UpdatedAt always advances.
func (t *Task) ApplyAssistantSubtask(s *Subtask, now time.Time) {
	t.UpdatedAt = now
	switch v1.SubtaskStatus(s.Status) {
	case v1.SubtaskRunning:
		t.Status = string(v1.TaskStatusRunning)
	case v1.SubtaskCompleted:
		t.Status = string(v1.TaskStatusCompleted)
		t.Progress = 100
		t.Result = s.Result
		t.CompletedAt = &now
	case v1.SubtaskFailed:
		t.Status = string(v1.TaskStatusFailed)
		t.ErrorMessage = s.ErrorMessage
	case v1.SubtaskCancelled:
		t.Status = string(v1.TaskStatusCancelled)
	}
}
