package v1

import (
	"encoding/json"
	"time"
)

// TaskStatus is the status mirror carried on the Task row, derived from its
// latest assistant Subtask.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// SubtaskRole distinguishes the human turn from the assistant turn sharing a
// message_id family.
type SubtaskRole string

const (
	RoleUser      SubtaskRole = "user"
	RoleAssistant SubtaskRole = "assistant"
)

// SubtaskStatus is the lifecycle of one turn. pending -> running ->
// {completed | failed | cancelled}; all three are terminal, a retry
// resets the same row back to pending rather than creating a new one.
type SubtaskStatus string

const (
	SubtaskPending   SubtaskStatus = "pending"
	SubtaskRunning   SubtaskStatus = "running"
	SubtaskCompleted SubtaskStatus = "completed"
	SubtaskFailed    SubtaskStatus = "failed"
	SubtaskCancelled SubtaskStatus = "cancelled"
)

// SubtaskResult is the typed outcome of an assistant turn. LastEmittedOffset
// is internal bookkeeping for resumable streams and is never copied onto a
// wire ExecutionEvent.
type SubtaskResult struct {
	Value             string          `json:"value,omitempty"`
	Thinking          string          `json:"thinking,omitempty"`
	Workbench         json.RawMessage `json:"workbench,omitempty"`
	SilentExit        bool            `json:"silent_exit,omitempty"`
	LastEmittedOffset int             `json:"_last_emitted_offset,omitempty"`
	Streaming         bool            `json:"streaming,omitempty"`
}

// Subtask is one turn of a conversation: a user message or the assistant
// reply it triggers. Per (task_id, message_id) at most one assistant
// subtask exists; an assistant's ParentID points at the message_id of the
// triggering user subtask.
type Subtask struct {
	ID                string                 `json:"id"`
	TaskID            string                 `json:"task_id"`
	MessageID         int64                  `json:"message_id"`
	Role              SubtaskRole            `json:"role"`
	Status            SubtaskStatus          `json:"status"`
	Result            *SubtaskResult         `json:"result,omitempty"`
	Progress          int                    `json:"progress,omitempty"`
	ErrorMessage      string                 `json:"error_message,omitempty"`
	ExecutorName      string                 `json:"executor_name,omitempty"`
	ExecutorNamespace string                 `json:"executor_namespace,omitempty"`
	Prompt            string                 `json:"prompt,omitempty"`
	ParentID          int64                  `json:"parent_id,omitempty"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
	BotIDs            []string               `json:"bot_ids,omitempty"`
	TeamID            string                 `json:"team_id,omitempty"`
	UserID            string                 `json:"user_id"`
	ShellType         string                 `json:"shell_type,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
	CompletedAt       *time.Time             `json:"completed_at,omitempty"`
}

// TaskSpec is the opaque, externally-owned description of what a task is
// for — the CRD-like resource store (Bot/Ghost/Shell/Model) resolves and
// supplies this; the core treats it as pass-through JSON.
type TaskSpec struct {
	Raw json.RawMessage `json:"-"`
}

// TaskMetadata holds label-style tags on the task row.
type TaskMetadata struct {
	Labels map[string]string `json:"labels,omitempty"`
}

// Task is the conversation container: one row owned by a user, with a
// status mirror tracking the latest assistant Subtask. Sharing, membership,
// and creation are owned by an external typed data service; the core only
// reads enough of it to dispatch and only writes the status-mirror fields
// below.
type Task struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"` // always "Task"
	UserID      string          `json:"user_id"`
	Spec        json.RawMessage `json:"spec,omitempty"`
	Status      TaskStatus      `json:"status"`
	Progress    int             `json:"progress,omitempty"`
	Result      *SubtaskResult  `json:"result,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Metadata    TaskMetadata    `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}
