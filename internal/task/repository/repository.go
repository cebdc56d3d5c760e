// Package repository persists Subtask rows and the Task status mirror over
// Postgres. It owns only status/progress/result/timestamps: the wider Task
// resource (sharing, membership, creation) belongs to the external typed
// data service and is never created or deleted here.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	v1 "github.com/kandev/execplane/pkg/api/v1"

	"github.com/kandev/execplane/internal/common/database"
	"github.com/kandev/execplane/internal/common/stringutil"
	"github.com/kandev/execplane/internal/task/models"
)

// maxErrorMessageLen bounds how much of a FAILED subtask's error message is
// persisted. Device/worker-reported errors are client-controlled strings
// (stack traces, raw stderr) with no upstream size limit.
const maxErrorMessageLen = 2000

// ErrNotFound is returned when a row doesn't exist.
var ErrNotFound = errors.New("repository: not found")

// Repository is the Postgres-backed store for Subtask rows and Task status
// mirrors.
type Repository struct {
	db *database.DB
}

// New builds a Repository over an existing connection pool.
func New(db *database.DB) *Repository {
	return &Repository{db: db}
}

// CreateSubtask inserts a new subtask row, typically a pending user/assistant
// pair created together by the builder.
func (r *Repository) CreateSubtask(ctx context.Context, s *models.Subtask) error {
	resultJSON, err := marshalJSON(s.Result)
	if err != nil {
		return err
	}
	metadataJSON, err := marshalJSON(s.Metadata)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO subtasks (
			id, task_id, message_id, role, status, result, progress,
			error_message, executor_name, executor_namespace, prompt,
			parent_id, metadata, bot_ids, team_id, user_id, shell_type,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	`,
		s.ID, s.TaskID, s.MessageID, s.Role, s.Status, resultJSON, s.Progress,
		s.ErrorMessage, s.ExecutorName, s.ExecutorNamespace, s.Prompt,
		s.ParentID, metadataJSON, s.BotIDs, s.TeamID, s.UserID, s.ShellType,
		s.CreatedAt, s.UpdatedAt,
	)
	return err
}

// GetSubtask fetches a single subtask by id.
func (r *Repository) GetSubtask(ctx context.Context, id string) (*models.Subtask, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, task_id, message_id, role, status, result, progress,
		       error_message, executor_name, executor_namespace, prompt,
		       parent_id, metadata, bot_ids, team_id, user_id, shell_type,
		       created_at, updated_at, completed_at
		FROM subtasks WHERE id = $1
	`, id)
	return scanSubtask(row)
}

// SetSubtaskRunning transitions a subtask to RUNNING before any transport
// work begins, per the dispatcher's unconditional pre-dispatch step.
func (r *Repository) SetSubtaskRunning(ctx context.Context, id string, executorName, executorNamespace string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE subtasks
		SET status = 'running', executor_name = $2, executor_namespace = $3, updated_at = $4
		WHERE id = $1
	`, id, executorName, executorNamespace, time.Now())
	return err
}

// CompleteSubtask writes the terminal COMPLETED status with its merged
// result, guarded by the StatusUpdatingEmitter's at-most-once flag upstream.
func (r *Repository) CompleteSubtask(ctx context.Context, id string, result *v1.SubtaskResult) error {
	return r.finishSubtask(ctx, id, "completed", result, "")
}

// FailSubtask writes the terminal FAILED status with the error message.
func (r *Repository) FailSubtask(ctx context.Context, id, errMsg string) error {
	return r.finishSubtask(ctx, id, "failed", nil, stringutil.TruncateStringWithEllipsis(errMsg, maxErrorMessageLen))
}

// CancelSubtask writes COMPLETED (not CANCELLED) so the partial response
// stays visible to the user — an intentional choice for a cancelled
// stream, mirrored by StatusUpdatingEmitter.
func (r *Repository) CancelSubtask(ctx context.Context, id string, result *v1.SubtaskResult) error {
	return r.finishSubtask(ctx, id, "completed", result, "")
}

func (r *Repository) finishSubtask(ctx context.Context, id, status string, result *v1.SubtaskResult, errMsg string) error {
	now := time.Now()
	resultJSON, err := marshalJSON(result)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		UPDATE subtasks
		SET status = $2, result = COALESCE($3, result), error_message = $4,
		    updated_at = $5, completed_at = $5
		WHERE id = $1
	`, id, status, resultJSON, errMsg, now)
	return err
}

// ResetSubtaskForRetry resets a failed subtask back to pending for a
// same-ID retry.
func (r *Repository) ResetSubtaskForRetry(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE subtasks
		SET status = 'pending', error_message = '', completed_at = NULL, updated_at = $2
		WHERE id = $1
	`, id, time.Now())
	return err
}

// LatestAssistantSubtask returns the highest-message_id assistant subtask
// for a task, used to derive the task status mirror.
func (r *Repository) LatestAssistantSubtask(ctx context.Context, taskID string) (*models.Subtask, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, task_id, message_id, role, status, result, progress,
		       error_message, executor_name, executor_namespace, prompt,
		       parent_id, metadata, bot_ids, team_id, user_id, shell_type,
		       created_at, updated_at, completed_at
		FROM subtasks
		WHERE task_id = $1 AND role = 'assistant'
		ORDER BY message_id DESC
		LIMIT 1
	`, taskID)
	return scanSubtask(row)
}

// NextMessageID returns the next free message_id for a task: one past the
// highest message_id any of its subtasks currently hold.
func (r *Repository) NextMessageID(ctx context.Context, taskID string) (int64, error) {
	var max int64
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(MAX(message_id), 0) FROM subtasks WHERE task_id = $1
	`, taskID).Scan(&max)
	if err != nil {
		return 0, err
	}
	return max + 1, nil
}

// GetSubtaskByParentID finds the subtask within a task whose message_id
// matches parentMessageID — the user turn that triggered a given
// assistant subtask, looked up via the assistant's parent_id.
func (r *Repository) GetSubtaskByParentID(ctx context.Context, taskID string, parentMessageID int64) (*models.Subtask, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, task_id, message_id, role, status, result, progress,
		       error_message, executor_name, executor_namespace, prompt,
		       parent_id, metadata, bot_ids, team_id, user_id, shell_type,
		       created_at, updated_at, completed_at
		FROM subtasks WHERE task_id = $1 AND message_id = $2
	`, taskID, parentMessageID)
	return scanSubtask(row)
}

// SubtasksAfter returns a task's subtasks with message_id greater than
// afterMessageID, ascending — the history:sync backfill query.
func (r *Repository) SubtasksAfter(ctx context.Context, taskID string, afterMessageID int64) ([]*models.Subtask, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, task_id, message_id, role, status, result, progress,
		       error_message, executor_name, executor_namespace, prompt,
		       parent_id, metadata, bot_ids, team_id, user_id, shell_type,
		       created_at, updated_at, completed_at
		FROM subtasks
		WHERE task_id = $1 AND message_id > $2
		ORDER BY message_id ASC
	`, taskID, afterMessageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Subtask
	for rows.Next() {
		s, err := scanSubtask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// RunningSubtasksByExecutor returns every RUNNING subtask currently
// assigned to the given executor_name — used to fail in-flight work when
// a local-executor device disconnects.
func (r *Repository) RunningSubtasksByExecutor(ctx context.Context, executorName string) ([]*models.Subtask, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, task_id, message_id, role, status, result, progress,
		       error_message, executor_name, executor_namespace, prompt,
		       parent_id, metadata, bot_ids, team_id, user_id, shell_type,
		       created_at, updated_at, completed_at
		FROM subtasks
		WHERE executor_name = $1 AND status = 'running'
	`, executorName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Subtask
	for rows.Next() {
		s, err := scanSubtask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetTask fetches the task status-mirror row.
func (r *Repository) GetTask(ctx context.Context, id string) (*models.Task, error) {
	t := &models.Task{}
	var resultJSON, labelsJSON []byte
	err := r.db.QueryRow(ctx, `
		SELECT id, kind, user_id, status, progress, result, error_message,
		       labels, created_at, updated_at, completed_at
		FROM tasks WHERE id = $1
	`, id).Scan(
		&t.ID, &t.Kind, &t.UserID, &t.Status, &t.Progress, &resultJSON,
		&t.ErrorMessage, &labelsJSON, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(resultJSON) > 0 {
		t.Result = &v1.SubtaskResult{}
		if err := json.Unmarshal(resultJSON, t.Result); err != nil {
			return nil, err
		}
	}
	if len(labelsJSON) > 0 {
		if err := json.Unmarshal(labelsJSON, &t.Labels); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// UpdateTaskMirrorFromSubtask re-reads the latest assistant subtask for a
// task and re-derives + writes the task status mirror from it, per the
// dispatcher's mirror-derivation rules.
func (r *Repository) UpdateTaskMirrorFromSubtask(ctx context.Context, taskID, subtaskID string) error {
	sub, err := r.GetSubtask(ctx, subtaskID)
	if err != nil {
		return err
	}
	task, err := r.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	task.ApplyAssistantSubtask(sub, time.Now())
	return r.UpdateTaskMirror(ctx, task)
}

// UpdateBackgroundExecutionStatus writes the terminal status of a
// SubscriptionEmitter-owned background execution row.
func (r *Repository) UpdateBackgroundExecutionStatus(ctx context.Context, subtaskID, status string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE background_executions
		SET status = $2, updated_at = $3
		WHERE subtask_id = $1
	`, subtaskID, status, time.Now())
	return err
}

// UpdateTaskMirror writes the derived status mirror back to the task row.
func (r *Repository) UpdateTaskMirror(ctx context.Context, t *models.Task) error {
	resultJSON, err := marshalJSON(t.Result)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		UPDATE tasks
		SET status = $2, progress = $3, result = $4, error_message = $5,
		    updated_at = $6, completed_at = $7
		WHERE id = $1
	`, t.ID, t.Status, t.Progress, resultJSON, t.ErrorMessage, t.UpdatedAt, t.CompletedAt)
	return err
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func scanSubtask(row pgx.Row) (*models.Subtask, error) {
	s := &models.Subtask{}
	var resultJSON, metadataJSON []byte
	err := row.Scan(
		&s.ID, &s.TaskID, &s.MessageID, &s.Role, &s.Status, &resultJSON, &s.Progress,
		&s.ErrorMessage, &s.ExecutorName, &s.ExecutorNamespace, &s.Prompt,
		&s.ParentID, &metadataJSON, &s.BotIDs, &s.TeamID, &s.UserID, &s.ShellType,
		&s.CreatedAt, &s.UpdatedAt, &s.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(resultJSON) > 0 {
		s.Result = &v1.SubtaskResult{}
		if err := json.Unmarshal(resultJSON, s.Result); err != nil {
			return nil, err
		}
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &s.Metadata); err != nil {
			return nil, err
		}
	}
	return s, nil
}
