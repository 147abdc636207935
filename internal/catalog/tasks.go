package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/streamhost/orchestrator/pkg/apperr"
	"github.com/streamhost/orchestrator/pkg/models"
)

func taskColumnFor(kind models.TaskKind) (string, error) {
	switch kind {
	case models.TaskKindBuild:
		return "build_task_id", nil
	case models.TaskKindDeploy:
		return "deploy_task_id", nil
	case models.TaskKindStop:
		return "stop_task_id", nil
	}
	return "", apperr.New(apperr.InvalidInput, "unknown task kind: "+string(kind))
}

// CreateTask reserves an app-scoped task slot and inserts the Task row in
// one transaction. The slot reservation is a conditional UPDATE ... WHERE
// compare-and-set against the app's per-kind task-id column rather than an
// in-process mutex, so the invariant holds across every process sharing
// this database (§9's explicit guidance for the non-terminal-task rule).
func (s *Store) CreateTask(ctx context.Context, kind models.TaskKind, appID string, params map[string]string) (*models.Task, error) {
	col, err := taskColumnFor(kind)
	if err != nil {
		return nil, err
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidInput, "encoding task params", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "beginning transaction", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx, rebind(`SELECT EXISTS(SELECT 1 FROM apps WHERE id = ?)`), appID).Scan(&exists); err != nil {
		return nil, apperr.Wrap(apperr.Transient, "checking app existence", err)
	}
	if !exists {
		return nil, apperr.New(apperr.NotFound, "app not found: "+appID)
	}

	taskID := uuid.New().String()
	insert := `INSERT INTO tasks (id, kind, app_id, state, params_json, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, rebind(insert), taskID, string(kind), appID, string(models.TaskPending), string(paramsJSON), time.Now()); err != nil {
		return nil, apperr.Wrap(apperr.Transient, "inserting task", err)
	}

	// The slot is free if it has never been set, or the task it currently
	// points to has reached a terminal state.
	cas := fmt.Sprintf(`
		UPDATE apps SET %s = ?
		WHERE id = ?
		  AND (
		    %s = ''
		    OR (SELECT state FROM tasks WHERE id = apps.%s) IN ('success', 'failure', 'revoked')
		  )
	`, col, col, col)
	result, err := tx.ExecContext(ctx, rebind(cas), taskID, appID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "reserving task slot", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "reading rows affected", err)
	}
	if n == 0 {
		return nil, apperr.New(apperr.Conflict, fmt.Sprintf("a non-terminal %s task already exists for app %s", kind, appID))
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(apperr.Transient, "committing task reservation", err)
	}
	return &models.Task{ID: taskID, Kind: kind, AppID: appID, State: models.TaskPending, Params: params}, nil
}

// UpdateTaskProgress records the {current, total, message} triple a
// running task reports.
func (s *Store) UpdateTaskProgress(ctx context.Context, taskID string, progress models.Progress) error {
	query := `UPDATE tasks SET progress_current = ?, progress_total = ?, progress_message = ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, rebind(query), progress.Current, progress.Total, progress.Message, taskID)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "updating task progress", err)
	}
	return mustAffectOne(result, "task not found: "+taskID)
}

// UpdateTaskState transitions a task's lifecycle state, stamping
// started_at the first time it runs and finished_at once it reaches a
// terminal state.
func (s *Store) UpdateTaskState(ctx context.Context, taskID string, state models.TaskState, errMessage string) error {
	now := time.Now()
	query := `UPDATE tasks SET state = ?, error_message = ?`
	args := []interface{}{string(state), errMessage}
	if state == models.TaskRunning {
		query += `, started_at = COALESCE(started_at, ?)`
		args = append(args, now)
	}
	if state.IsTerminal() {
		query += `, finished_at = ?`
		args = append(args, now)
	}
	query += ` WHERE id = ?`
	args = append(args, taskID)

	result, err := s.db.ExecContext(ctx, rebind(query), args...)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "updating task state", err)
	}
	return mustAffectOne(result, "task not found: "+taskID)
}

// GetTask fetches a task by id. Satisfies internal/tasks.Store and, via
// internal/tasks.Engine.Status, internal/reconciler.TaskStatus.
func (s *Store) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	query := `
		SELECT id, kind, app_id, state, progress_current, progress_total,
		       progress_message, error_message, params_json, started_at, finished_at
		FROM tasks WHERE id = ?
	`
	row := s.db.QueryRowContext(ctx, rebind(query), taskID)

	var (
		t                     models.Task
		kind, state           string
		paramsJSON            string
		startedAt, finishedAt sql.NullTime
	)
	err := row.Scan(&t.ID, &kind, &t.AppID, &state, &t.Progress.Current, &t.Progress.Total,
		&t.Progress.Message, &t.ErrorMessage, &paramsJSON, &startedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "task not found: "+taskID)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "reading task", err)
	}

	t.Kind = models.TaskKind(kind)
	t.State = models.TaskState(state)
	if paramsJSON != "" {
		if err := json.Unmarshal([]byte(paramsJSON), &t.Params); err != nil {
			return nil, apperr.Wrap(apperr.Transient, "decoding task params", err)
		}
	}
	if startedAt.Valid {
		v := startedAt.Time
		t.StartedAt = &v
	}
	if finishedAt.Valid {
		v := finishedAt.Time
		t.FinishedAt = &v
	}
	return &t, nil
}
