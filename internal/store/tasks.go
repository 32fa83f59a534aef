package store

import (
	"context"
	"database/sql"
	"fmt"
)

const taskColumns = `id, project_id, main_stage_id, title, completed, due_date, assignee_id, created_by, created_at, updated_at`

func scanTask(row rowScanner) (Task, error) {
	var (
		task        Task
		mainStageID sql.NullString
		dueDate     sql.NullTime
		assigneeID  sql.NullString
	)
	err := row.Scan(&task.ID, &task.ProjectID, &mainStageID, &task.Title, &task.Completed, &dueDate,
		&assigneeID, &task.CreatedBy, &task.CreatedAt, &task.UpdatedAt)
	task.MainStageID = stringPtr(mainStageID)
	task.DueDate = timePtr(dueDate)
	task.AssigneeID = stringPtr(assigneeID)
	return task, err
}

func (s *PostgresStore) InsertTask(ctx context.Context, task Task) (Task, error) {
	return scanTask(s.db.QueryRowContext(ctx, `
		INSERT INTO tasks (id, project_id, main_stage_id, title, completed, due_date, assignee_id, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+taskColumns,
		task.ID, task.ProjectID, task.MainStageID, task.Title, task.Completed, task.DueDate, task.AssigneeID, task.CreatedBy))
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (Task, error) {
	return scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, id))
}

func (s *PostgresStore) ListTasks(ctx context.Context, projectID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE project_id=$1 ORDER BY completed ASC, due_date ASC NULLS LAST, created_at ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	items := make([]Task, 0)
	for rows.Next() {
		item, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) UpdateTask(ctx context.Context, task Task) (Task, error) {
	return scanTask(s.db.QueryRowContext(ctx, `
		UPDATE tasks
		SET main_stage_id=$2, title=$3, completed=$4, due_date=$5, assignee_id=$6, updated_at=NOW()
		WHERE id=$1
		RETURNING `+taskColumns,
		task.ID, task.MainStageID, task.Title, task.Completed, task.DueDate, task.AssigneeID))
}

func (s *PostgresStore) DeleteTask(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=$1`, id)
	if err != nil {
		return false, fmt.Errorf("delete task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete task rows affected: %w", err)
	}
	return affected > 0, nil
}
