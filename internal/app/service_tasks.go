package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"cutline/api/internal/rbac"
	"cutline/api/internal/store"
	"cutline/api/internal/util"
)

type CreateTaskInput struct {
	ProjectID   string  `json:"projectId"`
	Title       string  `json:"title"`
	MainStageID *string `json:"mainStageId"`
	DueDate     string  `json:"dueDate"`
	AssigneeID  *string `json:"assigneeId"`
}

// UpdateTaskInput treats an empty dueDate or assigneeId as "clear".
type UpdateTaskInput struct {
	ID         string  `json:"id"`
	Title      *string `json:"title"`
	Completed  *bool   `json:"completed"`
	DueDate    *string `json:"dueDate"`
	AssigneeID *string `json:"assigneeId"`
}

func (s *Service) checkAssignee(ctx context.Context, teamID string, assigneeID *string) error {
	if assigneeID == nil {
		return nil
	}
	member, err := s.store.GetTeamMemberByID(ctx, *assigneeID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && member.TeamID != teamID) {
		return validationError("assignee must be a member of the project's team", map[string]any{"assigneeId": *assigneeID})
	}
	return err
}

func (s *Service) CreateTask(ctx context.Context, session Session, input CreateTaskInput) (map[string]any, error) {
	project, _, err := s.projectAccess(ctx, session, input.ProjectID, rbac.ActionWrite)
	if err != nil {
		return nil, err
	}
	title, err := requireName("title", input.Title)
	if err != nil {
		return nil, err
	}
	dueDate, err := parseDate("dueDate", input.DueDate)
	if err != nil {
		return nil, err
	}
	mainStageID := optionalID(input.MainStageID)
	if mainStageID != nil {
		if _, err := s.mainStageInProject(ctx, project.ID, *mainStageID); err != nil {
			return nil, err
		}
	}
	assigneeID := optionalID(input.AssigneeID)
	if err := s.checkAssignee(ctx, project.TeamID, assigneeID); err != nil {
		return nil, err
	}

	task, err := s.store.InsertTask(ctx, store.Task{
		ID:          util.NewID("task"),
		ProjectID:   project.ID,
		MainStageID: mainStageID,
		Title:       title,
		DueDate:     dueDate,
		AssigneeID:  assigneeID,
		CreatedBy:   session.UserID,
	})
	if err != nil {
		return nil, err
	}
	s.touchProject(ctx, project.ID)
	return taskView(task), nil
}

func (s *Service) ListTasks(ctx context.Context, session Session, projectID string) ([]map[string]any, error) {
	project, _, err := s.projectAccess(ctx, session, projectID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	tasks, err := s.store.ListTasks(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(tasks))
	for _, task := range tasks {
		views = append(views, taskView(task))
	}
	return views, nil
}

func (s *Service) taskAccess(ctx context.Context, session Session, taskID string) (store.Task, store.Project, error) {
	if strings.TrimSpace(taskID) == "" {
		return store.Task{}, store.Project{}, validationError("id is required", nil)
	}
	task, err := s.store.GetTask(ctx, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Task{}, store.Project{}, notFound("task not found")
	}
	if err != nil {
		return store.Task{}, store.Project{}, err
	}
	project, _, err := s.projectAccess(ctx, session, task.ProjectID, rbac.ActionWrite)
	if err != nil {
		return store.Task{}, store.Project{}, err
	}
	return task, project, nil
}

func (s *Service) UpdateTask(ctx context.Context, session Session, input UpdateTaskInput) (map[string]any, error) {
	task, project, err := s.taskAccess(ctx, session, input.ID)
	if err != nil {
		return nil, err
	}
	if input.Title != nil {
		if task.Title, err = requireName("title", *input.Title); err != nil {
			return nil, err
		}
	}
	if input.Completed != nil {
		task.Completed = *input.Completed
	}
	if input.DueDate != nil {
		if task.DueDate, err = parseDate("dueDate", *input.DueDate); err != nil {
			return nil, err
		}
	}
	if input.AssigneeID != nil {
		task.AssigneeID = optionalID(input.AssigneeID)
		if err := s.checkAssignee(ctx, project.TeamID, task.AssigneeID); err != nil {
			return nil, err
		}
	}

	updated, err := s.store.UpdateTask(ctx, task)
	if err != nil {
		return nil, err
	}
	s.touchProject(ctx, project.ID)
	return taskView(updated), nil
}

func (s *Service) DeleteTask(ctx context.Context, session Session, taskID string) (map[string]any, error) {
	task, project, err := s.taskAccess(ctx, session, taskID)
	if err != nil {
		return nil, err
	}
	deleted, err := s.store.DeleteTask(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	if !deleted {
		return nil, notFound("task not found")
	}
	s.touchProject(ctx, project.ID)
	return map[string]any{"id": task.ID, "deleted": true}, nil
}
