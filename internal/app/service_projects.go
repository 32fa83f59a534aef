package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"cutline/api/internal/rbac"
	"cutline/api/internal/stage"
	"cutline/api/internal/storage"
	"cutline/api/internal/store"
	"cutline/api/internal/util"
)

const (
	projectStatusActive    = "active"
	projectStatusCompleted = "completed"

	maxDescriptionLength = 5000
)

type CreateProjectInput struct {
	TeamID      string `json:"teamId"`
	Name        string `json:"name"`
	Description string `json:"description"`
	StartDate   string `json:"startDate"`
	EndDate     string `json:"endDate"`
}

type UpdateProjectInput struct {
	ID          string  `json:"id"`
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Status      *string `json:"status"`
	StartDate   *string `json:"startDate"`
	EndDate     *string `json:"endDate"`
}

// templateStages expands the fixed pipeline into fresh stage rows for a
// project. Sub-stages start enabled with empty content.
func templateStages(projectID string) []store.MainStage {
	stages := make([]store.MainStage, 0, len(stage.Pipeline))
	for i, main := range stage.Pipeline {
		mainStage := store.MainStage{
			ID:        util.NewID("ms"),
			ProjectID: projectID,
			Key:       main.Key,
			Name:      main.Name,
			Position:  i,
			SubStages: make([]store.SubStage, 0, len(main.SubStages)),
		}
		for j, sub := range main.SubStages {
			mainStage.SubStages = append(mainStage.SubStages, store.SubStage{
				ID:          util.NewID("ss"),
				MainStageID: mainStage.ID,
				ProjectID:   projectID,
				Kind:        string(sub.Kind),
				Name:        sub.Name,
				Position:    j,
				Enabled:     true,
				Version:     1,
			})
		}
		stages = append(stages, mainStage)
	}
	return stages
}

func (s *Service) CreateProject(ctx context.Context, session Session, input CreateProjectInput) (map[string]any, error) {
	if _, _, err := s.teamAccess(ctx, session, input.TeamID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	name, err := requireName("name", input.Name)
	if err != nil {
		return nil, err
	}
	description := strings.TrimSpace(input.Description)
	if len([]rune(description)) > maxDescriptionLength {
		return nil, validationError("description is too long", nil)
	}
	startDate, err := parseDate("startDate", input.StartDate)
	if err != nil {
		return nil, err
	}
	endDate, err := parseDate("endDate", input.EndDate)
	if err != nil {
		return nil, err
	}
	if startDate != nil && endDate != nil && endDate.Before(*startDate) {
		return nil, validationError("endDate may not precede startDate", nil)
	}

	project := store.Project{
		ID:          util.NewID("prj"),
		TeamID:      input.TeamID,
		Name:        name,
		Description: description,
		Status:      projectStatusActive,
		StartDate:   startDate,
		EndDate:     endDate,
		CreatedBy:   session.UserID,
	}
	stages := templateStages(project.ID)
	if err := s.store.CreateProject(ctx, project, stages); err != nil {
		return nil, err
	}

	created, err := s.store.GetProject(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	s.search.IndexProject(projectRecord(created))

	persisted, err := s.store.ListMainStages(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	return projectDetailsView(created, persisted), nil
}

func projectDetailsView(project store.Project, stages []store.MainStage) map[string]any {
	view := projectView(project)
	mainStages := make([]map[string]any, 0, len(stages))
	for _, main := range stages {
		mainStages = append(mainStages, mainStageView(main))
	}
	view["mainStages"] = mainStages
	return view
}

func (s *Service) ListProjects(ctx context.Context, session Session, teamID string) ([]map[string]any, error) {
	if _, _, err := s.teamAccess(ctx, session, teamID, rbac.ActionRead); err != nil {
		return nil, err
	}
	projects, err := s.store.ListProjects(ctx, teamID)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(projects))
	for _, project := range projects {
		views = append(views, projectView(project))
	}
	return views, nil
}

// GetProjectDetails returns the project with its stage tree ordered by
// position.
func (s *Service) GetProjectDetails(ctx context.Context, session Session, projectID string) (map[string]any, error) {
	project, _, err := s.projectAccess(ctx, session, projectID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	stages, err := s.store.ListMainStages(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	return projectDetailsView(project, stages), nil
}

func (s *Service) UpdateProject(ctx context.Context, session Session, input UpdateProjectInput) (map[string]any, error) {
	project, _, err := s.projectAccess(ctx, session, input.ID, rbac.ActionWrite)
	if err != nil {
		return nil, err
	}

	if input.Name != nil {
		name, err := requireName("name", *input.Name)
		if err != nil {
			return nil, err
		}
		project.Name = name
	}
	if input.Description != nil {
		description := strings.TrimSpace(*input.Description)
		if len([]rune(description)) > maxDescriptionLength {
			return nil, validationError("description is too long", nil)
		}
		project.Description = description
	}
	if input.Status != nil {
		switch status := strings.TrimSpace(*input.Status); status {
		case projectStatusActive, projectStatusCompleted:
			project.Status = status
		default:
			return nil, validationError("status must be active or completed", nil)
		}
	}
	if input.StartDate != nil {
		if project.StartDate, err = parseDate("startDate", *input.StartDate); err != nil {
			return nil, err
		}
	}
	if input.EndDate != nil {
		if project.EndDate, err = parseDate("endDate", *input.EndDate); err != nil {
			return nil, err
		}
	}
	if project.StartDate != nil && project.EndDate != nil && project.EndDate.Before(*project.StartDate) {
		return nil, validationError("endDate may not precede startDate", nil)
	}

	updated, err := s.store.UpdateProject(ctx, project)
	if err != nil {
		return nil, err
	}
	s.search.IndexProject(projectRecord(updated))
	return projectView(updated), nil
}

// DeleteProject removes the project row (the schema cascades to stages,
// comments, tasks and file rows) and then the data kept outside Postgres.
func (s *Service) DeleteProject(ctx context.Context, session Session, projectID string) (map[string]any, error) {
	project, _, err := s.projectAccess(ctx, session, projectID, rbac.ActionManage)
	if err != nil {
		return nil, err
	}

	comments, err := s.store.ListCommentThread(ctx, store.CommentScope{ProjectID: project.ID})
	if err != nil {
		return nil, err
	}

	deleted, err := s.store.DeleteProject(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	if !deleted {
		return nil, sql.ErrNoRows
	}

	for _, comment := range comments {
		s.search.DeleteComment(comment.ID)
	}
	s.search.DeleteProject(project.ID)

	if s.files != nil {
		if err := s.files.RemovePrefix(ctx, storage.ProjectPrefix(project.ID)); err != nil {
			s.log.Warn().Err(err).Str("project_id", project.ID).Msg("remove project objects")
		}
	}
	if err := s.history.RemoveProject(project.ID); err != nil {
		s.log.Warn().Err(err).Str("project_id", project.ID).Msg("remove project history")
	}

	return map[string]any{"id": project.ID, "deleted": true}, nil
}

func (s *Service) mainStageInProject(ctx context.Context, projectID, mainStageID string) (store.MainStage, error) {
	main, err := s.store.GetMainStage(ctx, mainStageID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.MainStage{}, notFound("main stage not found")
	}
	if err != nil {
		return store.MainStage{}, err
	}
	if main.ProjectID != projectID {
		return store.MainStage{}, notFound("main stage not found")
	}
	return main, nil
}
