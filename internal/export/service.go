package export

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cutline/api/internal/stage"
	"cutline/api/internal/store"
)

// DataStore is the read access the brief needs.
type DataStore interface {
	GetProject(ctx context.Context, id string) (store.Project, error)
	GetTeam(ctx context.Context, id string) (store.Team, error)
	ListMainStages(ctx context.Context, projectID string) ([]store.MainStage, error)
	ListTasks(ctx context.Context, projectID string) ([]store.Task, error)
	ListTeamMembers(ctx context.Context, teamID string) ([]store.TeamMember, error)
}

type renderFunc func(ctx context.Context, html, title string) (*Result, error)

type Service struct {
	store DataStore
	pdf   renderFunc
	docx  renderFunc
	now   func() time.Time
}

func NewService(store DataStore) *Service {
	return &Service{
		store: store,
		pdf:   exportPDF,
		docx:  exportDOCX,
		now:   time.Now,
	}
}

// Export builds the project brief and renders it in the requested format.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	brief, err := s.BuildBrief(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	html, err := RenderBriefHTML(brief)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch req.Format {
	case FormatHTML:
		return &Result{
			Data:     []byte(html),
			Filename: briefFilename(brief.ProjectName, "html"),
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF:
		return s.pdf(ctx, html, brief.ProjectName)
	case FormatDOCX:
		return s.docx(ctx, html, brief.ProjectName)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
}

// BuildBrief collects enabled sub-stages in pipeline order plus open tasks.
func (s *Service) BuildBrief(ctx context.Context, projectID string) (Brief, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return Brief{}, fmt.Errorf("get project: %w", err)
	}
	team, err := s.store.GetTeam(ctx, project.TeamID)
	if err != nil {
		return Brief{}, fmt.Errorf("get team: %w", err)
	}
	mainStages, err := s.store.ListMainStages(ctx, projectID)
	if err != nil {
		return Brief{}, fmt.Errorf("list stages: %w", err)
	}
	tasks, err := s.store.ListTasks(ctx, projectID)
	if err != nil {
		return Brief{}, fmt.Errorf("list tasks: %w", err)
	}
	members, err := s.store.ListTeamMembers(ctx, project.TeamID)
	if err != nil {
		return Brief{}, fmt.Errorf("list members: %w", err)
	}

	brief := Brief{
		ProjectName: project.Name,
		Status:      project.Status,
		TeamName:    team.Name,
		StartDate:   project.StartDate,
		EndDate:     project.EndDate,
		GeneratedAt: s.now().UTC(),
		Stages:      make([]BriefStage, 0, len(mainStages)),
		OpenTasks:   make([]BriefTask, 0),
	}
	if strings.TrimSpace(project.Description) != "" {
		brief.Description = RenderMarkdown(project.Description)
	}

	stageNames := make(map[string]string, len(mainStages))
	for _, main := range mainStages {
		stageNames[main.ID] = main.Name
		section := BriefStage{Name: main.Name, Completed: main.Completed}
		for _, sub := range main.SubStages {
			if !sub.Enabled {
				continue
			}
			section.Sections = append(section.Sections, BriefSection{
				Name:    sub.Name,
				Kind:    sub.Kind,
				Starred: sub.Starred,
				HTML:    SectionHTML(stage.Kind(sub.Kind), sub.Content),
			})
		}
		brief.Stages = append(brief.Stages, section)
	}

	memberNames := make(map[string]string, len(members))
	for _, m := range members {
		memberNames[m.ID] = m.DisplayName
	}
	for _, task := range tasks {
		if task.Completed {
			continue
		}
		item := BriefTask{Title: task.Title, DueDate: task.DueDate}
		if task.MainStageID != nil {
			item.Stage = stageNames[*task.MainStageID]
		}
		if task.AssigneeID != nil {
			item.Assignee = memberNames[*task.AssigneeID]
		}
		brief.OpenTasks = append(brief.OpenTasks, item)
	}
	return brief, nil
}
