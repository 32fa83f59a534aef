package app

import (
	"context"
	"slices"
	"strings"

	"cutline/api/internal/export"
	"cutline/api/internal/rbac"
	"cutline/api/internal/search"
)

type SearchInput struct {
	Q      string `json:"q"`
	TeamID string `json:"teamId"`
	Type   string `json:"type"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

// Search runs a query bounded to the caller's teams, or to one of them when
// teamId is given.
func (s *Service) Search(ctx context.Context, session Session, input SearchInput) (search.Response, error) {
	resultType := search.ResultType(strings.TrimSpace(input.Type))
	if !search.ValidResultType(resultType) {
		return search.Response{}, validationError("type must be project or comment", nil)
	}
	if input.Limit < 0 || input.Offset < 0 {
		return search.Response{}, validationError("limit and offset must not be negative", nil)
	}

	memberships, err := s.store.ListTeamsForUser(ctx, session.UserID)
	if err != nil {
		return search.Response{}, err
	}
	teamIDs := make([]string, 0, len(memberships))
	for _, membership := range memberships {
		teamIDs = append(teamIDs, membership.ID)
	}
	if teamID := strings.TrimSpace(input.TeamID); teamID != "" {
		if !slices.Contains(teamIDs, teamID) {
			return search.Response{}, forbidden("not a member of this team")
		}
		teamIDs = []string{teamID}
	}

	return s.search.Search(ctx, search.Query{
		Text:       input.Q,
		FilterType: resultType,
		TeamIDs:    teamIDs,
		Limit:      input.Limit,
		Offset:     input.Offset,
	}), nil
}

// ExportProject renders the project brief in format.
func (s *Service) ExportProject(ctx context.Context, session Session, projectID, format string) (*export.Result, error) {
	parsed, ok := export.ParseFormat(format)
	if !ok {
		return nil, validationError("format must be html, pdf or docx", map[string]any{"format": format})
	}
	project, _, err := s.projectAccess(ctx, session, projectID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	return s.exporter.Export(ctx, export.Request{ProjectID: project.ID, Format: parsed})
}
