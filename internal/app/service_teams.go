package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"cutline/api/internal/email"
	"cutline/api/internal/rbac"
	"cutline/api/internal/store"
	"cutline/api/internal/util"
)

type CreateTeamInput struct {
	Name string `json:"name"`
}

type AddMemberInput struct {
	TeamID string `json:"teamId"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

type RemoveMemberInput struct {
	TeamID   string `json:"teamId"`
	MemberID string `json:"memberId"`
}

func (s *Service) uniqueTeamSlug(ctx context.Context, name string) (string, error) {
	base := util.Slugify(name)
	if base == "" {
		base = "team"
	}
	slug := base
	for attempt := 2; ; attempt++ {
		exists, err := s.store.TeamSlugExists(ctx, slug)
		if err != nil {
			return "", err
		}
		if !exists {
			return slug, nil
		}
		if attempt > 50 {
			return base + "-" + util.NewID("")[:8], nil
		}
		slug = fmt.Sprintf("%s-%d", base, attempt)
	}
}

// CreateTeam creates a team with the caller as its first admin.
func (s *Service) CreateTeam(ctx context.Context, session Session, input CreateTeamInput) (map[string]any, error) {
	name, err := requireName("name", input.Name)
	if err != nil {
		return nil, err
	}
	slug, err := s.uniqueTeamSlug(ctx, name)
	if err != nil {
		return nil, err
	}
	team := store.Team{
		ID:   util.NewID("team"),
		Name: name,
		Slug: slug,
	}
	owner := store.TeamMember{
		ID:     util.NewID("tm"),
		TeamID: team.ID,
		UserID: session.UserID,
		Role:   string(rbac.RoleAdmin),
	}
	if err := s.store.CreateTeam(ctx, team, owner); err != nil {
		return nil, err
	}
	created, err := s.store.GetTeam(ctx, team.ID)
	if err != nil {
		return nil, err
	}
	view := teamView(created)
	view["memberId"] = owner.ID
	view["role"] = owner.Role
	return view, nil
}

func (s *Service) ListTeams(ctx context.Context, session Session) ([]map[string]any, error) {
	memberships, err := s.store.ListTeamsForUser(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(memberships))
	for _, membership := range memberships {
		views = append(views, membershipView(membership))
	}
	return views, nil
}

func (s *Service) ListTeamMembers(ctx context.Context, session Session, teamID string) ([]map[string]any, error) {
	if _, _, err := s.teamAccess(ctx, session, teamID, rbac.ActionRead); err != nil {
		return nil, err
	}
	members, err := s.store.ListTeamMembers(ctx, teamID)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(members))
	for _, member := range members {
		views = append(views, memberView(member))
	}
	return views, nil
}

// AddMember adds an existing user, looked up by email, to the team.
func (s *Service) AddMember(ctx context.Context, session Session, input AddMemberInput) (map[string]any, error) {
	team, inviter, err := s.teamAccess(ctx, session, input.TeamID, rbac.ActionManage)
	if err != nil {
		return nil, err
	}
	role := strings.TrimSpace(input.Role)
	if role == "" {
		role = string(rbac.RoleMember)
	}
	if !rbac.Valid(role) {
		return nil, validationError("role must be admin or member", nil)
	}
	address := strings.ToLower(strings.TrimSpace(input.Email))
	if address == "" {
		return nil, validationError("email is required", nil)
	}

	user, err := s.store.GetUserByEmail(ctx, address)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("no user with that email")
	}
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetTeamMember(ctx, team.ID, user.ID); err == nil {
		return nil, conflict("user is already a member of this team", nil)
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	member := store.TeamMember{
		ID:     util.NewID("tm"),
		TeamID: team.ID,
		UserID: user.ID,
		Role:   role,
	}
	if err := s.store.AddTeamMember(ctx, member); err != nil {
		return nil, err
	}
	added, err := s.store.GetTeamMemberByID(ctx, member.ID)
	if err != nil {
		return nil, err
	}

	s.notify.NotifyTeamMember(inviter.DisplayName, team.Name, role, email.Recipient{
		Name:  user.DisplayName,
		Email: user.Email,
	})
	return memberView(added), nil
}

// RemoveMember removes a member. The team always keeps at least one admin.
func (s *Service) RemoveMember(ctx context.Context, session Session, input RemoveMemberInput) (map[string]any, error) {
	team, _, err := s.teamAccess(ctx, session, input.TeamID, rbac.ActionManage)
	if err != nil {
		return nil, err
	}
	member, err := s.store.GetTeamMemberByID(ctx, input.MemberID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && member.TeamID != team.ID) {
		return nil, notFound("member not found")
	}
	if err != nil {
		return nil, err
	}
	if rbac.Normalize(member.Role) == rbac.RoleAdmin {
		admins, err := s.store.CountTeamAdmins(ctx, team.ID)
		if err != nil {
			return nil, err
		}
		if admins <= 1 {
			return nil, conflict("cannot remove the last admin of a team", nil)
		}
	}
	removed, err := s.store.RemoveTeamMember(ctx, team.ID, member.ID)
	if err != nil {
		return nil, err
	}
	if !removed {
		return nil, notFound("member not found")
	}
	return map[string]any{"id": member.ID, "removed": true}, nil
}
