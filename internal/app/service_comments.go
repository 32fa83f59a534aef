package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"unicode/utf8"

	"cutline/api/internal/email"
	"cutline/api/internal/rbac"
	"cutline/api/internal/store"
	"cutline/api/internal/thread"
	"cutline/api/internal/util"
)

type CreateCommentInput struct {
	Content     string  `json:"content"`
	ProjectID   string  `json:"projectId"`
	MainStageID *string `json:"mainStageId"`
	SubStageID  *string `json:"subStageId"`
	ParentID    *string `json:"parentId"`
	// MentionedIDs is nil when the field is absent; mentions are then derived
	// from the content.
	MentionedIDs []string `json:"mentionedIds"`
}

type UpdateCommentInput struct {
	ID           string   `json:"id"`
	Content      string   `json:"content"`
	MentionedIDs []string `json:"mentionedIds"`
}

type CommentScopeInput struct {
	ProjectID   string `json:"projectId"`
	MainStageID string `json:"mainStageId"`
	SubStageID  string `json:"subStageId"`
}

func normalizeCommentContent(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", validationError("content is required", nil)
	}
	if utf8.RuneCountInString(trimmed) > maxCommentLength {
		return "", validationError("content is too long", map[string]any{"maxLength": maxCommentLength})
	}
	return trimmed, nil
}

func optionalID(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

// resolveMentions returns the member ids a comment mentions. Explicit ids are
// de-duplicated and must all belong to the team; without them the content is
// scanned for @handles.
func resolveMentions(content string, explicit []string, members []store.TeamMember) ([]string, error) {
	if explicit == nil {
		return thread.ExtractMentions(content, members), nil
	}
	known := make(map[string]struct{}, len(members))
	for _, member := range members {
		known[member.ID] = struct{}{}
	}
	ids := make([]string, 0, len(explicit))
	seen := make(map[string]struct{}, len(explicit))
	var unknown []string
	for _, id := range explicit {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := known[id]; !ok {
			unknown = append(unknown, id)
			continue
		}
		ids = append(ids, id)
	}
	if len(unknown) > 0 {
		return nil, validationError("mentioned users must be members of the project's team", map[string]any{"unknownIds": unknown})
	}
	return ids, nil
}

// checkCommentScope verifies the optional stage anchors of a new comment
// belong to its project.
func (s *Service) checkCommentScope(ctx context.Context, projectID string, mainStageID, subStageID *string) error {
	if mainStageID != nil {
		if _, err := s.mainStageInProject(ctx, projectID, *mainStageID); err != nil {
			return err
		}
	}
	if subStageID != nil {
		sub, err := s.store.GetSubStage(ctx, *subStageID)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("sub-stage not found")
		}
		if err != nil {
			return err
		}
		if sub.ProjectID != projectID || (mainStageID != nil && sub.MainStageID != *mainStageID) {
			return notFound("sub-stage not found")
		}
	}
	return nil
}

func (s *Service) CreateComment(ctx context.Context, session Session, input CreateCommentInput) (map[string]any, error) {
	project, author, err := s.projectAccess(ctx, session, input.ProjectID, rbac.ActionComment)
	if err != nil {
		return nil, err
	}
	content, err := normalizeCommentContent(input.Content)
	if err != nil {
		return nil, err
	}

	mainStageID := optionalID(input.MainStageID)
	subStageID := optionalID(input.SubStageID)
	if err := s.checkCommentScope(ctx, project.ID, mainStageID, subStageID); err != nil {
		return nil, err
	}

	parentID := optionalID(input.ParentID)
	if parentID != nil {
		parent, err := s.store.GetComment(ctx, *parentID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("parent comment not found")
		}
		if err != nil {
			return nil, err
		}
		if parent.ProjectID != project.ID || parent.DeletedAt != nil {
			return nil, notFound("parent comment not found")
		}
	}

	members, err := s.store.ListTeamMembers(ctx, project.TeamID)
	if err != nil {
		return nil, err
	}
	mentionIDs, err := resolveMentions(content, input.MentionedIDs, members)
	if err != nil {
		return nil, err
	}

	comment := store.Comment{
		ID:          util.NewID("cmt"),
		ProjectID:   project.ID,
		MainStageID: mainStageID,
		SubStageID:  subStageID,
		ParentID:    parentID,
		AuthorID:    &author.ID,
		Content:     content,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.InsertComment(ctx, comment, mentionIDs); err != nil {
		return nil, err
	}

	created, err := s.store.GetComment(ctx, comment.ID)
	if err != nil {
		return nil, err
	}
	s.search.IndexComment(commentRecord(created, project.TeamID, project.Name))
	s.notifyMentioned(project, author, content, mentionIDs, nil, members)
	s.touchProject(ctx, project.ID)

	view := commentView(created)
	view["replies"] = []map[string]any{}
	return view, nil
}

// notifyMentioned emails members newly mentioned in content, skipping the
// author and anyone in previous.
func (s *Service) notifyMentioned(project store.Project, author store.TeamMember, content string, mentionIDs, previous []string, members []store.TeamMember) {
	skip := make(map[string]struct{}, len(previous)+1)
	skip[author.ID] = struct{}{}
	for _, id := range previous {
		skip[id] = struct{}{}
	}
	byID := make(map[string]store.TeamMember, len(members))
	for _, member := range members {
		byID[member.ID] = member
	}

	recipients := make([]email.Recipient, 0, len(mentionIDs))
	for _, id := range mentionIDs {
		if _, ok := skip[id]; ok {
			continue
		}
		member, ok := byID[id]
		if !ok || member.UserID == author.UserID || member.Email == "" {
			continue
		}
		recipients = append(recipients, email.Recipient{Name: member.DisplayName, Email: member.Email})
	}
	if len(recipients) == 0 {
		return
	}
	s.notify.NotifyMentions(author.DisplayName, project.ID, project.Name, content, recipients)
}

// GetComments returns the comment trees rooted at the top-level comments of
// the requested scope, newest first at every level.
func (s *Service) GetComments(ctx context.Context, session Session, input CommentScopeInput) ([]map[string]any, error) {
	project, _, err := s.projectAccess(ctx, session, input.ProjectID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	comments, err := s.store.ListCommentThread(ctx, store.CommentScope{
		ProjectID:   project.ID,
		MainStageID: strings.TrimSpace(input.MainStageID),
		SubStageID:  strings.TrimSpace(input.SubStageID),
	})
	if err != nil {
		return nil, err
	}
	return commentTreeView(thread.Build(comments)), nil
}

// GetReplies returns the subtree below one comment.
func (s *Service) GetReplies(ctx context.Context, session Session, commentID string) ([]map[string]any, error) {
	comment, err := s.commentByID(ctx, commentID, true)
	if err != nil {
		return nil, err
	}
	if _, _, err := s.projectAccess(ctx, session, comment.ProjectID, rbac.ActionRead); err != nil {
		return nil, err
	}
	replies, err := s.store.ListCommentThread(ctx, store.CommentScope{
		ProjectID: comment.ProjectID,
		ParentID:  comment.ID,
	})
	if err != nil {
		return nil, err
	}
	return commentTreeView(thread.Build(replies)), nil
}

func (s *Service) commentByID(ctx context.Context, id string, includeDeleted bool) (store.Comment, error) {
	if strings.TrimSpace(id) == "" {
		return store.Comment{}, validationError("id is required", nil)
	}
	comment, err := s.store.GetComment(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Comment{}, notFound("comment not found")
	}
	if err != nil {
		return store.Comment{}, err
	}
	if comment.DeletedAt != nil && !includeDeleted {
		return store.Comment{}, notFound("comment not found")
	}
	return comment, nil
}

// authoredComment loads a live comment and checks the caller wrote it. Team
// membership alone does not allow editing someone else's comment.
func (s *Service) authoredComment(ctx context.Context, session Session, id string) (store.Comment, store.Project, store.TeamMember, error) {
	comment, err := s.commentByID(ctx, id, false)
	if err != nil {
		return store.Comment{}, store.Project{}, store.TeamMember{}, err
	}
	project, member, err := s.projectAccess(ctx, session, comment.ProjectID, rbac.ActionComment)
	if err != nil {
		return store.Comment{}, store.Project{}, store.TeamMember{}, err
	}
	if comment.AuthorID == nil || *comment.AuthorID != member.ID {
		return store.Comment{}, store.Project{}, store.TeamMember{}, forbidden("only the author can change this comment")
	}
	return comment, project, member, nil
}

// UpdateComment replaces the content and the full mention set.
func (s *Service) UpdateComment(ctx context.Context, session Session, input UpdateCommentInput) (map[string]any, error) {
	comment, project, author, err := s.authoredComment(ctx, session, input.ID)
	if err != nil {
		return nil, err
	}
	content, err := normalizeCommentContent(input.Content)
	if err != nil {
		return nil, err
	}

	members, err := s.store.ListTeamMembers(ctx, project.TeamID)
	if err != nil {
		return nil, err
	}
	mentionIDs, err := resolveMentions(content, input.MentionedIDs, members)
	if err != nil {
		return nil, err
	}

	if err := s.store.UpdateComment(ctx, comment.ID, content, mentionIDs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("comment not found")
		}
		return nil, err
	}

	updated, err := s.store.GetComment(ctx, comment.ID)
	if err != nil {
		return nil, err
	}
	previous := make([]string, 0, len(comment.Mentions))
	for _, mention := range comment.Mentions {
		previous = append(previous, mention.TeamMemberID)
	}
	s.search.IndexComment(commentRecord(updated, project.TeamID, project.Name))
	s.notifyMentioned(project, author, content, mentionIDs, previous, members)
	return commentView(updated), nil
}

// DeleteComment soft-deletes the comment. Replies stay reachable through a
// placeholder when the thread is read.
func (s *Service) DeleteComment(ctx context.Context, session Session, id string) (map[string]any, error) {
	comment, _, _, err := s.authoredComment(ctx, session, id)
	if err != nil {
		return nil, err
	}
	if err := s.store.SoftDeleteComment(ctx, comment.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("comment not found")
		}
		return nil, err
	}
	s.search.DeleteComment(comment.ID)
	return map[string]any{"id": comment.ID, "deleted": true}, nil
}

func (s *Service) GetMentionableUsers(ctx context.Context, session Session, projectID string) ([]map[string]any, error) {
	project, _, err := s.projectAccess(ctx, session, projectID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	members, err := s.store.ListTeamMembers(ctx, project.TeamID)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(members))
	for _, member := range members {
		view := memberView(member)
		view["handle"] = thread.Handle(member.DisplayName)
		views = append(views, view)
	}
	return views, nil
}
