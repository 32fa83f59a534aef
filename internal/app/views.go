package app

import (
	"encoding/json"
	"time"

	"cutline/api/internal/history"
	"cutline/api/internal/stage"
	"cutline/api/internal/store"
	"cutline/api/internal/thread"
)

func timeOrNil(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(time.RFC3339)
}

func stringOrNil(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func contentOrNil(raw json.RawMessage) any {
	if stage.IsEmpty(raw) {
		return nil
	}
	return raw
}

func userView(user store.User) map[string]any {
	return map[string]any{
		"id":          user.ID,
		"displayName": user.DisplayName,
		"email":       user.Email,
	}
}

func teamView(team store.Team) map[string]any {
	return map[string]any{
		"id":        team.ID,
		"name":      team.Name,
		"slug":      team.Slug,
		"createdAt": team.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func membershipView(membership store.TeamMembership) map[string]any {
	view := teamView(membership.Team)
	view["memberId"] = membership.MemberID
	view["role"] = membership.Role
	return view
}

func memberView(member store.TeamMember) map[string]any {
	return map[string]any{
		"id":     member.ID,
		"teamId": member.TeamID,
		"userId": member.UserID,
		"role":   member.Role,
		"user": map[string]any{
			"id":    member.UserID,
			"name":  member.DisplayName,
			"email": member.Email,
		},
		"createdAt": member.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func projectView(project store.Project) map[string]any {
	return map[string]any{
		"id":          project.ID,
		"teamId":      project.TeamID,
		"name":        project.Name,
		"description": project.Description,
		"status":      project.Status,
		"startDate":   timeOrNil(project.StartDate),
		"endDate":     timeOrNil(project.EndDate),
		"createdBy":   project.CreatedBy,
		"createdAt":   project.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":   project.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func subStageView(sub store.SubStage) map[string]any {
	return map[string]any{
		"id":          sub.ID,
		"mainStageId": sub.MainStageID,
		"projectId":   sub.ProjectID,
		"kind":        sub.Kind,
		"name":        sub.Name,
		"position":    sub.Position,
		"enabled":     sub.Enabled,
		"starred":     sub.Starred,
		"content":     contentOrNil(sub.Content),
		"version":     sub.Version,
		"updatedAt":   sub.UpdatedAt.UTC().Format(time.RFC3339),
		"updatedBy":   stringOrNil(sub.UpdatedBy),
	}
}

func mainStageView(main store.MainStage) map[string]any {
	subStages := make([]map[string]any, 0, len(main.SubStages))
	for _, sub := range main.SubStages {
		subStages = append(subStages, subStageView(sub))
	}
	return map[string]any{
		"id":          main.ID,
		"projectId":   main.ProjectID,
		"key":         main.Key,
		"name":        main.Name,
		"position":    main.Position,
		"starred":     main.Starred,
		"completed":   main.Completed,
		"completedAt": timeOrNil(main.CompletedAt),
		"subStages":   subStages,
	}
}

// legacyStageView is the flat stage-completion row older clients read.
func legacyStageView(main store.MainStage) map[string]any {
	return map[string]any{
		"projectId":   main.ProjectID,
		"stage":       stage.LegacyStageName(main.Key),
		"completed":   main.Completed,
		"completedAt": timeOrNil(main.CompletedAt),
	}
}

func mentionViews(mentions []store.Mention) []map[string]any {
	views := make([]map[string]any, 0, len(mentions))
	for _, mention := range mentions {
		views = append(views, map[string]any{
			"teamMemberId": mention.TeamMemberID,
			"name":         mention.DisplayName,
			"email":        mention.Email,
		})
	}
	return views
}

func commentView(comment store.Comment) map[string]any {
	deleted := comment.DeletedAt != nil
	view := map[string]any{
		"id":          comment.ID,
		"projectId":   comment.ProjectID,
		"mainStageId": stringOrNil(comment.MainStageID),
		"subStageId":  stringOrNil(comment.SubStageID),
		"parentId":    stringOrNil(comment.ParentID),
		"content":     comment.Content,
		"createdAt":   comment.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updatedAt":   comment.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"deleted":     deleted,
		"author":      nil,
		"mentions":    mentionViews(comment.Mentions),
	}
	if deleted {
		view["content"] = ""
		view["mentions"] = []map[string]any{}
		return view
	}
	if comment.Author != nil {
		view["author"] = map[string]any{
			"id":   comment.Author.ID,
			"role": comment.Author.Role,
			"user": map[string]any{
				"id":    comment.Author.UserID,
				"name":  comment.Author.DisplayName,
				"email": comment.Author.Email,
			},
		}
	}
	return view
}

func commentTreeView(nodes []*thread.Node) []map[string]any {
	views := make([]map[string]any, 0, len(nodes))
	for _, node := range nodes {
		view := commentView(node.Comment)
		view["replies"] = commentTreeView(node.Replies)
		views = append(views, view)
	}
	return views
}

func taskView(task store.Task) map[string]any {
	return map[string]any{
		"id":          task.ID,
		"projectId":   task.ProjectID,
		"mainStageId": stringOrNil(task.MainStageID),
		"title":       task.Title,
		"completed":   task.Completed,
		"dueDate":     timeOrNil(task.DueDate),
		"assigneeId":  stringOrNil(task.AssigneeID),
		"createdBy":   task.CreatedBy,
		"createdAt":   task.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":   task.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func fileView(file store.StoredFile) map[string]any {
	return map[string]any{
		"id":          file.ID,
		"projectId":   file.ProjectID,
		"name":        file.Name,
		"size":        file.Size,
		"mimeType":    file.MimeType,
		"uploadedBy":  stringOrNil(file.UploadedBy),
		"downloadUrl": "/api/files/" + file.ID + "/download",
		"createdAt":   file.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func revisionView(revision history.Revision) map[string]any {
	return map[string]any{
		"hash":      revision.Hash,
		"fullHash":  revision.FullHash,
		"message":   revision.Message,
		"author":    revision.Author,
		"version":   revision.Version,
		"createdAt": revision.CreatedAt.UTC().Format(time.RFC3339),
	}
}
