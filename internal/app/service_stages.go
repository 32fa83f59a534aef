package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cutline/api/internal/history"
	"cutline/api/internal/rbac"
	"cutline/api/internal/stage"
	"cutline/api/internal/store"
	"cutline/api/internal/util"
)

type UpdateSubStageInput struct {
	ID      string  `json:"id"`
	Name    *string `json:"name"`
	Enabled *bool   `json:"enabled"`
	Starred *bool   `json:"starred"`
	// Content is nil when the field is absent and "null" when the client
	// clears the slot.
	Content         json.RawMessage `json:"content"`
	ExpectedVersion *int            `json:"expectedVersion"`
}

type UpdateMainStageInput struct {
	ID      string  `json:"id"`
	Name    *string `json:"name"`
	Starred *bool   `json:"starred"`
}

type UpdateProjectStageInput struct {
	ProjectID string `json:"projectId"`
	Stage     string `json:"stage"`
	Completed bool   `json:"completed"`
}

type FrameInput struct {
	Scene           string `json:"scene"`
	Description     string `json:"description"`
	ShotType        string `json:"shotType"`
	DurationSeconds int    `json:"durationSeconds"`
}

func (f FrameInput) frame(id string) stage.StoryboardFrame {
	return stage.StoryboardFrame{
		ID:              id,
		Scene:           strings.TrimSpace(f.Scene),
		Description:     strings.TrimSpace(f.Description),
		ShotType:        strings.TrimSpace(f.ShotType),
		DurationSeconds: f.DurationSeconds,
	}
}

// ContentPatchInput carries the arguments of every per-field content
// operation; each procedure reads the fields it needs.
type ContentPatchInput struct {
	SubStageID      string      `json:"subStageId"`
	ItemID          string      `json:"itemId"`
	Text            string      `json:"text"`
	FrameID         string      `json:"frameId"`
	Frame           *FrameInput `json:"frame"`
	Index           int         `json:"index"`
	URL             string      `json:"url"`
	Note            string      `json:"note"`
	LinkID          string      `json:"linkId"`
	ExpectedVersion *int        `json:"expectedVersion"`
}

// subStageAccess loads the sub-stage and checks the caller may perform
// action on its project.
func (s *Service) subStageAccess(ctx context.Context, session Session, subStageID string, action rbac.Action) (store.SubStage, store.Project, error) {
	if strings.TrimSpace(subStageID) == "" {
		return store.SubStage{}, store.Project{}, validationError("subStageId is required", nil)
	}
	sub, err := s.store.GetSubStage(ctx, subStageID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.SubStage{}, store.Project{}, notFound("sub-stage not found")
	}
	if err != nil {
		return store.SubStage{}, store.Project{}, err
	}
	project, _, err := s.projectAccess(ctx, session, sub.ProjectID, action)
	if err != nil {
		return store.SubStage{}, store.Project{}, err
	}
	return sub, project, nil
}

// UpdateSubStage writes every present field in one statement. Content
// replaces the stored JSON value as a whole.
func (s *Service) UpdateSubStage(ctx context.Context, session Session, input UpdateSubStageInput) (map[string]any, error) {
	sub, project, err := s.subStageAccess(ctx, session, input.ID, rbac.ActionWrite)
	if err != nil {
		return nil, err
	}

	patch := store.SubStagePatch{Enabled: input.Enabled, Starred: input.Starred}
	if input.Name != nil {
		name, err := requireName("name", *input.Name)
		if err != nil {
			return nil, err
		}
		patch.Name = &name
	}
	if input.Content != nil {
		kind, ok := stage.ParseKind(sub.Kind)
		if !ok {
			return nil, fmt.Errorf("sub-stage %s has unknown kind %q", sub.ID, sub.Kind)
		}
		if err := stage.Validate(kind, input.Content); err != nil {
			return nil, err
		}
		content, err := stage.Compact(input.Content)
		if err != nil {
			return nil, err
		}
		patch.ContentSet = true
		patch.Content = content
	}

	updated, err := s.store.UpdateSubStage(ctx, sub.ID, patch, input.ExpectedVersion, session.UserID)
	if err != nil {
		return nil, s.subStageWriteError(ctx, sub.ID, err)
	}

	if patch.ContentSet {
		s.recordRevision(project.ID, updated, session, "update content")
	}
	s.touchProject(ctx, project.ID)
	return subStageView(updated), nil
}

func (s *Service) subStageWriteError(ctx context.Context, subStageID string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("sub-stage not found")
	}
	if !errors.Is(err, store.ErrVersionConflict) {
		return err
	}
	current, lookupErr := s.store.GetSubStage(ctx, subStageID)
	if lookupErr != nil {
		return conflict("sub-stage was modified by someone else", nil)
	}
	return conflict("sub-stage was modified by someone else", map[string]any{"currentVersion": current.Version})
}

// recordRevision commits the sub-stage content to the project's history at
// the version the database assigned. A commit overtaken by a newer version is
// dropped so the newest revision matches the stored content. The database
// stays authoritative, so failures are only logged.
func (s *Service) recordRevision(projectID string, sub store.SubStage, session Session, action string) {
	message := fmt.Sprintf("%s: %s", sub.Name, action)
	_, err := s.history.CommitSubStage(projectID, sub.ID, sub.Version, sub.Content, session.UserName, message)
	if errors.Is(err, history.ErrStaleVersion) {
		s.log.Debug().
			Str("project_id", projectID).
			Str("sub_stage_id", sub.ID).
			Int("version", sub.Version).
			Msg("skip stale content revision")
		return
	}
	if err != nil && !errors.Is(err, history.ErrNoChange) {
		s.log.Warn().Err(err).
			Str("project_id", projectID).
			Str("sub_stage_id", sub.ID).
			Msg("commit content history")
	}
}

func (s *Service) UpdateMainStage(ctx context.Context, session Session, input UpdateMainStageInput) (map[string]any, error) {
	main, err := s.store.GetMainStage(ctx, input.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("main stage not found")
	}
	if err != nil {
		return nil, err
	}
	if _, _, err := s.projectAccess(ctx, session, main.ProjectID, rbac.ActionWrite); err != nil {
		return nil, err
	}

	patch := store.MainStagePatch{Starred: input.Starred}
	if input.Name != nil {
		name, err := requireName("name", *input.Name)
		if err != nil {
			return nil, err
		}
		patch.Name = &name
	}
	updated, err := s.store.UpdateMainStage(ctx, main.ID, patch)
	if err != nil {
		return nil, err
	}
	updated.SubStages = main.SubStages
	s.touchProject(ctx, main.ProjectID)
	return mainStageView(updated), nil
}

// UpdateProjectStage toggles a main stage's completion through the legacy
// stage-name addressing.
func (s *Service) UpdateProjectStage(ctx context.Context, session Session, input UpdateProjectStageInput) (map[string]any, error) {
	project, _, err := s.projectAccess(ctx, session, input.ProjectID, rbac.ActionWrite)
	if err != nil {
		return nil, err
	}
	key, ok := stage.NormalizeStageKey(input.Stage)
	if !ok {
		return nil, validationError("unknown stage", map[string]any{"stage": input.Stage})
	}
	main, err := s.store.SetMainStageCompleted(ctx, project.ID, key, input.Completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("stage not found")
	}
	if err != nil {
		return nil, err
	}
	s.touchProject(ctx, project.ID)
	return legacyStageView(main), nil
}

func (s *Service) GetProjectStages(ctx context.Context, session Session, projectID string) ([]map[string]any, error) {
	project, _, err := s.projectAccess(ctx, session, projectID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	stages, err := s.store.ListMainStages(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	rows := make([]map[string]any, 0, len(stages))
	for _, main := range stages {
		rows = append(rows, legacyStageView(main))
	}
	return rows, nil
}

// PatchContent applies op to the sub-stage's content under a row lock.
// When onlyKind is set, the operation is refused for every other kind.
func (s *Service) PatchContent(ctx context.Context, session Session, subStageID string, expectedVersion *int, onlyKind stage.Kind, action string, op stage.Operation) (map[string]any, error) {
	sub, project, err := s.subStageAccess(ctx, session, subStageID, rbac.ActionWrite)
	if err != nil {
		return nil, err
	}

	updated, err := s.store.MutateSubStageContent(ctx, sub.ID, expectedVersion, session.UserID, func(current store.SubStage) (json.RawMessage, error) {
		kind, ok := stage.ParseKind(current.Kind)
		if !ok || (onlyKind != "" && kind != onlyKind) {
			return nil, stage.ErrWrongKind
		}
		return stage.Apply(kind, current.Content, op)
	})
	if err != nil {
		return nil, s.subStageWriteError(ctx, sub.ID, err)
	}

	s.recordRevision(project.ID, updated, session, action)
	s.touchProject(ctx, project.ID)
	return subStageView(updated), nil
}

func requireText(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return validationError(field+" is required", nil)
	}
	return nil
}

func (s *Service) AddListItem(ctx context.Context, session Session, input ContentPatchInput, onlyKind stage.Kind) (map[string]any, error) {
	if err := requireText("text", input.Text); err != nil {
		return nil, err
	}
	op := stage.AddItem{ID: util.NewID("item"), Text: input.Text}
	return s.PatchContent(ctx, session, input.SubStageID, input.ExpectedVersion, onlyKind, "add item", op)
}

func (s *Service) ToggleListItem(ctx context.Context, session Session, input ContentPatchInput, onlyKind stage.Kind) (map[string]any, error) {
	if err := requireText("itemId", input.ItemID); err != nil {
		return nil, err
	}
	op := stage.ToggleItem{ItemID: input.ItemID}
	return s.PatchContent(ctx, session, input.SubStageID, input.ExpectedVersion, onlyKind, "toggle item", op)
}

func (s *Service) UpdateListItem(ctx context.Context, session Session, input ContentPatchInput) (map[string]any, error) {
	if err := requireText("itemId", input.ItemID); err != nil {
		return nil, err
	}
	if err := requireText("text", input.Text); err != nil {
		return nil, err
	}
	op := stage.UpdateItem{ItemID: input.ItemID, Text: input.Text}
	return s.PatchContent(ctx, session, input.SubStageID, input.ExpectedVersion, "", "update item", op)
}

func (s *Service) RemoveListItem(ctx context.Context, session Session, input ContentPatchInput, onlyKind stage.Kind) (map[string]any, error) {
	if err := requireText("itemId", input.ItemID); err != nil {
		return nil, err
	}
	op := stage.RemoveItem{ItemID: input.ItemID}
	return s.PatchContent(ctx, session, input.SubStageID, input.ExpectedVersion, onlyKind, "remove item", op)
}

func (s *Service) AddStoryboardFrame(ctx context.Context, session Session, input ContentPatchInput) (map[string]any, error) {
	if input.Frame == nil {
		return nil, validationError("frame is required", nil)
	}
	op := stage.AddFrame{Frame: input.Frame.frame(util.NewID("frame"))}
	return s.PatchContent(ctx, session, input.SubStageID, input.ExpectedVersion, "", "add frame", op)
}

func (s *Service) UpdateStoryboardFrame(ctx context.Context, session Session, input ContentPatchInput) (map[string]any, error) {
	if err := requireText("frameId", input.FrameID); err != nil {
		return nil, err
	}
	if input.Frame == nil {
		return nil, validationError("frame is required", nil)
	}
	op := stage.UpdateFrame{FrameID: input.FrameID, Frame: input.Frame.frame(input.FrameID)}
	return s.PatchContent(ctx, session, input.SubStageID, input.ExpectedVersion, "", "update frame", op)
}

func (s *Service) RemoveStoryboardFrame(ctx context.Context, session Session, input ContentPatchInput) (map[string]any, error) {
	if err := requireText("frameId", input.FrameID); err != nil {
		return nil, err
	}
	op := stage.RemoveFrame{FrameID: input.FrameID}
	return s.PatchContent(ctx, session, input.SubStageID, input.ExpectedVersion, "", "remove frame", op)
}

func (s *Service) MoveStoryboardFrame(ctx context.Context, session Session, input ContentPatchInput) (map[string]any, error) {
	if err := requireText("frameId", input.FrameID); err != nil {
		return nil, err
	}
	op := stage.MoveFrame{FrameID: input.FrameID, Index: input.Index}
	return s.PatchContent(ctx, session, input.SubStageID, input.ExpectedVersion, "", "move frame", op)
}

func (s *Service) AddResearchLink(ctx context.Context, session Session, input ContentPatchInput) (map[string]any, error) {
	if err := requireText("url", input.URL); err != nil {
		return nil, err
	}
	op := stage.AddLink{Link: stage.ResearchLink{
		ID:   util.NewID("link"),
		URL:  input.URL,
		Note: strings.TrimSpace(input.Note),
	}}
	return s.PatchContent(ctx, session, input.SubStageID, input.ExpectedVersion, "", "add link", op)
}

func (s *Service) RemoveResearchLink(ctx context.Context, session Session, input ContentPatchInput) (map[string]any, error) {
	if err := requireText("linkId", input.LinkID); err != nil {
		return nil, err
	}
	op := stage.RemoveLink{LinkID: input.LinkID}
	return s.PatchContent(ctx, session, input.SubStageID, input.ExpectedVersion, "", "remove link", op)
}

func (s *Service) GetContentHistory(ctx context.Context, session Session, subStageID string, limit int) ([]map[string]any, error) {
	sub, project, err := s.subStageAccess(ctx, session, subStageID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	revisions, err := s.history.History(project.ID, sub.ID, limit)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(revisions))
	for _, revision := range revisions {
		views = append(views, revisionView(revision))
	}
	return views, nil
}

func (s *Service) GetContentRevision(ctx context.Context, session Session, subStageID, hash string) (map[string]any, error) {
	sub, project, err := s.subStageAccess(ctx, session, subStageID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	if err := requireText("hash", hash); err != nil {
		return nil, err
	}
	content, err := s.history.ContentAt(project.ID, sub.ID, hash)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"subStageId": sub.ID,
		"hash":       hash,
		"content":    contentOrNil(content),
	}, nil
}
