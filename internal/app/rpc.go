package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"cutline/api/internal/stage"
)

const maxRPCBodyBytes = 1 << 20

type procedureKind int

const (
	kindQuery procedureKind = iota
	kindMutation
)

type handlerFunc func(ctx context.Context, session Session, input json.RawMessage) (any, error)

type procedure struct {
	kind    procedureKind
	handler handlerFunc
}

// bind adapts a typed service call to the raw-input handler signature.
func bind[T, R any](fn func(context.Context, Session, T) (R, error)) handlerFunc {
	return func(ctx context.Context, session Session, raw json.RawMessage) (any, error) {
		var input T
		if err := decodeInput(raw, &input); err != nil {
			return nil, err
		}
		return fn(ctx, session, input)
	}
}

func query[T, R any](fn func(context.Context, Session, T) (R, error)) procedure {
	return procedure{kind: kindQuery, handler: bind(fn)}
}

func mutation[T, R any](fn func(context.Context, Session, T) (R, error)) procedure {
	return procedure{kind: kindMutation, handler: bind(fn)}
}

func decodeInput(raw json.RawMessage, target any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return domainError(http.StatusBadRequest, codeInvalidBody, "invalid input", map[string]any{"reason": err.Error()})
	}
	return nil
}

type idInput struct {
	ID string `json:"id"`
}

type projectInput struct {
	ProjectID string `json:"projectId"`
}

type teamInput struct {
	TeamID string `json:"teamId"`
}

type historyInput struct {
	SubStageID string `json:"subStageId"`
	Limit      int    `json:"limit"`
	Hash       string `json:"hash"`
}

type empty struct{}

func (s *HTTPServer) procedures() map[string]procedure {
	svc := s.service
	return map[string]procedure{
		"teams.create": mutation(svc.CreateTeam),
		"teams.list": query(func(ctx context.Context, session Session, _ empty) ([]map[string]any, error) {
			return svc.ListTeams(ctx, session)
		}),
		"teams.members": query(func(ctx context.Context, session Session, in teamInput) ([]map[string]any, error) {
			return svc.ListTeamMembers(ctx, session, in.TeamID)
		}),
		"teams.addMember":    mutation(svc.AddMember),
		"teams.removeMember": mutation(svc.RemoveMember),

		"projects.create": mutation(svc.CreateProject),
		"projects.list": query(func(ctx context.Context, session Session, in teamInput) ([]map[string]any, error) {
			return svc.ListProjects(ctx, session, in.TeamID)
		}),
		"projects.getProjectDetails": query(func(ctx context.Context, session Session, in projectInput) (map[string]any, error) {
			return svc.GetProjectDetails(ctx, session, in.ProjectID)
		}),
		"projects.update": mutation(svc.UpdateProject),
		"projects.delete": mutation(func(ctx context.Context, session Session, in idInput) (map[string]any, error) {
			return svc.DeleteProject(ctx, session, in.ID)
		}),

		"stages.updateSubStage":     mutation(svc.UpdateSubStage),
		"stages.updateMainStage":    mutation(svc.UpdateMainStage),
		"stages.updateProjectStage": mutation(svc.UpdateProjectStage),
		"stages.getProjectStages": query(func(ctx context.Context, session Session, in projectInput) ([]map[string]any, error) {
			return svc.GetProjectStages(ctx, session, in.ProjectID)
		}),
		"stages.addListItem":           mutation(listOp(svc.AddListItem, "")),
		"stages.toggleListItem":        mutation(listOp(svc.ToggleListItem, "")),
		"stages.updateListItem":        mutation(svc.UpdateListItem),
		"stages.removeListItem":        mutation(listOp(svc.RemoveListItem, "")),
		"stages.addKeyPoint":           mutation(listOp(svc.AddListItem, stage.KindKeyPoints)),
		"stages.toggleKeyPoint":        mutation(listOp(svc.ToggleListItem, stage.KindKeyPoints)),
		"stages.removeKeyPoint":        mutation(listOp(svc.RemoveListItem, stage.KindKeyPoints)),
		"stages.addStoryboardFrame":    mutation(svc.AddStoryboardFrame),
		"stages.updateStoryboardFrame": mutation(svc.UpdateStoryboardFrame),
		"stages.removeStoryboardFrame": mutation(svc.RemoveStoryboardFrame),
		"stages.moveStoryboardFrame":   mutation(svc.MoveStoryboardFrame),
		"stages.addResearchLink":       mutation(svc.AddResearchLink),
		"stages.removeResearchLink":    mutation(svc.RemoveResearchLink),
		"stages.getContentHistory": query(func(ctx context.Context, session Session, in historyInput) ([]map[string]any, error) {
			return svc.GetContentHistory(ctx, session, in.SubStageID, in.Limit)
		}),
		"stages.getContentRevision": query(func(ctx context.Context, session Session, in historyInput) (map[string]any, error) {
			return svc.GetContentRevision(ctx, session, in.SubStageID, in.Hash)
		}),

		"comments.create":       mutation(svc.CreateComment),
		"comments.getByProject": query(svc.GetComments),
		"comments.update":       mutation(svc.UpdateComment),
		"comments.delete": mutation(func(ctx context.Context, session Session, in idInput) (map[string]any, error) {
			return svc.DeleteComment(ctx, session, in.ID)
		}),
		"comments.getMentionableUsers": query(func(ctx context.Context, session Session, in projectInput) ([]map[string]any, error) {
			return svc.GetMentionableUsers(ctx, session, in.ProjectID)
		}),
		"comments.getReplies": query(func(ctx context.Context, session Session, in idInput) ([]map[string]any, error) {
			return svc.GetReplies(ctx, session, in.ID)
		}),

		"tasks.create": mutation(svc.CreateTask),
		"tasks.list": query(func(ctx context.Context, session Session, in projectInput) ([]map[string]any, error) {
			return svc.ListTasks(ctx, session, in.ProjectID)
		}),
		"tasks.update": mutation(svc.UpdateTask),
		"tasks.delete": mutation(func(ctx context.Context, session Session, in idInput) (map[string]any, error) {
			return svc.DeleteTask(ctx, session, in.ID)
		}),

		"files.list": query(func(ctx context.Context, session Session, in projectInput) ([]map[string]any, error) {
			return svc.ListFiles(ctx, session, in.ProjectID)
		}),
		"files.delete": mutation(func(ctx context.Context, session Session, in idInput) (map[string]any, error) {
			return svc.DeleteFile(ctx, session, in.ID)
		}),

		"search.query": query(svc.Search),
	}
}

func listOp(fn func(context.Context, Session, ContentPatchInput, stage.Kind) (map[string]any, error), onlyKind stage.Kind) func(context.Context, Session, ContentPatchInput) (map[string]any, error) {
	return func(ctx context.Context, session Session, input ContentPatchInput) (map[string]any, error) {
		return fn(ctx, session, input, onlyKind)
	}
}

// handleRPC dispatches /rpc/{procedure}. Queries read ?input=<json>,
// mutations read the request body.
func (s *HTTPServer) handleRPC(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "procedure")
	proc, ok := s.rpc[name]
	if !ok {
		s.writeError(w, r, notFound(fmt.Sprintf("no procedure %q", name)))
		return
	}

	want := http.MethodGet
	if proc.kind == kindMutation {
		want = http.MethodPost
	}
	if r.Method != want {
		w.Header().Set("Allow", want)
		s.writeError(w, r, domainError(http.StatusMethodNotAllowed, codeMethodNotSupported,
			fmt.Sprintf("%s must be called with %s", name, want), nil))
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	var raw json.RawMessage
	if proc.kind == kindQuery {
		raw = json.RawMessage(r.URL.Query().Get("input"))
	} else {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRPCBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				s.writeError(w, r, domainError(http.StatusBadRequest, codeInvalidBody, "request body too large", nil))
				return
			}
			s.writeError(w, r, domainError(http.StatusBadRequest, codeInvalidBody, "could not read request body", nil))
			return
		}
		raw = body
	}

	result, err := proc.handler(r.Context(), session, raw)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}
