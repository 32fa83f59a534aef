package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"cutline/api/internal/auth"
	"cutline/api/internal/authpw"
	"cutline/api/internal/config"
	"cutline/api/internal/email"
	"cutline/api/internal/export"
	"cutline/api/internal/history"
	"cutline/api/internal/rbac"
	"cutline/api/internal/search"
	"cutline/api/internal/store"
	"cutline/api/internal/util"
)

const (
	maxNameLength    = 200
	maxCommentLength = 10000
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Email        string
	JTI          string
	ExpiresAt    time.Time
}

type sessionStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	ConsumeRefreshSession(context.Context, string) (string, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
}

type dataStore interface {
	authpw.UserStore
	sessionStore

	CreateTeam(context.Context, store.Team, store.TeamMember) error
	GetTeam(context.Context, string) (store.Team, error)
	TeamSlugExists(context.Context, string) (bool, error)
	ListTeamsForUser(context.Context, string) ([]store.TeamMembership, error)
	GetTeamMember(context.Context, string, string) (store.TeamMember, error)
	GetTeamMemberByID(context.Context, string) (store.TeamMember, error)
	ListTeamMembers(context.Context, string) ([]store.TeamMember, error)
	AddTeamMember(context.Context, store.TeamMember) error
	RemoveTeamMember(context.Context, string, string) (bool, error)
	CountTeamAdmins(context.Context, string) (int, error)

	CreateProject(context.Context, store.Project, []store.MainStage) error
	GetProject(context.Context, string) (store.Project, error)
	ListProjects(context.Context, string) ([]store.Project, error)
	ListAllProjects(context.Context) ([]store.Project, error)
	UpdateProject(context.Context, store.Project) (store.Project, error)
	TouchProject(context.Context, string) error
	DeleteProject(context.Context, string) (bool, error)

	ListMainStages(context.Context, string) ([]store.MainStage, error)
	GetMainStage(context.Context, string) (store.MainStage, error)
	GetSubStage(context.Context, string) (store.SubStage, error)
	UpdateMainStage(context.Context, string, store.MainStagePatch) (store.MainStage, error)
	SetMainStageCompleted(context.Context, string, string, bool) (store.MainStage, error)
	UpdateSubStage(context.Context, string, store.SubStagePatch, *int, string) (store.SubStage, error)
	MutateSubStageContent(context.Context, string, *int, string, func(store.SubStage) (json.RawMessage, error)) (store.SubStage, error)

	InsertComment(context.Context, store.Comment, []string) error
	GetComment(context.Context, string) (store.Comment, error)
	ListCommentThread(context.Context, store.CommentScope) ([]store.Comment, error)
	UpdateComment(context.Context, string, string, []string) error
	SoftDeleteComment(context.Context, string) error
	ListAllComments(context.Context) ([]store.CommentWithProject, error)

	InsertTask(context.Context, store.Task) (store.Task, error)
	GetTask(context.Context, string) (store.Task, error)
	ListTasks(context.Context, string) ([]store.Task, error)
	UpdateTask(context.Context, store.Task) (store.Task, error)
	DeleteTask(context.Context, string) (bool, error)

	InsertStoredFile(context.Context, store.StoredFile) (store.StoredFile, error)
	GetStoredFile(context.Context, string) (store.StoredFile, error)
	ListStoredFiles(context.Context, string) ([]store.StoredFile, error)
	DeleteStoredFile(context.Context, string) (bool, error)

	Ping(context.Context) error
}

type historyStore interface {
	CommitSubStage(projectID, subStageID string, version int, content json.RawMessage, author, message string) (history.Revision, error)
	History(projectID, subStageID string, limit int) ([]history.Revision, error)
	ContentAt(projectID, subStageID, hash string) (json.RawMessage, error)
	RemoveProject(projectID string) error
}

type searchIndex interface {
	Search(context.Context, search.Query) search.Response
	IndexProject(search.ProjectRecord)
	IndexComment(search.CommentRecord)
	DeleteProject(string)
	DeleteComment(string)
	ReindexAll([]search.ProjectRecord, []search.CommentRecord)
}

type objectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	PresignedURL(ctx context.Context, key, filename string, ttl time.Duration) (string, error)
	Remove(ctx context.Context, key string) error
	RemovePrefix(ctx context.Context, prefix string) error
}

type notifier interface {
	NotifyMentions(authorName, projectID, projectName, content string, recipients []email.Recipient)
	NotifyTeamMember(invitedBy, teamName, role string, recipient email.Recipient)
}

type exporter interface {
	Export(context.Context, export.Request) (*export.Result, error)
}

type Service struct {
	cfg      config.Config
	log      zerolog.Logger
	store    dataStore
	sessions sessionStore
	history  historyStore
	search   searchIndex
	files    objectStore
	notify   notifier
	exporter exporter
	accounts *authpw.Service
	now      func() time.Time
}

// New wires the service with Postgres-backed sessions, no search engine, no
// object storage and no mail. The Use* methods swap in the real backends.
func New(cfg config.Config, logger zerolog.Logger, dataStore dataStore, historyStore historyStore) *Service {
	return &Service{
		cfg:      cfg,
		log:      logger,
		store:    dataStore,
		sessions: dataStore,
		history:  historyStore,
		search:   noopSearch{},
		notify:   noopNotifier{},
		exporter: export.NewService(dataStore),
		accounts: authpw.NewService(dataStore),
		now:      time.Now,
	}
}

func (s *Service) UseSessions(sessions sessionStore) { s.sessions = sessions }
func (s *Service) UseSearch(index searchIndex)       { s.search = index }
func (s *Service) UseFiles(files objectStore)        { s.files = files }
func (s *Service) UseNotifier(n notifier)            { s.notify = n }
func (s *Service) UseExporter(e exporter)            { s.exporter = e }

// Bootstrap pushes every project and live comment to the search engine.
func (s *Service) Bootstrap(ctx context.Context) error {
	projects, err := s.store.ListAllProjects(ctx)
	if err != nil {
		return fmt.Errorf("load projects for reindex: %w", err)
	}
	comments, err := s.store.ListAllComments(ctx)
	if err != nil {
		return fmt.Errorf("load comments for reindex: %w", err)
	}

	projectRecords := make([]search.ProjectRecord, 0, len(projects))
	for _, project := range projects {
		projectRecords = append(projectRecords, projectRecord(project))
	}
	commentRecords := make([]search.CommentRecord, 0, len(comments))
	for _, comment := range comments {
		commentRecords = append(commentRecords, commentRecord(comment.Comment, comment.TeamID, comment.ProjectName))
	}
	s.search.ReindexAll(projectRecords, commentRecords)
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SignUp(ctx context.Context, emailAddress, password, displayName string) (Session, error) {
	user, err := s.accounts.SignUp(ctx, authpw.SignUpRequest{
		Email:       emailAddress,
		Password:    password,
		DisplayName: displayName,
	})
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, emailAddress, password string) (Session, error) {
	user, err := s.accounts.SignIn(ctx, emailAddress, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

// Refresh rotates the refresh token: the presented one is consumed and a new
// pair is issued. A token can be consumed once, so concurrent refreshes with
// the same token yield exactly one session.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, auth.ErrInvalidToken
	}
	userID, err := s.sessions.ConsumeRefreshSession(ctx, auth.HashToken(refreshToken))
	if errors.Is(err, store.ErrSessionNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   user.ID,
		Name:  user.DisplayName,
		Email: user.Email,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Email:        user.Email,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Email:     user.Email,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		if err := s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			return err
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			return err
		}
	}
	return nil
}

// teamAccess resolves the caller's membership in a team. Unknown teams are
// NOT_FOUND, non-members and insufficient roles FORBIDDEN.
func (s *Service) teamAccess(ctx context.Context, session Session, teamID string, action rbac.Action) (store.Team, store.TeamMember, error) {
	if strings.TrimSpace(teamID) == "" {
		return store.Team{}, store.TeamMember{}, validationError("teamId is required", nil)
	}
	team, err := s.store.GetTeam(ctx, teamID)
	if err != nil {
		return store.Team{}, store.TeamMember{}, err
	}
	member, err := s.membership(ctx, teamID, session.UserID, action)
	if err != nil {
		return store.Team{}, store.TeamMember{}, err
	}
	return team, member, nil
}

// projectAccess resolves the project and the caller's membership in the team
// that owns it.
func (s *Service) projectAccess(ctx context.Context, session Session, projectID string, action rbac.Action) (store.Project, store.TeamMember, error) {
	if strings.TrimSpace(projectID) == "" {
		return store.Project{}, store.TeamMember{}, validationError("projectId is required", nil)
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return store.Project{}, store.TeamMember{}, err
	}
	member, err := s.membership(ctx, project.TeamID, session.UserID, action)
	if err != nil {
		return store.Project{}, store.TeamMember{}, err
	}
	return project, member, nil
}

func (s *Service) membership(ctx context.Context, teamID, userID string, action rbac.Action) (store.TeamMember, error) {
	member, err := s.store.GetTeamMember(ctx, teamID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.TeamMember{}, forbidden("not a member of this team")
	}
	if err != nil {
		return store.TeamMember{}, err
	}
	if !rbac.Can(rbac.Normalize(member.Role), action) {
		return store.TeamMember{}, forbidden("insufficient role")
	}
	return member, nil
}

func (s *Service) touchProject(ctx context.Context, projectID string) {
	if err := s.store.TouchProject(ctx, projectID); err != nil {
		s.log.Warn().Err(err).Str("project_id", projectID).Msg("touch project")
	}
}

func requireName(field, value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", validationError(field+" is required", nil)
	}
	if utf8.RuneCountInString(trimmed) > maxNameLength {
		return "", validationError(fmt.Sprintf("%s exceeds %d characters", field, maxNameLength), nil)
	}
	return trimmed, nil
}

// parseDate accepts RFC 3339 timestamps or plain YYYY-MM-DD dates. An empty
// string means "no date".
func parseDate(field, value string) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if parsed, err := time.Parse(layout, value); err == nil {
			parsed = parsed.UTC()
			return &parsed, nil
		}
	}
	return nil, validationError(field+" must be a date (YYYY-MM-DD) or RFC 3339 timestamp", nil)
}

func projectRecord(project store.Project) search.ProjectRecord {
	return search.ProjectRecord{
		ID:          project.ID,
		Name:        project.Name,
		Description: project.Description,
		Status:      project.Status,
		TeamID:      project.TeamID,
	}
}

func commentRecord(comment store.Comment, teamID, projectName string) search.CommentRecord {
	record := search.CommentRecord{
		ID:          comment.ID,
		Content:     comment.Content,
		ProjectID:   comment.ProjectID,
		ProjectName: projectName,
		TeamID:      teamID,
	}
	if comment.Author != nil {
		record.AuthorName = comment.Author.DisplayName
	}
	return record
}

type noopSearch struct{}

func (noopSearch) Search(_ context.Context, q search.Query) search.Response {
	return search.Response{Results: []search.Result{}, Query: q.Text}
}
func (noopSearch) IndexProject(search.ProjectRecord)                         {}
func (noopSearch) IndexComment(search.CommentRecord)                         {}
func (noopSearch) DeleteProject(string)                                      {}
func (noopSearch) DeleteComment(string)                                      {}
func (noopSearch) ReindexAll([]search.ProjectRecord, []search.CommentRecord) {}

type noopNotifier struct{}

func (noopNotifier) NotifyMentions(string, string, string, string, []email.Recipient) {}
func (noopNotifier) NotifyTeamMember(string, string, string, email.Recipient)         {}
