package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"cutline/api/internal/auth"
	"cutline/api/internal/authpw"
	"cutline/api/internal/config"
	"cutline/api/internal/email"
	"cutline/api/internal/search"
	"cutline/api/internal/store"
	"cutline/api/internal/util"
)

const testSecret = "test-secret"

type testEnv struct {
	store    *memStore
	history  *fakeHistory
	notifier *recordingNotifier
	index    *recordingSearch
	service  *Service
	handler  http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := newMemStore()
	fh := newFakeHistory()
	svc := New(config.Config{
		JWTSecret:      testSecret,
		AccessTTL:      time.Hour,
		RefreshTTL:     24 * time.Hour,
		FileURLTTL:     15 * time.Minute,
		MaxUploadBytes: 1 << 20,
	}, zerolog.Nop(), ms, fh)
	svc.accounts = authpw.NewService(ms).WithCost(bcrypt.MinCost)

	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	svc.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		clock = clock.Add(time.Minute)
		return clock
	}

	notifier := &recordingNotifier{}
	index := &recordingSearch{}
	svc.UseNotifier(notifier)
	svc.UseSearch(index)

	return &testEnv{
		store:    ms,
		history:  fh,
		notifier: notifier,
		index:    index,
		service:  svc,
		handler:  NewHTTPServer(svc, zerolog.Nop(), "*").Handler(),
	}
}

// user creates an account and returns a bearer token for it.
func (e *testEnv) user(t *testing.T, name string) (store.User, string) {
	t.Helper()
	user := store.User{
		ID:          util.NewID("usr"),
		DisplayName: name,
		Email:       util.Slugify(name) + "@example.com",
	}
	if err := e.store.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	token, err := auth.IssueToken([]byte(testSecret), auth.Claims{
		Sub:   user.ID,
		Name:  user.DisplayName,
		Email: user.Email,
		JTI:   util.NewID("jti"),
		Exp:   time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return user, token
}

func (e *testEnv) addMember(t *testing.T, teamID string, user store.User, role string) store.TeamMember {
	t.Helper()
	member := store.TeamMember{ID: util.NewID("tm"), TeamID: teamID, UserID: user.ID, Role: role}
	if err := e.store.AddTeamMember(context.Background(), member); err != nil {
		t.Fatalf("add member: %v", err)
	}
	member.DisplayName = user.DisplayName
	member.Email = user.Email
	return member
}

type rpcResponse struct {
	status int
	body   map[string]any
}

func (r rpcResponse) result() map[string]any {
	result, _ := r.body["result"].(map[string]any)
	return result
}

func (r rpcResponse) list() []any {
	result, _ := r.body["result"].([]any)
	return result
}

func (r rpcResponse) code() string {
	code, _ := r.body["code"].(string)
	return code
}

// rpc calls a procedure the way the web client does: queries as GET with
// ?input=, mutations as POST with a JSON body.
func (e *testEnv) rpc(t *testing.T, token, method, procedure string, input any) rpcResponse {
	t.Helper()
	var payload []byte
	if input != nil {
		var err error
		if payload, err = json.Marshal(input); err != nil {
			t.Fatalf("marshal input: %v", err)
		}
	}

	target := "/rpc/" + procedure
	var body io.Reader
	if method == http.MethodGet {
		if payload != nil {
			target += "?input=" + url.QueryEscape(string(payload))
		}
	} else {
		body = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, target, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)

	var decoded map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("%s %s: parse response %q: %v", method, procedure, rr.Body.String(), err)
	}
	return rpcResponse{status: rr.Code, body: decoded}
}

func (e *testEnv) query(t *testing.T, token, procedure string, input any) rpcResponse {
	t.Helper()
	return e.rpc(t, token, http.MethodGet, procedure, input)
}

func (e *testEnv) mutate(t *testing.T, token, procedure string, input any) rpcResponse {
	t.Helper()
	return e.rpc(t, token, http.MethodPost, procedure, input)
}

func expectStatus(t *testing.T, res rpcResponse, status int, code string) {
	t.Helper()
	if res.status != status {
		t.Fatalf("expected status %d, got %d body=%v", status, res.status, res.body)
	}
	if code != "" && res.code() != code {
		t.Fatalf("expected code %s, got %q body=%v", code, res.code(), res.body)
	}
}

// workspace is a team with one project, seeded through the RPC surface.
type workspace struct {
	owner      store.User
	ownerToken string
	ownerTM    store.TeamMember
	teamID     string
	projectID  string
	stages     []any
}

func (e *testEnv) seedWorkspace(t *testing.T) workspace {
	t.Helper()
	owner, token := e.user(t, "Avery Stone")
	team := e.mutate(t, token, "teams.create", map[string]any{"name": "Studio North"})
	expectStatus(t, team, http.StatusOK, "")
	teamID := team.result()["id"].(string)

	project := e.mutate(t, token, "projects.create", map[string]any{
		"teamId":      teamID,
		"name":        "Launch Video",
		"description": "Spring launch",
	})
	expectStatus(t, project, http.StatusOK, "")

	ownerTM, err := e.store.GetTeamMember(context.Background(), teamID, owner.ID)
	if err != nil {
		t.Fatalf("owner membership: %v", err)
	}
	return workspace{
		owner:      owner,
		ownerToken: token,
		ownerTM:    ownerTM,
		teamID:     teamID,
		projectID:  project.result()["id"].(string),
		stages:     project.result()["mainStages"].([]any),
	}
}

// subStageID finds the sub-stage with the given name in the seeded project.
func (w workspace) subStageID(t *testing.T, name string) string {
	t.Helper()
	for _, rawMain := range w.stages {
		main := rawMain.(map[string]any)
		for _, rawSub := range main["subStages"].([]any) {
			sub := rawSub.(map[string]any)
			if sub["name"] == name {
				return sub["id"].(string)
			}
		}
	}
	t.Fatalf("no sub-stage named %q", name)
	return ""
}

func (w workspace) mainStageID(t *testing.T, key string) string {
	t.Helper()
	for _, rawMain := range w.stages {
		main := rawMain.(map[string]any)
		if main["key"] == key {
			return main["id"].(string)
		}
	}
	t.Fatalf("no main stage %q", key)
	return ""
}

type mentionNotice struct {
	author     string
	projectID  string
	content    string
	recipients []email.Recipient
}

type recordingNotifier struct {
	mu       sync.Mutex
	mentions []mentionNotice
	invites  []email.Recipient
}

func (r *recordingNotifier) NotifyMentions(authorName, projectID, _, content string, recipients []email.Recipient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mentions = append(r.mentions, mentionNotice{author: authorName, projectID: projectID, content: content, recipients: recipients})
}

func (r *recordingNotifier) NotifyTeamMember(_, _, _ string, recipient email.Recipient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invites = append(r.invites, recipient)
}

type recordingSearch struct {
	mu              sync.Mutex
	queries         []search.Query
	projects        []search.ProjectRecord
	comments        []search.CommentRecord
	deletedComments []string
	deletedProjects []string
}

func (r *recordingSearch) Search(_ context.Context, q search.Query) search.Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, q)
	return search.Response{Results: []search.Result{}, Query: q.Text}
}

func (r *recordingSearch) IndexProject(p search.ProjectRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.projects = append(r.projects, p)
}

func (r *recordingSearch) IndexComment(c search.CommentRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.comments = append(r.comments, c)
}

func (r *recordingSearch) DeleteProject(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deletedProjects = append(r.deletedProjects, id)
}

func (r *recordingSearch) DeleteComment(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deletedComments = append(r.deletedComments, id)
}

func (r *recordingSearch) ReindexAll(projects []search.ProjectRecord, comments []search.CommentRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.projects = append(r.projects, projects...)
	r.comments = append(r.comments, comments...)
}
