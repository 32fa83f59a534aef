package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"cutline/api/internal/history"
	"cutline/api/internal/store"
)

// memStore is an in-memory dataStore with the same observable semantics as
// the Postgres store, including the recursive comment thread read.
type memStore struct {
	mu sync.Mutex

	pingFn func(context.Context) error

	clock      time.Time
	users      map[string]store.User
	refresh    map[string]string
	revoked    map[string]bool
	teams      map[string]store.Team
	members    map[string]store.TeamMember
	projects   map[string]store.Project
	mainStages map[string]store.MainStage
	subStages  map[string]store.SubStage
	comments   map[string]store.Comment
	mentions   map[string][]string
	tasks      map[string]store.Task
	files      map[string]store.StoredFile

	insertCommentCalls int
}

func newMemStore() *memStore {
	return &memStore{
		clock:      time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		users:      map[string]store.User{},
		refresh:    map[string]string{},
		revoked:    map[string]bool{},
		teams:      map[string]store.Team{},
		members:    map[string]store.TeamMember{},
		projects:   map[string]store.Project{},
		mainStages: map[string]store.MainStage{},
		subStages:  map[string]store.SubStage{},
		comments:   map[string]store.Comment{},
		mentions:   map[string][]string{},
		tasks:      map[string]store.Task{},
		files:      map[string]store.StoredFile{},
	}
}

func (m *memStore) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func (m *memStore) Ping(ctx context.Context) error {
	if m.pingFn != nil {
		return m.pingFn(ctx)
	}
	return nil
}

func (m *memStore) CreateUser(_ context.Context, user store.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user.CreatedAt = m.tick()
	user.UpdatedAt = user.CreatedAt
	m.users[user.ID] = user
	return nil
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.Email == email {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (m *memStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (m *memStore) UpdateUserPassword(_ context.Context, userID, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.PasswordHash = passwordHash
	m.users[userID] = user
	return nil
}

func (m *memStore) SaveRefreshSession(_ context.Context, tokenHash, userID string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh[tokenHash] = userID
	return nil
}

func (m *memStore) ConsumeRefreshSession(_ context.Context, tokenHash string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	userID, ok := m.refresh[tokenHash]
	if !ok {
		return "", store.ErrSessionNotFound
	}
	delete(m.refresh, tokenHash)
	return userID, nil
}

func (m *memStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.refresh, tokenHash)
	return nil
}

func (m *memStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[jti] = true
	return nil
}

func (m *memStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revoked[jti], nil
}

func (m *memStore) CreateTeam(_ context.Context, team store.Team, owner store.TeamMember) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	team.CreatedAt = m.tick()
	m.teams[team.ID] = team
	owner.CreatedAt = team.CreatedAt
	m.members[owner.ID] = owner
	return nil
}

func (m *memStore) GetTeam(_ context.Context, id string) (store.Team, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	team, ok := m.teams[id]
	if !ok {
		return store.Team{}, sql.ErrNoRows
	}
	return team, nil
}

func (m *memStore) TeamSlugExists(_ context.Context, slug string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, team := range m.teams {
		if team.Slug == slug {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) withUser(member store.TeamMember) store.TeamMember {
	user := m.users[member.UserID]
	member.DisplayName = user.DisplayName
	member.Email = user.Email
	return member
}

func (m *memStore) ListTeamsForUser(_ context.Context, userID string) ([]store.TeamMembership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.TeamMembership, 0)
	for _, member := range m.members {
		if member.UserID == userID {
			items = append(items, store.TeamMembership{Team: m.teams[member.TeamID], MemberID: member.ID, Role: member.Role})
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items, nil
}

func (m *memStore) GetTeamMember(_ context.Context, teamID, userID string) (store.TeamMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, member := range m.members {
		if member.TeamID == teamID && member.UserID == userID {
			return m.withUser(member), nil
		}
	}
	return store.TeamMember{}, sql.ErrNoRows
}

func (m *memStore) GetTeamMemberByID(_ context.Context, memberID string) (store.TeamMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	member, ok := m.members[memberID]
	if !ok {
		return store.TeamMember{}, sql.ErrNoRows
	}
	return m.withUser(member), nil
}

func (m *memStore) ListTeamMembers(_ context.Context, teamID string) ([]store.TeamMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.TeamMember, 0)
	for _, member := range m.members {
		if member.TeamID == teamID {
			items = append(items, m.withUser(member))
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

func (m *memStore) AddTeamMember(_ context.Context, member store.TeamMember) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	member.CreatedAt = m.tick()
	m.members[member.ID] = member
	return nil
}

func (m *memStore) RemoveTeamMember(_ context.Context, teamID, memberID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	member, ok := m.members[memberID]
	if !ok || member.TeamID != teamID {
		return false, nil
	}
	delete(m.members, memberID)
	return true, nil
}

func (m *memStore) CountTeamAdmins(_ context.Context, teamID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, member := range m.members {
		if member.TeamID == teamID && member.Role == "admin" {
			count++
		}
	}
	return count, nil
}

func (m *memStore) CreateProject(_ context.Context, project store.Project, stages []store.MainStage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	project.CreatedAt = m.tick()
	project.UpdatedAt = project.CreatedAt
	m.projects[project.ID] = project
	for _, main := range stages {
		for _, sub := range main.SubStages {
			sub.Version = 1
			sub.UpdatedAt = project.CreatedAt
			m.subStages[sub.ID] = sub
		}
		main.SubStages = nil
		m.mainStages[main.ID] = main
	}
	return nil
}

func (m *memStore) GetProject(_ context.Context, id string) (store.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	project, ok := m.projects[id]
	if !ok {
		return store.Project{}, sql.ErrNoRows
	}
	return project, nil
}

func (m *memStore) ListProjects(_ context.Context, teamID string) ([]store.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.Project, 0)
	for _, project := range m.projects {
		if project.TeamID == teamID {
			items = append(items, project)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].UpdatedAt.After(items[j].UpdatedAt) })
	return items, nil
}

func (m *memStore) ListAllProjects(_ context.Context) ([]store.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.Project, 0, len(m.projects))
	for _, project := range m.projects {
		items = append(items, project)
	}
	return items, nil
}

func (m *memStore) UpdateProject(_ context.Context, project store.Project) (store.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[project.ID]; !ok {
		return store.Project{}, sql.ErrNoRows
	}
	project.UpdatedAt = m.tick()
	m.projects[project.ID] = project
	return project, nil
}

func (m *memStore) TouchProject(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if project, ok := m.projects[id]; ok {
		project.UpdatedAt = m.tick()
		m.projects[id] = project
	}
	return nil
}

func (m *memStore) DeleteProject(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[id]; !ok {
		return false, nil
	}
	delete(m.projects, id)
	for key, main := range m.mainStages {
		if main.ProjectID == id {
			delete(m.mainStages, key)
		}
	}
	for key, sub := range m.subStages {
		if sub.ProjectID == id {
			delete(m.subStages, key)
		}
	}
	for key, comment := range m.comments {
		if comment.ProjectID == id {
			delete(m.comments, key)
			delete(m.mentions, key)
		}
	}
	for key, task := range m.tasks {
		if task.ProjectID == id {
			delete(m.tasks, key)
		}
	}
	for key, file := range m.files {
		if file.ProjectID == id {
			delete(m.files, key)
		}
	}
	return true, nil
}

func (m *memStore) withSubStages(main store.MainStage) store.MainStage {
	main.SubStages = make([]store.SubStage, 0)
	for _, sub := range m.subStages {
		if sub.MainStageID == main.ID {
			main.SubStages = append(main.SubStages, sub)
		}
	}
	sort.Slice(main.SubStages, func(i, j int) bool { return main.SubStages[i].Position < main.SubStages[j].Position })
	return main
}

func (m *memStore) ListMainStages(_ context.Context, projectID string) ([]store.MainStage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.MainStage, 0)
	for _, main := range m.mainStages {
		if main.ProjectID == projectID {
			items = append(items, m.withSubStages(main))
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Position < items[j].Position })
	return items, nil
}

func (m *memStore) GetMainStage(_ context.Context, id string) (store.MainStage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	main, ok := m.mainStages[id]
	if !ok {
		return store.MainStage{}, sql.ErrNoRows
	}
	return m.withSubStages(main), nil
}

func (m *memStore) GetSubStage(_ context.Context, id string) (store.SubStage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subStages[id]
	if !ok {
		return store.SubStage{}, sql.ErrNoRows
	}
	return sub, nil
}

func (m *memStore) UpdateMainStage(_ context.Context, id string, patch store.MainStagePatch) (store.MainStage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	main, ok := m.mainStages[id]
	if !ok {
		return store.MainStage{}, sql.ErrNoRows
	}
	if patch.Name != nil {
		main.Name = *patch.Name
	}
	if patch.Starred != nil {
		main.Starred = *patch.Starred
	}
	m.mainStages[id] = main
	return main, nil
}

func (m *memStore) SetMainStageCompleted(_ context.Context, projectID, key string, completed bool) (store.MainStage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, main := range m.mainStages {
		if main.ProjectID != projectID || main.Key != key {
			continue
		}
		main.Completed = completed
		if !completed {
			main.CompletedAt = nil
		} else if main.CompletedAt == nil {
			at := m.tick()
			main.CompletedAt = &at
		}
		m.mainStages[id] = main
		return main, nil
	}
	return store.MainStage{}, sql.ErrNoRows
}

func (m *memStore) UpdateSubStage(_ context.Context, id string, patch store.SubStagePatch, expectedVersion *int, updatedBy string) (store.SubStage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subStages[id]
	if !ok {
		return store.SubStage{}, sql.ErrNoRows
	}
	if expectedVersion != nil && sub.Version != *expectedVersion {
		return store.SubStage{}, store.ErrVersionConflict
	}
	if patch.Name != nil {
		sub.Name = *patch.Name
	}
	if patch.Enabled != nil {
		sub.Enabled = *patch.Enabled
	}
	if patch.Starred != nil {
		sub.Starred = *patch.Starred
	}
	if patch.ContentSet {
		sub.Content = patch.Content
	}
	sub.Version++
	sub.UpdatedAt = m.tick()
	sub.UpdatedBy = &updatedBy
	m.subStages[id] = sub
	return sub, nil
}

func (m *memStore) MutateSubStageContent(_ context.Context, id string, expectedVersion *int, updatedBy string, fn func(store.SubStage) (json.RawMessage, error)) (store.SubStage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subStages[id]
	if !ok {
		return store.SubStage{}, sql.ErrNoRows
	}
	if expectedVersion != nil && sub.Version != *expectedVersion {
		return store.SubStage{}, store.ErrVersionConflict
	}
	next, err := fn(sub)
	if err != nil {
		return store.SubStage{}, err
	}
	sub.Content = next
	sub.Version++
	sub.UpdatedAt = m.tick()
	sub.UpdatedBy = &updatedBy
	m.subStages[id] = sub
	return sub, nil
}

func (m *memStore) hydrateComment(comment store.Comment) store.Comment {
	comment.Author = nil
	if comment.AuthorID != nil {
		if member, ok := m.members[*comment.AuthorID]; ok {
			author := m.withUser(member)
			comment.Author = &author
		}
	}
	comment.Mentions = make([]store.Mention, 0)
	for _, memberID := range m.mentions[comment.ID] {
		member := m.withUser(m.members[memberID])
		comment.Mentions = append(comment.Mentions, store.Mention{
			CommentID:    comment.ID,
			TeamMemberID: memberID,
			DisplayName:  member.DisplayName,
			Email:        member.Email,
		})
	}
	return comment
}

func (m *memStore) InsertComment(_ context.Context, comment store.Comment, mentionIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertCommentCalls++
	comment.UpdatedAt = comment.CreatedAt
	m.comments[comment.ID] = comment
	m.mentions[comment.ID] = slices.Clone(mentionIDs)
	return nil
}

func (m *memStore) GetComment(_ context.Context, id string) (store.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	comment, ok := m.comments[id]
	if !ok {
		return store.Comment{}, sql.ErrNoRows
	}
	return m.hydrateComment(comment), nil
}

func (m *memStore) ListCommentThread(_ context.Context, scope store.CommentScope) ([]store.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	frontier := make([]string, 0)
	for _, comment := range m.comments {
		if comment.ProjectID != scope.ProjectID {
			continue
		}
		if scope.ParentID != "" {
			if comment.ParentID != nil && *comment.ParentID == scope.ParentID {
				frontier = append(frontier, comment.ID)
			}
			continue
		}
		if comment.ParentID != nil {
			continue
		}
		if scope.MainStageID != "" && (comment.MainStageID == nil || *comment.MainStageID != scope.MainStageID) {
			continue
		}
		if scope.SubStageID != "" && (comment.SubStageID == nil || *comment.SubStageID != scope.SubStageID) {
			continue
		}
		frontier = append(frontier, comment.ID)
	}

	items := make([]store.Comment, 0)
	for len(frontier) > 0 {
		next := make([]string, 0)
		for _, id := range frontier {
			items = append(items, m.hydrateComment(m.comments[id]))
			for _, child := range m.comments {
				if child.ParentID != nil && *child.ParentID == id {
					next = append(next, child.ID)
				}
			}
		}
		frontier = next
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID > items[j].ID
	})
	return items, nil
}

func (m *memStore) UpdateComment(_ context.Context, id, content string, mentionIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	comment, ok := m.comments[id]
	if !ok || comment.DeletedAt != nil {
		return sql.ErrNoRows
	}
	comment.Content = content
	comment.UpdatedAt = m.tick()
	m.comments[id] = comment
	m.mentions[id] = slices.Clone(mentionIDs)
	return nil
}

func (m *memStore) SoftDeleteComment(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	comment, ok := m.comments[id]
	if !ok || comment.DeletedAt != nil {
		return sql.ErrNoRows
	}
	at := m.tick()
	comment.DeletedAt = &at
	comment.Content = ""
	m.comments[id] = comment
	delete(m.mentions, id)
	return nil
}

func (m *memStore) ListAllComments(_ context.Context) ([]store.CommentWithProject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.CommentWithProject, 0)
	for _, comment := range m.comments {
		if comment.DeletedAt != nil {
			continue
		}
		project := m.projects[comment.ProjectID]
		items = append(items, store.CommentWithProject{
			Comment:     m.hydrateComment(comment),
			TeamID:      project.TeamID,
			ProjectName: project.Name,
		})
	}
	return items, nil
}

func (m *memStore) InsertTask(_ context.Context, task store.Task) (store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task.CreatedAt = m.tick()
	task.UpdatedAt = task.CreatedAt
	m.tasks[task.ID] = task
	return task, nil
}

func (m *memStore) GetTask(_ context.Context, id string) (store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return store.Task{}, sql.ErrNoRows
	}
	return task, nil
}

func (m *memStore) ListTasks(_ context.Context, projectID string) ([]store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.Task, 0)
	for _, task := range m.tasks {
		if task.ProjectID == projectID {
			items = append(items, task)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

func (m *memStore) UpdateTask(_ context.Context, task store.Task) (store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; !ok {
		return store.Task{}, sql.ErrNoRows
	}
	task.UpdatedAt = m.tick()
	m.tasks[task.ID] = task
	return task, nil
}

func (m *memStore) DeleteTask(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return false, nil
	}
	delete(m.tasks, id)
	return true, nil
}

func (m *memStore) InsertStoredFile(_ context.Context, file store.StoredFile) (store.StoredFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	file.CreatedAt = m.tick()
	m.files[file.ID] = file
	return file, nil
}

func (m *memStore) GetStoredFile(_ context.Context, id string) (store.StoredFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	file, ok := m.files[id]
	if !ok {
		return store.StoredFile{}, sql.ErrNoRows
	}
	return file, nil
}

func (m *memStore) ListStoredFiles(_ context.Context, projectID string) ([]store.StoredFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.StoredFile, 0)
	for _, file := range m.files {
		if file.ProjectID == projectID {
			items = append(items, file)
		}
	}
	return items, nil
}

func (m *memStore) DeleteStoredFile(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[id]; !ok {
		return false, nil
	}
	delete(m.files, id)
	return true, nil
}

// fakeHistory records commits in memory.
type fakeHistory struct {
	mu      sync.Mutex
	commits map[string][]fakeCommit
	removed []string
	failErr error
}

type fakeCommit struct {
	hash    string
	version int
	content json.RawMessage
	author  string
	message string
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{commits: map[string][]fakeCommit{}}
}

func (f *fakeHistory) CommitSubStage(projectID, subStageID string, version int, content json.RawMessage, author, message string) (history.Revision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return history.Revision{}, f.failErr
	}
	key := projectID + "/" + subStageID
	if commits := f.commits[key]; len(commits) > 0 && version <= commits[len(commits)-1].version {
		return history.Revision{}, history.ErrStaleVersion
	}
	commit := fakeCommit{
		hash:    strings.Repeat(string(rune('a'+len(f.commits[key])%26)), 7),
		version: version,
		content: content,
		author:  author,
		message: message,
	}
	f.commits[key] = append(f.commits[key], commit)
	return history.Revision{Hash: commit.hash, FullHash: commit.hash, Message: message, Author: author, Version: version}, nil
}

func (f *fakeHistory) History(projectID, subStageID string, limit int) ([]history.Revision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	commits := f.commits[projectID+"/"+subStageID]
	revisions := make([]history.Revision, 0, len(commits))
	for i := len(commits) - 1; i >= 0; i-- {
		revisions = append(revisions, history.Revision{
			Hash:     commits[i].hash,
			FullHash: commits[i].hash,
			Message:  commits[i].message,
			Author:   commits[i].author,
			Version:  commits[i].version,
		})
		if limit > 0 && len(revisions) == limit {
			break
		}
	}
	return revisions, nil
}

func (f *fakeHistory) ContentAt(projectID, subStageID, hash string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, commit := range f.commits[projectID+"/"+subStageID] {
		if commit.hash == hash {
			return commit.content, nil
		}
	}
	return nil, history.ErrRevisionNotFound
}

func (f *fakeHistory) RemoveProject(projectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, projectID)
	return nil
}

func (f *fakeHistory) commitsFor(projectID, subStageID string) []fakeCommit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.commits[projectID+"/"+subStageID])
}
