// Package history keeps a git repository per project recording every
// revision of each sub-stage's content.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	defaultLimit = 20
	maxLimit     = 100

	versionTrailer = "Content-Version: "
)

var (
	// ErrNoChange is returned when the content matches the latest revision,
	// ErrStaleVersion when a newer version has already been recorded.
	ErrNoChange         = errors.New("content unchanged")
	ErrStaleVersion     = errors.New("stale content version")
	ErrRevisionNotFound = errors.New("revision not found")
	ErrInvalidID        = errors.New("invalid id")
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

type Revision struct {
	Hash      string    `json:"hash"`
	FullHash  string    `json:"fullHash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	Version   int       `json:"version,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
	heads   map[string]int // newest recorded version, guarded by the project lock
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
		heads:   make(map[string]int),
	}
}

// CommitSubStage records content as the newest revision of the sub-stage.
// version is the database version the content was written at; commits that
// arrive out of order behind a newer version return ErrStaleVersion, so the
// head revision always matches the latest stored content.
func (s *Service) CommitSubStage(projectID, subStageID string, version int, content json.RawMessage, author, message string) (Revision, error) {
	if !idPattern.MatchString(projectID) || !idPattern.MatchString(subStageID) {
		return Revision{}, ErrInvalidID
	}
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(projectID)
	if err != nil {
		return Revision{}, err
	}
	key := projectID + "/" + subStageID
	head, ok := s.heads[key]
	if !ok {
		head, err = latestVersion(repo, subStageID)
		if err != nil {
			return Revision{}, err
		}
	}
	if version <= head {
		s.heads[key] = head
		return Revision{}, ErrStaleVersion
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return Revision{}, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := prettyJSON(content)
	if err != nil {
		return Revision{}, err
	}
	rel := contentPath(subStageID)
	abs := filepath.Join(worktree.Filesystem.Root(), filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return Revision{}, fmt.Errorf("create content dir: %w", err)
	}
	if err := os.WriteFile(abs, payload, 0o644); err != nil {
		return Revision{}, fmt.Errorf("write %s: %w", rel, err)
	}
	if _, err := worktree.Add(rel); err != nil {
		return Revision{}, fmt.Errorf("git add %s: %w", rel, err)
	}

	hash, err := worktree.Commit(fmt.Sprintf("%s\n\n%s%d\n", message, versionTrailer, version), &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@users.cutline.local", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if errors.Is(err, git.ErrEmptyCommit) {
		s.heads[key] = version
		return Revision{}, ErrNoChange
	}
	if err != nil {
		return Revision{}, fmt.Errorf("commit content: %w", err)
	}
	s.heads[key] = version

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Revision{}, fmt.Errorf("load commit: %w", err)
	}
	return toRevision(commitObj), nil
}

// History lists the sub-stage's revisions newest first. A project without a
// repository has no history.
func (s *Service) History(projectID, subStageID string, limit int) ([]Revision, error) {
	if !idPattern.MatchString(projectID) || !idPattern.MatchString(subStageID) {
		return nil, ErrInvalidID
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	limit = min(limit, maxLimit)

	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	items := make([]Revision, 0)
	repo, err := git.PlainOpen(s.repoPath(projectID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return items, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return items, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	rel := contentPath(subStageID)
	iter, err := repo.Log(&git.LogOptions{From: head.Hash(), FileName: &rel})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toRevision(commitObj))
		if len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// ContentAt returns the sub-stage content stored at revision hash, which may
// be abbreviated.
func (s *Service) ContentAt(projectID, subStageID, hash string) (json.RawMessage, error) {
	if !idPattern.MatchString(projectID) || !idPattern.MatchString(subStageID) {
		return nil, ErrInvalidID
	}
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(projectID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrRevisionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return nil, ErrRevisionNotFound
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return nil, ErrRevisionNotFound
	}
	file, err := commitObj.File(contentPath(subStageID))
	if errors.Is(err, object.ErrFileNotFound) {
		return nil, ErrRevisionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load content from commit: %w", err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open content reader: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read content bytes: %w", err)
	}
	var compact json.RawMessage
	if err := json.Unmarshal(data, &compact); err != nil {
		return nil, fmt.Errorf("decode revision content: %w", err)
	}
	if string(compact) == "null" {
		return nil, nil
	}
	return compact, nil
}

// RemoveProject deletes the project's repository.
func (s *Service) RemoveProject(projectID string) error {
	if !idPattern.MatchString(projectID) {
		return ErrInvalidID
	}
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(s.repoPath(projectID)); err != nil {
		return fmt.Errorf("remove repo: %w", err)
	}
	for key := range s.heads {
		if strings.HasPrefix(key, projectID+"/") {
			delete(s.heads, key)
		}
	}
	return nil
}

// latestVersion reads the version trailer of the newest commit touching the
// sub-stage, or 0 when it has none.
func latestVersion(repo *git.Repository, subStageID string) (int, error) {
	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("resolve head: %w", err)
	}
	rel := contentPath(subStageID)
	iter, err := repo.Log(&git.LogOptions{From: head.Hash(), FileName: &rel})
	if err != nil {
		return 0, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	commitObj, err := iter.Next()
	if errors.Is(err, io.EOF) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("iterate log: %w", err)
	}
	_, version := splitMessage(commitObj.Message)
	return version, nil
}

func splitMessage(raw string) (string, int) {
	message := strings.TrimRight(raw, "\n")
	idx := strings.LastIndex(message, "\n"+versionTrailer)
	if idx < 0 {
		return message, 0
	}
	version, err := strconv.Atoi(message[idx+1+len(versionTrailer):])
	if err != nil {
		return message, 0
	}
	return strings.TrimRight(message[:idx], "\n"), version
}

func (s *Service) openOrInit(projectID string) (*git.Repository, error) {
	repoPath := s.repoPath(projectID)
	repo, err := git.PlainOpen(repoPath)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(repoPath, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInitWithOptions(repoPath, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.Main},
	})
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(projectID string) string {
	return filepath.Join(s.baseDir, projectID)
}

func (s *Service) projectLock(projectID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[projectID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[projectID] = lock
	return lock
}

func contentPath(subStageID string) string {
	return path.Join("substages", subStageID+".json")
}

func prettyJSON(content json.RawMessage) ([]byte, error) {
	if len(content) == 0 {
		return []byte("null\n"), nil
	}
	var parsed any
	if err := json.Unmarshal(content, &parsed); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	payload, err := json.MarshalIndent(parsed, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}
	return append(payload, '\n'), nil
}

func toRevision(commitObj *object.Commit) Revision {
	full := commitObj.Hash.String()
	message, version := splitMessage(commitObj.Message)
	return Revision{
		Hash:      full[:7],
		FullHash:  full,
		Message:   message,
		Author:    commitObj.Author.Name,
		Version:   version,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
