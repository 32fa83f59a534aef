package search

import "context"

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultProject ResultType = "project"
	ResultComment ResultType = "comment"
)

func ValidResultType(t ResultType) bool {
	return t == "" || t == ResultProject || t == ResultComment
}

// Result is a single search hit returned to the caller.
type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet"`
	ProjectID string     `json:"projectId"`
	TeamID    string     `json:"teamId"`
}

// Query describes a search request. TeamIDs bounds the hits to teams the
// caller belongs to; an empty list matches nothing.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	TeamIDs    []string
	Limit      int
	Offset     int
}

// Response is the envelope returned by search.query.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexProjects(projects []ProjectRecord) error
	IndexComments(comments []CommentRecord) error
	DeleteProject(id string) error
	DeleteComment(id string) error
}

// Engine is a search backend that also maintains its own index.
type Engine interface {
	Searcher
	Indexer
}

// ProjectRecord is the data we index for a project.
type ProjectRecord struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Status      string `json:"status"`
	TeamID      string `json:"teamId"`
}

// CommentRecord is the data we index for a comment.
type CommentRecord struct {
	ID          string `json:"id"`
	Content     string `json:"content"`
	AuthorName  string `json:"authorName"`
	ProjectID   string `json:"projectId"`
	ProjectName string `json:"projectName"`
	TeamID      string `json:"teamId"`
}
