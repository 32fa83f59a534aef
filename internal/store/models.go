package store

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrVersionConflict is returned when a write carried an expected version
	// that no longer matches the stored row.
	ErrVersionConflict = errors.New("version conflict")
	// ErrSessionNotFound is returned for unknown, expired or revoked refresh tokens.
	ErrSessionNotFound = errors.New("session not found")
)

type User struct {
	ID           string
	DisplayName  string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Team struct {
	ID        string
	Name      string
	Slug      string
	CreatedAt time.Time
}

// TeamMember carries the joined user's name and email for display.
type TeamMember struct {
	ID          string
	TeamID      string
	UserID      string
	Role        string
	DisplayName string
	Email       string
	CreatedAt   time.Time
}

// TeamMembership is a team as seen by one of its members.
type TeamMembership struct {
	Team
	MemberID string
	Role     string
}

type Project struct {
	ID          string
	TeamID      string
	Name        string
	Description string
	Status      string
	StartDate   *time.Time
	EndDate     *time.Time
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type MainStage struct {
	ID          string
	ProjectID   string
	Key         string
	Name        string
	Position    int
	Starred     bool
	Completed   bool
	CompletedAt *time.Time
	SubStages   []SubStage
}

// SubStage content is nil when the slot is empty.
type SubStage struct {
	ID          string
	MainStageID string
	ProjectID   string
	Kind        string
	Name        string
	Position    int
	Enabled     bool
	Starred     bool
	Content     json.RawMessage
	Version     int
	UpdatedAt   time.Time
	UpdatedBy   *string
}

type SubStagePatch struct {
	Name    *string
	Enabled *bool
	Starred *bool
	// ContentSet distinguishes "set content to null" from "leave content alone".
	ContentSet bool
	Content    json.RawMessage
}

type MainStagePatch struct {
	Name    *string
	Starred *bool
}

type Comment struct {
	ID          string
	ProjectID   string
	MainStageID *string
	SubStageID  *string
	ParentID    *string
	AuthorID    *string
	Author      *TeamMember
	Content     string
	Mentions    []Mention
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   *time.Time
}

type Mention struct {
	CommentID    string
	TeamMemberID string
	DisplayName  string
	Email        string
}

// CommentScope selects the roots of a comment tree. When ParentID is set the
// roots are its direct replies and the stage filters are ignored.
type CommentScope struct {
	ProjectID   string
	MainStageID string
	SubStageID  string
	ParentID    string
}

type CommentWithProject struct {
	Comment
	TeamID      string
	ProjectName string
}

type Task struct {
	ID          string
	ProjectID   string
	MainStageID *string
	Title       string
	Completed   bool
	DueDate     *time.Time
	AssigneeID  *string
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type StoredFile struct {
	ID         string
	ProjectID  string
	ObjectKey  string
	Name       string
	Size       int64
	MimeType   string
	UploadedBy *string
	CreatedAt  time.Time
}
