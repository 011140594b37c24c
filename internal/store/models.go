package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID          string
	Email       string
	DisplayName string
	AvatarURL   string
	CreatedAt   time.Time
}

type Project struct {
	ID        string
	OwnerID   string
	Title     string
	Data      json.RawMessage
	UpdatedBy string
	UpdatedAt time.Time
}

type Collaborator struct {
	ProjectID string
	UserID    string
	Role      string
	InvitedBy string
	CreatedAt time.Time
	// Joined fields for API responses
	Email       string
	DisplayName string
	AvatarURL   string
}

// Session is an ephemeral presence record. Rows are deactivated, never
// deleted, so disconnect history stays available for debugging.
type Session struct {
	ID           string
	ProjectID    string
	UserID       string
	ConnectionID string
	Color        string
	CursorX      float64
	CursorY      float64
	SlideIndex   int
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
	// Joined fields for API responses
	DisplayName string
	AvatarURL   string
}

type Block struct {
	ID        string
	ProjectID string
	SlideID   string
	Type      string
	Content   json.RawMessage
	Style     json.RawMessage
	SortOrder int
	// Version is the optimistic-concurrency token. It only ever increases.
	Version   int
	UpdatedAt time.Time
}

type Comment struct {
	ID        string
	ProjectID string
	SlideID   *string
	BlockID   *string
	ParentID  *string
	UserID    string
	Content   string
	Resolved  bool
	Pinned    bool
	CreatedAt time.Time
	// Joined fields for API responses
	AuthorName   string
	AuthorAvatar string
}

type Version struct {
	ID        string
	ProjectID string
	Version   int
	Snapshot  json.RawMessage
	Message   string
	CreatedBy string
	CreatedAt time.Time
	// Joined fields for API responses
	CreatorName   string
	CreatorAvatar string
}
