package ws

import "encoding/json"

// Inbound event names.
const (
	EventProjectJoin    = "project:join"
	EventProjectLeave   = "project:leave"
	EventCursorMove     = "cursor:move"
	EventBlockUpdate    = "block:update"
	EventSlideUpdate    = "slide:update"
	EventSlideAdd       = "slide:add"
	EventSlideDelete    = "slide:delete"
	EventSlideReorder   = "slide:reorder"
	EventCommentAdd     = "comment:add"
	EventCommentResolve = "comment:resolve"
	EventVersionSave    = "version:save"
)

// Outbound event names.
const (
	EventCollaboratorsList = "collaborators:list"
	EventUserJoined        = "user:joined"
	EventUserLeft          = "user:left"
	EventCursorUpdate      = "cursor:update"
	EventBlockUpdated      = "block:updated"
	EventCommentAdded      = "comment:added"
	EventCommentResolved   = "comment:resolved"
	EventVersionSaved      = "version:saved"
	EventError             = "error"
)

// Envelope is the wire frame for every message in both directions. AckID is
// set on request/response events so the client can correlate the reply.
type Envelope struct {
	Event string          `json:"event"`
	AckID string          `json:"ackId,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type JoinPayload struct {
	ProjectID string `json:"projectId"`
}

type CursorPayload struct {
	ProjectID  string  `json:"projectId"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	SlideIndex int     `json:"slideIndex"`
}

type BlockUpdatePayload struct {
	ProjectID       string          `json:"projectId"`
	SlideID         string          `json:"slideId"`
	BlockID         string          `json:"blockId"`
	Content         json.RawMessage `json:"content"`
	ExpectedVersion *int            `json:"expectedVersion,omitempty"`
}

type SlidePayload struct {
	ProjectID string          `json:"projectId"`
	Data      json.RawMessage `json:"data"`
}

type CommentAddPayload struct {
	ProjectID string  `json:"projectId"`
	SlideID   *string `json:"slideId,omitempty"`
	BlockID   *string `json:"blockId,omitempty"`
	ParentID  *string `json:"parentId,omitempty"`
	Content   string  `json:"content"`
}

type CommentResolvePayload struct {
	ProjectID string `json:"projectId"`
	CommentID string `json:"commentId"`
	Resolved  bool   `json:"resolved"`
}

type VersionSavePayload struct {
	ProjectID string          `json:"projectId"`
	Snapshot  json.RawMessage `json:"snapshot"`
	Message   string          `json:"message,omitempty"`
}
