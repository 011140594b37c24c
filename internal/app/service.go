package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"deckroom/api/internal/auth"
	"deckroom/api/internal/config"
	"deckroom/api/internal/rbac"
	"deckroom/api/internal/store"
	"deckroom/api/internal/util"
)

type Session struct {
	Token       string
	UserID      string
	Email       string
	DisplayName string
	AvatarURL   string
	JTI         string
	ExpiresAt   time.Time
}

type dataStore interface {
	EnsureUserByEmail(context.Context, string, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	GetProject(context.Context, string) (store.Project, error)
	InsertProject(context.Context, store.Project) error
	GetCollaborator(context.Context, string, string) (store.Collaborator, error)
	ListCollaborators(context.Context, string) ([]store.Collaborator, error)
	InsertCollaborator(context.Context, store.Collaborator) (bool, error)
	UpdateCollaboratorRole(context.Context, string, string, string) (bool, error)
	DeleteCollaborator(context.Context, string, string) (bool, error)
	GetBlock(context.Context, string) (store.Block, error)
	UpdateBlockContent(context.Context, string, json.RawMessage, string) (store.Block, error)
	InsertBlock(context.Context, store.Block, string) (store.Block, error)
	DeleteBlock(context.Context, string, string) (bool, error)
	ReorderBlocks(context.Context, string, string, []string, string) error
	InsertComment(context.Context, store.Comment) (store.Comment, error)
	GetComment(context.Context, string) (store.Comment, error)
	ListComments(context.Context, string, *string) ([]store.Comment, error)
	SetCommentResolved(context.Context, string, bool) (bool, error)
	SetCommentPinned(context.Context, string, bool) (bool, error)
	UpdateCommentContent(context.Context, string, string) (bool, error)
	DeleteCommentCascade(context.Context, string) (int64, error)
	InsertVersion(context.Context, string, string, json.RawMessage, string) (store.Version, error)
	ListVersions(context.Context, string, int) ([]store.Version, error)
	GetVersion(context.Context, string, int) (store.Version, error)
	RestoreVersion(context.Context, string, int, string) (store.Version, error)
	Ping(ctx context.Context) error
}

type presenceRegistry interface {
	Create(ctx context.Context, projectID, userID, connectionID string) (store.Session, error)
	Remove(ctx context.Context, projectID, userID, connectionID string) (bool, error)
	UpdateCursor(ctx context.Context, projectID, connectionID string, x, y float64, slideIndex int) error
	Heartbeat(ctx context.Context, projectID, connectionID string) error
	ListActive(ctx context.Context, projectID string) ([]store.Session, error)
}

// Relay fans events out to the members of a project room. Implemented by
// the realtime hub; a nil-safe no-op is used in tests.
type Relay interface {
	ToRoom(projectID, event string, data any)
	ToOthers(projectID, excludeConn, event string, data any)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	presence presenceRegistry
	relay    Relay
}

func New(cfg config.Config, dataStore dataStore, presence presenceRegistry, relay Relay) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		presence: presence,
		relay:    relay,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Bootstrap seeds a demo project so a fresh deployment has something to
// open. It is a no-op once the seed project exists.
func (s *Service) Bootstrap(ctx context.Context) error {
	if _, err := s.store.GetProject(ctx, "prj_demo"); err == nil {
		return nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	owner, err := s.store.EnsureUserByEmail(ctx, "avery@example.com", "Avery")
	if err != nil {
		return err
	}
	editor, err := s.store.EnsureUserByEmail(ctx, "marcus@example.com", "Marcus K.")
	if err != nil {
		return err
	}

	if err := s.store.InsertProject(ctx, store.Project{
		ID:        "prj_demo",
		OwnerID:   owner.ID,
		Title:     "Q3 Product Review",
		Data:      json.RawMessage(`{"title":"Q3 Product Review","slides":[{"id":"sld_1"},{"id":"sld_2"}]}`),
		UpdatedBy: owner.ID,
	}); err != nil {
		return err
	}

	if _, err := s.store.InsertCollaborator(ctx, store.Collaborator{
		ProjectID: "prj_demo",
		UserID:    editor.ID,
		Role:      string(rbac.RoleEditor),
		InvitedBy: owner.ID,
	}); err != nil {
		return err
	}

	blockSeeds := []store.Block{
		{ProjectID: "prj_demo", SlideID: "sld_1", Type: "heading", Content: json.RawMessage(`{"text":"Q3 Product Review"}`), SortOrder: 0},
		{ProjectID: "prj_demo", SlideID: "sld_1", Type: "text", Content: json.RawMessage(`{"text":"Revenue grew 18% quarter over quarter."}`), SortOrder: 1},
		{ProjectID: "prj_demo", SlideID: "sld_2", Type: "text", Content: json.RawMessage(`{"text":"Roadmap highlights for Q4."}`), SortOrder: 0},
	}
	for _, seed := range blockSeeds {
		if _, err := s.store.InsertBlock(ctx, seed, owner.ID); err != nil {
			return err
		}
	}

	project, err := s.store.GetProject(ctx, "prj_demo")
	if err != nil {
		return err
	}
	if _, err := s.store.InsertVersion(ctx, "prj_demo", owner.ID, project.Data, "Initial draft"); err != nil {
		return err
	}
	return nil
}

// Auth

func (s *Service) Login(ctx context.Context, email, displayName string) (Session, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Email is required", nil)
	}
	if strings.TrimSpace(displayName) == "" {
		displayName = strings.SplitN(email, "@", 2)[0]
	}

	user, err := s.store.EnsureUserByEmail(ctx, email, displayName)
	if err != nil {
		return Session{}, fmt.Errorf("ensure user: %w", err)
	}
	return s.issueSession(user)
}

func (s *Service) issueSession(user store.User) (Session, error) {
	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), user.ID, user.DisplayName, user.AvatarURL, jti, expiresAt)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:       token,
		UserID:      user.ID,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		AvatarURL:   user.AvatarURL,
		JTI:         jti,
		ExpiresAt:   expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	return Session{
		Token:       token,
		UserID:      user.ID,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		AvatarURL:   user.AvatarURL,
		JTI:         claims.ID,
		ExpiresAt:   claims.ExpiresAt.Time,
	}, nil
}

// Identify resolves a bearer token for the realtime gateway.
func (s *Service) Identify(ctx context.Context, token string) (string, string, string, error) {
	session, err := s.SessionFromToken(ctx, token)
	if err != nil {
		return "", "", "", err
	}
	return session.UserID, session.DisplayName, session.AvatarURL, nil
}

// Access control

// roleOf resolves the caller's effective role on a project. A missing
// project is NOT_FOUND; everything else resolves to a role, possibly NONE.
func (s *Service) roleOf(ctx context.Context, projectID, userID string) (rbac.Role, store.Project, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rbac.RoleNone, store.Project{}, domainError(http.StatusNotFound, "NOT_FOUND", "Project not found", nil)
		}
		return rbac.RoleNone, store.Project{}, fmt.Errorf("load project: %w", err)
	}

	collab, err := s.store.GetCollaborator(ctx, projectID, userID)
	hasRow := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return rbac.RoleNone, store.Project{}, fmt.Errorf("load collaborator: %w", err)
	}

	return rbac.RoleFor(project.OwnerID, userID, rbac.Role(collab.Role), hasRow), project, nil
}

// requireRole gates an action. Forbidden is decided before any write.
func (s *Service) requireRole(ctx context.Context, projectID, userID string, action rbac.Action) (rbac.Role, store.Project, error) {
	role, project, err := s.roleOf(ctx, projectID, userID)
	if err != nil {
		return rbac.RoleNone, store.Project{}, err
	}
	if !rbac.Can(role, action) {
		return role, project, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return role, project, nil
}

// Presence

func (s *Service) JoinRoom(ctx context.Context, projectID, userID, connectionID string) (map[string]any, error) {
	if _, _, err := s.requireRole(ctx, projectID, userID, rbac.ActionView); err != nil {
		return nil, err
	}

	session, err := s.presence.Create(ctx, projectID, userID, connectionID)
	if err != nil {
		return nil, err
	}

	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		_, _ = s.presence.Remove(ctx, projectID, userID, connectionID)
		return nil, fmt.Errorf("load user: %w", err)
	}
	session.DisplayName = user.DisplayName
	session.AvatarURL = user.AvatarURL

	active, err := s.presence.ListActive(ctx, projectID)
	if err != nil {
		_, _ = s.presence.Remove(ctx, projectID, userID, connectionID)
		return nil, err
	}
	collaborators := make([]map[string]any, 0, len(active))
	for _, ses := range active {
		collaborators = append(collaborators, sessionPayload(ses))
	}

	// Announce only once the join has fully succeeded; a failed join must
	// not leave the room believing the user arrived.
	s.relay.ToOthers(projectID, connectionID, "user:joined", sessionPayload(session))

	return map[string]any{
		"projectId":     projectID,
		"session":       sessionPayload(session),
		"collaborators": collaborators,
	}, nil
}

func (s *Service) LeaveRoom(ctx context.Context, projectID, userID, connectionID string) error {
	removed, err := s.presence.Remove(ctx, projectID, userID, connectionID)
	if err != nil {
		return err
	}
	if removed {
		s.relay.ToOthers(projectID, connectionID, "user:left", map[string]any{
			"projectId":    projectID,
			"userId":       userID,
			"connectionId": connectionID,
		})
	}
	return nil
}

// MoveCursor is best-effort: failures are swallowed so a cursor twitch can
// never error a connection.
func (s *Service) MoveCursor(ctx context.Context, projectID, userID, connectionID string, x, y float64, slideIndex int) {
	if err := s.presence.UpdateCursor(ctx, projectID, connectionID, x, y, slideIndex); err != nil {
		return
	}
	s.relay.ToOthers(projectID, connectionID, "cursor:update", map[string]any{
		"projectId":    projectID,
		"userId":       userID,
		"connectionId": connectionID,
		"color":        util.ColorFor(userID),
		"x":            x,
		"y":            y,
		"slideIndex":   slideIndex,
	})
}

// Heartbeat keeps an idle connection's liveness marker fresh. Best-effort.
func (s *Service) Heartbeat(ctx context.Context, projectID, connectionID string) {
	_ = s.presence.Heartbeat(ctx, projectID, connectionID)
}

func (s *Service) ListPresence(ctx context.Context, projectID, userID string) ([]map[string]any, error) {
	if _, _, err := s.requireRole(ctx, projectID, userID, rbac.ActionView); err != nil {
		return nil, err
	}
	active, err := s.presence.ListActive(ctx, projectID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(active))
	for _, ses := range active {
		items = append(items, sessionPayload(ses))
	}
	return items, nil
}

// Slides

// RelaySlide forwards a structural slide event to the other room members
// with the sender's identity attached. The payload itself is opaque.
func (s *Service) RelaySlide(ctx context.Context, projectID, userID, connectionID, event string, data json.RawMessage) error {
	if _, _, err := s.requireRole(ctx, projectID, userID, rbac.ActionEdit); err != nil {
		return err
	}
	s.relay.ToOthers(projectID, connectionID, event, map[string]any{
		"projectId": projectID,
		"userId":    userID,
		"data":      data,
	})
	return nil
}

// Blocks

// UpdateBlock is the optimistic mutation guard. A stale expectedVersion is
// not an error: the write still lands (last write wins) and the conflict is
// surfaced as conflictResolved=true in both the response and the relay.
func (s *Service) UpdateBlock(ctx context.Context, projectID, userID, connectionID, slideID, blockID string, content json.RawMessage, expectedVersion *int) (map[string]any, error) {
	if _, _, err := s.requireRole(ctx, projectID, userID, rbac.ActionEdit); err != nil {
		return nil, err
	}

	block, err := s.store.GetBlock(ctx, blockID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Block not found", nil)
		}
		return nil, fmt.Errorf("load block: %w", err)
	}
	if block.ProjectID != projectID || (slideID != "" && block.SlideID != slideID) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Block not found", nil)
	}

	updated, err := s.store.UpdateBlockContent(ctx, blockID, content, userID)
	if err != nil {
		return nil, fmt.Errorf("update block: %w", err)
	}

	// The flag is derived from the atomic post-increment version, not the
	// earlier read: a concurrent write landing between the read and the
	// update still counts as a conflict.
	conflictResolved := expectedVersion != nil && updated.Version != *expectedVersion+1

	payload := blockPayload(updated)
	payload["updatedBy"] = userID
	payload["conflictResolved"] = conflictResolved

	s.relay.ToOthers(projectID, connectionID, "block:updated", payload)
	return payload, nil
}

func (s *Service) CreateBlock(ctx context.Context, projectID, userID, slideID, blockType string, content, style json.RawMessage, sortOrder int) (map[string]any, error) {
	if _, _, err := s.requireRole(ctx, projectID, userID, rbac.ActionEdit); err != nil {
		return nil, err
	}
	if slideID == "" || blockType == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "slideId and type are required", nil)
	}

	created, err := s.store.InsertBlock(ctx, store.Block{
		ProjectID: projectID,
		SlideID:   slideID,
		Type:      blockType,
		Content:   content,
		Style:     style,
		SortOrder: sortOrder,
	}, userID)
	if err != nil {
		return nil, fmt.Errorf("insert block: %w", err)
	}
	return blockPayload(created), nil
}

func (s *Service) DeleteBlock(ctx context.Context, projectID, userID, blockID string) error {
	if _, _, err := s.requireRole(ctx, projectID, userID, rbac.ActionEdit); err != nil {
		return err
	}

	block, err := s.store.GetBlock(ctx, blockID)
	if err != nil || block.ProjectID != projectID {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Block not found", nil)
	}

	deleted, err := s.store.DeleteBlock(ctx, blockID, userID)
	if err != nil {
		return fmt.Errorf("delete block: %w", err)
	}
	if !deleted {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Block not found", nil)
	}
	return nil
}

func (s *Service) ReorderBlocks(ctx context.Context, projectID, userID, slideID string, orderedIDs []string) error {
	if _, _, err := s.requireRole(ctx, projectID, userID, rbac.ActionEdit); err != nil {
		return err
	}
	if slideID == "" || len(orderedIDs) == 0 {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "slideId and blockIds are required", nil)
	}

	if err := s.store.ReorderBlocks(ctx, projectID, slideID, orderedIDs, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Ordering references an unknown block", nil)
		}
		return fmt.Errorf("reorder blocks: %w", err)
	}
	return nil
}

// Comments

func (s *Service) AddComment(ctx context.Context, projectID, userID string, slideID, blockID, parentID *string, content string) (map[string]any, error) {
	if _, _, err := s.requireRole(ctx, projectID, userID, rbac.ActionComment); err != nil {
		return nil, err
	}

	content = strings.TrimSpace(content)
	if content == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Comment content is required", nil)
	}

	if parentID != nil && *parentID != "" {
		parent, err := s.store.GetComment(ctx, *parentID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Parent comment not found", nil)
			}
			return nil, fmt.Errorf("load parent comment: %w", err)
		}
		if parent.ProjectID != projectID {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Parent comment not found", nil)
		}
		if parent.ParentID != nil {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Replies cannot be nested", nil)
		}
	} else {
		parentID = nil
	}

	created, err := s.store.InsertComment(ctx, store.Comment{
		ProjectID: projectID,
		SlideID:   slideID,
		BlockID:   blockID,
		ParentID:  parentID,
		UserID:    userID,
		Content:   content,
	})
	if err != nil {
		return nil, fmt.Errorf("insert comment: %w", err)
	}

	user, err := s.store.GetUserByID(ctx, userID)
	if err == nil {
		created.AuthorName = user.DisplayName
		created.AuthorAvatar = user.AvatarURL
	}

	payload := commentPayload(created)
	s.relay.ToRoom(projectID, "comment:added", payload)
	return payload, nil
}

// ListComments returns top-level comments newest-first with their replies
// attached oldest-first.
func (s *Service) ListComments(ctx context.Context, projectID, userID string, slideID *string) ([]map[string]any, error) {
	if _, _, err := s.requireRole(ctx, projectID, userID, rbac.ActionView); err != nil {
		return nil, err
	}

	comments, err := s.store.ListComments(ctx, projectID, slideID)
	if err != nil {
		return nil, err
	}

	replies := make(map[string][]map[string]any)
	var topLevel []store.Comment
	for _, comment := range comments {
		if comment.ParentID != nil {
			replies[*comment.ParentID] = append(replies[*comment.ParentID], commentPayload(comment))
			continue
		}
		topLevel = append(topLevel, comment)
	}

	sort.SliceStable(topLevel, func(i, j int) bool {
		return topLevel[i].CreatedAt.After(topLevel[j].CreatedAt)
	})

	items := make([]map[string]any, 0, len(topLevel))
	for _, comment := range topLevel {
		payload := commentPayload(comment)
		thread := replies[comment.ID]
		if thread == nil {
			thread = []map[string]any{}
		}
		payload["replies"] = thread
		items = append(items, payload)
	}
	return items, nil
}

func (s *Service) ResolveComment(ctx context.Context, projectID, userID, commentID string, resolved bool) (map[string]any, error) {
	if _, _, err := s.requireRole(ctx, projectID, userID, rbac.ActionComment); err != nil {
		return nil, err
	}

	comment, err := s.store.GetComment(ctx, commentID)
	if err != nil || comment.ProjectID != projectID {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Comment not found", nil)
	}

	if _, err := s.store.SetCommentResolved(ctx, commentID, resolved); err != nil {
		return nil, fmt.Errorf("resolve comment: %w", err)
	}

	payload := map[string]any{
		"projectId":  projectID,
		"commentId":  commentID,
		"resolved":   resolved,
		"resolvedBy": userID,
	}
	s.relay.ToRoom(projectID, "comment:resolved", payload)
	return payload, nil
}

func (s *Service) PinComment(ctx context.Context, projectID, userID, commentID string, pinned bool) error {
	if _, _, err := s.requireRole(ctx, projectID, userID, rbac.ActionComment); err != nil {
		return err
	}

	comment, err := s.store.GetComment(ctx, commentID)
	if err != nil || comment.ProjectID != projectID {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Comment not found", nil)
	}

	if _, err := s.store.SetCommentPinned(ctx, commentID, pinned); err != nil {
		return fmt.Errorf("pin comment: %w", err)
	}
	return nil
}

// UpdateComment edits a comment's text. Author-only.
func (s *Service) UpdateComment(ctx context.Context, projectID, userID, commentID, content string) error {
	if _, _, err := s.requireRole(ctx, projectID, userID, rbac.ActionComment); err != nil {
		return err
	}

	content = strings.TrimSpace(content)
	if content == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Comment content is required", nil)
	}

	comment, err := s.store.GetComment(ctx, commentID)
	if err != nil || comment.ProjectID != projectID {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Comment not found", nil)
	}
	if comment.UserID != userID {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Only the author can edit a comment", nil)
	}

	if _, err := s.store.UpdateCommentContent(ctx, commentID, content); err != nil {
		return fmt.Errorf("update comment: %w", err)
	}
	return nil
}

// DeleteComment removes a comment and its replies. Allowed for the author
// and for the project owner.
func (s *Service) DeleteComment(ctx context.Context, projectID, userID, commentID string) error {
	role, _, err := s.requireRole(ctx, projectID, userID, rbac.ActionComment)
	if err != nil {
		return err
	}

	comment, err := s.store.GetComment(ctx, commentID)
	if err != nil || comment.ProjectID != projectID {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Comment not found", nil)
	}
	if comment.UserID != userID && !rbac.Can(role, rbac.ActionManage) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	if _, err := s.store.DeleteCommentCascade(ctx, commentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "Comment not found", nil)
		}
		return fmt.Errorf("delete comment: %w", err)
	}
	return nil
}

// Versions

func (s *Service) SaveVersion(ctx context.Context, projectID, userID string, snapshot json.RawMessage, message string) (map[string]any, error) {
	if _, _, err := s.requireRole(ctx, projectID, userID, rbac.ActionEdit); err != nil {
		return nil, err
	}
	if len(snapshot) == 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Snapshot is required", nil)
	}

	created, err := s.store.InsertVersion(ctx, projectID, userID, snapshot, message)
	if err != nil {
		return nil, fmt.Errorf("save version: %w", err)
	}

	user, err := s.store.GetUserByID(ctx, userID)
	if err == nil {
		created.CreatorName = user.DisplayName
		created.CreatorAvatar = user.AvatarURL
	}

	payload := versionPayload(created)
	s.relay.ToRoom(projectID, "version:saved", payload)
	return payload, nil
}

func (s *Service) ListVersions(ctx context.Context, projectID, userID string) ([]map[string]any, error) {
	if _, _, err := s.requireRole(ctx, projectID, userID, rbac.ActionView); err != nil {
		return nil, err
	}
	versions, err := s.store.ListVersions(ctx, projectID, 50)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(versions))
	for _, version := range versions {
		items = append(items, versionPayload(version))
	}
	return items, nil
}

func (s *Service) GetVersion(ctx context.Context, projectID, userID string, number int) (map[string]any, error) {
	if _, _, err := s.requireRole(ctx, projectID, userID, rbac.ActionView); err != nil {
		return nil, err
	}
	version, err := s.store.GetVersion(ctx, projectID, number)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Version not found", nil)
		}
		return nil, err
	}
	payload := versionPayload(version)
	payload["snapshot"] = version.Snapshot
	return payload, nil
}

// RestoreVersion copies a snapshot back into the live project. The ledger
// is left untouched.
func (s *Service) RestoreVersion(ctx context.Context, projectID, userID string, number int) (map[string]any, error) {
	if _, _, err := s.requireRole(ctx, projectID, userID, rbac.ActionEdit); err != nil {
		return nil, err
	}
	restored, err := s.store.RestoreVersion(ctx, projectID, number, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Version not found", nil)
		}
		return nil, fmt.Errorf("restore version: %w", err)
	}

	payload := map[string]any{
		"projectId":  projectID,
		"version":    restored.Version,
		"restoredBy": userID,
		"snapshot":   restored.Snapshot,
	}
	s.relay.ToRoom(projectID, "version:restored", payload)
	return payload, nil
}

// Collaborators

func (s *Service) ListCollaborators(ctx context.Context, projectID, userID string) ([]map[string]any, error) {
	if _, _, err := s.requireRole(ctx, projectID, userID, rbac.ActionView); err != nil {
		return nil, err
	}
	collaborators, err := s.store.ListCollaborators(ctx, projectID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(collaborators))
	for _, collab := range collaborators {
		items = append(items, collaboratorPayload(collab))
	}
	return items, nil
}

func (s *Service) AddCollaborator(ctx context.Context, projectID, actorID, email, role string) (map[string]any, error) {
	_, project, err := s.requireRole(ctx, projectID, actorID, rbac.ActionManage)
	if err != nil {
		return nil, err
	}
	if !rbac.Grantable(rbac.Role(role)) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Role must be VIEWER, COMMENTER, or EDITOR", nil)
	}

	user, err := s.store.GetUserByEmail(ctx, strings.TrimSpace(strings.ToLower(email)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "User not found", nil)
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if user.ID == project.OwnerID {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "The owner cannot be a collaborator", nil)
	}

	inserted, err := s.store.InsertCollaborator(ctx, store.Collaborator{
		ProjectID: projectID,
		UserID:    user.ID,
		Role:      role,
		InvitedBy: actorID,
	})
	if err != nil {
		return nil, fmt.Errorf("insert collaborator: %w", err)
	}
	if !inserted {
		return nil, domainError(http.StatusConflict, "ALREADY_EXISTS", "User is already a collaborator", nil)
	}

	return map[string]any{
		"projectId":   projectID,
		"userId":      user.ID,
		"email":       user.Email,
		"displayName": user.DisplayName,
		"role":        role,
	}, nil
}

func (s *Service) ChangeCollaboratorRole(ctx context.Context, projectID, actorID, userID, role string) error {
	if _, _, err := s.requireRole(ctx, projectID, actorID, rbac.ActionManage); err != nil {
		return err
	}
	if !rbac.Grantable(rbac.Role(role)) {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Role must be VIEWER, COMMENTER, or EDITOR", nil)
	}

	updated, err := s.store.UpdateCollaboratorRole(ctx, projectID, userID, role)
	if err != nil {
		return fmt.Errorf("update collaborator role: %w", err)
	}
	if !updated {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Collaborator not found", nil)
	}
	return nil
}

func (s *Service) RemoveCollaborator(ctx context.Context, projectID, actorID, userID string) error {
	if _, _, err := s.requireRole(ctx, projectID, actorID, rbac.ActionManage); err != nil {
		return err
	}
	removed, err := s.store.DeleteCollaborator(ctx, projectID, userID)
	if err != nil {
		return fmt.Errorf("delete collaborator: %w", err)
	}
	if !removed {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Collaborator not found", nil)
	}
	return nil
}

// Payload builders

func sessionPayload(session store.Session) map[string]any {
	return map[string]any{
		"sessionId":    session.ID,
		"projectId":    session.ProjectID,
		"userId":       session.UserID,
		"connectionId": session.ConnectionID,
		"displayName":  session.DisplayName,
		"avatarUrl":    session.AvatarURL,
		"color":        session.Color,
		"cursorX":      session.CursorX,
		"cursorY":      session.CursorY,
		"slideIndex":   session.SlideIndex,
	}
}

func blockPayload(block store.Block) map[string]any {
	return map[string]any{
		"blockId":   block.ID,
		"projectId": block.ProjectID,
		"slideId":   block.SlideID,
		"type":      block.Type,
		"content":   block.Content,
		"style":     block.Style,
		"sortOrder": block.SortOrder,
		"version":   block.Version,
		"updatedAt": block.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func commentPayload(comment store.Comment) map[string]any {
	return map[string]any{
		"commentId":    comment.ID,
		"projectId":    comment.ProjectID,
		"slideId":      comment.SlideID,
		"blockId":      comment.BlockID,
		"parentId":     comment.ParentID,
		"userId":       comment.UserID,
		"authorName":   comment.AuthorName,
		"authorAvatar": comment.AuthorAvatar,
		"content":      comment.Content,
		"resolved":     comment.Resolved,
		"pinned":       comment.Pinned,
		"createdAt":    comment.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func versionPayload(version store.Version) map[string]any {
	return map[string]any{
		"versionId":     version.ID,
		"projectId":     version.ProjectID,
		"version":       version.Version,
		"message":       version.Message,
		"createdBy":     version.CreatedBy,
		"creatorName":   version.CreatorName,
		"creatorAvatar": version.CreatorAvatar,
		"createdAt":     version.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func collaboratorPayload(collab store.Collaborator) map[string]any {
	return map[string]any{
		"projectId":   collab.ProjectID,
		"userId":      collab.UserID,
		"email":       collab.Email,
		"displayName": collab.DisplayName,
		"avatarUrl":   collab.AvatarURL,
		"role":        collab.Role,
		"invitedBy":   collab.InvitedBy,
		"createdAt":   collab.CreatedAt.UTC().Format(time.RFC3339),
	}
}
