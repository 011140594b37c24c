package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"deckroom/api/internal/config"
	"deckroom/api/internal/store"
)

type fakeStore struct {
	ensureUserByEmailFn    func(context.Context, string, string) (store.User, error)
	getUserByIDFn          func(context.Context, string) (store.User, error)
	getUserByEmailFn       func(context.Context, string) (store.User, error)
	getProjectFn           func(context.Context, string) (store.Project, error)
	getCollaboratorFn      func(context.Context, string, string) (store.Collaborator, error)
	listCollaboratorsFn    func(context.Context, string) ([]store.Collaborator, error)
	insertCollaboratorFn   func(context.Context, store.Collaborator) (bool, error)
	updateCollabRoleFn     func(context.Context, string, string, string) (bool, error)
	deleteCollaboratorFn   func(context.Context, string, string) (bool, error)
	getBlockFn             func(context.Context, string) (store.Block, error)
	updateBlockContentFn   func(context.Context, string, json.RawMessage, string) (store.Block, error)
	insertBlockFn          func(context.Context, store.Block, string) (store.Block, error)
	deleteBlockFn          func(context.Context, string, string) (bool, error)
	reorderBlocksFn        func(context.Context, string, string, []string, string) error
	insertCommentFn        func(context.Context, store.Comment) (store.Comment, error)
	getCommentFn           func(context.Context, string) (store.Comment, error)
	listCommentsFn         func(context.Context, string, *string) ([]store.Comment, error)
	setCommentResolvedFn   func(context.Context, string, bool) (bool, error)
	setCommentPinnedFn     func(context.Context, string, bool) (bool, error)
	updateCommentContentFn func(context.Context, string, string) (bool, error)
	deleteCommentCascadeFn func(context.Context, string) (int64, error)
	insertVersionFn        func(context.Context, string, string, json.RawMessage, string) (store.Version, error)
	listVersionsFn         func(context.Context, string, int) ([]store.Version, error)
	getVersionFn           func(context.Context, string, int) (store.Version, error)
	restoreVersionFn       func(context.Context, string, int, string) (store.Version, error)
}

func (f *fakeStore) EnsureUserByEmail(ctx context.Context, email, name string) (store.User, error) {
	if f.ensureUserByEmailFn != nil {
		return f.ensureUserByEmailFn(ctx, email, name)
	}
	return store.User{ID: "usr_1", Email: email, DisplayName: name}, nil
}
func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{ID: userID, DisplayName: "User " + userID}, nil
}
func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if f.getUserByEmailFn != nil {
		return f.getUserByEmailFn(ctx, email)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) GetProject(ctx context.Context, projectID string) (store.Project, error) {
	if f.getProjectFn != nil {
		return f.getProjectFn(ctx, projectID)
	}
	return store.Project{}, sql.ErrNoRows
}
func (f *fakeStore) InsertProject(context.Context, store.Project) error { return nil }
func (f *fakeStore) GetCollaborator(ctx context.Context, projectID, userID string) (store.Collaborator, error) {
	if f.getCollaboratorFn != nil {
		return f.getCollaboratorFn(ctx, projectID, userID)
	}
	return store.Collaborator{}, sql.ErrNoRows
}
func (f *fakeStore) ListCollaborators(ctx context.Context, projectID string) ([]store.Collaborator, error) {
	if f.listCollaboratorsFn != nil {
		return f.listCollaboratorsFn(ctx, projectID)
	}
	return nil, nil
}
func (f *fakeStore) InsertCollaborator(ctx context.Context, item store.Collaborator) (bool, error) {
	if f.insertCollaboratorFn != nil {
		return f.insertCollaboratorFn(ctx, item)
	}
	return true, nil
}
func (f *fakeStore) UpdateCollaboratorRole(ctx context.Context, projectID, userID, role string) (bool, error) {
	if f.updateCollabRoleFn != nil {
		return f.updateCollabRoleFn(ctx, projectID, userID, role)
	}
	return true, nil
}
func (f *fakeStore) DeleteCollaborator(ctx context.Context, projectID, userID string) (bool, error) {
	if f.deleteCollaboratorFn != nil {
		return f.deleteCollaboratorFn(ctx, projectID, userID)
	}
	return true, nil
}
func (f *fakeStore) GetBlock(ctx context.Context, blockID string) (store.Block, error) {
	if f.getBlockFn != nil {
		return f.getBlockFn(ctx, blockID)
	}
	return store.Block{}, sql.ErrNoRows
}
func (f *fakeStore) UpdateBlockContent(ctx context.Context, blockID string, content json.RawMessage, updatedBy string) (store.Block, error) {
	if f.updateBlockContentFn != nil {
		return f.updateBlockContentFn(ctx, blockID, content, updatedBy)
	}
	return store.Block{}, sql.ErrNoRows
}
func (f *fakeStore) InsertBlock(ctx context.Context, item store.Block, updatedBy string) (store.Block, error) {
	if f.insertBlockFn != nil {
		return f.insertBlockFn(ctx, item, updatedBy)
	}
	item.ID = "blk_new"
	item.Version = 1
	return item, nil
}
func (f *fakeStore) DeleteBlock(ctx context.Context, blockID, updatedBy string) (bool, error) {
	if f.deleteBlockFn != nil {
		return f.deleteBlockFn(ctx, blockID, updatedBy)
	}
	return true, nil
}
func (f *fakeStore) ReorderBlocks(ctx context.Context, projectID, slideID string, orderedIDs []string, updatedBy string) error {
	if f.reorderBlocksFn != nil {
		return f.reorderBlocksFn(ctx, projectID, slideID, orderedIDs, updatedBy)
	}
	return nil
}
func (f *fakeStore) InsertComment(ctx context.Context, item store.Comment) (store.Comment, error) {
	if f.insertCommentFn != nil {
		return f.insertCommentFn(ctx, item)
	}
	item.ID = "cmt_new"
	item.CreatedAt = time.Now()
	return item, nil
}
func (f *fakeStore) GetComment(ctx context.Context, commentID string) (store.Comment, error) {
	if f.getCommentFn != nil {
		return f.getCommentFn(ctx, commentID)
	}
	return store.Comment{}, sql.ErrNoRows
}
func (f *fakeStore) ListComments(ctx context.Context, projectID string, slideID *string) ([]store.Comment, error) {
	if f.listCommentsFn != nil {
		return f.listCommentsFn(ctx, projectID, slideID)
	}
	return nil, nil
}
func (f *fakeStore) SetCommentResolved(ctx context.Context, commentID string, resolved bool) (bool, error) {
	if f.setCommentResolvedFn != nil {
		return f.setCommentResolvedFn(ctx, commentID, resolved)
	}
	return true, nil
}
func (f *fakeStore) SetCommentPinned(ctx context.Context, commentID string, pinned bool) (bool, error) {
	if f.setCommentPinnedFn != nil {
		return f.setCommentPinnedFn(ctx, commentID, pinned)
	}
	return true, nil
}
func (f *fakeStore) UpdateCommentContent(ctx context.Context, commentID, content string) (bool, error) {
	if f.updateCommentContentFn != nil {
		return f.updateCommentContentFn(ctx, commentID, content)
	}
	return true, nil
}
func (f *fakeStore) DeleteCommentCascade(ctx context.Context, commentID string) (int64, error) {
	if f.deleteCommentCascadeFn != nil {
		return f.deleteCommentCascadeFn(ctx, commentID)
	}
	return 1, nil
}
func (f *fakeStore) InsertVersion(ctx context.Context, projectID, createdBy string, snapshot json.RawMessage, message string) (store.Version, error) {
	if f.insertVersionFn != nil {
		return f.insertVersionFn(ctx, projectID, createdBy, snapshot, message)
	}
	return store.Version{ID: "ver_new", ProjectID: projectID, Version: 1, Snapshot: snapshot, Message: message, CreatedBy: createdBy}, nil
}
func (f *fakeStore) ListVersions(ctx context.Context, projectID string, limit int) ([]store.Version, error) {
	if f.listVersionsFn != nil {
		return f.listVersionsFn(ctx, projectID, limit)
	}
	return nil, nil
}
func (f *fakeStore) GetVersion(ctx context.Context, projectID string, number int) (store.Version, error) {
	if f.getVersionFn != nil {
		return f.getVersionFn(ctx, projectID, number)
	}
	return store.Version{}, sql.ErrNoRows
}
func (f *fakeStore) RestoreVersion(ctx context.Context, projectID string, number int, restoredBy string) (store.Version, error) {
	if f.restoreVersionFn != nil {
		return f.restoreVersionFn(ctx, projectID, number, restoredBy)
	}
	return store.Version{}, sql.ErrNoRows
}
func (f *fakeStore) Ping(context.Context) error { return nil }

type fakePresence struct {
	createFn       func(context.Context, string, string, string) (store.Session, error)
	removeFn       func(context.Context, string, string, string) (bool, error)
	updateCursorFn func(context.Context, string, string, float64, float64, int) error
	listActiveFn   func(context.Context, string) ([]store.Session, error)
}

func (f *fakePresence) Create(ctx context.Context, projectID, userID, connectionID string) (store.Session, error) {
	if f.createFn != nil {
		return f.createFn(ctx, projectID, userID, connectionID)
	}
	return store.Session{ID: "ses_1", ProjectID: projectID, UserID: userID, ConnectionID: connectionID, Color: "#2196F3", IsActive: true}, nil
}
func (f *fakePresence) Remove(ctx context.Context, projectID, userID, connectionID string) (bool, error) {
	if f.removeFn != nil {
		return f.removeFn(ctx, projectID, userID, connectionID)
	}
	return true, nil
}
func (f *fakePresence) UpdateCursor(ctx context.Context, projectID, connectionID string, x, y float64, slideIndex int) error {
	if f.updateCursorFn != nil {
		return f.updateCursorFn(ctx, projectID, connectionID, x, y, slideIndex)
	}
	return nil
}
func (f *fakePresence) Heartbeat(context.Context, string, string) error { return nil }
func (f *fakePresence) ListActive(ctx context.Context, projectID string) ([]store.Session, error) {
	if f.listActiveFn != nil {
		return f.listActiveFn(ctx, projectID)
	}
	return nil, nil
}

type relayedEvent struct {
	room    string
	event   string
	exclude string
	data    any
}

type fakeRelay struct {
	events []relayedEvent
}

func (f *fakeRelay) ToRoom(projectID, event string, data any) {
	f.events = append(f.events, relayedEvent{room: projectID, event: event, data: data})
}
func (f *fakeRelay) ToOthers(projectID, excludeConn, event string, data any) {
	f.events = append(f.events, relayedEvent{room: projectID, event: event, exclude: excludeConn, data: data})
}

func (f *fakeRelay) last(t *testing.T) relayedEvent {
	t.Helper()
	if len(f.events) == 0 {
		t.Fatal("expected a relayed event")
	}
	return f.events[len(f.events)-1]
}

func testConfig() config.Config {
	return config.Config{JWTSecret: "test-secret", AccessTTL: time.Hour}
}

// ownedProject wires a fakeStore so prj_1 exists, owned by usr_owner, with
// usr_editor/usr_commenter/usr_viewer as collaborators.
func ownedProject(f *fakeStore) {
	f.getProjectFn = func(_ context.Context, projectID string) (store.Project, error) {
		if projectID != "prj_1" {
			return store.Project{}, sql.ErrNoRows
		}
		return store.Project{ID: "prj_1", OwnerID: "usr_owner", Title: "Deck"}, nil
	}
	f.getCollaboratorFn = func(_ context.Context, projectID, userID string) (store.Collaborator, error) {
		roles := map[string]string{
			"usr_editor":    "EDITOR",
			"usr_commenter": "COMMENTER",
			"usr_viewer":    "VIEWER",
		}
		role, ok := roles[userID]
		if projectID != "prj_1" || !ok {
			return store.Collaborator{}, sql.ErrNoRows
		}
		return store.Collaborator{ProjectID: projectID, UserID: userID, Role: role}, nil
	}
}

func newTestService(f *fakeStore) (*Service, *fakeRelay) {
	relay := &fakeRelay{}
	return New(testConfig(), f, &fakePresence{}, relay), relay
}

func TestLoginAndSessionRoundTrip(t *testing.T) {
	f := &fakeStore{
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			return store.User{ID: userID, Email: "avery@example.com", DisplayName: "Avery"}, nil
		},
	}
	svc, _ := newTestService(f)

	session, err := svc.Login(context.Background(), "Avery@Example.com", "Avery")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if session.Token == "" {
		t.Fatal("expected a token")
	}

	parsed, err := svc.SessionFromToken(context.Background(), session.Token)
	if err != nil {
		t.Fatalf("SessionFromToken failed: %v", err)
	}
	if parsed.UserID != session.UserID {
		t.Errorf("expected user %s, got %s", session.UserID, parsed.UserID)
	}
}

func TestLoginRequiresEmail(t *testing.T) {
	svc, _ := newTestService(&fakeStore{})
	_, err := svc.Login(context.Background(), "   ", "")
	assertCode(t, err, "VALIDATION_ERROR")
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError %s, got %v", code, err)
	}
	if domainErr.Code != code {
		t.Fatalf("expected code %s, got %s", code, domainErr.Code)
	}
}

func TestUpdateBlockForbiddenForViewer(t *testing.T) {
	f := &fakeStore{}
	ownedProject(f)
	wrote := false
	f.updateBlockContentFn = func(context.Context, string, json.RawMessage, string) (store.Block, error) {
		wrote = true
		return store.Block{}, nil
	}
	svc, _ := newTestService(f)

	_, err := svc.UpdateBlock(context.Background(), "prj_1", "usr_viewer", "", "sld_1", "blk_1", json.RawMessage(`{}`), nil)
	assertCode(t, err, "FORBIDDEN")
	if wrote {
		t.Error("forbidden update must not reach the store")
	}
}

func TestUpdateBlockUnknownProject(t *testing.T) {
	svc, _ := newTestService(&fakeStore{})
	_, err := svc.UpdateBlock(context.Background(), "prj_missing", "usr_owner", "", "sld_1", "blk_1", json.RawMessage(`{}`), nil)
	assertCode(t, err, "NOT_FOUND")
}

func blockStoreAt(version int) *fakeStore {
	f := &fakeStore{}
	ownedProject(f)
	f.getBlockFn = func(_ context.Context, blockID string) (store.Block, error) {
		return store.Block{ID: blockID, ProjectID: "prj_1", SlideID: "sld_1", Version: version, Content: json.RawMessage(`{}`)}, nil
	}
	f.updateBlockContentFn = func(_ context.Context, blockID string, content json.RawMessage, _ string) (store.Block, error) {
		return store.Block{ID: blockID, ProjectID: "prj_1", SlideID: "sld_1", Version: version + 1, Content: content}, nil
	}
	return f
}

func TestUpdateBlockUnconditional(t *testing.T) {
	svc, relay := newTestService(blockStoreAt(4))

	payload, err := svc.UpdateBlock(context.Background(), "prj_1", "usr_editor", "conn_1", "sld_1", "blk_1", json.RawMessage(`{"text":"hi"}`), nil)
	if err != nil {
		t.Fatalf("UpdateBlock failed: %v", err)
	}
	if payload["conflictResolved"] != false {
		t.Error("expected conflictResolved=false without expectedVersion")
	}
	if payload["version"] != 5 {
		t.Errorf("expected version 5, got %v", payload["version"])
	}

	relayed := relay.last(t)
	if relayed.event != "block:updated" || relayed.exclude != "conn_1" {
		t.Errorf("unexpected relay: %+v", relayed)
	}
}

func TestUpdateBlockMatchingVersion(t *testing.T) {
	svc, _ := newTestService(blockStoreAt(4))

	expected := 4
	payload, err := svc.UpdateBlock(context.Background(), "prj_1", "usr_editor", "", "sld_1", "blk_1", json.RawMessage(`{}`), &expected)
	if err != nil {
		t.Fatalf("UpdateBlock failed: %v", err)
	}
	if payload["conflictResolved"] != false {
		t.Error("matching expectedVersion must not flag a conflict")
	}
}

func TestUpdateBlockStaleVersionStillWrites(t *testing.T) {
	f := blockStoreAt(4)
	wrote := false
	inner := f.updateBlockContentFn
	f.updateBlockContentFn = func(ctx context.Context, blockID string, content json.RawMessage, updatedBy string) (store.Block, error) {
		wrote = true
		return inner(ctx, blockID, content, updatedBy)
	}
	svc, relay := newTestService(f)

	stale := 2
	payload, err := svc.UpdateBlock(context.Background(), "prj_1", "usr_editor", "", "sld_1", "blk_1", json.RawMessage(`{}`), &stale)
	if err != nil {
		t.Fatalf("UpdateBlock failed: %v", err)
	}
	if !wrote {
		t.Error("last-write-wins means the stale write still lands")
	}
	if payload["conflictResolved"] != true {
		t.Error("stale expectedVersion must surface conflictResolved=true")
	}
	relayed := relay.last(t)
	data, ok := relayed.data.(map[string]any)
	if !ok || data["conflictResolved"] != true {
		t.Error("conflict must also be visible in the relayed payload")
	}
}

func TestUpdateBlockConcurrentWriteStillFlagsConflict(t *testing.T) {
	// The read sees version 4 and expectedVersion matches it, but another
	// writer lands before the update, so the increment returns 6 instead of
	// 5. The conflict must be reported from the atomic result.
	f := blockStoreAt(4)
	f.updateBlockContentFn = func(_ context.Context, blockID string, content json.RawMessage, _ string) (store.Block, error) {
		return store.Block{ID: blockID, ProjectID: "prj_1", SlideID: "sld_1", Version: 6, Content: content}, nil
	}
	svc, _ := newTestService(f)

	expected := 4
	payload, err := svc.UpdateBlock(context.Background(), "prj_1", "usr_editor", "", "sld_1", "blk_1", json.RawMessage(`{}`), &expected)
	if err != nil {
		t.Fatalf("UpdateBlock failed: %v", err)
	}
	if payload["conflictResolved"] != true {
		t.Error("a write racing past the version read must still surface conflictResolved=true")
	}
}

func TestUpdateBlockCrossProject(t *testing.T) {
	f := &fakeStore{}
	ownedProject(f)
	f.getBlockFn = func(_ context.Context, blockID string) (store.Block, error) {
		return store.Block{ID: blockID, ProjectID: "prj_other", Version: 1}, nil
	}
	svc, _ := newTestService(f)

	_, err := svc.UpdateBlock(context.Background(), "prj_1", "usr_editor", "", "", "blk_1", json.RawMessage(`{}`), nil)
	assertCode(t, err, "NOT_FOUND")
}

func TestAddCommentByCommenter(t *testing.T) {
	f := &fakeStore{}
	ownedProject(f)
	svc, relay := newTestService(f)

	payload, err := svc.AddComment(context.Background(), "prj_1", "usr_commenter", nil, nil, nil, "Looks great")
	if err != nil {
		t.Fatalf("AddComment failed: %v", err)
	}
	if payload["content"] != "Looks great" {
		t.Errorf("unexpected content: %v", payload["content"])
	}

	relayed := relay.last(t)
	if relayed.event != "comment:added" || relayed.exclude != "" {
		t.Errorf("comment:added must broadcast to the whole room, got %+v", relayed)
	}
}

func TestAddCommentForbiddenForViewer(t *testing.T) {
	f := &fakeStore{}
	ownedProject(f)
	svc, _ := newTestService(f)

	_, err := svc.AddComment(context.Background(), "prj_1", "usr_viewer", nil, nil, nil, "nope")
	assertCode(t, err, "FORBIDDEN")
}

func TestAddCommentRejectsNestedReply(t *testing.T) {
	f := &fakeStore{}
	ownedProject(f)
	grandparent := "cmt_root"
	f.getCommentFn = func(_ context.Context, commentID string) (store.Comment, error) {
		return store.Comment{ID: commentID, ProjectID: "prj_1", ParentID: &grandparent}, nil
	}
	svc, _ := newTestService(f)

	parent := "cmt_reply"
	_, err := svc.AddComment(context.Background(), "prj_1", "usr_commenter", nil, nil, &parent, "nested")
	assertCode(t, err, "VALIDATION_ERROR")
}

func TestAddCommentParentInOtherProject(t *testing.T) {
	f := &fakeStore{}
	ownedProject(f)
	f.getCommentFn = func(_ context.Context, commentID string) (store.Comment, error) {
		return store.Comment{ID: commentID, ProjectID: "prj_other"}, nil
	}
	svc, _ := newTestService(f)

	parent := "cmt_1"
	_, err := svc.AddComment(context.Background(), "prj_1", "usr_commenter", nil, nil, &parent, "reply")
	assertCode(t, err, "NOT_FOUND")
}

func TestListCommentsThreading(t *testing.T) {
	f := &fakeStore{}
	ownedProject(f)
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	parentA := "cmt_a"
	f.listCommentsFn = func(context.Context, string, *string) ([]store.Comment, error) {
		return []store.Comment{
			{ID: "cmt_a", ProjectID: "prj_1", UserID: "usr_owner", Content: "first", CreatedAt: base},
			{ID: "cmt_a1", ProjectID: "prj_1", ParentID: &parentA, UserID: "usr_editor", Content: "reply 1", CreatedAt: base.Add(time.Minute)},
			{ID: "cmt_b", ProjectID: "prj_1", UserID: "usr_editor", Content: "second", CreatedAt: base.Add(2 * time.Minute)},
			{ID: "cmt_a2", ProjectID: "prj_1", ParentID: &parentA, UserID: "usr_owner", Content: "reply 2", CreatedAt: base.Add(3 * time.Minute)},
		}, nil
	}
	svc, _ := newTestService(f)

	items, err := svc.ListComments(context.Background(), "prj_1", "usr_viewer", nil)
	if err != nil {
		t.Fatalf("ListComments failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 top-level comments, got %d", len(items))
	}
	if items[0]["commentId"] != "cmt_b" {
		t.Errorf("top-level comments must be newest-first, got %v first", items[0]["commentId"])
	}
	replies, ok := items[1]["replies"].([]map[string]any)
	if !ok || len(replies) != 2 {
		t.Fatalf("expected 2 replies on cmt_a, got %v", items[1]["replies"])
	}
	if replies[0]["commentId"] != "cmt_a1" {
		t.Errorf("replies must be oldest-first, got %v first", replies[0]["commentId"])
	}
}

func TestResolveCommentBroadcastsToAll(t *testing.T) {
	f := &fakeStore{}
	ownedProject(f)
	f.getCommentFn = func(_ context.Context, commentID string) (store.Comment, error) {
		return store.Comment{ID: commentID, ProjectID: "prj_1", UserID: "usr_owner"}, nil
	}
	svc, relay := newTestService(f)

	payload, err := svc.ResolveComment(context.Background(), "prj_1", "usr_commenter", "cmt_1", true)
	if err != nil {
		t.Fatalf("ResolveComment failed: %v", err)
	}
	if payload["resolved"] != true {
		t.Error("expected resolved=true")
	}
	relayed := relay.last(t)
	if relayed.event != "comment:resolved" || relayed.exclude != "" {
		t.Errorf("comment:resolved must broadcast to the whole room, got %+v", relayed)
	}
}

func TestUpdateCommentAuthorOnly(t *testing.T) {
	f := &fakeStore{}
	ownedProject(f)
	f.getCommentFn = func(_ context.Context, commentID string) (store.Comment, error) {
		return store.Comment{ID: commentID, ProjectID: "prj_1", UserID: "usr_commenter"}, nil
	}
	svc, _ := newTestService(f)

	if err := svc.UpdateComment(context.Background(), "prj_1", "usr_commenter", "cmt_1", "edited"); err != nil {
		t.Fatalf("author edit failed: %v", err)
	}
	err := svc.UpdateComment(context.Background(), "prj_1", "usr_editor", "cmt_1", "hijacked")
	assertCode(t, err, "FORBIDDEN")
}

func TestDeleteCommentOwnerOverride(t *testing.T) {
	f := &fakeStore{}
	ownedProject(f)
	f.getCommentFn = func(_ context.Context, commentID string) (store.Comment, error) {
		return store.Comment{ID: commentID, ProjectID: "prj_1", UserID: "usr_commenter"}, nil
	}
	svc, _ := newTestService(f)

	// The owner may delete anyone's comment; another collaborator may not.
	if err := svc.DeleteComment(context.Background(), "prj_1", "usr_owner", "cmt_1"); err != nil {
		t.Fatalf("owner delete failed: %v", err)
	}
	err := svc.DeleteComment(context.Background(), "prj_1", "usr_editor", "cmt_1")
	assertCode(t, err, "FORBIDDEN")
}

func TestSaveVersionBroadcasts(t *testing.T) {
	f := &fakeStore{}
	ownedProject(f)
	f.insertVersionFn = func(_ context.Context, projectID, createdBy string, snapshot json.RawMessage, message string) (store.Version, error) {
		return store.Version{ID: "ver_1", ProjectID: projectID, Version: 7, Snapshot: snapshot, Message: message, CreatedBy: createdBy}, nil
	}
	svc, relay := newTestService(f)

	payload, err := svc.SaveVersion(context.Background(), "prj_1", "usr_editor", json.RawMessage(`{"slides":[]}`), "before rework")
	if err != nil {
		t.Fatalf("SaveVersion failed: %v", err)
	}
	if payload["version"] != 7 {
		t.Errorf("expected version 7, got %v", payload["version"])
	}
	relayed := relay.last(t)
	if relayed.event != "version:saved" || relayed.exclude != "" {
		t.Errorf("version:saved must broadcast to the whole room, got %+v", relayed)
	}
}

func TestSaveVersionRequiresSnapshot(t *testing.T) {
	f := &fakeStore{}
	ownedProject(f)
	svc, _ := newTestService(f)

	_, err := svc.SaveVersion(context.Background(), "prj_1", "usr_editor", nil, "")
	assertCode(t, err, "VALIDATION_ERROR")
}

func TestGetVersionNotFound(t *testing.T) {
	f := &fakeStore{}
	ownedProject(f)
	svc, _ := newTestService(f)

	_, err := svc.GetVersion(context.Background(), "prj_1", "usr_viewer", 99)
	assertCode(t, err, "NOT_FOUND")
}

func TestRestoreVersionNotFound(t *testing.T) {
	f := &fakeStore{}
	ownedProject(f)
	svc, _ := newTestService(f)

	_, err := svc.RestoreVersion(context.Background(), "prj_1", "usr_owner", 99)
	assertCode(t, err, "NOT_FOUND")
}

func TestRestoreVersionForbiddenForCommenter(t *testing.T) {
	f := &fakeStore{}
	ownedProject(f)
	svc, _ := newTestService(f)

	_, err := svc.RestoreVersion(context.Background(), "prj_1", "usr_commenter", 1)
	assertCode(t, err, "FORBIDDEN")
}

func TestAddCollaboratorDuplicate(t *testing.T) {
	f := &fakeStore{}
	ownedProject(f)
	f.getUserByEmailFn = func(_ context.Context, email string) (store.User, error) {
		return store.User{ID: "usr_new", Email: email, DisplayName: "New"}, nil
	}
	f.insertCollaboratorFn = func(context.Context, store.Collaborator) (bool, error) {
		return false, nil
	}
	svc, _ := newTestService(f)

	_, err := svc.AddCollaborator(context.Background(), "prj_1", "usr_owner", "new@example.com", "EDITOR")
	assertCode(t, err, "ALREADY_EXISTS")
}

func TestAddCollaboratorOwnerOnly(t *testing.T) {
	f := &fakeStore{}
	ownedProject(f)
	svc, _ := newTestService(f)

	_, err := svc.AddCollaborator(context.Background(), "prj_1", "usr_editor", "new@example.com", "VIEWER")
	assertCode(t, err, "FORBIDDEN")
}

func TestAddCollaboratorRejectsOwnerRole(t *testing.T) {
	f := &fakeStore{}
	ownedProject(f)
	svc, _ := newTestService(f)

	_, err := svc.AddCollaborator(context.Background(), "prj_1", "usr_owner", "new@example.com", "OWNER")
	assertCode(t, err, "VALIDATION_ERROR")
}

func TestAddCollaboratorRejectsProjectOwner(t *testing.T) {
	f := &fakeStore{}
	ownedProject(f)
	f.getUserByEmailFn = func(_ context.Context, email string) (store.User, error) {
		return store.User{ID: "usr_owner", Email: email}, nil
	}
	svc, _ := newTestService(f)

	_, err := svc.AddCollaborator(context.Background(), "prj_1", "usr_owner", "owner@example.com", "EDITOR")
	assertCode(t, err, "VALIDATION_ERROR")
}

func TestJoinRoomRelaysAndListsCollaborators(t *testing.T) {
	f := &fakeStore{}
	ownedProject(f)
	relay := &fakeRelay{}
	pres := &fakePresence{
		listActiveFn: func(_ context.Context, projectID string) ([]store.Session, error) {
			return []store.Session{
				{ID: "ses_1", ProjectID: projectID, UserID: "usr_editor", ConnectionID: "conn_1"},
				{ID: "ses_2", ProjectID: projectID, UserID: "usr_owner", ConnectionID: "conn_2"},
			}, nil
		},
	}
	svc := New(testConfig(), f, pres, relay)

	ack, err := svc.JoinRoom(context.Background(), "prj_1", "usr_editor", "conn_1")
	if err != nil {
		t.Fatalf("JoinRoom failed: %v", err)
	}
	collaborators, ok := ack["collaborators"].([]map[string]any)
	if !ok || len(collaborators) != 2 {
		t.Fatalf("expected 2 active collaborators, got %v", ack["collaborators"])
	}

	relayed := relay.events[0]
	if relayed.event != "user:joined" || relayed.exclude != "conn_1" {
		t.Errorf("user:joined must exclude the joiner, got %+v", relayed)
	}
}

func TestJoinRoomFailureAnnouncesNothing(t *testing.T) {
	f := &fakeStore{}
	ownedProject(f)
	relay := &fakeRelay{}
	removed := false
	pres := &fakePresence{
		listActiveFn: func(context.Context, string) ([]store.Session, error) {
			return nil, errors.New("redis gone")
		},
		removeFn: func(context.Context, string, string, string) (bool, error) {
			removed = true
			return true, nil
		},
	}
	svc := New(testConfig(), f, pres, relay)

	if _, err := svc.JoinRoom(context.Background(), "prj_1", "usr_editor", "conn_1"); err == nil {
		t.Fatal("expected JoinRoom to fail")
	}
	if len(relay.events) != 0 {
		t.Errorf("a failed join must not announce user:joined, got %+v", relay.events)
	}
	if !removed {
		t.Error("a failed join must release its session")
	}
}

func TestJoinRoomForbiddenForStranger(t *testing.T) {
	f := &fakeStore{}
	ownedProject(f)
	svc, _ := newTestService(f)

	_, err := svc.JoinRoom(context.Background(), "prj_1", "usr_stranger", "conn_9")
	assertCode(t, err, "FORBIDDEN")
}

func TestLeaveRoomRelaysOnlyWhenRemoved(t *testing.T) {
	f := &fakeStore{}
	ownedProject(f)
	relay := &fakeRelay{}
	pres := &fakePresence{
		removeFn: func(context.Context, string, string, string) (bool, error) {
			return false, nil
		},
	}
	svc := New(testConfig(), f, pres, relay)

	if err := svc.LeaveRoom(context.Background(), "prj_1", "usr_editor", "conn_gone"); err != nil {
		t.Fatalf("LeaveRoom failed: %v", err)
	}
	if len(relay.events) != 0 {
		t.Errorf("no user:left for a session that was already gone, got %+v", relay.events)
	}
}

func TestMoveCursorSwallowsFailures(t *testing.T) {
	f := &fakeStore{}
	ownedProject(f)
	relay := &fakeRelay{}
	pres := &fakePresence{
		updateCursorFn: func(context.Context, string, string, float64, float64, int) error {
			return errors.New("redis gone")
		},
	}
	svc := New(testConfig(), f, pres, relay)

	svc.MoveCursor(context.Background(), "prj_1", "usr_editor", "conn_1", 10, 20, 0)
	if len(relay.events) != 0 {
		t.Errorf("failed cursor update must not relay, got %+v", relay.events)
	}
}

func TestMoveCursorRelaysWithColor(t *testing.T) {
	f := &fakeStore{}
	ownedProject(f)
	svc, relay := newTestService(f)

	svc.MoveCursor(context.Background(), "prj_1", "usr_editor", "conn_1", 10, 20, 2)
	relayed := relay.last(t)
	if relayed.event != "cursor:update" || relayed.exclude != "conn_1" {
		t.Fatalf("unexpected relay: %+v", relayed)
	}
	data := relayed.data.(map[string]any)
	if data["color"] == "" || data["slideIndex"] != 2 {
		t.Errorf("cursor relay missing identity fields: %v", data)
	}
}

func TestRelaySlideRequiresEditor(t *testing.T) {
	f := &fakeStore{}
	ownedProject(f)
	svc, relay := newTestService(f)

	err := svc.RelaySlide(context.Background(), "prj_1", "usr_commenter", "conn_1", "slide:add", json.RawMessage(`{"id":"sld_9"}`))
	assertCode(t, err, "FORBIDDEN")
	if len(relay.events) != 0 {
		t.Error("forbidden slide event must not relay")
	}

	if err := svc.RelaySlide(context.Background(), "prj_1", "usr_editor", "conn_1", "slide:add", json.RawMessage(`{"id":"sld_9"}`)); err != nil {
		t.Fatalf("RelaySlide failed: %v", err)
	}
	relayed := relay.last(t)
	if relayed.event != "slide:add" || relayed.exclude != "conn_1" {
		t.Errorf("unexpected relay: %+v", relayed)
	}
}

func TestReorderBlocksUnknownBlock(t *testing.T) {
	f := &fakeStore{}
	ownedProject(f)
	f.reorderBlocksFn = func(context.Context, string, string, []string, string) error {
		return sql.ErrNoRows
	}
	svc, _ := newTestService(f)

	err := svc.ReorderBlocks(context.Background(), "prj_1", "usr_editor", "sld_1", []string{"blk_1", "blk_ghost"})
	assertCode(t, err, "VALIDATION_ERROR")
}
