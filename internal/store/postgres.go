package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"deckroom/api/internal/util"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) EnsureUserByEmail(ctx context.Context, email, displayName string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, COALESCE(avatar_url, ''), created_at
		FROM users WHERE email=$1
	`, email).Scan(&user.ID, &user.Email, &user.DisplayName, &user.AvatarURL, &user.CreatedAt)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, email, display_name)
		VALUES ($1, $2, $3)
		RETURNING id, email, display_name, COALESCE(avatar_url, ''), created_at
	`, util.NewID("usr"), email, displayName).Scan(&user.ID, &user.Email, &user.DisplayName, &user.AvatarURL, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, COALESCE(avatar_url, ''), created_at
		FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.Email, &user.DisplayName, &user.AvatarURL, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, COALESCE(avatar_url, ''), created_at
		FROM users WHERE email=$1
	`, email).Scan(&user.ID, &user.Email, &user.DisplayName, &user.AvatarURL, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var item Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, title, COALESCE(data, '{}'::jsonb), COALESCE(updated_by, ''), updated_at
		FROM projects WHERE id=$1
	`, projectID).Scan(&item.ID, &item.OwnerID, &item.Title, &item.Data, &item.UpdatedBy, &item.UpdatedAt)
	if err != nil {
		return Project{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertProject(ctx context.Context, item Project) error {
	data := item.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, owner_id, title, data, updated_by)
		VALUES ($1, $2, $3, $4::jsonb, $5)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.OwnerID, item.Title, string(data), item.UpdatedBy)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCollaborator(ctx context.Context, projectID, userID string) (Collaborator, error) {
	var item Collaborator
	err := s.db.QueryRowContext(ctx, `
		SELECT project_id, user_id, role, COALESCE(invited_by, ''), created_at
		FROM collaborators
		WHERE project_id=$1 AND user_id=$2
	`, projectID, userID).Scan(&item.ProjectID, &item.UserID, &item.Role, &item.InvitedBy, &item.CreatedAt)
	if err != nil {
		return Collaborator{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListCollaborators(ctx context.Context, projectID string) ([]Collaborator, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.project_id, c.user_id, c.role, COALESCE(c.invited_by, ''), c.created_at,
		       u.email, u.display_name, COALESCE(u.avatar_url, '')
		FROM collaborators c
		JOIN users u ON u.id = c.user_id
		WHERE c.project_id=$1
		ORDER BY c.created_at ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list collaborators: %w", err)
	}
	defer rows.Close()

	items := make([]Collaborator, 0)
	for rows.Next() {
		var item Collaborator
		if err := rows.Scan(
			&item.ProjectID,
			&item.UserID,
			&item.Role,
			&item.InvitedBy,
			&item.CreatedAt,
			&item.Email,
			&item.DisplayName,
			&item.AvatarURL,
		); err != nil {
			return nil, fmt.Errorf("scan collaborator: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collaborators: %w", err)
	}
	return items, nil
}

// InsertCollaborator returns false when a row already exists for the
// (project, user) pair.
func (s *PostgresStore) InsertCollaborator(ctx context.Context, item Collaborator) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO collaborators (project_id, user_id, role, invited_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (project_id, user_id) DO NOTHING
	`, item.ProjectID, item.UserID, item.Role, item.InvitedBy)
	if err != nil {
		return false, fmt.Errorf("insert collaborator: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert collaborator rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) UpdateCollaboratorRole(ctx context.Context, projectID, userID, role string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE collaborators SET role=$3 WHERE project_id=$1 AND user_id=$2
	`, projectID, userID, role)
	if err != nil {
		return false, fmt.Errorf("update collaborator role: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update collaborator rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) DeleteCollaborator(ctx context.Context, projectID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM collaborators WHERE project_id=$1 AND user_id=$2
	`, projectID, userID)
	if err != nil {
		return false, fmt.Errorf("delete collaborator: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete collaborator rows: %w", err)
	}
	return affected > 0, nil
}

// CreateSession deactivates any prior active sessions for the (project,
// user) pair, then inserts the new one. One transaction, so concurrent
// joins from the same user converge on a single authoritative session.
func (s *PostgresStore) CreateSession(ctx context.Context, item Session) (Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Session{}, fmt.Errorf("begin create session: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET is_active=FALSE, updated_at=NOW()
		WHERE project_id=$1 AND user_id=$2 AND is_active
	`, item.ProjectID, item.UserID); err != nil {
		return Session{}, fmt.Errorf("deactivate prior sessions: %w", err)
	}

	var created Session
	err = tx.QueryRowContext(ctx, `
		INSERT INTO sessions (id, project_id, user_id, connection_id, color, cursor_x, cursor_y, slide_index, is_active)
		VALUES ($1, $2, $3, $4, $5, 0, 0, 0, TRUE)
		RETURNING id, project_id, user_id, connection_id, color, cursor_x, cursor_y, slide_index, is_active, created_at, updated_at
	`, util.NewID("ses"), item.ProjectID, item.UserID, item.ConnectionID, item.Color).Scan(
		&created.ID,
		&created.ProjectID,
		&created.UserID,
		&created.ConnectionID,
		&created.Color,
		&created.CursorX,
		&created.CursorY,
		&created.SlideIndex,
		&created.IsActive,
		&created.CreatedAt,
		&created.UpdatedAt,
	)
	if err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Session{}, fmt.Errorf("commit create session: %w", err)
	}
	return created, nil
}

// DeactivateSession is scoped by connection id so closing one tab does not
// evict another. Returns false when no active row matched.
func (s *PostgresStore) DeactivateSession(ctx context.Context, projectID, userID, connectionID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET is_active=FALSE, updated_at=NOW()
		WHERE project_id=$1 AND user_id=$2 AND connection_id=$3 AND is_active
	`, projectID, userID, connectionID)
	if err != nil {
		return false, fmt.Errorf("deactivate session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deactivate session rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) DeactivateSessionByID(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET is_active=FALSE, updated_at=NOW() WHERE id=$1 AND is_active
	`, sessionID)
	if err != nil {
		return fmt.Errorf("deactivate session by id: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListActiveSessions(ctx context.Context, projectID string) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT se.id, se.project_id, se.user_id, se.connection_id, se.color,
		       se.cursor_x, se.cursor_y, se.slide_index, se.is_active, se.created_at, se.updated_at,
		       u.display_name, COALESCE(u.avatar_url, '')
		FROM sessions se
		JOIN users u ON u.id = se.user_id
		WHERE se.project_id=$1 AND se.is_active
		ORDER BY se.created_at ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()

	items := make([]Session, 0)
	for rows.Next() {
		var item Session
		if err := rows.Scan(
			&item.ID,
			&item.ProjectID,
			&item.UserID,
			&item.ConnectionID,
			&item.Color,
			&item.CursorX,
			&item.CursorY,
			&item.SlideIndex,
			&item.IsActive,
			&item.CreatedAt,
			&item.UpdatedAt,
			&item.DisplayName,
			&item.AvatarURL,
		); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return items, nil
}

// ActiveSessionProjects returns the ids of projects that currently have at
// least one active session. Used by the presence reaper.
func (s *PostgresStore) ActiveSessionProjects(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT project_id FROM sessions WHERE is_active
	`)
	if err != nil {
		return nil, fmt.Errorf("active session projects: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan project id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate project ids: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) GetBlock(ctx context.Context, blockID string) (Block, error) {
	var item Block
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, slide_id, type, content, COALESCE(style, '{}'::jsonb), sort_order, version, updated_at
		FROM blocks WHERE id=$1
	`, blockID).Scan(&item.ID, &item.ProjectID, &item.SlideID, &item.Type, &item.Content, &item.Style, &item.SortOrder, &item.Version, &item.UpdatedAt)
	if err != nil {
		return Block{}, err
	}
	return item, nil
}

// UpdateBlockContent writes the content and bumps the version counter in a
// single statement, then touches the owning project. The version increment
// is atomic at the row level, so concurrent writers each observe a distinct
// strictly increasing version.
func (s *PostgresStore) UpdateBlockContent(ctx context.Context, blockID string, content json.RawMessage, updatedBy string) (Block, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Block{}, fmt.Errorf("begin block update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var item Block
	err = tx.QueryRowContext(ctx, `
		UPDATE blocks SET content=$2::jsonb, version=version+1, updated_at=NOW()
		WHERE id=$1
		RETURNING id, project_id, slide_id, type, content, COALESCE(style, '{}'::jsonb), sort_order, version, updated_at
	`, blockID, string(content)).Scan(&item.ID, &item.ProjectID, &item.SlideID, &item.Type, &item.Content, &item.Style, &item.SortOrder, &item.Version, &item.UpdatedAt)
	if err != nil {
		return Block{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE projects SET updated_by=$2, updated_at=NOW() WHERE id=$1
	`, item.ProjectID, updatedBy); err != nil {
		return Block{}, fmt.Errorf("touch project: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Block{}, fmt.Errorf("commit block update: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) InsertBlock(ctx context.Context, item Block, updatedBy string) (Block, error) {
	content := item.Content
	if len(content) == 0 {
		content = json.RawMessage(`{}`)
	}
	style := item.Style
	if len(style) == 0 {
		style = json.RawMessage(`{}`)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Block{}, fmt.Errorf("begin block insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var created Block
	err = tx.QueryRowContext(ctx, `
		INSERT INTO blocks (id, project_id, slide_id, type, content, style, sort_order, version)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7, 1)
		RETURNING id, project_id, slide_id, type, content, COALESCE(style, '{}'::jsonb), sort_order, version, updated_at
	`, util.NewID("blk"), item.ProjectID, item.SlideID, item.Type, string(content), string(style), item.SortOrder).Scan(
		&created.ID, &created.ProjectID, &created.SlideID, &created.Type, &created.Content, &created.Style, &created.SortOrder, &created.Version, &created.UpdatedAt)
	if err != nil {
		return Block{}, fmt.Errorf("insert block: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE projects SET updated_by=$2, updated_at=NOW() WHERE id=$1
	`, item.ProjectID, updatedBy); err != nil {
		return Block{}, fmt.Errorf("touch project: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Block{}, fmt.Errorf("commit block insert: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) DeleteBlock(ctx context.Context, blockID, updatedBy string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin block delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var projectID string
	err = tx.QueryRowContext(ctx, `
		DELETE FROM blocks WHERE id=$1 RETURNING project_id
	`, blockID).Scan(&projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete block: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE projects SET updated_by=$2, updated_at=NOW() WHERE id=$1
	`, projectID, updatedBy); err != nil {
		return false, fmt.Errorf("touch project: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit block delete: %w", err)
	}
	return true, nil
}

// ReorderBlocks applies a whole-slide ordering as one all-or-nothing
// transaction. Reordering is not versioned: it is a single actor's intent,
// not a concurrent field edit.
func (s *PostgresStore) ReorderBlocks(ctx context.Context, projectID, slideID string, orderedIDs []string, updatedBy string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reorder: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for position, blockID := range orderedIDs {
		result, err := tx.ExecContext(ctx, `
			UPDATE blocks SET sort_order=$3, updated_at=NOW()
			WHERE id=$1 AND project_id=$2 AND slide_id=$4
		`, blockID, projectID, position, slideID)
		if err != nil {
			return fmt.Errorf("reorder block %s: %w", blockID, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("reorder block rows: %w", err)
		}
		if affected == 0 {
			return sql.ErrNoRows
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE projects SET updated_by=$2, updated_at=NOW() WHERE id=$1
	`, projectID, updatedBy); err != nil {
		return fmt.Errorf("touch project: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reorder: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, item Comment) (Comment, error) {
	var created Comment
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO comments (id, project_id, slide_id, block_id, parent_id, user_id, content)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, project_id, slide_id, block_id, parent_id, user_id, content, resolved, pinned, created_at
	`, util.NewID("cmt"), item.ProjectID, item.SlideID, item.BlockID, item.ParentID, item.UserID, item.Content).Scan(
		&created.ID,
		&created.ProjectID,
		&created.SlideID,
		&created.BlockID,
		&created.ParentID,
		&created.UserID,
		&created.Content,
		&created.Resolved,
		&created.Pinned,
		&created.CreatedAt,
	)
	if err != nil {
		return Comment{}, fmt.Errorf("insert comment: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetComment(ctx context.Context, commentID string) (Comment, error) {
	var item Comment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, slide_id, block_id, parent_id, user_id, content, resolved, pinned, created_at
		FROM comments WHERE id=$1
	`, commentID).Scan(
		&item.ID,
		&item.ProjectID,
		&item.SlideID,
		&item.BlockID,
		&item.ParentID,
		&item.UserID,
		&item.Content,
		&item.Resolved,
		&item.Pinned,
		&item.CreatedAt,
	)
	if err != nil {
		return Comment{}, err
	}
	return item, nil
}

// ListComments returns both top-level comments and replies for the project,
// optionally filtered to one slide. Threading is assembled by the caller.
func (s *PostgresStore) ListComments(ctx context.Context, projectID string, slideID *string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.project_id, c.slide_id, c.block_id, c.parent_id, c.user_id, c.content, c.resolved, c.pinned, c.created_at,
		       u.display_name, COALESCE(u.avatar_url, '')
		FROM comments c
		JOIN users u ON u.id = c.user_id
		WHERE c.project_id=$1
		  AND ($2::text IS NULL OR c.slide_id=$2 OR c.parent_id IS NOT NULL)
		ORDER BY c.created_at ASC
	`, projectID, slideID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var item Comment
		if err := rows.Scan(
			&item.ID,
			&item.ProjectID,
			&item.SlideID,
			&item.BlockID,
			&item.ParentID,
			&item.UserID,
			&item.Content,
			&item.Resolved,
			&item.Pinned,
			&item.CreatedAt,
			&item.AuthorName,
			&item.AuthorAvatar,
		); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) SetCommentResolved(ctx context.Context, commentID string, resolved bool) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE comments SET resolved=$2 WHERE id=$1
	`, commentID, resolved)
	if err != nil {
		return false, fmt.Errorf("set comment resolved: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set comment resolved rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) SetCommentPinned(ctx context.Context, commentID string, pinned bool) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE comments SET pinned=$2 WHERE id=$1
	`, commentID, pinned)
	if err != nil {
		return false, fmt.Errorf("set comment pinned: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set comment pinned rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) UpdateCommentContent(ctx context.Context, commentID, content string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE comments SET content=$2 WHERE id=$1
	`, commentID, content)
	if err != nil {
		return false, fmt.Errorf("update comment content: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update comment rows: %w", err)
	}
	return affected > 0, nil
}

// DeleteCommentCascade removes the comment's replies, then the comment,
// in one transaction so a partial deletion is never observable.
func (s *PostgresStore) DeleteCommentCascade(ctx context.Context, commentID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin comment delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	replies, err := tx.ExecContext(ctx, `DELETE FROM comments WHERE parent_id=$1`, commentID)
	if err != nil {
		return 0, fmt.Errorf("delete replies: %w", err)
	}
	replyCount, err := replies.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete replies rows: %w", err)
	}

	top, err := tx.ExecContext(ctx, `DELETE FROM comments WHERE id=$1`, commentID)
	if err != nil {
		return 0, fmt.Errorf("delete comment: %w", err)
	}
	topCount, err := top.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete comment rows: %w", err)
	}
	if topCount == 0 {
		return 0, sql.ErrNoRows
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit comment delete: %w", err)
	}
	return replyCount + topCount, nil
}

const versionInsertAttempts = 3

// InsertVersion assigns lastVersion+1. The read-then-write pair can race
// with a concurrent snapshot of the same project, so the table carries a
// UNIQUE (project_id, version) constraint and the insert retries on a
// unique violation with a freshly read counter.
func (s *PostgresStore) InsertVersion(ctx context.Context, projectID, createdBy string, snapshot json.RawMessage, message string) (Version, error) {
	if len(snapshot) == 0 {
		snapshot = json.RawMessage(`{}`)
	}

	var lastErr error
	for attempt := 0; attempt < versionInsertAttempts; attempt++ {
		var created Version
		err := s.db.QueryRowContext(ctx, `
			INSERT INTO versions (id, project_id, version, snapshot, message, created_by)
			SELECT $1, $2, COALESCE(MAX(version), 0) + 1, $3::jsonb, $4, $5
			FROM versions WHERE project_id=$2
			RETURNING id, project_id, version, snapshot, COALESCE(message, ''), created_by, created_at
		`, util.NewID("ver"), projectID, string(snapshot), message, createdBy).Scan(
			&created.ID,
			&created.ProjectID,
			&created.Version,
			&created.Snapshot,
			&created.Message,
			&created.CreatedBy,
			&created.CreatedAt,
		)
		if err == nil {
			return created, nil
		}
		if !isUniqueViolation(err) {
			return Version{}, fmt.Errorf("insert version: %w", err)
		}
		lastErr = err
	}
	return Version{}, fmt.Errorf("insert version: exhausted retries: %w", lastErr)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PostgresStore) ListVersions(ctx context.Context, projectID string, limit int) ([]Version, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.id, v.project_id, v.version, v.snapshot, COALESCE(v.message, ''), v.created_by, v.created_at,
		       u.display_name, COALESCE(u.avatar_url, '')
		FROM versions v
		JOIN users u ON u.id = v.created_by
		WHERE v.project_id=$1
		ORDER BY v.version DESC
		LIMIT $2
	`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	items := make([]Version, 0)
	for rows.Next() {
		var item Version
		if err := rows.Scan(
			&item.ID,
			&item.ProjectID,
			&item.Version,
			&item.Snapshot,
			&item.Message,
			&item.CreatedBy,
			&item.CreatedAt,
			&item.CreatorName,
			&item.CreatorAvatar,
		); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetVersion(ctx context.Context, projectID string, number int) (Version, error) {
	var item Version
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, version, snapshot, COALESCE(message, ''), created_by, created_at
		FROM versions
		WHERE project_id=$1 AND version=$2
	`, projectID, number).Scan(
		&item.ID,
		&item.ProjectID,
		&item.Version,
		&item.Snapshot,
		&item.Message,
		&item.CreatedBy,
		&item.CreatedAt,
	)
	if err != nil {
		return Version{}, err
	}
	return item, nil
}

// RestoreVersion overwrites the live project state from the snapshot. It
// intentionally appends nothing to the ledger: the ledger records saved
// snapshots, not rollbacks.
func (s *PostgresStore) RestoreVersion(ctx context.Context, projectID string, number int, restoredBy string) (Version, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Version{}, fmt.Errorf("begin restore: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var target Version
	err = tx.QueryRowContext(ctx, `
		SELECT id, project_id, version, snapshot, COALESCE(message, ''), created_by, created_at
		FROM versions
		WHERE project_id=$1 AND version=$2
	`, projectID, number).Scan(
		&target.ID,
		&target.ProjectID,
		&target.Version,
		&target.Snapshot,
		&target.Message,
		&target.CreatedBy,
		&target.CreatedAt,
	)
	if err != nil {
		return Version{}, err
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE projects
		SET data=$2::jsonb,
		    title=COALESCE(NULLIF($2::jsonb->>'title', ''), title),
		    updated_by=$3,
		    updated_at=NOW()
		WHERE id=$1
	`, projectID, string(target.Snapshot), restoredBy)
	if err != nil {
		return Version{}, fmt.Errorf("restore project state: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Version{}, fmt.Errorf("restore project rows: %w", err)
	}
	if affected == 0 {
		return Version{}, sql.ErrNoRows
	}

	if err := tx.Commit(); err != nil {
		return Version{}, fmt.Errorf("commit restore: %w", err)
	}
	return target, nil
}
