// Package presence tracks who is in a project room and where their cursor
// is. Session rows live in Postgres; high-churn cursor state and liveness
// markers live in Redis with a TTL.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"deckroom/api/internal/store"
	"deckroom/api/internal/util"
)

// SessionStore is the subset of the persistent store the registry needs.
type SessionStore interface {
	CreateSession(ctx context.Context, item store.Session) (store.Session, error)
	DeactivateSession(ctx context.Context, projectID, userID, connectionID string) (bool, error)
	DeactivateSessionByID(ctx context.Context, sessionID string) error
	ListActiveSessions(ctx context.Context, projectID string) ([]store.Session, error)
	ActiveSessionProjects(ctx context.Context) ([]string, error)
}

// cursorState is the Redis-side view of a session's cursor.
type cursorState struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	SlideIndex int     `json:"slideIndex"`
}

type Registry struct {
	store   SessionStore
	redis   *redis.Client
	prefix  string
	liveTTL time.Duration
}

func NewRegistry(sessions SessionStore, client *redis.Client, liveTTL time.Duration) *Registry {
	if liveTTL <= 0 {
		liveTTL = 60 * time.Second
	}
	return &Registry{
		store:   sessions,
		redis:   client,
		prefix:  "presence:",
		liveTTL: liveTTL,
	}
}

func (r *Registry) cursorKey(projectID, connectionID string) string {
	return r.prefix + "cursor:" + projectID + ":" + connectionID
}

func (r *Registry) liveKey(projectID, connectionID string) string {
	return r.prefix + "live:" + projectID + ":" + connectionID
}

// Create registers a new session for the user, assigning a deterministic
// presence color. Any prior active session for the same (project, user)
// pair is deactivated by the store.
func (r *Registry) Create(ctx context.Context, projectID, userID, connectionID string) (store.Session, error) {
	created, err := r.store.CreateSession(ctx, store.Session{
		ProjectID:    projectID,
		UserID:       userID,
		ConnectionID: connectionID,
		Color:        util.ColorFor(userID),
	})
	if err != nil {
		return store.Session{}, fmt.Errorf("create session: %w", err)
	}

	if err := r.redis.Set(ctx, r.liveKey(projectID, connectionID), created.ID, r.liveTTL).Err(); err != nil {
		return store.Session{}, fmt.Errorf("mark session live: %w", err)
	}
	return created, nil
}

// Remove deactivates the session and clears its Redis state. Returns false
// when no active session matched the connection.
func (r *Registry) Remove(ctx context.Context, projectID, userID, connectionID string) (bool, error) {
	removed, err := r.store.DeactivateSession(ctx, projectID, userID, connectionID)
	if err != nil {
		return false, fmt.Errorf("deactivate session: %w", err)
	}

	// Redis cleanup is best effort; the TTL covers a missed delete.
	_ = r.redis.Del(ctx,
		r.cursorKey(projectID, connectionID),
		r.liveKey(projectID, connectionID),
	).Err()

	return removed, nil
}

// UpdateCursor writes the cursor position to Redis only. Cursor moves are
// too frequent to hit Postgres; the durable row keeps its last value until
// the session ends. The write also refreshes the liveness marker.
func (r *Registry) UpdateCursor(ctx context.Context, projectID, connectionID string, x, y float64, slideIndex int) error {
	state, err := json.Marshal(cursorState{X: x, Y: y, SlideIndex: slideIndex})
	if err != nil {
		return fmt.Errorf("marshal cursor: %w", err)
	}

	pipe := r.redis.Pipeline()
	pipe.Set(ctx, r.cursorKey(projectID, connectionID), state, r.liveTTL)
	pipe.Expire(ctx, r.liveKey(projectID, connectionID), r.liveTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store cursor: %w", err)
	}
	return nil
}

// Heartbeat refreshes the liveness marker without touching the cursor.
func (r *Registry) Heartbeat(ctx context.Context, projectID, connectionID string) error {
	ok, err := r.redis.Expire(ctx, r.liveKey(projectID, connectionID), r.liveTTL).Result()
	if err != nil {
		return fmt.Errorf("refresh liveness: %w", err)
	}
	if !ok {
		// Key already expired; recreate it so the reaper does not evict a
		// connection that is demonstrably alive.
		if err := r.redis.Set(ctx, r.liveKey(projectID, connectionID), "1", r.liveTTL).Err(); err != nil {
			return fmt.Errorf("restore liveness: %w", err)
		}
	}
	return nil
}

// ListActive returns the project's active sessions with the freshest cursor
// positions overlaid from Redis. A Redis miss falls back to the row's last
// persisted cursor.
func (r *Registry) ListActive(ctx context.Context, projectID string) ([]store.Session, error) {
	sessions, err := r.store.ListActiveSessions(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	for i := range sessions {
		raw, err := r.redis.Get(ctx, r.cursorKey(projectID, sessions[i].ConnectionID)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read cursor: %w", err)
		}
		var state cursorState
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			continue
		}
		sessions[i].CursorX = state.X
		sessions[i].CursorY = state.Y
		sessions[i].SlideIndex = state.SlideIndex
	}
	return sessions, nil
}

// ExpireStale deactivates sessions whose liveness marker has lapsed. Run it
// periodically; it catches connections that died without a clean close.
func (r *Registry) ExpireStale(ctx context.Context, projectID string) (int, error) {
	sessions, err := r.store.ListActiveSessions(ctx, projectID)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}

	expired := 0
	for _, ses := range sessions {
		exists, err := r.redis.Exists(ctx, r.liveKey(projectID, ses.ConnectionID)).Result()
		if err != nil {
			return expired, fmt.Errorf("check liveness: %w", err)
		}
		if exists > 0 {
			continue
		}
		if err := r.store.DeactivateSessionByID(ctx, ses.ID); err != nil {
			return expired, fmt.Errorf("expire session %s: %w", ses.ID, err)
		}
		_ = r.redis.Del(ctx, r.cursorKey(projectID, ses.ConnectionID)).Err()
		expired++
	}
	return expired, nil
}

// ExpireAllStale runs ExpireStale over every project with active sessions.
func (r *Registry) ExpireAllStale(ctx context.Context) (int, error) {
	projects, err := r.store.ActiveSessionProjects(ctx)
	if err != nil {
		return 0, fmt.Errorf("list session projects: %w", err)
	}
	total := 0
	for _, projectID := range projects {
		expired, err := r.ExpireStale(ctx, projectID)
		total += expired
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
