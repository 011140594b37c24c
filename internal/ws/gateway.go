package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Backend is the application surface the gateway dispatches into. It is
// satisfied by *app.Service. Methods returning map[string]any produce the
// ack payload for request/response events; relays to other members happen
// inside the backend.
type Backend interface {
	Identify(ctx context.Context, token string) (userID, displayName, avatarURL string, err error)
	JoinRoom(ctx context.Context, projectID, userID, connectionID string) (map[string]any, error)
	LeaveRoom(ctx context.Context, projectID, userID, connectionID string) error
	MoveCursor(ctx context.Context, projectID, userID, connectionID string, x, y float64, slideIndex int)
	Heartbeat(ctx context.Context, projectID, connectionID string)
	RelaySlide(ctx context.Context, projectID, userID, connectionID, event string, data json.RawMessage) error
	UpdateBlock(ctx context.Context, projectID, userID, connectionID, slideID, blockID string, content json.RawMessage, expectedVersion *int) (map[string]any, error)
	AddComment(ctx context.Context, projectID, userID string, slideID, blockID, parentID *string, content string) (map[string]any, error)
	ResolveComment(ctx context.Context, projectID, userID, commentID string, resolved bool) (map[string]any, error)
	SaveVersion(ctx context.Context, projectID, userID string, snapshot json.RawMessage, message string) (map[string]any, error)
}

// ErrorShape lets the backend control the error payload sent on acks.
// *app.DomainError implements it; anything else becomes SERVER_ERROR.
type ErrorShape interface {
	ErrorCode() string
	ErrorMessage() string
}

const dispatchTimeout = 10 * time.Second

// Gateway upgrades HTTP requests to WebSocket connections and dispatches
// envelopes into the backend.
type Gateway struct {
	backend  Backend
	hub      *Hub
	upgrader websocket.Upgrader
}

func NewGateway(backend Backend, hub *Hub, originCheck func(*http.Request) bool) *Gateway {
	return &Gateway{
		backend: backend,
		hub:     hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originCheck,
		},
	}
}

// ServeHTTP authenticates the handshake, upgrades, and runs the connection
// until it closes. The token rides the Authorization header or, because
// browser WebSocket clients cannot set headers, a `token` query parameter.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerFromRequest(r)
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	userID, displayName, avatarURL, err := g.backend.Identify(r.Context(), token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	client := &Client{
		conn:         conn,
		send:         make(chan []byte, sendBufferSize),
		ConnectionID: uuid.NewString(),
		UserID:       userID,
		DisplayName:  displayName,
		AvatarURL:    avatarURL,
	}
	client.onPong = func(c *Client) {
		room := c.Room()
		if room == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		g.backend.Heartbeat(ctx, room, c.ConnectionID)
	}

	go client.writePump()
	client.readPump(g.dispatch)

	// readPump returned: the socket is gone. Run the same cleanup as an
	// explicit leave using the last-known room.
	g.disconnect(client)
}

func bearerFromRequest(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (g *Gateway) disconnect(c *Client) {
	room := c.Room()
	c.close()
	if room == "" {
		return
	}
	c.setRoom("")
	g.hub.leave(room, c)

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	if err := g.backend.LeaveRoom(ctx, room, c.UserID, c.ConnectionID); err != nil {
		log.Printf("ws: disconnect cleanup conn=%s: %v", c.ConnectionID, err)
	}
}

// dispatch routes one inbound envelope. Presence-class events fail silently;
// request/response events report failures through the ack.
func (g *Gateway) dispatch(c *Client, env Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	switch env.Event {
	case EventProjectJoin:
		g.handleJoin(ctx, c, env)
	case EventProjectLeave:
		g.handleLeave(ctx, c)
	case EventCursorMove:
		g.handleCursor(ctx, c, env)
	case EventBlockUpdate:
		g.handleBlockUpdate(ctx, c, env)
	case EventSlideUpdate, EventSlideAdd, EventSlideDelete, EventSlideReorder:
		g.handleSlide(ctx, c, env)
	case EventCommentAdd:
		g.handleCommentAdd(ctx, c, env)
	case EventCommentResolve:
		g.handleCommentResolve(ctx, c, env)
	case EventVersionSave:
		g.handleVersionSave(ctx, c, env)
	default:
		// Unknown events are dropped.
	}
}

func (g *Gateway) handleJoin(ctx context.Context, c *Client, env Envelope) {
	var payload JoinPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil || payload.ProjectID == "" {
		g.sendError(c, env.AckID, "VALIDATION_ERROR", "invalid join payload")
		return
	}

	// Joining a second room implicitly leaves the first.
	if prior := c.Room(); prior != "" && prior != payload.ProjectID {
		g.handleLeave(ctx, c)
	}

	ack, err := g.backend.JoinRoom(ctx, payload.ProjectID, c.UserID, c.ConnectionID)
	if err != nil {
		g.sendError(c, env.AckID, errCode(err), errMessage(err))
		return
	}

	c.setRoom(payload.ProjectID)
	g.hub.join(payload.ProjectID, c)
	g.sendAck(c, EventCollaboratorsList, env.AckID, ack)
}

func (g *Gateway) handleLeave(ctx context.Context, c *Client) {
	room := c.Room()
	if room == "" {
		return
	}
	c.setRoom("")
	g.hub.leave(room, c)
	if err := g.backend.LeaveRoom(ctx, room, c.UserID, c.ConnectionID); err != nil {
		log.Printf("ws: leave conn=%s: %v", c.ConnectionID, err)
	}
}

func (g *Gateway) handleCursor(ctx context.Context, c *Client, env Envelope) {
	var payload CursorPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return
	}
	if !c.inRoom(payload.ProjectID) {
		return
	}
	g.backend.MoveCursor(ctx, payload.ProjectID, c.UserID, c.ConnectionID, payload.X, payload.Y, payload.SlideIndex)
}

func (g *Gateway) handleBlockUpdate(ctx context.Context, c *Client, env Envelope) {
	var payload BlockUpdatePayload
	if err := json.Unmarshal(env.Data, &payload); err != nil || payload.BlockID == "" {
		g.sendError(c, env.AckID, "VALIDATION_ERROR", "invalid block payload")
		return
	}
	if !c.inRoom(payload.ProjectID) {
		return
	}

	ack, err := g.backend.UpdateBlock(ctx, payload.ProjectID, c.UserID, c.ConnectionID, payload.SlideID, payload.BlockID, payload.Content, payload.ExpectedVersion)
	if err != nil {
		g.sendError(c, env.AckID, errCode(err), errMessage(err))
		return
	}
	g.sendAck(c, EventBlockUpdated, env.AckID, ack)
}

func (g *Gateway) handleSlide(ctx context.Context, c *Client, env Envelope) {
	var payload SlidePayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return
	}
	if !c.inRoom(payload.ProjectID) {
		return
	}
	if err := g.backend.RelaySlide(ctx, payload.ProjectID, c.UserID, c.ConnectionID, env.Event, payload.Data); err != nil {
		log.Printf("ws: relay %s conn=%s: %v", env.Event, c.ConnectionID, err)
	}
}

func (g *Gateway) handleCommentAdd(ctx context.Context, c *Client, env Envelope) {
	var payload CommentAddPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil || payload.Content == "" {
		g.sendError(c, env.AckID, "VALIDATION_ERROR", "invalid comment payload")
		return
	}
	if !c.inRoom(payload.ProjectID) {
		return
	}

	ack, err := g.backend.AddComment(ctx, payload.ProjectID, c.UserID, payload.SlideID, payload.BlockID, payload.ParentID, payload.Content)
	if err != nil {
		g.sendError(c, env.AckID, errCode(err), errMessage(err))
		return
	}
	g.sendAck(c, EventCommentAdded, env.AckID, ack)
}

func (g *Gateway) handleCommentResolve(ctx context.Context, c *Client, env Envelope) {
	var payload CommentResolvePayload
	if err := json.Unmarshal(env.Data, &payload); err != nil || payload.CommentID == "" {
		g.sendError(c, env.AckID, "VALIDATION_ERROR", "invalid resolve payload")
		return
	}
	if !c.inRoom(payload.ProjectID) {
		return
	}

	ack, err := g.backend.ResolveComment(ctx, payload.ProjectID, c.UserID, payload.CommentID, payload.Resolved)
	if err != nil {
		g.sendError(c, env.AckID, errCode(err), errMessage(err))
		return
	}
	g.sendAck(c, EventCommentResolved, env.AckID, ack)
}

func (g *Gateway) handleVersionSave(ctx context.Context, c *Client, env Envelope) {
	var payload VersionSavePayload
	if err := json.Unmarshal(env.Data, &payload); err != nil || len(payload.Snapshot) == 0 {
		g.sendError(c, env.AckID, "VALIDATION_ERROR", "invalid version payload")
		return
	}
	if !c.inRoom(payload.ProjectID) {
		return
	}

	ack, err := g.backend.SaveVersion(ctx, payload.ProjectID, c.UserID, payload.Snapshot, payload.Message)
	if err != nil {
		g.sendError(c, env.AckID, errCode(err), errMessage(err))
		return
	}
	g.sendAck(c, EventVersionSaved, env.AckID, ack)
}

// inRoom rejects events that name a project other than the one this
// connection joined. Cross-room events are dropped without a reply.
func (c *Client) inRoom(projectID string) bool {
	return projectID != "" && c.Room() == projectID
}

func (g *Gateway) sendAck(c *Client, event, ackID string, data map[string]any) {
	raw, err := json.Marshal(data)
	if err != nil {
		log.Printf("ws: marshal ack: %v", err)
		return
	}
	frame, err := json.Marshal(Envelope{Event: event, AckID: ackID, Data: raw})
	if err != nil {
		return
	}
	c.enqueue(frame)
}

func (g *Gateway) sendError(c *Client, ackID, code, message string) {
	raw, _ := json.Marshal(map[string]any{"code": code, "message": message})
	frame, err := json.Marshal(Envelope{Event: EventError, AckID: ackID, Data: raw})
	if err != nil {
		return
	}
	c.enqueue(frame)
}

func errCode(err error) string {
	var shaped ErrorShape
	if errors.As(err, &shaped) {
		return shaped.ErrorCode()
	}
	return "SERVER_ERROR"
}

func errMessage(err error) string {
	var shaped ErrorShape
	if errors.As(err, &shaped) {
		return shaped.ErrorMessage()
	}
	return "internal error"
}
