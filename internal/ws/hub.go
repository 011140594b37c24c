package ws

import (
	"encoding/json"
	"log"
	"sync"
)

// Hub maps project rooms to their local connections and fans events out to
// them. Cross-instance delivery goes through the Bus: every outbound room
// event is also published, and events published by other instances are
// replayed into local rooms by the bus subscriber.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}
	bus   *Bus
}

func NewHub(bus *Bus) *Hub {
	return &Hub{
		rooms: make(map[string]map[*Client]struct{}),
		bus:   bus,
	}
}

func (h *Hub) join(projectID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[projectID]
	if !ok {
		room = make(map[*Client]struct{})
		h.rooms[projectID] = room
	}
	room[c] = struct{}{}
}

func (h *Hub) leave(projectID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[projectID]
	if !ok {
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, projectID)
	}
}

// RoomSize reports the number of local connections in a room.
func (h *Hub) RoomSize(projectID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[projectID])
}

// ToRoom sends the event to every member of the room, on this instance and
// on peers.
func (h *Hub) ToRoom(projectID, event string, data any) {
	frame, err := encodeFrame(event, data)
	if err != nil {
		log.Printf("ws: encode %s: %v", event, err)
		return
	}
	h.deliverLocal(projectID, "", frame)
	if h.bus != nil {
		h.bus.Publish(projectID, "", frame)
	}
}

// ToOthers sends the event to every member of the room except the named
// connection.
func (h *Hub) ToOthers(projectID, excludeConn, event string, data any) {
	frame, err := encodeFrame(event, data)
	if err != nil {
		log.Printf("ws: encode %s: %v", event, err)
		return
	}
	h.deliverLocal(projectID, excludeConn, frame)
	if h.bus != nil {
		h.bus.Publish(projectID, excludeConn, frame)
	}
}

// deliverLocal fans a pre-encoded frame out to local room members. The
// member set is snapshotted under the read lock so a slow-client drop during
// delivery cannot deadlock against join/leave.
func (h *Hub) deliverLocal(projectID, excludeConn string, frame []byte) {
	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[projectID]))
	for c := range h.rooms[projectID] {
		if excludeConn != "" && c.ConnectionID == excludeConn {
			continue
		}
		members = append(members, c)
	}
	h.mu.RUnlock()

	for _, c := range members {
		c.enqueue(frame)
	}
}

func encodeFrame(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}
