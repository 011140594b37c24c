package ws

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"
)

const busChannel = "deckroom:events"

// busMessage is one room event crossing instances. Origin identifies the
// publishing instance so it can skip its own messages on replay.
type busMessage struct {
	Origin      string          `json:"origin"`
	ProjectID   string          `json:"projectId"`
	ExcludeConn string          `json:"excludeConn,omitempty"`
	Frame       json.RawMessage `json:"frame"`
}

// Bus is the cross-instance broadcast channel. Each API instance publishes
// its outbound room events and replays events from other instances into its
// local hub.
type Bus struct {
	client     *redis.Client
	instanceID string
}

func NewBus(client *redis.Client, instanceID string) *Bus {
	return &Bus{client: client, instanceID: instanceID}
}

// Publish is fire-and-forget: a Redis outage degrades to single-instance
// delivery, it does not fail the user's operation.
func (b *Bus) Publish(projectID, excludeConn string, frame []byte) {
	msg, err := json.Marshal(busMessage{
		Origin:      b.instanceID,
		ProjectID:   projectID,
		ExcludeConn: excludeConn,
		Frame:       frame,
	})
	if err != nil {
		log.Printf("ws: marshal bus message: %v", err)
		return
	}
	if err := b.client.Publish(context.Background(), busChannel, msg).Err(); err != nil {
		log.Printf("ws: publish bus message: %v", err)
	}
}

// Run subscribes to the bus and replays remote events into the hub until the
// context is cancelled.
func (b *Bus) Run(ctx context.Context, hub *Hub) {
	sub := b.client.Subscribe(ctx, busChannel)
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			var msg busMessage
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				log.Printf("ws: malformed bus message: %v", err)
				continue
			}
			if msg.Origin == b.instanceID {
				continue
			}
			hub.deliverLocal(msg.ProjectID, msg.ExcludeConn, msg.Frame)
		}
	}
}
