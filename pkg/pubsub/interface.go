// Package pubsub carries mirrored room traffic between processes over Redis
// pub/sub or Kafka. Channels are named by RoomEventsChannel and
// RoomChatChannel; both drivers accept the same names.
package pubsub

import (
	"context"
	"encoding/json"
	"time"
)

// Event is the envelope put on the wire. Payload is kept raw so a consumer
// only decodes the event kinds it cares about.
type Event struct {
	Type      string          `json:"type"`
	RoomID    string          `json:"roomId"`
	Origin    string          `json:"origin,omitempty"`
	Payload   json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent encodes payload into an envelope stamped ts.
func NewEvent(eventType, roomID string, payload interface{}, ts time.Time) (*Event, error) {
	ev := &Event{Type: eventType, RoomID: roomID, Timestamp: ts}
	if payload == nil {
		return ev, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	ev.Payload = raw
	return ev, nil
}

func (e *Event) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

type Publisher interface {
	Publish(ctx context.Context, channel string, event *Event) error
}

// Subscriber delivers events on a channel until ctx ends or the channel is
// unsubscribed; the returned chan is closed then. Slow readers lose events.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan *Event, error)
	SubscribePattern(ctx context.Context, pattern string) (<-chan *Event, error)
	Unsubscribe(ctx context.Context, channel string) error
}

type PubSub interface {
	Publisher
	Subscriber
	Close() error
}
