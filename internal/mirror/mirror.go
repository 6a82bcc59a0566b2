// Package mirror republishes room events to an external pub/sub so
// consumers outside this process (chat history, analytics, other nodes) see
// the same traffic agents see on the event bus.
package mirror

import (
	"context"
	"fmt"
	"time"

	"github.com/weiawesome/wes-io-live/terminal-service/internal/domain"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/log"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/pubsub"
)

type Mirror struct {
	pub    pubsub.Publisher
	origin string
	now    func() time.Time
}

// New mirrors through pub. origin tags every event with this instance.
func New(pub pubsub.Publisher, origin string) *Mirror {
	return &Mirror{pub: pub, origin: origin, now: time.Now}
}

// Channel picks the channel for an event type: chat goes to its own
// channel, everything else to the room's event channel.
func Channel(roomID, eventType string) string {
	if eventType == domain.EventChat {
		return pubsub.RoomChatChannel(roomID)
	}
	return pubsub.RoomEventsChannel(roomID)
}

func (m *Mirror) Publish(ctx context.Context, roomID, eventType string, data interface{}) error {
	ev, err := pubsub.NewEvent(eventType, roomID, data, m.now())
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", eventType, err)
	}
	ev.Origin = m.origin
	if err := m.pub.Publish(ctx, Channel(roomID, eventType), ev); err != nil {
		return fmt.Errorf("failed to mirror %s event: %w", eventType, err)
	}
	return nil
}

// Tail delivers mirrored events to fn until ctx ends. An empty roomID
// follows every room.
func Tail(ctx context.Context, sub pubsub.Subscriber, roomID string, fn func(*pubsub.Event)) error {
	var channels []<-chan *pubsub.Event
	if roomID == "" {
		for _, p := range []string{pubsub.PatternRoomEvents, pubsub.PatternRoomChat} {
			ch, err := sub.SubscribePattern(ctx, p)
			if err != nil {
				return err
			}
			channels = append(channels, ch)
		}
	} else {
		for _, c := range []string{pubsub.RoomEventsChannel(roomID), pubsub.RoomChatChannel(roomID)} {
			ch, err := sub.Subscribe(ctx, c)
			if err != nil {
				return err
			}
			channels = append(channels, ch)
		}
	}

	l := log.Ctx(ctx)
	l.Info().Str(log.FieldRoomID, roomID).Msg("tailing mirrored events")

	events, chat := channels[0], channels[1]
	for events != nil || chat != nil {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			fn(ev)
		case ev, ok := <-chat:
			if !ok {
				chat = nil
				continue
			}
			fn(ev)
		}
	}
	return nil
}
