package pubsub

import "fmt"

// Channel naming for mirrored room traffic. Kafka maps each channel family
// to one topic keyed by room ID.
const (
	ChannelRoomEvents = "terminal:room:%s:events"
	ChannelRoomChat   = "terminal:room:%s:chat"

	PatternRoomEvents = "terminal:room:*:events"
	PatternRoomChat   = "terminal:room:*:chat"
)

// RoomEventsChannel carries presence, moderation and lifecycle events.
func RoomEventsChannel(roomID string) string {
	return fmt.Sprintf(ChannelRoomEvents, roomID)
}

// RoomChatChannel carries chat only, for history and analytics consumers.
func RoomChatChannel(roomID string) string {
	return fmt.Sprintf(ChannelRoomChat, roomID)
}
