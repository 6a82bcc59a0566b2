// Package store persists streams, chat history and moderation records. The
// in-memory room registry stays the authority for live enforcement; the
// store is the authority for history and for rooms restored after a restart.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/weiawesome/wes-io-live/terminal-service/internal/domain"
)

var (
	ErrNotFound           = errors.New("record not found")
	ErrActiveStreamExists = errors.New("owner already has an active stream")
)

// Stream statuses.
const (
	StatusLive  = "live"
	StatusEnded = "ended"
)

// Stream is a persisted broadcast session.
type Stream struct {
	ID           string
	RoomID       string
	OwnerID      string
	OwnerName    string
	Title        string
	PasswordHash []byte
	MaxViewers   int
	Status       string
	EndReason    string
	StartedAt    time.Time
	EndedAt      *time.Time
}

// Restriction is a persisted ban or mute. A nil Until means permanent.
type Restriction struct {
	RoomID  string
	UserID  string
	ActorID string
	Until   *time.Time
}

// Store is the persistence collaborator consumed by the protocol layer.
type Store interface {
	CreateStream(ctx context.Context, s *Stream) error
	EndStream(ctx context.Context, streamID, reason string) error
	GetLiveStream(ctx context.Context, roomID string) (*Stream, error)
	GetLiveStreamByOwner(ctx context.Context, ownerID string) (*Stream, error)

	SaveMessage(ctx context.Context, msg *domain.ChatMessage) error
	RecentMessages(ctx context.Context, roomID string, limit int) ([]*domain.ChatMessage, error)
	ClearMessages(ctx context.Context, roomID string) error

	IsBanned(ctx context.Context, roomID, userID string) (bool, error)
	IsMuted(ctx context.Context, roomID, userID string) (bool, error)
	AddBan(ctx context.Context, r Restriction) error
	RemoveBan(ctx context.Context, roomID, userID string) error
	AddMute(ctx context.Context, r Restriction) error
	RemoveMute(ctx context.Context, roomID, userID string) error

	AddMod(ctx context.Context, roomID, userID, actorID string) error
	RemoveMod(ctx context.Context, roomID, userID string) error
	GetModerators(ctx context.Context, roomID string) ([]string, error)

	UpsertUser(ctx context.Context, id *domain.Identity) error
	LookupUserByName(ctx context.Context, name string) (*domain.Identity, error)
}

// Migrator is implemented by stores backed by a schema.
type Migrator interface {
	Migrate() error
}
