package store

import (
	"strings"
	"time"

	"github.com/weiawesome/wes-io-live/terminal-service/internal/domain"
)

const (
	restrictionBan  = "ban"
	restrictionMute = "mute"
)

// StreamModel is the GORM model for streams table.
type StreamModel struct {
	ID           string `gorm:"type:varchar(36);primaryKey"`
	RoomID       string `gorm:"type:varchar(36);index;not null"`
	OwnerID      string `gorm:"type:varchar(64);index;not null"`
	OwnerName    string `gorm:"type:varchar(50);not null"`
	Title        string `gorm:"type:varchar(200);not null"`
	PasswordHash []byte
	MaxViewers   int
	Status       string    `gorm:"type:varchar(20);index;not null;default:'live'"`
	EndReason    string    `gorm:"type:varchar(20)"`
	StartedAt    time.Time `gorm:"autoCreateTime"`
	EndedAt      *time.Time
}

func (StreamModel) TableName() string {
	return "streams"
}

func (m *StreamModel) ToDomain() *Stream {
	return &Stream{
		ID:           m.ID,
		RoomID:       m.RoomID,
		OwnerID:      m.OwnerID,
		OwnerName:    m.OwnerName,
		Title:        m.Title,
		PasswordHash: m.PasswordHash,
		MaxViewers:   m.MaxViewers,
		Status:       m.Status,
		EndReason:    m.EndReason,
		StartedAt:    m.StartedAt,
		EndedAt:      m.EndedAt,
	}
}

func streamToModel(s *Stream) *StreamModel {
	return &StreamModel{
		ID:           s.ID,
		RoomID:       s.RoomID,
		OwnerID:      s.OwnerID,
		OwnerName:    s.OwnerName,
		Title:        s.Title,
		PasswordHash: s.PasswordHash,
		MaxViewers:   s.MaxViewers,
		Status:       s.Status,
		StartedAt:    s.StartedAt,
	}
}

// MessageModel is the GORM model for chat_messages table. IDs are ULIDs, so
// ordering by id is ordering by time.
type MessageModel struct {
	ID        string `gorm:"type:varchar(26);primaryKey"`
	RoomID    string `gorm:"type:varchar(36);index;not null"`
	Kind      string `gorm:"type:varchar(10);not null"`
	UserID    string `gorm:"type:varchar(64);not null"`
	Username  string `gorm:"type:varchar(50);not null"`
	Content   string `gorm:"type:text;not null"`
	Role      string `gorm:"type:varchar(20);not null"`
	GifURL    string `gorm:"type:varchar(500)"`
	Timestamp int64  `gorm:"not null"`
}

func (MessageModel) TableName() string {
	return "chat_messages"
}

func (m *MessageModel) ToDomain() *domain.ChatMessage {
	return &domain.ChatMessage{
		Type:      m.Kind,
		ID:        m.ID,
		RoomID:    m.RoomID,
		UserID:    m.UserID,
		Username:  m.Username,
		Content:   m.Content,
		Role:      domain.Role(m.Role),
		GifURL:    m.GifURL,
		Timestamp: m.Timestamp,
	}
}

func messageToModel(msg *domain.ChatMessage) *MessageModel {
	return &MessageModel{
		ID:        msg.ID,
		RoomID:    msg.RoomID,
		Kind:      msg.Type,
		UserID:    msg.UserID,
		Username:  msg.Username,
		Content:   msg.Content,
		Role:      string(msg.Role),
		GifURL:    msg.GifURL,
		Timestamp: msg.Timestamp,
	}
}

// RestrictionModel is the GORM model for room_restrictions table.
type RestrictionModel struct {
	RoomID    string `gorm:"type:varchar(36);primaryKey"`
	UserID    string `gorm:"type:varchar(64);primaryKey"`
	Kind      string `gorm:"type:varchar(10);primaryKey"`
	ActorID   string `gorm:"type:varchar(64)"`
	ExpiresAt *time.Time
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (RestrictionModel) TableName() string {
	return "room_restrictions"
}

// ModeratorModel is the GORM model for room_moderators table.
type ModeratorModel struct {
	RoomID    string    `gorm:"type:varchar(36);primaryKey"`
	UserID    string    `gorm:"type:varchar(64);primaryKey"`
	ActorID   string    `gorm:"type:varchar(64)"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (ModeratorModel) TableName() string {
	return "room_moderators"
}

// UserModel records identities seen at auth so offline users can be resolved
// by display name.
type UserModel struct {
	ID         string    `gorm:"type:varchar(64);primaryKey"`
	Username   string    `gorm:"type:varchar(50);not null"`
	NameKey    string    `gorm:"type:varchar(50);index;not null"`
	IsAgent    bool      `gorm:"not null;default:false"`
	LastSeenAt time.Time `gorm:"index"`
}

func (UserModel) TableName() string {
	return "users"
}

func (m *UserModel) ToDomain() *domain.Identity {
	return &domain.Identity{UserID: m.ID, Username: m.Username, IsAgent: m.IsAgent}
}

func nameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Models lists every table for AutoMigrate.
func Models() []interface{} {
	return []interface{}{
		&StreamModel{},
		&MessageModel{},
		&RestrictionModel{},
		&ModeratorModel{},
		&UserModel{},
	}
}
