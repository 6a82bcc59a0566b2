package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/weiawesome/wes-io-live/terminal-service/internal/domain"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/database"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/log"
)

// GormStore implements Store using GORM.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormStore creates a new GORM-based store.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, now: time.Now}
}

// Migrate creates or updates every table.
func (s *GormStore) Migrate() error {
	return database.AutoMigrate(s.db, Models()...)
}

// CreateStream inserts a live stream. It fails with ErrActiveStreamExists if
// the owner already has one.
func (s *GormStore) CreateStream(ctx context.Context, st *Stream) error {
	l := log.Ctx(ctx)

	if st.Status == "" {
		st.Status = StatusLive
	}
	if st.StartedAt.IsZero() {
		st.StartedAt = s.now()
	}
	model := streamToModel(st)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&StreamModel{}).
			Where("owner_id = ? AND status = ?", st.OwnerID, StatusLive).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrActiveStreamExists
		}
		return tx.Create(model).Error
	})
	if err != nil {
		if !errors.Is(err, ErrActiveStreamExists) {
			l.Error().Err(err).Str(log.FieldUserID, st.OwnerID).Msg("failed to create stream in db")
		}
		return err
	}
	st.StartedAt = model.StartedAt
	l.Debug().Str(log.FieldStreamID, st.ID).Str(log.FieldRoomID, st.RoomID).Msg("stream created in db")
	return nil
}

// EndStream marks a live stream ended. Ending an unknown or already ended
// stream returns ErrNotFound.
func (s *GormStore) EndStream(ctx context.Context, streamID, reason string) error {
	l := log.Ctx(ctx)

	now := s.now()
	result := s.db.WithContext(ctx).Model(&StreamModel{}).
		Where("id = ? AND status = ?", streamID, StatusLive).
		Updates(map[string]interface{}{
			"status":     StatusEnded,
			"end_reason": reason,
			"ended_at":   now,
		})
	if result.Error != nil {
		l.Error().Err(result.Error).Str(log.FieldStreamID, streamID).Msg("failed to end stream in db")
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) GetLiveStream(ctx context.Context, roomID string) (*Stream, error) {
	return s.firstLive(ctx, "room_id = ?", roomID)
}

func (s *GormStore) GetLiveStreamByOwner(ctx context.Context, ownerID string) (*Stream, error) {
	return s.firstLive(ctx, "owner_id = ?", ownerID)
}

func (s *GormStore) firstLive(ctx context.Context, cond string, arg string) (*Stream, error) {
	var model StreamModel
	result := s.db.WithContext(ctx).
		Where(cond, arg).
		Where("status = ?", StatusLive).
		Order("started_at DESC").
		First(&model)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get live stream: %w", result.Error)
	}
	return model.ToDomain(), nil
}

func (s *GormStore) SaveMessage(ctx context.Context, msg *domain.ChatMessage) error {
	if err := s.db.WithContext(ctx).Create(messageToModel(msg)).Error; err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// RecentMessages returns up to limit messages, oldest first.
func (s *GormStore) RecentMessages(ctx context.Context, roomID string, limit int) ([]*domain.ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	var models []MessageModel
	if err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("id DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to get recent messages: %w", err)
	}
	out := make([]*domain.ChatMessage, len(models))
	for i := range models {
		out[len(models)-1-i] = models[i].ToDomain()
	}
	return out, nil
}

func (s *GormStore) ClearMessages(ctx context.Context, roomID string) error {
	if err := s.db.WithContext(ctx).Where("room_id = ?", roomID).Delete(&MessageModel{}).Error; err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}
	return nil
}

func (s *GormStore) IsBanned(ctx context.Context, roomID, userID string) (bool, error) {
	return s.restricted(ctx, restrictionBan, roomID, userID)
}

func (s *GormStore) IsMuted(ctx context.Context, roomID, userID string) (bool, error) {
	return s.restricted(ctx, restrictionMute, roomID, userID)
}

func (s *GormStore) restricted(ctx context.Context, kind, roomID, userID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&RestrictionModel{}).
		Where("room_id = ? AND user_id = ? AND kind = ?", roomID, userID, kind).
		Where("expires_at IS NULL OR expires_at > ?", s.now()).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check %s: %w", kind, err)
	}
	return count > 0, nil
}

func (s *GormStore) AddBan(ctx context.Context, r Restriction) error {
	return s.restrict(ctx, restrictionBan, r)
}

func (s *GormStore) RemoveBan(ctx context.Context, roomID, userID string) error {
	return s.lift(ctx, restrictionBan, roomID, userID)
}

func (s *GormStore) AddMute(ctx context.Context, r Restriction) error {
	return s.restrict(ctx, restrictionMute, r)
}

func (s *GormStore) RemoveMute(ctx context.Context, roomID, userID string) error {
	return s.lift(ctx, restrictionMute, roomID, userID)
}

// restrict upserts so re-applying a ban replaces its expiry.
func (s *GormStore) restrict(ctx context.Context, kind string, r Restriction) error {
	model := &RestrictionModel{
		RoomID:    r.RoomID,
		UserID:    r.UserID,
		Kind:      kind,
		ActorID:   r.ActorID,
		ExpiresAt: r.Until,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}, {Name: "user_id"}, {Name: "kind"}},
		DoUpdates: clause.AssignmentColumns([]string{"actor_id", "expires_at"}),
	}).Create(model).Error
	if err != nil {
		return fmt.Errorf("failed to add %s: %w", kind, err)
	}
	return nil
}

func (s *GormStore) lift(ctx context.Context, kind, roomID, userID string) error {
	err := s.db.WithContext(ctx).
		Where("room_id = ? AND user_id = ? AND kind = ?", roomID, userID, kind).
		Delete(&RestrictionModel{}).Error
	if err != nil {
		return fmt.Errorf("failed to remove %s: %w", kind, err)
	}
	return nil
}

func (s *GormStore) AddMod(ctx context.Context, roomID, userID, actorID string) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&ModeratorModel{RoomID: roomID, UserID: userID, ActorID: actorID}).Error
	if err != nil {
		return fmt.Errorf("failed to add moderator: %w", err)
	}
	return nil
}

func (s *GormStore) RemoveMod(ctx context.Context, roomID, userID string) error {
	err := s.db.WithContext(ctx).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Delete(&ModeratorModel{}).Error
	if err != nil {
		return fmt.Errorf("failed to remove moderator: %w", err)
	}
	return nil
}

func (s *GormStore) GetModerators(ctx context.Context, roomID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&ModeratorModel{}).
		Where("room_id = ?", roomID).
		Order("created_at ASC").
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get moderators: %w", err)
	}
	return ids, nil
}

// UpsertUser records the identity's current display name. Anonymous
// identities are not persisted.
func (s *GormStore) UpsertUser(ctx context.Context, id *domain.Identity) error {
	if id.Anonymous {
		return nil
	}
	model := &UserModel{
		ID:         id.UserID,
		Username:   id.Username,
		NameKey:    nameKey(id.Username),
		IsAgent:    id.IsAgent,
		LastSeenAt: s.now(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "name_key", "is_agent", "last_seen_at"}),
	}).Create(model).Error
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

// LookupUserByName resolves a display name case-insensitively. The most
// recently seen holder of the name wins.
func (s *GormStore) LookupUserByName(ctx context.Context, name string) (*domain.Identity, error) {
	var model UserModel
	result := s.db.WithContext(ctx).
		Where("name_key = ?", nameKey(name)).
		Order("last_seen_at DESC").
		First(&model)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to lookup user: %w", result.Error)
	}
	return model.ToDomain(), nil
}
