package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/weiawesome/wes-io-relay/internal/domain"
	"github.com/weiawesome/wes-io-relay/pkg/log"
)

// GormStore implements Store using GORM.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-based store.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// FindOrCreateConversation inserts the canonical pair unless it exists, then reads it back.
// The unique index on the pair makes concurrent calls converge on one row.
func (s *GormStore) FindOrCreateConversation(ctx context.Context, a, b domain.Identity) (*domain.Conversation, bool, error) {
	l := log.Ctx(ctx)

	if a == "" || b == "" || a == b {
		return nil, false, fmt.Errorf("invalid conversation members %q and %q", a, b)
	}
	memberA, memberB := domain.CanonicalPair(a, b)

	if conv, err := s.findByMembers(ctx, memberA, memberB); err == nil {
		return conv, false, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, false, err
	}

	model := &ConversationModel{
		ID:        uuid.New().String(),
		MemberA:   string(memberA),
		MemberB:   string(memberB),
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(model)
	if result.Error != nil {
		l.Error().Err(result.Error).Msg("failed to create conversation in db")
		return nil, false, result.Error
	}

	conv, err := s.findByMembers(ctx, memberA, memberB)
	if err != nil {
		return nil, false, err
	}
	created := result.RowsAffected == 1 && conv.Key == model.ID
	if created {
		l.Debug().Str(log.FieldConversationKey, conv.Key).Msg("conversation created in db")
	}
	return conv, created, nil
}

func (s *GormStore) findByMembers(ctx context.Context, a, b domain.Identity) (*domain.Conversation, error) {
	var model ConversationModel
	result := s.db.WithContext(ctx).
		Where("member_a = ? AND member_b = ?", string(a), string(b)).
		Limit(1).Find(&model)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("conversation %s/%s: %w", a, b, domain.ErrNotFound)
	}
	return model.ToDomain(), nil
}

// GetConversation retrieves a conversation by key.
func (s *GormStore) GetConversation(ctx context.Context, key string) (*domain.Conversation, error) {
	l := log.Ctx(ctx)

	var model ConversationModel
	result := s.db.WithContext(ctx).First(&model, "id = ?", key)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("conversation %s: %w", key, domain.ErrNotFound)
		}
		l.Error().Err(result.Error).Str(log.FieldConversationKey, key).Msg("failed to get conversation by id")
		return nil, result.Error
	}
	return model.ToDomain(), nil
}

// ListConversations retrieves the conversations of id, most recent activity first.
func (s *GormStore) ListConversations(ctx context.Context, id domain.Identity) ([]*domain.Conversation, error) {
	l := log.Ctx(ctx)

	var models []ConversationModel
	result := s.db.WithContext(ctx).
		Where("member_a = ? OR member_b = ?", string(id), string(id)).
		Order("COALESCE(last_message_at, created_at) DESC").
		Find(&models)
	if result.Error != nil {
		l.Error().Err(result.Error).Str(log.FieldIdentity, string(id)).Msg("failed to list conversations")
		return nil, result.Error
	}

	convs := make([]*domain.Conversation, len(models))
	for i := range models {
		convs[i] = models[i].ToDomain()
	}
	return convs, nil
}

// AppendMessage inserts the message and updates the last-message pointer atomically.
func (s *GormStore) AppendMessage(ctx context.Context, msg *domain.Message) error {
	l := log.Ctx(ctx)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(MessageToModel(msg)).Error; err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		createdAt := msg.CreatedAt
		result := tx.Model(&ConversationModel{}).
			Where("id = ?", msg.ConversationKey).
			Updates(map[string]interface{}{
				"last_message_key": msg.Key,
				"last_message_at":  &createdAt,
			})
		if result.Error != nil {
			return fmt.Errorf("update last message: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("conversation %s: %w", msg.ConversationKey, domain.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		l.Error().Err(err).
			Str(log.FieldConversationKey, msg.ConversationKey).
			Str(log.FieldMessageKey, msg.Key).
			Msg("failed to append message")
		return err
	}
	return nil
}

// GetMessage retrieves a message by key.
func (s *GormStore) GetMessage(ctx context.Context, key string) (*domain.Message, error) {
	var model MessageModel
	result := s.db.WithContext(ctx).First(&model, "id = ?", key)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("message %s: %w", key, domain.ErrNotFound)
		}
		return nil, result.Error
	}
	return model.ToDomain(), nil
}

// UpdateMessageReadFlag flips is_read once; later calls report no change.
func (s *GormStore) UpdateMessageReadFlag(ctx context.Context, key string) (bool, error) {
	result := s.db.WithContext(ctx).Model(&MessageModel{}).
		Where("id = ? AND is_read = ?", key, false).
		Update("is_read", true)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 1 {
		return true, nil
	}

	if _, err := s.GetMessage(ctx, key); err != nil {
		return false, err
	}
	return false, nil
}

// MessagesSince returns messages after since in ascending order.
func (s *GormStore) MessagesSince(ctx context.Context, conversationKey string, since time.Time, limit int) ([]*domain.Message, error) {
	l := log.Ctx(ctx)

	query := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationKey).
		Order("created_at ASC").Order("id ASC")
	if !since.IsZero() {
		query = query.Where("created_at > ?", since.UTC())
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var models []MessageModel
	if err := query.Find(&models).Error; err != nil {
		l.Error().Err(err).Str(log.FieldConversationKey, conversationKey).Msg("failed to list messages")
		return nil, err
	}

	msgs := make([]*domain.Message, len(models))
	for i := range models {
		msgs[i] = models[i].ToDomain()
	}
	return msgs, nil
}

// UpdatePresence upserts the presence record of one identity.
func (s *GormStore) UpdatePresence(ctx context.Context, rec domain.PresenceRecord) error {
	model := &PresenceModel{
		Identity: string(rec.Identity),
		Online:   rec.Online,
		LastSeen: rec.LastSeen.UTC(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "identity"}},
		DoUpdates: clause.AssignmentColumns([]string{"online", "last_seen"}),
	}).Create(model).Error
}

// GetPresence retrieves the stored presence of id.
func (s *GormStore) GetPresence(ctx context.Context, id domain.Identity) (*domain.PresenceRecord, error) {
	var model PresenceModel
	result := s.db.WithContext(ctx).First(&model, "identity = ?", string(id))
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("presence %s: %w", id, domain.ErrNotFound)
		}
		return nil, result.Error
	}
	return model.ToDomain(), nil
}
