package store

import (
	"context"
	"time"

	"github.com/weiawesome/wes-io-relay/internal/domain"
)

// Store is the persistence adapter for conversations, messages and presence.
// Lookups that find nothing return errors wrapping domain.ErrNotFound.
type Store interface {
	// FindOrCreateConversation returns the conversation between a and b,
	// creating it on first use. created reports whether this call created it.
	FindOrCreateConversation(ctx context.Context, a, b domain.Identity) (conv *domain.Conversation, created bool, err error)
	GetConversation(ctx context.Context, key string) (*domain.Conversation, error)
	// ListConversations returns the conversations of id, most recently active first.
	ListConversations(ctx context.Context, id domain.Identity) ([]*domain.Conversation, error)

	// AppendMessage inserts msg and moves the conversation's last-message
	// pointer to it in one transaction.
	AppendMessage(ctx context.Context, msg *domain.Message) error
	GetMessage(ctx context.Context, key string) (*domain.Message, error)
	// UpdateMessageReadFlag sets IsRead. changed is false when it was already set.
	UpdateMessageReadFlag(ctx context.Context, key string) (changed bool, err error)
	// MessagesSince returns up to limit messages created strictly after since, oldest first.
	MessagesSince(ctx context.Context, conversationKey string, since time.Time, limit int) ([]*domain.Message, error)

	UpdatePresence(ctx context.Context, rec domain.PresenceRecord) error
	GetPresence(ctx context.Context, id domain.Identity) (*domain.PresenceRecord, error)
}
