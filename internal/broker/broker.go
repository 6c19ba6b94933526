// Package broker validates, orders, persists and fans out chat messages.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/weiawesome/wes-io-relay/internal/audit"
	"github.com/weiawesome/wes-io-relay/internal/domain"
	"github.com/weiawesome/wes-io-relay/internal/idgen"
	"github.com/weiawesome/wes-io-relay/internal/metrics"
	"github.com/weiawesome/wes-io-relay/internal/stream"
	"github.com/weiawesome/wes-io-relay/pkg/log"
)

// Store is the part of the persistence adapter the broker writes through.
type Store interface {
	GetConversation(ctx context.Context, key string) (*domain.Conversation, error)
	AppendMessage(ctx context.Context, msg *domain.Message) error
	GetMessage(ctx context.Context, key string) (*domain.Message, error)
	UpdateMessageReadFlag(ctx context.Context, key string) (bool, error)
	MessagesSince(ctx context.Context, conversationKey string, since time.Time, limit int) ([]*domain.Message, error)
}

// Broadcaster delivers an event to the joined members of a conversation.
type Broadcaster interface {
	ToConversation(ctx context.Context, key string, ev domain.Outbound, exclude domain.Identity)
}

type Config struct {
	HistoryLimit    int `mapstructure:"history_limit"`
	MaxHistoryLimit int `mapstructure:"max_history_limit"`
}

func DefaultConfig() Config {
	return Config{HistoryLimit: 100, MaxHistoryLimit: 500}
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

type Broker struct {
	store   Store
	ids     idgen.Generator
	out     Broadcaster
	stream  stream.Producer
	metrics *metrics.Metrics
	config  Config
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]*keyLock

	sf singleflight.Group
}

func NewBroker(
	s Store,
	ids idgen.Generator,
	out Broadcaster,
	producer stream.Producer,
	cfg Config,
	m *metrics.Metrics,
) *Broker {
	def := DefaultConfig()
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.MaxHistoryLimit < cfg.HistoryLimit {
		cfg.MaxHistoryLimit = cfg.HistoryLimit
	}
	if producer == nil {
		producer = stream.Nop{}
	}
	return &Broker{
		store:   s,
		ids:     ids,
		out:     out,
		stream:  producer,
		metrics: m,
		config:  cfg,
		now:     time.Now,
		locks:   make(map[string]*keyLock),
	}
}

// lock serialises work on one conversation. Idle locks are dropped.
func (b *Broker) lock(key string) func() {
	b.mu.Lock()
	kl, ok := b.locks[key]
	if !ok {
		kl = &keyLock{}
		b.locks[key] = kl
	}
	kl.refs++
	b.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		b.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(b.locks, key)
		}
		b.mu.Unlock()
	}
}

// Submit accepts content from sender into the conversation key. Every
// refusal is a *domain.Rejected and nothing is broadcast for it.
func (b *Broker) Submit(ctx context.Context, sender domain.Identity, key string, content domain.Content) (*domain.Message, error) {
	ctx = log.WithConversation(ctx, key)
	msg, err := b.submit(ctx, sender, key, content)
	if err != nil {
		reason := domain.ReasonStorageFailure
		if r, ok := domain.IsRejected(err); ok {
			reason = r.Reason
		}
		b.metrics.MessageRejected(reason)
		l := log.Ctx(ctx)
		l.Debug().Err(err).Str(log.FieldIdentity, string(sender)).Msg("message rejected")
		return nil, err
	}

	b.metrics.MessageAccepted()
	audit.LogWithDetail(ctx, audit.ActionSendMessage, sender, msg.Key, "message accepted")
	return msg, nil
}

func (b *Broker) submit(ctx context.Context, sender domain.Identity, key string, content domain.Content) (*domain.Message, error) {
	normalized, kind, err := content.Normalize()
	if err != nil {
		return nil, err
	}

	unlock := b.lock(key)
	defer unlock()

	conv, err := b.store.GetConversation(ctx, key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, &domain.Rejected{Reason: domain.ReasonUnknownConversation}
		}
		return nil, fmt.Errorf("load conversation %s: %w", key, &domain.Rejected{Reason: domain.ReasonStorageFailure})
	}
	if !conv.HasMember(sender) {
		return nil, &domain.Rejected{Reason: domain.ReasonNotParticipant}
	}

	msgKey, err := b.ids.NewKey()
	if err != nil {
		return nil, fmt.Errorf("generate message key: %w", &domain.Rejected{Reason: domain.ReasonStorageFailure})
	}

	msg := &domain.Message{
		Key:             msgKey,
		ConversationKey: conv.Key,
		Sender:          sender,
		Text:            normalized.Text,
		Kind:            kind,
		Attachment:      normalized.Attachment,
		CreatedAt:       b.timestamp(conv.LastMessageAt),
	}
	if err := b.store.AppendMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("append message: %v: %w", err, &domain.Rejected{Reason: domain.ReasonStorageFailure})
	}

	b.out.ToConversation(ctx, conv.Key, domain.NewNewMessage(msg), sender)

	// Published under the conversation lock to keep the stream in accept order.
	if err := b.stream.PublishMessage(ctx, msg); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldMessageKey, msg.Key).Msg("failed to stream message")
	}
	return msg, nil
}

// timestamp returns the current time, moved past prev when the clock has not
// advanced beyond it.
func (b *Broker) timestamp(prev *time.Time) time.Time {
	now := b.now().UTC().Truncate(time.Millisecond)
	if prev != nil && !now.After(*prev) {
		return prev.UTC().Truncate(time.Millisecond).Add(time.Millisecond)
	}
	return now
}

// MarkRead sets the read flag of messageID on behalf of reader. Only the
// first effective change is broadcast. Readers outside the conversation see
// domain.ErrNotFound.
func (b *Broker) MarkRead(ctx context.Context, reader domain.Identity, messageID string) error {
	msg, err := b.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}

	unlock := b.lock(msg.ConversationKey)
	defer unlock()

	conv, err := b.store.GetConversation(ctx, msg.ConversationKey)
	if err != nil {
		return err
	}
	if !conv.HasMember(reader) {
		return fmt.Errorf("message %s: %w", messageID, domain.ErrNotParticipant)
	}
	if msg.Sender == reader {
		return nil
	}

	changed, err := b.store.UpdateMessageReadFlag(ctx, messageID)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	b.metrics.ReadReceipt()
	audit.LogWithDetail(ctx, audit.ActionMarkRead, reader, messageID, "message read")
	b.out.ToConversation(ctx, conv.Key, domain.NewMessageRead(messageID, conv.Key, reader), "")
	return nil
}

// History returns messages of key strictly after since, oldest first.
// Identical concurrent requests share one store read.
func (b *Broker) History(ctx context.Context, id domain.Identity, key string, since time.Time, limit int) ([]*domain.Message, error) {
	conv, err := b.store.GetConversation(ctx, key)
	if err != nil {
		return nil, err
	}
	if !conv.HasMember(id) {
		return nil, fmt.Errorf("conversation %s: %w", key, domain.ErrNotParticipant)
	}

	if limit <= 0 {
		limit = b.config.HistoryLimit
	}
	if limit > b.config.MaxHistoryLimit {
		limit = b.config.MaxHistoryLimit
	}

	sfKey := fmt.Sprintf("%s|%d|%d", key, since.UnixNano(), limit)
	result, err, _ := b.sf.Do(sfKey, func() (interface{}, error) {
		return b.store.MessagesSince(ctx, key, since, limit)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	messages, ok := result.([]*domain.Message)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from singleflight")
	}
	return messages, nil
}
