package store

import (
	"time"

	"github.com/weiawesome/wes-io-relay/internal/domain"
)

// ConversationModel is the GORM model for the conversations table.
type ConversationModel struct {
	ID             string     `gorm:"type:varchar(36);primaryKey"`
	MemberA        string     `gorm:"type:varchar(128);not null;uniqueIndex:idx_conversation_members,priority:1"`
	MemberB        string     `gorm:"type:varchar(128);not null;uniqueIndex:idx_conversation_members,priority:2;index"`
	LastMessageKey string     `gorm:"type:varchar(64)"`
	LastMessageAt  *time.Time `gorm:"index"`
	CreatedAt      time.Time  `gorm:"autoCreateTime"`
}

// TableName specifies the table name for ConversationModel.
func (ConversationModel) TableName() string {
	return "conversations"
}

// MessageModel is the GORM model for the messages table.
type MessageModel struct {
	ID                  string    `gorm:"type:varchar(64);primaryKey"`
	ConversationID      string    `gorm:"type:varchar(36);not null;index:idx_messages_conversation_created,priority:1"`
	CreatedAt           time.Time `gorm:"not null;index:idx_messages_conversation_created,priority:2"`
	Sender              string    `gorm:"type:varchar(128);not null"`
	Kind                string    `gorm:"type:varchar(16);not null"`
	Text                string    `gorm:"type:text"`
	AttachmentURL       string    `gorm:"type:text"`
	AttachmentName      string    `gorm:"type:varchar(255)"`
	AttachmentSize      int64
	AttachmentMediaType string `gorm:"type:varchar(128)"`
	IsRead              bool   `gorm:"not null;default:false"`
}

// TableName specifies the table name for MessageModel.
func (MessageModel) TableName() string {
	return "messages"
}

// PresenceModel is the GORM model for the presence table.
type PresenceModel struct {
	Identity string    `gorm:"type:varchar(128);primaryKey"`
	Online   bool      `gorm:"not null"`
	LastSeen time.Time `gorm:"not null"`
}

// TableName specifies the table name for PresenceModel.
func (PresenceModel) TableName() string {
	return "presence"
}

// Models lists every model for auto-migration.
func Models() []interface{} {
	return []interface{}{&ConversationModel{}, &MessageModel{}, &PresenceModel{}}
}

// ToDomain converts ConversationModel to domain Conversation.
func (m *ConversationModel) ToDomain() *domain.Conversation {
	c := &domain.Conversation{
		Key:            m.ID,
		MemberA:        domain.Identity(m.MemberA),
		MemberB:        domain.Identity(m.MemberB),
		LastMessageKey: m.LastMessageKey,
		CreatedAt:      m.CreatedAt.UTC(),
	}
	if m.LastMessageAt != nil {
		t := m.LastMessageAt.UTC()
		c.LastMessageAt = &t
	}
	return c
}

// ToDomain converts MessageModel to domain Message.
func (m *MessageModel) ToDomain() *domain.Message {
	msg := &domain.Message{
		Key:             m.ID,
		ConversationKey: m.ConversationID,
		Sender:          domain.Identity(m.Sender),
		Text:            m.Text,
		Kind:            domain.MessageKind(m.Kind),
		IsRead:          m.IsRead,
		CreatedAt:       m.CreatedAt.UTC(),
	}
	if m.AttachmentURL != "" {
		msg.Attachment = &domain.Attachment{
			URL:       m.AttachmentURL,
			Name:      m.AttachmentName,
			Size:      m.AttachmentSize,
			MediaType: m.AttachmentMediaType,
			Kind:      msg.Kind,
		}
	}
	return msg
}

// MessageToModel converts domain Message to MessageModel.
func MessageToModel(msg *domain.Message) *MessageModel {
	m := &MessageModel{
		ID:             msg.Key,
		ConversationID: msg.ConversationKey,
		CreatedAt:      msg.CreatedAt,
		Sender:         string(msg.Sender),
		Kind:           string(msg.Kind),
		Text:           msg.Text,
		IsRead:         msg.IsRead,
	}
	if a := msg.Attachment; a != nil {
		m.AttachmentURL = a.URL
		m.AttachmentName = a.Name
		m.AttachmentSize = a.Size
		m.AttachmentMediaType = a.MediaType
	}
	return m
}

// ToDomain converts PresenceModel to domain PresenceRecord.
func (m *PresenceModel) ToDomain() *domain.PresenceRecord {
	return &domain.PresenceRecord{
		Identity: domain.Identity(m.Identity),
		Online:   m.Online,
		LastSeen: m.LastSeen.UTC(),
	}
}
