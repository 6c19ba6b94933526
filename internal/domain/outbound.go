package domain

import "time"

// Event types to client.
const (
	TypeAuthenticated      = "authenticated"
	TypeAuthError          = "auth_error"
	TypeMessageSent        = "message_sent"
	TypeNewMessage         = "new_message"
	TypeMessageRejected    = "message_rejected"
	TypeUserTyping         = "user_typing"
	TypeMessageRead        = "message_read"
	TypeConversationOpened = "conversation_opened"
	TypeHistory            = "history"
	TypePong               = "pong"
	TypeUserStatus         = "user_status"
	TypeError              = "error"
)

// Error codes carried by ErrorEvent.
const (
	ErrCodeBadRequest  = "BAD_REQUEST"
	ErrCodeNotFound    = "NOT_FOUND"
	ErrCodeForbidden   = "FORBIDDEN"
	ErrCodeRateLimited = "RATE_LIMITED"
	ErrCodeInternal    = "INTERNAL_ERROR"
)

// Outbound is an event sent to clients.
type Outbound interface {
	OutboundType() string
}

type AuthenticatedEvent struct {
	Type         string   `json:"type"`
	Identity     Identity `json:"identity"`
	JoinedGroups int      `json:"joinedGroups"`
	// Conversations lists the joined conversation keys.
	Conversations []string `json:"conversations"`
}

type AuthErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type MessageSentEvent struct {
	Type      string   `json:"type"`
	Message   *Message `json:"message"`
	ClientRef string   `json:"clientRef,omitempty"`
}

type NewMessageEvent struct {
	Type    string   `json:"type"`
	Message *Message `json:"message"`
}

type MessageRejectedEvent struct {
	Type      string `json:"type"`
	Reason    string `json:"reason"`
	ClientRef string `json:"clientRef,omitempty"`
}

type UserTypingEvent struct {
	Type            string   `json:"type"`
	Identity        Identity `json:"identity"`
	ConversationKey string   `json:"conversationKey"`
	IsTyping        bool     `json:"isTyping"`
}

type MessageReadEvent struct {
	Type            string   `json:"type"`
	MessageID       string   `json:"messageId"`
	ConversationKey string   `json:"conversationKey"`
	ReaderIdentity  Identity `json:"readerIdentity"`
}

type ConversationOpenedEvent struct {
	Type         string        `json:"type"`
	Conversation *Conversation `json:"conversation"`
}

type HistoryEvent struct {
	Type            string     `json:"type"`
	ConversationKey string     `json:"conversationKey"`
	Messages        []*Message `json:"messages"`
}

type PongEvent struct {
	Type string `json:"type"`
}

type UserStatusEvent struct {
	Type     string     `json:"type"`
	Identity Identity   `json:"identity"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type ErrorEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *AuthenticatedEvent) OutboundType() string      { return e.Type }
func (e *AuthErrorEvent) OutboundType() string          { return e.Type }
func (e *MessageSentEvent) OutboundType() string        { return e.Type }
func (e *NewMessageEvent) OutboundType() string         { return e.Type }
func (e *MessageRejectedEvent) OutboundType() string    { return e.Type }
func (e *UserTypingEvent) OutboundType() string         { return e.Type }
func (e *MessageReadEvent) OutboundType() string        { return e.Type }
func (e *ConversationOpenedEvent) OutboundType() string { return e.Type }
func (e *HistoryEvent) OutboundType() string            { return e.Type }
func (e *PongEvent) OutboundType() string               { return e.Type }
func (e *UserStatusEvent) OutboundType() string         { return e.Type }
func (e *ErrorEvent) OutboundType() string              { return e.Type }

func NewAuthenticated(id Identity, groups []string) *AuthenticatedEvent {
	if groups == nil {
		groups = []string{}
	}
	return &AuthenticatedEvent{
		Type:          TypeAuthenticated,
		Identity:      id,
		JoinedGroups:  len(groups),
		Conversations: groups,
	}
}

func NewAuthError(message string) *AuthErrorEvent {
	return &AuthErrorEvent{Type: TypeAuthError, Message: message}
}

func NewMessageSent(m *Message, clientRef string) *MessageSentEvent {
	return &MessageSentEvent{Type: TypeMessageSent, Message: m, ClientRef: clientRef}
}

func NewNewMessage(m *Message) *NewMessageEvent {
	return &NewMessageEvent{Type: TypeNewMessage, Message: m}
}

func NewMessageRejected(reason, clientRef string) *MessageRejectedEvent {
	return &MessageRejectedEvent{Type: TypeMessageRejected, Reason: reason, ClientRef: clientRef}
}

func NewUserTyping(id Identity, conversationKey string, isTyping bool) *UserTypingEvent {
	return &UserTypingEvent{Type: TypeUserTyping, Identity: id, ConversationKey: conversationKey, IsTyping: isTyping}
}

func NewMessageRead(messageID, conversationKey string, reader Identity) *MessageReadEvent {
	return &MessageReadEvent{Type: TypeMessageRead, MessageID: messageID, ConversationKey: conversationKey, ReaderIdentity: reader}
}

func NewConversationOpened(c *Conversation) *ConversationOpenedEvent {
	return &ConversationOpenedEvent{Type: TypeConversationOpened, Conversation: c}
}

func NewHistory(conversationKey string, messages []*Message) *HistoryEvent {
	if messages == nil {
		messages = []*Message{}
	}
	return &HistoryEvent{Type: TypeHistory, ConversationKey: conversationKey, Messages: messages}
}

func NewPong() *PongEvent {
	return &PongEvent{Type: TypePong}
}

// NewUserStatus builds a presence transition. lastSeen is reported for offline only.
func NewUserStatus(rec PresenceRecord) *UserStatusEvent {
	ev := &UserStatusEvent{Type: TypeUserStatus, Identity: rec.Identity, Online: rec.Online}
	if !rec.Online && !rec.LastSeen.IsZero() {
		ls := rec.LastSeen
		ev.LastSeen = &ls
	}
	return ev
}

func NewErrorEvent(code, message string) *ErrorEvent {
	return &ErrorEvent{Type: TypeError, Code: code, Message: message}
}
