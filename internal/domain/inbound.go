package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event types from client.
const (
	TypeAuthenticate     = "authenticate"
	TypeSendMessage      = "send_message"
	TypeTyping           = "typing"
	TypeMarkRead         = "mark_read"
	TypeOpenConversation = "open_conversation"
	TypeResume           = "resume"
	TypePing             = "ping"
)

// ErrBadRequest is wrapped by every decode failure.
var ErrBadRequest = errors.New("bad request")

// Inbound is a decoded and validated client event.
type Inbound interface {
	EventType() string
}

// Authenticate binds a connection to an identity.
type Authenticate struct {
	IdentityToken string `json:"identityToken"`
}

// SendMessage submits content to an existing conversation or to a peer.
type SendMessage struct {
	ConversationKey string      `json:"conversationKey,omitempty"`
	To              Identity    `json:"to,omitempty"`
	ContentText     string      `json:"contentText,omitempty"`
	Attachment      *Attachment `json:"attachment,omitempty"`
	ClientRef       string      `json:"clientRef,omitempty"`
}

// Typing signals typing start or stop.
type Typing struct {
	ConversationKey string `json:"conversationKey"`
	IsTyping        bool   `json:"isTyping"`
}

// MarkRead acknowledges a message.
type MarkRead struct {
	MessageID string `json:"messageId"`
}

// OpenConversation finds or creates the conversation with Peer.
type OpenConversation struct {
	Peer Identity `json:"peer"`
}

// Cursor is the last message a client holds for a conversation.
type Cursor struct {
	ConversationKey string    `json:"conversationKey"`
	Since           time.Time `json:"since"`
}

// Resume requests replay after reconnecting.
type Resume struct {
	Cursors []Cursor `json:"cursors"`
}

// Ping is a client heartbeat.
type Ping struct{}

func (Authenticate) EventType() string     { return TypeAuthenticate }
func (SendMessage) EventType() string      { return TypeSendMessage }
func (Typing) EventType() string           { return TypeTyping }
func (MarkRead) EventType() string         { return TypeMarkRead }
func (OpenConversation) EventType() string { return TypeOpenConversation }
func (Resume) EventType() string           { return TypeResume }
func (Ping) EventType() string             { return TypePing }

type envelope struct {
	Type string `json:"type"`
}

// Decode parses and validates one client frame.
func Decode(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed json", ErrBadRequest)
	}

	switch env.Type {
	case TypeAuthenticate:
		var ev Authenticate
		if err := unmarshal(data, &ev); err != nil {
			return nil, err
		}
		if strings.TrimSpace(ev.IdentityToken) == "" {
			return nil, missing("identityToken")
		}
		return ev, nil

	case TypeSendMessage:
		var ev SendMessage
		if err := unmarshal(data, &ev); err != nil {
			return nil, err
		}
		if ev.ConversationKey == "" && ev.To == "" {
			return nil, missing("conversationKey or to")
		}
		return ev, nil

	case TypeTyping:
		var ev Typing
		if err := unmarshal(data, &ev); err != nil {
			return nil, err
		}
		if ev.ConversationKey == "" {
			return nil, missing("conversationKey")
		}
		return ev, nil

	case TypeMarkRead:
		var ev MarkRead
		if err := unmarshal(data, &ev); err != nil {
			return nil, err
		}
		if ev.MessageID == "" {
			return nil, missing("messageId")
		}
		return ev, nil

	case TypeOpenConversation:
		var ev OpenConversation
		if err := unmarshal(data, &ev); err != nil {
			return nil, err
		}
		if ev.Peer == "" {
			return nil, missing("peer")
		}
		return ev, nil

	case TypeResume:
		var ev Resume
		if err := unmarshal(data, &ev); err != nil {
			return nil, err
		}
		for i, c := range ev.Cursors {
			if c.ConversationKey == "" {
				return nil, missing(fmt.Sprintf("cursors[%d].conversationKey", i))
			}
		}
		return ev, nil

	case TypePing:
		return Ping{}, nil

	case "":
		return nil, missing("type")

	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrBadRequest, env.Type)
	}
}

func unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}

func missing(field string) error {
	return fmt.Errorf("%w: missing %s", ErrBadRequest, field)
}
