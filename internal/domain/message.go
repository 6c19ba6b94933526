package domain

import (
	"mime"
	"net/url"
	"strings"
	"time"
)

// MessageKind classifies message content.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindVideo MessageKind = "video"
	KindFile  MessageKind = "file"
)

// Attachment references externally stored media.
type Attachment struct {
	URL       string      `json:"url"`
	Name      string      `json:"name"`
	Size      int64       `json:"size"`
	MediaType string      `json:"mediaType,omitempty"`
	Kind      MessageKind `json:"kind,omitempty"`
}

// Message is an accepted chat message. Only IsRead changes after acceptance.
type Message struct {
	Key             string      `json:"messageId"`
	ConversationKey string      `json:"conversationKey"`
	Sender          Identity    `json:"sender"`
	Text            string      `json:"text,omitempty"`
	Kind            MessageKind `json:"kind"`
	Attachment      *Attachment `json:"attachment,omitempty"`
	IsRead          bool        `json:"isRead"`
	CreatedAt       time.Time   `json:"createdAt"`
}

// Content is what a sender submits.
type Content struct {
	Text       string
	Attachment *Attachment
}

// Normalize validates the content and derives the message kind.
// It returns a Rejected error when the content cannot be accepted.
func (c Content) Normalize() (Content, MessageKind, error) {
	text := strings.TrimSpace(c.Text)

	if c.Attachment == nil {
		if text == "" {
			return Content{}, "", &Rejected{Reason: ReasonEmptyMessage}
		}
		return Content{Text: text}, KindText, nil
	}

	att := *c.Attachment
	if !att.wellFormed() {
		if text == "" {
			return Content{}, "", &Rejected{Reason: ReasonEmptyMessage}
		}
		return Content{}, "", &Rejected{Reason: ReasonInvalidAttachment}
	}

	att.Kind = att.resolveKind()
	return Content{Text: text, Attachment: &att}, att.Kind, nil
}

func (a Attachment) wellFormed() bool {
	if strings.TrimSpace(a.Name) == "" || a.Size < 0 {
		return false
	}
	u, err := url.Parse(strings.TrimSpace(a.URL))
	if err != nil || !u.IsAbs() || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

func (a Attachment) resolveKind() MessageKind {
	switch a.Kind {
	case KindImage, KindVideo, KindFile:
		return a.Kind
	}

	mediaType, _, err := mime.ParseMediaType(a.MediaType)
	if err != nil {
		return KindFile
	}
	switch {
	case strings.HasPrefix(mediaType, "image/"):
		return KindImage
	case strings.HasPrefix(mediaType, "video/"):
		return KindVideo
	default:
		return KindFile
	}
}
