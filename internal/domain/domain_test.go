package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"authenticate","identityToken":"tok"}`))
	require.NoError(t, err)
	assert.Equal(t, Authenticate{IdentityToken: "tok"}, ev)

	ev, err = Decode([]byte(`{"type":"send_message","to":"bob","contentText":"hi","clientRef":"c1"}`))
	require.NoError(t, err)
	sm, ok := ev.(SendMessage)
	require.True(t, ok)
	assert.Equal(t, Identity("bob"), sm.To)
	assert.Equal(t, "c1", sm.ClientRef)

	ev, err = Decode([]byte(`{"type":"resume","cursors":[{"conversationKey":"k","since":"2024-01-02T03:04:05.006Z"}]}`))
	require.NoError(t, err)
	r := ev.(Resume)
	require.Len(t, r.Cursors, 1)
	assert.Equal(t, 6*time.Millisecond, time.Duration(r.Cursors[0].Since.Nanosecond()))

	ev, err = Decode([]byte(`{"type":"ping"}`))
	require.NoError(t, err)
	assert.Equal(t, TypePing, ev.EventType())
}

func TestDecode_Errors(t *testing.T) {
	cases := map[string]string{
		"malformed":         `{"type":`,
		"no type":           `{}`,
		"unknown type":      `{"type":"dance"}`,
		"empty token":       `{"type":"authenticate","identityToken":"  "}`,
		"no target":         `{"type":"send_message","contentText":"hi"}`,
		"typing no key":     `{"type":"typing","isTyping":true}`,
		"mark_read no id":   `{"type":"mark_read"}`,
		"open no peer":      `{"type":"open_conversation"}`,
		"cursor no key":     `{"type":"resume","cursors":[{"since":"2024-01-02T03:04:05Z"}]}`,
		"wrong field types": `{"type":"typing","conversationKey":"k","isTyping":"yes"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrBadRequest))
		})
	}
}

func TestContentNormalize(t *testing.T) {
	_, _, err := Content{Text: "   "}.Normalize()
	r, ok := IsRejected(err)
	require.True(t, ok)
	assert.Equal(t, ReasonEmptyMessage, r.Reason)

	c, kind, err := Content{Text: " hello "}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, KindText, kind)
	assert.Equal(t, "hello", c.Text)

	img := &Attachment{URL: "https://cdn.example.com/a.png", Name: "a.png", Size: 10, MediaType: "image/png"}
	c, kind, err = Content{Attachment: img}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, KindImage, kind)
	assert.Equal(t, KindImage, c.Attachment.Kind)

	vid := &Attachment{URL: "http://x.example/v", Name: "v", MediaType: "video/mp4; codecs=avc1"}
	_, kind, err = Content{Attachment: vid}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, KindVideo, kind)

	doc := &Attachment{URL: "https://x.example/d", Name: "d.pdf"}
	_, kind, err = Content{Attachment: doc}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, KindFile, kind)

	bad := &Attachment{URL: "ftp://x.example/d", Name: "d"}
	_, _, err = Content{Attachment: bad}.Normalize()
	r, ok = IsRejected(err)
	require.True(t, ok)
	assert.Equal(t, ReasonEmptyMessage, r.Reason)

	_, _, err = Content{Text: "see", Attachment: &Attachment{URL: "/relative", Name: "d"}}.Normalize()
	r, ok = IsRejected(err)
	require.True(t, ok)
	assert.Equal(t, ReasonInvalidAttachment, r.Reason)

	_, _, err = Content{Attachment: &Attachment{URL: "https://x.example/d", Name: "d", Size: -1}}.Normalize()
	_, ok = IsRejected(err)
	assert.True(t, ok)
}

func TestCanonicalPair(t *testing.T) {
	a, b := CanonicalPair("bob", "alice")
	assert.Equal(t, Identity("alice"), a)
	assert.Equal(t, Identity("bob"), b)

	c := &Conversation{MemberA: a, MemberB: b}
	assert.True(t, c.HasMember("bob"))
	assert.False(t, c.HasMember("carol"))
	assert.False(t, c.HasMember(""))
	assert.Equal(t, Identity("alice"), c.Peer("bob"))
}

func TestNewUserStatus(t *testing.T) {
	seen := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	on := NewUserStatus(PresenceRecord{Identity: "a", Online: true, LastSeen: seen})
	assert.Nil(t, on.LastSeen)

	off := NewUserStatus(PresenceRecord{Identity: "a", Online: false, LastSeen: seen})
	require.NotNil(t, off.LastSeen)
	assert.Equal(t, seen, *off.LastSeen)

	data, err := json.Marshal(on)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"user_status","identity":"a","online":true}`, string(data))
}

func TestErrors(t *testing.T) {
	inner := errors.New("boom")
	err := &AuthError{Message: "invalid token", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "invalid token")
	assert.Equal(t, "rejected: empty message", (&Rejected{Reason: ReasonEmptyMessage}).Error())
}
