package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-relay/internal/domain"
)

func newTestClient(h *Hub, id string, cfg Config) *Client {
	c := NewClient(context.Background(), id, h, nil, cfg)
	h.Register(c)
	return c
}

func drain(c *Client) []string {
	var out []string
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return out
			}
			out = append(out, string(data))
		default:
			return out
		}
	}
}

func TestBindAndUnregister(t *testing.T) {
	h := NewHub(nil)
	c1 := newTestClient(h, "c1", DefaultConfig())
	c2 := newTestClient(h, "c2", DefaultConfig())

	first, ok := h.Bind(c1, "alice")
	require.True(t, ok)
	assert.True(t, first)

	first, ok = h.Bind(c2, "alice")
	require.True(t, ok)
	assert.False(t, first)

	_, ok = h.Bind(c1, "bob")
	assert.False(t, ok, "a client binds only once")
	assert.Equal(t, domain.Identity("alice"), c1.Identity())

	id, last := h.Unregister(c1)
	assert.Equal(t, domain.Identity("alice"), id)
	assert.False(t, last)
	assert.True(t, h.Connected("alice"))

	_, last = h.Unregister(c2)
	assert.True(t, last)
	assert.False(t, h.Connected("alice"))
	assert.Equal(t, 0, h.ClientCount())

	_, last = h.Unregister(c2)
	assert.False(t, last, "second unregister is a no-op")
}

func TestUnregisterUnauthenticated(t *testing.T) {
	h := NewHub(nil)
	c := newTestClient(h, "c1", DefaultConfig())

	id, last := h.Unregister(c)
	assert.Empty(t, id)
	assert.False(t, last)
	assert.Error(t, c.Context().Err())
}

func TestCloseUnbound(t *testing.T) {
	h := NewHub(nil)
	final := map[string]string{"type": "auth_error"}

	bound := newTestClient(h, "c1", DefaultConfig())
	_, ok := h.Bind(bound, "alice")
	require.True(t, ok)
	assert.False(t, bound.CloseUnbound(final))
	assert.NoError(t, bound.Context().Err())

	idle := newTestClient(h, "c2", DefaultConfig())
	assert.True(t, idle.CloseUnbound(final))
	assert.Equal(t, []string{`{"type":"auth_error"}`}, drain(idle))
	assert.Error(t, idle.Context().Err())

	_, ok = h.Bind(idle, "bob")
	assert.False(t, ok, "a closed client cannot bind")
	assert.False(t, idle.CloseUnbound(final))
}

func TestSendToIdentitiesExcludes(t *testing.T) {
	h := NewHub(nil)
	a1 := newTestClient(h, "a1", DefaultConfig())
	a2 := newTestClient(h, "a2", DefaultConfig())
	b := newTestClient(h, "b", DefaultConfig())
	h.Bind(a1, "alice")
	h.Bind(a2, "alice")
	h.Bind(b, "bob")

	n := h.SendToIdentities([]domain.Identity{"alice", "bob"}, []byte(`x`), "alice")
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"x"}, drain(b))
	assert.Empty(t, drain(a1))
	assert.Empty(t, drain(a2))

	n = h.SendToIdentities([]domain.Identity{"alice", "carol"}, []byte(`y`), "")
	assert.Equal(t, 2, n)
}

func TestOverflowDropOldest(t *testing.T) {
	h := NewHub(nil)
	cfg := DefaultConfig()
	cfg.SendBuffer = 2
	c := newTestClient(h, "c", cfg)

	assert.True(t, c.SendRaw([]byte("1")))
	assert.True(t, c.SendRaw([]byte("2")))
	assert.True(t, c.SendRaw([]byte("3")))

	assert.Equal(t, []string{"2", "3"}, drain(c))
	assert.NoError(t, c.Context().Err())
}

func TestOverflowDisconnect(t *testing.T) {
	h := NewHub(nil)
	cfg := DefaultConfig()
	cfg.SendBuffer = 1
	cfg.Overflow = OverflowDisconnect
	c := newTestClient(h, "c", cfg)

	assert.True(t, c.SendRaw([]byte("1")))
	assert.False(t, c.SendRaw([]byte("2")))
	assert.Error(t, c.Context().Err())
	assert.False(t, c.SendRaw([]byte("3")), "closed client accepts nothing")
	assert.Equal(t, []string{"1"}, drain(c))
}

func TestAllowRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit = 1
	cfg.RateBurst = 2
	c := NewClient(context.Background(), "c", NewHub(nil), nil, cfg)

	assert.True(t, c.Allow())
	assert.True(t, c.Allow())
	assert.False(t, c.Allow())
}

func TestPumpsRoundTrip(t *testing.T) {
	h := NewHub(nil)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewClient(context.Background(), "srv", h, conn, DefaultConfig())
		h.Register(c)
		go c.WritePump()
		go func() {
			c.ReadPump(func(c *Client, data []byte) {
				if string(data) == "bye" {
					c.Close()
					return
				}
				c.SendRaw([]byte(strings.ToUpper(string(data))))
			})
			h.Unregister(c)
		}()
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "HELLO", string(data))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("bye")))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
