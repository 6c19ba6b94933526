package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/weiawesome/wes-io-relay/internal/domain"
	"github.com/weiawesome/wes-io-relay/pkg/log"
)

// Overflow policies for a full send queue.
const (
	OverflowDropOldest = "drop_oldest"
	OverflowDisconnect = "disconnect"
)

// Config tunes every connection.
type Config struct {
	WriteWait      time.Duration `mapstructure:"write_wait"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	Overflow       string        `mapstructure:"overflow"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateBurst      int           `mapstructure:"rate_burst"`
}

// DefaultConfig returns the connection defaults.
func DefaultConfig() Config {
	return Config{
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingInterval:   54 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendBuffer:     256,
		Overflow:       OverflowDropOldest,
		RateLimit:      20,
		RateBurst:      40,
	}
}

func withDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongWait {
		cfg.PingInterval = cfg.PongWait * 9 / 10
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.Overflow != OverflowDisconnect {
		cfg.Overflow = OverflowDropOldest
	}
	return cfg
}

// Client is one websocket connection. It may be bound to an identity once.
type Client struct {
	ID   string
	Conn *websocket.Conn

	hub     *Hub
	send    chan []byte
	config  Config
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	identity domain.Identity
	closed   bool
}

// NewClient wraps conn. The client context carries a connection-scoped logger
// and is cancelled when the client closes.
func NewClient(ctx context.Context, id string, h *Hub, conn *websocket.Conn, cfg Config) *Client {
	cfg = withDefaults(cfg)
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	ctx, cancel := context.WithCancel(log.WithConnection(ctx, id))
	return &Client{
		ID:      id,
		Conn:    conn,
		hub:     h,
		send:    make(chan []byte, cfg.SendBuffer),
		config:  cfg,
		limiter: rate.NewLimiter(limit, burst),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Context is cancelled once the client is closed.
func (c *Client) Context() context.Context {
	return c.ctx
}

// Identity returns the bound identity, or "" before authentication.
func (c *Client) Identity() domain.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Authenticated reports whether an identity is bound.
func (c *Client) Authenticated() bool {
	return c.Identity() != ""
}

// Allow consumes one inbound event token.
func (c *Client) Allow() bool {
	return c.limiter.Allow()
}

// Send marshals v and queues it.
func (c *Client) Send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.SendRaw(data)
	return nil
}

// SendRaw queues data without blocking. A full queue is resolved by the
// overflow policy. It returns false if data was not queued.
func (c *Client) SendRaw(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendLocked(data)
}

// CloseUnbound queues v as a final event and closes c, unless an identity
// is already bound. It reports whether c was closed by this call.
func (c *Client) CloseUnbound(v interface{}) bool {
	data, err := json.Marshal(v)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity != "" || c.closed {
		return false
	}
	if err == nil {
		c.sendLocked(data)
	}
	c.closeLocked()
	return true
}

func (c *Client) sendLocked(data []byte) bool {
	if c.closed {
		return false
	}

	select {
	case c.send <- data:
		return true
	default:
	}

	c.hub.metrics.SendDropped(c.config.Overflow)
	if c.config.Overflow == OverflowDisconnect {
		l := log.Ctx(c.ctx)
		l.Warn().Msg("send queue full, disconnecting slow connection")
		c.closeLocked()
		return false
	}

	select {
	case <-c.send:
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close stops accepting sends. WritePump drains the queue, writes a close
// frame and closes the socket.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	c.cancel()
}

func (c *Client) bind(id domain.Identity) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity != "" || c.closed {
		return false
	}
	c.identity = id
	return true
}

// ReadPump hands each inbound frame to handler until the socket fails.
func (c *Client) ReadPump(handler func(*Client, []byte)) {
	defer func() {
		c.Close()
		c.Conn.Close()
	}()

	if c.config.MaxMessageSize > 0 {
		c.Conn.SetReadLimit(c.config.MaxMessageSize)
	}
	c.Conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l := log.Ctx(c.ctx)
				l.Warn().Err(err).Msg("websocket read error")
			}
			return
		}
		handler(c, message)
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
