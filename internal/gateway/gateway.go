// Package gateway owns the client protocol: it authenticates connections,
// decodes their events and routes them to the relay components.
package gateway

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/weiawesome/wes-io-relay/internal/audit"
	"github.com/weiawesome/wes-io-relay/internal/auth"
	"github.com/weiawesome/wes-io-relay/internal/broker"
	"github.com/weiawesome/wes-io-relay/internal/domain"
	"github.com/weiawesome/wes-io-relay/internal/hub"
	"github.com/weiawesome/wes-io-relay/internal/metrics"
	"github.com/weiawesome/wes-io-relay/internal/presence"
	"github.com/weiawesome/wes-io-relay/internal/room"
	"github.com/weiawesome/wes-io-relay/internal/typing"
	"github.com/weiawesome/wes-io-relay/pkg/log"
)

const DefaultAuthTimeout = 10 * time.Second

type Config struct {
	AuthTimeout time.Duration `mapstructure:"auth_timeout"`
	WebSocket   hub.Config    `mapstructure:"websocket"`
}

// Deps are the components a Gateway routes to.
type Deps struct {
	Hub       *hub.Hub
	Rooms     *room.Manager
	Broker    *broker.Broker
	Presence  *presence.Tracker
	Typing    *typing.Coordinator
	Authority auth.Authority
	Out       *Broadcaster
	Metrics   *metrics.Metrics
}

type Gateway struct {
	Deps
	config Config
	base   context.Context
}

// New creates a Gateway and subscribes it to presence transitions.
func New(ctx context.Context, deps Deps, cfg Config) *Gateway {
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = DefaultAuthTimeout
	}
	g := &Gateway{
		Deps:   deps,
		config: cfg,
		base:   context.WithoutCancel(ctx),
	}
	g.Presence.OnTransition(g.onPresence)
	return g
}

// Connect starts serving conn. The connection must authenticate within the
// auth timeout.
func (g *Gateway) Connect(conn *websocket.Conn) *hub.Client {
	c := hub.NewClient(g.base, uuid.NewString(), g.Hub, conn, g.config.WebSocket)
	g.Hub.Register(c)

	timer := time.AfterFunc(g.config.AuthTimeout, func() {
		if c.CloseUnbound(domain.NewAuthError("authentication timeout")) {
			audit.LogWithDetail(c.Context(), audit.ActionAuthFailed, "", "timeout", "authentication timed out")
		}
	})

	go c.WritePump()
	go func() {
		c.ReadPump(g.handle)
		timer.Stop()
		g.Disconnect(c)
	}()
	return c
}

func (g *Gateway) handle(c *hub.Client, data []byte) {
	ctx := c.Context()

	if !c.Allow() {
		g.Metrics.RateLimited()
		c.Send(domain.NewErrorEvent(domain.ErrCodeRateLimited, "rate limit exceeded"))
		return
	}

	ev, err := domain.Decode(data)
	if !c.Authenticated() {
		authEv, ok := ev.(domain.Authenticate)
		if err != nil || !ok {
			g.rejectAuth(ctx, c, "authenticate first", err)
			return
		}
		g.Authenticate(ctx, c, authEv.IdentityToken)
		return
	}
	if err != nil {
		c.Send(domain.NewErrorEvent(domain.ErrCodeBadRequest, err.Error()))
		return
	}
	g.Dispatch(ctx, c, ev)
}

// Authenticate binds c to the identity named by token, joins its groups and
// marks it online. Failure sends auth_error and closes c.
func (g *Gateway) Authenticate(ctx context.Context, c *hub.Client, token string) (domain.Identity, error) {
	id, err := g.Authority.ValidateToken(ctx, token)
	if err != nil {
		msg := "invalid identity token"
		var authErr *domain.AuthError
		if errors.As(err, &authErr) {
			msg = authErr.Message
		}
		g.rejectAuth(ctx, c, msg, err)
		return "", err
	}

	if _, ok := g.Hub.Bind(c, id); !ok {
		return "", &domain.AuthError{Message: "connection closed"}
	}
	ctx = withIdentity(ctx, id)

	groups, err := g.Rooms.JoinAll(ctx, id)
	if err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Msg("failed to load conversations")
		c.Send(domain.NewAuthError("unable to load conversations"))
		c.Close()
		return "", &domain.AuthError{Message: "unable to load conversations", Err: err}
	}

	c.Send(domain.NewAuthenticated(id, groups))
	g.Presence.SetOnline(id)
	audit.Log(ctx, audit.ActionAuth, id, "connection authenticated")
	return id, nil
}

func (g *Gateway) rejectAuth(ctx context.Context, c *hub.Client, msg string, err error) {
	detail := msg
	if err != nil {
		detail = err.Error()
	}
	audit.LogWithDetail(ctx, audit.ActionAuthFailed, "", detail, "authentication failed")
	c.Send(domain.NewAuthError(msg))
	c.Close()
}

// Dispatch routes one decoded event from an authenticated connection.
func (g *Gateway) Dispatch(ctx context.Context, c *hub.Client, ev domain.Inbound) {
	id := c.Identity()
	ctx = withIdentity(ctx, id)

	switch e := ev.(type) {
	case domain.Authenticate:
		c.Send(domain.NewErrorEvent(domain.ErrCodeBadRequest, "already authenticated"))

	case domain.SendMessage:
		g.sendMessage(ctx, c, id, e)

	case domain.Typing:
		if err := g.ensureJoined(ctx, id, e.ConversationKey); err != nil {
			g.sendError(ctx, c, err)
			return
		}
		g.Typing.SetTyping(ctx, id, e.ConversationKey, e.IsTyping)

	case domain.MarkRead:
		if err := g.Broker.MarkRead(ctx, id, e.MessageID); err != nil {
			g.sendError(ctx, c, err)
		}

	case domain.OpenConversation:
		conv, _, err := g.Rooms.JoinPeer(ctx, id, e.Peer)
		if err != nil {
			g.sendError(ctx, c, err)
			return
		}
		c.Send(domain.NewConversationOpened(conv))

	case domain.Resume:
		g.resume(ctx, c, id, e)

	case domain.Ping:
		c.Send(domain.NewPong())

	default:
		c.Send(domain.NewErrorEvent(domain.ErrCodeBadRequest, "unsupported event"))
	}
}

func (g *Gateway) sendMessage(ctx context.Context, c *hub.Client, id domain.Identity, e domain.SendMessage) {
	content := domain.Content{Text: e.ContentText, Attachment: e.Attachment}
	reject := func(reason string) {
		c.Send(domain.NewMessageRejected(reason, e.ClientRef))
	}
	if _, _, err := content.Normalize(); err != nil {
		reject(rejectReason(err))
		return
	}

	key := e.ConversationKey
	if e.To != "" {
		conv, _, err := g.Rooms.JoinPeer(ctx, id, e.To)
		if err != nil {
			reject(rejectReason(err))
			return
		}
		if key != "" && key != conv.Key {
			reject(domain.ReasonInvalidRecipient)
			return
		}
		key = conv.Key
	} else if err := g.ensureJoined(ctx, id, key); err != nil {
		reject(rejectReason(err))
		return
	}

	msg, err := g.Broker.Submit(ctx, id, key, content)
	if err != nil {
		reject(rejectReason(err))
		return
	}
	c.Send(domain.NewMessageSent(msg, e.ClientRef))
}

func (g *Gateway) resume(ctx context.Context, c *hub.Client, id domain.Identity, e domain.Resume) {
	for _, cur := range e.Cursors {
		if err := g.ensureJoined(ctx, id, cur.ConversationKey); err != nil {
			g.sendError(ctx, c, err)
			continue
		}
		msgs, err := g.Broker.History(ctx, id, cur.ConversationKey, cur.Since, 0)
		if err != nil {
			g.sendError(ctx, c, err)
			continue
		}
		c.Send(domain.NewHistory(cur.ConversationKey, msgs))
	}
}

func (g *Gateway) ensureJoined(ctx context.Context, id domain.Identity, key string) error {
	if g.Rooms.IsMember(id, key) {
		return nil
	}
	return g.Rooms.Join(ctx, id, key)
}

// Disconnect unregisters c. The identity goes offline after the grace
// period once its last connection is gone.
func (g *Gateway) Disconnect(c *hub.Client) {
	id, last := g.Hub.Unregister(c)
	if id == "" {
		return
	}
	ctx := withIdentity(context.WithoutCancel(c.Context()), id)
	audit.Log(ctx, audit.ActionDisconnect, id, "connection closed")
	if last {
		g.Typing.StopAll(ctx, id)
		g.Presence.ScheduleOffline(id)
		if !g.Presence.IsOnline(id) {
			// never came online, e.g. its conversations failed to load
			g.releaseGroups(id)
		}
	}
}

// releaseGroups drops the room membership of id unless it has a connection
// again. The check and the release are atomic with respect to JoinAll.
func (g *Gateway) releaseGroups(id domain.Identity) {
	g.Rooms.LeaveAllIf(id, func(id domain.Identity) bool {
		return !g.Hub.Connected(id)
	})
}

// onPresence tells the peers of every conversation of rec.Identity about
// the transition. It must not call back into the tracker.
func (g *Gateway) onPresence(rec domain.PresenceRecord) {
	ctx := withIdentity(g.base, rec.Identity)

	seen := make(map[domain.Identity]struct{})
	for _, key := range g.Rooms.GroupsOf(rec.Identity) {
		for _, member := range g.Rooms.Participants(key) {
			if member != rec.Identity {
				seen[member] = struct{}{}
			}
		}
	}
	peers := make([]domain.Identity, 0, len(seen))
	for p := range seen {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })

	g.Out.ToIdentities(ctx, string(rec.Identity), peers, domain.NewUserStatus(rec))

	if !rec.Online {
		g.releaseGroups(rec.Identity)
	}
}

func (g *Gateway) sendError(ctx context.Context, c *hub.Client, err error) {
	code := domain.ErrCodeInternal
	msg := "internal error"
	switch {
	case errors.Is(err, domain.ErrNotFound):
		code, msg = domain.ErrCodeNotFound, "not found"
	case errors.Is(err, domain.ErrBadRequest):
		code, msg = domain.ErrCodeBadRequest, err.Error()
	default:
		if r, ok := domain.IsRejected(err); ok {
			code, msg = domain.ErrCodeBadRequest, r.Reason
		} else {
			l := log.Ctx(ctx)
			l.Error().Err(err).Msg("request failed")
		}
	}
	c.Send(domain.NewErrorEvent(code, msg))
}

func rejectReason(err error) string {
	if r, ok := domain.IsRejected(err); ok {
		return r.Reason
	}
	switch {
	case errors.Is(err, domain.ErrNotParticipant):
		return domain.ReasonNotParticipant
	case errors.Is(err, domain.ErrNotFound):
		return domain.ReasonUnknownConversation
	default:
		return domain.ReasonStorageFailure
	}
}

func withIdentity(ctx context.Context, id domain.Identity) context.Context {
	return log.WithIdentity(ctx, string(id))
}
