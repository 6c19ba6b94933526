package handler

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/wes-io-relay/internal/domain"
	"github.com/weiawesome/wes-io-relay/pkg/log"
	"github.com/weiawesome/wes-io-relay/pkg/middleware"
	"github.com/weiawesome/wes-io-relay/pkg/response"
)

// ConversationLister lists the conversations of an identity.
type ConversationLister interface {
	ListConversations(ctx context.Context, id domain.Identity) ([]*domain.Conversation, error)
}

// HistoryReader reads messages of a conversation on behalf of a member.
type HistoryReader interface {
	History(ctx context.Context, id domain.Identity, key string, since time.Time, limit int) ([]*domain.Message, error)
}

// PresenceReader reports the presence of an identity.
type PresenceReader interface {
	Get(ctx context.Context, id domain.Identity) (domain.PresenceRecord, error)
}

// Handler serves the read-only REST API.
type Handler struct {
	conversations  ConversationLister
	history        HistoryReader
	presence       PresenceReader
	authMiddleware *middleware.AuthMiddleware
}

func NewHandler(conversations ConversationLister, history HistoryReader, presence PresenceReader, authMiddleware *middleware.AuthMiddleware) *Handler {
	return &Handler{
		conversations:  conversations,
		history:        history,
		presence:       presence,
		authMiddleware: authMiddleware,
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		conversations := api.Group("/conversations", h.authMiddleware.RequireAuth())
		{
			conversations.GET("", h.ListConversations)
			conversations.GET("/:key/messages", h.ListMessages)
		}
		api.GET("/presence/:identity", h.GetPresence)
	}
}

// ListConversations returns the caller's conversations, most recent first.
func (h *Handler) ListConversations(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	id := domain.Identity(middleware.GetIdentity(c))
	if id == "" {
		response.Unauthorized(c, "unauthorized")
		return
	}

	convs, err := h.conversations.ListConversations(ctx, id)
	if err != nil {
		l.Error().Err(err).Msg("failed to list conversations")
		response.InternalError(c, "failed to list conversations")
		return
	}
	response.Items(c, convs)
}

// ListMessages returns messages after ?since= (RFC 3339 or unix ms), oldest first.
func (h *Handler) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	id := domain.Identity(middleware.GetIdentity(c))
	if id == "" {
		response.Unauthorized(c, "unauthorized")
		return
	}
	key := c.Param("key")

	since, err := parseSince(c.Query("since"))
	if err != nil {
		response.BadRequest(c, "invalid since")
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			response.BadRequest(c, "invalid limit")
			return
		}
	}

	msgs, err := h.history.History(ctx, id, key, since, limit)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			response.NotFound(c, "conversation not found")
			return
		}
		l.Error().Err(err).Str(log.FieldConversationKey, key).Msg("failed to load messages")
		response.InternalError(c, "failed to load messages")
		return
	}
	response.Items(c, msgs)
}

// GetPresence returns the online state and last seen time of an identity.
func (h *Handler) GetPresence(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	id := domain.Identity(c.Param("identity"))
	rec, err := h.presence.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			response.NotFound(c, "identity not found")
			return
		}
		l.Error().Err(err).Str(log.FieldIdentity, string(id)).Msg("failed to get presence")
		response.InternalError(c, "failed to get presence")
		return
	}

	response.Success(c, rec)
}

func parseSince(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}
