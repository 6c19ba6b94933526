package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/wes-io-relay/pkg/log"
	"github.com/weiawesome/wes-io-relay/pkg/response"
)

const (
	IdentityKey   = log.FieldIdentity
	AuthHeaderKey = "Authorization"
	BearerPrefix  = "Bearer "
)

// ValidateFunc resolves a bearer token to an identity.
type ValidateFunc func(ctx context.Context, token string) (string, error)

// AuthMiddleware validates bearer tokens through an identity authority.
type AuthMiddleware struct {
	validate ValidateFunc
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(validate ValidateFunc) *AuthMiddleware {
	return &AuthMiddleware{validate: validate}
}

// RequireAuth returns a Gin middleware that validates bearer tokens.
func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader(AuthHeaderKey)
		if authHeader == "" {
			response.Abort(c, http.StatusUnauthorized, response.CodeUnauthorized, "missing authorization header")
			return
		}

		if !strings.HasPrefix(authHeader, BearerPrefix) {
			response.Abort(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid authorization format")
			return
		}

		token := strings.TrimPrefix(authHeader, BearerPrefix)
		identity, err := m.validate(c.Request.Context(), token)
		if err != nil || identity == "" {
			response.Abort(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token")
			return
		}

		c.Set(IdentityKey, identity)
		c.Next()
	}
}

// GetIdentity extracts the authenticated identity from Gin context.
func GetIdentity(c *gin.Context) string {
	if id, exists := c.Get(IdentityKey); exists {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}
