package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/weiawesome/wes-io-relay/internal/domain"
	"github.com/weiawesome/wes-io-relay/pkg/jwt"
)

// Authority resolves an identity token to the identity it names.
type Authority interface {
	ValidateToken(ctx context.Context, token string) (domain.Identity, error)
}

// JWTAuthority verifies signed tokens. The subject claim is the identity.
type JWTAuthority struct {
	manager *jwt.Manager
}

func NewJWTAuthority(manager *jwt.Manager) *JWTAuthority {
	return &JWTAuthority{manager: manager}
}

// ValidateToken returns a *domain.AuthError for every rejected token.
func (a *JWTAuthority) ValidateToken(ctx context.Context, token string) (domain.Identity, error) {
	if token == "" {
		return "", &domain.AuthError{Message: "missing identity token"}
	}
	if err := ctx.Err(); err != nil {
		return "", &domain.AuthError{Message: "authentication cancelled", Err: err}
	}

	claims, err := a.manager.ValidateToken(token)
	if err != nil {
		msg := "invalid identity token"
		if errors.Is(err, jwt.ErrExpiredToken) {
			msg = "identity token expired"
		}
		return "", &domain.AuthError{Message: msg, Err: fmt.Errorf("validate token: %w", err)}
	}
	return domain.Identity(claims.Subject), nil
}

// Subject adapts an Authority to the HTTP bearer middleware.
func Subject(a Authority) func(ctx context.Context, token string) (string, error) {
	return func(ctx context.Context, token string) (string, error) {
		id, err := a.ValidateToken(ctx, token)
		return string(id), err
	}
}
