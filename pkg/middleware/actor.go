package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
)

type actorKey struct{}

var ActorContextKey = actorKey{}

// Actor identifies the authenticated caller as resolved by the identity
// provider in front of this service. ACE only consumes the headers; it never
// authenticates.
type Actor struct {
	Subject string
	Role    string
}

const (
	RoleInfluencer = "influencer"
	RoleMerchant   = "merchant"
	RoleAdmin      = "admin"
)

// deriveRoleFromKey guesses the role from the API key prefix convention used
// by the platform gateway.
func deriveRoleFromKey(key string) string {
	switch {
	case strings.HasPrefix(key, "inf_"):
		return RoleInfluencer
	case strings.HasPrefix(key, "mrc_"):
		return RoleMerchant
	case strings.HasPrefix(key, "adm_"):
		return RoleAdmin
	default:
		return ""
	}
}

// WithActor resolves the caller from X-Subject-ID / X-Subject-Role (set by
// the gateway) with an x-api-key prefix fallback, and stores it on the
// request context.
func WithActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := Actor{
			Subject: c.GetHeader("X-Subject-ID"),
			Role:    c.GetHeader("X-Subject-Role"),
		}

		if actor.Role == "" {
			actor.Role = deriveRoleFromKey(c.GetHeader("x-api-key"))
		}

		ctx := context.WithValue(c.Request.Context(), ActorContextKey, actor)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// ActorFrom returns the actor stored on the context, if any.
func ActorFrom(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(ActorContextKey).(Actor)
	return actor, ok
}
