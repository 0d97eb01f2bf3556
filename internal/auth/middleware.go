// Package auth trusts actor identity asserted by the upstream gateway.
//
// Sessions and permissions are owned by the surrounding application. The
// gateway authenticates the caller, then forwards X-Actor-ID and X-Actor-Role
// together with a shared X-Internal-Token. This package only verifies the
// token and exposes the asserted actor to handlers.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/procurepay/internal/logging"
)

// Headers set by the upstream gateway.
const (
	HeaderInternalToken = "X-Internal-Token"
	HeaderActorID       = "X-Actor-ID"
	HeaderActorRole     = "X-Actor-Role"
)

const (
	// ContextKeyActorID is the gin context key for the asserted actor ID.
	ContextKeyActorID = "actorId"
	// ContextKeyActorRole is the gin context key for the asserted actor role.
	ContextKeyActorRole = "actorRole"
)

// KnownRoles are the roles the gateway may assert.
var KnownRoles = []string{"payer", "payee", "reviewer", "admin"}

// Middleware verifies the internal token and, when it matches, copies the
// actor headers into the gin context. An empty token disables the check,
// which is only allowed outside production (see config.Validate).
// Requests with a wrong token are rejected outright.
func Middleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token != "" && !SecureCompare(c.GetHeader(HeaderInternalToken), token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "missing or invalid internal token",
			})
			return
		}

		id := strings.TrimSpace(c.GetHeader(HeaderActorID))
		role := strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderActorRole)))
		if id != "" && isKnownRole(role) {
			c.Set(ContextKeyActorID, id)
			c.Set(ContextKeyActorRole, role)
			c.Request = c.Request.WithContext(logging.WithActorID(c.Request.Context(), id))
		}
		c.Next()
	}
}

// RequireActor rejects requests that carry no recognized actor.
func RequireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, _, ok := ActorFrom(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "X-Actor-ID and a known X-Actor-Role are required",
			})
			return
		}
		c.Next()
	}
}

// RequireRole rejects requests whose actor role is not one of roles.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, role, ok := ActorFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "actor required",
			})
			return
		}
		for _, r := range roles {
			if r == role {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "role " + role + " may not access this resource",
		})
	}
}

// RequireSecret guards machine-to-machine endpoints (gateway callbacks) with
// a shared secret in header. An empty secret rejects every request.
func RequireSecret(header, secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" || !SecureCompare(c.GetHeader(header), secret) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "invalid " + header,
			})
			return
		}
		c.Next()
	}
}

// ActorFrom returns the actor asserted for this request.
func ActorFrom(c *gin.Context) (id, role string, ok bool) {
	id = c.GetString(ContextKeyActorID)
	role = c.GetString(ContextKeyActorRole)
	return id, role, id != "" && role != ""
}

// SecureCompare compares two strings in constant time.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func isKnownRole(role string) bool {
	for _, r := range KnownRoles {
		if r == role {
			return true
		}
	}
	return false
}
