package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyActorID is the key for storing the caller's id in gin context
	ContextKeyActorID = "actorId"
	// ContextKeyRole is the key for storing the caller's role
	ContextKeyRole = "actorRole"
)

// Middleware resolves the caller and stores id and role in context.
// Requests without any identity pass through unauthenticated.
func Middleware(a *Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		bearer := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(c.GetHeader("Authorization")), "Bearer"))
		id, err := a.Resolve(bearer, c.GetHeader(HeaderActorID))
		switch {
		case err == nil:
			c.Set(ContextKeyActorID, id.ID)
			c.Set(ContextKeyRole, id.Role)
		case errors.Is(err, ErrUnknownToken):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Unknown bearer token.",
			})
			return
		}
		c.Next()
	}
}

// RequireActor rejects requests without a resolved caller.
func RequireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyActorID); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Caller identity required. Include the X-Actor-ID header.",
			})
			return
		}
		c.Next()
	}
}

// RequireRole rejects callers without the given role.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyActorID); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Caller identity required.",
			})
			return
		}
		if c.GetString(ContextKeyRole) != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "This operation requires the " + role + " role.",
			})
			return
		}
		c.Next()
	}
}

// Caller returns the resolved caller from context, if any.
func Caller(c *gin.Context) (Identity, bool) {
	id := c.GetString(ContextKeyActorID)
	if id == "" {
		return Identity{}, false
	}
	return Identity{ID: id, Role: c.GetString(ContextKeyRole)}, true
}
