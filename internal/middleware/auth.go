package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jprofessionals/shopping-list-sub001/internal/auth"
	"github.com/jprofessionals/shopping-list-sub001/internal/event"
)

const accountContextKey = "account"

// AccountFromContext returns the authenticated account as an event actor.
func AccountFromContext(c *gin.Context) (event.Actor, bool) {
	v, ok := c.Get(accountContextKey)
	if !ok {
		return event.Actor{}, false
	}
	actor, ok := v.(event.Actor)
	return actor, ok && actor.ID != ""
}

func SetAccount(c *gin.Context, claims *auth.Claims) {
	c.Set(accountContextKey, event.Actor{ID: claims.AccountID(), DisplayName: claims.DisplayName})
}

func RequireAuth(cfg auth.TokenConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			return
		}

		claims, err := auth.VerifyToken(parts[1], cfg)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			return
		}

		SetAccount(c, claims)
		c.Next()
	}
}
