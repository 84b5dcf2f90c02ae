package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/flowforge/gateway/pkg/auth"
)

const callerIDKey = "caller_id"

// Auth validates the bearer token and stores its subject as the caller id.
// Browsers cannot set headers on an EventSource, so stream routes may pass
// the token as the access_token query parameter instead.
func Auth(tokens *auth.UserTokenManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, problem := bearerToken(c)
		if problem != "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": problem})
			return
		}
		if tokens == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		claims, err := tokens.ValidateUserToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(callerIDKey, claims.Subject)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, string) {
	authorization := c.GetHeader("Authorization")
	if authorization == "" {
		if token := strings.TrimSpace(c.Query("access_token")); token != "" {
			return token, ""
		}
		return "", "missing authorization"
	}
	parts := strings.SplitN(authorization, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", "invalid authorization"
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// CallerID returns the id set by Auth.
func CallerID(c *gin.Context) string {
	return c.GetString(callerIDKey)
}
