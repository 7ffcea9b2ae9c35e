package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const headerName = "X-API-Key"

// Middleware accepts a request carrying either the configured X-API-Key or a
// valid HS256 bearer token signed with jwtSecret. With both unset,
// authentication is disabled.
func Middleware(apiKey, jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" && jwtSecret == "" {
			c.Next()
			return
		}

		if provided := c.GetHeader(headerName); provided != "" && apiKey != "" {
			if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error": "invalid API key",
				})
				return
			}
			c.Next()
			return
		}

		if bearer, ok := bearerToken(c.GetHeader("Authorization")); ok && jwtSecret != "" {
			claims, err := ParseToken(bearer, jwtSecret)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error": "invalid token",
				})
				return
			}
			c.Set(SubjectKey, claims.Subject)
			c.Next()
			return
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "missing credentials",
		})
	}
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}
