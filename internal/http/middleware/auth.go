package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// BearerToken rejects requests that do not present token as
// "Authorization: Bearer <token>". An empty token disables the check.
func BearerToken(token string) gin.HandlerFunc {
	want := []byte(token)
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), want) != 1 {
			c.Header("WWW-Authenticate", `Bearer realm="review-bridge"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       "unauthorized",
				"message":    "missing or invalid webhook token",
			})
			return
		}
		c.Next()
	}
}
