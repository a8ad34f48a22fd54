// Package middleware holds the gin middleware shared by all HTTP
// surfaces: API-key auth, CORS, rate limiting, panic recovery, request
// ids and metrics.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// extractAPIKey pulls the caller's key from, in order: Authorization
// Bearer, x-api-key, x-goog-api-key, the key query parameter.
func extractAPIKey(c *gin.Context) string {
	auth := strings.TrimSpace(c.GetHeader("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		if key := strings.TrimSpace(auth[7:]); key != "" {
			return key
		}
	}
	if key := strings.TrimSpace(c.GetHeader("x-api-key")); key != "" {
		return key
	}
	if key := strings.TrimSpace(c.GetHeader("x-goog-api-key")); key != "" {
		return key
	}
	return strings.TrimSpace(c.Query("key"))
}

// APIKeyAuth guards the proxy surfaces. With no keys configured all
// requests pass.
func APIKeyAuth(keys []string) gin.HandlerFunc {
	keySet := make(map[string]bool, len(keys))
	for _, k := range keys {
		if k != "" {
			keySet[k] = true
		}
	}

	return func(c *gin.Context) {
		if len(keySet) == 0 {
			c.Next()
			return
		}
		key := extractAPIKey(c)
		if key == "" || !keySet[key] {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid or missing API key",
			})
			return
		}
		c.Set("api_key", key)
		c.Next()
	}
}

// AdminAuth guards the management API with a bcrypt password hash
// supplied as a bearer token. An empty hash disables the management
// surface entirely.
func AdminAuth(passwordHash string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if passwordHash == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "management API is disabled",
			})
			return
		}
		key := extractAPIKey(c)
		if key == "" || bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(key)) != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid or missing admin credentials",
			})
			return
		}
		c.Next()
	}
}

// RewriteDoubledBeta fixes clients that concatenate a base URL already
// ending in /v1beta, producing /v1beta/v1beta/... paths. The rewrite
// must happen before routing, so it wraps the whole engine.
func RewriteDoubledBeta(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const doubled = "/v1beta/v1beta/"
		if strings.HasPrefix(r.URL.Path, doubled) {
			r.URL.Path = "/v1beta/" + strings.TrimPrefix(r.URL.Path, doubled)
		}
		next.ServeHTTP(w, r)
	})
}
