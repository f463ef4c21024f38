package endpoints

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"lingopod/internal/auth"
)

const deviceUUIDKey = "device_uuid"

// JWTAuth validates the bearer token and stores the device uuid on the
// context for handlers.
func JWTAuth(manager *auth.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}

		deviceUUID, err := manager.VerifyAccessToken(token)
		if err != nil {
			slog.Warn("token rejected", "path", c.Request.URL.Path, "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(deviceUUIDKey, deviceUUID)
		c.Next()
	}
}

// ServiceAuth admits only callers holding the shared internal token. Used
// by the ingest worker's upload endpoints.
func ServiceAuth(serviceToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if serviceToken == "" || !ok ||
			subtle.ConstantTimeCompare([]byte(token), []byte(serviceToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid service token"})
			return
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		return "", false
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header {
		return "", false
	}
	return token, true
}

// DeviceUUID returns the authenticated device for the request.
func DeviceUUID(c *gin.Context) string {
	return c.GetString(deviceUUIDKey)
}
