package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// userIDKey is the gin context key carrying the authenticated user id.
// Static-key requests leave it empty and draw from the public pool.
const userIDKey = "kirobox_user_id"

// clientAuth validates the client key from `Authorization: Bearer` or
// `x-api-key`. Gateway-issued keys resolve to their owner's user id;
// static keys from the settings admit the request anonymously. Rejections
// use the wire format of the guarded endpoint.
func (s *Server) clientAuth(format wireFormat) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := clientKey(c)
		if key == "" {
			writeWireError(c, format, http.StatusUnauthorized, errTypeAuthentication,
				"missing API key: pass it as 'Authorization: Bearer <key>' or 'x-api-key: <key>'")
			c.Abort()
			return
		}

		if s.jwtManager.IsAPIKeyFormat(key) {
			claims, err := s.jwtManager.ValidateAPIKey(key)
			if err != nil {
				logrus.Debugf("Rejected API key: %v", err)
				writeWireError(c, format, http.StatusUnauthorized, errTypeAuthentication, "invalid API key")
				c.Abort()
				return
			}
			c.Set(userIDKey, claims.UserID)
			c.Next()
			return
		}

		for _, configured := range s.settings.GetAPIKeys() {
			if key == configured {
				c.Set(userIDKey, "")
				c.Next()
				return
			}
		}

		writeWireError(c, format, http.StatusUnauthorized, errTypeAuthentication, "invalid API key")
		c.Abort()
	}
}

// clientKey extracts the key from the Authorization header, falling back to
// x-api-key.
func clientKey(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return c.GetHeader("x-api-key")
}

// clientUserID returns the authenticated user id set by clientAuth, empty
// for anonymous requests.
func clientUserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}

// corsMiddleware allows browser clients from any origin.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Requested-With, x-api-key, anthropic-version")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Content-Length")
		c.Writer.Header().Set("Access-Control-Max-Age", "43200")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// requestLogger logs one line per request. Bodies never appear in logs;
// failures land in the debug sink instead.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logrus.Debugf("%s %s -> %d (%s)",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(),
			time.Since(start).Round(time.Millisecond))
	}
}
