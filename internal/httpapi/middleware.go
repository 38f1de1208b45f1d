package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// UserHeader carries the caller's user id, set by the authenticating proxy.
const UserHeader = "X-User-ID"

const userIDKey = "userID"

// requireUser reads the user id resolved upstream.
func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(UserHeader)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"message": "missing " + UserHeader + " header"}})
			return
		}
		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || userID <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"message": "invalid user id"}})
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

func userID(c *gin.Context) int64 {
	return c.MustGet(userIDKey).(int64)
}

func requestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("Request failed")
			return
		}
		entry.Debug("Request served")
	}
}

func recovery(log logrus.FieldLogger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log.WithField("panic", recovered).Error("Panic while serving request")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": gin.H{"message": "internal server error"}})
	})
}

func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
