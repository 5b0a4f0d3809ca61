package api

import (
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/LeventeLantos/relay/internal/model"
)

const (
	apiKeyHeader = "X-API-Key"
	identityKey  = "identity"
)

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		logger.Info("http request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// authenticate resolves the caller from the X-API-Key header. Websocket
// clients that cannot set headers may pass ?apiKey= instead.
func (h *Handler) authenticate(c *gin.Context) {
	key := c.GetHeader(apiKeyHeader)
	if key == "" {
		key = c.Query("apiKey")
	}
	if key == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + apiKeyHeader})
		return
	}

	u, err := h.registry.FindByAPIKey(c.Request.Context(), key)
	if errors.Is(err, model.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid api key"})
		return
	}
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	c.Set(identityKey, u)
	c.Next()
}

func requireRole(roles ...model.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !slices.Contains(roles, identity(c).Role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": model.ErrForbidden.Error()})
			return
		}
		c.Next()
	}
}

func identity(c *gin.Context) model.User {
	u, _ := c.Get(identityKey)
	who, _ := u.(model.User)
	return who
}
