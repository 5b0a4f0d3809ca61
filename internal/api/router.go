package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/LeventeLantos/relay/internal/model"
)

func Router(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(h.logger))

	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "relay")
	})

	r.GET("/v1/health", h.Health)
	r.POST("/v1/users/register", h.RegisterUser)

	v1 := r.Group("/v1", h.authenticate)

	devices := v1.Group("/devices", requireRole(model.RoleSubAdmin))
	devices.POST("/register", h.RegisterDevice)
	devices.POST("/assign", h.AssignDevice)

	messages := v1.Group("/messages")
	messages.POST("/send", h.SendMessage)
	messages.GET("/all", h.ListMessages)
	messages.GET("/pending", h.PendingMessages)
	messages.GET("/:id", h.GetMessage)
	messages.GET("/:id/status", h.MessageStatus)
	messages.PATCH("/:id/delivered", h.SetStatus(model.Delivered))
	messages.PATCH("/:id/read", h.SetStatus(model.Read))
	messages.PATCH("/:id/failed", h.SetStatus(model.Failed))
	messages.POST("/:id/reply", h.ReplyMessage)
	messages.POST("/:id/requeue", h.RequeueMessage)

	v1.GET("/queue/status", h.QueueStatus)
	v1.POST("/queue/enqueue", h.Enqueue)

	v1.GET("/poller/status", h.PollerStatus)
	v1.POST("/poller/start", h.PollerStart)
	v1.POST("/poller/stop", h.PollerStop)

	v1.GET("/ws", h.Socket)

	return r
}
