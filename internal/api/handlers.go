package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/LeventeLantos/relay/internal/delivery"
	"github.com/LeventeLantos/relay/internal/directory"
	"github.com/LeventeLantos/relay/internal/model"
	"github.com/LeventeLantos/relay/internal/queue"
	"github.com/LeventeLantos/relay/internal/realtime"
	"github.com/LeventeLantos/relay/internal/scheduler"
)

// Check reports the health of one dependency.
type Check func(ctx context.Context) error

type Deps struct {
	Messages *delivery.Service
	Queue    *queue.Processor
	Poller   *scheduler.Poller
	Registry directory.Registry
	Gateway  *realtime.Gateway
	Fanout   delivery.Fanout
	Checks   map[string]Check
	Logger   *slog.Logger
}

type Handler struct {
	messages *delivery.Service
	queue    *queue.Processor
	poller   *scheduler.Poller
	registry directory.Registry
	gateway  *realtime.Gateway
	fanout   delivery.Fanout
	checks   map[string]Check
	logger   *slog.Logger
}

// NewHandler also registers the websocket client events on d.Gateway.
func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		messages: d.Messages,
		queue:    d.Queue,
		poller:   d.Poller,
		registry: d.Registry,
		gateway:  d.Gateway,
		fanout:   d.Fanout,
		checks:   d.Checks,
		logger:   logger.With("component", "api"),
	}
	if h.gateway != nil {
		h.registerSocketEvents()
	}
	return h
}

func (h *Handler) Health(c *gin.Context) {
	status := http.StatusOK
	results := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(c.Request.Context()); err != nil {
			status = http.StatusServiceUnavailable
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}
	c.JSON(status, gin.H{"ok": status == http.StatusOK, "checks": results})
}

func (h *Handler) RegisterUser(c *gin.Context) {
	var in directory.NewUser
	if err := c.ShouldBindJSON(&in); err != nil {
		writeError(c, h.logger, model.Invalid("body", err.Error()))
		return
	}
	u, err := h.registry.RegisterUser(c.Request.Context(), in)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, u)
}

func (h *Handler) RegisterDevice(c *gin.Context) {
	var in directory.NewDevice
	if err := c.ShouldBindJSON(&in); err != nil {
		writeError(c, h.logger, model.Invalid("body", err.Error()))
		return
	}
	dev, err := h.registry.RegisterDevice(c.Request.Context(), identity(c).ID, in)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, dev)
}

type assignRequest struct {
	DeviceID string   `json:"deviceId"`
	UserIDs  []string `json:"userIds"`
}

func (h *Handler) AssignDevice(c *gin.Context) {
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, h.logger, model.Invalid("body", err.Error()))
		return
	}
	if req.DeviceID == "" {
		writeError(c, h.logger, model.Invalid("deviceId", "required"))
		return
	}
	if len(req.UserIDs) == 0 {
		writeError(c, h.logger, model.Invalid("userIds", "at least one user is required"))
		return
	}

	dev, err := h.registry.AssignDevice(c.Request.Context(), identity(c).ID, req.DeviceID, req.UserIDs)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dev)
}

func (h *Handler) SendMessage(c *gin.Context) {
	var in delivery.NewMessage
	if err := c.ShouldBindJSON(&in); err != nil {
		writeError(c, h.logger, model.Invalid("body", err.Error()))
		return
	}
	if in.Origin == "" {
		in.Origin = model.OriginAPI
	}
	who := identity(c)
	uid, err := h.actingUser(c.Request.Context(), &who, in.UserID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	in.UserID = uid

	m, err := h.messages.Send(c.Request.Context(), in)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (h *Handler) ListMessages(c *gin.Context) {
	items, err := h.messages.List(c.Request.Context(), identity(c), parseInt(c.Query("limit"), 0))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": nonNil(items)})
}

func (h *Handler) PendingMessages(c *gin.Context) {
	items, err := h.messages.Pending(c.Request.Context(), parseInt(c.Query("limit"), 0))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": nonNil(items)})
}

func (h *Handler) GetMessage(c *gin.Context) {
	m, err := h.messages.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *Handler) MessageStatus(c *gin.Context) {
	id := c.Param("id")
	st, err := h.messages.LastStatus(c.Request.Context(), id)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, model.StatusUpdate{MessageID: id, Status: st})
}

func (h *Handler) SetStatus(status model.Status) gin.HandlerFunc {
	return func(c *gin.Context) {
		m, err := h.messages.SetStatus(c.Request.Context(), c.Param("id"), status)
		if err != nil {
			writeError(c, h.logger, err)
			return
		}
		c.JSON(http.StatusOK, m)
	}
}

type replyBody struct {
	Content string `json:"content"`
	UserID  string `json:"userId"`
}

func (h *Handler) ReplyMessage(c *gin.Context) {
	var body replyBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, h.logger, model.Invalid("body", err.Error()))
		return
	}
	who := identity(c)
	uid, err := h.actingUser(c.Request.Context(), &who, body.UserID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	m, err := h.messages.Reply(c.Request.Context(), delivery.ReplyRequest{
		OriginalMessageID: c.Param("id"),
		Content:           body.Content,
		UserID:            uid,
		Origin:            model.OriginAPI,
	})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (h *Handler) RequeueMessage(c *gin.Context) {
	m, err := h.queue.Requeue(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusAccepted, m)
}

func (h *Handler) QueueStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.queue.Status())
}

func (h *Handler) Enqueue(c *gin.Context) {
	added, err := h.queue.EnqueueBatch(c.Request.Context(), parseInt(c.Query("limit"), 0))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": added, "processing": h.queue.IsProcessing()})
}

func (h *Handler) PollerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.poller.Status())
}

func (h *Handler) PollerStart(c *gin.Context) {
	h.poller.Start()
	c.JSON(http.StatusOK, h.poller.Status())
}

func (h *Handler) PollerStop(c *gin.Context) {
	h.poller.Stop()
	c.JSON(http.StatusOK, h.poller.Status())
}

func (h *Handler) Socket(c *gin.Context) {
	who := identity(c)
	if err := h.gateway.Serve(c.Writer, c.Request, &who); err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
	}
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func nonNil(items []model.Message) []model.Message {
	if items == nil {
		return []model.Message{}
	}
	return items
}
