package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/LeventeLantos/relay/internal/delivery"
	"github.com/LeventeLantos/relay/internal/model"
	"github.com/LeventeLantos/relay/internal/realtime"
)

// Client events accepted on the websocket.
const (
	evJoinRoom           = "joinRoom"
	evSendMessage        = "sendMessage"
	evReplyMessage       = "replyMessage"
	evMessageDelivered   = "messageDelivered"
	evMessageRead        = "messageRead"
	evGetPendingMessages = "getPendingMessages"
	evGetAllMessages     = "getAllMessages"
	evDeviceActivity     = "deviceActivity"
)

func (h *Handler) registerSocketEvents() {
	h.gateway.On(evJoinRoom, h.onJoinRoom)
	h.gateway.On(evSendMessage, h.onSendMessage)
	h.gateway.On(evReplyMessage, h.onReplyMessage)
	h.gateway.On(evMessageDelivered, h.onStatus(model.Delivered))
	h.gateway.On(evMessageRead, h.onStatus(model.Read))
	h.gateway.On(evGetPendingMessages, h.onGetPending)
	h.gateway.On(evGetAllMessages, h.onGetAll)
	h.gateway.On(evDeviceActivity, h.onDeviceActivity)
}

// decodeID accepts either a bare JSON string or an object carrying field.
func decodeID(data json.RawMessage, field string) (string, error) {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s == "" {
			return "", model.Invalid(field, "required")
		}
		return s, nil
	}

	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", model.Invalid(field, "expected a string or an object")
	}
	s, _ = obj[field].(string)
	if s == "" {
		return "", model.Invalid(field, "required")
	}
	return s, nil
}

func (h *Handler) emitError(c *realtime.Conn, err error) {
	msg := err.Error()
	if statusFor(err) >= 500 {
		h.logger.Error("client event failed", "conn", c.ID(), "error", err)
		msg = "internal error"
	}
	c.Emit(model.EventError, map[string]string{"message": msg})
}

func (h *Handler) onJoinRoom(ctx context.Context, c *realtime.Conn, data json.RawMessage) {
	room, err := decodeID(data, "userId")
	if err != nil {
		h.emitError(c, err)
		return
	}
	if err := h.mayJoin(ctx, c.Identity(), room); err != nil {
		h.emitError(c, err)
		return
	}
	c.Join(room)
	h.logger.Debug("client joined room", "conn", c.ID(), "room", room)
}

// mayJoin limits identity rooms to the identity itself, the users of a
// sub-admin, or anyone for super_admin.
func (h *Handler) mayJoin(ctx context.Context, who *model.User, room string) error {
	if who == nil || who.ID == "" || who.ID == room || who.Role == model.RoleSuperAdmin {
		return nil
	}
	if who.Role == model.RoleSubAdmin {
		users, err := h.registry.ListUsersUnderSubAdmin(ctx, who.ID)
		if err != nil {
			return err
		}
		for _, id := range users {
			if id == room {
				return nil
			}
		}
	}
	return model.ErrForbidden
}

// actingUser resolves the owner of a message written by who. Acting for
// another user follows the same rule as joining that user's room.
func (h *Handler) actingUser(ctx context.Context, who *model.User, userID string) (string, error) {
	if who == nil {
		return userID, nil
	}
	if userID == "" || userID == who.ID {
		return who.ID, nil
	}
	if err := h.mayJoin(ctx, who, userID); err != nil {
		if errors.Is(err, model.ErrForbidden) {
			return "", fmt.Errorf("acting for user %s: %w", userID, model.ErrForbidden)
		}
		return "", err
	}
	return userID, nil
}

func (h *Handler) onSendMessage(ctx context.Context, c *realtime.Conn, data json.RawMessage) {
	var in delivery.NewMessage
	err := json.Unmarshal(data, &in)
	if err != nil {
		h.emitError(c, model.Invalid("data", err.Error()))
		return
	}
	if in.Receiver == "" {
		in.Receiver = "Unknown"
	}
	if in.UserID, err = h.actingUser(ctx, c.Identity(), in.UserID); err != nil {
		h.emitError(c, err)
		return
	}
	in.Origin = model.OriginRealtime

	_, err = h.messages.Send(ctx, in,
		delivery.WithEvent(model.EventMessageSent),
		delivery.WithFallbackRoom(c.ID()),
	)
	if err != nil {
		h.emitError(c, err)
	}
}

func (h *Handler) onReplyMessage(ctx context.Context, c *realtime.Conn, data json.RawMessage) {
	var req delivery.ReplyRequest
	err := json.Unmarshal(data, &req)
	if err != nil {
		h.emitError(c, model.Invalid("data", err.Error()))
		return
	}
	if req.UserID, err = h.actingUser(ctx, c.Identity(), req.UserID); err != nil {
		h.emitError(c, err)
		return
	}
	req.Origin = model.OriginRealtime

	if _, err := h.messages.Reply(ctx, req, delivery.WithFallbackRoom(c.ID())); err != nil {
		h.emitError(c, err)
	}
}

func (h *Handler) onStatus(status model.Status) realtime.Handler {
	return func(ctx context.Context, c *realtime.Conn, data json.RawMessage) {
		id, err := decodeID(data, "messageId")
		if err != nil {
			h.emitError(c, err)
			return
		}
		if _, err := h.messages.SetStatus(ctx, id, status, delivery.WithFallbackRoom(c.ID())); err != nil {
			h.emitError(c, err)
		}
	}
}

func (h *Handler) onGetPending(ctx context.Context, c *realtime.Conn, _ json.RawMessage) {
	items, err := h.messages.Pending(ctx, 0)
	if err != nil {
		h.emitError(c, err)
		return
	}
	c.Emit(model.EventPendingMessages, nonNil(items))
}

func (h *Handler) onGetAll(ctx context.Context, c *realtime.Conn, data json.RawMessage) {
	var who model.User
	if c.Identity() != nil && c.Identity().ID != "" {
		who = *c.Identity()
	} else {
		id, err := decodeID(data, "userId")
		if err != nil {
			h.emitError(c, err)
			return
		}
		if who, err = h.registry.ResolveUser(ctx, id); err != nil {
			h.emitError(c, err)
			return
		}
	}

	items, err := h.messages.List(ctx, who, 0)
	if err != nil {
		h.emitError(c, err)
		return
	}
	c.Emit(model.EventAllMessages, nonNil(items))
}

type deviceActivity struct {
	DeviceID string          `json:"deviceId"`
	Activity json.RawMessage `json:"activity,omitempty"`
}

// onDeviceActivity relays device telemetry to the device owner and its
// assigned users.
func (h *Handler) onDeviceActivity(ctx context.Context, c *realtime.Conn, data json.RawMessage) {
	var ev deviceActivity
	if err := json.Unmarshal(data, &ev); err != nil {
		h.emitError(c, model.Invalid("data", err.Error()))
		return
	}
	if ev.DeviceID == "" {
		h.emitError(c, model.Invalid("deviceId", "required"))
		return
	}

	dev, err := h.registry.FindDevice(ctx, ev.DeviceID)
	if err != nil {
		h.emitError(c, err)
		return
	}
	rooms := append([]string{dev.OwnerID}, dev.UserIDs...)
	h.fanout.NotifyRooms(ctx, rooms, model.EventDeviceActivity, ev)
}
