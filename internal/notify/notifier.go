// Package notify decides which rooms hear about a message and publishes to
// each of them once.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/LeventeLantos/relay/internal/model"
	"github.com/LeventeLantos/relay/internal/realtime"
)

type UserResolver interface {
	ResolveUser(ctx context.Context, id string) (model.User, error)
}

// Target names who an event is about. Fallback is the room used when Actor
// cannot be resolved; empty means the broadcast room.
type Target struct {
	Actor    string
	Fallback string
}

func ForMessage(m model.Message, fallback string) Target {
	return Target{Actor: m.Actor(), Fallback: fallback}
}

type Notifier struct {
	users  UserResolver
	pub    realtime.Publisher
	logger *slog.Logger
}

func New(users UserResolver, pub realtime.Publisher, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{users: users, pub: pub, logger: logger}
}

func (n *Notifier) Audience(ctx context.Context, t Target) []string {
	if t.Actor == "" {
		return fallback(t)
	}

	u, err := n.users.ResolveUser(ctx, t.Actor)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			n.logger.Debug("actor not in directory, using fallback room", "actor", t.Actor)
		} else {
			n.logger.Warn("resolve actor failed, using fallback room", "actor", t.Actor, "error", err)
		}
		return fallback(t)
	}

	switch u.Role {
	case model.RoleUser:
		if u.SubAdminID != nil && *u.SubAdminID != "" {
			return dedupe([]string{u.ID, *u.SubAdminID})
		}
		n.logger.Warn("user has no owning sub-admin", "user", u.ID)
		return []string{u.ID}
	case model.RoleSubAdmin:
		if u.SubAdminID != nil && *u.SubAdminID != "" {
			n.logger.Warn("sub_admin with a parent reference, ignoring parent", "user", u.ID, "parent", *u.SubAdminID)
		} else {
			n.logger.Debug("sub_admin has no parent, notifying own room only", "user", u.ID)
		}
		return []string{u.ID}
	case model.RoleSuperAdmin:
		return []string{u.ID}
	default:
		n.logger.Warn("unknown role, using fallback room", "user", u.ID, "role", u.Role)
		return fallback(t)
	}
}

// Notify publishes event to the audience of t and returns the rooms used.
func (n *Notifier) Notify(ctx context.Context, t Target, event string, payload any) []string {
	return n.NotifyRooms(ctx, n.Audience(ctx, t), event, payload)
}

// NotifyRooms publishes once per distinct non-empty room. Failures are
// logged; a status change is never rolled back because a room missed it.
func (n *Notifier) NotifyRooms(ctx context.Context, rooms []string, event string, payload any) []string {
	rooms = dedupe(rooms)
	for _, room := range rooms {
		if err := n.pub.Publish(ctx, room, event, payload); err != nil {
			n.logger.Error("publish failed", "room", room, "event", event, "error", err)
		}
	}
	return rooms
}

func fallback(t Target) []string {
	if t.Fallback != "" {
		return []string{t.Fallback}
	}
	return []string{realtime.Broadcast}
}

func dedupe(rooms []string) []string {
	seen := make(map[string]struct{}, len(rooms))
	out := make([]string, 0, len(rooms))
	for _, r := range rooms {
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
