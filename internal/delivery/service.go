// Package delivery owns the lifecycle of a message: creation, the transport
// attempt, every later status change, and the notification that follows each
// change.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/relay/internal/cache"
	"github.com/LeventeLantos/relay/internal/model"
	"github.com/LeventeLantos/relay/internal/notify"
	"github.com/LeventeLantos/relay/internal/repo"
	"github.com/LeventeLantos/relay/internal/transport"
)

type Fanout interface {
	Notify(ctx context.Context, t notify.Target, event string, payload any) []string
	NotifyRooms(ctx context.Context, rooms []string, event string, payload any) []string
}

// Scope answers the tenant questions needed to list messages for an identity.
type Scope interface {
	ListUsersUnderSubAdmin(ctx context.Context, subAdminID string) ([]string, error)
	ListDevicesForOwner(ctx context.Context, ownerID string) ([]string, error)
}

type Service struct {
	store     repo.MessageRepository
	transport transport.Transport
	fanout    Fanout
	scope     Scope
	cache     cache.StatusCache
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(store repo.MessageRepository, tr transport.Transport, fanout Fanout, scope Scope, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		transport: tr,
		fanout:    fanout,
		scope:     scope,
		logger:    logger,
		now:       time.Now,
	}
}

// WithCache makes every status change also land in c.
func (s *Service) WithCache(c cache.StatusCache) *Service {
	s.cache = c
	return s
}

type NewMessage struct {
	Sender   string       `json:"sender"`
	Receiver string       `json:"receiver"`
	Content  string       `json:"content"`
	UserID   string       `json:"userId"`
	DeviceID string       `json:"deviceId"`
	ThreadID string       `json:"threadId"`
	Origin   model.Origin `json:"origin"`
}

func (in NewMessage) validate() error {
	switch {
	case in.Sender == "":
		return model.Invalid("sender", "required")
	case in.Receiver == "":
		return model.Invalid("receiver", "required")
	case in.Content == "":
		return model.Invalid("content", "required")
	case in.Origin != "" && !in.Origin.Valid():
		return model.Invalid("origin", fmt.Sprintf("unknown origin %q", in.Origin))
	}
	return nil
}

// Create stores a new message in the pending state.
func (s *Service) Create(ctx context.Context, in NewMessage) (model.Message, error) {
	if err := in.validate(); err != nil {
		return model.Message{}, err
	}
	origin := in.Origin
	if origin == "" {
		origin = model.OriginCRM
	}

	now := s.now().UTC()
	m := model.Message{
		ID:        uuid.NewString(),
		Sender:    in.Sender,
		Receiver:  in.Receiver,
		Content:   in.Content,
		Status:    model.Pending,
		UserID:    model.StringPtr(in.UserID),
		DeviceID:  model.StringPtr(in.DeviceID),
		ThreadID:  model.StringPtr(in.ThreadID),
		Origin:    origin,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if _, err := s.store.Insert(ctx, m); err != nil {
		return model.Message{}, fmt.Errorf("create message: %w", err)
	}
	s.record(ctx, m)
	return m, nil
}

// Send creates the message and immediately attempts delivery.
func (s *Service) Send(ctx context.Context, in NewMessage, opts ...Option) (model.Message, error) {
	m, err := s.Create(ctx, in)
	if err != nil {
		return model.Message{}, err
	}
	return s.AttemptDelivery(ctx, m, opts...)
}

// AttemptDelivery runs one transport attempt for a pending message and
// persists the outcome. Exactly one status event is published for the
// attempt, whatever the outcome; a transport failure is an outcome, not an
// error.
func (s *Service) AttemptDelivery(ctx context.Context, m model.Message, opts ...Option) (model.Message, error) {
	o := buildOptions(opts)
	if m.Status != model.Pending {
		return m, notPending(m)
	}
	// The caller's copy may be stale; only the stored status counts.
	current, err := s.store.FindByID(ctx, m.ID)
	if err != nil {
		return m, err
	}
	if current.Status != model.Pending {
		return current, notPending(current)
	}
	m = current

	target := model.Failed
	out, err := s.transport.Attempt(ctx, m)
	switch {
	case err != nil:
		s.logger.Warn("delivery attempt failed", "message_id", m.ID, "error", err)
	case out.Success:
		target = o.onSuccess
	default:
		s.logger.Info("delivery attempt rejected", "message_id", m.ID)
	}

	updated, err := s.store.UpdateStatusIf(ctx, m.ID, model.Pending, target)
	switch {
	case err == nil:
	case errors.Is(err, model.ErrNotFound):
		return m, err
	case errors.Is(err, model.ErrStatusConflict):
		// Someone else moved the message; report what is actually stored.
		s.logger.Warn("message changed during attempt", "message_id", m.ID, "status", updated.Status)
		s.publish(ctx, updated, o)
		return updated, err
	default:
		updated, err = s.persistFailure(ctx, m, target, err)
		s.publish(ctx, updated, o)
		return updated, err
	}

	s.logger.Debug("delivery attempt recorded", "message_id", m.ID, "status", updated.Status)
	s.publish(ctx, updated, o)
	return updated, nil
}

// persistFailure handles a store error while writing target: the attempt is
// downgraded to failed when possible. The returned error always wraps the
// original write error.
func (s *Service) persistFailure(ctx context.Context, m model.Message, target model.Status, writeErr error) (model.Message, error) {
	s.logger.Error("persist attempt outcome failed", "message_id", m.ID, "status", target, "error", writeErr)

	if target != model.Failed {
		if stored, err := s.store.UpdateStatusIf(ctx, m.ID, model.Pending, model.Failed); err == nil {
			return stored, fmt.Errorf("record outcome of %s: %w", m.ID, writeErr)
		}
	}

	// Nothing could be written: report whatever the store still holds.
	stored, err := s.store.FindByID(ctx, m.ID)
	if err != nil {
		s.logger.Error("read back after failed write", "message_id", m.ID, "error", err)
		stored = m
		stored.Status = model.Failed
	}
	return stored, fmt.Errorf("record outcome of %s: %w", m.ID, writeErr)
}

func notPending(m model.Message) error {
	return model.Invalid("status", fmt.Sprintf("message %s is %s, only pending messages can be attempted", m.ID, m.Status))
}

// SetStatus overwrites the status of a message with delivered, read or
// failed. There is no graph check here: operators may correct any state.
func (s *Service) SetStatus(ctx context.Context, id string, status model.Status, opts ...Option) (model.Message, error) {
	switch status {
	case model.Delivered, model.Read, model.Failed:
	default:
		return model.Message{}, model.Invalid("status", fmt.Sprintf("%q cannot be set directly", status))
	}

	m, err := s.store.UpdateStatus(ctx, id, status)
	if err != nil {
		return model.Message{}, err
	}
	s.publish(ctx, m, buildOptions(opts))
	return m, nil
}

// ResetFailed moves a failed message back to pending. Only the queue calls
// this, right before it re-enqueues the message.
func (s *Service) ResetFailed(ctx context.Context, id string, opts ...Option) (model.Message, error) {
	m, err := s.store.UpdateStatusIf(ctx, id, model.Failed, model.Pending)
	if err != nil {
		return m, err
	}
	s.publish(ctx, m, buildOptions(opts))
	return m, nil
}

type ReplyRequest struct {
	OriginalMessageID string       `json:"originalMessageId"`
	Content           string       `json:"content"`
	UserID            string       `json:"userId"`
	Origin            model.Origin `json:"origin"`
}

// Reply answers an existing message inside its thread. The reply goes
// through a normal delivery attempt and is then announced as newReply to the
// original sender and the replier.
func (s *Service) Reply(ctx context.Context, req ReplyRequest, opts ...Option) (model.Message, error) {
	if req.OriginalMessageID == "" {
		return model.Message{}, model.Invalid("originalMessageId", "required")
	}
	if req.UserID == "" {
		return model.Message{}, model.Invalid("userId", "required")
	}

	orig, err := s.store.FindByID(ctx, req.OriginalMessageID)
	if err != nil {
		return model.Message{}, err
	}

	thread := orig.ID
	if orig.ThreadID != nil && *orig.ThreadID != "" {
		thread = *orig.ThreadID
	}
	var device string
	if orig.DeviceID != nil {
		device = *orig.DeviceID
	}

	reply, err := s.Create(ctx, NewMessage{
		Sender:   req.UserID,
		Receiver: orig.Sender,
		Content:  req.Content,
		UserID:   req.UserID,
		DeviceID: device,
		ThreadID: thread,
		Origin:   req.Origin,
	})
	if err != nil {
		return model.Message{}, err
	}

	reply, err = s.AttemptDelivery(ctx, reply, opts...)
	s.fanout.NotifyRooms(ctx, []string{orig.Sender, req.UserID}, model.EventNewReply, reply)
	return reply, err
}

// List returns the messages visible to who.
func (s *Service) List(ctx context.Context, who model.User, limit int) ([]model.Message, error) {
	var f repo.Filter
	switch who.Role {
	case model.RoleSuperAdmin:
	case model.RoleSubAdmin:
		users, err := s.scope.ListUsersUnderSubAdmin(ctx, who.ID)
		if err != nil {
			return nil, err
		}
		devices, err := s.scope.ListDevicesForOwner(ctx, who.ID)
		if err != nil {
			return nil, err
		}
		f = repo.Filter{OwnerIDs: append(users, who.ID), DeviceIDs: devices}
	case model.RoleUser:
		devices, err := s.scope.ListDevicesForOwner(ctx, who.ID)
		if err != nil {
			return nil, err
		}
		f = repo.Filter{OwnerIDs: []string{who.ID}, DeviceIDs: devices, ReceiverID: who.ID}
	default:
		return nil, model.Invalid("role", fmt.Sprintf("unknown role %q", who.Role))
	}
	f.Limit = limit
	return s.store.FindByOwnerOrDevice(ctx, f)
}

func (s *Service) Pending(ctx context.Context, limit int) ([]model.Message, error) {
	return s.store.FindByStatus(ctx, model.Pending, limit)
}

func (s *Service) Get(ctx context.Context, id string) (model.Message, error) {
	return s.store.FindByID(ctx, id)
}

// LastStatus prefers the status cache and falls back to the store.
func (s *Service) LastStatus(ctx context.Context, id string) (model.Status, error) {
	if s.cache != nil {
		e, err := s.cache.LastStatus(ctx, id)
		if err == nil {
			return e.Status, nil
		}
		if !errors.Is(err, model.ErrNotFound) {
			s.logger.Warn("status cache read failed", "message_id", id, "error", err)
		}
	}
	m, err := s.store.FindByID(ctx, id)
	if err != nil {
		return "", err
	}
	return m.Status, nil
}

func (s *Service) publish(ctx context.Context, m model.Message, o options) {
	s.record(ctx, m)
	s.fanout.Notify(ctx, notify.ForMessage(m, o.fallback), o.event, model.StatusUpdate{
		MessageID: m.ID,
		Status:    m.Status,
	})
}

func (s *Service) record(ctx context.Context, m model.Message) {
	if s.cache == nil {
		return
	}
	if err := s.cache.RecordStatus(ctx, m.ID, m.Status, s.now()); err != nil {
		s.logger.Warn("status cache write failed", "message_id", m.ID, "error", err)
	}
}
