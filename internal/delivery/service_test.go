package delivery

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/relay/internal/cache"
	"github.com/LeventeLantos/relay/internal/directory"
	"github.com/LeventeLantos/relay/internal/model"
	"github.com/LeventeLantos/relay/internal/notify"
	"github.com/LeventeLantos/relay/internal/repo"
	"github.com/LeventeLantos/relay/internal/transport"
)

type notification struct {
	target  notify.Target
	rooms   []string
	event   string
	payload any
}

type fakeFanout struct {
	mu  sync.Mutex
	got []notification
}

func (f *fakeFanout) Notify(ctx context.Context, t notify.Target, event string, payload any) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, notification{target: t, event: event, payload: payload})
	return []string{t.Actor}
}

func (f *fakeFanout) NotifyRooms(ctx context.Context, rooms []string, event string, payload any) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, notification{rooms: rooms, event: event, payload: payload})
	return rooms
}

func (f *fakeFanout) events(name string) []notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []notification
	for _, n := range f.got {
		if n.event == name {
			out = append(out, n)
		}
	}
	return out
}

// brokenStore fails conditional writes into the given statuses.
type brokenStore struct {
	repo.MessageRepository
	failTo map[model.Status]bool
}

func (b *brokenStore) UpdateStatusIf(ctx context.Context, id string, from, to model.Status) (model.Message, error) {
	if b.failTo[to] {
		return model.Message{}, model.ErrPersistence
	}
	return b.MessageRepository.UpdateStatusIf(ctx, id, from, to)
}

func newTestService(tr transport.Transport) (*Service, *repo.MemoryMessageRepo, *fakeFanout) {
	store := repo.NewMemoryMessageRepo()
	fan := &fakeFanout{}
	return NewService(store, tr, fan, directory.NewMemory(), nil), store, fan
}

func sample() NewMessage {
	return NewMessage{
		Sender:   "+36301112222",
		Receiver: "+36309998888",
		Content:  "hello",
		UserID:   "user-1",
		DeviceID: "dev-1",
	}
}

func TestCreate_StoresPendingMessage(t *testing.T) {
	t.Parallel()

	svc, store, fan := newTestService(transport.Always(true))
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	m, err := svc.Create(context.Background(), sample())
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if m.ID == "" || m.Status != model.Pending || m.Origin != model.OriginCRM {
		t.Fatalf("unexpected message %+v", m)
	}
	if !m.CreatedAt.Equal(fixed) || !m.UpdatedAt.Equal(fixed) {
		t.Fatalf("expected timestamps %v, got %v / %v", fixed, m.CreatedAt, m.UpdatedAt)
	}
	if m.ThreadID != nil {
		t.Fatalf("expected no thread, got %q", *m.ThreadID)
	}

	stored, err := store.FindByID(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("FindByID() error: %v", err)
	}
	if stored.Status != model.Pending {
		t.Fatalf("expected stored pending, got %s", stored.Status)
	}
	if len(fan.got) != 0 {
		t.Fatalf("create must not publish, got %+v", fan.got)
	}
}

func TestCreate_Validation(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(transport.Always(true))

	cases := []struct {
		name  string
		mod   func(*NewMessage)
		field string
	}{
		{"missing sender", func(in *NewMessage) { in.Sender = "" }, "sender"},
		{"missing receiver", func(in *NewMessage) { in.Receiver = "" }, "receiver"},
		{"missing content", func(in *NewMessage) { in.Content = "" }, "content"},
		{"bad origin", func(in *NewMessage) { in.Origin = "fax" }, "origin"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := sample()
			tc.mod(&in)
			_, err := svc.Create(context.Background(), in)
			var ve *model.ValidationError
			if !errors.As(err, &ve) || ve.Field != tc.field {
				t.Fatalf("expected validation error on %s, got %v", tc.field, err)
			}
		})
	}
}

func TestAttemptDelivery_Outcomes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		tr   transport.Transport
		opts []Option
		want model.Status
	}{
		{"success is sent", transport.Always(true), nil, model.Sent},
		{"confirmed success is delivered", transport.Always(true), []Option{ConfirmOnSuccess()}, model.Delivered},
		{"rejection is failed", transport.Always(false), nil, model.Failed},
		{"transport error is failed", transport.Func(func(context.Context, model.Message) (transport.Outcome, error) {
			return transport.Outcome{}, model.ErrTransport
		}), nil, model.Failed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, store, fan := newTestService(tc.tr)
			ctx := context.Background()

			m, err := svc.Create(ctx, sample())
			if err != nil {
				t.Fatalf("Create() error: %v", err)
			}
			got, err := svc.AttemptDelivery(ctx, m, tc.opts...)
			if err != nil {
				t.Fatalf("AttemptDelivery() error: %v", err)
			}
			if got.Status != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got.Status)
			}

			stored, _ := store.FindByID(ctx, m.ID)
			if stored.Status != tc.want {
				t.Fatalf("expected stored %s, got %s", tc.want, stored.Status)
			}

			events := fan.events(model.EventStatusUpdate)
			if len(events) != 1 {
				t.Fatalf("expected exactly one status event, got %d", len(events))
			}
			upd := events[0].payload.(model.StatusUpdate)
			if upd.MessageID != m.ID || upd.Status != stored.Status {
				t.Fatalf("published %+v does not match stored %s", upd, stored.Status)
			}
			if events[0].target.Actor != "user-1" {
				t.Fatalf("expected owner as actor, got %q", events[0].target.Actor)
			}
		})
	}
}

func TestAttemptDelivery_RejectsNonPending(t *testing.T) {
	t.Parallel()

	svc, _, fan := newTestService(transport.Always(true))
	ctx := context.Background()

	m, _ := svc.Create(ctx, sample())
	sent, err := svc.AttemptDelivery(ctx, m)
	if err != nil {
		t.Fatalf("AttemptDelivery() error: %v", err)
	}

	if _, err := svc.AttemptDelivery(ctx, sent); !model.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if n := len(fan.events(model.EventStatusUpdate)); n != 1 {
		t.Fatalf("expected the rejected attempt to publish nothing, got %d events", n)
	}
}

func TestAttemptDelivery_ConflictReportsStoredStatus(t *testing.T) {
	t.Parallel()

	svc, store, fan := newTestService(nil)
	ctx := context.Background()
	m, _ := svc.Create(ctx, sample())

	// The operator marks the message read while the transport is busy.
	svc.transport = transport.Func(func(ctx context.Context, _ model.Message) (transport.Outcome, error) {
		if _, err := store.UpdateStatus(ctx, m.ID, model.Read); err != nil {
			t.Errorf("UpdateStatus() error: %v", err)
		}
		return transport.Outcome{Success: true}, nil
	})

	got, err := svc.AttemptDelivery(ctx, m)
	if !errors.Is(err, model.ErrStatusConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if got.Status != model.Read {
		t.Fatalf("expected read, got %s", got.Status)
	}
	events := fan.events(model.EventStatusUpdate)
	if len(events) != 1 || events[0].payload.(model.StatusUpdate).Status != model.Read {
		t.Fatalf("expected a single read event, got %+v", events)
	}
}

func TestAttemptDelivery_PersistFailureDowngradesToFailed(t *testing.T) {
	t.Parallel()

	mem := repo.NewMemoryMessageRepo()
	store := &brokenStore{MessageRepository: mem, failTo: map[model.Status]bool{model.Sent: true}}
	fan := &fakeFanout{}
	svc := NewService(store, transport.Always(true), fan, directory.NewMemory(), nil)
	ctx := context.Background()

	m, _ := svc.Create(ctx, sample())
	got, err := svc.AttemptDelivery(ctx, m)
	if !errors.Is(err, model.ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if got.Status != model.Failed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	stored, _ := mem.FindByID(ctx, m.ID)
	if stored.Status != model.Failed {
		t.Fatalf("expected stored failed, got %s", stored.Status)
	}
	if n := len(fan.events(model.EventStatusUpdate)); n != 1 {
		t.Fatalf("expected one event, got %d", n)
	}
}

func TestAttemptDelivery_PersistFailureTwiceStillPublishes(t *testing.T) {
	t.Parallel()

	mem := repo.NewMemoryMessageRepo()
	store := &brokenStore{MessageRepository: mem, failTo: map[model.Status]bool{model.Sent: true, model.Failed: true}}
	fan := &fakeFanout{}
	svc := NewService(store, transport.Always(true), fan, directory.NewMemory(), nil)
	ctx := context.Background()

	m, _ := svc.Create(ctx, sample())
	got, err := svc.AttemptDelivery(ctx, m)
	if !errors.Is(err, model.ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}

	// Nothing was written, so the event reports the status still stored.
	stored, _ := mem.FindByID(ctx, m.ID)
	if stored.Status != model.Pending {
		t.Fatalf("expected stored pending, got %s", stored.Status)
	}
	if got.Status != stored.Status {
		t.Fatalf("expected returned status %s, got %s", stored.Status, got.Status)
	}
	events := fan.events(model.EventStatusUpdate)
	if len(events) != 1 || events[0].payload.(model.StatusUpdate).Status != stored.Status {
		t.Fatalf("expected one %s event, got %+v", stored.Status, events)
	}
}

func TestAttemptDelivery_StaleCopyIsRejected(t *testing.T) {
	t.Parallel()

	var calls int
	svc, _, fan := newTestService(transport.Func(func(context.Context, model.Message) (transport.Outcome, error) {
		calls++
		return transport.Outcome{Success: true}, nil
	}))
	ctx := context.Background()

	m, _ := svc.Create(ctx, sample())
	stale := m
	if _, err := svc.AttemptDelivery(ctx, m); err != nil {
		t.Fatalf("AttemptDelivery() error: %v", err)
	}

	got, err := svc.AttemptDelivery(ctx, stale)
	if !model.IsValidation(err) {
		t.Fatalf("expected validation error for stale pending copy, got %v", err)
	}
	if got.Status != model.Sent {
		t.Fatalf("expected stored status sent, got %s", got.Status)
	}
	if calls != 1 {
		t.Fatalf("expected a single transport call, got %d", calls)
	}
	if n := len(fan.events(model.EventStatusUpdate)); n != 1 {
		t.Fatalf("expected one event, got %d", n)
	}
}

func TestSetStatus(t *testing.T) {
	t.Parallel()

	svc, _, fan := newTestService(transport.Always(true))
	ctx := context.Background()
	m, _ := svc.Create(ctx, sample())

	for _, st := range []model.Status{model.Delivered, model.Read, model.Failed, model.Delivered} {
		got, err := svc.SetStatus(ctx, m.ID, st, WithFallbackRoom("conn-1"))
		if err != nil {
			t.Fatalf("SetStatus(%s) error: %v", st, err)
		}
		if got.Status != st {
			t.Fatalf("expected %s, got %s", st, got.Status)
		}
	}

	events := fan.events(model.EventStatusUpdate)
	if len(events) != 4 {
		t.Fatalf("expected one event per change, got %d", len(events))
	}
	if events[0].target.Fallback != "conn-1" {
		t.Fatalf("expected fallback room to be carried, got %+v", events[0].target)
	}
}

func TestSetStatus_Errors(t *testing.T) {
	t.Parallel()

	svc, _, fan := newTestService(transport.Always(true))
	ctx := context.Background()

	if _, err := svc.SetStatus(ctx, "missing", model.Read); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	m, _ := svc.Create(ctx, sample())
	for _, st := range []model.Status{model.Pending, model.Sent, "bogus"} {
		if _, err := svc.SetStatus(ctx, m.ID, st); !model.IsValidation(err) {
			t.Fatalf("SetStatus(%s): expected validation error, got %v", st, err)
		}
	}
	if len(fan.got) != 0 {
		t.Fatalf("expected no events, got %+v", fan.got)
	}
}

func TestResetFailed(t *testing.T) {
	t.Parallel()

	svc, _, fan := newTestService(transport.Always(false))
	ctx := context.Background()

	m, _ := svc.Send(ctx, sample())
	if m.Status != model.Failed {
		t.Fatalf("expected failed, got %s", m.Status)
	}

	reset, err := svc.ResetFailed(ctx, m.ID)
	if err != nil {
		t.Fatalf("ResetFailed() error: %v", err)
	}
	if reset.Status != model.Pending {
		t.Fatalf("expected pending, got %s", reset.Status)
	}
	if _, err := svc.ResetFailed(ctx, m.ID); !errors.Is(err, model.ErrStatusConflict) {
		t.Fatalf("expected conflict for a pending message, got %v", err)
	}
	if n := len(fan.events(model.EventStatusUpdate)); n != 2 {
		t.Fatalf("expected failed and pending events, got %d", n)
	}
}

func TestReply_ThreadsAndNotifies(t *testing.T) {
	t.Parallel()

	svc, _, fan := newTestService(transport.Always(true))
	ctx := context.Background()

	orig, _ := svc.Send(ctx, sample())

	reply, err := svc.Reply(ctx, ReplyRequest{OriginalMessageID: orig.ID, Content: "hi back", UserID: "user-2"})
	if err != nil {
		t.Fatalf("Reply() error: %v", err)
	}
	if reply.ThreadID == nil || *reply.ThreadID != orig.ID {
		t.Fatalf("expected thread %s, got %v", orig.ID, reply.ThreadID)
	}
	if reply.Receiver != orig.Sender || reply.Sender != "user-2" || reply.Status != model.Sent {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if reply.DeviceID == nil || *reply.DeviceID != "dev-1" {
		t.Fatalf("expected device carried over, got %v", reply.DeviceID)
	}

	replies := fan.events(model.EventNewReply)
	if len(replies) != 1 || !slices.Equal(replies[0].rooms, []string{orig.Sender, "user-2"}) {
		t.Fatalf("unexpected newReply events %+v", replies)
	}

	// A reply to a reply stays in the first thread.
	second, err := svc.Reply(ctx, ReplyRequest{OriginalMessageID: reply.ID, Content: "again", UserID: "user-1"})
	if err != nil {
		t.Fatalf("Reply() error: %v", err)
	}
	if second.ThreadID == nil || *second.ThreadID != orig.ID {
		t.Fatalf("expected thread %s, got %v", orig.ID, second.ThreadID)
	}
}

func TestReply_Errors(t *testing.T) {
	t.Parallel()

	svc, _, fan := newTestService(transport.Always(true))
	ctx := context.Background()

	if _, err := svc.Reply(ctx, ReplyRequest{OriginalMessageID: "nope", Content: "x", UserID: "u"}); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := svc.Reply(ctx, ReplyRequest{Content: "x", UserID: "u"}); !model.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(fan.got) != 0 {
		t.Fatalf("expected no events, got %+v", fan.got)
	}
}

func TestList_ScopesByRole(t *testing.T) {
	t.Parallel()

	store := repo.NewMemoryMessageRepo()
	dir := directory.NewMemory()
	ctx := context.Background()

	root := dir.Put(model.User{ID: "root", Role: model.RoleSuperAdmin})
	sub := dir.Put(model.User{ID: "sub", Role: model.RoleSubAdmin})
	alice := dir.Put(model.User{ID: "alice", Role: model.RoleUser, SubAdminID: model.StringPtr("sub")})
	bob := dir.Put(model.User{ID: "bob", Role: model.RoleUser})

	svc := NewService(store, transport.Always(true), &fakeFanout{}, dir, nil)

	mk := func(owner, receiver string) {
		in := sample()
		in.UserID = owner
		in.Receiver = receiver
		in.DeviceID = ""
		if _, err := svc.Create(ctx, in); err != nil {
			t.Fatalf("Create() error: %v", err)
		}
	}
	mk("alice", "+1")
	mk("bob", "+2")
	mk("sub", "+3")
	mk("", "alice")

	cases := []struct {
		who  model.User
		want int
	}{
		{root, 4},
		{sub, 2},
		{alice, 2},
		{bob, 1},
	}
	for _, tc := range cases {
		got, err := svc.List(ctx, tc.who, 0)
		if err != nil {
			t.Fatalf("List(%s) error: %v", tc.who.ID, err)
		}
		if len(got) != tc.want {
			t.Fatalf("List(%s): expected %d messages, got %d", tc.who.ID, tc.want, len(got))
		}
	}

	if _, err := svc.List(ctx, model.User{ID: "x", Role: "guest"}, 0); !model.IsValidation(err) {
		t.Fatalf("expected validation error for unknown role, got %v", err)
	}
}

func TestLastStatus_UsesCache(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	svc, store, _ := newTestService(transport.Always(true))
	svc.WithCache(cache.NewRedisCache(rdb, time.Hour))
	ctx := context.Background()

	m, _ := svc.Send(ctx, sample())

	st, err := svc.LastStatus(ctx, m.ID)
	if err != nil {
		t.Fatalf("LastStatus() error: %v", err)
	}
	if st != model.Sent {
		t.Fatalf("expected sent, got %s", st)
	}

	// Expired cache entries fall back to the store.
	mr.FastForward(2 * time.Hour)
	if _, err := store.UpdateStatus(ctx, m.ID, model.Read); err != nil {
		t.Fatalf("UpdateStatus() error: %v", err)
	}
	st, err = svc.LastStatus(ctx, m.ID)
	if err != nil {
		t.Fatalf("LastStatus() error: %v", err)
	}
	if st != model.Read {
		t.Fatalf("expected read from store, got %s", st)
	}
}
