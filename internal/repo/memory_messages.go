package repo

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/LeventeLantos/relay/internal/model"
)

type MemoryMessageRepo struct {
	mu    sync.RWMutex
	byID  map[string]*model.Message
	order []string
	now   func() time.Time
}

func NewMemoryMessageRepo() *MemoryMessageRepo {
	return &MemoryMessageRepo{
		byID: make(map[string]*model.Message),
		now:  time.Now,
	}
}

func (r *MemoryMessageRepo) Insert(ctx context.Context, m model.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.ID == "" {
		return "", model.Invalid("id", "required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[m.ID]; ok {
		return "", fmt.Errorf("%w: duplicate message id %s", model.ErrPersistence, m.ID)
	}
	cp := m
	r.byID[m.ID] = &cp
	r.order = append(r.order, m.ID)
	return m.ID, nil
}

func (r *MemoryMessageRepo) UpdateStatus(ctx context.Context, id string, status model.Status) (model.Message, error) {
	if err := ctx.Err(); err != nil {
		return model.Message{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.byID[id]
	if !ok {
		return model.Message{}, fmt.Errorf("message %s: %w", id, model.ErrNotFound)
	}
	m.Status = status
	m.UpdatedAt = r.now().UTC()
	return *m, nil
}

func (r *MemoryMessageRepo) UpdateStatusIf(ctx context.Context, id string, from, to model.Status) (model.Message, error) {
	if err := ctx.Err(); err != nil {
		return model.Message{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.byID[id]
	if !ok {
		return model.Message{}, fmt.Errorf("message %s: %w", id, model.ErrNotFound)
	}
	if m.Status != from {
		return *m, fmt.Errorf("message %s is %s, expected %s: %w", id, m.Status, from, model.ErrStatusConflict)
	}
	m.Status = to
	m.UpdatedAt = r.now().UTC()
	return *m, nil
}

func (r *MemoryMessageRepo) FindByStatus(ctx context.Context, status model.Status, limit int) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.Message
	for _, id := range r.order {
		if limit > 0 && len(out) >= limit {
			break
		}
		if m := r.byID[id]; m.Status == status {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (r *MemoryMessageRepo) FindByID(ctx context.Context, id string) (model.Message, error) {
	if err := ctx.Err(); err != nil {
		return model.Message{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.byID[id]
	if !ok {
		return model.Message{}, fmt.Errorf("message %s: %w", id, model.ErrNotFound)
	}
	return *m, nil
}

func (r *MemoryMessageRepo) FindByOwnerOrDevice(ctx context.Context, f Filter) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.Message
	for _, id := range r.order {
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
		if m := r.byID[id]; matches(f, m) {
			out = append(out, *m)
		}
	}
	return out, nil
}

func matches(f Filter, m *model.Message) bool {
	if f.IsZero() {
		return true
	}
	if m.UserID != nil && slices.Contains(f.OwnerIDs, *m.UserID) {
		return true
	}
	if m.DeviceID != nil && slices.Contains(f.DeviceIDs, *m.DeviceID) {
		return true
	}
	return f.ReceiverID != "" && m.Receiver == f.ReceiverID
}
