package directory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/relay/internal/model"
)

type Memory struct {
	mu      sync.RWMutex
	users   map[string]model.User
	devices map[string]*model.Device
	order   []string
}

var _ Registry = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		users:   make(map[string]model.User),
		devices: make(map[string]*model.Device),
	}
}

// Put stores u as-is, generating an id and API key when missing.
func (d *Memory) Put(u model.User) model.User {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.APIKey == "" {
		u.APIKey = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	d.mu.Lock()
	d.users[u.ID] = u
	d.mu.Unlock()
	return u
}

func (d *Memory) ResolveUser(ctx context.Context, id string) (model.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	u, ok := d.users[id]
	if !ok {
		return model.User{}, fmt.Errorf("user %s: %w", id, model.ErrNotFound)
	}
	return u, nil
}

func (d *Memory) ListUsersUnderSubAdmin(ctx context.Context, subAdminID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var ids []string
	for _, u := range d.users {
		if u.SubAdminID != nil && *u.SubAdminID == subAdminID {
			ids = append(ids, u.ID)
		}
	}
	return ids, nil
}

func (d *Memory) ListDevicesForOwner(ctx context.Context, ownerID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var ids []string
	for _, id := range d.order {
		dev := d.devices[id]
		if dev.OwnerID == ownerID || dev.HasUser(ownerID) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (d *Memory) FindDevice(ctx context.Context, id string) (model.Device, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	dev, ok := d.devices[id]
	if !ok {
		return model.Device{}, fmt.Errorf("device %s: %w", id, model.ErrNotFound)
	}
	return cloneDevice(dev), nil
}

func (d *Memory) FindByAPIKey(ctx context.Context, key string) (model.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, u := range d.users {
		if key != "" && u.APIKey == key {
			return u, nil
		}
	}
	return model.User{}, fmt.Errorf("api key: %w", model.ErrNotFound)
}

func (d *Memory) RegisterUser(ctx context.Context, in NewUser) (model.User, error) {
	if err := validateNewUser(in); err != nil {
		return model.User{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, u := range d.users {
		if u.Email == in.Email {
			return model.User{}, model.Invalid("email", "already registered")
		}
	}
	if in.SubAdminID != "" {
		parent, ok := d.users[in.SubAdminID]
		if !ok || parent.Role != model.RoleSubAdmin {
			return model.User{}, model.Invalid("subAdminId", "must reference a sub_admin")
		}
	}

	u := model.User{
		ID:         uuid.NewString(),
		Name:       in.Name,
		Email:      in.Email,
		Role:       in.Role,
		SubAdminID: model.StringPtr(in.SubAdminID),
		APIKey:     uuid.NewString(),
		CreatedAt:  time.Now().UTC(),
	}
	d.users[u.ID] = u
	return u, nil
}

func (d *Memory) RegisterDevice(ctx context.Context, subAdminID string, in NewDevice) (model.Device, error) {
	if err := validateNewDevice(in); err != nil {
		return model.Device{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	owner, ok := d.users[subAdminID]
	if !ok || owner.Role != model.RoleSubAdmin {
		return model.Device{}, fmt.Errorf("only sub_admins can register devices: %w", model.ErrForbidden)
	}
	for _, dev := range d.devices {
		if dev.PhoneNumber == in.PhoneNumber {
			return model.Device{}, model.Invalid("phoneNumber", "already registered")
		}
	}

	dev := &model.Device{
		ID:           uuid.NewString(),
		PhoneNumber:  in.PhoneNumber,
		Model:        in.Model,
		SIM:          in.SIM,
		Status:       model.DeviceActive,
		OwnerID:      subAdminID,
		UserIDs:      []string{},
		RegisteredAt: time.Now().UTC(),
	}
	d.devices[dev.ID] = dev
	d.order = append(d.order, dev.ID)
	return cloneDevice(dev), nil
}

func (d *Memory) AssignDevice(ctx context.Context, subAdminID, deviceID string, userIDs []string) (model.Device, error) {
	if len(userIDs) == 0 {
		return model.Device{}, model.Invalid("userIds", "at least one user required")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, id := range userIDs {
		u, ok := d.users[id]
		if !ok || u.SubAdminID == nil || *u.SubAdminID != subAdminID {
			return model.Device{}, fmt.Errorf("user %s is not under sub-admin %s: %w", id, subAdminID, model.ErrForbidden)
		}
	}

	dev, ok := d.devices[deviceID]
	if !ok || dev.OwnerID != subAdminID {
		return model.Device{}, fmt.Errorf("device %s for sub-admin %s: %w", deviceID, subAdminID, model.ErrNotFound)
	}
	for _, id := range userIDs {
		if !dev.HasUser(id) {
			dev.UserIDs = append(dev.UserIDs, id)
		}
	}
	return cloneDevice(dev), nil
}

func cloneDevice(dev *model.Device) model.Device {
	cp := *dev
	cp.UserIDs = slices.Clone(dev.UserIDs)
	return cp
}
