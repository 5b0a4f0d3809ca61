package directory

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/LeventeLantos/relay/internal/model"
)

func seeded(t *testing.T) (*Memory, model.User, model.User) {
	t.Helper()

	d := NewMemory()
	ctx := context.Background()

	sub, err := d.RegisterUser(ctx, NewUser{Name: "Sub", Email: "sub@example.com", Role: model.RoleSubAdmin})
	if err != nil {
		t.Fatalf("RegisterUser(sub) error: %v", err)
	}
	user, err := d.RegisterUser(ctx, NewUser{Name: "Ann", Email: "ann@example.com", Role: model.RoleUser, SubAdminID: sub.ID})
	if err != nil {
		t.Fatalf("RegisterUser(user) error: %v", err)
	}
	return d, sub, user
}

func TestMemory_RegisterUser(t *testing.T) {
	t.Parallel()

	d, sub, user := seeded(t)
	ctx := context.Background()

	if user.SubAdminID == nil || *user.SubAdminID != sub.ID || user.APIKey == "" {
		t.Fatalf("unexpected user %+v", user)
	}

	got, err := d.FindByAPIKey(ctx, user.APIKey)
	if err != nil || got.ID != user.ID {
		t.Fatalf("FindByAPIKey() = %+v, %v", got, err)
	}
	if _, err := d.FindByAPIKey(ctx, ""); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected empty key to be unknown, got %v", err)
	}

	cases := []struct {
		name  string
		in    NewUser
		field string
	}{
		{"duplicate email", NewUser{Email: "ann@example.com", Role: model.RoleSubAdmin}, "email"},
		{"missing email", NewUser{Role: model.RoleSubAdmin}, "email"},
		{"bad role", NewUser{Email: "x@example.com", Role: "guest"}, "role"},
		{"user without sub-admin", NewUser{Email: "x@example.com", Role: model.RoleUser}, "subAdminId"},
		{"sub-admin with parent", NewUser{Email: "x@example.com", Role: model.RoleSubAdmin, SubAdminID: sub.ID}, "subAdminId"},
		{"parent is not a sub-admin", NewUser{Email: "x@example.com", Role: model.RoleUser, SubAdminID: user.ID}, "subAdminId"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := d.RegisterUser(ctx, tc.in)
			var ve *model.ValidationError
			if !errors.As(err, &ve) || ve.Field != tc.field {
				t.Fatalf("expected validation error on %s, got %v", tc.field, err)
			}
		})
	}
}

func TestMemory_TenantQueries(t *testing.T) {
	t.Parallel()

	d, sub, user := seeded(t)
	ctx := context.Background()

	ids, err := d.ListUsersUnderSubAdmin(ctx, sub.ID)
	if err != nil || !slices.Equal(ids, []string{user.ID}) {
		t.Fatalf("ListUsersUnderSubAdmin() = %v, %v", ids, err)
	}

	resolved, err := d.ResolveUser(ctx, user.ID)
	if err != nil || resolved.Email != "ann@example.com" {
		t.Fatalf("ResolveUser() = %+v, %v", resolved, err)
	}
	if _, err := d.ResolveUser(ctx, "ghost"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemory_DevicesAndAssignment(t *testing.T) {
	t.Parallel()

	d, sub, user := seeded(t)
	ctx := context.Background()

	if _, err := d.RegisterDevice(ctx, user.ID, NewDevice{PhoneNumber: "+1"}); !errors.Is(err, model.ErrForbidden) {
		t.Fatalf("expected forbidden for a regular user, got %v", err)
	}
	if _, err := d.RegisterDevice(ctx, sub.ID, NewDevice{}); !model.IsValidation(err) {
		t.Fatalf("expected validation error for missing phone, got %v", err)
	}

	dev, err := d.RegisterDevice(ctx, sub.ID, NewDevice{PhoneNumber: "+1", Model: "Pixel"})
	if err != nil {
		t.Fatalf("RegisterDevice() error: %v", err)
	}
	if dev.OwnerID != sub.ID || dev.Status != model.DeviceActive || dev.UserIDs == nil {
		t.Fatalf("unexpected device %+v", dev)
	}
	if _, err := d.RegisterDevice(ctx, sub.ID, NewDevice{PhoneNumber: "+1"}); !model.IsValidation(err) {
		t.Fatalf("expected duplicate phone to be rejected, got %v", err)
	}

	dev, err = d.AssignDevice(ctx, sub.ID, dev.ID, []string{user.ID, user.ID})
	if err != nil {
		t.Fatalf("AssignDevice() error: %v", err)
	}
	if !slices.Equal(dev.UserIDs, []string{user.ID}) {
		t.Fatalf("expected deduplicated assignment, got %v", dev.UserIDs)
	}
	dev, _ = d.AssignDevice(ctx, sub.ID, dev.ID, []string{user.ID})
	if len(dev.UserIDs) != 1 {
		t.Fatalf("expected reassignment to be a no-op, got %v", dev.UserIDs)
	}

	for _, owner := range []string{sub.ID, user.ID} {
		ids, err := d.ListDevicesForOwner(ctx, owner)
		if err != nil || !slices.Equal(ids, []string{dev.ID}) {
			t.Fatalf("ListDevicesForOwner(%s) = %v, %v", owner, ids, err)
		}
	}

	other, _ := d.RegisterUser(ctx, NewUser{Email: "other@example.com", Role: model.RoleSubAdmin})
	if _, err := d.AssignDevice(ctx, other.ID, dev.ID, []string{user.ID}); !errors.Is(err, model.ErrForbidden) {
		t.Fatalf("expected forbidden for a user of another tenant, got %v", err)
	}
	if _, err := d.AssignDevice(ctx, sub.ID, "missing", []string{user.ID}); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	// Returned devices are copies.
	dev.UserIDs[0] = "tampered"
	stored, _ := d.FindDevice(ctx, dev.ID)
	if stored.UserIDs[0] != user.ID {
		t.Fatalf("expected stored device to be unaffected, got %v", stored.UserIDs)
	}
}
