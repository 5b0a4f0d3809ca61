// Package directory resolves identities, tenants and device assignments.
// The delivery core only reads from it; registration lives on Registry.
package directory

import (
	"context"

	"github.com/LeventeLantos/relay/internal/model"
)

type Directory interface {
	ResolveUser(ctx context.Context, id string) (model.User, error)
	ListUsersUnderSubAdmin(ctx context.Context, subAdminID string) ([]string, error)
	// ListDevicesForOwner returns devices owned by or assigned to ownerID.
	ListDevicesForOwner(ctx context.Context, ownerID string) ([]string, error)
	FindDevice(ctx context.Context, id string) (model.Device, error)
	FindByAPIKey(ctx context.Context, key string) (model.User, error)
}

type NewUser struct {
	Name       string     `json:"name"`
	Email      string     `json:"email"`
	Role       model.Role `json:"role"`
	SubAdminID string     `json:"subAdminId"`
}

type NewDevice struct {
	PhoneNumber string `json:"phoneNumber"`
	Model       string `json:"model"`
	SIM         string `json:"sim"`
}

type Registry interface {
	Directory
	RegisterUser(ctx context.Context, in NewUser) (model.User, error)
	// RegisterDevice creates a device owned by subAdminID, who must be a
	// sub_admin.
	RegisterDevice(ctx context.Context, subAdminID string, in NewDevice) (model.Device, error)
	// AssignDevice adds userIDs to the device. The device must belong to
	// subAdminID and every user must be under that sub-admin.
	AssignDevice(ctx context.Context, subAdminID, deviceID string, userIDs []string) (model.Device, error)
}

func validateNewUser(in NewUser) error {
	if in.Email == "" {
		return model.Invalid("email", "required")
	}
	if !in.Role.Valid() {
		return model.Invalid("role", "must be super_admin, sub_admin or user")
	}
	if in.Role == model.RoleUser && in.SubAdminID == "" {
		return model.Invalid("subAdminId", "required for a regular user account")
	}
	if in.Role != model.RoleUser && in.SubAdminID != "" {
		return model.Invalid("subAdminId", "only regular users belong to a sub-admin")
	}
	return nil
}

func validateNewDevice(in NewDevice) error {
	if in.PhoneNumber == "" {
		return model.Invalid("phoneNumber", "required")
	}
	return nil
}
