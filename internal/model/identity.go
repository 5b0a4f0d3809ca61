package model

import "time"

type Role string

const (
	RoleSuperAdmin Role = "super_admin"
	RoleSubAdmin   Role = "sub_admin"
	RoleUser       Role = "user"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSuperAdmin, RoleSubAdmin, RoleUser:
		return true
	}
	return false
}

type User struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	Role       Role      `json:"role"`
	SubAdminID *string   `json:"subAdminId,omitempty"`
	APIKey     string    `json:"apiKey,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

type DeviceStatus string

const (
	DeviceActive   DeviceStatus = "active"
	DeviceInactive DeviceStatus = "inactive"
)

type Device struct {
	ID           string       `json:"id"`
	PhoneNumber  string       `json:"phoneNumber"`
	Model        string       `json:"model"`
	SIM          string       `json:"sim"`
	Status       DeviceStatus `json:"status"`
	OwnerID      string       `json:"ownerId"`
	UserIDs      []string     `json:"userIds"`
	RegisteredAt time.Time    `json:"registeredAt"`
}

func (d Device) HasUser(id string) bool {
	for _, u := range d.UserIDs {
		if u == id {
			return true
		}
	}
	return false
}
