package model

import "time"

type Status string

const (
	Pending   Status = "pending"
	Sent      Status = "sent"
	Failed    Status = "failed"
	Delivered Status = "delivered"
	Read      Status = "read"
)

func (s Status) Valid() bool {
	switch s {
	case Pending, Sent, Failed, Delivered, Read:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is on the delivery graph.
// failed -> pending is legal but reserved for the queue's requeue path.
func CanTransition(from, to Status) bool {
	if to == Failed {
		return from.Valid()
	}
	switch from {
	case Pending:
		return to == Sent
	case Sent:
		return to == Delivered
	case Delivered:
		return to == Read
	case Failed:
		return to == Pending
	}
	return false
}

type Origin string

const (
	OriginCRM      Origin = "CRM"
	OriginAPI      Origin = "API"
	OriginWeb      Origin = "Web"
	OriginDevice   Origin = "Device"
	OriginRealtime Origin = "RealtimeChannel"
)

func (o Origin) Valid() bool {
	switch o {
	case OriginCRM, OriginAPI, OriginWeb, OriginDevice, OriginRealtime:
		return true
	}
	return false
}

type Message struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Content   string    `json:"content"`
	Status    Status    `json:"status"`
	UserID    *string   `json:"userId,omitempty"`
	DeviceID  *string   `json:"deviceId,omitempty"`
	ThreadID  *string   `json:"threadId,omitempty"`
	Origin    Origin    `json:"origin"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Actor is the identity a status change is attributed to: the owning user
// when known, the sender otherwise.
func (m Message) Actor() string {
	if m.UserID != nil && *m.UserID != "" {
		return *m.UserID
	}
	return m.Sender
}

// StatusUpdate is the payload of messageStatusUpdate and messageSent.
type StatusUpdate struct {
	MessageID string `json:"messageId"`
	Status    Status `json:"status"`
}

// Realtime event names. These are part of the client wire contract.
const (
	EventStatusUpdate    = "messageStatusUpdate"
	EventMessageSent     = "messageSent"
	EventNewReply        = "newReply"
	EventAllMessages     = "allMessages"
	EventPendingMessages = "pendingMessages"
	EventDeviceActivity  = "deviceActivity"
	EventError           = "error"
)

// StringPtr returns nil for the empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
