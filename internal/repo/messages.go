package repo

import (
	"context"

	"github.com/LeventeLantos/relay/internal/model"
)

// Filter selects messages matching any of its non-empty criteria. The zero
// Filter matches every message.
type Filter struct {
	OwnerIDs   []string
	DeviceIDs  []string
	ReceiverID string
	Limit      int
}

func (f Filter) IsZero() bool {
	return len(f.OwnerIDs) == 0 && len(f.DeviceIDs) == 0 && f.ReceiverID == ""
}

// MessageRepository is the message store the delivery core depends on.
// Lookups and updates of a missing id return an error wrapping
// model.ErrNotFound.
type MessageRepository interface {
	Insert(ctx context.Context, m model.Message) (string, error)
	UpdateStatus(ctx context.Context, id string, status model.Status) (model.Message, error)
	// UpdateStatusIf only writes when the current status equals from, and
	// returns model.ErrStatusConflict otherwise.
	UpdateStatusIf(ctx context.Context, id string, from, to model.Status) (model.Message, error)
	FindByStatus(ctx context.Context, status model.Status, limit int) ([]model.Message, error)
	FindByID(ctx context.Context, id string) (model.Message, error)
	FindByOwnerOrDevice(ctx context.Context, f Filter) ([]model.Message, error)
}
