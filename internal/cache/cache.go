package cache

import (
	"context"
	"time"

	"github.com/LeventeLantos/relay/internal/model"
)

// StatusCache keeps the last known status of each message for cheap reads.
type StatusCache interface {
	RecordStatus(ctx context.Context, messageID string, status model.Status, at time.Time) error
	LastStatus(ctx context.Context, messageID string) (Entry, error)
}

type Entry struct {
	Status model.Status `json:"status"`
	At     time.Time    `json:"at"`
}
