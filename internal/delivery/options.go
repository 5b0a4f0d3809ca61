package delivery

import "github.com/LeventeLantos/relay/internal/model"

type options struct {
	onSuccess model.Status
	event     string
	fallback  string
}

type Option func(*options)

// ConfirmOnSuccess records a successful attempt as delivered instead of
// sent. The queue uses it: its attempts are end-to-end confirmed.
func ConfirmOnSuccess() Option {
	return func(o *options) { o.onSuccess = model.Delivered }
}

// WithEvent overrides the published event name (messageStatusUpdate).
func WithEvent(event string) Option {
	return func(o *options) { o.event = event }
}

// WithFallbackRoom sets the room notified when the actor cannot be resolved,
// usually the originating connection.
func WithFallbackRoom(room string) Option {
	return func(o *options) { o.fallback = room }
}

func buildOptions(opts []Option) options {
	o := options{
		onSuccess: model.Sent,
		event:     model.EventStatusUpdate,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
