// Package transport performs the actual send attempt for a message.
//
// Implementations report a plain success/failure outcome. An error return
// means the attempt could not be made at all; callers treat it as a failure.
package transport

import (
	"context"
	"sync/atomic"

	"github.com/LeventeLantos/relay/internal/model"
)

type Outcome struct {
	Success bool
}

type Transport interface {
	Attempt(ctx context.Context, m model.Message) (Outcome, error)
}

// Func adapts a plain function to Transport.
type Func func(ctx context.Context, m model.Message) (Outcome, error)

func (f Func) Attempt(ctx context.Context, m model.Message) (Outcome, error) {
	return f(ctx, m)
}

// Always returns a transport with a fixed outcome.
func Always(success bool) Transport {
	return Func(func(context.Context, model.Message) (Outcome, error) {
		return Outcome{Success: success}, nil
	})
}

// Alternating succeeds on the first attempt, fails on the second, and so on.
func Alternating() Transport {
	var n atomic.Int64
	return Func(func(context.Context, model.Message) (Outcome, error) {
		return Outcome{Success: n.Add(1)%2 == 1}, nil
	})
}
