// Package scheduler periodically feeds pending messages into the queue.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type Enqueuer interface {
	EnqueueBatch(ctx context.Context, limit int) (int, error)
}

type Status struct {
	Running  bool   `json:"running"`
	Interval string `json:"interval"`
	LastRun  string `json:"lastRun,omitempty"`
	Queued   int64  `json:"queuedTotal"`
}

type Poller struct {
	interval time.Duration
	queue    Enqueuer
	logger   *slog.Logger

	running atomic.Bool
	queued  atomic.Int64
	lastRun atomic.Pointer[time.Time]

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(interval time.Duration, queue Enqueuer, logger *slog.Logger) (*Poller, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if queue == nil {
		return nil, errors.New("enqueuer must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		interval: interval,
		queue:    queue,
		logger:   logger.With("component", "poller"),
		done:     make(chan struct{}),
	}, nil
}

// Start polls immediately and then every interval. It returns false when
// already running.
func (p *Poller) Start() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running.Store(true)

	go func() {
		defer close(p.done)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.logger.Info("poller started", "interval", p.interval.String())

		p.safeTick(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.safeTick(ctx)
			}
		}
	}()

	return true
}

func (p *Poller) Stop() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running.Load() {
		return false
	}

	p.cancel()
	<-p.done
	p.running.Store(false)

	p.logger.Info("poller stopped")
	return true
}

func (p *Poller) IsRunning() bool {
	return p.running.Load()
}

func (p *Poller) Status() Status {
	st := Status{
		Running:  p.running.Load(),
		Interval: p.interval.String(),
		Queued:   p.queued.Load(),
	}
	if t := p.lastRun.Load(); t != nil {
		st.LastRun = t.Format(time.RFC3339)
	}
	return st
}

func (p *Poller) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("poller tick panic recovered", "panic", r)
		}
	}()

	start := time.Now()
	p.lastRun.Store(&start)

	added, err := p.queue.EnqueueBatch(ctx, 0)
	if err != nil {
		p.logger.Error("poller enqueue failed", "error", err)
		return
	}
	p.queued.Add(int64(added))
	p.logger.Debug("poller tick completed", "queued", added, "duration_ms", time.Since(start).Milliseconds())
}
