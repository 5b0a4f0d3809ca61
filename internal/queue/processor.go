// Package queue drains pending messages one at a time with a fixed pause
// between attempts.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/LeventeLantos/relay/internal/delivery"
	"github.com/LeventeLantos/relay/internal/model"
)

const (
	DefaultBatch = 10
	DefaultDelay = 5 * time.Second
)

type Deliverer interface {
	Pending(ctx context.Context, limit int) ([]model.Message, error)
	Get(ctx context.Context, id string) (model.Message, error)
	AttemptDelivery(ctx context.Context, m model.Message, opts ...delivery.Option) (model.Message, error)
	SetStatus(ctx context.Context, id string, status model.Status, opts ...delivery.Option) (model.Message, error)
	ResetFailed(ctx context.Context, id string, opts ...delivery.Option) (model.Message, error)
}

type Snapshot struct {
	Processing bool `json:"processing"`
	Queued     int  `json:"queued"`
}

type Processor struct {
	svc    Deliverer
	delay  time.Duration
	batch  int
	logger *slog.Logger

	mu         sync.Mutex
	queue      []model.Message
	queued     map[string]struct{}
	processing bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewProcessor(svc Deliverer, delay time.Duration, batch int, logger *slog.Logger) (*Processor, error) {
	if svc == nil {
		return nil, errors.New("deliverer must not be nil")
	}
	if delay < 0 {
		return nil, errors.New("delay must be >= 0")
	}
	if batch <= 0 {
		batch = DefaultBatch
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		svc:    svc,
		delay:  delay,
		batch:  batch,
		logger: logger.With("component", "queue"),
		queued: make(map[string]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// EnqueueBatch loads up to limit pending messages (the configured batch when
// limit <= 0) and starts draining if idle. Messages already queued are
// skipped. It returns the number of newly queued messages.
func (p *Processor) EnqueueBatch(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = p.batch
	}
	msgs, err := p.svc.Pending(ctx, limit)
	if err != nil {
		return 0, err
	}
	return p.enqueue(msgs), nil
}

// Requeue is the only way back from failed: the message is reset to pending
// and queued for another attempt.
func (p *Processor) Requeue(ctx context.Context, id string) (model.Message, error) {
	m, err := p.svc.ResetFailed(ctx, id)
	if err != nil {
		return m, err
	}
	p.enqueue([]model.Message{m})
	return m, nil
}

func (p *Processor) enqueue(msgs []model.Message) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx.Err() != nil {
		return 0
	}

	added := 0
	for _, m := range msgs {
		if _, ok := p.queued[m.ID]; ok {
			continue
		}
		p.queued[m.ID] = struct{}{}
		p.queue = append(p.queue, m)
		added++
	}

	if added > 0 && !p.processing {
		p.processing = true
		p.wg.Add(1)
		go p.drain()
	}
	return added
}

func (p *Processor) drain() {
	defer p.wg.Done()

	p.logger.Info("queue processing started")
	for {
		m, ok := p.next()
		if !ok {
			p.logger.Info("queue processing finished")
			return
		}

		attempted := p.safeAttempt(m)

		p.mu.Lock()
		delete(p.queued, m.ID)
		p.mu.Unlock()

		// Pause after every attempt, the last one included.
		if attempted && !p.pause() {
			p.reset()
			p.logger.Info("queue processing stopped")
			return
		}
	}
}

// next pops the head of the queue, clearing the processing flag when empty.
func (p *Processor) next() (model.Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.queue) == 0 || p.ctx.Err() != nil {
		p.queue = nil
		p.processing = false
		return model.Message{}, false
	}
	m := p.queue[0]
	p.queue = p.queue[1:]
	return m, true
}

func (p *Processor) pause() bool {
	if p.delay <= 0 {
		return p.ctx.Err() == nil
	}
	t := time.NewTimer(p.delay)
	defer t.Stop()
	select {
	case <-p.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (p *Processor) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = nil
	clear(p.queued)
	p.processing = false
}

// safeAttempt reports whether the transport was tried. Entries whose stored
// status has moved on since they were queued are skipped.
func (p *Processor) safeAttempt(m model.Message) (attempted bool) {
	defer func() {
		if r := recover(); r != nil {
			attempted = true
			p.logger.Error("queue attempt panic recovered", "message_id", m.ID, "panic", r)
			if _, err := p.svc.SetStatus(p.ctx, m.ID, model.Failed); err != nil {
				p.logger.Error("mark message failed", "message_id", m.ID, "error", err)
			}
		}
	}()

	current, err := p.svc.Get(p.ctx, m.ID)
	if err != nil {
		p.logger.Warn("queue lookup failed", "message_id", m.ID, "error", err)
		return false
	}
	if current.Status != model.Pending {
		p.logger.Debug("queue entry no longer pending", "message_id", m.ID, "status", current.Status)
		return false
	}

	attempted = true
	start := time.Now()
	got, err := p.svc.AttemptDelivery(p.ctx, current, delivery.ConfirmOnSuccess())
	if err != nil {
		p.logger.Warn("queue attempt error", "message_id", m.ID, "status", got.Status, "error", err)
		return attempted
	}
	p.logger.Info("queue attempt completed",
		"message_id", m.ID,
		"status", got.Status,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return attempted
}

func (p *Processor) IsProcessing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processing
}

// Len counts messages waiting behind the one in flight.
func (p *Processor) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Processor) Status() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{Processing: p.processing, Queued: len(p.queue)}
}

// Close stops draining and waits for the in-flight attempt to finish.
// Queued messages stay pending in the store.
func (p *Processor) Close() {
	p.mu.Lock()
	p.cancel()
	p.mu.Unlock()
	p.wg.Wait()
}
