package transport

import (
	"context"
	"math/rand/v2"
	"sync"

	"github.com/LeventeLantos/relay/internal/model"
)

const DefaultSuccessRate = 0.7

// Simulator stands in for a real gateway with a fixed success probability.
type Simulator struct {
	rate float64

	mu  sync.Mutex
	rng *rand.Rand
}

func NewSimulator(rate float64) *Simulator {
	return NewSimulatorWithSource(rate, rand.NewPCG(rand.Uint64(), rand.Uint64()))
}

func NewSimulatorWithSource(rate float64, src rand.Source) *Simulator {
	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}
	return &Simulator{rate: rate, rng: rand.New(src)}
}

func (s *Simulator) Attempt(ctx context.Context, m model.Message) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	s.mu.Lock()
	roll := s.rng.Float64()
	s.mu.Unlock()

	return Outcome{Success: roll < s.rate}, nil
}
