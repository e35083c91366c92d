// Package limiter bounds concurrent calls to external providers.
package limiter

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultCapacity applies to providers without an explicit limit.
const DefaultCapacity = 2

// Gate is a FIFO counting semaphore shared by every job in the process.
// Waiters are admitted in arrival order.
type Gate struct {
	name     string
	capacity int64
	sem      *semaphore.Weighted
	inFlight atomic.Int64
	waiting  atomic.Int64
}

// NewGate creates a gate admitting at most capacity holders.
func NewGate(name string, capacity int) *Gate {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Gate{name: name, capacity: int64(capacity), sem: semaphore.NewWeighted(int64(capacity))}
}

// Acquire blocks until a slot frees up or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	g.waiting.Add(1)
	err := g.sem.Acquire(ctx, 1)
	g.waiting.Add(-1)
	if err != nil {
		return err
	}
	g.inFlight.Add(1)
	return nil
}

// Release returns a slot taken by Acquire.
func (g *Gate) Release() {
	g.inFlight.Add(-1)
	g.sem.Release(1)
}

// Do runs fn while holding a slot.
func (g *Gate) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := g.Acquire(ctx); err != nil {
		return err
	}
	defer g.Release()
	return fn(ctx)
}

// Stats is a point-in-time view of a gate.
type Stats struct {
	Provider string `json:"provider"`
	Capacity int    `json:"capacity"`
	InFlight int    `json:"in_flight"`
	Waiting  int    `json:"waiting"`
}

// Stats reports current occupancy.
func (g *Gate) Stats() Stats {
	return Stats{
		Provider: g.name,
		Capacity: int(g.capacity),
		InFlight: int(g.inFlight.Load()),
		Waiting:  int(g.waiting.Load()),
	}
}

// Set holds one gate per provider name.
type Set struct {
	mu         sync.Mutex
	gates      map[string]*Gate
	capacities map[string]int
	fallback   int
}

// NewSet builds a set using capacities per provider and fallback for others.
func NewSet(capacities map[string]int, fallback int) *Set {
	if fallback <= 0 {
		fallback = DefaultCapacity
	}
	caps := make(map[string]int, len(capacities))
	for name, c := range capacities {
		caps[name] = c
	}
	return &Set{gates: make(map[string]*Gate), capacities: caps, fallback: fallback}
}

// Gate returns the gate for provider, creating it on first use.
func (s *Set) Gate(provider string) *Gate {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.gates[provider]; ok {
		return g
	}
	capacity, ok := s.capacities[provider]
	if !ok {
		capacity = s.fallback
	}
	g := NewGate(provider, capacity)
	s.gates[provider] = g
	return g
}

// Stats lists every gate created so far, sorted by provider.
func (s *Set) Stats() []Stats {
	s.mu.Lock()
	out := make([]Stats, 0, len(s.gates))
	for _, g := range s.gates {
		out = append(out, g.Stats())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}
