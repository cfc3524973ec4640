// Package barrier provides a reusable rendezvous point for a fixed number of
// parties. Every device in a simulation waits on the same Barrier at the end
// of each timepoint.
package barrier

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidParties is returned when a barrier is built for fewer than one party.
var ErrInvalidParties = errors.New("barrier requires at least one party")

// Action runs once per phase on the goroutine of the last arriving party,
// before any waiting party is released. phase is the 1-based index of the
// phase being completed. It must not call back into the Barrier.
type Action func(phase uint64)

// Option configures a Barrier.
type Option func(*Barrier)

// WithAction registers fn to run when each phase completes.
func WithAction(fn Action) Option {
	return func(b *Barrier) {
		b.action = fn
	}
}

// Barrier blocks callers of Wait until exactly parties callers have arrived,
// then releases all of them and resets for the next phase.
//
// There is no timeout and no cancellation. A party that skips a phase leaves
// the remaining parties blocked forever.
type Barrier struct {
	mu   sync.Mutex
	cond *sync.Cond

	parties   int
	remaining int
	// generation increments on every release so that waiters of a completed
	// phase can tell their release apart from arrivals for the next one.
	generation uint64

	action Action
}

// NewChecked constructs a barrier for parties callers.
func NewChecked(parties int, opts ...Option) (*Barrier, error) {
	if parties < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidParties, parties)
	}
	b := &Barrier{
		parties:   parties,
		remaining: parties,
	}
	b.cond = sync.NewCond(&b.mu)
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// New is like NewChecked but panics on an invalid party count.
func New(parties int, opts ...Option) *Barrier {
	b, err := NewChecked(parties, opts...)
	if err != nil {
		panic(err)
	}
	return b
}

// Parties returns the number of parties required per phase.
func (b *Barrier) Parties() int {
	return b.parties
}

// Phase returns the number of phases released so far.
func (b *Barrier) Phase() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.generation
}

// Wait blocks until Parties callers have called Wait in the current phase.
func (b *Barrier) Wait() {
	b.mu.Lock()
	defer b.mu.Unlock()

	gen := b.generation
	b.remaining--
	if b.remaining == 0 {
		if b.action != nil {
			b.action(gen + 1)
		}
		b.generation++
		b.remaining = b.parties
		b.cond.Broadcast()
		return
	}

	for gen == b.generation {
		b.cond.Wait()
	}
}
