package device

import (
	"sync"

	"github.com/signalsfoundry/sensormesh-simulator/internal/script"
	"github.com/signalsfoundry/sensormesh-simulator/internal/sensor"
)

// Assignment asks a device to run Script against Location during the
// timepoint in which it is drained.
type Assignment struct {
	Script   script.Script
	Location sensor.Location
}

type message struct {
	assignment Assignment
	close      bool
}

// inbox is an ordered mailbox of assignments and timepoint close markers with
// a single consumer, the device controller.
type inbox struct {
	mu      sync.Mutex
	queue   []message
	stopped bool

	// wake holds at most one pending notification; a push that finds it full
	// is already covered by the pending one.
	wake chan struct{}
}

func newInbox() *inbox {
	return &inbox{wake: make(chan struct{}, 1)}
}

func (b *inbox) push(m message) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return ErrDeviceStopped
	}
	b.queue = append(b.queue, m)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	return nil
}

// take removes every assignment queued ahead of the first close marker. If a
// close marker was reached it is consumed too and closed is true; anything
// queued after it stays for the next timepoint.
func (b *inbox) take() (batch []Assignment, closed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for n < len(b.queue) {
		m := b.queue[n]
		n++
		if m.close {
			closed = true
			break
		}
		batch = append(batch, m.assignment)
	}
	b.queue = append(b.queue[:0:0], b.queue[n:]...)
	return batch, closed
}

// stop rejects further pushes and returns how many queued messages were
// discarded.
func (b *inbox) stop() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	dropped := len(b.queue)
	b.queue = nil
	return dropped
}
