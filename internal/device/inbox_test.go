package device

import (
	"errors"
	"testing"

	"github.com/signalsfoundry/sensormesh-simulator/internal/script"
)

func TestInboxTakeStopsAtCloseMarker(t *testing.T) {
	b := newInbox()
	s := script.Average()

	_ = b.push(message{assignment: Assignment{Script: s, Location: 1}})
	_ = b.push(message{assignment: Assignment{Script: s, Location: 2}})
	_ = b.push(message{close: true})
	_ = b.push(message{assignment: Assignment{Script: s, Location: 3}})
	_ = b.push(message{close: true})

	batch, closed := b.take()
	if !closed || len(batch) != 2 || batch[0].Location != 1 || batch[1].Location != 2 {
		t.Fatalf("first take = (%v, %v), want locations [1 2] and closed", batch, closed)
	}
	batch, closed = b.take()
	if !closed || len(batch) != 1 || batch[0].Location != 3 {
		t.Fatalf("second take = (%v, %v), want location [3] and closed", batch, closed)
	}
	batch, closed = b.take()
	if closed || len(batch) != 0 {
		t.Fatalf("third take = (%v, %v), want empty and open", batch, closed)
	}
}

func TestInboxWakeIsLatched(t *testing.T) {
	b := newInbox()
	_ = b.push(message{close: true})
	_ = b.push(message{close: true})

	select {
	case <-b.wake:
	default:
		t.Fatalf("push did not leave a wake notification")
	}
	select {
	case <-b.wake:
		t.Fatalf("wake channel held more than one notification")
	default:
	}
}

func TestInboxStopRejectsPushes(t *testing.T) {
	b := newInbox()
	_ = b.push(message{close: true})

	if dropped := b.stop(); dropped != 1 {
		t.Fatalf("stop() dropped %d, want 1", dropped)
	}
	if err := b.push(message{close: true}); !errors.Is(err, ErrDeviceStopped) {
		t.Fatalf("push after stop error = %v, want ErrDeviceStopped", err)
	}
}
