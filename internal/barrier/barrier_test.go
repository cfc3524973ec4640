package barrier

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSinglePartyReturnsImmediately(t *testing.T) {
	b := New(1)

	done := make(chan struct{})
	go func() {
		b.Wait()
		b.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Wait with one party blocked")
	}
	if got := b.Phase(); got != 2 {
		t.Fatalf("Phase() = %d, want 2", got)
	}
}

func TestNewCheckedRejectsZeroParties(t *testing.T) {
	if _, err := NewChecked(0); !errors.Is(err, ErrInvalidParties) {
		t.Fatalf("NewChecked(0) error = %v, want ErrInvalidParties", err)
	}
}

func TestNoPartyReleasedBeforeAllArrive(t *testing.T) {
	const parties = 3
	b := New(parties)

	var released atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < parties-1; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Wait()
			released.Add(1)
		}()
	}

	// Give the first two parties time to block.
	time.Sleep(50 * time.Millisecond)
	if got := released.Load(); got != 0 {
		t.Fatalf("%d parties released before the last arrival", got)
	}

	b.Wait()
	wg.Wait()
	if got := released.Load(); got != parties-1 {
		t.Fatalf("released = %d, want %d", got, parties-1)
	}
}

func TestBarrierResetsAcrossPhases(t *testing.T) {
	const (
		parties = 3
		phases  = 2
	)

	// arrivals[p] counts how many parties have arrived at phase p. No party
	// may leave phase p while arrivals[p] < parties.
	var arrivals [phases]atomic.Int32
	var violations atomic.Int32

	b := New(parties)
	var wg sync.WaitGroup
	for i := 0; i < parties; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := 0; p < phases; p++ {
				arrivals[p].Add(1)
				b.Wait()
				if arrivals[p].Load() != parties {
					violations.Add(1)
				}
			}
		}()
	}

	waitOrFail(t, &wg, 2*time.Second)
	if got := violations.Load(); got != 0 {
		t.Fatalf("%d parties left a phase early", got)
	}
	if got := b.Phase(); got != phases {
		t.Fatalf("Phase() = %d, want %d", got, phases)
	}
}

func TestActionRunsOncePerPhaseBeforeRelease(t *testing.T) {
	const parties = 4

	var mu sync.Mutex
	var seen []uint64
	var leftBeforeAction atomic.Int32
	var actionRan atomic.Bool

	b := New(parties, WithAction(func(phase uint64) {
		mu.Lock()
		seen = append(seen, phase)
		mu.Unlock()
		actionRan.Store(true)
	}))

	var wg sync.WaitGroup
	for i := 0; i < parties; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := 0; p < 3; p++ {
				b.Wait()
				if !actionRan.Load() {
					leftBeforeAction.Add(1)
				}
			}
		}()
	}
	waitOrFail(t, &wg, 2*time.Second)

	if leftBeforeAction.Load() != 0 {
		t.Fatalf("a party was released before the phase action ran")
	}
	mu.Lock()
	defer mu.Unlock()
	want := []uint64{1, 2, 3}
	if len(seen) != len(want) {
		t.Fatalf("action phases = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("action phases = %v, want %v", seen, want)
		}
	}
}

func waitOrFail(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for barrier parties")
	}
}
