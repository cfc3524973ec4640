package timectrl

import (
	"sync"
	"time"
)

// SimClock is the read-only view of simulation progress handed to callers
// that observe a run but must not advance it.
type SimClock interface {
	// Now returns the simulation time of the timepoint in progress.
	Now() time.Time
	// Timepoint returns the index of the timepoint in progress.
	Timepoint() int
	// Done reports whether every timepoint has completed.
	Done() bool
}

var _ SimClock = (*TimeController)(nil)

// Timeline maps timepoint indexes onto simulation time. Timepoint k starts at
// Start + k*Tick; valid indexes are 0..Timepoints-1.
type Timeline struct {
	Start      time.Time
	Tick       time.Duration
	Timepoints int
}

// TimeAt returns the simulation time of timepoint k.
func (tl Timeline) TimeAt(k int) time.Time {
	return tl.Start.Add(time.Duration(k) * tl.Tick)
}

// Contains reports whether k is a valid timepoint index.
func (tl Timeline) Contains(k int) bool {
	return k >= 0 && k < tl.Timepoints
}

// TimeController tracks the current timepoint and notifies registered
// listeners each time the simulation advances. It implements SimClock.
type TimeController struct {
	mu       sync.RWMutex
	timeline Timeline

	// current is the index of the timepoint in progress.
	current int

	listeners []func(timepoint int, simTime time.Time)
}

// NewTimeController constructs a controller positioned at timepoint 0.
func NewTimeController(tl Timeline) *TimeController {
	return &TimeController{timeline: tl}
}

// Timeline returns the controller's timeline.
func (tc *TimeController) Timeline() Timeline {
	return tc.timeline
}

// Now returns the simulation time of the current timepoint. Implements SimClock.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.timeline.TimeAt(tc.current)
}

// Timepoint returns the index of the timepoint in progress. Once every
// timepoint has completed it equals Timeline().Timepoints.
func (tc *TimeController) Timepoint() int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.current
}

// Done reports whether every timepoint has completed.
func (tc *TimeController) Done() bool {
	return tc.Timepoint() >= tc.timeline.Timepoints
}

// AddListener registers a callback invoked after every Advance with the index
// and simulation time of the timepoint that just completed.
func (tc *TimeController) AddListener(fn func(timepoint int, simTime time.Time)) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// Advance marks the current timepoint complete and moves to the next one.
// Listeners run on the caller's goroutine, outside the controller lock.
func (tc *TimeController) Advance() {
	tc.mu.Lock()
	completed := tc.current
	tc.current++
	listeners := make([]func(int, time.Time), len(tc.listeners))
	copy(listeners, tc.listeners)
	tc.mu.Unlock()

	simTime := tc.timeline.TimeAt(completed)
	for _, fn := range listeners {
		fn(completed, simTime)
	}
}
