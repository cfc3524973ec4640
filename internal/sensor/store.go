// Package sensor holds the per-device location store. Each location has its
// own lock, and an update is a Section that stays exclusive from Begin until
// Commit or Release.
package sensor

import (
	"sort"
	"sync"
)

// Location identifies a unit of sensor data.
type Location int

// Value is a sensor reading.
type Value = float64

type slot struct {
	mu    sync.Mutex
	value Value
}

// Store maps locations to readings. The set of locations is fixed when the
// store is built.
type Store struct {
	slots map[Location]*slot
}

// NewStore builds a store tracking exactly the locations in readings.
func NewStore(readings map[Location]Value) *Store {
	s := &Store{slots: make(map[Location]*slot, len(readings))}
	for loc, v := range readings {
		s.slots[loc] = &slot{value: v}
	}
	return s
}

// Has reports whether loc is tracked.
func (s *Store) Has(loc Location) bool {
	_, ok := s.slots[loc]
	return ok
}

// Begin opens an exclusive update of loc. It returns false without blocking
// when loc is not tracked; otherwise it blocks until no other Section on loc
// is open.
//
// The caller must end the Section with Commit or Release.
func (s *Store) Begin(loc Location) (*Section, bool) {
	sl, ok := s.slots[loc]
	if !ok {
		return nil, false
	}
	sl.mu.Lock()
	return &Section{loc: loc, slot: sl}, true
}

// Get returns the committed value of loc. It waits for any open Section on
// loc to end.
func (s *Store) Get(loc Location) (Value, bool) {
	sl, ok := s.slots[loc]
	if !ok {
		return 0, false
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.value, true
}

// Locations returns the tracked locations in ascending order.
func (s *Store) Locations() []Location {
	locs := make([]Location, 0, len(s.slots))
	for loc := range s.slots {
		locs = append(locs, loc)
	}
	sort.Slice(locs, func(i, j int) bool { return locs[i] < locs[j] })
	return locs
}

// Snapshot copies every committed value.
func (s *Store) Snapshot() map[Location]Value {
	out := make(map[Location]Value, len(s.slots))
	for _, loc := range s.Locations() {
		v, _ := s.Get(loc)
		out[loc] = v
	}
	return out
}

// Section is an open, exclusive update of one location.
type Section struct {
	loc  Location
	slot *slot
	done bool
}

// Location returns the location being updated.
func (c *Section) Location() Location {
	return c.loc
}

// Value returns the value observed when the Section was opened.
func (c *Section) Value() Value {
	return c.slot.value
}

// Commit stores v and ends the Section. Calls after the first Commit or
// Release are ignored.
func (c *Section) Commit(v Value) {
	if c == nil || c.done {
		return
	}
	c.slot.value = v
	c.done = true
	c.slot.mu.Unlock()
}

// Release ends the Section without writing. It is a no-op once the Section
// has ended, so it is safe to defer alongside Commit.
func (c *Section) Release() {
	if c == nil || c.done {
		return
	}
	c.done = true
	c.slot.mu.Unlock()
}
