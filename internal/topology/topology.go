// Package topology supplies each device with its neighbour set for every
// timepoint, and signals the end of the simulation once a device has been
// handed its last timepoint.
package topology

import (
	"context"
	"sort"
	"sync"
)

// NeighborSet lists the device IDs a device may exchange data with during
// one timepoint.
type NeighborSet []int

// Contains reports whether id is in the set.
func (n NeighborSet) Contains(id int) bool {
	for _, v := range n {
		if v == id {
			return true
		}
	}
	return false
}

// Provider hands out neighbour sets. The k-th call for a device returns that
// device's neighbours at timepoint k. ok is false once the device has passed
// the final timepoint; that is the signal to shut down.
type Provider interface {
	NextNeighbors(ctx context.Context, deviceID int) (neighbors NeighborSet, ok bool)
}

// Func adapts a function to Provider.
type Func func(ctx context.Context, deviceID int) (NeighborSet, bool)

// NextNeighbors calls f.
func (f Func) NextNeighbors(ctx context.Context, deviceID int) (NeighborSet, bool) {
	return f(ctx, deviceID)
}

// cursors tracks, per device, the next timepoint to hand out.
type cursors struct {
	mu   sync.Mutex
	next map[int]int
}

func (c *cursors) advance(deviceID int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.next == nil {
		c.next = make(map[int]int)
	}
	k := c.next[deviceID]
	c.next[deviceID] = k + 1
	return k
}

// Static serves neighbour sets fixed up front: Adjacency[k][d] is device d's
// neighbour set at timepoint k. A device missing from a timepoint's map has
// no neighbours for that timepoint.
type Static struct {
	adjacency []map[int]NeighborSet
	cursors   cursors
}

// NewStatic builds a Static provider with len(adjacency) timepoints.
func NewStatic(adjacency []map[int]NeighborSet) *Static {
	return &Static{adjacency: adjacency}
}

// FullMesh builds a Static provider where every device neighbours every other
// device at each of the given number of timepoints.
func FullMesh(ids []int, timepoints int) *Static {
	sorted := append([]int(nil), ids...)
	sort.Ints(sorted)

	adjacency := make([]map[int]NeighborSet, timepoints)
	for k := range adjacency {
		m := make(map[int]NeighborSet, len(sorted))
		for _, id := range sorted {
			set := make(NeighborSet, 0, len(sorted)-1)
			for _, other := range sorted {
				if other != id {
					set = append(set, other)
				}
			}
			m[id] = set
		}
		adjacency[k] = m
	}
	return NewStatic(adjacency)
}

// Timepoints returns the number of timepoints served.
func (s *Static) Timepoints() int {
	return len(s.adjacency)
}

// NextNeighbors implements Provider.
func (s *Static) NextNeighbors(_ context.Context, deviceID int) (NeighborSet, bool) {
	k := s.cursors.advance(deviceID)
	if k >= len(s.adjacency) {
		return nil, false
	}
	return append(NeighborSet(nil), s.adjacency[k][deviceID]...), true
}
