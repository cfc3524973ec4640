package topology

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/sensormesh-simulator/timectrl"
)

const (
	issLine1 = "1 25544U 98067A   21275.59097222  .00000204  00000-0  10270-4 0  9990"
	issLine2 = "2 25544  51.6459 115.9059 0001817  61.3028  35.9198 15.49370953257760"
	// Same orbit, half a revolution ahead.
	issOppositeLine2 = "2 25544  51.6459 115.9059 0001817  61.3028 215.9198 15.49370953257760"
)

func TestStaticServesPerDeviceCursors(t *testing.T) {
	p := NewStatic([]map[int]NeighborSet{
		{0: {1}, 1: {0}},
		{0: {1, 2}},
	})
	ctx := context.Background()

	n, ok := p.NextNeighbors(ctx, 0)
	if !ok || len(n) != 1 || n[0] != 1 {
		t.Fatalf("device 0 timepoint 0 = (%v, %v), want ([1], true)", n, ok)
	}
	// Device 1 has its own cursor and still sees timepoint 0.
	n, ok = p.NextNeighbors(ctx, 1)
	if !ok || len(n) != 1 || n[0] != 0 {
		t.Fatalf("device 1 timepoint 0 = (%v, %v), want ([0], true)", n, ok)
	}
	n, ok = p.NextNeighbors(ctx, 1)
	if !ok || len(n) != 0 {
		t.Fatalf("device 1 timepoint 1 = (%v, %v), want ([], true)", n, ok)
	}
	if _, ok := p.NextNeighbors(ctx, 1); ok {
		t.Fatalf("device 1 got a third timepoint")
	}
	n, ok = p.NextNeighbors(ctx, 0)
	if !ok || !n.Contains(2) {
		t.Fatalf("device 0 timepoint 1 = (%v, %v), want [1 2]", n, ok)
	}
}

func TestStaticReturnsCopies(t *testing.T) {
	p := NewStatic([]map[int]NeighborSet{{0: {1, 2}}, {0: {1, 2}}})
	n, _ := p.NextNeighbors(context.Background(), 0)
	n[0] = 99
	n2, _ := p.NextNeighbors(context.Background(), 0)
	if n2[0] != 1 {
		t.Fatalf("mutating a returned set leaked into the provider: %v", n2)
	}
}

func TestFullMeshExcludesSelf(t *testing.T) {
	p := FullMesh([]int{2, 0, 1}, 2)
	if p.Timepoints() != 2 {
		t.Fatalf("Timepoints() = %d, want 2", p.Timepoints())
	}
	n, ok := p.NextNeighbors(context.Background(), 1)
	if !ok || len(n) != 2 || n[0] != 0 || n[1] != 2 {
		t.Fatalf("full mesh neighbours of 1 = %v, want [0 2]", n)
	}
}

func TestStaticConcurrentCallers(t *testing.T) {
	const devices, timepoints = 8, 50
	ids := make([]int, devices)
	for i := range ids {
		ids[i] = i
	}
	p := FullMesh(ids, timepoints)

	var wg sync.WaitGroup
	counts := make([]int, devices)
	for _, id := range ids {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for {
				if _, ok := p.NextNeighbors(context.Background(), id); !ok {
					return
				}
				counts[id]++
			}
		}(id)
	}
	wg.Wait()
	for id, c := range counts {
		if c != timepoints {
			t.Fatalf("device %d saw %d timepoints, want %d", id, c, timepoints)
		}
	}
}

func TestOrbitalNeighboursByRange(t *testing.T) {
	tl := timectrl.Timeline{
		Start:      time.Date(2021, 10, 2, 0, 0, 0, 0, time.UTC),
		Tick:       time.Minute,
		Timepoints: 2,
	}
	p, err := NewOrbital(tl, 1000, map[int]TLE{
		0: {Line1: issLine1, Line2: issLine2},
		1: {Line1: issLine1, Line2: issLine2},
		2: {Line1: issLine1, Line2: issOppositeLine2},
	})
	if err != nil {
		t.Fatalf("NewOrbital: %v", err)
	}
	ctx := context.Background()

	n0, ok := p.NextNeighbors(ctx, 0)
	if !ok || len(n0) != 1 || n0[0] != 1 {
		t.Fatalf("device 0 neighbours = (%v, %v), want ([1], true)", n0, ok)
	}
	n2, ok := p.NextNeighbors(ctx, 2)
	if !ok || len(n2) != 0 {
		t.Fatalf("device 2 neighbours = (%v, %v), want ([], true)", n2, ok)
	}

	a, _ := p.PositionAt(0, tl.TimeAt(0))
	b, _ := p.PositionAt(2, tl.TimeAt(0))
	if a.DistanceTo(b) <= 1000 {
		t.Fatalf("opposite-orbit devices only %.0f km apart", a.DistanceTo(b))
	}

	// Second timepoint then exhaustion.
	if _, ok := p.NextNeighbors(ctx, 0); !ok {
		t.Fatalf("device 0 missing timepoint 1")
	}
	if _, ok := p.NextNeighbors(ctx, 0); ok {
		t.Fatalf("device 0 got a timepoint past the timeline")
	}
}

func TestOrbitalRejectsBadInput(t *testing.T) {
	tl := timectrl.Timeline{Start: time.Now(), Tick: time.Second, Timepoints: 1}

	if _, err := NewOrbital(tl, 0, nil); err == nil {
		t.Fatalf("NewOrbital with zero range succeeded")
	}
	_, err := NewOrbital(tl, 100, map[int]TLE{0: {Line1: "garbage", Line2: issLine2}})
	if !errors.Is(err, ErrInvalidTLE) {
		t.Fatalf("NewOrbital with bad TLE error = %v, want ErrInvalidTLE", err)
	}
}

func TestLineOfSightBlockedThroughEarth(t *testing.T) {
	a := Vec3{X: EarthRadiusKm + 500}
	b := Vec3{X: -(EarthRadiusKm + 500)}
	if hasLineOfSight(a, b) {
		t.Fatalf("antipodal points reported line of sight")
	}
	c := Vec3{X: EarthRadiusKm + 500, Y: 100}
	if !hasLineOfSight(a, c) {
		t.Fatalf("nearby points reported blocked")
	}
}
