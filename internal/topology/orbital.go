package topology

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"

	"github.com/signalsfoundry/sensormesh-simulator/timectrl"
)

// EarthRadiusKm is the mean Earth radius used for line-of-sight checks.
const EarthRadiusKm = 6371.0

// ErrInvalidTLE is returned for malformed two-line element sets.
var ErrInvalidTLE = errors.New("invalid TLE")

// Vec3 is an ECEF position in kilometres.
type Vec3 struct {
	X, Y, Z float64
}

// DistanceTo returns the straight-line distance between two points.
func (v Vec3) DistanceTo(other Vec3) float64 {
	dx := v.X - other.X
	dy := v.Y - other.Y
	dz := v.Z - other.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

func (v Vec3) sub(other Vec3) Vec3 {
	return Vec3{X: v.X - other.X, Y: v.Y - other.Y, Z: v.Z - other.Z}
}

func (v Vec3) dot(other Vec3) float64 {
	return v.X*other.X + v.Y*other.Y + v.Z*other.Z
}

func (v Vec3) valid() bool {
	return !math.IsNaN(v.X) && !math.IsNaN(v.Y) && !math.IsNaN(v.Z)
}

// hasLineOfSight reports whether the segment p1-p2 clears the Earth sphere.
func hasLineOfSight(p1, p2 Vec3) bool {
	v := p2.sub(p1)
	a := v.dot(v)
	if a == 0 {
		return p1.dot(p1) > EarthRadiusKm*EarthRadiusKm
	}

	// Closest point on the segment to the Earth's centre.
	t := -p1.dot(v) / a
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	closest := Vec3{X: p1.X + v.X*t, Y: p1.Y + v.Y*t, Z: p1.Z + v.Z*t}
	return closest.dot(closest) > EarthRadiusKm*EarthRadiusKm
}

// TLE is a two-line element set.
type TLE struct {
	Line1 string
	Line2 string
}

// Validate performs the structural checks SGP4 relies on.
func (t TLE) Validate() error {
	l1 := strings.TrimSpace(t.Line1)
	l2 := strings.TrimSpace(t.Line2)
	if !strings.HasPrefix(l1, "1 ") || len(l1) != 69 {
		return fmt.Errorf("%w: line 1 must start with \"1 \" and be 69 characters", ErrInvalidTLE)
	}
	if !strings.HasPrefix(l2, "2 ") || len(l2) != 69 {
		return fmt.Errorf("%w: line 2 must start with \"2 \" and be 69 characters", ErrInvalidTLE)
	}
	return nil
}

// Orbital derives neighbour sets from satellite geometry: at timepoint k
// every device is propagated with SGP4 to the timeline's time for k, and two
// devices are neighbours when they are within MaxRangeKm of each other and
// the Earth does not block the line between them.
type Orbital struct {
	timeline   timectrl.Timeline
	maxRangeKm float64

	ids  []int
	sats map[int]satellite.Satellite

	mu    sync.Mutex
	cache map[int]map[int]NeighborSet

	cursors cursors
}

// NewOrbital builds an orbital provider for the devices in tles.
func NewOrbital(tl timectrl.Timeline, maxRangeKm float64, tles map[int]TLE) (*Orbital, error) {
	if maxRangeKm <= 0 {
		return nil, fmt.Errorf("max range must be positive, got %v", maxRangeKm)
	}
	o := &Orbital{
		timeline:   tl,
		maxRangeKm: maxRangeKm,
		sats:       make(map[int]satellite.Satellite, len(tles)),
		cache:      make(map[int]map[int]NeighborSet),
	}
	for id, tle := range tles {
		if err := tle.Validate(); err != nil {
			return nil, fmt.Errorf("device %d: %w", id, err)
		}
		o.sats[id] = satellite.TLEToSat(strings.TrimSpace(tle.Line1), strings.TrimSpace(tle.Line2), satellite.GravityWGS72)
		o.ids = append(o.ids, id)
	}
	sort.Ints(o.ids)
	return o, nil
}

// Timepoints returns the number of timepoints served.
func (o *Orbital) Timepoints() int {
	return o.timeline.Timepoints
}

// NextNeighbors implements Provider.
func (o *Orbital) NextNeighbors(_ context.Context, deviceID int) (NeighborSet, bool) {
	k := o.cursors.advance(deviceID)
	if !o.timeline.Contains(k) {
		return nil, false
	}
	return append(NeighborSet(nil), o.neighborsAt(k)[deviceID]...), true
}

// PositionAt returns a device's ECEF position at simTime.
func (o *Orbital) PositionAt(deviceID int, simTime time.Time) (Vec3, bool) {
	sat, ok := o.sats[deviceID]
	if !ok {
		return Vec3{}, false
	}
	return propagate(sat, simTime), true
}

func (o *Orbital) neighborsAt(k int) map[int]NeighborSet {
	o.mu.Lock()
	defer o.mu.Unlock()

	if sets, ok := o.cache[k]; ok {
		return sets
	}

	simTime := o.timeline.TimeAt(k)
	positions := make(map[int]Vec3, len(o.ids))
	for _, id := range o.ids {
		positions[id] = propagate(o.sats[id], simTime)
	}

	sets := make(map[int]NeighborSet, len(o.ids))
	for i, a := range o.ids {
		pa := positions[a]
		if !pa.valid() {
			continue
		}
		for _, b := range o.ids[i+1:] {
			pb := positions[b]
			if !pb.valid() {
				continue
			}
			if pa.DistanceTo(pb) <= o.maxRangeKm && hasLineOfSight(pa, pb) {
				sets[a] = append(sets[a], b)
				sets[b] = append(sets[b], a)
			}
		}
	}
	for _, set := range sets {
		sort.Ints(set)
	}
	o.cache[k] = sets
	return sets
}

// propagate runs SGP4 to simTime and converts to ECEF kilometres.
func propagate(sat satellite.Satellite, simTime time.Time) Vec3 {
	t := simTime.UTC()
	year, month, day := t.Date()
	hour, min, sec := t.Clock()

	posECI, _ := satellite.Propagate(sat, year, int(month), day, hour, min, sec)
	jd := satellite.JDay(year, int(month), day, hour, min, sec)
	gmst := satellite.ThetaG_JD(jd)
	posECEF := satellite.ECIToECEF(posECI, gmst)

	return Vec3{X: posECEF.X, Y: posECEF.Y, Z: posECEF.Z}
}
