// Package scenario loads simulation scenarios from YAML: the timeline, the
// devices and their initial readings, how neighbour sets are derived and
// which scripts are assigned at which timepoints.
package scenario

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/sensormesh-simulator/internal/script"
	"github.com/signalsfoundry/sensormesh-simulator/internal/sensor"
	"github.com/signalsfoundry/sensormesh-simulator/internal/topology"
	"github.com/signalsfoundry/sensormesh-simulator/timectrl"
)

// ErrInvalidScenario wraps every validation failure.
var ErrInvalidScenario = errors.New("invalid scenario")

// Topology kinds.
const (
	TopologyStatic   = "static"
	TopologyFullMesh = "full_mesh"
	TopologyOrbital  = "orbital"
)

// DefaultTick is the timepoint spacing used when a scenario omits tick.
const DefaultTick = time.Minute

// DefaultStart is the simulation epoch used when a scenario omits start.
var DefaultStart = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// Scenario is the top-level document.
type Scenario struct {
	Name       string        `yaml:"name,omitempty"`
	Timepoints int           `yaml:"timepoints"`
	Tick       time.Duration `yaml:"tick,omitempty"`
	Start      time.Time     `yaml:"start,omitempty"`

	// PoolSize is the per-device worker count; zero keeps the default.
	PoolSize int `yaml:"pool_size,omitempty"`

	Topology TopologySpec `yaml:"topology"`
	Devices  []DeviceSpec `yaml:"devices"`
	Scripts  []ScriptSpec `yaml:"scripts,omitempty"`
}

// TopologySpec selects how neighbour sets are produced.
type TopologySpec struct {
	Kind string `yaml:"kind"`

	// MaxRangeKm bounds the link distance for orbital topologies.
	MaxRangeKm float64 `yaml:"max_range_km,omitempty"`

	// Neighbors holds one adjacency map per timepoint for static topologies.
	Neighbors []map[int][]int `yaml:"neighbors,omitempty"`
}

// DeviceSpec describes one device and the locations it tracks.
type DeviceSpec struct {
	ID       int             `yaml:"id"`
	Readings map[int]float64 `yaml:"readings"`

	// TLE is the device's two-line element set, required for orbital
	// topologies.
	TLE []string `yaml:"tle,omitempty"`
}

// ScriptSpec assigns a builtin script to a device and location.
type ScriptSpec struct {
	Device   int    `yaml:"device"`
	Script   string `yaml:"script"`
	Location int    `yaml:"location"`

	// Timepoints lists the timepoints the assignment is made in. Empty means
	// every timepoint.
	Timepoints []int `yaml:"timepoints,omitempty"`
}

// ActiveAt reports whether the assignment is made in timepoint k.
func (s ScriptSpec) ActiveAt(k int) bool {
	if len(s.Timepoints) == 0 {
		return true
	}
	for _, tp := range s.Timepoints {
		if tp == k {
			return true
		}
	}
	return false
}

// Load reads, parses and validates the scenario at path.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	sc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

// Parse decodes a scenario, fills defaults and validates it. Unknown fields
// are rejected.
func Parse(data []byte) (*Scenario, error) {
	var sc Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidScenario)
		}
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	sc.Normalize()
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Normalize fills in defaults for omitted fields.
func (s *Scenario) Normalize() {
	if s.Tick == 0 {
		s.Tick = DefaultTick
	}
	if s.Start.IsZero() {
		s.Start = DefaultStart
	}
	if s.Topology.Kind == "" {
		s.Topology.Kind = TopologyFullMesh
	}
}

// Validate checks the scenario is internally consistent.
func (s *Scenario) Validate() error {
	if s.Timepoints < 1 {
		return invalid("timepoints must be at least 1, got %d", s.Timepoints)
	}
	if s.Tick < 0 {
		return invalid("tick must not be negative")
	}
	if s.PoolSize < 0 {
		return invalid("pool_size must not be negative, got %d", s.PoolSize)
	}
	if len(s.Devices) == 0 {
		return invalid("at least one device is required")
	}

	ids := make(map[int]struct{}, len(s.Devices))
	for _, d := range s.Devices {
		if _, dup := ids[d.ID]; dup {
			return invalid("duplicate device id %d", d.ID)
		}
		ids[d.ID] = struct{}{}
	}

	switch s.Topology.Kind {
	case TopologyFullMesh:
	case TopologyStatic:
		if len(s.Topology.Neighbors) != s.Timepoints {
			return invalid("static topology lists %d timepoints, want %d", len(s.Topology.Neighbors), s.Timepoints)
		}
		for k, adj := range s.Topology.Neighbors {
			for id, ns := range adj {
				if _, ok := ids[id]; !ok {
					return invalid("timepoint %d: unknown device %d", k, id)
				}
				for _, n := range ns {
					if _, ok := ids[n]; !ok {
						return invalid("timepoint %d: device %d lists unknown neighbour %d", k, id, n)
					}
				}
			}
		}
	case TopologyOrbital:
		if s.Topology.MaxRangeKm <= 0 {
			return invalid("orbital topology requires a positive max_range_km")
		}
		for _, d := range s.Devices {
			tle, err := d.tle()
			if err != nil {
				return invalid("device %d: %v", d.ID, err)
			}
			if err := tle.Validate(); err != nil {
				return invalid("device %d: %v", d.ID, err)
			}
		}
	default:
		return invalid("unknown topology kind %q", s.Topology.Kind)
	}

	for i, sc := range s.Scripts {
		if _, ok := ids[sc.Device]; !ok {
			return invalid("scripts[%d]: unknown device %d", i, sc.Device)
		}
		if _, err := script.Lookup(sc.Script); err != nil {
			return invalid("scripts[%d]: %v", i, err)
		}
		for _, tp := range sc.Timepoints {
			if tp < 0 || tp >= s.Timepoints {
				return invalid("scripts[%d]: timepoint %d out of range", i, tp)
			}
		}
	}
	return nil
}

// Timeline returns the scenario's timeline.
func (s *Scenario) Timeline() timectrl.Timeline {
	return timectrl.Timeline{Start: s.Start, Tick: s.Tick, Timepoints: s.Timepoints}
}

// DeviceIDs returns every device ID in ascending order.
func (s *Scenario) DeviceIDs() []int {
	ids := make([]int, 0, len(s.Devices))
	for _, d := range s.Devices {
		ids = append(ids, d.ID)
	}
	sort.Ints(ids)
	return ids
}

// BuildTopology constructs the neighbour provider the scenario describes.
func (s *Scenario) BuildTopology() (topology.Provider, error) {
	switch s.Topology.Kind {
	case TopologyStatic:
		adjacency := make([]map[int]topology.NeighborSet, len(s.Topology.Neighbors))
		for k, adj := range s.Topology.Neighbors {
			adjacency[k] = make(map[int]topology.NeighborSet, len(adj))
			for id, ns := range adj {
				adjacency[k][id] = append(topology.NeighborSet(nil), ns...)
			}
		}
		return topology.NewStatic(adjacency), nil
	case TopologyFullMesh:
		return topology.FullMesh(s.DeviceIDs(), s.Timepoints), nil
	case TopologyOrbital:
		tles := make(map[int]topology.TLE, len(s.Devices))
		for _, d := range s.Devices {
			tle, err := d.tle()
			if err != nil {
				return nil, fmt.Errorf("device %d: %w", d.ID, err)
			}
			tles[d.ID] = tle
		}
		o, err := topology.NewOrbital(s.Timeline(), s.Topology.MaxRangeKm, tles)
		if err != nil {
			return nil, err
		}
		return o, nil
	default:
		return nil, invalid("unknown topology kind %q", s.Topology.Kind)
	}
}

// StoreReadings converts the device's readings to store form.
func (d DeviceSpec) StoreReadings() map[sensor.Location]sensor.Value {
	out := make(map[sensor.Location]sensor.Value, len(d.Readings))
	for loc, v := range d.Readings {
		out[sensor.Location(loc)] = v
	}
	return out
}

func (d DeviceSpec) tle() (topology.TLE, error) {
	if len(d.TLE) != 2 {
		return topology.TLE{}, fmt.Errorf("tle must have exactly two lines, got %d", len(d.TLE))
	}
	return topology.TLE{Line1: d.TLE[0], Line2: d.TLE[1]}, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidScenario, fmt.Sprintf(format, args...))
}

// Demo is the three-device averaging scenario: every device tracks location
// 5 and device 0 averages it across the full mesh once.
func Demo() *Scenario {
	sc := &Scenario{
		Name:       "three-device-average",
		Timepoints: 1,
		Topology:   TopologySpec{Kind: TopologyFullMesh},
		Devices: []DeviceSpec{
			{ID: 0, Readings: map[int]float64{5: 10}},
			{ID: 1, Readings: map[int]float64{5: 20}},
			{ID: 2, Readings: map[int]float64{5: 30}},
		},
		Scripts: []ScriptSpec{
			{Device: 0, Script: "average", Location: 5},
		},
	}
	sc.Normalize()
	return sc
}
