// Package sim drives a scenario end to end: it builds the shared barrier,
// the device directory and the topology, feeds each timepoint's script
// assignments to the devices and collects a Report once every device has
// shut down.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/sensormesh-simulator/internal/barrier"
	"github.com/signalsfoundry/sensormesh-simulator/internal/device"
	"github.com/signalsfoundry/sensormesh-simulator/internal/logging"
	"github.com/signalsfoundry/sensormesh-simulator/internal/observability"
	"github.com/signalsfoundry/sensormesh-simulator/internal/scenario"
	"github.com/signalsfoundry/sensormesh-simulator/internal/script"
	"github.com/signalsfoundry/sensormesh-simulator/internal/sensor"
	"github.com/signalsfoundry/sensormesh-simulator/timectrl"
)

// ErrAlreadyRun is returned by Run on a Simulator that has already run.
var ErrAlreadyRun = errors.New("simulation already run")

// Option configures a Simulator.
type Option func(*Simulator)

// WithMetrics attaches a Prometheus collector shared by every device.
func WithMetrics(c *observability.SimCollector) Option {
	return func(s *Simulator) {
		s.metrics = c
	}
}

// WithTracer overrides the tracer used for run and device spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Simulator) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithPoolSize overrides the scenario's per-device worker count.
func WithPoolSize(n int) Option {
	return func(s *Simulator) {
		s.poolSize = n
	}
}

// WithWallTick paces the run: timepoint k is not fed before k*d of wall
// time has passed since Run started. Zero runs as fast as possible.
func WithWallTick(d time.Duration) Option {
	return func(s *Simulator) {
		s.wallTick = d
	}
}

// DeviceReport is one device's final state.
type DeviceReport struct {
	ID       int                              `json:"id"`
	Readings map[sensor.Location]sensor.Value `json:"readings"`
	Stats    device.Stats                     `json:"stats"`
}

// Report summarises a finished run.
type Report struct {
	RunID      string           `json:"run_id"`
	Scenario   string           `json:"scenario,omitempty"`
	Timepoints int              `json:"timepoints"`
	Elapsed    time.Duration    `json:"elapsed_ns"`
	Devices    []DeviceReport   `json:"devices"`
	Scripts    map[string]int64 `json:"script_invocations"`
	Faults     int64            `json:"faults"`
	Cancelled  bool             `json:"cancelled,omitempty"`
}

// assignment is a scenario script resolved to its target device.
type assignment struct {
	spec   scenario.ScriptSpec
	target *device.Device
	script *script.Counting
}

// Simulator runs one scenario once.
type Simulator struct {
	scenario *scenario.Scenario
	log      logging.Logger
	metrics  *observability.SimCollector
	tracer   trace.Tracer
	poolSize int
	wallTick time.Duration

	clock    *timectrl.TimeController
	barrier  *barrier.Barrier
	registry *device.Registry
	scripts  []assignment

	// phases receives the phase number each time the barrier releases.
	phases chan uint64

	runOnce sync.Once
}

// New validates sc and builds every device. Nothing runs until Run.
func New(sc *scenario.Scenario, log logging.Logger, opts ...Option) (*Simulator, error) {
	if sc == nil {
		return nil, fmt.Errorf("scenario is nil")
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Noop()
	}

	s := &Simulator{
		scenario: sc,
		log:      log,
		tracer:   observability.Tracer(),
		poolSize: sc.PoolSize,
		clock:    timectrl.NewTimeController(sc.Timeline()),
		registry: device.NewRegistry(),
		phases:   make(chan uint64, sc.Timepoints),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.clock.AddListener(func(timepoint int, simTime time.Time) {
		s.metrics.IncTimepoints()
		s.log.Debug(context.Background(), "timepoint complete",
			logging.Int("timepoint", timepoint),
			logging.String("sim_time", simTime.Format(time.RFC3339)),
		)
	})

	b, err := barrier.NewChecked(len(sc.Devices), barrier.WithAction(s.onPhase))
	if err != nil {
		return nil, err
	}
	s.barrier = b

	topo, err := sc.BuildTopology()
	if err != nil {
		return nil, fmt.Errorf("build topology: %w", err)
	}

	for _, spec := range sc.Devices {
		d, err := device.New(spec.ID, sensor.NewStore(spec.StoreReadings()), device.Deps{
			Barrier:   s.barrier,
			Topology:  topo,
			Directory: s.registry,
			PoolSize:  s.poolSize,
			Logger:    log,
			Metrics:   s.metrics,
			Tracer:    s.tracer,
		})
		if err != nil {
			return nil, err
		}
		if err := s.registry.Add(d); err != nil {
			return nil, err
		}
	}

	for _, spec := range sc.Scripts {
		base, err := script.Lookup(spec.Script)
		if err != nil {
			return nil, err
		}
		target, _ := s.registry.Lookup(spec.Device)
		s.scripts = append(s.scripts, assignment{
			spec:   spec,
			target: target,
			script: script.NewCounting(base),
		})
	}
	return s, nil
}

// Clock exposes the simulation clock; it advances once per completed
// timepoint.
func (s *Simulator) Clock() timectrl.SimClock {
	return s.clock
}

// Devices returns the simulated devices in ascending ID order.
func (s *Simulator) Devices() []*device.Device {
	return s.registry.All()
}

// Run feeds every timepoint and blocks until all devices have shut down.
// Timepoint k+1 is not fed until the barrier has released timepoint k. When
// ctx is cancelled the remaining timepoints are closed without assignments
// so the devices still reach shutdown, and ctx.Err() is returned alongside
// the report.
func (s *Simulator) Run(ctx context.Context) (*Report, error) {
	err := ErrAlreadyRun
	var report *Report
	s.runOnce.Do(func() {
		report, err = s.run(ctx)
	})
	return report, err
}

func (s *Simulator) run(ctx context.Context) (*Report, error) {
	ctx, log := logging.WithRunLogger(ctx, s.log)
	ctx, span := s.tracer.Start(ctx, "sim.run")
	defer span.End()

	devices := s.registry.All()
	span.SetAttributes(
		attribute.Int("sim.devices", len(devices)),
		attribute.Int("sim.timepoints", s.scenario.Timepoints),
	)
	log.Info(ctx, "simulation starting",
		logging.String("scenario", s.scenario.Name),
		logging.Int("devices", len(devices)),
		logging.Int("timepoints", s.scenario.Timepoints),
	)

	start := time.Now()
	s.metrics.SetDevicesActive(len(devices))
	for _, d := range devices {
		// Device controllers outlive cancellation; they stop when the
		// topology runs out of timepoints.
		d.Start(context.WithoutCancel(ctx))
	}

	cancelled := false
	for k := 0; k < s.scenario.Timepoints; k++ {
		if !cancelled && ctx.Err() != nil {
			cancelled = true
			log.Warn(ctx, "run cancelled; closing remaining timepoints", logging.Int("timepoint", k))
		}
		if !cancelled && s.wallTick > 0 && k > 0 {
			cancelled = !sleepUntil(ctx, start.Add(time.Duration(k)*s.wallTick))
			if cancelled {
				log.Warn(ctx, "run cancelled; closing remaining timepoints", logging.Int("timepoint", k))
			}
		}
		if !cancelled {
			if err := s.feed(k); err != nil {
				return nil, err
			}
		}
		for _, d := range devices {
			if err := d.CloseTimepoint(); err != nil {
				return nil, fmt.Errorf("timepoint %d: %w", k, err)
			}
		}
		<-s.phases
	}

	g := new(errgroup.Group)
	for _, d := range devices {
		g.Go(func() error {
			d.Shutdown()
			if dropped := d.Stats().Dropped; dropped > 0 {
				return fmt.Errorf("device %d dropped %d inbox messages", d.ID, dropped)
			}
			return nil
		})
	}
	joinErr := g.Wait()
	s.metrics.SetDevicesActive(0)

	report := s.report(ctx, time.Since(start))
	report.Cancelled = cancelled
	log.Info(ctx, "simulation finished",
		logging.Duration("elapsed", report.Elapsed),
		logging.Int("faults", int(report.Faults)),
	)

	if joinErr != nil {
		return report, joinErr
	}
	if cancelled {
		return report, ctx.Err()
	}
	return report, nil
}

// feed assigns every script active in timepoint k.
func (s *Simulator) feed(k int) error {
	for _, a := range s.scripts {
		if !a.spec.ActiveAt(k) {
			continue
		}
		if err := a.target.Assign(a.script, sensor.Location(a.spec.Location)); err != nil {
			return fmt.Errorf("timepoint %d: device %d: %w", k, a.spec.Device, err)
		}
	}
	return nil
}

// sleepUntil waits for the wall clock to reach t and reports false if ctx
// ended first.
func sleepUntil(ctx context.Context, t time.Time) bool {
	d := time.Until(t)
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// onPhase runs on the last device to reach the barrier, before any device is
// released.
func (s *Simulator) onPhase(phase uint64) {
	s.clock.Advance()
	s.phases <- phase
}

func (s *Simulator) report(ctx context.Context, elapsed time.Duration) *Report {
	r := &Report{
		RunID:      logging.RunIDFromContext(ctx),
		Scenario:   s.scenario.Name,
		Timepoints: s.clock.Timepoint(),
		Elapsed:    elapsed,
		Scripts:    make(map[string]int64),
	}
	for _, d := range s.registry.All() {
		st := d.Stats()
		r.Faults += st.Faults
		r.Devices = append(r.Devices, DeviceReport{
			ID:       d.ID,
			Readings: d.Store.Snapshot(),
			Stats:    st,
		})
	}
	for _, a := range s.scripts {
		r.Scripts[a.script.Name()] += a.script.Calls()
	}
	return r
}

// SortedLocations returns the report's locations for a device in ascending
// order.
func (d DeviceReport) SortedLocations() []sensor.Location {
	locs := make([]sensor.Location, 0, len(d.Readings))
	for loc := range d.Readings {
		locs = append(locs, loc)
	}
	sort.Slice(locs, func(i, j int) bool { return locs[i] < locs[j] })
	return locs
}
