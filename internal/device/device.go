// Package device implements a simulated sensing device: its location store,
// its worker pool and the controller goroutine that walks it through
// timepoints in lockstep with every other device.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/sensormesh-simulator/internal/barrier"
	"github.com/signalsfoundry/sensormesh-simulator/internal/logging"
	"github.com/signalsfoundry/sensormesh-simulator/internal/observability"
	"github.com/signalsfoundry/sensormesh-simulator/internal/script"
	"github.com/signalsfoundry/sensormesh-simulator/internal/sensor"
	"github.com/signalsfoundry/sensormesh-simulator/internal/topology"
	"github.com/signalsfoundry/sensormesh-simulator/internal/workerpool"
)

// ErrDeviceStopped is returned by Assign and CloseTimepoint once the device
// controller has shut down.
var ErrDeviceStopped = errors.New("device is shut down")

// State is the controller's position in the per-timepoint cycle.
type State int32

const (
	StateCreated State = iota
	StateAwaitingTopology
	StateDrainingScripts
	StateBarriered
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAwaitingTopology:
		return "awaiting_topology"
	case StateDrainingScripts:
		return "draining_scripts"
	case StateBarriered:
		return "barriered"
	case StateShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Deps are the collaborators shared by every device in a simulation. They are
// built once by the driver and injected.
type Deps struct {
	Barrier   *barrier.Barrier
	Topology  topology.Provider
	Directory Directory

	// PoolSize is the worker count; zero selects workerpool.DefaultSize.
	PoolSize int

	Logger  logging.Logger
	Metrics *observability.SimCollector
	Tracer  trace.Tracer
}

// Stats summarises a device's activity.
type Stats struct {
	Timepoints int
	Submitted  int64
	Faults     int64
	Dropped    int
}

// Device is one sensing node.
type Device struct {
	ID    int
	Store *sensor.Store

	barrier   *barrier.Barrier
	topology  topology.Provider
	directory Directory

	log     logging.Logger
	metrics *observability.SimCollector
	tracer  trace.Tracer

	inbox *inbox
	pool  *workerpool.Pool[Task]

	state      atomic.Int32
	started    atomic.Bool
	done       chan struct{}
	timepoints atomic.Int64
	submitted  atomic.Int64
	faults     atomic.Int64
	dropped    atomic.Int64

	faultMu   sync.Mutex
	lastFault error
}

// New builds a device and its worker pool. The controller does not run until
// Start is called, so every device can be registered in the Directory first.
func New(id int, store *sensor.Store, deps Deps) (*Device, error) {
	if store == nil {
		return nil, fmt.Errorf("store is nil")
	}
	if deps.Barrier == nil {
		return nil, fmt.Errorf("barrier is nil")
	}
	if deps.Topology == nil {
		return nil, fmt.Errorf("topology is nil")
	}
	if deps.Directory == nil {
		return nil, fmt.Errorf("directory is nil")
	}
	if deps.Logger == nil {
		deps.Logger = logging.Noop()
	}
	if deps.Tracer == nil {
		deps.Tracer = observability.Tracer()
	}
	size := deps.PoolSize
	if size == 0 {
		size = workerpool.DefaultSize
	}

	d := &Device{
		ID:        id,
		Store:     store,
		barrier:   deps.Barrier,
		topology:  deps.Topology,
		directory: deps.Directory,
		log:       logging.ForDevice(deps.Logger, id),
		metrics:   deps.Metrics,
		tracer:    deps.Tracer,
		inbox:     newInbox(),
		done:      make(chan struct{}),
	}

	opts := []workerpool.Option[Task]{
		workerpool.WithFaultHandler(d.onFault),
	}
	if deps.Metrics != nil {
		opts = append(opts, workerpool.WithObserver[Task](deps.Metrics.PoolObserver(id)))
	}
	pool, err := workerpool.New(size, d.execute, opts...)
	if err != nil {
		return nil, fmt.Errorf("device %d: %w", id, err)
	}
	d.pool = pool
	return d, nil
}

func (d *Device) String() string {
	return fmt.Sprintf("Device %d", d.ID)
}

// State returns the controller's current state.
func (d *Device) State() State {
	return State(d.state.Load())
}

// Done is closed once the controller and its worker pool have stopped.
func (d *Device) Done() <-chan struct{} {
	return d.done
}

// Stats returns a snapshot of the device's counters.
func (d *Device) Stats() Stats {
	return Stats{
		Timepoints: int(d.timepoints.Load()),
		Submitted:  d.submitted.Load(),
		Faults:     d.faults.Load(),
		Dropped:    int(d.dropped.Load()),
	}
}

// LastFault returns the most recent task fault, if any.
func (d *Device) LastFault() error {
	d.faultMu.Lock()
	defer d.faultMu.Unlock()
	return d.lastFault
}

// Assign queues s to run against loc in the timepoint that is open when the
// controller next drains its inbox. It is safe to call from any goroutine.
func (d *Device) Assign(s script.Script, loc sensor.Location) error {
	if s == nil {
		return fmt.Errorf("script is nil")
	}
	return d.inbox.push(message{assignment: Assignment{Script: s, Location: loc}})
}

// CloseTimepoint marks the end of the current timepoint's assignments.
// Assignments made after it belong to the next timepoint.
func (d *Device) CloseTimepoint() error {
	return d.inbox.push(message{close: true})
}

// Start launches the controller goroutine. Calling it more than once has no
// effect.
func (d *Device) Start(ctx context.Context) {
	if !d.started.CompareAndSwap(false, true) {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go d.run(ctx)
}

// Shutdown blocks until the controller and its worker pool have stopped. A
// running controller stops once the topology provider reports no further
// timepoints; a device that was never started is stopped directly.
func (d *Device) Shutdown() {
	if d.started.CompareAndSwap(false, true) {
		d.stop(context.Background())
		close(d.done)
		return
	}
	<-d.done
}

func (d *Device) run(ctx context.Context) {
	defer close(d.done)

	for timepoint := 0; ; timepoint++ {
		d.setState(ctx, StateAwaitingTopology)
		ids, ok := d.topology.NextNeighbors(ctx, d.ID)
		if !ok {
			break
		}
		d.runTimepoint(ctx, timepoint, d.resolve(ctx, ids))
	}

	d.stop(ctx)
}

func (d *Device) runTimepoint(ctx context.Context, timepoint int, neighbors []*Device) {
	ctx, span := d.tracer.Start(ctx, "device.timepoint")
	defer span.End()
	span.SetAttributes(
		attribute.Int("device.id", d.ID),
		attribute.Int("sim.timepoint", timepoint),
		attribute.Int("sim.neighbors", len(neighbors)),
	)

	d.setState(ctx, StateDrainingScripts)
	submitted := d.drain(ctx, timepoint, neighbors)
	span.SetAttributes(attribute.Int("sim.tasks", submitted))

	d.setState(ctx, StateBarriered)
	d.pool.WaitIdle()

	start := time.Now()
	d.barrier.Wait()
	d.metrics.ObserveBarrierWait(time.Since(start))
	d.timepoints.Add(1)
}

// drain submits assignments until the timepoint is closed and returns how
// many tasks were submitted.
func (d *Device) drain(ctx context.Context, timepoint int, neighbors []*Device) int {
	submitted := 0
	for {
		batch, closed := d.inbox.take()
		for _, a := range batch {
			task := Task{
				Neighbors: neighbors,
				Script:    a.Script,
				Location:  a.Location,
				Timepoint: timepoint,
				Parent:    trace.SpanContextFromContext(ctx),
			}
			if err := d.pool.Submit(task); err != nil {
				d.log.Error(ctx, "submit task", logging.Err(err))
				continue
			}
			submitted++
			d.submitted.Add(1)
			d.metrics.IncSubmitted(d.ID)
		}
		if closed {
			return submitted
		}
		if len(batch) == 0 {
			<-d.inbox.wake
		}
	}
}

func (d *Device) resolve(ctx context.Context, ids topology.NeighborSet) []*Device {
	out := make([]*Device, 0, len(ids))
	for _, id := range ids {
		n, ok := d.directory.Lookup(id)
		if !ok {
			d.log.Warn(ctx, "unknown neighbour skipped", logging.Int("neighbor_id", id))
			continue
		}
		out = append(out, n)
	}
	return out
}

func (d *Device) stop(ctx context.Context) {
	d.setState(ctx, StateShutdown)
	if dropped := d.inbox.stop(); dropped > 0 {
		d.dropped.Add(int64(dropped))
		d.log.Warn(ctx, "discarded unprocessed inbox messages", logging.Int("count", dropped))
	}
	d.pool.Shutdown()
	d.log.Debug(ctx, "device stopped", logging.Int("timepoints", int(d.timepoints.Load())))
}

func (d *Device) onFault(t Task, err error) {
	d.faults.Add(1)
	d.faultMu.Lock()
	d.lastFault = err
	d.faultMu.Unlock()

	d.log.Warn(t.withParent(context.Background()), "script task failed",
		logging.Int("timepoint", t.Timepoint),
		logging.Int("location", int(t.Location)),
		logging.String("script", script.NameOf(t.Script)),
		logging.Err(err),
	)
}

func (d *Device) setState(ctx context.Context, s State) {
	prev := State(d.state.Swap(int32(s)))
	if prev != s {
		d.log.Debug(ctx, "controller state", logging.String("from", prev.String()), logging.String("to", s.String()))
	}
}
