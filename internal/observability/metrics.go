package observability

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Task outcomes used as the "outcome" label.
const (
	OutcomeOK    = "ok"
	OutcomeFault = "fault"
)

// SimCollector bundles Prometheus metrics for a simulation run: per-device
// task throughput, worker queue depth, barrier waits and timepoint progress.
type SimCollector struct {
	gatherer prometheus.Gatherer

	TasksSubmitted    *prometheus.CounterVec
	TasksCompleted    *prometheus.CounterVec
	TaskDurations     prometheus.Histogram
	QueueDepth        *prometheus.GaugeVec
	ScriptInvocations *prometheus.CounterVec
	BarrierWait       prometheus.Histogram
	Timepoints        prometheus.Counter
	DevicesActive     prometheus.Gauge
}

// NewSimCollector registers simulation metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewSimCollector(reg prometheus.Registerer) (*SimCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	submitted, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sensorsim_tasks_submitted_total",
		Help: "Script tasks submitted to a device worker pool, labeled by device.",
	}, []string{"device"}), "sensorsim_tasks_submitted_total")
	if err != nil {
		return nil, err
	}

	completed, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sensorsim_tasks_completed_total",
		Help: "Script tasks completed by a device worker pool, labeled by device and outcome.",
	}, []string{"device", "outcome"}), "sensorsim_tasks_completed_total")
	if err != nil {
		return nil, err
	}

	durations, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sensorsim_task_duration_seconds",
		Help:    "Time from a worker picking up a task to the task completing, including lock waits.",
		Buckets: []float64{0.00001, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}), "sensorsim_task_duration_seconds")
	if err != nil {
		return nil, err
	}

	depth, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sensorsim_pool_queue_depth",
		Help: "Tasks waiting in a device worker pool queue after the last submit.",
	}, []string{"device"}), "sensorsim_pool_queue_depth")
	if err != nil {
		return nil, err
	}

	invocations, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sensorsim_script_invocations_total",
		Help: "Script runs, labeled by script name. Tasks with no data at their location do not run the script.",
	}, []string{"script"}), "sensorsim_script_invocations_total")
	if err != nil {
		return nil, err
	}

	barrierWait, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sensorsim_barrier_wait_seconds",
		Help:    "Time a device spent blocked on the timepoint barrier.",
		Buckets: []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}), "sensorsim_barrier_wait_seconds")
	if err != nil {
		return nil, err
	}

	timepoints, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sensorsim_timepoints_total",
		Help: "Timepoints completed by every device.",
	}), "sensorsim_timepoints_total")
	if err != nil {
		return nil, err
	}

	active, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sensorsim_devices_active",
		Help: "Devices whose controller has not yet shut down.",
	}), "sensorsim_devices_active")
	if err != nil {
		return nil, err
	}

	return &SimCollector{
		gatherer:          gatherer,
		TasksSubmitted:    submitted,
		TasksCompleted:    completed,
		TaskDurations:     durations,
		QueueDepth:        depth,
		ScriptInvocations: invocations,
		BarrierWait:       barrierWait,
		Timepoints:        timepoints,
		DevicesActive:     active,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SimCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *SimCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// IncSubmitted counts a task submitted by device.
func (c *SimCollector) IncSubmitted(device int) {
	if c == nil || c.TasksSubmitted == nil {
		return
	}
	c.TasksSubmitted.WithLabelValues(deviceLabel(device)).Inc()
}

// IncScriptInvocation counts a script run.
func (c *SimCollector) IncScriptInvocation(name string) {
	if c == nil || c.ScriptInvocations == nil {
		return
	}
	c.ScriptInvocations.WithLabelValues(name).Inc()
}

// ObserveBarrierWait records time spent blocked on the barrier.
func (c *SimCollector) ObserveBarrierWait(d time.Duration) {
	if c == nil || c.BarrierWait == nil {
		return
	}
	c.BarrierWait.Observe(d.Seconds())
}

// IncTimepoints counts a completed timepoint.
func (c *SimCollector) IncTimepoints() {
	if c == nil || c.Timepoints == nil {
		return
	}
	c.Timepoints.Inc()
}

// SetDevicesActive sets the number of running device controllers.
func (c *SimCollector) SetDevicesActive(n int) {
	if c == nil || c.DevicesActive == nil {
		return
	}
	c.DevicesActive.Set(float64(n))
}

// PoolObserver returns an observer that records a device's worker pool
// activity. It satisfies workerpool.Observer.
func (c *SimCollector) PoolObserver(device int) *PoolObserver {
	return &PoolObserver{c: c, device: deviceLabel(device)}
}

// PoolObserver records worker pool events for one device.
type PoolObserver struct {
	c      *SimCollector
	device string
}

// TaskQueued records the queue depth after a submit.
func (o *PoolObserver) TaskQueued(depth int) {
	if o == nil || o.c == nil || o.c.QueueDepth == nil {
		return
	}
	o.c.QueueDepth.WithLabelValues(o.device).Set(float64(depth))
}

// TaskDone records a completed task.
func (o *PoolObserver) TaskDone(d time.Duration, err error) {
	if o == nil || o.c == nil {
		return
	}
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeFault
	}
	if o.c.TasksCompleted != nil {
		o.c.TasksCompleted.WithLabelValues(o.device, outcome).Inc()
	}
	if o.c.TaskDurations != nil {
		o.c.TaskDurations.Observe(d.Seconds())
	}
}

func deviceLabel(device int) string {
	return strconv.Itoa(device)
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
