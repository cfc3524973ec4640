package device

import (
	"context"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/sensormesh-simulator/internal/logging"
	"github.com/signalsfoundry/sensormesh-simulator/internal/script"
	"github.com/signalsfoundry/sensormesh-simulator/internal/sensor"
)

// Task is one script run submitted to a device's worker pool. The owning
// device is the pool's device; Neighbors are the other participants for the
// timepoint in which the task was drained.
type Task struct {
	Neighbors []*Device
	Script    script.Script
	Location  sensor.Location
	Timepoint int

	// Parent is the timepoint span the task was drained under.
	Parent trace.SpanContext
}

// withParent returns base with the task's parent span attached.
func (t Task) withParent(base context.Context) context.Context {
	if base == nil {
		base = context.Background()
	}
	if !t.Parent.IsValid() {
		return base
	}
	return trace.ContextWithSpanContext(base, t.Parent)
}

// execute runs t on behalf of d:
//
//  1. open a Section on Location in every participant store that tracks it,
//  2. run the script once over the collected values, neighbours first and
//     the owner last,
//  3. commit the result to every opened Section.
//
// Sections are opened in ascending device ID order so that two tasks sharing
// a location and several participants cannot each hold a lock the other
// needs. When no participant tracks Location nothing is locked and the
// script does not run.
func (d *Device) execute(ctx context.Context, t Task) error {
	ctx, span := d.tracer.Start(t.withParent(ctx), "device.task")
	defer span.End()
	span.SetAttributes(
		attribute.Int("device.id", d.ID),
		attribute.Int("sim.timepoint", t.Timepoint),
		attribute.Int("sim.location", int(t.Location)),
		attribute.String("sim.script", script.NameOf(t.Script)),
	)

	participants := participantsOf(d, t.Neighbors)

	sections := make(map[int]*sensor.Section, len(participants))
	defer func() {
		// No-op for committed sections; frees locks if the script panicked.
		for _, sec := range sections {
			sec.Release()
		}
	}()

	locking := append([]*Device(nil), participants...)
	sort.Slice(locking, func(i, j int) bool { return locking[i].ID < locking[j].ID })
	for _, p := range locking {
		if sec, ok := p.Store.Begin(t.Location); ok {
			sections[p.ID] = sec
		}
	}

	if len(sections) == 0 {
		span.SetAttributes(attribute.Bool("sim.noop", true))
		return nil
	}

	values := make([]float64, 0, len(sections))
	for _, p := range participants {
		if sec, ok := sections[p.ID]; ok {
			values = append(values, sec.Value())
		}
	}

	result := t.Script.Run(values)
	d.metrics.IncScriptInvocation(script.NameOf(t.Script))

	for _, sec := range sections {
		sec.Commit(result)
	}
	d.log.Debug(ctx, "script applied",
		logging.Int("location", int(t.Location)),
		logging.Int("inputs", len(values)),
		logging.Float("result", result),
	)
	return nil
}

// participantsOf returns the neighbours (deduplicated, owner removed, order
// kept) followed by the owner.
func participantsOf(owner *Device, neighbors []*Device) []*Device {
	seen := make(map[int]struct{}, len(neighbors)+1)
	seen[owner.ID] = struct{}{}

	out := make([]*Device, 0, len(neighbors)+1)
	for _, n := range neighbors {
		if n == nil {
			continue
		}
		if _, dup := seen[n.ID]; dup {
			continue
		}
		seen[n.ID] = struct{}{}
		out = append(out, n)
	}
	return append(out, owner)
}
