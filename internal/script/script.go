// Package script defines the aggregation scripts devices run against the
// readings of a location, and a set of builtin scripts addressable by name.
package script

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
)

// ErrUnknownScript is returned by Lookup for unregistered names.
var ErrUnknownScript = errors.New("unknown script")

// Script aggregates readings into a single value. Run is only called with a
// non-empty slice and must not retain it.
type Script interface {
	Run(values []float64) float64
}

// Named is implemented by scripts that have a display name.
type Named interface {
	Name() string
}

// Func adapts a plain function to Script.
type Func func(values []float64) float64

// Run calls f.
func (f Func) Run(values []float64) float64 { return f(values) }

// NameOf returns the script's name, or "anonymous".
func NameOf(s Script) string {
	if n, ok := s.(Named); ok {
		return n.Name()
	}
	return "anonymous"
}

type builtin struct {
	name string
	fn   func([]float64) float64
}

func (b builtin) Run(values []float64) float64 { return b.fn(values) }
func (b builtin) Name() string                 { return b.name }

var builtins = map[string]builtin{
	"average":  {name: "average", fn: average},
	"min":      {name: "min", fn: minimum},
	"max":      {name: "max", fn: maximum},
	"sum":      {name: "sum", fn: sum},
	"median":   {name: "median", fn: median},
	"identity": {name: "identity", fn: func(v []float64) float64 { return v[0] }},
}

// Lookup returns the builtin script registered under name.
func Lookup(name string) (Script, error) {
	b, ok := builtins[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScript, name)
	}
	return b, nil
}

// Names lists the builtin script names in ascending order.
func Names() []string {
	names := make([]string, 0, len(builtins))
	for n := range builtins {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Average returns the builtin averaging script.
func Average() Script { return builtins["average"] }

// Sum returns the builtin summing script.
func Sum() Script { return builtins["sum"] }

// Identity returns the builtin script that yields its first input unchanged.
func Identity() Script { return builtins["identity"] }

func sum(values []float64) float64 {
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total
}

func average(values []float64) float64 {
	return sum(values) / float64(len(values))
}

func minimum(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func maximum(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// Counting wraps a Script and counts its invocations.
type Counting struct {
	Script Script
	calls  atomic.Int64
}

// NewCounting wraps s.
func NewCounting(s Script) *Counting {
	return &Counting{Script: s}
}

// Run counts the call and delegates.
func (c *Counting) Run(values []float64) float64 {
	c.calls.Add(1)
	return c.Script.Run(values)
}

// Name returns the wrapped script's name.
func (c *Counting) Name() string { return NameOf(c.Script) }

// Calls returns the number of Run invocations so far.
func (c *Counting) Calls() int64 { return c.calls.Load() }
