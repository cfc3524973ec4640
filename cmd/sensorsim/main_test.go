package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/signalsfoundry/sensormesh-simulator/internal/sim"
)

func executeCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("SIM_TRACING_ENABLED", "false")

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestDemoJSONReport(t *testing.T) {
	out, err := executeCmd(t, "demo", "--output", "json", "--pool-size", "2")
	if err != nil {
		t.Fatalf("demo: %v", err)
	}

	var report sim.Report
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode report: %v\n%s", err, out)
	}
	if len(report.Devices) != 3 {
		t.Fatalf("report has %d devices, want 3", len(report.Devices))
	}
	for _, d := range report.Devices {
		if d.Readings[5] != 20 {
			t.Fatalf("device %d location 5 = %v, want 20", d.ID, d.Readings[5])
		}
	}
}

func TestDemoTextReport(t *testing.T) {
	out, err := executeCmd(t, "demo")
	if err != nil {
		t.Fatalf("demo: %v", err)
	}
	for _, want := range []string{"three-device-average: 1 timepoints", "device 0: 5=20", "device 2: 5=20"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRunScenarioFile(t *testing.T) {
	out, err := executeCmd(t, "run", "--scenario", filepath.Join("..", "..", "configs", "ring.yaml"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out, "ring: 3 timepoints") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestRunRejectsUnknownOutput(t *testing.T) {
	if _, err := executeCmd(t, "demo", "--output", "yaml"); err == nil {
		t.Fatalf("demo accepted an unknown output format")
	}
}

func TestRunRequiresScenario(t *testing.T) {
	if _, err := executeCmd(t, "run"); err == nil {
		t.Fatalf("run without --scenario succeeded")
	}
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(good, []byte("timepoints: 2\ndevices: [{id: 0, readings: {1: 1.0}}]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(bad, []byte("timepoints: 0\ndevices: [{id: 0}]\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := executeCmd(t, "validate", "--scenario", good)
	if err != nil {
		t.Fatalf("validate good: %v", err)
	}
	if !strings.Contains(out, "ok (1 devices, 2 timepoints, full_mesh topology, 0 scripts)") {
		t.Fatalf("unexpected output: %q", out)
	}
	if _, err := executeCmd(t, "validate", "--scenario", bad); err == nil {
		t.Fatalf("validate accepted timepoints: 0")
	}
}
