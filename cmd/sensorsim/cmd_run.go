package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/signalsfoundry/sensormesh-simulator/internal/logging"
	"github.com/signalsfoundry/sensormesh-simulator/internal/observability"
	"github.com/signalsfoundry/sensormesh-simulator/internal/scenario"
	"github.com/signalsfoundry/sensormesh-simulator/internal/sim"
)

// runConfig holds the flags shared by run and demo.
type runConfig struct {
	PoolSize    int
	MetricsAddr string
	Output      string
	RealTime    bool
}

func (c *runConfig) bind(cmd *cobra.Command) {
	cmd.Flags().IntVar(&c.PoolSize, "pool-size", 0, "Workers per device (0 keeps the scenario value)")
	cmd.Flags().StringVar(&c.MetricsAddr, "metrics-addr", "", "HTTP address for Prometheus /metrics (disabled when empty)")
	cmd.Flags().StringVarP(&c.Output, "output", "o", "text", "Report format: text or json")
	cmd.Flags().BoolVar(&c.RealTime, "realtime", false, "Pace timepoints to the scenario tick in wall-clock time")
}

func newRunCmd() *cobra.Command {
	var cfg runConfig
	var path string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a scenario file",
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := scenario.Load(path)
			if err != nil {
				return err
			}
			return runScenario(cmd.Context(), cmd.OutOrStdout(), sc, cfg)
		},
	}
	cmd.Flags().StringVarP(&path, "scenario", "s", "", "Path to the scenario YAML file")
	_ = cmd.MarkFlagRequired("scenario")
	cfg.bind(cmd)
	return cmd
}

func newDemoCmd() *cobra.Command {
	var cfg runConfig

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run the built-in three-device averaging scenario",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario(cmd.Context(), cmd.OutOrStdout(), scenario.Demo(), cfg)
		},
	}
	cfg.bind(cmd)
	return cmd
}

func runScenario(ctx context.Context, out io.Writer, sc *scenario.Scenario, cfg runConfig) error {
	if cfg.Output != "text" && cfg.Output != "json" {
		return fmt.Errorf("unknown output format %q (want text or json)", cfg.Output)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	log := logging.NewFromEnv()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	// A private registry keeps repeated runs in one process independent.
	collector, err := observability.NewSimCollector(prometheus.NewRegistry())
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	if srv := serveMetrics(cfg.MetricsAddr, collector, log); srv != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	opts := []sim.Option{
		sim.WithMetrics(collector),
		sim.WithTracer(observability.Tracer()),
	}
	if cfg.PoolSize > 0 {
		opts = append(opts, sim.WithPoolSize(cfg.PoolSize))
	}
	if cfg.RealTime {
		opts = append(opts, sim.WithWallTick(sc.Tick))
	}
	s, err := sim.New(sc, log, opts...)
	if err != nil {
		return err
	}

	report, runErr := s.Run(ctx)
	if report != nil {
		if err := writeReport(out, report, cfg.Output); err != nil {
			return err
		}
	}
	return runErr
}

func writeReport(w io.Writer, r *sim.Report, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	name := r.Scenario
	if name == "" {
		name = "scenario"
	}
	fmt.Fprintf(w, "%s: %d timepoints in %s (run %s)\n", name, r.Timepoints, r.Elapsed.Round(time.Microsecond), r.RunID)
	for _, d := range r.Devices {
		parts := make([]string, 0, len(d.Readings))
		for _, loc := range d.SortedLocations() {
			parts = append(parts, fmt.Sprintf("%d=%g", loc, d.Readings[loc]))
		}
		fmt.Fprintf(w, "device %d: %s (tasks %d, faults %d)\n", d.ID, strings.Join(parts, " "), d.Stats.Submitted, d.Stats.Faults)
	}
	if r.Faults > 0 {
		fmt.Fprintf(w, "faults: %d\n", r.Faults)
	}
	if r.Cancelled {
		fmt.Fprintln(w, "cancelled before completion")
	}
	return nil
}
