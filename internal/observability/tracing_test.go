package observability

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

func TestTracingConfigFromEnvDefaults(t *testing.T) {
	for _, key := range []string{
		"SIM_TRACING_ENABLED", "SIM_TRACING_SERVICE_NAME", "SIM_TRACING_NAMESPACE",
		"SIM_TRACING_EXPORTER", "SIM_OTLP_ENDPOINT", "SIM_TRACING_SAMPLE_RATIO",
	} {
		t.Setenv(key, "")
	}

	cfg := TracingConfigFromEnv()
	if cfg.Enabled {
		t.Fatalf("tracing enabled by default")
	}
	if cfg.ServiceName != DefaultServiceName || cfg.Namespace != DefaultNamespace {
		t.Fatalf("service = %q/%q, want %q/%q", cfg.ServiceName, cfg.Namespace, DefaultServiceName, DefaultNamespace)
	}
	if cfg.Exporter != ExporterStdout || cfg.Endpoint != DefaultOTLPEndpoint || cfg.SampleRatio != 1 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestTracingConfigFromEnvOverrides(t *testing.T) {
	t.Setenv("SIM_TRACING_ENABLED", "TRUE")
	t.Setenv("SIM_TRACING_SERVICE_NAME", "ring-run")
	t.Setenv("SIM_TRACING_NAMESPACE", "lab")
	t.Setenv("SIM_TRACING_EXPORTER", "OTLP")
	t.Setenv("SIM_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("SIM_TRACING_SAMPLE_RATIO", "0.25")

	cfg := TracingConfigFromEnv()
	if !cfg.Enabled || cfg.ServiceName != "ring-run" || cfg.Namespace != "lab" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Exporter != ExporterOTLP || cfg.Endpoint != "collector:4317" || cfg.SampleRatio != 0.25 {
		t.Fatalf("unexpected exporter config: %+v", cfg)
	}

	t.Setenv("SIM_TRACING_SAMPLE_RATIO", "1.5")
	if got := TracingConfigFromEnv().SampleRatio; got != 1 {
		t.Fatalf("out-of-range ratio gave %v, want fallback 1", got)
	}
}

func TestNewResourceCarriesServiceIdentity(t *testing.T) {
	res, err := newResource(context.Background(), TracingConfig{ServiceName: "ring-run"})
	if err != nil {
		t.Fatalf("newResource: %v", err)
	}
	want := map[attribute.Key]string{
		"service.name":      "ring-run",
		"service.namespace": DefaultNamespace,
	}
	for key, value := range want {
		got, ok := res.Set().Value(key)
		if !ok || got.AsString() != value {
			t.Fatalf("resource %s = %q, want %q", key, got.AsString(), value)
		}
	}
}

func TestStdoutSpansIncludeNamespace(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := InitTracing(context.Background(), TracingConfig{
		Enabled:     true,
		Namespace:   "lab",
		Exporter:    ExporterStdout,
		SampleRatio: 1,
		Writer:      &buf,
	}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	defer InitTracing(context.Background(), TracingConfig{}, nil) //nolint:errcheck

	_, span := Tracer().Start(context.Background(), "sim.run")
	span.End()
	ShutdownWithTimeout(context.Background(), shutdown, nil)

	if !strings.Contains(buf.String(), "lab") {
		t.Fatalf("exported span missing namespace: %q", buf.String())
	}
}

func TestOTLPExporterIsInstrumented(t *testing.T) {
	if got := len(otlpDialOptions()); got != 2 {
		t.Fatalf("otlpDialOptions() returned %d options, want credentials and stats handler", got)
	}

	// The gRPC client connects lazily, so building the exporter needs no
	// collector.
	exp, err := exporterFromConfig(context.Background(), TracingConfig{
		Exporter: ExporterOTLP,
		Endpoint: "127.0.0.1:1",
	})
	if err != nil {
		t.Fatalf("exporterFromConfig(otlp): %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = exp.Shutdown(ctx)
}
