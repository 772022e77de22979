// Package observability wires the run's OpenTelemetry surface: test and
// worker counters exported to Prometheus, and optional OTLP tracing of
// the run span and its per-bucket children.
package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	api "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// InitMetrics installs the global meter provider the run counters are
// registered on and returns the scrape handler the run command serves
// on --metrics-addr while the run is active. The run id becomes the
// service instance id, matching the trace resource, so scrapes from
// concurrent runs on one host stay distinguishable.
func InitMetrics(ctx context.Context, runID string) (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName("testplane"),
		semconv.ServiceInstanceID(runID),
	))
	if err != nil {
		return nil, nil, fmt.Errorf("create metric resource: %w", err)
	}

	provider := metric.NewMeterProvider(
		metric.WithReader(exporter),
		metric.WithResource(res),
	)
	otel.SetMeterProvider(provider)

	return promhttp.Handler(), provider.Shutdown, nil
}

// RunMetrics holds the instruments the dispatcher updates during a run.
type RunMetrics struct {
	TestsRun       api.Int64Counter
	TestsPassed    api.Int64Counter
	TestsFailed    api.Int64Counter
	TestsSkipped   api.Int64Counter
	TestsRetried   api.Int64Counter
	WorkersSpawned api.Int64Counter
	WorkersCrashed api.Int64Counter
}

// NewRunMetrics registers the run instruments on the global meter.
func NewRunMetrics() (*RunMetrics, error) {
	meter := otel.Meter("testplane")
	m := &RunMetrics{}
	for _, inst := range []struct {
		name, desc string
		out        *api.Int64Counter
	}{
		{"testplane_tests_run_total", "Test attempts started", &m.TestsRun},
		{"testplane_tests_passed_total", "Test attempts that passed", &m.TestsPassed},
		{"testplane_tests_failed_total", "Test attempts that failed or timed out", &m.TestsFailed},
		{"testplane_tests_skipped_total", "Test attempts skipped", &m.TestsSkipped},
		{"testplane_tests_retried_total", "Retry attempts scheduled", &m.TestsRetried},
		{"testplane_workers_spawned_total", "Worker processes spawned", &m.WorkersSpawned},
		{"testplane_workers_crashed_total", "Worker processes that exited without a done message", &m.WorkersCrashed},
	} {
		c, err := meter.Int64Counter(inst.name, api.WithDescription(inst.desc))
		if err != nil {
			return nil, fmt.Errorf("create counter %s: %w", inst.name, err)
		}
		*inst.out = c
	}
	return m, nil
}

// Record adds n to a counter if metrics are enabled. A nil RunMetrics is
// a no-op so callers need no enablement checks.
func (m *RunMetrics) Record(ctx context.Context, c api.Int64Counter, n int64) {
	if m == nil || c == nil {
		return
	}
	c.Add(ctx, n)
}
