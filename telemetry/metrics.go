// Prometheus-backed OpenTelemetry metrics for runtimes and coordinators.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics records A2A counters and histograms. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prom.Registry
	provider *sdkmetric.MeterProvider

	requestsSent      metric.Int64Counter
	requestDuration   metric.Float64Histogram
	requestTimeouts   metric.Int64Counter
	actionsDispatched metric.Int64Counter
	handlerFailures   metric.Int64Counter
	coordinatorEvents metric.Int64Counter
}

// NewMetrics creates metrics on a private Prometheus registry, so several
// instances can coexist in one process.
func NewMetrics(meterName string) (*Metrics, error) {
	if meterName == "" {
		meterName = "agentbeats"
	}
	registry := prom.NewRegistry()

	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(meterName)

	m := &Metrics{registry: registry, provider: provider}

	if m.requestsSent, err = meter.Int64Counter(
		"a2a_requests_sent",
		metric.WithDescription("Requests sent to other agents"),
	); err != nil {
		return nil, fmt.Errorf("failed to create requests counter: %w", err)
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"a2a_request_duration_seconds",
		metric.WithDescription("Round-trip time of outbound requests in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create request duration histogram: %w", err)
	}

	if m.requestTimeouts, err = meter.Int64Counter(
		"a2a_request_timeouts",
		metric.WithDescription("Outbound requests that got no response in time"),
	); err != nil {
		return nil, fmt.Errorf("failed to create timeouts counter: %w", err)
	}

	if m.actionsDispatched, err = meter.Int64Counter(
		"a2a_actions_dispatched",
		metric.WithDescription("Inbound requests dispatched to action handlers"),
	); err != nil {
		return nil, fmt.Errorf("failed to create dispatch counter: %w", err)
	}

	if m.handlerFailures, err = meter.Int64Counter(
		"a2a_handler_failures",
		metric.WithDescription("Action and message handler failures"),
	); err != nil {
		return nil, fmt.Errorf("failed to create handler failures counter: %w", err)
	}

	if m.coordinatorEvents, err = meter.Int64Counter(
		"a2a_coordinator_events",
		metric.WithDescription("Session log events recorded by coordinators"),
	); err != nil {
		return nil, fmt.Errorf("failed to create coordinator events counter: %w", err)
	}

	return m, nil
}

// RecordRequest records one outbound request. timedOut marks requests that
// ended without a response.
func (m *Metrics) RecordRequest(ctx context.Context, receiver, action string, d time.Duration, success, timedOut bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("receiver", receiver),
		attribute.String("action", action),
		attribute.Bool("success", success),
	)
	m.requestsSent.Add(ctx, 1, attrs)
	m.requestDuration.Record(ctx, d.Seconds(), attrs)
	if timedOut {
		m.requestTimeouts.Add(ctx, 1, metric.WithAttributes(attribute.String("receiver", receiver)))
	}
}

// RecordDispatch records one inbound request handled by the runtime.
func (m *Metrics) RecordDispatch(ctx context.Context, action string, success bool) {
	if m == nil {
		return
	}
	m.actionsDispatched.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.Bool("success", success),
	))
}

// RecordHandlerFailure records a failing handler. kind is the action name
// or the message kind for message handlers.
func (m *Metrics) RecordHandlerFailure(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.handlerFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("handler", kind)))
}

// RecordCoordinatorEvent records one session log event.
func (m *Metrics) RecordCoordinatorEvent(ctx context.Context, coordinator, event string) {
	if m == nil {
		return
	}
	m.coordinatorEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("coordinator", coordinator),
		attribute.String("event", event),
	))
}

// Handler serves the metrics in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
