package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	runtimeinst "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers.
type Telemetry struct {
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	meter          metric.Meter
	registry       *promclient.Registry

	// RED Metrics (Rate, Errors, Duration)
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// USE Metrics (Utilization, Saturation, Errors)
	memoryUsage    metric.Int64Gauge
	goroutineCount metric.Int64Gauge
	queueDepth     metric.Int64Gauge

	// Business Metrics
	fulfillmentsTotal   metric.Int64Counter
	fulfillmentsActive  metric.Int64UpDownCounter
	fulfillmentDuration metric.Float64Histogram
	artifactBytes       metric.Int64Histogram
	requestsCoalesced   metric.Int64Counter
	pathRejections      metric.Int64Counter
	deliveriesTotal     metric.Int64Counter
	reapedTotal         metric.Int64Counter
	artifactsRemoved    metric.Int64Counter
	dbOperationsTotal   metric.Int64Counter
	dbOperationDuration metric.Float64Histogram

	// System health
	systemErrors metric.Int64Counter
	systemUptime metric.Float64Gauge
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint enables a periodic OTLP/gRPC metric push next to the prometheus pull endpoint.
	OTLPEndpoint string
}

// New creates a new telemetry instance.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	// A private registry keeps the exporter independent from the global
	// prometheus registerer, so several instances can coexist (tests).
	registry := promclient.NewRegistry()

	// Instrument names already carry their unit suffix.
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry), prometheus.WithoutUnits())
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	}

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}

		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlpExporter)))
	}

	meterProvider := sdkmetric.NewMeterProvider(opts...)
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithResource(res))

	otel.SetMeterProvider(meterProvider)
	otel.SetTracerProvider(tracerProvider)

	if err := runtimeinst.Start(runtimeinst.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	t := &Telemetry{
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
		tracer:         tracerProvider.Tracer(cfg.ServiceName),
		meter:          meterProvider.Meter(cfg.ServiceName),
		registry:       registry,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	go t.collectSystemMetrics(ctx)

	return t, nil
}

// Tracer returns the OpenTelemetry tracer, or a no-op tracer when telemetry is disabled.
func (t *Telemetry) Tracer() trace.Tracer {
	if t == nil || t.tracer == nil {
		return otel.Tracer("noop")
	}

	return t.tracer
}

// Meter returns the OpenTelemetry meter.
func (t *Telemetry) Meter() metric.Meter {
	return t.meter
}

// RecordHTTPRequest records HTTP request metrics.
func (t *Telemetry) RecordHTTPRequest(ctx context.Context, method, route, status string, duration time.Duration) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.String("status", status),
	)

	if t.httpRequestsTotal != nil {
		t.httpRequestsTotal.Add(ctx, 1, attrs)
	}

	if t.httpRequestDuration != nil {
		t.httpRequestDuration.Record(ctx, duration.Seconds(), attrs)
	}
}

// IncrementHTTPInFlight increments in-flight HTTP requests.
func (t *Telemetry) IncrementHTTPInFlight(ctx context.Context) {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(ctx, 1)
	}
}

// DecrementHTTPInFlight decrements in-flight HTTP requests.
func (t *Telemetry) DecrementHTTPInFlight(ctx context.Context) {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(ctx, -1)
	}
}

// RecordFulfillment records the outcome of one background fulfillment job.
func (t *Telemetry) RecordFulfillment(ctx context.Context, kind, status string, duration time.Duration, size int64) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("artifact_kind", kind),
		attribute.String("status", status),
	)

	if t.fulfillmentsTotal != nil {
		t.fulfillmentsTotal.Add(ctx, 1, attrs)
	}

	if t.fulfillmentDuration != nil {
		t.fulfillmentDuration.Record(ctx, duration.Seconds(), attrs)
	}

	if status == "ready" && t.artifactBytes != nil {
		t.artifactBytes.Record(ctx, size, metric.WithAttributes(attribute.String("artifact_kind", kind)))
	}
}

// IncrementActiveFulfillments increments the number of jobs being produced.
func (t *Telemetry) IncrementActiveFulfillments(ctx context.Context) {
	if t != nil && t.fulfillmentsActive != nil {
		t.fulfillmentsActive.Add(ctx, 1)
	}
}

// DecrementActiveFulfillments decrements the number of jobs being produced.
func (t *Telemetry) DecrementActiveFulfillments(ctx context.Context) {
	if t != nil && t.fulfillmentsActive != nil {
		t.fulfillmentsActive.Add(ctx, -1)
	}
}

// RecordQueueDepth records the number of jobs waiting for a worker.
func (t *Telemetry) RecordQueueDepth(ctx context.Context, depth int) {
	if t != nil && t.queueDepth != nil {
		t.queueDepth.Record(ctx, int64(depth))
	}
}

// RecordCoalesced counts requests that joined an in-flight job.
func (t *Telemetry) RecordCoalesced(ctx context.Context) {
	if t != nil && t.requestsCoalesced != nil {
		t.requestsCoalesced.Add(ctx, 1)
	}
}

// RecordPathRejection counts requests rejected by the path guard, by reason.
func (t *Telemetry) RecordPathRejection(ctx context.Context, reason string) {
	if t != nil && t.pathRejections != nil {
		t.pathRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

// RecordDelivery counts artifact deliveries by outcome.
func (t *Telemetry) RecordDelivery(ctx context.Context, status string) {
	if t != nil && t.deliveriesTotal != nil {
		t.deliveriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	}
}

// RecordReaped counts stuck requests failed by the reaper.
func (t *Telemetry) RecordReaped(ctx context.Context, n int) {
	if t != nil && t.reapedTotal != nil && n > 0 {
		t.reapedTotal.Add(ctx, int64(n))
	}
}

// RecordArtifactsRemoved counts files deleted by retention cleanup.
func (t *Telemetry) RecordArtifactsRemoved(ctx context.Context, reason string, n int) {
	if t != nil && t.artifactsRemoved != nil && n > 0 {
		t.artifactsRemoved.Add(ctx, int64(n), metric.WithAttributes(attribute.String("reason", reason)))
	}
}

// RecordDBOperation records database operation metrics.
func (t *Telemetry) RecordDBOperation(ctx context.Context, operation, status string, duration time.Duration) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	if t.dbOperationsTotal != nil {
		t.dbOperationsTotal.Add(ctx, 1, attrs)
	}

	if t.dbOperationDuration != nil {
		t.dbOperationDuration.Record(ctx, duration.Seconds(), attrs)
	}
}

// RecordSystemError records system error metrics.
func (t *Telemetry) RecordSystemError(ctx context.Context, component, errorType string) {
	if t != nil && t.systemErrors != nil {
		t.systemErrors.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("component", component),
				attribute.String("error_type", errorType),
			),
		)
	}
}

// Handler returns the HTTP handler for metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.registry == nil {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}

	var errs []error

	if t.meterProvider != nil {
		errs = append(errs, t.meterProvider.Shutdown(ctx))
	}

	if t.tracerProvider != nil {
		errs = append(errs, t.tracerProvider.Shutdown(ctx))
	}

	return errors.Join(errs...)
}

// initializeMetrics creates all metric instruments.
func (t *Telemetry) initializeMetrics() error {
	if err := t.initializeREDMetrics(); err != nil {
		return err
	}

	if err := t.initializeUSEMetrics(); err != nil {
		return err
	}

	if err := t.initializeBusinessMetrics(); err != nil {
		return err
	}

	return t.initializeSystemMetrics()
}

func (t *Telemetry) initializeREDMetrics() error {
	var err error

	t.httpRequestsTotal, err = t.meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	t.httpRequestDuration, err = t.meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_request_duration histogram: %w", err)
	}

	t.httpRequestsInFlight, err = t.meter.Int64UpDownCounter(
		"http_requests_in_flight",
		metric.WithDescription("Number of HTTP requests currently being processed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_in_flight counter: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeUSEMetrics() error {
	var err error

	t.memoryUsage, err = t.meter.Int64Gauge(
		"memory_usage_bytes",
		metric.WithDescription("Memory usage in bytes"),
		metric.WithUnit("bytes"),
	)
	if err != nil {
		return fmt.Errorf("failed to create memory_usage gauge: %w", err)
	}

	t.goroutineCount, err = t.meter.Int64Gauge(
		"goroutine_count",
		metric.WithDescription("Number of goroutines"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create goroutine_count gauge: %w", err)
	}

	t.queueDepth, err = t.meter.Int64Gauge(
		"fulfillment_queue_depth",
		metric.WithDescription("Number of fulfillment jobs waiting for a worker"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create fulfillment_queue_depth gauge: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeBusinessMetrics() error {
	var err error

	t.fulfillmentsTotal, err = t.meter.Int64Counter(
		"fulfillments_total",
		metric.WithDescription("Total number of finished fulfillment jobs"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create fulfillments_total counter: %w", err)
	}

	t.fulfillmentsActive, err = t.meter.Int64UpDownCounter(
		"fulfillments_active",
		metric.WithDescription("Number of fulfillment jobs being produced"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create fulfillments_active counter: %w", err)
	}

	t.fulfillmentDuration, err = t.meter.Float64Histogram(
		"fulfillment_duration_seconds",
		metric.WithDescription("Artifact production duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create fulfillment_duration histogram: %w", err)
	}

	t.artifactBytes, err = t.meter.Int64Histogram(
		"artifact_size_bytes",
		metric.WithDescription("Size of produced artifacts"),
		metric.WithUnit("bytes"),
	)
	if err != nil {
		return fmt.Errorf("failed to create artifact_size histogram: %w", err)
	}

	t.requestsCoalesced, err = t.meter.Int64Counter(
		"fulfillment_requests_coalesced_total",
		metric.WithDescription("Requests joined to an already in-flight job"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create requests_coalesced counter: %w", err)
	}

	t.pathRejections, err = t.meter.Int64Counter(
		"path_rejections_total",
		metric.WithDescription("Requests rejected by the path guard"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create path_rejections counter: %w", err)
	}

	t.deliveriesTotal, err = t.meter.Int64Counter(
		"deliveries_total",
		metric.WithDescription("Artifact delivery attempts by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create deliveries_total counter: %w", err)
	}

	t.reapedTotal, err = t.meter.Int64Counter(
		"fulfillments_reaped_total",
		metric.WithDescription("Stuck fulfillment requests failed by the reaper"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create fulfillments_reaped counter: %w", err)
	}

	t.artifactsRemoved, err = t.meter.Int64Counter(
		"artifacts_removed_total",
		metric.WithDescription("Artifact files removed by retention cleanup"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create artifacts_removed counter: %w", err)
	}

	t.dbOperationsTotal, err = t.meter.Int64Counter(
		"db_operations_total",
		metric.WithDescription("Total number of database operations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create db_operations_total counter: %w", err)
	}

	t.dbOperationDuration, err = t.meter.Float64Histogram(
		"db_operation_duration_seconds",
		metric.WithDescription("Database operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create db_operation_duration histogram: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeSystemMetrics() error {
	var err error

	t.systemErrors, err = t.meter.Int64Counter(
		"system_errors_total",
		metric.WithDescription("Total number of system errors"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create system_errors counter: %w", err)
	}

	t.systemUptime, err = t.meter.Float64Gauge(
		"system_uptime_seconds",
		metric.WithDescription("System uptime in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create system_uptime gauge: %w", err)
	}

	return nil
}

// collectSystemMetrics collects system-level metrics periodically.
func (t *Telemetry) collectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.updateSystemMetrics(ctx, startTime)
		}
	}
}

func (t *Telemetry) updateSystemMetrics(ctx context.Context, startTime time.Time) {
	var m runtime.MemStats

	runtime.ReadMemStats(&m)

	t.memoryUsage.Record(ctx, int64(m.Alloc))
	t.goroutineCount.Record(ctx, int64(runtime.NumGoroutine()))
	t.systemUptime.Record(ctx, time.Since(startTime).Seconds())
}
