// Package tracing bootstraps the process-wide OpenTelemetry tracer provider.
// Spans are exported over OTLP gRPC; export failures are logged and never
// reach the delivery path.
package tracing

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/securecall/callrelay/config"
	"github.com/securecall/callrelay/pkg/logger"
)

// ExporterOTLPGRPC is the only supported exporter.
const ExporterOTLPGRPC = "otlpgrpc"

// AttrConsumerBus records which consumer bus a relay instance emits on, so
// traces from a local-bus relay and a Redis fan-out relay can be told apart.
const AttrConsumerBus = "callrelay.consumer.bus"

// Service describes the relay instance that emits spans.
type Service struct {
	Name        string
	Version     string
	Environment string
	InstanceID  string
	ConsumerBus string
}

// ServiceFor builds the span resource description of a relay from its config.
func ServiceFor(cfg *config.Config, version, instanceID string) Service {
	return Service{
		Name:        cfg.App.Name,
		Version:     version,
		Environment: cfg.App.Environment,
		InstanceID:  instanceID,
		ConsumerBus: cfg.Consumer.Bus,
	}
}

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(ctx context.Context) error

var reportExporterFailure = func(err error, endpoint string, spanCount int) {
	logger.Global().Component("tracing").Warn("span export failed",
		"error", err,
		"endpoint", endpoint,
		"span_count", spanCount,
	)
}

var newOTLPExporter = func(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(collectorHost(cfg.Endpoint)),
		otlptracegrpc.WithTimeout(cfg.Timeout),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	return otlptracegrpc.New(ctx, opts...)
}

// quietExporter swallows export errors after reporting them; a collector
// outage must not surface as failed signal ingestion.
type quietExporter struct {
	sdktrace.SpanExporter
	endpoint string
}

func (e quietExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if err := e.SpanExporter.ExportSpans(ctx, spans); err != nil {
		reportExporterFailure(err, e.endpoint, len(spans))
	}
	return nil
}

func propagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
}

// Init installs the process-wide tracer provider. With tracing disabled a
// no-op provider is installed but inbound trace context is still propagated.
func Init(ctx context.Context, cfg config.TracingConfig, svc Service) (ShutdownFunc, error) {
	otel.SetTextMapPropagator(propagator())
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	exp, err := newOTLPExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create tracing exporter: %w", err)
	}

	res, err := newResource(ctx, svc)
	if err != nil {
		_ = exp.Shutdown(ctx)
		return nil, fmt.Errorf("create tracing resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(quietExporter{SpanExporter: exp, endpoint: collectorHost(cfg.Endpoint)}),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(selectSampler(cfg)),
	)
	otel.SetTracerProvider(tp)

	return func(shutdownCtx context.Context) error {
		flushErr := tp.ForceFlush(shutdownCtx)
		if err := tp.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown tracing provider: %w", err)
		}
		if flushErr != nil {
			return fmt.Errorf("flush tracing provider: %w", flushErr)
		}
		return nil
	}, nil
}

func validate(cfg config.TracingConfig) error {
	switch exporter := strings.ToLower(strings.TrimSpace(cfg.Exporter)); exporter {
	case ExporterOTLPGRPC:
	case "":
		return fmt.Errorf("tracing exporter cannot be empty")
	default:
		return fmt.Errorf("unsupported tracing exporter %q", cfg.Exporter)
	}
	if collectorHost(cfg.Endpoint) == "" {
		return fmt.Errorf("tracing endpoint cannot be empty")
	}
	if cfg.Timeout <= 0 {
		return fmt.Errorf("tracing timeout must be > 0")
	}
	return nil
}

func newResource(ctx context.Context, svc Service) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(svc.Name),
		semconv.ServiceVersion(svc.Version),
	}
	if svc.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironmentName(svc.Environment))
	}
	if svc.InstanceID != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(svc.InstanceID))
	}
	if svc.ConsumerBus != "" {
		attrs = append(attrs, attribute.String(AttrConsumerBus, svc.ConsumerBus))
	}
	return resource.New(ctx, resource.WithAttributes(attrs...))
}

func selectSampler(cfg config.TracingConfig) sdktrace.Sampler {
	switch strings.ToLower(strings.TrimSpace(cfg.Sampler)) {
	case "always_on":
		return sdktrace.AlwaysSample()
	case "always_off":
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))
	}
}

// collectorHost reduces a collector URL to the host:port the gRPC exporter
// dials.
func collectorHost(endpoint string) string {
	raw := strings.TrimSpace(endpoint)
	if !strings.Contains(raw, "://") {
		return raw
	}
	if parsed, err := url.Parse(raw); err == nil && parsed.Host != "" {
		return parsed.Host
	}
	return raw
}
