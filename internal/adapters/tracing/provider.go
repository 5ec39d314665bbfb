package tracing

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/ports"
)

const instrumentationName = "github.com/eleven-am/weave"

type Option func(*options)

type options struct {
	processors []sdktrace.SpanProcessor
}

// WithSpanProcessor attaches a processor, typically an exporter batcher or a
// test recorder.
func WithSpanProcessor(processor sdktrace.SpanProcessor) Option {
	return func(o *options) {
		o.processors = append(o.processors, processor)
	}
}

type TracingProvider struct {
	config   domain.TracingConfig
	logger   *slog.Logger
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

func NewTracingProvider(config domain.TracingConfig, logger *slog.Logger, opts ...Option) *TracingProvider {
	if logger == nil {
		logger = slog.Default()
	}

	tp := &TracingProvider{
		config: config,
		logger: logger.With("component", "tracing"),
	}

	if !config.Enabled {
		tp.tracer = noop.NewTracerProvider().Tracer(instrumentationName)
		return tp
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	serviceName := config.ServiceName
	if serviceName == "" {
		serviceName = "weave"
	}

	sdkOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SamplingRate))),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", serviceName))),
	}
	for _, p := range o.processors {
		sdkOpts = append(sdkOpts, sdktrace.WithSpanProcessor(p))
	}

	tp.provider = sdktrace.NewTracerProvider(sdkOpts...)
	tp.tracer = tp.provider.Tracer(instrumentationName)
	tp.logger.Info("tracing enabled", "service", serviceName, "sampling_rate", config.SamplingRate)
	return tp
}

func (tp *TracingProvider) StartSpan(ctx context.Context, operationName string, attributes map[string]string) (context.Context, ports.Span) {
	ctx, span := tp.tracer.Start(ctx, operationName, trace.WithAttributes(toAttributes(attributes)...))
	return ctx, &spanImpl{span: span}
}

func (tp *TracingProvider) Shutdown(ctx context.Context) error {
	if tp.provider == nil {
		return nil
	}
	tp.logger.Info("shutting down tracing provider")
	return tp.provider.Shutdown(ctx)
}

type spanImpl struct {
	span trace.Span
}

func (s *spanImpl) SetAttribute(key, value string) {
	s.span.SetAttributes(attribute.String(key, value))
}

func (s *spanImpl) SetError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func (s *spanImpl) AddEvent(name string, attributes map[string]string) {
	s.span.AddEvent(name, trace.WithAttributes(toAttributes(attributes)...))
}

func (s *spanImpl) End() {
	s.span.End()
}

func toAttributes(m map[string]string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(m))
	for k, v := range m {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}
