package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

type (
	// ClueLogger wraps goa.design/clue/log for orchestrator logging.
	ClueLogger struct{}

	// ClueMetrics wraps OTEL metrics for orchestrator instrumentation.
	ClueMetrics struct {
		counters metric.Float64Counter
		gauges   metric.Float64Gauge
		timers   metric.Float64Histogram
	}

	// ClueTracer wraps OTEL tracing for orchestrator spans.
	ClueTracer struct {
		tracer trace.Tracer
	}

	clueSpan struct {
		span trace.Span
	}
)

// NewClueLogger constructs a Logger that delegates to goa.design/clue/log.
// The logger reads formatting and debug settings from the context (set via
// log.Context and log.WithFormat/log.WithDebug in the owning process).
func NewClueLogger() Logger { return ClueLogger{} }

// NewClueMetrics constructs a Metrics recorder backed by the global OTEL
// MeterProvider. Configure the provider (e.g. via clue.ConfigureOpenTelemetry)
// before invoking orchestrator methods.
func NewClueMetrics() (Metrics, error) {
	meter := otel.Meter("github.com/jmillpps/codex-manager")
	counters, err := meter.Float64Counter("orchestrator.counter")
	if err != nil {
		return nil, err
	}
	gauges, err := meter.Float64Gauge("orchestrator.gauge")
	if err != nil {
		return nil, err
	}
	timers, err := meter.Float64Histogram("orchestrator.timer")
	if err != nil {
		return nil, err
	}
	return &ClueMetrics{counters: counters, gauges: gauges, timers: timers}, nil
}

// NewClueTracer constructs a Tracer backed by the global OTEL TracerProvider.
func NewClueTracer() Tracer {
	return &ClueTracer{tracer: otel.Tracer("github.com/jmillpps/codex-manager")}
}

// Debug emits a debug-level log message with structured key-value pairs.
func (ClueLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, kvToFields(msg, keyvals)...)
}

// Info emits an info-level log message with structured key-value pairs.
func (ClueLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	log.Print(ctx, kvToFields(msg, keyvals)...)
}

// Warn writes msg with log.Printf and, when keyvals are given, a second entry
// carrying them with log.Print; neither entry is tagged with a warn severity.
func (ClueLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	log.Printf(ctx, "%s", msg)
	if len(keyvals) > 0 {
		log.Print(ctx, kvToFields("", keyvals)...)
	}
}

// Error emits an error-level log message with structured key-value pairs.
func (ClueLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	log.Error(ctx, nil, kvToFields(msg, keyvals)...)
}

func kvToFields(msg string, keyvals []any) []log.Fielder {
	fields := make([]log.Fielder, 0, len(keyvals)/2+1)
	if msg != "" {
		fields = append(fields, log.KV{K: "msg", V: msg})
	}
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, _ := keyvals[i].(string)
		if key == "" {
			key = "arg"
		}
		fields = append(fields, log.KV{K: key, V: keyvals[i+1]})
	}
	return fields
}

// IncCounter records a counter increment, tagging it with name/value pairs
// from tags (treated as alternating key/value strings).
func (m *ClueMetrics) IncCounter(name string, value float64, tags ...string) {
	m.counters.Add(context.Background(), value, metric.WithAttributes(tagAttrs(name, tags)...))
}

// RecordTimer records a duration observation in seconds.
func (m *ClueMetrics) RecordTimer(name string, d time.Duration, tags ...string) {
	m.timers.Record(context.Background(), d.Seconds(), metric.WithAttributes(tagAttrs(name, tags)...))
}

// RecordGauge records a point-in-time gauge value.
func (m *ClueMetrics) RecordGauge(name string, value float64, tags ...string) {
	m.gauges.Record(context.Background(), value, metric.WithAttributes(tagAttrs(name, tags)...))
}

func tagAttrs(name string, tags []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(tags)/2+1)
	attrs = append(attrs, attribute.String("metric", name))
	for i := 0; i+1 < len(tags); i += 2 {
		attrs = append(attrs, attribute.String(tags[i], tags[i+1]))
	}
	return attrs
}

// Start begins a new span named name, returning a context carrying it.
func (t *ClueTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, name, opts...)
	return ctx, &clueSpan{span: span}
}

func (s *clueSpan) End(opts ...trace.SpanEndOption) { s.span.End(opts...) }

func (s *clueSpan) AddEvent(name string, attrs ...any) {
	s.span.AddEvent(name)
}

func (s *clueSpan) SetStatus(code codes.Code, description string) {
	s.span.SetStatus(code, description)
}

func (s *clueSpan) RecordError(err error, opts ...trace.EventOption) {
	s.span.RecordError(err, opts...)
}
