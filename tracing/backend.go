// Package tracing provides OpenTelemetry spans around backing-store calls.
// It is entirely optional; spans are only produced when a Backend is wrapped
// with [Middleware] or [NewBackend].
package tracing

import (
	"context"

	"github.com/Keksclan/squirrelstore/backend"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/Keksclan/squirrelstore/tracing"

// TracingConfig holds the OpenTelemetry configuration used by the traced
// Backend.
type TracingConfig struct {
	// TracerProvider supplies the Tracer used to create spans. When nil the
	// global otel.GetTracerProvider() is used.
	TracerProvider trace.TracerProvider

	// System is recorded as the db.system attribute (e.g. "redis",
	// "sqlite"). Empty omits the attribute.
	System string
}

// tracer returns a configured [trace.Tracer].
func (c *TracingConfig) tracer() trace.Tracer {
	tp := c.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(instrumentationName)
}

// Backend records one client span per Read and Write.
type Backend struct {
	next   backend.Backend
	tracer trace.Tracer
	system string
}

// Compile-time check that Backend implements backend.Backend.
var _ backend.Backend = (*Backend)(nil)

// NewBackend wraps next. If cfg is nil the global tracer provider is used.
func NewBackend(next backend.Backend, cfg *TracingConfig) *Backend {
	if cfg == nil {
		cfg = &TracingConfig{}
	}
	return &Backend{next: next, tracer: cfg.tracer(), system: cfg.System}
}

// Middleware returns a backend.Middleware that applies NewBackend.
func Middleware(cfg *TracingConfig) backend.Middleware {
	return func(next backend.Backend) backend.Backend {
		return NewBackend(next, cfg)
	}
}

// Read traces a read of key.
func (b *Backend) Read(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, span := b.start(ctx, "store.Read", key)
	defer span.End()

	v, found, err := b.next.Read(ctx, key)
	span.SetAttributes(
		attribute.Bool("store.found", found),
		attribute.Int("store.payload_bytes", len(v)),
	)
	recordStatus(span, err)
	return v, found, err
}

// Write traces a write of key.
func (b *Backend) Write(ctx context.Context, key string, value []byte) error {
	ctx, span := b.start(ctx, "store.Write", key)
	defer span.End()

	span.SetAttributes(attribute.Int("store.payload_bytes", len(value)))
	err := b.next.Write(ctx, key, value)
	recordStatus(span, err)
	return err
}

func (b *Backend) start(ctx context.Context, name, key string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("store.key", key)}
	if b.system != "" {
		attrs = append(attrs, attribute.String("db.system", b.system))
	}
	return b.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

// recordStatus sets the span status and the retryable classification.
func recordStatus(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.Bool("store.retryable", backend.IsRetryable(err)))
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
