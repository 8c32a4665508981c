package solver

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// span starts a span on the configured provider, or a no-op span when
// tracing is off, so call sites never branch on the tracer.
func (r *run) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return r.tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

func (r *run) tracer() trace.Tracer {
	if p := r.s.opts.Tracer; p != nil {
		return p.Tracer()
	}
	return noop.NewTracerProvider().Tracer("ravel")
}

func attrString(key, val string) attribute.KeyValue { return attribute.String(key, val) }

func attrInt(key string, val int) attribute.KeyValue { return attribute.Int(key, val) }

func attrBool(key string, val bool) attribute.KeyValue { return attribute.Bool(key, val) }

func attrFloat(key string, val float64) attribute.KeyValue { return attribute.Float64(key, val) }
