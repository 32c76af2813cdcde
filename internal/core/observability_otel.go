package core

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const otelInstrumentation = "gennotes/internal/core"

// OTelTracer adapts an OpenTelemetry tracer to the service Tracer interface.
type OTelTracer struct {
	tracer trace.Tracer
}

// NewOTelTracer uses provider, or the global provider when nil.
func NewOTelTracer(provider trace.TracerProvider) *OTelTracer {
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	return &OTelTracer{tracer: provider.Tracer(otelInstrumentation)}
}

// Start implements Tracer.
func (t *OTelTracer) Start(ctx context.Context, operation string) (context.Context, TraceSpan) {
	ctx, span := t.tracer.Start(ctx, "core."+operation,
		trace.WithAttributes(attribute.String("gennotes.operation", operation)))
	return ctx, otelSpan{span: span}
}

type otelSpan struct {
	span trace.Span
}

func (s otelSpan) End(err error) {
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
}
