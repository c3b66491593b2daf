// Package tracing carries an OpenTelemetry tracer in a context.Context.
//
// Code that wants spans calls Start and End with whatever context it was
// handed. When the caller never installed a tracer with SetTracer, the spans
// come from a no-op tracer and cost nothing.
package tracing

import (
	"context"

	"github.com/serum-errors/go-serum"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type ctxKey struct{}

var noop = trace.NewNoopTracerProvider().Tracer("")

// TracerFromCtx returns the tracer installed in ctx, or a no-op tracer.
func TracerFromCtx(ctx context.Context) trace.Tracer {
	if tracer, ok := ctx.Value(ctxKey{}).(trace.Tracer); ok {
		return tracer
	}
	return noop
}

// SetTracer returns ctx with tracer installed. A nil tracer installs the no-op tracer.
func SetTracer(ctx context.Context, tracer trace.Tracer) context.Context {
	if tracer == nil {
		tracer = noop
	}
	if existing, ok := ctx.Value(ctxKey{}).(trace.Tracer); ok && existing == tracer {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, tracer)
}

// Start opens a span named spanName with the tracer in ctx.
// See trace.Tracer.Start.
func Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return TracerFromCtx(ctx).Start(ctx, spanName, opts...)
}

// SetSpanError marks the span in ctx as failed with err.
// The serum code of err is recorded as an attribute; it is empty for errors without one.
func SetSpanError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String(AttrKeyMetabaseErrorCode, serum.Code(err)))
	span.SetStatus(codes.Error, err.Error())
}

// End ends span, first recording *errp on it if set.
// It is meant to be deferred with a pointer to a named error return.
func End(ctx context.Context, span trace.Span, errp *error) {
	if errp != nil {
		SetSpanError(ctx, *errp)
	}
	span.End()
}
