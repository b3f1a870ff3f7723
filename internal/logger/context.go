package logger

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// appendContextFields extracts trace information from the context and appends
// it to the argument list as trace_id/span_id pairs.
func appendContextFields(ctx context.Context, args []any) []any {
	if ctx == nil {
		return args
	}

	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.HasTraceID() {
		args = append(args, KeyTraceID, spanCtx.TraceID().String())
	}
	if spanCtx.HasSpanID() {
		args = append(args, KeySpanID, spanCtx.SpanID().String())
	}

	return args
}
