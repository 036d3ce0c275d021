package audit

import "context"

type ctxKeyTraceID struct{}

// WithTraceID returns ctx carrying traceID for audit entries written
// further down the call chain.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, ctxKeyTraceID{}, traceID)
}

// TraceIDFromCtx extracts the trace ID set by WithTraceID.
func TraceIDFromCtx(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyTraceID{}).(string); ok {
		return v
	}
	return ""
}
