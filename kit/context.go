package kit

import "context"

type contextKey string

const (
	TransportKey contextKey = "kit_transport" // "http", "mcp"
	TraceIDKey   contextKey = "kit_trace_id"
	TargetIDKey  contextKey = "kit_target_id"
)

func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, TransportKey, t)
}
func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(TransportKey).(string); ok {
		return v
	}
	return "http"
}

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey, id)
}
func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(TraceIDKey).(string)
	return v
}

// WithTargetID tags ctx with the page context a request acts on.
func WithTargetID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TargetIDKey, id)
}
func GetTargetID(ctx context.Context) string {
	v, _ := ctx.Value(TargetIDKey).(string)
	return v
}
