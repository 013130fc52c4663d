package logger

import "context"

type contextKey struct{}

// LogContext carries the fields every log line of one GC run shares.
type LogContext struct {
	TraceID   string
	SpanID    string
	Component string // marker, sweeper, incremental, export, ...
	Phase     string
	Cycle     uint64
}

// WithContext attaches lc to ctx.
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, contextKey{}, lc)
}

// FromContext returns the LogContext stored in ctx, or nil.
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(contextKey{}).(*LogContext)
	return lc
}

// WithComponent returns a copy of ctx whose LogContext names component.
func WithComponent(ctx context.Context, component string) context.Context {
	lc := LogContext{}
	if cur := FromContext(ctx); cur != nil {
		lc = *cur
	}
	lc.Component = component
	return WithContext(ctx, &lc)
}

// WithPhase returns a copy of ctx whose LogContext carries phase and cycle.
func WithPhase(ctx context.Context, phase string, cycle uint64) context.Context {
	lc := LogContext{}
	if cur := FromContext(ctx); cur != nil {
		lc = *cur
	}
	lc.Phase = phase
	lc.Cycle = cycle
	return WithContext(ctx, &lc)
}

func withContext(ctx context.Context, args []any) []any {
	lc := FromContext(ctx)
	if lc == nil {
		return args
	}
	out := make([]any, 0, 10+len(args))
	if lc.TraceID != "" {
		out = append(out, KeyTraceID, lc.TraceID)
	}
	if lc.SpanID != "" {
		out = append(out, KeySpanID, lc.SpanID)
	}
	if lc.Component != "" {
		out = append(out, KeyComponent, lc.Component)
	}
	if lc.Phase != "" {
		out = append(out, KeyPhase, lc.Phase, KeyCycle, lc.Cycle)
	}
	return append(out, args...)
}
