package ctxutil

import (
	"context"
	"strings"
)

type traceDataKey struct{}

// TraceData follows a request from the HTTP surface into the job that it enqueued.
type TraceData struct {
	TraceID   string
	RequestID string
}

func (td *TraceData) Empty() bool {
	return td == nil || (strings.TrimSpace(td.TraceID) == "" && strings.TrimSpace(td.RequestID) == "")
}

func WithTraceData(ctx context.Context, td *TraceData) context.Context {
	if td.Empty() {
		return ctx
	}
	return context.WithValue(ctx, traceDataKey{}, td)
}

func GetTraceData(ctx context.Context) *TraceData {
	if ctx == nil {
		return nil
	}
	if td, ok := ctx.Value(traceDataKey{}).(*TraceData); ok {
		return td
	}
	return nil
}

// RequestID returns the request id carried by ctx, or "".
func RequestID(ctx context.Context) string {
	if td := GetTraceData(ctx); td != nil {
		return td.RequestID
	}
	return ""
}

// PayloadFields renders ctx's trace data as job payload keys.
func PayloadFields(ctx context.Context) map[string]any {
	out := map[string]any{}
	td := GetTraceData(ctx)
	if td == nil {
		return out
	}
	if td.TraceID != "" {
		out["trace_id"] = td.TraceID
	}
	if td.RequestID != "" {
		out["request_id"] = td.RequestID
	}
	return out
}
