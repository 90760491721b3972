package budget

import "context"

type monitorKey struct{}

// WithMonitor attaches a turn monitor to the context so layers below the
// orchestrator can charge model usage against the turn that triggered the
// call.
func WithMonitor(ctx context.Context, m *Monitor) context.Context {
	return context.WithValue(ctx, monitorKey{}, m)
}

// MonitorFrom returns the turn monitor carried by the context, if any.
func MonitorFrom(ctx context.Context) (*Monitor, bool) {
	m, ok := ctx.Value(monitorKey{}).(*Monitor)
	return m, ok
}
