package lifecycle

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracer is package-scoped rather than a Controller field: otel.Tracer
// returns a no-op implementation until a caller installs a real
// TracerProvider via otel.SetTracerProvider, so tracing here is pay-for-
// what-you-use and requires no constructor changes to Controller.
var tracer = otel.Tracer("github.com/kandev/agentsupervisor/internal/lifecycle")

// startSpan opens a span for one lifecycle operation on one agent. The
// returned end func must be deferred by the caller; it records err (if any)
// on the span before ending it.
func startSpan(ctx context.Context, name, agentID string) (context.Context, func(err error)) {
	ctx, span := tracer.Start(ctx, name, trace.WithAttributes(attribute.String("agent.id", agentID)))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}
