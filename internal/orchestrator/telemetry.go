package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel"

	"github.com/biomedorch/orchestrator/graph/emit"
	"github.com/biomedorch/orchestrator/internal/events"
)

// tracingEmitter fans every event to the run's events.Bus (SSE delivery
// and run-registry bookkeeping) and to an OpenTelemetry span per event,
// so tracing is an orthogonal middleware layered over the existing event
// stream rather than a concern baked into individual nodes (spec.md §9's
// open question on tracing). Reuses graph/emit.OTelEmitter as-is: it
// already converts an emit.Event's RunID/Step/NodeID/Meta into span
// attributes, which is exactly the shape events.Bus's typed builders
// produce.
type tracingEmitter struct {
	bus  *events.Bus
	otel emit.Emitter
}

func newTracingEmitter(bus *events.Bus) *tracingEmitter {
	tracer := otel.Tracer("biomedorch/orchestrator")
	return &tracingEmitter{bus: bus, otel: emit.NewOTelEmitter(tracer)}
}

func (t *tracingEmitter) Emit(e emit.Event) {
	t.bus.Emit(e)
	t.otel.Emit(e)
}

func (t *tracingEmitter) EmitBatch(ctx context.Context, evs []emit.Event) error {
	if err := t.bus.EmitBatch(ctx, evs); err != nil {
		return err
	}
	return t.otel.EmitBatch(ctx, evs)
}

func (t *tracingEmitter) Flush(ctx context.Context) error {
	if err := t.bus.Flush(ctx); err != nil {
		return err
	}
	return t.otel.Flush(ctx)
}

var _ emit.Emitter = (*tracingEmitter)(nil)
