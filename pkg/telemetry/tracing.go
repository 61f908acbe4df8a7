package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope for every span this harness emits
const TracerName = "mongodb-labs/astrolabe-go"

// StartScenario opens the root span for one scenario run
func StartScenario(ctx context.Context, testName, clusterName string) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, "scenario",
		trace.WithAttributes(
			attribute.String("astrolabe.test_name", testName),
			attribute.String("astrolabe.cluster_name", clusterName),
		))
}

// StartPhase opens a child span for one orchestration phase
func StartPhase(ctx context.Context, phase string) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, phase)
}
