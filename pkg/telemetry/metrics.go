package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/openbotauth/botgate/pkg/verifier"
)

// instrumentationName is the name of this instrumentation package.
const instrumentationName = "github.com/openbotauth/botgate/pkg/telemetry"

// meters holds the OpenTelemetry instruments. They use the global meter
// provider; deployments without a configured provider get no-op instruments.
type meters struct {
	attempts metric.Int64Counter
}

func newMeters() *meters {
	meter := otel.Meter(instrumentationName)

	attempts, _ := meter.Int64Counter(
		"botgate_signature_attempts", // the exporter adds the _total suffix automatically
		metric.WithDescription("Total number of signature verification attempts"),
	)

	return &meters{attempts: attempts}
}

func (m *meters) record(ctx context.Context, a verifier.Attempt) {
	outcome := "failed"
	if a.Verified {
		outcome = "verified"
	}
	attrs := []attribute.KeyValue{
		attribute.String("outcome", outcome),
	}
	if !a.Verified && a.Reason != "" {
		attrs = append(attrs, attribute.String("reason", string(a.Reason)))
	}
	m.attempts.Add(ctx, 1, metric.WithAttributes(attrs...))
}
