package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/roach88/entityevents/internal/event"
)

const meterName = "github.com/roach88/entityevents/internal/engine"

// Metrics records dispatch instruments.
//
// Instruments:
//   - entityevents.handler.invocations: one count per handler step, by state
//   - entityevents.chain.failures: chains aborted by an error
//   - entityevents.chain.duration: wall time of one envelope's chain
//   - entityevents.resume.records: resumption outcomes per result code
type Metrics struct {
	invocations metric.Int64Counter
	failures    metric.Int64Counter
	duration    metric.Float64Histogram
	resumed     metric.Int64Counter
}

// NewMetrics creates the instruments on meter. A nil meter uses the global
// meter provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}

	var (
		m   Metrics
		err error
	)
	m.invocations, err = meter.Int64Counter("entityevents.handler.invocations",
		metric.WithDescription("Handler steps by final state"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create invocations counter: %w", err)
	}

	m.failures, err = meter.Int64Counter("entityevents.chain.failures",
		metric.WithDescription("Chains aborted by an error"),
		metric.WithUnit("{chain}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create failures counter: %w", err)
	}

	m.duration, err = meter.Float64Histogram("entityevents.chain.duration",
		metric.WithDescription("Chain dispatch duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0),
	)
	if err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}

	m.resumed, err = meter.Int64Counter("entityevents.resume.records",
		metric.WithDescription("Pending-work records handled by resumption passes"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create resume counter: %w", err)
	}

	return &m, nil
}

func envAttrs(env *event.Envelope) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("entity_type", string(env.EntityType())),
		attribute.String("event_type", string(env.EventType())),
	}
}

func (m *Metrics) recordStep(ctx context.Context, env *event.Envelope, step Step) {
	if m == nil {
		return
	}
	attrs := append(envAttrs(env),
		attribute.String("handler", step.Handler),
		attribute.String("state", string(step.State)),
	)
	m.invocations.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) recordChain(ctx context.Context, env *event.Envelope, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := envAttrs(env)
	m.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))
	if err != nil {
		m.failures.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *Metrics) recordResume(ctx context.Context, resultCode, outcome string) {
	if m == nil {
		return
	}
	m.resumed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result_code", resultCode),
		attribute.String("outcome", outcome),
	))
}
