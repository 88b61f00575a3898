package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type Metrics struct {
	IODuration     metric.Int64Histogram
	RMWPhases      metric.Int64Counter
	GuardContended metric.Int64Counter
	IOFailed       metric.Int64Counter
}

func NewMetrics(meterProvider metric.MeterProvider) (Metrics, error) {
	meter := meterProvider.Meter("internal.emulator.metrics")

	duration, err := meter.Int64Histogram("emu512.io.duration",
		metric.WithDescription("Duration of logical IOs from submission to completion"),
		metric.WithUnit("us"),
	)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to get io duration metric: %w", err)
	}

	phases, err := meter.Int64Counter("emu512.rmw.phases",
		metric.WithDescription("Write state machine phases issued to the physical device"),
		metric.WithUnit("{phase}"),
	)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to get rmw phases metric: %w", err)
	}

	contended, err := meter.Int64Counter("emu512.guard.contended",
		metric.WithDescription("Unaligned writes rejected because another one held the device guard"),
		metric.WithUnit("{write}"),
	)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to get guard contention metric: %w", err)
	}

	failed, err := meter.Int64Counter("emu512.io.failed",
		metric.WithDescription("Logical IOs completed with failure"),
		metric.WithUnit("{io}"),
	)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to get failed io metric: %w", err)
	}

	return Metrics{
		IODuration:     duration,
		RMWPhases:      phases,
		GuardContended: contended,
		IOFailed:       failed,
	}, nil
}

// Noop returns instruments that record nothing.
func Noop() Metrics {
	m, err := NewMetrics(noop.NewMeterProvider())
	if err != nil {
		panic(err)
	}

	return m
}

func (c Metrics) Begin() Stopwatch {
	return Stopwatch{metric: c.IODuration, start: time.Now()}
}

func KV[T ~string](key string, value T) attribute.KeyValue {
	return attribute.String(key, string(value))
}

type Stopwatch struct {
	metric metric.Int64Histogram
	start  time.Time
}

func (t Stopwatch) End(ctx context.Context, kv ...attribute.KeyValue) {
	if t.metric == nil {
		return
	}

	amount := time.Since(t.start).Microseconds()
	t.metric.Record(ctx, amount, metric.WithAttributes(kv...))
}
