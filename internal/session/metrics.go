package session

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/loqalabs/loqa-sign/session"

type metrics struct {
	frames            metric.Int64Counter
	inferenceDuration metric.Float64Histogram
	inferenceErrors   metric.Int64Counter
	gated             metric.Int64Counter
	windows           metric.Int64Counter
	symbols           metric.Int64Counter
	words             metric.Int64Counter
	activeSessions    metric.Int64UpDownCounter
}

// newMetrics never returns nil instruments; any that fail to register fall
// back to no-ops and the joined error is returned for logging.
func newMetrics(meter metric.Meter) (*metrics, error) {
	fallback := noop.NewMeterProvider().Meter(instrumentationName)
	var errs []error

	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			errs = append(errs, err)
			c, _ = fallback.Int64Counter(name)
		}
		return c
	}

	m := &metrics{
		frames:          counter("sign.frames.processed", "Frames pulled from the camera"),
		inferenceErrors: counter("sign.inference.errors", "Frames whose classification failed"),
		gated:           counter("sign.gate.samples", "Frames evaluated by the confidence gate"),
		windows:         counter("sign.window.resolutions", "Voting windows closed"),
		symbols:         counter("sign.symbols.accepted", "Symbols appended to the current word"),
		words:           counter("sign.words.finalized", "Words moved into the transcript"),
	}

	hist, err := meter.Float64Histogram("sign.inference.duration",
		metric.WithDescription("Classifier latency per frame"),
		metric.WithUnit("ms"))
	if err != nil {
		errs = append(errs, err)
		hist, _ = fallback.Float64Histogram("sign.inference.duration")
	}
	m.inferenceDuration = hist

	active, err := meter.Int64UpDownCounter("sign.sessions.active",
		metric.WithDescription("Live detection sessions"))
	if err != nil {
		errs = append(errs, err)
		active, _ = fallback.Int64UpDownCounter("sign.sessions.active")
	}
	m.activeSessions = active

	return m, errors.Join(errs...)
}

func (m *metrics) inference(ctx context.Context, took time.Duration, err error) {
	m.frames.Add(ctx, 1)
	m.inferenceDuration.Record(ctx, float64(took)/float64(time.Millisecond))
	if err != nil {
		m.inferenceErrors.Add(ctx, 1)
	}
}

func (m *metrics) gate(ctx context.Context, admitted bool) {
	outcome := "rejected"
	if admitted {
		outcome = "admitted"
	}
	m.gated.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *metrics) window(ctx context.Context, outcome string) {
	m.windows.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
