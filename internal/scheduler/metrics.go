package scheduler

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	due          metric.Int64Counter
	activated    metric.Int64Counter
	retried      metric.Int64Counter
	failed       metric.Int64Counter
	skipped      metric.Int64Counter
	tickDuration metric.Float64Histogram
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	var errs [6]error
	m := &metrics{}
	m.due, errs[0] = meter.Int64Counter("julesq_items_due",
		metric.WithDescription("Queue items found due by the scheduler"))
	m.activated, errs[1] = meter.Int64Counter("julesq_items_activated",
		metric.WithDescription("Queue items that started a Jules session"))
	m.retried, errs[2] = meter.Int64Counter("julesq_items_retried",
		metric.WithDescription("Queue items rescheduled after a failed activation"))
	m.failed, errs[3] = meter.Int64Counter("julesq_items_failed",
		metric.WithDescription("Queue items moved to the error state"))
	m.skipped, errs[4] = meter.Int64Counter("julesq_items_skipped",
		metric.WithDescription("Due queue items left untouched by a tick"))
	m.tickDuration, errs[5] = meter.Float64Histogram("julesq_tick_duration_seconds",
		metric.WithDescription("Wall time of one scheduler tick"),
		metric.WithUnit("s"))
	if err := errors.Join(errs[:]...); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metrics) record(ctx context.Context, o outcome) {
	switch o {
	case outcomeActivated:
		m.activated.Add(ctx, 1)
	case outcomeRetried:
		m.retried.Add(ctx, 1)
	case outcomeFailed:
		m.failed.Add(ctx, 1)
	default:
		m.skipped.Add(ctx, 1)
	}
}
