package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Instruments are the counters shared by the worker components.
type Instruments struct {
	LeaseAcquired    metric.Int64Counter
	LeaseLost        metric.Int64Counter
	WebhookDelivered metric.Int64Counter
	WebhookRetried   metric.Int64Counter
	WebhookExhausted metric.Int64Counter
	ReminderClaimed  metric.Int64Counter
	ReminderFailed   metric.Int64Counter
}

// NewInstruments creates every counter on meter.
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	var (
		ins Instruments
		err error
	)

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&ins.LeaseAcquired, "sessionplane.lease.acquired", "Session leases acquired by this worker"},
		{&ins.LeaseLost, "sessionplane.lease.lost", "Owned sessions torn down after a failed renewal"},
		{&ins.WebhookDelivered, "sessionplane.webhook.delivered", "Webhook deliveries acknowledged with 2xx"},
		{&ins.WebhookRetried, "sessionplane.webhook.retried", "Webhook deliveries scheduled for retry"},
		{&ins.WebhookExhausted, "sessionplane.webhook.exhausted", "Webhook deliveries that ran out of attempts"},
		{&ins.ReminderClaimed, "sessionplane.reminder.claimed", "Reminders claimed for execution"},
		{&ins.ReminderFailed, "sessionplane.reminder.failed", "Reminder attempts that failed"},
	}

	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create counter %s: %w", c.name, err)
		}
	}
	return &ins, nil
}

// NoopInstruments returns instruments that record nothing.
func NoopInstruments() *Instruments {
	ins, _ := NewInstruments(noop.NewMeterProvider().Meter("noop"))
	return ins
}

// RegisterGauge registers an observable gauge whose value is read only when scraped.
func RegisterGauge(meter metric.Meter, name, desc string, read func(ctx context.Context) (int64, error)) error {
	_, err := meter.Int64ObservableGauge(name,
		metric.WithDescription(desc),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			v, err := read(ctx)
			if err != nil {
				return err
			}
			obs.Observe(v)
			return nil
		}),
	)
	return err
}
