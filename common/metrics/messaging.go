package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type MessagingMetrics struct {
	eventsPublished    metric.Int64Counter
	eventsConsumed     metric.Int64Counter
	publishDuration    metric.Float64Histogram
	processingDuration metric.Float64Histogram
	eventErrors        metric.Int64Counter
}

func NewMessagingMetrics(meter metric.Meter) (*MessagingMetrics, error) {
	mm := &MessagingMetrics{}

	var err error

	mm.eventsPublished, err = meter.Int64Counter(
		"messaging.events.published",
		metric.WithDescription("Total number of ledger events published"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	mm.eventsConsumed, err = meter.Int64Counter(
		"messaging.events.consumed",
		metric.WithDescription("Total number of inbound events consumed"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	mm.publishDuration, err = meter.Float64Histogram(
		"messaging.event.publish_duration",
		metric.WithDescription("Time spent publishing an event"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	)
	if err != nil {
		return nil, err
	}

	mm.processingDuration, err = meter.Float64Histogram(
		"messaging.event.processing_duration",
		metric.WithDescription("Time spent processing an inbound event"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	)
	if err != nil {
		return nil, err
	}

	mm.eventErrors, err = meter.Int64Counter(
		"messaging.event.errors",
		metric.WithDescription("Total number of event publish or processing errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return mm, nil
}

func (mm *MessagingMetrics) RecordPublish(ctx context.Context, destination, eventType string, duration time.Duration, err error) {
	if mm == nil || mm.eventsPublished == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("destination", destination),
		attribute.String("event_type", eventType),
	}

	mm.eventsPublished.Add(ctx, 1, metric.WithAttributes(attrs...))
	mm.publishDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))

	if err != nil {
		mm.eventErrors.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("stage", "publish"))...))
	}
}

func (mm *MessagingMetrics) RecordConsume(ctx context.Context, subject string, duration time.Duration, err error) {
	if mm == nil || mm.eventsConsumed == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("subject", subject),
	}

	mm.eventsConsumed.Add(ctx, 1, metric.WithAttributes(attrs...))
	mm.processingDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))

	if err != nil {
		mm.eventErrors.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("stage", "consume"))...))
	}
}
