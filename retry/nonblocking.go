package retry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// NonBlockingRetryProducer republishes a record to the next retry topic
// in the schedule, stamping the scheduling headers a later hop (or this
// same dispatcher, consuming its own retry topic) decodes to know when
// it may run the handler. Dead-letter handling after schedule exhaustion
// is out of scope; callers that need it layer it on top of a terminal
// give-up.
type NonBlockingRetryProducer struct {
	producer Producer
	metrics  MetricsSink
}

// NewNonBlockingRetryProducer builds a NonBlockingRetryProducer. metrics
// may be nil, in which case events are discarded.
func NewNonBlockingRetryProducer(producer Producer, metrics MetricsSink) *NonBlockingRetryProducer {
	if metrics == nil {
		metrics = NoopMetricsSink{}
	}
	return &NonBlockingRetryProducer{producer: producer, metrics: metrics}
}

// Republish stamps record's headers with action's attempt and backoff and
// publishes it to action.RetryTopic, letting the underlying Producer pick
// the partition (partition selection is the publisher's
// responsibility). now is the submission instant to stamp into
// retry-submitted-at; callers pass a Clock's Now() rather than calling
// time.Now() here so the header contents stay reproducible in tests.
func (p *NonBlockingRetryProducer) Republish(ctx context.Context, record Record, action Action, now time.Time) error {
	if action.Kind != ActionNonBlockingRepublish {
		return fmt.Errorf("retry: Republish called with non-republish action kind %d", action.Kind)
	}

	headers := EncodeHeaders(record.Headers, action.Attempt, now, action.Backoff)

	span := trace.SpanFromContext(ctx)
	if err := p.producer.Produce(ctx, action.RetryTopic, record.Key, record.Value, nil, headers); err != nil {
		span.RecordError(err)
		return fmt.Errorf("retry: republish to %s: %w", action.RetryTopic, err)
	}
	span.AddEvent("non_blocking.republished", trace.WithAttributes(
		attribute.String("retry.topic", action.RetryTopic),
		attribute.Int64("retry.attempt", int64(action.Attempt)),
	))

	p.metrics.Report(MetricEvent{
		Name:           EventNonBlockingRepublished,
		TopicPartition: record.TopicPartition(),
		Offset:         record.Offset,
	})
	return nil
}
