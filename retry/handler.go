package retry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName identifies this package's spans in whatever TracerProvider
// is registered globally; with none registered, otel.Tracer returns a
// no-op tracer and span calls below cost a few no-op method calls.
const tracerName = "github.com/microservices-platform/retry-dispatcher/retry"

// Handler is the wrapped record handler: it
// decides, for every record it receives, whether to run the user
// handler immediately, wait out a retry-topic record's scheduled delay
// first, enter the Blocking Retry Loop, or republish to the next retry
// topic. A Handler is itself a UserHandler, so it can be substituted
// wherever the unwrapped handler was registered.
type Handler struct {
	inner    UserHandler
	policy   *Policy
	store    *Store
	clock    Clock
	metrics  MetricsSink
	nonBlock *NonBlockingRetryProducer
	blocking *BlockingLoop
	tracer   trace.Tracer
}

// WithRetries wraps inner with retry behavior per config and
// subscription. store is the shared Blocking State Store the operator
// control surface also reads and writes; producer is the transport the
// Non-Blocking Retry Producer publishes through. clock defaults to
// SystemClock and metrics to a no-op sink if nil.
func WithRetries(inner UserHandler, config RetryConfig, subscription Subscription, store *Store, producer Producer, clock Clock, metrics MetricsSink) (*Handler, error) {
	policy, err := NewPolicy(config, subscription)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if metrics == nil {
		metrics = NoopMetricsSink{}
	}
	if store == nil {
		store = NewStore()
	}

	nonBlock := NewNonBlockingRetryProducer(producer, metrics)
	blocking := NewBlockingLoop(store, clock, metrics, inner, policy, nonBlock)

	return &Handler{
		inner:    inner,
		policy:   policy,
		store:    store,
		clock:    clock,
		metrics:  metrics,
		nonBlock: nonBlock,
		blocking: blocking,
		tracer:   otel.Tracer(tracerName),
	}, nil
}

// Handle implements UserHandler.
func (h *Handler) Handle(ctx context.Context, record Record) error {
	tp := record.TopicPartition()

	ctx, span := h.tracer.Start(ctx, "retry.handle", trace.WithAttributes(
		attribute.String("retry.topic", tp.Topic),
		attribute.Int("retry.partition", tp.Partition),
		attribute.Int64("retry.offset", record.Offset),
	))
	defer span.End()

	rh, onRetryTopic, err := DecodeHeaders(record.Headers)
	if err != nil {
		// Malformed retry headers can never be distinguished from a
		// handler-level permanent fault, so they are treated the same
		// way: surfaced as metric, never retried.
		span.RecordError(err)
		h.metrics.Report(MetricEvent{
			Name:           EventNoRetryOnNonRetryableFailure,
			TopicPartition: tp,
			Offset:         record.Offset,
			Cause:          err.Error(),
		})
		return nil
	}

	span.SetAttributes(attribute.Bool("retry.on_retry_topic", onRetryTopic))

	if onRetryTopic {
		span.SetAttributes(
			attribute.Int64("retry.attempt", int64(rh.Attempt)),
			attribute.Int64("retry.backoff_ms", rh.Backoff.Milliseconds()),
		)
		return h.handleRetryTopicRecord(ctx, record, rh)
	}
	return h.handlePrimaryTopicRecord(ctx, record)
}

func (h *Handler) handleRetryTopicRecord(ctx context.Context, record Record, rh RetryHeaders) error {
	if wait := rh.DeadlineAt().Sub(h.clock.Now()); wait > 0 {
		if err := h.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}

	handleErr := h.inner.Handle(ctx, record)
	if handleErr == nil {
		return nil
	}
	if IsNonRetriable(handleErr) {
		h.metrics.Report(MetricEvent{
			Name:           EventNoRetryOnNonRetryableFailure,
			TopicPartition: record.TopicPartition(),
			Offset:         record.Offset,
			Cause:          handleErr.Error(),
		})
		return nil
	}

	action := h.policy.NextNonBlockingAction(rh.Attempt)
	if action.Kind != ActionNonBlockingRepublish {
		return handleErr
	}
	return h.nonBlock.Republish(ctx, record, action, h.clock.Now())
}

func (h *Handler) handlePrimaryTopicRecord(ctx context.Context, record Record) error {
	handleErr := h.inner.Handle(ctx, record)
	if handleErr == nil {
		return nil
	}
	if IsNonRetriable(handleErr) {
		h.metrics.Report(MetricEvent{
			Name:           EventNoRetryOnNonRetryableFailure,
			TopicPartition: record.TopicPartition(),
			Offset:         record.Offset,
			Cause:          handleErr.Error(),
		})
		return nil
	}

	action := h.policy.FirstAction()
	switch action.Kind {
	case ActionBlockingRetry:
		return h.blocking.Run(ctx, record, action.Attempt, action.Backoff)
	case ActionNonBlockingRepublish:
		return h.nonBlock.Republish(ctx, record, action, h.clock.Now())
	default:
		return handleErr
	}
}

// Store returns the Blocking State Store this Handler shares with the
// operator control surface.
func (h *Handler) Store() *Store { return h.store }
