package retry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/microservices-platform/retry-dispatcher/pkg/apperr"
)

// BlockingLoop runs the in-place retry loop for a record whose first
// attempt the Retry Policy classified as ActionBlockingRetry. One loop
// instance handles one record end to end: it owns the
// partition's Blocked state for the duration, watches for an operator
// override on either the partition or the whole topic, and on
// exhaustion either surfaces the failure or hands off to non-blocking
// republishing.
type BlockingLoop struct {
	store    *Store
	clock    Clock
	metrics  MetricsSink
	handler  UserHandler
	policy   *Policy
	nonBlock *NonBlockingRetryProducer
}

// NewBlockingLoop builds a BlockingLoop. nonBlock may be nil if policy
// can never produce a BlockingFollowedByNonBlocking handoff; metrics may
// be nil, in which case events are discarded.
func NewBlockingLoop(store *Store, clock Clock, metrics MetricsSink, handler UserHandler, policy *Policy, nonBlock *NonBlockingRetryProducer) *BlockingLoop {
	if metrics == nil {
		metrics = NoopMetricsSink{}
	}
	return &BlockingLoop{store: store, clock: clock, metrics: metrics, handler: handler, policy: policy, nonBlock: nonBlock}
}

// Run drives the blocking retry loop for record starting at attempt with
// the given initial backoff (the values Policy.FirstAction produced). It
// returns nil once the record is resolved one way or another: handled
// successfully, ignored by operator override, failed non-retriably, or
// handed off to non-blocking republishing. It returns a non-nil error
// only when the blocking schedule is exhausted with nowhere left to go,
// when the handoff publish fails, or when ctx is cancelled mid-wait.
func (l *BlockingLoop) Run(ctx context.Context, record Record, attempt int32, backoff time.Duration) error {
	tp := record.TopicPartition()
	partitionTarget, topicTarget := targetsFor(tp)
	span := trace.SpanFromContext(ctx)

	span.AddEvent("blocking_retry.started", trace.WithAttributes(
		attribute.Int64("retry.attempt", int64(attempt)),
		attribute.Int64("retry.backoff_ms", backoff.Milliseconds()),
	))

	for {
		ignored, ignoredKind, err := l.waitForAttempt(ctx, partitionTarget, topicTarget, record, backoff)
		if err != nil {
			return err
		}
		if ignored {
			l.resolve(partitionTarget)
			span.AddEvent("blocking_retry.ignored", trace.WithAttributes(
				attribute.String("retry.ignore_kind", ignoredKind.String()),
			))
			l.metrics.Report(MetricEvent{
				Name:           ignoreEventName(ignoredKind),
				TopicPartition: tp,
				Offset:         record.Offset,
			})
			return nil
		}

		handleErr := l.handler.Handle(ctx, record)
		if handleErr == nil {
			l.resolve(partitionTarget)
			span.AddEvent("blocking_retry.succeeded", trace.WithAttributes(
				attribute.Int64("retry.attempt", int64(attempt)),
			))
			return nil
		}
		if IsNonRetriable(handleErr) {
			l.resolve(partitionTarget)
			span.RecordError(handleErr)
			l.metrics.Report(MetricEvent{
				Name:           EventNoRetryOnNonRetryableFailure,
				TopicPartition: tp,
				Offset:         record.Offset,
				Cause:          handleErr.Error(),
			})
			return nil
		}

		span.AddEvent("blocking_retry.attempt_failed", trace.WithAttributes(
			attribute.Int64("retry.attempt", int64(attempt)),
		))
		l.metrics.Report(MetricEvent{
			Name:           EventBlockingRetryHandlerInvocationFailed,
			TopicPartition: tp,
			Offset:         record.Offset,
			Cause:          handleErr.Error(),
		})

		attempt++
		nextBackoff, ok := l.policy.BlockingBackoffAt(int(attempt))
		if !ok {
			l.resolve(partitionTarget)
			if l.policy.IsBlockingFollowedByNonBlocking() && l.nonBlock != nil {
				action := l.policy.FirstNonBlockingAction()
				if action.Kind != ActionNonBlockingRepublish {
					span.AddEvent("blocking_retry.exhausted")
					return apperr.ErrRetryExhausted(handleErr, "blocking retry schedule exhausted")
				}
				span.AddEvent("blocking_retry.handoff_to_non_blocking", trace.WithAttributes(
					attribute.String("retry.topic", action.RetryTopic),
				))
				return l.nonBlock.Republish(ctx, record, action, l.clock.Now())
			}
			span.AddEvent("blocking_retry.exhausted")
			return apperr.ErrRetryExhausted(handleErr, "blocking retry schedule exhausted")
		}
		backoff = nextBackoff
	}
}

// waitForAttempt checks for an operator override already in place on
// partitionTarget or topicTarget before doing anything else, then, only
// if none is found, writes the Blocked state for this attempt and waits
// for either backoff to elapse or an override to appear, whichever
// comes first. Checking before writing Blocked is what lets an override
// installed ahead of the handler call win outright: writing Blocked
// first would unconditionally clobber it. An IgnoringOnce override is
// consumed (reverted to Blocking) before returning so the next attempt,
// if any, finds a clean slate.
func (l *BlockingLoop) waitForAttempt(ctx context.Context, partitionTarget, topicTarget BlockingTarget, record Record, backoff time.Duration) (ignored bool, ignoredKind BlockingStateKind, err error) {
	if target, kind, ok := checkOverride(l.store, partitionTarget, topicTarget); ok {
		if kind == StateIgnoringOnce {
			l.store.CompareAndSwap(target, StateIgnoringOnce, Blocking())
		}
		return true, kind, nil
	}

	l.store.Set(partitionTarget, Blocked(record.Key, record.Value, record.Headers, record.TopicPartition(), record.Offset))

	start := l.clock.Now()
	for {
		// Take the wake channels before reading the overrides, so a write
		// landing between the read and the select still closes a channel
		// this iteration is holding.
		_, partitionCh := l.store.Watch(partitionTarget)
		_, topicCh := l.store.Watch(topicTarget)

		if target, kind, ok := checkOverride(l.store, partitionTarget, topicTarget); ok {
			if kind == StateIgnoringOnce {
				l.store.CompareAndSwap(target, StateIgnoringOnce, Blocking())
			}
			return true, kind, nil
		}

		remaining := backoff - l.clock.Now().Sub(start)
		if remaining <= 0 {
			return false, 0, nil
		}

		sleepCtx, cancel := context.WithCancel(ctx)
		sleepDone := make(chan error, 1)
		go func() { sleepDone <- l.clock.Sleep(sleepCtx, remaining) }()

		select {
		case <-ctx.Done():
			cancel()
			return false, 0, ctx.Err()
		case <-partitionCh:
			cancel()
		case <-topicCh:
			cancel()
		case werr := <-sleepDone:
			cancel()
			if werr != nil {
				return false, 0, werr
			}
			return false, 0, nil
		}
	}
}

// checkOverride reports the first override found, checking
// partitionTarget before topicTarget: narrower scope wins.
func checkOverride(store *Store, partitionTarget, topicTarget BlockingTarget) (target BlockingTarget, kind BlockingStateKind, ok bool) {
	if ps := store.Get(partitionTarget); ps.Kind == StateIgnoringOnce || ps.Kind == StateIgnoringAll {
		return partitionTarget, ps.Kind, true
	}
	if ts := store.Get(topicTarget); ts.Kind == StateIgnoringOnce || ts.Kind == StateIgnoringAll {
		return topicTarget, ts.Kind, true
	}
	return BlockingTarget{}, 0, false
}

func ignoreEventName(kind BlockingStateKind) string {
	if kind == StateIgnoringAll {
		return EventBlockingIgnoredForAllFor
	}
	return EventBlockingIgnoredOnceFor
}

// resolve clears a partition's Blocked entry back to Blocking, but only
// if it is still Blocked: an operator override landed on this exact
// target concurrently must not be clobbered by a stale writer finishing
// late.
func (l *BlockingLoop) resolve(partitionTarget BlockingTarget) {
	l.store.CompareAndSwap(partitionTarget, StateBlocked, Blocking())
}
