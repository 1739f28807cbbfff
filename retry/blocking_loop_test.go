package retry_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/microservices-platform/retry-dispatcher/pkg/apperr"
	"github.com/microservices-platform/retry-dispatcher/retry"
)

// advanceUntilCalled repeatedly advances clock by a step far larger than
// any backoff under test, until the handler's call count reaches want.
// Repeated large advances tolerate the race between a waitForAttempt
// goroutine registering its sleep and this goroutine driving the clock,
// without needing the fake clock to expose its waiter list.
func advanceUntilCalled(clock *retry.FakeClock, h *scriptedHandler, want int) {
	Eventually(func() int {
		clock.Advance(time.Hour)
		return h.callCount()
	}, time.Second, time.Millisecond).Should(BeNumerically(">=", want))
}

var _ = Describe("BlockingLoop", func() {
	var (
		store   *retry.Store
		clock   *retry.FakeClock
		metrics *recordingMetricsSink
		record  retry.Record
		sub     retry.Subscription
		tp      retry.TopicPartition
	)

	BeforeEach(func() {
		store = retry.NewStore()
		clock = retry.NewFakeClock(time.Unix(1700000000, 0))
		metrics = &recordingMetricsSink{}
		tp = retry.TopicPartition{Topic: "orders-created", Partition: 3}
		record = retry.Record{Topic: tp.Topic, Partition: tp.Partition, Offset: 42, Key: []byte("k"), Value: []byte("v")}
		sub = retry.Subscription{Topic: "orders-created", ConsumerGroup: "billing"}
	})

	It("retries in place and resolves once the handler eventually succeeds", func() {
		cfg := retry.FiniteBlockingRetryConfig([]time.Duration{time.Second, 5 * time.Second})
		policy, err := retry.NewPolicy(cfg, sub)
		Expect(err).NotTo(HaveOccurred())

		handler := &scriptedHandler{results: []error{retry.NewRetriableError(fmt.Errorf("transient")), nil}}
		loop := retry.NewBlockingLoop(store, clock, metrics, handler, policy, nil)

		done := make(chan error, 1)
		go func() {
			action := policy.FirstAction()
			done <- loop.Run(context.Background(), record, action.Attempt, action.Backoff)
		}()

		advanceUntilCalled(clock, handler, 2)

		Eventually(done).Should(Receive(BeNil()))
		Expect(handler.callCount()).To(Equal(2))
		Expect(metrics.names()).To(ContainElement(retry.EventBlockingRetryHandlerInvocationFailed))
		Expect(store.Get(retry.TopicPartitionTarget(tp)).Kind).To(Equal(retry.StateBlocking))
	})

	It("surfaces the handler error once the blocking schedule is exhausted", func() {
		cfg := retry.FiniteBlockingRetryConfig([]time.Duration{time.Second})
		policy, err := retry.NewPolicy(cfg, sub)
		Expect(err).NotTo(HaveOccurred())

		failure := retry.NewRetriableError(fmt.Errorf("still broken"))
		handler := &scriptedHandler{results: []error{failure}}
		loop := retry.NewBlockingLoop(store, clock, metrics, handler, policy, nil)

		done := make(chan error, 1)
		go func() {
			action := policy.FirstAction()
			done <- loop.Run(context.Background(), record, action.Attempt, action.Backoff)
		}()

		advanceUntilCalled(clock, handler, 1)

		var result error
		Eventually(done).Should(Receive(&result))
		Expect(errors.Is(result, failure)).To(BeTrue())
		Expect(apperr.GetErrorCode(result)).To(Equal(apperr.ErrCodeRetryExhausted))
		Expect(store.Get(retry.TopicPartitionTarget(tp)).Kind).To(Equal(retry.StateBlocking))
	})

	It("resolves without invoking the handler again once NonRetriable", func() {
		cfg := retry.FiniteBlockingRetryConfig([]time.Duration{time.Second, time.Minute})
		policy, err := retry.NewPolicy(cfg, sub)
		Expect(err).NotTo(HaveOccurred())

		handler := &scriptedHandler{results: []error{retry.NewNonRetriableError(fmt.Errorf("bad payload"))}}
		loop := retry.NewBlockingLoop(store, clock, metrics, handler, policy, nil)

		done := make(chan error, 1)
		go func() {
			action := policy.FirstAction()
			done <- loop.Run(context.Background(), record, action.Attempt, action.Backoff)
		}()

		advanceUntilCalled(clock, handler, 1)

		Eventually(done).Should(Receive(BeNil()))
		Expect(handler.callCount()).To(Equal(1))
		Expect(metrics.names()).To(ContainElement(retry.EventNoRetryOnNonRetryableFailure))
	})

	It("hands off to non-blocking republishing once a blocking-then-non-blocking schedule exhausts", func() {
		cfg := retry.BlockingFollowedByNonBlockingConfig(
			[]time.Duration{time.Second},
			[]time.Duration{time.Minute},
		)
		policy, err := retry.NewPolicy(cfg, sub)
		Expect(err).NotTo(HaveOccurred())

		failure := retry.NewRetriableError(fmt.Errorf("still broken"))
		handler := &scriptedHandler{results: []error{failure}}
		producer := &fakeProducer{}
		nonBlock := retry.NewNonBlockingRetryProducer(producer, metrics)
		loop := retry.NewBlockingLoop(store, clock, metrics, handler, policy, nonBlock)

		done := make(chan error, 1)
		go func() {
			action := policy.FirstAction()
			done <- loop.Run(context.Background(), record, action.Attempt, action.Backoff)
		}()

		advanceUntilCalled(clock, handler, 1)

		Eventually(done).Should(Receive(BeNil()))
		Expect(producer.publishedCount()).To(Equal(1))
		Expect(producer.last().Topic).To(Equal("orders-created-billing-retry-0"))
		Expect(metrics.names()).To(ContainElement(retry.EventNonBlockingRepublished))
	})

	It("skips the pending wait and the handler when an operator ignores once", func() {
		cfg := retry.InfiniteBlockingRetryConfig(time.Hour)
		policy, err := retry.NewPolicy(cfg, sub)
		Expect(err).NotTo(HaveOccurred())

		handler := &scriptedHandler{results: []error{nil}}
		loop := retry.NewBlockingLoop(store, clock, metrics, handler, policy, nil)
		partitionTarget := retry.TopicPartitionTarget(tp)

		done := make(chan error, 1)
		go func() {
			action := policy.FirstAction()
			done <- loop.Run(context.Background(), record, action.Attempt, action.Backoff)
		}()

		Eventually(func() retry.BlockingStateKind {
			return store.Get(partitionTarget).Kind
		}).Should(Equal(retry.StateBlocked))

		store.Set(partitionTarget, retry.IgnoringOnce())

		Eventually(done).Should(Receive(BeNil()))
		Expect(handler.callCount()).To(Equal(0))
		Expect(metrics.names()).To(ContainElement(retry.EventBlockingIgnoredOnceFor))
		Expect(store.Get(partitionTarget).Kind).To(Equal(retry.StateBlocking))
	})

	It("honors an ignore-once override already set before the handler ever runs", func() {
		cfg := retry.InfiniteBlockingRetryConfig(time.Hour)
		policy, err := retry.NewPolicy(cfg, sub)
		Expect(err).NotTo(HaveOccurred())

		handler := &scriptedHandler{results: []error{nil}}
		loop := retry.NewBlockingLoop(store, clock, metrics, handler, policy, nil)
		partitionTarget := retry.TopicPartitionTarget(tp)

		store.Set(partitionTarget, retry.IgnoringOnce())

		action := policy.FirstAction()
		err = loop.Run(context.Background(), record, action.Attempt, action.Backoff)

		Expect(err).NotTo(HaveOccurred())
		Expect(handler.callCount()).To(Equal(0))
		Expect(metrics.names()).To(ContainElement(retry.EventBlockingIgnoredOnceFor))
		Expect(store.Get(partitionTarget).Kind).To(Equal(retry.StateBlocking))
	})

	It("leaves a durable ignore-all override in place after resolving", func() {
		cfg := retry.InfiniteBlockingRetryConfig(time.Hour)
		policy, err := retry.NewPolicy(cfg, sub)
		Expect(err).NotTo(HaveOccurred())

		handler := &scriptedHandler{results: []error{nil}}
		loop := retry.NewBlockingLoop(store, clock, metrics, handler, policy, nil)
		partitionTarget := retry.TopicPartitionTarget(tp)

		done := make(chan error, 1)
		go func() {
			action := policy.FirstAction()
			done <- loop.Run(context.Background(), record, action.Attempt, action.Backoff)
		}()

		Eventually(func() retry.BlockingStateKind {
			return store.Get(partitionTarget).Kind
		}).Should(Equal(retry.StateBlocked))

		store.Set(partitionTarget, retry.IgnoringAll())

		Eventually(done).Should(Receive(BeNil()))
		Expect(handler.callCount()).To(Equal(0))
		Expect(metrics.names()).To(ContainElement(retry.EventBlockingIgnoredForAllFor))
		Expect(store.Get(partitionTarget).Kind).To(Equal(retry.StateIgnoringAll))
	})

	It("honors a topic-scoped override over a pending partition-scoped retry", func() {
		cfg := retry.InfiniteBlockingRetryConfig(time.Hour)
		policy, err := retry.NewPolicy(cfg, sub)
		Expect(err).NotTo(HaveOccurred())

		handler := &scriptedHandler{results: []error{nil}}
		loop := retry.NewBlockingLoop(store, clock, metrics, handler, policy, nil)
		partitionTarget := retry.TopicPartitionTarget(tp)
		topicTarget := retry.TopicTarget(tp.Topic)

		done := make(chan error, 1)
		go func() {
			action := policy.FirstAction()
			done <- loop.Run(context.Background(), record, action.Attempt, action.Backoff)
		}()

		Eventually(func() retry.BlockingStateKind {
			return store.Get(partitionTarget).Kind
		}).Should(Equal(retry.StateBlocked))

		store.Set(topicTarget, retry.IgnoringAll())

		Eventually(done).Should(Receive(BeNil()))
		Expect(handler.callCount()).To(Equal(0))
	})

	It("returns promptly when the context is cancelled mid-wait", func() {
		cfg := retry.InfiniteBlockingRetryConfig(time.Hour)
		policy, err := retry.NewPolicy(cfg, sub)
		Expect(err).NotTo(HaveOccurred())

		handler := &scriptedHandler{results: []error{nil}}
		loop := retry.NewBlockingLoop(store, clock, metrics, handler, policy, nil)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			action := policy.FirstAction()
			done <- loop.Run(ctx, record, action.Attempt, action.Backoff)
		}()

		Eventually(func() retry.BlockingStateKind {
			return store.Get(retry.TopicPartitionTarget(tp)).Kind
		}).Should(Equal(retry.StateBlocked))

		cancel()

		var result error
		Eventually(done).Should(Receive(&result))
		Expect(result).To(MatchError(context.Canceled))
	})
})
