package retry_test

import (
	"context"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/microservices-platform/retry-dispatcher/retry"
)

var _ = Describe("Handler", func() {
	var (
		store    *retry.Store
		clock    *retry.FakeClock
		metrics  *recordingMetricsSink
		producer *fakeProducer
		sub      retry.Subscription
	)

	BeforeEach(func() {
		store = retry.NewStore()
		clock = retry.NewFakeClock(time.Unix(1700000000, 0))
		metrics = &recordingMetricsSink{}
		producer = &fakeProducer{}
		sub = retry.Subscription{Topic: "orders-created", ConsumerGroup: "billing"}
	})

	primaryRecord := func() retry.Record {
		return retry.Record{Topic: "orders-created", Partition: 1, Offset: 7, Key: []byte("k"), Value: []byte("v")}
	}

	It("passes a successful primary-topic record straight through", func() {
		handler := &scriptedHandler{results: []error{nil}}
		h, err := retry.WithRetries(handler, retry.NonBlockingRetryConfig([]time.Duration{time.Minute}), sub, store, producer, clock, metrics)
		Expect(err).NotTo(HaveOccurred())

		Expect(h.Handle(context.Background(), primaryRecord())).NotTo(HaveOccurred())
		Expect(handler.callCount()).To(Equal(1))
		Expect(producer.publishedCount()).To(Equal(0))
	})

	It("republishes a failed non-blocking primary-topic record to retry-0", func() {
		handler := &scriptedHandler{results: []error{retry.NewRetriableError(fmt.Errorf("boom"))}}
		h, err := retry.WithRetries(handler, retry.NonBlockingRetryConfig([]time.Duration{time.Minute, time.Hour}), sub, store, producer, clock, metrics)
		Expect(err).NotTo(HaveOccurred())

		Expect(h.Handle(context.Background(), primaryRecord())).NotTo(HaveOccurred())
		Expect(producer.publishedCount()).To(Equal(1))
		Expect(producer.last().Topic).To(Equal("orders-created-billing-retry-0"))

		decoded, ok, err := retry.DecodeHeaders(producer.last().Headers)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(decoded.Attempt).To(Equal(int32(0)))
		Expect(decoded.Backoff).To(Equal(time.Minute))
	})

	It("never retries a non-retriable primary-topic failure", func() {
		handler := &scriptedHandler{results: []error{retry.NewNonRetriableError(fmt.Errorf("bad input"))}}
		h, err := retry.WithRetries(handler, retry.NonBlockingRetryConfig([]time.Duration{time.Minute}), sub, store, producer, clock, metrics)
		Expect(err).NotTo(HaveOccurred())

		Expect(h.Handle(context.Background(), primaryRecord())).NotTo(HaveOccurred())
		Expect(producer.publishedCount()).To(Equal(0))
		Expect(metrics.names()).To(ContainElement(retry.EventNoRetryOnNonRetryableFailure))
	})

	It("treats an opaque non-HandlerError failure as retriable", func() {
		handler := &scriptedHandler{results: []error{fmt.Errorf("plain error")}}
		h, err := retry.WithRetries(handler, retry.NonBlockingRetryConfig([]time.Duration{time.Minute}), sub, store, producer, clock, metrics)
		Expect(err).NotTo(HaveOccurred())

		Expect(h.Handle(context.Background(), primaryRecord())).NotTo(HaveOccurred())
		Expect(producer.publishedCount()).To(Equal(1))
	})

	It("runs a failed primary-topic record through the blocking loop", func() {
		handler := &scriptedHandler{results: []error{retry.NewRetriableError(fmt.Errorf("boom")), nil}}
		cfg := retry.FiniteBlockingRetryConfig([]time.Duration{time.Second, 5 * time.Second})
		h, err := retry.WithRetries(handler, cfg, sub, store, producer, clock, metrics)
		Expect(err).NotTo(HaveOccurred())

		done := make(chan error, 1)
		go func() { done <- h.Handle(context.Background(), primaryRecord()) }()

		advanceUntilCalled(clock, handler, 2)

		Eventually(done).Should(Receive(BeNil()))
		Expect(handler.callCount()).To(Equal(2))
	})

	It("decodes a retry-topic record, waits out its remaining backoff, then invokes the handler", func() {
		handler := &scriptedHandler{results: []error{nil}}
		cfg := retry.NonBlockingRetryConfig([]time.Duration{time.Minute, time.Hour})
		h, err := retry.WithRetries(handler, cfg, sub, store, producer, clock, metrics)
		Expect(err).NotTo(HaveOccurred())

		record := primaryRecord()
		record.Topic = sub.RetryTopicName(0)
		record.Headers = retry.EncodeHeaders(nil, 0, clock.Now(), time.Minute)

		done := make(chan error, 1)
		go func() { done <- h.Handle(context.Background(), record) }()

		advanceUntilCalled(clock, handler, 1)

		Eventually(done).Should(Receive(BeNil()))
		Expect(handler.callCount()).To(Equal(1))
	})

	It("advances to the next retry topic when a retry-topic record fails again", func() {
		handler := &scriptedHandler{results: []error{retry.NewRetriableError(fmt.Errorf("still broken"))}}
		cfg := retry.NonBlockingRetryConfig([]time.Duration{time.Minute, time.Hour})
		h, err := retry.WithRetries(handler, cfg, sub, store, producer, clock, metrics)
		Expect(err).NotTo(HaveOccurred())

		record := primaryRecord()
		record.Topic = sub.RetryTopicName(0)
		record.Headers = retry.EncodeHeaders(nil, 0, clock.Now(), 0)

		Expect(h.Handle(context.Background(), record)).NotTo(HaveOccurred())
		Expect(producer.publishedCount()).To(Equal(1))
		Expect(producer.last().Topic).To(Equal(sub.RetryTopicName(1)))
	})

	It("gives up once a retry-topic record's schedule is exhausted", func() {
		failure := retry.NewRetriableError(fmt.Errorf("still broken"))
		handler := &scriptedHandler{results: []error{failure}}
		cfg := retry.NonBlockingRetryConfig([]time.Duration{time.Minute})
		h, err := retry.WithRetries(handler, cfg, sub, store, producer, clock, metrics)
		Expect(err).NotTo(HaveOccurred())

		record := primaryRecord()
		record.Topic = sub.RetryTopicName(0)
		record.Headers = retry.EncodeHeaders(nil, 0, clock.Now(), 0)

		err = h.Handle(context.Background(), record)
		Expect(err).To(Equal(failure))
		Expect(producer.publishedCount()).To(Equal(0))
	})

	It("treats malformed retry headers as a non-retriable decode failure", func() {
		handler := &scriptedHandler{results: []error{nil}}
		cfg := retry.NonBlockingRetryConfig([]time.Duration{time.Minute})
		h, err := retry.WithRetries(handler, cfg, sub, store, producer, clock, metrics)
		Expect(err).NotTo(HaveOccurred())

		record := primaryRecord()
		record.Headers = retry.Headers{
			{Key: retry.HeaderRetryAttempt, Value: []byte{0x01}},
		}

		Expect(h.Handle(context.Background(), record)).NotTo(HaveOccurred())
		Expect(handler.callCount()).To(Equal(0))
		Expect(metrics.names()).To(ContainElement(retry.EventNoRetryOnNonRetryableFailure))
	})

	It("exposes the shared Blocking State Store", func() {
		handler := &scriptedHandler{results: []error{nil}}
		cfg := retry.NonBlockingRetryConfig([]time.Duration{time.Minute})
		h, err := retry.WithRetries(handler, cfg, sub, store, producer, clock, metrics)
		Expect(err).NotTo(HaveOccurred())
		Expect(h.Store()).To(BeIdenticalTo(store))
	})

	It("rejects an invalid retry config", func() {
		handler := &scriptedHandler{results: []error{nil}}
		_, err := retry.WithRetries(handler, retry.NonBlockingRetryConfig(nil), sub, store, producer, clock, metrics)
		Expect(err).To(HaveOccurred())
	})

	It("opens a span per Handle call with topic/partition/offset attributes", func() {
		recorder := tracetest.NewSpanRecorder()
		provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
		previous := otel.GetTracerProvider()
		otel.SetTracerProvider(provider)
		defer otel.SetTracerProvider(previous)

		handler := &scriptedHandler{results: []error{nil}}
		cfg := retry.NonBlockingRetryConfig([]time.Duration{time.Minute})
		h, err := retry.WithRetries(handler, cfg, sub, store, producer, clock, metrics)
		Expect(err).NotTo(HaveOccurred())

		Expect(h.Handle(context.Background(), primaryRecord())).NotTo(HaveOccurred())

		spans := recorder.Ended()
		Expect(spans).To(HaveLen(1))
		Expect(spans[0].Name()).To(Equal("retry.handle"))

		var sawTopic, sawPartition, sawOffset bool
		for _, attr := range spans[0].Attributes() {
			switch string(attr.Key) {
			case "retry.topic":
				sawTopic = true
			case "retry.partition":
				sawPartition = true
			case "retry.offset":
				sawOffset = true
			}
		}
		Expect(sawTopic).To(BeTrue())
		Expect(sawPartition).To(BeTrue())
		Expect(sawOffset).To(BeTrue())
	})

	It("records blocking-loop transitions as events on the Handle span", func() {
		recorder := tracetest.NewSpanRecorder()
		provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
		previous := otel.GetTracerProvider()
		otel.SetTracerProvider(provider)
		defer otel.SetTracerProvider(previous)

		handler := &scriptedHandler{results: []error{retry.NewRetriableError(fmt.Errorf("boom")), nil}}
		cfg := retry.FiniteBlockingRetryConfig([]time.Duration{time.Second})
		h, err := retry.WithRetries(handler, cfg, sub, store, producer, clock, metrics)
		Expect(err).NotTo(HaveOccurred())

		done := make(chan error, 1)
		go func() { done <- h.Handle(context.Background(), primaryRecord()) }()

		advanceUntilCalled(clock, handler, 2)

		Eventually(done).Should(Receive(BeNil()))

		spans := recorder.Ended()
		Expect(spans).To(HaveLen(1))

		var eventNames []string
		for _, event := range spans[0].Events() {
			eventNames = append(eventNames, event.Name)
		}
		Expect(eventNames).To(ContainElement("blocking_retry.started"))
		Expect(eventNames).To(ContainElement("blocking_retry.succeeded"))
	})
})
