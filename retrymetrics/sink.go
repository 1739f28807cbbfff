// Package retrymetrics is a Prometheus-backed retry.MetricsSink with one
// counter per dispatcher event this module's core reports.
package retrymetrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/microservices-platform/retry-dispatcher/retry"
)

// Sink implements retry.MetricsSink over a dedicated Prometheus
// registry, one counter per topic/event-name pair.
type Sink struct {
	component string
	registry  *prometheus.Registry

	eventsTotal        *prometheus.CounterVec
	blockingFailures   *prometheus.CounterVec
	ignoredOnce        *prometheus.CounterVec
	ignoredAll         *prometheus.CounterVec
	nonRetriable       *prometheus.CounterVec
	nonBlockingReplays *prometheus.CounterVec
}

// New creates a Sink labeled with component (the dispatcher's service
// name, applied as a ConstLabel on every counter).
func New(component string) *Sink {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	constLabels := prometheus.Labels{"component": component}
	labelNames := []string{"topic", "partition"}

	s := &Sink{
		component: component,
		registry:  registry,
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "retry_dispatcher_events_total",
			Help:        "Total number of retry dispatcher events, by event name.",
			ConstLabels: constLabels,
		}, []string{"event", "topic", "partition"}),
		blockingFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "retry_dispatcher_blocking_retry_failures_total",
			Help:        "Blocking retry handler invocations that failed.",
			ConstLabels: constLabels,
		}, labelNames),
		ignoredOnce: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "retry_dispatcher_blocking_ignored_once_total",
			Help:        "Blocking retries skipped once by operator override.",
			ConstLabels: constLabels,
		}, labelNames),
		ignoredAll: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "retry_dispatcher_blocking_ignored_all_total",
			Help:        "Blocking retries skipped under a durable operator override.",
			ConstLabels: constLabels,
		}, labelNames),
		nonRetriable: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "retry_dispatcher_non_retriable_total",
			Help:        "Handler invocations that failed non-retriably.",
			ConstLabels: constLabels,
		}, labelNames),
		nonBlockingReplays: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "retry_dispatcher_non_blocking_republished_total",
			Help:        "Records republished to a non-blocking retry topic.",
			ConstLabels: constLabels,
		}, labelNames),
	}

	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return s
}

// Handler exposes the sink's registry over HTTP for Prometheus scraping.
func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Report implements retry.MetricsSink.
func (s *Sink) Report(event retry.MetricEvent) {
	partition := strconv.Itoa(event.TopicPartition.Partition)
	s.eventsTotal.WithLabelValues(event.Name, event.TopicPartition.Topic, partition).Inc()

	switch event.Name {
	case retry.EventBlockingRetryHandlerInvocationFailed:
		s.blockingFailures.WithLabelValues(event.TopicPartition.Topic, partition).Inc()
	case retry.EventBlockingIgnoredOnceFor:
		s.ignoredOnce.WithLabelValues(event.TopicPartition.Topic, partition).Inc()
	case retry.EventBlockingIgnoredForAllFor:
		s.ignoredAll.WithLabelValues(event.TopicPartition.Topic, partition).Inc()
	case retry.EventNoRetryOnNonRetryableFailure:
		s.nonRetriable.WithLabelValues(event.TopicPartition.Topic, partition).Inc()
	case retry.EventNonBlockingRepublished:
		s.nonBlockingReplays.WithLabelValues(event.TopicPartition.Topic, partition).Inc()
	}
}
