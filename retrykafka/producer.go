// Package retrykafka adapts github.com/segmentio/kafka-go to the ports
// the retry package declares: a multi-topic Producer for non-blocking
// republishing and a consume loop that feeds a wrapped Handler.
package retrykafka

import (
	"context"
	"crypto/tls"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/microservices-platform/retry-dispatcher/pkg/logging"
	"github.com/microservices-platform/retry-dispatcher/retry"
)

// ProducerConfig holds the Kafka writer configuration shared by every
// retry topic this producer may target. Topic isn't fixed here: the
// Non-Blocking Retry Producer picks a different topic per republish, so
// topic is a per-call argument to Produce instead.
type ProducerConfig struct {
	Brokers       []string
	BatchSize     int
	BatchTimeout  time.Duration
	MaxRetries    int
	RetryBackoff  time.Duration
	RequiredAcks  int
	Async         bool
	TLS           *tls.Config
	SASLMechanism string
	SASLUsername  string
	SASLPassword  string
}

// DefaultProducerConfig returns a ProducerConfig with sensible
// production defaults.
func DefaultProducerConfig(brokers []string) *ProducerConfig {
	return &ProducerConfig{
		Brokers:      brokers,
		BatchSize:    100,
		BatchTimeout: 1 * time.Second,
		MaxRetries:   5,
		RetryBackoff: 100 * time.Millisecond,
		RequiredAcks: 1,
		Async:        false,
	}
}

// Producer implements retry.Producer over a single kafka.Writer shared
// across every retry topic it is asked to publish to.
type Producer struct {
	writer *kafka.Writer
	config *ProducerConfig
	logger *logging.Logger
	mu     sync.RWMutex
	closed bool
}

// NewProducer creates a Producer from cfg.
func NewProducer(cfg *ProducerConfig, logger *logging.Logger) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Async:        cfg.Async,
		Compression:  kafka.Snappy,
	}
	if cfg.TLS != nil {
		writer.Transport = &kafka.Transport{TLS: cfg.TLS}
	}

	return &Producer{writer: writer, config: cfg, logger: logger}, nil
}

// Produce implements retry.Producer. partition is accepted for
// interface symmetry but, per kafka-go's Writer contract, the
// configured Balancer always chooses the destination partition for a
// produced message, so a caller-supplied partition hint has nothing to
// bind to here and is intentionally not honored.
func (p *Producer) Produce(ctx context.Context, topic string, key, value []byte, partition *int, headers retry.Headers) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return fmt.Errorf("producer is closed")
	}
	p.mu.RUnlock()

	msg := kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Headers: toKafkaHeaders(withCorrelationID(headers)),
		Time:    time.Now(),
	}
	return p.publishWithRetry(ctx, msg)
}

// withCorrelationID assigns a correlation id the first time a record is
// republished, then leaves it untouched on every later hop so an
// operator can grep one record's journey across retry topics in
// structured logs. It is not part of the normative retry header codec.
func withCorrelationID(h retry.Headers) retry.Headers {
	if _, ok := h.Get(retry.HeaderRetryCorrelationID); ok {
		return h
	}
	out := make(retry.Headers, len(h), len(h)+1)
	copy(out, h)
	return append(out, retry.Header{Key: retry.HeaderRetryCorrelationID, Value: []byte(uuid.NewString())})
}

func toKafkaHeaders(h retry.Headers) []kafka.Header {
	out := make([]kafka.Header, 0, len(h))
	for _, header := range h {
		out = append(out, kafka.Header{Key: header.Key, Value: header.Value})
	}
	return out
}

// publishWithRetry retries a failed write with exponential backoff: the
// underlying write either lands or it doesn't, and retrying here is
// about surviving transient broker/network hiccups, a concern entirely
// orthogonal to the retry dispatcher's own record-level retry policy.
func (p *Producer) publishWithRetry(ctx context.Context, msg kafka.Message) error {
	var lastErr error

	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := p.calculateBackoff(attempt)
			p.logger.Debug("retrying kafka publish",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.String("topic", msg.Topic),
			)
			select {
			case <-ctx.Done():
				return fmt.Errorf("context cancelled during retry: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		err := p.writer.WriteMessages(ctx, msg)
		if err == nil {
			if attempt > 0 {
				p.logger.Info("kafka publish succeeded after retry",
					zap.Int("attempts", attempt+1),
					zap.String("topic", msg.Topic),
				)
			}
			return nil
		}

		lastErr = err
		p.logger.Warn("kafka publish failed",
			zap.Error(err),
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", p.config.MaxRetries),
			zap.String("topic", msg.Topic),
		)
	}

	return fmt.Errorf("failed to publish message to %s after %d attempts: %w", msg.Topic, p.config.MaxRetries+1, lastErr)
}

func (p *Producer) calculateBackoff(attempt int) time.Duration {
	backoff := float64(p.config.RetryBackoff) * math.Pow(2, float64(attempt-1))
	maxBackoff := float64(30 * time.Second)
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return time.Duration(backoff)
}

// Close closes the underlying writer.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.writer.Close()
}

// Stats returns the underlying writer's statistics.
func (p *Producer) Stats() kafka.WriterStats {
	return p.writer.Stats()
}
