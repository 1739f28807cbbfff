package retrykafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/microservices-platform/retry-dispatcher/pkg/logging"
	"github.com/microservices-platform/retry-dispatcher/retry"
)

// ConsumerConfig holds the kafka.Reader configuration shared by every
// topic a Group subscribes to.
type ConsumerConfig struct {
	Brokers        []string
	MinBytes       int
	MaxBytes       int
	MaxWait        time.Duration
	StartOffset    int64
	CommitInterval time.Duration
}

// DefaultConsumerConfig returns a ConsumerConfig with sensible
// production defaults.
func DefaultConsumerConfig(brokers []string) *ConsumerConfig {
	return &ConsumerConfig{
		Brokers:        brokers,
		MinBytes:       10e3,
		MaxBytes:       10e6,
		MaxWait:        3 * time.Second,
		StartOffset:    kafka.LastOffset,
		CommitInterval: 1 * time.Second,
	}
}

// RetryTopics lists every topic a Group must subscribe to so that both
// primary deliveries and every non-blocking hop reach the same wrapped
// handler: the primary topic plus one retry topic per entry in config's
// non-blocking backoff sequence, named per Subscription.RetryTopicName. A
// blocking-only config (no non-blocking sequence) returns just the
// primary topic, since blocking retries never leave the partition.
func RetryTopics(config retry.RetryConfig, sub retry.Subscription) []string {
	topics := []string{sub.Topic}
	for attempt := 0; attempt < config.NonBlockingAttemptCount(); attempt++ {
		topics = append(topics, sub.RetryTopicName(int32(attempt)))
	}
	return topics
}

// Group runs one kafka.Reader per topic RetryTopics names, each feeding
// the same wrapped Handler, and coordinates their shutdown through a
// shared stop channel and wait group.
type Group struct {
	config  *ConsumerConfig
	handler *retry.Handler
	logger  *logging.Logger

	mu       sync.Mutex
	readers  []*kafka.Reader
	running  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
	lastErrs []error
}

// NewGroup creates a Group. topics is normally the result of
// RetryTopics.
func NewGroup(cfg *ConsumerConfig, groupID string, topics []string, handler *retry.Handler, logger *logging.Logger) (*Group, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("at least one topic is required")
	}

	readers := make([]*kafka.Reader, 0, len(topics))
	for _, topic := range topics {
		readers = append(readers, kafka.NewReader(kafka.ReaderConfig{
			Brokers:        cfg.Brokers,
			Topic:          topic,
			GroupID:        groupID,
			MinBytes:       cfg.MinBytes,
			MaxBytes:       cfg.MaxBytes,
			MaxWait:        cfg.MaxWait,
			StartOffset:    cfg.StartOffset,
			CommitInterval: cfg.CommitInterval,
		}))
	}

	return &Group{config: cfg, handler: handler, logger: logger, readers: readers}, nil
}

// Start launches one consume loop per reader.
func (g *Group) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return nil
	}
	g.running = true
	g.stopCh = make(chan struct{})
	g.mu.Unlock()

	for _, reader := range g.readers {
		g.wg.Add(1)
		go g.consume(ctx, reader)
	}
	return nil
}

// Stop signals every consume loop to exit and waits for them, then
// closes every reader.
func (g *Group) Stop() error {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return nil
	}
	g.running = false
	close(g.stopCh)
	g.mu.Unlock()

	g.wg.Wait()

	var firstErr error
	for _, reader := range g.readers {
		if err := reader.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// consume runs the fetch -> handle -> commit loop for one reader. A
// handler failure is never committed: offset commits and any resulting
// reprocessing are the consumer's responsibility, not this dispatcher's.
func (g *Group) consume(ctx context.Context, reader *kafka.Reader) {
	defer g.wg.Done()
	topic := reader.Config().Topic

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stopCh:
			return
		default:
		}

		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			g.logger.Error("failed to fetch kafka message", zap.Error(err), zap.String("topic", topic))
			continue
		}

		record := retry.Record{
			Topic:     msg.Topic,
			Partition: msg.Partition,
			Offset:    msg.Offset,
			Key:       msg.Key,
			Value:     msg.Value,
			Headers:   fromKafkaHeaders(msg.Headers),
		}

		if err := g.handler.Handle(ctx, record); err != nil {
			g.logger.Error("retry handler returned an error",
				zap.Error(err),
				zap.String("topic", topic),
				zap.Int64("offset", msg.Offset),
			)
			continue
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			g.logger.Error("failed to commit kafka message",
				zap.Error(err),
				zap.String("topic", topic),
				zap.Int64("offset", msg.Offset),
			)
		}
	}
}

func fromKafkaHeaders(h []kafka.Header) retry.Headers {
	out := make(retry.Headers, 0, len(h))
	for _, header := range h {
		out = append(out, retry.Header{Key: header.Key, Value: header.Value})
	}
	return out
}
