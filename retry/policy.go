package retry

import (
	"fmt"
	"time"

	"github.com/microservices-platform/retry-dispatcher/pkg/validation"
)

// RetryConfigKind tags the four recognized RetryConfig shapes.
type RetryConfigKind int

const (
	// NonBlockingRetryKind republishes to the next retry topic on every
	// failure, per a fixed backoff sequence; after the last entry, fails
	// terminally.
	NonBlockingRetryKind RetryConfigKind = iota
	// FiniteBlockingRetryKind retries in place, one attempt per
	// configured duration; after exhaustion, marks the partition
	// Blocking and surfaces failure.
	FiniteBlockingRetryKind
	// InfiniteBlockingRetryKind retries in place forever at a fixed
	// cadence until success or an operator override.
	InfiniteBlockingRetryKind
	// BlockingFollowedByNonBlockingKind exhausts a blocking schedule
	// first, then switches to non-blocking republishing at attempt 0.
	BlockingFollowedByNonBlockingKind
)

// RetryConfig is one of the four recognized configuration shapes.
// Construct one with the matching constructor rather than the struct
// literal; the zero value is not meaningful.
type RetryConfig struct {
	Kind               RetryConfigKind
	BlockingBackoff    []time.Duration `validate:"omitempty,dive,gt=0"`
	NonBlockingBackoff []time.Duration `validate:"omitempty,dive,gt=0"`
}

// NonBlockingRetryConfig builds a NonBlockingRetry config from its
// backoff sequence.
func NonBlockingRetryConfig(backoff []time.Duration) RetryConfig {
	return RetryConfig{Kind: NonBlockingRetryKind, NonBlockingBackoff: backoff}
}

// FiniteBlockingRetryConfig builds a FiniteBlockingRetry config.
func FiniteBlockingRetryConfig(backoff []time.Duration) RetryConfig {
	return RetryConfig{Kind: FiniteBlockingRetryKind, BlockingBackoff: backoff}
}

// InfiniteBlockingRetryConfig builds an InfiniteBlockingRetry config
// from its single fixed cadence.
func InfiniteBlockingRetryConfig(cadence time.Duration) RetryConfig {
	return RetryConfig{Kind: InfiniteBlockingRetryKind, BlockingBackoff: []time.Duration{cadence}}
}

// BlockingFollowedByNonBlockingConfig builds a config that exhausts
// blocking attempts first, then switches to non-blocking republishing.
func BlockingFollowedByNonBlockingConfig(blocking, nonBlocking []time.Duration) RetryConfig {
	return RetryConfig{Kind: BlockingFollowedByNonBlockingKind, BlockingBackoff: blocking, NonBlockingBackoff: nonBlocking}
}

// Validate checks that the config's backoff sequences are non-empty and
// positive for the shapes that require them. Element positivity is
// delegated to pkg/validation's struct-tag validator (the `dive,gt=0`
// tags on BlockingBackoff/NonBlockingBackoff); which sequences must be
// non-empty depends on Kind, which no generic struct tag can express,
// so that part is checked by hand.
func (c RetryConfig) Validate() error {
	if err := validation.Validate(c); err != nil {
		return err
	}

	switch c.Kind {
	case NonBlockingRetryKind:
		if len(c.NonBlockingBackoff) == 0 {
			return fmt.Errorf("non-blocking retry config requires at least one backoff duration")
		}
	case FiniteBlockingRetryKind:
		if len(c.BlockingBackoff) == 0 {
			return fmt.Errorf("finite blocking retry config requires at least one backoff duration")
		}
	case InfiniteBlockingRetryKind:
		if len(c.BlockingBackoff) != 1 {
			return fmt.Errorf("infinite blocking retry config requires exactly one cadence duration")
		}
	case BlockingFollowedByNonBlockingKind:
		if len(c.BlockingBackoff) == 0 || len(c.NonBlockingBackoff) == 0 {
			return fmt.Errorf("blocking-then-non-blocking config requires both backoff sequences")
		}
	default:
		return fmt.Errorf("unrecognized retry config kind %d", c.Kind)
	}
	return nil
}

// NonBlockingAttemptCount returns how many entries this config's
// non-blocking backoff sequence has (zero for a purely blocking
// config). Used to enumerate the retry topics a subscription needs.
func (c RetryConfig) NonBlockingAttemptCount() int {
	return len(c.NonBlockingBackoff)
}

// isBlocking reports whether the first attempt on a primary-topic
// failure should be a blocking retry.
func (c RetryConfig) isBlocking() bool {
	return c.Kind == FiniteBlockingRetryKind || c.Kind == InfiniteBlockingRetryKind || c.Kind == BlockingFollowedByNonBlockingKind
}

// blockingBackoffAt returns the blocking backoff for attempt index i
// (0-based) and whether the sequence has one. InfiniteBlockingRetry
// never exhausts: every index maps to its single cadence.
func (c RetryConfig) blockingBackoffAt(i int) (time.Duration, bool) {
	if c.Kind == InfiniteBlockingRetryKind {
		return c.BlockingBackoff[0], true
	}
	if i < 0 || i >= len(c.BlockingBackoff) {
		return 0, false
	}
	return c.BlockingBackoff[i], true
}

// nonBlockingBackoffAt returns the non-blocking backoff for attempt
// index i (0-based) and whether the sequence has one.
func (c RetryConfig) nonBlockingBackoffAt(i int) (time.Duration, bool) {
	if i < 0 || i >= len(c.NonBlockingBackoff) {
		return 0, false
	}
	return c.NonBlockingBackoff[i], true
}

// Subscription names the primary topic and consumer group a wrapped
// handler is registered against. It is a separate argument from
// RetryConfig in withRetries because the retry-topic naming contract
// needs both the topic and the group, independent of which RetryConfig
// shape is active.
type Subscription struct {
	Topic         string
	ConsumerGroup string
}

// RetryTopicName renders the contractual retry-topic name for attempt:
// <original-topic>-<consumer-group>-retry-<attempt>.
func (s Subscription) RetryTopicName(attempt int32) string {
	return fmt.Sprintf("%s-%s-retry-%d", s.Topic, s.ConsumerGroup, attempt)
}

// ActionKind tags the four actions the Retry Policy can produce.
type ActionKind int

const (
	// ActionRunUserHandler proceeds straight to the user handler.
	ActionRunUserHandler ActionKind = iota
	// ActionBlockingRetry enters the Blocking Retry Loop.
	ActionBlockingRetry
	// ActionNonBlockingRepublish hands off to the Non-Blocking Retry
	// Producer.
	ActionNonBlockingRepublish
	// ActionTerminalGiveUp surfaces the failure to the caller.
	ActionTerminalGiveUp
)

// Action is the Retry Policy's output for a given record and failure.
type Action struct {
	Kind       ActionKind
	Backoff    time.Duration
	Attempt    int32
	RetryTopic string
}

// Policy classifies incoming records and failures against a RetryConfig
// and Subscription, producing the next retry action.
type Policy struct {
	config       RetryConfig
	subscription Subscription
}

// NewPolicy builds a Policy, validating config first.
func NewPolicy(config RetryConfig, subscription Subscription) (*Policy, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Policy{config: config, subscription: subscription}, nil
}

// Config returns the policy's RetryConfig.
func (p *Policy) Config() RetryConfig { return p.config }

// Subscription returns the policy's Subscription.
func (p *Policy) Subscription() Subscription { return p.subscription }

// FirstAction computes the action to take on the first Retriable
// failure of a primary-topic record.
func (p *Policy) FirstAction() Action {
	if p.config.isBlocking() {
		backoff, _ := p.config.blockingBackoffAt(0)
		return Action{Kind: ActionBlockingRetry, Backoff: backoff, Attempt: 0}
	}
	backoff, _ := p.config.nonBlockingBackoffAt(0)
	return Action{
		Kind:       ActionNonBlockingRepublish,
		Backoff:    backoff,
		Attempt:    0,
		RetryTopic: p.subscription.RetryTopicName(0),
	}
}

// NextNonBlockingAction computes the action after a Retriable failure
// on a retry-topic record already at prevAttempt.
func (p *Policy) NextNonBlockingAction(prevAttempt int32) Action {
	nextAttempt := prevAttempt + 1
	backoff, ok := p.config.nonBlockingBackoffAt(int(nextAttempt))
	if !ok {
		return Action{Kind: ActionTerminalGiveUp}
	}
	return Action{
		Kind:       ActionNonBlockingRepublish,
		Backoff:    backoff,
		Attempt:    nextAttempt,
		RetryTopic: p.subscription.RetryTopicName(nextAttempt),
	}
}

// FirstNonBlockingAction computes the action a BlockingFollowedByNonBlocking
// config takes once its blocking schedule is exhausted: attempt 0 of the
// non-blocking sequence, resetting the attempt counter back to zero.
func (p *Policy) FirstNonBlockingAction() Action {
	backoff, ok := p.config.nonBlockingBackoffAt(0)
	if !ok {
		return Action{Kind: ActionTerminalGiveUp}
	}
	return Action{
		Kind:       ActionNonBlockingRepublish,
		Backoff:    backoff,
		Attempt:    0,
		RetryTopic: p.subscription.RetryTopicName(0),
	}
}

// BlockingBackoffAt returns the blocking backoff for attempt index i and
// whether the blocking schedule extends that far.
func (p *Policy) BlockingBackoffAt(i int) (time.Duration, bool) {
	return p.config.blockingBackoffAt(i)
}

// IsBlockingFollowedByNonBlocking reports whether, on exhaustion of the
// blocking schedule, the loop should hand off to non-blocking
// republishing rather than give up.
func (p *Policy) IsBlockingFollowedByNonBlocking() bool {
	return p.config.Kind == BlockingFollowedByNonBlockingKind
}
