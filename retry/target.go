package retry

import "fmt"

// TargetScope distinguishes the two shapes a BlockingTarget can take.
type TargetScope int

const (
	// TopicScope targets every partition of a topic.
	TopicScope TargetScope = iota
	// TopicPartitionScope targets a single partition of a topic.
	TopicPartitionScope
)

// BlockingTarget is the key space of the Blocking State Store: either a
// whole-topic override or a single-partition override. Construct one
// with TopicTarget or TopicPartitionTarget.
type BlockingTarget struct {
	Scope     TargetScope
	Topic     string
	Partition int
}

// TopicTarget builds a whole-topic BlockingTarget.
func TopicTarget(topic string) BlockingTarget {
	return BlockingTarget{Scope: TopicScope, Topic: topic}
}

// TopicPartitionTarget builds a single-partition BlockingTarget.
func TopicPartitionTarget(tp TopicPartition) BlockingTarget {
	return BlockingTarget{Scope: TopicPartitionScope, Topic: tp.Topic, Partition: tp.Partition}
}

// String renders the target for logs and the operator control surface.
func (t BlockingTarget) String() string {
	if t.Scope == TopicPartitionScope {
		return fmt.Sprintf("%s/%d", t.Topic, t.Partition)
	}
	return t.Topic
}

// targetsFor returns the two BlockingTargets the Blocking Retry Loop must
// consult for a given partition: the narrow TopicPartitionTarget first,
// then the broader TopicTarget. Narrower scope is checked first so a
// partition-level override always takes precedence over a topic-wide one.
func targetsFor(tp TopicPartition) (partitionTarget, topicTarget BlockingTarget) {
	return TopicPartitionTarget(tp), TopicTarget(tp.Topic)
}
