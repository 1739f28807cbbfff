// Package retry implements the retry-dispatcher core of a Kafka consumer
// library: it wraps a user-supplied record handler with a policy that,
// on failure, either retries the record in place on the partition
// (blocking) or republishes it to a scheduled retry topic
// (non-blocking), plus an operator control surface that can ignore a
// single pending blocking retry or all of them for a topic or partition.
package retry

// Header is a single record header: an ordered string-to-bytes mapping
// entry. Order is preserved because Kafka headers are an ordered list,
// not a map, and later entries with the same key shadow earlier ones.
type Header struct {
	Key   string
	Value []byte
}

// Headers is an ordered list of record headers.
type Headers []Header

// Get returns the value of the last header with the given key, and
// whether it was present.
func (h Headers) Get(key string) ([]byte, bool) {
	var value []byte
	found := false
	for _, header := range h {
		if header.Key == key {
			value = header.Value
			found = true
		}
	}
	return value, found
}

// Without returns a copy of h with every header named key removed.
func (h Headers) Without(key string) Headers {
	out := make(Headers, 0, len(h))
	for _, header := range h {
		if header.Key != key {
			out = append(out, header)
		}
	}
	return out
}

// TopicPartition identifies a partition of a topic. It is the natural
// key for per-partition state such as a pending blocking retry.
type TopicPartition struct {
	Topic     string
	Partition int
}

// Record is the core's view of a consumed Kafka record. It is opaque to
// this package beyond the fields below; offset management, serialization
// of the value, and everything else about how the record reached the
// dispatcher belongs to the external consumer (see ports.go).
type Record struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   Headers
}

// TopicPartition returns the (topic, partition) pair this record was
// read from.
func (r Record) TopicPartition() TopicPartition {
	return TopicPartition{Topic: r.Topic, Partition: r.Partition}
}
