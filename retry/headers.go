package retry

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/microservices-platform/retry-dispatcher/pkg/apperr"
)

// Wire header names carried on every retry-topic record.
const (
	HeaderRetryAttempt     = "retry-attempt"
	HeaderRetrySubmittedAt = "retry-submitted-at"
	HeaderRetryBackoff     = "retry-backoff"

	// HeaderRetryCorrelationID is not part of the normative codec: it is
	// a non-blocking-republish debug aid so an operator can grep one
	// record's journey across retry hops in structured logs.
	HeaderRetryCorrelationID = "retry-correlation-id"
)

// RetryHeaders is the decoded form of the three scheduling headers a
// retry-topic record carries.
type RetryHeaders struct {
	Attempt     int32
	SubmittedAt time.Time
	Backoff     time.Duration
}

// DeadlineAt returns the instant at or after which the record may be
// handed to the user handler.
func (h RetryHeaders) DeadlineAt() time.Time {
	return h.SubmittedAt.Add(h.Backoff)
}

// EncodeHeaders appends retry-attempt, retry-submitted-at and
// retry-backoff to base, overwriting any pre-existing headers with those
// names. retry-submitted-at is encoded as an 8-byte
// big-endian integer of milliseconds since the Unix epoch: the codec
// already needs fixed-width binary integers for the other two fields, so
// a single numeric format avoids a second parser and any timezone
// ambiguity an ISO-8601 string would introduce.
func EncodeHeaders(base Headers, attempt int32, submittedAt time.Time, backoff time.Duration) Headers {
	out := base.Without(HeaderRetryAttempt).
		Without(HeaderRetrySubmittedAt).
		Without(HeaderRetryBackoff)

	attemptBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(attemptBytes, uint32(attempt))

	submittedBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(submittedBytes, uint64(submittedAt.UnixMilli()))

	backoffBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(backoffBytes, uint64(backoff.Milliseconds()))

	out = append(out,
		Header{Key: HeaderRetryAttempt, Value: attemptBytes},
		Header{Key: HeaderRetrySubmittedAt, Value: submittedBytes},
		Header{Key: HeaderRetryBackoff, Value: backoffBytes},
	)
	return out
}

// DecodeHeaders decodes the three retry headers from h. Absence of all
// three headers is not an error: it means "not a retry record", and ok
// is returned false with a zero RetryHeaders. Any header present but
// malformed (wrong length) is a decode failure, which callers must treat
// as NonRetriable.
func DecodeHeaders(h Headers) (headers RetryHeaders, ok bool, err error) {
	attemptRaw, hasAttempt := h.Get(HeaderRetryAttempt)
	submittedRaw, hasSubmitted := h.Get(HeaderRetrySubmittedAt)
	backoffRaw, hasBackoff := h.Get(HeaderRetryBackoff)

	if !hasAttempt && !hasSubmitted && !hasBackoff {
		return RetryHeaders{}, false, nil
	}

	if len(attemptRaw) != 4 {
		cause := fmt.Errorf("%s: expected 4 bytes, got %d", HeaderRetryAttempt, len(attemptRaw))
		return RetryHeaders{}, true, apperr.ErrHeaderDecode(cause, "malformed retry header")
	}
	if len(submittedRaw) != 8 {
		cause := fmt.Errorf("%s: expected 8 bytes, got %d", HeaderRetrySubmittedAt, len(submittedRaw))
		return RetryHeaders{}, true, apperr.ErrHeaderDecode(cause, "malformed retry header")
	}
	if len(backoffRaw) != 8 {
		cause := fmt.Errorf("%s: expected 8 bytes, got %d", HeaderRetryBackoff, len(backoffRaw))
		return RetryHeaders{}, true, apperr.ErrHeaderDecode(cause, "malformed retry header")
	}

	attempt := int32(binary.BigEndian.Uint32(attemptRaw))
	submittedMillis := int64(binary.BigEndian.Uint64(submittedRaw))
	backoffMillis := int64(binary.BigEndian.Uint64(backoffRaw))

	return RetryHeaders{
		Attempt:     attempt,
		SubmittedAt: time.UnixMilli(submittedMillis).UTC(),
		Backoff:     time.Duration(backoffMillis) * time.Millisecond,
	}, true, nil
}
