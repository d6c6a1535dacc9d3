// Package retrytopic implements the non-blocking retry-topic engine (spec
// §4.6, component C6): it computes the delay-per-hop chain
// main -> retry-N -> dlt, and drives the delayed-record handler that pauses
// a partition until a record's backoff deadline elapses.
//
// Header propagation and the "is it time yet" pause check are modeled on
// ordinarycompany-bulker's retry_consumer.go (isTimeToRetry, header
// round-tripping) from the retrieved corpus; see DESIGN.md.
package retrytopic

import (
	"strconv"
	"time"

	"github.com/mu-l/kafkalistener/kafkaiface"
)

// Header names, fixed per spec §6. The byte representation is
// client-agnostic; this module stores int64/int32 fields as base-10 ASCII,
// which round-trips identically regardless of which underlying Kafka client
// library serializes the header bytes to the wire.
const (
	HeaderOriginalTopic       = "spring.kafka.original-topic"
	HeaderOriginalPartition   = "spring.kafka.original-partition"
	HeaderOriginalOffset      = "spring.kafka.original-offset"
	HeaderOriginalTimestamp   = "spring.kafka.original-timestamp"
	HeaderAttempts            = "spring.kafka.attempts"
	HeaderExceptionFqcn       = "spring.kafka.exception-fqcn"
	HeaderExceptionStacktrace = "spring.kafka.exception-stacktrace"
	HeaderBackoffDeadline     = "spring.kafka.backoff-deadline"
)

// Attempt is the decoded retry metadata carried on a record's headers.
type Attempt struct {
	OriginalTopic        string
	OriginalPartition    int32
	OriginalOffset       int64
	OriginalTimestamp    time.Time
	Attempts             int32
	ExceptionFqcn        string
	ExceptionStacktrace  string
	BackoffDeadline      time.Time
}

func putInt64(r *kafkaiface.Record, key string, v int64) {
	r.SetHeader(key, []byte(strconv.FormatInt(v, 10)))
}

func putInt32(r *kafkaiface.Record, key string, v int32) {
	r.SetHeader(key, []byte(strconv.FormatInt(int64(v), 10)))
}

func getInt64(r *kafkaiface.Record, key string) (int64, bool) {
	v, ok := r.Header(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(string(v), 10, 64)
	return n, err == nil
}

func getInt32(r *kafkaiface.Record, key string) (int32, bool) {
	n, ok := getInt64(r, key)
	if !ok {
		return 0, false
	}
	return int32(n), true
}

// DecodeAttempt reads the retry headers off record, if present.
func DecodeAttempt(record *kafkaiface.Record) Attempt {
	a := Attempt{}
	if v, ok := record.Header(HeaderOriginalTopic); ok {
		a.OriginalTopic = string(v)
	} else {
		a.OriginalTopic = record.Topic
	}
	if v, ok := getInt32(record, HeaderOriginalPartition); ok {
		a.OriginalPartition = v
	} else {
		a.OriginalPartition = record.Partition
	}
	if v, ok := getInt64(record, HeaderOriginalOffset); ok {
		a.OriginalOffset = v
	} else {
		a.OriginalOffset = record.Offset
	}
	if v, ok := getInt64(record, HeaderOriginalTimestamp); ok {
		a.OriginalTimestamp = time.UnixMilli(v)
	} else {
		a.OriginalTimestamp = record.Timestamp
	}
	if v, ok := getInt32(record, HeaderAttempts); ok {
		a.Attempts = v
	}
	if v, ok := record.Header(HeaderExceptionFqcn); ok {
		a.ExceptionFqcn = string(v)
	}
	if v, ok := record.Header(HeaderExceptionStacktrace); ok {
		a.ExceptionStacktrace = string(v)
	}
	if v, ok := getInt64(record, HeaderBackoffDeadline); ok {
		a.BackoffDeadline = time.UnixMilli(v)
	}
	return a
}

// NextRecord builds the record to publish to the next hop of the chain:
// same key/value, with headers rewritten per spec §4.6 ("On listener
// failure, the pipeline re-routes to the next topic in the chain, setting
// headers: attempt (+1), originalTopic, originalPartition, originalOffset,
// originalTimestamp, exceptionStacktrace, exceptionFqcn").
func NextRecord(original *kafkaiface.Record, nextTopic string, attempt int32, deadline time.Time, exceptionFqcn, stacktrace string) *kafkaiface.Record {
	prior := DecodeAttempt(original)

	out := &kafkaiface.Record{
		Topic:     nextTopic,
		Key:       original.Key,
		Value:     original.Value,
		Timestamp: time.Now(),
	}
	putInt64(out, HeaderOriginalTimestamp, prior.OriginalTimestamp.UnixMilli())
	out.SetHeader(HeaderOriginalTopic, []byte(prior.OriginalTopic))
	putInt32(out, HeaderOriginalPartition, prior.OriginalPartition)
	putInt64(out, HeaderOriginalOffset, prior.OriginalOffset)
	out.SetHeader(HeaderAttempts, []byte(strconv.FormatInt(int64(attempt), 10)))
	out.SetHeader(HeaderExceptionFqcn, []byte(exceptionFqcn))
	out.SetHeader(HeaderExceptionStacktrace, []byte(stacktrace))
	if !deadline.IsZero() {
		putInt64(out, HeaderBackoffDeadline, deadline.UnixMilli())
	}
	return out
}
