package retrytopic

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mu-l/kafkalistener/kafkaiface"
)

func TestDecodeAttempt_DefaultsFromRecordWhenNoHeaders(t *testing.T) {
	ts := time.Now().Truncate(time.Millisecond)
	rec := &kafkaiface.Record{Topic: "orders", Partition: 2, Offset: 42, Timestamp: ts}

	a := DecodeAttempt(rec)
	assert.Equal(t, "orders", a.OriginalTopic)
	assert.Equal(t, int32(2), a.OriginalPartition)
	assert.Equal(t, int64(42), a.OriginalOffset)
	assert.True(t, a.OriginalTimestamp.Equal(ts))
	assert.Equal(t, int32(0), a.Attempts)
	assert.True(t, a.BackoffDeadline.IsZero())
}

func TestNextRecord_PropagatesOriginalAndIncrementsAttempt(t *testing.T) {
	ts := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	original := &kafkaiface.Record{Topic: "orders", Partition: 1, Offset: 7, Key: []byte("k"), Value: []byte("v"), Timestamp: ts}

	deadline := time.Now().Add(30 * time.Second).Truncate(time.Millisecond)
	next := NextRecord(original, "orders-retry-1", 1, deadline, "TransientBrokerError", "boom")

	require.Equal(t, "orders-retry-1", next.Topic)
	assert.Equal(t, []byte("k"), next.Key)
	assert.Equal(t, []byte("v"), next.Value)

	a := DecodeAttempt(next)
	assert.Equal(t, "orders", a.OriginalTopic)
	assert.Equal(t, int32(1), a.OriginalPartition)
	assert.Equal(t, int64(7), a.OriginalOffset)
	assert.True(t, a.OriginalTimestamp.Equal(ts))
	assert.Equal(t, int32(1), a.Attempts)
	assert.Equal(t, "TransientBrokerError", a.ExceptionFqcn)
	assert.Equal(t, "boom", a.ExceptionStacktrace)
	assert.True(t, a.BackoffDeadline.Equal(deadline))
}

func TestNextRecord_ChainsThroughMultipleHops(t *testing.T) {
	original := &kafkaiface.Record{Topic: "orders", Partition: 0, Offset: 1}

	hop1 := NextRecord(original, "orders-retry-1", 1, time.Time{}, "err1", "")
	hop2 := NextRecord(hop1, "orders-retry-2", 2, time.Time{}, "err2", "")

	a := DecodeAttempt(hop2)
	assert.Equal(t, "orders", a.OriginalTopic, "original topic survives multiple hops")
	assert.Equal(t, int32(0), a.OriginalPartition)
	assert.Equal(t, int64(1), a.OriginalOffset)
	assert.Equal(t, int32(2), a.Attempts)
}
