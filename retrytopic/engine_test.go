package retrytopic

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mu-l/kafkalistener/kafkaiface"
)

type recordingPublisher struct {
	mu       sync.Mutex
	topics   []string
	records  []*kafkaiface.Record
	failNext bool
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, record *kafkaiface.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext {
		p.failNext = false
		return assert.AnError
	}
	p.topics = append(p.topics, topic)
	p.records = append(p.records, record)
	return nil
}

func TestRouter_Route_FirstFailureGoesToFirstRetryHop(t *testing.T) {
	chain := Build(ChainSpec{MainTopic: "orders", Backoff: FixedBackoff(time.Second), MaxAttempts: 2, DltStrategy: kafkaiface.DltFailOnError})
	pub := &recordingPublisher{}
	router := &Router{Chain: chain, Publisher: pub}

	rec := &kafkaiface.Record{Topic: "orders", Partition: 0, Offset: 5}
	err := router.Route(context.Background(), rec, kafkaiface.ErrorKindListener)
	require.NoError(t, err)

	require.Len(t, pub.topics, 1)
	assert.Equal(t, "orders-retry-1000", pub.topics[0])
}

func TestRouter_Route_ExhaustedGoesToDlt(t *testing.T) {
	chain := Build(ChainSpec{MainTopic: "orders", Backoff: FixedBackoff(time.Millisecond), MaxAttempts: 1, DltStrategy: kafkaiface.DltFailOnError})
	pub := &recordingPublisher{}
	router := &Router{Chain: chain, Publisher: pub}

	rec := &kafkaiface.Record{Topic: "orders-retry-1", Partition: 0, Offset: 5}
	rec.SetHeader(HeaderAttempts, []byte("1"))
	rec.SetHeader(HeaderOriginalTopic, []byte("orders"))

	err := router.Route(context.Background(), rec, kafkaiface.ErrorKindListener)
	require.NoError(t, err)
	require.Len(t, pub.topics, 1)
	assert.Equal(t, "orders-dlt", pub.topics[0])
}

func TestRouter_Route_DltNoneDropsSilently(t *testing.T) {
	chain := Build(ChainSpec{MainTopic: "orders", Backoff: FixedBackoff(time.Millisecond), MaxAttempts: 0, DltStrategy: kafkaiface.DltNone})
	pub := &recordingPublisher{}
	router := &Router{Chain: chain, Publisher: pub}

	rec := &kafkaiface.Record{Topic: "orders", Partition: 0, Offset: 5}
	err := router.Route(context.Background(), rec, kafkaiface.ErrorKindListener)
	require.NoError(t, err)
	assert.Empty(t, pub.topics)
}

type fakePauseResumer struct {
	mu     sync.Mutex
	paused map[kafkaiface.TopicPartition]bool
}

func newFakePauseResumer() *fakePauseResumer {
	return &fakePauseResumer{paused: make(map[kafkaiface.TopicPartition]bool)}
}

func (f *fakePauseResumer) Pause(tps []kafkaiface.TopicPartition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tp := range tps {
		f.paused[tp] = true
	}
}

func (f *fakePauseResumer) Resume(tps []kafkaiface.TopicPartition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tp := range tps {
		delete(f.paused, tp)
	}
}

func (f *fakePauseResumer) isPaused(tp kafkaiface.TopicPartition) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused[tp]
}

func TestDelayedRecordHandler_PausesUntilDeadline(t *testing.T) {
	consumer := newFakePauseResumer()
	h := NewDelayedRecordHandler(consumer, nil)

	tp := kafkaiface.TopicPartition{Topic: "orders-retry-1", Partition: 0}
	rec := &kafkaiface.Record{Topic: tp.Topic, Partition: tp.Partition, Offset: 1}
	rec.SetHeader(HeaderBackoffDeadline, []byte("9999999999999")) // far future

	assert.False(t, h.Admit(rec))
	assert.True(t, consumer.isPaused(tp))

	h.ResumeElapsed(time.Now())
	assert.True(t, consumer.isPaused(tp), "deadline has not elapsed yet")
}

func TestDelayedRecordHandler_AdmitsReadyRecord(t *testing.T) {
	consumer := newFakePauseResumer()
	h := NewDelayedRecordHandler(consumer, nil)

	rec := &kafkaiface.Record{Topic: "orders-retry-1", Partition: 0, Offset: 1}
	pastDeadline := time.Now().Add(-time.Second)
	rec.SetHeader(HeaderBackoffDeadline, []byte(formatMillis(pastDeadline)))

	assert.True(t, h.Admit(rec))
}

func TestDelayedRecordHandler_ResumeElapsedResumesPastDeadline(t *testing.T) {
	consumer := newFakePauseResumer()
	h := NewDelayedRecordHandler(consumer, nil)

	tp := kafkaiface.TopicPartition{Topic: "orders-retry-1", Partition: 0}
	deadline := time.Now().Add(50 * time.Millisecond)
	rec := &kafkaiface.Record{Topic: tp.Topic, Partition: tp.Partition, Offset: 1}
	rec.SetHeader(HeaderBackoffDeadline, []byte(formatMillis(deadline)))

	require.False(t, h.Admit(rec))
	require.True(t, consumer.isPaused(tp))

	h.ResumeElapsed(deadline.Add(time.Millisecond))
	assert.False(t, consumer.isPaused(tp))
}

func formatMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
