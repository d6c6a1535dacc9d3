// Package kafkafake is an in-memory Consumer/Producer/factory double used by
// listener/retrytopic/producer tests, channel-free and synchronous by
// design: a fake Poll returns whatever is appendable right now rather than
// blocking on a channel, since tests drive it deterministically one step at
// a time (append records, call Poll, assert). The partition-log/committed-
// offset split mirrors the real broker model aws/go-kafka-event-source's
// partitionWorker is written against (partitionInput/stopSignal naming,
// _examples/ssorren-go-kafka-event-source/streams/partition_worker.go).
package kafkafake

import (
	"sync"

	"github.com/mu-l/kafkalistener/kafkaiface"
)

// Broker is a shared in-memory log, visible to every fake Consumer/Producer
// built against it, so producer-written records are immediately pollable by
// a consumer in the same test.
type Broker struct {
	mu         sync.Mutex
	partitions map[string]int32 // topic -> partition count
	logs       map[kafkaiface.TopicPartition][]*kafkaiface.Record
	committed  map[string]map[kafkaiface.TopicPartition]kafkaiface.OffsetAndMetadata // groupID -> tp -> offset
	paused     map[kafkaiface.TopicPartition]bool
}

// NewBroker builds an empty Broker.
func NewBroker() *Broker {
	return &Broker{
		partitions: make(map[string]int32),
		logs:       make(map[kafkaiface.TopicPartition][]*kafkaiface.Record),
		committed:  make(map[string]map[kafkaiface.TopicPartition]kafkaiface.OffsetAndMetadata),
		paused:     make(map[kafkaiface.TopicPartition]bool),
	}
}

// CreateTopic registers topic with the given partition count. Tests must
// call this before subscribing/assigning, mirroring real cluster topology
// the module itself never creates (spec §1).
func (b *Broker) CreateTopic(topic string, numPartitions int32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.partitions[topic] = numPartitions
	for p := int32(0); p < numPartitions; p++ {
		tp := kafkaiface.TopicPartition{Topic: topic, Partition: p}
		if _, ok := b.logs[tp]; !ok {
			b.logs[tp] = nil
		}
	}
}

// Partitions reports every partition of topic, in order.
func (b *Broker) Partitions(topic string) []kafkaiface.TopicPartition {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.partitions[topic]
	out := make([]kafkaiface.TopicPartition, n)
	for p := int32(0); p < n; p++ {
		out[p] = kafkaiface.TopicPartition{Topic: topic, Partition: p}
	}
	return out
}

// Append adds r to tp's log, assigning the next offset, and returns it.
func (b *Broker) Append(tp kafkaiface.TopicPartition, r *kafkaiface.Record) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	offset := int64(len(b.logs[tp]))
	rec := *r
	rec.Topic, rec.Partition, rec.Offset = tp.Topic, tp.Partition, offset
	b.logs[tp] = append(b.logs[tp], &rec)
	return offset
}

// From returns every record at or after fromOffset on tp, up to max records
// (max <= 0 means unbounded).
func (b *Broker) From(tp kafkaiface.TopicPartition, fromOffset int64, max int) []*kafkaiface.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	log := b.logs[tp]
	if fromOffset < 0 || fromOffset >= int64(len(log)) {
		return nil
	}
	end := int64(len(log))
	if max > 0 && fromOffset+int64(max) < end {
		end = fromOffset + int64(max)
	}
	out := make([]*kafkaiface.Record, end-fromOffset)
	copy(out, log[fromOffset:end])
	return out
}

// HighWater returns the next-to-be-written offset of tp (len of the log).
func (b *Broker) HighWater(tp kafkaiface.TopicPartition) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.logs[tp]))
}

// Commit records offsets for group.
func (b *Broker) Commit(group string, offsets map[kafkaiface.TopicPartition]kafkaiface.OffsetAndMetadata) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.committed[group] == nil {
		b.committed[group] = make(map[kafkaiface.TopicPartition]kafkaiface.OffsetAndMetadata)
	}
	for tp, om := range offsets {
		b.committed[group][tp] = om
	}
}

// Committed returns the currently committed offsets for group.
func (b *Broker) Committed(group string) map[kafkaiface.TopicPartition]kafkaiface.OffsetAndMetadata {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[kafkaiface.TopicPartition]kafkaiface.OffsetAndMetadata, len(b.committed[group]))
	for tp, om := range b.committed[group] {
		out[tp] = om
	}
	return out
}

// SetPaused records tp's broker-visible pause state (used only for test
// assertions; the fake never actually withholds Poll results based on it —
// the fake Consumer itself does that).
func (b *Broker) SetPaused(tp kafkaiface.TopicPartition, paused bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused[tp] = paused
}

// IsPaused reports tp's last-set pause state.
func (b *Broker) IsPaused(tp kafkaiface.TopicPartition) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused[tp]
}
