package kafkafake

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/mu-l/kafkalistener/kafkaiface"
)

// ConsumerFactory builds fake consumers against a shared Broker.
type ConsumerFactory struct {
	Broker *Broker
	// MaxRecordsPerPoll caps how many records across all assigned partitions
	// a single Poll returns; 0 means unbounded. Lets tests exercise
	// multi-poll batch handling deterministically.
	MaxRecordsPerPoll int
}

// NewConsumerFactory builds a ConsumerFactory against broker.
func NewConsumerFactory(broker *Broker) *ConsumerFactory {
	return &ConsumerFactory{Broker: broker}
}

func (f *ConsumerFactory) Create(ctx context.Context, groupID, clientIDPrefix, clientIDSuffix string, overrides map[string]any) (kafkaiface.Consumer, error) {
	return &Consumer{
		broker:    f.Broker,
		groupID:   groupID,
		clientID:  clientIDPrefix + clientIDSuffix,
		maxPoll:   f.MaxRecordsPerPoll,
		positions: make(map[kafkaiface.TopicPartition]int64),
		paused:    make(map[kafkaiface.TopicPartition]bool),
		closed:    make(chan struct{}),
	}, nil
}

// Consumer is a synchronous, single-goroutine fake: Poll never blocks on a
// channel, it just returns whatever the broker currently has beyond this
// consumer's tracked position.
type Consumer struct {
	broker   *Broker
	groupID  string
	clientID string
	maxPoll  int

	mu        sync.Mutex
	assigned  []kafkaiface.TopicPartition
	positions map[kafkaiface.TopicPartition]int64
	paused    map[kafkaiface.TopicPartition]bool
	resetPol  kafkaiface.ResetPolicy

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *Consumer) Subscribe(ctx context.Context, topics []string, topicPattern string, listener kafkaiface.RebalanceListener) error {
	var assigned []kafkaiface.TopicPartition
	for _, topic := range topics {
		assigned = append(assigned, c.broker.Partitions(topic)...)
	}
	c.mu.Lock()
	c.assigned = assigned
	for _, tp := range assigned {
		if _, ok := c.positions[tp]; !ok {
			c.positions[tp] = 0
		}
	}
	c.mu.Unlock()
	if listener != nil {
		listener.OnPartitionsAssigned(ctx, assigned)
	}
	return nil
}

func (c *Consumer) Assign(ctx context.Context, partitions []kafkaiface.TopicPartition) error {
	c.mu.Lock()
	c.assigned = append([]kafkaiface.TopicPartition{}, partitions...)
	for _, tp := range partitions {
		if _, ok := c.positions[tp]; !ok {
			c.positions[tp] = 0
		}
	}
	c.mu.Unlock()
	return nil
}

func (c *Consumer) Poll(ctx context.Context, timeout time.Duration) (kafkaiface.Records, error) {
	select {
	case <-c.closed:
		return nil, errors.New("kafkafake: consumer closed")
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var out kafkaiface.Records
	remaining := c.maxPoll
	for _, tp := range c.assigned {
		if c.paused[tp] {
			continue
		}
		max := 0
		if c.maxPoll > 0 {
			max = remaining
			if max <= 0 {
				break
			}
		}
		recs := c.broker.From(tp, c.positions[tp], max)
		for _, r := range recs {
			out = append(out, r)
		}
		if len(recs) > 0 {
			c.positions[tp] = recs[len(recs)-1].Offset + 1
			remaining -= len(recs)
		}
	}
	return out, nil
}

func (c *Consumer) CommitSync(ctx context.Context, offsets map[kafkaiface.TopicPartition]kafkaiface.OffsetAndMetadata, timeout time.Duration) error {
	c.broker.Commit(c.groupID, offsets)
	return nil
}

func (c *Consumer) CommitAsync(offsets map[kafkaiface.TopicPartition]kafkaiface.OffsetAndMetadata, callback func(map[kafkaiface.TopicPartition]kafkaiface.OffsetAndMetadata, error)) {
	c.broker.Commit(c.groupID, offsets)
	if callback != nil {
		callback(offsets, nil)
	}
}

func (c *Consumer) Seek(tp kafkaiface.TopicPartition, offset int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positions[tp] = offset
}

func (c *Consumer) SeekToBeginning(tps []kafkaiface.TopicPartition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tp := range tps {
		c.positions[tp] = 0
	}
}

func (c *Consumer) SeekToEnd(tps []kafkaiface.TopicPartition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tp := range tps {
		c.positions[tp] = c.broker.HighWater(tp)
	}
}

func (c *Consumer) OffsetsForTimes(ctx context.Context, at map[kafkaiface.TopicPartition]time.Time) (map[kafkaiface.TopicPartition]int64, error) {
	out := make(map[kafkaiface.TopicPartition]int64, len(at))
	for tp, t := range at {
		log := c.broker.From(tp, 0, 0)
		offset := c.broker.HighWater(tp)
		for _, r := range log {
			if !r.Timestamp.Before(t) {
				offset = r.Offset
				break
			}
		}
		out[tp] = offset
	}
	return out, nil
}

func (c *Consumer) BeginningOffsets(ctx context.Context, tps []kafkaiface.TopicPartition) (map[kafkaiface.TopicPartition]int64, error) {
	out := make(map[kafkaiface.TopicPartition]int64, len(tps))
	for _, tp := range tps {
		out[tp] = 0
	}
	return out, nil
}

func (c *Consumer) EndOffsets(ctx context.Context, tps []kafkaiface.TopicPartition) (map[kafkaiface.TopicPartition]int64, error) {
	out := make(map[kafkaiface.TopicPartition]int64, len(tps))
	for _, tp := range tps {
		out[tp] = c.broker.HighWater(tp)
	}
	return out, nil
}

func (c *Consumer) Pause(tps []kafkaiface.TopicPartition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tp := range tps {
		c.paused[tp] = true
		c.broker.SetPaused(tp, true)
	}
}

func (c *Consumer) Resume(tps []kafkaiface.TopicPartition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tp := range tps {
		c.paused[tp] = false
		c.broker.SetPaused(tp, false)
	}
}

func (c *Consumer) Position(tp kafkaiface.TopicPartition) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.positions[tp], nil
}

func (c *Consumer) Committed(ctx context.Context, tps []kafkaiface.TopicPartition) (map[kafkaiface.TopicPartition]kafkaiface.OffsetAndMetadata, error) {
	all := c.broker.Committed(c.groupID)
	out := make(map[kafkaiface.TopicPartition]kafkaiface.OffsetAndMetadata, len(tps))
	for _, tp := range tps {
		if om, ok := all[tp]; ok {
			out[tp] = om
		}
	}
	return out, nil
}

// SetResetPolicy lets a test configure what ResetPolicy reports, for
// exercising AssignmentCommitLatestOnly.
func (c *Consumer) SetResetPolicy(p kafkaiface.ResetPolicy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetPol = p
}

func (c *Consumer) ResetPolicy(topic string) kafkaiface.ResetPolicy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resetPol
}

func (c *Consumer) Close(timeout time.Duration) error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *Consumer) Wakeup() {}

func (c *Consumer) GroupMetadata() (kafkaiface.ConsumerGroupMetadata, error) {
	return kafkaiface.ConsumerGroupMetadata{GroupID: c.groupID}, nil
}

// AssignedPartitions exposes the current assignment for test assertions.
func (c *Consumer) AssignedPartitions() []kafkaiface.TopicPartition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]kafkaiface.TopicPartition{}, c.assigned...)
}
