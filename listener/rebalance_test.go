package listener

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mu-l/kafkalistener/kafkafake"
	"github.com/mu-l/kafkalistener/kafkaiface"
)

// startedContainer builds and starts a container against a fresh broker,
// then immediately stops its poll loop so the rest of the test can drive
// rebalance callbacks directly without racing the loop goroutine. Start's
// synchronous subscribe already ran OnPartitionsAssigned, and Stop leaves
// the partition table and tracker state untouched for inspection.
func startedContainer(t *testing.T, topic string, partition int32) (*Container, *kafkafake.Broker) {
	t.Helper()
	broker := kafkafake.NewBroker()
	broker.CreateTopic(topic, partition+1)
	factory := kafkafake.NewConsumerFactory(broker)
	c := New("c1", explicitProps(topic, partition), factory, WithRecordHandler(
		func(context.Context, *kafkaiface.Record, kafkaiface.Producer, *Acknowledgment) error { return nil },
	))
	require.NoError(t, c.Start(context.Background()))
	c.Stop(time.Second)
	return c, broker
}

func TestOnPartitionsRevokedBeforeCommit_CommitsPendingOffsetThenDropsTracking(t *testing.T) {
	c, broker := startedContainer(t, "orders", 0)
	tp := kafkaiface.TopicPartition{Topic: "orders", Partition: 0}

	c.tracker.Delivered(tp, 4)
	c.tracker.Ack(tp, 4)

	c.OnPartitionsRevokedBeforeCommit(context.Background(), []kafkaiface.TopicPartition{tp})

	committed := broker.Committed("group")
	om, ok := committed[tp]
	require.True(t, ok)
	assert.Equal(t, int64(5), om.Offset)

	_, ok = c.partitions.get(tp)
	assert.False(t, ok, "revoked partition must be dropped from the partition table")
}

func TestOnPartitionsLost_NeverCommitsAndDropsTracking(t *testing.T) {
	c, broker := startedContainer(t, "orders", 0)
	tp := kafkaiface.TopicPartition{Topic: "orders", Partition: 0}

	c.tracker.Delivered(tp, 4)
	c.tracker.Ack(tp, 4)

	c.OnPartitionsLost(context.Background(), []kafkaiface.TopicPartition{tp})

	committed := broker.Committed("group")
	_, ok := committed[tp]
	assert.False(t, ok, "OnPartitionsLost must never commit")

	_, ok = c.partitions.get(tp)
	assert.False(t, ok)
}

func TestOnPartitionsAssigned_ReappliesPendingPartitionPause(t *testing.T) {
	c, broker := startedContainer(t, "orders", 0)
	tp := kafkaiface.TopicPartition{Topic: "orders", Partition: 0}

	c.OnPartitionsRevokedAfterCommit(context.Background(), []kafkaiface.TopicPartition{tp}, nil)
	c.PausePartition(tp)
	c.drainCommands() // normally run by the poll loop; queues the pending-pause flag

	c.OnPartitionsAssigned(context.Background(), []kafkaiface.TopicPartition{tp})

	assert.True(t, broker.IsPaused(tp))
	ps, ok := c.partitions.get(tp)
	require.True(t, ok)
	assert.True(t, ps.pauseRequested)
}

func TestOnPartitionsRevokedAfterCommit_DelegatesToRebalanceListener(t *testing.T) {
	c, _ := startedContainer(t, "orders", 0)
	tp := kafkaiface.TopicPartition{Topic: "orders", Partition: 0}

	var listener recordingRebalanceListener
	c.rebalanceListener = &listener

	c.OnPartitionsRevokedAfterCommit(context.Background(), []kafkaiface.TopicPartition{tp}, nil)

	require.Len(t, listener.revokedAfter, 1)
	assert.Equal(t, tp, listener.revokedAfter[0][0])
}

type recordingRebalanceListener struct {
	kafkaiface.NoopRebalanceListener
	revokedAfter [][]kafkaiface.TopicPartition
}

func (r *recordingRebalanceListener) OnPartitionsRevokedAfterCommit(_ context.Context, revoked []kafkaiface.TopicPartition, _ error) {
	r.revokedAfter = append(r.revokedAfter, revoked)
}
