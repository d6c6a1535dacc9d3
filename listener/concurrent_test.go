package listener

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mu-l/kafkalistener/event"
	"github.com/mu-l/kafkalistener/kafkafake"
	"github.com/mu-l/kafkalistener/kafkaiface"
)

func TestNewConcurrentContainer_SplitsStaticPartitionsDisjointlyAcrossChildren(t *testing.T) {
	broker := kafkafake.NewBroker()
	broker.CreateTopic("orders", 4)
	factory := kafkafake.NewConsumerFactory(broker)

	props := kafkaiface.ContainerProperties{
		Partitions: []kafkaiface.TopicPartition{
			{Topic: "orders", Partition: 0},
			{Topic: "orders", Partition: 1},
			{Topic: "orders", Partition: 2},
			{Topic: "orders", Partition: 3},
		},
		GroupID:         "group",
		ClientIDPrefix:  "client-",
		ShutdownTimeout: time.Second,
	}
	noop := WithRecordHandler(func(context.Context, *kafkaiface.Record, kafkaiface.Producer, *Acknowledgment) error { return nil })

	cc := NewConcurrentContainer("cc", 2, props, factory, event.Discard, noop)
	require.Len(t, cc.Children(), 2)

	var all []kafkaiface.TopicPartition
	for _, child := range cc.Children() {
		all = append(all, child.props.Partitions...)
	}
	assert.ElementsMatch(t, props.Partitions, all)
	assert.NotEqual(t, cc.Children()[0].props.Partitions, cc.Children()[1].props.Partitions)
}

func TestNewConcurrentContainer_ClampsConcurrencyToPartitionCount(t *testing.T) {
	broker := kafkafake.NewBroker()
	broker.CreateTopic("orders", 1)
	factory := kafkafake.NewConsumerFactory(broker)
	props := kafkaiface.ContainerProperties{
		Partitions:      []kafkaiface.TopicPartition{{Topic: "orders", Partition: 0}},
		ShutdownTimeout: time.Second,
	}
	noop := WithRecordHandler(func(context.Context, *kafkaiface.Record, kafkaiface.Producer, *Acknowledgment) error { return nil })

	cc := NewConcurrentContainer("cc", 5, props, factory, nil, noop)
	assert.Len(t, cc.Children(), 1)
}

func TestConcurrentContainer_StartStopLifecycle(t *testing.T) {
	broker := kafkafake.NewBroker()
	broker.CreateTopic("orders", 2)
	factory := kafkafake.NewConsumerFactory(broker)
	props := kafkaiface.ContainerProperties{
		Partitions: []kafkaiface.TopicPartition{
			{Topic: "orders", Partition: 0},
			{Topic: "orders", Partition: 1},
		},
		GroupID:         "group",
		ClientIDPrefix:  "client-",
		ShutdownTimeout: time.Second,
	}
	noop := WithRecordHandler(func(context.Context, *kafkaiface.Record, kafkaiface.Producer, *Acknowledgment) error { return nil })
	cc := NewConcurrentContainer("cc", 2, props, factory, event.Discard, noop)

	require.NoError(t, cc.Start(context.Background()))
	for _, child := range cc.Children() {
		assert.Equal(t, StateRunning, child.State())
	}

	assert.ElementsMatch(t, props.Partitions, cc.AssignedPartitions())

	cc.Stop(time.Second)
	for _, child := range cc.Children() {
		assert.Equal(t, StateStopped, child.State())
	}
}

func TestConcurrentContainer_PauseResumeFanOutAndAggregatePauseState(t *testing.T) {
	broker := kafkafake.NewBroker()
	broker.CreateTopic("orders", 2)
	factory := kafkafake.NewConsumerFactory(broker)
	props := kafkaiface.ContainerProperties{
		Partitions: []kafkaiface.TopicPartition{
			{Topic: "orders", Partition: 0},
			{Topic: "orders", Partition: 1},
		},
		GroupID:         "group",
		ClientIDPrefix:  "client-",
		ShutdownTimeout: time.Second,
	}
	noop := WithRecordHandler(func(context.Context, *kafkaiface.Record, kafkaiface.Producer, *Acknowledgment) error { return nil })
	cc := NewConcurrentContainer("cc", 2, props, factory, event.Discard, noop)
	require.NoError(t, cc.Start(context.Background()))
	defer cc.Stop(time.Second)

	cc.Pause()
	require.Eventually(t, func() bool { return cc.IsContainerPaused() }, time.Second, 5*time.Millisecond)

	cc.Resume()
	require.Eventually(t, func() bool { return !cc.IsContainerPaused() }, time.Second, 5*time.Millisecond)
}

func TestConcurrentContainer_StopIsIdempotentAndPublishesOnce(t *testing.T) {
	broker := kafkafake.NewBroker()
	broker.CreateTopic("orders", 1)
	factory := kafkafake.NewConsumerFactory(broker)
	props := kafkaiface.ContainerProperties{
		Partitions:      []kafkaiface.TopicPartition{{Topic: "orders", Partition: 0}},
		ShutdownTimeout: time.Second,
	}
	noop := WithRecordHandler(func(context.Context, *kafkaiface.Record, kafkaiface.Producer, *Acknowledgment) error { return nil })

	var rec event.Recording
	cc := NewConcurrentContainer("cc", 1, props, factory, &rec, noop)
	require.NoError(t, cc.Start(context.Background()))

	cc.Stop(time.Second)
	cc.Stop(time.Second)

	assert.Len(t, rec.OfKind(event.KindContainerStopped), 1)
}
