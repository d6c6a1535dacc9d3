package listener

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mu-l/kafkalistener/errhandler"
	"github.com/mu-l/kafkalistener/kafkafake"
	"github.com/mu-l/kafkalistener/kafkaiface"
	"github.com/mu-l/kafkalistener/producer"
)

func explicitProps(topic string, partition int32) kafkaiface.ContainerProperties {
	return kafkaiface.ContainerProperties{
		Partitions:      []kafkaiface.TopicPartition{{Topic: topic, Partition: partition}},
		GroupID:         "group",
		ClientIDPrefix:  "client-",
		ShutdownTimeout: time.Second,
	}
}

func groupProps(topic string) kafkaiface.ContainerProperties {
	return kafkaiface.ContainerProperties{
		Topics:          []string{topic},
		GroupID:         "group",
		ClientIDPrefix:  "client-",
		ShutdownTimeout: time.Second,
	}
}

func TestContainer_StartWithExplicitPartitionsFiresOnPartitionsAssigned(t *testing.T) {
	broker := kafkafake.NewBroker()
	broker.CreateTopic("orders", 1)
	factory := kafkafake.NewConsumerFactory(broker)

	c := New("c1", explicitProps("orders", 0), factory, WithRecordHandler(
		func(context.Context, *kafkaiface.Record, kafkaiface.Producer, *Acknowledgment) error { return nil },
	))

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(time.Second)

	assert.Equal(t, []kafkaiface.TopicPartition{{Topic: "orders", Partition: 0}}, c.AssignedPartitions())
}

func TestContainer_StartInGroupModeFiresOnPartitionsAssigned(t *testing.T) {
	broker := kafkafake.NewBroker()
	broker.CreateTopic("orders", 2)
	factory := kafkafake.NewConsumerFactory(broker)

	c := New("c1", groupProps("orders"), factory, WithRecordHandler(
		func(context.Context, *kafkaiface.Record, kafkaiface.Producer, *Acknowledgment) error { return nil },
	))

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(time.Second)

	assert.ElementsMatch(t, []kafkaiface.TopicPartition{
		{Topic: "orders", Partition: 0},
		{Topic: "orders", Partition: 1},
	}, c.AssignedPartitions())
}

func TestContainer_StartIsIdempotent(t *testing.T) {
	broker := kafkafake.NewBroker()
	broker.CreateTopic("orders", 1)
	factory := kafkafake.NewConsumerFactory(broker)

	c := New("c1", explicitProps("orders", 0), factory, WithRecordHandler(
		func(context.Context, *kafkaiface.Record, kafkaiface.Producer, *Acknowledgment) error { return nil },
	))

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(time.Second)

	assert.Equal(t, StateRunning, c.State())
}

func TestContainer_StartWithoutAHandlerFails(t *testing.T) {
	broker := kafkafake.NewBroker()
	broker.CreateTopic("orders", 1)
	factory := kafkafake.NewConsumerFactory(broker)

	c := New("c1", explicitProps("orders", 0), factory)
	err := c.Start(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StateStopped, c.State())
}

func TestContainer_StopIsIdempotentAndWaitsForShutdown(t *testing.T) {
	broker := kafkafake.NewBroker()
	broker.CreateTopic("orders", 1)
	factory := kafkafake.NewConsumerFactory(broker)

	c := New("c1", explicitProps("orders", 0), factory, WithRecordHandler(
		func(context.Context, *kafkaiface.Record, kafkaiface.Producer, *Acknowledgment) error { return nil },
	))
	require.NoError(t, c.Start(context.Background()))

	c.Stop(time.Second)
	assert.Equal(t, StateStopped, c.State())
	c.Stop(time.Second) // must not panic or block
}

func TestContainer_DispatchSingleRecordAcksAndCommits(t *testing.T) {
	broker := kafkafake.NewBroker()
	broker.CreateTopic("orders", 1)
	tp := kafkaiface.TopicPartition{Topic: "orders", Partition: 0}
	broker.Append(tp, &kafkaiface.Record{Topic: "orders", Partition: 0, Value: []byte("v1")})
	factory := kafkafake.NewConsumerFactory(broker)

	handled := make(chan *kafkaiface.Record, 1)
	props := explicitProps("orders", 0)
	props.AckMode = kafkaiface.AckRecord
	c := New("c1", props, factory, WithRecordHandler(
		func(_ context.Context, rec *kafkaiface.Record, _ kafkaiface.Producer, ack *Acknowledgment) error {
			handled <- rec
			return nil
		},
	))

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(time.Second)

	select {
	case rec := <-handled:
		assert.Equal(t, []byte("v1"), rec.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("record handler was never invoked")
	}

	require.Eventually(t, func() bool {
		committed := broker.Committed("group")
		om, ok := committed[tp]
		return ok && om.Offset == 1
	}, time.Second, 5*time.Millisecond)
}

func TestContainer_HandlerErrorWithFatalClassificationStopsContainer(t *testing.T) {
	broker := kafkafake.NewBroker()
	broker.CreateTopic("orders", 1)
	tp := kafkaiface.TopicPartition{Topic: "orders", Partition: 0}
	broker.Append(tp, &kafkaiface.Record{Topic: "orders", Partition: 0})
	factory := kafkafake.NewConsumerFactory(broker)

	boom := errors.New("boom")
	props := explicitProps("orders", 0)
	fatalClassifier := errhandler.AllowList(kafkaiface.ErrorKindFatal, func(error) bool { return true })
	c := New("c1", props, factory,
		WithRecordHandler(func(context.Context, *kafkaiface.Record, kafkaiface.Producer, *Acknowledgment) error {
			return boom
		}),
		WithErrorHandler(errhandler.NewHandler(fatalClassifier, 0, true)),
	)

	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool {
		return c.State() == StateStopped
	}, 2*time.Second, 5*time.Millisecond)
}

func TestContainer_PauseStopsDeliveryAndResumeRestartsIt(t *testing.T) {
	broker := kafkafake.NewBroker()
	broker.CreateTopic("orders", 1)
	tp := kafkaiface.TopicPartition{Topic: "orders", Partition: 0}
	factory := kafkafake.NewConsumerFactory(broker)

	props := explicitProps("orders", 0)
	c := New("c1", props, factory, WithRecordHandler(
		func(context.Context, *kafkaiface.Record, kafkaiface.Producer, *Acknowledgment) error { return nil },
	))
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(time.Second)

	c.Pause()
	require.Eventually(t, func() bool { return c.IsContainerPaused() }, time.Second, 5*time.Millisecond)
	assert.True(t, broker.IsPaused(tp))

	c.Resume()
	require.Eventually(t, func() bool { return !c.IsContainerPaused() }, time.Second, 5*time.Millisecond)
}

func TestContainer_AckManualIsNotAutoAcknowledged(t *testing.T) {
	broker := kafkafake.NewBroker()
	broker.CreateTopic("orders", 1)
	tp := kafkaiface.TopicPartition{Topic: "orders", Partition: 0}
	broker.Append(tp, &kafkaiface.Record{Topic: "orders", Partition: 0})
	factory := kafkafake.NewConsumerFactory(broker)

	handled := make(chan *Acknowledgment, 1)
	props := explicitProps("orders", 0)
	props.AckMode = kafkaiface.AckManual
	c := New("c1", props, factory, WithRecordHandler(
		func(_ context.Context, _ *kafkaiface.Record, _ kafkaiface.Producer, ack *Acknowledgment) error {
			handled <- ack
			return nil
		},
	))

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(time.Second)

	var ack *Acknowledgment
	select {
	case ack = <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("record handler was never invoked")
	}

	// the container must not have acked on the handler's behalf: nothing is
	// eligible to commit, and nothing has landed in the broker's committed
	// offsets, until the handler calls ack.Acknowledge() itself.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, broker.Committed("group"))

	ack.Acknowledge()
	require.Eventually(t, func() bool {
		committed := broker.Committed("group")
		om, ok := committed[tp]
		return ok && om.Offset == 1
	}, time.Second, 5*time.Millisecond)
}

func TestContainer_GapPausesPartitionUntilEarlierOffsetAcked(t *testing.T) {
	// spec §8, scenario S4: an out-of-order ack opens a gap behind it; the
	// partition must stay paused until the earlier offset is also acked.
	broker := kafkafake.NewBroker()
	broker.CreateTopic("orders", 1)
	tp := kafkaiface.TopicPartition{Topic: "orders", Partition: 0}
	broker.Append(tp, &kafkaiface.Record{Topic: "orders", Partition: 0}) // offset 0
	broker.Append(tp, &kafkaiface.Record{Topic: "orders", Partition: 0}) // offset 1
	factory := kafkafake.NewConsumerFactory(broker)

	acks := make(chan *Acknowledgment, 2)
	props := explicitProps("orders", 0)
	props.AckMode = kafkaiface.AckManual
	c := New("c1", props, factory, WithRecordHandler(
		func(_ context.Context, _ *kafkaiface.Record, _ kafkaiface.Producer, ack *Acknowledgment) error {
			acks <- ack
			return nil
		},
	))

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(time.Second)

	var first, second *Acknowledgment
	require.Eventually(t, func() bool { return len(acks) == 2 }, time.Second, 5*time.Millisecond)
	first, second = <-acks, <-acks

	// ack the later offset first: a gap opens behind it and the partition
	// must pause.
	second.Acknowledge()
	require.Eventually(t, func() bool { return broker.IsPaused(tp) }, time.Second, 5*time.Millisecond)

	_, ok := c.tracker.PendingCommit(tp)
	assert.False(t, ok, "gap must not advance the pending commit offset")

	// ack the earlier offset: the gap clears and the partition resumes.
	first.Acknowledge()
	require.Eventually(t, func() bool { return !broker.IsPaused(tp) }, time.Second, 5*time.Millisecond)

	pending, ok := c.tracker.PendingCommit(tp)
	require.True(t, ok)
	assert.Equal(t, int64(2), pending.Offset)
}

func TestContainer_FencedCommitInvalidatesProducerAndSeeksBack(t *testing.T) {
	broker := kafkafake.NewBroker()
	broker.CreateTopic("orders", 1)
	tp := kafkaiface.TopicPartition{Topic: "orders", Partition: 0}
	broker.Append(tp, &kafkaiface.Record{Topic: "orders", Partition: 0, Value: []byte("v1")})

	consumerFactory := kafkafake.NewConsumerFactory(broker)
	producerFactory := kafkafake.NewProducerFactory(broker)
	txFactory := producer.NewTransactionalFactory(producerFactory, "tx-prefix", producer.Deterministic{Size: 1}, nil)

	props := explicitProps("orders", 0)
	props.Transactional = true
	props.AckMode = kafkaiface.AckRecord
	props.StopContainerWhenFenced = false

	fencedErr := errors.New("producer fenced")
	fencedClassifier := errhandler.AllowList(kafkaiface.ErrorKindFenced, func(err error) bool { return err == fencedErr })

	var failedOnce bool
	c := New("c1", props, consumerFactory,
		WithTransactionalProducers(txFactory),
		WithErrorHandler(errhandler.NewHandler(fencedClassifier, 0, true)),
		WithRecordHandler(func(ctx context.Context, rec *kafkaiface.Record, p kafkaiface.Producer, ack *Acknowledgment) error {
			if !failedOnce {
				failedOnce = true
				p.(*kafkafake.Producer).FailNextCommit(fencedErr)
			}
			return nil
		}),
	)

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(time.Second)

	// the record is replayed after the fenced commit until it finally
	// succeeds with a fresh (higher-epoch) producer.
	require.Eventually(t, func() bool {
		committed := broker.Committed("group")
		om, ok := committed[tp]
		return ok && om.Offset == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestContainer_TransactionalRecordAckWrapsProduceAndCommitInOneTransaction(t *testing.T) {
	broker := kafkafake.NewBroker()
	broker.CreateTopic("orders", 1)
	broker.CreateTopic("orders-out", 1)
	tp := kafkaiface.TopicPartition{Topic: "orders", Partition: 0}
	broker.Append(tp, &kafkaiface.Record{Topic: "orders", Partition: 0, Value: []byte("in")})

	consumerFactory := kafkafake.NewConsumerFactory(broker)
	producerFactory := kafkafake.NewProducerFactory(broker)
	txFactory := producer.NewTransactionalFactory(producerFactory, "tx-prefix", producer.Deterministic{Size: 4}, nil)

	props := explicitProps("orders", 0)
	props.Transactional = true
	props.AckMode = kafkaiface.AckRecord

	c := New("c1", props, consumerFactory,
		WithTransactionalProducers(txFactory),
		WithRecordHandler(func(ctx context.Context, rec *kafkaiface.Record, p kafkaiface.Producer, ack *Acknowledgment) error {
			p.Send(ctx, &kafkaiface.Record{Topic: "orders-out", Partition: 0, Value: rec.Value}, nil)
			return nil
		}),
	)

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(time.Second)

	outTP := kafkaiface.TopicPartition{Topic: "orders-out", Partition: 0}
	require.Eventually(t, func() bool {
		return len(broker.From(outTP, 0, 0)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		committed := broker.Committed("group")
		om, ok := committed[tp]
		return ok && om.Offset == 1
	}, time.Second, 5*time.Millisecond)
}

func TestContainer_AckManualImmediateCommitsAsSoonAsAcknowledgeIsCalled(t *testing.T) {
	broker := kafkafake.NewBroker()
	broker.CreateTopic("orders", 1)
	tp := kafkaiface.TopicPartition{Topic: "orders", Partition: 0}
	broker.Append(tp, &kafkaiface.Record{Topic: "orders", Partition: 0})
	broker.Append(tp, &kafkaiface.Record{Topic: "orders", Partition: 0})
	factory := kafkafake.NewConsumerFactory(broker)

	handled := make(chan *Acknowledgment, 2)
	props := explicitProps("orders", 0)
	props.AckMode = kafkaiface.AckManualImmediate
	c := New("c1", props, factory, WithRecordHandler(
		func(_ context.Context, _ *kafkaiface.Record, _ kafkaiface.Producer, ack *Acknowledgment) error {
			handled <- ack
			return nil
		},
	))

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(time.Second)

	var first *Acknowledgment
	select {
	case first = <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("record handler was never invoked")
	}

	first.Acknowledge()
	// unlike MANUAL, MANUAL_IMMEDIATE commits right away rather than waiting
	// for a batch/count/time boundary.
	require.Eventually(t, func() bool {
		committed := broker.Committed("group")
		om, ok := committed[tp]
		return ok && om.Offset == 1
	}, time.Second, 5*time.Millisecond)
}

func TestContainer_AckCountFlushesOnceThresholdIsReached(t *testing.T) {
	broker := kafkafake.NewBroker()
	broker.CreateTopic("orders", 1)
	tp := kafkaiface.TopicPartition{Topic: "orders", Partition: 0}
	broker.Append(tp, &kafkaiface.Record{Topic: "orders", Partition: 0})
	broker.Append(tp, &kafkaiface.Record{Topic: "orders", Partition: 0})
	broker.Append(tp, &kafkaiface.Record{Topic: "orders", Partition: 0})
	factory := kafkafake.NewConsumerFactory(broker)

	var handledCount int32
	props := explicitProps("orders", 0)
	props.AckMode = kafkaiface.AckCount
	props.AckCountThreshold = 3
	c := New("c1", props, factory, WithRecordHandler(
		func(context.Context, *kafkaiface.Record, kafkaiface.Producer, *Acknowledgment) error {
			atomic.AddInt32(&handledCount, 1)
			return nil
		},
	))

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(time.Second)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&handledCount) == 3
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		committed := broker.Committed("group")
		om, ok := committed[tp]
		return ok && om.Offset == 3
	}, time.Second, 5*time.Millisecond)
}

func TestContainer_AckTimeFlushesAfterTheConfiguredInterval(t *testing.T) {
	broker := kafkafake.NewBroker()
	broker.CreateTopic("orders", 1)
	tp := kafkaiface.TopicPartition{Topic: "orders", Partition: 0}
	broker.Append(tp, &kafkaiface.Record{Topic: "orders", Partition: 0})
	factory := kafkafake.NewConsumerFactory(broker)

	handled := make(chan struct{}, 1)
	props := explicitProps("orders", 0)
	props.AckMode = kafkaiface.AckTime
	props.AckTimeInterval = 20 * time.Millisecond
	c := New("c1", props, factory, WithRecordHandler(
		func(context.Context, *kafkaiface.Record, kafkaiface.Producer, *Acknowledgment) error {
			close(handled)
			return nil
		},
	))

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(time.Second)

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("record handler was never invoked")
	}

	// maybeFlush commits once AckTimeInterval has passed since the last
	// flush; no flush has happened yet, so the first record's maybeFlush
	// already commits. One more record is pushed through so maybeFlush
	// runs again as well.
	broker.Append(tp, &kafkaiface.Record{Topic: "orders", Partition: 0})
	require.Eventually(t, func() bool {
		committed := broker.Committed("group")
		om, ok := committed[tp]
		return ok && om.Offset >= 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestContainer_AckCountTimeFlushesOnWhicheverBoundaryComesFirst(t *testing.T) {
	broker := kafkafake.NewBroker()
	broker.CreateTopic("orders", 1)
	tp := kafkaiface.TopicPartition{Topic: "orders", Partition: 0}
	broker.Append(tp, &kafkaiface.Record{Topic: "orders", Partition: 0})
	factory := kafkafake.NewConsumerFactory(broker)

	handled := make(chan struct{}, 1)
	props := explicitProps("orders", 0)
	props.AckMode = kafkaiface.AckCountTime
	props.AckCountThreshold = 1000 // unreachable here; time must win instead
	props.AckTimeInterval = 20 * time.Millisecond
	c := New("c1", props, factory, WithRecordHandler(
		func(context.Context, *kafkaiface.Record, kafkaiface.Producer, *Acknowledgment) error {
			close(handled)
			return nil
		},
	))

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(time.Second)

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("record handler was never invoked")
	}

	broker.Append(tp, &kafkaiface.Record{Topic: "orders", Partition: 0})
	require.Eventually(t, func() bool {
		committed := broker.Committed("group")
		om, ok := committed[tp]
		return ok && om.Offset >= 1
	}, 2*time.Second, 5*time.Millisecond)
}
