package kgoadapter

import (
	"context"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/pkg/errors"

	"github.com/mu-l/kafkalistener/kafkaiface"
	"github.com/mu-l/kafkalistener/klog"
)

// ConsumerFactory builds real franz-go-backed consumers (spec §4.8). One
// ConsumerFactory is shared across every container a process runs; each
// Create call yields an independent *kgo.Client.
type ConsumerFactory struct {
	seedBrokers []string
	log         klog.Logger
	opts        []kgo.Opt
	resetPolicy kafkaiface.ResetPolicy
}

// NewConsumerFactory builds a ConsumerFactory against seedBrokers. opts are
// extra kgo.Opt applied to every client this factory creates (TLS, SASL,
// fetch tuning, ...); overrides passed to Create layer on top per-container.
func NewConsumerFactory(seedBrokers []string, log klog.Logger, opts ...kgo.Opt) *ConsumerFactory {
	if log == nil {
		log = klog.Nop{}
	}
	return &ConsumerFactory{seedBrokers: seedBrokers, log: log, opts: opts, resetPolicy: kafkaiface.ResetPolicyEarliest}
}

// Create satisfies kafkaiface.ConsumerFactory. The returned Consumer defers
// building its underlying *kgo.Client until Subscribe or Assign is called,
// since group-membership vs. explicit-assignment mode is chosen by which of
// those the caller invokes and franz-go fixes that choice at construction.
func (f *ConsumerFactory) Create(ctx context.Context, groupID, clientIDPrefix, clientIDSuffix string, overrides map[string]any) (kafkaiface.Consumer, error) {
	clientID := clientIDPrefix + clientIDSuffix
	resetPolicy := f.resetPolicy
	if rp, ok := overrides["resetPolicy"].(kafkaiface.ResetPolicy); ok {
		resetPolicy = rp
	}
	var instanceID string
	if v, ok := overrides["groupInstanceID"].(string); ok {
		instanceID = v
	}

	return &consumer{
		seedBrokers: f.seedBrokers,
		groupID:     groupID,
		clientID:    clientID,
		instanceID:  instanceID,
		baseOpts:    f.opts,
		log:         f.log,
		resetPolicy: resetPolicy,
		positions:   make(map[kafkaiface.TopicPartition]int64),
		wakeupCh:    make(chan struct{}, 1),
	}, nil
}

// consumer wraps a single *kgo.Client to satisfy kafkaiface.Consumer. It is
// only ever driven from its owning container's poll goroutine, except for
// Wakeup which is explicitly safe to call from any goroutine (spec §6).
type consumer struct {
	seedBrokers []string
	groupID     string
	clientID    string
	instanceID  string
	baseOpts    []kgo.Opt
	log         klog.Logger
	resetPolicy kafkaiface.ResetPolicy

	cl  *kgo.Client
	adm *kadm.Client

	mu        sync.Mutex
	positions map[kafkaiface.TopicPartition]int64

	wakeupCh chan struct{}

	listener kafkaiface.RebalanceListener
}

func (c *consumer) rebalanceOpts() []kgo.Opt {
	return []kgo.Opt{
		kgo.OnPartitionsAssigned(func(ctx context.Context, _ *kgo.Client, assigned map[string][]int32) {
			if c.listener != nil {
				c.listener.OnPartitionsAssigned(ctx, toTopicPartitions(assigned))
			}
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, _ *kgo.Client, revoked map[string][]int32) {
			if c.listener != nil {
				c.listener.OnPartitionsRevokedBeforeCommit(ctx, toTopicPartitions(revoked))
			}
		}),
		kgo.OnPartitionsLost(func(ctx context.Context, _ *kgo.Client, lost map[string][]int32) {
			if c.listener != nil {
				c.listener.OnPartitionsLost(ctx, toTopicPartitions(lost))
			}
		}),
	}
}

func (c *consumer) baseClientOpts() []kgo.Opt {
	opts := append([]kgo.Opt{}, c.baseOpts...)
	opts = append(opts,
		kgo.SeedBrokers(c.seedBrokers...),
		kgo.ClientID(c.clientID),
		kgo.WithLogger(newKgoLogger(c.log)),
		kgo.DisableAutoCommit(),
	)
	if c.instanceID != "" {
		opts = append(opts, kgo.InstanceID(c.instanceID))
	}
	return opts
}

func (c *consumer) Subscribe(ctx context.Context, topics []string, topicPattern string, listener kafkaiface.RebalanceListener) error {
	c.listener = listener
	opts := c.baseClientOpts()
	opts = append(opts, kgo.ConsumerGroup(c.groupID))
	if topicPattern != "" {
		opts = append(opts, kgo.ConsumeTopics(topicPattern), kgo.ConsumeRegex())
	} else {
		opts = append(opts, kgo.ConsumeTopics(topics...))
	}
	opts = append(opts, c.rebalanceOpts()...)

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return errors.Wrap(err, "kgoadapter: new consumer client")
	}
	c.cl = cl
	c.adm = kadm.NewClient(cl)
	return nil
}

func (c *consumer) Assign(ctx context.Context, partitions []kafkaiface.TopicPartition) error {
	assignment := make(map[string]map[int32]kgo.Offset)
	for _, tp := range partitions {
		if assignment[tp.Topic] == nil {
			assignment[tp.Topic] = make(map[int32]kgo.Offset)
		}
		assignment[tp.Topic][tp.Partition] = kgo.NewOffset().AtStart()
	}
	opts := c.baseClientOpts()
	opts = append(opts, kgo.ConsumePartitions(assignment))

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return errors.Wrap(err, "kgoadapter: new consumer client")
	}
	c.cl = cl
	c.adm = kadm.NewClient(cl)
	// Explicit assignment has no broker-driven rebalance protocol, so
	// OnPartitionsAssigned is the caller's responsibility (Container.subscribe
	// invokes it once Assign returns), not this adapter's.
	return nil
}

func (c *consumer) Poll(ctx context.Context, timeout time.Duration) (kafkaiface.Records, error) {
	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if timeout > 0 {
		var timeoutCancel context.CancelFunc
		pollCtx, timeoutCancel = context.WithTimeout(pollCtx, timeout)
		defer timeoutCancel()
	}
	go func() {
		select {
		case <-c.wakeupCh:
			cancel()
		case <-pollCtx.Done():
		}
	}()

	fetches := c.cl.PollFetches(pollCtx)
	if fetches.IsClientClosed() {
		return nil, errors.New("kgoadapter: client closed")
	}
	for _, err := range fetches.Errors() {
		if err.Err != nil && !errors.Is(err.Err, context.Canceled) && !errors.Is(err.Err, context.DeadlineExceeded) {
			return nil, errors.Wrapf(err.Err, "kgoadapter: fetch error topic=%s partition=%d", err.Topic, err.Partition)
		}
	}

	var out kafkaiface.Records
	c.mu.Lock()
	fetches.EachRecord(func(r *kgo.Record) {
		rec := &kafkaiface.Record{
			Topic:     r.Topic,
			Partition: r.Partition,
			Offset:    r.Offset,
			Key:       r.Key,
			Value:     r.Value,
			Timestamp: r.Timestamp,
		}
		for _, h := range r.Headers {
			rec.Headers = append(rec.Headers, kafkaiface.Header{Key: h.Key, Value: h.Value})
		}
		out = append(out, rec)
		c.positions[rec.TopicPartition()] = r.Offset + 1
	})
	c.mu.Unlock()
	return out, nil
}

func (c *consumer) CommitSync(ctx context.Context, offsets map[kafkaiface.TopicPartition]kafkaiface.OffsetAndMetadata, timeout time.Duration) error {
	if len(offsets) == 0 {
		return nil
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	done := make(chan error, 1)
	c.CommitAsync(offsets, func(_ map[kafkaiface.TopicPartition]kafkaiface.OffsetAndMetadata, err error) {
		done <- err
	})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *consumer) CommitAsync(offsets map[kafkaiface.TopicPartition]kafkaiface.OffsetAndMetadata, callback func(map[kafkaiface.TopicPartition]kafkaiface.OffsetAndMetadata, error)) {
	toCommit := make(map[string]map[int32]kgo.EpochOffset)
	for tp, om := range offsets {
		if toCommit[tp.Topic] == nil {
			toCommit[tp.Topic] = make(map[int32]kgo.EpochOffset)
		}
		epoch := int32(-1)
		if om.LeaderEpoch != nil {
			epoch = *om.LeaderEpoch
		}
		toCommit[tp.Topic][tp.Partition] = kgo.EpochOffset{Epoch: epoch, Offset: om.Offset}
	}
	c.cl.CommitOffsets(context.Background(), toCommit, func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, _ *kmsg.OffsetCommitResponse, err error) {
		if callback != nil {
			callback(offsets, err)
		}
	})
}

func (c *consumer) Seek(tp kafkaiface.TopicPartition, offset int64) {
	c.cl.SetOffsets(map[string]map[int32]kgo.EpochOffset{
		tp.Topic: {tp.Partition: {Epoch: -1, Offset: offset}},
	})
	c.mu.Lock()
	c.positions[tp] = offset
	c.mu.Unlock()
}

func (c *consumer) SeekToBeginning(tps []kafkaiface.TopicPartition) {
	offs, err := c.adm.ListStartOffsets(context.Background(), uniqueTopics(tps)...)
	if err != nil {
		c.log.Log(klog.LevelWarn, "seek to beginning: list start offsets failed", "err", err)
		return
	}
	c.seekTo(tps, offs)
}

func (c *consumer) SeekToEnd(tps []kafkaiface.TopicPartition) {
	offs, err := c.adm.ListEndOffsets(context.Background(), uniqueTopics(tps)...)
	if err != nil {
		c.log.Log(klog.LevelWarn, "seek to end: list end offsets failed", "err", err)
		return
	}
	c.seekTo(tps, offs)
}

func (c *consumer) seekTo(tps []kafkaiface.TopicPartition, offs kadm.ListedOffsets) {
	set := make(map[string]map[int32]kgo.EpochOffset)
	for _, tp := range tps {
		lo, ok := offs.Lookup(tp.Topic, tp.Partition)
		if !ok {
			continue
		}
		if set[tp.Topic] == nil {
			set[tp.Topic] = make(map[int32]kgo.EpochOffset)
		}
		set[tp.Topic][tp.Partition] = kgo.EpochOffset{Epoch: lo.LeaderEpoch, Offset: lo.Offset}
		c.mu.Lock()
		c.positions[tp] = lo.Offset
		c.mu.Unlock()
	}
	c.cl.SetOffsets(set)
}

func (c *consumer) OffsetsForTimes(ctx context.Context, at map[kafkaiface.TopicPartition]time.Time) (map[kafkaiface.TopicPartition]int64, error) {
	out := make(map[kafkaiface.TopicPartition]int64, len(at))
	byMillis := make(map[int64][]kafkaiface.TopicPartition)
	for tp, t := range at {
		ms := t.UnixMilli()
		byMillis[ms] = append(byMillis[ms], tp)
	}
	for ms, tps := range byMillis {
		offs, err := c.adm.ListOffsetsAfterMilli(ctx, ms, uniqueTopics(tps)...)
		if err != nil {
			return nil, errors.Wrap(err, "kgoadapter: list offsets after timestamp")
		}
		for _, tp := range tps {
			if lo, ok := offs.Lookup(tp.Topic, tp.Partition); ok {
				out[tp] = lo.Offset
			}
		}
	}
	return out, nil
}

func (c *consumer) BeginningOffsets(ctx context.Context, tps []kafkaiface.TopicPartition) (map[kafkaiface.TopicPartition]int64, error) {
	offs, err := c.adm.ListStartOffsets(ctx, uniqueTopics(tps)...)
	if err != nil {
		return nil, errors.Wrap(err, "kgoadapter: list start offsets")
	}
	return lookupAll(tps, offs), nil
}

func (c *consumer) EndOffsets(ctx context.Context, tps []kafkaiface.TopicPartition) (map[kafkaiface.TopicPartition]int64, error) {
	offs, err := c.adm.ListEndOffsets(ctx, uniqueTopics(tps)...)
	if err != nil {
		return nil, errors.Wrap(err, "kgoadapter: list end offsets")
	}
	return lookupAll(tps, offs), nil
}

func lookupAll(tps []kafkaiface.TopicPartition, offs kadm.ListedOffsets) map[kafkaiface.TopicPartition]int64 {
	out := make(map[kafkaiface.TopicPartition]int64, len(tps))
	for _, tp := range tps {
		if lo, ok := offs.Lookup(tp.Topic, tp.Partition); ok {
			out[tp] = lo.Offset
		}
	}
	return out
}

func (c *consumer) Pause(tps []kafkaiface.TopicPartition) {
	c.cl.PauseFetchPartitions(toPartitionMap(tps))
}

func (c *consumer) Resume(tps []kafkaiface.TopicPartition) {
	c.cl.ResumeFetchPartitions(toPartitionMap(tps))
}

func (c *consumer) Position(tp kafkaiface.TopicPartition) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pos, ok := c.positions[tp]
	if !ok {
		return 0, errors.Errorf("kgoadapter: no tracked position for %s", tp)
	}
	return pos, nil
}

// Committed issues a raw kmsg.OffsetFetchRequest rather than going through
// kadm, since this is called from the assignment-commit check on the poll
// thread and a raw request avoids kadm's extra allocation/grouping layer.
func (c *consumer) Committed(ctx context.Context, tps []kafkaiface.TopicPartition) (map[kafkaiface.TopicPartition]kafkaiface.OffsetAndMetadata, error) {
	byTopic := make(map[string][]int32)
	for _, tp := range tps {
		byTopic[tp.Topic] = append(byTopic[tp.Topic], tp.Partition)
	}
	req := kmsg.NewOffsetFetchRequest()
	req.Group = c.groupID
	for topic, partitions := range byTopic {
		t := kmsg.NewOffsetFetchRequestTopic()
		t.Topic = topic
		t.Partitions = partitions
		req.Topics = append(req.Topics, t)
	}

	resp, err := req.RequestWith(ctx, c.cl)
	if err != nil {
		return nil, errors.Wrap(err, "kgoadapter: offset fetch")
	}
	out := make(map[kafkaiface.TopicPartition]kafkaiface.OffsetAndMetadata)
	for _, t := range resp.Topics {
		for _, p := range t.Partitions {
			if p.Offset < 0 {
				continue // no committed offset for this partition
			}
			tp := kafkaiface.TopicPartition{Topic: t.Topic, Partition: p.Partition}
			om := kafkaiface.OffsetAndMetadata{Offset: p.Offset, Metadata: p.Metadata}
			if p.LeaderEpoch >= 0 {
				epoch := p.LeaderEpoch
				om.LeaderEpoch = &epoch
			}
			out[tp] = om
		}
	}
	return out, nil
}

// ResetPolicy returns the factory-configured default for every topic: Kafka
// reports "auto.offset.reset" as a client-side setting, not a per-topic
// broker property, so a single configured value is applied uniformly
// (spec §6: AssignmentCommitLatestOnly checks this before committing).
func (c *consumer) ResetPolicy(topic string) kafkaiface.ResetPolicy {
	return c.resetPolicy
}

func (c *consumer) Close(timeout time.Duration) error {
	if c.cl == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		c.cl.Close()
		close(done)
	}()
	if timeout <= 0 {
		<-done
		return nil
	}
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("kgoadapter: close timed out")
	}
}

// Wakeup interrupts an in-flight Poll. Safe to call from any goroutine
// (spec §6); mirrors the non-blocking post idiom used by listener.commandQueue.
func (c *consumer) Wakeup() {
	select {
	case c.wakeupCh <- struct{}{}:
	default:
	}
}

// GroupMetadata reports this consumer's group identity for transactional
// offset fencing. franz-go's own EOS helper (GroupTransactSession) manages
// generation/member fencing internally rather than exposing it per-client;
// since this module's Producer pools producers independently of any one
// consumer instance (spec §4.4), generation/member ID are left zero-value
// here and fencing for EOS-v2 group-aware commits relies on the producer
// epoch alone. GroupID is always populated; it names the group that
// transactional offset commits (SendOffsetsToTransaction) are made for.
func (c *consumer) GroupMetadata() (kafkaiface.ConsumerGroupMetadata, error) {
	return kafkaiface.ConsumerGroupMetadata{GroupID: c.groupID}, nil
}

func toTopicPartitions(m map[string][]int32) []kafkaiface.TopicPartition {
	var out []kafkaiface.TopicPartition
	for topic, partitions := range m {
		for _, p := range partitions {
			out = append(out, kafkaiface.TopicPartition{Topic: topic, Partition: p})
		}
	}
	return out
}

func toPartitionMap(tps []kafkaiface.TopicPartition) map[string][]int32 {
	out := make(map[string][]int32)
	for _, tp := range tps {
		out[tp.Topic] = append(out[tp.Topic], tp.Partition)
	}
	return out
}

func uniqueTopics(tps []kafkaiface.TopicPartition) []string {
	seen := make(map[string]bool)
	var out []string
	for _, tp := range tps {
		if !seen[tp.Topic] {
			seen[tp.Topic] = true
			out = append(out, tp.Topic)
		}
	}
	return out
}
