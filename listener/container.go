package listener

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/mu-l/kafkalistener/errhandler"
	"github.com/mu-l/kafkalistener/event"
	"github.com/mu-l/kafkalistener/kafkaiface"
	"github.com/mu-l/kafkalistener/klog"
	"github.com/mu-l/kafkalistener/offset"
	"github.com/mu-l/kafkalistener/producer"
	"github.com/mu-l/kafkalistener/retrytopic"
)

type dispatchOutcome int

const (
	outcomeOK dispatchOutcome = iota
	outcomeSeekAndRetry
	outcomeRetain
	outcomeFatal
)

// Option configures a Container at construction time, following the same
// functional-options shape as franz-go's kgo.Opt.
type Option func(*Container)

func WithTransactionalProducers(f *producer.TransactionalFactory) Option {
	return func(c *Container) { c.producers = f }
}
func WithErrorHandler(h *errhandler.Handler) Option {
	return func(c *Container) { c.errHandler = h }
}
func WithAfterRollbackProcessor(p *errhandler.AfterRollbackProcessor) Option {
	return func(c *Container) { c.afterRollback = p }
}
func WithRebalanceListener(l kafkaiface.RebalanceListener) Option {
	return func(c *Container) { c.rebalanceListener = l }
}
func WithRecordInterceptor(i kafkaiface.RecordInterceptor) Option {
	return func(c *Container) { c.recordInterceptor = i }
}
func WithBatchInterceptor(i kafkaiface.BatchInterceptor) Option {
	return func(c *Container) { c.batchInterceptor = i }
}
// WithRetryTopicBackoff marks this container as a retry-topic consumer: a
// DelayedRecordHandler is built once the real consumer exists (Start), so
// it can pause/resume partitions without blocking sibling partitions while
// a record's backoff deadline hasn't elapsed yet (spec §4.6).
func WithRetryTopicBackoff() Option {
	return func(c *Container) { c.retryTopicBackoff = true }
}
func WithPublisher(p event.Publisher) Option {
	return func(c *Container) { c.publisher = p }
}
func WithLogger(l klog.Logger) Option {
	return func(c *Container) { c.log = l }
}
func WithRecordHandler(f RecordHandlerFunc) Option {
	return func(c *Container) { c.recordHandler = f; c.dispatcher = DispatchSingleRecord }
}
func WithBatchHandler(f BatchHandlerFunc, dispatcher Dispatcher) Option {
	return func(c *Container) { c.batchHandler = f; c.dispatcher = dispatcher }
}
func WithClientIDSuffix(suffix string) Option {
	return func(c *Container) { c.clientIDSuffix = suffix }
}

// Container is the single-threaded listener container (spec C7): owns
// exactly one consumer and one poll goroutine. Every consumer method call
// happens on that goroutine; external requests cross over a lock-free
// command queue and a seek queue, both drained once per iteration.
type Container struct {
	id              string
	props           kafkaiface.ContainerProperties
	consumerFactory kafkaiface.ConsumerFactory
	clientIDSuffix  string

	producers         *producer.TransactionalFactory
	errHandler        *errhandler.Handler
	afterRollback     *errhandler.AfterRollbackProcessor
	rebalanceListener kafkaiface.RebalanceListener
	recordInterceptor kafkaiface.RecordInterceptor
	batchInterceptor  kafkaiface.BatchInterceptor
	retryTopicBackoff bool
	delayed           *retrytopic.DelayedRecordHandler

	dispatcher    Dispatcher
	recordHandler RecordHandlerFunc
	batchHandler  BatchHandlerFunc

	publisher event.Publisher
	log       klog.Logger

	tracker    *offset.Tracker
	partitions *partitionTable
	seeker     *Seeker
	commands   *commandQueue

	mu       sync.Mutex
	state    State
	consumer kafkaiface.Consumer
	stopOnce *sync.Once

	stopSignal  chan struct{}
	stopped     chan struct{}
	monitorStop chan struct{}
	monitorDone chan struct{}

	containerPaused atomic.Bool
	lastPollAtNanos atomic.Int64

	// poll-thread-confined state: only ever touched from the loop goroutine.
	pauseRequested          bool
	pendingPartitionPause   map[kafkaiface.TopicPartition]bool
	remainingRecords        kafkaiface.Records
	firstRebalanceDone      bool
	firstDataAt             time.Time
	lastDataAt              time.Time
	lastIdleEventAt         time.Time
	ackCountSinceFlush      int
	lastAckFlushAt          time.Time
	fatalErr                error
}

// New builds a Container. The returned container is STOPPED until Start is
// called.
func New(id string, props kafkaiface.ContainerProperties, factory kafkaiface.ConsumerFactory, opts ...Option) *Container {
	c := &Container{
		id:                    id,
		props:                 props,
		consumerFactory:       factory,
		publisher:             event.Discard,
		log:                   klog.Nop{},
		tracker:               offset.New(),
		partitions:            newPartitionTable(),
		seeker:                NewSeeker(),
		commands:              newCommandQueue(256),
		pendingPartitionPause: make(map[kafkaiface.TopicPartition]bool),
		state:                 StateStopped,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.errHandler == nil {
		c.errHandler = errhandler.NewHandler(nil, 0, props.SeeksAfterHandling)
	}
	return c
}

func (c *Container) ID() string { return c.id }

func (c *Container) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsContainerPaused reports whether pause has been requested and every
// currently assigned partition is effectively paused at the consumer (spec
// §4.1).
func (c *Container) IsContainerPaused() bool { return c.containerPaused.Load() }

// AssignedPartitions returns the partitions currently owned by this
// container.
func (c *Container) AssignedPartitions() []kafkaiface.TopicPartition {
	return c.partitions.assignedPartitions()
}

// Pause, Resume, PausePartition, ResumePartition queue commands drained by
// the poll thread (spec §4.1). Idempotent: pausing twice has the same
// effect as pausing once.
func (c *Container) Pause()  { c.commands.post(command{kind: cmdPause}) }
func (c *Container) Resume() { c.commands.post(command{kind: cmdResume}) }
func (c *Container) PausePartition(tp kafkaiface.TopicPartition) {
	c.commands.post(command{kind: cmdPausePartition, tp: tp})
}
func (c *Container) ResumePartition(tp kafkaiface.TopicPartition) {
	c.commands.post(command{kind: cmdResumePartition, tp: tp})
}

// RequestSeek queues a deferred seek (spec C1), applied at the top of the
// next poll-loop iteration.
func (c *Container) RequestSeek(req SeekRequest) { c.seeker.Request(req) }

// Start transitions STOPPED -> STARTING -> RUNNING (spec §4.1). Idempotent:
// calling Start on a non-stopped container is a no-op.
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateStopped {
		c.mu.Unlock()
		return nil
	}
	c.state = StateStarting
	c.mu.Unlock()
	c.publish(event.KindStarting, nil, nil)

	if c.dispatcher == DispatchBatch || c.dispatcher == DispatchSubBatchPerPartition {
		if c.batchHandler == nil {
			return c.failToStart(errors.New("listener: batch dispatcher configured without a batch handler"))
		}
	} else if c.recordHandler == nil {
		return c.failToStart(errors.New("listener: no record handler configured"))
	}

	consumer, err := c.consumerFactory.Create(ctx, c.props.GroupID, c.props.ClientIDPrefix, c.clientIDSuffix, nil)
	if err != nil {
		return c.failToStart(errors.Wrap(err, "listener: create consumer"))
	}

	if c.retryTopicBackoff && c.delayed == nil {
		c.delayed = retrytopic.NewDelayedRecordHandler(consumer, c.log)
	}

	c.mu.Lock()
	c.consumer = consumer
	c.stopSignal = make(chan struct{})
	c.stopped = make(chan struct{})
	c.monitorStop = make(chan struct{})
	c.monitorDone = make(chan struct{})
	c.stopOnce = &sync.Once{}
	c.state = StateRunning
	c.firstRebalanceDone = false
	c.mu.Unlock()

	if err := c.subscribe(ctx); err != nil {
		c.mu.Lock()
		c.state = StateStopped
		c.mu.Unlock()
		_ = consumer.Close(0)
		c.publish(event.KindFailedToStart, nil, err)
		return err
	}

	c.publish(event.KindStarted, nil, nil)
	go c.monitor()
	go c.loop(ctx)
	return nil
}

func (c *Container) failToStart(err error) error {
	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()
	c.publish(event.KindFailedToStart, nil, err)
	return err
}

// subscribe hands the consumer over to either explicit static assignment or
// group membership. Explicit assignment has no broker-driven rebalance
// protocol to invoke OnPartitionsAssigned for us, so we call it ourselves
// once the assignment succeeds; group mode relies on the consumer invoking
// the RebalanceListener methods it was handed.
func (c *Container) subscribe(ctx context.Context) error {
	if len(c.props.Partitions) > 0 {
		if err := c.consumer.Assign(ctx, c.props.Partitions); err != nil {
			return err
		}
		c.OnPartitionsAssigned(ctx, c.props.Partitions)
		return nil
	}
	return c.consumer.Subscribe(ctx, c.props.Topics, c.props.TopicRegexp, c)
}

// Stop signals the poll loop to exit once its current iteration finishes,
// waits up to timeout, then returns. Idempotent.
func (c *Container) Stop(timeout time.Duration) {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return
	}
	c.state = StateStopping
	stopSignal, stopped, consumer, once := c.stopSignal, c.stopped, c.consumer, c.stopOnce
	c.mu.Unlock()

	if consumer != nil {
		consumer.Wakeup()
	}
	once.Do(func() { close(stopSignal) })

	select {
	case <-stopped:
	case <-time.After(timeout):
	}
}

func (c *Container) loop(ctx context.Context) {
	defer close(c.stopped)
	manualCommitted := make(map[kafkaiface.TopicPartition]int64)
	for {
		select {
		case <-c.stopSignal:
			c.shutdown(ctx, nil)
			return
		default:
		}

		c.drainCommands()
		c.drainSeeks(ctx)
		if c.delayed != nil {
			c.delayed.ResumeElapsed(time.Now())
		}
		// AckManual: commit what the handler has acknowledged at the poll boundary.
		if c.props.AckMode == kafkaiface.AckManual {
			for _, tp := range c.partitions.assignedPartitions() {
				if o, ok := c.tracker.PendingCommit(tp); ok && o.Offset != manualCommitted[tp] {
					group, _ := c.consumer.GroupMetadata()
					if c.commitOffsets(ctx, map[kafkaiface.TopicPartition]kafkaiface.OffsetAndMetadata{tp: o}, group) == nil {
						manualCommitted[tp] = o.Offset
					}
				}
			}
		}

		if len(c.remainingRecords) > 0 {
			records := c.remainingRecords
			c.remainingRecords = nil
			if c.dispatchPoll(ctx, records) {
				c.shutdown(ctx, c.fatalErr)
				return
			}
			if len(c.remainingRecords) == 0 {
				c.resumeAfterRetainDrain()
			}
			continue
		}

		timeout := c.props.PollTimeout
		if c.IsContainerPaused() {
			timeout = c.props.PollTimeoutWhilePaused
		}

		records, err := c.consumer.Poll(ctx, timeout)
		c.lastPollAtNanos.Store(time.Now().UnixNano())
		if err != nil {
			if c.handlePollError(ctx, err) {
				c.shutdown(ctx, c.fatalErr)
				return
			}
			continue
		}

		c.checkIdle(records)
		if c.delayed != nil && len(records) > 0 {
			records = c.admitDelayed(records)
		}
		if len(records) == 0 {
			continue
		}

		if c.dispatchPoll(ctx, records) {
			c.shutdown(ctx, c.fatalErr)
			return
		}
	}
}

func (c *Container) shutdown(ctx context.Context, cause error) {
	c.mu.Lock()
	c.state = StateStopping
	consumer := c.consumer
	c.mu.Unlock()

	if consumer != nil {
		_ = consumer.Close(c.props.ShutdownTimeout)
	}
	close(c.monitorStop)
	<-c.monitorDone

	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()
	c.publish(event.KindStopped, nil, cause)
}

func (c *Container) monitor() {
	defer close(c.monitorDone)
	interval := c.props.MonitorInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.monitorStop:
			return
		case <-ticker.C:
			c.checkNonResponsive()
		}
	}
}

func (c *Container) checkNonResponsive() {
	if c.props.PollTimeout <= 0 || c.props.NoPollThresholdMultiplier <= 0 {
		return
	}
	threshold := time.Duration(float64(c.props.PollTimeout) * c.props.NoPollThresholdMultiplier)
	last := c.lastPollAtNanos.Load()
	if last == 0 {
		return
	}
	age := time.Since(time.Unix(0, last))
	if age > threshold {
		c.publishLastPollAgo(age)
	}
}

func (c *Container) checkIdle(records kafkaiface.Records) {
	now := time.Now()
	if len(records) > 0 {
		if c.firstDataAt.IsZero() {
			c.firstDataAt = now
		}
		c.lastDataAt = now
		return
	}
	var threshold time.Duration
	if c.firstDataAt.IsZero() {
		threshold = time.Duration(float64(c.props.IdleEventInterval) * float64(c.props.IdleBeforeDataMultiplier))
	} else {
		threshold = c.props.IdleEventInterval
	}
	if threshold <= 0 {
		return
	}
	reference := c.lastDataAt
	if reference.IsZero() {
		reference = now
	}
	if now.Sub(reference) >= threshold && now.Sub(c.lastIdleEventAt) >= threshold {
		c.publishIdle(now.Sub(reference))
		c.lastIdleEventAt = now
	}
}

func (c *Container) admitDelayed(records kafkaiface.Records) kafkaiface.Records {
	out := make(kafkaiface.Records, 0, len(records))
	held := make(map[kafkaiface.TopicPartition]bool)
	for _, r := range records {
		tp := r.TopicPartition()
		if held[tp] {
			continue
		}
		if c.delayed.Admit(r) {
			out = append(out, r)
			continue
		}
		// hold back r and the rest of its partition; seek back so they are
		// fetched again once the partition resumes
		held[tp] = true
		c.consumer.Seek(tp, r.Offset)
	}
	return out
}

func (c *Container) drainCommands() {
	for _, cmd := range c.commands.drain() {
		switch cmd.kind {
		case cmdPause:
			c.pauseRequested = true
			c.applyContainerPause()
		case cmdResume:
			c.pauseRequested = false
			c.applyContainerResume()
		case cmdPausePartition:
			delete(c.pendingPartitionPause, cmd.tp)
			if ps, ok := c.partitions.get(cmd.tp); ok {
				ps.pauseRequested = true
				c.ensurePaused(cmd.tp, ps)
			} else {
				c.pendingPartitionPause[cmd.tp] = true
			}
		case cmdResumePartition:
			delete(c.pendingPartitionPause, cmd.tp)
			if ps, ok := c.partitions.get(cmd.tp); ok {
				ps.pauseRequested = false
				c.ensureResumed(cmd.tp, ps)
			}
		case cmdGapPause:
			if ps, ok := c.partitions.get(cmd.tp); ok {
				c.ensureGapPaused(cmd.tp, ps)
			}
		case cmdGapResume:
			if ps, ok := c.partitions.get(cmd.tp); ok {
				c.ensureGapResumed(cmd.tp, ps)
			}
		}
	}
	c.recomputeContainerPaused()
}

func (c *Container) ensurePaused(tp kafkaiface.TopicPartition, ps *partitionState) {
	if !ps.effectivelyPaused {
		c.consumer.Pause([]kafkaiface.TopicPartition{tp})
		ps.effectivelyPaused = true
	}
}

func (c *Container) ensureResumed(tp kafkaiface.TopicPartition, ps *partitionState) {
	if ps.effectivelyPaused && !ps.pauseRequested && !c.pauseRequested && !ps.gapPaused {
		c.consumer.Resume([]kafkaiface.TopicPartition{tp})
		ps.effectivelyPaused = false
	}
}

// ensureGapPaused pauses tp because offset.Tracker reported an unacked gap
// behind the latest ack (spec §8, scenario S4): the partition stays paused
// until the gap clears, independent of any user-requested pause.
func (c *Container) ensureGapPaused(tp kafkaiface.TopicPartition, ps *partitionState) {
	ps.gapPaused = true
	c.ensurePaused(tp, ps)
}

// ensureGapResumed clears the gap-pause once the tracker reports the
// partition caught up; the partition only actually resumes at the consumer
// if nothing else (user pause, container pause) is still holding it.
func (c *Container) ensureGapResumed(tp kafkaiface.TopicPartition, ps *partitionState) {
	ps.gapPaused = false
	c.ensureResumed(tp, ps)
}

func (c *Container) applyContainerPause() {
	for tp, ps := range c.partitions.snapshot() {
		c.ensurePaused(tp, ps)
	}
}

func (c *Container) applyContainerResume() {
	for tp, ps := range c.partitions.snapshot() {
		c.ensureResumed(tp, ps)
	}
}

func (c *Container) recomputeContainerPaused() {
	if !c.pauseRequested {
		c.containerPaused.Store(false)
		return
	}
	for _, ps := range c.partitions.snapshot() {
		if !ps.effectivelyPaused {
			c.containerPaused.Store(false)
			return
		}
	}
	c.containerPaused.Store(true)
}

func (c *Container) resumeAfterRetainDrain() {
	for tp, ps := range c.partitions.snapshot() {
		if !ps.pauseRequested && !ps.gapPaused && ps.effectivelyPaused {
			c.consumer.Resume([]kafkaiface.TopicPartition{tp})
			ps.effectivelyPaused = false
		}
	}
	c.recomputeContainerPaused()
}

func (c *Container) drainSeeks(ctx context.Context) {
	reqs := c.seeker.Drain()
	if len(reqs) == 0 {
		return
	}
	var timestampReqs []SeekRequest
	for _, r := range reqs {
		if r.Kind == SeekToTimestamp {
			timestampReqs = append(timestampReqs, r)
			continue
		}
		if err := r.Apply(c.consumer); err != nil {
			c.log.Log(klog.LevelWarn, "seek failed", "partition", r.TP.String(), "err", err)
		}
	}
	if len(timestampReqs) == 0 {
		return
	}
	at := make(map[kafkaiface.TopicPartition]time.Time, len(timestampReqs))
	for _, r := range timestampReqs {
		at[r.TP] = r.Timestamp
	}
	resolved, err := c.consumer.OffsetsForTimes(ctx, at)
	if err != nil {
		c.log.Log(klog.LevelWarn, "offsets-for-times failed", "err", err)
		return
	}
	for tp, off := range resolved {
		c.consumer.Seek(tp, off)
	}
}

func (c *Container) handlePollError(ctx context.Context, err error) (fatal bool) {
	kind := kafkaiface.ErrorKindUnknown
	if c.errHandler.Classifier != nil {
		kind = c.errHandler.Classifier(err)
	}
	switch kind {
	case kafkaiface.ErrorKindAuth:
		if c.props.AuthExceptionRetryInterval > 0 {
			c.log.Log(klog.LevelWarn, "auth error, retrying", "err", err, "retry_in", c.props.AuthExceptionRetryInterval)
			time.Sleep(c.props.AuthExceptionRetryInterval)
			return false
		}
		c.fatalErr = err
		return true
	case kafkaiface.ErrorKindTransientBroker:
		c.log.Log(klog.LevelDebug, "transient broker error, retrying shortly", "err", err)
		time.Sleep(100 * time.Millisecond)
		return false
	case kafkaiface.ErrorKindFenced:
		if c.props.StopContainerWhenFenced {
			c.fatalErr = err
			return true
		}
		return false
	default:
		c.fatalErr = err
		return true
	}
}

// dispatchPoll delivers records to user code per c.dispatcher and reports
// whether a fatal error occurred.
func (c *Container) dispatchPoll(ctx context.Context, records kafkaiface.Records) bool {
	if c.batchInterceptor != nil && c.dispatcher != DispatchBatch && c.dispatcher != DispatchSubBatchPerPartition {
		records = c.batchInterceptor.Intercept(ctx, records)
	}

	perPartition := records.PerPartition()
	tps := make([]kafkaiface.TopicPartition, 0, len(perPartition))
	firstOffset := make(map[kafkaiface.TopicPartition]int64, len(perPartition))
	for tp, rs := range perPartition {
		tps = append(tps, tp)
		if len(rs) > 0 {
			firstOffset[tp] = rs[0].Offset
		}
		for _, r := range rs {
			c.tracker.Delivered(tp, r.Offset)
		}
	}
	sort.Slice(tps, func(i, j int) bool { return tps[i].Less(tps[j]) })

	switch c.dispatcher {
	case DispatchBatch:
		_, fatal := c.dispatchBatch(ctx, records, tps, firstOffset)
		return fatal
	case DispatchSubBatchPerPartition:
		return c.dispatchSubBatchPerPartition(ctx, perPartition, tps, firstOffset)
	default:
		return c.dispatchSingleRecord(ctx, perPartition, tps, firstOffset)
	}
}

func (c *Container) dispatchSingleRecord(ctx context.Context, perPartition map[kafkaiface.TopicPartition]kafkaiface.Records, tps []kafkaiface.TopicPartition, firstOffset map[kafkaiface.TopicPartition]int64) bool {
	for i, tp := range tps {
		recs := perPartition[tp]
		if ps, ok := c.partitions.get(tp); ok && ps.effectivelyPaused {
			continue
		}
		for j, rec := range recs {
			outcome, err := c.processOneRecord(ctx, rec)
			switch outcome {
			case outcomeOK:
				continue
			case outcomeSeekAndRetry:
				c.reseek(ctx, kafkaiface.Records{rec}, tps[i+1:], firstOffset)
				return false
			case outcomeRetain:
				c.retain(recs[j:])
				c.pauseForRetain(tp)
				c.retainUnstarted(tps[i+1:], perPartition)
				return false
			case outcomeFatal:
				c.fatalErr = err
				return true
			}
		}
	}
	if c.props.AckMode == kafkaiface.AckBatch {
		c.commitBatchHighWater(ctx, tps)
	}
	return false
}

func (c *Container) processOneRecord(ctx context.Context, rec *kafkaiface.Record) (dispatchOutcome, error) {
	tp := rec.TopicPartition()

	txEnabled := c.props.Transactional && c.producers != nil &&
		(c.props.AckMode == kafkaiface.AckRecord || c.props.AckMode == kafkaiface.AckManualImmediate)

	var p kafkaiface.Producer
	var owner producer.Owner
	var key kafkaiface.ProducerKey
	var groupMeta kafkaiface.ConsumerGroupMetadata
	if txEnabled {
		groupMeta, _ = c.consumer.GroupMetadata()
		owner = producer.Owner{GroupID: c.props.GroupID, Topic: tp.Topic, Partition: tp.Partition, ThreadKey: c.id}
		var err error
		p, key, err = c.producers.Acquire(ctx, owner)
		if err != nil {
			return c.classifyAndDecide(ctx, rec, err)
		}
		if err := p.BeginTransaction(); err != nil {
			return c.classifyAndDecide(ctx, rec, err)
		}
	}

	deliverRec := rec
	if c.recordInterceptor != nil {
		deliverRec = c.recordInterceptor.Intercept(ctx, rec)
		if deliverRec == nil {
			if txEnabled {
				_ = p.AbortTransaction(ctx)
				c.producers.Release(owner)
			}
			c.tracker.Ack(tp, rec.Offset)
			return outcomeOK, nil
		}
	}

	ack := newAcknowledgment(deliverRec, c.tracker, c.makeImmediateHook(ctx, tp), c.makeNackHook(), c.makeGapHook())
	err := c.recordHandler(ctx, deliverRec, p, ack)
	if err != nil {
		if c.recordInterceptor != nil {
			c.recordInterceptor.Failure(ctx, deliverRec, err)
		}
		if txEnabled {
			if abortErr := p.AbortTransaction(ctx); abortErr != nil {
				c.log.Log(klog.LevelError, "abort transaction failed", "err", abortErr)
			}
			c.producers.Release(owner)
		}
		return c.classifyAndDecide(ctx, rec, err)
	}

	// MANUAL/MANUAL_IMMEDIATE leave acking entirely to the handler's own
	// ack.Acknowledge()/ack.Nack() call (spec §3); auto-acking here would
	// always beat the handler to Acknowledge's idempotent first-call-wins
	// resolution and make those modes indistinguishable from AckRecord.
	if c.props.AckMode != kafkaiface.AckManual && c.props.AckMode != kafkaiface.AckManualImmediate {
		ack.Acknowledge()
	}
	if c.recordInterceptor != nil {
		c.recordInterceptor.Success(ctx, deliverRec)
	}
	c.errHandler.ClearAttempts(rec)

	if txEnabled {
		offsets := map[kafkaiface.TopicPartition]kafkaiface.OffsetAndMetadata{}
		if o, ok := c.tracker.PendingCommit(tp); ok {
			offsets[tp] = o
		}
		if err := p.SendOffsetsToTransaction(ctx, offsets, groupMeta); err != nil {
			_ = p.AbortTransaction(ctx)
			return c.classifyCommitError(ctx, rec, owner, key, err)
		}
		if err := p.CommitTransaction(ctx); err != nil {
			return c.classifyCommitError(ctx, rec, owner, key, err)
		}
		c.producers.Release(owner)
	} else {
		c.maybeFlush(ctx, tp)
	}
	return outcomeOK, nil
}

func (c *Container) classifyAndDecide(ctx context.Context, rec *kafkaiface.Record, err error) (dispatchOutcome, error) {
	switch c.errHandler.Handle(ctx, rec, err) {
	case errhandler.DecisionFatal:
		return outcomeFatal, err
	case errhandler.DecisionSeekAndRetry:
		return outcomeSeekAndRetry, err
	case errhandler.DecisionRetain:
		return outcomeRetain, err
	default:
		return outcomeOK, nil
	}
}

// classifyCommitError handles a transactional commit-path failure
// (SendOffsetsToTransaction/CommitTransaction) for the single-record
// dispatcher. A fenced producer is invalidated unconditionally (spec §4.4:
// "the slot is invalidated; next allocation creates a fresh producer") and
// only then does StopContainerWhenFenced decide whether the container stops
// (spec §4.1) or seeks back and keeps going; every other error still falls
// through to the normal per-record pipeline so unrelated failures still get
// their usual retry/DLT/fatal treatment.
func (c *Container) classifyCommitError(ctx context.Context, rec *kafkaiface.Record, owner producer.Owner, key kafkaiface.ProducerKey, err error) (dispatchOutcome, error) {
	kind := kafkaiface.ErrorKindUnknown
	if c.errHandler.Classifier != nil {
		kind = c.errHandler.Classifier(err)
	}
	if kind == kafkaiface.ErrorKindFenced {
		c.producers.Invalidate(key)
		if c.props.StopContainerWhenFenced {
			return outcomeFatal, err
		}
		return outcomeSeekAndRetry, err
	}
	c.producers.Release(owner)
	return c.classifyAndDecide(ctx, rec, err)
}

// classifyCommitErrorBatch is classifyCommitError's batch-dispatch
// counterpart.
func (c *Container) classifyCommitErrorBatch(ctx context.Context, owner producer.Owner, key kafkaiface.ProducerKey, err error, records kafkaiface.Records, firstOffset map[kafkaiface.TopicPartition]int64) (aborted, fatal bool) {
	kind := kafkaiface.ErrorKindUnknown
	if c.errHandler.Classifier != nil {
		kind = c.errHandler.Classifier(err)
	}
	if kind == kafkaiface.ErrorKindFenced {
		c.producers.Invalidate(key)
		if c.props.StopContainerWhenFenced {
			c.fatalErr = err
			return true, true
		}
		c.reseek(ctx, records, nil, firstOffset)
		return true, false
	}
	c.producers.Release(owner)
	return c.handleBatchError(ctx, err, records, firstOffset)
}

func (c *Container) makeImmediateHook(ctx context.Context, tp kafkaiface.TopicPartition) func(kafkaiface.TopicPartition, int64) {
	if c.props.AckMode != kafkaiface.AckManualImmediate {
		return nil
	}
	return func(tp kafkaiface.TopicPartition, _ int64) { c.maybeFlush(ctx, tp) }
}

func (c *Container) makeNackHook() func(kafkaiface.TopicPartition, int64, time.Duration) {
	return func(tp kafkaiface.TopicPartition, offset int64, sleep time.Duration) {
		if sleep > 0 {
			c.PausePartition(tp)
			time.AfterFunc(sleep, func() { c.ResumePartition(tp) })
		}
		c.seeker.Request(SeekRequest{TP: tp, Kind: SeekAbsolute, Offset: offset})
	}
}

// makeGapHook posts a pause/resume command for tp whenever offset.Tracker
// reports a gap opening or clearing (spec §8, scenario S4). Acknowledge can
// be called from a goroutine other than the poll thread under
// MANUAL/MANUAL_IMMEDIATE, so this crosses back over the command queue
// rather than touching the consumer directly.
func (c *Container) makeGapHook() func(kafkaiface.TopicPartition, bool) {
	return func(tp kafkaiface.TopicPartition, gapped bool) {
		if gapped {
			c.commands.post(command{kind: cmdGapPause, tp: tp})
		} else {
			c.commands.post(command{kind: cmdGapResume, tp: tp})
		}
	}
}

func (c *Container) maybeFlush(ctx context.Context, tp kafkaiface.TopicPartition) {
	switch c.props.AckMode {
	case kafkaiface.AckRecord, kafkaiface.AckManualImmediate:
		if o, ok := c.tracker.PendingCommit(tp); ok {
			group, _ := c.consumer.GroupMetadata()
			_ = c.commitOffsets(ctx, map[kafkaiface.TopicPartition]kafkaiface.OffsetAndMetadata{tp: o}, group)
		}
	case kafkaiface.AckCount:
		c.ackCountSinceFlush++
		if c.props.AckCountThreshold > 0 && c.ackCountSinceFlush >= c.props.AckCountThreshold {
			c.flushAll(ctx)
			c.ackCountSinceFlush = 0
		}
	case kafkaiface.AckCountTime:
		c.ackCountSinceFlush++
		if (c.props.AckCountThreshold > 0 && c.ackCountSinceFlush >= c.props.AckCountThreshold) ||
			(c.props.AckTimeInterval > 0 && time.Since(c.lastAckFlushAt) >= c.props.AckTimeInterval) {
			c.flushAll(ctx)
			c.ackCountSinceFlush = 0
			c.lastAckFlushAt = time.Now()
		}
	case kafkaiface.AckTime:
		if c.props.AckTimeInterval > 0 && time.Since(c.lastAckFlushAt) >= c.props.AckTimeInterval {
			c.flushAll(ctx)
			c.lastAckFlushAt = time.Now()
		}
	}
}

func (c *Container) flushAll(ctx context.Context) {
	offsets := c.tracker.PendingCommits()
	if len(offsets) == 0 {
		return
	}
	group, _ := c.consumer.GroupMetadata()
	_ = c.commitOffsets(ctx, offsets, group)
}

func (c *Container) commitOffsets(ctx context.Context, offsets map[kafkaiface.TopicPartition]kafkaiface.OffsetAndMetadata, group kafkaiface.ConsumerGroupMetadata) error {
	if len(offsets) == 0 {
		return nil
	}
	if c.props.CommitSync {
		attempts := c.props.CommitRetries
		if attempts <= 0 {
			attempts = 1
		}
		var lastErr error
		for i := 0; i < attempts; i++ {
			if err := c.consumer.CommitSync(ctx, offsets, c.props.SyncCommitTimeout); err != nil {
				lastErr = err
				continue
			}
			return nil
		}
		if lastErr != nil {
			c.log.Log(klog.LevelError, "commit retries exhausted", "err", lastErr)
		}
		return lastErr
	}
	c.consumer.CommitAsync(offsets, func(_ map[kafkaiface.TopicPartition]kafkaiface.OffsetAndMetadata, err error) {
		if err != nil {
			c.log.Log(klog.LevelError, "async commit failed", "err", err)
		}
	})
	return nil
}

func (c *Container) commitBatchHighWater(ctx context.Context, tps []kafkaiface.TopicPartition) {
	offsets := c.tracker.BatchHighWaterCommits(tps)
	if len(offsets) == 0 {
		return
	}
	group, _ := c.consumer.GroupMetadata()
	if c.props.Transactional && c.producers != nil {
		owner := producer.Owner{GroupID: c.props.GroupID, ThreadKey: c.id}
		p, _, err := c.producers.Acquire(ctx, owner)
		if err != nil {
			c.log.Log(klog.LevelError, "batch commit producer acquire failed", "err", err)
			return
		}
		if err := producer.Boundary(ctx, p, group, c.log, func(kafkaiface.Producer) (map[kafkaiface.TopicPartition]kafkaiface.OffsetAndMetadata, error) {
			return offsets, nil
		}); err != nil {
			c.log.Log(klog.LevelError, "batch transaction commit failed", "err", err)
		}
		c.producers.Release(owner)
		return
	}
	_ = c.commitOffsets(ctx, offsets, group)
}

// reseek resolves where to seek back to after a handled failure: via the
// after-rollback processor when one is configured for a transactional
// container (spec §4.5), or a plain first-offset-per-partition seek
// otherwise.
func (c *Container) reseek(ctx context.Context, rolledBack kafkaiface.Records, unstartedTps []kafkaiface.TopicPartition, firstOffset map[kafkaiface.TopicPartition]int64) {
	all := append(kafkaiface.Records{}, rolledBack...)
	for _, tp := range unstartedTps {
		if off, ok := firstOffset[tp]; ok {
			all = append(all, &kafkaiface.Record{Topic: tp.Topic, Partition: tp.Partition, Offset: off})
		}
	}
	if len(all) == 0 {
		return
	}

	if c.afterRollback != nil && c.props.Transactional && c.producers != nil {
		if c.afterRollback.Reseek == nil {
			c.afterRollback.Reseek = func(tp kafkaiface.TopicPartition, offset int64) { c.consumer.Seek(tp, offset) }
		}
		c.afterRollback.Process(ctx, all)
		return
	}

	firstPerTP := make(map[kafkaiface.TopicPartition]int64)
	for _, r := range all {
		tp := r.TopicPartition()
		if cur, ok := firstPerTP[tp]; !ok || r.Offset < cur {
			firstPerTP[tp] = r.Offset
		}
	}
	for tp, off := range firstPerTP {
		c.consumer.Seek(tp, off)
	}
}

func (c *Container) retain(recs kafkaiface.Records) {
	c.remainingRecords = append(c.remainingRecords, recs...)
}

func (c *Container) pauseForRetain(tp kafkaiface.TopicPartition) {
	if ps, ok := c.partitions.get(tp); ok {
		c.ensurePaused(tp, ps)
	}
}

func (c *Container) retainUnstarted(tps []kafkaiface.TopicPartition, perPartition map[kafkaiface.TopicPartition]kafkaiface.Records) {
	for _, tp := range tps {
		c.retain(perPartition[tp])
		c.pauseForRetain(tp)
	}
}

// dispatchBatch processes records as one unit (used directly for
// DispatchBatch, and once per partition for DispatchSubBatchPerPartition).
// It reports (aborted, fatal): aborted means the unit failed and was
// reseeked or retained; fatal means the container must stop.
func (c *Container) dispatchBatch(ctx context.Context, records kafkaiface.Records, tps []kafkaiface.TopicPartition, firstOffset map[kafkaiface.TopicPartition]int64) (aborted, fatal bool) {
	tx := c.props.Transactional && c.producers != nil
	var p kafkaiface.Producer
	var owner producer.Owner
	var key kafkaiface.ProducerKey
	var group kafkaiface.ConsumerGroupMetadata
	if tx {
		group, _ = c.consumer.GroupMetadata()
		owner = producer.Owner{GroupID: c.props.GroupID, ThreadKey: c.id}
		var err error
		p, key, err = c.producers.Acquire(ctx, owner)
		if err != nil {
			return c.handleBatchError(ctx, err, records, firstOffset)
		}
		if err := p.BeginTransaction(); err != nil {
			return c.handleBatchError(ctx, err, records, firstOffset)
		}
	}

	err := c.batchHandler(ctx, records, p)
	if err != nil {
		if tx {
			_ = p.AbortTransaction(ctx)
			c.producers.Release(owner)
		}
		if c.batchInterceptor != nil {
			c.batchInterceptor.Failure(ctx, records, err)
		}
		return c.handleBatchError(ctx, err, records, firstOffset)
	}

	if c.batchInterceptor != nil {
		c.batchInterceptor.Success(ctx, records)
	}
	for _, r := range records {
		c.tracker.Ack(r.TopicPartition(), r.Offset)
	}
	for _, tp := range tps {
		c.errHandler.DropPartition(tp) // batch succeeded: clear any stale per-record attempt counts for this partition
	}

	offsets := c.tracker.BatchHighWaterCommits(tps)
	if tx {
		if err := p.SendOffsetsToTransaction(ctx, offsets, group); err != nil {
			_ = p.AbortTransaction(ctx)
			return c.classifyCommitErrorBatch(ctx, owner, key, err, records, firstOffset)
		}
		if err := p.CommitTransaction(ctx); err != nil {
			return c.classifyCommitErrorBatch(ctx, owner, key, err, records, firstOffset)
		}
		c.producers.Release(owner)
		return false, false
	}
	_ = c.commitOffsets(ctx, offsets, group)
	return false, false
}

// handleBatchError decides what to do after a whole-batch (or whole-
// partition, for DispatchSubBatchPerPartition) unit fails. Handle(ctx, nil,
// err) only ever resolves to DecisionFatal or DecisionSeekAndRetry for a
// nil record (see errhandler.Handler.Handle), so there is no retain branch
// at batch granularity: a failed batch always either stops the container
// or replays from each partition's first offset in the batch.
func (c *Container) handleBatchError(ctx context.Context, err error, records kafkaiface.Records, firstOffset map[kafkaiface.TopicPartition]int64) (aborted, fatal bool) {
	if c.errHandler.Handle(ctx, nil, err) == errhandler.DecisionFatal {
		c.fatalErr = err
		return true, true
	}
	c.reseek(ctx, records, nil, firstOffset)
	return true, false
}

func (c *Container) dispatchSubBatchPerPartition(ctx context.Context, perPartition map[kafkaiface.TopicPartition]kafkaiface.Records, tps []kafkaiface.TopicPartition, firstOffset map[kafkaiface.TopicPartition]int64) bool {
	for i, tp := range tps {
		recs := perPartition[tp]
		if len(recs) == 0 {
			continue
		}
		aborted, fatal := c.dispatchBatch(ctx, recs, []kafkaiface.TopicPartition{tp}, firstOffset)
		if fatal {
			return true
		}
		if aborted {
			for _, rest := range tps[i+1:] {
				if off, ok := firstOffset[rest]; ok {
					c.consumer.Seek(rest, off)
				}
			}
			return false
		}
	}
	return false
}

// --- events ---

func (c *Container) publish(kind event.Kind, partitions []kafkaiface.TopicPartition, err error) {
	c.publisher.Publish(event.Event{
		Kind:        kind,
		Source:      "listener",
		ContainerID: c.id,
		Timestamp:   time.Now(),
		Partitions:  partitions,
		Err:         err,
	})
}

func (c *Container) publishIdle(idleFor time.Duration) {
	c.publisher.Publish(event.Event{
		Kind:        event.KindIdle,
		Source:      "listener",
		ContainerID: c.id,
		Timestamp:   time.Now(),
		IdleFor:     idleFor,
	})
}

func (c *Container) publishLastPollAgo(lastPollAgo time.Duration) {
	c.publisher.Publish(event.Event{
		Kind:        event.KindNonResponsive,
		Source:      "listener",
		ContainerID: c.id,
		Timestamp:   time.Now(),
		LastPollAgo: lastPollAgo,
	})
}
