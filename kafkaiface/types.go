// Package kafkaiface defines the wire-ish data model and the external
// collaborator interfaces the core runtime is driven through: a
// consumer/producer abstraction modeled one-for-one on the real
// github.com/twmb/franz-go/pkg/kgo client, so that kgoadapter's default
// bindings are a thin pass-through rather than a translation layer.
package kafkaiface

import (
	"context"
	"time"
)

// TopicPartition identifies a single partition of a topic. Equality is by
// value; ordering is by Topic then Partition.
type TopicPartition struct {
	Topic     string
	Partition int32
}

// Less implements a total order: topic name, then partition number.
func (tp TopicPartition) Less(other TopicPartition) bool {
	if tp.Topic != other.Topic {
		return tp.Topic < other.Topic
	}
	return tp.Partition < other.Partition
}

func (tp TopicPartition) String() string {
	return tp.Topic + "-" + itoa(tp.Partition)
}

func itoa(i int32) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [12]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

// OffsetAndMetadata is the offset that is next eligible to be read, plus
// optional commit metadata and leader epoch fencing.
//
// Invariant: Offset <= high-water-mark + 1.
type OffsetAndMetadata struct {
	Offset      int64
	Metadata    string
	LeaderEpoch *int32
}

// Header is a single record header.
type Header struct {
	Key   string
	Value []byte
}

// Record is a single polled or produced Kafka record.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   []Header
	Timestamp time.Time
}

// TopicPartition returns the (topic, partition) this record belongs to.
func (r *Record) TopicPartition() TopicPartition {
	return TopicPartition{Topic: r.Topic, Partition: r.Partition}
}

// Header looks up the first header with the given key, reporting whether it
// was present.
func (r *Record) Header(key string) ([]byte, bool) {
	for _, h := range r.Headers {
		if h.Key == key {
			return h.Value, true
		}
	}
	return nil, false
}

// SetHeader replaces (or appends) a header by key.
func (r *Record) SetHeader(key string, value []byte) {
	for i := range r.Headers {
		if r.Headers[i].Key == key {
			r.Headers[i].Value = value
			return
		}
	}
	r.Headers = append(r.Headers, Header{Key: key, Value: value})
}

// Records is a batch of polled records, as returned by a single Poll call.
// PerPartition groups them preserving relative order within each partition.
type Records []*Record

// PerPartition groups records by TopicPartition, preserving the relative
// order the client returned them in.
func (rs Records) PerPartition() map[TopicPartition]Records {
	out := make(map[TopicPartition]Records)
	for _, r := range rs {
		tp := r.TopicPartition()
		out[tp] = append(out[tp], r)
	}
	return out
}

// ConsumerGroupMetadata is the group-membership snapshot a transactional
// producer needs to call SendOffsetsToTransaction with group-aware fencing.
type ConsumerGroupMetadata struct {
	GroupID      string
	GenerationID int32
	MemberID     string
	InstanceID   *string
}

// AckMode selects when a consumed record's offset becomes eligible to
// commit.
type AckMode int

const (
	// AckRecord commits after every record.
	AckRecord AckMode = iota
	// AckBatch commits once at the end of each poll batch.
	AckBatch
	// AckTime commits on a fixed time interval.
	AckTime
	// AckCount commits after a fixed number of acked records.
	AckCount
	// AckCountTime commits on whichever of AckCount/AckTime triggers first.
	AckCountTime
	// AckManual commits only when the acknowledgment handle is invoked,
	// deferred until the next poll boundary.
	AckManual
	// AckManualImmediate commits from the acknowledgment handle directly on
	// the poll thread, bypassing the next-poll-boundary deferral.
	AckManualImmediate
)

func (m AckMode) String() string {
	switch m {
	case AckRecord:
		return "RECORD"
	case AckBatch:
		return "BATCH"
	case AckTime:
		return "TIME"
	case AckCount:
		return "COUNT"
	case AckCountTime:
		return "COUNT_TIME"
	case AckManual:
		return "MANUAL"
	case AckManualImmediate:
		return "MANUAL_IMMEDIATE"
	default:
		return "UNKNOWN"
	}
}

// AssignmentCommitOption controls whether an initial offset is committed
// the first time a partition is assigned and has no prior committed offset.
type AssignmentCommitOption int

const (
	// AssignmentCommitNever never performs an initial commit.
	AssignmentCommitNever AssignmentCommitOption = iota
	// AssignmentCommitAlways always performs the initial commit when there
	// is no prior committed offset.
	AssignmentCommitAlways
	// AssignmentCommitLatestOnly commits only when the broker-side reset
	// policy is "latest".
	AssignmentCommitLatestOnly
	// AssignmentCommitLatestOnlyNoTx is AssignmentCommitLatestOnly, but the
	// commit must never be wrapped in a throwaway transaction.
	AssignmentCommitLatestOnlyNoTx
)

// ResetPolicy mirrors the broker-side auto.offset.reset policy, as reported
// by the consumer factory for a given topic.
type ResetPolicy int

const (
	ResetPolicyEarliest ResetPolicy = iota
	ResetPolicyLatest
	ResetPolicyNone
)

// ErrorKind classifies a thrown error for routing decisions in the error
// handler pipeline (spec §7) and for DestinationTopic.MatchingExceptions
// (spec §3) matching.
type ErrorKind int

const (
	ErrorKindUnknown ErrorKind = iota
	ErrorKindSerialization
	ErrorKindListener
	ErrorKindTransientBroker
	ErrorKindFenced
	ErrorKindAuth
	ErrorKindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindSerialization:
		return "SerializationError"
	case ErrorKindListener:
		return "ListenerError"
	case ErrorKindTransientBroker:
		return "TransientBrokerError"
	case ErrorKindFenced:
		return "FencedError"
	case ErrorKindAuth:
		return "AuthError"
	case ErrorKindFatal:
		return "FatalError"
	default:
		return "UnknownError"
	}
}

// ContainerProperties is the configuration snapshot frozen at container
// start time (spec §3).
type ContainerProperties struct {
	Topics      []string
	TopicRegexp string // compiled by the caller; empty means explicit Topics/Partitions
	Partitions  []TopicPartition

	GroupID              string
	ClientIDPrefix       string
	GroupInstanceID      string
	ContainerID          string

	AckMode AckMode

	PollTimeout            time.Duration
	PollTimeoutWhilePaused time.Duration

	IdleEventInterval          time.Duration
	IdleBeforeDataMultiplier   int
	IdlePartitionEventInterval time.Duration

	CommitSync         bool
	SyncCommitTimeout  time.Duration
	CommitRetries      int
	AssignmentCommit   AssignmentCommitOption

	AckCountThreshold int
	AckTimeInterval   time.Duration

	AuthExceptionRetryInterval time.Duration // zero means fatal on auth error

	NoPollThresholdMultiplier float64
	MonitorInterval           time.Duration

	PauseImmediate       bool
	StopImmediate        bool
	SubBatchPerPartition bool
	AsyncAcks            bool

	SeeksAfterHandling      bool
	StopContainerWhenFenced bool

	ShutdownTimeout time.Duration

	Transactional bool
}

// DestinationKind classifies a node in a retry-topic chain (spec §3).
type DestinationKind int

const (
	DestinationMain DestinationKind = iota
	DestinationRetry
	DestinationReusableRetry
	DestinationDLT
	DestinationNoOps
)

func (k DestinationKind) String() string {
	switch k {
	case DestinationMain:
		return "MAIN"
	case DestinationRetry:
		return "RETRY"
	case DestinationReusableRetry:
		return "REUSABLE_RETRY"
	case DestinationDLT:
		return "DLT"
	case DestinationNoOps:
		return "NO_OPS"
	default:
		return "UNKNOWN"
	}
}

// DltStrategy controls what happens when a record exhausts its retry budget
// (spec §4.6).
type DltStrategy int

const (
	// DltFailOnError propagates a DLT publish failure and stops the
	// container.
	DltFailOnError DltStrategy = iota
	// DltAlwaysRetryOnError is carried on chain nodes, but retrytopic's
	// Router does not act on it: a DLT publish failure is returned to the
	// caller exactly as under DltFailOnError.
	DltAlwaysRetryOnError
	// DltNone means the last retry hop is terminal; exhaustion is a silent,
	// logged drop.
	DltNone
)

// DestinationTopic is one node of a retry-topic chain (spec §3).
type DestinationTopic struct {
	Name                 string
	Suffix               string
	Kind                 DestinationKind
	DelayMs              int64
	NumPartitions        int32
	Replicas             int16
	DltStrategy          DltStrategy
	ShouldRetry          func(attempt int, kind ErrorKind) bool
	TimeoutMs            int64
	ProducerID           string
	MatchingExceptions   map[ErrorKind]struct{}
}

// ProducerKey identifies a slot in the transactional producer cache
// (spec §3).
type ProducerKey struct {
	TransactionalIDPrefix string
	Suffix                string
}

func (k ProducerKey) TransactionalID() string {
	if k.Suffix == "" {
		return k.TransactionalIDPrefix
	}
	return k.TransactionalIDPrefix + "-" + k.Suffix
}

// RebalanceListener receives partition-assignment lifecycle callbacks. All
// methods are invoked on the poll thread of the owning container.
type RebalanceListener interface {
	OnPartitionsAssigned(ctx context.Context, assigned []TopicPartition)
	OnPartitionsRevokedBeforeCommit(ctx context.Context, revoked []TopicPartition)
	OnPartitionsRevokedAfterCommit(ctx context.Context, revoked []TopicPartition, commitErr error)
	OnPartitionsLost(ctx context.Context, lost []TopicPartition)
}

// NoopRebalanceListener is embeddable by callers who only care about a
// subset of callbacks.
type NoopRebalanceListener struct{}

func (NoopRebalanceListener) OnPartitionsAssigned(context.Context, []TopicPartition)            {}
func (NoopRebalanceListener) OnPartitionsRevokedBeforeCommit(context.Context, []TopicPartition) {}
func (NoopRebalanceListener) OnPartitionsRevokedAfterCommit(context.Context, []TopicPartition, error) {
}
func (NoopRebalanceListener) OnPartitionsLost(context.Context, []TopicPartition) {}

// RecordInterceptor wraps single-record delivery (spec §6).
type RecordInterceptor interface {
	// Intercept may return a different record, or nil to skip delivery.
	Intercept(ctx context.Context, record *Record) *Record
	Success(ctx context.Context, record *Record)
	Failure(ctx context.Context, record *Record, err error)
}

// BatchInterceptor wraps whole-batch delivery (spec §6).
type BatchInterceptor interface {
	Intercept(ctx context.Context, records Records) Records
	Success(ctx context.Context, records Records)
	Failure(ctx context.Context, records Records, err error)
}

// Consumer mirrors the real Kafka client's consumer surface (spec §6). A
// single Consumer is only ever driven from its owning container's poll
// goroutine.
type Consumer interface {
	Subscribe(ctx context.Context, topics []string, topicPattern string, listener RebalanceListener) error
	Assign(ctx context.Context, partitions []TopicPartition) error

	Poll(ctx context.Context, timeout time.Duration) (Records, error)

	CommitSync(ctx context.Context, offsets map[TopicPartition]OffsetAndMetadata, timeout time.Duration) error
	CommitAsync(offsets map[TopicPartition]OffsetAndMetadata, callback func(map[TopicPartition]OffsetAndMetadata, error))

	Seek(tp TopicPartition, offset int64)
	SeekToBeginning(tps []TopicPartition)
	SeekToEnd(tps []TopicPartition)
	OffsetsForTimes(ctx context.Context, at map[TopicPartition]time.Time) (map[TopicPartition]int64, error)
	BeginningOffsets(ctx context.Context, tps []TopicPartition) (map[TopicPartition]int64, error)
	EndOffsets(ctx context.Context, tps []TopicPartition) (map[TopicPartition]int64, error)

	Pause(tps []TopicPartition)
	Resume(tps []TopicPartition)

	Position(tp TopicPartition) (int64, error)
	Committed(ctx context.Context, tps []TopicPartition) (map[TopicPartition]OffsetAndMetadata, error)
	ResetPolicy(topic string) ResetPolicy

	Close(timeout time.Duration) error
	Wakeup()

	GroupMetadata() (ConsumerGroupMetadata, error)
}

// ConsumerFactory creates a fresh Consumer per container (re)start. The core
// never reuses a closed consumer across a restart.
type ConsumerFactory interface {
	Create(ctx context.Context, groupID, clientIDPrefix, clientIDSuffix string, overrides map[string]any) (Consumer, error)
}

// Producer mirrors the real Kafka client's producer surface (spec §6).
type Producer interface {
	BeginTransaction() error
	Send(ctx context.Context, record *Record, callback func(*Record, error))
	SendOffsetsToTransaction(ctx context.Context, offsets map[TopicPartition]OffsetAndMetadata, group ConsumerGroupMetadata) error
	CommitTransaction(ctx context.Context) error
	AbortTransaction(ctx context.Context) error
	Flush(ctx context.Context) error
	Close(timeout time.Duration) error
}

// ProducerFactory creates and releases Producer instances. CloseThreadBoundProducer
// releases a producer-per-thread-cached instance bound to the calling
// goroutine's logical owner (see producer.TransactionalFactory).
type ProducerFactory interface {
	CreateProducer(ctx context.Context, key ProducerKey) (Producer, error)
	CloseThreadBoundProducer(key ProducerKey)
}
