// Package listener implements the single-threaded and concurrent listener
// containers (spec components C1, C2, C7, C8, C9): the poll loop, partition
// state machine, transactional boundaries, seek callback, acknowledgment
// handle, and the registry that starts/stops named containers.
//
// The poll-loop/command-queue shape is modeled on uber-go/kafka-client's
// partitionConsumer (start/stop/drain lifecycle via a RunLifecycle-style
// state guard) and on aws/go-kafka-event-source's partitionWorker select
// loop (see DESIGN.md).
package listener

import (
	"sync"
	"time"

	"github.com/mu-l/kafkalistener/kafkaiface"
)

// SeekKind selects how a deferred seek request resolves an offset.
type SeekKind int

const (
	SeekAbsolute SeekKind = iota
	SeekRelative
	SeekToBeginning
	SeekToEnd
	SeekToTimestamp
)

// SeekRequest is a deferred seek issued by user code (spec C1: "Lets user
// code issue relative/absolute/timestamp seeks that are deferred until the
// poll thread owns the consumer").
type SeekRequest struct {
	TP        kafkaiface.TopicPartition
	Kind      SeekKind
	Offset    int64     // SeekAbsolute: target offset. SeekRelative: delta from current position.
	Timestamp time.Time // SeekToTimestamp only.
}

// Seeker accumulates seek requests from any goroutine and hands them to the
// poll thread once per iteration. Only the most recent request per
// partition survives — issuing a second seek for the same partition before
// the first is drained supersedes it, matching the "deferred until the poll
// thread owns the consumer" contract without needing an unbounded queue.
type Seeker struct {
	mu      sync.Mutex
	pending map[kafkaiface.TopicPartition]SeekRequest
}

// NewSeeker builds an empty Seeker.
func NewSeeker() *Seeker {
	return &Seeker{pending: make(map[kafkaiface.TopicPartition]SeekRequest)}
}

// Request queues req, overwriting any not-yet-drained request for the same
// partition.
func (s *Seeker) Request(req SeekRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[req.TP] = req
}

// Drain returns every pending request and clears the queue. Called once per
// poll-loop iteration, before polling.
func (s *Seeker) Drain() []SeekRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	out := make([]SeekRequest, 0, len(s.pending))
	for _, req := range s.pending {
		out = append(out, req)
	}
	s.pending = make(map[kafkaiface.TopicPartition]SeekRequest)
	return out
}

// Apply resolves and performs req against consumer. Relative and timestamp
// seeks need the consumer to compute the target offset; absolute and
// beginning/end seeks are direct pass-throughs.
func (req SeekRequest) Apply(consumer kafkaiface.Consumer) error {
	switch req.Kind {
	case SeekAbsolute:
		consumer.Seek(req.TP, req.Offset)
		return nil
	case SeekRelative:
		pos, err := consumer.Position(req.TP)
		if err != nil {
			return err
		}
		consumer.Seek(req.TP, pos+req.Offset)
		return nil
	case SeekToBeginning:
		consumer.SeekToBeginning([]kafkaiface.TopicPartition{req.TP})
		return nil
	case SeekToEnd:
		consumer.SeekToEnd([]kafkaiface.TopicPartition{req.TP})
		return nil
	case SeekToTimestamp:
		return nil // resolved by the caller via OffsetsForTimes before Apply; see Container.drainSeeks
	default:
		return nil
	}
}
