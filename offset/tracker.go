// Package offset implements the per-partition offset tracker (spec §4.3,
// component C3): it decides which offsets are eligible to commit under
// each ack mode, and detects the "gap" condition (an acked offset behind
// an unacked earlier one) that pauses a partition.
//
// The gap-tracking ring is a plain slice, not a third-party deque: the
// retrieved corpus's own analog (uber-go/kafka-client's ackManager, see
// DESIGN.md) is itself hand-rolled over a slice, so there is no ecosystem
// library being passed over here.
package offset

import (
	"sync"

	"github.com/mu-l/kafkalistener/kafkaiface"
)

// partitionState tracks in-flight and acked offsets for one partition.
type partitionState struct {
	inFlight []int64        // offsets delivered, not yet popped off the front
	acked    map[int64]bool // offsets acknowledged, keyed absolute offset
	pending  *int64         // highest offset+1 safe to commit, nil if none yet
	highWater int64         // BATCH mode: highest delivered offset + 1
	gapped   bool
}

// Tracker is the offset tracker for every partition currently owned by a
// single container. It is confined to the container's poll goroutine; no
// internal locking is required by that confinement, but a mutex is kept
// because ManualImmediate acks (spec: "commits ... directly on the poll
// thread") can race with the poll loop's deferred-ack bookkeeping when an
// application invokes the ack handle off-thread before the tracker makes it
// back to the loop.
type Tracker struct {
	mu         sync.Mutex
	partitions map[kafkaiface.TopicPartition]*partitionState
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{partitions: make(map[kafkaiface.TopicPartition]*partitionState)}
}

func (t *Tracker) state(tp kafkaiface.TopicPartition) *partitionState {
	s, ok := t.partitions[tp]
	if !ok {
		s = &partitionState{acked: make(map[int64]bool)}
		t.partitions[tp] = s
	}
	return s
}

// Assign creates tracking state for a newly assigned partition (spec:
// partition-state lifecycle begins on onPartitionsAssigned).
func (t *Tracker) Assign(tp kafkaiface.TopicPartition) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state(tp)
}

// Revoke drops tracking state for a revoked partition. Must only be called
// after any pending offset for tp has already been committed
// (onPartitionsRevokedAfterCommit, spec §3/§4.7).
func (t *Tracker) Revoke(tp kafkaiface.TopicPartition) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.partitions, tp)
}

// Delivered records that a record at offset o has been handed to the
// listener, appending it to the in-flight deque. A redelivery after a
// seek-back (an offset not above the last one in flight) is already
// tracked and is not appended again.
func (t *Tracker) Delivered(tp kafkaiface.TopicPartition, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.state(tp)
	if n := len(s.inFlight); n == 0 || offset > s.inFlight[n-1] {
		s.inFlight = append(s.inFlight, offset)
	}
	if offset+1 > s.highWater {
		s.highWater = offset + 1
	}
}

// Ack acknowledges offset o for tp, advancing the partition's pending
// commit offset as far as the unbroken acked prefix allows. It returns
// whether the partition has a gap (an earlier in-flight offset still
// unacked) and must remain paused.
func (t *Tracker) Ack(tp kafkaiface.TopicPartition, offset int64) (gapped bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.state(tp)
	s.acked[offset] = true

	i := 0
	for i < len(s.inFlight) && s.acked[s.inFlight[i]] {
		delete(s.acked, s.inFlight[i])
		next := s.inFlight[i] + 1
		s.pending = &next
		i++
	}
	s.inFlight = s.inFlight[i:]
	s.gapped = false
	if len(s.inFlight) > 0 {
		for o := range s.acked {
			if o > s.inFlight[0] {
				s.gapped = true
				break
			}
		}
	}
	return s.gapped
}

// Gapped reports whether tp currently has an acked offset behind an
// unacked earlier one (spec §8: "a partition remains paused as long as
// inFlight[p] has an offset less than any offset in offsetsInThisBatch[p]").
func (t *Tracker) Gapped(tp kafkaiface.TopicPartition) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.partitions[tp]; ok {
		return s.gapped
	}
	return false
}

// PendingCommit returns the offset tp is eligible to commit and whether one
// exists, without clearing it.
func (t *Tracker) PendingCommit(tp kafkaiface.TopicPartition) (kafkaiface.OffsetAndMetadata, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.partitions[tp]
	if !ok || s.pending == nil {
		return kafkaiface.OffsetAndMetadata{}, false
	}
	return kafkaiface.OffsetAndMetadata{Offset: *s.pending}, true
}

// PendingCommits snapshots every partition with a pending commit offset and
// clears the pending marker for each (the caller is about to commit them).
func (t *Tracker) PendingCommits() map[kafkaiface.TopicPartition]kafkaiface.OffsetAndMetadata {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[kafkaiface.TopicPartition]kafkaiface.OffsetAndMetadata)
	for tp, s := range t.partitions {
		if s.pending != nil {
			out[tp] = kafkaiface.OffsetAndMetadata{Offset: *s.pending}
			s.pending = nil
		}
	}
	return out
}

// BatchHighWaterCommits bypasses gap tracking entirely: AckMode BATCH
// commits the highest delivered offset+1 for every partition that received
// records in the poll batch (spec §4.3). tps restricts the snapshot to the
// partitions that were part of this batch.
func (t *Tracker) BatchHighWaterCommits(tps []kafkaiface.TopicPartition) map[kafkaiface.TopicPartition]kafkaiface.OffsetAndMetadata {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[kafkaiface.TopicPartition]kafkaiface.OffsetAndMetadata, len(tps))
	for _, tp := range tps {
		if s, ok := t.partitions[tp]; ok && s.highWater > 0 {
			out[tp] = kafkaiface.OffsetAndMetadata{Offset: s.highWater}
		}
	}
	return out
}
