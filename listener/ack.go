package listener

import (
	"sync"
	"time"

	"github.com/mu-l/kafkalistener/kafkaiface"
	"github.com/mu-l/kafkalistener/offset"
)

// Acknowledgment is the per-record token handed to user code under manual
// ack modes (spec C2): "routes to the offset tracker or to a
// pause-and-retry signal."
type Acknowledgment struct {
	record  *kafkaiface.Record
	tracker *offset.Tracker

	// immediate, if non-nil, is invoked synchronously from Acknowledge when
	// the container's ack mode is MANUAL_IMMEDIATE (spec §3: "commits from
	// the ack handle directly on the poll thread").
	immediate func(tp kafkaiface.TopicPartition, offset int64)
	// nack, if non-nil, is invoked from Nack to seek the consumer back to
	// this record (pause-and-retry signal).
	nack func(tp kafkaiface.TopicPartition, offset int64, sleep time.Duration)
	// gap, if non-nil, is invoked from Acknowledge with whatever
	// offset.Tracker.Ack reports: the partition must stay paused while an
	// earlier offset is still unacked (spec §8, scenario S4).
	gap func(tp kafkaiface.TopicPartition, gapped bool)

	mu       sync.Mutex
	resolved bool
}

// newAcknowledgment is unexported: only the container constructs these,
// binding them to its own tracker and commit hooks.
func newAcknowledgment(
	record *kafkaiface.Record,
	tracker *offset.Tracker,
	immediate func(tp kafkaiface.TopicPartition, offset int64),
	nack func(tp kafkaiface.TopicPartition, offset int64, sleep time.Duration),
	gap func(tp kafkaiface.TopicPartition, gapped bool),
) *Acknowledgment {
	return &Acknowledgment{record: record, tracker: tracker, immediate: immediate, nack: nack, gap: gap}
}

// Acknowledge marks the record as successfully processed. Idempotent: a
// second call is a no-op.
func (a *Acknowledgment) Acknowledge() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.resolved {
		return
	}
	a.resolved = true

	tp := a.record.TopicPartition()
	gapped := a.tracker.Ack(tp, a.record.Offset)
	if a.gap != nil {
		a.gap(tp, gapped)
	}
	if a.immediate != nil {
		a.immediate(tp, a.record.Offset)
	}
}

// Nack signals that the record was not processed and should be retried
// after sleep. Idempotent alongside Acknowledge: whichever is called first
// wins.
func (a *Acknowledgment) Nack(sleep time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.resolved {
		return
	}
	a.resolved = true
	if a.nack != nil {
		a.nack(a.record.TopicPartition(), a.record.Offset, sleep)
	}
}
