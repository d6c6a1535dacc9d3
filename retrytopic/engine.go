package retrytopic

import (
	"context"
	"sync"
	"time"

	"github.com/mu-l/kafkalistener/kafkaiface"
	"github.com/mu-l/kafkalistener/klog"
)

// Publisher sends a record to a destination topic. The listener container
// wires this to a (possibly transactional) producer.
type Publisher interface {
	Publish(ctx context.Context, topic string, record *kafkaiface.Record) error
}

// Router routes an exhausted record to the next hop of a Chain, or to its
// terminal DLT. It satisfies errhandler.RetryRouter structurally so
// errhandler never imports this package (see errhandler.RetryRouter).
type Router struct {
	Chain     Chain
	Publisher Publisher
	Log       klog.Logger
}

// Route implements errhandler.RetryRouter.
func (r *Router) Route(ctx context.Context, record *kafkaiface.Record, kind kafkaiface.ErrorKind) error {
	log := r.Log
	if log == nil {
		log = klog.Nop{}
	}

	prior := DecodeAttempt(record)
	nextAttempt := prior.Attempts + 1

	dest, ok := r.Chain.NextHop(int(nextAttempt))
	if !ok {
		dest, ok = r.Chain.Dlt(kind)
		if !ok {
			log.Log(klog.LevelInfo, "retry chain exhausted, no dlt configured, dropping", "topic", record.Topic, "partition", record.Partition, "offset", record.Offset)
			return nil
		}
	}

	var deadline time.Time
	if dest.DelayMs > 0 {
		deadline = time.Now().Add(time.Duration(dest.DelayMs) * time.Millisecond)
	}

	next := NextRecord(record, dest.Name, nextAttempt, deadline, kind.String(), "")
	if err := r.Publisher.Publish(ctx, dest.Name, next); err != nil {
		log.Log(klog.LevelError, "retry-topic publish failed", "dest", dest.Name, "err", err)
		return err
	}
	log.Log(klog.LevelDebug, "routed to retry topology", "dest", dest.Name, "kind", dest.Kind.String(), "attempt", nextAttempt)
	return nil
}

// PauseResumer is the subset of kafkaiface.Consumer the delayed-record
// handler needs to stop/resume fetching for a partition without blocking
// sibling partitions (spec §4.6's non-blocking retry requirement).
type PauseResumer interface {
	Pause(tps []kafkaiface.TopicPartition)
	Resume(tps []kafkaiface.TopicPartition)
}

// DelayedRecordHandler gates delivery of retry-topic records on their
// backoff deadline, pausing the owning partition rather than blocking the
// poll loop — the same pattern as go-kafka-event-source's
// PauseFetchPartitions/ResumeFetchPartitions and modeled on bulker's
// isTimeToRetry gate (see DESIGN.md).
type DelayedRecordHandler struct {
	consumer PauseResumer
	log      klog.Logger

	mu          sync.Mutex
	pausedUntil map[kafkaiface.TopicPartition]time.Time
}

func NewDelayedRecordHandler(consumer PauseResumer, log klog.Logger) *DelayedRecordHandler {
	if log == nil {
		log = klog.Nop{}
	}
	return &DelayedRecordHandler{
		consumer:    consumer,
		log:         log,
		pausedUntil: make(map[kafkaiface.TopicPartition]time.Time),
	}
}

// Admit reports whether record is ready for delivery now. If its backoff
// deadline is still in the future, the owning partition is paused and Admit
// returns false; the caller must not deliver this record or any later
// record from the same poll batch on that partition.
func (h *DelayedRecordHandler) Admit(record *kafkaiface.Record) bool {
	a := DecodeAttempt(record)
	if a.BackoffDeadline.IsZero() || !time.Now().Before(a.BackoffDeadline) {
		return true
	}

	tp := record.TopicPartition()
	h.mu.Lock()
	cur, exists := h.pausedUntil[tp]
	if !exists || a.BackoffDeadline.Before(cur) {
		h.pausedUntil[tp] = a.BackoffDeadline
	}
	h.mu.Unlock()

	h.consumer.Pause([]kafkaiface.TopicPartition{tp})
	h.log.Log(klog.LevelDebug, "pausing partition for retry backoff", "partition", tp.String(), "deadline", a.BackoffDeadline)
	return false
}

// ResumeElapsed resumes every partition paused by Admit whose deadline has
// now passed. Intended to be called once per poll-loop iteration.
func (h *DelayedRecordHandler) ResumeElapsed(now time.Time) {
	h.mu.Lock()
	var ready []kafkaiface.TopicPartition
	for tp, deadline := range h.pausedUntil {
		if !now.Before(deadline) {
			ready = append(ready, tp)
			delete(h.pausedUntil, tp)
		}
	}
	h.mu.Unlock()

	if len(ready) > 0 {
		h.consumer.Resume(ready)
		h.log.Log(klog.LevelDebug, "resuming partitions after backoff elapsed", "count", len(ready))
	}
}

// DropPartition forgets any paused-until state for a revoked partition.
func (h *DelayedRecordHandler) DropPartition(tp kafkaiface.TopicPartition) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.pausedUntil, tp)
}
