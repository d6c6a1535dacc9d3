// Package errhandler implements the error-handler pipeline (spec §4.5,
// §7, component C5): classifies thrown errors, decides skip/retry/dead-
// letter, and tracks per-record attempt counts. Routing to the retry-topic
// engine when a retry budget is exhausted is modeled on the dead-letter
// routing in the retrieved bulker/carwale examples (see DESIGN.md).
package errhandler

import (
	"context"
	"sync"

	"github.com/mu-l/kafkalistener/kafkaiface"
)

// Decision is the outcome of classifying and handling a thrown error.
type Decision int

const (
	// DecisionHandled means the error was fully dealt with; the container
	// commits/acks and proceeds.
	DecisionHandled Decision = iota
	// DecisionSeekAndRetry means the container must seek back to the
	// failing offset and abandon the rest of the poll batch.
	DecisionSeekAndRetry
	// DecisionDeadLetter means the record was routed to a dead-letter
	// destination (directly, or via the retry-topic engine) and is gone;
	// the container acks/commits it like a success.
	DecisionDeadLetter
	// DecisionRetain means the error is unhandled and seeksAfterHandling is
	// false: the container keeps the record (and the rest of the poll
	// batch) in remainingRecords and pauses the partition instead of
	// seeking back.
	DecisionRetain
	// DecisionFatal means the container cannot recover and must stop.
	DecisionFatal
)

// Classifier maps an error to an ErrorKind. Binary allow-list/deny-list
// classification (spec §4.5: "Classify the error via a binary classifier")
// is expressed as a func rather than an interface so callers can compose
// allow-lists inline.
type Classifier func(err error) kafkaiface.ErrorKind

// AllowList builds a Classifier that reports kind for any error matching
// one of the predicates in matches, and ErrorKindUnknown otherwise
// ("unclassified -> retry", spec §4.5).
func AllowList(kind kafkaiface.ErrorKind, matches ...func(error) bool) Classifier {
	return func(err error) kafkaiface.ErrorKind {
		for _, m := range matches {
			if m(err) {
				return kind
			}
		}
		return kafkaiface.ErrorKindUnknown
	}
}

// attemptKey identifies a single record for attempt-count tracking.
type attemptKey struct {
	tp     kafkaiface.TopicPartition
	offset int64
}

// RetryRouter is implemented by the retry-topic engine; the error handler
// routes exhausted records through it rather than depending on it
// directly, avoiding an import cycle between errhandler and retrytopic.
type RetryRouter interface {
	Route(ctx context.Context, record *kafkaiface.Record, kind kafkaiface.ErrorKind) error
}

// DeadLetterHandler is invoked when no retry topology is configured and a
// record's retry budget is exhausted.
type DeadLetterHandler func(ctx context.Context, record *kafkaiface.Record, err error) error

// Handler is the default error-handler pipeline implementation (spec
// §4.5).
type Handler struct {
	Classifier Classifier
	MaxAttempts int // retry budget before routing away from the main listener
	SeeksAfterHandling bool

	Router     RetryRouter       // optional; nil means "no retry topology configured"
	DeadLetter DeadLetterHandler // optional; nil means "log-only"

	mu       sync.Mutex
	attempts map[attemptKey]int
}

// NewHandler builds a Handler. maxAttempts <= 0 means unlimited (always
// seek-and-retry, never route away).
func NewHandler(classifier Classifier, maxAttempts int, seeksAfterHandling bool) *Handler {
	return &Handler{
		Classifier:         classifier,
		MaxAttempts:        maxAttempts,
		SeeksAfterHandling: seeksAfterHandling,
		attempts:           make(map[attemptKey]int),
	}
}

// Handle classifies err for record and decides what the container should
// do next (spec §4.5 steps 1-3).
func (h *Handler) Handle(ctx context.Context, record *kafkaiface.Record, err error) Decision {
	kind := kafkaiface.ErrorKindUnknown
	if h.Classifier != nil {
		kind = h.Classifier(err)
	}

	switch kind {
	case kafkaiface.ErrorKindFatal:
		return DecisionFatal
	case kafkaiface.ErrorKindAuth, kafkaiface.ErrorKindTransientBroker:
		return DecisionSeekAndRetry
	}

	if record == nil {
		// Batch-level failure with no single offending record: default to
		// seek-and-retry so the whole batch is replayed.
		return DecisionSeekAndRetry
	}

	key := attemptKey{tp: record.TopicPartition(), offset: record.Offset}
	h.mu.Lock()
	h.attempts[key]++
	attempt := h.attempts[key]
	h.mu.Unlock()

	if h.MaxAttempts > 0 && attempt > h.MaxAttempts {
		h.mu.Lock()
		delete(h.attempts, key)
		h.mu.Unlock()

		if h.Router != nil {
			if routeErr := h.Router.Route(ctx, record, kind); routeErr != nil {
				return DecisionFatal
			}
			return DecisionDeadLetter
		}
		if h.DeadLetter != nil {
			if dlErr := h.DeadLetter(ctx, record, err); dlErr != nil {
				return DecisionFatal
			}
			return DecisionDeadLetter
		}
		return DecisionHandled // log-only: caller is expected to log before calling Handle
	}

	if h.SeeksAfterHandling {
		return DecisionSeekAndRetry
	}
	return DecisionRetain
}

// ClearAttempts forgets the attempt count for a record, e.g. once it is
// finally acked successfully.
func (h *Handler) ClearAttempts(record *kafkaiface.Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.attempts, attemptKey{tp: record.TopicPartition(), offset: record.Offset})
}

// DropPartition forgets every tracked attempt for a revoked partition, so
// attempt counts do not leak across reassignment (mirrors the offset
// tracker's revoke-after-commit cleanup, spec §4.3).
func (h *Handler) DropPartition(tp kafkaiface.TopicPartition) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key := range h.attempts {
		if key.tp == tp {
			delete(h.attempts, key)
		}
	}
}

// AfterRollbackProcessor runs after a transactional rollback (spec §4.5:
// "invoked after a transaction rollback; its default seeks to the first
// failed offset of every partition that had work rolled back").
type AfterRollbackProcessor struct {
	// Reseek is called once per rolled-back partition with the offset to
	// seek back to.
	Reseek func(tp kafkaiface.TopicPartition, offset int64)
	// Recover, if set, is given a chance to curate and re-send a subset of
	// the rolled-back records before Reseek runs ("batch-recovery", spec
	// §4.5).
	Recover func(ctx context.Context, records kafkaiface.Records) (handled kafkaiface.Records)
}

// Process runs the after-rollback recovery + reseek sequence for one poll
// batch's rolled-back records, grouped by partition with the first
// (lowest) offset per partition.
func (p *AfterRollbackProcessor) Process(ctx context.Context, rolledBack kafkaiface.Records) {
	remaining := rolledBack
	if p.Recover != nil {
		handled := p.Recover(ctx, rolledBack)
		remaining = subtract(rolledBack, handled)
	}

	firstOffset := make(map[kafkaiface.TopicPartition]int64)
	for _, r := range remaining {
		tp := r.TopicPartition()
		if cur, ok := firstOffset[tp]; !ok || r.Offset < cur {
			firstOffset[tp] = r.Offset
		}
	}
	for tp, off := range firstOffset {
		if p.Reseek != nil {
			p.Reseek(tp, off)
		}
	}
}

func subtract(all, handled kafkaiface.Records) kafkaiface.Records {
	if len(handled) == 0 {
		return all
	}
	skip := make(map[kafkaiface.TopicPartition]map[int64]bool)
	for _, r := range handled {
		tp := r.TopicPartition()
		if skip[tp] == nil {
			skip[tp] = make(map[int64]bool)
		}
		skip[tp][r.Offset] = true
	}
	var out kafkaiface.Records
	for _, r := range all {
		tp := r.TopicPartition()
		if skip[tp] != nil && skip[tp][r.Offset] {
			continue
		}
		out = append(out, r)
	}
	return out
}
