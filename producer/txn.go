package producer

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/mu-l/kafkalistener/kafkaiface"
	"github.com/mu-l/kafkalistener/klog"
)

// ErrFenced is a sentinel for a producer fenced by a newer instance
// holding the same transactional.id. Nothing in this package returns it.
var ErrFenced = errors.New("producer: fenced")

// Boundary runs one poll-batch's worth of work inside a Kafka transaction:
// begin, run the batch, send-offsets-to-transaction, commit. A work or
// send-offsets error aborts the transaction; a commit error is returned
// without an abort. This follows the shape of franz-go's own
// GroupTransactSession.End (see DESIGN.md), logging every transition with
// structured key/values the way the teacher does.
//
// work is handed the producer and must return the per-partition offsets to
// send to the transaction on success; a non-nil error aborts.
func Boundary(
	ctx context.Context,
	p kafkaiface.Producer,
	group kafkaiface.ConsumerGroupMetadata,
	log klog.Logger,
	work func(p kafkaiface.Producer) (offsets map[kafkaiface.TopicPartition]kafkaiface.OffsetAndMetadata, err error),
) error {
	if log == nil {
		log = klog.Nop{}
	}

	if err := p.BeginTransaction(); err != nil {
		return errors.Wrap(err, "producer: begin transaction")
	}
	log.Log(klog.LevelDebug, "transaction begun", "group", group.GroupID)

	offsets, workErr := work(p)
	if workErr != nil {
		log.Log(klog.LevelInfo, "transaction aborting due to work error", "err", workErr)
		if abortErr := p.AbortTransaction(ctx); abortErr != nil {
			log.Log(klog.LevelError, "abort transaction failed", "err", abortErr)
		}
		return workErr
	}

	if len(offsets) > 0 {
		if err := p.SendOffsetsToTransaction(ctx, offsets, group); err != nil {
			log.Log(klog.LevelError, "send offsets to transaction failed, aborting", "err", err)
			_ = p.AbortTransaction(ctx)
			return errors.Wrap(err, "producer: send offsets to transaction")
		}
	}

	if err := p.CommitTransaction(ctx); err != nil {
		log.Log(klog.LevelError, "commit transaction failed", "err", err)
		return err
	}
	log.Log(klog.LevelInfo, "transaction committed", "group", group.GroupID, "offsets", offsets)
	return nil
}

// RetryFencable retries fn against a retriable broker error for up to
// maxWait, modeled on franz-go's doWithConcurrentTransactions (spec: a
// CONCURRENT_TRANSACTIONS-shaped error after ending one transaction and
// beginning another too quickly). retriable decides which errors qualify.
func RetryFencable(ctx context.Context, maxWait time.Duration, backoff time.Duration, log klog.Logger, retriable func(error) bool, fn func() error) error {
	if log == nil {
		log = klog.Nop{}
	}
	start := time.Now()
	for {
		err := fn()
		if err == nil || !retriable(err) || time.Since(start) >= maxWait {
			return err
		}
		log.Log(klog.LevelDebug, "retrying after retriable transaction error", "err", err, "elapsed", time.Since(start))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return err
		}
	}
}
