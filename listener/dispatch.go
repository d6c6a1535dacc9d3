package listener

import (
	"context"

	"github.com/mu-l/kafkalistener/kafkaiface"
)

// RecordHandlerFunc is user code invoked once per record. producer is
// non-nil only when the container is transactional and the current ack
// mode wraps a single record in one transaction (AckRecord,
// AckManualImmediate); it lets the handler itself produce records as part
// of the same transaction (spec §5: "each poll batch wrapped in a
// transaction: beginTransaction ... listener ... commitTransaction").
//
// For automatic ack modes the container acknowledges the record itself
// after a nil return; calling ack.Acknowledge() again is a harmless no-op.
// For manual ack modes (MANUAL, MANUAL_IMMEDIATE) the handler must call
// ack.Acknowledge() or ack.Nack() itself.
type RecordHandlerFunc func(ctx context.Context, record *kafkaiface.Record, producer kafkaiface.Producer, ack *Acknowledgment) error

// BatchHandlerFunc is user code invoked once per poll batch (DispatchBatch)
// or once per partition of a poll batch (DispatchSubBatchPerPartition).
type BatchHandlerFunc func(ctx context.Context, records kafkaiface.Records, producer kafkaiface.Producer) error

// Dispatcher selects how records from one poll are handed to user code
// (spec §9 design notes: "a dispatcher trait with variants SingleRecord |
// Batch | SubBatchPerPartition").
type Dispatcher int

const (
	// DispatchSingleRecord delivers one record at a time, grouped per
	// partition: one partition is fully drained before the next, and the
	// partitions are taken in topic/partition order rather than the order
	// the client returned them in.
	DispatchSingleRecord Dispatcher = iota
	// DispatchBatch delivers every record from the poll in one call.
	DispatchBatch
	// DispatchSubBatchPerPartition groups records by partition and invokes
	// BatchHandlerFunc once per partition, each its own commit/transaction
	// unit (ContainerProperties.SubBatchPerPartition is not consulted).
	DispatchSubBatchPerPartition
)
