package listener

import (
	"context"

	"github.com/mu-l/kafkalistener/event"
	"github.com/mu-l/kafkalistener/kafkaiface"
	"github.com/mu-l/kafkalistener/producer"
)

// Container implements kafkaiface.RebalanceListener directly: the consumer
// factory is handed the container itself, and these callbacks run on the
// poll thread as part of Subscribe/Poll (spec §4.7).

func (c *Container) OnPartitionsAssigned(ctx context.Context, assigned []kafkaiface.TopicPartition) {
	for _, tp := range assigned {
		pause := c.pendingPartitionPause[tp]
		delete(c.pendingPartitionPause, tp)
		ps := c.partitions.assign(tp, pause)
		c.tracker.Assign(tp)
		if pause {
			c.ensurePaused(tp, ps)
		}
	}
	c.applyAssignmentCommitPolicy(ctx, assigned)
	c.recomputeContainerPaused()
	if c.rebalanceListener != nil {
		c.rebalanceListener.OnPartitionsAssigned(ctx, assigned)
	}
	c.publish(event.KindRebalanceAssigned, assigned, nil)
	c.firstRebalanceDone = true
}

// applyAssignmentCommitPolicy performs the initial offset commit for newly
// assigned partitions with no prior committed offset, on the first
// rebalance after Start only (spec §6 AssignmentCommitOption).
func (c *Container) applyAssignmentCommitPolicy(ctx context.Context, assigned []kafkaiface.TopicPartition) {
	if c.firstRebalanceDone || c.props.AssignmentCommit == kafkaiface.AssignmentCommitNever {
		return
	}
	for _, tp := range assigned {
		if committed, err := c.consumer.Committed(ctx, []kafkaiface.TopicPartition{tp}); err == nil {
			if _, exists := committed[tp]; exists {
				continue
			}
		}
		if c.props.AssignmentCommit == kafkaiface.AssignmentCommitLatestOnly || c.props.AssignmentCommit == kafkaiface.AssignmentCommitLatestOnlyNoTx {
			if c.consumer.ResetPolicy(tp.Topic) != kafkaiface.ResetPolicyLatest {
				continue
			}
		}
		pos, err := c.consumer.Position(tp)
		if err != nil {
			continue
		}
		offsets := map[kafkaiface.TopicPartition]kafkaiface.OffsetAndMetadata{tp: {Offset: pos}}
		if c.props.Transactional && c.producers != nil && c.props.AssignmentCommit != kafkaiface.AssignmentCommitLatestOnlyNoTx {
			group, _ := c.consumer.GroupMetadata()
			owner := producer.Owner{GroupID: c.props.GroupID, ThreadKey: c.id}
			if p, _, err := c.producers.Acquire(ctx, owner); err == nil {
				_ = producer.Boundary(ctx, p, group, c.log, func(kafkaiface.Producer) (map[kafkaiface.TopicPartition]kafkaiface.OffsetAndMetadata, error) {
					return offsets, nil
				})
				c.producers.Release(owner)
			}
			continue
		}
		_ = c.consumer.CommitSync(ctx, offsets, c.props.SyncCommitTimeout)
	}
}

func (c *Container) OnPartitionsRevokedBeforeCommit(ctx context.Context, revoked []kafkaiface.TopicPartition) {
	if c.rebalanceListener != nil {
		c.rebalanceListener.OnPartitionsRevokedBeforeCommit(ctx, revoked)
	}
	c.pruneRemainingRecords(revoked)

	offsets := make(map[kafkaiface.TopicPartition]kafkaiface.OffsetAndMetadata)
	for _, tp := range revoked {
		if o, ok := c.tracker.PendingCommit(tp); ok {
			offsets[tp] = o
		}
	}
	var commitErr error
	if len(offsets) > 0 {
		group, _ := c.consumer.GroupMetadata()
		commitErr = c.commitOffsets(ctx, offsets, group)
	}
	c.OnPartitionsRevokedAfterCommit(ctx, revoked, commitErr)
}

func (c *Container) OnPartitionsRevokedAfterCommit(ctx context.Context, revoked []kafkaiface.TopicPartition, commitErr error) {
	for _, tp := range revoked {
		if ps, ok := c.partitions.get(tp); ok && ps.pauseRequested {
			c.pendingPartitionPause[tp] = true // reapplied on reassignment
		}
		c.tracker.Revoke(tp)
		c.partitions.drop(tp)
		c.errHandler.DropPartition(tp)
		if c.delayed != nil {
			c.delayed.DropPartition(tp)
		}
	}
	c.recomputeContainerPaused()
	if c.rebalanceListener != nil {
		c.rebalanceListener.OnPartitionsRevokedAfterCommit(ctx, revoked, commitErr)
	}
	c.publish(event.KindRebalanceRevoked, revoked, commitErr)
}

// OnPartitionsLost never commits: the broker has already reassigned these
// partitions elsewhere, so any commit here would race a newer owner (spec
// §9 open question: reimplementations should treat onPartitionsLost as
// never committing and must not route through the revoke-commit path).
func (c *Container) OnPartitionsLost(ctx context.Context, lost []kafkaiface.TopicPartition) {
	c.pruneRemainingRecords(lost)
	for _, tp := range lost {
		c.tracker.Revoke(tp)
		c.partitions.drop(tp)
		c.errHandler.DropPartition(tp)
		if c.delayed != nil {
			c.delayed.DropPartition(tp)
		}
	}
	c.recomputeContainerPaused()
	if c.rebalanceListener != nil {
		c.rebalanceListener.OnPartitionsLost(ctx, lost)
	}
	c.publish(event.KindRebalanceLost, lost, nil)
}

func (c *Container) pruneRemainingRecords(partitions []kafkaiface.TopicPartition) {
	if len(c.remainingRecords) == 0 {
		return
	}
	dropped := make(map[kafkaiface.TopicPartition]bool, len(partitions))
	for _, tp := range partitions {
		dropped[tp] = true
	}
	kept := c.remainingRecords[:0]
	for _, r := range c.remainingRecords {
		if !dropped[r.TopicPartition()] {
			kept = append(kept, r)
		}
	}
	c.remainingRecords = kept
	if len(c.remainingRecords) == 0 {
		c.resumeAfterRetainDrain()
	}
}
