package listener

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mu-l/kafkalistener/event"
	"github.com/mu-l/kafkalistener/kafkaiface"
)

// ConcurrentContainer is the façade that supervises N independent C7
// instances sharing one ContainerProperties and consumer factory (spec
// C8). Concurrency is clamped to min(configured, partitionCount) when the
// partition count is known statically (explicit assignment); otherwise the
// configured value is honored and the broker decides the actual
// distribution across children.
type ConcurrentContainer struct {
	id       string
	children []*Container

	publisher event.Publisher

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
}

// NewConcurrentContainer builds concurrency children named "<id>-0" ..
// "<id>-<n-1>", every one sharing props/factory/baseOpts and each getting
// its own clientId suffix.
func NewConcurrentContainer(id string, concurrency int, props kafkaiface.ContainerProperties, factory kafkaiface.ConsumerFactory, publisher event.Publisher, baseOpts ...Option) *ConcurrentContainer {
	if concurrency < 1 {
		concurrency = 1
	}
	if len(props.Partitions) > 0 && concurrency > len(props.Partitions) {
		concurrency = len(props.Partitions)
	}
	if publisher == nil {
		publisher = event.Discard
	}

	children := make([]*Container, concurrency)
	for m := 0; m < concurrency; m++ {
		childID := fmt.Sprintf("%s-%d", id, m)
		childProps := props
		if concurrency > 1 && len(props.Partitions) > 0 {
			childProps.Partitions = partitionShare(props.Partitions, concurrency, m)
		}
		opts := append(append([]Option{}, baseOpts...), WithClientIDSuffix(fmt.Sprintf("-%d", m)), WithPublisher(publisher))
		children[m] = New(childID, childProps, factory, opts...)
	}
	return &ConcurrentContainer{id: id, children: children, publisher: publisher}
}

// partitionShare splits an explicit partition assignment evenly (by index
// modulo concurrency) across children so every child owns a disjoint,
// stable subset when partitions are statically known.
func partitionShare(all []kafkaiface.TopicPartition, concurrency, m int) []kafkaiface.TopicPartition {
	var out []kafkaiface.TopicPartition
	for i, tp := range all {
		if i%concurrency == m {
			out = append(out, tp)
		}
	}
	return out
}

func (cc *ConcurrentContainer) ID() string { return cc.id }

// Children exposes the underlying single-threaded containers, e.g. for
// registry bookkeeping or per-child diagnostics.
func (cc *ConcurrentContainer) Children() []*Container { return cc.children }

// Start starts every child, in order, stopping any already-started
// children and returning the first error if one fails to start.
func (cc *ConcurrentContainer) Start(ctx context.Context) error {
	cc.mu.Lock()
	if cc.started {
		cc.mu.Unlock()
		return nil
	}
	cc.started = true
	cc.mu.Unlock()

	for i, child := range cc.children {
		if err := child.Start(ctx); err != nil {
			for _, started := range cc.children[:i] {
				started.Stop(child.props.ShutdownTimeout)
			}
			cc.mu.Lock()
			cc.started = false
			cc.mu.Unlock()
			return err
		}
	}
	return nil
}

// Stop stops every child concurrently and waits up to timeout for all of
// them, then emits the aggregate ContainerStopped event once every child
// has reached STOPPED.
func (cc *ConcurrentContainer) Stop(timeout time.Duration) {
	cc.stopOnce.Do(func() {
		var wg sync.WaitGroup
		wg.Add(len(cc.children))
		for _, child := range cc.children {
			child := child
			go func() {
				defer wg.Done()
				child.Stop(timeout)
			}()
		}
		wg.Wait()
		cc.publisher.Publish(event.Event{
			Kind:        event.KindContainerStopped,
			Source:      "listener",
			ContainerID: cc.id,
			Timestamp:   time.Now(),
		})
	})
}

// Pause, Resume fan out to every child (spec C8: "aggregated pause()/
// resume() fan out").
func (cc *ConcurrentContainer) Pause() {
	for _, child := range cc.children {
		child.Pause()
	}
}
func (cc *ConcurrentContainer) Resume() {
	for _, child := range cc.children {
		child.Resume()
	}
}

// IsContainerPaused reports true only when every child is paused.
func (cc *ConcurrentContainer) IsContainerPaused() bool {
	for _, child := range cc.children {
		if !child.IsContainerPaused() {
			return false
		}
	}
	return true
}

// AssignedPartitions is the union of every child's assigned partitions
// (spec C8: "aggregated assignedPartitions() is the union").
func (cc *ConcurrentContainer) AssignedPartitions() []kafkaiface.TopicPartition {
	seen := make(map[kafkaiface.TopicPartition]bool)
	var out []kafkaiface.TopicPartition
	for _, child := range cc.children {
		for _, tp := range child.AssignedPartitions() {
			if !seen[tp] {
				seen[tp] = true
				out = append(out, tp)
			}
		}
	}
	return out
}
