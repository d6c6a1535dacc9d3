package producer

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/pkg/errors"
)

// ErrNoProducerAvailable is returned when the suffix pool is exhausted and
// the caller chose fail-fast semantics (spec §4.4: "no-producer-available").
var ErrNoProducerAvailable = errors.New("no-producer-available")

// Owner identifies the logical caller a transactional-id suffix is being
// allocated for: either a goroutine (EOS-V1, per-thread) or a consumer
// group/topic/partition triple (EOS-V2, group-aware and deterministic so
// the same logical work unit always reuses the same transactional.id and
// never gets spuriously fenced by a sibling, spec §4.4).
type Owner struct {
	GroupID   string
	Topic     string
	Partition int32
	ThreadKey string // goroutine/caller identity for EOS-V1
}

// SuffixStrategy allocates a transactional-id suffix for an Owner.
type SuffixStrategy interface {
	// Acquire returns a suffix for owner. It may block on ctx if the
	// strategy is a bounded pool with no free slot.
	Acquire(ctx context.Context, owner Owner) (string, error)
	// Release returns a suffix to the pool once the caller is done with it.
	// Deterministic strategies may no-op.
	Release(suffix string)
}

// Deterministic is the EOS-V2 strategy: suffix = hash(groupID, topic,
// partition) mod size. It never blocks and Release is a no-op — the mapping
// is fixed, not leased — which is what prevents zombie-fencing across
// restarts (the same partition always reuses the same transactional.id).
type Deterministic struct {
	Size int
}

func (d Deterministic) Acquire(_ context.Context, owner Owner) (string, error) {
	if d.Size <= 0 {
		return "", errors.New("producer: deterministic suffix strategy requires Size > 0")
	}
	h := fnv.New32a()
	fmt.Fprintf(h, "%s|%s|%d", owner.GroupID, owner.Topic, owner.Partition)
	return fmt.Sprintf("%d", h.Sum32()%uint32(d.Size)), nil
}

func (Deterministic) Release(string) {}

// Pooled is the EOS-V1 (legacy) and non-transactional strategy: an
// integer-indexed pool of size maxCache, leased per caller thread and
// returned on close (spec §4.4).
type Pooled struct {
	mu        sync.Mutex
	cond      *sync.Cond
	size      int
	free      []bool // free[i] == true means suffix i is available
	blockable bool
}

// NewPooled builds a pool of the given size. If block is false, Acquire
// fails fast with ErrNoProducerAvailable instead of waiting when exhausted.
func NewPooled(size int, block bool) *Pooled {
	p := &Pooled{size: size, free: make([]bool, size), blockable: block}
	for i := range p.free {
		p.free[i] = true
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *Pooled) Acquire(ctx context.Context, _ Owner) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var stopWake func() bool
	for {
		for i, isFree := range p.free {
			if isFree {
				p.free[i] = false
				return fmt.Sprintf("%d", i), nil
			}
		}
		if !p.blockable {
			return "", ErrNoProducerAvailable
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if stopWake == nil {
			// wake the waiter on cancellation so it can observe ctx.Err()
			stopWake = context.AfterFunc(ctx, func() {
				p.mu.Lock()
				p.cond.Broadcast()
				p.mu.Unlock()
			})
			defer stopWake()
		}
		p.cond.Wait()
	}
}

func (p *Pooled) Release(suffix string) {
	var idx int
	if _, err := fmt.Sscanf(suffix, "%d", &idx); err != nil || idx < 0 || idx >= p.size {
		return
	}
	p.mu.Lock()
	p.free[idx] = true
	p.mu.Unlock()
	p.cond.Broadcast()
}
