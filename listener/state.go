package listener

import (
	"sync"

	"github.com/mu-l/kafkalistener/kafkaiface"
)

// State is the container lifecycle state machine (spec §4.1): STOPPED ->
// STARTING -> RUNNING -> STOPPING -> STOPPED, with STARTING -> STOPPED
// allowed on creation failure.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	default:
		return "STOPPED"
	}
}

// partitionState is held per currently-owned partition (spec §3). Offset
// bookkeeping itself (pendingOffset, inFlight) lives in offset.Tracker; this
// struct carries the pause/backoff bookkeeping the tracker doesn't own.
type partitionState struct {
	assigned          bool
	pauseRequested    bool // user-requested, survives revocation
	gapPaused         bool // offset.Tracker reported a gap (spec §8)
	effectivelyPaused bool // communicated to the consumer
	firstOffsetInPoll int64
}

func newPartitionState() *partitionState {
	return &partitionState{}
}

// partitionTable is mutated from the poll thread but read from
// AssignedPartitions/IsContainerPaused, which external callers may invoke
// from any goroutine; a small mutex keeps the map itself safe to read
// concurrently. The *partitionState values it hands out are still
// poll-thread-confined for writes.
type partitionTable struct {
	mu sync.Mutex
	m  map[kafkaiface.TopicPartition]*partitionState
}

func newPartitionTable() *partitionTable {
	return &partitionTable{m: make(map[kafkaiface.TopicPartition]*partitionState)}
}

func (t *partitionTable) get(tp kafkaiface.TopicPartition) (*partitionState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ps, ok := t.m[tp]
	return ps, ok
}

func (t *partitionTable) assign(tp kafkaiface.TopicPartition, pauseRequested bool) *partitionState {
	ps := newPartitionState()
	ps.assigned = true
	ps.pauseRequested = pauseRequested
	t.mu.Lock()
	t.m[tp] = ps
	t.mu.Unlock()
	return ps
}

func (t *partitionTable) drop(tp kafkaiface.TopicPartition) {
	t.mu.Lock()
	delete(t.m, tp)
	t.mu.Unlock()
}

func (t *partitionTable) assignedPartitions() []kafkaiface.TopicPartition {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]kafkaiface.TopicPartition, 0, len(t.m))
	for tp := range t.m {
		out = append(out, tp)
	}
	return out
}

// snapshot returns a copy of the current partition map; the *partitionState
// values are shared with the live table so callers on the poll thread may
// still mutate them in place.
func (t *partitionTable) snapshot() map[kafkaiface.TopicPartition]*partitionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[kafkaiface.TopicPartition]*partitionState, len(t.m))
	for tp, ps := range t.m {
		out[tp] = ps
	}
	return out
}
