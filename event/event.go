// Package event implements the structured lifecycle events the core
// runtime emits (spec §2 row C10, §6). Shape: (source, container-id,
// timestamp, details), matching spec.md's literal definition.
package event

import (
	"sync"
	"time"

	"github.com/mu-l/kafkalistener/kafkaiface"
)

// Kind enumerates the event kinds spec.md §2/§6 name.
type Kind int

const (
	KindStarting Kind = iota
	KindStarted
	KindFailedToStart
	KindIdle
	KindIdlePartition
	KindNonResponsive
	KindStopped
	KindContainerStopped
	KindRebalanceAssigned
	KindRebalanceRevoked
	KindRebalanceLost
)

func (k Kind) String() string {
	switch k {
	case KindStarting:
		return "Starting"
	case KindStarted:
		return "Started"
	case KindFailedToStart:
		return "FailedToStart"
	case KindIdle:
		return "Idle"
	case KindIdlePartition:
		return "IdlePartition"
	case KindNonResponsive:
		return "NonResponsive"
	case KindStopped:
		return "Stopped"
	case KindContainerStopped:
		return "ContainerStopped"
	case KindRebalanceAssigned:
		return "RebalanceAssigned"
	case KindRebalanceRevoked:
		return "RebalanceRevoked"
	case KindRebalanceLost:
		return "RebalanceLost"
	default:
		return "Unknown"
	}
}

// Event is the shape every container emits: (source, container-id,
// timestamp, details).
type Event struct {
	Kind        Kind
	Source      string // component that raised the event, e.g. "listener"
	ContainerID string
	Timestamp   time.Time

	// Details, populated depending on Kind.
	Partitions  []kafkaiface.TopicPartition
	Err         error
	IdleFor     time.Duration
	LastPollAgo time.Duration
}

// Publisher receives events. It must be safe for concurrent calls from
// multiple containers (spec §5).
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(e Event) { f(e) }

// Discard is a Publisher that drops every event; used as a safe default.
var Discard Publisher = PublisherFunc(func(Event) {})

// Recording collects every published event, for assertions in tests.
type Recording struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recording) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *Recording) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *Recording) OfKind(k Kind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}
