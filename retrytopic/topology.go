package retrytopic

import (
	"strconv"
	"time"

	"github.com/mu-l/kafkalistener/kafkaiface"
)

// BackoffPolicy computes the delay before the nth retry hop (attempt is
// 1-indexed: the first retry is attempt 1).
type BackoffPolicy interface {
	Delay(attempt int) time.Duration
}

// FixedBackoff retries every hop after the same delay.
type FixedBackoff time.Duration

func (f FixedBackoff) Delay(int) time.Duration { return time.Duration(f) }

// ExponentialBackoff doubles (times Multiplier) the delay each hop, capped
// at Max.
type ExponentialBackoff struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

func (e ExponentialBackoff) Delay(attempt int) time.Duration {
	d := float64(e.Initial)
	for i := 1; i < attempt; i++ {
		d *= e.Multiplier
	}
	delay := time.Duration(d)
	if e.Max > 0 && delay > e.Max {
		return e.Max
	}
	return delay
}

// ChainSpec declares a retry-topic chain for one main topic (spec §4.6).
type ChainSpec struct {
	MainTopic string
	Backoff   BackoffPolicy
	// MaxAttempts is the number of retry hops to generate (not counting the
	// terminal DLT).
	MaxAttempts int
	// Reusable collapses every retry hop into a single topic name, relying
	// on the per-record backoff-deadline header and repeated redelivery
	// rather than one topic per hop (spec §4.6, REUSABLE_RETRY_TOPIC).
	Reusable bool
	// SameIntervalReuse marks consecutive hops that share the same computed
	// delay as REUSABLE_RETRY hops on one shared topic (each attempt keeps
	// its own hop node); a no-op when Reusable is already true.
	SameIntervalReuse bool

	DltStrategy kafkaiface.DltStrategy
	// DltClassifiers maps an exception classification to the DLT topic it
	// should land on when exhausted (spec §3's DestinationTopic.MatchingExceptions);
	// empty means "every exhausted record lands on the single default DLT".
	DltClassifiers map[kafkaiface.ErrorKind]string
	DefaultDlt     string

	NumPartitions int32
	Replicas      int16
	TimeoutMs     int64
}

// Chain is a built retry topology: an ordered slice of hops, main first,
// terminal DLT(s) last.
type Chain struct {
	Spec  ChainSpec
	Nodes []kafkaiface.DestinationTopic
}

// Build computes main -> one retry hop per attempt (named by its delay, or
// a single "<main>-retry" topic when Reusable) -> dlt from spec, following the same
// delay-per-hop and REUSABLE_RETRY_TOPIC collapsing rules the error-handler
// side of the corpus's retry-topic integrations describe (see DESIGN.md).
func Build(spec ChainSpec) Chain {
	nodes := make([]kafkaiface.DestinationTopic, 0, spec.MaxAttempts+2)
	nodes = append(nodes, kafkaiface.DestinationTopic{
		Name:          spec.MainTopic,
		Kind:          kafkaiface.DestinationMain,
		NumPartitions: spec.NumPartitions,
		Replicas:      spec.Replicas,
		TimeoutMs:     spec.TimeoutMs,
	})

	var lastDelay int64 = -1
	for attempt := 1; attempt <= spec.MaxAttempts; attempt++ {
		delay := int64(0)
		if spec.Backoff != nil {
			delay = spec.Backoff.Delay(attempt).Milliseconds()
		}

		reuse := !spec.Reusable && spec.SameIntervalReuse && delay == lastDelay
		kind := kafkaiface.DestinationRetry
		name := spec.MainTopic + "-retry-" + strconv.FormatInt(delay, 10)
		if reuse && len(nodes) > 1 {
			// share the previous retry hop's topic; this attempt keeps its own node
			prev := &nodes[len(nodes)-1]
			if prev.Kind == kafkaiface.DestinationRetry || prev.Kind == kafkaiface.DestinationReusableRetry {
				prev.Kind = kafkaiface.DestinationReusableRetry
				kind = kafkaiface.DestinationReusableRetry
				name = prev.Name
			}
		}
		if spec.Reusable {
			kind = kafkaiface.DestinationReusableRetry
			name = spec.MainTopic + "-retry"
		}

		nodes = append(nodes, kafkaiface.DestinationTopic{
			Name:          name,
			Kind:          kind,
			DelayMs:       delay,
			NumPartitions: spec.NumPartitions,
			Replicas:      spec.Replicas,
			DltStrategy:   spec.DltStrategy,
			TimeoutMs:     spec.TimeoutMs,
		})
		lastDelay = delay
	}

	if spec.DltStrategy != kafkaiface.DltNone {
		if len(spec.DltClassifiers) == 0 {
			nodes = append(nodes, kafkaiface.DestinationTopic{
				Name:        dltName(spec.DefaultDlt, spec.MainTopic),
				Kind:        kafkaiface.DestinationDLT,
				DltStrategy: spec.DltStrategy,
				TimeoutMs:   spec.TimeoutMs,
			})
		} else {
			for kind, name := range spec.DltClassifiers {
				nodes = append(nodes, kafkaiface.DestinationTopic{
					Name:               dltName(name, spec.MainTopic),
					Kind:               kafkaiface.DestinationDLT,
					DltStrategy:        spec.DltStrategy,
					TimeoutMs:          spec.TimeoutMs,
					MatchingExceptions: map[kafkaiface.ErrorKind]struct{}{kind: {}},
				})
			}
		}
	}

	return Chain{Spec: spec, Nodes: nodes}
}

func dltName(explicit, mainTopic string) string {
	if explicit != "" {
		return explicit
	}
	return mainTopic + "-dlt"
}

// RetryHops returns every non-main, non-DLT node, in hop order.
func (c Chain) RetryHops() []kafkaiface.DestinationTopic {
	var hops []kafkaiface.DestinationTopic
	for _, n := range c.Nodes {
		if n.Kind == kafkaiface.DestinationRetry || n.Kind == kafkaiface.DestinationReusableRetry {
			hops = append(hops, n)
		}
	}
	return hops
}

// Dlt picks the DLT node that should receive a record failing with kind,
// falling back to the first DLT node without MatchingExceptions when no
// exception-specific match exists, and reporting false when there is no
// such node (spec §3: "the retry-topic pipeline routes the exhausted record to
// whichever DestinationTopic's MatchingExceptions includes the
// classification, or the first unconstrained DLT otherwise").
func (c Chain) Dlt(kind kafkaiface.ErrorKind) (kafkaiface.DestinationTopic, bool) {
	var fallback *kafkaiface.DestinationTopic
	for i := range c.Nodes {
		n := &c.Nodes[i]
		if n.Kind != kafkaiface.DestinationDLT {
			continue
		}
		if len(n.MatchingExceptions) == 0 {
			if fallback == nil {
				fallback = n
			}
			continue
		}
		if _, ok := n.MatchingExceptions[kind]; ok {
			return *n, true
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return kafkaiface.DestinationTopic{}, false
}

// NextHop returns the retry hop at attempt (1-indexed), reporting false once
// attempt exceeds the configured retry hops (meaning the record should go to
// the DLT instead).
func (c Chain) NextHop(attempt int) (kafkaiface.DestinationTopic, bool) {
	hops := c.RetryHops()
	if attempt < 1 || attempt > len(hops) {
		return kafkaiface.DestinationTopic{}, false
	}
	return hops[attempt-1], true
}

// TopicNames lists every distinct topic name this chain touches, in hop
// order, for a read-only existence/partition-count check against the
// broker (kgoadapter.Admin.DescribeChain).
func (c Chain) TopicNames() []string {
	seen := make(map[string]bool)
	var out []string
	for _, n := range c.Nodes {
		if !seen[n.Name] {
			seen[n.Name] = true
			out = append(out, n.Name)
		}
	}
	return out
}

// TopicStatus reports whether a single chain topic already exists on the
// broker and, if so, its partition count.
type TopicStatus struct {
	Topic         string
	Exists        bool
	NumPartitions int32
}

// ChainStatus is the result of describing every topic a Chain touches
// against the broker (spec supplement: "Topology inspector").
type ChainStatus struct {
	Chain  Chain
	Topics []TopicStatus
}

// Missing lists the topics in the chain that do not yet exist.
func (s ChainStatus) Missing() []string {
	var out []string
	for _, t := range s.Topics {
		if !t.Exists {
			out = append(out, t.Topic)
		}
	}
	return out
}
