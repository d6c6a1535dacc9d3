package listener

import "github.com/mu-l/kafkalistener/kafkaiface"

type commandKind int

const (
	cmdPause commandKind = iota
	cmdResume
	cmdPausePartition
	cmdResumePartition
	cmdGapPause
	cmdGapResume
)

type command struct {
	kind commandKind
	tp   kafkaiface.TopicPartition
}

// commandQueue is the lock-free queue external callers post pause/resume
// requests to; the poll thread drains it once per iteration (spec §4.1,
// §5: "external pause/resume/seek requests cross thread boundaries via a
// lock-free queue"). When the queue is full, post drops the newly posted
// command rather than blocking the caller — every command here is idempotent
// (pausing twice has the same effect as pausing once), so an occasional
// drop under extreme backpressure just means the next user call retries.
type commandQueue struct {
	ch chan command
}

func newCommandQueue(size int) *commandQueue {
	return &commandQueue{ch: make(chan command, size)}
}

func (q *commandQueue) post(c command) {
	select {
	case q.ch <- c:
	default:
	}
}

// drain returns every queued command without blocking.
func (q *commandQueue) drain() []command {
	var out []command
	for {
		select {
		case c := <-q.ch:
			out = append(out, c)
		default:
			return out
		}
	}
}
