package listener

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mu-l/kafkalistener/kafkaiface"
)

func TestCommandQueue_DrainReturnsNilWhenEmpty(t *testing.T) {
	q := newCommandQueue(4)
	assert.Nil(t, q.drain())
}

func TestCommandQueue_DrainReturnsPostedCommandsInOrder(t *testing.T) {
	q := newCommandQueue(4)
	tp := kafkaiface.TopicPartition{Topic: "t", Partition: 0}
	q.post(command{kind: cmdPause})
	q.post(command{kind: cmdPausePartition, tp: tp})

	out := q.drain()
	require.Len(t, out, 2)
	assert.Equal(t, cmdPause, out[0].kind)
	assert.Equal(t, cmdPausePartition, out[1].kind)
	assert.Equal(t, tp, out[1].tp)
}

func TestCommandQueue_DrainEmptiesTheQueue(t *testing.T) {
	q := newCommandQueue(4)
	q.post(command{kind: cmdResume})
	q.drain()
	assert.Empty(t, q.drain())
}

func TestCommandQueue_PostDropsSilentlyWhenFull(t *testing.T) {
	q := newCommandQueue(1)
	q.post(command{kind: cmdPause})
	q.post(command{kind: cmdResume}) // queue full: dropped, must not block

	out := q.drain()
	require.Len(t, out, 1)
	assert.Equal(t, cmdPause, out[0].kind)
}
