package retrytopic

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mu-l/kafkalistener/kafkaiface"
)

func TestBuildChain_DelayBasedHopNamesPlusDlt(t *testing.T) {
	// 1000, 2000, 4000ms backoff: expected topics orders-retry-1000,
	// orders-retry-2000, orders-retry-4000, orders-dlt.
	chain := Build(ChainSpec{
		MainTopic:   "orders",
		Backoff:     ExponentialBackoff{Initial: time.Second, Multiplier: 2},
		MaxAttempts: 3,
		DltStrategy: kafkaiface.DltFailOnError,
	})

	require.Len(t, chain.Nodes, 5) // main + 3 retries + dlt
	assert.Equal(t, kafkaiface.DestinationMain, chain.Nodes[0].Kind)
	assert.Equal(t, "orders", chain.Nodes[0].Name)

	hops := chain.RetryHops()
	require.Len(t, hops, 3)
	wantDelays := []int64{1000, 2000, 4000}
	for i, h := range hops {
		assert.Equal(t, kafkaiface.DestinationRetry, h.Kind)
		assert.Equal(t, wantDelays[i], h.DelayMs)
		assert.Equal(t, "orders-retry-"+strconv.FormatInt(wantDelays[i], 10), h.Name)
	}

	dlt, ok := chain.Dlt(kafkaiface.ErrorKindUnknown)
	require.True(t, ok)
	assert.Equal(t, "orders-dlt", dlt.Name)
	assert.Equal(t, kafkaiface.DestinationDLT, dlt.Kind)
}

func TestBuildChain_Reusable(t *testing.T) {
	chain := Build(ChainSpec{
		MainTopic:   "orders",
		Backoff:     ExponentialBackoff{Initial: 100 * time.Millisecond, Multiplier: 2, Max: time.Second},
		MaxAttempts: 4,
		Reusable:    true,
		DltStrategy: kafkaiface.DltNone,
	})

	hops := chain.RetryHops()
	require.Len(t, hops, 4)
	for _, h := range hops {
		assert.Equal(t, kafkaiface.DestinationReusableRetry, h.Kind)
		assert.Equal(t, "orders-retry", h.Name)
	}
	_, ok := chain.Dlt(kafkaiface.ErrorKindUnknown)
	assert.False(t, ok, "DltNone chain has no terminal dlt node")
}

func TestBuildChain_ExceptionSpecificDlt(t *testing.T) {
	chain := Build(ChainSpec{
		MainTopic:   "orders",
		MaxAttempts: 1,
		Backoff:     FixedBackoff(0),
		DltStrategy: kafkaiface.DltFailOnError,
		DltClassifiers: map[kafkaiface.ErrorKind]string{
			kafkaiface.ErrorKindSerialization: "orders-dlt-serialization",
		},
	})

	dlt, ok := chain.Dlt(kafkaiface.ErrorKindSerialization)
	require.True(t, ok)
	assert.Equal(t, "orders-dlt-serialization", dlt.Name)

	// no fallback configured for an unmatched kind
	_, ok = chain.Dlt(kafkaiface.ErrorKindListener)
	assert.False(t, ok)
}

func TestExponentialBackoff_CapsAtMax(t *testing.T) {
	b := ExponentialBackoff{Initial: time.Second, Multiplier: 2, Max: 5 * time.Second}
	assert.Equal(t, time.Second, b.Delay(1))
	assert.Equal(t, 2*time.Second, b.Delay(2))
	assert.Equal(t, 4*time.Second, b.Delay(3))
	assert.Equal(t, 5*time.Second, b.Delay(4)) // would be 8s, capped
}

func TestNextHop_ExhaustedPastMaxAttempts(t *testing.T) {
	chain := Build(ChainSpec{MainTopic: "orders", Backoff: FixedBackoff(time.Second), MaxAttempts: 2, DltStrategy: kafkaiface.DltFailOnError})
	_, ok := chain.NextHop(3)
	assert.False(t, ok)
	_, ok = chain.NextHop(0)
	assert.False(t, ok)
}
