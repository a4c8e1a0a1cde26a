package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetsense/fleetsense/pkg/types"
)

func sample(id types.SignalID, ts uint64, source string) *types.SignalSample {
	return &types.SignalSample{
		SignalID:    id,
		TimestampMs: ts,
		Value:       types.NumberValue(float64(ts)),
		SourceID:    source,
	}
}

func TestQueueDropOnFull(t *testing.T) {
	q := NewQueue(2)

	assert.True(t, q.Push(sample(1, 1, "can0")))
	assert.True(t, q.Push(sample(1, 2, "can0")))
	assert.False(t, q.Push(sample(1, 3, "can0")))

	assert.Equal(t, uint64(1), q.Dropped())
	assert.Equal(t, 2, q.Len())
}

func TestQueuePreservesArrivalOrder(t *testing.T) {
	q := NewQueue(10)
	for ts := uint64(1); ts <= 5; ts++ {
		require.True(t, q.Push(sample(1, ts, "can0")))
	}

	batch := q.PopBatch(3)
	require.Len(t, batch, 3)
	for i, s := range batch {
		assert.Equal(t, uint64(i+1), s.TimestampMs)
	}

	rest := q.PopBatch(0)
	require.Len(t, rest, 2)
	assert.Equal(t, uint64(4), rest[0].TimestampMs)
	assert.Equal(t, uint64(5), rest[1].TimestampMs)
	assert.Nil(t, q.PopBatch(0))
}

func TestDistributorFanOut(t *testing.T) {
	in := NewQueue(100)
	d := NewDistributor(in)

	c1 := NewQueue(100)
	c2 := NewQueue(100)
	d.Register("engine", c1)
	d.Register("recorder", c2)

	d.Start()
	defer d.Stop()

	for ts := uint64(1); ts <= 10; ts++ {
		require.True(t, d.Ingest(sample(7, ts, "can0")))
	}

	waitFor(t, func() bool { return c1.Len() == 10 && c2.Len() == 10 })

	batch := c1.PopBatch(0)
	require.Len(t, batch, 10)
	for i, s := range batch {
		assert.Equal(t, uint64(i+1), s.TimestampMs, "per-producer arrival order must be preserved")
	}
}

func TestDistributorUnregister(t *testing.T) {
	in := NewQueue(100)
	d := NewDistributor(in)

	c1 := NewQueue(100)
	d.Register("engine", c1)
	d.Start()
	defer d.Stop()

	require.True(t, d.Ingest(sample(1, 1, "can0")))
	waitFor(t, func() bool { return c1.Len() == 1 })

	d.Unregister("engine")
	require.True(t, d.Ingest(sample(1, 2, "can0")))

	// The detached consumer must not receive further samples.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, c1.Len())
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}
