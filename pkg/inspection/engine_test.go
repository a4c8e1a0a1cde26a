package inspection

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetsense/fleetsense/pkg/campaign"
	"github.com/fleetsense/fleetsense/pkg/customfunc"
	"github.com/fleetsense/fleetsense/pkg/decoder"
	"github.com/fleetsense/fleetsense/pkg/pipeline"
	"github.com/fleetsense/fleetsense/pkg/rawdata"
	"github.com/fleetsense/fleetsense/pkg/types"
)

// testEngine drives the engine synchronously: samples and timer checks are
// fed directly instead of through the consumer goroutine.
type testEngine struct {
	engine    *Engine
	clk       *clock.Mock
	triggered []*types.TriggeredData
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	te := &testEngine{clk: clock.NewMock()}
	te.clk.Set(time.UnixMilli(0))
	te.engine = NewEngine(Config{
		Clock:    te.clk,
		Queue:    pipeline.NewQueue(100),
		Registry: customfunc.NewRegistry(),
		OnTriggered: func(td *types.TriggeredData) {
			te.triggered = append(te.triggered, td)
		},
	})
	return te
}

func (te *testEngine) apply(campaigns ...*types.Campaign) {
	te.engine.applyMatrix(campaign.BuildMatrix(campaigns))
}

func (te *testEngine) feed(id types.SignalID, ts uint64, v types.Value) {
	te.engine.processSample(&types.SignalSample{SignalID: id, TimestampMs: ts, Value: v, SourceID: "test"})
}

func signalAbove(id types.SignalID, threshold float64) *types.ConditionNode {
	return &types.ConditionNode{
		Kind:  types.NodeOperator,
		Op:    types.OpBigger,
		Left:  &types.ConditionNode{Kind: types.NodeSignal, SignalID: id},
		Right: &types.ConditionNode{Kind: types.NodeNumber, Number: threshold},
	}
}

func risingEdgeCampaign(syncID string, cond *types.ConditionNode, bufferSize uint32) *types.Campaign {
	return &types.Campaign{
		SyncID:                syncID,
		DecoderManifestSyncID: "DM1",
		ExpiryMs:              1 << 60,
		Condition:             cond,
		Mode:                  types.TriggerRisingEdge,
		Signals:               []types.SignalRequirement{{SignalID: 1, SampleBufferSize: bufferSize}},
	}
}

func TestRisingEdgeFiresOnTransitionOnly(t *testing.T) {
	te := newTestEngine(t)
	te.apply(risingEdgeCampaign("C1", signalAbove(1, 10), 10))

	te.feed(1, 100, types.NumberValue(5))  // false
	te.feed(1, 200, types.NumberValue(15)) // false -> true: fire
	te.feed(1, 300, types.NumberValue(20)) // still true: no fire
	te.feed(1, 400, types.NumberValue(5))  // true -> false
	te.feed(1, 500, types.NumberValue(15)) // false -> true: fire

	require.Len(t, te.triggered, 2)
	assert.Equal(t, uint64(200), te.triggered[0].TriggerTimeMs)
	assert.Equal(t, uint64(500), te.triggered[1].TriggerTimeMs)
}

func TestRisingEdgeFromUndefined(t *testing.T) {
	te := newTestEngine(t)
	te.apply(risingEdgeCampaign("C1", signalAbove(1, 10), 10))

	// Previous evaluation never happened (undefined): first true fires.
	te.feed(1, 100, types.NumberValue(15))
	require.Len(t, te.triggered, 1)
}

func TestAlwaysModeWithMinInterval(t *testing.T) {
	te := newTestEngine(t)
	c := risingEdgeCampaign("C1", signalAbove(1, 10), 10)
	c.Mode = types.TriggerAlways
	c.MinIntervalMs = 1000
	te.apply(c)

	te.feed(1, 0, types.NumberValue(15))    // fire
	te.feed(1, 100, types.NumberValue(15))  // gated
	te.feed(1, 900, types.NumberValue(15))  // gated
	te.feed(1, 1000, types.NumberValue(15)) // interval elapsed and true: fire
	te.feed(1, 1100, types.NumberValue(5))  // false: no fire
	te.feed(1, 2100, types.NumberValue(15)) // fire

	require.Len(t, te.triggered, 3)
}

func TestRisingEdgeRateLimited(t *testing.T) {
	te := newTestEngine(t)
	c := risingEdgeCampaign("C1", signalAbove(1, 10), 10)
	c.MinIntervalMs = 1000
	te.apply(c)

	te.feed(1, 0, types.NumberValue(15))   // fire
	te.feed(1, 100, types.NumberValue(5))  // falls
	te.feed(1, 200, types.NumberValue(15)) // edge, but inside interval
	te.feed(1, 1300, types.NumberValue(5))
	te.feed(1, 1400, types.NumberValue(15)) // edge, interval elapsed: fire

	require.Len(t, te.triggered, 2)
}

func TestUndefinedOperandYieldsNoFire(t *testing.T) {
	te := newTestEngine(t)
	// signal1 > 10 && signal2 < 5: signal 2 never seen.
	cond := &types.ConditionNode{
		Kind: types.NodeOperator,
		Op:   types.OpLogicalAnd,
		Left: signalAbove(1, 10),
		Right: &types.ConditionNode{
			Kind:  types.NodeOperator,
			Op:    types.OpSmaller,
			Left:  &types.ConditionNode{Kind: types.NodeSignal, SignalID: 2},
			Right: &types.ConditionNode{Kind: types.NodeNumber, Number: 5},
		},
	}
	c := risingEdgeCampaign("C1", cond, 10)
	c.Signals = append(c.Signals, types.SignalRequirement{SignalID: 2, SampleBufferSize: 10, ConditionOnly: true})
	te.apply(c)

	te.feed(1, 100, types.NumberValue(15))
	assert.Empty(t, te.triggered, "undefined operand must not satisfy the condition")

	te.feed(2, 200, types.NumberValue(1))
	require.Len(t, te.triggered, 1, "condition resolves once both signals are known")
}

func TestSnapshotTakesLastNOnceOnly(t *testing.T) {
	te := newTestEngine(t)
	c := risingEdgeCampaign("C1", signalAbove(1, 10), 3)
	te.apply(c)

	for i, v := range []float64{1, 2, 3, 4, 5} {
		te.feed(1, uint64(100*(i+1)), types.NumberValue(v))
	}
	te.feed(1, 600, types.NumberValue(15)) // fire

	require.Len(t, te.triggered, 1)
	td := te.triggered[0]
	// Buffer size 3: the snapshot holds the last 3 samples.
	require.Len(t, td.Signals, 3)
	assert.Equal(t, uint64(400), td.Signals[0].TimestampMs)
	assert.Equal(t, uint64(500), td.Signals[1].TimestampMs)
	assert.Equal(t, uint64(600), td.Signals[2].TimestampMs)

	// A second fire only collects samples newer than the last snapshot.
	te.feed(1, 700, types.NumberValue(5))
	te.feed(1, 800, types.NumberValue(20))
	require.Len(t, te.triggered, 2)
	td = te.triggered[1]
	require.Len(t, td.Signals, 2)
	assert.Equal(t, uint64(700), td.Signals[0].TimestampMs)
	assert.Equal(t, uint64(800), td.Signals[1].TimestampMs)
}

func TestConditionOnlySignalsExcludedFromSnapshot(t *testing.T) {
	te := newTestEngine(t)
	c := risingEdgeCampaign("C1", signalAbove(1, 10), 10)
	c.Signals[0].ConditionOnly = true
	te.apply(c)

	te.feed(1, 100, types.NumberValue(15))
	require.Len(t, te.triggered, 1)
	assert.Empty(t, te.triggered[0].Signals)
}

func TestTimeBasedCampaign(t *testing.T) {
	te := newTestEngine(t)
	te.apply(&types.Campaign{
		SyncID:                "T1",
		DecoderManifestSyncID: "DM1",
		ExpiryMs:              1 << 60,
		PeriodMs:              500,
		Signals:               []types.SignalRequirement{{SignalID: 1, SampleBufferSize: 10}},
	})

	te.feed(1, 100, types.NumberValue(1))
	te.engine.checkTimers(499)
	assert.Empty(t, te.triggered)

	te.engine.checkTimers(500)
	require.Len(t, te.triggered, 1)

	te.engine.checkTimers(999)
	require.Len(t, te.triggered, 1)
	te.engine.checkTimers(1000)
	require.Len(t, te.triggered, 2)
}

func TestAfterDurationDefersSnapshot(t *testing.T) {
	te := newTestEngine(t)
	c := risingEdgeCampaign("C1", signalAbove(1, 10), 10)
	c.AfterDurationMs = 500
	te.apply(c)

	te.feed(1, 100, types.NumberValue(15)) // fire, snapshot at 600
	assert.Empty(t, te.triggered)

	// Buffers keep filling during the wait.
	te.feed(1, 300, types.NumberValue(20))
	te.engine.checkTimers(599)
	assert.Empty(t, te.triggered)

	te.engine.checkTimers(600)
	require.Len(t, te.triggered, 1)
	td := te.triggered[0]
	assert.Equal(t, uint64(100), td.TriggerTimeMs)
	require.Len(t, td.Signals, 2)
	assert.Equal(t, uint64(300), td.Signals[1].TimestampMs)
}

func TestPriorityOrderOnConcurrentFires(t *testing.T) {
	te := newTestEngine(t)
	high := risingEdgeCampaign("B-high", signalAbove(1, 10), 10)
	high.Priority = 1
	low := risingEdgeCampaign("A-low", signalAbove(1, 10), 10)
	low.Priority = 5
	same := risingEdgeCampaign("C-same", signalAbove(1, 10), 10)
	same.Priority = 1
	te.apply(high, low, same)

	te.feed(1, 100, types.NumberValue(15))

	require.Len(t, te.triggered, 3)
	// Lower priority number wins; equal priorities order by sync ID.
	assert.Equal(t, "B-high", te.triggered[0].CampaignSyncID)
	assert.Equal(t, "C-same", te.triggered[1].CampaignSyncID)
	assert.Equal(t, "A-low", te.triggered[2].CampaignSyncID)
}

func TestFixedWindowFunctions(t *testing.T) {
	te := newTestEngine(t)
	cond := &types.ConditionNode{
		Kind: types.NodeOperator,
		Op:   types.OpEqual,
		Left: &types.ConditionNode{
			Kind:     types.NodeWindowFunction,
			SignalID: 1,
			Function: types.WindowLastAvg,
		},
		Right: &types.ConditionNode{Kind: types.NodeNumber, Number: 3},
	}
	c := risingEdgeCampaign("C1", cond, 10)
	c.Signals[0].FixedWindowPeriodMs = 1000
	te.apply(c)

	// Window starts at the first sample; avg of {1, 5} is 3 once the
	// window completes.
	te.feed(1, 100, types.NumberValue(1))
	te.feed(1, 200, types.NumberValue(5))
	assert.Empty(t, te.triggered, "window not complete yet")

	te.feed(1, 1100, types.NumberValue(99)) // rolls the window
	require.Len(t, te.triggered, 1)
}

func TestMinimumSamplePeriodThinsBuffer(t *testing.T) {
	te := newTestEngine(t)
	c := risingEdgeCampaign("C1", signalAbove(1, 10), 10)
	c.Signals[0].MinimumSamplePeriodMs = 100
	te.apply(c)

	te.feed(1, 0, types.NumberValue(1))
	te.feed(1, 50, types.NumberValue(15)) // dropped: too soon
	assert.Empty(t, te.triggered)

	te.feed(1, 100, types.NumberValue(15))
	require.Len(t, te.triggered, 1)
}

func TestMatrixSwapPreservesBuffers(t *testing.T) {
	te := newTestEngine(t)
	c1 := risingEdgeCampaign("C1", signalAbove(1, 10), 5)
	te.apply(c1)

	te.feed(1, 100, types.NumberValue(1))
	te.feed(1, 200, types.NumberValue(2))

	// Add a second campaign; signal 1's history must survive.
	c2 := risingEdgeCampaign("C2", signalAbove(1, 100), 5)
	te.apply(c1, c2)

	te.feed(1, 300, types.NumberValue(15)) // C1 fires
	require.Len(t, te.triggered, 1)
	td := te.triggered[0]
	require.Len(t, td.Signals, 3)
	assert.Equal(t, uint64(100), td.Signals[0].TimestampMs)
}

func TestComplexSampleWithoutHandleNotEmitted(t *testing.T) {
	te := newTestEngine(t)

	raw := rawdata.NewManager(1024, map[types.SignalID]rawdata.SignalConfig{
		2: {MaxBytes: 512, MaxSamples: 4, MaxBytesPerSample: 256},
	})
	dict := decoder.NewPublisher()
	dict.Publish(decoder.Build(&types.DecoderManifest{
		SyncID: "DM1",
		Signals: map[types.SignalID]*types.SignalDecoding{
			1: {SignalID: 1, Type: types.SignalTypeFloat64, Protocol: "can", BusName: "can0", FrameID: 1},
			2: {SignalID: 2, Type: types.SignalTypeBytes, Protocol: "custom", Name: "Vehicle.Camera"},
		},
	}, nil))
	te.engine.cfg.RawData = raw
	te.engine.cfg.Dictionary = dict

	c := risingEdgeCampaign("C1", signalAbove(1, 10), 10)
	c.Signals = append(c.Signals, types.SignalRequirement{SignalID: 2, SampleBufferSize: 4})
	te.apply(c)

	handle, err := raw.Store(2, []byte("frame-bytes"))
	require.NoError(t, err)

	// One stored complex sample and one that was never admitted.
	te.engine.processSample(&types.SignalSample{SignalID: 2, TimestampMs: 100, RawHandle: handle, SourceID: "cam"})
	te.engine.processSample(&types.SignalSample{SignalID: 2, TimestampMs: 200, SourceID: "cam"})
	te.feed(1, 300, types.NumberValue(15))

	require.Len(t, te.triggered, 1)
	td := te.triggered[0]
	var complexSignals []types.CollectedSignal
	for _, s := range td.Signals {
		if s.SignalID == 2 {
			complexSignals = append(complexSignals, s)
		}
	}
	require.Len(t, complexSignals, 1, "unstored complex data must not be emitted")
	assert.Equal(t, []byte("frame-bytes"), complexSignals[0].RawData)
}
