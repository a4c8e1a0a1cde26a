package customfunc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetsense/fleetsense/pkg/decoder"
	"github.com/fleetsense/fleetsense/pkg/rawdata"
	"github.com/fleetsense/fleetsense/pkg/types"
)

const triggerSignal = types.SignalID(1)

func newTestTrigger(t *testing.T) (*MultiRisingEdgeTrigger, *rawdata.Manager) {
	t.Helper()
	dict := decoder.NewPublisher()
	dict.Publish(decoder.Build(&types.DecoderManifest{
		SyncID: "DM1",
		Signals: map[types.SignalID]*types.SignalDecoding{
			triggerSignal: {SignalID: triggerSignal, Type: types.SignalTypeString, Protocol: "custom", Name: MultiRisingEdgeSignalName},
		},
	}, nil))

	raw := rawdata.NewManager(1024*1024, map[types.SignalID]rawdata.SignalConfig{
		triggerSignal: {MaxBytes: 4096, MaxSamples: 16, MaxBytesPerSample: 1024},
	})
	return NewMultiRisingEdgeTrigger(dict, raw), raw
}

func args(pairs ...interface{}) []types.Value {
	out := make([]types.Value, len(pairs))
	for i, p := range pairs {
		switch v := p.(type) {
		case string:
			out[i] = types.StringValue(v)
		case bool:
			out[i] = types.BoolValue(v)
		case nil:
			out[i] = types.Undefined()
		}
	}
	return out
}

// collectPayload runs ConditionEnd against a fresh bundle and returns the
// emitted JSON payload, or nil when nothing was emitted.
func collectPayload(t *testing.T, fn *MultiRisingEdgeTrigger, raw *rawdata.Manager, collected map[types.SignalID]struct{}, out *types.TriggeredData) []byte {
	t.Helper()
	fn.ConditionEnd(collected, 1000, out)
	if out == nil || len(out.Signals) == 0 {
		return nil
	}
	require.Len(t, out.Signals, 1)
	view := raw.Borrow(out.Signals[0].SignalID, out.Signals[0].RawHandle)
	require.NotNil(t, view)
	payload := append([]byte(nil), view...)
	raw.Release(out.Signals[0].SignalID, out.Signals[0].RawHandle)
	return payload
}

func TestMultiRisingEdgeSequence(t *testing.T) {
	fn, raw := newTestTrigger(t)
	collected := map[types.SignalID]struct{}{triggerSignal: {}}

	// First invocation only seeds state: no fire.
	v, err := fn.Invoke("C1", args("abc", false, "def", false))
	require.NoError(t, err)
	assert.False(t, v.IsTrue())
	assert.Nil(t, collectPayload(t, fn, raw, collected, &types.TriggeredData{}))

	// abc rises.
	v, err = fn.Invoke("C1", args("abc", true, "def", false))
	require.NoError(t, err)
	assert.True(t, v.IsTrue())
	assert.JSONEq(t, `["abc"]`, string(collectPayload(t, fn, raw, collected, &types.TriggeredData{})))

	// abc falls, def rises.
	v, err = fn.Invoke("C1", args("abc", false, "def", true))
	require.NoError(t, err)
	assert.True(t, v.IsTrue())
	assert.JSONEq(t, `["def"]`, string(collectPayload(t, fn, raw, collected, &types.TriggeredData{})))

	// Both rise.
	_, err = fn.Invoke("C1", args("abc", false, "def", false))
	require.NoError(t, err)
	collectPayload(t, fn, raw, collected, &types.TriggeredData{})
	v, err = fn.Invoke("C1", args("abc", true, "def", true))
	require.NoError(t, err)
	assert.True(t, v.IsTrue())
	assert.JSONEq(t, `["abc","def"]`, string(collectPayload(t, fn, raw, collected, &types.TriggeredData{})))
}

func TestMultiRisingEdgeTypeMismatch(t *testing.T) {
	fn, _ := newTestTrigger(t)

	// Odd arity.
	_, err := fn.Invoke("C1", args("abc", false, "def"))
	assert.ErrorIs(t, err, ErrTypeMismatch)

	// Label not a string.
	_, err = fn.Invoke("C1", []types.Value{types.NumberValue(1), types.BoolValue(true)})
	assert.ErrorIs(t, err, ErrTypeMismatch)

	// Flag a string.
	_, err = fn.Invoke("C1", []types.Value{types.StringValue("abc"), types.StringValue("x")})
	assert.ErrorIs(t, err, ErrTypeMismatch)

	// State was never seeded, so the next valid call is a first
	// invocation and must not fire.
	v, err := fn.Invoke("C1", args("abc", true))
	require.NoError(t, err)
	assert.False(t, v.IsTrue())

	// Arity change after seeding is rejected.
	_, err = fn.Invoke("C1", args("abc", true, "def", false))
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestMultiRisingEdgeUndefinedFlags(t *testing.T) {
	fn, raw := newTestTrigger(t)
	collected := map[types.SignalID]struct{}{triggerSignal: {}}

	// Undefined counts as true for bookkeeping but records no edge.
	_, err := fn.Invoke("C1", args("abc", false))
	require.NoError(t, err)
	v, err := fn.Invoke("C1", args("abc", nil))
	require.NoError(t, err)
	assert.False(t, v.IsTrue())
	assert.Nil(t, collectPayload(t, fn, raw, collected, &types.TriggeredData{}))

	// After an undefined (treated as true), a true is not a rising edge.
	v, err = fn.Invoke("C1", args("abc", true))
	require.NoError(t, err)
	assert.False(t, v.IsTrue())
}

func TestMultiRisingEdgeSuppressedEmissions(t *testing.T) {
	fn, raw := newTestTrigger(t)
	collected := map[types.SignalID]struct{}{triggerSignal: {}}

	rise := func() {
		_, err := fn.Invoke("C1", args("abc", false))
		require.NoError(t, err)
		fn.ConditionEnd(collected, 1000, nil)
		v, err := fn.Invoke("C1", args("abc", true))
		require.NoError(t, err)
		require.True(t, v.IsTrue())
	}

	// Trigger signal not in the collected set: the condition fired but
	// the complex emission is suppressed.
	rise()
	out := &types.TriggeredData{}
	fn.ConditionEnd(map[types.SignalID]struct{}{}, 1000, out)
	assert.Empty(t, out.Signals)

	// No triggered output at all: labels are consumed silently.
	rise()
	fn.ConditionEnd(collected, 1000, nil)
	out = &types.TriggeredData{}
	fn.ConditionEnd(collected, 1000, out)
	assert.Empty(t, out.Signals)

	// Raw data config removed: subsequent fires emit nothing.
	raw.RemoveConfig(triggerSignal)
	rise()
	out = &types.TriggeredData{}
	fn.ConditionEnd(collected, 1000, out)
	assert.Empty(t, out.Signals)
}

func TestMultiRisingEdgeCleanup(t *testing.T) {
	fn, _ := newTestTrigger(t)

	_, err := fn.Invoke("C1", args("abc", false))
	require.NoError(t, err)
	fn.Cleanup("C1")

	// After cleanup the next invocation seeds again, so no fire.
	v, err := fn.Invoke("C1", args("abc", true))
	require.NoError(t, err)
	assert.False(t, v.IsTrue())
}

func TestMathFunctions(t *testing.T) {
	r := NewRegistry()
	RegisterMath(r)

	abs, ok := r.Lookup("abs")
	require.True(t, ok)

	v, err := abs.Invoke("C1", []types.Value{types.NumberValue(-4)})
	require.NoError(t, err)
	assert.Equal(t, 4.0, v.N)

	// Undefined propagates without error.
	v, err = abs.Invoke("C1", []types.Value{types.Undefined()})
	require.NoError(t, err)
	assert.True(t, v.IsUndefined())

	// Wrong arity is a type mismatch.
	_, err = abs.Invoke("C1", nil)
	assert.ErrorIs(t, err, ErrTypeMismatch)

	maxFn, ok := r.Lookup("max")
	require.True(t, ok)
	v, err = maxFn.Invoke("C1", []types.Value{types.NumberValue(2), types.NumberValue(7)})
	require.NoError(t, err)
	assert.Equal(t, 7.0, v.N)
}
