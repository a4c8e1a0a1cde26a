package inspection

import (
	"math"

	"github.com/fleetsense/fleetsense/pkg/types"
)

// bufferedSample is one entry in a signal's ring buffer.
type bufferedSample struct {
	value       types.Value
	timestampMs uint64
	rawHandle   types.RawDataHandle
}

// ringBuffer holds the last N samples of one signal, oldest evicted first.
type ringBuffer struct {
	buf          []bufferedSample
	size         int
	next         int // position the next sample is written to
	count        uint64
	lastSampleMs uint64
	// minSampleIntervalMs drops samples arriving faster than the highest
	// fidelity any campaign asked for.
	minSampleIntervalMs uint32
}

func newRingBuffer(size int, minSampleIntervalMs uint32) *ringBuffer {
	if size <= 0 {
		size = 1
	}
	return &ringBuffer{
		buf:                 make([]bufferedSample, size),
		size:                size,
		minSampleIntervalMs: minSampleIntervalMs,
	}
}

// add appends a sample, honouring the minimum sample interval. Returns
// false when the sample was rate limited away.
func (r *ringBuffer) add(s bufferedSample) bool {
	if r.count > 0 && r.minSampleIntervalMs > 0 &&
		s.timestampMs >= r.lastSampleMs &&
		s.timestampMs-r.lastSampleMs < uint64(r.minSampleIntervalMs) {
		return false
	}
	r.buf[r.next] = s
	r.next = (r.next + 1) % r.size
	r.count++
	r.lastSampleMs = s.timestampMs
	return true
}

// latest returns the most recent sample.
func (r *ringBuffer) latest() (bufferedSample, bool) {
	if r.count == 0 {
		return bufferedSample{}, false
	}
	idx := (r.next - 1 + r.size) % r.size
	return r.buf[idx], true
}

// lastN returns up to n samples, oldest first.
func (r *ringBuffer) lastN(n int) []bufferedSample {
	have := int(r.count)
	if have > r.size {
		have = r.size
	}
	if n > have {
		n = have
	}
	if n <= 0 {
		return nil
	}
	out := make([]bufferedSample, 0, n)
	start := (r.next - n + r.size*2) % r.size
	for i := 0; i < n; i++ {
		out = append(out, r.buf[(start+i)%r.size])
	}
	return out
}

// fixedWindow maintains min, max and avg over consecutive wall-clock
// aligned windows of fixed size. The last two completed windows are kept;
// values are computed online so no history scan is needed.
type fixedWindow struct {
	windowSizeMs       uint64
	lastTimeCalculated uint64

	lastMin       float64
	lastMax       float64
	lastAvg       float64
	lastAvailable bool

	prevMin       float64
	prevMax       float64
	prevAvg       float64
	prevAvailable bool

	collectingMin  float64
	collectingMax  float64
	collectingSum  float64
	collectedCount uint32
}

func newFixedWindow(windowSizeMs uint64) *fixedWindow {
	return &fixedWindow{windowSizeMs: windowSizeMs}
}

// addValue rolls the window if needed and folds the value in.
func (w *fixedWindow) addValue(value float64, timestampMs uint64) {
	w.update(timestampMs)
	if w.collectedCount == 0 {
		w.collectingMin = value
		w.collectingMax = value
	} else {
		w.collectingMin = math.Min(w.collectingMin, value)
		w.collectingMax = math.Max(w.collectingMax, value)
	}
	w.collectingSum += value
	w.collectedCount++
}

// update rolls completed windows forward. Returns true when a window
// started or rolled; addValue does not use the result.
func (w *fixedWindow) update(timestampMs uint64) bool {
	switch {
	case w.lastTimeCalculated == 0:
		// First sample starts the window.
		w.lastTimeCalculated = timestampMs
		w.initNewWindow(timestampMs)

	case timestampMs >= w.lastTimeCalculated+w.windowSizeMs*2:
		// Not a single sample arrived in the last window.
		w.lastAvailable = false
		if w.collectedCount == 0 {
			w.prevAvailable = false
		} else {
			w.prevAvailable = true
			w.prevMin = w.collectingMin
			w.prevMax = w.collectingMax
			w.prevAvg = w.collectingSum / float64(w.collectedCount)
		}
		w.initNewWindow(timestampMs)

	case timestampMs >= w.lastTimeCalculated+w.windowSizeMs:
		w.prevMin = w.lastMin
		w.prevMax = w.lastMax
		w.prevAvg = w.lastAvg
		w.prevAvailable = w.lastAvailable
		if w.collectedCount == 0 {
			w.lastAvailable = false
		} else {
			w.lastAvailable = true
			w.lastMin = w.collectingMin
			w.lastMax = w.collectingMax
			w.lastAvg = w.collectingSum / float64(w.collectedCount)
		}
		w.initNewWindow(timestampMs)

	default:
		return false
	}
	return true
}

func (w *fixedWindow) initNewWindow(timestampMs uint64) {
	w.collectingSum = 0
	w.collectedCount = 0
	// Windows roll on deterministic boundaries: advance by whole window
	// multiples so boundaries stay aligned after gaps.
	w.lastTimeCalculated += (timestampMs - w.lastTimeCalculated) / w.windowSizeMs * w.windowSizeMs
}

// value resolves a window function against the completed windows.
func (w *fixedWindow) value(fn types.WindowFunction) types.Value {
	switch fn {
	case types.WindowLastMin:
		if w.lastAvailable {
			return types.NumberValue(w.lastMin)
		}
	case types.WindowLastMax:
		if w.lastAvailable {
			return types.NumberValue(w.lastMax)
		}
	case types.WindowLastAvg:
		if w.lastAvailable {
			return types.NumberValue(w.lastAvg)
		}
	case types.WindowPrevLastMin:
		if w.prevAvailable {
			return types.NumberValue(w.prevMin)
		}
	case types.WindowPrevLastMax:
		if w.prevAvailable {
			return types.NumberValue(w.prevMax)
		}
	case types.WindowPrevLastAvg:
		if w.prevAvailable {
			return types.NumberValue(w.prevAvg)
		}
	}
	return types.Undefined()
}
