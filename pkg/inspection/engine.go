package inspection

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fleetsense/fleetsense/pkg/customfunc"
	"github.com/fleetsense/fleetsense/pkg/decoder"
	"github.com/fleetsense/fleetsense/pkg/log"
	"github.com/fleetsense/fleetsense/pkg/metrics"
	"github.com/fleetsense/fleetsense/pkg/pipeline"
	"github.com/fleetsense/fleetsense/pkg/rawdata"
	"github.com/fleetsense/fleetsense/pkg/types"
)

// signalState is the engine-local per-signal storage. All of it is owned
// by the engine goroutine; there are no locks on the hot path.
type signalState struct {
	ring    *ringBuffer
	windows map[uint64]*fixedWindow
	// conditions lists the indices of conditions whose tree references
	// this signal; each is re-evaluated when a sample arrives.
	conditions []int
	complex    bool
}

// conditionState tracks one campaign's evaluation and trigger bookkeeping.
type conditionState struct {
	def *types.InspectionCondition
	// windowPeriods maps each referenced signal to the fixed window
	// period the campaign declared for it.
	windowPeriods map[types.SignalID]uint64
	// collectedSet holds the signals included in triggered data.
	collectedSet map[types.SignalID]struct{}

	prevTrue        bool
	hasTriggered    bool
	lastTriggerMs   uint64
	lastCollectedMs uint64
	activatedMs     uint64

	// pendingDueMs is set while an after-duration snapshot is waiting.
	pendingDueMs   uint64
	pendingFireMs  uint64
	pendingInvoked map[string]struct{}
}

// Config wires the engine's collaborators.
type Config struct {
	Clock      clock.Clock
	Queue      *pipeline.Queue
	RawData    *rawdata.Manager
	Registry   *customfunc.Registry
	Dictionary *decoder.Publisher
	// OnTriggered receives assembled bundles. It must not block; the
	// uploader runs its own queue.
	OnTriggered func(*types.TriggeredData)
}

// Engine is the single-threaded consumer of the signal pipeline. It owns
// all ring buffer and window state, evaluates every relevant condition
// exactly once per incorporated sample and assembles triggered data.
type Engine struct {
	cfg    Config
	logger zerolog.Logger

	pendingMatrix atomic.Pointer[types.InspectionMatrix]

	// State below is touched only by the engine goroutine.
	matrix     *types.InspectionMatrix
	conditions []*conditionState
	signals    map[types.SignalID]*signalState

	dtcMu      sync.Mutex
	activeDTCs *types.DTCInfo

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEngine creates an engine consuming from cfg.Queue.
func NewEngine(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Engine{
		cfg:     cfg,
		logger:  log.WithComponent("inspection-engine"),
		signals: make(map[types.SignalID]*signalState),
		stopCh:  make(chan struct{}),
	}
}

// UpdateMatrix hands the engine a fresh inspection matrix. The swap is
// atomic: the engine picks it up between samples, never mid-evaluation.
func (e *Engine) UpdateMatrix(m *types.InspectionMatrix) {
	e.pendingMatrix.Store(m)
}

// SetActiveDTCs records the diagnostic trouble codes attached to bundles
// of campaigns that ask for them.
func (e *Engine) SetActiveDTCs(info *types.DTCInfo) {
	e.dtcMu.Lock()
	e.activeDTCs = info
	e.dtcMu.Unlock()
}

// Start begins the consumer loop.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.run()
}

// Stop terminates the consumer loop and returns once it has exited.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

func (e *Engine) run() {
	defer e.wg.Done()

	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		if m := e.pendingMatrix.Load(); m != nil && m != e.matrix {
			e.applyMatrix(m)
		}

		batch := e.cfg.Queue.PopBatch(256)
		if batch == nil {
			e.checkTimers(e.nowMs())
			e.cfg.Queue.Wait(100*time.Millisecond, e.stopCh)
			continue
		}
		for _, s := range batch {
			e.processSample(s)
		}
		e.checkTimers(e.nowMs())
	}
}

func (e *Engine) nowMs() uint64 {
	return uint64(e.cfg.Clock.Now().UnixMilli())
}

// applyMatrix rebuilds the condition and signal state for a new matrix.
// Windows and trigger bookkeeping survive for campaigns and signals that
// carry over; a ring buffer survives only while its size and minimum sample
// period are unchanged, otherwise it is reallocated empty.
func (e *Engine) applyMatrix(m *types.InspectionMatrix) {
	prevConds := make(map[types.SyncID]*conditionState, len(e.conditions))
	for _, cs := range e.conditions {
		prevConds[cs.def.CampaignSyncID] = cs
	}
	prevSignals := e.signals

	type signalNeeds struct {
		bufferSize    int
		minIntervalMs uint32
		windows       map[uint64]struct{}
	}
	needs := make(map[types.SignalID]*signalNeeds)
	need := func(id types.SignalID) *signalNeeds {
		n, ok := needs[id]
		if !ok {
			n = &signalNeeds{bufferSize: 1, windows: make(map[uint64]struct{})}
			needs[id] = n
		}
		return n
	}

	conditions := make([]*conditionState, 0, len(m.Conditions))
	for _, def := range m.Conditions {
		cs := &conditionState{
			def:           def,
			windowPeriods: make(map[types.SignalID]uint64),
			collectedSet:  make(map[types.SignalID]struct{}),
		}
		if prev, ok := prevConds[def.CampaignSyncID]; ok {
			cs.prevTrue = prev.prevTrue
			cs.hasTriggered = prev.hasTriggered
			cs.lastTriggerMs = prev.lastTriggerMs
			cs.lastCollectedMs = prev.lastCollectedMs
			cs.activatedMs = prev.activatedMs
			cs.pendingDueMs = prev.pendingDueMs
			cs.pendingFireMs = prev.pendingFireMs
			cs.pendingInvoked = prev.pendingInvoked
		}
		if cs.activatedMs == 0 {
			cs.activatedMs = e.nowMs()
		}
		for _, req := range def.Signals {
			n := need(req.SignalID)
			if int(req.SampleBufferSize) > n.bufferSize {
				n.bufferSize = int(req.SampleBufferSize)
			}
			if req.MinimumSamplePeriodMs > 0 &&
				(n.minIntervalMs == 0 || req.MinimumSamplePeriodMs < n.minIntervalMs) {
				n.minIntervalMs = req.MinimumSamplePeriodMs
			}
			if req.FixedWindowPeriodMs > 0 {
				n.windows[uint64(req.FixedWindowPeriodMs)] = struct{}{}
				cs.windowPeriods[req.SignalID] = uint64(req.FixedWindowPeriodMs)
			}
			if !req.ConditionOnly {
				cs.collectedSet[req.SignalID] = struct{}{}
			}
		}
		conditions = append(conditions, cs)
	}

	signals := make(map[types.SignalID]*signalState, len(needs))
	dict := e.currentDictionary()
	for id, n := range needs {
		sig := &signalState{windows: make(map[uint64]*fixedWindow)}
		if dict != nil {
			if t, ok := dict.TypeOf(id); ok {
				sig.complex = t.IsComplex()
			}
		}
		if prev, ok := prevSignals[id]; ok && prev.ring.size == n.bufferSize && prev.ring.minSampleIntervalMs == n.minIntervalMs {
			sig.ring = prev.ring
		} else {
			sig.ring = newRingBuffer(n.bufferSize, n.minIntervalMs)
		}
		for period := range n.windows {
			if prev, ok := prevSignals[id]; ok {
				if w, ok := prev.windows[period]; ok {
					sig.windows[period] = w
					continue
				}
			}
			sig.windows[period] = newFixedWindow(period)
		}
		signals[id] = sig
	}

	// Index the conditions each signal's tree references.
	for i, cs := range conditions {
		for _, id := range cs.def.Condition.ReferencedSignals(nil) {
			if sig, ok := signals[id]; ok {
				sig.conditions = append(sig.conditions, i)
			}
		}
	}

	e.matrix = m
	e.conditions = conditions
	e.signals = signals
	e.logger.Debug().Int("conditions", len(conditions)).Int("signals", len(signals)).Msg("inspection matrix applied")
}

func (e *Engine) currentDictionary() *decoder.Dictionary {
	if e.cfg.Dictionary == nil {
		return nil
	}
	return e.cfg.Dictionary.Current()
}

// processSample incorporates one sample and evaluates every condition that
// depends on its signal, exactly once, before the next sample is touched.
func (e *Engine) processSample(s *types.SignalSample) {
	sig, ok := e.signals[s.SignalID]
	if !ok {
		// Signal not needed by any active campaign.
		return
	}

	if !sig.ring.add(bufferedSample{value: s.Value, timestampMs: s.TimestampMs, rawHandle: s.RawHandle}) {
		return
	}
	if n, ok := s.Value.AsNumber(); ok {
		for _, w := range sig.windows {
			w.addValue(n, s.TimestampMs)
		}
	}

	for _, ci := range sig.conditions {
		e.evaluateCondition(e.conditions[ci], s.TimestampMs)
	}
}

// evaluateCondition runs one condition tree and applies the trigger rules:
// rising-edge vs always mode and the minimum interval rate limit. Firing
// either snapshots immediately or schedules an after-duration snapshot.
func (e *Engine) evaluateCondition(cs *conditionState, nowTs uint64) {
	if cs.def.Condition == nil {
		return
	}

	ctx := &evalContext{engine: e, cond: cs, invoked: make(map[string]struct{})}
	result := ctx.eval(cs.def.Condition)
	metrics.ConditionsEvaluated.Inc()

	satisfied := result.IsTrue()
	shouldFire := satisfied
	if cs.def.Mode == types.TriggerRisingEdge {
		shouldFire = satisfied && !cs.prevTrue
	}
	cs.prevTrue = satisfied

	if shouldFire && cs.hasTriggered && cs.def.MinIntervalMs > 0 &&
		nowTs < cs.lastTriggerMs+uint64(cs.def.MinIntervalMs) {
		shouldFire = false
	}
	if shouldFire && cs.pendingDueMs > 0 {
		// A snapshot is already scheduled for this campaign.
		shouldFire = false
	}

	if !shouldFire {
		e.conditionEnd(ctx.invoked, cs, nowTs, nil)
		return
	}

	cs.hasTriggered = true
	cs.lastTriggerMs = nowTs
	metrics.TriggersFired.WithLabelValues(cs.def.CampaignSyncID).Inc()

	if cs.def.AfterDurationMs > 0 {
		// Keep filling buffers and snapshot later.
		cs.pendingFireMs = nowTs
		cs.pendingDueMs = nowTs + uint64(cs.def.AfterDurationMs)
		cs.pendingInvoked = ctx.invoked
		return
	}

	td := e.assemble(cs, nowTs, nowTs)
	e.conditionEnd(ctx.invoked, cs, nowTs, td)
	e.resolveRawData(td)
	e.deliver(td)
}

// conditionEnd runs the ConditionEnd hook of every custom function invoked
// in this evaluation pass.
func (e *Engine) conditionEnd(invoked map[string]struct{}, cs *conditionState, ts uint64, out *types.TriggeredData) {
	if e.cfg.Registry == nil {
		return
	}
	for name := range invoked {
		if fn, ok := e.cfg.Registry.Lookup(name); ok {
			fn.ConditionEnd(cs.collectedSet, ts, out)
		}
	}
}

// checkTimers fires due time-based campaigns and assembles due
// after-duration snapshots. Conditions are walked in matrix order, which
// is priority then sync ID, so concurrent fires break ties
// deterministically.
func (e *Engine) checkTimers(now uint64) {
	for _, cs := range e.conditions {
		if cs.def.Condition == nil && cs.def.PeriodMs > 0 {
			base := cs.activatedMs
			if cs.hasTriggered {
				base = cs.lastTriggerMs
			}
			if now >= base+uint64(cs.def.PeriodMs) {
				cs.hasTriggered = true
				cs.lastTriggerMs = now
				metrics.TriggersFired.WithLabelValues(cs.def.CampaignSyncID).Inc()
				td := e.assemble(cs, now, now)
				e.resolveRawData(td)
				e.deliver(td)
			}
		}

		if cs.pendingDueMs > 0 && now >= cs.pendingDueMs {
			fireTs := cs.pendingFireMs
			invoked := cs.pendingInvoked
			cs.pendingDueMs = 0
			cs.pendingFireMs = 0
			cs.pendingInvoked = nil

			td := e.assemble(cs, fireTs, now)
			e.conditionEnd(invoked, cs, now, td)
			e.resolveRawData(td)
			e.deliver(td)
		}
	}
}

// assemble snapshots the buffered history for every collected signal. Only
// samples newer than the campaign's previous snapshot are included, so
// data is sent at most once per condition.
func (e *Engine) assemble(cs *conditionState, triggerTs, snapshotTs uint64) *types.TriggeredData {
	timer := time.Now()
	td := &types.TriggeredData{
		EventID:        uuid.NewString(),
		CampaignSyncID: cs.def.CampaignSyncID,
		TriggerTimeMs:  triggerTs,
		PersistAllData: cs.def.PersistAllData,
		Compress:       cs.def.Compress,
	}

	dict := e.currentDictionary()
	for _, req := range cs.def.Signals {
		if req.ConditionOnly {
			continue
		}
		sig, ok := e.signals[req.SignalID]
		if !ok {
			continue
		}
		var sigType types.SignalType
		if dict != nil {
			sigType, _ = dict.TypeOf(req.SignalID)
		}
		for _, sample := range sig.ring.lastN(int(req.SampleBufferSize)) {
			if sample.timestampMs <= cs.lastCollectedMs {
				continue
			}
			collected := types.CollectedSignal{
				SignalID:    req.SignalID,
				TimestampMs: sample.timestampMs,
				Value:       sample.value,
				RawHandle:   sample.rawHandle,
				Type:        sigType,
			}
			if sig.complex && sample.rawHandle == types.InvalidRawDataHandle {
				// Complex data that was never stored must not be
				// emitted.
				continue
			}
			td.Signals = append(td.Signals, collected)
		}
	}
	cs.lastCollectedMs = snapshotTs

	if cs.def.IncludeActiveDTCs {
		e.dtcMu.Lock()
		td.ActiveDTCs = e.activeDTCs
		e.dtcMu.Unlock()
	}

	metrics.TriggerAssemblyDuration.Observe(time.Since(timer).Seconds())
	return td
}

// resolveRawData copies still-borrowable frames into the bundle so it is
// self-contained for upload and persistence. Handles that can no longer be
// borrowed drop their sample.
func (e *Engine) resolveRawData(td *types.TriggeredData) {
	if e.cfg.RawData == nil {
		return
	}
	kept := td.Signals[:0]
	for _, s := range td.Signals {
		if s.RawHandle == types.InvalidRawDataHandle {
			kept = append(kept, s)
			continue
		}
		view := e.cfg.RawData.Borrow(s.SignalID, s.RawHandle)
		if view == nil {
			continue
		}
		s.RawData = append([]byte(nil), view...)
		e.cfg.RawData.Release(s.SignalID, s.RawHandle)
		kept = append(kept, s)
	}
	td.Signals = kept
}

func (e *Engine) deliver(td *types.TriggeredData) {
	if e.cfg.OnTriggered != nil {
		e.cfg.OnTriggered(td)
	}
}
