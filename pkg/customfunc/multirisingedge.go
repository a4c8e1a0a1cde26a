package customfunc

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/fleetsense/fleetsense/pkg/decoder"
	"github.com/fleetsense/fleetsense/pkg/log"
	"github.com/fleetsense/fleetsense/pkg/rawdata"
	"github.com/fleetsense/fleetsense/pkg/types"
)

// MultiRisingEdgeSignalName is the custom source name the emitted label
// array is tagged with. The decoder manifest must define it for the
// emission to happen.
const MultiRisingEdgeSignalName = "Vehicle.MultiRisingEdgeTrigger"

// MultiRisingEdgeTrigger watches pairs of (label, flag) arguments and
// returns true when any flag transitions from false to true. The labels
// that rose are emitted into the triggered data as one complex signal
// whose payload is a JSON array.
type MultiRisingEdgeTrigger struct {
	dict    *decoder.Publisher
	rawData *rawdata.Manager
	logger  zerolog.Logger

	mu sync.Mutex
	// lastFlags holds the previous flag per argument position, keyed by
	// campaign.
	lastFlags map[types.SyncID][]bool
	// risen collects the labels that rose since the last ConditionEnd.
	risen []string
}

// NewMultiRisingEdgeTrigger creates the trigger function.
func NewMultiRisingEdgeTrigger(dict *decoder.Publisher, rawData *rawdata.Manager) *MultiRisingEdgeTrigger {
	return &MultiRisingEdgeTrigger{
		dict:      dict,
		rawData:   rawData,
		logger:    log.WithComponent("multi-rising-edge"),
		lastFlags: make(map[types.SyncID][]bool),
	}
}

// Invoke expects an even number of (label string, flag) pairs. Undefined
// flags are tolerated: they count as true for edge bookkeeping but never
// record an edge themselves. Argument errors leave internal state
// unchanged.
func (f *MultiRisingEdgeTrigger) Invoke(campaignSyncID types.SyncID, args []types.Value) (types.Value, error) {
	if len(args) < 2 || len(args)%2 != 0 {
		return types.Undefined(), ErrTypeMismatch
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	last, seen := f.lastFlags[campaignSyncID]
	if !seen {
		// First invocation only seeds the previous values.
		flags := make([]bool, len(args)/2)
		for i := 0; i < len(args); i += 2 {
			flag, ok := coerceFlag(args[i], args[i+1])
			if !ok {
				return types.Undefined(), ErrTypeMismatch
			}
			flags[i/2] = flag
		}
		f.lastFlags[campaignSyncID] = flags
		return types.BoolValue(false), nil
	}

	if len(last) != len(args)/2 {
		// Argument count changed since the first invocation.
		return types.Undefined(), ErrTypeMismatch
	}

	for i := 0; i < len(args); i += 2 {
		if _, ok := coerceFlag(args[i], args[i+1]); !ok {
			return types.Undefined(), ErrTypeMismatch
		}
	}

	atLeastOneRisingEdge := false
	for i := 0; i < len(args); i += 2 {
		flag, _ := coerceFlag(args[i], args[i+1])
		if !args[i+1].IsUndefined() && flag && !last[i/2] {
			atLeastOneRisingEdge = true
			f.risen = append(f.risen, args[i].S)
		}
		last[i/2] = flag
	}
	return types.BoolValue(atLeastOneRisingEdge), nil
}

// coerceFlag validates one (label, flag) pair and returns the flag value
// used for edge bookkeeping.
func coerceFlag(label, flag types.Value) (bool, bool) {
	if !label.IsString() {
		return false, false
	}
	if flag.IsUndefined() {
		return true, true
	}
	b, ok := flag.AsBool()
	return b, ok
}

// ConditionEnd emits the risen labels as one complex signal when the
// condition fired, the tagged signal was collected and raw data config
// exists for it. Labels are consumed either way.
func (f *MultiRisingEdgeTrigger) ConditionEnd(collectedSignals map[types.SignalID]struct{}, timestampMs uint64, out *types.TriggeredData) {
	f.mu.Lock()
	risen := f.risen
	f.risen = nil
	f.mu.Unlock()

	if len(risen) == 0 || out == nil {
		return
	}
	if f.dict == nil || f.rawData == nil {
		f.logger.Warn().Msg("named signal dictionary or raw buffer manager not configured")
		return
	}

	dict := f.dict.Current()
	if dict == nil {
		return
	}
	signalID := dict.NamedSignalID(MultiRisingEdgeSignalName)
	if signalID == types.InvalidSignalID {
		f.logger.Warn().Str("name", MultiRisingEdgeSignalName).Msg("signal not present in decoder manifest")
		return
	}
	if _, ok := collectedSignals[signalID]; !ok {
		return
	}

	payload, err := json.Marshal(risen)
	if err != nil {
		return
	}
	handle, err := f.rawData.Store(signalID, payload)
	if err != nil {
		f.logger.Warn().Err(err).Msg("rising edge labels not stored")
		return
	}
	out.Signals = append(out.Signals, types.CollectedSignal{
		SignalID:    signalID,
		TimestampMs: timestampMs,
		RawHandle:   handle,
		Type:        types.SignalTypeString,
	})
}

// Cleanup drops the per-campaign edge state.
func (f *MultiRisingEdgeTrigger) Cleanup(campaignSyncID types.SyncID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.lastFlags, campaignSyncID)
}

var _ Function = (*MultiRisingEdgeTrigger)(nil)
