package decoder

import (
	"sync"
	"sync/atomic"

	"github.com/fleetsense/fleetsense/pkg/types"
)

// CANKey addresses a frame on a named bus.
type CANKey struct {
	BusName string
	FrameID uint32
}

// Dictionary is the currently active mapping from external identifiers to
// internal signal IDs and types, filtered down to the signals active
// campaigns require. It is immutable after construction; decoders hold one
// snapshot for the duration of a sample's processing.
type Dictionary struct {
	ManifestSyncID types.SyncID

	bySignal map[types.SignalID]*types.SignalDecoding
	can      map[CANKey][]*types.SignalDecoding
	obd      map[uint8][]*types.SignalDecoding
	custom   map[string]*types.SignalDecoding
}

// Build creates a dictionary from a manifest restricted to required
// signals. A nil required set includes every manifest signal.
func Build(manifest *types.DecoderManifest, required map[types.SignalID]struct{}) *Dictionary {
	d := &Dictionary{
		ManifestSyncID: manifest.SyncID,
		bySignal:       make(map[types.SignalID]*types.SignalDecoding),
		can:            make(map[CANKey][]*types.SignalDecoding),
		obd:            make(map[uint8][]*types.SignalDecoding),
		custom:         make(map[string]*types.SignalDecoding),
	}
	for id, dec := range manifest.Signals {
		if required != nil {
			if _, ok := required[id]; !ok {
				continue
			}
		}
		d.bySignal[id] = dec
		switch dec.Protocol {
		case "can":
			key := CANKey{BusName: dec.BusName, FrameID: dec.FrameID}
			d.can[key] = append(d.can[key], dec)
		case "obd":
			d.obd[dec.PID] = append(d.obd[dec.PID], dec)
		case "custom":
			d.custom[dec.Name] = dec
		}
	}
	return d
}

// TypeOf returns the type of a signal included in the dictionary.
func (d *Dictionary) TypeOf(id types.SignalID) (types.SignalType, bool) {
	dec, ok := d.bySignal[id]
	if !ok {
		return "", false
	}
	return dec.Type, true
}

// CANDecodings returns the decodings for a frame on a bus, nil if the
// frame carries no required signal.
func (d *Dictionary) CANDecodings(busName string, frameID uint32) []*types.SignalDecoding {
	return d.can[CANKey{BusName: busName, FrameID: frameID}]
}

// OBDDecodings returns the decodings for a PID.
func (d *Dictionary) OBDDecodings(pid uint8) []*types.SignalDecoding {
	return d.obd[pid]
}

// NamedSignalID resolves a custom source name, returning InvalidSignalID
// when the name is not part of the dictionary.
func (d *Dictionary) NamedSignalID(name string) types.SignalID {
	dec, ok := d.custom[name]
	if !ok {
		return types.InvalidSignalID
	}
	return dec.SignalID
}

// SignalCount returns the number of signals the dictionary decodes.
func (d *Dictionary) SignalCount() int {
	return len(d.bySignal)
}

// Publisher distributes immutable dictionary snapshots to decoder threads.
// Swaps are atomic: a reader either sees the previous snapshot or the new
// one, never a partial update.
type Publisher struct {
	current atomic.Pointer[Dictionary]

	mu   sync.Mutex
	subs []chan *Dictionary
}

// NewPublisher creates a publisher with no active dictionary.
func NewPublisher() *Publisher {
	return &Publisher{}
}

// Current returns the latest snapshot, nil before the first publication.
func (p *Publisher) Current() *Dictionary {
	return p.current.Load()
}

// Subscribe registers for snapshot updates. The channel holds the latest
// snapshot only; slow consumers see the freshest state, not every
// intermediate one.
func (p *Publisher) Subscribe() <-chan *Dictionary {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan *Dictionary, 1)
	p.subs = append(p.subs, ch)
	return ch
}

// Publish swaps in a new snapshot and notifies subscribers.
func (p *Publisher) Publish(d *Dictionary) {
	p.current.Store(d)
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- d:
		default:
			// Replace the stale pending snapshot.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- d:
			default:
			}
		}
	}
}
