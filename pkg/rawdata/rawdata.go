package rawdata

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/fleetsense/fleetsense/pkg/metrics"
	"github.com/fleetsense/fleetsense/pkg/types"
)

var (
	// ErrNoConfig is returned when storing for a signal without quota
	// configuration.
	ErrNoConfig = errors.New("no raw data config for signal")
	// ErrSampleTooLarge is returned when a sample exceeds the per-sample
	// byte quota.
	ErrSampleTooLarge = errors.New("sample exceeds max bytes per sample")
	// ErrQuotaExceeded is returned when admission fails and no
	// unreferenced frame can be evicted to make room.
	ErrQuotaExceeded = errors.New("raw data quota exceeded")
)

// SignalConfig sets the quotas for one signal.
type SignalConfig struct {
	ReservedBytes     uint64
	MaxBytes          uint64
	MaxSamples        uint32
	MaxBytesPerSample uint64
}

// frame is one stored payload. Frames are content-addressed within their
// signal and reference-counted while borrowed.
type frame struct {
	handle types.RawDataHandle
	hash   [32]byte
	data   []byte
	refs   int
}

// signalBuffer holds all frames for one signal.
type signalBuffer struct {
	mu     sync.Mutex
	cfg    SignalConfig
	frames map[types.RawDataHandle]*frame
	byHash map[[32]byte]types.RawDataHandle
	order  []types.RawDataHandle // oldest first
	used   uint64
	next   types.RawDataHandle
}

// Manager is the content-addressed arena for oversized signal payloads.
// It is safe for concurrent use; locking is per signal.
type Manager struct {
	mu      sync.RWMutex
	signals map[types.SignalID]*signalBuffer

	globalMu   sync.Mutex
	globalMax  uint64
	globalUsed uint64
}

// NewManager creates a manager with the given global byte budget and
// per-signal quotas.
func NewManager(globalMaxBytes uint64, configs map[types.SignalID]SignalConfig) *Manager {
	m := &Manager{
		signals:   make(map[types.SignalID]*signalBuffer),
		globalMax: globalMaxBytes,
	}
	for id, cfg := range configs {
		m.signals[id] = &signalBuffer{
			cfg:    cfg,
			frames: make(map[types.RawDataHandle]*frame),
			byHash: make(map[[32]byte]types.RawDataHandle),
			next:   1,
		}
	}
	return m
}

// HasConfig reports whether a signal has raw data quotas configured.
func (m *Manager) HasConfig(id types.SignalID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.signals[id]
	return ok
}

// RemoveConfig drops a signal's configuration and frees all of its frames.
// Outstanding handles for the signal become unborrowable.
func (m *Manager) RemoveConfig(id types.SignalID) {
	m.mu.Lock()
	sb, ok := m.signals[id]
	if ok {
		delete(m.signals, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	sb.mu.Lock()
	freed := sb.used
	sb.frames = map[types.RawDataHandle]*frame{}
	sb.byHash = map[[32]byte]types.RawDataHandle{}
	sb.order = nil
	sb.used = 0
	sb.mu.Unlock()

	m.globalMu.Lock()
	m.globalUsed -= freed
	m.globalMu.Unlock()
	metrics.RawDataBytesStored.Sub(float64(freed))
}

// Store admits a payload for a signal and returns its handle. Identical
// content already stored for the signal returns the existing handle.
func (m *Manager) Store(id types.SignalID, data []byte) (types.RawDataHandle, error) {
	m.mu.RLock()
	sb, ok := m.signals[id]
	m.mu.RUnlock()
	if !ok {
		metrics.RawDataRejected.WithLabelValues("no_config").Inc()
		return types.InvalidRawDataHandle, ErrNoConfig
	}

	size := uint64(len(data))
	if sb.cfg.MaxBytesPerSample > 0 && size > sb.cfg.MaxBytesPerSample {
		metrics.RawDataRejected.WithLabelValues("too_large").Inc()
		return types.InvalidRawDataHandle, fmt.Errorf("%w: %d bytes", ErrSampleTooLarge, size)
	}

	hash := blake3.Sum256(data)

	sb.mu.Lock()
	defer sb.mu.Unlock()

	if h, ok := sb.byHash[hash]; ok {
		return h, nil
	}

	// Make room under the sample-count quota.
	if sb.cfg.MaxSamples > 0 && uint32(len(sb.frames)) >= sb.cfg.MaxSamples {
		if !m.evictOldestUnreferenced(sb) {
			metrics.RawDataRejected.WithLabelValues("max_samples").Inc()
			return types.InvalidRawDataHandle, ErrQuotaExceeded
		}
	}

	// Make room under the per-signal byte quota.
	for sb.cfg.MaxBytes > 0 && sb.used+size > sb.cfg.MaxBytes {
		if !m.evictOldestUnreferenced(sb) {
			metrics.RawDataRejected.WithLabelValues("max_bytes").Inc()
			return types.InvalidRawDataHandle, ErrQuotaExceeded
		}
	}

	// The global budget applies to usage beyond the signal's reservation.
	if !m.reserveGlobal(sb, size) {
		if !m.evictOldestUnreferenced(sb) || !m.reserveGlobal(sb, size) {
			metrics.RawDataRejected.WithLabelValues("global").Inc()
			return types.InvalidRawDataHandle, ErrQuotaExceeded
		}
	}

	h := sb.next
	sb.next++
	if sb.next == types.InvalidRawDataHandle {
		sb.next++
	}

	stored := make([]byte, len(data))
	copy(stored, data)
	sb.frames[h] = &frame{handle: h, hash: hash, data: stored}
	sb.byHash[hash] = h
	sb.order = append(sb.order, h)
	sb.used += size
	metrics.RawDataBytesStored.Add(float64(size))
	return h, nil
}

// reserveGlobal accounts size bytes against the shared budget for the part
// of the signal's usage above its reservation. Caller holds sb.mu.
func (m *Manager) reserveGlobal(sb *signalBuffer, size uint64) bool {
	overshootBefore := uint64(0)
	if sb.used > sb.cfg.ReservedBytes {
		overshootBefore = sb.used - sb.cfg.ReservedBytes
	}
	overshootAfter := uint64(0)
	if sb.used+size > sb.cfg.ReservedBytes {
		overshootAfter = sb.used + size - sb.cfg.ReservedBytes
	}
	delta := overshootAfter - overshootBefore
	if delta == 0 {
		return true
	}

	m.globalMu.Lock()
	defer m.globalMu.Unlock()
	if m.globalMax > 0 && m.globalUsed+delta > m.globalMax {
		return false
	}
	m.globalUsed += delta
	return true
}

// evictOldestUnreferenced removes the oldest frame with no borrowers.
// Caller holds sb.mu. Returns false when every frame is borrowed.
func (m *Manager) evictOldestUnreferenced(sb *signalBuffer) bool {
	for i, h := range sb.order {
		f, ok := sb.frames[h]
		if !ok || f.refs > 0 {
			continue
		}
		size := uint64(len(f.data))
		delete(sb.frames, h)
		delete(sb.byHash, f.hash)
		sb.order = append(sb.order[:i], sb.order[i+1:]...)

		overshootBefore := uint64(0)
		if sb.used > sb.cfg.ReservedBytes {
			overshootBefore = sb.used - sb.cfg.ReservedBytes
		}
		sb.used -= size
		overshootAfter := uint64(0)
		if sb.used > sb.cfg.ReservedBytes {
			overshootAfter = sb.used - sb.cfg.ReservedBytes
		}
		if freed := overshootBefore - overshootAfter; freed > 0 {
			m.globalMu.Lock()
			m.globalUsed -= freed
			m.globalMu.Unlock()
		}
		metrics.RawDataBytesStored.Sub(float64(size))
		return true
	}
	return false
}

// Borrow returns a read-only view of a stored frame and bumps its
// reference count. Returns nil when the handle is unknown or evicted.
// Every successful Borrow must be paired with a Release.
func (m *Manager) Borrow(id types.SignalID, h types.RawDataHandle) []byte {
	m.mu.RLock()
	sb, ok := m.signals[id]
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()
	f, ok := sb.frames[h]
	if !ok {
		return nil
	}
	f.refs++
	return f.data
}

// Release returns a borrowed frame, making it evictable again once the
// last borrower releases.
func (m *Manager) Release(id types.SignalID, h types.RawDataHandle) {
	m.mu.RLock()
	sb, ok := m.signals[id]
	m.mu.RUnlock()
	if !ok {
		return
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()
	if f, ok := sb.frames[h]; ok && f.refs > 0 {
		f.refs--
	}
}

// Usage returns the stored byte count and frame count for a signal.
func (m *Manager) Usage(id types.SignalID) (bytes uint64, frames int) {
	m.mu.RLock()
	sb, ok := m.signals[id]
	m.mu.RUnlock()
	if !ok {
		return 0, 0
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.used, len(sb.frames)
}
