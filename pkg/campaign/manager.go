package campaign

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"

	"github.com/fleetsense/fleetsense/pkg/decoder"
	"github.com/fleetsense/fleetsense/pkg/log"
	"github.com/fleetsense/fleetsense/pkg/metrics"
	"github.com/fleetsense/fleetsense/pkg/persistence"
	"github.com/fleetsense/fleetsense/pkg/types"
)

// Config wires the manager's collaborators. Clock is injected so tests can
// drive state transitions deterministically.
type Config struct {
	Clock clock.Clock
	// Store persists the last received documents; nil disables
	// persistence.
	Store *persistence.Store
	// IdleTime caps how long the manager sleeps without re-checking, so
	// wall-clock jumps and stop requests are noticed.
	IdleTime time.Duration

	// DictionaryPublisher receives a fresh decoder dictionary whenever
	// the required-signals set changes.
	DictionaryPublisher *decoder.Publisher
	// OnMatrix receives the regenerated inspection matrix. The matrix is
	// immutable; publication is atomic from the engine's perspective.
	OnMatrix func(*types.InspectionMatrix)
	// OnCheckinDocuments receives the sync IDs to report in checkins. It
	// is invoked at least once after persisted state is restored.
	OnCheckinDocuments func([]types.SyncID)
	// OnCampaignRemoved fires when a campaign leaves the agent, so
	// custom function state can be cleaned up.
	OnCampaignRemoved func(types.SyncID)
}

// entry tracks one campaign's lifecycle.
type entry struct {
	campaign *types.Campaign
	state    types.CampaignState
	// checkErr caches the validation result against the manifest
	// identified by checkedAgainst.
	checkedAgainst types.SyncID
	checkErr       error
}

// Manager owns the campaign set and drives the per-campaign state
// machines. It is the single writer of the inspection matrix, the decoder
// dictionary and the checkin document set.
type Manager struct {
	cfg    Config
	logger zerolog.Logger

	// pubMu serializes evaluate so publications stay total-ordered even
	// when document handlers and the scheduling loop race.
	pubMu sync.Mutex

	mu             sync.Mutex
	manifest       *types.DecoderManifest
	entries        map[types.SyncID]*entry
	stateTemplates types.StateTemplates

	lastActiveSet   []types.SyncID
	lastCheckinDocs []types.SyncID
	checkinSent     bool

	wakeCh chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a manager. Start restores persisted state and begins
// the scheduling loop.
func NewManager(cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.IdleTime <= 0 {
		cfg.IdleTime = time.Second
	}
	return &Manager{
		cfg:     cfg,
		logger:  log.WithComponent("campaign-manager"),
		entries: make(map[types.SyncID]*entry),
		wakeCh:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

// Start restores persisted documents, publishes the initial state and
// begins the scheduling loop. The first checkin document set is published
// before Start returns, so no empty checkin can precede restored state.
func (m *Manager) Start() {
	m.restorePersisted()
	m.evaluate(true)
	m.wg.Add(1)
	go m.run()
}

// Stop terminates the scheduling loop and returns once it has exited.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// wake nudges the scheduling loop after an event-driven change.
func (m *Manager) wake() {
	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}

func (m *Manager) now() uint64 {
	return uint64(m.cfg.Clock.Now().UnixMilli())
}

func (m *Manager) run() {
	defer m.wg.Done()

	for {
		next := m.evaluate(false)

		wait := m.cfg.IdleTime
		if next > 0 {
			now := m.now()
			if next <= now {
				wait = time.Millisecond
			} else if d := time.Duration(next-now) * time.Millisecond; d < wait {
				wait = d
			}
		}

		timer := m.cfg.Clock.Timer(wait)
		select {
		case <-m.stopCh:
			timer.Stop()
			return
		case <-m.wakeCh:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// restorePersisted loads the last received manifest, campaign list and
// state templates. Reads are best-effort: corruption or absence leaves the
// corresponding state empty.
func (m *Manager) restorePersisted() {
	if m.cfg.Store == nil {
		return
	}

	if blob, err := m.cfg.Store.Read(persistence.KindDecoderManifest); err == nil {
		if manifest, err := decoder.DecodeManifest(blob); err == nil {
			m.mu.Lock()
			m.manifest = manifest
			m.mu.Unlock()
			m.logger.Info().Str("sync_id", manifest.SyncID).Msg("restored decoder manifest")
		} else {
			m.logger.Warn().Err(err).Msg("persisted decoder manifest unusable, ignoring")
		}
	} else if !errors.Is(err, persistence.ErrNotFound) {
		m.logger.Warn().Err(err).Msg("failed to read persisted decoder manifest")
	}

	if blob, err := m.cfg.Store.Read(persistence.KindCollectionSchemes); err == nil {
		if list, err := DecodeCampaignList(blob); err == nil {
			m.applyCampaignList(list)
			m.logger.Info().Int("campaigns", len(list.Campaigns)).Msg("restored campaign list")
		} else {
			m.logger.Warn().Err(err).Msg("persisted campaign list unusable, ignoring")
		}
	} else if !errors.Is(err, persistence.ErrNotFound) {
		m.logger.Warn().Err(err).Msg("failed to read persisted campaign list")
	}

	if blob, err := m.cfg.Store.Read(persistence.KindStateTemplates); err == nil {
		var st types.StateTemplates
		if err := cbor.Unmarshal(blob, &st); err == nil {
			m.mu.Lock()
			m.stateTemplates = st
			m.mu.Unlock()
		} else {
			m.logger.Warn().Err(err).Msg("persisted state templates unusable, ignoring")
		}
	} else if !errors.Is(err, persistence.ErrNotFound) {
		m.logger.Warn().Err(err).Msg("failed to read persisted state templates")
	}
}

// OnCampaignListData handles an inbound collection schemes document.
func (m *Manager) OnCampaignListData(data []byte) {
	list, err := DecodeCampaignList(data)
	if err != nil {
		m.logger.Error().Err(err).Msg("discarding malformed campaign list")
		return
	}
	m.persist(persistence.KindCollectionSchemes, data)
	m.applyCampaignList(list)
	m.evaluate(false)
	m.wake()
}

// OnDecoderManifestData handles an inbound decoder manifest document.
func (m *Manager) OnDecoderManifestData(data []byte) {
	manifest, err := decoder.DecodeManifest(data)
	if err != nil {
		m.logger.Error().Err(err).Msg("discarding malformed decoder manifest")
		return
	}
	m.persist(persistence.KindDecoderManifest, data)
	m.ApplyDecoderManifest(manifest)
}

// OnStateTemplatesData handles an inbound state templates update.
func (m *Manager) OnStateTemplatesData(data []byte) {
	diff, err := DecodeStateTemplatesDiff(data)
	if err != nil {
		m.logger.Error().Err(err).Msg("discarding malformed state templates")
		return
	}
	m.ApplyStateTemplates(diff)
}

func (m *Manager) persist(kind persistence.Kind, blob []byte) {
	if m.cfg.Store == nil {
		return
	}
	if err := m.cfg.Store.Write(kind, blob); err != nil {
		m.logger.Warn().Err(err).Str("kind", string(kind)).Msg("failed to persist document")
	}
}

// applyCampaignList diffs the new list against the current set. Campaigns
// whose sync ID disappears are removed immediately; new sync IDs start
// inactive.
func (m *Manager) applyCampaignList(list *types.CampaignList) {
	m.mu.Lock()

	incoming := make(map[types.SyncID]*types.Campaign, len(list.Campaigns))
	for _, c := range list.Campaigns {
		incoming[c.SyncID] = c
	}

	var removed []types.SyncID
	for syncID := range m.entries {
		if _, ok := incoming[syncID]; !ok {
			removed = append(removed, syncID)
			delete(m.entries, syncID)
			metrics.CampaignTransitions.WithLabelValues(string(types.CampaignStateRemoved)).Inc()
		}
	}

	for syncID, c := range incoming {
		if e, ok := m.entries[syncID]; ok {
			e.campaign = c
			e.checkedAgainst = ""
			e.checkErr = nil
			continue
		}
		m.entries[syncID] = &entry{campaign: c, state: types.CampaignStateInactive}
	}
	m.mu.Unlock()

	for _, syncID := range removed {
		m.logger.Info().Str("sync_id", syncID).Msg("campaign removed")
		if m.cfg.OnCampaignRemoved != nil {
			m.cfg.OnCampaignRemoved(syncID)
		}
	}
}

// ApplyDecoderManifest swaps the active manifest. Every campaign tied to
// the previous manifest leaves the active set in the same cycle; campaigns
// matching the new manifest re-enter the lifecycle immediately.
func (m *Manager) ApplyDecoderManifest(manifest *types.DecoderManifest) {
	m.mu.Lock()
	m.manifest = manifest
	for _, e := range m.entries {
		// Signals referenced by condition trees may have moved or
		// changed type; force a re-check against the new manifest.
		e.checkedAgainst = ""
		e.checkErr = nil
		if e.state == types.CampaignStateActive || e.state == types.CampaignStatePendingStart {
			e.state = types.CampaignStateInactive
		}
	}
	m.mu.Unlock()

	m.logger.Info().Str("sync_id", manifest.SyncID).Msg("decoder manifest activated")
	m.evaluate(false)
	m.wake()
}

// ApplyStateTemplates applies an added/removed diff behind the version
// gate: versions lower than the last accepted one are ignored; an equal or
// greater version applies.
func (m *Manager) ApplyStateTemplates(diff *types.StateTemplatesDiff) {
	m.mu.Lock()
	if diff.Version < m.stateTemplates.Version {
		m.mu.Unlock()
		m.logger.Debug().Int64("version", diff.Version).Int64("current", m.stateTemplates.Version).Msg("ignoring stale state templates update")
		return
	}

	current := make(map[types.SyncID]struct{}, len(m.stateTemplates.SyncIDs))
	for _, id := range m.stateTemplates.SyncIDs {
		current[id] = struct{}{}
	}
	for _, id := range diff.Added {
		current[id] = struct{}{}
	}
	for _, id := range diff.Removed {
		delete(current, id) // removing an unknown id is a no-op
	}

	ids := make([]types.SyncID, 0, len(current))
	for id := range current {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	m.stateTemplates = types.StateTemplates{Version: diff.Version, SyncIDs: ids}
	snapshot := m.stateTemplates
	m.mu.Unlock()

	if m.cfg.Store != nil {
		if blob, err := cbor.Marshal(&snapshot); err == nil {
			m.persist(persistence.KindStateTemplates, blob)
		}
	}
	m.evaluate(false)
}

// StateTemplateIDs returns the currently accepted state template sync IDs.
func (m *Manager) StateTemplateIDs() []types.SyncID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.SyncID(nil), m.stateTemplates.SyncIDs...)
}

// CampaignState reports the lifecycle state of one campaign, mainly for
// tests and diagnostics.
func (m *Manager) CampaignState(syncID types.SyncID) (types.CampaignState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[syncID]
	if !ok {
		return "", false
	}
	return e.state, true
}

// evaluate recomputes every campaign's state and publishes the derived
// artifacts when the active set changed. Returns the next deadline in
// epoch ms, 0 when none is pending.
func (m *Manager) evaluate(force bool) uint64 {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()

	now := m.now()

	m.mu.Lock()

	var nextDeadline uint64
	for syncID, e := range m.entries {
		c := e.campaign

		if m.manifest == nil || c.DecoderManifestSyncID != m.manifest.SyncID {
			if e.state != types.CampaignStateInactive {
				e.state = types.CampaignStateInactive
				metrics.CampaignTransitions.WithLabelValues(string(types.CampaignStateInactive)).Inc()
			}
			if m.manifest != nil && e.checkErr == nil && e.checkedAgainst != m.manifest.SyncID {
				// Log the mismatch once per manifest.
				e.checkedAgainst = m.manifest.SyncID
				e.checkErr = ErrManifestMismatch
				m.logger.Warn().Str("sync_id", syncID).Str("wanted_manifest", c.DecoderManifestSyncID).Str("active_manifest", m.manifest.SyncID).Msg("campaign kept inactive: manifest mismatch")
			}
			continue
		}

		if e.checkedAgainst != m.manifest.SyncID {
			e.checkedAgainst = m.manifest.SyncID
			e.checkErr = Typecheck(c.Condition, m.manifest)
			if e.checkErr != nil {
				m.logger.Error().Err(e.checkErr).Str("sync_id", syncID).Msg("campaign dropped")
			}
		}
		if e.checkErr != nil {
			e.state = types.CampaignStateInactive
			continue
		}

		var state types.CampaignState
		switch {
		case now < c.StartMs:
			state = types.CampaignStatePendingStart
			if nextDeadline == 0 || c.StartMs < nextDeadline {
				nextDeadline = c.StartMs
			}
		case now < c.ExpiryMs:
			state = types.CampaignStateActive
			if nextDeadline == 0 || c.ExpiryMs < nextDeadline {
				nextDeadline = c.ExpiryMs
			}
		default:
			state = types.CampaignStateExpired
		}
		if state != e.state {
			e.state = state
			metrics.CampaignTransitions.WithLabelValues(string(state)).Inc()
			m.logger.Info().Str("sync_id", syncID).Str("state", string(state)).Msg("campaign state changed")
		}
	}

	// Gather the active set and checkin documents.
	var active []*types.Campaign
	var activeIDs []types.SyncID
	var checkinDocs []types.SyncID
	if m.manifest != nil {
		checkinDocs = append(checkinDocs, m.manifest.SyncID)
	}
	for syncID, e := range m.entries {
		switch e.state {
		case types.CampaignStateActive:
			active = append(active, e.campaign)
			activeIDs = append(activeIDs, syncID)
			checkinDocs = append(checkinDocs, syncID)
		case types.CampaignStatePendingStart:
			checkinDocs = append(checkinDocs, syncID)
		}
	}
	checkinDocs = append(checkinDocs, m.stateTemplates.SyncIDs...)
	sort.Strings(activeIDs)
	sort.Strings(checkinDocs)

	activeChanged := force || !equalIDs(activeIDs, m.lastActiveSet)
	checkinChanged := force || !m.checkinSent || !equalIDs(checkinDocs, m.lastCheckinDocs)
	m.lastActiveSet = activeIDs
	m.lastCheckinDocs = checkinDocs
	m.checkinSent = true

	var matrix *types.InspectionMatrix
	var dict *decoder.Dictionary
	if activeChanged {
		matrix = BuildMatrix(active)
		if m.manifest != nil {
			dict = decoder.Build(m.manifest, matrix.RequiredSignals)
		}
		metrics.CampaignsActive.Set(float64(len(active)))
	}
	m.mu.Unlock()

	if matrix != nil {
		metrics.MatrixPublications.Inc()
		if m.cfg.OnMatrix != nil {
			m.cfg.OnMatrix(matrix)
		}
		if dict != nil && m.cfg.DictionaryPublisher != nil {
			m.cfg.DictionaryPublisher.Publish(dict)
		}
	}
	if checkinChanged && m.cfg.OnCheckinDocuments != nil {
		m.cfg.OnCheckinDocuments(checkinDocs)
	}

	return nextDeadline
}

func equalIDs(a, b []types.SyncID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
