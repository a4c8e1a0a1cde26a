package checkin

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"

	"github.com/fleetsense/fleetsense/pkg/log"
	"github.com/fleetsense/fleetsense/pkg/metrics"
	"github.com/fleetsense/fleetsense/pkg/transport"
	"github.com/fleetsense/fleetsense/pkg/types"
)

// Document is the wire form of one checkin.
type Document struct {
	TimestampMs uint64         `json:"timestamp_ms" cbor:"1,keyasint"`
	SyncIDs     []types.SyncID `json:"sync_ids" cbor:"2,keyasint"`
}

// Config wires the reporter.
type Config struct {
	Clock       clock.Clock
	Sender      transport.Sender
	Topic       string
	Interval    time.Duration
	SendTimeout time.Duration
}

// Reporter periodically announces the sync IDs currently active on the
// agent. The first checkin waits until the campaign manager has published
// its document set (after persisted state is restored), so restored
// documents are reported rather than an empty set. A failed send retries
// on the next interval with the snapshot current at that time.
type Reporter struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	docs    []types.SyncID
	hasDocs bool

	wakeCh chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewReporter creates a reporter.
func NewReporter(cfg Config) *Reporter {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	return &Reporter{
		cfg:    cfg,
		logger: log.WithComponent("checkin"),
		wakeCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

// OnDocumentsChanged replaces the document set reported in subsequent
// checkins.
func (r *Reporter) OnDocumentsChanged(docs []types.SyncID) {
	r.mu.Lock()
	r.docs = append([]types.SyncID(nil), docs...)
	r.hasDocs = true
	r.mu.Unlock()

	select {
	case r.wakeCh <- struct{}{}:
	default:
	}
}

// Start begins the checkin loop.
func (r *Reporter) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop terminates the checkin loop and returns once it has exited.
func (r *Reporter) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Reporter) run() {
	defer r.wg.Done()

	for {
		r.mu.Lock()
		ready := r.hasDocs
		r.mu.Unlock()

		if !ready {
			// Document list not available yet; sleep until the campaign
			// manager publishes it.
			select {
			case <-r.stopCh:
				return
			case <-r.wakeCh:
			}
			continue
		}

		r.sendOnce()

		timer := r.cfg.Clock.Timer(r.cfg.Interval)
		select {
		case <-r.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
		timer.Stop()
	}
}

// sendOnce assembles a checkin from the current snapshot and sends it.
func (r *Reporter) sendOnce() {
	r.mu.Lock()
	docs := append([]types.SyncID(nil), r.docs...)
	r.mu.Unlock()

	doc := Document{
		TimestampMs: uint64(r.cfg.Clock.Now().UnixMilli()),
		SyncIDs:     docs,
	}
	payload, err := cbor.Marshal(&doc)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to encode checkin")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.SendTimeout)
	defer cancel()
	if err := r.cfg.Sender.Send(ctx, r.cfg.Topic, payload); err != nil {
		metrics.CheckinsFailed.Inc()
		r.logger.Warn().Err(err).Msg("checkin send failed, retrying next interval")
		return
	}
	metrics.CheckinsSent.Inc()
	r.logger.Debug().Strs("sync_ids", docs).Msg("checkin sent")
}
