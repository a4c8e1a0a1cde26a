package uploader

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/snappy"
	"github.com/rs/zerolog"

	"github.com/fleetsense/fleetsense/pkg/log"
	"github.com/fleetsense/fleetsense/pkg/metrics"
	"github.com/fleetsense/fleetsense/pkg/persistence"
	"github.com/fleetsense/fleetsense/pkg/transport"
	"github.com/fleetsense/fleetsense/pkg/types"
)

// Envelope is the wire wrapper around a serialized triggered data bundle.
type Envelope struct {
	VehicleName string `json:"vehicle_name" cbor:"1,keyasint"`
	Compressed  bool   `json:"compressed" cbor:"2,keyasint"`
	Payload     []byte `json:"payload" cbor:"3,keyasint"`
}

// Config wires the uploader.
type Config struct {
	Clock       clock.Clock
	Sender      transport.Sender
	Topic       string
	VehicleName string
	QueueSize   int
	SendTimeout time.Duration
	// MaxPublishesPerSecond caps the outbound publish rate; zero means
	// unlimited.
	MaxPublishesPerSecond uint32
	// Store persists payloads of campaigns with persist-on-disconnect
	// when the transport fails; nil disables persistence.
	Store *persistence.Store
}

// Uploader drains triggered data bundles, serializes them and publishes
// them to the vehicle data topic. Campaigns flagged persist-on-disconnect
// get their payloads written to the store on transport failure and
// replayed oldest-first after the next successful send.
type Uploader struct {
	cfg    Config
	logger zerolog.Logger

	queue  chan *types.TriggeredData
	stopCh chan struct{}
	wg     sync.WaitGroup

	lastPublish time.Time
}

// NewUploader creates an uploader.
func NewUploader(cfg Config) *Uploader {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	return &Uploader{
		cfg:    cfg,
		logger: log.WithComponent("uploader"),
		queue:  make(chan *types.TriggeredData, cfg.QueueSize),
		stopCh: make(chan struct{}),
	}
}

// Enqueue hands a bundle to the uploader without blocking. A full queue
// drops the bundle.
func (u *Uploader) Enqueue(td *types.TriggeredData) bool {
	select {
	case u.queue <- td:
		return true
	default:
		u.logger.Warn().Str("campaign", td.CampaignSyncID).Msg("upload queue full, bundle dropped")
		return false
	}
}

// Start begins the upload loop.
func (u *Uploader) Start() {
	u.wg.Add(1)
	go u.run()
}

// Stop terminates the upload loop and returns once it has exited.
func (u *Uploader) Stop() {
	close(u.stopCh)
	u.wg.Wait()
}

func (u *Uploader) run() {
	defer u.wg.Done()
	for {
		select {
		case <-u.stopCh:
			return
		case td := <-u.queue:
			u.upload(td)
		}
	}
}

// Encode serializes a bundle into its wire envelope, compressing when the
// campaign asked for it.
func Encode(vehicleName string, td *types.TriggeredData) ([]byte, error) {
	payload, err := cbor.Marshal(td)
	if err != nil {
		return nil, err
	}
	env := Envelope{VehicleName: vehicleName, Compressed: td.Compress}
	if td.Compress {
		env.Payload = snappy.Encode(nil, payload)
	} else {
		env.Payload = payload
	}
	return cbor.Marshal(&env)
}

// Decode unwraps a wire envelope back into a bundle.
func Decode(blob []byte) (*types.TriggeredData, error) {
	var env Envelope
	if err := cbor.Unmarshal(blob, &env); err != nil {
		return nil, err
	}
	payload := env.Payload
	if env.Compressed {
		var err error
		payload, err = snappy.Decode(nil, env.Payload)
		if err != nil {
			return nil, err
		}
	}
	var td types.TriggeredData
	if err := cbor.Unmarshal(payload, &td); err != nil {
		return nil, err
	}
	return &td, nil
}

func (u *Uploader) upload(td *types.TriggeredData) {
	blob, err := Encode(u.cfg.VehicleName, td)
	if err != nil {
		u.logger.Error().Err(err).Str("campaign", td.CampaignSyncID).Msg("failed to encode bundle")
		return
	}

	if err := u.send(blob); err != nil {
		u.logger.Warn().Err(err).Str("campaign", td.CampaignSyncID).Msg("upload failed")
		if td.PersistAllData {
			u.persistPayload(td.TriggerTimeMs, blob)
		}
		return
	}

	metrics.PayloadsUploaded.Inc()
	metrics.PayloadBytesUploaded.Add(float64(len(blob)))
	u.replayPersisted()
}

func (u *Uploader) send(blob []byte) error {
	u.throttle()
	ctx, cancel := context.WithTimeout(context.Background(), u.cfg.SendTimeout)
	defer cancel()
	return u.cfg.Sender.Send(ctx, u.cfg.Topic, blob)
}

// throttle enforces the publish rate cap.
func (u *Uploader) throttle() {
	if u.cfg.MaxPublishesPerSecond == 0 {
		return
	}
	minInterval := time.Second / time.Duration(u.cfg.MaxPublishesPerSecond)
	now := u.cfg.Clock.Now()
	if !u.lastPublish.IsZero() {
		if wait := minInterval - now.Sub(u.lastPublish); wait > 0 {
			u.cfg.Clock.Sleep(wait)
		}
	}
	u.lastPublish = u.cfg.Clock.Now()
}

// persistPayload writes a payload for later replay, evicting the oldest
// persisted payloads when the byte budget is exhausted.
func (u *Uploader) persistPayload(timestampMs uint64, blob []byte) {
	if u.cfg.Store == nil {
		return
	}
	for {
		_, err := u.cfg.Store.WritePayload(timestampMs, blob)
		if err == nil {
			metrics.PayloadsPersisted.Inc()
			return
		}
		if !errors.Is(err, persistence.ErrDiskFull) {
			u.logger.Warn().Err(err).Msg("failed to persist payload")
			return
		}
		if evictErr := u.cfg.Store.EraseOldestPayload(); evictErr != nil {
			u.logger.Warn().Err(err).Msg("payload dropped: persistence budget exhausted")
			return
		}
	}
}

// replayPersisted uploads persisted payloads oldest-first, stopping at the
// first failure.
func (u *Uploader) replayPersisted() {
	if u.cfg.Store == nil {
		return
	}
	keys, err := u.cfg.Store.ListPayloads()
	if err != nil {
		return
	}
	for _, key := range keys {
		blob, err := u.cfg.Store.ReadPayload(key)
		if err != nil {
			// Corrupt or vanished; drop it and move on.
			u.cfg.Store.ErasePayload(key)
			continue
		}
		if err := u.send(blob); err != nil {
			return
		}
		metrics.PayloadsUploaded.Inc()
		metrics.PayloadBytesUploaded.Add(float64(len(blob)))
		u.cfg.Store.ErasePayload(key)
	}
}
