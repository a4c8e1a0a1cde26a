package agent

import (
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/fleetsense/fleetsense/pkg/campaign"
	"github.com/fleetsense/fleetsense/pkg/checkin"
	"github.com/fleetsense/fleetsense/pkg/config"
	"github.com/fleetsense/fleetsense/pkg/customfunc"
	"github.com/fleetsense/fleetsense/pkg/decoder"
	"github.com/fleetsense/fleetsense/pkg/health"
	"github.com/fleetsense/fleetsense/pkg/inspection"
	"github.com/fleetsense/fleetsense/pkg/log"
	"github.com/fleetsense/fleetsense/pkg/metrics"
	"github.com/fleetsense/fleetsense/pkg/persistence"
	"github.com/fleetsense/fleetsense/pkg/pipeline"
	"github.com/fleetsense/fleetsense/pkg/rawdata"
	"github.com/fleetsense/fleetsense/pkg/transport"
	"github.com/fleetsense/fleetsense/pkg/types"
	"github.com/fleetsense/fleetsense/pkg/uploader"
)

// Agent wires every component of the collection and inspection core and
// owns their lifecycle.
type Agent struct {
	cfg    *config.Config
	logger zerolog.Logger

	store       *persistence.Store
	rawData     *rawdata.Manager
	ingestQueue *pipeline.Queue
	distributor *pipeline.Distributor
	engineQueue *pipeline.Queue
	dictionary  *decoder.Publisher
	registry    *customfunc.Registry
	engine      *inspection.Engine
	uploader    *uploader.Uploader
	reporter    *checkin.Reporter
	manager     *campaign.Manager
	monitor     *health.Monitor

	metricsSrv *http.Server
}

// New builds an agent from configuration. A failure here is fatal to the
// process (exit code 2); once New returns, individual document errors are
// isolated and survivable.
func New(cfg *config.Config, conn transport.Connection, clk clock.Clock) (*Agent, error) {
	if clk == nil {
		clk = clock.New()
	}
	a := &Agent{
		cfg:    cfg,
		logger: log.WithComponent("agent"),
	}

	store, err := persistence.Open(cfg.PersistencyPath, cfg.PersistencyMaxBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to open persistence store: %w", err)
	}
	a.store = store

	rawConfigs := make(map[types.SignalID]rawdata.SignalConfig, len(cfg.RawDataSignals))
	for _, rc := range cfg.RawDataSignals {
		rawConfigs[types.SignalID(rc.SignalID)] = rawdata.SignalConfig{
			ReservedBytes:     rc.ReservedBytes,
			MaxBytes:          rc.MaxBytes,
			MaxSamples:        rc.MaxSamples,
			MaxBytesPerSample: rc.MaxBytesPerSample,
		}
	}
	a.rawData = rawdata.NewManager(cfg.RawDataBufferMaxBytes, rawConfigs)

	a.ingestQueue = pipeline.NewQueue(cfg.SignalQueueSize)
	a.distributor = pipeline.NewDistributor(a.ingestQueue)
	a.engineQueue = pipeline.NewQueue(cfg.SignalQueueSize)
	a.distributor.Register("inspection-engine", a.engineQueue)

	a.dictionary = decoder.NewPublisher()

	a.registry = customfunc.NewRegistry()
	customfunc.RegisterMath(a.registry)
	a.registry.Register("multi_rising_edge_trigger", customfunc.NewMultiRisingEdgeTrigger(a.dictionary, a.rawData))

	a.uploader = uploader.NewUploader(uploader.Config{
		Clock:                 clk,
		Sender:                conn,
		Topic:                 cfg.Transport.VehicleDataTopic,
		VehicleName:           cfg.VehicleName,
		QueueSize:             cfg.UploadQueueSize,
		SendTimeout:           time.Duration(cfg.Transport.SendTimeoutMs) * time.Millisecond,
		MaxPublishesPerSecond: cfg.MaxPublishesPerSecond,
		Store:                 store,
	})

	a.engine = inspection.NewEngine(inspection.Config{
		Clock:      clk,
		Queue:      a.engineQueue,
		RawData:    a.rawData,
		Registry:   a.registry,
		Dictionary: a.dictionary,
		OnTriggered: func(td *types.TriggeredData) {
			a.uploader.Enqueue(td)
		},
	})

	a.reporter = checkin.NewReporter(checkin.Config{
		Clock:       clk,
		Sender:      conn,
		Topic:       cfg.Transport.CheckinTopic,
		Interval:    time.Duration(cfg.CheckinIntervalMs) * time.Millisecond,
		SendTimeout: time.Duration(cfg.Transport.SendTimeoutMs) * time.Millisecond,
	})

	a.manager = campaign.NewManager(campaign.Config{
		Clock:               clk,
		Store:               store,
		IdleTime:            time.Duration(cfg.CampaignManagerIdleTimeMs) * time.Millisecond,
		DictionaryPublisher: a.dictionary,
		OnMatrix:            a.engine.UpdateMatrix,
		OnCheckinDocuments:  a.reporter.OnDocumentsChanged,
		OnCampaignRemoved:   a.registry.Cleanup,
	})

	conn.Subscribe(cfg.Transport.DecoderManifestTopic, a.manager.OnDecoderManifestData)
	conn.Subscribe(cfg.Transport.CollectionSchemesTopic, a.manager.OnCampaignListData)
	conn.Subscribe(cfg.Transport.StateTemplatesTopic, a.manager.OnStateTemplatesData)

	a.monitor = health.NewMonitor()
	a.monitor.Register(health.CheckerFunc{ComponentName: "transport", Fn: func() health.Result {
		if conn.Connected() {
			return health.Result{Healthy: true}
		}
		return health.Result{Healthy: false, Message: "broker disconnected"}
	}})
	a.monitor.Register(health.CheckerFunc{ComponentName: "pipeline", Fn: func() health.Result {
		return health.Result{
			Healthy: true,
			Message: fmt.Sprintf("queued=%d dropped=%d", a.ingestQueue.Len(), a.ingestQueue.Dropped()),
		}
	}})
	a.monitor.Register(health.CheckerFunc{ComponentName: "persistence", Fn: func() health.Result {
		used := a.store.Used()
		if used >= cfg.PersistencyMaxBytes {
			return health.Result{Healthy: false, Message: "byte budget exhausted"}
		}
		return health.Result{Healthy: true, Message: fmt.Sprintf("used=%d", used)}
	}})

	return a, nil
}

// Start brings the components up. The campaign manager starts before the
// checkin reporter publishes anything, so the first checkin carries
// restored documents.
func (a *Agent) Start() error {
	a.distributor.Start()
	a.engine.Start()
	a.uploader.Start()
	a.manager.Start()
	a.reporter.Start()

	if a.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/healthz", a.monitor.Handler())
		a.metricsSrv = &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := a.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	a.logger.Info().Str("vehicle", a.cfg.VehicleName).Msg("agent started")
	return nil
}

// Stop shuts every component down and returns once all of their
// goroutines have exited.
func (a *Agent) Stop() error {
	a.reporter.Stop()
	a.manager.Stop()
	a.engine.Stop()
	a.distributor.Stop()
	a.uploader.Stop()
	if a.metricsSrv != nil {
		a.metricsSrv.Close()
	}
	if err := a.store.Close(); err != nil {
		return fmt.Errorf("failed to close persistence store: %w", err)
	}
	a.logger.Info().Msg("agent stopped")
	return nil
}

// Ingest pushes a decoded sample into the pipeline on behalf of a source.
func (a *Agent) Ingest(s *types.SignalSample) bool {
	return a.distributor.Ingest(s)
}

// RawData exposes the raw data buffer to source adapters that store
// complex payloads before enqueueing the referencing sample.
func (a *Agent) RawData() *rawdata.Manager {
	return a.rawData
}

// Dictionary exposes the decoder dictionary snapshots for source
// adapters.
func (a *Agent) Dictionary() *decoder.Publisher {
	return a.dictionary
}

// Manager exposes the campaign manager, mainly for the simulate command.
func (a *Agent) Manager() *campaign.Manager {
	return a.manager
}
