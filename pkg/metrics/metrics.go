package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pipeline metrics
	SamplesIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetsense_samples_ingested_total",
			Help: "Total number of signal samples accepted into the pipeline by source",
		},
		[]string{"source"},
	)

	SamplesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetsense_samples_dropped_total",
			Help: "Total number of signal samples dropped on full queues by source",
		},
		[]string{"source"},
	)

	// Campaign metrics
	CampaignsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetsense_campaigns_active",
			Help: "Number of campaigns currently in the active state",
		},
	)

	CampaignTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetsense_campaign_transitions_total",
			Help: "Total number of campaign state transitions by target state",
		},
		[]string{"state"},
	)

	MatrixPublications = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetsense_inspection_matrix_publications_total",
			Help: "Total number of inspection matrix publications",
		},
	)

	// Inspection metrics
	ConditionsEvaluated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetsense_conditions_evaluated_total",
			Help: "Total number of condition tree evaluations",
		},
	)

	TriggersFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetsense_triggers_fired_total",
			Help: "Total number of campaign triggers by campaign sync ID",
		},
		[]string{"campaign"},
	)

	TriggerAssemblyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetsense_trigger_assembly_duration_seconds",
			Help:    "Time taken to assemble a triggered data bundle",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Raw data buffer metrics
	RawDataBytesStored = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetsense_rawdata_bytes_stored",
			Help: "Bytes currently held in the raw data buffer",
		},
	)

	RawDataRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetsense_rawdata_rejected_total",
			Help: "Total number of raw data admissions rejected by reason",
		},
		[]string{"reason"},
	)

	// Checkin metrics
	CheckinsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetsense_checkins_sent_total",
			Help: "Total number of checkins successfully sent",
		},
	)

	CheckinsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetsense_checkins_failed_total",
			Help: "Total number of checkin send failures",
		},
	)

	// Upload metrics
	PayloadsUploaded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetsense_payloads_uploaded_total",
			Help: "Total number of triggered data payloads uploaded",
		},
	)

	PayloadsPersisted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetsense_payloads_persisted_total",
			Help: "Total number of payloads persisted after transport failure",
		},
	)

	PayloadBytesUploaded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetsense_payload_bytes_uploaded_total",
			Help: "Total serialized payload bytes uploaded (after compression)",
		},
	)

	// Persistence metrics
	PersistenceBytesUsed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetsense_persistence_bytes_used",
			Help: "Bytes currently used in the persistence store",
		},
	)
)

func init() {
	prometheus.MustRegister(SamplesIngested)
	prometheus.MustRegister(SamplesDropped)
	prometheus.MustRegister(CampaignsActive)
	prometheus.MustRegister(CampaignTransitions)
	prometheus.MustRegister(MatrixPublications)
	prometheus.MustRegister(ConditionsEvaluated)
	prometheus.MustRegister(TriggersFired)
	prometheus.MustRegister(TriggerAssemblyDuration)
	prometheus.MustRegister(RawDataBytesStored)
	prometheus.MustRegister(RawDataRejected)
	prometheus.MustRegister(CheckinsSent)
	prometheus.MustRegister(CheckinsFailed)
	prometheus.MustRegister(PayloadsUploaded)
	prometheus.MustRegister(PayloadsPersisted)
	prometheus.MustRegister(PayloadBytesUploaded)
	prometheus.MustRegister(PersistenceBytesUsed)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
