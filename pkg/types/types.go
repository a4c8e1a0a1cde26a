package types

// SyncID is an opaque, cloud-assigned string identifying one version of a
// document (campaign, decoder manifest or state template).
type SyncID = string

// SignalID identifies a signal within the currently active decoder manifest.
type SignalID uint32

// InvalidSignalID marks a signal reference that could not be resolved.
const InvalidSignalID SignalID = 0xFFFFFFFF

// SignalType enumerates the wire types a signal sample can carry.
type SignalType string

const (
	SignalTypeInt8    SignalType = "i8"
	SignalTypeInt16   SignalType = "i16"
	SignalTypeInt32   SignalType = "i32"
	SignalTypeInt64   SignalType = "i64"
	SignalTypeUint8   SignalType = "u8"
	SignalTypeUint16  SignalType = "u16"
	SignalTypeUint32  SignalType = "u32"
	SignalTypeUint64  SignalType = "u64"
	SignalTypeFloat32 SignalType = "f32"
	SignalTypeFloat64 SignalType = "f64"
	SignalTypeBool    SignalType = "bool"
	SignalTypeString  SignalType = "string"
	SignalTypeBytes   SignalType = "bytes"
)

// IsComplex reports whether samples of this type are stored in the raw data
// buffer and referenced by handle instead of carried by value.
func (t SignalType) IsComplex() bool {
	return t == SignalTypeString || t == SignalTypeBytes
}

// IsNumeric reports whether the type participates in arithmetic and
// comparison operators.
func (t SignalType) IsNumeric() bool {
	switch t {
	case SignalTypeInt8, SignalTypeInt16, SignalTypeInt32, SignalTypeInt64,
		SignalTypeUint8, SignalTypeUint16, SignalTypeUint32, SignalTypeUint64,
		SignalTypeFloat32, SignalTypeFloat64:
		return true
	}
	return false
}

// RawDataHandle references a frame held by the raw data buffer manager.
type RawDataHandle uint32

// InvalidRawDataHandle is returned when a store is rejected.
const InvalidRawDataHandle RawDataHandle = 0

// SignalSample is one decoded value observed on a vehicle source.
// Timestamps are epoch milliseconds and monotonic per source, not globally.
type SignalSample struct {
	SignalID    SignalID
	TimestampMs uint64
	Value       Value
	// RawHandle is set instead of Value for complex payloads already
	// admitted to the raw data buffer.
	RawHandle RawDataHandle
	SourceID  string
}

// TriggerMode controls when a condition-based campaign fires.
type TriggerMode string

const (
	// TriggerAlways fires on every true evaluation, subject to the
	// minimum interval.
	TriggerAlways TriggerMode = "always"
	// TriggerRisingEdge fires only on a false-or-undefined to true
	// transition of the condition.
	TriggerRisingEdge TriggerMode = "rising_edge"
)

// SignalRequirement declares how much history a campaign wants for one signal.
type SignalRequirement struct {
	SignalID              SignalID `json:"signal_id" cbor:"1,keyasint"`
	SampleBufferSize      uint32   `json:"sample_buffer_size" cbor:"2,keyasint"`
	MinimumSamplePeriodMs uint32   `json:"minimum_sample_period_ms" cbor:"3,keyasint"`
	FixedWindowPeriodMs   uint32   `json:"fixed_window_period_ms" cbor:"4,keyasint"`
	// ConditionOnly signals feed the condition tree but are not included
	// in triggered data.
	ConditionOnly bool `json:"condition_only" cbor:"5,keyasint"`
}

// Campaign is a cloud-issued data collection scheme.
type Campaign struct {
	SyncID                SyncID              `json:"sync_id" cbor:"1,keyasint"`
	DecoderManifestSyncID SyncID              `json:"decoder_manifest_sync_id" cbor:"2,keyasint"`
	StartMs               uint64              `json:"start_ms" cbor:"3,keyasint"`
	ExpiryMs              uint64              `json:"expiry_ms" cbor:"4,keyasint"`
	PeriodMs              uint32              `json:"period_ms,omitempty" cbor:"5,keyasint,omitempty"`
	Condition             *ConditionNode      `json:"condition,omitempty" cbor:"6,keyasint,omitempty"`
	MinIntervalMs         uint32              `json:"min_interval_ms,omitempty" cbor:"7,keyasint,omitempty"`
	Mode                  TriggerMode         `json:"mode,omitempty" cbor:"8,keyasint,omitempty"`
	AfterDurationMs       uint32              `json:"after_duration_ms,omitempty" cbor:"9,keyasint,omitempty"`
	Signals               []SignalRequirement `json:"signals" cbor:"10,keyasint"`
	Priority              uint32              `json:"priority" cbor:"11,keyasint"`
	IncludeActiveDTCs     bool                `json:"include_active_dtcs,omitempty" cbor:"12,keyasint,omitempty"`
	PersistAllData        bool                `json:"persist_all_collected_data,omitempty" cbor:"13,keyasint,omitempty"`
	Compress              bool                `json:"compress_collected_data,omitempty" cbor:"14,keyasint,omitempty"`
}

// TimeBased reports whether the campaign fires on a fixed period instead of
// a condition tree.
func (c *Campaign) TimeBased() bool {
	return c.Condition == nil
}

// CampaignState is the lifecycle state driven by the campaign manager.
type CampaignState string

const (
	CampaignStateInactive     CampaignState = "inactive"
	CampaignStatePendingStart CampaignState = "pending_start"
	CampaignStateActive       CampaignState = "active"
	CampaignStateExpired      CampaignState = "expired"
	CampaignStateRemoved      CampaignState = "removed"
)

// CampaignList is the full set of campaigns last received from the cloud.
type CampaignList struct {
	Campaigns []*Campaign `json:"campaigns" cbor:"1,keyasint"`
}

// SignalDecoding maps one signal to its source and decoding rule.
type SignalDecoding struct {
	SignalID SignalID   `json:"signal_id" cbor:"1,keyasint"`
	Type     SignalType `json:"type" cbor:"2,keyasint"`
	// Protocol is one of "can", "obd", "custom".
	Protocol string `json:"protocol" cbor:"3,keyasint"`

	// CAN decoding rule
	BusName  string  `json:"bus_name,omitempty" cbor:"4,keyasint,omitempty"`
	FrameID  uint32  `json:"frame_id,omitempty" cbor:"5,keyasint,omitempty"`
	StartBit uint16  `json:"start_bit,omitempty" cbor:"6,keyasint,omitempty"`
	Length   uint16  `json:"length,omitempty" cbor:"7,keyasint,omitempty"`
	Factor   float64 `json:"factor,omitempty" cbor:"8,keyasint,omitempty"`
	Offset   float64 `json:"offset,omitempty" cbor:"9,keyasint,omitempty"`

	// OBD decoding rule
	PID uint8 `json:"pid,omitempty" cbor:"10,keyasint,omitempty"`

	// Custom source name (e.g. "Vehicle.MultiRisingEdgeTrigger")
	Name string `json:"name,omitempty" cbor:"11,keyasint,omitempty"`
}

// DecoderManifest maps external identifiers to internal signal IDs and
// types. Exactly one manifest is active at a time.
type DecoderManifest struct {
	SyncID  SyncID                       `json:"sync_id" cbor:"1,keyasint"`
	Signals map[SignalID]*SignalDecoding `json:"signals" cbor:"2,keyasint"`
}

// SignalTypeOf returns the type of a signal, or false if the manifest does
// not define it.
func (m *DecoderManifest) SignalTypeOf(id SignalID) (SignalType, bool) {
	d, ok := m.Signals[id]
	if !ok {
		return "", false
	}
	return d.Type, true
}

// InspectionCondition is one campaign's evaluation unit inside the
// inspection matrix.
type InspectionCondition struct {
	CampaignSyncID    SyncID
	Condition         *ConditionNode // nil for time-based campaigns
	PeriodMs          uint32
	MinIntervalMs     uint32
	Mode              TriggerMode
	AfterDurationMs   uint32
	Signals           []SignalRequirement
	Priority          uint32
	IncludeActiveDTCs bool
	PersistAllData    bool
	Compress          bool
}

// InspectionMatrix is the engine-facing consolidation of all active
// campaigns. It is immutable after publication.
type InspectionMatrix struct {
	Conditions []*InspectionCondition
	// RequiredSignals is the union of all signal requirements across
	// active campaigns.
	RequiredSignals map[SignalID]struct{}
}

// CollectedSignal is one sample included in a triggered data bundle.
type CollectedSignal struct {
	SignalID    SignalID      `json:"signal_id" cbor:"1,keyasint"`
	TimestampMs uint64        `json:"timestamp_ms" cbor:"2,keyasint"`
	Value       Value         `json:"value" cbor:"3,keyasint"`
	RawHandle   RawDataHandle `json:"raw_handle,omitempty" cbor:"4,keyasint,omitempty"`
	RawData     []byte        `json:"raw_data,omitempty" cbor:"5,keyasint,omitempty"`
	Type        SignalType    `json:"type" cbor:"6,keyasint"`
}

// DTCInfo carries the diagnostic trouble codes active at trigger time.
type DTCInfo struct {
	ReceivedMs uint64   `json:"received_ms" cbor:"1,keyasint"`
	Codes      []string `json:"codes" cbor:"2,keyasint"`
}

// TriggeredData is the bundle assembled when a campaign fires.
type TriggeredData struct {
	EventID        string            `json:"event_id" cbor:"1,keyasint"`
	CampaignSyncID SyncID            `json:"campaign_sync_id" cbor:"2,keyasint"`
	TriggerTimeMs  uint64            `json:"trigger_time_ms" cbor:"3,keyasint"`
	Signals        []CollectedSignal `json:"signals" cbor:"4,keyasint"`
	ActiveDTCs     *DTCInfo          `json:"active_dtcs,omitempty" cbor:"5,keyasint,omitempty"`

	// Upload directives copied from the campaign; not part of the wire
	// payload.
	PersistAllData bool `json:"-" cbor:"-"`
	Compress       bool `json:"-" cbor:"-"`
}

// StateTemplates tracks the set of state template sync IDs accepted so far
// together with the version gate.
type StateTemplates struct {
	Version int64    `json:"version" cbor:"1,keyasint"`
	SyncIDs []SyncID `json:"sync_ids" cbor:"2,keyasint"`
}

// StateTemplatesDiff is the inbound added/removed update for state
// templates. Updates with a version lower than the last accepted one are
// ignored; an equal or greater version applies.
type StateTemplatesDiff struct {
	Version int64    `json:"version" cbor:"1,keyasint"`
	Added   []SyncID `json:"added" cbor:"2,keyasint"`
	Removed []SyncID `json:"removed" cbor:"3,keyasint"`
}
