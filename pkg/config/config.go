package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
)

// NetworkInterface describes one vehicle bus or custom source the agent
// attaches to.
type NetworkInterface struct {
	InterfaceID string `json:"interface_id"`
	// Type is one of "can", "obd", "custom".
	Type string `json:"type"`
	// DeviceName is the OS-level device (e.g. "can0") for bus interfaces.
	DeviceName string `json:"device_name,omitempty"`
}

// RawDataSignalConfig sets per-signal quotas for the raw data buffer.
type RawDataSignalConfig struct {
	SignalID          uint32 `json:"signal_id"`
	ReservedBytes     uint64 `json:"reserved_bytes"`
	MaxBytes          uint64 `json:"max_bytes"`
	MaxSamples        uint32 `json:"max_samples"`
	MaxBytesPerSample uint64 `json:"max_bytes_per_sample"`
}

// TransportConfig points the agent at its cloud endpoint.
type TransportConfig struct {
	Endpoint               string `json:"endpoint"`
	ClientID               string `json:"client_id"`
	CertificatePath        string `json:"certificate_path,omitempty"`
	PrivateKeyPath         string `json:"private_key_path,omitempty"`
	RootCAPath             string `json:"root_ca_path,omitempty"`
	SendTimeoutMs          uint32 `json:"send_timeout_ms"`
	CheckinTopic           string `json:"checkin_topic"`
	VehicleDataTopic       string `json:"vehicle_data_topic"`
	DecoderManifestTopic   string `json:"decoder_manifest_topic"`
	CollectionSchemesTopic string `json:"collection_schemes_topic"`
	StateTemplatesTopic    string `json:"state_templates_topic"`
}

// Config is the single JSON configuration consumed at startup.
type Config struct {
	VehicleName string `json:"vehicle_name"`

	LogLevel    string `json:"log_level"`
	LogJSON     bool   `json:"log_json"`
	MetricsAddr string `json:"metrics_addr,omitempty"`

	NetworkInterfaces []NetworkInterface `json:"network_interfaces"`

	SignalQueueSize int `json:"signal_queue_size"`
	UploadQueueSize int `json:"upload_queue_size"`

	CampaignManagerIdleTimeMs uint32 `json:"collection_scheme_manager_idle_time_ms"`
	CheckinIntervalMs         uint32 `json:"checkin_interval_ms"`

	PersistencyPath     string `json:"persistency_path"`
	PersistencyMaxBytes uint64 `json:"persistency_max_bytes"`

	RawDataBufferMaxBytes uint64                `json:"raw_data_buffer_max_bytes"`
	RawDataSignals        []RawDataSignalConfig `json:"raw_data_signals,omitempty"`

	// MaxPublishesPerSecond caps outbound vehicle data publishes.
	MaxPublishesPerSecond uint32 `json:"max_publishes_per_second"`

	Transport TransportConfig `json:"transport"`
}

// Defaults applied by Load for keys not present in the file.
const (
	defaultSignalQueueSize       = 10000
	defaultUploadQueueSize       = 100
	defaultIdleTimeMs            = 1000
	defaultCheckinIntervalMs     = 60000
	defaultSendTimeoutMs         = 5000
	defaultRawDataMaxBytes       = 128 * 1024 * 1024
	defaultMaxPublishesPerSecond = 10
)

// Load reads and validates the configuration file at path. Comments and
// trailing commas are tolerated; the content is otherwise strict JSON with
// unknown keys rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates raw configuration bytes.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{
		LogLevel:                  "info",
		SignalQueueSize:           defaultSignalQueueSize,
		UploadQueueSize:           defaultUploadQueueSize,
		CampaignManagerIdleTimeMs: defaultIdleTimeMs,
		CheckinIntervalMs:         defaultCheckinIntervalMs,
		RawDataBufferMaxBytes:     defaultRawDataMaxBytes,
		MaxPublishesPerSecond:     defaultMaxPublishesPerSecond,
	}
	cfg.Transport.SendTimeoutMs = defaultSendTimeoutMs

	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.VehicleName == "" {
		return fmt.Errorf("vehicle_name is required")
	}
	if c.PersistencyPath == "" {
		return fmt.Errorf("persistency_path is required")
	}
	if c.PersistencyMaxBytes == 0 {
		return fmt.Errorf("persistency_max_bytes must be greater than zero")
	}
	if c.SignalQueueSize <= 0 {
		return fmt.Errorf("signal_queue_size must be greater than zero")
	}
	if c.UploadQueueSize <= 0 {
		return fmt.Errorf("upload_queue_size must be greater than zero")
	}
	if c.CampaignManagerIdleTimeMs == 0 {
		return fmt.Errorf("collection_scheme_manager_idle_time_ms must be greater than zero")
	}
	if c.CheckinIntervalMs == 0 {
		return fmt.Errorf("checkin_interval_ms must be greater than zero")
	}
	if c.Transport.Endpoint == "" {
		return fmt.Errorf("transport.endpoint is required")
	}
	for i, ni := range c.NetworkInterfaces {
		if ni.InterfaceID == "" {
			return fmt.Errorf("network_interfaces[%d]: interface_id is required", i)
		}
		switch ni.Type {
		case "can", "obd", "custom":
		default:
			return fmt.Errorf("network_interfaces[%d]: unknown type %q", i, ni.Type)
		}
	}
	for i, rd := range c.RawDataSignals {
		if rd.MaxBytesPerSample > rd.MaxBytes && rd.MaxBytes > 0 {
			return fmt.Errorf("raw_data_signals[%d]: max_bytes_per_sample exceeds max_bytes", i)
		}
	}
	return nil
}
