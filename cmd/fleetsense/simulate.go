package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fleetsense/fleetsense/pkg/agent"
	"github.com/fleetsense/fleetsense/pkg/campaign"
	"github.com/fleetsense/fleetsense/pkg/config"
	"github.com/fleetsense/fleetsense/pkg/decoder"
	"github.com/fleetsense/fleetsense/pkg/log"
	"github.com/fleetsense/fleetsense/pkg/transport"
	"github.com/fleetsense/fleetsense/pkg/types"
	"github.com/fleetsense/fleetsense/pkg/uploader"
)

// scenario is the YAML replay file consumed by the simulate command.
type scenario struct {
	DecoderManifest *types.DecoderManifest `yaml:"decoder_manifest"`
	Campaigns       []*types.Campaign      `yaml:"campaigns"`
	Samples         []scenarioSample       `yaml:"samples"`
	// RunMs keeps the agent alive after the last sample so periodic
	// campaigns can fire.
	RunMs uint32 `yaml:"run_ms"`
}

type scenarioSample struct {
	AtMs     uint64  `yaml:"at_ms"`
	SignalID uint32  `yaml:"signal_id"`
	Number   float64 `yaml:"number"`
	Bool     *bool   `yaml:"bool"`
	Source   string  `yaml:"source"`
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Replay a YAML scenario through the real pipeline",
	Long: `Simulate feeds a scenario file (decoder manifest, campaigns and a
timed sample sequence) through the full pipeline against an in-memory
transport, then prints every triggered data bundle. Useful for validating
campaign definitions before deploying them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		scenarioPath, _ := cmd.Flags().GetString("scenario")

		data, err := os.ReadFile(scenarioPath)
		if err != nil {
			return fmt.Errorf("failed to read scenario: %v", err)
		}
		var sc scenario
		if err := yaml.Unmarshal(data, &sc); err != nil {
			return fmt.Errorf("failed to parse scenario: %v", err)
		}
		if sc.DecoderManifest == nil {
			return fmt.Errorf("scenario has no decoder_manifest")
		}

		log.Init(log.Config{Level: log.DebugLevel})

		dataDir, err := os.MkdirTemp("", "fleetsense-simulate")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dataDir)

		cfg := &config.Config{
			VehicleName:               "simulator",
			LogLevel:                  "debug",
			SignalQueueSize:           10000,
			UploadQueueSize:           100,
			CampaignManagerIdleTimeMs: 50,
			CheckinIntervalMs:         60000,
			PersistencyPath:           dataDir,
			PersistencyMaxBytes:       16 * 1024 * 1024,
			RawDataBufferMaxBytes:     16 * 1024 * 1024,
			Transport: config.TransportConfig{
				Endpoint:         "loopback",
				SendTimeoutMs:    1000,
				CheckinTopic:     "checkin",
				VehicleDataTopic: "vehicle-data",
			},
		}

		broker := transport.NewInMemoryBroker()
		a, err := agent.New(cfg, broker, nil)
		if err != nil {
			return err
		}
		if err := a.Start(); err != nil {
			return err
		}
		defer a.Stop()

		manifestBlob, err := decoder.EncodeManifest(sc.DecoderManifest)
		if err != nil {
			return err
		}
		a.Manager().OnDecoderManifestData(manifestBlob)

		listBlob, err := campaign.EncodeCampaignList(&types.CampaignList{Campaigns: sc.Campaigns})
		if err != nil {
			return err
		}
		a.Manager().OnCampaignListData(listBlob)

		start := time.Now()
		for _, s := range sc.Samples {
			offset := time.Duration(s.AtMs) * time.Millisecond
			if sleep := offset - time.Since(start); sleep > 0 {
				time.Sleep(sleep)
			}
			value := types.NumberValue(s.Number)
			if s.Bool != nil {
				value = types.BoolValue(*s.Bool)
			}
			source := s.Source
			if source == "" {
				source = "sim"
			}
			a.Ingest(&types.SignalSample{
				SignalID:    types.SignalID(s.SignalID),
				TimestampMs: uint64(time.Now().UnixMilli()),
				Value:       value,
				SourceID:    source,
			})
		}
		time.Sleep(time.Duration(sc.RunMs)*time.Millisecond + 200*time.Millisecond)

		published := broker.PublishedOn(cfg.Transport.VehicleDataTopic)
		fmt.Printf("Triggered %d bundle(s)\n", len(published))
		for _, msg := range published {
			td, err := uploader.Decode(msg.Payload)
			if err != nil {
				fmt.Printf("  <undecodable payload: %v>\n", err)
				continue
			}
			fmt.Printf("  campaign=%s trigger_ts=%d signals=%d\n",
				td.CampaignSyncID, td.TriggerTimeMs, len(td.Signals))
			for _, sig := range td.Signals {
				if len(sig.RawData) > 0 {
					fmt.Printf("    signal %d @%d raw=%q\n", sig.SignalID, sig.TimestampMs, sig.RawData)
				} else {
					fmt.Printf("    signal %d @%d value=%s\n", sig.SignalID, sig.TimestampMs, sig.Value.String())
				}
			}
		}
		return nil
	},
}

func init() {
	simulateCmd.Flags().String("scenario", "", "Path to the YAML scenario file")
	simulateCmd.MarkFlagRequired("scenario")
}
