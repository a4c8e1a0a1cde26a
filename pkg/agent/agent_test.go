package agent

import (
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetsense/fleetsense/pkg/campaign"
	"github.com/fleetsense/fleetsense/pkg/checkin"
	"github.com/fleetsense/fleetsense/pkg/config"
	"github.com/fleetsense/fleetsense/pkg/decoder"
	"github.com/fleetsense/fleetsense/pkg/transport"
	"github.com/fleetsense/fleetsense/pkg/types"
	"github.com/fleetsense/fleetsense/pkg/uploader"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		VehicleName:               "vin-test",
		LogLevel:                  "error",
		SignalQueueSize:           1000,
		UploadQueueSize:           100,
		CampaignManagerIdleTimeMs: 50,
		CheckinIntervalMs:         50,
		PersistencyPath:           t.TempDir(),
		PersistencyMaxBytes:       1024 * 1024,
		RawDataBufferMaxBytes:     1024 * 1024,
		Transport: config.TransportConfig{
			Endpoint:               "loopback",
			SendTimeoutMs:          1000,
			CheckinTopic:           "checkin",
			VehicleDataTopic:       "vehicle-data",
			DecoderManifestTopic:   "decoder-manifest",
			CollectionSchemesTopic: "collection-schemes",
			StateTemplatesTopic:    "state-templates",
		},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestEndToEndTriggerFlow(t *testing.T) {
	broker := transport.NewInMemoryBroker()
	a, err := New(testConfig(t), broker, nil)
	require.NoError(t, err)
	require.NoError(t, a.Start())
	defer a.Stop()

	manifestBlob, err := decoder.EncodeManifest(&types.DecoderManifest{
		SyncID: "DM1",
		Signals: map[types.SignalID]*types.SignalDecoding{
			1: {SignalID: 1, Type: types.SignalTypeFloat64, Protocol: "can", BusName: "can0", FrameID: 0x100},
		},
	})
	require.NoError(t, err)
	broker.Deliver("decoder-manifest", manifestBlob)

	listBlob, err := campaign.EncodeCampaignList(&types.CampaignList{Campaigns: []*types.Campaign{{
		SyncID:                "C1",
		DecoderManifestSyncID: "DM1",
		ExpiryMs:              1 << 60,
		Condition: &types.ConditionNode{
			Kind:  types.NodeOperator,
			Op:    types.OpBigger,
			Left:  &types.ConditionNode{Kind: types.NodeSignal, SignalID: 1},
			Right: &types.ConditionNode{Kind: types.NodeNumber, Number: 10},
		},
		Mode:    types.TriggerRisingEdge,
		Signals: []types.SignalRequirement{{SignalID: 1, SampleBufferSize: 10}},
	}}})
	require.NoError(t, err)
	broker.Deliver("collection-schemes", listBlob)

	// Checkins report the manifest and the active campaign.
	waitFor(t, func() bool {
		msgs := broker.PublishedOn("checkin")
		if len(msgs) == 0 {
			return false
		}
		var doc checkin.Document
		if err := cbor.Unmarshal(msgs[len(msgs)-1].Payload, &doc); err != nil {
			return false
		}
		return len(doc.SyncIDs) == 2
	})

	// Drive the condition through false -> true transitions until the
	// engine has picked up the matrix and fires.
	go func() {
		for i := 0; i < 100; i++ {
			now := uint64(time.Now().UnixMilli())
			a.Ingest(&types.SignalSample{SignalID: 1, TimestampMs: now, Value: types.NumberValue(5), SourceID: "can0"})
			time.Sleep(10 * time.Millisecond)
			now = uint64(time.Now().UnixMilli())
			a.Ingest(&types.SignalSample{SignalID: 1, TimestampMs: now, Value: types.NumberValue(15), SourceID: "can0"})
			time.Sleep(10 * time.Millisecond)
			if len(broker.PublishedOn("vehicle-data")) > 0 {
				return
			}
		}
	}()

	waitFor(t, func() bool { return len(broker.PublishedOn("vehicle-data")) > 0 })

	td, err := uploader.Decode(broker.PublishedOn("vehicle-data")[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, types.SyncID("C1"), td.CampaignSyncID)
	assert.NotEmpty(t, td.Signals)
}

func TestAgentStopJoinsCleanly(t *testing.T) {
	broker := transport.NewInMemoryBroker()
	a, err := New(testConfig(t), broker, nil)
	require.NoError(t, err)
	require.NoError(t, a.Start())

	done := make(chan struct{})
	go func() {
		require.NoError(t, a.Stop())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
}
