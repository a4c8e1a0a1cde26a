package decoder

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/fleetsense/fleetsense/pkg/types"
)

// DecodeManifest parses an inbound decoder manifest document. A malformed
// document returns an error and the caller retains its previous manifest.
func DecodeManifest(data []byte) (*types.DecoderManifest, error) {
	var m types.DecoderManifest
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	if err := validateManifest(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// EncodeManifest serializes a manifest, used by persistence.
func EncodeManifest(m *types.DecoderManifest) ([]byte, error) {
	return cbor.Marshal(m)
}

func validateManifest(m *types.DecoderManifest) error {
	if m.SyncID == "" {
		return fmt.Errorf("manifest has no sync_id")
	}
	for id, dec := range m.Signals {
		if id == types.InvalidSignalID {
			return fmt.Errorf("manifest %s uses the invalid signal id", m.SyncID)
		}
		if dec == nil {
			return fmt.Errorf("manifest %s: signal %d has no decoding rule", m.SyncID, id)
		}
		if dec.SignalID != id {
			return fmt.Errorf("manifest %s: signal %d decoding rule claims id %d", m.SyncID, id, dec.SignalID)
		}
		switch dec.Protocol {
		case "can", "obd":
		case "custom":
			if dec.Name == "" {
				return fmt.Errorf("manifest %s: custom signal %d has no name", m.SyncID, id)
			}
		default:
			return fmt.Errorf("manifest %s: signal %d has unknown protocol %q", m.SyncID, id, dec.Protocol)
		}
		switch dec.Type {
		case types.SignalTypeInt8, types.SignalTypeInt16, types.SignalTypeInt32, types.SignalTypeInt64,
			types.SignalTypeUint8, types.SignalTypeUint16, types.SignalTypeUint32, types.SignalTypeUint64,
			types.SignalTypeFloat32, types.SignalTypeFloat64, types.SignalTypeBool,
			types.SignalTypeString, types.SignalTypeBytes:
		default:
			return fmt.Errorf("manifest %s: signal %d has unknown type %q", m.SyncID, id, dec.Type)
		}
	}
	return nil
}
