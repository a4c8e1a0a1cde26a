package campaign

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/fleetsense/fleetsense/pkg/types"
)

var (
	// ErrManifestMismatch marks a campaign referencing a manifest that is
	// not currently active. The campaign stays inactive.
	ErrManifestMismatch = errors.New("campaign references inactive decoder manifest")
	// ErrTypecheckFailed marks a condition tree that does not resolve
	// against the active manifest. The campaign is dropped.
	ErrTypecheckFailed = errors.New("condition tree failed typecheck")
	// ErrTreeDepthExceeded marks a condition tree deeper than the
	// supported maximum. The campaign is dropped.
	ErrTreeDepthExceeded = errors.New("condition tree too deep")
)

// campaignListDecMode allows more nesting than the default decoder, so a
// condition tree deeper than MaxConditionTreeDepth still decodes and is
// rejected by Typecheck for its own campaign only.
var campaignListDecMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{MaxNestedLevels: 256}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

// DecodeCampaignList parses an inbound collection schemes document. A
// malformed document returns an error and the previous list is retained.
func DecodeCampaignList(data []byte) (*types.CampaignList, error) {
	var list types.CampaignList
	if err := campaignListDecMode.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to decode campaign list: %w", err)
	}
	seen := make(map[types.SyncID]struct{}, len(list.Campaigns))
	for i, c := range list.Campaigns {
		if c == nil {
			return nil, fmt.Errorf("campaign list entry %d is empty", i)
		}
		if err := validateCampaign(c); err != nil {
			return nil, err
		}
		if _, dup := seen[c.SyncID]; dup {
			return nil, fmt.Errorf("duplicate campaign sync_id %s", c.SyncID)
		}
		seen[c.SyncID] = struct{}{}
	}
	return &list, nil
}

// EncodeCampaignList serializes a campaign list, used by persistence.
func EncodeCampaignList(list *types.CampaignList) ([]byte, error) {
	return cbor.Marshal(list)
}

// DecodeStateTemplatesDiff parses an inbound state templates update.
func DecodeStateTemplatesDiff(data []byte) (*types.StateTemplatesDiff, error) {
	var diff types.StateTemplatesDiff
	if err := cbor.Unmarshal(data, &diff); err != nil {
		return nil, fmt.Errorf("failed to decode state templates: %w", err)
	}
	return &diff, nil
}

func validateCampaign(c *types.Campaign) error {
	if c.SyncID == "" {
		return fmt.Errorf("campaign has no sync_id")
	}
	if c.DecoderManifestSyncID == "" {
		return fmt.Errorf("campaign %s has no decoder_manifest_sync_id", c.SyncID)
	}
	if c.ExpiryMs <= c.StartMs {
		return fmt.Errorf("campaign %s expires before it starts", c.SyncID)
	}
	if c.TimeBased() {
		if c.PeriodMs == 0 {
			return fmt.Errorf("campaign %s has neither condition nor period", c.SyncID)
		}
	} else {
		switch c.Mode {
		case types.TriggerAlways, types.TriggerRisingEdge:
		default:
			return fmt.Errorf("campaign %s has unknown trigger mode %q", c.SyncID, c.Mode)
		}
	}
	for i, req := range c.Signals {
		if req.SampleBufferSize == 0 {
			return fmt.Errorf("campaign %s signal requirement %d has zero buffer size", c.SyncID, i)
		}
	}
	return nil
}
