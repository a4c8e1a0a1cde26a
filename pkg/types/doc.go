/*
Package types defines the core data structures used throughout FleetSense.

This package contains all fundamental types that represent the agent's
domain model: signal identifiers and samples, campaigns (collection
schemes), decoder manifests, condition trees, the inspection matrix and
triggered data bundles. These types are used by all other packages for
ingestion, inspection and upload.

# Core Types

Signals:
  - SignalID / SignalType: manifest-scoped identity and wire type
  - SignalSample: one decoded value with per-source monotonic timestamp
  - Value: the three-valued variant (undefined, bool, number, string)
    used by condition evaluation
  - RawDataHandle: 32-bit borrow handle into the raw data buffer

Campaigns:
  - Campaign: cloud-issued collection scheme, time- or condition-based
  - ConditionNode: read-only AST of a campaign condition
  - CampaignState: inactive, pending_start, active, expired, removed
  - SignalRequirement: per-signal buffer sizing and window period

Derived artifacts:
  - InspectionMatrix: the engine-facing consolidation of active campaigns,
    regenerated atomically on any campaign or manifest change
  - TriggeredData: the bundle produced when a campaign fires

All types are JSON- and CBOR-serializable. Condition trees and published
matrices are immutable after construction; ownership of mutable state lives
with the components that produce it.
*/
package types
