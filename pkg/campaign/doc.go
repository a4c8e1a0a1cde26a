/*
Package campaign receives cloud-issued collection schemes and drives their
lifecycle.

The manager owns the campaign set and the active decoder manifest. Each
campaign moves through inactive, pending_start, active, expired and
removed; transitions are time-driven (start/expiry epoch milliseconds from
the cloud, compared against the injected clock) and event-driven (a new
campaign list or decoder manifest arriving).

# Lifecycle rules

  - A new campaign list is diffed against the current set: disappeared
    sync IDs are removed immediately, new ones start inactive.
  - A new decoder manifest deactivates every campaign tied to the previous
    manifest; each re-enters the lifecycle once it validates against the
    new one. Signals referenced by condition trees may have moved or
    changed type, so validation is re-run per manifest.
  - A campaign becomes active only when its manifest sync ID matches the
    active manifest, the current time falls inside [start, expiry) and its
    condition tree typechecks.
  - Per-campaign errors are isolating: a manifest mismatch keeps that
    campaign inactive, a typecheck failure or an over-deep tree drops only
    that campaign. None are fatal to the manager.

On every change of the active set the manager regenerates the inspection
matrix and the required-signals decoder dictionary, and publishes both
atomically (immutable snapshots). The checkin document set (manifest +
pending/active campaigns + state templates) is pushed to the checkin
reporter whenever it changes, and at least once after persisted state is
restored so the first checkin reports restored documents instead of an
empty set.

The scheduling loop sleeps until the next earliest start or expiry, capped
by the configured idle time so wall-clock jumps and stop requests are
noticed in bounded time.
*/
package campaign
