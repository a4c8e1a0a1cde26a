/*
Package metrics provides Prometheus metrics for FleetSense.

All collectors are package-level and registered in init(). Components
update them directly; the agent exposes Handler() on the configured
metrics address for scraping.

Counters and gauges cover the sample pipeline (ingested/dropped), campaign
lifecycle, condition evaluation and triggers, raw data buffer pressure,
checkins, uploads and persistence usage.
*/
package metrics
